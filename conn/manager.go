// Package conn owns the single shared connection to the cache server.
//
// A Manager moves through Disconnected, Connecting, Ready, Reconnecting and
// Failed. Concurrent Initialize calls share one connection attempt. Failures
// schedule a reconnection with capped exponential backoff and jitter until
// MaxRetries is exceeded, after which only ForceReconnect leaves Failed.
//
// Consumers never see the raw client. They get a *cache.Failover from Client,
// which falls back to an in-process emulation whenever the live path fails.
package conn

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/nhalm/guardkit/cache"
	"github.com/nhalm/guardkit/internal/logging"
)

var (
	// ErrClosed is returned by operations on a closed Manager.
	ErrClosed = errors.New("connection manager closed")

	// ErrFailed is returned by Initialize once reconnection retries are
	// exhausted. Call ForceReconnect to try again.
	ErrFailed = errors.New("connection failed permanently; ForceReconnect required")
)

const connectKey = "connect"

// Dialer opens a go-redis client. The Manager probes the client with PING
// before it is used.
type Dialer interface {
	Dial(ctx context.Context, opts *redis.Options) (*redis.Client, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, opts *redis.Options) (*redis.Client, error)

func (f DialerFunc) Dial(ctx context.Context, opts *redis.Options) (*redis.Client, error) {
	return f(ctx, opts)
}

var defaultDialer = DialerFunc(func(_ context.Context, opts *redis.Options) (*redis.Client, error) {
	return redis.NewClient(opts), nil
})

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the go-redis client constructor.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithJitter replaces the jitter source. fn receives Config.RetryJitter and
// returns the delay to add.
func WithJitter(fn func(max time.Duration) time.Duration) Option {
	return func(m *Manager) {
		m.jitter = fn
	}
}

// WithMemoryOptions sets the options used for every fallback Memory created
// by Client.
func WithMemoryOptions(opts ...cache.MemoryOption) Option {
	return func(m *Manager) {
		m.memoryOpts = opts
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}

// Manager owns the shared connection and its lifecycle.
type Manager struct {
	cfg        Config
	dialer     Dialer
	jitter     func(time.Duration) time.Duration
	memoryOpts []cache.MemoryOption

	group singleflight.Group

	mu        sync.Mutex
	state     State
	client    *redis.Client
	live      *cache.Live
	retries   int
	connects  int64
	lastErr   error
	timer     *time.Timer
	timerGen  uint64
	closed    bool
	observers map[int]chan StateChange
	nextObs   int
	clients   []*cache.Failover

	healthOnce sync.Once
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// New creates a Manager in the Disconnected state. No connection is made
// until Initialize or Client is called.
func New(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg.withDefaults(),
		dialer:    defaultDialer,
		jitter:    randomJitter,
		observers: make(map[int]chan StateChange),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	stateGauge.Set(float64(Disconnected))
	return m
}

// Config returns the effective configuration, defaults applied.
func (m *Manager) Config() Config {
	return m.cfg
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns a snapshot of the manager.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		State:      m.state,
		RetryCount: m.retries,
		Connects:   m.connects,
		LastError:  m.lastErr,
	}
}

// Initialize connects if no usable connection exists. It returns nil
// immediately when Ready. Concurrent callers share a single attempt; each
// caller stops waiting when its own ctx is done, but the attempt itself
// continues.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case m.state == Ready:
		m.mu.Unlock()
		return nil
	case m.state == Failed:
		m.mu.Unlock()
		return ErrFailed
	}
	m.mu.Unlock()

	return m.await(ctx)
}

// ForceReconnect discards the current handle and connects again with a reset
// retry counter. It is the only way out of Failed.
func (m *Manager) ForceReconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.stopTimerLocked()
	m.retries = 0
	if m.state != Disconnected && m.state != Connecting {
		m.transitionLocked(EventForceReconnect, nil, 0)
	}
	m.mu.Unlock()

	return m.await(ctx)
}

func (m *Manager) await(ctx context.Context) error {
	ch := m.group.DoChan(connectKey, func() (any, error) {
		return nil, m.connect()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connect performs one connection attempt. It must only run inside the
// singleflight group.
func (m *Manager) connect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == Ready {
		m.mu.Unlock()
		return nil
	}
	if m.state == Disconnected {
		m.transitionLocked(EventConnectStart, nil, 0)
	}
	stale := m.client
	m.client = nil
	m.live = nil
	m.connects++
	opts := m.cfg.redisOptions()
	m.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()

	client, err := m.dialer.Dial(ctx, opts)
	if err == nil {
		if perr := client.Ping(ctx).Err(); perr != nil {
			_ = client.Close()
			client, err = nil, perr
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		if client != nil {
			_ = client.Close()
		}
		return ErrClosed
	}

	if err != nil {
		connectAttempts.WithLabelValues("failure").Inc()
		m.failLocked(EventConnectFailed, err)
		return fmt.Errorf("connect to %s: %w", opts.Addr, err)
	}

	connectAttempts.WithLabelValues("success").Inc()
	m.client = client
	m.live = cache.NewLive(client, m.cfg.CommandTimeout)
	m.retries = 0
	m.lastErr = nil
	m.stopTimerLocked()
	m.transitionLocked(EventConnected, nil, 0)
	m.startHealthLocked()
	return nil
}

// ReportFailure marks a Ready connection as lost and schedules a
// reconnection. Reports in any other state are ignored.
func (m *Manager) ReportFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.state != Ready {
		return
	}
	m.failLocked(EventConnectionLost, err)
}

func (m *Manager) failLocked(ev Event, err error) {
	m.lastErr = err
	delay, exhausted := m.scheduleReconnectionLocked()
	m.transitionLocked(ev, err, delay)
	if exhausted {
		m.transitionLocked(EventRetriesExhausted, err, 0)
	}
}

// scheduleReconnectionLocked arms the reconnection timer. At most one timer
// is pending; exhausted reports that MaxRetries has been reached.
func (m *Manager) scheduleReconnectionLocked() (delay time.Duration, exhausted bool) {
	if m.timer != nil {
		return 0, false
	}
	if m.retries >= m.cfg.MaxRetries {
		return 0, true
	}

	delay = m.backoff(m.retries)
	m.retries++
	m.timerGen++
	gen := m.timerGen
	m.timer = time.AfterFunc(delay, func() {
		m.fireReconnect(gen)
	})
	reconnectsScheduled.Inc()
	return delay, false
}

// backoff returns min(base*2^attempt, max) plus jitter.
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.RetryMaxDelay
	if attempt < 63 && m.cfg.RetryBaseDelay <= d>>attempt {
		d = m.cfg.RetryBaseDelay << attempt
	}
	return d + m.jitter(m.cfg.RetryJitter)
}

func (m *Manager) fireReconnect(gen uint64) {
	m.mu.Lock()
	if m.timerGen == gen {
		m.timer = nil
	}
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return
	}
	_, _, _ = m.group.Do(connectKey, func() (any, error) {
		return nil, m.connect()
	})
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
}

// transitionLocked applies ev to the current state. Invalid transitions are
// logged and rejected.
func (m *Manager) transitionLocked(ev Event, err error, retryIn time.Duration) bool {
	from := m.state
	to, ok := transitions[from][ev]
	if !ok {
		logging.Event(context.Background(), "conn_invalid_transition", map[string]any{
			"state": from.String(),
			"event": ev.String(),
		})
		return false
	}

	m.state = to
	stateGauge.Set(float64(to))

	change := StateChange{
		From:    from,
		To:      to,
		Event:   ev,
		Attempt: m.retries,
		RetryIn: retryIn,
		Err:     err,
		At:      time.Now(),
	}
	for _, ch := range m.observers {
		select {
		case ch <- change:
		default:
		}
	}

	fields := map[string]any{
		"from":    from.String(),
		"to":      to.String(),
		"trigger": ev.String(),
		"attempt": m.retries,
		"addr":    m.cfg.Addr(),
	}
	if retryIn > 0 {
		fields["retry_in_ms"] = retryIn.Milliseconds()
	}
	if err != nil {
		fields["error_code"] = errorCode(err)
	}
	logging.Error(context.Background(), "conn_state", err, fields)
	return true
}

// Subscribe registers an observer for state changes. Delivery never blocks
// the manager; changes are dropped when the buffer is full. The returned
// function unsubscribes. The channel is closed on unsubscribe or Close.
func (m *Manager) Subscribe() (<-chan StateChange, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan StateChange, 32)
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	id := m.nextObs
	m.nextObs++
	m.observers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if c, ok := m.observers[id]; ok {
				delete(m.observers, id)
				close(c)
			}
		})
	}
}

// Live returns the live cache bound to the current connection. It reports
// false when no handle exists, or when the state is not Ready and
// LiveOnlyWhenReady is set.
func (m *Manager) Live() (cache.Cache, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.live == nil || m.closed {
		return nil, false
	}
	if m.state != Ready && (m.cfg.LiveOnlyWhenReady || m.state != Reconnecting) {
		return nil, false
	}
	return m.live, true
}

// Client returns a Failover cache for the named consumer. If no connection
// has been attempted yet and the configuration is valid, Initialize is
// started in the background. An invalid configuration leaves the client on
// memory until a caller connects explicitly.
func (m *Manager) Client(name string) *cache.Failover {
	m.mu.Lock()
	start := !m.closed && m.state == Disconnected && m.cfg.Validate() == nil
	m.mu.Unlock()

	if start {
		go func() {
			_ = m.Initialize(context.Background())
		}()
	}

	f := cache.NewFailover(name, m, cache.NewMemory(m.memoryOpts...))

	m.mu.Lock()
	m.clients = append(m.clients, f)
	m.mu.Unlock()
	return f
}

func (m *Manager) startHealthLocked() {
	if m.cfg.HealthInterval <= 0 {
		return
	}
	m.healthOnce.Do(func() {
		m.wg.Add(1)
		go m.healthLoop()
	})
}

func (m *Manager) healthLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.probe()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) probe() {
	m.mu.Lock()
	live := m.live
	ready := m.state == Ready
	m.mu.Unlock()

	if !ready || live == nil {
		return
	}
	if err := live.Ping(context.Background()); err != nil && cache.IsConnectivityError(err) {
		m.ReportFailure(err)
	}
}

// Close cancels any pending reconnection, stops the health probe and closes
// the connection and every fallback store. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.stopTimerLocked()
	m.transitionLocked(EventShutdown, nil, 0)
	m.closed = true

	client := m.client
	m.client = nil
	m.live = nil
	for id, ch := range m.observers {
		delete(m.observers, id)
		close(ch)
	}
	clients := m.clients
	m.clients = nil
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()

	for _, f := range clients {
		_ = f.Close()
	}
	if client != nil {
		if err := client.Close(); err != nil {
			return fmt.Errorf("close redis client: %w", err)
		}
	}
	return nil
}

// errorCode extracts a short machine-readable code for logs.
func errorCode(err error) string {
	var errno syscall.Errno
	var opErr *net.OpError
	var rerr redis.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "ETIMEDOUT"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "ECONNREFUSED"
	case errors.Is(err, syscall.ECONNRESET):
		return "ECONNRESET"
	case errors.As(err, &errno):
		return errno.Error()
	case errors.As(err, &opErr):
		return "net_" + opErr.Op
	case errors.As(err, &rerr):
		code, _, _ := strings.Cut(rerr.Error(), " ")
		return code
	}
	return "unknown"
}

var _ cache.Source = (*Manager)(nil)
