package conn

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func noJitter(time.Duration) time.Duration { return 0 }

func testConfig(t *testing.T, mr *miniredis.Miniredis) Config {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return Config{
		Host:           mr.Host(),
		Port:           port,
		ConnectTimeout: time.Second,
		CommandTimeout: time.Second,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  8 * time.Millisecond,
		HealthInterval: -1,
	}
}

// countingDialer counts attempts and fails while fail returns true.
type countingDialer struct {
	calls atomic.Int64
	fail  func(n int64) bool
	gate  chan struct{}
}

func (d *countingDialer) Dial(ctx context.Context, opts *redis.Options) (*redis.Client, error) {
	n := d.calls.Add(1)
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.fail != nil && d.fail(n) {
		return nil, errors.New("connection refused")
	}
	return redis.NewClient(opts), nil
}

func waitFor(t *testing.T, ch <-chan StateChange, want State) StateChange {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				t.Fatalf("observer closed before reaching %s", want)
			}
			if c.To == want {
				return c
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Disconnected, "disconnected"},
		{Connecting, "connecting"},
		{Ready, "ready"},
		{Reconnecting, "reconnecting"},
		{Failed, "failed"},
		{State(42), "state(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Host: "localhost", Port: 6379}, false},
		{"ip host", Config{Host: "10.0.0.5", Port: 6380, DB: 15}, false},
		{"missing host", Config{Port: 6379}, true},
		{"port out of range", Config{Host: "localhost", Port: 70000}, true},
		{"db out of range", Config{Host: "localhost", Port: 6379, DB: 16}, true},
		{"auth required", Config{Host: "localhost", Port: 6379, RequireAuth: true}, true},
		{"auth present", Config{Host: "localhost", Port: 6379, RequireAuth: true, Password: "s3cret"}, false},
		{"retries disabled", Config{Host: "localhost", Port: 6379, MaxRetries: -1}, false},
		{"retries below sentinel", Config{Host: "localhost", Port: 6379, MaxRetries: -2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	c := Config{Host: "localhost", Port: 6379}.withDefaults()
	if c.PoolSize != 1 {
		t.Errorf("PoolSize = %d, want 1", c.PoolSize)
	}
	if c.MaxRetries != 10 {
		t.Errorf("MaxRetries = %d, want 10", c.MaxRetries)
	}
	if c.ConnectTimeout != 5*time.Second || c.CommandTimeout != 3*time.Second {
		t.Errorf("timeouts = %v/%v", c.ConnectTimeout, c.CommandTimeout)
	}
	if c.LiveOnlyWhenReady {
		t.Error("LiveOnlyWhenReady should default to false")
	}
	opts := c.redisOptions()
	if opts.Addr != "localhost:6379" {
		t.Errorf("Addr = %q", opts.Addr)
	}
	if opts.MaxRetries != -1 {
		t.Errorf("go-redis MaxRetries = %d, want -1", opts.MaxRetries)
	}
}

func TestBackoff(t *testing.T) {
	m := New(Config{
		Host:           "localhost",
		Port:           6379,
		RetryBaseDelay: 100 * time.Millisecond,
		RetryMaxDelay:  time.Second,
	}, WithJitter(noJitter))

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := m.backoff(i); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i, got, w)
		}
	}
	if got := m.backoff(200); got != time.Second {
		t.Errorf("backoff(200) = %v, want cap", got)
	}
}

func TestBackoff_LargeBaseSaturates(t *testing.T) {
	m := New(Config{
		Host:           "localhost",
		Port:           6379,
		RetryBaseDelay: 10 * time.Second,
		RetryMaxDelay:  time.Minute,
	}, WithJitter(noJitter))

	for _, attempt := range []int{3, 30, 31, 32, 40, 62, 63, 64} {
		if got := m.backoff(attempt); got != time.Minute {
			t.Errorf("backoff(%d) = %v, want 1m", attempt, got)
		}
	}
	if got := m.backoff(2); got != 40*time.Second {
		t.Errorf("backoff(2) = %v, want 40s", got)
	}
}

func TestBackoff_JitterBounded(t *testing.T) {
	m := New(Config{
		Host:           "localhost",
		Port:           6379,
		RetryBaseDelay: 10 * time.Millisecond,
		RetryMaxDelay:  50 * time.Millisecond,
		RetryJitter:    5 * time.Millisecond,
	})
	for i := 0; i < 100; i++ {
		d := m.backoff(10)
		if d < 50*time.Millisecond || d > 55*time.Millisecond {
			t.Fatalf("backoff with jitter = %v, want within [50ms, 55ms]", d)
		}
	}
}

func TestInitialize_SingleInFlight(t *testing.T) {
	mr := miniredis.RunT(t)
	d := &countingDialer{gate: make(chan struct{})}
	m := New(testConfig(t, mr), WithDialer(d))
	defer m.Close()

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.Initialize(context.Background())
		}()
	}

	deadline := time.Now().Add(time.Second)
	for d.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(d.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Initialize() error = %v", err)
		}
	}
	if got := d.calls.Load(); got != 1 {
		t.Errorf("dial attempts = %d, want 1", got)
	}
	if m.State() != Ready {
		t.Errorf("State() = %s, want ready", m.State())
	}
}

func TestInitialize_NoopWhenReady(t *testing.T) {
	mr := miniredis.RunT(t)
	d := &countingDialer{}
	m := New(testConfig(t, mr), WithDialer(d))
	defer m.Close()

	for i := 0; i < 3; i++ {
		if err := m.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize() error = %v", err)
		}
	}
	if got := d.calls.Load(); got != 1 {
		t.Errorf("dial attempts = %d, want 1", got)
	}
}

func TestInitialize_CallerContextDoesNotCancelAttempt(t *testing.T) {
	mr := miniredis.RunT(t)
	d := &countingDialer{gate: make(chan struct{})}
	m := New(testConfig(t, mr), WithDialer(d))
	defer m.Close()

	ch, cancelSub := m.Subscribe()
	defer cancelSub()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := m.Initialize(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Initialize() error = %v, want deadline exceeded", err)
	}

	close(d.gate)
	waitFor(t, ch, Ready)
}

func TestReconnect_BackoffSequenceThenFailed(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	cfg.MaxRetries = 6
	d := &countingDialer{fail: func(int64) bool { return true }}
	m := New(cfg, WithDialer(d), WithJitter(noJitter))
	defer m.Close()

	ch, cancel := m.Subscribe()
	defer cancel()

	if err := m.Initialize(context.Background()); err == nil {
		t.Fatal("Initialize() should fail")
	}

	var delays []time.Duration
	timeout := time.After(3 * time.Second)
	for done := false; !done; {
		select {
		case c := <-ch:
			if c.RetryIn > 0 {
				delays = append(delays, c.RetryIn)
			}
			if c.To == Failed {
				done = true
			}
		case <-timeout:
			t.Fatal("timed out waiting for failed state")
		}
	}

	want := []time.Duration{1, 2, 4, 8, 8, 8}
	if len(delays) != len(want) {
		t.Fatalf("scheduled %d reconnections (%v), want %d", len(delays), delays, len(want))
	}
	for i, d := range delays {
		if d != want[i]*time.Millisecond {
			t.Errorf("delay[%d] = %v, want %v", i, d, want[i]*time.Millisecond)
		}
		if i > 0 && d < delays[i-1] {
			t.Errorf("delay[%d] = %v decreased from %v", i, d, delays[i-1])
		}
	}
	if got := d.calls.Load(); got != 7 {
		t.Errorf("dial attempts = %d, want 7", got)
	}
	if err := m.Initialize(context.Background()); !errors.Is(err, ErrFailed) {
		t.Errorf("Initialize() in failed state = %v, want ErrFailed", err)
	}
}

func TestReconnect_ResetsRetriesAfterSuccess(t *testing.T) {
	mr := miniredis.RunT(t)
	d := &countingDialer{fail: func(n int64) bool { return n <= 2 }}
	m := New(testConfig(t, mr), WithDialer(d), WithJitter(noJitter))
	defer m.Close()

	ch, cancel := m.Subscribe()
	defer cancel()

	_ = m.Initialize(context.Background())
	waitFor(t, ch, Ready)

	s := m.Stats()
	if s.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", s.RetryCount)
	}
	if s.Connects != 3 {
		t.Errorf("Connects = %d, want 3", s.Connects)
	}
	if s.LastError != nil {
		t.Errorf("LastError = %v, want nil", s.LastError)
	}
}

func TestInitialize_NoRetriesGoesStraightToFailed(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	cfg.MaxRetries = -1
	d := &countingDialer{fail: func(int64) bool { return true }}
	m := New(cfg, WithDialer(d), WithJitter(noJitter))
	defer m.Close()

	if err := m.Initialize(context.Background()); err == nil {
		t.Fatal("Initialize() error = nil, want connect failure")
	}
	if m.State() != Failed {
		t.Errorf("State() = %s, want failed", m.State())
	}
	if s := m.Stats(); s.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", s.RetryCount)
	}
	time.Sleep(20 * time.Millisecond)
	if n := d.calls.Load(); n != 1 {
		t.Errorf("dial attempts = %d, want 1", n)
	}
}

func TestForceReconnect_LeavesFailed(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	cfg.MaxRetries = 1
	var failing atomic.Bool
	failing.Store(true)
	d := &countingDialer{fail: func(int64) bool { return failing.Load() }}
	m := New(cfg, WithDialer(d), WithJitter(noJitter))
	defer m.Close()

	ch, cancel := m.Subscribe()
	defer cancel()

	_ = m.Initialize(context.Background())
	waitFor(t, ch, Failed)

	failing.Store(false)
	if err := m.ForceReconnect(context.Background()); err != nil {
		t.Fatalf("ForceReconnect() error = %v", err)
	}
	if m.State() != Ready {
		t.Errorf("State() = %s, want ready", m.State())
	}
}

func TestReportFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	cfg.RetryBaseDelay = time.Hour
	cfg.RetryMaxDelay = time.Hour
	m := New(cfg, WithJitter(noJitter))
	defer m.Close()

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	m.ReportFailure(errors.New("broken pipe"))
	if m.State() != Reconnecting {
		t.Fatalf("State() = %s, want reconnecting", m.State())
	}
	if s := m.Stats(); s.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", s.RetryCount)
	}

	// A second report while reconnecting is ignored.
	m.ReportFailure(errors.New("broken pipe"))
	if s := m.Stats(); s.RetryCount != 1 {
		t.Errorf("RetryCount after second report = %d, want 1", s.RetryCount)
	}

	if _, ok := m.Live(); !ok {
		t.Error("Live() should still offer the handle while reconnecting")
	}
}

func TestLive_OnlyWhenReady(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	cfg.RetryBaseDelay = time.Hour
	cfg.RetryMaxDelay = time.Hour
	cfg.LiveOnlyWhenReady = true
	m := New(cfg, WithJitter(noJitter))
	defer m.Close()

	if _, ok := m.Live(); ok {
		t.Error("Live() before connect should report false")
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if _, ok := m.Live(); !ok {
		t.Error("Live() when ready should report true")
	}
	m.ReportFailure(errors.New("reset"))
	if _, ok := m.Live(); ok {
		t.Error("Live() while reconnecting should report false")
	}
}

func TestHealthProbe_DetectsLossAndRecovers(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	cfg.HealthInterval = 10 * time.Millisecond
	cfg.RetryBaseDelay = 20 * time.Millisecond
	cfg.RetryMaxDelay = 20 * time.Millisecond
	m := New(cfg, WithJitter(noJitter))
	defer m.Close()

	ch, cancel := m.Subscribe()
	defer cancel()

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	mr.Close()
	c := waitFor(t, ch, Reconnecting)
	if c.Event != EventConnectionLost {
		t.Errorf("event = %s, want connection_lost", c.Event)
	}

	if err := mr.Restart(); err != nil {
		t.Fatalf("restart miniredis: %v", err)
	}
	waitFor(t, ch, Ready)
}

func TestClose_CancelsPendingReconnect(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	cfg.RetryBaseDelay = time.Hour
	cfg.RetryMaxDelay = time.Hour
	d := &countingDialer{fail: func(int64) bool { return true }}
	m := New(cfg, WithDialer(d), WithJitter(noJitter))

	_ = m.Initialize(context.Background())

	m.mu.Lock()
	pending := m.timer != nil
	m.mu.Unlock()
	if !pending {
		t.Fatal("expected a pending reconnect timer")
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	m.mu.Lock()
	pending = m.timer != nil
	m.mu.Unlock()
	if pending {
		t.Error("timer still pending after Close")
	}
	if m.State() != Disconnected {
		t.Errorf("State() = %s, want disconnected", m.State())
	}
	if err := m.Initialize(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Initialize() after Close = %v, want ErrClosed", err)
	}
}

func TestSubscribe_ClosedOnClose(t *testing.T) {
	m := New(Config{Host: "localhost", Port: 6379})
	ch, _ := m.Subscribe()
	_ = m.Close()

	// Shutdown from disconnected is published before the channel closes.
	c, ok := <-ch
	if !ok || c.Event != EventShutdown {
		t.Fatalf("first change = %+v, ok=%v", c, ok)
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
}

func TestClient_InvalidConfigDoesNotConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	cfg.RequireAuth = true
	d := &countingDialer{}
	m := New(cfg, WithDialer(d))
	defer m.Close()

	c := m.Client("sessions")
	if n := d.calls.Load(); n != 0 {
		t.Errorf("dial attempts = %d, want 0", n)
	}
	if s := m.Stats(); s.State != Disconnected || s.Connects != 0 {
		t.Errorf("Stats() = %+v, want disconnected with no connects", s)
	}

	ctx := context.Background()
	if err := c.SetEx(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("SetEx() error = %v", err)
	}
	if mr.Exists("k") {
		t.Error("value reached the server with an invalid config")
	}
}

func TestClient_FallsBackToMemory(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	m := New(cfg)
	defer m.Close()

	ch, cancel := m.Subscribe()
	defer cancel()

	c := m.Client("sessions")
	if c.Name() != "sessions" {
		t.Errorf("Name() = %q", c.Name())
	}
	waitFor(t, ch, Ready)

	ctx := context.Background()
	if err := c.SetEx(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("SetEx() error = %v", err)
	}
	if got, _ := mr.Get("k"); got != "v" {
		t.Errorf("live value = %q, want v", got)
	}

	mr.Close()
	if err := c.SetEx(ctx, "k2", "v2", time.Minute); err != nil {
		t.Fatalf("SetEx() during outage error = %v", err)
	}
	val, ok, _ := c.Get(ctx, "k2")
	if !ok || val != "v2" {
		t.Errorf("Get() during outage = %q, %v; want v2 from memory", val, ok)
	}
	if m.State() == Ready {
		t.Error("failed live call should have been reported")
	}
}

func TestErrorCode(t *testing.T) {
	if got := errorCode(context.DeadlineExceeded); got != "ETIMEDOUT" {
		t.Errorf("errorCode(deadline) = %q", got)
	}
	if got := errorCode(errors.New("boom")); got != "unknown" {
		t.Errorf("errorCode(plain) = %q", got)
	}
}
