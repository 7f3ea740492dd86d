package conn

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config holds the connection parameters for the shared cache connection.
// All fields should be populated explicitly by the hosting process; this
// package never reads environment variables.
type Config struct {
	// Host is the cache server host name or IP address.
	Host string `mapstructure:"host" validate:"required,hostname_rfc1123|ip"`

	// Port is the cache server port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// Username for ACL authentication (optional).
	Username string `mapstructure:"username"`

	// Password for authentication. Required when RequireAuth is set.
	Password string `mapstructure:"password" validate:"required_if=RequireAuth true"`

	// RequireAuth makes a missing Password a configuration error.
	RequireAuth bool `mapstructure:"require-auth"`

	// DB is the database number (0-15, default: 0).
	DB int `mapstructure:"db" validate:"min=0,max=15"`

	// ConnectTimeout bounds dialing and the liveness probe (default: 5s).
	ConnectTimeout time.Duration `mapstructure:"connect-timeout" validate:"gte=0"`

	// CommandTimeout bounds every cache command (default: 3s).
	CommandTimeout time.Duration `mapstructure:"command-timeout" validate:"gte=0"`

	// KeepAlive is the TCP keep-alive period (default: 30s).
	KeepAlive time.Duration `mapstructure:"keep-alive" validate:"gte=0"`

	// PoolSize is the number of sockets go-redis may open (default: 1, the
	// single shared connection). Commands on one socket are serialized, which
	// keeps same-key operations in issue order.
	PoolSize int `mapstructure:"pool-size" validate:"gte=0"`

	// MaxRetries is how many scheduled reconnections are attempted before the
	// manager gives up and enters the Failed state (default: 10). -1
	// schedules none: the first failure goes straight to Failed.
	MaxRetries int `mapstructure:"max-retries" validate:"gte=-1"`

	// RetryBaseDelay is the first reconnection delay (default: 100ms).
	RetryBaseDelay time.Duration `mapstructure:"retry-base-delay" validate:"gte=0"`

	// RetryMaxDelay caps the exponential part of the delay (default: 30s).
	RetryMaxDelay time.Duration `mapstructure:"retry-max-delay" validate:"gte=0"`

	// RetryJitter is the maximum random delay added to each reconnection (default: 100ms).
	RetryJitter time.Duration `mapstructure:"retry-jitter" validate:"gte=0"`

	// HealthInterval is how often a Ready connection is probed (default: 10s).
	// Negative disables probing.
	HealthInterval time.Duration `mapstructure:"health-interval"`

	// LiveOnlyWhenReady restricts live calls to the Ready state. By default a
	// call still tries the existing handle while reconnecting.
	LiveOnlyWhenReady bool `mapstructure:"live-only-when-ready"`
}

// Validate checks the static configuration.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid cache connection config: %w", err)
	}
	return nil
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 3 * time.Second
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.PoolSize == 0 {
		c.PoolSize = 1
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 10
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.RetryJitter == 0 {
		c.RetryJitter = 100 * time.Millisecond
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 10 * time.Second
	}
	return c
}

func (c Config) redisOptions() *redis.Options {
	dialer := &net.Dialer{
		Timeout:   c.ConnectTimeout,
		KeepAlive: c.KeepAlive,
	}
	return &redis.Options{
		Addr:                  c.Addr(),
		Username:              c.Username,
		Password:              c.Password,
		DB:                    c.DB,
		DialTimeout:           c.ConnectTimeout,
		ReadTimeout:           c.CommandTimeout,
		WriteTimeout:          c.CommandTimeout,
		ContextTimeoutEnabled: true,
		PoolSize:              c.PoolSize,
		// reconnection is owned by the Manager
		MaxRetries: -1,
		Dialer: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
	}
}
