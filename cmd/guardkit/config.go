package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nhalm/guardkit"
	"github.com/nhalm/guardkit/conn"
	"github.com/nhalm/guardkit/loginguard"
	"github.com/nhalm/guardkit/ratelimit"
	"github.com/nhalm/guardkit/session"
)

const envPrefix = "GUARDKIT"

type sessionConfig struct {
	Lifetime           time.Duration `mapstructure:"lifetime"`
	PersistentLifetime time.Duration `mapstructure:"persistent-lifetime"`
	RememberLifetime   time.Duration `mapstructure:"remember-lifetime"`

	// IPPolicy is "subnet" (default), "exact" or "any".
	IPPolicy string `mapstructure:"ip-policy"`

	// SubnetGroups is the number of leading address groups "subnet" compares.
	SubnetGroups int `mapstructure:"subnet-groups"`
}

type loginConfig struct {
	MaxAttempts        int64         `mapstructure:"max-attempts"`
	AttemptWindow      time.Duration `mapstructure:"attempt-window"`
	LockoutDuration    time.Duration `mapstructure:"lockout-duration"`
	IPMaxAttempts      int64         `mapstructure:"ip-max-attempts"`
	IPAttemptWindow    time.Duration `mapstructure:"ip-attempt-window"`
	IPBlockDuration    time.Duration `mapstructure:"ip-block-duration"`
	BaseDelay          time.Duration `mapstructure:"base-delay"`
	MaxDelay           time.Duration `mapstructure:"max-delay"`
	CaptchaThreshold   int64         `mapstructure:"captcha-threshold"`
	SuspiciousIPVolume int64         `mapstructure:"suspicious-ip-volume"`
}

type rateLimitConfig struct {
	Name        string        `mapstructure:"name"`
	Window      time.Duration `mapstructure:"window"`
	MaxRequests int64         `mapstructure:"max-requests"`
	Message     string        `mapstructure:"message"`

	// KeyBy is "ip" (default), "real-ip", "endpoint" or "ip+endpoint".
	KeyBy string `mapstructure:"key-by"`

	// Headers is "always" (default), "on-limit" or "never".
	Headers string `mapstructure:"headers"`

	SkipSuccessful bool `mapstructure:"skip-successful"`
	SkipFailed     bool `mapstructure:"skip-failed"`
}

type config struct {
	Listen          string        `mapstructure:"listen"`
	AdminKeys       []string      `mapstructure:"admin-keys"`
	AllowDegraded   bool          `mapstructure:"allow-degraded"`
	StartupAttempts int           `mapstructure:"startup-attempts"`
	StartupDelay    time.Duration `mapstructure:"startup-delay"`
	SweepInterval   time.Duration `mapstructure:"sweep-interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`

	Cache      conn.Config       `mapstructure:"cache"`
	Session    sessionConfig     `mapstructure:"session"`
	Login      loginConfig       `mapstructure:"login"`
	RateLimits []rateLimitConfig `mapstructure:"rate-limits"`
}

// registerFlags declares the command-line flags. Nested settings are only
// reachable through the config file or GUARDKIT_ environment variables.
func registerFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "path to a YAML, TOML or JSON config file")
	flags.String("listen", ":8080", "HTTP listen address")
	flags.StringSlice("admin-keys", nil, "API keys accepted by /admin; the admin API is disabled when empty")
	flags.Bool("allow-degraded", false, "serve from memory when the cache is unreachable at startup")
	flags.Int("startup-attempts", 3, "startup smoke test attempts")
	flags.Duration("startup-delay", 2*time.Second, "delay between startup attempts")
	flags.Duration("sweep-interval", time.Minute, "rate-limit sweep interval, 0 disables")
	flags.Duration("shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
	flags.String("cache-host", "localhost", "cache host")
	flags.Int("cache-port", 6379, "cache port")
}

// flagKeys maps flags whose config key differs from the flag name.
var flagKeys = map[string]string{
	"cache-host": "cache.host",
	"cache-port": "cache.port",
}

// newViper binds flags and GUARDKIT_ environment variables. GUARDKIT_CACHE_HOST
// sets cache.host, GUARDKIT_LOGIN_MAX_ATTEMPTS sets login.max-attempts.
func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		key := f.Name
		if k, ok := flagKeys[key]; ok {
			key = k
		}
		if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
			bindErr = fmt.Errorf("bind flag %s: %w", f.Name, err)
		}
	})
	if bindErr != nil {
		return nil, bindErr
	}

	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range envOnlyKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return v, nil
}

var envOnlyKeys = []string{
	"cache.username", "cache.password", "cache.require-auth", "cache.db",
	"cache.connect-timeout", "cache.command-timeout", "cache.keep-alive", "cache.pool-size",
	"cache.max-retries", "cache.retry-base-delay", "cache.retry-max-delay", "cache.retry-jitter",
	"cache.health-interval", "cache.live-only-when-ready",
	"session.lifetime", "session.persistent-lifetime", "session.remember-lifetime",
	"session.ip-policy", "session.subnet-groups",
	"login.max-attempts", "login.attempt-window", "login.lockout-duration",
	"login.ip-max-attempts", "login.ip-attempt-window", "login.ip-block-duration",
	"login.base-delay", "login.max-delay", "login.captcha-threshold", "login.suspicious-ip-volume",
}

func loadConfig(v *viper.Viper) (config, error) {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return config{}, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return config{}, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.RateLimits) == 0 {
		cfg.RateLimits = []rateLimitConfig{{Name: "api"}}
	}
	return cfg, nil
}

func (c config) ipPolicy() (session.IPPolicy, error) {
	switch c.Session.IPPolicy {
	case "", "subnet":
		groups := c.Session.SubnetGroups
		if groups <= 0 {
			groups = 2
		}
		return session.SameSubnet(groups), nil
	case "exact":
		return session.ExactIP(), nil
	case "any":
		return session.AnyIP(), nil
	}
	return nil, fmt.Errorf("unknown session.ip-policy %q", c.Session.IPPolicy)
}

func (r rateLimitConfig) keyFunc() (ratelimit.KeyFunc, error) {
	switch r.KeyBy {
	case "", "ip":
		return ratelimit.KeyByIP, nil
	case "real-ip":
		return ratelimit.KeyByRealIP, nil
	case "endpoint":
		return ratelimit.KeyByEndpoint, nil
	case "ip+endpoint":
		return ratelimit.Compose(ratelimit.KeyByIP, ratelimit.KeyByEndpoint), nil
	}
	return nil, fmt.Errorf("rate limit %q: unknown key-by %q", r.Name, r.KeyBy)
}

func (r rateLimitConfig) headerMode() (ratelimit.HeaderMode, error) {
	switch r.Headers {
	case "", "always":
		return ratelimit.HeadersAlways, nil
	case "on-limit":
		return ratelimit.HeadersOnLimitExceeded, nil
	case "never":
		return ratelimit.HeadersNever, nil
	}
	return 0, fmt.Errorf("rate limit %q: unknown headers mode %q", r.Name, r.Headers)
}

// kitConfig translates the file layout into guardkit.Config.
func (c config) kitConfig() (guardkit.Config, error) {
	policy, err := c.ipPolicy()
	if err != nil {
		return guardkit.Config{}, err
	}

	limits := make([]ratelimit.Config, 0, len(c.RateLimits))
	for _, rl := range c.RateLimits {
		keyFn, err := rl.keyFunc()
		if err != nil {
			return guardkit.Config{}, err
		}
		mode, err := rl.headerMode()
		if err != nil {
			return guardkit.Config{}, err
		}
		limits = append(limits, ratelimit.Config{
			Name:                   rl.Name,
			Window:                 rl.Window,
			MaxRequests:            rl.MaxRequests,
			Message:                rl.Message,
			KeyGenerator:           keyFn,
			HeaderMode:             mode,
			SkipSuccessfulRequests: rl.SkipSuccessful,
			SkipFailedRequests:     rl.SkipFailed,
		})
	}

	l := c.Login
	return guardkit.Config{
		Conn: c.Cache,
		Session: session.Config{
			Lifetime:           c.Session.Lifetime,
			PersistentLifetime: c.Session.PersistentLifetime,
			RememberLifetime:   c.Session.RememberLifetime,
			IPPolicy:           policy,
		},
		Login: loginguard.Config{
			MaxAttempts:        l.MaxAttempts,
			AttemptWindow:      l.AttemptWindow,
			LockoutDuration:    l.LockoutDuration,
			IPMaxAttempts:      l.IPMaxAttempts,
			IPAttemptWindow:    l.IPAttemptWindow,
			IPBlockDuration:    l.IPBlockDuration,
			BaseDelay:          l.BaseDelay,
			MaxDelay:           l.MaxDelay,
			CaptchaThreshold:   l.CaptchaThreshold,
			SuspiciousIPVolume: l.SuspiciousIPVolume,
		},
		RateLimits:      limits,
		StartupAttempts: c.StartupAttempts,
		StartupDelay:    c.StartupDelay,
		AllowDegraded:   c.AllowDegraded,
		SweepInterval:   c.SweepInterval,
	}, nil
}
