// Package config holds the server's runtime settings.
//
// Precedence (highest wins): command-line flags, CHAT_* environment
// variables, Default().
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"
)

type Config struct {
	// Listener
	Host            string
	Port            int
	WorkerPoolSize  int
	ShutdownTimeout time.Duration

	// Chat
	ChatName        string
	MessageCapacity int
	SessionTimeout  time.Duration
	SweepInterval   time.Duration // 0 derives it from SessionTimeout

	// Transport
	WriteTimeout   time.Duration
	OutboundBuffer int
	MaxFrameSize   int

	// Credentials
	BcryptCost int

	// Operations
	MetricsAddr string // empty disables the /metrics endpoint
	LogLevel    string
	LogFormat   string // "json" or "text"
}

// Default returns the settings the server runs with when nothing is overridden.
func Default() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            5000,
		WorkerPoolSize:  64,
		ShutdownTimeout: 5 * time.Second,

		ChatName:        "Simple Chat",
		MessageCapacity: 100,
		SessionTimeout:  5 * time.Minute,

		WriteTimeout:   10 * time.Second,
		OutboundBuffer: 32,
		MaxFrameSize:   1 << 20,

		BcryptCost: bcrypt.DefaultCost,

		MetricsAddr: ":9090",
		LogLevel:    "info",
		LogFormat:   "json",
	}
}

// Addr is the host:port the chat listener binds.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// EffectiveSweepInterval is SweepInterval, or a tenth of SessionTimeout
// clamped to [100ms, 30s] when unset.
func (c Config) EffectiveSweepInterval() time.Duration {
	if c.SweepInterval > 0 {
		return c.SweepInterval
	}
	d := c.SessionTimeout / 10
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// Load builds a Config from defaults, the environment and args (without the
// program name), then validates it.
func Load(args []string) (Config, error) {
	cfg := Default()
	if err := LoadFromEnv(&cfg); err != nil {
		return cfg, err
	}

	fs := flag.NewFlagSet("chat-server", flag.ContinueOnError)
	fs.StringVar(&cfg.Host, "host", cfg.Host, "listen host")
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "listen port")
	fs.IntVar(&cfg.WorkerPoolSize, "pool-size", cfg.WorkerPoolSize, "maximum concurrent connections")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "time to wait for connections to drain on stop")
	fs.StringVar(&cfg.ChatName, "chat-name", cfg.ChatName, "name shown as the sender of chat messages")
	fs.IntVar(&cfg.MessageCapacity, "message-capacity", cfg.MessageCapacity, "number of recent messages retained")
	fs.DurationVar(&cfg.SessionTimeout, "session-timeout", cfg.SessionTimeout, "idle time before a session is expired")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "idle session sweep period (0 = derived from session timeout)")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "per-frame write deadline")
	fs.IntVar(&cfg.OutboundBuffer, "outbound-buffer", cfg.OutboundBuffer, "frames queued per connection before dropping")
	fs.IntVar(&cfg.MaxFrameSize, "max-frame-size", cfg.MaxFrameSize, "largest accepted command payload in bytes")
	fs.IntVar(&cfg.BcryptCost, "bcrypt-cost", cfg.BcryptCost, "bcrypt cost for password hashes")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "metrics listen address (empty disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json or text")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// LoadFromEnv overlays CHAT_* environment variables onto cfg. Unset or empty
// variables are ignored; unparsable values are errors.
func LoadFromEnv(cfg *Config) error {
	if v := os.Getenv("CHAT_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("CHAT_NAME"); v != "" {
		cfg.ChatName = v
	}
	if v := os.Getenv("CHAT_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("CHAT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CHAT_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CHAT_PORT", &cfg.Port},
		{"CHAT_POOL_SIZE", &cfg.WorkerPoolSize},
		{"CHAT_MESSAGE_CAPACITY", &cfg.MessageCapacity},
		{"CHAT_OUTBOUND_BUFFER", &cfg.OutboundBuffer},
		{"CHAT_MAX_FRAME_SIZE", &cfg.MaxFrameSize},
		{"CHAT_BCRYPT_COST", &cfg.BcryptCost},
	}
	for _, e := range ints {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ValidationError{Field: e.key, Value: v, Message: "not an integer"}
		}
		*e.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"CHAT_SESSION_TIMEOUT", &cfg.SessionTimeout},
		{"CHAT_SWEEP_INTERVAL", &cfg.SweepInterval},
		{"CHAT_WRITE_TIMEOUT", &cfg.WriteTimeout},
		{"CHAT_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
	}
	for _, e := range durations {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return &ValidationError{Field: e.key, Value: v, Message: "not a duration (e.g. 30s, 5m)"}
		}
		*e.dst = d
	}
	return nil
}

// ValidationError names the setting that failed validation.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s=%v: %s", e.Field, e.Value, e.Message)
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Port < 0 || c.Port > 65535:
		return &ValidationError{Field: "port", Value: c.Port, Message: "must be between 0 and 65535"}
	case c.WorkerPoolSize <= 0:
		return &ValidationError{Field: "pool-size", Value: c.WorkerPoolSize, Message: "must be positive"}
	case c.ChatName == "":
		return &ValidationError{Field: "chat-name", Value: c.ChatName, Message: "must not be empty"}
	case c.MessageCapacity <= 0:
		return &ValidationError{Field: "message-capacity", Value: c.MessageCapacity, Message: "must be positive"}
	case c.SessionTimeout <= 0:
		return &ValidationError{Field: "session-timeout", Value: c.SessionTimeout, Message: "must be positive"}
	case c.SweepInterval < 0:
		return &ValidationError{Field: "sweep-interval", Value: c.SweepInterval, Message: "must not be negative"}
	case c.WriteTimeout <= 0:
		return &ValidationError{Field: "write-timeout", Value: c.WriteTimeout, Message: "must be positive"}
	case c.OutboundBuffer <= 0:
		return &ValidationError{Field: "outbound-buffer", Value: c.OutboundBuffer, Message: "must be positive"}
	case c.MaxFrameSize <= 0:
		return &ValidationError{Field: "max-frame-size", Value: c.MaxFrameSize, Message: "must be positive"}
	case c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost:
		return &ValidationError{Field: "bcrypt-cost", Value: c.BcryptCost, Message: fmt.Sprintf("must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)}
	case c.LogFormat != "json" && c.LogFormat != "text":
		return &ValidationError{Field: "log-format", Value: c.LogFormat, Message: "must be json or text"}
	}
	return nil
}
