// Package config defines runtime settings for the roomchat service, their
// defaults and validation rules. Load layers defaults, an optional YAML file
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `koanf:"burst" validate:"gt=0"`
	RefillInterval time.Duration `koanf:"refill_interval" validate:"gt=0"`
}

// ServerConfig holds HTTP and websocket settings.
type ServerConfig struct {
	Port            string          `koanf:"port" validate:"required"`
	ReadTimeout     time.Duration   `koanf:"read_timeout"`
	WriteTimeout    time.Duration   `koanf:"write_timeout"`
	IdleTimeout     time.Duration   `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration   `koanf:"shutdown_timeout" validate:"gt=0"`
	MaxMessageSize  int64           `koanf:"max_message_size" validate:"gt=0"`
	SendBuffer      int             `koanf:"send_buffer" validate:"gt=0"`
	RateLimit       RateLimitConfig `koanf:"rate_limit"`
	// APIRequestsPerMinute bounds history and room API calls per client IP.
	APIRequestsPerMinute int `koanf:"api_requests_per_minute" validate:"gte=0"`
}

// SecurityConfig holds origin and identity settings.
type SecurityConfig struct {
	AllowedOrigins []string      `koanf:"allowed_origins"`
	JWTSecret      string        `koanf:"jwt_secret" validate:"required,min=32"`
	SessionTimeout time.Duration `koanf:"session_timeout" validate:"gt=0"`
}

// DatabaseConfig holds persistence settings.
type DatabaseConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// BreakerConfig holds circuit breaker settings for message writes.
type BreakerConfig struct {
	FailureThreshold uint32        `koanf:"failure_threshold" validate:"gt=0"`
	Timeout          time.Duration `koanf:"timeout" validate:"gt=0"`
	Interval         time.Duration `koanf:"interval"`
}

// NATSConfig holds cross-node relay settings.
type NATSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	URL      string `koanf:"url" validate:"required_if=Enabled true Embedded false"`
	Embedded bool   `koanf:"embedded"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port" validate:"gte=-1,lte=65535"`
	Subject  string `koanf:"subject" validate:"required"`
	NodeID   string `koanf:"node_id"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Config holds the complete service configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Security SecurityConfig `koanf:"security"`
	Database DatabaseConfig `koanf:"database"`
	Breaker  BreakerConfig  `koanf:"breaker"`
	NATS     NATSConfig     `koanf:"nats"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// Default returns a Config populated with default values for all settings.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxMessageSize:  16384,
			SendBuffer:      256,
			RateLimit: RateLimitConfig{
				Burst:          5,
				RefillInterval: time.Second,
			},
			APIRequestsPerMinute: 120,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			SessionTimeout: 24 * time.Hour,
		},
		Database: DatabaseConfig{
			Path: "roomchat.db",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Timeout:          30 * time.Second,
			Interval:         time.Minute,
		},
		NATS: NATSConfig{
			URL:     "nats://127.0.0.1:4222",
			Host:    "127.0.0.1",
			Port:    4222,
			Subject: "roomchat.room_events",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Sanitize replaces unusable values with defaults, the way the service has
// always treated bad numeric settings, and trims origin entries.
func (c *Config) Sanitize() {
	d := Default()
	if strings.TrimSpace(c.Server.Port) == "" {
		c.Server.Port = d.Server.Port
	}
	if c.Server.MaxMessageSize <= 0 {
		c.Server.MaxMessageSize = d.Server.MaxMessageSize
	}
	if c.Server.SendBuffer <= 0 {
		c.Server.SendBuffer = d.Server.SendBuffer
	}
	if c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = d.Server.RateLimit.Burst
	}
	if c.Server.RateLimit.RefillInterval <= 0 {
		c.Server.RateLimit.RefillInterval = d.Server.RateLimit.RefillInterval
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if c.Security.SessionTimeout <= 0 {
		c.Security.SessionTimeout = d.Security.SessionTimeout
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}

	origins := make([]string, 0, len(c.Security.AllowedOrigins))
	for _, o := range c.Security.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.Security.AllowedOrigins = origins
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
