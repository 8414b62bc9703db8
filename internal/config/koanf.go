package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar names the environment variable holding the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched when CONFIG_PATH is not set.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/roomchat/config.yaml",
}

// envMappings maps environment variable names (lower-cased) to koanf paths.
// Unmapped variables are ignored.
var envMappings = map[string]string{
	"server_port":                "server.port",
	"max_message_size":           "server.max_message_size",
	"send_buffer":                "server.send_buffer",
	"rate_limit_burst":           "server.rate_limit.burst",
	"rate_limit_refill_interval": "server.rate_limit.refill_interval",
	"shutdown_timeout":           "server.shutdown_timeout",
	"api_requests_per_minute":    "server.api_requests_per_minute",

	"allowed_origins": "security.allowed_origins",
	"jwt_secret":      "security.jwt_secret",
	"session_timeout": "security.session_timeout",

	"database_path": "database.path",

	"breaker_failure_threshold": "breaker.failure_threshold",
	"breaker_interval":          "breaker.interval",
	"breaker_timeout":           "breaker.timeout",

	"nats_enabled":  "nats.enabled",
	"nats_url":      "nats.url",
	"nats_embedded": "nats.embedded",
	"nats_host":     "nats.host",
	"nats_port":     "nats.port",
	"nats_subject":  "nats.subject",
	"nats_node_id":  "nats.node_id",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// sliceConfigPaths are parsed from comma-separated strings.
var sliceConfigPaths = []string{
	"security.allowed_origins",
}

// secondsConfigPaths accept a bare integer meaning seconds, as
// RATE_LIMIT_REFILL_INTERVAL always has.
var secondsConfigPaths = []string{
	"server.rate_limit.refill_interval",
	"server.shutdown_timeout",
	"breaker.interval",
	"breaker.timeout",
}

// Load reads configuration with precedence env > file > defaults, then
// sanitizes and validates it.
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile is Load with an explicit config file path. An empty path skips the
// file layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}
	if err := processSecondsFields(k); err != nil {
		return nil, fmt.Errorf("failed to process duration fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

func processSecondsFields(k *koanf.Koanf) error {
	for _, path := range secondsConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		seconds, err := strconv.Atoi(strings.TrimSpace(strVal))
		if err != nil {
			continue
		}
		if err := k.Set(path, fmt.Sprintf("%ds", seconds)); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}
