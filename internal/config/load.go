package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from an optional YAML file and TASKWELL_
// environment variables, environment taking precedence. Returns a populated
// Config or an error if loading or validation fails.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("taskwell")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/taskwell")
	}

	v.SetEnvPrefix("TASKWELL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing default config file is fine; env and defaults still
		// apply. An explicitly named file must exist.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("broker.poll_interval", "1s")
	v.SetDefault("broker.max_reclaims", 5)
	v.SetDefault("broker.aging_step", "30s")
	v.SetDefault("broker.retention_window", "24h")

	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "5m")
	v.SetDefault("retry.jitter", 0.2)

	v.SetDefault("worker.heartbeat_interval", "5s")
	v.SetDefault("worker.idle_sleep", "250ms")
	v.SetDefault("worker.yield_delay", "500ms")
	v.SetDefault("worker.lease_error_backoff", "2s")

	v.SetDefault("autoscaler.enabled", true)
	v.SetDefault("autoscaler.tick_interval", "10s")
	v.SetDefault("autoscaler.scale_up_threshold", 2.0)
	v.SetDefault("autoscaler.scale_down_threshold", 0.2)
	v.SetDefault("autoscaler.scale_down_window", "1m")
	v.SetDefault("autoscaler.up_cooldown", "30s")
	v.SetDefault("autoscaler.down_cooldown", "1m")

	v.SetDefault("handlers.gemini_model", "gemini-2.0-flash")
	v.SetDefault("handlers.http_timeout", "30s")
	v.SetDefault("handlers.user_agent", "taskwell/1.0")
}
