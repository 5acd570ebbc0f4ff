package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" validate:"required"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Autoscaler AutoscalerConfig `mapstructure:"autoscaler"`
	Handlers   HandlersConfig   `mapstructure:"handlers"`

	// Queues is the enumerated queue surface. At least one queue must be
	// configured.
	Queues map[string]QueueConfig `mapstructure:"queues" validate:"required,min=1,dive"`
}

// ServerConfig contains the HTTP server settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig selects the durable task record store. An empty URL runs
// the broker on the in-memory store.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// BrokerConfig contains broker-wide tunables.
type BrokerConfig struct {
	// PollInterval bounds how long an empty Lease call blocks.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// MaxReclaims dead-letters tasks reclaimed more than this many times.
	MaxReclaims int `mapstructure:"max_reclaims" validate:"omitempty,gte=1"`

	// AgingStep promotes a pending task one priority step per interval
	// waited. Zero disables aging.
	AgingStep time.Duration `mapstructure:"aging_step"`

	// RetentionWindow is how long terminal tasks are kept. Zero keeps
	// them forever.
	RetentionWindow time.Duration `mapstructure:"retention_window"`
}

// RetryConfig parameterizes the backoff policy.
type RetryConfig struct {
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
	Jitter    float64       `mapstructure:"jitter" validate:"gte=0,lt=1"`
}

// WorkerConfig contains slot-loop tunables shared by every pool.
type WorkerConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	IdleSleep         time.Duration `mapstructure:"idle_sleep"`
	YieldDelay        time.Duration `mapstructure:"yield_delay"`
	LeaseErrorBackoff time.Duration `mapstructure:"lease_error_backoff"`
}

// AutoscalerConfig contains the scaling loop settings shared across queues;
// per-queue replica bounds live in QueueConfig.
type AutoscalerConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	ScaleUpThreshold   float64       `mapstructure:"scale_up_threshold"   validate:"gte=0"`
	ScaleDownThreshold float64       `mapstructure:"scale_down_threshold" validate:"gte=0,lte=1"`
	ScaleDownWindow    time.Duration `mapstructure:"scale_down_window"`
	UpCooldown         time.Duration `mapstructure:"up_cooldown"`
	DownCooldown       time.Duration `mapstructure:"down_cooldown"`
}

// QueueConfig is one queue's declared policy surface.
type QueueConfig struct {
	ConcurrencyLimit  int           `mapstructure:"concurrency_limit"  validate:"required,gte=1"`
	RateLimit         float64       `mapstructure:"rate_limit"         validate:"gte=0"`
	RateBurst         int           `mapstructure:"rate_burst"         validate:"gte=0"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	MinReplicas       int           `mapstructure:"min_replicas"       validate:"gte=0"`
	MaxReplicas       int           `mapstructure:"max_replicas"       validate:"omitempty,gtefield=MinReplicas"`
}

// HandlersConfig passes opaque credentials and tunables to the built-in
// job handlers.
type HandlersConfig struct {
	GeminiAPIKey string        `mapstructure:"gemini_api_key"`
	GeminiModel  string        `mapstructure:"gemini_model"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
	UserAgent    string        `mapstructure:"user_agent"`
}
