package models

// Config holds the application configuration shared by the client and the relay
type Config struct {
	UserID     string           `json:"user_id"`
	API        APIConfig        `json:"api"`
	Channel    ChannelConfig    `json:"channel"`
	Moderation ModerationConfig `json:"moderation"`
	Media      MediaConfig      `json:"media"`
	Presence   PresenceConfig   `json:"presence"`
	Retry      RetryConfig      `json:"retry"`
	Relay      RelayConfig      `json:"relay"`
	Tracing    TracingConfig    `json:"tracing"`
	LogLevel   string           `json:"log_level"`
}

// APIConfig configures the REST client
type APIConfig struct {
	BaseURL            string `json:"base_url"`
	TimeoutSec         int    `json:"timeout_sec"`
	CircuitMaxFailures int    `json:"circuit_max_failures"`
	CircuitResetSec    int    `json:"circuit_reset_sec"`
}

// ChannelConfig configures the push channel client
type ChannelConfig struct {
	URL             string `json:"url"`
	WriteTimeoutSec int    `json:"write_timeout_sec"`
}

// ModerationConfig tunes the content gate
type ModerationConfig struct {
	DebounceMs               int      `json:"debounce_ms"`
	AdvisoryBannerTTLSec     int      `json:"advisory_banner_ttl_sec"`
	MaxCategoriesBeforeBlock int      `json:"max_categories_before_block"`
	AllowedDomains           []string `json:"allowed_domains"`
}

// MediaConfig holds attachment preprocessing settings
type MediaConfig struct {
	MaxDimension    int    `json:"max_dimension"`
	JPEGQuality     int    `json:"jpeg_quality"`
	MaxUploadSizeMB int    `json:"max_upload_size_mb"`
	StorageDir      string `json:"storage_dir"`
}

// PresenceConfig holds typing timers
type PresenceConfig struct {
	TypingInactivityMs int `json:"typing_inactivity_ms"`
	TypingExpirySec    int `json:"typing_expiry_sec"`
}

// RetryConfig holds reconnect backoff settings
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// RelayConfig configures the reference relay server
type RelayConfig struct {
	Port               int    `json:"port"`
	DatabasePath       string `json:"database_path"`
	RejectSeverity     string `json:"reject_severity"`
	SeedDemo           bool   `json:"seed_demo"`
	EncryptAtRest      bool   `json:"encrypt_at_rest"`
	ReadTimeoutSec     int    `json:"read_timeout_sec"`
	WriteTimeoutSec    int    `json:"write_timeout_sec"`
	IdleTimeoutSec     int    `json:"idle_timeout_sec"`
	ShutdownTimeoutSec int    `json:"shutdown_timeout_sec"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	UseStdout      bool    `json:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
