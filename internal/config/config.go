package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gigchat/internal/constants"
	"gigchat/internal/models"
	"gigchat/internal/security"
	"gigchat/internal/validation"
)

var (
	ErrMissingAPIURL     = models.ConfigError{Message: "missing API base URL"}
	ErrMissingChannelURL = models.ConfigError{Message: "missing push channel URL"}
	ErrMissingUserID     = models.ConfigError{Message: "missing user id"}
)

// LoadConfig reads a client configuration. The API, channel and user id are required.
func LoadConfig(path string) (*models.Config, error) {
	config, err := load(path)
	if err != nil {
		return nil, err
	}
	if err := validateClient(config); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadRelayConfig reads a relay configuration. Client-only settings may be absent.
func LoadRelayConfig(path string) (*models.Config, error) {
	config, err := load(path)
	if err != nil {
		return nil, err
	}
	if err := validateRelay(config); err != nil {
		return nil, err
	}
	return config, nil
}

func load(path string) (*models.Config, error) {
	// Validate config file path to prevent directory traversal
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)
	applyDefaults(&config)

	return &config, nil
}

func validateClient(c *models.Config) error {
	if c.API.BaseURL == "" {
		return ErrMissingAPIURL
	}
	if c.Channel.URL == "" {
		return ErrMissingChannelURL
	}
	if c.UserID == "" {
		return ErrMissingUserID
	}
	if err := checkURL(c.API.BaseURL, "http", "https"); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid API base URL: %v", err)}
	}
	if err := checkURL(c.Channel.URL, "ws", "wss"); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid push channel URL: %v", err)}
	}
	if err := validation.ValidateIdentifier("user_id", c.UserID); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid user id: %v", err)}
	}
	if err := validation.ValidateTimeout("api.timeout_sec", c.API.TimeoutSec); err != nil {
		return models.ConfigError{Message: err.Error()}
	}
	return validateShared(c)
}

func validateRelay(c *models.Config) error {
	if _, ok := models.ParseSeverity(c.Relay.RejectSeverity); !ok {
		return models.ConfigError{Message: fmt.Sprintf("invalid relay reject severity: %q", c.Relay.RejectSeverity)}
	}
	if err := validation.ValidateRange("relay.port", c.Relay.Port, 1, 65535); err != nil {
		return models.ConfigError{Message: err.Error()}
	}
	timeouts := []struct {
		name  string
		value int
	}{
		{"relay.read_timeout_sec", c.Relay.ReadTimeoutSec},
		{"relay.write_timeout_sec", c.Relay.WriteTimeoutSec},
		{"relay.idle_timeout_sec", c.Relay.IdleTimeoutSec},
		{"relay.shutdown_timeout_sec", c.Relay.ShutdownTimeoutSec},
	}
	for _, t := range timeouts {
		if err := validation.ValidateTimeout(t.name, t.value); err != nil {
			return models.ConfigError{Message: err.Error()}
		}
	}
	return validateShared(c)
}

// validateShared checks the settings both binaries read.
func validateShared(c *models.Config) error {
	if err := validation.ValidateRange("media.max_upload_size_mb", c.Media.MaxUploadSizeMB, 1, 1024); err != nil {
		return models.ConfigError{Message: err.Error()}
	}
	if err := validation.ValidateRange("media.max_dimension", c.Media.MaxDimension, 16, 16384); err != nil {
		return models.ConfigError{Message: err.Error()}
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("missing host")
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
}

func applyDefaults(c *models.Config) {
	if c.API.TimeoutSec <= 0 {
		c.API.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}
	if c.API.CircuitMaxFailures <= 0 {
		c.API.CircuitMaxFailures = constants.DefaultCircuitMaxFailures
	}
	if c.API.CircuitResetSec <= 0 {
		c.API.CircuitResetSec = constants.DefaultCircuitResetSec
	}
	if c.Channel.WriteTimeoutSec <= 0 {
		c.Channel.WriteTimeoutSec = constants.DefaultChannelWriteTimeoutSec
	}

	if c.Moderation.DebounceMs <= 0 {
		c.Moderation.DebounceMs = constants.DefaultAdvisoryDebounceMs
	}
	if c.Moderation.AdvisoryBannerTTLSec <= 0 {
		c.Moderation.AdvisoryBannerTTLSec = constants.DefaultAdvisoryBannerTTLSec
	}
	if c.Moderation.MaxCategoriesBeforeBlock <= 0 {
		c.Moderation.MaxCategoriesBeforeBlock = constants.DefaultMaxCategoriesBeforeBlk
	}

	if c.Media.MaxDimension <= 0 {
		c.Media.MaxDimension = constants.DefaultMaxImageDimension
	}
	if c.Media.JPEGQuality <= 0 || c.Media.JPEGQuality > 100 {
		c.Media.JPEGQuality = constants.DefaultJPEGQuality
	}
	if c.Media.MaxUploadSizeMB <= 0 {
		c.Media.MaxUploadSizeMB = constants.DefaultMaxUploadSizeMB
	}
	if c.Media.StorageDir == "" {
		c.Media.StorageDir = "media"
	}

	if c.Presence.TypingInactivityMs <= 0 {
		c.Presence.TypingInactivityMs = constants.DefaultTypingInactivityMs
	}
	if c.Presence.TypingExpirySec <= 0 {
		c.Presence.TypingExpirySec = constants.DefaultTypingExpirySec
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultReconnectInitialMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultReconnectMaxMs
	}
	if c.Retry.MaxAttempts < 0 {
		c.Retry.MaxAttempts = 0
	}

	if c.Relay.Port <= 0 {
		c.Relay.Port = constants.DefaultRelayPort
	}
	if c.Relay.DatabasePath == "" {
		c.Relay.DatabasePath = "gigchat.db"
	}
	if c.Relay.RejectSeverity == "" {
		c.Relay.RejectSeverity = constants.DefaultRelayRejectSeverity
	}
	if c.Relay.ReadTimeoutSec <= 0 {
		c.Relay.ReadTimeoutSec = constants.DefaultRelayReadTimeoutSec
	}
	if c.Relay.WriteTimeoutSec <= 0 {
		c.Relay.WriteTimeoutSec = constants.DefaultRelayWriteTimeoutSec
	}
	if c.Relay.IdleTimeoutSec <= 0 {
		c.Relay.IdleTimeoutSec = constants.DefaultRelayIdleTimeoutSec
	}
	if c.Relay.ShutdownTimeoutSec <= 0 {
		c.Relay.ShutdownTimeoutSec = constants.DefaultGracefulShutdownSec
	}
	if c.Relay.RateLimitPerMinute <= 0 {
		c.Relay.RateLimitPerMinute = constants.DefaultRelayRateLimitPerMinute
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "gigchat"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func applyEnvironmentOverrides(c *models.Config) {
	if v := os.Getenv("GIGCHAT_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("GIGCHAT_WS_URL"); v != "" {
		c.Channel.URL = v
	}
	if v := os.Getenv("GIGCHAT_USER_ID"); v != "" {
		c.UserID = v
	}
	if v := os.Getenv("GIGCHAT_DB_PATH"); v != "" {
		c.Relay.DatabasePath = v
	}
	if v := os.Getenv("GIGCHAT_MEDIA_DIR"); v != "" {
		c.Media.StorageDir = v
	}
	if v := os.Getenv("GIGCHAT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}
