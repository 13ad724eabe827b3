package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"os"
	"slices"
	"sync"
	"time"

	"gigchat/internal/models"

	"github.com/sirupsen/logrus"
)

const defaultWatchInterval = 5 * time.Second

// ConfigWatcher polls the relay configuration file. When the moderation
// policy or log level in it changes, the new config is handed to every
// registered callback; other edits need a restart and are only logged.
type ConfigWatcher struct {
	configPath string
	interval   time.Duration
	logger     *logrus.Logger

	mu        sync.RWMutex
	config    *models.Config
	digest    []byte
	callbacks []func(*models.Config)
}

func NewConfigWatcher(configPath string, logger *logrus.Logger) *ConfigWatcher {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &ConfigWatcher{
		configPath: configPath,
		interval:   defaultWatchInterval,
		logger:     logger,
	}
}

// Start loads the file, then checks it every interval until ctx ends.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	config, digest, err := cw.read()
	if err != nil {
		return err
	}
	cw.mu.Lock()
	cw.config = config
	cw.digest = digest
	cw.mu.Unlock()

	cw.logger.WithField("path", cw.configPath).Info("Watching relay configuration")

	ticker := time.NewTicker(cw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cw.reloadConfig()
		}
	}
}

// GetConfig returns the last configuration that loaded cleanly.
func (cw *ConfigWatcher) GetConfig() *models.Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.config
}

func (cw *ConfigWatcher) OnConfigChange(callback func(*models.Config)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) read() (*models.Config, []byte, error) {
	raw, err := os.ReadFile(cw.configPath) // #nosec G304 - validated again by LoadRelayConfig
	if err != nil {
		return nil, nil, err
	}
	config, err := LoadRelayConfig(cw.configPath)
	if err != nil {
		return nil, nil, err
	}
	sum := sha256.Sum256(raw)
	return config, sum[:], nil
}

// reloadConfig re-reads the file when its content changed. An invalid
// file is reported and the previous config stays in effect.
func (cw *ConfigWatcher) reloadConfig() {
	config, digest, err := cw.read()
	if err != nil {
		cw.logger.WithError(err).Error("Failed to reload configuration")
		return
	}

	cw.mu.Lock()
	if cw.digest != nil && bytes.Equal(cw.digest, digest) {
		cw.mu.Unlock()
		return
	}
	old := cw.config
	cw.config = config
	cw.digest = digest
	callbacks := slices.Clone(cw.callbacks)
	cw.mu.Unlock()

	changed := changedKeys(old, config)
	if old != nil && len(changed) == 0 {
		cw.logger.Info("Configuration file changed; nothing reloadable was touched")
		return
	}
	cw.logger.WithField("changed", changed).Info("Configuration reloaded")

	for _, cb := range callbacks {
		cw.invoke(cb, config)
	}
}

func (cw *ConfigWatcher) invoke(cb func(*models.Config), config *models.Config) {
	defer func() {
		if r := recover(); r != nil {
			cw.logger.WithField("panic", r).Error("Config change callback panicked")
		}
	}()
	cb(config)
}

// changedKeys lists the runtime-reloadable settings that differ.
func changedKeys(old, new *models.Config) []string {
	if old == nil {
		return nil
	}
	var keys []string
	if old.Relay.RejectSeverity != new.Relay.RejectSeverity {
		keys = append(keys, "relay.reject_severity")
	}
	if !slices.Equal(old.Moderation.AllowedDomains, new.Moderation.AllowedDomains) {
		keys = append(keys, "moderation.allowed_domains")
	}
	if old.Moderation.MaxCategoriesBeforeBlock != new.Moderation.MaxCategoriesBeforeBlock {
		keys = append(keys, "moderation.max_categories_before_block")
	}
	if old.LogLevel != new.LogLevel {
		keys = append(keys, "log_level")
	}
	return keys
}
