package config

import (
	"context"
	"os"
	"sync"
	"time"

	"silvenger/internal/models"
	"silvenger/internal/privacy"

	"github.com/sirupsen/logrus"
)

const defaultWatchInterval = 5 * time.Second

// ConfigWatcher polls the configuration file and reloads it when it changes.
// The development server uses it to pick up edits to its token table.
type ConfigWatcher struct {
	configPath string
	logger     *logrus.Logger
	interval   time.Duration
	mu         sync.RWMutex
	config     *models.Config
	modTime    time.Time
	callbacks  []func(*models.Config)
}

// NewConfigWatcher creates a new configuration watcher
func NewConfigWatcher(configPath string, logger *logrus.Logger) *ConfigWatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &ConfigWatcher{
		configPath: configPath,
		logger:     logger,
		interval:   defaultWatchInterval,
		callbacks:  make([]func(*models.Config), 0),
	}
}

// SetInterval changes the polling interval. Must be called before Start.
func (cw *ConfigWatcher) SetInterval(d time.Duration) {
	if d > 0 {
		cw.interval = d
	}
}

// Load reads the configuration once without starting the poll loop.
func (cw *ConfigWatcher) Load() (*models.Config, error) {
	stat, err := os.Stat(cw.configPath)
	if err != nil {
		return nil, err
	}
	config, err := LoadConfig(cw.configPath)
	if err != nil {
		return nil, err
	}
	cw.mu.Lock()
	cw.config = config
	cw.modTime = stat.ModTime()
	cw.mu.Unlock()
	return config, nil
}

// Start loads the configuration and then blocks, polling for changes until ctx is done.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	if cw.GetConfig() == nil {
		if _, err := cw.Load(); err != nil {
			return err
		}
	}

	cw.mu.RLock()
	lastModTime := cw.modTime
	cw.mu.RUnlock()

	cw.logger.WithField("path", cw.configPath).Info("Configuration watcher started")

	ticker := time.NewTicker(cw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("Configuration watcher stopping")
			return nil

		case <-ticker.C:
			stat, err := os.Stat(cw.configPath)
			if err != nil {
				cw.logger.WithError(err).Error("Failed to stat configuration file")
				continue
			}

			if stat.ModTime().After(lastModTime) {
				cw.logger.Debug("Configuration file changed")
				lastModTime = stat.ModTime()
				cw.reloadConfig()
			}
		}
	}
}

// GetConfig returns the current configuration (thread-safe)
func (cw *ConfigWatcher) GetConfig() *models.Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.config
}

// OnConfigChange registers a callback to be called when configuration changes
func (cw *ConfigWatcher) OnConfigChange(callback func(*models.Config)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) reloadConfig() {
	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		// keep serving the previous configuration
		cw.logger.WithError(err).Error("Failed to reload configuration")
		return
	}

	cw.mu.Lock()
	oldConfig := cw.config
	cw.config = newConfig
	callbacks := make([]func(*models.Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.Unlock()

	cw.logger.Info("Configuration reloaded successfully")

	for _, callback := range callbacks {
		func(cb func(*models.Config)) {
			defer func() {
				if r := recover(); r != nil {
					cw.logger.WithField("panic", r).Error("Config change callback panicked")
				}
			}()
			cb(newConfig)
		}(callback)
	}

	cw.logConfigChanges(oldConfig, newConfig)
}

func (cw *ConfigWatcher) logConfigChanges(old, new *models.Config) {
	if old == nil {
		return
	}

	if len(old.Server.Tokens) != len(new.Server.Tokens) {
		cw.logger.WithFields(logrus.Fields{
			"old_count": len(old.Server.Tokens),
			"new_count": len(new.Server.Tokens),
		}).Info("Number of server tokens changed")
	}

	if old.Backend.AccessToken != new.Backend.AccessToken {
		cw.logger.WithFields(logrus.Fields{
			"old": privacy.MaskToken(old.Backend.AccessToken),
			"new": privacy.MaskToken(new.Backend.AccessToken),
		}).Info("Backend access token changed")
	}

	if old.Backend.APIKey != new.Backend.APIKey {
		cw.logger.WithFields(logrus.Fields{
			"old": privacy.MaskToken(old.Backend.APIKey),
			"new": privacy.MaskToken(new.Backend.APIKey),
		}).Warn("Backend API key changed; a restart is required to apply it")
	}

	if old.LogLevel != new.LogLevel {
		cw.logger.WithFields(logrus.Fields{
			"old": old.LogLevel,
			"new": new.LogLevel,
		}).Info("Log level changed")
	}

	if old.Server.Port != new.Server.Port {
		cw.logger.WithFields(logrus.Fields{
			"old": old.Server.Port,
			"new": new.Server.Port,
		}).Warn("Server port changed; a restart is required to apply it")
	}
}
