package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"silvenger/internal/constants"
	apperrors "silvenger/internal/errors"
	"silvenger/internal/models"
	"silvenger/internal/security"
	"silvenger/internal/tracing"
	"silvenger/internal/validation"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Environment variables that override the JSON configuration
const (
	EnvBackendURL    = "SILVENGER_BACKEND_URL"
	EnvAccessToken   = "SILVENGER_ACCESS_TOKEN"
	EnvAPIKey        = "SILVENGER_API_KEY"
	EnvDBPath        = "SILVENGER_DB_PATH"
	EnvRealtimeURL   = "SILVENGER_REALTIME_URL"
	EnvServerPort    = "SILVENGER_SERVER_PORT"
	EnvEnvironment   = "SILVENGER_ENV"
	EnvLogLevel      = "SILVENGER_LOG_LEVEL"
	EnvScopeInstance = "SILVENGER_QUEUE_SCOPE_PER_INSTANCE"
)

var (
	ErrMissingBackendURL = models.ConfigError{Message: "missing backend base URL"}
	ErrMissingDBPath     = models.ConfigError{Message: "missing queue database path"}
	ErrMissingStorageKey = models.ConfigError{Message: "missing queue storage key"}
)

// LoadDotEnv loads .env files into the process environment. A missing file
// is not an error; variables already set are never overwritten.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

func LoadConfig(path string) (*models.Config, error) {
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

	if err := validate(&config); err != nil {
		return nil, err
	}

	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.Backend.BaseURL == "" {
		return ErrMissingBackendURL
	}
	c.Backend.BaseURL = strings.TrimRight(c.Backend.BaseURL, "/")

	if c.Backend.TimeoutSec <= 0 {
		c.Backend.TimeoutSec = constants.DefaultBackendTimeoutSec
	}
	if err := checkTimeout("backend.timeout_sec", c.Backend.TimeoutSec); err != nil {
		return err
	}
	if c.Backend.CircuitMaxFailures <= 0 {
		c.Backend.CircuitMaxFailures = constants.DefaultCircuitMaxFailures
	}
	if c.Backend.CircuitTimeoutSec <= 0 {
		c.Backend.CircuitTimeoutSec = constants.DefaultCircuitTimeoutSec
	}

	if c.Queue.DatabasePath == "" {
		c.Queue.DatabasePath = constants.DefaultQueueDatabasePath
	}
	if err := security.ValidateFilePath(c.Queue.DatabasePath); err != nil && !security.IsMemoryDSN(c.Queue.DatabasePath) {
		return models.ConfigError{Message: fmt.Sprintf("invalid queue database path: %v", err)}
	}
	if c.Queue.StorageKey == "" {
		c.Queue.StorageKey = constants.DefaultQueueStorageKey
	}
	if strings.TrimSpace(c.Queue.StorageKey) == "" {
		return ErrMissingStorageKey
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = constants.DefaultMaxSendAttempts
	}
	if c.Queue.RetryDelayMs <= 0 {
		c.Queue.RetryDelayMs = constants.DefaultRetryDelayMs
	}
	if c.Queue.PollIntervalMs <= 0 {
		c.Queue.PollIntervalMs = constants.DefaultQueuePollIntervalMs
	}
	if c.Queue.SendTimeoutSec <= 0 {
		c.Queue.SendTimeoutSec = constants.DefaultSendTimeoutSec
	}
	if err := checkTimeout("queue.send_timeout_sec", c.Queue.SendTimeoutSec); err != nil {
		return err
	}
	if c.Queue.LeaseTTLSec <= 0 {
		c.Queue.LeaseTTLSec = constants.DefaultSlotLeaseTTLSec
	}

	if c.Connectivity.ProbeURL == "" {
		c.Connectivity.ProbeURL = c.Backend.BaseURL + "/health"
	}
	if c.Connectivity.ProbeIntervalSec <= 0 {
		c.Connectivity.ProbeIntervalSec = constants.DefaultConnectivityProbeSec
	}
	if c.Connectivity.ProbeTimeoutSec <= 0 {
		c.Connectivity.ProbeTimeoutSec = constants.DefaultConnectivityTimeoutSec
	}

	if c.Realtime.URL == "" {
		c.Realtime.URL = defaultRealtimeURL(c.Backend.BaseURL)
	}
	if c.Realtime.ReconnectInitialMs <= 0 {
		c.Realtime.ReconnectInitialMs = constants.DefaultRealtimeReconnectMs
	}
	if c.Realtime.ReconnectMaxMs <= 0 {
		c.Realtime.ReconnectMaxMs = constants.DefaultRealtimeReconnectMaxMs
	}
	if c.Realtime.ReconnectMaxMs < c.Realtime.ReconnectInitialMs {
		return models.ConfigError{Message: "realtime reconnect_max_ms must not be lower than reconnect_initial_ms"}
	}

	if c.Server.Port == 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return models.ConfigError{Message: fmt.Sprintf("invalid server port: %d", c.Server.Port)}
	}
	if c.Server.DatabasePath == "" {
		c.Server.DatabasePath = constants.DefaultServerDatabasePath
	}
	for token, userID := range c.Server.Tokens {
		if token == "" || userID == "" {
			return models.ConfigError{Message: "server tokens must map a non-empty token to a non-empty user id"}
		}
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultMaxAttempts
	}

	tracingDefaults := tracing.DefaultTracingConfig()
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = tracingDefaults.ServiceName
	}
	if c.Tracing.ServiceVersion == "" {
		c.Tracing.ServiceVersion = tracingDefaults.ServiceVersion
	}
	if c.Tracing.Environment == "" {
		c.Tracing.Environment = tracingDefaults.Environment
	}
	if c.Tracing.OTLPEndpoint == "" {
		c.Tracing.OTLPEndpoint = tracingDefaults.OTLPEndpoint
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: fmt.Sprintf("tracing sample_rate must be within [0,1], got %v", c.Tracing.SampleRate)}
	}
	if c.Tracing.Enabled && c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}

func checkTimeout(key string, sec int) error {
	err := validation.ValidateTimeout(sec, key)
	if appErr, ok := apperrors.As(err); ok {
		return apperrors.NewConfigError(key, appErr.Message)
	}
	return err
}

// defaultRealtimeURL derives the websocket endpoint from the backend URL.
func defaultRealtimeURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/realtime"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/realtime"
	}
	return base + "/realtime"
}

func applyEnvironmentOverrides(c *models.Config) {
	if url := os.Getenv(EnvBackendURL); url != "" {
		c.Backend.BaseURL = url
	}

	// SECURITY: credentials should come from the environment, not the JSON file
	if token := os.Getenv(EnvAccessToken); token != "" {
		c.Backend.AccessToken = token
	}
	if key := os.Getenv(EnvAPIKey); key != "" {
		c.Backend.APIKey = key
	}

	if path := os.Getenv(EnvDBPath); path != "" {
		c.Queue.DatabasePath = path
	}
	if url := os.Getenv(EnvRealtimeURL); url != "" {
		c.Realtime.URL = url
	}
	if port := os.Getenv(EnvServerPort); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.LogLevel = level
	}
	if scope := os.Getenv(EnvScopeInstance); scope != "" {
		if b, err := strconv.ParseBool(scope); err == nil {
			c.Queue.ScopePerInstance = b
		}
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	isProduction := os.Getenv(EnvEnvironment) == "production"

	if isProduction {
		if c.Backend.AccessToken == "" {
			return models.ConfigError{Message: fmt.Sprintf("backend access token is required in production (set %s environment variable)", EnvAccessToken)}
		}
		if strings.HasPrefix(c.Backend.BaseURL, "http://") {
			return models.ConfigError{Message: "backend base URL must use https in production"}
		}
		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
	} else if c.Backend.AccessToken == "" {
		fmt.Fprintf(os.Stderr, "WARNING: backend access token not set. Set %s environment variable to send messages.\n", EnvAccessToken)
	}

	return nil
}

// SetLogLevel applies the configured level. Debug output may include message
// content, so it is only reachable through the verbose flag.
func SetLogLevel(logger *logrus.Logger, configured string, verbose bool) {
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - sensitive information will be logged")
		return
	}
	level, err := logrus.ParseLevel(configured)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", configured)
		level = logrus.InfoLevel
	}
	if level > logrus.InfoLevel {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}
