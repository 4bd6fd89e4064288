package models

// Config holds the application configuration
type Config struct {
	Backend      BackendConfig      `json:"backend"`
	Queue        QueueConfig        `json:"queue"`
	Connectivity ConnectivityConfig `json:"connectivity"`
	Realtime     RealtimeConfig     `json:"realtime"`
	Server       ServerConfig       `json:"server"`
	Retry        RetryConfig        `json:"retry"`
	Tracing      TracingConfig      `json:"tracing"`
	LogLevel     string             `json:"log_level"`
}

// BackendConfig describes the storage/auth backend the client talks to
type BackendConfig struct {
	BaseURL            string `json:"base_url"`
	APIKey             string `json:"api_key"`
	AccessToken        string `json:"access_token"`
	TimeoutSec         int    `json:"timeout_sec"`
	CircuitMaxFailures int    `json:"circuit_max_failures"`
	CircuitTimeoutSec  int    `json:"circuit_timeout_sec"`
}

// QueueConfig holds the outbound queue settings
type QueueConfig struct {
	DatabasePath     string `json:"database_path"`
	StorageKey       string `json:"storage_key"`
	MaxAttempts      int    `json:"max_attempts"`
	RetryDelayMs     int    `json:"retry_delay_ms"`
	PollIntervalMs   int    `json:"poll_interval_ms"`
	SendTimeoutSec   int    `json:"send_timeout_sec"`
	LeaseTTLSec      int    `json:"lease_ttl_sec"`
	ScopePerInstance bool   `json:"scope_per_instance"`
}

// ConnectivityConfig controls how the client decides it is online
type ConnectivityConfig struct {
	ProbeURL         string `json:"probe_url"`
	ProbeIntervalSec int    `json:"probe_interval_sec"`
	ProbeTimeoutSec  int    `json:"probe_timeout_sec"`
}

// RealtimeConfig holds change feed settings
type RealtimeConfig struct {
	URL                string `json:"url"`
	ReconnectInitialMs int    `json:"reconnect_initial_ms"`
	ReconnectMaxMs     int    `json:"reconnect_max_ms"`
}

// ServerConfig holds the development backend settings
type ServerConfig struct {
	Port         int               `json:"port"`
	DatabasePath string            `json:"database_path"`
	Tokens       map[string]string `json:"tokens"` // bearer token -> user id
}

// RetryConfig holds retry related configurations
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// TracingConfig mirrors tracing.TracingConfig for the JSON file
type TracingConfig struct {
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	Enabled        bool    `json:"enabled"`
	UseStdout      bool    `json:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
