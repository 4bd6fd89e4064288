package constants

import "time"

// Outbound queue defaults
const (
	DefaultQueueStorageKey     = "silvenger_message_queue"
	DefaultMaxSendAttempts     = 5
	DefaultRetryDelayMs        = 1000
	DefaultQueuePollIntervalMs = 3000
	DefaultSendTimeoutSec      = 10
	DefaultSlotLeaseTTLSec     = 30
	DefaultQueueDatabasePath   = "silvenger.db"
)

// Default retry configuration values
const (
	DefaultRetryBackoffMs        = 1000
	DefaultMaxBackoffMs          = 60000
	DefaultMaxAttempts           = 5
	DefaultDatabaseRetryAttempts = 3
)

// Default backend client values
const (
	DefaultBackendTimeoutSec        = 15
	DefaultCircuitMaxFailures       = 5
	DefaultCircuitTimeoutSec        = 30
	DefaultConnectivityProbeSec     = 5
	DefaultConnectivityTimeoutSec   = 3
	DefaultRealtimeReconnectMs      = 500
	DefaultRealtimeReconnectMaxMs   = 30000
	DefaultRealtimeSubscriberBuffer = 64
)

// Development server defaults
const (
	DefaultServerPort            = 8085
	DefaultServerDatabasePath    = "silvenger-dev.db"
	DefaultGracefulShutdownSec   = 30
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
)

// Validation limits
const (
	MaxMessageContentLength = 4000
	MaxIdentifierLength     = 256
	MinEncryptionSecretLen  = 32
)

// Privacy settings
const (
	DefaultIDMaskLength = 4
)

// TypingIndicatorTTL is how long a typing signal stays visible without a refresh.
const TypingIndicatorTTL = 3 * time.Second

// Encryption salts for the local queue slot
const (
	EncryptionSalt = "silvenger-queue-slot-v1"
)
