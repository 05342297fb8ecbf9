package constants

// Default queue configuration values
const (
	DefaultDatabasePath       = "mailqueue.db"
	DefaultLockPath           = "mailqueue.lock"
	DefaultMaxRetries         = 5
	DefaultPassIntervalSec    = 60
	DefaultRetentionDays      = 30
	DefaultCleanupIntervalHrs = 24
	DefaultServerPort         = 8082
)

// Default deferral values
const (
	DefaultRetryStrategy      = "exponential"
	DefaultRetryBackoffMs     = 60000
	DefaultMaxBackoffMs       = 3600000
	DefaultRetryMultiplier    = 2.0
	DefaultDatabaseRetryMs    = 100
	DefaultDatabaseMaxRetryMs = 2000
)

// Default transport values
const (
	DefaultTransportKind  = "smtp"
	DefaultSMTPHost       = "localhost"
	DefaultSMTPPort       = 25
	DefaultSMTPTimeoutSec = 30
	DefaultHeloName       = "localhost"
	DefaultSpoolDir       = "spool"
)

// Default timeout values
const (
	DefaultDatabaseRetryAttempts = 3
	DefaultDatabaseBusyTimeoutMs = 5000
	DefaultGracefulShutdownSec   = 30
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	ConfigWatchIntervalSec       = 5
)

// Privacy settings
const (
	DefaultLocalPartMaskLength = 2
)

// Circuit breaker settings for the delivery transport
const (
	CBMaxFailures      = 5
	CBTimeoutSec       = 60
	CBHalfOpenMaxCalls = 1
)

// Queue monitor settings
const (
	DefaultMonitorIntervalSec = 30
	DefaultQueueWarnDepth     = 1000
)
