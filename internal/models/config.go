package models

// Config holds the application configuration
type Config struct {
	Database             DatabaseConfig  `json:"database"`
	Queue                QueueConfig     `json:"queue"`
	Retry                RetryConfig     `json:"retry"`
	Transport            TransportConfig `json:"transport"`
	Server               ServerConfig    `json:"server"`
	Tracing              TracingConfig   `json:"tracing"`
	LogLevel             string          `json:"log_level"`
	RetentionDays        int             `json:"retentionDays"`
	CleanupIntervalHours int             `json:"cleanupIntervalHours"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path string `json:"path"`
}

// QueueConfig controls the drain pass.
type QueueConfig struct {
	LockPath        string `json:"lock_path"`
	MaxRetries      int    `json:"maxRetries"`
	PassIntervalSec int    `json:"passIntervalSec"`
	WarnDepth       int    `json:"warnDepth"`
}

// RetryConfig describes how long a transiently failed message is deferred.
// Strategy is one of "fixed", "linear" or "exponential".
type RetryConfig struct {
	Strategy         string  `json:"strategy"`
	InitialBackoffMs int     `json:"initialBackoffMs"`
	MaxBackoffMs     int     `json:"maxBackoffMs"`
	Multiplier       float64 `json:"multiplier"`
	Jitter           bool    `json:"jitter"`
}

// TransportConfig selects and configures the delivery transport.
type TransportConfig struct {
	Kind     string     `json:"kind"`
	SMTP     SMTPConfig `json:"smtp"`
	SpoolDir string     `json:"spool_dir"`
	// BreakerFailures consecutive transient failures open the circuit for
	// BreakerTimeoutSec. A negative value disables the breaker.
	BreakerFailures   int `json:"breakerFailures"`
	BreakerTimeoutSec int `json:"breakerTimeoutSec"`
}

// SMTPConfig holds settings for the SMTP relay used to send queued mail.
type SMTPConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	HeloName   string `json:"helo_name"`
	StartTLS   bool   `json:"starttls"`
	TimeoutSec int    `json:"timeoutSec"`
}

// ServerConfig holds the status HTTP server settings used in daemon mode.
type ServerConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// TracingConfig holds OpenTelemetry settings.
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
