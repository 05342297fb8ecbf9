package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"mailqueue/internal/constants"
	"mailqueue/internal/models"
	"mailqueue/internal/retry"
	"mailqueue/internal/security"
)

var (
	ErrMissingDBPath   = models.ConfigError{Message: "missing database path"}
	ErrMissingLockPath = models.ConfigError{Message: "missing queue lock path"}
	ErrMissingSMTPHost = models.ConfigError{Message: "missing SMTP host"}
)

// Default returns a configuration with every default applied.
func Default() *models.Config {
	c := &models.Config{}
	applyDefaults(c)
	return c
}

// LoadConfig reads the JSON configuration at path, applies defaults and
// environment overrides and validates the result. An empty path loads the
// defaults and the environment only.
func LoadConfig(path string) (*models.Config, error) {
	var config models.Config

	if path != "" {
		if err := security.ValidateFilePath(path); err != nil {
			return nil, fmt.Errorf("invalid config path: %w", err)
		}

		file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal(file, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyDefaults(&config)

	if err := applyEnvironmentOverrides(&config); err != nil {
		return nil, err
	}

	if err := validate(&config); err != nil {
		return nil, err
	}

	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func applyDefaults(c *models.Config) {
	if c.Database.Path == "" {
		c.Database.Path = constants.DefaultDatabasePath
	}
	if c.Queue.LockPath == "" {
		c.Queue.LockPath = constants.DefaultLockPath
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = constants.DefaultMaxRetries
	}
	if c.Queue.PassIntervalSec <= 0 {
		c.Queue.PassIntervalSec = constants.DefaultPassIntervalSec
	}
	if c.Queue.WarnDepth == 0 {
		c.Queue.WarnDepth = constants.DefaultQueueWarnDepth
	}

	if c.Retry.Strategy == "" {
		c.Retry.Strategy = constants.DefaultRetryStrategy
	}
	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = constants.DefaultRetryMultiplier
	}

	if c.Transport.Kind == "" {
		c.Transport.Kind = constants.DefaultTransportKind
	}
	if c.Transport.SMTP.Host == "" {
		c.Transport.SMTP.Host = constants.DefaultSMTPHost
	}
	if c.Transport.SMTP.Port == 0 {
		c.Transport.SMTP.Port = constants.DefaultSMTPPort
	}
	if c.Transport.SMTP.TimeoutSec <= 0 {
		c.Transport.SMTP.TimeoutSec = constants.DefaultSMTPTimeoutSec
	}
	if c.Transport.SMTP.HeloName == "" {
		c.Transport.SMTP.HeloName = constants.DefaultHeloName
	}
	if c.Transport.BreakerFailures == 0 {
		c.Transport.BreakerFailures = constants.CBMaxFailures
	}
	if c.Transport.BreakerTimeoutSec <= 0 {
		c.Transport.BreakerTimeoutSec = constants.CBTimeoutSec
	}
	if c.Transport.SpoolDir == "" {
		c.Transport.SpoolDir = constants.DefaultSpoolDir
	}

	if c.Server.Port == 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = constants.DefaultRetentionDays
	}
	if c.CleanupIntervalHours <= 0 {
		c.CleanupIntervalHours = constants.DefaultCleanupIntervalHrs
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func validate(c *models.Config) error {
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if c.Queue.LockPath == "" {
		return ErrMissingLockPath
	}
	if c.Queue.MaxRetries < 1 {
		return models.ConfigError{Message: fmt.Sprintf("queue.maxRetries must be at least 1, got %d", c.Queue.MaxRetries)}
	}
	if c.Retry.MaxBackoffMs < c.Retry.InitialBackoffMs {
		return models.ConfigError{Message: "retry.maxBackoffMs must not be lower than retry.initialBackoffMs"}
	}
	if _, err := RetryPolicy(c); err != nil {
		return models.ConfigError{Message: err.Error()}
	}

	switch strings.ToLower(c.Transport.Kind) {
	case "smtp":
		if c.Transport.SMTP.Host == "" {
			return ErrMissingSMTPHost
		}
		if c.Transport.SMTP.Port < 1 || c.Transport.SMTP.Port > 65535 {
			return models.ConfigError{Message: fmt.Sprintf("invalid SMTP port %d", c.Transport.SMTP.Port)}
		}
	case "spool":
	default:
		return models.ConfigError{Message: fmt.Sprintf("unknown transport kind %q", c.Transport.Kind)}
	}

	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		return models.ConfigError{Message: fmt.Sprintf("invalid server port %d", c.Server.Port)}
	}

	return nil
}

func applyEnvironmentOverrides(c *models.Config) error {
	if path := os.Getenv("MAILQUEUE_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if path := os.Getenv("MAILQUEUE_LOCK_PATH"); path != "" {
		c.Queue.LockPath = path
	}
	if level := os.Getenv("MAILQUEUE_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}

	// SECURITY: SMTP credentials should be set via environment variables
	if host := os.Getenv("SMTP_HOST"); host != "" {
		c.Transport.SMTP.Host = host
	}
	if port := os.Getenv("SMTP_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid SMTP_PORT %q", port)}
		}
		c.Transport.SMTP.Port = p
	}
	if user := os.Getenv("SMTP_USERNAME"); user != "" {
		c.Transport.SMTP.Username = user
	}
	if pass := os.Getenv("SMTP_PASSWORD"); pass != "" {
		c.Transport.SMTP.Password = pass
	}
	return nil
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	isProduction := os.Getenv("MAILQUEUE_ENV") == "production"
	usesAuth := strings.EqualFold(c.Transport.Kind, "smtp") && c.Transport.SMTP.Username != ""

	if isProduction {
		if usesAuth && !c.Transport.SMTP.StartTLS {
			return models.ConfigError{Message: "SMTP authentication requires starttls in production"}
		}
		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (logs recipient addresses)"}
		}
	} else if usesAuth && !c.Transport.SMTP.StartTLS {
		fmt.Fprintf(os.Stderr, "WARNING: SMTP credentials will be sent without STARTTLS.\n")
	}

	return nil
}

// RetryPolicy builds the deferral policy described by c.Retry.
func RetryPolicy(c *models.Config) (retry.Policy, error) {
	return retry.NewPolicy(c.Retry.Strategy, retry.BackoffConfig{
		InitialDelay: time.Duration(c.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(c.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   c.Retry.Multiplier,
		Jitter:       c.Retry.Jitter,
	})
}
