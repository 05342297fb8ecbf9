package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailqueue/internal/constants"
	"mailqueue/internal/retry"

	"github.com/mattn/go-sqlite3"
)

func dbBackoffConfig() retry.BackoffConfig {
	return retry.BackoffConfig{
		InitialDelay: time.Duration(constants.DefaultDatabaseRetryMs) * time.Millisecond,
		MaxDelay:     time.Duration(constants.DefaultDatabaseMaxRetryMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	}
}

// retryableDBOperationNoReturn executes a database operation that returns only an error with retry logic
func retryableDBOperationNoReturn(ctx context.Context, operation func() error, operationName string) error {
	attempts := 0
	var lastErr error

	err := retry.NewBackoff(dbBackoffConfig()).RetryIf(ctx, func() error {
		attempts++
		lastErr = operation()
		return lastErr
	}, isRetryableDBError)
	if err == nil {
		return nil
	}

	if lastErr == nil || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
		return err
	}
	if !isRetryableDBError(lastErr) {
		return fmt.Errorf("%s failed (non-retryable): %w", operationName, lastErr)
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operationName, attempts, lastErr)
}

// isRetryableDBError determines if a database error is worth retrying
func isRetryableDBError(err error) bool {
	if err == nil {
		return false
	}

	// Context timeout/cancellation are not retryable by us
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return true
		default:
			return false
		}
	}

	errStr := err.Error()

	// Database is locked errors are typically retryable
	if strings.Contains(errStr, "database is locked") || strings.Contains(errStr, "database table is locked") {
		return true
	}

	// Disk I/O errors might be transient
	if strings.Contains(errStr, "disk I/O error") {
		return true
	}

	return false
}
