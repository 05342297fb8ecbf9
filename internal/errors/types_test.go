package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name: "error without cause",
			err: &AppError{
				Code:    ErrCodeInvalidConfig,
				Message: "configuration is invalid",
			},
			expected: "INVALID_CONFIG: configuration is invalid",
		},
		{
			name: "error with cause",
			err: &AppError{
				Code:    ErrCodeDatabaseConnection,
				Message: "failed to connect to database",
				Cause:   errors.New("connection refused"),
			},
			expected: "DATABASE_CONNECTION: failed to connect to database: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(cause, ErrCodeDatabaseQuery, "insert failed")

	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, cause, err.Unwrap())
}

func TestAppError_WithContext(t *testing.T) {
	err := New(ErrCodeNotFound, "missing").WithContext("id", 7).WithContext("table", "messages")

	assert.Equal(t, 7, err.Context["id"])
	assert.Equal(t, "messages", err.Context["table"])
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"retryable", WrapRetryable(errors.New("421"), ErrCodeTransportTransient, "busy"), true},
		{"not retryable", Wrap(errors.New("550"), ErrCodeTransportPermanent, "rejected"), false},
		{
			"wrapped retryable",
			fmt.Errorf("deliver: %w", WrapRetryable(errors.New("timeout"), ErrCodeTransportTransient, "timeout")),
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, ErrCodeInternalError, GetCode(errors.New("plain")))
	assert.Equal(t, ErrCodeRunLock, GetCode(New(ErrCodeRunLock, "held")))
	assert.Equal(t, ErrCodeDatabaseQuery, GetCode(fmt.Errorf("outer: %w", NewDatabaseError("select", errors.New("x")))))
}

func TestHasCode(t *testing.T) {
	inner := NewPermanentError("smtp", errors.New("550 no such user"))
	outer := Wrap(inner, ErrCodeInternalError, "pass failed")

	assert.True(t, HasCode(outer, ErrCodeTransportPermanent))
	assert.True(t, HasCode(outer, ErrCodeInternalError))
	assert.False(t, HasCode(outer, ErrCodeTransportTransient))
	assert.False(t, HasCode(nil, ErrCodeInternalError))
}

func TestAs(t *testing.T) {
	_, ok := As(errors.New("plain"))
	assert.False(t, ok)

	appErr, ok := As(fmt.Errorf("wrapped: %w", New(ErrCodeCanceled, "stop")))
	require.True(t, ok)
	assert.Equal(t, ErrCodeCanceled, appErr.Code)
}
