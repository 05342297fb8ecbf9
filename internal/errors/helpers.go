package errors

import (
	"fmt"
)

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key)
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation)
}

// NewTransientError marks a delivery failure that is expected to succeed later.
func NewTransientError(transport string, err error) *AppError {
	return WrapRetryable(err, ErrCodeTransportTransient, fmt.Sprintf("%s delivery failed temporarily", transport)).
		WithContext("transport", transport)
}

// NewPermanentError marks a delivery failure that will not succeed on retry.
func NewPermanentError(transport string, err error) *AppError {
	return Wrap(err, ErrCodeTransportPermanent, fmt.Sprintf("%s delivery failed permanently", transport)).
		WithContext("transport", transport)
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier)
}

// NewInputError reports invalid caller input such as a malformed address.
func NewInputError(field, value, message string) *AppError {
	return New(ErrCodeInvalidInput, message).
		WithContext("field", field).
		WithContext("value", value)
}
