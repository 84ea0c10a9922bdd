package errx

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "Something went wrong on our side. Please try again."
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage describes a missing Redis key.
	RedisNotFoundMessage = "record not found"
	// NotConfiguredMessage is shown when no usable carrier credentials exist.
	NotConfiguredMessage = "The shipping carrier is not configured yet. Add carrier credentials in settings and try again."
)

// Code classifies an AppError for callers that branch on failure kind.
type Code string

const (
	CodeInternal         Code = "internal"
	CodeNotFound         Code = "not_found"
	CodeInvalidInput     Code = "invalid_input"
	CodeInvalidState     Code = "invalid_state"
	CodeNotApproved      Code = "not_approved"
	CodeAlreadyExecuting Code = "already_executing"
	CodeNotConfigured    Code = "not_configured"
	CodeUpstream         Code = "upstream"
	CodeRateLimited      Code = "rate_limited"
)

// AppError wraps an underlying error with an HTTP status and safe message.
type AppError struct {
	Err       error
	Status    int
	Message   string
	Code      Code
	Retryable bool
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the provided information.
func New(err error, status int, message string) *AppError {
	return &AppError{
		Err:     err,
		Status:  status,
		Message: message,
		Code:    codeForStatus(status),
	}
}

// Coded creates an AppError with an explicit classification code.
func Coded(code Code, status int, message string, err error) *AppError {
	return &AppError{
		Err:     err,
		Status:  status,
		Message: message,
		Code:    code,
	}
}

// Transient marks err as a retryable upstream failure. Collaborators use it
// for timeouts and connection resets; everything else is terminal.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &AppError{
		Err:       err,
		Status:    http.StatusServiceUnavailable,
		Message:   "temporary upstream failure",
		Code:      CodeUpstream,
		Retryable: true,
	}
}

// IsRetryable reports whether any AppError in the chain is marked retryable.
func IsRetryable(err error) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// CodeOf returns the classification code of err, or CodeInternal.
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) && ae.Code != "" {
		return ae.Code
	}
	return CodeInternal
}

// StatusOf returns the HTTP status carried by err, or 500.
func StatusOf(err error) int {
	var ae *AppError
	if errors.As(err, &ae) && ae.Status != 0 {
		return ae.Status
	}
	return http.StatusInternalServerError
}

// UserMessage returns the plain-language message for err. Internal details
// never leak; unknown errors map to SystemErrorMessage.
func UserMessage(err error) string {
	var ae *AppError
	if errors.As(err, &ae) && ae.Message != "" {
		return ae.Message
	}
	return SystemErrorMessage
}

// Is reports whether the target matches the underlying error or the AppError itself.
func (e *AppError) Is(target error) bool {
	if t, ok := target.(*AppError); ok {
		return t.Code != "" && t.Code == e.Code
	}
	return errors.Is(e.Err, target)
}

// As allows casting to AppError or the wrapped error in a chain.
func (e *AppError) As(target any) bool {
	if errors.As(e.Err, target) {
		return true
	}
	if t, ok := target.(**AppError); ok {
		*t = e
		return true
	}
	return false
}

func codeForStatus(status int) Code {
	switch status {
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return CodeInvalidInput
	case http.StatusConflict:
		return CodeInvalidState
	case http.StatusTooManyRequests:
		return CodeRateLimited
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return CodeUpstream
	default:
		return CodeInternal
	}
}
