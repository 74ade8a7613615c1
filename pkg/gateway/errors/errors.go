package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents a gateway error with a stable reason code and optional cause
type AppError struct {
	Code    string
	Message string
	// Field names the offending input for validation failures.
	Field string
	Cause error
}

func (e *AppError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new AppError
func New(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Validation creates a VALIDATION_FAILED error for a single field
func Validation(field, message string) *AppError {
	return &AppError{
		Code:    ErrCodeValidation,
		Message: message,
		Field:   field,
	}
}

// Error codes
const (
	ErrCodeValidation          = "VALIDATION_FAILED"
	ErrCodeUnauthenticated     = "UNAUTHENTICATED"
	ErrCodeNotAuthorized       = "NOT_AUTHORIZED"
	ErrCodeProvisioningTimeout = "PROVISIONING_TIMEOUT"
	ErrCodeProvisioningFailed  = "PROVISIONING_FAILED"
	ErrCodeSessionNotReady     = "SESSION_NOT_READY"
	ErrCodeTransport           = "TRANSPORT_ERROR"
	ErrCodeUnsupportedAction   = "UNSUPPORTED_ACTION"
	ErrCodeUnsupportedResult   = "UNSUPPORTED_RESULT"
	ErrCodeStepBudgetExceeded  = "STEP_BUDGET_EXCEEDED"
	ErrCodeStore               = "STORE_FAILED"
	ErrCodeConfig              = "CONFIG_INVALID"
	ErrCodeModel               = "MODEL_FAILED"
	ErrCodeTokenLoad           = "TOKEN_LOAD_FAILED"
	ErrCodeInternal            = "INTERNAL"
)

// NotFound is the error returned for both missing sessions and sessions owned by
// another principal. Both cases must render identically.
func NotFound(cause error) *AppError {
	return New(ErrCodeNotAuthorized, "session not found", cause)
}

// CodeOf returns the code of the first AppError in the chain, or ErrCodeInternal.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Retryable reports whether a failed call may be attempted again without
// changing its inputs.
func Retryable(code string) bool {
	return code == ErrCodeTransport
}

// HTTPStatus maps a code to the status used on the public API.
func HTTPStatus(code string) int {
	switch code {
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeUnauthenticated, ErrCodeNotAuthorized:
		return http.StatusUnauthorized
	case ErrCodeSessionNotReady, ErrCodeStepBudgetExceeded:
		return http.StatusConflict
	case ErrCodeProvisioningTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeProvisioningFailed, ErrCodeTransport:
		return http.StatusBadGateway
	case ErrCodeUnsupportedAction, ErrCodeUnsupportedResult:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
