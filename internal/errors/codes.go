package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents internal error codes for provisioning operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeValidation    ErrorCode = 1000
	ErrCodeConflict      ErrorCode = 1001
	ErrCodeQuotaExceeded ErrorCode = 1002
	ErrCodeNotFound      ErrorCode = 1003
	ErrCodeNameExhausted ErrorCode = 1004

	// Server errors (5xx equivalent)
	ErrCodeInternal            ErrorCode = 2000
	ErrCodeBackendUnavailable  ErrorCode = 2001
	ErrCodeProvisioningTimeout ErrorCode = 2002
	ErrCodeBackendFailure      ErrorCode = 2003
	ErrCodeRegistry            ErrorCode = 2004
)

// Stage names the precondition or step of an operation that failed
type Stage string

const (
	StageFormat     Stage = "format"
	StageUniqueness Stage = "uniqueness"
	StageQuota      Stage = "quota"
	StageRegistry   Stage = "registry"
	StageTopology   Stage = "topology"
	StageNamespace  Stage = "namespace"
	StageStack      Stage = "stack"
	StageDeploy     Stage = "deploy"
	StageHealth     Stage = "health"
	StageCleanup    Stage = "cleanup"
	StageLookup     Stage = "lookup"
)

// Class tells a caller what to do about a failure
type Class string

const (
	ClassClient    Class = "client"    // fix your input
	ClassRetryable Class = "retryable" // retry later
	ClassInternal  Class = "internal"  // contact support
)

// ProvisionError represents a structured error with code and context
type ProvisionError struct {
	Code    ErrorCode
	Stage   Stage
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *ProvisionError) Error() string {
	prefix := e.Message
	if e.Stage != "" {
		prefix = fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", prefix, e.Cause)
	}
	return prefix
}

// Unwrap returns the underlying error
func (e *ProvisionError) Unwrap() error {
	return e.Cause
}

// Is matches another ProvisionError by code so errors.Is(err, ErrConflict) works
func (e *ProvisionError) Is(target error) bool {
	t, ok := target.(*ProvisionError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == "" && t.Stage == ""
}

// Class classifies the error for callers
func (e *ProvisionError) Class() Class {
	switch e.Code {
	case ErrCodeValidation, ErrCodeConflict, ErrCodeQuotaExceeded, ErrCodeNotFound:
		return ClassClient
	case ErrCodeBackendUnavailable, ErrCodeProvisioningTimeout, ErrCodeNameExhausted:
		return ClassRetryable
	default:
		return ClassInternal
	}
}

// HTTPStatus maps the error code to the status the API layer should answer with
func (e *ProvisionError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeQuotaExceeded:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeNameExhausted, ErrCodeBackendUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeProvisioningTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewProvisionError creates a new ProvisionError
func NewProvisionError(code ErrorCode, stage Stage, message string, cause error) *ProvisionError {
	return &ProvisionError{
		Code:    code,
		Stage:   stage,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *ProvisionError) WithDetail(key string, value interface{}) *ProvisionError {
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is comparisons
var (
	ErrValidation          = &ProvisionError{Code: ErrCodeValidation}
	ErrConflict            = &ProvisionError{Code: ErrCodeConflict}
	ErrQuotaExceeded       = &ProvisionError{Code: ErrCodeQuotaExceeded}
	ErrNotFound            = &ProvisionError{Code: ErrCodeNotFound}
	ErrNameExhausted       = &ProvisionError{Code: ErrCodeNameExhausted}
	ErrBackendUnavailable  = &ProvisionError{Code: ErrCodeBackendUnavailable}
	ErrProvisioningTimeout = &ProvisionError{Code: ErrCodeProvisioningTimeout}
)

// Convenience constructors for common errors

func Validation(field, value, reason string) *ProvisionError {
	return NewProvisionError(ErrCodeValidation, StageFormat, fmt.Sprintf("invalid %s %q: %s", field, value, reason), nil).
		WithDetail("field", field).
		WithDetail("reason", reason)
}

func NameInUse(name string, status string) *ProvisionError {
	return NewProvisionError(ErrCodeConflict, StageUniqueness, fmt.Sprintf("stack name %q is already in use", name), nil).
		WithDetail("name", name).
		WithDetail("status", status)
}

func DeployInFlight(name string) *ProvisionError {
	return NewProvisionError(ErrCodeConflict, StageUniqueness, fmt.Sprintf("a deploy for %q is already in progress", name), nil).
		WithDetail("name", name)
}

func QuotaExceeded(resource string, current, limit interface{}, message string) *ProvisionError {
	return NewProvisionError(ErrCodeQuotaExceeded, StageQuota, message, nil).
		WithDetail("resource", resource).
		WithDetail("current", current).
		WithDetail("limit", limit)
}

func NotFound(name string) *ProvisionError {
	return NewProvisionError(ErrCodeNotFound, StageLookup, fmt.Sprintf("stack %q not found", name), nil).
		WithDetail("name", name)
}

func NameExhausted(attempts int) *ProvisionError {
	return NewProvisionError(ErrCodeNameExhausted, StageUniqueness, fmt.Sprintf("could not allocate a name after %d attempts", attempts), nil).
		WithDetail("attempts", attempts)
}

// BackendUnavailable carries an actionable diagnostic naming the setting to check
func BackendUnavailable(stage Stage, diagnostic string, cause error) *ProvisionError {
	return NewProvisionError(ErrCodeBackendUnavailable, stage, diagnostic, cause)
}

func BackendFailure(stage Stage, message string, cause error) *ProvisionError {
	return NewProvisionError(ErrCodeBackendFailure, stage, message, cause)
}

func ProvisioningTimeout(name string, attempts int, waited interface{}) *ProvisionError {
	return NewProvisionError(ErrCodeProvisioningTimeout, StageHealth,
		fmt.Sprintf("stack %q did not become healthy after %d checks", name, attempts), nil).
		WithDetail("name", name).
		WithDetail("attempts", attempts).
		WithDetail("waited", waited)
}

func Registry(message string, cause error) *ProvisionError {
	return NewProvisionError(ErrCodeRegistry, StageRegistry, message, cause)
}

func InternalError(message string, cause error) *ProvisionError {
	return NewProvisionError(ErrCodeInternal, "", message, cause)
}

// AsProvisionError extracts a ProvisionError from an error chain
func AsProvisionError(err error) (*ProvisionError, bool) {
	var pe *ProvisionError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	if pe, ok := AsProvisionError(err); ok {
		return pe.Code
	}
	return ErrCodeInternal
}

// GetStage extracts the failed stage from an error
func GetStage(err error) Stage {
	if pe, ok := AsProvisionError(err); ok {
		return pe.Stage
	}
	return ""
}
