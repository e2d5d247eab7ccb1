package errors

import (
	"errors"
	"fmt"
)

// Code identifies a failure class in the indexing pipeline
type Code string

const (
	CodeTransientRpc          Code = "TRANSIENT_RPC"
	CodePermanentRpc          Code = "PERMANENT_RPC"
	CodeNoHealthyEndpoint     Code = "NO_HEALTHY_ENDPOINT"
	CodeChunkOverflow         Code = "CHUNK_OVERFLOW"
	CodeOverflowUnrecoverable Code = "CHUNK_OVERFLOW_UNRECOVERABLE"
	CodeValidationGap         Code = "VALIDATION_GAP"
	CodeValidationOverlap     Code = "VALIDATION_OVERLAP"
	CodeValidationOutOfOrder  Code = "VALIDATION_OUT_OF_ORDER"
	CodeNotAContract          Code = "NOT_A_CONTRACT"
	CodeAlreadyRunning        Code = "ALREADY_RUNNING"
	CodeTimeout               Code = "TIMEOUT"
	CodeCancelled             Code = "CANCELLED"
	CodeStale                 Code = "STALE"
	CodeStorageUnavailable    Code = "STORAGE_UNAVAILABLE"
	CodeInternal              Code = "INTERNAL"
)

// Error is a structured indexing error carrying its taxonomy code
type Error struct {
	Code      Code                   `json:"code"`
	Message   string                 `json:"message"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by code so callers can use errors.Is with sentinels
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithDetails adds a detail entry to the error
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// New creates a new error with the given code
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: retryableByDefault(code),
	}
}

// Newf creates a new error with a formatted message
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

func retryableByDefault(code Code) bool {
	switch code {
	case CodeTransientRpc, CodeNoHealthyEndpoint, CodeChunkOverflow, CodeStorageUnavailable, CodeStale, CodeTimeout:
		return true
	default:
		return false
	}
}

// Common constructors

func TransientRpc(message string, cause error) *Error {
	return New(CodeTransientRpc, message).WithCause(cause)
}

func PermanentRpc(message string, cause error) *Error {
	return New(CodePermanentRpc, message).WithCause(cause)
}

func NoHealthyEndpoint(chain string) *Error {
	return Newf(CodeNoHealthyEndpoint, "no healthy endpoint for chain %s", chain).
		WithDetails("chain", chain)
}

func NotAContract(chain, address string) *Error {
	return Newf(CodeNotAContract, "address %s holds no code on %s", address, chain).
		WithDetails("chain", chain).
		WithDetails("address", address)
}

func AlreadyRunning(sessionID string) *Error {
	return New(CodeAlreadyRunning, "an indexing session is already running for this contract").
		WithDetails("session_id", sessionID)
}

func Cancelled(reason string) *Error {
	return New(CodeCancelled, reason)
}

func Timeout(message string) *Error {
	return New(CodeTimeout, message)
}

func Stale(sessionID string) *Error {
	return New(CodeStale, "session abandoned by a previous process").
		WithDetails("session_id", sessionID)
}

func StorageUnavailable(cause error) *Error {
	return New(CodeStorageUnavailable, "repository write failed").WithCause(cause)
}

func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// CodeOf extracts the taxonomy code from any error, CodeInternal when untyped
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsRetryable reports whether err is worth retrying
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
