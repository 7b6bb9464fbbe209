package errors

import (
	stderrors "errors"
	"fmt"
)

// Error is the structured error type for mediasync.
// It carries enough context for retry classification, logging and CLI output.
type Error struct {
	// Code is the unique error code (e.g., "ERR_407_CONFLICT").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Storage, Network, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the operator.
	Suggestion string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches by code so that errors.Is(err, &Error{Code: ...}) works.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion.
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestion = suggestion
	return e
}

// New creates a new Error with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates an Error from an existing error.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Sentinels for errors.Is comparisons.
var (
	ErrConflict      = &Error{Code: ErrCodeConflict}
	ErrNotFound      = &Error{Code: ErrCodeNotFound}
	ErrUnknownTask   = &Error{Code: ErrCodeUnknownTask}
	ErrUnprojectable = &Error{Code: ErrCodeUnprojectable}
)

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *Error {
	return New(ErrCodeConfigInvalid, message, cause)
}

// NetworkError creates a retryable network error.
func NetworkError(message string, cause error) *Error {
	return New(ErrCodeNetworkUnavailable, message, cause)
}

// QueueError creates a retryable broker error.
func QueueError(message string, cause error) *Error {
	return New(ErrCodeQueueUnavailable, message, cause)
}

// EngineError creates a search engine error. Transient failures are retryable,
// rejections (bad mapping, bad document) are not.
func EngineError(message string, cause error, transient bool) *Error {
	if transient {
		return New(ErrCodeEngineUnavailable, message, cause)
	}
	return New(ErrCodeEngineRejected, message, cause)
}

// ConflictError reports a failed compare-and-swap on a record.
func ConflictError(id string, expected, actual int64) *Error {
	return New(ErrCodeConflict, fmt.Sprintf("revision conflict on %s: base %d, current %d", id, expected, actual), nil).
		WithDetail("record_id", id).
		WithSuggestion("re-read the record and retry the write")
}

// NotFoundError reports a missing record.
func NotFoundError(id string) *Error {
	return New(ErrCodeNotFound, "record not found: "+id, nil).WithDetail("record_id", id)
}

// ValidationError creates a non-retryable validation error.
func ValidationError(message string, cause error) *Error {
	return New(ErrCodeInvalidInput, message, cause)
}

// StoreError creates a record store I/O error.
func StoreError(message string, cause error) *Error {
	return New(ErrCodeStoreIO, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *Error {
	return New(ErrCodeInternal, message, cause)
}

// As finds the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
func IsFatal(err error) bool {
	if e, ok := As(err); ok {
		return e.Severity == SeverityFatal
	}
	return false
}

// IsConflict reports whether err is a revision conflict.
func IsConflict(err error) bool {
	return stderrors.Is(err, ErrConflict)
}

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool {
	return stderrors.Is(err, ErrNotFound)
}

// GetCode extracts the error code. Returns empty string if err carries none.
func GetCode(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// GetCategory extracts the category. Returns empty string if err carries none.
func GetCategory(err error) Category {
	if e, ok := As(err); ok {
		return e.Category
	}
	return ""
}
