// Package errors provides structured error handling for mediasync.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage errors (record store, local files)
//   - 3XX: Network and dependency availability errors
//   - 4XX: Validation and contract errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStorage indicates record store and disk errors.
	CategoryStorage Category = "STORAGE"
	// CategoryNetwork indicates network or dependency availability errors.
	CategoryNetwork Category = "NETWORK"
	// CategoryValidation indicates contract violations and bad input.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
	// SeverityInfo indicates informational only.
	SeverityInfo Severity = "INFO"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound   = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid    = "ERR_102_CONFIG_INVALID"
	ErrCodeConfigPermission = "ERR_103_CONFIG_PERMISSION"
	ErrCodeLockHeld         = "ERR_104_LOCK_HELD"

	// Storage errors (200-299)
	ErrCodeStoreIO      = "ERR_201_STORE_IO"
	ErrCodeStoreCorrupt = "ERR_202_STORE_CORRUPT"
	ErrCodeDiskFull     = "ERR_203_DISK_FULL"

	// Network errors (300-399)
	ErrCodeNetworkTimeout     = "ERR_301_NETWORK_TIMEOUT"
	ErrCodeNetworkUnavailable = "ERR_302_NETWORK_UNAVAILABLE"
	ErrCodeQueueUnavailable   = "ERR_303_QUEUE_UNAVAILABLE"
	ErrCodeEngineUnavailable  = "ERR_304_ENGINE_UNAVAILABLE"
	ErrCodeStoreLagging       = "ERR_305_STORE_LAGGING"

	// Validation errors (400-499)
	ErrCodeInvalidInput  = "ERR_401_INVALID_INPUT"
	ErrCodeInvalidFeed   = "ERR_402_INVALID_FEED"
	ErrCodeUnknownType   = "ERR_403_UNKNOWN_RECORD_TYPE"
	ErrCodeUnknownTask   = "ERR_404_UNKNOWN_TASK"
	ErrCodeMalformedTask = "ERR_405_MALFORMED_TASK"
	ErrCodeConflict      = "ERR_407_CONFLICT"
	ErrCodeNotFound      = "ERR_408_NOT_FOUND"
	ErrCodeUnprojectable = "ERR_409_UNPROJECTABLE"

	// Internal errors (500-599)
	ErrCodeInternal       = "ERR_501_INTERNAL"
	ErrCodeEngineRejected = "ERR_505_ENGINE_REJECTED"
	ErrCodeTaskExhausted  = "ERR_506_TASK_EXHAUSTED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// "101" from "ERR_101_CONFIG_NOT_FOUND"
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
	case '3':
		return CategoryNetwork
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeStoreCorrupt, ErrCodeDiskFull, ErrCodeLockHeld:
		return SeverityFatal
	case ErrCodeNotFound:
		return SeverityInfo
	}

	if categoryFromCode(code) == CategoryConfig {
		return SeverityFatal
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a transient condition.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeNetworkTimeout,
		ErrCodeNetworkUnavailable,
		ErrCodeQueueUnavailable,
		ErrCodeEngineUnavailable,
		ErrCodeStoreLagging,
		ErrCodeStoreIO:
		return true
	default:
		return false
	}
}
