package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Assignment configuration errors
// 12000-12999: Backend errors
// 13000-13999: Submission errors
// 14000-14999: Result store errors
// 15000-15999: Sandbox errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Timeout             ErrorCode = 10008
	Canceled            ErrorCode = 10009

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// Object storage errors (10400-10499)
	StorageError ErrorCode = 10400

	// ========== Assignment Configuration Errors (11000-11999) ==========

	ConfigurationError ErrorCode = 11000
	InvalidWeight      ErrorCode = 11001
	DuplicatePart      ErrorCode = 11002
	ZeroWeightSum      ErrorCode = 11003
	UnknownBackend     ErrorCode = 11004
	InvalidPenalty     ErrorCode = 11005

	// ========== Backend Errors (12000-12999) ==========

	BackendConfigurationError  ErrorCode = 12000
	BackendExecutionError      ErrorCode = 12001
	BackendInfrastructureError ErrorCode = 12002

	// ========== Submission Errors (13000-13999) ==========

	SubmissionIOError  ErrorCode = 13000
	SubmissionNotFound ErrorCode = 13001
	InvalidTransition  ErrorCode = 13002

	// ========== Result Store Errors (14000-14999) ==========

	ResultStoreError ErrorCode = 14000
	ResultNotFound   ErrorCode = 14001

	// ========== Sandbox Errors (15000-15999) ==========

	SandboxStartFailed ErrorCode = 15000
	SandboxReleased    ErrorCode = 15001
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Timeout:             "Operation timed out",
	Canceled:            "Operation canceled",

	// Cache
	CacheError: "Cache operation failed",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Storage
	StorageError: "Object storage operation failed",

	// Configuration
	ConfigurationError: "Invalid assignment configuration",
	InvalidWeight:      "Invalid weight",
	DuplicatePart:      "Duplicate part identifier",
	ZeroWeightSum:      "Sibling weights sum to zero",
	UnknownBackend:     "Unknown grading backend",
	InvalidPenalty:     "Invalid penalty configuration",

	// Backend
	BackendConfigurationError:  "Invalid backend configuration",
	BackendExecutionError:      "Backend execution failed",
	BackendInfrastructureError: "Backend infrastructure unavailable",

	// Submission
	SubmissionIOError:  "Submission files missing or unreadable",
	SubmissionNotFound: "Submission not found",
	InvalidTransition:  "Invalid submission status transition",

	// Result store
	ResultStoreError: "Result store operation failed",
	ResultNotFound:   "Grade result not found",

	// Sandbox
	SandboxStartFailed: "Failed to start isolation context",
	SandboxReleased:    "Isolation context already released",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == SubmissionNotFound, c == ResultNotFound:
		return 404
	case c == Timeout:
		return 504
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams:
		return 400
	default:
		return 500
	}
}

// IsFatal reports whether the code means the grading environment itself is unusable.
func (c ErrorCode) IsFatal() bool {
	return c == BackendInfrastructureError || c == SandboxStartFailed
}

// IsConfiguration reports whether the code belongs to the assignment configuration range.
func (c ErrorCode) IsConfiguration() bool {
	return c >= ConfigurationError && c < BackendConfigurationError
}
