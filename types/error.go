package types

import "fmt"

// ErrorCode represents a unified error code across the control plane.
type ErrorCode string

// Request and state error codes
const (
	ErrValidation    ErrorCode = "VALIDATION"
	ErrNotFound      ErrorCode = "NOT_FOUND"
	ErrConflict      ErrorCode = "CONFLICT"
	ErrUnauthorized  ErrorCode = "UNAUTHORIZED"
	ErrForbidden     ErrorCode = "FORBIDDEN"
	ErrInternalError ErrorCode = "INTERNAL_ERROR"
)

// Node agent error codes
const (
	ErrNodeUnreachable ErrorCode = "NODE_UNREACHABLE"
	ErrNodeAuthFailed  ErrorCode = "NODE_AUTH_FAILED"
	ErrNodeMaintenance ErrorCode = "NODE_MAINTENANCE"
	ErrNodeRejected    ErrorCode = "NODE_REJECTED"
)

// Transfer and schedule error codes
const (
	ErrTransferState    ErrorCode = "TRANSFER_STATE"
	ErrAllocationInUse  ErrorCode = "ALLOCATION_IN_USE"
	ErrScheduleRunning  ErrorCode = "SCHEDULE_RUNNING"
	ErrInvalidCron      ErrorCode = "INVALID_CRON"
	ErrServerSuspended  ErrorCode = "SERVER_SUSPENDED"
	ErrServerInstalling ErrorCode = "SERVER_INSTALLING"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	NodeID     string    `json:"node_id,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithNode tags the error with the node identifier it originated from.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// IsNodeUnreachable reports whether err is a node connection failure.
// Callers use this to map the failure to a 503 for operators instead of
// inspecting transport details.
func IsNodeUnreachable(err error) bool {
	return GetErrorCode(err) == ErrNodeUnreachable
}

// IsNodeAuthFailure reports whether the node agent rejected our credential.
// Distinct from unreachable: it points at a misconfigured or rotated secret.
func IsNodeAuthFailure(err error) bool {
	return GetErrorCode(err) == ErrNodeAuthFailed
}
