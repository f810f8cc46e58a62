package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Workflow error codes
const (
	ErrValidation         ErrorCode = "VALIDATION"
	ErrCircularDependency ErrorCode = "CIRCULAR_DEPENDENCY"
	ErrDefinitionNotFound ErrorCode = "DEFINITION_NOT_FOUND"
	ErrExecutionNotFound  ErrorCode = "EXECUTION_NOT_FOUND"
	ErrInvalidTransition  ErrorCode = "INVALID_TRANSITION"
)

// Stage execution error codes
const (
	ErrStageTimeout   ErrorCode = "STAGE_TIMEOUT"
	ErrStageExecution ErrorCode = "STAGE_EXECUTION"
	ErrCircuitOpen    ErrorCode = "CIRCUIT_BREAKER_OPEN"
)

// Routing error codes
const (
	ErrRoutingExhausted ErrorCode = "ROUTING_EXHAUSTED"
	ErrAgentNotFound    ErrorCode = "AGENT_NOT_FOUND"
)

// Compensation error codes
const (
	ErrCompensation    ErrorCode = "COMPENSATION_FAILED"
	ErrNotRollbackable ErrorCode = "NOT_ROLLBACKABLE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	StageID   string    `json:"stage_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
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

// WithStage attaches the stage the error occurred in.
func (e *Error) WithStage(stageID string) *Error {
	e.StageID = stageID
	return e
}

// WithAgent attaches the agent the error occurred on.
func (e *Error) WithAgent(agentID string) *Error {
	e.AgentID = agentID
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
