package operations

import (
	"errors"
	"fmt"
)

// ErrorType represents the type of operation error
type ErrorType string

const (
	ErrorTypeValidation            ErrorType = "validation"
	ErrorTypeDependencyUnsatisfied ErrorType = "dependency_unsatisfied"
	ErrorTypeCollaborator          ErrorType = "collaborator"
	ErrorTypeNotFound              ErrorType = "not_found"
	ErrorTypeTransport             ErrorType = "transport"
	ErrorTypeInvalidState          ErrorType = "invalid_state"
)

// OperationError represents an operation-specific error
type OperationError struct {
	Type    ErrorType              `json:"type"`
	Phase   int                    `json:"phase,omitempty"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *OperationError) Error() string {
	if e == nil {
		return "unknown operation error"
	}
	if e.Phase > 0 {
		return fmt.Sprintf("[%s] phase %d: %s", e.Type, e.Phase, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an OperationError of the same type and message.
// A target without a message matches on type alone.
func (e *OperationError) Is(target error) bool {
	t, ok := target.(*OperationError)
	if !ok || e == nil || t == nil {
		return false
	}
	if e.Type != t.Type {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

// Detail returns the user-visible text of the error without the type prefix.
// Collaborator errors keep the collaborator's own wording verbatim.
func (e *OperationError) Detail() string {
	if e == nil {
		return ""
	}
	if e.Message == "" && e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Message
}

// NewValidationError creates a new validation error
func NewValidationError(message string) *OperationError {
	return &OperationError{
		Type:    ErrorTypeValidation,
		Message: message,
	}
}

// NewDependencyUnsatisfiedError names the requested phase and the prerequisite it is missing
func NewDependencyUnsatisfiedError(phase, missing int) *OperationError {
	return &OperationError{
		Type:    ErrorTypeDependencyUnsatisfied,
		Phase:   phase,
		Message: fmt.Sprintf("phase %d requires phase %d, which is neither requested nor completed", phase, missing),
		Context: map[string]interface{}{
			"missing_phase": missing,
		},
	}
}

// NewCollaboratorError wraps a failure reported by an external collaborator.
// detail is surfaced to users verbatim.
func NewCollaboratorError(detail string, cause error) *OperationError {
	if detail == "" && cause != nil {
		detail = cause.Error()
	}
	return &OperationError{
		Type:    ErrorTypeCollaborator,
		Message: detail,
		Cause:   cause,
	}
}

// NewNotFoundError creates a not-found error for an operation id
func NewNotFoundError(operationID string) *OperationError {
	return &OperationError{
		Type:    ErrorTypeNotFound,
		Message: ErrOperationNotFound.Message,
		Context: map[string]interface{}{
			"operation_id": operationID,
		},
	}
}

// NewTransportError creates a delivery-channel error
func NewTransportError(message string, cause error) *OperationError {
	return &OperationError{
		Type:    ErrorTypeTransport,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidStateError creates a new invalid state error
func NewInvalidStateError(message string) *OperationError {
	return &OperationError{
		Type:    ErrorTypeInvalidState,
		Message: message,
	}
}

// GetErrorType returns the type of the error, or "" when err is not an OperationError
func GetErrorType(err error) ErrorType {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Type
	}
	return ""
}

// AsCollaboratorError converts an arbitrary phase failure into a collaborator error
// tagged with the phase that produced it.
func AsCollaboratorError(phase int, err error) *OperationError {
	if err == nil {
		return nil
	}
	var opErr *OperationError
	if errors.As(err, &opErr) {
		tagged := *opErr
		if tagged.Phase == 0 {
			tagged.Phase = phase
		}
		return &tagged
	}
	wrapped := NewCollaboratorError("", err)
	wrapped.Phase = phase
	return wrapped
}

// Common operation errors
var (
	// ErrOperationNotFound is returned for ids that were never issued, were evicted,
	// or were lost to a server restart
	ErrOperationNotFound = &OperationError{
		Type:    ErrorTypeNotFound,
		Message: "operation not found",
	}

	// ErrOperationTerminal is returned when mutating a completed or failed operation
	ErrOperationTerminal = &OperationError{
		Type:    ErrorTypeInvalidState,
		Message: "operation has already reached a terminal state",
	}

	// ErrOperationRunning is returned when removing an operation that has not finished
	ErrOperationRunning = &OperationError{
		Type:    ErrorTypeInvalidState,
		Message: "operation is still running",
	}

	// ErrStreamIdle is returned by Follow when no mutation arrived within the idle limit
	ErrStreamIdle = &OperationError{
		Type:    ErrorTypeTransport,
		Message: "stream idle timeout",
	}
)
