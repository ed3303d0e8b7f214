package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Approval and inventory error codes.
const (
	ErrPolicyNotFound        = "POLICY_NOT_FOUND"
	ErrAgentResolutionFailed = "AGENT_RESOLUTION_FAILED"
	ErrInvalidStepTransition = "INVALID_STEP_TRANSITION"
	ErrInsufficientStock     = "INSUFFICIENT_STOCK"
	ErrPersistence           = "PERSISTENCE_ERROR"
	ErrEmptyFlow             = "EMPTY_FLOW"
)

// ErrorEnvelope is the error value returned by every public operation of the
// service and the body of every error response. It implements the error
// interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewPolicyNotFoundError returns a POLICY_NOT_FOUND error.
func NewPolicyNotFoundError(objectType, category string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrPolicyNotFound,
		Message: fmt.Sprintf("no approval policy matches object type %q in category %q", objectType, category),
	}
}

// NewAgentResolutionError returns an AGENT_RESOLUTION_FAILED error.
func NewAgentResolutionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrAgentResolutionFailed, Message: msg}
}

// NewInvalidStepTransitionError returns an INVALID_STEP_TRANSITION error.
func NewInvalidStepTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidStepTransition, Message: msg}
}

// NewInsufficientStockError returns an INSUFFICIENT_STOCK error carrying the
// available and requested quantities in its message.
func NewInsufficientStockError(available, requested string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInsufficientStock,
		Message: fmt.Sprintf("Insufficient stock. Available: %s, Requested: %s", available, requested),
	}
}

// NewEmptyFlowError returns an EMPTY_FLOW error.
func NewEmptyFlowError(policyName string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrEmptyFlow,
		Message: fmt.Sprintf("policy %q produced no approval steps", policyName),
	}
}

// NewPersistenceError wraps a store failure as a PERSISTENCE_ERROR.
func NewPersistenceError(op string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrPersistence,
		Message: fmt.Sprintf("%s failed", op),
		cause:   cause,
	}
}

// AsEnvelope returns err as an *ErrorEnvelope. Errors that already carry an
// envelope anywhere in their chain are returned unchanged; anything else is
// treated as a persistence failure of op.
func AsEnvelope(op string, err error) *ErrorEnvelope {
	if err == nil {
		return nil
	}
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee
	}
	return NewPersistenceError(op, err)
}

// HasCode reports whether err is an *ErrorEnvelope with the given code.
func HasCode(err error, code string) bool {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}
