package model

import "fmt"

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

// Flow execution error codes. Each rejects a single requested operation;
// no operation is ever partially applied.
const (
	ErrTemplateNotFound     = "TEMPLATE_NOT_FOUND"
	ErrTemplateInactive     = "TEMPLATE_INACTIVE"
	ErrTemplateImmutable    = "TEMPLATE_IMMUTABLE"
	ErrNoStagesDefined      = "NO_STAGES_DEFINED"
	ErrFlowNotFound         = "FLOW_NOT_FOUND"
	ErrFlowNotActive        = "FLOW_NOT_ACTIVE"
	ErrTaskNotFound         = "TASK_NOT_FOUND"
	ErrTaskAlreadyResolved  = "TASK_ALREADY_RESOLVED"
	ErrNotAssignee          = "NOT_ASSIGNEE"
	ErrMissingRequiredField = "MISSING_REQUIRED_FIELD"
	ErrUnknownField         = "UNKNOWN_FIELD"
	ErrNotApprovalStage     = "NOT_APPROVAL_STAGE"
	ErrAssigneeUnresolvable = "ASSIGNEE_UNRESOLVABLE"
	ErrUserNotFound         = "USER_NOT_FOUND"
)

// ErrorEnvelope is the standard error shape crossing the API boundary.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewError returns an ErrorEnvelope with the given code and message.
func NewError(code, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: msg}
}

// Errorf returns an ErrorEnvelope with a formatted message.
func Errorf(code, format string, args ...any) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: fmt.Sprintf(format, args...)}
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

// ErrorCode returns the envelope code carried by err, or empty if err is not
// an *ErrorEnvelope.
func ErrorCode(err error) string {
	if ee, ok := err.(*ErrorEnvelope); ok {
		return ee.Code
	}
	return ""
}
