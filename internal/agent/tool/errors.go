package tool

import "fmt"

// ErrorKind classifies tool failures for the calling agent. Failed tool
// calls are observable results, never exceptions that unwind the loop.
type ErrorKind string

const (
	ErrTransient   ErrorKind = "transient_external"
	ErrPermanent   ErrorKind = "permanent_external"
	ErrBadArgs     ErrorKind = "invalid_arguments"
	ErrUnknownTool ErrorKind = "unknown_tool"
	ErrForbidden   ErrorKind = "forbidden"
	ErrBudget      ErrorKind = "budget_exceeded"
	ErrCancelled   ErrorKind = "cancelled"
	ErrEmpty       ErrorKind = "empty"
)

// ToolError is the structured error object returned to an agent as a
// tool result when dispatch fails.
type ToolError struct {
	Kind    ErrorKind `json:"error_kind"`
	Message string    `json:"message"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds a ToolError.
func NewError(kind ErrorKind, format string, args ...interface{}) *ToolError {
	return &ToolError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
