package models

import (
	"fmt"

	"go.temporal.io/sdk/temporal"
)

// LLM error type strings, matched against temporal.ApplicationError.Type()
// by the workflow's turn loop. Kept in sync with ErrorType.String() for the
// subset of categories the loop branches on explicitly.
const (
	LLMErrTypeContextOverflow = "ContextOverflow"
	LLMErrTypeAPILimit        = "APILimit"
	LLMErrTypeFatal           = "Fatal"
)

// ToolErrorDetails carries structured context for a failed tool activity,
// attached to the ApplicationError via Details() so the workflow never has
// to parse error message text.
type ToolErrorDetails struct {
	Reason string `json:"reason"`
}

// ErrorType categorizes errors for appropriate handling
type ErrorType int

const (
	ErrorTypeTransient       ErrorType = iota // Network, timeout → Temporal retries
	ErrorTypeContextOverflow                  // Context window exceeded → ContinueAsNew
	ErrorTypeAPILimit                         // Rate limit → surface to user
	ErrorTypeToolFailure                      // Individual tool failed → continue workflow
	ErrorTypeFatal                            // Unrecoverable → stop workflow
)

// String returns the string representation of ErrorType
func (e ErrorType) String() string {
	switch e {
	case ErrorTypeTransient:
		return "Transient"
	case ErrorTypeContextOverflow:
		return "ContextOverflow"
	case ErrorTypeAPILimit:
		return "APILimit"
	case ErrorTypeToolFailure:
		return "ToolFailure"
	case ErrorTypeFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// ActivityError represents an error from a Temporal activity with categorization
type ActivityError struct {
	Type      ErrorType              `json:"type"`
	Retryable bool                   `json:"retryable"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *ActivityError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// NewTransientError creates a retryable transient error
func NewTransientError(message string) *ActivityError {
	return &ActivityError{
		Type:      ErrorTypeTransient,
		Retryable: true,
		Message:   message,
	}
}

// NewContextOverflowError creates a context overflow error
func NewContextOverflowError(message string) *ActivityError {
	return &ActivityError{
		Type:      ErrorTypeContextOverflow,
		Retryable: false,
		Message:   message,
	}
}

// NewAPILimitError creates an API rate limit error
func NewAPILimitError(message string) *ActivityError {
	return &ActivityError{
		Type:      ErrorTypeAPILimit,
		Retryable: true,
		Message:   message,
	}
}

// NewToolFailureError creates a tool failure error
func NewToolFailureError(message string) *ActivityError {
	return &ActivityError{
		Type:      ErrorTypeToolFailure,
		Retryable: false,
		Message:   message,
	}
}

// NewFatalError creates a fatal error
func NewFatalError(message string) *ActivityError {
	return &ActivityError{
		Type:      ErrorTypeFatal,
		Retryable: false,
		Message:   message,
	}
}

// WrapActivityError converts a categorized ActivityError into a Temporal
// ApplicationError whose Type() matches the LLMErrType* constants, so
// workflow code can classify it via errors.As without parsing messages.
func WrapActivityError(e *ActivityError) error {
	return temporal.NewApplicationErrorWithOptions(e.Message, e.Type.String(), temporal.ApplicationErrorOptions{
		NonRetryable: !e.Retryable,
	})
}

// NewToolNotFoundError returns a non-retryable ApplicationError for a tool
// name with no registered handler.
func NewToolNotFoundError(toolName string) error {
	msg := fmt.Sprintf("no handler registered for tool %q", toolName)
	return temporal.NewApplicationErrorWithOptions(msg, "ToolNotFound", temporal.ApplicationErrorOptions{
		NonRetryable: true,
		Details:      []interface{}{ToolErrorDetails{Reason: msg}},
	})
}

// NewToolTimeoutError returns a non-retryable ApplicationError for a tool
// handler that exceeded its deadline.
func NewToolTimeoutError(toolName string, cause error) error {
	msg := fmt.Sprintf("tool %q timed out: %v", toolName, cause)
	return temporal.NewApplicationErrorWithOptions(msg, "ToolTimeout", temporal.ApplicationErrorOptions{
		NonRetryable: true,
		Details:      []interface{}{ToolErrorDetails{Reason: "tool execution timed out"}},
	})
}

// NewToolValidationError returns a non-retryable ApplicationError for a tool
// handler that rejected its arguments or failed to execute.
func NewToolValidationError(toolName string, cause error) error {
	msg := fmt.Sprintf("tool %q failed: %v", toolName, cause)
	return temporal.NewApplicationErrorWithOptions(msg, "ToolValidation", temporal.ApplicationErrorOptions{
		NonRetryable: true,
		Details:      []interface{}{ToolErrorDetails{Reason: cause.Error()}},
	})
}
