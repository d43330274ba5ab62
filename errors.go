package essayflow

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for specific failure types
const (
	ErrCodeToolNotFound       = "TOOL_NOT_FOUND"
	ErrCodeDuplicateTool      = "DUPLICATE_TOOL"
	ErrCodeSchema             = "SCHEMA_ERROR"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodePlanning           = "PLANNING_ERROR"
	ErrCodePlanningDeadlock   = "PLANNING_DEADLOCK"
	ErrCodeNeedsClarification = "NEEDS_CLARIFICATION"
	ErrCodeTurnFailed         = "TURN_FAILED"
	ErrCodeConfiguration      = "CONFIGURATION_ERROR"
	ErrCodeCancelled          = "TURN_CANCELLED"
	ErrCodeTimeout            = "TURN_TIMEOUT"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// Sentinels for errors.Is. Any *Error with the same code matches.
var (
	ErrToolNotFound     = &Error{Code: ErrCodeToolNotFound}
	ErrDuplicateTool    = &Error{Code: ErrCodeDuplicateTool}
	ErrSchema           = &Error{Code: ErrCodeSchema}
	ErrValidation       = &Error{Code: ErrCodeValidation}
	ErrExecution        = &Error{Code: ErrCodeExecution}
	ErrPlanning         = &Error{Code: ErrCodePlanning}
	ErrPlanningDeadlock = &Error{Code: ErrCodePlanningDeadlock}
	ErrTurnFailed       = &Error{Code: ErrCodeTurnFailed}
	ErrConfiguration    = &Error{Code: ErrCodeConfiguration}
	ErrCancelled        = &Error{Code: ErrCodeCancelled}
	ErrTimeout          = &Error{Code: ErrCodeTimeout}
)

// Backend failure classes. Backends wrap these so the pipeline can decide
// whether a failure is worth retrying.
var (
	ErrBackendTimeout    = errors.New("backend call timed out")
	ErrRateLimited       = errors.New("backend rate limited")
	ErrMalformedResponse = errors.New("backend response is not a JSON object")
	ErrTransport         = errors.New("backend transport failure")
	// ErrBackendRejected marks failures that retrying cannot fix, such as
	// authentication errors.
	ErrBackendRejected = errors.New("backend rejected the request")
)

// Error is the error type returned by every component of the module.
type Error struct {
	Code    string // A machine-readable error code (e.g., ErrCodeToolNotFound)
	Message string // A human-readable message
	Stage   string // The stage where the error occurred (e.g., "planning", "registry")
	Cause   error  // The underlying error, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = strings.ToLower(strings.ReplaceAll(e.Code, "_", " "))
	}
	prefix := e.Code
	if e.Stage != "" {
		prefix = e.Stage + ":" + e.Code
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", prefix, msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", prefix, msg)
}

// Unwrap returns the underlying cause of the error, allowing for error chaining.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t == e || (t.Code != "" && t.Code == e.Code && t.Message == "" && t.Stage == "")
}

// NewError creates a new Error.
func NewError(code, stage, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

// ErrorCode extracts the code of the first *Error in err's chain.
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Specific error constructors

func NewToolNotFoundError(stage, toolName string) *Error {
	return NewError(ErrCodeToolNotFound, stage, fmt.Sprintf("tool '%s' not found", toolName), nil)
}

func NewDuplicateToolError(toolName string) *Error {
	return NewError(ErrCodeDuplicateTool, "registry", fmt.Sprintf("tool '%s' is already registered", toolName), nil)
}

func NewSchemaError(toolName, message string, cause error) *Error {
	return NewError(ErrCodeSchema, "registry", fmt.Sprintf("tool '%s': %s", toolName, message), cause)
}

func NewValidationError(stage, message string, violations []string) *Error {
	if len(violations) > 0 {
		message = fmt.Sprintf("%s: %s", message, strings.Join(violations, "; "))
	}
	return NewError(ErrCodeValidation, stage, message, nil)
}

func NewExecutionError(toolName string, cause error) *Error {
	return NewError(ErrCodeExecution, "execution", fmt.Sprintf("execution failed for tool '%s'", toolName), cause)
}

func NewPlanningError(message string, cause error) *Error {
	return NewError(ErrCodePlanning, "planning", message, cause)
}

func NewPlanningDeadlockError(message string) *Error {
	return NewError(ErrCodePlanningDeadlock, "completing", message, nil)
}

func NewTurnFailedError(stage, message string, cause error) *Error {
	return NewError(ErrCodeTurnFailed, stage, message, cause)
}

func NewConfigurationError(message string, cause error) *Error {
	return NewError(ErrCodeConfiguration, "initialization", message, cause)
}

func NewCancelledError(stage string, cause error) *Error {
	return NewError(ErrCodeCancelled, stage, "turn cancelled", cause)
}

func NewTimeoutError(stage string, cause error) *Error {
	return NewError(ErrCodeTimeout, stage, "turn deadline exceeded", cause)
}

// NeedsClarificationError is returned by the planner when required values
// can only come from the user.
type NeedsClarificationError struct {
	Missing  []string
	Question string
}

func (e *NeedsClarificationError) Error() string {
	return fmt.Sprintf("[planning:%s] missing %s", ErrCodeNeedsClarification, strings.Join(e.Missing, ", "))
}

// NewNeedsClarificationError builds the error with a default question when
// none is given.
func NewNeedsClarificationError(missing []string, question string) *NeedsClarificationError {
	if question == "" {
		question = ClarificationQuestion(missing)
	}
	return &NeedsClarificationError{Missing: missing, Question: question}
}

// ClarificationQuestion renders a plain question asking for missing keys.
func ClarificationQuestion(missing []string) string {
	names := make([]string, 0, len(missing))
	for _, m := range missing {
		names = append(names, strings.ReplaceAll(m, "_", " "))
	}
	switch len(names) {
	case 0:
		return "Could you tell me a bit more about what you need?"
	case 1:
		return fmt.Sprintf("Before we continue, could you share your %s?", names[0])
	default:
		return fmt.Sprintf("Before we continue, could you share your %s and %s?",
			strings.Join(names[:len(names)-1], ", "), names[len(names)-1])
	}
}
