package models

import "fmt"

// Stream error taxonomy. Errors raised before the first event map to an HTTP
// status; after stream start they become a terminal error event on a 200
// response.
const (
	ErrTypeConversationLocked   = "conversation_locked"
	ErrTypeContextLimitExceeded = "context_limit_exceeded"
	ErrTypeSDKNotInstalled      = "sdk_not_installed"
	ErrTypeOptions              = "options_error"
	ErrTypeModelValidation      = "model_validation_error"
	ErrTypeExecution            = "execution_error"
	ErrTypeTimeout              = "timeout_error"
	ErrTypeBackgroundExecution  = "background_execution_error"
	ErrTypeBackgroundTask       = "background_task_error"
)

// StreamError is a classified failure that the orchestrator turns into a
// terminal error event. Recoverable tells the client whether a retry on the
// same conversation can succeed.
type StreamError struct {
	Type        string
	Message     string
	Recoverable bool
	Cause       error
}

func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *StreamError) Unwrap() error { return e.Cause }

// Payload converts the error into its wire form.
func (e *StreamError) Payload() ErrorPayload {
	return ErrorPayload{ErrorType: e.Type, Message: e.Message, Recoverable: e.Recoverable}
}

// NewStreamError builds a StreamError with a formatted message.
func NewStreamError(errType string, recoverable bool, format string, args ...any) *StreamError {
	return &StreamError{Type: errType, Message: fmt.Sprintf(format, args...), Recoverable: recoverable}
}

// ErrConversationLocked is returned when another execution holds the
// conversation lock.
func ErrConversationLocked(conversationID string) *StreamError {
	return &StreamError{
		Type:        ErrTypeConversationLocked,
		Message:     fmt.Sprintf("conversation %s has an execution in flight", conversationID),
		Recoverable: true,
	}
}

// ErrContextLimitExceeded is returned by the pre-flight context gate.
func ErrContextLimitExceeded(current, max int64) *StreamError {
	return &StreamError{
		Type:        ErrTypeContextLimitExceeded,
		Message:     fmt.Sprintf("estimated context %d of %d tokens exceeds the 95%% limit", current, max),
		Recoverable: false,
	}
}

// ErrEventTimeout is returned by the silence watchdog.
func ErrEventTimeout(seconds int) *StreamError {
	return &StreamError{
		Type:        ErrTypeTimeout,
		Message:     fmt.Sprintf("no event from the agent for %d seconds", seconds),
		Recoverable: true,
	}
}
