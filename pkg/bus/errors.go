package bus

import "fmt"

// Code is one of the stable error identifiers surfaced to clients in an
// error frame.
type Code string

const (
	CodeInvalidJSON         Code = "INVALID_JSON"
	CodeInvalidMessage      Code = "INVALID_MESSAGE"
	CodeUnknownMessageType  Code = "UNKNOWN_MESSAGE_TYPE"
	CodeValidationError     Code = "VALIDATION_ERROR"
	CodeTopicNotFound       Code = "TOPIC_NOT_FOUND"
	CodeNotSubscribed       Code = "NOT_SUBSCRIBED"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeQueueFull           Code = "QUEUE_FULL"
	CodeShuttingDown        Code = "SHUTTING_DOWN"
	CodeInternal            Code = "INTERNAL"
)

// Error is a structured error carrying one of the Code values above plus a
// human-readable message and optional details (e.g. retry_after_seconds on
// a RATE_LIMITED error). Two Errors compare equal under errors.Is when their
// Codes match, regardless of Message or Details, so callers can match on
// code alone.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

func NewError(code Code, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrTopicNotFound = NewError(CodeTopicNotFound, "topic not found", nil)
	ErrNotSubscribed = NewError(CodeNotSubscribed, "not subscribed", nil)
	ErrQueueFull     = NewError(CodeQueueFull, "ingress queue is full", nil)
	ErrShuttingDown  = NewError(CodeShuttingDown, "bus is shutting down", nil)
	ErrClosedTopic   = NewError(CodeShuttingDown, "topic is draining or closed", nil)
	ErrClosedSub     = NewError(CodeInternal, "subscriber is closed", nil)
)
