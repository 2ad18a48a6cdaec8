package usecase

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorValidation               ErrorCode = "VALIDATION_ERROR"
	ErrorUnrecognizedEventType    ErrorCode = "UNRECOGNIZED_EVENT_TYPE"
	ErrorConversationUnresolvable ErrorCode = "CONVERSATION_UNRESOLVABLE"
	ErrorStore                    ErrorCode = "STORE_ERROR"
	ErrorLateEventAfterClosure    ErrorCode = "LATE_EVENT_AFTER_CLOSURE"
	ErrorMigrationPartialFailure  ErrorCode = "MIGRATION_PARTIAL_FAILURE"
	ErrorFeedbackRelay            ErrorCode = "FEEDBACK_RELAY_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ""
}

// Retryable reports whether redelivering the event may succeed. Errors that
// carry no code are treated as transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case ErrorValidation, ErrorUnrecognizedEventType, ErrorConversationUnresolvable, ErrorLateEventAfterClosure, ErrorFeedbackRelay:
		return false
	default:
		return true
	}
}
