package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies a conversation failure by how it is reported to the user.
type ErrorCode string

const (
	ErrTransient      ErrorCode = "TRANSIENT"       // collaborator failed or timed out; state unchanged
	ErrValidation     ErrorCode = "VALIDATION"      // user input rejected; state unchanged
	ErrExpiredSession ErrorCode = "EXPIRED_SESSION" // no pending analysis; state forced to idle
	ErrIgnore         ErrorCode = "IGNORE"          // dropped without reply
)

// BotError is a structured error carrying a code, a message and an optional cause.
type BotError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Err     error
}

func (e *BotError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BotError) Unwrap() error { return e.Err }

// NewTransient wraps a failed collaborator call such as media download or vision.
func NewTransient(op string, err error) *BotError {
	return &BotError{
		Code:    ErrTransient,
		Message: op + " failed",
		Details: map[string]any{"op": op},
		Err:     err,
	}
}

// NewValidation reports user input that could not be accepted.
func NewValidation(field, input string) *BotError {
	return &BotError{
		Code:    ErrValidation,
		Message: fmt.Sprintf("invalid %s: %q", field, input),
		Details: map[string]any{"field": field, "input": input},
	}
}

// NewExpiredSession reports an interactive reply that arrived without a pending analysis.
func NewExpiredSession(replyID string) *BotError {
	return &BotError{
		Code:    ErrExpiredSession,
		Message: "no pending analysis",
		Details: map[string]any{"reply_id": replyID},
	}
}

// NewIgnore marks an event that should be dropped silently.
func NewIgnore(reason string) *BotError {
	return &BotError{
		Code:    ErrIgnore,
		Message: reason,
	}
}

// Is checks if err, or any error it wraps, is a BotError with the given code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the first BotError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var bErr *BotError
	if stderrors.As(err, &bErr) {
		return bErr.Code
	}
	return ""
}
