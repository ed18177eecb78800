package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestBotError_Error(t *testing.T) {
	err := &BotError{Code: ErrIgnore, Message: "status update"}
	if got, want := err.Error(), "IGNORE: status update"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	wrapped := NewTransient("vision", fmt.Errorf("deadline exceeded"))
	if got, want := wrapped.Error(), "TRANSIENT: vision failed: deadline exceeded"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNewTransient_Unwrap(t *testing.T) {
	cause := stderrors.New("boom")
	err := NewTransient("media download", cause)

	if err.Code != ErrTransient {
		t.Errorf("Code = %q, want %q", err.Code, ErrTransient)
	}
	if !stderrors.Is(err, cause) {
		t.Error("cause should be reachable through Unwrap")
	}
	if err.Details["op"] != "media download" {
		t.Errorf("Details[op] = %v, want media download", err.Details["op"])
	}
}

func TestNewValidation(t *testing.T) {
	err := NewValidation("weight", "abc")
	if err.Code != ErrValidation {
		t.Errorf("Code = %q, want %q", err.Code, ErrValidation)
	}
	if err.Details["input"] != "abc" {
		t.Errorf("Details[input] = %v, want abc", err.Details["input"])
	}
}

func TestNewExpiredSession(t *testing.T) {
	err := NewExpiredSession("confirm_analysis")
	if err.Code != ErrExpiredSession {
		t.Errorf("Code = %q, want %q", err.Code, ErrExpiredSession)
	}
}

func TestIs(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"direct match", NewIgnore("x"), ErrIgnore, true},
		{"code mismatch", NewIgnore("x"), ErrTransient, false},
		{"wrapped", fmt.Errorf("handle: %w", NewValidation("weight", "-1")), ErrValidation, true},
		{"plain error", stderrors.New("plain"), ErrTransient, false},
		{"nil", nil, ErrTransient, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(stderrors.New("plain")); got != "" {
		t.Errorf("CodeOf(plain) = %q, want empty", got)
	}
	if got := CodeOf(NewExpiredSession("edit_analysis")); got != ErrExpiredSession {
		t.Errorf("CodeOf = %q, want %q", got, ErrExpiredSession)
	}
}
