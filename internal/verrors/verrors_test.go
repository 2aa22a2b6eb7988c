package verrors

import (
	"context"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	err := New(CodeNotFound, "no such uri")
	if CodeOf(err) != CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %s", CodeOf(err))
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if CodeOf(wrapped) != CodeNotFound {
		t.Errorf("code should survive fmt.Errorf wrapping, got %s", CodeOf(wrapped))
	}
}

func TestCodeOf_ContextErrors(t *testing.T) {
	if CodeOf(context.Canceled) != CodeCancelled {
		t.Errorf("context.Canceled should map to CANCELLED")
	}
	if CodeOf(context.DeadlineExceeded) != CodeTimeout {
		t.Errorf("context.DeadlineExceeded should map to TIMEOUT")
	}
}

func TestCodeOf_Uncoded(t *testing.T) {
	if CodeOf(fmt.Errorf("plain")) != CodeDependencyError {
		t.Errorf("uncoded errors should map to DEPENDENCY_ERROR")
	}
}

func TestWrap_PreservesCode(t *testing.T) {
	inner := New(CodeAlreadyExists, "target exists")
	outer := Wrap(inner, CodeInvalidArgument, "bad promote")
	// Outermost code wins: the boundary decides what the caller sees.
	if CodeOf(outer) != CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %s", CodeOf(outer))
	}
}

func TestWrap_Nil(t *testing.T) {
	if Wrap(nil, CodeNotFound, "x") != nil {
		t.Fatal("Wrap(nil) must return nil")
	}
	if Wrapf(nil, CodeNotFound, "x %d", 1) != nil {
		t.Fatal("Wrapf(nil) must return nil")
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		code Code
		want bool
	}{
		{CodeTimeout, true},
		{CodeResourceExhausted, true},
		{CodeDependencyError, true},
		{CodeNotFound, false},
		{CodeInvariantViolation, false},
		{CodeUnsupportedFormat, false},
	}
	for _, c := range cases {
		if got := IsTransient(New(c.code, "x")); got != c.want {
			t.Errorf("IsTransient(%s) = %v, want %v", c.code, got, c.want)
		}
	}
}
