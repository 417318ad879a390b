package errs

import (
	"errors"
	"testing"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	cause := errors.New("disk on fire")
	err := New(IOError, "pagestore.Write", cause)

	if !Is(err, IOError) {
		t.Fatalf("Is(err, IOError) = false, want true")
	}
	if Is(err, Corruption) {
		t.Fatalf("Is(err, Corruption) = true, want false")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(err, cause) = false, want true: Unwrap must expose the cause")
	}
}

func TestIsFatalToSync(t *testing.T) {
	cases := []struct {
		kind  Kind
		fatal bool
	}{
		{IOError, false},
		{OutOfSpace, false},
		{Corruption, true},
		{InvariantViolation, true},
	}
	for _, c := range cases {
		err := New(c.kind, "op", errors.New("x"))
		if got := IsFatalToSync(err); got != c.fatal {
			t.Fatalf("IsFatalToSync(%s) = %v, want %v", c.kind, got, c.fatal)
		}
	}
}

func TestIsFalseForPlainError(t *testing.T) {
	if Is(errors.New("plain"), IOError) {
		t.Fatalf("Is should be false for an error that isn't an *Error")
	}
}
