package message

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestValidateContent(t *testing.T) {
	t.Parallel()

	t.Run("trims whitespace", func(t *testing.T) {
		got, err := ValidateContent([]byte("  hello  "), 100)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !bytes.Equal(got, []byte("hello")) {
			t.Errorf("got %q, want %q", got, "hello")
		}
	})

	t.Run("rejects empty content", func(t *testing.T) {
		_, err := ValidateContent([]byte("   "), 100)
		if !errors.Is(err, ErrEmptyContent) {
			t.Errorf("err = %v, want ErrEmptyContent", err)
		}
	})

	t.Run("rejects content over max length", func(t *testing.T) {
		long := strings.Repeat("a", 101)
		_, err := ValidateContent([]byte(long), 100)
		if !errors.Is(err, ErrContentTooLong) {
			t.Errorf("err = %v, want ErrContentTooLong", err)
		}
	})
}

func TestClampLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want int
	}{
		{0, DefaultLimit},
		{-5, DefaultLimit},
		{10, 10},
		{MaxLimit + 1, MaxLimit},
	}
	for _, tt := range tests {
		if got := ClampLimit(tt.in); got != tt.want {
			t.Errorf("ClampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestStateTerminal(t *testing.T) {
	t.Parallel()

	terminal := []State{StateRecalled, StateDeletedHard}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("State(%s).Terminal() = false, want true", s)
		}
	}

	nonTerminal := []State{StateInit, StateSent, StateEdited}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("State(%s).Terminal() = true, want false", s)
		}
	}
}

func TestIsOperation(t *testing.T) {
	t.Parallel()

	plain := &Message{}
	if plain.IsOperation() {
		t.Error("plain message reported IsOperation() = true")
	}

	op := &Message{Operation: &Operation{Type: OpRecall}}
	if !op.IsOperation() {
		t.Error("operation message reported IsOperation() = false")
	}
}
