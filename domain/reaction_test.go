package domain

import (
	"errors"
	"testing"
)

func TestNormalizeEmoji(t *testing.T) {
	got, err := NormalizeEmoji(" 😀 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "😀" {
		t.Fatalf("got %q, want trimmed emoji", got)
	}

	// Modifier sequences are one display grapheme.
	if _, err := NormalizeEmoji("👍🏽"); err != nil {
		t.Fatalf("modifier sequence rejected: %v", err)
	}

	if _, err := NormalizeEmoji("   "); !errors.Is(err, ErrEmptyEmoji) {
		t.Fatalf("want ErrEmptyEmoji, got %v", err)
	}
	if _, err := NormalizeEmoji("😀😀"); !errors.Is(err, ErrNotOneEmoji) {
		t.Fatalf("want ErrNotOneEmoji, got %v", err)
	}
	if _, err := NormalizeEmoji("ok"); !errors.Is(err, ErrNotOneEmoji) {
		t.Fatalf("want ErrNotOneEmoji for plain text, got %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	base := errors.New("connection refused")

	if !IsTransient(Transient(base)) {
		t.Fatal("Transient wrap not detected")
	}
	if !IsConflict(Conflict(base)) {
		t.Fatal("Conflict wrap not detected")
	}
	if IsTransient(Conflict(base)) || IsConflict(Transient(base)) {
		t.Fatal("classifications overlap")
	}
	if !errors.Is(Transient(base), base) {
		t.Fatal("cause not preserved through wrap")
	}
	if Transient(nil) != nil || Conflict(nil) != nil {
		t.Fatal("nil must stay nil")
	}
}
