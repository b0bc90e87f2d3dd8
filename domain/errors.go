package domain

import (
	"errors"
	"fmt"
)

// Validation failures. Returned synchronously, never retried.
var (
	ErrEditNotAllowed = errors.New("edit not allowed")
	ErrEmptyEmoji     = errors.New("emoji is empty")
	ErrNotOneEmoji    = errors.New("emoji must be a single grapheme")
	ErrEmptyMessage   = errors.New("message needs a body or an asset")
	ErrUnknownMessage = errors.New("unknown message")
	ErrNotSynced      = errors.New("message has no remote identity yet")
	ErrRoomClosed     = errors.New("room is closed")
)

// ErrTransient marks recoverable remote failures. Writes wrapped with
// it are retried with backoff; reads are retried on the next refresh.
var ErrTransient = errors.New("transient remote error")

// ErrConflict marks a remote rejection caused by stale local state,
// such as editing a message deleted elsewhere. Surfaced to the caller
// and followed by a forced refresh.
var ErrConflict = errors.New("remote state conflict")

// Transient wraps err so IsTransient reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Conflict wraps err so IsConflict reports true.
func Conflict(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConflict, err)
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
