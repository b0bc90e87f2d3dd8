package domain

import (
	"github.com/oklog/ulid/v2"
)

// NewLocalID returns a fresh local message identifier. ULIDs embed a
// millisecond timestamp and sort lexicographically in creation order,
// so cache keys and timestamp tie-breaks agree with message order.
func NewLocalID() string {
	return ulid.Make().String()
}

// NewLocalIDAt returns a local identifier whose embedded timestamp is
// the given unix-millisecond instant. Used when adopting records that
// were created elsewhere, keeping key order aligned with creation time.
func NewLocalIDAt(unixMs int64) string {
	if unixMs < 0 {
		unixMs = 0
	}
	return ulid.MustNew(uint64(unixMs), ulid.DefaultEntropy()).String()
}
