// Package cache persists the sync core's local state: per-room message
// sequences with their sync cursors, and the recent-emoji list.
package cache

import (
	"context"

	"github.com/veltalk/roomsync/domain"
)

// Store is the local persistence contract. Everything it holds must be
// readable before any remote connectivity is established, so a room
// can render offline from cache alone.
type Store interface {
	PutMessage(ctx context.Context, roomID string, msg domain.Message) error
	DeleteMessage(ctx context.Context, roomID, localID string) error
	// Messages returns the room's sequence in creation order.
	Messages(ctx context.Context, roomID string) ([]domain.Message, error)

	PutCursor(ctx context.Context, roomID, cursor string) error
	// Cursor returns the room's last merged sync position, empty when
	// the room has never synced.
	Cursor(ctx context.Context, roomID string) (string, error)

	PutRecentEmojis(ctx context.Context, emojis []string) error
	RecentEmojis(ctx context.Context) ([]string, error)

	Close() error
}
