// Package remote defines the record-store contract the sync core
// consumes. Concrete transports live in subpackages; the core never
// depends on a specific one.
package remote

import (
	"context"

	"github.com/veltalk/roomsync/domain"
)

// Message is a remote-authoritative record as returned by FetchChanges.
// It carries no local identity; matching against local state is the
// merge algorithm's job.
type Message struct {
	RemoteID  string `json:"remote_id"`
	RoomID    string `json:"room_id"`
	SenderID  string `json:"sender_id"`
	Body      string `json:"body,omitempty"`
	AssetRef  string `json:"asset_ref,omitempty"`
	CreatedAt int64  `json:"created_at"` // unix milliseconds
	Edited    bool   `json:"edited,omitempty"`
}

// ChangeBatch is one incremental fetch result. Records appear in the
// order the remote store committed them and are never reordered by the
// core; NextCursor resumes after the last record of the batch.
type ChangeBatch struct {
	Messages   []Message `json:"messages"`
	Deletions  []string  `json:"deletions,omitempty"` // remote IDs
	NextCursor string    `json:"next_cursor"`
}

func (b ChangeBatch) Empty() bool {
	return len(b.Messages) == 0 && len(b.Deletions) == 0
}

// Store is the remote record store capability. Implementations wrap
// recoverable transport failures with domain.Transient and stale-state
// rejections with domain.Conflict, and must be safe for concurrent use
// by many rooms.
type Store interface {
	// PushMessage durably persists a locally created message and
	// returns its assigned remote identifier.
	PushMessage(ctx context.Context, msg domain.Message) (string, error)
	// UpdateMessage rewrites the body of an existing record.
	UpdateMessage(ctx context.Context, remoteID, body string) error
	// DeleteMessage removes a record. Deleting an already absent
	// record is not an error.
	DeleteMessage(ctx context.Context, remoteID string) error

	PushReaction(ctx context.Context, ref domain.MessageRef, userID, emoji string, ts int64) error
	RemoveReaction(ctx context.Context, ref domain.MessageRef, userID, emoji string) error

	// FetchChanges returns records committed after cursor. An empty
	// cursor starts from the beginning of the room's history.
	FetchChanges(ctx context.Context, roomID, cursor string) (ChangeBatch, error)
	FetchReactions(ctx context.Context, ref domain.MessageRef) ([]domain.ReactionRecord, error)

	// ResolveProfile returns nil with no error when the user is
	// unknown.
	ResolveProfile(ctx context.Context, userID string) (*domain.Profile, error)
}

// ChangeFeed is an optional push capability: coalesced pokes telling
// the client a room changed remotely, prompting a refresh. The channel
// closes when the subscription ends.
type ChangeFeed interface {
	Subscribe(ctx context.Context, roomID string) (<-chan struct{}, error)
	Close() error
}
