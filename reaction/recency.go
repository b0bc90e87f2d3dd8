package reaction

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/veltalk/roomsync/domain"
)

// RecencyCapacity bounds the most-recently-used emoji list.
const RecencyCapacity = 3

// DefaultSeed is the baseline suggestion list used before any emoji
// has been sent, and the padding source when the list runs short.
var DefaultSeed = []string{"😀", "👍", "🎉"}

// RecencyStore persists the MRU list between runs.
type RecencyStore interface {
	PutRecentEmojis(ctx context.Context, emojis []string) error
	RecentEmojis(ctx context.Context) ([]string, error)
}

// Recency maintains the bounded, deduplicated, most-recent-first emoji
// list. Process-wide shared state: InsertFront is atomic under an
// internal mutex, so concurrent callers are safe.
type Recency struct {
	mu     sync.Mutex
	items  []string
	store  RecencyStore
	logger zerolog.Logger
}

// LoadRecency restores the persisted list, seeding it on first run.
func LoadRecency(ctx context.Context, store RecencyStore, logger zerolog.Logger) (*Recency, error) {
	items, err := store.RecentEmojis(ctx)
	if err != nil {
		return nil, fmt.Errorf("load recent emojis: %w", err)
	}
	if len(items) == 0 {
		items = append([]string(nil), DefaultSeed...)
	}
	if len(items) > RecencyCapacity {
		items = items[:RecencyCapacity]
	}
	return &Recency{items: items, store: store, logger: logger}, nil
}

// InsertFront records emoji as most recently used: an existing
// occurrence is removed, the emoji is prepended, and the list is
// truncated to capacity and persisted.
func (r *Recency) InsertFront(ctx context.Context, emoji string) {
	if _, err := domain.NormalizeEmoji(emoji); err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make([]string, 0, RecencyCapacity+1)
	next = append(next, emoji)
	for _, e := range r.items {
		if e != emoji {
			next = append(next, e)
		}
	}
	if len(next) > RecencyCapacity {
		next = next[:RecencyCapacity]
	}
	r.items = next

	if err := r.store.PutRecentEmojis(ctx, next); err != nil {
		r.logger.Warn().Err(err).Msg("persist recent emojis failed")
	}
}

// List returns a copy of the current list, padded with default seed
// entries so callers always receive a full suggestion set.
func (r *Recency) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, RecencyCapacity)
	out = append(out, r.items...)
	for _, e := range DefaultSeed {
		if len(out) >= RecencyCapacity {
			break
		}
		if !containsString(out, e) {
			out = append(out, e)
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
