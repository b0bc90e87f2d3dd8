package reaction

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type memRecencyStore struct {
	mu      sync.Mutex
	emojis  []string
	puts    int
	failPut bool
}

func (s *memRecencyStore) PutRecentEmojis(_ context.Context, emojis []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut {
		return errors.New("store unavailable")
	}
	s.emojis = append([]string(nil), emojis...)
	s.puts++
	return nil
}

func (s *memRecencyStore) RecentEmojis(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.emojis...), nil
}

func newTestRecency(t *testing.T, store *memRecencyStore) *Recency {
	t.Helper()
	r, err := LoadRecency(context.Background(), store, zerolog.Nop())
	if err != nil {
		t.Fatalf("LoadRecency: %v", err)
	}
	return r
}

func TestRecencySeedOnFirstRun(t *testing.T) {
	r := newTestRecency(t, &memRecencyStore{})
	if got := r.List(); !reflect.DeepEqual(got, DefaultSeed) {
		t.Fatalf("first run list = %v, want seed %v", got, DefaultSeed)
	}
}

func TestRecencyScenario(t *testing.T) {
	ctx := context.Background()
	r := newTestRecency(t, &memRecencyStore{})

	// Seed [😀,👍,🎉]; insert 🎉, 😀, 🎉.
	r.InsertFront(ctx, "🎉")
	r.InsertFront(ctx, "😀")
	r.InsertFront(ctx, "🎉")

	want := []string{"🎉", "😀", "👍"}
	if got := r.List(); !reflect.DeepEqual(got, want) {
		t.Fatalf("list = %v, want %v", got, want)
	}
}

func TestRecencyMoveToFrontKeepsLength(t *testing.T) {
	ctx := context.Background()
	r := newTestRecency(t, &memRecencyStore{})

	before := len(r.List())
	r.InsertFront(ctx, "👍")
	got := r.List()

	if len(got) != before {
		t.Fatalf("length changed: %d -> %d", before, len(got))
	}
	if got[0] != "👍" {
		t.Fatalf("front = %q, want 👍", got[0])
	}
}

func TestRecencyOverflowDropsOldest(t *testing.T) {
	ctx := context.Background()
	r := newTestRecency(t, &memRecencyStore{})

	r.InsertFront(ctx, "🔥")

	got := r.List()
	if len(got) != RecencyCapacity {
		t.Fatalf("length = %d, want %d", len(got), RecencyCapacity)
	}
	if got[0] != "🔥" {
		t.Fatalf("front = %q, want 🔥", got[0])
	}
	for _, e := range got {
		if e == "🎉" {
			t.Fatal("oldest entry should have been dropped")
		}
	}
}

func TestRecencySurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := &memRecencyStore{}

	r := newTestRecency(t, store)
	r.InsertFront(ctx, "🔥")
	if store.puts == 0 {
		t.Fatal("InsertFront should persist")
	}

	restarted := newTestRecency(t, store)
	if got := restarted.List(); got[0] != "🔥" {
		t.Fatalf("restart lost recency: %v", got)
	}
}

func TestRecencyPadsShortList(t *testing.T) {
	store := &memRecencyStore{emojis: []string{"🔥"}}
	r := newTestRecency(t, store)

	got := r.List()
	if len(got) != RecencyCapacity {
		t.Fatalf("length = %d, want %d", len(got), RecencyCapacity)
	}
	if got[0] != "🔥" {
		t.Fatalf("front = %q, want 🔥", got[0])
	}
	seen := map[string]bool{}
	for _, e := range got {
		if seen[e] {
			t.Fatalf("duplicate %q in padded list %v", e, got)
		}
		seen[e] = true
	}
}

func TestRecencyIgnoresInvalidEmoji(t *testing.T) {
	ctx := context.Background()
	r := newTestRecency(t, &memRecencyStore{})

	before := r.List()
	r.InsertFront(ctx, "")
	r.InsertFront(ctx, "not an emoji")

	if got := r.List(); !reflect.DeepEqual(got, before) {
		t.Fatalf("invalid input mutated list: %v", got)
	}
}

func TestRecencyPersistFailureKeepsList(t *testing.T) {
	ctx := context.Background()
	store := &memRecencyStore{failPut: true}
	r := newTestRecency(t, store)

	r.InsertFront(ctx, "🔥")
	if got := r.List(); got[0] != "🔥" {
		t.Fatalf("in-memory list should advance despite persist failure: %v", got)
	}
}
