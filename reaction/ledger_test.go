package reaction

import (
	"reflect"
	"testing"

	"github.com/veltalk/roomsync/domain"
)

func ref(remoteID string) domain.MessageRef {
	return domain.MessageRef{RemoteID: remoteID}
}

func TestToggleRoundTrip(t *testing.T) {
	l := NewLedger()
	r := ref("R1")

	before := l.Summary(r)

	if added := l.Toggle(r, "alice", "😀", 1000); !added {
		t.Fatal("first toggle should add")
	}
	if !l.Has(r, "alice", "😀") {
		t.Fatal("triple missing after add")
	}

	if added := l.Toggle(r, "alice", "😀", 2000); added {
		t.Fatal("second toggle should remove")
	}

	after := l.Summary(r)
	if len(after.Rows) != len(before.Rows) || after.Count("😀") != before.Count("😀") {
		t.Fatalf("toggle round-trip changed summary: before %+v after %+v", before, after)
	}
}

func TestCountsAreDistinctUsers(t *testing.T) {
	l := NewLedger()
	r := ref("R1")

	l.Toggle(r, "alice", "😀", 1)
	l.Toggle(r, "alice", "👍", 2)
	l.Toggle(r, "bob", "😀", 3)

	s := l.Summary(r)
	if s.Count("😀") != 2 {
		t.Fatalf("😀 count = %d, want 2", s.Count("😀"))
	}
	if s.Count("👍") != 1 {
		t.Fatalf("👍 count = %d, want 1", s.Count("👍"))
	}
	if s.Count("🎉") != 0 {
		t.Fatalf("absent emoji count = %d, want 0", s.Count("🎉"))
	}

	// Per-user emojis keep application order.
	if len(s.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(s.Rows))
	}
	if s.Rows[0].UserID != "alice" || !reflect.DeepEqual(s.Rows[0].Emojis, []string{"😀", "👍"}) {
		t.Fatalf("alice row wrong: %+v", s.Rows[0])
	}
}

func TestReplaceCollapsesDuplicates(t *testing.T) {
	l := NewLedger()
	r := ref("R1")

	l.Replace(r, []domain.ReactionRecord{
		{Ref: r, UserID: "alice", Emoji: "😀", CreatedAt: 1},
		{Ref: r, UserID: "alice", Emoji: "😀", CreatedAt: 5},
		{Ref: r, UserID: "bob", Emoji: "😀", CreatedAt: 2},
	})

	s := l.Summary(r)
	if s.Count("😀") != 2 {
		t.Fatalf("count = %d, want 2 distinct users", s.Count("😀"))
	}
	if got := len(l.Records(r)); got != 2 {
		t.Fatalf("records = %d, want 2", got)
	}
}

func TestReplaceInstallsKnownEmptySet(t *testing.T) {
	l := NewLedger()
	r := ref("R2")

	if l.Known(r) {
		t.Fatal("fresh ref should be unknown")
	}
	l.Replace(r, nil)
	if !l.Known(r) {
		t.Fatal("replaced ref should be known even when empty")
	}

	l.Drop(r)
	if l.Known(r) {
		t.Fatal("dropped ref should be unknown again")
	}
}

func TestRecordsReturnsCopy(t *testing.T) {
	l := NewLedger()
	r := ref("R1")
	l.Toggle(r, "alice", "😀", 1)

	recs := l.Records(r)
	recs[0].Emoji = "💥"

	if !l.Has(r, "alice", "😀") {
		t.Fatal("mutating the returned slice must not affect the ledger")
	}
}
