package client

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/veltalk/roomsync/domain"
	"github.com/veltalk/roomsync/remote/remotetest"
)

// seedSyncedMessage installs a counterpart message and opens the room
// far enough that the session holds its synced copy.
func seedSyncedMessage(t *testing.T, fake *remotetest.Fake, c *Client, roomID string) (*Session, domain.Message) {
	t.Helper()
	fake.SeedMessage(roomID, "them", "hello", 1000)
	s := openRoom(t, c, roomID)
	waitFor(t, "initial sync", func() bool { return len(s.Messages()) == 1 })
	return s, s.Messages()[0]
}

func TestToggleRoundTrip(t *testing.T) {
	fake := remotetest.NewFake()
	c := testClient(t, fake, nil)
	s, msg := seedSyncedMessage(t, fake, c, "room-1")
	rc := s.Reactions()

	sum, err := rc.Toggle(context.Background(), msg, "😀")
	if err != nil {
		t.Fatalf("Toggle add: %v", err)
	}
	if sum.Count("😀") != 1 {
		t.Fatalf("count after add = %d", sum.Count("😀"))
	}
	if len(sum.Rows) != 1 || sum.Rows[0].UserID != "me" || !reflect.DeepEqual(sum.Rows[0].Emojis, []string{"😀"}) {
		t.Fatalf("rows after add = %+v", sum.Rows)
	}

	waitFor(t, "add confirmation", func() bool {
		recs, err := fake.FetchReactions(context.Background(), msg.Ref())
		return err == nil && len(recs) == 1 && recs[0].UserID == "me"
	})

	sum, err = rc.Toggle(context.Background(), msg, "😀")
	if err != nil {
		t.Fatalf("Toggle remove: %v", err)
	}
	if sum.Count("😀") != 0 || len(sum.Rows) != 0 {
		t.Fatalf("summary after remove = %+v", sum)
	}

	waitFor(t, "remove confirmation", func() bool {
		recs, err := fake.FetchReactions(context.Background(), msg.Ref())
		return err == nil && len(recs) == 0
	})
}

func TestSummaryCountsAndOrdering(t *testing.T) {
	fake := remotetest.NewFake()
	rid := fake.SeedMessage("room-1", "them", "hello", 1000)

	// Display names deliberately disagree with user-ID order; carol-id
	// stays unresolved and sorts by the raw ID.
	ref := domain.MessageRef{RemoteID: rid}
	ctx := context.Background()
	if err := fake.PushReaction(ctx, ref, "bob-id", "😀", 100); err != nil {
		t.Fatal(err)
	}
	if err := fake.PushReaction(ctx, ref, "alice-id", "😀", 200); err != nil {
		t.Fatal(err)
	}
	if err := fake.PushReaction(ctx, ref, "carol-id", "😀", 300); err != nil {
		t.Fatal(err)
	}
	fake.SetProfile("bob-id", "Anna")
	fake.SetProfile("alice-id", "zoe")
	fake.SetProfile("me", "Mira")

	c := testClient(t, fake, nil)
	s := openRoom(t, c, "room-1")
	waitFor(t, "initial sync", func() bool { return len(s.Messages()) == 1 })
	msg := s.Messages()[0]
	rc := s.Reactions()

	if _, err := rc.Toggle(ctx, msg, "😀"); err != nil {
		t.Fatalf("Toggle 😀: %v", err)
	}
	sum, err := rc.Toggle(ctx, msg, "👍")
	if err != nil {
		t.Fatalf("Toggle 👍: %v", err)
	}

	if sum.Count("😀") != 4 || sum.Count("👍") != 1 {
		t.Fatalf("counts = %v", sum.Counts)
	}
	if sum.Count("🎉") != 0 {
		t.Fatalf("absent emoji counts %d", sum.Count("🎉"))
	}

	var order []string
	for _, r := range sum.Rows {
		order = append(order, r.UserID)
	}
	// Requesting user first, then case-insensitive display name with
	// raw-ID fallback: anna < carol-id < zoe.
	want := []string{"me", "bob-id", "carol-id", "alice-id"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("row order = %v, want %v", order, want)
	}
	if !reflect.DeepEqual(sum.Rows[0].Emojis, []string{"😀", "👍"}) {
		t.Fatalf("own emojis = %v, want application order", sum.Rows[0].Emojis)
	}
	if sum.Rows[0].DisplayName != "Mira" || sum.Rows[1].DisplayName != "Anna" {
		t.Fatalf("display names = %+v", sum.Rows)
	}
	if sum.Rows[2].DisplayName != "" {
		t.Fatalf("unresolved user got name %q", sum.Rows[2].DisplayName)
	}
}

func TestToggleRollsBackOnTerminalFailure(t *testing.T) {
	fake := remotetest.NewFake()
	c := testClient(t, fake, nil)
	s, msg := seedSyncedMessage(t, fake, c, "room-1")
	rc := s.Reactions()

	fake.FailNext(remotetest.OpPushReaction, -1, nil)
	events := s.Events(context.Background())

	sum, err := rc.Toggle(context.Background(), msg, "😀")
	if err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if sum.Count("😀") != 1 {
		t.Fatalf("optimistic count = %d", sum.Count("😀"))
	}

	mf := awaitMutationFailed(t, events)
	if mf.Op != domain.OpReactionAdd || mf.Ref.RemoteID != msg.RemoteID {
		t.Fatalf("MutationFailed = %+v", mf)
	}
	if !domain.IsTransient(mf.Err) {
		t.Fatalf("failure cause = %v", mf.Err)
	}

	after, err := rc.Summary(context.Background(), msg, false)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if after.Count("😀") != 0 {
		t.Fatalf("rollback left count %d", after.Count("😀"))
	}
}

func TestToggleGroupPartialFailure(t *testing.T) {
	fake := remotetest.NewFake()
	fake.SeedMessage("room-1", "them", "one", 1000)
	fake.SeedMessage("room-1", "them", "two", 2000)

	c := testClient(t, fake, nil)
	s := openRoom(t, c, "room-1")
	waitFor(t, "initial sync", func() bool { return len(s.Messages()) == 2 })
	msgs := s.Messages()
	rc := s.Reactions()

	// The second message disappears remotely before the group toggle.
	if err := fake.DeleteMessage(context.Background(), msgs[1].RemoteID); err != nil {
		t.Fatal(err)
	}

	failed, err := rc.ToggleGroup(context.Background(), msgs, "👍")
	if err != nil {
		t.Fatalf("ToggleGroup: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("failed = %v, want one entry", failed)
	}
	if cause, ok := failed[msgs[1].LocalID]; !ok || !domain.IsConflict(cause) {
		t.Fatalf("failure for second message = %v", failed)
	}

	recs, err := fake.FetchReactions(context.Background(), msgs[0].Ref())
	if err != nil || len(recs) != 1 {
		t.Fatalf("first message remote records = %+v (%v)", recs, err)
	}
	gone, err := rc.Summary(context.Background(), msgs[1], false)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if gone.Count("👍") != 0 {
		t.Fatalf("failed toggle not rolled back: %v", gone.Counts)
	}

	// The conflict triggers a refresh that drops the vanished message.
	waitFor(t, "conflict refresh", func() bool { return len(s.Messages()) == 1 })
	if got := s.Messages()[0].Body; got != "one" {
		t.Fatalf("surviving message = %q", got)
	}

	// The successful half still counts as emoji use.
	if got := rc.SuggestedEmojis(); got[0] != "👍" {
		t.Fatalf("suggestions = %v", got)
	}
}

func TestSuggestedEmojisFlow(t *testing.T) {
	fake := remotetest.NewFake()
	c := testClient(t, fake, nil)
	s, msg := seedSyncedMessage(t, fake, c, "room-1")
	rc := s.Reactions()

	if got := rc.SuggestedEmojis(); !reflect.DeepEqual(got, []string{"😀", "👍", "🎉"}) {
		t.Fatalf("seed suggestions = %v", got)
	}

	if _, err := rc.Toggle(context.Background(), msg, "🎂"); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	waitFor(t, "confirmed toggle to rank", func() bool {
		return rc.SuggestedEmojis()[0] == "🎂"
	})

	if err := rc.RecordRecentEmoji(context.Background(), "🚀"); err != nil {
		t.Fatalf("RecordRecentEmoji: %v", err)
	}
	if got := rc.SuggestedEmojis(); !reflect.DeepEqual(got, []string{"🚀", "🎂", "😀"}) {
		t.Fatalf("suggestions = %v", got)
	}

	if err := rc.RecordRecentEmoji(context.Background(), "nope"); !errors.Is(err, domain.ErrNotOneEmoji) {
		t.Fatalf("invalid emoji: %v", err)
	}
}

func TestSummaryForceRefetches(t *testing.T) {
	fake := remotetest.NewFake()
	fake.SetProfile("carol-id", "Carol")
	c := testClient(t, fake, nil)
	s, msg := seedSyncedMessage(t, fake, c, "room-1")
	rc := s.Reactions()

	sum, err := rc.Summary(context.Background(), msg, false)
	if err != nil || len(sum.Rows) != 0 {
		t.Fatalf("initial summary = %+v (%v)", sum, err)
	}

	// A reaction lands remotely after the first load.
	err = fake.PushReaction(context.Background(), domain.MessageRef{RemoteID: msg.RemoteID}, "carol-id", "🔥", 500)
	if err != nil {
		t.Fatal(err)
	}

	held, err := rc.Summary(context.Background(), msg, false)
	if err != nil {
		t.Fatalf("held summary: %v", err)
	}
	if held.Count("🔥") != 0 {
		t.Fatal("summary refetched without force")
	}

	fresh, err := rc.Summary(context.Background(), msg, true)
	if err != nil {
		t.Fatalf("forced summary: %v", err)
	}
	if fresh.Count("🔥") != 1 || len(fresh.Rows) != 1 {
		t.Fatalf("forced summary = %+v", fresh)
	}
	if fresh.Rows[0].DisplayName != "Carol" {
		t.Fatalf("row = %+v", fresh.Rows[0])
	}
}

func TestReactionsNeedRemoteIdentity(t *testing.T) {
	fake := remotetest.NewFake()
	fake.FailNext(remotetest.OpPushMessage, -1, nil)
	c := testClient(t, fake, nil)
	s := openRoom(t, c, "room-1")
	rc := s.Reactions()

	m, err := s.Send(context.Background(), "unconfirmed")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if _, err := rc.Toggle(context.Background(), m, "😀"); !errors.Is(err, domain.ErrNotSynced) {
		t.Fatalf("Toggle on unsynced: %v", err)
	}

	sum, err := rc.Summary(context.Background(), m, false)
	if err != nil || len(sum.Rows) != 0 {
		t.Fatalf("unsynced summary = %+v (%v)", sum, err)
	}

	failed, err := rc.ToggleGroup(context.Background(), []domain.Message{m}, "😀")
	if err != nil {
		t.Fatalf("ToggleGroup: %v", err)
	}
	if !errors.Is(failed[m.LocalID], domain.ErrNotSynced) {
		t.Fatalf("group failure = %v", failed)
	}
	if fake.Calls(remotetest.OpPushReaction) != 0 {
		t.Fatal("unsynced toggle reached the remote store")
	}
}
