// Package remotetest provides an in-memory remote store with failure
// injection, used by tests and by cache-only offline runs.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/veltalk/roomsync/domain"
	"github.com/veltalk/roomsync/remote"
)

// Operation names accepted by FailNext, Hold, and Calls.
const (
	OpPushMessage    = "push_message"
	OpUpdateMessage  = "update_message"
	OpDeleteMessage  = "delete_message"
	OpPushReaction   = "push_reaction"
	OpRemoveReaction = "remove_reaction"
	OpFetchChanges   = "fetch_changes"
	OpFetchReactions = "fetch_reactions"
	OpResolveProfile = "resolve_profile"
)

type logEntry struct {
	seq  int64
	kind string // "upsert" or "delete"
	id   string
}

type fakeRoom struct {
	seq int64
	log []logEntry
}

type failure struct {
	remaining int // negative means until cleared
	err       error
}

// Fake is an in-memory remote.Store. Every mutation is recorded in a
// per-room changelog, so pushed records come back as echoes through
// FetchChanges exactly like an eventually-consistent store would
// return them.
type Fake struct {
	mu        sync.Mutex
	nextID    int
	msgs      map[string]remote.Message
	rooms     map[string]*fakeRoom
	reactions map[string][]domain.ReactionRecord
	profiles  map[string]string
	failures  map[string]*failure
	holds     map[string]chan struct{}
	calls     map[string]int

	// BatchSize bounds FetchChanges results; zero means unbounded.
	BatchSize int
}

func NewFake() *Fake {
	return &Fake{
		msgs:      make(map[string]remote.Message),
		rooms:     make(map[string]*fakeRoom),
		reactions: make(map[string][]domain.ReactionRecord),
		profiles:  make(map[string]string),
		failures:  make(map[string]*failure),
		holds:     make(map[string]chan struct{}),
		calls:     make(map[string]int),
	}
}

// FailNext makes the next n calls of op fail. A negative n keeps the
// op failing until ClearFailures. A nil err injects a transient error.
func (f *Fake) FailNext(op string, n int, err error) {
	if err == nil {
		err = domain.Transient(errors.New("injected failure"))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = &failure{remaining: n, err: err}
}

// ClearFailures removes all injected failures.
func (f *Fake) ClearFailures() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = make(map[string]*failure)
}

// Hold blocks calls of op until the returned release function runs.
// The block ignores context cancellation, modelling a slow transport
// that eventually completes.
func (f *Fake) Hold(op string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.holds[op] = ch
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.holds, op)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Calls reports how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) enter(op string) error {
	f.mu.Lock()
	f.calls[op]++
	hold := f.holds[op]
	var injected error
	if fl := f.failures[op]; fl != nil && fl.remaining != 0 {
		if fl.remaining > 0 {
			fl.remaining--
		}
		injected = fl.err
	}
	f.mu.Unlock()

	if hold != nil {
		<-hold
	}
	return injected
}

func (f *Fake) room(roomID string) *fakeRoom {
	r, ok := f.rooms[roomID]
	if !ok {
		r = &fakeRoom{}
		f.rooms[roomID] = r
	}
	return r
}

func (f *Fake) appendLog(roomID, kind, id string) {
	r := f.room(roomID)
	r.seq++
	r.log = append(r.log, logEntry{seq: r.seq, kind: kind, id: id})
}

// Seed installs a server-side record, such as a counterpart's message,
// and returns its remote ID.
func (f *Fake) Seed(msg remote.Message) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.RemoteID == "" {
		f.nextID++
		msg.RemoteID = fmt.Sprintf("R%d", f.nextID)
	}
	f.msgs[msg.RemoteID] = msg
	f.appendLog(msg.RoomID, "upsert", msg.RemoteID)
	return msg.RemoteID
}

// SeedMessage is Seed with the common fields spelled out.
func (f *Fake) SeedMessage(roomID, senderID, body string, createdAt int64) string {
	return f.Seed(remote.Message{
		RoomID:    roomID,
		SenderID:  senderID,
		Body:      body,
		CreatedAt: createdAt,
	})
}

// SetProfile installs a resolvable display profile.
func (f *Fake) SetProfile(userID, displayName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[userID] = displayName
}

// RoomMessages returns the room's current records in creation order.
func (f *Fake) RoomMessages(roomID string) []remote.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []remote.Message
	for _, m := range f.msgs {
		if m.RoomID == roomID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].RemoteID < out[j].RemoteID
	})
	return out
}

func (f *Fake) PushMessage(_ context.Context, msg domain.Message) (string, error) {
	if err := f.enter(OpPushMessage); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("R%d", f.nextID)
	f.msgs[id] = remote.Message{
		RemoteID:  id,
		RoomID:    msg.RoomID,
		SenderID:  msg.SenderID,
		Body:      msg.Body,
		AssetRef:  msg.AssetRef,
		CreatedAt: msg.CreatedAt,
	}
	f.appendLog(msg.RoomID, "upsert", id)
	return id, nil
}

func (f *Fake) UpdateMessage(_ context.Context, remoteID, body string) error {
	if err := f.enter(OpUpdateMessage); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[remoteID]
	if !ok {
		return domain.Conflict(fmt.Errorf("message %s is gone", remoteID))
	}
	m.Body = body
	m.Edited = true
	f.msgs[remoteID] = m
	f.appendLog(m.RoomID, "upsert", remoteID)
	return nil
}

func (f *Fake) DeleteMessage(_ context.Context, remoteID string) error {
	if err := f.enter(OpDeleteMessage); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[remoteID]
	if !ok {
		return nil
	}
	delete(f.msgs, remoteID)
	delete(f.reactions, "r:"+remoteID)
	f.appendLog(m.RoomID, "delete", remoteID)
	return nil
}

func (f *Fake) PushReaction(_ context.Context, ref domain.MessageRef, userID, emoji string, ts int64) error {
	if err := f.enter(OpPushReaction); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if ref.RemoteID != "" {
		if _, ok := f.msgs[ref.RemoteID]; !ok {
			return domain.Conflict(fmt.Errorf("message %s is gone", ref.RemoteID))
		}
	}
	key := ref.Key()
	for _, r := range f.reactions[key] {
		if r.UserID == userID && r.Emoji == emoji {
			return nil
		}
	}
	f.reactions[key] = append(f.reactions[key], domain.ReactionRecord{
		Ref:       ref,
		UserID:    userID,
		Emoji:     emoji,
		CreatedAt: ts,
	})
	return nil
}

func (f *Fake) RemoveReaction(_ context.Context, ref domain.MessageRef, userID, emoji string) error {
	if err := f.enter(OpRemoveReaction); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ref.Key()
	recs := f.reactions[key]
	for i, r := range recs {
		if r.UserID == userID && r.Emoji == emoji {
			f.reactions[key] = append(recs[:i:i], recs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *Fake) FetchChanges(_ context.Context, roomID, cursor string) (remote.ChangeBatch, error) {
	if err := f.enter(OpFetchChanges); err != nil {
		return remote.ChangeBatch{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var since int64
	if cursor != "" {
		v, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return remote.ChangeBatch{}, fmt.Errorf("bad cursor %q: %w", cursor, err)
		}
		since = v
	}

	batch := remote.ChangeBatch{NextCursor: cursor}
	consumed := 0
	for _, e := range f.room(roomID).log {
		if e.seq <= since {
			continue
		}
		if f.BatchSize > 0 && consumed >= f.BatchSize {
			break
		}
		switch e.kind {
		case "upsert":
			if m, ok := f.msgs[e.id]; ok {
				batch.Messages = append(batch.Messages, m)
			}
		case "delete":
			batch.Deletions = append(batch.Deletions, e.id)
		}
		batch.NextCursor = strconv.FormatInt(e.seq, 10)
		consumed++
	}
	return batch, nil
}

func (f *Fake) FetchReactions(_ context.Context, ref domain.MessageRef) ([]domain.ReactionRecord, error) {
	if err := f.enter(OpFetchReactions); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	recs := f.reactions[ref.Key()]
	out := make([]domain.ReactionRecord, len(recs))
	copy(out, recs)
	return out, nil
}

func (f *Fake) ResolveProfile(_ context.Context, userID string) (*domain.Profile, error) {
	if err := f.enter(OpResolveProfile); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name, ok := f.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &domain.Profile{UserID: userID, DisplayName: name}, nil
}
