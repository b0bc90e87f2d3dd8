package client

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/veltalk/roomsync/cache"
	"github.com/veltalk/roomsync/domain"
	"github.com/veltalk/roomsync/internal/metrics"
	"github.com/veltalk/roomsync/pkg/log"
	"github.com/veltalk/roomsync/remote"
)

// echoWindowMs bounds the timestamp distance inside which a fetched
// self-authored record may be adopted by an unconfirmed local send.
const echoWindowMs = 5000

// Session owns one room's message sequence: the optimistic local view,
// its reconciliation against remote fetches, and the queue of
// unconfirmed mutations. Obtained from Client.OpenRoom; all methods
// are safe for concurrent use.
type Session struct {
	room   domain.Room
	selfID string

	store  remote.Store
	cache  cache.Store
	events *eventHub
	outbox *outbox
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	messages       []domain.Message
	pendingDeletes map[string]domain.Message // remote ID -> record removed locally, delete unconfirmed
	cursor         string
	closed         bool

	refreshSF singleflight.Group
	limiter   *rate.Limiter

	reactions *ReactionCoordinator
	detach    func()
	closeOnce sync.Once
}

// Room returns the room this session serves.
func (s *Session) Room() domain.Room {
	return s.room
}

// Reactions returns the room's reaction coordinator.
func (s *Session) Reactions() *ReactionCoordinator {
	return s.reactions
}

// Events returns a stream of this room's events. The channel closes
// when ctx ends or the session closes; a subscriber that stops reading
// loses events rather than blocking the session.
func (s *Session) Events(ctx context.Context) <-chan domain.Event {
	return s.events.subscribe(ctx)
}

// Messages returns the current ordered snapshot: creation timestamp
// order with a stable local-ID tie-break. The returned slice is a
// copy and is never mutated afterwards.
func (s *Session) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Send appends a text message locally and queues it for remote
// confirmation. The returned message is immediately visible in
// Pending state; a terminal push failure keeps it visible as Failed
// and emits a MutationFailed event.
func (s *Session) Send(ctx context.Context, body string) (domain.Message, error) {
	if strings.TrimSpace(body) == "" {
		return domain.Message{}, domain.ErrEmptyMessage
	}
	return s.send(ctx, body, "")
}

// SendAsset appends a message carrying an opaque asset reference.
func (s *Session) SendAsset(ctx context.Context, assetRef string) (domain.Message, error) {
	if strings.TrimSpace(assetRef) == "" {
		return domain.Message{}, domain.ErrEmptyMessage
	}
	return s.send(ctx, "", assetRef)
}

func (s *Session) send(ctx context.Context, body, assetRef string) (domain.Message, error) {
	msg := domain.Message{
		LocalID:   domain.NewLocalID(),
		RoomID:    s.room.ID,
		SenderID:  s.selfID,
		Body:      body,
		AssetRef:  assetRef,
		CreatedAt: time.Now().UnixMilli(),
		State:     domain.StatePending,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.Message{}, domain.ErrRoomClosed
	}
	s.insertLocked(msg)
	s.persistLocked(msg)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publishMessages(snap)
	s.enqueuePush(msg.LocalID)
	return msg, nil
}

// Edit rewrites the body of a self-authored message. The rewrite is
// immediate and local; remote reconciliation follows asynchronously.
// Editing another user's message fails with ErrEditNotAllowed and
// changes nothing.
func (s *Session) Edit(ctx context.Context, localID, body string) error {
	if strings.TrimSpace(body) == "" {
		return domain.ErrEmptyMessage
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrRoomClosed
	}
	idx := s.findLocalLocked(localID)
	if idx < 0 {
		s.mu.Unlock()
		return domain.ErrUnknownMessage
	}
	m := &s.messages[idx]
	if m.SenderID != s.selfID {
		s.mu.Unlock()
		return domain.ErrEditNotAllowed
	}
	m.Body = body
	m.Edited = true
	hasRemote := m.RemoteID != ""
	if hasRemote {
		m.State = domain.StatePending
	}
	s.persistLocked(*m)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publishMessages(snap)
	if hasRemote {
		// An unconfirmed send needs no separate op: each push attempt
		// reads the body it sends at attempt time.
		s.enqueueUpdate(localID)
	}
	return nil
}

// Delete removes the message locally at once and queues the remote
// delete. If the remote delete ultimately fails the message is
// restored at its original position and the failure is surfaced.
func (s *Session) Delete(ctx context.Context, localID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrRoomClosed
	}
	idx := s.findLocalLocked(localID)
	if idx < 0 {
		s.mu.Unlock()
		return domain.ErrUnknownMessage
	}
	msg := s.messages[idx]
	s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
	if msg.RemoteID != "" {
		s.pendingDeletes[msg.RemoteID] = msg
	}
	s.deleteCachedLocked(msg.LocalID)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publishMessages(snap)
	s.reactions.forget(msg.Ref())
	if msg.RemoteID != "" {
		s.enqueueDelete(msg.RemoteID)
	}
	return nil
}

// Refresh pulls and merges remote changes from the room's cursor until
// the remote has nothing newer. Concurrent callers share one in-flight
// run. With no new remote data the sequence is untouched and no
// snapshot is published.
func (s *Session) Refresh(ctx context.Context) error {
	if s.isClosed() {
		return domain.ErrRoomClosed
	}

	_, err, _ := s.refreshSF.Do("refresh", func() (interface{}, error) {
		return nil, s.refresh(ctx)
	})
	if err != nil {
		metrics.Refreshes.WithLabelValues("error").Inc()
		s.events.publish(domain.SyncFailed{RoomID: s.room.ID, Err: err})
		return err
	}
	metrics.Refreshes.WithLabelValues("ok").Inc()
	return nil
}

func (s *Session) refresh(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return domain.ErrRoomClosed
		}
		cursor := s.cursor
		s.mu.Unlock()

		batch, err := s.store.FetchChanges(ctx, s.room.ID, cursor)
		if err != nil {
			return fmt.Errorf("fetch changes: %w", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return domain.ErrRoomClosed
		}
		res := s.mergeLocked(batch)
		s.cursor = batch.NextCursor
		if batch.NextCursor != cursor {
			if err := s.cache.PutCursor(s.ctx, s.room.ID, batch.NextCursor); err != nil {
				s.logger.Warn().Err(err).Str(log.FieldCursor, batch.NextCursor).Msg("persist cursor failed")
			}
		}
		var snap []domain.Message
		if res.changed {
			snap = s.snapshotLocked()
		}
		s.mu.Unlock()

		for _, localID := range res.updates {
			s.enqueueUpdate(localID)
		}
		if len(res.dropped) > 0 {
			s.reactions.forget(res.dropped...)
		}
		if res.changed {
			s.publishMessages(snap)
		}
		if batch.Empty() {
			return nil
		}
	}
}

type mergeResult struct {
	changed bool
	updates []string            // local IDs whose body must be reconciled remotely
	dropped []domain.MessageRef // records removed by remote deletions
}

// mergeLocked applies one fetched batch in order: records already
// known by remote ID update in place, unconfirmed local sends matching
// the content signature adopt the fetched identity, everything else
// inserts as new. Deletions remove by remote ID and are a no-op for
// unknown IDs.
func (s *Session) mergeLocked(batch remote.ChangeBatch) mergeResult {
	var res mergeResult

	for _, rm := range batch.Messages {
		if _, dropping := s.pendingDeletes[rm.RemoteID]; dropping {
			metrics.MergeRecords.WithLabelValues("skipped").Inc()
			continue
		}

		if idx := s.findRemoteLocked(rm.RemoteID); idx >= 0 {
			m := &s.messages[idx]
			if m.Body == rm.Body && m.Edited == rm.Edited && m.AssetRef == rm.AssetRef {
				metrics.MergeRecords.WithLabelValues("noop").Inc()
				continue
			}
			m.Body = rm.Body
			m.Edited = rm.Edited
			m.AssetRef = rm.AssetRef
			m.State = domain.StateSynced
			s.persistLocked(*m)
			res.changed = true
			metrics.MergeRecords.WithLabelValues("updated").Inc()
			continue
		}

		if idx := s.findEchoLocked(rm); idx >= 0 {
			m := &s.messages[idx]
			m.RemoteID = rm.RemoteID
			if m.Body == rm.Body {
				m.State = domain.StateSynced
			} else {
				// Edited after the push left; reconcile remotely.
				m.State = domain.StatePending
				res.updates = append(res.updates, m.LocalID)
			}
			s.persistLocked(*m)
			res.changed = true
			metrics.MergeRecords.WithLabelValues("adopted").Inc()
			continue
		}

		msg := domain.Message{
			LocalID:   domain.NewLocalIDAt(rm.CreatedAt),
			RoomID:    s.room.ID,
			SenderID:  rm.SenderID,
			Body:      rm.Body,
			AssetRef:  rm.AssetRef,
			CreatedAt: rm.CreatedAt,
			RemoteID:  rm.RemoteID,
			Edited:    rm.Edited,
			State:     domain.StateSynced,
		}
		s.insertLocked(msg)
		s.persistLocked(msg)
		res.changed = true
		metrics.MergeRecords.WithLabelValues("inserted").Inc()
	}

	for _, rid := range batch.Deletions {
		if _, pending := s.pendingDeletes[rid]; pending {
			// Our own delete coming back; already applied locally.
			delete(s.pendingDeletes, rid)
			continue
		}
		idx := s.findRemoteLocked(rid)
		if idx < 0 {
			continue
		}
		m := s.messages[idx]
		s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
		s.deleteCachedLocked(m.LocalID)
		res.dropped = append(res.dropped, m.Ref())
		res.changed = true
		metrics.MergeRecords.WithLabelValues("deleted").Inc()
	}

	return res
}

// findEchoLocked matches a fetched self-authored record against an
// unconfirmed local send with the same content, so a lost ack does not
// duplicate the message.
func (s *Session) findEchoLocked(rm remote.Message) int {
	if rm.SenderID != s.selfID {
		return -1
	}
	for i := range s.messages {
		m := &s.messages[i]
		if m.RemoteID != "" || m.SenderID != s.selfID {
			continue
		}
		if m.Body != rm.Body || m.AssetRef != rm.AssetRef {
			continue
		}
		d := m.CreatedAt - rm.CreatedAt
		if d < 0 {
			d = -d
		}
		if d <= echoWindowMs {
			return i
		}
	}
	return -1
}

func (s *Session) enqueuePush(localID string) {
	op := &outboxOp{
		op:      domain.OpSend,
		attempt: func(ctx context.Context) error { return s.attemptPush(ctx, localID) },
		done:    func(err error) { s.pushDone(localID, err) },
	}
	if err := s.outbox.enqueue(op); err != nil {
		s.pushDone(localID, err)
	}
}

func (s *Session) attemptPush(ctx context.Context, localID string) error {
	s.mu.Lock()
	idx := s.findLocalLocked(localID)
	if idx < 0 || s.messages[idx].RemoteID != "" {
		// Deleted locally, or an echo already confirmed it.
		s.mu.Unlock()
		return nil
	}
	msg := s.messages[idx]
	s.mu.Unlock()

	remoteID, err := s.store.PushMessage(ctx, msg)
	if err != nil {
		s.markRetrying(localID)
		return err
	}

	s.mu.Lock()
	if s.closed {
		// Confirmation landed after close; drop it.
		s.mu.Unlock()
		return nil
	}
	idx = s.findLocalLocked(localID)
	if idx < 0 {
		// Deleted while the push was in flight; undo the remote copy.
		s.pendingDeletes[remoteID] = domain.Message{}
		s.mu.Unlock()
		s.enqueueDiscard(remoteID)
		return nil
	}
	m := &s.messages[idx]
	if m.RemoteID != "" {
		if m.RemoteID == remoteID {
			s.mu.Unlock()
			return nil
		}
		// A retried push committed twice and an echo adopted the first
		// copy; remove the second.
		s.pendingDeletes[remoteID] = domain.Message{}
		s.mu.Unlock()
		s.enqueueDiscard(remoteID)
		return nil
	}
	m.RemoteID = remoteID
	needsUpdate := m.Body != msg.Body
	if needsUpdate {
		m.State = domain.StatePending
	} else {
		m.State = domain.StateSynced
	}
	s.persistLocked(*m)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publishMessages(snap)
	if needsUpdate {
		s.enqueueUpdate(localID)
	}
	return nil
}

func (s *Session) pushDone(localID string, err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	idx := s.findLocalLocked(localID)
	if idx < 0 || s.messages[idx].RemoteID != "" {
		s.mu.Unlock()
		return
	}
	m := &s.messages[idx]
	m.State = domain.StateFailed
	s.persistLocked(*m)
	ref := m.Ref()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	metrics.MutationsFailed.WithLabelValues(string(domain.OpSend)).Inc()
	s.logger.Error().Err(err).Str(log.FieldMessageID, localID).Msg("send failed after retries")
	s.events.publish(domain.MutationFailed{RoomID: s.room.ID, Ref: ref, Op: domain.OpSend, Err: err})
	s.publishMessages(snap)
}

func (s *Session) enqueueUpdate(localID string) {
	op := &outboxOp{
		op:      domain.OpEdit,
		attempt: func(ctx context.Context) error { return s.attemptUpdate(ctx, localID) },
		done:    func(err error) { s.updateDone(localID, err) },
	}
	if err := s.outbox.enqueue(op); err != nil {
		s.updateDone(localID, err)
	}
}

func (s *Session) attemptUpdate(ctx context.Context, localID string) error {
	s.mu.Lock()
	idx := s.findLocalLocked(localID)
	if idx < 0 {
		s.mu.Unlock()
		return nil
	}
	msg := s.messages[idx]
	s.mu.Unlock()
	if msg.RemoteID == "" {
		// Still unconfirmed; the pending push carries the current body.
		return nil
	}

	if err := s.store.UpdateMessage(ctx, msg.RemoteID, msg.Body); err != nil {
		if domain.IsTransient(err) {
			s.markRetrying(localID)
		}
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	var snap []domain.Message
	if idx := s.findLocalLocked(localID); idx >= 0 {
		m := &s.messages[idx]
		if m.Body == msg.Body && m.State != domain.StateSynced {
			m.State = domain.StateSynced
			s.persistLocked(*m)
			snap = s.snapshotLocked()
		}
	}
	s.mu.Unlock()

	if snap != nil {
		s.publishMessages(snap)
	}
	return nil
}

func (s *Session) updateDone(localID string, err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var ref domain.MessageRef
	var snap []domain.Message
	if idx := s.findLocalLocked(localID); idx >= 0 {
		m := &s.messages[idx]
		m.State = domain.StateFailed
		s.persistLocked(*m)
		ref = m.Ref()
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()

	metrics.MutationsFailed.WithLabelValues(string(domain.OpEdit)).Inc()
	s.logger.Error().Err(err).Str(log.FieldMessageID, localID).Msg("edit failed after retries")
	if !ref.IsZero() {
		s.events.publish(domain.MutationFailed{RoomID: s.room.ID, Ref: ref, Op: domain.OpEdit, Err: err})
	}
	if snap != nil {
		s.publishMessages(snap)
	}
	if domain.IsConflict(err) {
		s.forceRefresh()
	}
}

func (s *Session) enqueueDelete(remoteID string) {
	op := &outboxOp{
		op:      domain.OpDelete,
		attempt: func(ctx context.Context) error { return s.store.DeleteMessage(ctx, remoteID) },
		done:    func(err error) { s.deleteDone(remoteID, err) },
	}
	if err := s.outbox.enqueue(op); err != nil {
		s.deleteDone(remoteID, err)
	}
}

func (s *Session) deleteDone(remoteID string, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	msg, pending := s.pendingDeletes[remoteID]
	delete(s.pendingDeletes, remoteID)
	if err == nil || !pending {
		s.mu.Unlock()
		return
	}
	// The remote still holds the record; bring it back where it was.
	s.insertLocked(msg)
	s.persistLocked(msg)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	metrics.MutationsFailed.WithLabelValues(string(domain.OpDelete)).Inc()
	s.logger.Error().Err(err).Str(log.FieldRemoteID, remoteID).Msg("delete failed after retries")
	s.events.publish(domain.MutationFailed{RoomID: s.room.ID, Ref: msg.Ref(), Op: domain.OpDelete, Err: err})
	s.publishMessages(snap)
	if domain.IsConflict(err) {
		s.forceRefresh()
	}
}

// enqueueDiscard removes a remote record that must not exist locally,
// such as a push that completed for a message deleted in the meantime.
// Unlike a user delete there is nothing to restore on failure; the
// tombstone stays so merges keep skipping the record.
func (s *Session) enqueueDiscard(remoteID string) {
	op := &outboxOp{
		op:      domain.OpDelete,
		attempt: func(ctx context.Context) error { return s.store.DeleteMessage(ctx, remoteID) },
		done:    func(err error) { s.discardDone(remoteID, err) },
	}
	if err := s.outbox.enqueue(op); err != nil {
		s.discardDone(remoteID, err)
	}
}

func (s *Session) discardDone(remoteID string, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if err == nil {
		delete(s.pendingDeletes, remoteID)
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldRemoteID, remoteID).Msg("orphaned remote record not removed")
	}
}

func (s *Session) markRetrying(localID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var snap []domain.Message
	if idx := s.findLocalLocked(localID); idx >= 0 {
		m := &s.messages[idx]
		if m.State == domain.StatePending {
			m.State = domain.StateRetrying
			s.persistLocked(*m)
			snap = s.snapshotLocked()
		}
	}
	s.mu.Unlock()
	if snap != nil {
		s.publishMessages(snap)
	}
}

// forceRefresh runs an asynchronous refresh after a conflict, pulling
// the remote truth that invalidated the local mutation.
func (s *Session) forceRefresh() {
	go func() {
		if err := s.Refresh(s.ctx); err != nil {
			s.logger.Debug().Err(err).Msg("conflict refresh failed")
		}
	}()
}

// boot loads the cached sequence and cursor so the room renders before
// any remote connectivity exists, then queues another push round for
// sends that never got confirmed.
func (s *Session) boot(ctx context.Context) {
	msgs, err := s.cache.Messages(ctx, s.room.ID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cached sequence unreadable, starting empty")
		msgs = nil
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })

	cursor, err := s.cache.Cursor(ctx, s.room.ID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cached cursor unreadable")
		cursor = ""
	}

	var resend []string
	s.mu.Lock()
	s.messages = msgs
	s.cursor = cursor
	for i := range s.messages {
		m := &s.messages[i]
		if m.RemoteID == "" && m.SenderID == s.selfID {
			m.State = domain.StatePending
			resend = append(resend, m.LocalID)
		}
	}
	s.mu.Unlock()

	for _, localID := range resend {
		s.enqueuePush(localID)
	}
	if len(msgs) > 0 || len(resend) > 0 {
		s.logger.Debug().Int("messages", len(msgs)).Int("unsent", len(resend)).Msg("room booted from cache")
	}
}

// Close ends the session: in-flight work is cancelled and late
// confirmations are dropped. The cached sequence stays on disk for the
// next open.
func (s *Session) Close() {
	if s.detach != nil {
		s.detach()
	}
	s.close()
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		s.outbox.stop()
		s.events.close()
		metrics.OpenRooms.Dec()
		s.logger.Info().Msg("room session closed")
	})
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) insertLocked(msg domain.Message) {
	i := sort.Search(len(s.messages), func(i int) bool { return msg.Before(s.messages[i]) })
	s.messages = append(s.messages, domain.Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = msg
}

func (s *Session) findLocalLocked(localID string) int {
	for i := range s.messages {
		if s.messages[i].LocalID == localID {
			return i
		}
	}
	return -1
}

func (s *Session) findRemoteLocked(remoteID string) int {
	for i := range s.messages {
		if s.messages[i].RemoteID == remoteID {
			return i
		}
	}
	return -1
}

func (s *Session) snapshotLocked() []domain.Message {
	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Session) persistLocked(msg domain.Message) {
	if err := s.cache.PutMessage(s.ctx, s.room.ID, msg); err != nil {
		s.logger.Warn().Err(err).Str(log.FieldMessageID, msg.LocalID).Msg("persist message failed")
	}
}

func (s *Session) deleteCachedLocked(localID string) {
	if err := s.cache.DeleteMessage(s.ctx, s.room.ID, localID); err != nil {
		s.logger.Warn().Err(err).Str(log.FieldMessageID, localID).Msg("drop cached message failed")
	}
}

func (s *Session) publishMessages(snap []domain.Message) {
	s.events.publish(domain.MessagesUpdated{RoomID: s.room.ID, Messages: snap})
}
