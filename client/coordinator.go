package client

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/veltalk/roomsync/domain"
	"github.com/veltalk/roomsync/internal/metrics"
	"github.com/veltalk/roomsync/pkg/log"
	"github.com/veltalk/roomsync/reaction"
)

// ReactionCoordinator owns one room's reaction state: the aggregation
// ledger, its synchronization with the remote store, and the shared
// recent-emoji ranking. Obtained from Session.Reactions.
type ReactionCoordinator struct {
	session    *Session
	ledger     *reaction.Ledger
	recency    *reaction.Recency
	resolver   *profileResolver
	pol        RetryPolicy
	groupLimit int
	logger     zerolog.Logger

	mu      sync.Mutex
	fetched map[string]bool
}

func newReactionCoordinator(s *Session, recency *reaction.Recency, resolver *profileResolver, pol RetryPolicy, groupLimit int) *ReactionCoordinator {
	if groupLimit <= 0 {
		groupLimit = 4
	}
	return &ReactionCoordinator{
		session:    s,
		ledger:     reaction.NewLedger(),
		recency:    recency,
		resolver:   resolver,
		pol:        pol,
		groupLimit: groupLimit,
		logger:     s.logger.With().Str(log.FieldComponent, "reactions").Logger(),
		fetched:    make(map[string]bool),
	}
}

// Toggle flips the requesting user's emoji on msg: absent adds,
// present removes. The ledger changes immediately and the new summary
// returns synchronously; remote confirmation follows with bounded
// retry, and a terminal failure rolls the change back and emits a
// MutationFailed event.
func (rc *ReactionCoordinator) Toggle(ctx context.Context, msg domain.Message, emoji string) (domain.ReactionSummary, error) {
	emoji, err := domain.NormalizeEmoji(emoji)
	if err != nil {
		return domain.ReactionSummary{}, err
	}
	if msg.RemoteID == "" {
		return domain.ReactionSummary{}, domain.ErrNotSynced
	}
	ref := msg.Ref()

	if err := rc.ensureLoaded(ctx, ref); err != nil {
		rc.logger.Warn().Err(err).Msg("reaction state unavailable, toggling on held state")
	}

	now := time.Now().UnixMilli()
	rc.mu.Lock()
	if rc.session.isClosed() {
		rc.mu.Unlock()
		return domain.ReactionSummary{}, domain.ErrRoomClosed
	}
	added := rc.ledger.Toggle(ref, rc.session.selfID, emoji, now)
	summary := rc.ledger.Summary(ref)
	rc.mu.Unlock()

	action := "remove"
	if added {
		action = "add"
	}
	metrics.ReactionToggles.WithLabelValues(action).Inc()

	rc.decorate(ctx, &summary)
	rc.publish(ref, summary)
	go rc.confirm(ref, emoji, added, now)
	return summary, nil
}

// ToggleGroup applies one emoji toggle to several messages at once.
// Every message toggles optimistically; remote pushes run with
// bounded concurrency and each message succeeds or fails on its own.
// The returned map holds exactly the messages whose confirmation
// failed, keyed by local ID; failed toggles are rolled back, the rest
// stay.
func (rc *ReactionCoordinator) ToggleGroup(ctx context.Context, msgs []domain.Message, emoji string) (map[string]error, error) {
	emoji, err := domain.NormalizeEmoji(emoji)
	if err != nil {
		return nil, err
	}
	if rc.session.isClosed() {
		return nil, domain.ErrRoomClosed
	}

	type item struct {
		localID string
		ref     domain.MessageRef
		added   bool
	}
	now := time.Now().UnixMilli()
	failed := make(map[string]error)
	items := make([]item, 0, len(msgs))

	rc.mu.Lock()
	for _, m := range msgs {
		if m.RemoteID == "" {
			failed[m.LocalID] = domain.ErrNotSynced
			continue
		}
		ref := m.Ref()
		added := rc.ledger.Toggle(ref, rc.session.selfID, emoji, now)
		items = append(items, item{localID: m.LocalID, ref: ref, added: added})
	}
	rc.mu.Unlock()

	for _, it := range items {
		rc.mu.Lock()
		summary := rc.ledger.Summary(it.ref)
		rc.mu.Unlock()
		rc.decorate(ctx, &summary)
		rc.publish(it.ref, summary)
	}

	var failedMu sync.Mutex
	var g errgroup.Group
	g.SetLimit(rc.groupLimit)
	for _, it := range items {
		it := it
		g.Go(func() error {
			op := domain.OpReactionRemove
			if it.added {
				op = domain.OpReactionAdd
			}
			err := retryRemote(ctx, rc.pol, rc.logger, op, func(ctx context.Context) error {
				if it.added {
					return rc.session.store.PushReaction(ctx, it.ref, rc.session.selfID, emoji, now)
				}
				return rc.session.store.RemoveReaction(ctx, it.ref, rc.session.selfID, emoji)
			})
			if err != nil {
				failedMu.Lock()
				failed[it.localID] = err
				failedMu.Unlock()
				rc.rollback(it.ref, emoji, it.added, now, op, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, it := range items {
		if it.added && failed[it.localID] == nil {
			rc.recency.InsertFront(ctx, emoji)
			break
		}
	}
	return failed, nil
}

// Summary returns the displayable aggregation for msg. Records load
// from the remote store on first access per message, or again when
// force is set; afterwards the ledger state serves. Rows order: the
// requesting user first, then case-insensitive display name, raw user
// ID when no profile resolves.
func (rc *ReactionCoordinator) Summary(ctx context.Context, msg domain.Message, force bool) (domain.ReactionSummary, error) {
	ref := msg.Ref()
	if msg.RemoteID == "" {
		// Nothing can have reached the remote for this message yet.
		rc.mu.Lock()
		summary := rc.ledger.Summary(ref)
		rc.mu.Unlock()
		return summary, nil
	}

	if force {
		if err := rc.reload(ctx, ref); err != nil {
			return domain.ReactionSummary{}, err
		}
	} else if err := rc.ensureLoaded(ctx, ref); err != nil {
		rc.mu.Lock()
		known := rc.ledger.Known(ref)
		rc.mu.Unlock()
		if !known {
			return domain.ReactionSummary{}, err
		}
		rc.logger.Warn().Err(err).Msg("serving held reaction state")
	}

	rc.mu.Lock()
	summary := rc.ledger.Summary(ref)
	rc.mu.Unlock()
	rc.decorate(ctx, &summary)
	return summary, nil
}

// SuggestedEmojis returns the quick-send suggestions, most recently
// used first, padded with the default seed.
func (rc *ReactionCoordinator) SuggestedEmojis() []string {
	return rc.recency.List()
}

// RecordRecentEmoji notes emoji as just used outside any toggle flow,
// such as a quick-send from the suggestion strip.
func (rc *ReactionCoordinator) RecordRecentEmoji(ctx context.Context, emoji string) error {
	e, err := domain.NormalizeEmoji(emoji)
	if err != nil {
		return err
	}
	rc.recency.InsertFront(ctx, e)
	return nil
}

func (rc *ReactionCoordinator) ensureLoaded(ctx context.Context, ref domain.MessageRef) error {
	rc.mu.Lock()
	loaded := rc.fetched[ref.Key()]
	rc.mu.Unlock()
	if loaded {
		return nil
	}
	return rc.reload(ctx, ref)
}

func (rc *ReactionCoordinator) reload(ctx context.Context, ref domain.MessageRef) error {
	recs, err := rc.session.store.FetchReactions(ctx, ref)
	if err != nil {
		return fmt.Errorf("fetch reactions: %w", err)
	}
	rc.mu.Lock()
	rc.ledger.Replace(ref, recs)
	rc.fetched[ref.Key()] = true
	rc.mu.Unlock()
	return nil
}

// confirm pushes one toggle to the remote store, retrying transient
// failures. A terminal failure rolls the optimistic change back; a
// successful add feeds the recency ranking.
func (rc *ReactionCoordinator) confirm(ref domain.MessageRef, emoji string, added bool, ts int64) {
	s := rc.session
	op := domain.OpReactionRemove
	if added {
		op = domain.OpReactionAdd
	}

	err := retryRemote(s.ctx, rc.pol, rc.logger, op, func(ctx context.Context) error {
		if added {
			return s.store.PushReaction(ctx, ref, s.selfID, emoji, ts)
		}
		return s.store.RemoveReaction(ctx, ref, s.selfID, emoji)
	})
	if err == nil {
		if added {
			rc.recency.InsertFront(s.ctx, emoji)
		}
		return
	}
	if s.ctx.Err() != nil {
		return // session closed; drop the late outcome
	}
	rc.rollback(ref, emoji, added, ts, op, err)
}

// rollback undoes an optimistic toggle whose confirmation failed, if
// the user has not toggled again since, and surfaces the failure.
func (rc *ReactionCoordinator) rollback(ref domain.MessageRef, emoji string, added bool, ts int64, op domain.Op, cause error) {
	s := rc.session
	rc.mu.Lock()
	if s.isClosed() {
		rc.mu.Unlock()
		return
	}
	if added {
		if rc.ledger.Has(ref, s.selfID, emoji) {
			rc.ledger.Toggle(ref, s.selfID, emoji, ts)
		}
	} else {
		if !rc.ledger.Has(ref, s.selfID, emoji) {
			rc.ledger.Toggle(ref, s.selfID, emoji, ts)
		}
	}
	summary := rc.ledger.Summary(ref)
	rc.mu.Unlock()

	metrics.MutationsFailed.WithLabelValues(string(op)).Inc()
	rc.logger.Error().Err(cause).
		Str(log.FieldEmoji, emoji).
		Str(log.FieldRemoteID, ref.RemoteID).
		Msg("reaction failed after retries")

	rc.decorate(s.ctx, &summary)
	s.events.publish(domain.MutationFailed{RoomID: s.room.ID, Ref: ref, Op: op, Err: cause})
	rc.publish(ref, summary)
	if domain.IsConflict(cause) {
		s.forceRefresh()
	}
}

// forget drops ledger state for messages that no longer exist.
func (rc *ReactionCoordinator) forget(refs ...domain.MessageRef) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for _, ref := range refs {
		rc.ledger.Drop(ref)
		delete(rc.fetched, ref.Key())
	}
}

// decorate resolves display names and applies the presentation order:
// the requesting user first, everyone else by case-insensitive display
// name, raw user ID when no profile resolves.
func (rc *ReactionCoordinator) decorate(ctx context.Context, summary *domain.ReactionSummary) {
	self := rc.session.selfID
	for i := range summary.Rows {
		row := &summary.Rows[i]
		row.DisplayName = rc.resolver.displayName(ctx, row.UserID)
	}
	sort.SliceStable(summary.Rows, func(i, j int) bool {
		a, b := summary.Rows[i], summary.Rows[j]
		if (a.UserID == self) != (b.UserID == self) {
			return a.UserID == self
		}
		return rowSortKey(a) < rowSortKey(b)
	})
}

func rowSortKey(r domain.ReactionRow) string {
	if r.DisplayName != "" {
		return strings.ToLower(r.DisplayName)
	}
	return r.UserID
}

func (rc *ReactionCoordinator) publish(ref domain.MessageRef, summary domain.ReactionSummary) {
	rc.session.events.publish(domain.ReactionsUpdated{
		RoomID:  rc.session.room.ID,
		Ref:     ref,
		Summary: summary,
	})
}
