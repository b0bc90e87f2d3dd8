// Package reaction holds the pure reaction aggregation ledger and the
// bounded most-recently-used emoji ranking.
package reaction

import (
	"github.com/veltalk/roomsync/domain"
)

// Ledger aggregates reaction records per message. Pure in-memory
// bookkeeping with no I/O; the owning coordinator serializes access.
type Ledger struct {
	records map[string][]domain.ReactionRecord // MessageRef key -> records in application order
}

func NewLedger() *Ledger {
	return &Ledger{records: make(map[string][]domain.ReactionRecord)}
}

// Replace installs the fetched record set for one message, dropping
// whatever was held before. Duplicate (user, emoji) pairs collapse to
// their first occurrence.
func (l *Ledger) Replace(ref domain.MessageRef, records []domain.ReactionRecord) {
	rs := make([]domain.ReactionRecord, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		k := r.UserID + "\x00" + r.Emoji
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		rs = append(rs, r)
	}
	l.records[ref.Key()] = rs
}

// Toggle inserts the (message, user, emoji) triple, or removes it when
// already present. Reports whether the triple is present afterwards.
func (l *Ledger) Toggle(ref domain.MessageRef, userID, emoji string, ts int64) bool {
	key := ref.Key()
	recs := l.records[key]
	for i, r := range recs {
		if r.UserID == userID && r.Emoji == emoji {
			l.records[key] = append(recs[:i:i], recs[i+1:]...)
			return false
		}
	}
	l.records[key] = append(recs, domain.ReactionRecord{
		Ref:       ref,
		UserID:    userID,
		Emoji:     emoji,
		CreatedAt: ts,
	})
	return true
}

// Has reports whether the (message, user, emoji) triple is present.
func (l *Ledger) Has(ref domain.MessageRef, userID, emoji string) bool {
	for _, r := range l.records[ref.Key()] {
		if r.UserID == userID && r.Emoji == emoji {
			return true
		}
	}
	return false
}

// Records returns a copy of the records held for one message.
func (l *Ledger) Records(ref domain.MessageRef) []domain.ReactionRecord {
	recs := l.records[ref.Key()]
	out := make([]domain.ReactionRecord, len(recs))
	copy(out, recs)
	return out
}

// Drop forgets all records for one message.
func (l *Ledger) Drop(ref domain.MessageRef) {
	delete(l.records, ref.Key())
}

// Known reports whether any state is held for the message, including
// an explicit empty set installed by Replace.
func (l *Ledger) Known(ref domain.MessageRef) bool {
	_, ok := l.records[ref.Key()]
	return ok
}

// Summary aggregates one message's records: per-user emoji lists in
// application order plus distinct-user counts per emoji. Rows come out
// in first-reaction order; display ordering is the caller's concern.
func (l *Ledger) Summary(ref domain.MessageRef) domain.ReactionSummary {
	recs := l.records[ref.Key()]

	counts := make(map[string]int)
	byUser := make(map[string][]string)
	var userOrder []string

	for _, r := range recs {
		if _, ok := byUser[r.UserID]; !ok {
			userOrder = append(userOrder, r.UserID)
		}
		byUser[r.UserID] = append(byUser[r.UserID], r.Emoji)
		counts[r.Emoji]++
	}

	rows := make([]domain.ReactionRow, 0, len(userOrder))
	for _, uid := range userOrder {
		rows = append(rows, domain.ReactionRow{UserID: uid, Emojis: byUser[uid]})
	}

	return domain.ReactionSummary{Ref: ref, Rows: rows, Counts: counts}
}
