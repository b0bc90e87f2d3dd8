package domain

import (
	"strings"

	"github.com/rivo/uniseg"
)

// ReactionRecord is one user's emoji annotation on one message. The
// (message, user, emoji) triple is unique; re-adding the same emoji is
// a toggle, not a duplicate. A user may hold several different emojis
// on the same message.
type ReactionRecord struct {
	Ref       MessageRef `json:"ref"`
	UserID    string     `json:"user_id"`
	Emoji     string     `json:"emoji"`
	CreatedAt int64      `json:"created_at"` // unix milliseconds
}

// ReactionRow is one user's aggregated reactions on a message, emojis
// in application order.
type ReactionRow struct {
	UserID      string   `json:"user_id"`
	DisplayName string   `json:"display_name,omitempty"`
	Emojis      []string `json:"emojis"`
}

// ReactionSummary is the displayable aggregation for one message.
// Counts hold, per emoji, the number of distinct users applying it.
type ReactionSummary struct {
	Ref    MessageRef     `json:"ref"`
	Rows   []ReactionRow  `json:"rows"`
	Counts map[string]int `json:"counts"`
}

// Count returns the distinct-user count for emoji, zero when absent.
func (s ReactionSummary) Count(emoji string) int {
	return s.Counts[emoji]
}

// NormalizeEmoji trims s and checks it is a single display grapheme.
func NormalizeEmoji(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrEmptyEmoji
	}
	if uniseg.GraphemeClusterCount(s) != 1 {
		return "", ErrNotOneEmoji
	}
	return s, nil
}
