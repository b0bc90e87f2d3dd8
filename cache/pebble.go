package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog"

	"github.com/veltalk/roomsync/domain"
)

// Pebble is the on-disk Store. Message keys embed the ULID local
// identifier, so prefix iteration walks a room in creation order.
type Pebble struct {
	db     *pebble.DB
	logger zerolog.Logger
}

// OpenPebble opens (or creates) the cache database at path.
func OpenPebble(path string, logger zerolog.Logger) (*Pebble, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open cache at %s: %w", path, err)
	}
	logger.Info().Str("path", path).Msg("local cache opened")
	return &Pebble{db: db, logger: logger}, nil
}

func msgKey(roomID, localID string) []byte {
	return []byte("room:" + roomID + ":msg:" + localID)
}

func msgPrefix(roomID string) []byte {
	return []byte("room:" + roomID + ":msg:")
}

func cursorKey(roomID string) []byte {
	return []byte("room:" + roomID + ":cursor")
}

var recentEmojisKey = []byte("recent:emojis")

func (p *Pebble) PutMessage(_ context.Context, roomID string, msg domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.LocalID, err)
	}
	if err := p.db.Set(msgKey(roomID, msg.LocalID), data, pebble.Sync); err != nil {
		return fmt.Errorf("put message %s: %w", msg.LocalID, err)
	}
	return nil
}

func (p *Pebble) DeleteMessage(_ context.Context, roomID, localID string) error {
	if err := p.db.Delete(msgKey(roomID, localID), pebble.Sync); err != nil {
		return fmt.Errorf("delete message %s: %w", localID, err)
	}
	return nil
}

func (p *Pebble) Messages(_ context.Context, roomID string) ([]domain.Message, error) {
	prefix := msgPrefix(roomID)
	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("iterate room %s: %w", roomID, err)
	}
	defer iter.Close()

	var out []domain.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		v := append([]byte(nil), iter.Value()...)
		var m domain.Message
		if err := json.Unmarshal(v, &m); err != nil {
			p.logger.Warn().Err(err).Str("key", string(iter.Key())).Msg("skipping undecodable cache entry")
			continue
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate room %s: %w", roomID, err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (p *Pebble) PutCursor(_ context.Context, roomID, cursor string) error {
	if err := p.db.Set(cursorKey(roomID), []byte(cursor), pebble.Sync); err != nil {
		return fmt.Errorf("put cursor for room %s: %w", roomID, err)
	}
	return nil
}

func (p *Pebble) Cursor(_ context.Context, roomID string) (string, error) {
	v, closer, err := p.db.Get(cursorKey(roomID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("get cursor for room %s: %w", roomID, err)
	}
	cursor := string(v)
	if err := closer.Close(); err != nil {
		return "", err
	}
	return cursor, nil
}

func (p *Pebble) PutRecentEmojis(_ context.Context, emojis []string) error {
	data, err := json.Marshal(emojis)
	if err != nil {
		return fmt.Errorf("marshal recent emojis: %w", err)
	}
	if err := p.db.Set(recentEmojisKey, data, pebble.Sync); err != nil {
		return fmt.Errorf("put recent emojis: %w", err)
	}
	return nil
}

func (p *Pebble) RecentEmojis(_ context.Context) ([]string, error) {
	v, closer, err := p.db.Get(recentEmojisKey)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get recent emojis: %w", err)
	}
	data := append([]byte(nil), v...)
	if err := closer.Close(); err != nil {
		return nil, err
	}

	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode recent emojis: %w", err)
	}
	return out, nil
}

func (p *Pebble) Close() error {
	return p.db.Close()
}
