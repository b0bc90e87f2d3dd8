// Package redisstore implements the remote record-store contract on
// Redis: records in hashes, a per-room sequence-scored changelog, and
// pub/sub pokes for the change feed.
package redisstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	"github.com/veltalk/roomsync/domain"
	"github.com/veltalk/roomsync/remote"
)

// Config holds connection settings for the record store.
type Config struct {
	Address    string `mapstructure:"address"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	KeyPrefix  string `mapstructure:"key_prefix"`
	FetchLimit int    `mapstructure:"fetch_limit"`
}

// Store is a Redis-backed remote.Store and remote.ChangeFeed.
type Store struct {
	client     *redis.Client
	prefix     string
	fetchLimit int
	logger     zerolog.Logger
}

// New connects to Redis and verifies the connection.
func New(cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "roomsync"
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = 200
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Store{
		client:     client,
		prefix:     cfg.KeyPrefix,
		fetchLimit: cfg.FetchLimit,
		logger:     logger,
	}, nil
}

func (s *Store) msgKey(remoteID string) string {
	return fmt.Sprintf("%s:msg:%s", s.prefix, remoteID)
}

func (s *Store) seqKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:seq", s.prefix, roomID)
}

func (s *Store) logKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:log", s.prefix, roomID)
}

func (s *Store) pokeKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:poke", s.prefix, roomID)
}

func (s *Store) reactionKey(ref domain.MessageRef) string {
	return fmt.Sprintf("%s:rx:%s", s.prefix, ref.Key())
}

func (s *Store) profileKey(userID string) string {
	return fmt.Sprintf("%s:profile:%s", s.prefix, userID)
}

// logChange appends a compacted changelog entry and pokes listeners.
// Re-logging the same member moves it to the new sequence, so a record
// changed twice is fetched once at its latest position.
func (s *Store) logChange(ctx context.Context, roomID, kind, remoteID string) error {
	seq, err := s.client.Incr(ctx, s.seqKey(roomID)).Result()
	if err != nil {
		return domain.Transient(fmt.Errorf("bump change seq: %w", err))
	}
	member := kind + ":" + remoteID
	if err := s.client.ZAdd(ctx, s.logKey(roomID), redis.Z{Score: float64(seq), Member: member}).Err(); err != nil {
		return domain.Transient(fmt.Errorf("append changelog: %w", err))
	}
	if err := s.client.Publish(ctx, s.pokeKey(roomID), remoteID).Err(); err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID).Msg("change poke publish failed")
	}
	return nil
}

func (s *Store) PushMessage(ctx context.Context, msg domain.Message) (string, error) {
	remoteID := ksuid.New().String()

	fields := map[string]interface{}{
		"room_id":    msg.RoomID,
		"sender_id":  msg.SenderID,
		"body":       msg.Body,
		"asset_ref":  msg.AssetRef,
		"created_at": msg.CreatedAt,
		"edited":     "0",
	}
	if err := s.client.HSet(ctx, s.msgKey(remoteID), fields).Err(); err != nil {
		return "", domain.Transient(fmt.Errorf("store message: %w", err))
	}
	if err := s.logChange(ctx, msg.RoomID, "upsert", remoteID); err != nil {
		return "", err
	}
	return remoteID, nil
}

func (s *Store) UpdateMessage(ctx context.Context, remoteID, body string) error {
	key := s.msgKey(remoteID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return domain.Transient(fmt.Errorf("check message: %w", err))
	}
	if exists == 0 {
		return domain.Conflict(fmt.Errorf("message %s is gone", remoteID))
	}

	roomID, err := s.client.HGet(ctx, key, "room_id").Result()
	if err != nil {
		return domain.Transient(fmt.Errorf("read message room: %w", err))
	}
	if err := s.client.HSet(ctx, key, map[string]interface{}{"body": body, "edited": "1"}).Err(); err != nil {
		return domain.Transient(fmt.Errorf("update message: %w", err))
	}
	return s.logChange(ctx, roomID, "upsert", remoteID)
}

func (s *Store) DeleteMessage(ctx context.Context, remoteID string) error {
	key := s.msgKey(remoteID)
	roomID, err := s.client.HGet(ctx, key, "room_id").Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return domain.Transient(fmt.Errorf("read message room: %w", err))
	}

	if err := s.client.Del(ctx, key, s.reactionKey(domain.MessageRef{RemoteID: remoteID})).Err(); err != nil {
		return domain.Transient(fmt.Errorf("delete message: %w", err))
	}
	return s.logChange(ctx, roomID, "delete", remoteID)
}

func (s *Store) PushReaction(ctx context.Context, ref domain.MessageRef, userID, emoji string, ts int64) error {
	if ref.RemoteID != "" {
		exists, err := s.client.Exists(ctx, s.msgKey(ref.RemoteID)).Result()
		if err != nil {
			return domain.Transient(fmt.Errorf("check message: %w", err))
		}
		if exists == 0 {
			return domain.Conflict(fmt.Errorf("message %s is gone", ref.RemoteID))
		}
	}

	field := userID + ":" + emoji
	if err := s.client.HSetNX(ctx, s.reactionKey(ref), field, ts).Err(); err != nil {
		return domain.Transient(fmt.Errorf("store reaction: %w", err))
	}
	return nil
}

func (s *Store) RemoveReaction(ctx context.Context, ref domain.MessageRef, userID, emoji string) error {
	field := userID + ":" + emoji
	if err := s.client.HDel(ctx, s.reactionKey(ref), field).Err(); err != nil {
		return domain.Transient(fmt.Errorf("remove reaction: %w", err))
	}
	return nil
}

func (s *Store) FetchChanges(ctx context.Context, roomID, cursor string) (remote.ChangeBatch, error) {
	min := "-inf"
	if cursor != "" {
		if _, err := strconv.ParseInt(cursor, 10, 64); err != nil {
			return remote.ChangeBatch{}, fmt.Errorf("bad cursor %q: %w", cursor, err)
		}
		min = "(" + cursor
	}

	entries, err := s.client.ZRangeByScoreWithScores(ctx, s.logKey(roomID), &redis.ZRangeBy{
		Min:   min,
		Max:   "+inf",
		Count: int64(s.fetchLimit),
	}).Result()
	if err != nil {
		return remote.ChangeBatch{}, domain.Transient(fmt.Errorf("fetch changelog: %w", err))
	}

	batch := remote.ChangeBatch{NextCursor: cursor}
	for _, e := range entries {
		member, ok := e.Member.(string)
		if !ok {
			continue
		}
		kind, remoteID, ok := strings.Cut(member, ":")
		if !ok {
			continue
		}
		switch kind {
		case "upsert":
			msg, err := s.readMessage(ctx, roomID, remoteID)
			if err != nil {
				return remote.ChangeBatch{}, err
			}
			if msg != nil {
				batch.Messages = append(batch.Messages, *msg)
			}
		case "delete":
			batch.Deletions = append(batch.Deletions, remoteID)
		}
		batch.NextCursor = strconv.FormatInt(int64(e.Score), 10)
	}
	return batch, nil
}

// readMessage materializes the current record state, nil when the
// record vanished after its changelog entry.
func (s *Store) readMessage(ctx context.Context, roomID, remoteID string) (*remote.Message, error) {
	fields, err := s.client.HGetAll(ctx, s.msgKey(remoteID)).Result()
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("read message %s: %w", remoteID, err))
	}
	if len(fields) == 0 {
		return nil, nil
	}

	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		s.logger.Warn().Str("remote_id", remoteID).Msg("record with bad created_at skipped")
		return nil, nil
	}

	return &remote.Message{
		RemoteID:  remoteID,
		RoomID:    roomID,
		SenderID:  fields["sender_id"],
		Body:      fields["body"],
		AssetRef:  fields["asset_ref"],
		CreatedAt: createdAt,
		Edited:    fields["edited"] == "1",
	}, nil
}

func (s *Store) FetchReactions(ctx context.Context, ref domain.MessageRef) ([]domain.ReactionRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.reactionKey(ref)).Result()
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("fetch reactions: %w", err))
	}

	out := make([]domain.ReactionRecord, 0, len(fields))
	for field, tsRaw := range fields {
		userID, emoji, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		ts, err := strconv.ParseInt(tsRaw, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, domain.ReactionRecord{
			Ref:       ref,
			UserID:    userID,
			Emoji:     emoji,
			CreatedAt: ts,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (s *Store) ResolveProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	name, err := s.client.HGet(ctx, s.profileKey(userID), "display_name").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("resolve profile: %w", err))
	}
	return &domain.Profile{UserID: userID, DisplayName: name}, nil
}

// SetProfile publishes a display profile. The mobile clients register
// their own profile at sign-in through this call.
func (s *Store) SetProfile(ctx context.Context, p domain.Profile) error {
	if err := s.client.HSet(ctx, s.profileKey(p.UserID), "display_name", p.DisplayName).Err(); err != nil {
		return domain.Transient(fmt.Errorf("store profile: %w", err))
	}
	return nil
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
