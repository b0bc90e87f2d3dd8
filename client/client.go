// Package client is the synchronization core's entry point: a Client
// opens per-room Sessions that keep the local message sequence
// consistent with the remote store and coordinate reactions on top of
// it.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/veltalk/roomsync/cache"
	"github.com/veltalk/roomsync/domain"
	"github.com/veltalk/roomsync/internal/metrics"
	"github.com/veltalk/roomsync/pkg/log"
	"github.com/veltalk/roomsync/reaction"
	"github.com/veltalk/roomsync/remote"
)

// Options wires a Client's collaborators. SelfID and Store are
// required; everything else has a working default.
type Options struct {
	// SelfID identifies the local user; it drives echo matching, edit
	// permission, and reaction row ordering.
	SelfID string
	Store  remote.Store
	// Cache defaults to the in-memory implementation when nil.
	Cache cache.Store
	// Feed optionally delivers change pokes. Without one, refreshes
	// come from RefreshEvery and manual calls.
	Feed remote.ChangeFeed
	// Logger defaults to the process logger when nil.
	Logger *zerolog.Logger

	Retry RetryPolicy
	// QueueSize bounds each room's pending mutation queue.
	QueueSize int
	// RefreshEvery enables periodic refreshes when positive.
	RefreshEvery time.Duration
	// PokeMinInterval throttles feed-triggered refreshes.
	PokeMinInterval time.Duration
	// GroupConcurrency bounds parallel pushes in ToggleGroup.
	GroupConcurrency int
	// ProfileTTL bounds display-name cache staleness.
	ProfileTTL time.Duration
}

// Client owns the process-wide pieces of the sync core and hands out
// room sessions. One session exists per open room; repeated opens
// return the same handle.
type Client struct {
	opts     Options
	logger   zerolog.Logger
	cache    cache.Store
	recency  *reaction.Recency
	resolver *profileResolver

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func New(opts Options) (*Client, error) {
	if opts.SelfID == "" {
		return nil, errors.New("client: SelfID is required")
	}
	if opts.Store == nil {
		return nil, errors.New("client: Store is required")
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewMemory()
	}
	if opts.PokeMinInterval <= 0 {
		opts.PokeMinInterval = 2 * time.Second
	}
	opts.Retry = opts.Retry.withDefaults()

	logger := log.L()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	recency, err := reaction.LoadRecency(context.Background(), opts.Cache,
		logger.With().Str(log.FieldComponent, "recency").Logger())
	if err != nil {
		return nil, err
	}

	return &Client{
		opts:     opts,
		logger:   logger,
		cache:    opts.Cache,
		recency:  recency,
		resolver: newProfileResolver(opts.Store, opts.ProfileTTL, logger),
		sessions: make(map[string]*Session),
	}, nil
}

// SuggestedEmojis returns the process-wide quick-send suggestions.
func (c *Client) SuggestedEmojis() []string {
	return c.recency.List()
}

// OpenRoom returns the room's session, creating it on first open: the
// cached sequence loads immediately so the room renders offline, then
// an initial refresh and any configured feed subscription start in the
// background.
func (c *Client) OpenRoom(ctx context.Context, room domain.Room) (*Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.ErrRoomClosed
	}
	if s, ok := c.sessions[room.ID]; ok {
		c.mu.Unlock()
		return s, nil
	}
	s := c.newSession(room)
	c.sessions[room.ID] = s
	c.mu.Unlock()

	metrics.OpenRooms.Inc()
	s.boot(ctx)
	s.outbox.start()

	go func() {
		if err := s.Refresh(s.ctx); err != nil {
			s.logger.Warn().Err(err).Msg("initial refresh failed")
		}
	}()
	if c.opts.Feed != nil {
		go c.watchFeed(s)
	}
	if c.opts.RefreshEvery > 0 {
		go c.tickRefresh(s)
	}

	s.logger.Info().Msg("room session opened")
	return s, nil
}

func (c *Client) newSession(room domain.Room) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		room:           room,
		selfID:         c.opts.SelfID,
		store:          c.opts.Store,
		cache:          c.cache,
		logger:         c.logger.With().Str(log.FieldRoomID, room.ID).Logger(),
		ctx:            ctx,
		cancel:         cancel,
		pendingDeletes: make(map[string]domain.Message),
		limiter:        rate.NewLimiter(rate.Every(c.opts.PokeMinInterval), 1),
	}
	s.events = newEventHub(s.logger)
	s.outbox = newOutbox(ctx, c.opts.QueueSize, c.opts.Retry, s.logger)
	s.reactions = newReactionCoordinator(s, c.recency, c.resolver, c.opts.Retry, c.opts.GroupConcurrency)
	s.detach = func() { c.dropSession(room.ID, s) }
	return s
}

// CloseRoom ends the room's session. In-flight confirmations are
// dropped; the cached sequence stays for the next open.
func (c *Client) CloseRoom(roomID string) {
	c.mu.Lock()
	s := c.sessions[roomID]
	delete(c.sessions, roomID)
	c.mu.Unlock()
	if s != nil {
		s.close()
	}
}

// Close ends every open session. The cache is owned by the caller and
// stays open.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sessions := c.sessions
	c.sessions = make(map[string]*Session)
	c.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	c.logger.Info().Msg("sync client closed")
}

func (c *Client) dropSession(roomID string, s *Session) {
	c.mu.Lock()
	if cur, ok := c.sessions[roomID]; ok && cur == s {
		delete(c.sessions, roomID)
	}
	c.mu.Unlock()
}

// watchFeed turns change pokes into rate-limited refreshes.
func (c *Client) watchFeed(s *Session) {
	ch, err := c.opts.Feed.Subscribe(s.ctx, s.room.ID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("change feed subscribe failed")
		return
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			if err := s.limiter.Wait(s.ctx); err != nil {
				return
			}
			if err := s.Refresh(s.ctx); err != nil {
				s.logger.Warn().Err(err).Msg("poke refresh failed")
			}
		}
	}
}

func (c *Client) tickRefresh(s *Session) {
	t := time.NewTicker(c.opts.RefreshEvery)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			if err := s.Refresh(s.ctx); err != nil {
				s.logger.Debug().Err(err).Msg("periodic refresh failed")
			}
		}
	}
}
