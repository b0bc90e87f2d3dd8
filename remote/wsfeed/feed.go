// Package wsfeed implements the change feed over a websocket gateway
// that broadcasts room-change notifications to connected clients.
package wsfeed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Config holds feed connection settings.
type Config struct {
	URL          string        `mapstructure:"url"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	RedialDelay  time.Duration `mapstructure:"redial_delay"`
	MaxRedial    time.Duration `mapstructure:"max_redial"`
}

// notification is the gateway's wire format.
type notification struct {
	RoomID string `json:"room_id"`
}

type subscriber struct {
	id    int
	pokes chan struct{}
}

// Feed maintains one websocket connection to the gateway and fans
// room-change pokes out to per-room subscribers. The connection is
// redialed with growing delay until Close.
type Feed struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[string][]*subscriber

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New starts the feed's connection loop.
func New(cfg Config, logger zerolog.Logger) *Feed {
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = (cfg.PongWait * 9) / 10
	}
	if cfg.RedialDelay <= 0 {
		cfg.RedialDelay = time.Second
	}
	if cfg.MaxRedial <= 0 {
		cfg.MaxRedial = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Feed{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[string][]*subscriber),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go f.run()
	return f
}

// Subscribe registers for pokes about one room. The channel closes
// when ctx ends or the feed closes.
func (f *Feed) Subscribe(ctx context.Context, roomID string) (<-chan struct{}, error) {
	f.mu.Lock()
	f.nextID++
	sub := &subscriber{id: f.nextID, pokes: make(chan struct{}, 1)}
	f.subs[roomID] = append(f.subs[roomID], sub)
	f.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-f.ctx.Done():
		}
		f.remove(roomID, sub.id)
	}()

	return sub.pokes, nil
}

func (f *Feed) remove(roomID string, id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[roomID]
	for i, s := range subs {
		if s.id == id {
			f.subs[roomID] = append(subs[:i:i], subs[i+1:]...)
			close(s.pokes)
			return
		}
	}
}

func (f *Feed) dispatch(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs[roomID] {
		select {
		case s.pokes <- struct{}{}:
		default:
		}
	}
}

// Close stops the connection loop and detaches all subscribers.
func (f *Feed) Close() error {
	f.closeOnce.Do(func() {
		f.cancel()
		<-f.done
	})
	return nil
}

func (f *Feed) run() {
	defer close(f.done)

	delay := f.cfg.RedialDelay
	for {
		if f.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(f.ctx, f.cfg.URL, nil)
		if err != nil {
			if f.ctx.Err() != nil {
				return
			}
			f.logger.Warn().Err(err).Str("url", f.cfg.URL).Msg("feed dial failed")
			select {
			case <-f.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > f.cfg.MaxRedial {
				delay = f.cfg.MaxRedial
			}
			continue
		}

		delay = f.cfg.RedialDelay
		f.logger.Info().Str("url", f.cfg.URL).Msg("feed connected")
		f.readLoop(conn)
	}
}

func (f *Feed) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	// Close unblocks ReadMessage when the feed shuts down.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-f.ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(f.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(f.cfg.PongWait))
		return nil
	})

	go f.pingLoop(conn, stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if f.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				f.logger.Warn().Err(err).Msg("feed read failed")
			}
			return
		}

		var n notification
		if err := json.Unmarshal(data, &n); err != nil || n.RoomID == "" {
			continue
		}
		f.dispatch(n.RoomID)
	}
}

func (f *Feed) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
