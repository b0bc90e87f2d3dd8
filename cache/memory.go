package cache

import (
	"context"
	"sort"
	"sync"

	"github.com/veltalk/roomsync/domain"
)

// Memory is a map-backed Store for tests and cache-less runs. State
// does not survive the process.
type Memory struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]domain.Message // roomID -> localID -> message
	cursors map[string]string
	recent  []string
}

func NewMemory() *Memory {
	return &Memory{
		rooms:   make(map[string]map[string]domain.Message),
		cursors: make(map[string]string),
	}
}

func (m *Memory) PutMessage(_ context.Context, roomID string, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		room = make(map[string]domain.Message)
		m.rooms[roomID] = room
	}
	room[msg.LocalID] = msg
	return nil
}

func (m *Memory) DeleteMessage(_ context.Context, roomID, localID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms[roomID], localID)
	return nil
}

func (m *Memory) Messages(_ context.Context, roomID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Message, 0, len(m.rooms[roomID]))
	for _, msg := range m.rooms[roomID] {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (m *Memory) PutCursor(_ context.Context, roomID, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[roomID] = cursor
	return nil
}

func (m *Memory) Cursor(_ context.Context, roomID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[roomID], nil
}

func (m *Memory) PutRecentEmojis(_ context.Context, emojis []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = append([]string(nil), emojis...)
	return nil
}

func (m *Memory) RecentEmojis(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.recent...), nil
}

func (m *Memory) Close() error {
	return nil
}
