package store

import (
	"context"
	"sort"
	"sync"

	"github.com/vovakirdan/wirechat-sync/internal/core"
)

// Memory is an in-process Store, used when no cache path is configured and in
// tests.
type Memory struct {
	mu      sync.RWMutex
	rooms   map[string]core.Room
	anchors map[string]core.UnreadAnchor
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rooms:   make(map[string]core.Room),
		anchors: make(map[string]core.UnreadAnchor),
	}
}

func (m *Memory) ReplaceRooms(_ context.Context, rooms []core.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms = make(map[string]core.Room, len(rooms))
	for _, r := range rooms {
		m.rooms[r.ID] = r
	}
	return nil
}

func (m *Memory) UpsertRoom(_ context.Context, room core.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[room.ID] = room
	return nil
}

func (m *Memory) GetRoom(_ context.Context, roomID string) (core.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return core.Room{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListRooms(_ context.Context) ([]core.Room, error) {
	m.mu.RLock()
	rooms := make([]core.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].Name != rooms[j].Name {
			return rooms[i].Name < rooms[j].Name
		}
		return rooms[i].ID < rooms[j].ID
	})
	return rooms, nil
}

func (m *Memory) RemoveRoom(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomID)
	delete(m.anchors, roomID)
	return nil
}

func (m *Memory) SetUnread(_ context.Context, roomID string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	r.UnreadCount = max(count, 0)
	m.rooms[roomID] = r
	return nil
}

func (m *Memory) SetJoined(_ context.Context, roomID string, joined bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	r.Joined = joined
	m.rooms[roomID] = r
	return nil
}

func (m *Memory) SaveAnchor(_ context.Context, roomID string, a core.UnreadAnchor) error {
	a = a.Normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.Empty() {
		delete(m.anchors, roomID)
		return nil
	}
	m.anchors[roomID] = a
	return nil
}

func (m *Memory) LoadAnchor(_ context.Context, roomID string) (core.UnreadAnchor, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.anchors[roomID]
	return a, ok, nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
