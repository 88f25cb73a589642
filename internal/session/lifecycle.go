package session

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/metrics"
)

// LifecycleMonitor turns room_closed events into exactly one eviction per
// room. Both wire shapes of a closure are normalized to core.EventRoomClosed
// before they reach it.
type LifecycleMonitor struct {
	log     *zerolog.Logger
	onEvict func(roomID string)

	mu      sync.Mutex
	evicted map[string]struct{}
}

// NewLifecycleMonitor creates a monitor that calls onEvict once per room.
func NewLifecycleMonitor(logger *zerolog.Logger, onEvict func(roomID string)) *LifecycleMonitor {
	return &LifecycleMonitor{
		log:     logger,
		onEvict: onEvict,
		evicted: make(map[string]struct{}),
	}
}

// Handle is a ws.Handler for core.EventRoomClosed.
func (m *LifecycleMonitor) Handle(ev core.Event) error {
	if ev.Kind != core.EventRoomClosed || ev.Room == "" {
		return nil
	}
	m.Evict(ev.Room)
	return nil
}

// Evict runs the eviction of roomID unless it already happened. It reports
// whether this call performed it.
func (m *LifecycleMonitor) Evict(roomID string) bool {
	m.mu.Lock()
	if _, done := m.evicted[roomID]; done {
		m.mu.Unlock()
		m.log.Debug().Str("room_id", roomID).Msg("duplicate room closure ignored")
		return false
	}
	m.evicted[roomID] = struct{}{}
	m.mu.Unlock()

	metrics.Evictions.Inc()
	m.log.Info().Str("room_id", roomID).Msg("room closed, evicting")
	if m.onEvict != nil {
		m.onEvict(roomID)
	}
	return true
}

// Evicted reports whether roomID was evicted.
func (m *LifecycleMonitor) Evicted(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.evicted[roomID]
	return ok
}
