package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/transport/ws"
)

// Channel is the part of ws.Channel the registry drives.
type Channel interface {
	EnsureConnected(ctx context.Context) error
	Publish(ctx context.Context, roomID string, action ws.Action) error
	OnReconnected(fn func()) *ws.Subscription
}

// Registry tracks the rooms the session is subscribed to. It is the only
// component that sends SUBSCRIBE/UNSUBSCRIBE, and it replays the active set
// after every reconnection.
type Registry struct {
	ch  Channel
	log *zerolog.Logger

	mu     sync.Mutex
	active map[string]struct{}

	listenersMu sync.RWMutex
	seq         uint64
	listeners   map[string]map[uint64]func()

	reconnectSub *ws.Subscription
}

// New builds a registry bound to ch.
func New(ch Channel, logger *zerolog.Logger) *Registry {
	r := &Registry{
		ch:        ch,
		log:       logger,
		active:    make(map[string]struct{}),
		listeners: make(map[string]map[uint64]func()),
	}
	r.reconnectSub = ch.OnReconnected(r.resubscribeAll)
	return r
}

// Subscribe adds roomID to the active set. Subscribing twice is a no-op.
// When the channel is down the room stays active and its SUBSCRIBE goes out
// with the replay after the next reconnect; only errors no reconnect can fix
// are returned.
func (r *Registry) Subscribe(ctx context.Context, roomID string) error {
	r.mu.Lock()
	if _, ok := r.active[roomID]; ok {
		r.mu.Unlock()
		return nil
	}
	// claim the room before any I/O so concurrent callers publish once
	r.active[roomID] = struct{}{}
	r.mu.Unlock()

	if err := r.publishSubscribe(ctx, roomID); err != nil {
		if deferrable(err) {
			r.log.Warn().Err(err).Str("room_id", roomID).Msg("subscription deferred until reconnect")
			return nil
		}
		r.mu.Lock()
		delete(r.active, roomID)
		r.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", roomID, err)
	}

	r.log.Debug().Str("room_id", roomID).Msg("room subscribed")
	return nil
}

// Unsubscribe removes roomID from the active set. Unknown rooms are a no-op.
// The room leaves the active set even if the control frame cannot be sent.
func (r *Registry) Unsubscribe(ctx context.Context, roomID string) error {
	r.mu.Lock()
	if _, ok := r.active[roomID]; !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.active, roomID)
	r.mu.Unlock()

	if err := r.ch.Publish(ctx, roomID, ws.ActionUnsubscribe); err != nil {
		r.log.Debug().Err(err).Str("room_id", roomID).Msg("unsubscribe frame not sent")
		return nil
	}
	r.log.Debug().Str("room_id", roomID).Msg("room unsubscribed")
	return nil
}

func (r *Registry) publishSubscribe(ctx context.Context, roomID string) error {
	if err := r.ch.EnsureConnected(ctx); err != nil {
		return err
	}
	return r.ch.Publish(ctx, roomID, ws.ActionSubscribe)
}

// deferrable reports whether a failed SUBSCRIBE is a transport failure that
// the reconnect replay will retry.
func deferrable(err error) bool {
	switch {
	case errors.Is(err, ws.ErrChannelClosed),
		errors.Is(err, core.ErrBadRequest),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// IsActive reports whether roomID is subscribed.
func (r *Registry) IsActive(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[roomID]
	return ok
}

// Active returns the subscribed rooms in sorted order.
func (r *Registry) Active() []string {
	r.mu.Lock()
	rooms := make([]string, 0, len(r.active))
	for id := range r.active {
		rooms = append(rooms, id)
	}
	r.mu.Unlock()

	sort.Strings(rooms)
	return rooms
}

// OnResubscribed registers fn to run after roomID was resubscribed following
// a reconnect. Sessions use it to resync history and unread state.
func (r *Registry) OnResubscribed(roomID string, fn func()) *ws.Subscription {
	r.listenersMu.Lock()
	r.seq++
	id := r.seq
	if r.listeners[roomID] == nil {
		r.listeners[roomID] = make(map[uint64]func())
	}
	r.listeners[roomID][id] = fn
	r.listenersMu.Unlock()

	return ws.NewSubscription(func() {
		r.listenersMu.Lock()
		defer r.listenersMu.Unlock()
		delete(r.listeners[roomID], id)
		if len(r.listeners[roomID]) == 0 {
			delete(r.listeners, roomID)
		}
	})
}

// Close detaches the registry from the channel.
func (r *Registry) Close() {
	r.reconnectSub.Close()
}

func (r *Registry) resubscribeAll() {
	rooms := r.Active()
	ctx := context.Background()

	for _, roomID := range rooms {
		if err := r.ch.Publish(ctx, roomID, ws.ActionSubscribe); err != nil {
			r.log.Warn().Err(err).Str("room_id", roomID).Msg("resubscribe failed")
			continue
		}
		r.log.Info().Str("room_id", roomID).Msg("room resubscribed")
		r.notify(roomID)
	}
}

func (r *Registry) notify(roomID string) {
	r.listenersMu.RLock()
	list := make([]func(), 0, len(r.listeners[roomID]))
	for _, fn := range r.listeners[roomID] {
		list = append(list, fn)
	}
	r.listenersMu.RUnlock()

	for _, fn := range list {
		fn()
	}
}
