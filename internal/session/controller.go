package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/metrics"
	"github.com/vovakirdan/wirechat-sync/internal/store"
	"github.com/vovakirdan/wirechat-sync/internal/transport/ws"
)

// Controller opens and closes room sessions and keeps at most one session
// per room.
type Controller struct {
	api    API
	frames FrameSource
	subs   Subscriptions
	opts   Options
	log    *zerolog.Logger

	monitor *LifecycleMonitor
	closure *ws.Subscription
	opens   singleflight.Group

	mu       sync.Mutex
	sessions map[string]*Session
	shutdown bool
}

// NewController wires a controller to the REST api, the frame source and the
// subscription registry.
func NewController(a API, frames FrameSource, subs Subscriptions, opts Options) *Controller {
	opts = opts.withDefaults()
	c := &Controller{
		api:      a,
		frames:   frames,
		subs:     subs,
		opts:     opts,
		log:      opts.Logger,
		sessions: make(map[string]*Session),
	}
	c.monitor = NewLifecycleMonitor(opts.Logger, c.evict)
	c.closure = frames.Subscribe(core.EventRoomClosed, c.monitor.Handle)
	return c
}

// Open returns the session for room, starting one when none is active. A
// room the identity has not joined is joined first.
func (c *Controller) Open(ctx context.Context, room core.Room) (*Session, error) {
	if room.ID == "" {
		return nil, core.NewError(core.ErrCodeBadRequest, "room id is required", core.ErrBadRequest)
	}
	if c.monitor.Evicted(room.ID) {
		return nil, closedError(room.ID)
	}
	if s := c.Session(room.ID); s != nil {
		return s, nil
	}

	v, err, _ := c.opens.Do(room.ID, func() (any, error) {
		if s := c.Session(room.ID); s != nil {
			return s, nil
		}
		return c.open(ctx, room)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// OpenByID opens a room known to the room cache.
func (c *Controller) OpenByID(ctx context.Context, roomID string) (*Session, error) {
	room, err := c.opts.Rooms.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, core.NewError(core.ErrCodeRoomNotFound, fmt.Sprintf("room %s is not listed", roomID), core.ErrRoomNotFound)
		}
		return nil, fmt.Errorf("lookup room %s: %w", roomID, err)
	}
	return c.Open(ctx, room)
}

func (c *Controller) open(ctx context.Context, room core.Room) (*Session, error) {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil, core.ErrSessionClosed
	}
	c.mu.Unlock()

	if !room.Joined {
		if err := c.join(ctx, room); err != nil {
			return nil, err
		}
		room.Joined = true
	}

	s := newSession(room, c.api, c.frames, c.subs, c.opts)
	if err := s.start(ctx); err != nil {
		s.evict(context.WithoutCancel(ctx))
		if isAccessError(err) {
			c.opts.Notifier.AccessDenied(room.ID, err)
		}
		return nil, fmt.Errorf("open room %s: %w", room.ID, err)
	}

	c.mu.Lock()
	// a closure may have landed while history was loading
	if c.monitor.Evicted(room.ID) || c.shutdown {
		c.mu.Unlock()
		s.evict(context.WithoutCancel(ctx))
		return nil, closedError(room.ID)
	}
	c.sessions[room.ID] = s
	metrics.ActiveSessions.Set(float64(len(c.sessions)))
	c.mu.Unlock()

	return s, nil
}

func (c *Controller) join(ctx context.Context, room core.Room) error {
	if err := c.api.JoinRoom(ctx, room.ID); err != nil {
		if isAccessError(err) {
			c.opts.Notifier.AccessDenied(room.ID, err)
		}
		return fmt.Errorf("join room %s: %w", room.ID, err)
	}
	err := c.opts.Rooms.SetJoined(ctx, room.ID, true)
	if errors.Is(err, store.ErrNotFound) {
		room.Joined = true
		err = c.opts.Rooms.UpsertRoom(ctx, room)
	}
	if err != nil {
		c.log.Debug().Err(err).Str("room_id", room.ID).Msg("room cache write failed")
	}
	c.log.Info().Str("room_id", room.ID).Msg("joined room")
	return nil
}

// Session returns the active session for roomID, or nil.
func (c *Controller) Session(roomID string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[roomID]
}

// Sessions returns the ids of rooms with an active session, sorted.
func (c *Controller) Sessions() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (c *Controller) detach(roomID string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[roomID]
	if !ok {
		return nil
	}
	delete(c.sessions, roomID)
	metrics.ActiveSessions.Set(float64(len(c.sessions)))
	return s
}

// Close ends the session for roomID, acknowledging the last visible message.
// Closing a room without a session is a no-op.
func (c *Controller) Close(ctx context.Context, roomID string) error {
	s := c.detach(roomID)
	if s == nil {
		return nil
	}
	return s.close(ctx)
}

// Leave closes the session and leaves the room.
func (c *Controller) Leave(ctx context.Context, roomID string) error {
	if err := c.Close(ctx, roomID); err != nil {
		c.log.Warn().Err(err).Str("room_id", roomID).Msg("acknowledgement before leave failed")
	}
	if err := c.api.LeaveRoom(ctx, roomID); err != nil {
		return fmt.Errorf("leave room %s: %w", roomID, err)
	}

	if err := c.opts.Rooms.SetJoined(ctx, roomID, false); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.log.Debug().Err(err).Str("room_id", roomID).Msg("room cache write failed")
	}
	if err := c.opts.Rooms.SetUnread(ctx, roomID, 0); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.log.Debug().Err(err).Str("room_id", roomID).Msg("room cache write failed")
	}
	if err := c.opts.Anchors.SaveAnchor(ctx, roomID, core.UnreadAnchor{}); err != nil {
		c.log.Debug().Err(err).Str("room_id", roomID).Msg("anchor cache write failed")
	}
	c.log.Info().Str("room_id", roomID).Msg("left room")
	return nil
}

// Delete removes a room the current identity created. The local eviction
// shares the path of a server-pushed closure, so the echo is a no-op.
func (c *Controller) Delete(ctx context.Context, roomID string) error {
	room, err := c.opts.Rooms.GetRoom(ctx, roomID)
	switch {
	case err == nil:
		if room.CreatorID != "" && room.CreatorID != c.opts.Self {
			return core.NewError(core.ErrCodeAccessDenied, "only the creator can delete a room", core.ErrAccessDenied)
		}
	case errors.Is(err, store.ErrNotFound):
		if s := c.Session(roomID); s != nil && s.Room().CreatorID != "" && s.Room().CreatorID != c.opts.Self {
			return core.NewError(core.ErrCodeAccessDenied, "only the creator can delete a room", core.ErrAccessDenied)
		}
	default:
		return fmt.Errorf("lookup room %s: %w", roomID, err)
	}

	if err := c.api.DeleteRoom(ctx, roomID); err != nil {
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}
	c.monitor.Evict(roomID)
	return nil
}

// evict drops roomID from the room cache and tears down its session, if
// any, without acknowledging.
func (c *Controller) evict(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()

	if err := c.opts.Rooms.RemoveRoom(ctx, roomID); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.log.Debug().Err(err).Str("room_id", roomID).Msg("room cache removal failed")
	}

	s := c.detach(roomID)
	if s == nil {
		return
	}
	c.opts.Notifier.RoomClosed(roomID)
	s.evict(ctx)
}

// RefreshRooms replaces the room cache with the server's listing.
func (c *Controller) RefreshRooms(ctx context.Context, nameLike string) ([]core.Room, error) {
	rooms, err := c.api.ListRooms(ctx, nameLike)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	// evicted rooms may linger in a listing fetched before the closure
	kept := rooms[:0]
	for _, r := range rooms {
		if !c.monitor.Evicted(r.ID) {
			kept = append(kept, r)
		}
	}
	if nameLike == "" {
		if err := c.opts.Rooms.ReplaceRooms(ctx, kept); err != nil {
			return kept, fmt.Errorf("cache rooms: %w", err)
		}
	} else {
		for _, r := range kept {
			if err := c.opts.Rooms.UpsertRoom(ctx, r); err != nil {
				return kept, fmt.Errorf("cache room %s: %w", r.ID, err)
			}
		}
	}
	c.log.Debug().Int("rooms", len(kept)).Msg("room list refreshed")
	return kept, nil
}

// Rooms returns the cached room list.
func (c *Controller) Rooms(ctx context.Context) ([]core.Room, error) {
	return c.opts.Rooms.ListRooms(ctx)
}

// Shutdown closes every session, acknowledging each, and stops listening
// for closures. Errors are joined.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.shutdown = true
	sessions := make([]*Session, 0, len(c.sessions))
	for id, s := range c.sessions {
		sessions = append(sessions, s)
		delete(c.sessions, id)
	}
	metrics.ActiveSessions.Set(0)
	c.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closure.Close()
	return errors.Join(errs...)
}

func closedError(roomID string) error {
	return core.NewError(core.ErrCodeRoomClosed, fmt.Sprintf("room %s was closed", roomID), core.ErrRoomClosed)
}
