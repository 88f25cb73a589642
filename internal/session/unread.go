package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/api"
	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/metrics"
	"github.com/vovakirdan/wirechat-sync/internal/store"
)

// UnreadSource reads and advances the server-side unread anchor.
type UnreadSource interface {
	GetUnreadInfo(ctx context.Context, roomID string) (core.UnreadAnchor, error)
	VisitRoom(ctx context.Context, roomID string, anchor api.Anchor) error
}

// UnreadState is the position of a tracker in its state machine.
type UnreadState int

const (
	// UnreadUnknown means no anchor has been loaded yet.
	UnreadUnknown UnreadState = iota
	// UnreadKnown means the server answered; the count may be zero.
	UnreadKnown
	// UnreadRead means an acknowledgement succeeded.
	UnreadRead
)

func (s UnreadState) String() string {
	switch s {
	case UnreadUnknown:
		return "unknown"
	case UnreadKnown:
		return "known"
	case UnreadRead:
		return "read"
	default:
		return "invalid"
	}
}

// UnreadOptions configures an UnreadTracker.
type UnreadOptions struct {
	// Retries is the number of acknowledgement attempts, at least one.
	Retries int
	// RetryInterval is the first backoff wait between attempts.
	RetryInterval time.Duration
	Anchors       store.AnchorCache
	Rooms         store.RoomCache
	Logger        *zerolog.Logger
}

// UnreadTracker owns the unread anchor of one room session. Loading never
// clears unread state; only a successful acknowledgement does.
type UnreadTracker struct {
	roomID string
	src    UnreadSource
	opts   UnreadOptions
	log    *zerolog.Logger

	mu        sync.Mutex
	state     UnreadState
	anchor    core.UnreadAnchor
	acked     api.Anchor
	dismissed bool
}

// NewUnreadTracker creates a tracker in the unknown state.
func NewUnreadTracker(roomID string, src UnreadSource, opts UnreadOptions) *UnreadTracker {
	if opts.Retries <= 0 {
		opts.Retries = 1
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 200 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &UnreadTracker{roomID: roomID, src: src, opts: opts, log: logger}
}

// LoadAnchor fetches the current anchor. When the server cannot be reached
// and nothing is known yet, the last cached anchor is adopted and the error
// is still returned.
func (u *UnreadTracker) LoadAnchor(ctx context.Context) (core.UnreadAnchor, error) {
	anchor, err := u.src.GetUnreadInfo(ctx, u.roomID)
	if err != nil {
		if u.opts.Anchors != nil && u.State() == UnreadUnknown {
			if cached, ok, cerr := u.opts.Anchors.LoadAnchor(ctx, u.roomID); cerr == nil && ok {
				u.mu.Lock()
				u.anchor = cached
				u.mu.Unlock()
				u.log.Debug().Str("room_id", u.roomID).Msg("using cached unread anchor")
			}
		}
		return u.Anchor(), fmt.Errorf("load unread anchor: %w", err)
	}
	anchor = anchor.Normalize()

	u.mu.Lock()
	u.state = UnreadKnown
	u.anchor = anchor
	u.dismissed = false
	u.mu.Unlock()

	u.persist(ctx, anchor)
	return anchor, nil
}

// AcknowledgeUpTo marks everything up to anchor read on the server, retrying
// with exponential backoff. An empty anchor acknowledges the whole room. On
// failure the previous anchor stays in effect.
func (u *UnreadTracker) AcknowledgeUpTo(ctx context.Context, anchor api.Anchor) error {
	u.mu.Lock()
	if u.state == UnreadRead && u.acked == anchor {
		u.mu.Unlock()
		return nil
	}
	u.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = u.opts.RetryInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := u.src.VisitRoom(ctx, u.roomID, anchor)
		if err != nil && (errors.Is(err, core.ErrAccessDenied) || errors.Is(err, core.ErrRoomNotFound)) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(u.opts.Retries)))
	if err != nil {
		metrics.Acknowledgements.WithLabelValues("failed").Inc()
		u.log.Warn().Err(err).Str("room_id", u.roomID).Int("attempt", attempt).Msg("acknowledgement failed")
		return fmt.Errorf("acknowledge %s: %w", u.roomID, err)
	}

	u.mu.Lock()
	u.state = UnreadRead
	u.anchor = core.UnreadAnchor{}
	u.acked = anchor
	u.dismissed = false
	u.mu.Unlock()

	metrics.Acknowledgements.WithLabelValues("ok").Inc()
	u.persist(ctx, core.UnreadAnchor{})
	u.log.Debug().Str("room_id", u.roomID).Str("message_id", anchor.ID).Time("anchor_time", anchor.Time).Msg("room acknowledged")
	return nil
}

// DismissHint hides the unread indicator without touching the anchor.
func (u *UnreadTracker) DismissHint() {
	u.mu.Lock()
	u.dismissed = true
	u.mu.Unlock()
}

// ShowHint reports whether the unread indicator should be visible.
func (u *UnreadTracker) ShowHint() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state == UnreadKnown && u.anchor.Count > 0 && !u.dismissed
}

// Anchor returns the anchor currently in effect.
func (u *UnreadTracker) Anchor() core.UnreadAnchor {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.anchor
}

// State returns the tracker state.
func (u *UnreadTracker) State() UnreadState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *UnreadTracker) persist(ctx context.Context, anchor core.UnreadAnchor) {
	if u.opts.Anchors != nil {
		if err := u.opts.Anchors.SaveAnchor(ctx, u.roomID, anchor); err != nil {
			u.log.Debug().Err(err).Str("room_id", u.roomID).Msg("anchor cache write failed")
		}
	}
	if u.opts.Rooms != nil {
		err := u.opts.Rooms.SetUnread(ctx, u.roomID, anchor.Count)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			u.log.Debug().Err(err).Str("room_id", u.roomID).Msg("room cache write failed")
		}
	}
}
