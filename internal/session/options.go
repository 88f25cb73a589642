package session

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/api"
	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/store"
	"github.com/vovakirdan/wirechat-sync/internal/transport/ws"
)

// API is the REST surface sessions and the controller depend on.
type API interface {
	HistorySource
	UnreadSource
	MemberSource
	ListRooms(ctx context.Context, nameLike string) ([]core.Room, error)
	JoinRoom(ctx context.Context, roomID string) error
	LeaveRoom(ctx context.Context, roomID string) error
	DeleteRoom(ctx context.Context, roomID string) error
	SendMessage(ctx context.Context, roomID string, req api.SendRequest) (core.Message, error)
}

// FrameSource delivers normalized inbound events by kind.
type FrameSource interface {
	Subscribe(kind core.EventKind, fn ws.Handler) *ws.Subscription
}

// Subscriptions manages room subscriptions on the shared channel.
type Subscriptions interface {
	Subscribe(ctx context.Context, roomID string) error
	Unsubscribe(ctx context.Context, roomID string) error
	OnResubscribed(roomID string, fn func()) *ws.Subscription
}

// Options configures sessions and the controller.
type Options struct {
	// Self is the user id of the authenticated identity.
	Self string

	PageSize            int
	MaxBackfillPages    int
	MentionPreviewRunes int

	PresenceDebounce      time.Duration
	MemberRefreshInterval time.Duration
	RequestTimeout        time.Duration

	AckRetries       int
	AckRetryInterval time.Duration

	Clock    clock.Clock
	Rooms    store.RoomCache
	Anchors  store.AnchorCache
	Notifier Notifier
	Logger   *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 20
	}
	if o.MaxBackfillPages <= 0 {
		o.MaxBackfillPages = 10
	}
	if o.MentionPreviewRunes <= 0 {
		o.MentionPreviewRunes = defaultPreviewRunes
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.AckRetries <= 0 {
		o.AckRetries = 3
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Rooms == nil || o.Anchors == nil {
		mem := store.NewMemory()
		if o.Rooms == nil {
			o.Rooms = mem
		}
		if o.Anchors == nil {
			o.Anchors = mem
		}
	}
	if o.Notifier == nil {
		o.Notifier = nopNotifier{}
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	return o
}
