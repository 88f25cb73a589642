package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/vovakirdan/wirechat-sync/internal/api"
	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/transport/ws"
)

// Session is the live view of one open room: its message log, unread anchor
// and member presence. All of it is discarded when the session ends.
type Session struct {
	id   string
	room core.Room
	api  API
	subs Subscriptions
	opts Options
	log  zerolog.Logger

	messages *MessageStore
	unread   *UnreadTracker
	presence *PresenceTracker
	mentions *MentionNotifier
	backfill *Backfill

	scope   ws.Scope
	resyncs singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	closed      bool
	lastPage    int
	totalPages  int
	anchorFound bool
	watchSeq    uint64
	watchers    map[uint64]func(core.Message)
}

func newSession(room core.Room, a API, frames FrameSource, subs Subscriptions, opts Options) *Session {
	id := uuid.NewString()
	logger := opts.Logger.With().Str("session_id", id).Str("room_id", room.ID).Logger()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:       id,
		room:     room,
		api:      a,
		subs:     subs,
		opts:     opts,
		log:      logger,
		messages: NewMessageStore(),
		backfill: NewBackfill(a, opts.PageSize, opts.MaxBackfillPages, &logger),
		ctx:      ctx,
		cancel:   cancel,
		watchers: make(map[uint64]func(core.Message)),
	}
	s.unread = NewUnreadTracker(room.ID, a, UnreadOptions{
		Retries:       opts.AckRetries,
		RetryInterval: opts.AckRetryInterval,
		Anchors:       opts.Anchors,
		Rooms:         opts.Rooms,
		Logger:        &logger,
	})
	s.presence = NewPresenceTracker(room.ID, a, PresenceOptions{
		Debounce:        opts.PresenceDebounce,
		RefreshInterval: opts.MemberRefreshInterval,
		RequestTimeout:  opts.RequestTimeout,
		Clock:           opts.Clock,
		Logger:          &logger,
	})
	s.mentions = NewMentionNotifier(room.ID, opts.Self, opts.MentionPreviewRunes, opts.Notifier)

	// handlers go in before SUBSCRIBE so no early frame is missed
	s.scope.Add(
		frames.Subscribe(core.EventMessage, s.onMessage),
		frames.Subscribe(core.EventPresence, s.onPresence),
		frames.Subscribe(core.EventMention, s.mentions.Handle),
	)
	return s
}

// start subscribes the room and loads unread state, history and members.
// Only access denial aborts it; other failures degrade the view.
func (s *Session) start(ctx context.Context) error {
	roomID := s.room.ID

	if err := s.subs.Subscribe(ctx, roomID); err != nil {
		// history is still worth showing without live updates
		s.log.Warn().Err(err).Msg("room subscription failed")
	}
	s.scope.Add(s.subs.OnResubscribed(roomID, s.onResubscribed))

	anchor, err := s.unread.LoadAnchor(ctx)
	if err != nil {
		if isAccessError(err) {
			return err
		}
		s.log.Warn().Err(err).Msg("unread info unavailable")
	}

	if err := s.loadHistory(ctx, anchor); err != nil {
		if isAccessError(err) {
			return err
		}
		if errors.Is(err, context.Canceled) && s.Closed() {
			return core.ErrSessionClosed
		}
		s.log.Warn().Err(err).Msg("history backfill failed")
	}

	if err := s.presence.Seed(ctx); err != nil {
		if isAccessError(err) {
			return err
		}
		s.log.Warn().Err(err).Msg("member list unavailable")
	}
	s.presence.Start()

	s.log.Info().Int("messages", s.messages.Len()).Int("unread", anchor.Count).Msg("room session open")
	return nil
}

// loadHistory backfills toward anchor, by id when the server named the first
// unread message and by time otherwise.
func (s *Session) loadHistory(ctx context.Context, anchor core.UnreadAnchor) error {
	ctx, cancel := s.bind(ctx)
	defer cancel()

	var (
		res BackfillResult
		err error
	)
	if anchor.FirstUnreadID == "" && anchor.Positioned() {
		res, err = s.backfill.RunSince(ctx, s.room.ID, anchor.FirstUnreadAt, s.messages)
	} else {
		res, err = s.backfill.Run(ctx, s.room.ID, anchor.FirstUnreadID, s.messages)
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lastPage = max(s.lastPage, res.LastPage)
	s.totalPages = res.TotalPages
	s.anchorFound = res.AnchorFound
	s.mu.Unlock()
	return nil
}

// bind derives a context that ends with either ctx or the session.
func (s *Session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

func (s *Session) onMessage(ev core.Event) error {
	if ev.Message == nil || ev.Room != s.room.ID {
		return nil
	}
	if s.Closed() {
		return nil
	}
	if s.messages.Ingest(*ev.Message) {
		s.notifyWatchers(*ev.Message)
	}
	return nil
}

func (s *Session) onPresence(ev core.Event) error {
	if ev.Presence == nil || ev.Room != s.room.ID {
		return nil
	}
	s.presence.Apply(*ev.Presence)
	return nil
}

// onResubscribed runs on the channel's reconnect path, so the resync itself
// is moved off it.
func (s *Session) onResubscribed() {
	go func() {
		if err := s.Resync(s.ctx); err != nil && !s.Closed() {
			s.log.Warn().Err(err).Msg("resync after reconnect failed")
		}
	}()
}

// Resync reloads the unread anchor and fills any history gap. Concurrent
// calls share one run.
func (s *Session) Resync(ctx context.Context) error {
	_, err, _ := s.resyncs.Do("resync", func() (any, error) {
		ctx, cancel := s.bind(ctx)
		defer cancel()

		anchor, err := s.unread.LoadAnchor(ctx)
		if err != nil {
			s.log.Debug().Err(err).Msg("unread reload failed during resync")
		}
		if _, err := s.backfill.TopUp(ctx, s.room.ID, s.messages); err != nil {
			return nil, err
		}
		if _, ok := s.unreadMessage(); anchor.Positioned() && !ok {
			if err := s.loadHistory(ctx, anchor); err != nil {
				return nil, err
			}
		} else {
			s.mu.Lock()
			s.anchorFound = true
			s.mu.Unlock()
		}
		s.log.Info().Int("messages", s.messages.Len()).Msg("room resynced")
		return nil, nil
	})
	return err
}

// LoadOlder extends history by one page upward. It returns how many messages
// were added and whether older pages remain.
func (s *Session) LoadOlder(ctx context.Context) (int, bool, error) {
	if s.Closed() {
		return 0, false, core.ErrSessionClosed
	}
	s.mu.Lock()
	next, total := s.lastPage+1, s.totalPages
	s.mu.Unlock()
	if next > total {
		return 0, false, nil
	}

	ctx, cancel := s.bind(ctx)
	defer cancel()
	res, err := s.backfill.Page(ctx, s.room.ID, next, s.messages)
	if err != nil {
		return 0, s.HasOlder(), err
	}

	s.mu.Lock()
	s.lastPage = max(s.lastPage, res.LastPage)
	s.totalPages = res.TotalPages
	more := s.lastPage < s.totalPages
	s.mu.Unlock()
	return res.Added, more, nil
}

// HasOlder reports whether LoadOlder can fetch more.
func (s *Session) HasOlder() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPage < s.totalPages
}

// AnchorLocatable reports whether the first unread message is loaded, so the
// view can scroll to it. With no unread messages it is trivially true; a
// count the server gave without a position is never locatable.
func (s *Session) AnchorLocatable() bool {
	if s.unread.Anchor().Empty() {
		return true
	}
	_, ok := s.unreadMessage()
	return ok
}

// unreadMessage resolves the first unread message among loaded ones.
func (s *Session) unreadMessage() (core.Message, bool) {
	a := s.unread.Anchor()
	switch {
	case !a.Positioned():
		return core.Message{}, false
	case a.FirstUnreadID != "":
		return s.messages.Lookup(a.FirstUnreadID)
	}

	msg, ok := s.messages.FirstAtOrAfter(a.FirstUnreadAt)
	if !ok {
		return core.Message{}, false
	}
	// an older page may still hold messages between the anchor time and msg
	if first, _ := s.messages.First(); first.OccurredAt.After(a.FirstUnreadAt) && s.HasOlder() {
		return core.Message{}, false
	}
	return msg, true
}

// JumpToUnread returns the first unread message and acknowledges the room up
// to the newest loaded message. It does nothing when the anchor is not loaded.
func (s *Session) JumpToUnread(ctx context.Context) (core.Message, bool, error) {
	msg, ok := s.unreadMessage()
	if !ok {
		return core.Message{}, false, nil
	}
	s.unread.DismissHint()
	return msg, true, s.MarkRead(ctx)
}

// MarkRead acknowledges everything up to the newest loaded message. Its time
// travels along so the server can place an id it no longer knows. An empty
// log has nothing to acknowledge.
func (s *Session) MarkRead(ctx context.Context) error {
	last, ok := s.messages.Last()
	if !ok {
		return nil
	}
	return s.unread.AcknowledgeUpTo(ctx, api.Anchor{ID: last.ID, Time: last.OccurredAt})
}

// Send posts a message. Mentions are resolved from "@name" tokens against the
// member list unless given explicitly.
func (s *Session) Send(ctx context.Context, content, quotedID string, mentions ...string) (core.Message, error) {
	if s.Closed() {
		return core.Message{}, core.ErrSessionClosed
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return core.Message{}, core.NewError(core.ErrCodeBadRequest, "message is empty", core.ErrBadRequest)
	}
	if len(mentions) == 0 {
		mentions = ExtractMentions(content, s.presence.Members(), s.opts.Self)
	}

	msg, err := s.api.SendMessage(ctx, s.room.ID, api.SendRequest{
		Content:          content,
		QuotedMessageID:  quotedID,
		MentionedUserIDs: mentions,
	})
	if err != nil {
		if isAccessError(err) {
			s.opts.Notifier.AccessDenied(s.room.ID, err)
		}
		s.opts.Notifier.SendFailed(s.room.ID, err)
		return core.Message{}, core.NewError(core.ErrCodeSendFailed, fmt.Sprintf("send to %s failed", s.room.ID), err)
	}

	// the live echo of this message is dropped as a duplicate
	if s.messages.Ingest(msg) {
		s.notifyWatchers(msg)
	}
	return msg, nil
}

// Watch registers fn for every message newly added by a live frame or Send.
func (s *Session) Watch(fn func(core.Message)) *ws.Subscription {
	s.mu.Lock()
	s.watchSeq++
	id := s.watchSeq
	s.watchers[id] = fn
	s.mu.Unlock()

	sub := ws.NewSubscription(func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	})
	s.scope.Add(sub)
	return sub
}

func (s *Session) notifyWatchers(msg core.Message) {
	s.mu.Lock()
	fns := make([]func(core.Message), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
}

// close acknowledges the last visible message and tears the session down.
// The teardown happens even when the acknowledgement fails.
func (s *Session) close(ctx context.Context) error {
	if !s.markClosed() {
		return nil
	}
	ackErr := s.MarkRead(ctx)
	s.teardown(ctx)
	if ackErr != nil {
		return ackErr
	}
	s.log.Info().Msg("room session closed")
	return nil
}

// evict tears the session down without acknowledging; the room is gone.
func (s *Session) evict(ctx context.Context) {
	if !s.markClosed() {
		return
	}
	s.teardown(ctx)
	s.log.Info().Msg("room session evicted")
}

func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

func (s *Session) teardown(ctx context.Context) {
	// in-flight backfill pages are discarded from here on
	s.cancel()
	if err := s.subs.Unsubscribe(ctx, s.room.ID); err != nil {
		s.log.Debug().Err(err).Msg("unsubscribe failed")
	}
	s.scope.Close()
	s.presence.Close()
}

// ID returns the session id used in logs.
func (s *Session) ID() string { return s.id }

// Room returns the room as it was when the session opened.
func (s *Session) Room() core.Room { return s.room }

// Messages returns the loaded log in ascending order.
func (s *Session) Messages() []core.Message { return s.messages.Messages() }

// Store exposes the message log.
func (s *Session) Store() *MessageStore { return s.messages }

// Unread exposes the unread tracker.
func (s *Session) Unread() *UnreadTracker { return s.unread }

// Presence exposes the presence tracker.
func (s *Session) Presence() *PresenceTracker { return s.presence }

// Closed reports whether the session ended.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func isAccessError(err error) bool {
	return errors.Is(err, core.ErrAccessDenied)
}
