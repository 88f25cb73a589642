package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/api"
	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/transport/ws"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, minute int) core.Message {
	return core.Message{
		ID:         id,
		RoomID:     "room-1",
		SenderID:   "u-other",
		Content:    "hello " + id,
		OccurredAt: base.Add(time.Duration(minute) * time.Minute),
		Sender:     core.Sender{Name: "other"},
	}
}

// history builds n messages m1..mn, one minute apart, oldest first.
func history(n int) []core.Message {
	out := make([]core.Message, n)
	for i := range out {
		out[i] = msg(fmt.Sprintf("m%02d", i+1), i+1)
	}
	return out
}

func ids(msgs []core.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

type visit struct {
	room   string
	anchor api.Anchor
}

// fakeAPI serves in-memory rooms. History is held oldest first and paged
// most recent first.
type fakeAPI struct {
	mu sync.Mutex

	history  map[string][]core.Message
	anchors  map[string]core.UnreadAnchor
	readUpTo map[string]api.Anchor
	members  map[string][]core.Member
	rooms    []core.Room
	pageSize int

	pageCalls   []int
	memberCalls int
	visits      []visit
	joined      []string
	left        []string
	deleted     []string
	sent        []api.SendRequest

	unreadErr error
	visitErrs []error
	sendErr   error
	joinErr   error
	memberErr error

	// pageHook runs before a page is served, outside the lock.
	pageHook func(ctx context.Context, pageNum int)
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		history: make(map[string][]core.Message),
		anchors:  make(map[string]core.UnreadAnchor),
		readUpTo: make(map[string]api.Anchor),
		members: make(map[string][]core.Member),
	}
}

func (f *fakeAPI) PageMessages(ctx context.Context, roomID string, pageNum, pageSize int) (core.Page, error) {
	f.mu.Lock()
	hook := f.pageHook
	f.pageCalls = append(f.pageCalls, pageNum)
	all := f.history[roomID]
	f.mu.Unlock()

	if hook != nil {
		hook(ctx, pageNum)
	}

	total := len(all)
	pages := (total + pageSize - 1) / pageSize
	end := total - (pageNum-1)*pageSize
	start := max(end-pageSize, 0)

	var records []core.Message
	for i := end - 1; i >= start && i >= 0; i-- {
		records = append(records, all[i])
	}
	return core.Page{Records: records, Current: pageNum, Size: pageSize, Pages: pages, Total: total}, nil
}

func (f *fakeAPI) GetUnreadInfo(_ context.Context, roomID string) (core.UnreadAnchor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreadErr != nil {
		return core.UnreadAnchor{}, f.unreadErr
	}
	if read, ok := f.readUpTo[roomID]; ok {
		return unreadAfter(f.history[roomID], read), nil
	}
	return f.anchors[roomID], nil
}

func (f *fakeAPI) VisitRoom(_ context.Context, roomID string, anchor api.Anchor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visits = append(f.visits, visit{room: roomID, anchor: anchor})
	if len(f.visitErrs) > 0 {
		err := f.visitErrs[0]
		f.visitErrs = f.visitErrs[1:]
		if err != nil {
			return err
		}
	}
	f.readUpTo[roomID] = anchor
	return nil
}

// unreadAfter recomputes what stays unread for u-self once history is read up
// to anchor. An anchor that cannot be placed reads everything.
func unreadAfter(history []core.Message, anchor api.Anchor) core.UnreadAnchor {
	pos := len(history) - 1
	found := false
	for i, m := range history {
		if anchor.ID != "" && m.ID == anchor.ID {
			pos, found = i, true
			break
		}
	}
	if !found && !anchor.Time.IsZero() {
		pos = -1
		for i, m := range history {
			if !m.OccurredAt.After(anchor.Time) {
				pos = i
			}
		}
	}

	var next core.UnreadAnchor
	for _, m := range history[pos+1:] {
		if m.SenderID == "u-self" {
			continue
		}
		if next.Count == 0 {
			next.FirstUnreadID, next.FirstUnreadAt = m.ID, m.OccurredAt
		}
		next.Count++
	}
	return next
}

func (f *fakeAPI) ListMembers(_ context.Context, roomID string) ([]core.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberCalls++
	if f.memberErr != nil {
		return nil, f.memberErr
	}
	return append([]core.Member(nil), f.members[roomID]...), nil
}

func (f *fakeAPI) ListRooms(_ context.Context, nameLike string) ([]core.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Room(nil), f.rooms...), nil
}

func (f *fakeAPI) JoinRoom(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joined = append(f.joined, roomID)
	return nil
}

func (f *fakeAPI) LeaveRoom(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, roomID)
	return nil
}

func (f *fakeAPI) DeleteRoom(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, roomID)
	return nil
}

func (f *fakeAPI) SendMessage(_ context.Context, roomID string, req api.SendRequest) (core.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return core.Message{}, f.sendErr
	}
	f.sent = append(f.sent, req)
	m := core.Message{
		ID:               fmt.Sprintf("sent-%d", len(f.sent)),
		RoomID:           roomID,
		SenderID:         "u-self",
		Content:          req.Content,
		QuotedMessageID:  req.QuotedMessageID,
		MentionedUserIDs: req.MentionedUserIDs,
		OccurredAt:       base.Add(time.Hour + time.Duration(len(f.sent))*time.Second),
	}
	f.history[roomID] = append(f.history[roomID], m)
	return m, nil
}

func (f *fakeAPI) setHistory(roomID string, msgs []core.Message) {
	f.mu.Lock()
	f.history[roomID] = msgs
	f.mu.Unlock()
}

func (f *fakeAPI) appendHistory(roomID string, msgs ...core.Message) {
	f.mu.Lock()
	f.history[roomID] = append(f.history[roomID], msgs...)
	f.mu.Unlock()
}

func (f *fakeAPI) setAnchor(roomID string, a core.UnreadAnchor) {
	f.mu.Lock()
	f.anchors[roomID] = a
	delete(f.readUpTo, roomID)
	f.mu.Unlock()
}

func (f *fakeAPI) visitLog() []visit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]visit(nil), f.visits...)
}

func (f *fakeAPI) pages() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.pageCalls...)
}

func (f *fakeAPI) memberCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memberCalls
}

// fakeSubs records subscription calls and lets tests fire resubscribes.
type fakeSubs struct {
	mu        sync.Mutex
	active    map[string]bool
	calls     []string
	subErr    error
	seq       uint64
	listeners map[string]map[uint64]func()
}

func newFakeSubs() *fakeSubs {
	return &fakeSubs{active: make(map[string]bool), listeners: make(map[string]map[uint64]func())}
}

func (f *fakeSubs) Subscribe(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "sub:"+roomID)
	if f.subErr != nil {
		return f.subErr
	}
	f.active[roomID] = true
	return nil
}

func (f *fakeSubs) Unsubscribe(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "unsub:"+roomID)
	delete(f.active, roomID)
	return nil
}

func (f *fakeSubs) OnResubscribed(roomID string, fn func()) *ws.Subscription {
	f.mu.Lock()
	f.seq++
	id := f.seq
	if f.listeners[roomID] == nil {
		f.listeners[roomID] = make(map[uint64]func())
	}
	f.listeners[roomID][id] = fn
	f.mu.Unlock()
	return ws.NewSubscription(func() {
		f.mu.Lock()
		delete(f.listeners[roomID], id)
		f.mu.Unlock()
	})
}

func (f *fakeSubs) resubscribe(roomID string) {
	f.mu.Lock()
	var fns []func()
	for _, fn := range f.listeners[roomID] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (f *fakeSubs) isActive(roomID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[roomID]
}

func (f *fakeSubs) listenerCount(roomID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners[roomID])
}

// recordingNotifier captures user-visible notices.
type recordingNotifier struct {
	mu       sync.Mutex
	denied   []string
	closed   []string
	failed   []string
	mentions []MentionAlert
}

func (n *recordingNotifier) AccessDenied(roomID string, _ error) {
	n.mu.Lock()
	n.denied = append(n.denied, roomID)
	n.mu.Unlock()
}

func (n *recordingNotifier) RoomClosed(roomID string) {
	n.mu.Lock()
	n.closed = append(n.closed, roomID)
	n.mu.Unlock()
}

func (n *recordingNotifier) SendFailed(roomID string, _ error) {
	n.mu.Lock()
	n.failed = append(n.failed, roomID)
	n.mu.Unlock()
}

func (n *recordingNotifier) Mention(alert MentionAlert) {
	n.mu.Lock()
	n.mentions = append(n.mentions, alert)
	n.mu.Unlock()
}

func (n *recordingNotifier) snapshot() (denied, closed, failed []string, mentions []MentionAlert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.denied...),
		append([]string(nil), n.closed...),
		append([]string(nil), n.failed...),
		append([]MentionAlert(nil), n.mentions...)
}

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errBoom = errors.New("boom")
