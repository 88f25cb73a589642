package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/metrics"
)

// MemberSource lists room members with their online flags.
type MemberSource interface {
	ListMembers(ctx context.Context, roomID string) ([]core.Member, error)
}

// PresenceOptions configures a PresenceTracker.
type PresenceOptions struct {
	// Debounce is the window in which unknown-member frames share one refresh.
	Debounce time.Duration
	// RefreshInterval re-fetches the member list periodically; zero disables.
	RefreshInterval time.Duration
	// RequestTimeout bounds each background refresh.
	RequestTimeout time.Duration
	Clock          clock.Clock
	Logger         *zerolog.Logger
}

// PresenceTracker keeps the member list of a room and its online flags.
// Presence is best-effort: a member may look online until the next refresh
// or an explicit offline frame.
type PresenceTracker struct {
	roomID string
	src    MemberSource
	opts   PresenceOptions
	log    *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	members map[string]core.Member
	pending *clock.Timer
	closed  bool
}

// NewPresenceTracker creates an empty tracker.
func NewPresenceTracker(roomID string, src MemberSource, opts PresenceOptions) *PresenceTracker {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PresenceTracker{
		roomID:  roomID,
		src:     src,
		opts:    opts,
		log:     logger,
		ctx:     ctx,
		cancel:  cancel,
		members: make(map[string]core.Member),
	}
}

// Seed replaces the member set with a fresh listing.
func (p *PresenceTracker) Seed(ctx context.Context) error {
	members, err := p.src.ListMembers(ctx, p.roomID)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	p.replace(members)
	return nil
}

// Start launches periodic reconciliation when a refresh interval is set.
func (p *PresenceTracker) Start() {
	if p.opts.RefreshInterval <= 0 {
		return
	}
	ticker := p.opts.Clock.Ticker(p.opts.RefreshInterval)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				p.refresh("periodic")
			}
		}
	}()
}

// Apply folds one presence frame in. Frames for unknown members schedule a
// single debounced refresh of the whole list.
func (p *PresenceTracker) Apply(pr core.Presence) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	if m, ok := p.members[pr.UserID]; ok {
		m.Online = pr.Online
		p.members[pr.UserID] = m
		return
	}

	if p.pending != nil {
		return
	}
	p.log.Debug().Str("room_id", p.roomID).Str("user_id", pr.UserID).Msg("presence for unknown member, refresh scheduled")
	p.pending = p.opts.Clock.AfterFunc(p.opts.Debounce, func() {
		p.mu.Lock()
		p.pending = nil
		p.mu.Unlock()
		p.refresh("unknown_member")
	})
}

func (p *PresenceTracker) refresh(trigger string) {
	if p.ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.opts.RequestTimeout)
	defer cancel()

	metrics.MemberRefreshes.WithLabelValues(trigger).Inc()
	members, err := p.src.ListMembers(ctx, p.roomID)
	if err != nil {
		p.log.Debug().Err(err).Str("room_id", p.roomID).Str("trigger", trigger).Msg("member refresh failed")
		return
	}
	p.replace(members)
}

func (p *PresenceTracker) replace(members []core.Member) {
	next := make(map[string]core.Member, len(members))
	for _, m := range members {
		if m.UserID != "" {
			next[m.UserID] = m
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.members = next
}

// Member returns one member.
func (p *PresenceTracker) Member(userID string) (core.Member, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.members[userID]
	return m, ok
}

// Members returns the members, online first, then by name.
func (p *PresenceTracker) Members() []core.Member {
	p.mu.RLock()
	out := make([]core.Member, 0, len(p.members))
	for _, m := range p.members {
		out = append(out, m)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Online != out[j].Online {
			return out[i].Online
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// OnlineCount returns how many members are online.
func (p *PresenceTracker) OnlineCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, m := range p.members {
		if m.Online {
			n++
		}
	}
	return n
}

// Candidates returns up to limit members whose name contains query
// (case-insensitive), excluding selfID, online first.
func (p *PresenceTracker) Candidates(query, selfID string, limit int) []core.Member {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []core.Member
	for _, m := range p.Members() {
		if m.UserID == selfID {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(m.Name), q) {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Close stops background refreshes. Late results are discarded.
func (p *PresenceTracker) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.pending != nil {
		p.pending.Stop()
		p.pending = nil
	}
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}
