package store

import (
	"context"
	"errors"
	"testing"

	"github.com/vovakirdan/wirechat-sync/internal/core"
)

func TestMemoryRoomCache(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_ = m.ReplaceRooms(ctx, []core.Room{
		{ID: "b", Name: "zeta", UnreadCount: 3},
		{ID: "a", Name: "alpha", Joined: true},
	})

	rooms, _ := m.ListRooms(ctx)
	if len(rooms) != 2 || rooms[0].ID != "a" {
		t.Fatalf("unexpected order: %+v", rooms)
	}

	if err := m.SetUnread(ctx, "b", 0); err != nil {
		t.Fatalf("SetUnread: %v", err)
	}
	if err := m.SetJoined(ctx, "a", false); err != nil {
		t.Fatalf("SetJoined: %v", err)
	}
	b, _ := m.GetRoom(ctx, "b")
	a, _ := m.GetRoom(ctx, "a")
	if b.UnreadCount != 0 || a.Joined {
		t.Fatalf("updates not applied: a=%+v b=%+v", a, b)
	}

	if err := m.RemoveRoom(ctx, "a"); err != nil {
		t.Fatalf("RemoveRoom: %v", err)
	}
	if err := m.RemoveRoom(ctx, "a"); err != nil {
		t.Fatalf("second RemoveRoom: %v", err)
	}
	if _, err := m.GetRoom(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := m.SetJoined(ctx, "a", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryAnchorCache(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_ = m.SaveAnchor(ctx, "r1", core.UnreadAnchor{FirstUnreadID: "m1", Count: 2})
	a, ok, _ := m.LoadAnchor(ctx, "r1")
	if !ok || a.FirstUnreadID != "m1" {
		t.Fatalf("unexpected anchor: %+v ok=%v", a, ok)
	}

	// a count without an id is still unread
	_ = m.SaveAnchor(ctx, "r1", core.UnreadAnchor{Count: 4})
	if a, ok, _ := m.LoadAnchor(ctx, "r1"); !ok || a.Count != 4 || a.FirstUnreadID != "" {
		t.Fatalf("count-only anchor lost: %+v ok=%v", a, ok)
	}

	_ = m.SaveAnchor(ctx, "r1", core.UnreadAnchor{FirstUnreadID: "m1"})
	if _, ok, _ := m.LoadAnchor(ctx, "r1"); ok {
		t.Fatalf("id without count should have been removed")
	}
}

var _ Store = (*Memory)(nil)
