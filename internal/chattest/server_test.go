package chattest

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/wirechat-sync/internal/api"
	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

func dial(t *testing.T, s *Server, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return websocket.Dial(ctx, s.WSURL()+"?token="+token, nil)
}

func readFrame(t *testing.T, c *websocket.Conn) proto.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var f proto.Frame
	if err := wsjson.Read(ctx, c, &f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestWebsocketUpgradeAndPush(t *testing.T) {
	s := New(t)
	s.AddRoom(core.Room{ID: "room-1", Name: "general"},
		core.Member{UserID: "u1", Name: "alice"},
		core.Member{UserID: "u2", Name: "bob"},
	)

	c, _, err := dial(t, s, s.Token(t, "u1", "alice"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	ctx := context.Background()
	if err := wsjson.Write(ctx, c, proto.Control{Type: proto.ControlSubscribe, RoomID: "room-1"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if f := readFrame(t, c); f.Kind() != proto.FrameTypeSubscribed || f.RoomID != "room-1" {
		t.Fatalf("expected subscribed ack, got %+v", f)
	}

	posted := s.Post("room-1", "u2", "hello")
	f := readFrame(t, c)
	if f.Kind() != proto.FrameTypeMessage {
		t.Fatalf("expected a message frame, got %+v", f)
	}
	var p proto.MessagePayload
	if err := proto.DecodePayload(f.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.ID != posted.ID || p.Content != "hello" {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	s := New(t)

	_, resp, err := dial(t, s, "not-a-token")
	if err == nil {
		t.Fatalf("expected the upgrade to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestVisitFallsBackToAnchorTime(t *testing.T) {
	s := New(t)
	s.AddRoom(core.Room{ID: "room-1", Name: "general"},
		core.Member{UserID: "u1", Name: "alice"},
		core.Member{UserID: "u2", Name: "bob"},
	)
	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	s.Seed("room-1",
		core.Message{ID: "m1", RoomID: "room-1", SenderID: "u2", OccurredAt: base},
		core.Message{ID: "m2", RoomID: "room-1", SenderID: "u2", OccurredAt: base.Add(time.Minute)},
		core.Message{ID: "m3", RoomID: "room-1", SenderID: "u2", OccurredAt: base.Add(2 * time.Minute)},
	)
	c := api.New(api.Options{BaseURL: s.APIURL(), Token: s.Token(t, "u1", "alice")})
	ctx := context.Background()

	tests := []struct {
		name   string
		anchor api.Anchor
		want   core.UnreadAnchor
	}{
		{"known id", api.Anchor{ID: "m2"}, core.UnreadAnchor{FirstUnreadID: "m3", FirstUnreadAt: base.Add(2 * time.Minute), Count: 1}},
		{"unknown id with time", api.Anchor{ID: "gone", Time: base}, core.UnreadAnchor{FirstUnreadID: "m2", FirstUnreadAt: base.Add(time.Minute), Count: 2}},
		{"time before history", api.Anchor{Time: base.Add(-time.Hour)}, core.UnreadAnchor{FirstUnreadID: "m1", FirstUnreadAt: base, Count: 3}},
		{"whole room", api.Anchor{}, core.UnreadAnchor{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.VisitRoom(ctx, "room-1", tt.anchor); err != nil {
				t.Fatalf("visit: %v", err)
			}
			got := s.Unread("room-1", "u1")
			if got.FirstUnreadID != tt.want.FirstUnreadID || got.Count != tt.want.Count || !got.FirstUnreadAt.Equal(tt.want.FirstUnreadAt) {
				t.Fatalf("unread = %+v, want %+v", got, tt.want)
			}
		})
	}
}
