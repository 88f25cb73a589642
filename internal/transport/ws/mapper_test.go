package ws

import (
	"errors"
	"testing"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

func frame(typ, room, payload string) proto.Frame {
	f := proto.Frame{Type: typ, RoomID: room}
	if payload != "" {
		f.Payload = []byte(payload)
	}
	return f
}

func TestFrameToEvent(t *testing.T) {
	tests := []struct {
		name     string
		frame    proto.Frame
		kind     core.EventKind
		room     string
		checkErr error
	}{
		{
			name:  "message object payload",
			frame: frame("message", "", `{"id":"m1","roomId":"r1","senderId":"u1","content":"hi","occurredAt":"2024-05-01T10:30:00Z"}`),
			kind:  core.EventMessage,
			room:  "r1",
		},
		{
			name:  "message string payload falls back to envelope room",
			frame: frame("MESSAGE", "r2", `"{\"id\":\"m2\",\"senderId\":\"u1\",\"content\":\"hi\"}"`),
			kind:  core.EventMessage,
			room:  "r2",
		},
		{
			name:  "room closed nested in message",
			frame: frame("message", "", `{"type":"room_closed","roomId":"r3"}`),
			kind:  core.EventRoomClosed,
			room:  "r3",
		},
		{
			name:  "room closed dedicated frame",
			frame: frame("room_closed", "r4", ""),
			kind:  core.EventRoomClosed,
			room:  "r4",
		},
		{
			name:  "presence",
			frame: frame("presence", "r5", `{"userId":"u9","online":true}`),
			kind:  core.EventPresence,
			room:  "r5",
		},
		{
			name:  "mention",
			frame: frame("mention", "", `{"roomId":"r6","mentionedUserId":"u1","senderName":"bob","content":"hey"}`),
			kind:  core.EventMention,
			room:  "r6",
		},
		{
			name:  "subscribed without payload",
			frame: frame("subscribed", "r7", ""),
			kind:  core.EventSubscribed,
			room:  "r7",
		},
		{
			name:  "pong",
			frame: frame("pong", "", ""),
			kind:  core.EventPong,
		},
		{
			name:     "unknown type",
			frame:    frame("typing", "r1", `{}`),
			checkErr: errUnknownKind,
		},
		{
			name:     "message without id",
			frame:    frame("message", "r1", `{"content":"x"}`),
			checkErr: errMissingMessage,
		},
		{
			name:     "presence without user",
			frame:    frame("presence", "r1", `{"online":true}`),
			checkErr: errMissingUser,
		},
		{
			name:     "room closed without room",
			frame:    frame("room_closed", "", ""),
			checkErr: errMissingRoom,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := frameToEvent(tt.frame)
			if tt.checkErr != nil {
				if !errors.Is(err, tt.checkErr) {
					t.Fatalf("expected %v, got %v", tt.checkErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ev.Kind != tt.kind || ev.Room != tt.room {
				t.Fatalf("got kind=%s room=%s, want kind=%s room=%s", ev.Kind, ev.Room, tt.kind, tt.room)
			}
		})
	}
}

func TestFrameToEventMessageFields(t *testing.T) {
	ev, err := frameToEvent(frame("message", "r1",
		`{"id":"m1","senderId":"u1","content":"hello","quotedMessageId":"m0","mentionedUserIds":["u2"],"senderName":"alice","createTime":"2024-05-01 10:30:00"}`))
	if err != nil {
		t.Fatalf("frameToEvent: %v", err)
	}
	msg := ev.Message
	if msg == nil {
		t.Fatalf("message payload missing")
	}
	if msg.RoomID != "r1" || msg.QuotedMessageID != "m0" || msg.Sender.Name != "alice" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if len(msg.MentionedUserIDs) != 1 || msg.MentionedUserIDs[0] != "u2" {
		t.Fatalf("unexpected mentions: %v", msg.MentionedUserIDs)
	}
	if msg.OccurredAt.IsZero() {
		t.Fatalf("createTime should populate OccurredAt")
	}
}

func TestDropReason(t *testing.T) {
	if got := dropReason(errUnknownKind); got != "unknown_type" {
		t.Fatalf("unexpected reason %q", got)
	}
	if got := dropReason(errMissingRoom); got != "missing_field" {
		t.Fatalf("unexpected reason %q", got)
	}
	if got := dropReason(errors.New("bad json")); got != "malformed" {
		t.Fatalf("unexpected reason %q", got)
	}
}
