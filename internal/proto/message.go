package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Frame is the envelope for everything pushed by the server.
type Frame struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Control is the envelope for frames sent by the client.
type Control struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId,omitempty"`
}

const (
	FrameTypeMessage    = "message"
	FrameTypePresence   = "presence"
	FrameTypeMention    = "mention"
	FrameTypeRoomClosed = "room_closed"
	FrameTypeSubscribed = "subscribed"
	FrameTypePong       = "pong"

	ControlSubscribe   = "SUBSCRIBE"
	ControlUnsubscribe = "UNSUBSCRIBE"
	ControlHeartbeat   = "HEARTBEAT"
)

// MessagePayload is a live chat message with denormalized sender fields.
type MessagePayload struct {
	ID               string    `json:"id"`
	RoomID           string    `json:"roomId"`
	SenderID         string    `json:"senderId"`
	Content          string    `json:"content"`
	QuotedMessageID  string    `json:"quotedMessageId,omitempty"`
	MentionedUserIDs []string  `json:"mentionedUserIds,omitempty"`
	OccurredAt       Timestamp `json:"occurredAt,omitempty"`
	CreateTime       Timestamp `json:"createTime,omitempty"`
	SenderName       string    `json:"senderName,omitempty"`
	SenderAvatar     string    `json:"senderAvatar,omitempty"`
	SenderTags       []string  `json:"senderTags,omitempty"`
}

// PresencePayload flips a member online flag.
type PresencePayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// MentionPayload notifies a user that they were mentioned.
type MentionPayload struct {
	RoomID          string `json:"roomId"`
	MentionedUserID string `json:"mentionedUserId"`
	SenderName      string `json:"senderName,omitempty"`
	Content         string `json:"content,omitempty"`
}

// RoomClosedPayload names a deleted room.
type RoomClosedPayload struct {
	RoomID string `json:"roomId"`
}

// SubscribedPayload confirms a SUBSCRIBE control frame.
type SubscribedPayload struct {
	RoomID string `json:"roomId"`
}

// nestedClosed is the room_closed notice carried inside a generic message frame.
type nestedClosed struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId"`
	Payload json.RawMessage `json:"payload"`
}

// Kind returns the normalized frame type.
func (f Frame) Kind() string {
	return strings.ToLower(strings.TrimSpace(f.Type))
}

// DecodePayload unmarshals the frame payload into v. Payloads sent as a JSON
// string holding an object are unwrapped first.
func DecodePayload(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return errors.New("empty payload")
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return err
		}
		raw = json.RawMessage(inner)
	}
	return json.Unmarshal(raw, v)
}

// NestedRoomClosed extracts a room_closed notice from a message-typed frame.
// It returns false when the payload is an ordinary message.
func NestedRoomClosed(f Frame) (RoomClosedPayload, bool) {
	var n nestedClosed
	if err := DecodePayload(f.Payload, &n); err != nil {
		return RoomClosedPayload{}, false
	}
	if strings.ToLower(n.Type) != FrameTypeRoomClosed {
		return RoomClosedPayload{}, false
	}
	roomID := n.RoomID
	if roomID == "" && len(n.Payload) > 0 {
		var inner RoomClosedPayload
		if err := DecodePayload(n.Payload, &inner); err == nil {
			roomID = inner.RoomID
		}
	}
	if roomID == "" {
		roomID = f.RoomID
	}
	return RoomClosedPayload{RoomID: roomID}, true
}

// Timestamp accepts the time encodings the platform emits: RFC3339,
// "2006-01-02 15:04:05", zone-less ISO and epoch milliseconds.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}
	if s[0] != '"' {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	unquoted, err := strconv.Unquote(s)
	if err != nil {
		return err
	}
	for _, layout := range timestampLayouts {
		if parsed, perr := time.Parse(layout, unquoted); perr == nil {
			t.Time = parsed
			return nil
		}
	}
	return errors.New("unsupported timestamp: " + unquoted)
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}
