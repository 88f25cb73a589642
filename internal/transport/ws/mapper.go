package ws

import (
	"errors"
	"fmt"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

var (
	errUnknownKind    = errors.New("unknown frame type")
	errMissingRoom    = errors.New("frame without room id")
	errMissingMessage = errors.New("message frame without id")
	errMissingUser    = errors.New("presence frame without user id")
)

// frameToEvent normalizes both wire shapes of every frame kind into core.Event.
func frameToEvent(frame proto.Frame) (core.Event, error) {
	switch frame.Kind() {
	case proto.FrameTypeMessage:
		if closed, ok := proto.NestedRoomClosed(frame); ok {
			return roomClosedEvent(closed.RoomID)
		}
		var p proto.MessagePayload
		if err := proto.DecodePayload(frame.Payload, &p); err != nil {
			return core.Event{}, fmt.Errorf("decode message: %w", err)
		}
		if p.ID == "" {
			return core.Event{}, errMissingMessage
		}
		if p.RoomID == "" {
			p.RoomID = frame.RoomID
		}
		msg := proto.ToMessage(p)
		return core.Event{Kind: core.EventMessage, Room: msg.RoomID, Message: &msg}, nil

	case proto.FrameTypePresence:
		var p proto.PresencePayload
		if err := proto.DecodePayload(frame.Payload, &p); err != nil {
			return core.Event{}, fmt.Errorf("decode presence: %w", err)
		}
		if p.UserID == "" {
			return core.Event{}, errMissingUser
		}
		if p.RoomID == "" {
			p.RoomID = frame.RoomID
		}
		return core.Event{
			Kind:     core.EventPresence,
			Room:     p.RoomID,
			Presence: &core.Presence{RoomID: p.RoomID, UserID: p.UserID, Online: p.Online},
		}, nil

	case proto.FrameTypeMention:
		var p proto.MentionPayload
		if err := proto.DecodePayload(frame.Payload, &p); err != nil {
			return core.Event{}, fmt.Errorf("decode mention: %w", err)
		}
		if p.RoomID == "" {
			p.RoomID = frame.RoomID
		}
		return core.Event{
			Kind: core.EventMention,
			Room: p.RoomID,
			Mention: &core.Mention{
				RoomID:          p.RoomID,
				MentionedUserID: p.MentionedUserID,
				SenderName:      p.SenderName,
				Content:         p.Content,
			},
		}, nil

	case proto.FrameTypeRoomClosed:
		var p proto.RoomClosedPayload
		if len(frame.Payload) > 0 {
			if err := proto.DecodePayload(frame.Payload, &p); err != nil {
				return core.Event{}, fmt.Errorf("decode room_closed: %w", err)
			}
		}
		if p.RoomID == "" {
			p.RoomID = frame.RoomID
		}
		return roomClosedEvent(p.RoomID)

	case proto.FrameTypeSubscribed:
		var p proto.SubscribedPayload
		if len(frame.Payload) > 0 {
			// confirmation payload is optional
			_ = proto.DecodePayload(frame.Payload, &p)
		}
		if p.RoomID == "" {
			p.RoomID = frame.RoomID
		}
		return core.Event{Kind: core.EventSubscribed, Room: p.RoomID}, nil

	case proto.FrameTypePong:
		return core.Event{Kind: core.EventPong}, nil

	default:
		return core.Event{}, fmt.Errorf("%w: %q", errUnknownKind, frame.Type)
	}
}

func roomClosedEvent(roomID string) (core.Event, error) {
	if roomID == "" {
		return core.Event{}, errMissingRoom
	}
	return core.Event{Kind: core.EventRoomClosed, Room: roomID}, nil
}

// dropReason maps a decode error to a metrics label.
func dropReason(err error) string {
	switch {
	case errors.Is(err, errUnknownKind):
		return "unknown_type"
	case errors.Is(err, errMissingRoom), errors.Is(err, errMissingMessage), errors.Is(err, errMissingUser):
		return "missing_field"
	default:
		return "malformed"
	}
}
