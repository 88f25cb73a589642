// Package api is the REST client for the chat-room endpoints of the platform.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

const roomsPath = "/app/chat-rooms"

// maxRoomPages bounds ListRooms pagination.
const maxRoomPages = 50

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Logger  *zerolog.Logger
}

// Anchor is the read position sent with VisitRoom. The server prefers ID and
// falls back to Time when it does not know the id; an empty anchor marks the
// whole room read.
type Anchor struct {
	ID   string
	Time time.Time
}

// SendRequest is an outgoing chat message.
type SendRequest struct {
	Content          string
	QuotedMessageID  string
	MentionedUserIDs []string
}

// Client talks to the chat-room REST API.
type Client struct {
	http *resty.Client
	log  *zerolog.Logger
}

// New creates a client for opts.BaseURL (for example http://host/api).
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	rc := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetLogger(restyLogger{log: logger})
	if opts.Token != "" {
		rc.SetAuthToken(opts.Token)
	}

	return &Client{http: rc, log: logger}
}

// PageMessages fetches one most-recent-first page of room history. Pages are
// numbered from 1.
func (c *Client) PageMessages(ctx context.Context, roomID string, pageNum, pageSize int) (core.Page, error) {
	page, err := do[proto.PageDTO[proto.MessagePayload]](ctx, c, "page messages", func(r *resty.Request) (*resty.Response, error) {
		return r.SetPathParam("roomId", roomID).
			SetQueryParams(map[string]string{
				"pageNum":  strconv.Itoa(pageNum),
				"pageSize": strconv.Itoa(pageSize),
			}).
			Get(roomsPath + "/{roomId}/messages")
	})
	if err != nil {
		return core.Page{}, err
	}
	for i := range page.Records {
		if page.Records[i].RoomID == "" {
			page.Records[i].RoomID = roomID
		}
	}
	return proto.ToPage(page), nil
}

// SendMessage posts a message and returns it as stored by the server.
func (c *Client) SendMessage(ctx context.Context, roomID string, req SendRequest) (core.Message, error) {
	body := proto.SendMessageRequest{
		Content:          req.Content,
		QuotedMessageID:  req.QuotedMessageID,
		MentionedUserIDs: req.MentionedUserIDs,
	}
	msg, err := do[proto.MessagePayload](ctx, c, "send message", func(r *resty.Request) (*resty.Response, error) {
		return r.SetPathParam("roomId", roomID).SetBody(body).Post(roomsPath + "/{roomId}/messages")
	})
	if err != nil {
		return core.Message{}, err
	}
	if msg.RoomID == "" {
		msg.RoomID = roomID
	}
	return proto.ToMessage(msg), nil
}

// GetUnreadInfo returns the unread count and first-unread anchor of a room.
func (c *Client) GetUnreadInfo(ctx context.Context, roomID string) (core.UnreadAnchor, error) {
	info, err := do[proto.UnreadInfoDTO](ctx, c, "unread info", func(r *resty.Request) (*resty.Response, error) {
		return r.SetPathParam("roomId", roomID).Get(roomsPath + "/{roomId}/unread-info")
	})
	if err != nil {
		return core.UnreadAnchor{}, err
	}
	return proto.ToAnchor(info), nil
}

// GetUnreadCount returns only the unread count of a room.
func (c *Client) GetUnreadCount(ctx context.Context, roomID string) (int, error) {
	n, err := do[int](ctx, c, "unread count", func(r *resty.Request) (*resty.Response, error) {
		return r.SetPathParam("roomId", roomID).Get(roomsPath + "/{roomId}/unread-count")
	})
	if err != nil {
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

// VisitRoom acknowledges reading up to anchor.
func (c *Client) VisitRoom(ctx context.Context, roomID string, anchor Anchor) error {
	_, err := do[json.RawMessage](ctx, c, "visit room", func(r *resty.Request) (*resty.Response, error) {
		r.SetPathParam("roomId", roomID)
		if anchor.ID != "" {
			r.SetQueryParam("anchorId", anchor.ID)
		}
		if !anchor.Time.IsZero() {
			r.SetQueryParam("anchorTime", anchor.Time.UTC().Format(time.RFC3339Nano))
		}
		return r.Put(roomsPath + "/{roomId}/visit")
	})
	return err
}

// ListMembers returns the room members with their online flags.
func (c *Client) ListMembers(ctx context.Context, roomID string) ([]core.Member, error) {
	dtos, err := do[[]proto.MemberDTO](ctx, c, "list members", func(r *resty.Request) (*resty.Response, error) {
		return r.SetPathParam("roomId", roomID).Get(roomsPath + "/{roomId}/members")
	})
	if err != nil {
		return nil, err
	}
	members := make([]core.Member, 0, len(dtos))
	for _, m := range dtos {
		if m.UserID == "" {
			continue
		}
		members = append(members, proto.ToMember(m))
	}
	return members, nil
}

// ListRooms returns every room visible to the caller, walking the pages the
// server reports. A bare list response is accepted as a single page.
func (c *Client) ListRooms(ctx context.Context, nameLike string) ([]core.Room, error) {
	const pageSize = 100

	var rooms []core.Room
	for pageNum := 1; pageNum <= maxRoomPages; pageNum++ {
		raw, err := do[json.RawMessage](ctx, c, "list rooms", func(r *resty.Request) (*resty.Response, error) {
			r.SetQueryParams(map[string]string{
				"pageNum":  strconv.Itoa(pageNum),
				"pageSize": strconv.Itoa(pageSize),
			})
			if nameLike != "" {
				r.SetQueryParam("nameLike", nameLike)
			}
			return r.Get(roomsPath)
		})
		if err != nil {
			return nil, err
		}

		page, err := decodeRoomPage(raw)
		if err != nil {
			return nil, fmt.Errorf("list rooms: %w", err)
		}
		for _, dto := range page.Records {
			rooms = append(rooms, proto.ToRoom(dto))
		}
		if page.Pages <= pageNum || len(page.Records) == 0 {
			break
		}
	}
	return rooms, nil
}

// JoinRoom makes the caller a member of the room.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	return c.roomAction(ctx, "join room", roomID, http.MethodPost, "/join")
}

// LeaveRoom removes the caller from the room.
func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	return c.roomAction(ctx, "leave room", roomID, http.MethodPost, "/leave")
}

// DeleteRoom deletes the room. Only its creator may do this.
func (c *Client) DeleteRoom(ctx context.Context, roomID string) error {
	return c.roomAction(ctx, "delete room", roomID, http.MethodDelete, "")
}

func (c *Client) roomAction(ctx context.Context, op, roomID, method, suffix string) error {
	_, err := do[json.RawMessage](ctx, c, op, func(r *resty.Request) (*resty.Response, error) {
		return r.SetPathParam("roomId", roomID).Execute(method, roomsPath+"/{roomId}"+suffix)
	})
	return err
}

func decodeRoomPage(raw json.RawMessage) (proto.PageDTO[proto.RoomDTO], error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return proto.PageDTO[proto.RoomDTO]{}, nil
	}
	if raw[0] == '[' {
		var list []proto.RoomDTO
		if err := json.Unmarshal(raw, &list); err != nil {
			return proto.PageDTO[proto.RoomDTO]{}, err
		}
		return proto.PageDTO[proto.RoomDTO]{Records: list, Total: len(list), Current: 1, Pages: 1}, nil
	}
	var page proto.PageDTO[proto.RoomDTO]
	err := json.Unmarshal(raw, &page)
	return page, err
}

// do runs one request and unwraps the {code, message, data} envelope.
func do[T any](ctx context.Context, c *Client, op string, send func(*resty.Request) (*resty.Response, error)) (T, error) {
	var (
		zero    T
		result  proto.Response[T]
		failure proto.Response[json.RawMessage]
	)

	req := c.http.R().SetContext(ctx).SetResult(&result).SetError(&failure)
	resp, err := send(req)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", op, err)
	}

	if resp.IsError() {
		return zero, statusError(op, resp.StatusCode(), failure.Message)
	}
	if result.Code != 0 && result.Code != http.StatusOK {
		return zero, statusError(op, result.Code, result.Message)
	}

	c.log.Debug().Str("op", op).Int("status", resp.StatusCode()).Dur("took", resp.Time()).Msg("api call")
	return result.Data, nil
}

// statusError maps HTTP or envelope codes onto the domain errors.
func statusError(op string, code int, message string) error {
	if message == "" {
		message = http.StatusText(code)
	}
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return core.NewError(core.ErrCodeAccessDenied, fmt.Sprintf("%s: %s", op, message), core.ErrAccessDenied)
	case http.StatusNotFound:
		return core.NewError(core.ErrCodeRoomNotFound, fmt.Sprintf("%s: %s", op, message), core.ErrRoomNotFound)
	case http.StatusBadRequest:
		return core.NewError(core.ErrCodeBadRequest, fmt.Sprintf("%s: %s", op, message), core.ErrBadRequest)
	default:
		return fmt.Errorf("%s: status %d: %s", op, code, message)
	}
}

// restyLogger forwards resty's internal logging to zerolog.
type restyLogger struct {
	log *zerolog.Logger
}

func (l restyLogger) Errorf(format string, v ...any) {
	l.log.Error().Msgf(strings.TrimSpace(format), v...)
}

func (l restyLogger) Warnf(format string, v ...any) {
	l.log.Warn().Msgf(strings.TrimSpace(format), v...)
}

func (l restyLogger) Debugf(format string, v ...any) {
	l.log.Debug().Msgf(strings.TrimSpace(format), v...)
}
