package chattest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

var connSeq atomic.Uint64

// conn is one accepted websocket and its room subscriptions.
type conn struct {
	seq    uint64
	userID string
	ws     *websocket.Conn
	out    chan []byte
	cancel context.CancelFunc

	mu    sync.Mutex
	rooms map[string]bool
}

func (c *conn) subscribed(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[roomID]
}

func (c *conn) write(frame proto.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.writeRaw(data)
}

// writeRaw queues data; frames to a stalled connection are dropped.
func (c *conn) writeRaw(data []byte) {
	select {
	case c.out <- data:
	default:
	}
}

func (c *conn) kick() {
	c.cancel()
	_ = c.ws.CloseNow()
}

// serveWS is mounted outside gin; the router's writer reports a written
// response before the upgrade can hijack it.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.ValidateToken(s.jwt, r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer ws.Close(websocket.StatusInternalError, "internal error")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &conn{
		seq:    connSeq.Add(1),
		userID: claims.Identity().UserID,
		ws:     ws,
		out:    make(chan []byte, 256),
		cancel: cancel,
		rooms:  make(map[string]bool),
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.readLoop(ctx, c)
	}()
	go func() {
		errCh <- s.writeLoop(ctx, c)
	}()

	err = <-errCh
	cancel()
	<-errCh

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		s.log.Debug().Err(err).Str("user_id", c.userID).Msg("ws connection closed")
	}
	ws.Close(websocket.StatusNormalClosure, "closing")
}

func (s *Server) readLoop(ctx context.Context, c *conn) error {
	for {
		var ctl proto.Control
		if err := wsjson.Read(ctx, c.ws, &ctl); err != nil {
			return err
		}

		s.mu.Lock()
		s.controls = append(s.controls, ctl)
		s.mu.Unlock()

		switch strings.ToUpper(ctl.Type) {
		case proto.ControlSubscribe:
			c.mu.Lock()
			c.rooms[ctl.RoomID] = true
			c.mu.Unlock()
			payload, _ := json.Marshal(proto.SubscribedPayload{RoomID: ctl.RoomID})
			c.write(proto.Frame{Type: proto.FrameTypeSubscribed, RoomID: ctl.RoomID, Payload: payload})
		case proto.ControlUnsubscribe:
			c.mu.Lock()
			delete(c.rooms, ctl.RoomID)
			c.mu.Unlock()
		case proto.ControlHeartbeat:
			c.write(proto.Frame{Type: proto.FrameTypePong})
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, c *conn) error {
	for {
		select {
		case data := <-c.out:
			if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
