// Package chattest runs an in-process chat platform speaking the REST and
// websocket contract the sync engine consumes. It exists for tests.
package chattest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

const secret = "chattest-secret"

type room struct {
	info     core.Room
	messages []core.Message // oldest first
	members  map[string]core.Member
	unread   map[string]core.UnreadAnchor
}

// Server is a fake chat platform backed by memory.
type Server struct {
	srv *httptest.Server
	jwt *auth.JWTConfig
	log *zerolog.Logger

	mu       sync.Mutex
	rooms    map[string]*room
	conns    map[*conn]struct{}
	controls []proto.Control
	visits   map[string][]string
	fail     map[string]int
	clock    func() time.Time
}

// New starts a server that is shut down when t ends.
func New(t testing.TB) *Server {
	t.Helper()

	logger := zerolog.Nop()
	s := &Server{
		jwt: &auth.JWTConfig{
			Secret:   []byte(secret),
			Issuer:   "chattest",
			Audience: "chattest",
			TTL:      time.Hour,
		},
		log:    &logger,
		rooms:  make(map[string]*room),
		conns:  make(map[*conn]struct{}),
		visits: make(map[string][]string),
		fail:   make(map[string]int),
		clock:  time.Now,
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery(), loggerMiddleware(s.log))

	rooms := router.Group("/api/app/chat-rooms", s.authMiddleware())
	rooms.GET("", s.listRooms)
	rooms.GET("/:roomId/messages", s.pageMessages)
	rooms.POST("/:roomId/messages", s.sendMessage)
	rooms.GET("/:roomId/unread-info", s.unreadInfo)
	rooms.GET("/:roomId/unread-count", s.unreadCount)
	rooms.PUT("/:roomId/visit", s.visit)
	rooms.GET("/:roomId/members", s.listMembers)
	rooms.POST("/:roomId/join", s.join)
	rooms.POST("/:roomId/leave", s.leave)
	rooms.DELETE("/:roomId", s.deleteRoom)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/chat", s.serveWS)
	mux.Handle("/", router)

	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Close disconnects every websocket and stops the server.
func (s *Server) Close() {
	s.KickAll()
	s.srv.Close()
}

// APIURL is the REST base, e.g. http://127.0.0.1:1234/api.
func (s *Server) APIURL() string {
	return s.srv.URL + "/api"
}

// WSURL is the websocket endpoint.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws/chat"
}

// Token issues a valid token for userID.
func (s *Server) Token(t testing.TB, userID, name string) string {
	t.Helper()
	token, err := auth.GenerateToken(s.jwt, userID, name)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

// AddRoom creates a room with its members.
func (s *Server) AddRoom(info core.Room, members ...core.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &room{
		info:    info,
		members: make(map[string]core.Member),
		unread:  make(map[string]core.UnreadAnchor),
	}
	for _, m := range members {
		r.members[m.UserID] = m
	}
	if r.info.Audience == "" {
		r.info.Audience = core.AudienceAllUsers
	}
	s.rooms[info.ID] = r
}

// Seed appends history without pushing it and without touching unread state.
func (s *Server) Seed(roomID string, msgs ...core.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		r.messages = append(r.messages, msgs...)
	}
}

// SetUnread overrides the unread anchor of userID in roomID.
func (s *Server) SetUnread(roomID, userID string, a core.UnreadAnchor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		r.unread[userID] = a.Normalize()
	}
}

// Unread returns the unread anchor of userID in roomID.
func (s *Server) Unread(roomID, userID string) core.UnreadAnchor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		return r.unread[userID]
	}
	return core.UnreadAnchor{}
}

// Messages returns the stored history of roomID, oldest first.
func (s *Server) Messages(roomID string) []core.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		return append([]core.Message(nil), r.messages...)
	}
	return nil
}

// Member returns a room member.
func (s *Server) Member(roomID, userID string) (core.Member, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return core.Member{}, false
	}
	m, ok := r.members[userID]
	return m, ok
}

// AddMember adds a member without announcing it.
func (s *Server) AddMember(roomID string, m core.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		r.members[m.UserID] = m
	}
}

// Visits lists the anchors acknowledged in roomID, in order.
func (s *Server) Visits(roomID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.visits[roomID]...)
}

// Controls lists every control frame received over websockets.
func (s *Server) Controls() []proto.Control {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]proto.Control(nil), s.controls...)
}

// FailNext makes the next n requests whose path ends with suffix answer 500.
func (s *Server) FailNext(suffix string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[suffix] = n
}

func (s *Server) shouldFail(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for suffix, n := range s.fail {
		if n > 0 && strings.HasSuffix(path, suffix) {
			s.fail[suffix] = n - 1
			return true
		}
	}
	return false
}

// Post stores a message from senderID as if it was sent over REST and
// pushes it to subscribers. Unread state of other members advances.
func (s *Server) Post(roomID, senderID, content string) core.Message {
	s.mu.Lock()
	msg, ok := s.appendLocked(roomID, senderID, proto.SendMessageRequest{Content: content})
	s.mu.Unlock()
	if ok {
		s.PushMessage(msg)
	}
	return msg
}

func (s *Server) appendLocked(roomID, senderID string, req proto.SendMessageRequest) (core.Message, bool) {
	r, ok := s.rooms[roomID]
	if !ok {
		return core.Message{}, false
	}

	at := s.clock().UTC()
	if n := len(r.messages); n > 0 && !r.messages[n-1].OccurredAt.Before(at) {
		at = r.messages[n-1].OccurredAt.Add(time.Millisecond)
	}
	sender := r.members[senderID]
	msg := core.Message{
		ID:               uuid.NewString(),
		RoomID:           roomID,
		SenderID:         senderID,
		Content:          req.Content,
		QuotedMessageID:  req.QuotedMessageID,
		MentionedUserIDs: req.MentionedUserIDs,
		OccurredAt:       at,
		Sender:           core.Sender{Name: sender.Name, Avatar: sender.Avatar, Tags: sender.Tags},
	}
	r.messages = append(r.messages, msg)

	for id := range r.members {
		if id == senderID {
			continue
		}
		a := r.unread[id]
		if a.Count == 0 {
			a.FirstUnreadID = msg.ID
			a.FirstUnreadAt = msg.OccurredAt
		}
		a.Count++
		r.unread[id] = a
	}
	return msg, true
}

// PushMessage sends a message frame to subscribers of its room.
func (s *Server) PushMessage(msg core.Message) {
	s.Push(msg.RoomID, proto.FrameTypeMessage, proto.FromMessage(msg))
}

// PushPresence flips a member online flag and announces it.
func (s *Server) PushPresence(roomID, userID string, online bool) {
	s.mu.Lock()
	if r, ok := s.rooms[roomID]; ok {
		if m, ok := r.members[userID]; ok {
			m.Online = online
			r.members[userID] = m
		}
	}
	s.mu.Unlock()
	s.Push(roomID, proto.FrameTypePresence, proto.PresencePayload{RoomID: roomID, UserID: userID, Online: online})
}

// PushMention announces a mention of userID to the room.
func (s *Server) PushMention(roomID, userID, senderName, content string) {
	s.Push(roomID, proto.FrameTypeMention, proto.MentionPayload{
		RoomID:          roomID,
		MentionedUserID: userID,
		SenderName:      senderName,
		Content:         content,
	})
}

// Push sends a typed frame to every connection subscribed to roomID.
func (s *Server) Push(roomID, frameType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	s.broadcast(roomID, proto.Frame{Type: frameType, RoomID: roomID, Payload: raw})
}

// PushRaw writes data verbatim to every connection.
func (s *Server) PushRaw(data []byte) {
	for _, c := range s.connections() {
		c.writeRaw(data)
	}
}

// CloseRoom deletes a room and announces the closure to every connection,
// wrapped in a message frame when nested is set.
func (s *Server) CloseRoom(roomID string, nested bool) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
	s.announceClosure(roomID, nested)
}

func (s *Server) announceClosure(roomID string, nested bool) {
	var frame proto.Frame
	if nested {
		inner, _ := json.Marshal(map[string]string{"type": proto.FrameTypeRoomClosed, "roomId": roomID})
		quoted, _ := json.Marshal(string(inner))
		frame = proto.Frame{Type: proto.FrameTypeMessage, RoomID: roomID, Payload: quoted}
	} else {
		payload, _ := json.Marshal(proto.RoomClosedPayload{RoomID: roomID})
		frame = proto.Frame{Type: proto.FrameTypeRoomClosed, RoomID: roomID, Payload: payload}
	}
	for _, c := range s.connections() {
		c.write(frame)
	}
}

// KickAll drops every websocket connection.
func (s *Server) KickAll() {
	for _, c := range s.connections() {
		c.kick()
	}
}

// Connections returns the number of open websockets.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Subscribers returns how many connections subscribe to roomID.
func (s *Server) Subscribers(roomID string) int {
	n := 0
	for _, c := range s.connections() {
		if c.subscribed(roomID) {
			n++
		}
	}
	return n
}

func (s *Server) broadcast(roomID string, frame proto.Frame) {
	for _, c := range s.connections() {
		if c.subscribed(roomID) {
			c.write(frame)
		}
	}
}

func (s *Server) connections() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
