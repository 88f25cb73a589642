package chattest

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

const contextKeyUserID = "user_id"

func reply[T any](c *gin.Context, data T) {
	c.JSON(http.StatusOK, proto.Response[T]{Code: http.StatusOK, Message: "ok", Data: data})
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, proto.Response[any]{Code: status, Message: msg})
}

// authMiddleware accepts "Bearer <token>" signed by this server.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.shouldFail(c.Request.URL.Path) {
			fail(c, http.StatusInternalServerError, "injected failure")
			return
		}

		parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			fail(c, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := auth.ValidateToken(s.jwt, parts[1])
		if err != nil {
			s.log.Debug().Err(err).Msg("invalid token")
			fail(c, http.StatusUnauthorized, "invalid token")
			return
		}
		c.Set(contextKeyUserID, claims.Identity().UserID)
		c.Next()
	}
}

func loggerMiddleware(logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("http request")
	}
}

func userID(c *gin.Context) string {
	return c.GetString(contextKeyUserID)
}

func pageParams(c *gin.Context) (int, int) {
	pageNum, _ := strconv.Atoi(c.DefaultQuery("pageNum", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "20"))
	if pageNum < 1 {
		pageNum = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	return pageNum, pageSize
}

// lookupRoom finds the path room and checks membership when member is set.
// It writes the error response itself.
func (s *Server) lookupRoom(c *gin.Context, member bool) (*room, bool) {
	r, found := s.rooms[c.Param("roomId")]
	if !found {
		fail(c, http.StatusNotFound, "room not found")
		return nil, false
	}
	if member {
		if _, in := r.members[userID(c)]; !in {
			fail(c, http.StatusForbidden, "not a member")
			return nil, false
		}
	}
	return r, true
}

func (s *Server) listRooms(c *gin.Context) {
	pageNum, pageSize := pageParams(c)
	nameLike := strings.ToLower(c.Query("nameLike"))
	uid := userID(c)

	s.mu.Lock()
	var dtos []proto.RoomDTO
	for _, r := range s.rooms {
		if nameLike != "" && !strings.Contains(strings.ToLower(r.info.Name), nameLike) {
			continue
		}
		info := r.info
		_, info.Joined = r.members[uid]
		info.MemberCount = len(r.members)
		info.UnreadCount = r.unread[uid].Count
		dtos = append(dtos, proto.FromRoom(info))
	}
	s.mu.Unlock()

	sort.Slice(dtos, func(i, j int) bool { return dtos[i].ID < dtos[j].ID })
	reply(c, paginate(dtos, pageNum, pageSize))
}

// paginate slices records, already ordered as they should be served.
func paginate[T any](records []T, pageNum, pageSize int) proto.PageDTO[T] {
	total := len(records)
	pages := (total + pageSize - 1) / pageSize
	start := min((pageNum-1)*pageSize, total)
	end := min(start+pageSize, total)
	return proto.PageDTO[T]{
		Records: append([]T{}, records[start:end]...),
		Total:   total,
		Size:    pageSize,
		Current: pageNum,
		Pages:   pages,
	}
}

func (s *Server) pageMessages(c *gin.Context) {
	pageNum, pageSize := pageParams(c)

	s.mu.Lock()
	r, found := s.lookupRoom(c, true)
	if !found {
		s.mu.Unlock()
		return
	}
	recent := make([]proto.MessagePayload, 0, len(r.messages))
	for i := len(r.messages) - 1; i >= 0; i-- {
		p := proto.FromMessage(r.messages[i])
		// history records carry createTime only
		p.OccurredAt = proto.Timestamp{}
		recent = append(recent, p)
	}
	s.mu.Unlock()

	reply(c, paginate(recent, pageNum, pageSize))
}

func (s *Server) sendMessage(c *gin.Context) {
	var req proto.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	if _, found := s.lookupRoom(c, true); !found {
		s.mu.Unlock()
		return
	}
	msg, _ := s.appendLocked(c.Param("roomId"), userID(c), req)
	s.mu.Unlock()

	s.PushMessage(msg)
	for _, id := range msg.MentionedUserIDs {
		s.PushMention(msg.RoomID, id, msg.Sender.Name, msg.Content)
	}
	reply(c, proto.FromMessage(msg))
}

func (s *Server) unreadInfo(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, found := s.lookupRoom(c, true)
	if !found {
		return
	}
	reply(c, proto.FromAnchor(r.unread[userID(c)]))
}

func (s *Server) unreadCount(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, found := s.lookupRoom(c, true)
	if !found {
		return
	}
	reply(c, r.unread[userID(c)].Count)
}

// visit marks the room read up to anchorId, or up to anchorTime when the id is
// unknown. Messages after the anchor stay unread.
func (s *Server) visit(c *gin.Context) {
	anchorID := c.Query("anchorId")
	var anchorAt time.Time
	if raw := c.Query("anchorTime"); raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			fail(c, http.StatusBadRequest, "bad anchorTime")
			return
		}
		anchorAt = at
	}
	uid := userID(c)

	s.mu.Lock()
	defer s.mu.Unlock()
	r, found := s.lookupRoom(c, true)
	if !found {
		return
	}

	pos := len(r.messages) - 1
	if i, ok := readPosition(r.messages, anchorID, anchorAt); ok {
		pos = i
	}

	next := core.UnreadAnchor{}
	for _, m := range r.messages[pos+1:] {
		if m.SenderID == uid {
			continue
		}
		if next.FirstUnreadID == "" {
			next.FirstUnreadID = m.ID
			next.FirstUnreadAt = m.OccurredAt
		}
		next.Count++
	}
	r.unread[uid] = next
	s.visits[r.info.ID] = append(s.visits[r.info.ID], anchorID)
	reply[any](c, nil)
}

// readPosition returns the index of the last read message, -1 when the anchor
// precedes all history. ok is false when the anchor cannot be placed.
func readPosition(msgs []core.Message, anchorID string, anchorAt time.Time) (int, bool) {
	if anchorID != "" {
		for i, m := range msgs {
			if m.ID == anchorID {
				return i, true
			}
		}
	}
	if anchorAt.IsZero() {
		return 0, false
	}
	pos := -1
	for i, m := range msgs {
		if !m.OccurredAt.After(anchorAt) {
			pos = i
		}
	}
	return pos, true
}

func (s *Server) listMembers(c *gin.Context) {
	s.mu.Lock()
	r, found := s.lookupRoom(c, true)
	if !found {
		s.mu.Unlock()
		return
	}
	dtos := make([]proto.MemberDTO, 0, len(r.members))
	for _, m := range r.members {
		dtos = append(dtos, proto.FromMember(m))
	}
	s.mu.Unlock()

	sort.Slice(dtos, func(i, j int) bool { return dtos[i].UserID < dtos[j].UserID })
	reply(c, dtos)
}

func (s *Server) join(c *gin.Context) {
	uid := userID(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, found := s.lookupRoom(c, false)
	if !found {
		return
	}
	if _, in := r.members[uid]; !in {
		r.members[uid] = core.Member{UserID: uid, Name: uid, Role: core.RoleMember}
	}
	reply[any](c, nil)
}

func (s *Server) leave(c *gin.Context) {
	uid := userID(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, found := s.lookupRoom(c, true)
	if !found {
		return
	}
	delete(r.members, uid)
	delete(r.unread, uid)
	reply[any](c, nil)
}

func (s *Server) deleteRoom(c *gin.Context) {
	roomID := c.Param("roomId")

	s.mu.Lock()
	r, found := s.lookupRoom(c, false)
	if !found {
		s.mu.Unlock()
		return
	}
	if r.info.CreatorID != userID(c) {
		s.mu.Unlock()
		fail(c, http.StatusForbidden, "only the creator can delete a room")
		return
	}
	delete(s.rooms, roomID)
	s.mu.Unlock()

	s.announceClosure(roomID, false)
	reply[any](c, nil)
}
