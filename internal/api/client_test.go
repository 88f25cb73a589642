package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vovakirdan/wirechat-sync/internal/core"
)

type recorded struct {
	method string
	path   string
	query  map[string]string
	auth   string
	body   []byte
}

func startAPI(t *testing.T, status int, body string) (*Client, *recorded) {
	t.Helper()

	rec := &recorded{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method = r.Method
		rec.path = r.URL.EscapedPath()
		rec.auth = r.Header.Get("Authorization")
		rec.query = map[string]string{}
		for k := range r.URL.Query() {
			rec.query[k] = r.URL.Query().Get(k)
		}
		rec.body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)

	return New(Options{BaseURL: ts.URL + "/api/", Token: "tok", Timeout: time.Second}), rec
}

func TestPageMessages(t *testing.T) {
	c, rec := startAPI(t, http.StatusOK, `{"code":200,"message":"ok","data":{
		"records":[
			{"id":"m2","senderId":"u1","content":"second","createTime":"2024-05-01 10:31:00","senderName":"alice"},
			{"id":"m1","senderId":"u2","content":"first","createTime":"2024-05-01 10:30:00"}
		],
		"total":42,"size":20,"current":1,"pages":3}}`)

	page, err := c.PageMessages(context.Background(), "room 1", 1, 20)
	if err != nil {
		t.Fatalf("PageMessages: %v", err)
	}

	if rec.method != http.MethodGet || rec.path != "/api/app/chat-rooms/room%201/messages" {
		t.Fatalf("unexpected request %s %s", rec.method, rec.path)
	}
	if rec.query["pageNum"] != "1" || rec.query["pageSize"] != "20" {
		t.Fatalf("unexpected query: %v", rec.query)
	}
	if rec.auth != "Bearer tok" {
		t.Fatalf("unexpected auth header %q", rec.auth)
	}
	if page.Pages != 3 || page.Total != 42 || len(page.Records) != 2 {
		t.Fatalf("unexpected page: %+v", page)
	}
	if page.Records[0].RoomID != "room 1" || page.Records[0].Sender.Name != "alice" {
		t.Fatalf("unexpected record: %+v", page.Records[0])
	}
}

func TestVisitRoomAnchor(t *testing.T) {
	tests := []struct {
		name   string
		anchor Anchor
		want   map[string]string
	}{
		{name: "by id", anchor: Anchor{ID: "m9"}, want: map[string]string{"anchorId": "m9"}},
		{name: "id and time", anchor: Anchor{ID: "m9", Time: time.Unix(10, 0)}, want: map[string]string{"anchorId": "m9", "anchorTime": "1970-01-01T00:00:10Z"}},
		{name: "by time", anchor: Anchor{Time: time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)}, want: map[string]string{"anchorTime": "2024-05-01T10:30:00Z"}},
		{name: "whole room", anchor: Anchor{}, want: map[string]string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := startAPI(t, http.StatusOK, `{"code":200,"data":null}`)
			if err := c.VisitRoom(context.Background(), "r1", tt.anchor); err != nil {
				t.Fatalf("VisitRoom: %v", err)
			}
			if rec.method != http.MethodPut || rec.path != "/api/app/chat-rooms/r1/visit" {
				t.Fatalf("unexpected request %s %s", rec.method, rec.path)
			}
			if len(rec.query) != len(tt.want) {
				t.Fatalf("unexpected query: %v", rec.query)
			}
			for k, v := range tt.want {
				if rec.query[k] != v {
					t.Fatalf("query %s = %q, want %q", k, rec.query[k], v)
				}
			}
		})
	}
}

func TestGetUnreadInfoNormalizes(t *testing.T) {
	c, _ := startAPI(t, http.StatusOK, `{"code":200,"data":{"count":3}}`)

	anchor, err := c.GetUnreadInfo(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetUnreadInfo: %v", err)
	}
	if !anchor.Empty() || anchor.FirstUnreadID != "" {
		t.Fatalf("count without anchor id must normalize to empty: %+v", anchor)
	}

	c, _ = startAPI(t, http.StatusOK, `{"code":200,"data":{"count":2,"firstUnreadId":"m5","firstUnreadOccurredAt":"2024-05-01T10:30:00Z"}}`)
	anchor, err = c.GetUnreadInfo(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetUnreadInfo: %v", err)
	}
	if anchor.Count != 2 || anchor.FirstUnreadID != "m5" || anchor.FirstUnreadAt.IsZero() {
		t.Fatalf("unexpected anchor: %+v", anchor)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
		code     string
	}{
		{name: "forbidden", status: http.StatusForbidden, body: `{"code":403,"message":"no access"}`, sentinel: core.ErrAccessDenied, code: core.ErrCodeAccessDenied},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{}`, sentinel: core.ErrAccessDenied, code: core.ErrCodeAccessDenied},
		{name: "not found", status: http.StatusNotFound, body: `{"code":404,"message":"gone"}`, sentinel: core.ErrRoomNotFound, code: core.ErrCodeRoomNotFound},
		{name: "envelope code", status: http.StatusOK, body: `{"code":403,"message":"paid only"}`, sentinel: core.ErrAccessDenied, code: core.ErrCodeAccessDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := startAPI(t, tt.status, tt.body)
			err := c.JoinRoom(context.Background(), "r1")
			if !errors.Is(err, tt.sentinel) {
				t.Fatalf("expected %v, got %v", tt.sentinel, err)
			}
			if got := core.CodeOf(err); got != tt.code {
				t.Fatalf("code = %q, want %q", got, tt.code)
			}
		})
	}

	c, _ := startAPI(t, http.StatusInternalServerError, `{"code":500,"message":"boom"}`)
	err := c.LeaveRoom(context.Background(), "r1")
	if err == nil || core.CodeOf(err) != "" {
		t.Fatalf("expected a plain error, got %v", err)
	}
}

func TestListRoomsAcceptsPageAndList(t *testing.T) {
	c, rec := startAPI(t, http.StatusOK, `{"code":200,"data":{"records":[
		{"id":"r1","name":"General","audience":"all_users","joined":true,"memberCount":4,"unreadCount":2}
	],"total":1,"size":100,"current":1,"pages":1}}`)

	rooms, err := c.ListRooms(context.Background(), "gen")
	if err != nil {
		t.Fatalf("ListRooms: %v", err)
	}
	if rec.query["nameLike"] != "gen" {
		t.Fatalf("nameLike not forwarded: %v", rec.query)
	}
	if len(rooms) != 1 || rooms[0].Audience != core.AudienceAllUsers || !rooms[0].Joined || rooms[0].UnreadCount != 2 {
		t.Fatalf("unexpected rooms: %+v", rooms)
	}

	c, _ = startAPI(t, http.StatusOK, `{"code":200,"data":[{"id":"a","name":"A"},{"id":"b","name":"B"}]}`)
	rooms, err = c.ListRooms(context.Background(), "")
	if err != nil {
		t.Fatalf("ListRooms list form: %v", err)
	}
	if len(rooms) != 2 {
		t.Fatalf("expected 2 rooms, got %d", len(rooms))
	}
}

func TestSendMessage(t *testing.T) {
	c, rec := startAPI(t, http.StatusOK, `{"code":200,"data":{"id":"m7","senderId":"me","content":"hello @bob","mentionedUserIds":["bob"],"occurredAt":"2024-05-01T10:30:00Z"}}`)

	msg, err := c.SendMessage(context.Background(), "r1", SendRequest{Content: "hello @bob", MentionedUserIDs: []string{"bob"}})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if rec.method != http.MethodPost || rec.path != "/api/app/chat-rooms/r1/messages" {
		t.Fatalf("unexpected request %s %s", rec.method, rec.path)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.body, &body); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if body["content"] != "hello @bob" {
		t.Fatalf("unexpected body: %s", rec.body)
	}
	if msg.ID != "m7" || msg.RoomID != "r1" || len(msg.MentionedUserIDs) != 1 || msg.MentionedUserIDs[0] != "bob" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestListMembersSkipsBlankIDs(t *testing.T) {
	c, _ := startAPI(t, http.StatusOK, `{"code":200,"data":[
		{"userId":"u1","name":"alice","role":"owner","online":true},
		{"userId":"","name":"ghost"},
		{"userId":"u2","name":"bob"}
	]}`)

	members, err := c.ListMembers(context.Background(), "r1")
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %+v", members)
	}
	if members[0].Role != core.RoleOwner || members[1].Role != core.RoleMember {
		t.Fatalf("unexpected roles: %+v", members)
	}
}
