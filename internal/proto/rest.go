package proto

// Response is the envelope every REST endpoint wraps its data in.
type Response[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// PageDTO is a most-recent-first page of records.
type PageDTO[T any] struct {
	Records []T `json:"records"`
	Total   int `json:"total"`
	Size    int `json:"size"`
	Current int `json:"current"`
	Pages   int `json:"pages"`
}

// RoomDTO is a room as listed for the calling identity.
type RoomDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Audience    string `json:"audience,omitempty"`
	Joined      bool   `json:"joined"`
	MemberCount int    `json:"memberCount"`
	UnreadCount int    `json:"unreadCount"`
	CreatorID   string `json:"creatorId,omitempty"`
}

// MemberDTO is a room member with its online flag.
type MemberDTO struct {
	UserID string   `json:"userId"`
	Name   string   `json:"name"`
	Avatar string   `json:"avatar,omitempty"`
	Tags   []string `json:"tags,omitempty"`
	Role   string   `json:"role,omitempty"`
	Online bool     `json:"online"`
}

// UnreadInfoDTO is the unread count and first-unread anchor of a room.
type UnreadInfoDTO struct {
	Count                 int       `json:"count"`
	FirstUnreadID         string    `json:"firstUnreadId,omitempty"`
	FirstUnreadOccurredAt Timestamp `json:"firstUnreadOccurredAt"`
}

// SendMessageRequest is the body of a message post.
type SendMessageRequest struct {
	Content          string   `json:"content"`
	QuotedMessageID  string   `json:"quotedMessageId,omitempty"`
	MentionedUserIDs []string `json:"mentionedUserIds,omitempty"`
}
