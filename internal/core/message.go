package core

import "time"

// Sender carries the denormalized display fields pushed with a message.
type Sender struct {
	Name   string
	Avatar string
	Tags   []string
}

// Message is the domain model for a chat message.
type Message struct {
	ID               string
	RoomID           string
	SenderID         string
	Content          string
	QuotedMessageID  string // back-reference into the same room, may be unresolvable
	MentionedUserIDs []string
	OccurredAt       time.Time
	Sender           Sender
}

// Before reports whether m sorts before other in (OccurredAt, ID) order.
func (m Message) Before(other Message) bool {
	if !m.OccurredAt.Equal(other.OccurredAt) {
		return m.OccurredAt.Before(other.OccurredAt)
	}
	return m.ID < other.ID
}

// Page is one most-recent-first page of room history.
type Page struct {
	Records []Message
	Current int
	Size    int
	Pages   int
	Total   int
}
