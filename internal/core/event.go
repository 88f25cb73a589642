package core

// EventKind is the normalized kind of an inbound frame.
type EventKind string

const (
	// EventMessage carries a chat message pushed live.
	EventMessage EventKind = "message"
	// EventPresence carries an online/offline change of a member.
	EventPresence EventKind = "presence"
	// EventMention is an advisory notice that someone was mentioned.
	EventMention EventKind = "mention"
	// EventRoomClosed reports a deleted room, regardless of the wire shape it came in.
	EventRoomClosed EventKind = "room_closed"
	// EventSubscribed confirms a room subscription.
	EventSubscribed EventKind = "subscribed"
	// EventPong answers a heartbeat.
	EventPong EventKind = "pong"
)

// Event is the single internal variant every wire frame is decoded into.
// Exactly one payload pointer matching Kind is set.
type Event struct {
	Kind     EventKind
	Room     string
	Message  *Message
	Presence *Presence
	Mention  *Mention
}

// Presence is a member online flag change.
type Presence struct {
	RoomID string
	UserID string
	Online bool
}

// Mention is a mention notice addressed to one user.
type Mention struct {
	RoomID          string
	MentionedUserID string
	SenderName      string
	Content         string
}
