package core

import "time"

// UnreadAnchor is the first-unread position of one identity in one room.
// A zero Count means nothing is unread and carries no position. A positive
// Count may arrive without FirstUnreadID; the position is then known only by
// FirstUnreadAt, or not at all.
type UnreadAnchor struct {
	FirstUnreadID string
	FirstUnreadAt time.Time
	Count         int
}

// Normalize cleans server data that may be partially filled.
func (a UnreadAnchor) Normalize() UnreadAnchor {
	if a.Count <= 0 {
		return UnreadAnchor{}
	}
	return a
}

// Empty reports whether nothing is unread.
func (a UnreadAnchor) Empty() bool {
	return a.Count == 0
}

// Positioned reports whether the first unread message can be looked up, by id
// or by time.
func (a UnreadAnchor) Positioned() bool {
	return !a.Empty() && (a.FirstUnreadID != "" || !a.FirstUnreadAt.IsZero())
}
