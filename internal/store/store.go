package store

import (
	"context"
	"errors"

	"github.com/vovakirdan/wirechat-sync/internal/core"
)

// ErrNotFound is returned when a cached record does not exist.
var ErrNotFound = errors.New("not found")

// RoomCache keeps the last known room list of the current identity.
type RoomCache interface {
	// ReplaceRooms swaps the whole cached list for rooms.
	ReplaceRooms(ctx context.Context, rooms []core.Room) error

	// UpsertRoom inserts or updates one room.
	UpsertRoom(ctx context.Context, room core.Room) error

	// GetRoom returns a cached room or ErrNotFound.
	GetRoom(ctx context.Context, roomID string) (core.Room, error)

	// ListRooms returns the cached rooms ordered by name, then id.
	ListRooms(ctx context.Context) ([]core.Room, error)

	// RemoveRoom drops a room. Removing an unknown room is not an error.
	RemoveRoom(ctx context.Context, roomID string) error

	// SetUnread overwrites the unread count of a cached room.
	SetUnread(ctx context.Context, roomID string, count int) error

	// SetJoined flips the membership flag of a cached room.
	SetJoined(ctx context.Context, roomID string, joined bool) error
}

// AnchorCache remembers the last unread anchor seen per room so it survives
// restarts until the server answers again.
type AnchorCache interface {
	// SaveAnchor stores a. An empty anchor deletes the entry.
	SaveAnchor(ctx context.Context, roomID string, a core.UnreadAnchor) error

	// LoadAnchor returns the stored anchor and whether one existed.
	LoadAnchor(ctx context.Context, roomID string) (core.UnreadAnchor, bool, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	RoomCache
	AnchorCache

	// Close releases the underlying resources.
	Close() error
}
