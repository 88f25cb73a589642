package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/store"
)

// Schema creates the cache tables. It is safe to apply more than once.
const Schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	audience      TEXT NOT NULL DEFAULT 'ALL_USERS',
	joined        BOOLEAN NOT NULL DEFAULT 0,
	member_count  INTEGER NOT NULL DEFAULT 0,
	unread_count  INTEGER NOT NULL DEFAULT 0,
	creator_id    TEXT NOT NULL DEFAULT '',
	updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS unread_anchors (
	room_id          TEXT PRIMARY KEY,
	first_unread_id  TEXT NOT NULL,
	first_unread_at  INTEGER NOT NULL DEFAULT 0,
	unread_count     INTEGER NOT NULL,
	updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New opens (or creates) the cache database at dbPath and applies Schema.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, func(db *sql.DB) error {
		_, err := db.Exec(Schema)
		return err
	})
}

// NewWithSetup opens the database and runs setup before the first ping.
// Tests pass ":memory:" together with their own schema.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with single connection; it also keeps :memory: shared
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== RoomCache implementation ====

const upsertRoomQuery = `
	INSERT INTO rooms (id, name, description, audience, joined, member_count, unread_count, creator_id, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		description = excluded.description,
		audience = excluded.audience,
		joined = excluded.joined,
		member_count = excluded.member_count,
		unread_count = excluded.unread_count,
		creator_id = excluded.creator_id,
		updated_at = CURRENT_TIMESTAMP
`

// ReplaceRooms swaps the cached list in one transaction.
func (s *SQLiteStore) ReplaceRooms(ctx context.Context, rooms []core.Room) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rooms`); err != nil {
		return fmt.Errorf("clear rooms: %w", err)
	}
	for _, r := range rooms {
		if _, err := tx.ExecContext(ctx, upsertRoomQuery, roomArgs(r)...); err != nil {
			return fmt.Errorf("insert room %s: %w", r.ID, err)
		}
	}
	// anchors of rooms that disappeared are stale
	if _, err := tx.ExecContext(ctx, `DELETE FROM unread_anchors WHERE room_id NOT IN (SELECT id FROM rooms)`); err != nil {
		return fmt.Errorf("prune anchors: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// UpsertRoom inserts or updates one room.
func (s *SQLiteStore) UpsertRoom(ctx context.Context, room core.Room) error {
	if _, err := s.db.ExecContext(ctx, upsertRoomQuery, roomArgs(room)...); err != nil {
		return fmt.Errorf("upsert room: %w", err)
	}
	return nil
}

// GetRoom retrieves a cached room by ID.
func (s *SQLiteStore) GetRoom(ctx context.Context, roomID string) (core.Room, error) {
	query := `
		SELECT id, name, description, audience, joined, member_count, unread_count, creator_id
		FROM rooms
		WHERE id = ?
	`
	room, err := scanRoom(s.db.QueryRowContext(ctx, query, roomID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Room{}, fmt.Errorf("room %s: %w", roomID, store.ErrNotFound)
		}
		return core.Room{}, fmt.Errorf("query room: %w", err)
	}
	return room, nil
}

// ListRooms lists the cached rooms.
func (s *SQLiteStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	query := `
		SELECT id, name, description, audience, joined, member_count, unread_count, creator_id
		FROM rooms
		ORDER BY name ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var rooms []core.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return rooms, nil
}

// RemoveRoom drops a room and its anchor.
func (s *SQLiteStore) RemoveRoom(ctx context.Context, roomID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, roomID); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM unread_anchors WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("delete anchor: %w", err)
	}
	return tx.Commit()
}

// SetUnread overwrites the unread count of a cached room.
func (s *SQLiteStore) SetUnread(ctx context.Context, roomID string, count int) error {
	return s.updateRoom(ctx, `UPDATE rooms SET unread_count = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, max(count, 0), roomID)
}

// SetJoined flips the membership flag of a cached room.
func (s *SQLiteStore) SetJoined(ctx context.Context, roomID string, joined bool) error {
	return s.updateRoom(ctx, `UPDATE rooms SET joined = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, joined, roomID)
}

func (s *SQLiteStore) updateRoom(ctx context.Context, query string, value any, roomID string) error {
	result, err := s.db.ExecContext(ctx, query, value, roomID)
	if err != nil {
		return fmt.Errorf("update room: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("room %s: %w", roomID, store.ErrNotFound)
	}
	return nil
}

// ==== AnchorCache implementation ====

// SaveAnchor stores the anchor; an empty anchor removes the row.
func (s *SQLiteStore) SaveAnchor(ctx context.Context, roomID string, a core.UnreadAnchor) error {
	a = a.Normalize()
	if a.Empty() {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM unread_anchors WHERE room_id = ?`, roomID); err != nil {
			return fmt.Errorf("delete anchor: %w", err)
		}
		return nil
	}

	var at int64
	if !a.FirstUnreadAt.IsZero() {
		at = a.FirstUnreadAt.UnixMilli()
	}
	query := `
		INSERT INTO unread_anchors (room_id, first_unread_id, first_unread_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(room_id) DO UPDATE SET
			first_unread_id = excluded.first_unread_id,
			first_unread_at = excluded.first_unread_at,
			unread_count = excluded.unread_count,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.ExecContext(ctx, query, roomID, a.FirstUnreadID, at, a.Count); err != nil {
		return fmt.Errorf("save anchor: %w", err)
	}
	return nil
}

// LoadAnchor returns the stored anchor of a room.
func (s *SQLiteStore) LoadAnchor(ctx context.Context, roomID string) (core.UnreadAnchor, bool, error) {
	query := `
		SELECT first_unread_id, first_unread_at, unread_count
		FROM unread_anchors
		WHERE room_id = ?
	`
	var (
		a  core.UnreadAnchor
		at int64
	)
	err := s.db.QueryRowContext(ctx, query, roomID).Scan(&a.FirstUnreadID, &at, &a.Count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.UnreadAnchor{}, false, nil
		}
		return core.UnreadAnchor{}, false, fmt.Errorf("query anchor: %w", err)
	}
	if at != 0 {
		a.FirstUnreadAt = time.UnixMilli(at).UTC()
	}
	return a.Normalize(), true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (core.Room, error) {
	var (
		r        core.Room
		audience string
	)
	err := row.Scan(&r.ID, &r.Name, &r.Description, &audience, &r.Joined, &r.MemberCount, &r.UnreadCount, &r.CreatorID)
	r.Audience = core.Audience(audience)
	return r, err
}

func roomArgs(r core.Room) []any {
	audience := r.Audience
	if audience == "" {
		audience = core.AudienceAllUsers
	}
	return []any{r.ID, r.Name, r.Description, string(audience), r.Joined, r.MemberCount, max(r.UnreadCount, 0), r.CreatorID}
}
