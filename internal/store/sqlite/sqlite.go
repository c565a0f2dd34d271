package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/vovakirdan/slimchat/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id        TEXT PRIMARY KEY,
	last_seen INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rooms (
	id     TEXT PRIMARY KEY,
	locked TEXT
);

CREATE TABLE IF NOT EXISTS room_members (
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	PRIMARY KEY (room_id, user_id),
	FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE,
	FOREIGN KEY (user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS chat_log (
	seq      INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id  TEXT NOT NULL,
	datetime INTEGER NOT NULL,
	sender   TEXT NOT NULL,
	message  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_log_room ON chat_log(room_id, seq);
CREATE INDEX IF NOT EXISTS idx_room_members_user ON room_members(user_id);
`

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New opens the database at dbPath and applies the schema.
// Use ":memory:" for a throwaway database.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection serializes writers, including log appends.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// ==== RoomStore implementation ====

// InsertRoom creates an empty room.
func (s *SQLiteStore) InsertRoom(ctx context.Context, roomID string) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO rooms (id) VALUES (?)`, roomID); err != nil {
		if isConstraint(err) {
			return fmt.Errorf("room %s: %w", roomID, store.ErrExists)
		}
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getRoom(ctx context.Context, q querier, roomID string) (*store.Room, error) {
	var locked sql.NullString
	err := q.QueryRowContext(ctx, `SELECT locked FROM rooms WHERE id = ?`, roomID).Scan(&locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("room %s: %w", roomID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query room: %w", err)
	}

	rows, err := q.QueryContext(ctx, `SELECT user_id FROM room_members WHERE room_id = ?`, roomID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	room := &store.Room{
		ID:      roomID,
		Members: make(map[string]struct{}),
		Locked:  locked.String,
	}
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		room.Members[userID] = struct{}{}
	}

	return room, rows.Err()
}

// GetRoom retrieves a room with its members.
func (s *SQLiteStore) GetRoom(ctx context.Context, roomID string) (*store.Room, error) {
	return getRoom(ctx, s.db, roomID)
}

// DeleteRoom removes the room, its memberships and its chat log.
func (s *SQLiteStore) DeleteRoom(ctx context.Context, roomID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // no-op after commit
	}()

	if err := deleteRoom(ctx, tx, roomID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func deleteRoom(ctx context.Context, tx *sql.Tx, roomID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM room_members WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("delete members: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_log WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("delete chat log: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, roomID); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

// AddMember records that userID belongs to roomID.
func (s *SQLiteStore) AddMember(ctx context.Context, roomID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // no-op after commit
	}()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM rooms WHERE id = ?`, roomID).Scan(&exists); err != nil {
		return fmt.Errorf("query room: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("room %s: %w", roomID, store.ErrNotFound)
	}
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE id = ?`, userID).Scan(&exists); err != nil {
		return fmt.Errorf("query user: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("user %s: %w", userID, store.ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO room_members (room_id, user_id) VALUES (?, ?)`, roomID, userID); err != nil {
		if isConstraint(err) {
			return fmt.Errorf("member %s of %s: %w", userID, roomID, store.ErrExists)
		}
		return fmt.Errorf("insert member: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RemoveMember drops userID from roomID and returns the remaining member count.
// The last member leaving deletes the room with its log.
func (s *SQLiteStore) RemoveMember(ctx context.Context, roomID, userID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // no-op after commit
	}()

	result, err := tx.ExecContext(ctx, `DELETE FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID)
	if err != nil {
		return 0, fmt.Errorf("delete member: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return 0, fmt.Errorf("member %s of %s: %w", userID, roomID, store.ErrNotFound)
	}

	var remaining int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM room_members WHERE room_id = ?`, roomID).Scan(&remaining); err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}

	switch {
	case remaining == 0:
		if err := deleteRoom(ctx, tx, roomID); err != nil {
			return 0, err
		}
	case remaining < 2:
		// A lock only makes sense between two members.
		if _, err := tx.ExecContext(ctx, `UPDATE rooms SET locked = NULL WHERE id = ?`, roomID); err != nil {
			return 0, fmt.Errorf("clear lock: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return remaining, nil
}

// UpdateRoomLock applies fn to the room inside a transaction and stores the resulting lock.
func (s *SQLiteStore) UpdateRoomLock(ctx context.Context, roomID string, fn func(room *store.Room) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // no-op after commit
	}()

	room, err := getRoom(ctx, tx, roomID)
	if err != nil {
		return err
	}
	if err := fn(room); err != nil {
		return err
	}

	locked := sql.NullString{String: room.Locked, Valid: room.Locked != ""}
	if _, err := tx.ExecContext(ctx, `UPDATE rooms SET locked = ? WHERE id = ?`, locked, roomID); err != nil {
		return fmt.Errorf("update lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ==== UserStore implementation ====

// CreateUser creates a user record.
func (s *SQLiteStore) CreateUser(ctx context.Context, userID string, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO users (id, last_seen) VALUES (?, ?)`, userID, now.UnixMilli()); err != nil {
		if isConstraint(err) {
			return fmt.Errorf("user %s: %w", userID, store.ErrExists)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser retrieves a user and the rooms it belongs to.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*store.User, error) {
	var lastSeen int64
	err := s.db.QueryRowContext(ctx, `SELECT last_seen FROM users WHERE id = ?`, userID).Scan(&lastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", userID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query user: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT room_id FROM room_members WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("query user rooms: %w", err)
	}
	defer rows.Close()

	user := &store.User{
		ID:       userID,
		Rooms:    make(map[string]struct{}),
		LastSeen: time.UnixMilli(lastSeen),
	}
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		user.Rooms[roomID] = struct{}{}
	}

	return user, rows.Err()
}

// UpdateLastSeen stores the time the user went offline.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET last_seen = ? WHERE id = ?`, at.UnixMilli(), userID)
	if err != nil {
		return fmt.Errorf("update last seen: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("user %s: %w", userID, store.ErrNotFound)
	}
	return nil
}

// ==== LogStore implementation ====

// AppendLog appends one entry to the room's chat log.
func (s *SQLiteStore) AppendLog(ctx context.Context, roomID string, entry store.LogEntry) error {
	query := `
		INSERT INTO chat_log (room_id, datetime, sender, message)
		VALUES (?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, roomID, entry.Datetime, entry.Sender, entry.Message); err != nil {
		return fmt.Errorf("append chat log: %w", err)
	}
	return nil
}

// ReadLog returns the room's chat log as newline-delimited JSON.
func (s *SQLiteStore) ReadLog(ctx context.Context, roomID string) ([]byte, error) {
	query := `
		SELECT datetime, sender, message
		FROM chat_log
		WHERE room_id = ?
		ORDER BY seq
	`
	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("query chat log: %w", err)
	}
	defer rows.Close()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for rows.Next() {
		var entry store.LogEntry
		if err := rows.Scan(&entry.Datetime, &entry.Sender, &entry.Message); err != nil {
			return nil, fmt.Errorf("scan chat log: %w", err)
		}
		if err := enc.Encode(entry); err != nil {
			return nil, fmt.Errorf("encode chat log: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if buf.Len() == 0 {
		return nil, nil
	}
	return buf.Bytes(), nil
}
