package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a room or user record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrExists is returned when creating a record that is already present.
	ErrExists = errors.New("record already exists")
)

// Room is the durable room record.
type Room struct {
	ID      string
	Members map[string]struct{}
	// Locked holds the ID of the user that locked the room, empty when unlocked.
	Locked string
}

// HasMember reports whether userID belongs to the room.
func (r *Room) HasMember(userID string) bool {
	_, ok := r.Members[userID]
	return ok
}

// User is the durable user record.
type User struct {
	ID       string
	Rooms    map[string]struct{}
	LastSeen time.Time
}

// LogEntry is a single chat log line.
type LogEntry struct {
	Datetime int64  `json:"datetime"`
	Sender   string `json:"sender"`
	Message  string `json:"message"`
}

// RoomStore handles room persistence.
type RoomStore interface {
	// InsertRoom creates an empty room. Returns ErrExists on ID collision.
	InsertRoom(ctx context.Context, roomID string) error

	// GetRoom retrieves a room with its members. Returns ErrNotFound if absent.
	GetRoom(ctx context.Context, roomID string) (*Room, error)

	// DeleteRoom removes the room, its memberships and its chat log.
	DeleteRoom(ctx context.Context, roomID string) error

	// AddMember records membership on both the room and the user.
	// Returns ErrExists if the user already belongs to the room.
	AddMember(ctx context.Context, roomID, userID string) error

	// RemoveMember drops membership on both sides and returns how many members remain.
	// Removing the last member deletes the room and its chat log in the same write.
	// Returns ErrNotFound if the user was not a member.
	RemoveMember(ctx context.Context, roomID, userID string) (int, error)

	// UpdateRoomLock reads the room, lets fn change Locked and persists the
	// result atomically. Nothing is written when fn returns an error.
	UpdateRoomLock(ctx context.Context, roomID string, fn func(room *Room) error) error
}

// UserStore handles user persistence.
type UserStore interface {
	// CreateUser creates a user with no rooms. Returns ErrExists if present.
	CreateUser(ctx context.Context, userID string, now time.Time) error

	// GetUser retrieves a user with its rooms. Returns ErrNotFound if absent.
	GetUser(ctx context.Context, userID string) (*User, error)

	// UpdateLastSeen stores the time the user went offline.
	UpdateLastSeen(ctx context.Context, userID string, at time.Time) error
}

// LogStore handles the append-only chat log of each room.
type LogStore interface {
	// AppendLog appends one entry to the room's log.
	AppendLog(ctx context.Context, roomID string, entry LogEntry) error

	// ReadLog returns the room's log as newline-delimited JSON, or nil when empty.
	ReadLog(ctx context.Context, roomID string) ([]byte, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	RoomStore
	UserStore
	LogStore

	// Close closes the underlying database.
	Close() error
}
