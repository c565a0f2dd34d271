package badgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"

	"github.com/vovakirdan/slimchat/internal/store"
)

// maxConflictRetries bounds how often a transaction is replayed after badger.ErrConflict.
const maxConflictRetries = 16

// Store implements store.Store on top of an embedded badger database.
//
// Keys:
//
//	room:{id}            -> roomRecord (JSON)
//	user:{id}            -> userRecord (JSON)
//	logseq:{room}        -> last log sequence (uint64, decimal)
//	log:{room}:{seq:020} -> store.LogEntry (JSON)
type Store struct {
	db *badger.DB
}

type roomRecord struct {
	Users  map[string]bool `json:"users"`
	Locked string          `json:"locked,omitempty"`
}

type userRecord struct {
	Rooms    map[string]bool `json:"rooms"`
	LastSeen int64           `json:"lastSeen"`
}

// New opens a badger database in dir. An empty dir opens an in-memory database.
func New(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func roomKey(id string) []byte   { return []byte("room:" + id) }
func userKey(id string) []byte   { return []byte("user:" + id) }
func logSeqKey(id string) []byte { return []byte("logseq:" + id) }
func logPrefix(id string) []byte { return []byte("log:" + id + ":") }

func logKey(id string, seq uint64) []byte {
	return fmt.Appendf(nil, "log:%s:%020d", id, seq)
}

// update runs fn in a read-write transaction, replaying it on write conflicts.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for range maxConflictRetries {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("transaction retries exhausted: %w", err)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return store.ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return txn.Set(key, bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
}

func getRoomRecord(txn *badger.Txn, roomID string) (*roomRecord, error) {
	var rec roomRecord
	if err := getJSON(txn, roomKey(roomID), &rec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("room %s: %w", roomID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("get room: %w", err)
	}
	if rec.Users == nil {
		rec.Users = make(map[string]bool)
	}
	return &rec, nil
}

func getUserRecord(txn *badger.Txn, userID string) (*userRecord, error) {
	var rec userRecord
	if err := getJSON(txn, userKey(userID), &rec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("user %s: %w", userID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	if rec.Rooms == nil {
		rec.Rooms = make(map[string]bool)
	}
	return &rec, nil
}

func toSet(m map[string]bool) map[string]struct{} {
	return lo.MapValues(m, func(bool, string) struct{} { return struct{}{} })
}

func toRoom(roomID string, rec *roomRecord) *store.Room {
	return &store.Room{
		ID:      roomID,
		Members: toSet(rec.Users),
		Locked:  rec.Locked,
	}
}

// ==== RoomStore implementation ====

// InsertRoom creates an empty room.
func (s *Store) InsertRoom(ctx context.Context, roomID string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(roomKey(roomID)); err == nil {
			return fmt.Errorf("room %s: %w", roomID, store.ErrExists)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("get room: %w", err)
		}
		return setJSON(txn, roomKey(roomID), roomRecord{Users: map[string]bool{}})
	})
}

// GetRoom retrieves a room with its members.
func (s *Store) GetRoom(_ context.Context, roomID string) (*store.Room, error) {
	var room *store.Room
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := getRoomRecord(txn, roomID)
		if err != nil {
			return err
		}
		room = toRoom(roomID, rec)
		return nil
	})
	return room, err
}

// DeleteRoom removes the room, the room from its members' records and the chat log.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return deleteRoom(txn, roomID)
	})
}

func deleteRoom(txn *badger.Txn, roomID string) error {
	rec, err := getRoomRecord(txn, roomID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if rec != nil {
		for userID := range rec.Users {
			user, err := getUserRecord(txn, userID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			delete(user.Rooms, roomID)
			if err := setJSON(txn, userKey(userID), user); err != nil {
				return err
			}
		}
	}

	if err := deletePrefix(txn, logPrefix(roomID)); err != nil {
		return err
	}
	if err := txn.Delete(logSeqKey(roomID)); err != nil {
		return err
	}
	return txn.Delete(roomKey(roomID))
}

func deletePrefix(txn *badger.Txn, prefix []byte) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// AddMember records membership on both the room and the user.
func (s *Store) AddMember(ctx context.Context, roomID, userID string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		room, err := getRoomRecord(txn, roomID)
		if err != nil {
			return err
		}
		user, err := getUserRecord(txn, userID)
		if err != nil {
			return err
		}
		if room.Users[userID] {
			return fmt.Errorf("member %s of %s: %w", userID, roomID, store.ErrExists)
		}

		room.Users[userID] = true
		user.Rooms[roomID] = true
		if err := setJSON(txn, roomKey(roomID), room); err != nil {
			return err
		}
		return setJSON(txn, userKey(userID), user)
	})
}

// RemoveMember drops membership on both sides and returns how many members remain.
// The last member leaving deletes the room with its log.
func (s *Store) RemoveMember(ctx context.Context, roomID, userID string) (int, error) {
	var remaining int
	err := s.update(ctx, func(txn *badger.Txn) error {
		room, err := getRoomRecord(txn, roomID)
		if err != nil {
			return err
		}
		if !room.Users[userID] {
			return fmt.Errorf("member %s of %s: %w", userID, roomID, store.ErrNotFound)
		}

		delete(room.Users, userID)
		remaining = len(room.Users)

		user, err := getUserRecord(txn, userID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		default:
			delete(user.Rooms, roomID)
			if err := setJSON(txn, userKey(userID), user); err != nil {
				return err
			}
		}

		if remaining == 0 {
			return deleteRoom(txn, roomID)
		}
		if remaining < 2 {
			room.Locked = ""
		}
		return setJSON(txn, roomKey(roomID), room)
	})
	return remaining, err
}

// UpdateRoomLock applies fn to the room inside a transaction and stores the resulting lock.
func (s *Store) UpdateRoomLock(ctx context.Context, roomID string, fn func(room *store.Room) error) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		rec, err := getRoomRecord(txn, roomID)
		if err != nil {
			return err
		}
		room := toRoom(roomID, rec)
		if err := fn(room); err != nil {
			return err
		}
		rec.Locked = room.Locked
		return setJSON(txn, roomKey(roomID), rec)
	})
}

// ==== UserStore implementation ====

// CreateUser creates a user record.
func (s *Store) CreateUser(ctx context.Context, userID string, now time.Time) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(userKey(userID)); err == nil {
			return fmt.Errorf("user %s: %w", userID, store.ErrExists)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("get user: %w", err)
		}
		return setJSON(txn, userKey(userID), userRecord{
			Rooms:    map[string]bool{},
			LastSeen: now.UnixMilli(),
		})
	})
}

// GetUser retrieves a user and the rooms it belongs to.
func (s *Store) GetUser(_ context.Context, userID string) (*store.User, error) {
	var user *store.User
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := getUserRecord(txn, userID)
		if err != nil {
			return err
		}
		user = &store.User{
			ID:       userID,
			Rooms:    toSet(rec.Rooms),
			LastSeen: time.UnixMilli(rec.LastSeen),
		}
		return nil
	})
	return user, err
}

// UpdateLastSeen stores the time the user went offline.
func (s *Store) UpdateLastSeen(ctx context.Context, userID string, at time.Time) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		rec, err := getUserRecord(txn, userID)
		if err != nil {
			return err
		}
		rec.LastSeen = at.UnixMilli()
		return setJSON(txn, userKey(userID), rec)
	})
}

// ==== LogStore implementation ====

// AppendLog appends one entry under the next sequence number of the room.
func (s *Store) AppendLog(ctx context.Context, roomID string, entry store.LogEntry) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		var seq uint64
		if err := getJSON(txn, logSeqKey(roomID), &seq); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		seq++
		if err := setJSON(txn, logSeqKey(roomID), seq); err != nil {
			return err
		}
		return setJSON(txn, logKey(roomID, seq), entry)
	})
	if err != nil {
		return fmt.Errorf("append chat log: %w", err)
	}
	return nil
}

// ReadLog returns the room's chat log as newline-delimited JSON.
func (s *Store) ReadLog(_ context.Context, roomID string) ([]byte, error) {
	var buf bytes.Buffer
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := logPrefix(roomID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				buf.Write(val)
				buf.WriteByte('\n')
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read chat log: %w", err)
	}

	if buf.Len() == 0 {
		return nil, nil
	}
	return buf.Bytes(), nil
}
