// Package storetest holds behaviour checks shared by every store.Store backend.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/slimchat/internal/store"
)

// Run exercises a backend built by newStore. Each subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("rooms", func(t *testing.T) { testRooms(t, newStore(t)) })
	t.Run("membership", func(t *testing.T) { testMembership(t, newStore(t)) })
	t.Run("concurrent add member", func(t *testing.T) { testConcurrentAddMember(t, newStore(t)) })
	t.Run("lock", func(t *testing.T) { testLock(t, newStore(t)) })
	t.Run("users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("log", func(t *testing.T) { testLog(t, newStore(t)) })
	t.Run("delete room", func(t *testing.T) { testDeleteRoom(t, newStore(t)) })
	t.Run("last member deletes room", func(t *testing.T) { testLastMemberDeletesRoom(t, newStore(t)) })
}

func testRooms(t *testing.T, st store.Store) {
	ctx := context.Background()

	_, err := st.GetRoom(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, st.InsertRoom(ctx, "r1"))
	require.ErrorIs(t, st.InsertRoom(ctx, "r1"), store.ErrExists)

	room, err := st.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", room.ID)
	assert.Empty(t, room.Members)
	assert.Empty(t, room.Locked)
}

func testMembership(t *testing.T, st store.Store) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, st.InsertRoom(ctx, "r1"))
	require.NoError(t, st.CreateUser(ctx, "alice", now))
	require.NoError(t, st.CreateUser(ctx, "bob", now))

	require.ErrorIs(t, st.AddMember(ctx, "nope", "alice"), store.ErrNotFound)
	require.ErrorIs(t, st.AddMember(ctx, "r1", "ghost"), store.ErrNotFound)

	require.NoError(t, st.AddMember(ctx, "r1", "alice"))
	require.NoError(t, st.AddMember(ctx, "r1", "bob"))
	require.ErrorIs(t, st.AddMember(ctx, "r1", "bob"), store.ErrExists)

	room, err := st.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, room.HasMember("alice"))
	assert.True(t, room.HasMember("bob"))
	assert.Len(t, room.Members, 2)

	user, err := st.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Contains(t, user.Rooms, "r1")

	remaining, err := st.RemoveMember(ctx, "r1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	_, err = st.RemoveMember(ctx, "r1", "alice")
	require.ErrorIs(t, err, store.ErrNotFound)

	user, err = st.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.NotContains(t, user.Rooms, "r1")
}

func testConcurrentAddMember(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.InsertRoom(ctx, "r1"))
	require.NoError(t, st.CreateUser(ctx, "alice", time.Now()))

	const attempts = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := st.AddMember(ctx, "r1", "alice"); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	room, err := st.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, room.Members, 1)
}

func testLock(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.InsertRoom(ctx, "r1"))
	require.NoError(t, st.CreateUser(ctx, "alice", time.Now()))
	require.NoError(t, st.CreateUser(ctx, "bob", time.Now()))
	require.NoError(t, st.AddMember(ctx, "r1", "alice"))
	require.NoError(t, st.AddMember(ctx, "r1", "bob"))

	err := st.UpdateRoomLock(ctx, "r1", func(room *store.Room) error {
		assert.Len(t, room.Members, 2)
		room.Locked = "alice"
		return nil
	})
	require.NoError(t, err)

	room, err := st.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "alice", room.Locked)

	errAbort := assert.AnError
	err = st.UpdateRoomLock(ctx, "r1", func(room *store.Room) error {
		room.Locked = ""
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	room, err = st.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "alice", room.Locked, "failed update must not be persisted")

	// Dropping below two members clears the lock.
	_, err = st.RemoveMember(ctx, "r1", "bob")
	require.NoError(t, err)
	room, err = st.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, room.Locked)

	err = st.UpdateRoomLock(ctx, "missing", func(*store.Room) error { return nil })
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testUsers(t *testing.T, st store.Store) {
	ctx := context.Background()
	created := time.UnixMilli(1_700_000_000_000)

	_, err := st.GetUser(ctx, "alice")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, st.CreateUser(ctx, "alice", created))
	require.ErrorIs(t, st.CreateUser(ctx, "alice", created), store.ErrExists)

	user, err := st.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, created.UnixMilli(), user.LastSeen.UnixMilli())
	assert.Empty(t, user.Rooms)

	later := created.Add(time.Hour)
	require.NoError(t, st.UpdateLastSeen(ctx, "alice", later))
	user, err = st.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, later.UnixMilli(), user.LastSeen.UnixMilli())

	require.ErrorIs(t, st.UpdateLastSeen(ctx, "ghost", later), store.ErrNotFound)
}

func testLog(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.InsertRoom(ctx, "r1"))

	data, err := st.ReadLog(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, data)

	require.NoError(t, st.AppendLog(ctx, "r1", store.LogEntry{Datetime: 1, Sender: "alice", Message: "hi"}))
	require.NoError(t, st.AppendLog(ctx, "r1", store.LogEntry{Datetime: 2, Sender: "bob", Message: "<b>yo</b>"}))

	data, err = st.ReadLog(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t,
		`{"datetime":1,"sender":"alice","message":"hi"}`+"\n"+
			`{"datetime":2,"sender":"bob","message":"<b>yo</b>"}`+"\n",
		string(data))
}

func testDeleteRoom(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.InsertRoom(ctx, "r1"))
	require.NoError(t, st.CreateUser(ctx, "alice", time.Now()))
	require.NoError(t, st.AddMember(ctx, "r1", "alice"))
	require.NoError(t, st.AppendLog(ctx, "r1", store.LogEntry{Datetime: 1, Sender: "alice", Message: "hi"}))

	require.NoError(t, st.DeleteRoom(ctx, "r1"))

	_, err := st.GetRoom(ctx, "r1")
	require.ErrorIs(t, err, store.ErrNotFound)

	data, err := st.ReadLog(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, data)

	user, err := st.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.NotContains(t, user.Rooms, "r1")
}

func testLastMemberDeletesRoom(t *testing.T, st store.Store) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, st.InsertRoom(ctx, "r1"))
	require.NoError(t, st.CreateUser(ctx, "alice", now))
	require.NoError(t, st.CreateUser(ctx, "bob", now))
	require.NoError(t, st.AddMember(ctx, "r1", "alice"))
	require.NoError(t, st.AppendLog(ctx, "r1", store.LogEntry{Datetime: 1, Sender: "alice", Message: "bye"}))

	remaining, err := st.RemoveMember(ctx, "r1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	_, err = st.GetRoom(ctx, "r1")
	require.ErrorIs(t, err, store.ErrNotFound)

	data, err := st.ReadLog(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, data)

	user, err := st.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.NotContains(t, user.Rooms, "r1")

	// A join after the room is gone must not resurrect it.
	require.ErrorIs(t, st.AddMember(ctx, "r1", "bob"), store.ErrNotFound)

	// The ID is free again.
	require.NoError(t, st.InsertRoom(ctx, "r1"))
	data, err = st.ReadLog(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, data)
}
