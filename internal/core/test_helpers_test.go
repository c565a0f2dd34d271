package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/slimchat/internal/store"
	"github.com/vovakirdan/slimchat/internal/store/sqlite"
)

var testNow = time.UnixMilli(1_700_000_000_000)

func newTestService(t *testing.T) *Service {
	t.Helper()

	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return newServiceWithStore(st)
}

func newServiceWithStore(st store.Store) *Service {
	svc := NewService(st, nil)
	svc.now = func() time.Time { return testNow }
	return svc
}

// seedRoom creates the users and a room holding all of them.
func seedRoom(t *testing.T, svc *Service, users ...string) string {
	t.Helper()
	ctx := context.Background()

	roomID, err := svc.CreateRoom(ctx)
	require.NoError(t, err)
	for _, u := range users {
		if err := svc.CreateUser(ctx, u); err != nil {
			require.ErrorIs(t, err, ErrAlreadyExists)
		}
		require.NoError(t, svc.AddUserToRoom(ctx, u, roomID))
	}
	return roomID
}

type receiveResult struct {
	delivery Delivery
	err      error
}

// startReceive runs Receive in the background and waits until its poll is parked.
func startReceive(t *testing.T, ctx context.Context, svc *Service, userID, roomID string) <-chan receiveResult {
	t.Helper()

	out := make(chan receiveResult, 1)
	go func() {
		d, err := svc.Receive(ctx, userID, roomID)
		out <- receiveResult{delivery: d, err: err}
	}()

	require.Eventually(t, func() bool {
		return svc.presence.stateOf(userID) == stateWaiting
	}, 2*time.Second, 5*time.Millisecond)
	return out
}

func mustResult(t *testing.T, ch <-chan receiveResult) receiveResult {
	t.Helper()

	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not return")
		return receiveResult{}
	}
}

// stateOf reports the entry state, or -1 when the user is offline.
func (p *Presence) stateOf(userID string) entryState {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[userID]
	if !ok {
		return -1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// failingLogStore breaks AppendLog and delegates everything else.
type failingLogStore struct {
	store.Store
}

var errDiskFull = errors.New("disk full")

func (f failingLogStore) AppendLog(context.Context, string, store.LogEntry) error {
	return errDiskFull
}
