package core

import (
	"context"
	"errors"

	"github.com/vovakirdan/slimchat/internal/store"
)

// Authorize loads roomID fresh from the store and checks that userID may act on it.
// With requireUnlocked set, a locked room is refused. The returned record is
// read-only for the caller.
func (s *Service) Authorize(ctx context.Context, userID, roomID string, requireUnlocked bool) (*store.Room, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, storeIO("get room", err)
	}

	if !room.HasMember(userID) {
		return nil, ErrNotMember
	}
	if requireUnlocked && room.Locked != "" {
		return nil, ErrRoomLocked
	}

	return room, nil
}
