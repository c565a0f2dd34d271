package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/vovakirdan/slimchat/internal/store"
	"github.com/vovakirdan/slimchat/internal/utils"
)

// maxRoomIDAttempts bounds retries on room ID collisions.
const maxRoomIDAttempts = 8

// CreateUser registers a new user.
func (s *Service) CreateUser(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrInvalidRequest
	}

	if err := s.store.CreateUser(ctx, userID, s.now()); err != nil {
		if errors.Is(err, store.ErrExists) {
			return ErrAlreadyExists
		}
		return storeIO("create user", err)
	}

	s.log.Info().Str("user", userID).Msg("user created")
	return nil
}

// CreateRoom creates an empty room under a fresh random ID.
func (s *Service) CreateRoom(ctx context.Context) (string, error) {
	for range maxRoomIDAttempts {
		roomID, err := utils.NewRoomID()
		if err != nil {
			return "", fmt.Errorf("generate room id: %w", err)
		}

		err = s.store.InsertRoom(ctx, roomID)
		if errors.Is(err, store.ErrExists) {
			continue
		}
		if err != nil {
			return "", storeIO("insert room", err)
		}

		s.log.Info().Str("room", roomID).Msg("room created")
		return roomID, nil
	}
	return "", fmt.Errorf("no free room id after %d attempts", maxRoomIDAttempts)
}

// AddUserToRoom makes userID a member of roomID. Locked rooms accept no new members.
func (s *Service) AddUserToRoom(ctx context.Context, userID, roomID string) error {
	if userID == "" || roomID == "" {
		return ErrInvalidRequest
	}

	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrRoomNotFound
		}
		return storeIO("get room", err)
	}
	if room.HasMember(userID) {
		return ErrAlreadyMember
	}
	if room.Locked != "" {
		return ErrRoomLocked
	}

	if _, err := s.store.GetUser(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		return storeIO("get user", err)
	}

	if err := s.store.AddMember(ctx, roomID, userID); err != nil {
		switch {
		case errors.Is(err, store.ErrExists):
			return ErrAlreadyMember
		case errors.Is(err, store.ErrNotFound):
			return ErrRoomNotFound
		default:
			return storeIO("add member", err)
		}
	}

	s.log.Info().Str("room", roomID).Str("user", userID).Msg("user joined room")
	return nil
}

// RemoveUserFromRoom drops userID from roomID. The last member leaving deletes
// the room together with its chat log.
func (s *Service) RemoveUserFromRoom(ctx context.Context, userID, roomID string) error {
	if userID == "" || roomID == "" {
		return ErrInvalidRequest
	}

	if _, err := s.store.GetRoom(ctx, roomID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrRoomNotFound
		}
		return storeIO("get room", err)
	}

	// Sends already past the gate finish their append before the room can go away.
	unlock := s.roomLocks.Lock(roomID)
	defer unlock()

	remaining, err := s.store.RemoveMember(ctx, roomID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotMember
		}
		return storeIO("remove member", err)
	}
	s.log.Info().Str("room", roomID).Str("user", userID).Msg("user left room")

	if remaining == 0 {
		s.log.Info().Str("room", roomID).Msg("empty room deleted")
	}
	return nil
}

// SetLock locks or unlocks a two-member room on behalf of userID.
// Group rooms refuse both directions. Only the member holding the lock may release it.
func (s *Service) SetLock(ctx context.Context, userID, roomID string, lock bool) error {
	if userID == "" || roomID == "" {
		return ErrInvalidRequest
	}

	// The lock itself must not block the check.
	if _, err := s.Authorize(ctx, userID, roomID, false); err != nil {
		return err
	}

	err := s.store.UpdateRoomLock(ctx, roomID, func(room *store.Room) error {
		if !room.HasMember(userID) {
			return ErrNotMember
		}
		if len(room.Members) > 2 {
			return ErrGroupChatCannotLock
		}

		if !lock {
			if room.Locked != userID {
				return ErrUnauthorized
			}
			room.Locked = ""
			return nil
		}

		if len(room.Members) != 2 {
			return ErrGroupChatCannotLock
		}
		if room.Locked != "" && room.Locked != userID {
			return ErrUnauthorized
		}
		room.Locked = userID
		return nil
	})
	if err != nil {
		var ce *CoreError
		if errors.As(err, &ce) {
			return err
		}
		if errors.Is(err, store.ErrNotFound) {
			return ErrRoomNotFound
		}
		return storeIO("update room lock", err)
	}

	s.log.Info().Str("room", roomID).Str("user", userID).Bool("locked", lock).Msg("room lock changed")
	return nil
}
