package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/vovakirdan/slimchat/internal/store"
)

// Service is the presence and delivery engine.
type Service struct {
	store     store.Store
	presence  *Presence
	roomLocks *keyedMutex
	log       *zerolog.Logger
	now       func() time.Time

	// receives counts Receive calls that have not returned yet.
	receives sync.WaitGroup
}

// NewService builds a Service on top of st. A nil logger disables logging.
func NewService(st store.Store, logger *zerolog.Logger) *Service {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Service{
		store:     st,
		presence:  NewPresence(),
		roomLocks: newKeyedMutex(),
		log:       logger,
		now:       time.Now,
	}
}

// OnlineCount returns how many users currently have a presence entry.
func (s *Service) OnlineCount() int {
	return s.presence.Len()
}

// WaitReceives blocks until every Receive in flight has returned, including its
// last-seen write, or until ctx is done.
func (s *Service) WaitReceives(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.receives.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PollPending reports whether userID has a receive request parked right now.
func (s *Service) PollPending(userID string) bool {
	return s.presence.Waiting(userID)
}

// Send appends text to the room log and fans it out to every other online member.
// A failed append is reported after fan-out; peers that already got the message keep it.
func (s *Service) Send(ctx context.Context, senderID, roomID, text string) (Envelope, error) {
	if senderID == "" || roomID == "" {
		return Envelope{}, ErrInvalidRequest
	}

	room, err := s.Authorize(ctx, senderID, roomID, true)
	if err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		Datetime: s.now().UnixMilli(),
		Sender:   senderID,
		Room:     roomID,
		Message:  text,
	}

	// Log order and per-recipient delivery order follow the same sequence.
	unlock := s.roomLocks.Lock(roomID)
	defer unlock()

	appendErr := s.store.AppendLog(ctx, roomID, store.LogEntry{
		Datetime: env.Datetime,
		Sender:   env.Sender,
		Message:  env.Message,
	})
	if appendErr != nil {
		s.log.Error().Err(appendErr).Str("room", roomID).Str("sender", senderID).Msg("failed to append chat log")
	}

	recipients := lo.Filter(lo.Keys(room.Members), func(userID string, _ int) bool {
		return userID != senderID
	})
	for _, userID := range recipients {
		if s.presence.EnqueueOrDeliver(userID, env) {
			s.log.Debug().Str("room", roomID).Str("sender", senderID).Str("receiver", userID).Msg("message dispatched")
		}
	}

	if appendErr != nil {
		return env, storeIO("append chat log", appendErr)
	}
	return env, nil
}

// Receive blocks until a delivery is available for receiverID or ctx is done.
// When ctx ends first the user goes offline and ctx.Err() is returned.
func (s *Service) Receive(ctx context.Context, receiverID, roomID string) (Delivery, error) {
	if receiverID == "" || roomID == "" {
		return Delivery{}, ErrInvalidRequest
	}

	s.receives.Add(1)
	defer s.receives.Done()

	if _, err := s.Authorize(ctx, receiverID, roomID, true); err != nil {
		return Delivery{}, err
	}

	if s.presence.MarkOnline(receiverID) {
		s.log.Info().Str("user", receiverID).Msg("user came online")
	}

	w := NewWaiter()
	s.presence.AttachWaiter(receiverID, w)

	select {
	case d := <-w.C():
		return d, nil
	case <-ctx.Done():
	}

	if !s.presence.RemoveIfUnresolved(receiverID, w) {
		// A delivery won the race with the disconnect.
		select {
		case d := <-w.C():
			return d, nil
		default:
			return Delivery{}, ctx.Err()
		}
	}

	s.wentOffline(context.WithoutCancel(ctx), receiverID)
	return Delivery{}, ctx.Err()
}

func (s *Service) wentOffline(ctx context.Context, userID string) {
	s.log.Info().Str("user", userID).Msg("user went offline")

	if err := s.store.UpdateLastSeen(ctx, userID, s.now()); err != nil {
		s.log.Warn().Err(err).Str("user", userID).Msg("failed to store last seen")
	}
}

// History returns the raw chat log of the room. Locked rooms stay readable.
func (s *Service) History(ctx context.Context, userID, roomID string) ([]byte, error) {
	if userID == "" || roomID == "" {
		return nil, ErrInvalidRequest
	}

	if _, err := s.Authorize(ctx, userID, roomID, false); err != nil {
		return nil, err
	}

	data, err := s.store.ReadLog(ctx, roomID)
	if err != nil {
		return nil, storeIO("read chat log", err)
	}
	return data, nil
}

// Stats reports, for every other member of the room, "now" when online or the
// last-seen time in unix milliseconds.
func (s *Service) Stats(ctx context.Context, userID, roomID string) (map[string]any, error) {
	if userID == "" || roomID == "" {
		return nil, ErrInvalidRequest
	}

	room, err := s.Authorize(ctx, userID, roomID, true)
	if err != nil {
		return nil, err
	}

	stats := make(map[string]any, len(room.Members))
	for memberID := range room.Members {
		if memberID == userID {
			continue
		}
		if s.presence.IsOnline(memberID) {
			stats[memberID] = "now"
			continue
		}

		user, err := s.store.GetUser(ctx, memberID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, storeIO("get user", err)
		}
		stats[memberID] = user.LastSeen.UnixMilli()
	}

	return stats, nil
}
