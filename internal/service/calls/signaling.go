package calls

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"

	"github.com/vovakirdan/wirecall/internal/store"
)

// Connect opens the user's SFU session. It is a no-op for a connected user.
func (s *Service) Connect(ctx context.Context, userID int64) (err error) {
	defer func() { s.observe("connect", err) }()
	if _, err := loadUser(ctx, s.store, userID); err != nil {
		return err
	}
	if s.sfu.HasSession(userID) {
		return nil
	}
	return s.sfu.CreateSession(ctx, userID)
}

// Disconnect leaves the user's call, if any, and destroys its SFU session.
func (s *Service) Disconnect(ctx context.Context, userID int64) error {
	leaveErr := s.Leave(ctx, userID)
	if errors.Is(leaveErr, ErrNotActive) || errors.Is(leaveErr, ErrUserNotFound) {
		leaveErr = nil
	}
	if !s.sfu.HasSession(userID) {
		return leaveErr
	}
	return multierr.Append(leaveErr, s.sfu.DestroySession(ctx, userID))
}

// Publish joins roomID as a publisher and negotiates the user's outgoing
// media. The user must be about to start, invited to, or active in the
// room's call.
func (s *Service) Publish(ctx context.Context, userID, roomID int64, offer webrtc.SessionDescription) (answer webrtc.SessionDescription, err error) {
	defer func() { s.observe("publish", err) }()

	if _, err := loadRoom(ctx, s.store, userID, roomID); err != nil {
		return answer, err
	}
	user, err := loadUser(ctx, s.store, userID)
	if err != nil {
		return answer, err
	}
	call, err := s.store.GetCallByRoom(ctx, roomID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		call = nil
	case err != nil:
		return answer, fmt.Errorf("get call: %w", err)
	}
	if user.InCall() && (call == nil || *user.ActiveCallID != call.ID) {
		return answer, ErrInAnotherCall
	}
	if !s.sfu.HasSession(userID) {
		return answer, ErrNotConnected
	}

	if err := s.sfu.CreateRoom(ctx, userID, roomID); err != nil {
		return answer, err
	}
	if err := s.sfu.JoinAsPublisher(ctx, userID, roomID); err != nil {
		s.cleanup(ctx, "publish", userID, s.refresh(userID, true, false))
		return answer, err
	}
	answer, err = s.sfu.PublishMedia(ctx, userID, offer)
	if err != nil {
		s.cleanup(ctx, "publish", userID, s.refresh(userID, true, false))
		return answer, err
	}
	return answer, nil
}

// Subscribe joins roomID as a subscriber to the feeds of other active
// participants and returns the SFU's offer.
func (s *Service) Subscribe(ctx context.Context, userID, roomID int64, feeds []int64) (offer webrtc.SessionDescription, err error) {
	defer func() { s.observe("subscribe", err) }()

	if _, err := loadRoom(ctx, s.store, userID, roomID); err != nil {
		return offer, err
	}
	call, err := loadCall(ctx, s.store, roomID)
	if err != nil {
		return offer, err
	}
	if !call.IsActive(userID) {
		return offer, ErrNotActive
	}
	if len(feeds) == 0 {
		return offer, ErrNoFeeds
	}
	for _, feed := range feeds {
		if feed == userID || !call.IsActive(feed) {
			return offer, ErrInvalidFeed
		}
	}
	if !s.sfu.HasSession(userID) {
		return offer, ErrNotConnected
	}

	offer, err = s.sfu.JoinAsSubscriber(ctx, userID, roomID, feeds)
	if err != nil {
		s.cleanup(ctx, "subscribe", userID, s.refresh(userID, false, true))
		return offer, err
	}
	return offer, nil
}

// CompleteSubscription hands the client's answer to the SFU.
func (s *Service) CompleteSubscription(ctx context.Context, userID int64, answer webrtc.SessionDescription) (err error) {
	defer func() { s.observe("subscribe_answer", err) }()
	if !s.sfu.HasSession(userID) {
		return ErrNotConnected
	}
	if err := s.sfu.FinalizeSubscription(ctx, userID, answer); err != nil {
		s.cleanup(ctx, "subscribe_answer", userID, s.refresh(userID, false, true))
		return err
	}
	return nil
}

// Candidates returns the confirmed ICE candidates of publisherID to a user
// streaming in the same call.
func (s *Service) Candidates(ctx context.Context, userID, publisherID int64) ([]webrtc.ICECandidateInit, error) {
	user, err := loadUser(ctx, s.store, userID)
	if err != nil {
		return nil, err
	}
	publisher, err := loadUser(ctx, s.store, publisherID)
	if err != nil {
		return nil, err
	}
	if !user.InCall() || !publisher.InCall() || *user.ActiveCallID != *publisher.ActiveCallID {
		return nil, ErrNotActive
	}
	return s.sfu.CachedIceCandidates(ctx, publisherID)
}
