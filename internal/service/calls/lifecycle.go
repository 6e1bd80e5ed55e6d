package calls

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"

	"github.com/vovakirdan/wirecall/internal/proto"
	"github.com/vovakirdan/wirecall/internal/store"
)

// Start creates a call in roomID with userID streaming and every other room
// participant rung. The SFU room is created and the caller's candidates are
// confirmed before the call is committed.
func (s *Service) Start(ctx context.Context, userID, roomID int64, candidates []webrtc.ICECandidateInit) (call *store.Call, err error) {
	defer func() { s.observe("start", err) }()
	if !s.sfu.HasSession(userID) {
		return nil, ErrNotConnected
	}

	err = s.store.InTx(ctx, func(ctx context.Context, q store.Queries, uow *store.UnitOfWork) error {
		room, err := loadRoom(ctx, q, userID, roomID)
		if err != nil {
			return err
		}
		user, err := loadUser(ctx, q, userID)
		if err != nil {
			return err
		}
		if user.InCall() {
			return ErrInAnotherCall
		}
		switch _, err := q.GetCallByRoom(ctx, roomID); {
		case err == nil:
			return ErrCallExists
		case !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("get call: %w", err)
		}

		c := &store.Call{
			RoomID:    roomID,
			Active:    []int64{userID},
			Pending:   lo.Without(room.Participants, userID),
			CreatedAt: s.clock.Now().UnixMilli(),
		}
		if err := q.CreateCall(ctx, c); err != nil {
			if errors.Is(err, store.ErrCallExists) {
				return ErrCallExists
			}
			return fmt.Errorf("create call: %w", err)
		}
		if err := q.AttachActiveCall(ctx, userID, c.ID); err != nil {
			return attachError(err)
		}
		if err := q.AddInvites(ctx, c.ID, c.Pending); err != nil {
			return fmt.Errorf("add invites: %w", err)
		}

		uow.BeforeCommit(func(ctx context.Context) error {
			if err := s.sfu.CreateRoom(ctx, userID, roomID); err != nil {
				s.cleanup(ctx, "start", userID, s.refresh(userID, true, false))
				return err
			}
			undo := []func(ctx context.Context) error{
				func(ctx context.Context) error { return s.sfu.DestroyRoom(ctx, userID, roomID) },
				s.refresh(userID, true, false),
			}
			if err := s.sfu.PublishIceCandidates(ctx, userID, roomID, candidates); err != nil {
				s.cleanup(ctx, "start", userID, undo...)
				return err
			}
			uow.Compensate(func(ctx context.Context) {
				s.cleanup(ctx, "start", userID, undo...)
			})
			return nil
		})

		snapshot := c.Clone()
		uow.AfterCommit(func(context.Context) {
			s.metrics.CallStarted()
			s.notify(snapshot.Pending, proto.TopicCallIncoming, proto.CallIncoming{
				CallID:    snapshot.ID,
				RoomID:    snapshot.RoomID,
				CallerID:  userID,
				CreatedAt: snapshot.CreatedAt,
			})
			s.armRingTimer(snapshot, userID)
		})

		call = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Int64("call_id", call.ID).Int64("room_id", roomID).Int64("user_id", userID).Int("pending", len(call.Pending)).Msg("call started")
	return call, nil
}

// Join moves userID into the active set of the room's call. The user's
// candidates must reach the SFU before the change is committed.
func (s *Service) Join(ctx context.Context, userID, roomID int64, candidates []webrtc.ICECandidateInit) (call *store.Call, err error) {
	defer func() { s.observe("join", err) }()
	if !s.sfu.HasSession(userID) {
		return nil, ErrNotConnected
	}

	err = s.store.InTx(ctx, func(ctx context.Context, q store.Queries, uow *store.UnitOfWork) error {
		room, err := loadRoom(ctx, q, userID, roomID)
		if err != nil {
			return err
		}
		user, err := loadUser(ctx, q, userID)
		if err != nil {
			return err
		}
		c, err := loadCall(ctx, q, roomID)
		if err != nil {
			return err
		}
		if c.IsActive(userID) {
			return ErrAlreadyActive
		}
		if user.InCall() {
			return ErrInAnotherCall
		}
		if len(c.Active) >= s.cfg.MaxActive {
			return ErrCallFull
		}

		c.Pending = lo.Without(c.Pending, userID)
		c.Active = append(c.Active, userID)
		if err := q.UpdateCall(ctx, c); err != nil {
			return err
		}
		if err := q.AttachActiveCall(ctx, userID, c.ID); err != nil {
			return attachError(err)
		}
		if err := q.RemoveInvites(ctx, c.ID, []int64{userID}); err != nil {
			return fmt.Errorf("remove invite: %w", err)
		}

		uow.BeforeCommit(func(ctx context.Context) error {
			if err := s.sfu.PublishIceCandidates(ctx, userID, roomID, candidates); err != nil {
				s.cleanup(ctx, "join", userID, s.refresh(userID, true, false))
				return err
			}
			uow.Compensate(func(ctx context.Context) {
				s.cleanup(ctx, "join", userID, s.refresh(userID, true, false))
			})
			return nil
		})

		payload := proto.CallJoined{
			CallID: c.ID,
			RoomID: roomID,
			UserID: userID,
			Sound:  s.soundURL(user.EntranceSound),
		}
		uow.AfterCommit(func(context.Context) {
			s.notify(lo.Without(room.Participants, userID), proto.TopicCallJoined, payload)
		})

		call = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Int64("call_id", call.ID).Int64("room_id", roomID).Int64("user_id", userID).Msg("joined call")
	return call, nil
}

// Reject declines userID's pending invitation to the room's call.
func (s *Service) Reject(ctx context.Context, userID, roomID int64) (err error) {
	defer func() { s.observe("reject", err) }()

	return s.store.InTx(ctx, func(ctx context.Context, q store.Queries, uow *store.UnitOfWork) error {
		room, err := loadRoom(ctx, q, userID, roomID)
		if err != nil {
			return err
		}
		c, err := loadCall(ctx, q, roomID)
		if err != nil {
			return err
		}
		if !c.IsPending(userID) {
			return ErrNotPending
		}

		c.Pending = lo.Without(c.Pending, userID)
		if err := q.UpdateCall(ctx, c); err != nil {
			return err
		}
		if err := q.RemoveInvites(ctx, c.ID, []int64{userID}); err != nil {
			return fmt.Errorf("remove invite: %w", err)
		}

		payload := proto.CallRejected{CallID: c.ID, RoomID: roomID, UserIDs: []int64{userID}, Pending: len(c.Pending)}
		uow.AfterCommit(func(context.Context) {
			s.notify(lo.Without(room.Participants, userID), proto.TopicCallRejected, payload)
		})
		return nil
	})
}

// Leave removes userID from the call it is streaming in. The last
// participant leaving ends the call.
func (s *Service) Leave(ctx context.Context, userID int64) (err error) {
	defer func() { s.observe("leave", err) }()

	return s.store.InTx(ctx, func(ctx context.Context, q store.Queries, uow *store.UnitOfWork) error {
		user, err := loadUser(ctx, q, userID)
		if err != nil {
			return err
		}
		if !user.InCall() {
			return ErrNotActive
		}
		c, err := q.GetCallByID(ctx, *user.ActiveCallID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotActive
		}
		if err != nil {
			return fmt.Errorf("get call: %w", err)
		}
		room, err := q.GetRoomByID(ctx, c.RoomID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrRoomNotFound
		}
		if err != nil {
			return fmt.Errorf("get room: %w", err)
		}
		return s.removeActive(ctx, q, uow, room, c, userID, nil)
	})
}

// Kick removes targetID from the room's call on behalf of a moderator.
func (s *Service) Kick(ctx context.Context, actorID, targetID, roomID int64) (err error) {
	defer func() { s.observe("kick", err) }()
	if actorID == targetID {
		return ErrCannotKickSelf
	}

	return s.store.InTx(ctx, func(ctx context.Context, q store.Queries, uow *store.UnitOfWork) error {
		room, err := loadRoom(ctx, q, actorID, roomID)
		if err != nil {
			return err
		}
		if !room.CanModerate(actorID) || room.RoleOf(targetID) == store.RoomRoleOwner {
			return ErrPermissionDenied
		}
		c, err := loadCall(ctx, q, roomID)
		if err != nil {
			return err
		}
		if !c.IsActive(targetID) {
			return ErrNotActive
		}
		return s.removeActive(ctx, q, uow, room, c, targetID, &actorID)
	})
}

// Abort ends the room's call for everyone. The SFU room is destroyed before
// the deletion is committed.
func (s *Service) Abort(ctx context.Context, actorID, roomID int64) (err error) {
	defer func() { s.observe("abort", err) }()

	return s.store.InTx(ctx, func(ctx context.Context, q store.Queries, uow *store.UnitOfWork) error {
		room, err := loadRoom(ctx, q, actorID, roomID)
		if err != nil {
			return err
		}
		if !room.CanModerate(actorID) {
			return ErrPermissionDenied
		}
		c, err := loadCall(ctx, q, roomID)
		if err != nil {
			return err
		}
		return s.endCall(ctx, q, uow, room, c, ending{
			leaver:        actorID,
			by:            &actorID,
			released:      slices.Clone(c.Active),
			kicked:        lo.Without(c.Active, actorID),
			teardownFirst: true,
		})
	})
}

// SetMusic toggles background music for the room's call.
func (s *Service) SetMusic(ctx context.Context, userID, roomID int64, enabled bool) (err error) {
	defer func() { s.observe("music", err) }()

	return s.store.InTx(ctx, func(ctx context.Context, q store.Queries, uow *store.UnitOfWork) error {
		if _, err := loadRoom(ctx, q, userID, roomID); err != nil {
			return err
		}
		c, err := loadCall(ctx, q, roomID)
		if err != nil {
			return err
		}
		if !c.IsActive(userID) {
			return ErrNotActive
		}
		if c.HasMusic == enabled {
			return nil
		}

		c.HasMusic = enabled
		if err := q.UpdateCall(ctx, c); err != nil {
			return err
		}

		payload := proto.CallMusic{CallID: c.ID, RoomID: roomID, Enabled: enabled, By: userID}
		others := lo.Without(c.Active, userID)
		uow.AfterCommit(func(context.Context) {
			s.notify(others, proto.TopicCallMusic, payload)
		})
		return nil
	})
}

// Ongoing returns the room's call as seen by a room participant.
func (s *Service) Ongoing(ctx context.Context, userID, roomID int64) (*store.Call, error) {
	if _, err := loadRoom(ctx, s.store, userID, roomID); err != nil {
		return nil, err
	}
	return loadCall(ctx, s.store, roomID)
}

// Incoming lists calls still ringing for userID.
func (s *Service) Incoming(ctx context.Context, userID int64) ([]*store.Call, error) {
	calls, err := s.store.ListInvitedCalls(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list invited calls: %w", err)
	}
	return calls, nil
}

// removeActive drops target from the active set, ending the call when
// nobody is left. kickedBy is set when a moderator removed target.
func (s *Service) removeActive(ctx context.Context, q store.Queries, uow *store.UnitOfWork, room *store.Room, c *store.Call, target int64, kickedBy *int64) error {
	c.Active = lo.Without(c.Active, target)
	if len(c.Active) == 0 {
		e := ending{leaver: target, by: kickedBy, released: []int64{target}}
		if kickedBy != nil {
			e.kicked = []int64{target}
		}
		return s.endCall(ctx, q, uow, room, c, e)
	}

	if err := q.UpdateCall(ctx, c); err != nil {
		return err
	}
	if err := q.DetachActiveCall(ctx, target, c.ID); err != nil {
		return err
	}

	left := proto.CallLeft{CallID: c.ID, RoomID: room.ID, UserID: target, KickedBy: kickedBy}
	uow.AfterCommit(func(ctx context.Context) {
		if s.sfu.HasSession(target) {
			s.cleanup(ctx, "leave", target, s.refresh(target, true, true))
		}
		s.notify(lo.Without(room.Participants, target), proto.TopicCallLeft, left)
		if kickedBy != nil {
			s.notify([]int64{target}, proto.TopicCallKicked, proto.CallKicked{CallID: c.ID, RoomID: room.ID, By: *kickedBy})
		}
		s.log.Info().Int64("call_id", left.CallID).Int64("user_id", target).Msg("left call")
	})
	return nil
}

// ending describes how a call is being ended.
type ending struct {
	leaver        int64   // not told about the end
	by            *int64  // moderator responsible, nil for a plain leave
	released      []int64 // participants whose media handles are reset
	kicked        []int64 // participants told they were removed
	teardownFirst bool    // destroy the SFU room before committing
}

func (s *Service) endCall(ctx context.Context, q store.Queries, uow *store.UnitOfWork, room *store.Room, c *store.Call, e ending) error {
	pending := slices.Clone(c.Pending)
	if err := q.DeleteCall(ctx, c); err != nil {
		return err
	}

	duration := time.Duration(s.clock.Now().UnixMilli()-c.CreatedAt) * time.Millisecond
	msg := &store.Message{
		RoomID: room.ID,
		UserID: e.by,
		Kind:   store.MessageKindCallEnd,
		Body:   fmt.Sprintf("call ended after %s", duration.Round(time.Second)),
	}
	if err := q.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("save call end message: %w", err)
	}

	if e.teardownFirst {
		uow.BeforeCommit(func(ctx context.Context) error {
			return s.teardown(ctx, room.ID, e.leaver, e.released)
		})
	}

	ended := proto.CallEnded{CallID: c.ID, RoomID: room.ID, DurationMS: duration.Milliseconds(), EndedBy: e.by}
	uow.AfterCommit(func(ctx context.Context) {
		s.metrics.CallEnded()
		if !e.teardownFirst {
			s.cleanup(ctx, "end", e.leaver, func(ctx context.Context) error {
				return s.teardown(ctx, room.ID, e.leaver, e.released)
			})
		}
		s.notify(lo.Without(room.Participants, e.leaver), proto.TopicCallEnded, ended)
		if e.by != nil {
			s.notify(e.kicked, proto.TopicCallKicked, proto.CallKicked{CallID: c.ID, RoomID: room.ID, By: *e.by})
		}
		s.flushRingTimer(room.ID, pending)
		s.log.Info().Int64("call_id", ended.CallID).Int64("room_id", ended.RoomID).Dur("duration", duration).Msg("call ended")
	})
	return nil
}
