package calls

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/samber/lo"

	"github.com/vovakirdan/wirecall/internal/proto"
	"github.com/vovakirdan/wirecall/internal/scheduler"
	"github.com/vovakirdan/wirecall/internal/store"
)

// RingTimeout is the snapshot captured when a call starts ringing.
type RingTimeout struct {
	Pending   []int64
	CallID    int64
	RoomID    int64
	CallerID  int64
	CreatedAt int64
	// StillPending is the pending set observed when the call ended early.
	StillPending *[]int64
}

// armRingTimer schedules the auto-reject of the invitations in call.
func (s *Service) armRingTimer(call *store.Call, callerID int64) {
	if len(call.Pending) == 0 {
		return
	}
	args := RingTimeout{
		Pending:   slices.Clone(call.Pending),
		CallID:    call.ID,
		RoomID:    call.RoomID,
		CallerID:  callerID,
		CreatedAt: call.CreatedAt,
	}
	at := s.clock.Now().Add(s.cfg.RingTimeout)

	err := s.sched.ScheduleKeyed(call.RoomID, at, s.onRingTimeout, args)
	if errors.Is(err, scheduler.ErrKeyInUse) {
		// A timer of an earlier call in the room never fired: resolve it now.
		s.sched.RunImmediately(call.RoomID, 0, nil)
		err = s.sched.ScheduleKeyed(call.RoomID, at, s.onRingTimeout, args)
	}
	if err != nil {
		s.log.Error().Err(err).Int64("call_id", call.ID).Int64("room_id", call.RoomID).Msg("failed to arm ring timer")
	}
}

// flushRingTimer resolves the room's invitations after the end grace delay
// instead of waiting out the ring timeout.
func (s *Service) flushRingTimer(roomID int64, stillPending []int64) {
	late := slices.Clone(stillPending)
	flushed := s.sched.RunImmediately(roomID, s.cfg.EndGrace, func(args RingTimeout) RingTimeout {
		args.StillPending = &late
		return args
	})
	if !flushed {
		s.log.Debug().Int64("room_id", roomID).Msg("no ring timer to flush")
	}
}

func (s *Service) onRingTimeout(args RingTimeout) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CleanupTimeout)
	defer cancel()

	if err := s.reconcile(ctx, args); err != nil {
		s.log.Error().Err(err).Int64("call_id", args.CallID).Int64("room_id", args.RoomID).Msg("ring timeout reconciliation failed")
	}
}

// reconcile auto-rejects invitees still pending from the snapshot. When the
// call is already gone, the invitees still believed pending are told they
// missed it.
func (s *Service) reconcile(ctx context.Context, args RingTimeout) error {
	return s.store.InTx(ctx, func(ctx context.Context, q store.Queries, uow *store.UnitOfWork) error {
		room, err := q.GetRoomByID(ctx, args.RoomID)
		roomGone := errors.Is(err, store.ErrNotFound)
		if err != nil && !roomGone {
			return fmt.Errorf("get room: %w", err)
		}

		var call *store.Call
		if !roomGone {
			call, err = q.GetCallByID(ctx, args.CallID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("get call: %w", err)
			}
		}

		if call == nil {
			targets := args.Pending
			if args.StillPending != nil {
				targets = *args.StillPending
			}
			users, err := q.GetUsersByID(ctx, targets)
			if err != nil {
				return fmt.Errorf("get users: %w", err)
			}
			missed := proto.CallMissed{CallID: args.CallID, RoomID: args.RoomID, CallerID: args.CallerID, CreatedAt: args.CreatedAt}
			ids := lo.Map(users, func(u *store.User, _ int) int64 { return u.ID })
			uow.AfterCommit(func(context.Context) {
				s.notify(ids, proto.TopicCallMissed, missed)
			})
			return nil
		}

		users, err := q.GetUsersByID(ctx, args.Pending)
		if err != nil {
			return fmt.Errorf("get users: %w", err)
		}
		var expired []int64
		for _, u := range users {
			if call.IsPending(u.ID) && !call.IsActive(u.ID) {
				expired = append(expired, u.ID)
			}
		}
		if len(expired) == 0 {
			return nil
		}

		call.Pending = lo.Without(call.Pending, expired...)
		if err := q.UpdateCall(ctx, call); err != nil {
			return err
		}
		if err := q.RemoveInvites(ctx, call.ID, expired); err != nil {
			return fmt.Errorf("remove invites: %w", err)
		}

		rejected := proto.CallRejected{CallID: call.ID, RoomID: call.RoomID, UserIDs: expired, Pending: len(call.Pending), TimedOut: true}
		timedOut := proto.CallTimedOut{CallID: call.ID, RoomID: call.RoomID, CallerID: args.CallerID}
		uow.AfterCommit(func(context.Context) {
			s.metrics.AutoRejected(len(expired))
			s.notify(lo.Without(room.Participants, expired...), proto.TopicCallRejected, rejected)
			s.notify(expired, proto.TopicCallTimedOut, timedOut)
			s.log.Info().Int64("call_id", rejected.CallID).Ints64("user_ids", expired).Msg("invitations timed out")
		})
		return nil
	})
}
