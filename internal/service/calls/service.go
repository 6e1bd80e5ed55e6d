// Package calls owns the call state machine of a room: who is streaming,
// who is still being rung, and the SFU side effects bound to each change.
package calls

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/vovakirdan/wirecall/internal/config"
	"github.com/vovakirdan/wirecall/internal/metrics"
	"github.com/vovakirdan/wirecall/internal/scheduler"
	"github.com/vovakirdan/wirecall/internal/store"
)

// SFU is the media gateway surface used by the service.
type SFU interface {
	HasSession(userID int64) bool
	CreateSession(ctx context.Context, userID int64) error
	DestroySession(ctx context.Context, userID int64) error
	RefreshHandle(ctx context.Context, userID int64, primary, secondary bool) error
	CreateRoom(ctx context.Context, userID, roomID int64) error
	DestroyRoom(ctx context.Context, userID, roomID int64) error
	JoinAsPublisher(ctx context.Context, userID, roomID int64) error
	PublishMedia(ctx context.Context, userID int64, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	PublishIceCandidates(ctx context.Context, userID, roomID int64, candidates []webrtc.ICECandidateInit) error
	JoinAsSubscriber(ctx context.Context, userID, roomID int64, feedIDs []int64) (webrtc.SessionDescription, error)
	FinalizeSubscription(ctx context.Context, userID int64, answer webrtc.SessionDescription) error
	CachedIceCandidates(ctx context.Context, userID int64) ([]webrtc.ICECandidateInit, error)
}

// Dispatcher delivers realtime events to every connection of a user.
type Dispatcher interface {
	SendToUser(userID int64, topic string, payload any)
}

// Options holds the service dependencies.
type Options struct {
	Store     store.Store
	SFU       SFU
	Scheduler *scheduler.Scheduler[RingTimeout]
	Events    Dispatcher
	// Sounds is rooted at the entrance sounds directory.
	Sounds  afero.Fs
	Clock   clock.Clock
	Config  config.CallsConfig
	Metrics *metrics.Metrics
	Logger  *zerolog.Logger
}

// Service provides call management business logic.
type Service struct {
	store   store.Store
	sfu     SFU
	sched   *scheduler.Scheduler[RingTimeout]
	events  Dispatcher
	sounds  afero.Fs
	clock   clock.Clock
	cfg     config.CallsConfig
	metrics *metrics.Metrics
	log     *zerolog.Logger
}

// New creates a call service.
func New(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Sounds == nil {
		opts.Sounds = afero.NewMemMapFs()
	}
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}
	return &Service{
		store:   opts.Store,
		sfu:     opts.SFU,
		sched:   opts.Scheduler,
		events:  opts.Events,
		sounds:  opts.Sounds,
		clock:   opts.Clock,
		cfg:     opts.Config,
		metrics: opts.Metrics,
		log:     opts.Logger,
	}
}

func (s *Service) observe(op string, err error) {
	s.metrics.CallOp(op, outcome(err))
	if err != nil {
		var domainErr *Error
		if !errors.As(err, &domainErr) {
			s.log.Warn().Err(err).Str("op", op).Msg("call operation failed")
		}
	}
}

func loadRoom(ctx context.Context, q store.Queries, userID, roomID int64) (*store.Room, error) {
	room, err := q.GetRoomByID(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	if !room.HasParticipant(userID) {
		return nil, ErrNotRoomMember
	}
	return room, nil
}

func loadUser(ctx context.Context, q store.Queries, userID int64) (*store.User, error) {
	user, err := q.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func loadCall(ctx context.Context, q store.Queries, roomID int64) (*store.Call, error) {
	call, err := q.GetCallByRoom(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get call: %w", err)
	}
	return call, nil
}

func (s *Service) notify(userIDs []int64, topic string, payload any) {
	for _, id := range userIDs {
		s.events.SendToUser(id, topic, payload)
	}
}

// detached returns a context that survives the caller's cancellation.
func (s *Service) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CleanupTimeout)
}

// cleanup runs every step, even after failures, and logs what failed.
func (s *Service) cleanup(ctx context.Context, op string, userID int64, steps ...func(ctx context.Context) error) {
	ctx, cancel := s.detached(ctx)
	defer cancel()

	var errs error
	for _, step := range steps {
		errs = multierr.Append(errs, step(ctx))
	}
	if errs != nil {
		s.log.Warn().Err(errs).Str("op", op).Int64("user_id", userID).Msg("sfu cleanup failed")
	}
}

func (s *Service) refresh(userID int64, primary, secondary bool) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return s.sfu.RefreshHandle(ctx, userID, primary, secondary)
	}
}

// sessionOwner picks whose SFU session issues room wide requests.
func (s *Service) sessionOwner(candidates ...int64) (int64, bool) {
	for _, id := range candidates {
		if s.sfu.HasSession(id) {
			return id, true
		}
	}
	return 0, false
}

// teardown destroys the SFU room and resets the media handles of users. Only
// the room destruction error is returned.
func (s *Service) teardown(ctx context.Context, roomID, actor int64, users []int64) error {
	owner, ok := s.sessionOwner(append([]int64{actor}, users...)...)
	if !ok {
		s.log.Warn().Int64("room_id", roomID).Msg("no media session left to destroy sfu room")
		return nil
	}
	if err := s.sfu.DestroyRoom(ctx, owner, roomID); err != nil {
		return err
	}
	for _, id := range users {
		if !s.sfu.HasSession(id) {
			continue
		}
		if err := s.sfu.RefreshHandle(ctx, id, true, true); err != nil {
			s.log.Warn().Err(err).Int64("user_id", id).Int64("room_id", roomID).Msg("failed to reset media handles")
		}
	}
	return nil
}
