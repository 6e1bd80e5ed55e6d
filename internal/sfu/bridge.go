// Package sfu drives a Janus-compatible videoroom gateway: one signaling
// session per user with a publisher and a subscriber handle, and a long-poll
// loop that correlates asynchronous events to the requests that caused them.
package sfu

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/config"
	"github.com/vovakirdan/wirecall/internal/metrics"
)

// Bridge owns every user's signaling session.
type Bridge struct {
	cfg      config.SFUConfig
	client   *client
	sessions *xsync.MapOf[int64, *session]
	locks    *lockRegistry
	metrics  *metrics.Metrics
	log      *zerolog.Logger
}

// New creates a bridge. A nil httpClient uses http.DefaultClient.
func New(cfg config.SFUConfig, httpClient *http.Client, m *metrics.Metrics, logger *zerolog.Logger) *Bridge {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 1
	}
	return &Bridge{
		cfg: cfg,
		client: &client{
			endpoint:  cfg.Endpoint,
			http:      httpClient,
			maxEvents: cfg.MaxEvents,
		},
		sessions: xsync.NewMapOf[int64, *session](),
		locks:    newLockRegistry(),
		metrics:  m,
		log:      logger,
	}
}

// observe records the outcome of an operation started at start.
func (b *Bridge) observe(op string, start time.Time, err error) {
	outcome := metrics.OutcomeOK
	switch {
	case err == nil:
	case errors.Is(err, ErrUnavailable):
		outcome = metrics.OutcomeUnavailable
	default:
		outcome = metrics.OutcomeProtocol
	}
	b.metrics.ObserveSFU(op, outcome, time.Since(start))
	if err != nil {
		b.log.Debug().Err(err).Str("op", op).Msg("sfu operation failed")
	}
}

// withLock runs fn holding the user's lock.
func (b *Bridge) withLock(ctx context.Context, userID int64, op string, fn func() error) (err error) {
	start := time.Now()
	defer func() { b.observe(op, start, err) }()

	release, err := b.locks.lock(ctx, userID)
	if err != nil {
		return protocolError(op, "acquire user lock: %v", err)
	}
	defer release()

	return fn()
}

// withSession runs fn holding the user's lock with the user's session.
func (b *Bridge) withSession(ctx context.Context, userID int64, op string, fn func(s *session) error) error {
	return b.withLock(ctx, userID, op, func() error {
		s, ok := b.sessions.Load(userID)
		if !ok {
			return fmt.Errorf("%s: user %d: %w", op, userID, ErrNoSession)
		}
		return fn(s)
	})
}

// post sends a request bounded by the request timeout.
func (b *Bridge) post(ctx context.Context, op, url string, req *request) (*Event, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()
	req.Transaction = newTransaction()
	return b.client.post(ctx, op, url, req)
}

// message sends a plugin message on handle. Synchronous results are checked
// with accept directly; acknowledged requests wait for the correlated event.
func (b *Bridge) message(ctx context.Context, op string, s *session, handle int64, req *request, accept func(*Event) error) (*Event, error) {
	req.Janus = janusMessage
	resp, err := b.post(ctx, op, b.client.handleURL(s.id, handle), req)
	if err != nil {
		return nil, err
	}
	if resp.Janus == janusAck {
		return b.awaitEvent(ctx, op, s, wanted{key: req.Transaction, sender: handle}, accept)
	}
	return resp, checkEvent(op, resp, accept)
}

func checkEvent(op string, ev *Event, accept func(*Event) error) error {
	if err := isResponseValid(ev); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if accept != nil {
		if err := accept(ev); err != nil {
			return fmt.Errorf("%s: %w: %v", op, ErrProtocol, err)
		}
	}
	return nil
}

// awaitEvent returns the event matching w. The session's cache is consulted
// first; then the long-poll endpoint is polled until the response timeout.
// Events for other requests are cached for later callers. The caller must
// hold the user's lock.
func (b *Bridge) awaitEvent(ctx context.Context, op string, s *session, w wanted, accept func(*Event) error) (*Event, error) {
	if ev, ok := s.take(w); ok {
		b.metrics.AddCachedEvents(-1)
		return ev, checkEvent(op, ev, accept)
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.ResponseTimeout)
	defer cancel()

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		events, err := b.client.poll(ctx, s.id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, protocolError(op, "no event for %s within %s", w.key, b.cfg.ResponseTimeout)
			}
			return nil, err
		}

		var match *Event
		for _, ev := range events {
			switch {
			case ev.Janus == janusKeepalive:
			case match == nil && w.matches(ev):
				match = ev
			case ev.cacheKey() == "":
				b.log.Debug().Int64("user_id", s.userID).Str("janus", ev.Janus).Msg("dropping uncorrelated event")
			default:
				b.metrics.AddCachedEvents(s.cache(ev, b.cfg.EventCacheSize))
			}
		}
		if match != nil {
			return match, checkEvent(op, match, accept)
		}

		select {
		case <-ctx.Done():
			return nil, protocolError(op, "no event for %s within %s", w.key, b.cfg.ResponseTimeout)
		case <-ticker.C:
		}
	}
}

// HasSession reports whether the user has a signaling session.
func (b *Bridge) HasSession(userID int64) bool {
	_, ok := b.sessions.Load(userID)
	return ok
}

// CreateSession allocates a session with publisher and subscriber handles.
// It is a no-op if the user already has one.
func (b *Bridge) CreateSession(ctx context.Context, userID int64) error {
	const op = "create_session"
	return b.withLock(ctx, userID, op, func() error {
		if _, ok := b.sessions.Load(userID); ok {
			return nil
		}

		resp, err := b.post(ctx, op, b.cfg.Endpoint, &request{Janus: janusCreate})
		if err != nil {
			return err
		}
		if resp.Data == nil || resp.Data.ID == 0 {
			return protocolError(op, "response without session id")
		}

		s := &session{userID: userID, id: resp.Data.ID}
		if s.primary, err = b.attach(ctx, s.id); err == nil {
			s.secondary, err = b.attach(ctx, s.id)
		}
		if err != nil {
			if _, destroyErr := b.post(context.WithoutCancel(ctx), "destroy_session", b.client.sessionURL(s.id), &request{Janus: janusDestroy}); destroyErr != nil {
				b.log.Warn().Err(destroyErr).Int64("user_id", userID).Msg("failed to clean up half-created session")
			}
			return err
		}

		b.sessions.Store(userID, s)
		b.metrics.SetSFUSessions(b.sessions.Size())
		b.log.Debug().Int64("user_id", userID).Int64("session_id", s.id).Msg("sfu session created")
		return nil
	})
}

func (b *Bridge) attach(ctx context.Context, sessionID int64) (int64, error) {
	const op = "attach"
	resp, err := b.post(ctx, op, b.client.sessionURL(sessionID), &request{Janus: janusAttach, Plugin: b.cfg.Plugin})
	if err != nil {
		return 0, err
	}
	if resp.Data == nil || resp.Data.ID == 0 {
		return 0, protocolError(op, "response without handle id")
	}
	return resp.Data.ID, nil
}

func (b *Bridge) detach(ctx context.Context, sessionID, handleID int64) error {
	_, err := b.post(ctx, "detach", b.client.handleURL(sessionID, handleID), &request{Janus: janusDetach})
	return err
}
