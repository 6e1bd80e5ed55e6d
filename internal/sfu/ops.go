package sfu

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
)

// DestroySession detaches both handles and destroys the session. Local state
// is dropped even when the gateway calls fail.
func (b *Bridge) DestroySession(ctx context.Context, userID int64) error {
	const op = "destroy_session"
	return b.withLock(ctx, userID, op, func() error {
		s, ok := b.sessions.LoadAndDelete(userID)
		if !ok {
			return nil
		}
		b.metrics.SetSFUSessions(b.sessions.Size())
		b.metrics.AddCachedEvents(-s.events.Len())

		var err error
		err = multierr.Append(err, b.detach(ctx, s.id, s.primary))
		err = multierr.Append(err, b.detach(ctx, s.id, s.secondary))
		if _, destroyErr := b.post(ctx, op, b.client.sessionURL(s.id), &request{Janus: janusDestroy}); destroyErr != nil {
			err = multierr.Append(err, destroyErr)
		}
		return err
	})
}

// RefreshHandle detaches and re-attaches the selected handles, discarding
// their WebRTC state. Refreshing the publisher handle also clears the
// confirmed ICE candidates.
func (b *Bridge) RefreshHandle(ctx context.Context, userID int64, primary, secondary bool) error {
	const op = "refresh_handle"
	return b.withSession(ctx, userID, op, func(s *session) error {
		if primary {
			h, err := b.reattach(ctx, s, s.primary)
			if err != nil {
				return err
			}
			s.primary = h
			s.candidates = nil
		}
		if secondary {
			h, err := b.reattach(ctx, s, s.secondary)
			if err != nil {
				return err
			}
			s.secondary = h
		}
		return nil
	})
}

func (b *Bridge) reattach(ctx context.Context, s *session, old int64) (int64, error) {
	if err := b.detach(ctx, s.id, old); err != nil {
		if errors.Is(err, ErrUnavailable) {
			return 0, err
		}
		// The gateway may already have dropped the handle.
		b.log.Debug().Err(err).Int64("user_id", s.userID).Int64("handle_id", old).Msg("detach failed, attaching anyway")
	}
	b.metrics.AddCachedEvents(-s.pruneSender(old))
	return b.attach(ctx, s.id)
}

// CreateRoom creates the gateway room for roomID. An existing room is not an error.
func (b *Bridge) CreateRoom(ctx context.Context, userID, roomID int64) error {
	const op = "create_room"
	return b.withSession(ctx, userID, op, func(s *session) error {
		_, err := b.message(ctx, op, s, s.primary, &request{
			Body: &roomRequest{Request: "create", Room: roomID, Publishers: b.cfg.Publishers},
		}, nil)
		if hasCode(err, codeRoomExists) {
			return nil
		}
		return err
	})
}

// DestroyRoom destroys the gateway room for roomID. A missing room is not an error.
func (b *Bridge) DestroyRoom(ctx context.Context, userID, roomID int64) error {
	const op = "destroy_room"
	return b.withSession(ctx, userID, op, func(s *session) error {
		_, err := b.message(ctx, op, s, s.primary, &request{
			Body: &roomRequest{Request: "destroy", Room: roomID},
		}, nil)
		if hasCode(err, codeNoSuchRoom) {
			return nil
		}
		return err
	})
}

// JoinAsPublisher joins the room with the publisher handle, using the user
// id as the feed id.
func (b *Bridge) JoinAsPublisher(ctx context.Context, userID, roomID int64) error {
	const op = "join_publisher"
	return b.withSession(ctx, userID, op, func(s *session) error {
		_, err := b.message(ctx, op, s, s.primary, &request{
			Body: &roomRequest{Request: "join", PType: "publisher", Room: roomID, ID: userID},
		}, func(ev *Event) error {
			if vr := ev.plugin().VideoRoom; vr != "joined" {
				return fmt.Errorf("unexpected videoroom %q", vr)
			}
			return nil
		})
		return err
	})
}

// PublishMedia publishes the SDP offer and returns the gateway's answer.
func (b *Bridge) PublishMedia(ctx context.Context, userID int64, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	const op = "publish"
	if err := validateSDP(op, offer, webrtc.SDPTypeOffer); err != nil {
		return webrtc.SessionDescription{}, err
	}

	var answer webrtc.SessionDescription
	err := b.withSession(ctx, userID, op, func(s *session) error {
		ev, err := b.message(ctx, op, s, s.primary, &request{
			Body: &roomRequest{Request: "publish"},
			JSEP: &offer,
		}, expectJSEP(webrtc.SDPTypeAnswer))
		if err != nil {
			return err
		}
		answer = *ev.JSEP
		return nil
	})
	return answer, err
}

// PublishIceCandidates trickles the candidates on the publisher handle and
// waits until the gateway reports receiving media. Only then are the
// candidates added to the user's cache.
func (b *Bridge) PublishIceCandidates(ctx context.Context, userID, roomID int64, candidates []webrtc.ICECandidateInit) error {
	const op = "trickle"
	return b.withSession(ctx, userID, op, func(s *session) error {
		url := b.client.handleURL(s.id, s.primary)
		if len(candidates) > 0 {
			if _, err := b.post(ctx, op, url, &request{Janus: janusTrickle, Candidates: candidates}); err != nil {
				return err
			}
		}
		if _, err := b.post(ctx, op, url, &request{Janus: janusTrickle, Candidate: &trickleDone{Completed: true}}); err != nil {
			return err
		}

		_, err := b.awaitEvent(ctx, op, s, wanted{key: mediaKey(s.id), sender: s.primary}, func(ev *Event) error {
			if ev.Receiving == nil || !*ev.Receiving {
				return errors.New("gateway is not receiving media")
			}
			return nil
		})
		if err != nil {
			return err
		}

		s.candidates = append(s.candidates, candidates...)
		b.log.Debug().Int64("user_id", userID).Int64("room_id", roomID).Int("candidates", len(candidates)).Msg("media confirmed")
		return nil
	})
}

// JoinAsSubscriber joins the room with the subscriber handle for feedIDs and
// returns the gateway's SDP offer.
func (b *Bridge) JoinAsSubscriber(ctx context.Context, userID, roomID int64, feedIDs []int64) (webrtc.SessionDescription, error) {
	const op = "join_subscriber"
	if len(feedIDs) == 0 {
		return webrtc.SessionDescription{}, protocolError(op, "no feeds requested")
	}

	streams := make([]feedEntry, len(feedIDs))
	for i, id := range feedIDs {
		streams[i] = feedEntry{Feed: id}
	}

	var offer webrtc.SessionDescription
	err := b.withSession(ctx, userID, op, func(s *session) error {
		ev, err := b.message(ctx, op, s, s.secondary, &request{
			Body: &roomRequest{Request: "join", PType: "subscriber", Room: roomID, Streams: streams},
		}, expectJSEP(webrtc.SDPTypeOffer))
		if err != nil {
			return err
		}
		offer = *ev.JSEP
		return nil
	})
	return offer, err
}

// FinalizeSubscription sends the subscriber's SDP answer and waits for the
// gateway to start relaying.
func (b *Bridge) FinalizeSubscription(ctx context.Context, userID int64, answer webrtc.SessionDescription) error {
	const op = "start"
	if err := validateSDP(op, answer, webrtc.SDPTypeAnswer); err != nil {
		return err
	}

	return b.withSession(ctx, userID, op, func(s *session) error {
		_, err := b.message(ctx, op, s, s.secondary, &request{
			Body: &roomRequest{Request: "start"},
			JSEP: &answer,
		}, func(ev *Event) error {
			if started := ev.plugin().Started; started != "ok" {
				return fmt.Errorf("subscription not started: %q", started)
			}
			return nil
		})
		return err
	})
}

// CachedIceCandidates returns the user's confirmed ICE candidates.
func (b *Bridge) CachedIceCandidates(ctx context.Context, userID int64) ([]webrtc.ICECandidateInit, error) {
	var out []webrtc.ICECandidateInit
	err := b.withSession(ctx, userID, "cached_candidates", func(s *session) error {
		out = s.cachedCandidates()
		return nil
	})
	return out, err
}

// Keepalive pings every idle session. Sessions with a poll in flight are
// skipped; sessions the gateway no longer knows are dropped.
func (b *Bridge) Keepalive(ctx context.Context) {
	b.sessions.Range(func(userID int64, s *session) bool {
		release, ok := b.locks.tryLock(userID)
		if !ok {
			return true
		}
		defer release()

		start := time.Now()
		_, err := b.post(ctx, "keepalive", b.client.sessionURL(s.id), &request{Janus: janusKeepalive})
		b.observe("keepalive", start, err)
		if hasCode(err, codeSessionMissing) {
			b.sessions.Delete(userID)
			b.metrics.SetSFUSessions(b.sessions.Size())
			b.metrics.AddCachedEvents(-s.events.Len())
			b.log.Warn().Int64("user_id", userID).Msg("sfu session expired on gateway")
		} else if err != nil {
			b.log.Warn().Err(err).Int64("user_id", userID).Msg("sfu keepalive failed")
		}
		return ctx.Err() == nil
	})
}

// Close destroys every session.
func (b *Bridge) Close(ctx context.Context) error {
	var userIDs []int64
	b.sessions.Range(func(userID int64, _ *session) bool {
		userIDs = append(userIDs, userID)
		return true
	})

	var err error
	for _, userID := range userIDs {
		err = multierr.Append(err, b.DestroySession(ctx, userID))
	}
	return err
}

func validateSDP(op string, desc webrtc.SessionDescription, want webrtc.SDPType) error {
	if desc.Type != want {
		return protocolError(op, "expected %s, got %s", want, desc.Type)
	}
	if _, err := desc.Unmarshal(); err != nil {
		return protocolError(op, "invalid sdp: %v", err)
	}
	return nil
}

func expectJSEP(want webrtc.SDPType) func(*Event) error {
	return func(ev *Event) error {
		if ev.JSEP == nil {
			return errors.New("event without jsep")
		}
		if ev.JSEP.Type != want {
			return fmt.Errorf("expected %s, got %s", want, ev.JSEP.Type)
		}
		return nil
	}
}
