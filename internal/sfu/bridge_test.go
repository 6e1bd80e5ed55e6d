package sfu

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidate(s string) webrtc.ICECandidateInit {
	mid := "0"
	idx := uint16(0)
	return webrtc.ICECandidateInit{Candidate: s, SDPMid: &mid, SDPMLineIndex: &idx}
}

func TestSessionLifecycle(t *testing.T) {
	g := newFakeGateway(t)
	b := newTestBridge(t, g)
	ctx := context.Background()

	t.Run("given no session when created twice then gateway sees one create", func(t *testing.T) {
		require.NoError(t, b.CreateSession(ctx, 1))
		require.NoError(t, b.CreateSession(ctx, 1))
		assert.True(t, b.HasSession(1))
		assert.Equal(t, 1, g.seen(janusCreate))
		assert.Equal(t, 2, g.seen(janusAttach))
	})

	t.Run("given a session when destroyed then state is gone and destroy is idempotent", func(t *testing.T) {
		require.NoError(t, b.DestroySession(ctx, 1))
		assert.False(t, b.HasSession(1))
		assert.Equal(t, 2, g.seen(janusDetach))
		require.NoError(t, b.DestroySession(ctx, 1))
		assert.Equal(t, 1, g.seen(janusDestroy))
	})

	t.Run("given no session when an operation runs then ErrNoSession", func(t *testing.T) {
		err := b.CreateRoom(ctx, 1, 10)
		assert.ErrorIs(t, err, ErrNoSession)
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("given the gateway is down when creating a session then ErrUnavailable", func(t *testing.T) {
		g.setDown(true)
		defer g.setDown(false)
		err := b.CreateSession(ctx, 2)
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.False(t, b.HasSession(2))
	})

	t.Run("given a request cancelled in flight when creating a session then ErrUnavailable", func(t *testing.T) {
		g.setStall(true)
		defer g.setStall(false)
		cctx, cancel := context.WithCancel(ctx)
		time.AfterFunc(20*time.Millisecond, cancel)
		err := b.CreateSession(cctx, 3)
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, b.HasSession(3))
	})
}

func TestRoomLifecycleIsIdempotent(t *testing.T) {
	g := newFakeGateway(t)
	b := newTestBridge(t, g)
	ctx := context.Background()
	require.NoError(t, b.CreateSession(ctx, 1))

	require.NoError(t, b.CreateRoom(ctx, 1, 42))
	require.NoError(t, b.CreateRoom(ctx, 1, 42))
	assert.True(t, g.hasRoom(42))

	require.NoError(t, b.DestroyRoom(ctx, 1, 42))
	require.NoError(t, b.DestroyRoom(ctx, 1, 42))
	assert.False(t, g.hasRoom(42))

	g.failRequest("create", 499)
	err := b.CreateRoom(ctx, 1, 43)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 499, apiErr.Code)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestPublishFlow(t *testing.T) {
	g := newFakeGateway(t)
	b := newTestBridge(t, g)
	ctx := context.Background()
	require.NoError(t, b.CreateSession(ctx, 7))
	require.NoError(t, b.CreateRoom(ctx, 7, 5))

	require.NoError(t, b.JoinAsPublisher(ctx, 7, 5))

	answer, err := b.PublishMedia(ctx, 7, testOffer())
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)

	cands := []webrtc.ICECandidateInit{candidate("candidate:1 1 udp 2122260223 10.0.0.1 50000 typ host")}
	require.NoError(t, b.PublishIceCandidates(ctx, 7, 5, cands))

	cached, err := b.CachedIceCandidates(ctx, 7)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, cands[0].Candidate, cached[0].Candidate)

	t.Run("given cached candidates when the publisher handle is refreshed then the cache is cleared", func(t *testing.T) {
		require.NoError(t, b.RefreshHandle(ctx, 7, true, false))
		cached, err := b.CachedIceCandidates(ctx, 7)
		require.NoError(t, err)
		assert.Empty(t, cached)
	})
}

func TestCandidatesHiddenUntilMediaConfirmed(t *testing.T) {
	g := newFakeGateway(t)
	b := newTestBridge(t, g)
	ctx := context.Background()
	require.NoError(t, b.CreateSession(ctx, 3))

	t.Run("given the gateway reports no media when trickling then the cache stays empty", func(t *testing.T) {
		g.mu.Lock()
		g.noMedia = true
		g.mu.Unlock()

		err := b.PublishIceCandidates(ctx, 3, 1, []webrtc.ICECandidateInit{candidate("candidate:a")})
		assert.ErrorIs(t, err, ErrProtocol)

		cached, err := b.CachedIceCandidates(ctx, 3)
		require.NoError(t, err)
		assert.Empty(t, cached)
	})

	t.Run("given the gateway never answers when trickling then a protocol timeout", func(t *testing.T) {
		g.mu.Lock()
		g.noMedia = false
		g.silent = true
		g.mu.Unlock()

		start := time.Now()
		err := b.PublishIceCandidates(ctx, 3, 1, []webrtc.ICECandidateInit{candidate("candidate:b")})
		assert.ErrorIs(t, err, ErrProtocol)
		assert.False(t, errors.Is(err, ErrUnavailable))
		assert.GreaterOrEqual(t, time.Since(start), b.cfg.ResponseTimeout)

		cached, err := b.CachedIceCandidates(ctx, 3)
		require.NoError(t, err)
		assert.Empty(t, cached)
	})
}

func TestSubscribeFlow(t *testing.T) {
	g := newFakeGateway(t)
	b := newTestBridge(t, g)
	ctx := context.Background()
	require.NoError(t, b.CreateSession(ctx, 9))

	offer, err := b.JoinAsSubscriber(ctx, 9, 5, []int64{7, 8})
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)

	require.NoError(t, b.FinalizeSubscription(ctx, 9, testAnswer()))

	_, err = b.JoinAsSubscriber(ctx, 9, 5, nil)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestMalformedSDPRejectedLocally(t *testing.T) {
	g := newFakeGateway(t)
	b := newTestBridge(t, g)
	ctx := context.Background()
	require.NoError(t, b.CreateSession(ctx, 1))

	_, err := b.PublishMedia(ctx, 1, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "not sdp"})
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = b.PublishMedia(ctx, 1, testAnswer())
	assert.ErrorIs(t, err, ErrProtocol)

	assert.Equal(t, 0, g.seen(janusMessage+"/publish"))
}

func TestLongPollCorrelation(t *testing.T) {
	g := newFakeGateway(t)
	b := newTestBridge(t, g)
	ctx := context.Background()
	require.NoError(t, b.CreateSession(ctx, 1))
	s, ok := b.sessions.Load(1)
	require.True(t, ok)

	e1 := &Event{Janus: janusEvent, Transaction: "A", PluginData: &pluginData{Data: pluginResult{VideoRoom: "joined"}}}
	e2 := &Event{Janus: janusEvent, Transaction: "B", PluginData: &pluginData{Data: pluginResult{VideoRoom: "joined"}}}
	g.push(s.id, e1, e2)

	got, err := b.awaitEvent(ctx, "test", s, wanted{key: "B"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "B", got.Transaction)
	assert.Equal(t, 1, s.events.Len())

	// A is served from the cache even with the gateway unreachable.
	g.setDown(true)
	got, err = b.awaitEvent(ctx, "test", s, wanted{key: "A"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "A", got.Transaction)
	assert.Equal(t, 0, s.events.Len())
	g.setDown(false)

	t.Run("given a cached failure when awaited then protocol error and event consumed", func(t *testing.T) {
		s.cache(&Event{Janus: janusEvent, Transaction: "C", PluginData: &pluginData{Data: pluginResult{ErrorCode: 436, Error: "dup"}}}, 0)
		_, err := b.awaitEvent(ctx, "test", s, wanted{key: "C"}, nil)
		assert.ErrorIs(t, err, ErrProtocol)
		assert.Equal(t, 0, s.events.Len())
	})

	t.Run("given keepalives and uncorrelated events when polling then neither is cached", func(t *testing.T) {
		g.push(s.id, &Event{Janus: janusKeepalive}, &Event{Janus: "webrtcup", SessionID: s.id}, &Event{Janus: janusEvent, Transaction: "D"})
		got, err := b.awaitEvent(ctx, "test", s, wanted{key: "D"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "D", got.Transaction)
		assert.Equal(t, 0, s.events.Len())
	})

	t.Run("given media events when awaiting the session media key then they match by session", func(t *testing.T) {
		yes := true
		g.push(s.id, &Event{Janus: janusMedia, SessionID: s.id, Sender: s.primary, Receiving: &yes})
		got, err := b.awaitEvent(ctx, "test", s, wanted{key: mediaKey(s.id), sender: s.primary}, nil)
		require.NoError(t, err)
		assert.True(t, *got.Receiving)
	})
}

func TestEventCacheBounded(t *testing.T) {
	s := &session{}
	for i := 0; i < 5; i++ {
		s.cache(&Event{Transaction: string(rune('a' + i))}, 3)
	}
	assert.Equal(t, 3, s.events.Len())
	assert.Equal(t, "c", s.events.Front().Transaction)

	s.cache(&Event{Transaction: "x", Sender: 77}, 0)
	assert.Equal(t, 1, s.pruneSender(77))
	assert.Equal(t, 3, s.events.Len())
}

func TestLockRegistry(t *testing.T) {
	r := newLockRegistry()
	ctx := context.Background()

	t.Run("given a held lock when others wait then they acquire in arrival order", func(t *testing.T) {
		release, err := r.lock(ctx, 1)
		require.NoError(t, err)

		var mu sync.Mutex
		var order []int
		var wg sync.WaitGroup
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				rel, err := r.lock(ctx, 1)
				if err != nil {
					t.Errorf("lock: %v", err)
					return
				}
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				rel()
			}(i)
			// Let each waiter park before the next arrives.
			time.Sleep(20 * time.Millisecond)
		}

		release()
		wg.Wait()
		assert.Equal(t, []int{0, 1, 2}, order)
		assert.Equal(t, 0, r.size())
	})

	t.Run("given a held lock when tryLock then it fails without leaking", func(t *testing.T) {
		release, err := r.lock(ctx, 2)
		require.NoError(t, err)
		_, ok := r.tryLock(2)
		assert.False(t, ok)
		release()
		assert.Equal(t, 0, r.size())
	})

	t.Run("given a cancelled context when waiting then error and entry evicted", func(t *testing.T) {
		release, err := r.lock(ctx, 3)
		require.NoError(t, err)

		cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, err = r.lock(cctx, 3)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		release()
		assert.Equal(t, 0, r.size())
	})

	t.Run("given different users when locking then they do not block each other", func(t *testing.T) {
		r1, err := r.lock(ctx, 10)
		require.NoError(t, err)
		r2, ok := r.tryLock(11)
		require.True(t, ok)
		r1()
		r2()
	})
}

func TestKeepalive(t *testing.T) {
	g := newFakeGateway(t)
	b := newTestBridge(t, g)
	ctx := context.Background()
	require.NoError(t, b.CreateSession(ctx, 1))
	require.NoError(t, b.CreateSession(ctx, 2))

	b.Keepalive(ctx)
	g.mu.Lock()
	assert.Equal(t, 2, g.keepalive)
	g.mu.Unlock()

	// The gateway forgets user 2's session.
	s2, _ := b.sessions.Load(2)
	g.mu.Lock()
	delete(g.sessions, s2.id)
	g.mu.Unlock()

	b.Keepalive(ctx)
	assert.True(t, b.HasSession(1))
	assert.False(t, b.HasSession(2))

	require.NoError(t, b.Close(ctx))
	assert.False(t, b.HasSession(1))
}
