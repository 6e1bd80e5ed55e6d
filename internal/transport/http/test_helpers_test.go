package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/vovakirdan/wirecall/internal/auth"
	"github.com/vovakirdan/wirecall/internal/config"
	"github.com/vovakirdan/wirecall/internal/core"
	"github.com/vovakirdan/wirecall/internal/metrics"
	"github.com/vovakirdan/wirecall/internal/sfu"
	"github.com/vovakirdan/wirecall/internal/store"
)

// stubCalls records every operation as "op:user" and fails them all with err.
type stubCalls struct {
	mu         sync.Mutex
	err        error
	call       *store.Call
	candidates []webrtc.ICECandidateInit
	messages   []*store.Message
	ops        []string
	lastLimit  int
	lastBefore *int64

	connectFailures int // Connect calls still to fail
}

func (s *stubCalls) record(op string, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, fmt.Sprintf("%s:%d", op, userID))
	return s.err
}

func (s *stubCalls) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ops)
}

// waitFor polls until op was recorded.
func (s *stubCalls) waitFor(t *testing.T, op string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if slices.Contains(s.recorded(), op) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("operation %q never recorded, got %v", op, s.recorded())
}

func (s *stubCalls) Start(_ context.Context, userID, _ int64, _ []webrtc.ICECandidateInit) (*store.Call, error) {
	if err := s.record("start", userID); err != nil {
		return nil, err
	}
	return s.call, nil
}

func (s *stubCalls) Join(_ context.Context, userID, _ int64, _ []webrtc.ICECandidateInit) (*store.Call, error) {
	if err := s.record("join", userID); err != nil {
		return nil, err
	}
	return s.call, nil
}

func (s *stubCalls) Reject(_ context.Context, userID, _ int64) error {
	return s.record("reject", userID)
}

func (s *stubCalls) Leave(_ context.Context, userID int64) error {
	return s.record("leave", userID)
}

func (s *stubCalls) Kick(_ context.Context, actorID, targetID, _ int64) error {
	return s.record(fmt.Sprintf("kick_%d", targetID), actorID)
}

func (s *stubCalls) Abort(_ context.Context, actorID, _ int64) error {
	return s.record("abort", actorID)
}

func (s *stubCalls) SetMusic(_ context.Context, userID, _ int64, enabled bool) error {
	return s.record(fmt.Sprintf("music_%t", enabled), userID)
}

func (s *stubCalls) Ongoing(_ context.Context, userID, _ int64) (*store.Call, error) {
	if err := s.record("ongoing", userID); err != nil {
		return nil, err
	}
	return s.call, nil
}

func (s *stubCalls) Incoming(_ context.Context, userID int64) ([]*store.Call, error) {
	if err := s.record("incoming", userID); err != nil {
		return nil, err
	}
	if s.call == nil {
		return nil, nil
	}
	return []*store.Call{s.call}, nil
}

func (s *stubCalls) Publish(_ context.Context, userID, _ int64, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := s.record("publish", userID); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: offer.SDP}, nil
}

func (s *stubCalls) Subscribe(_ context.Context, userID, _ int64, _ []int64) (webrtc.SessionDescription, error) {
	if err := s.record("subscribe", userID); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}, nil
}

func (s *stubCalls) CompleteSubscription(_ context.Context, userID int64, _ webrtc.SessionDescription) error {
	return s.record("subscribe_answer", userID)
}

func (s *stubCalls) Candidates(_ context.Context, userID, _ int64) ([]webrtc.ICECandidateInit, error) {
	if err := s.record("candidates", userID); err != nil {
		return nil, err
	}
	return s.candidates, nil
}

func (s *stubCalls) Sounds() ([]string, error) {
	if err := s.record("sounds", 0); err != nil {
		return nil, err
	}
	return []string{"alarm.mp3"}, nil
}

func (s *stubCalls) SetEntranceSound(_ context.Context, userID int64, sound string) (string, error) {
	if err := s.record("sound", userID); err != nil {
		return "", err
	}
	return "/sounds/" + sound, nil
}

func (s *stubCalls) History(_ context.Context, userID, _ int64, limit int, beforeID *int64) ([]*store.Message, error) {
	s.mu.Lock()
	s.lastLimit, s.lastBefore = limit, beforeID
	s.mu.Unlock()
	if err := s.record("history", userID); err != nil {
		return nil, err
	}
	return s.messages, nil
}

func (s *stubCalls) Connect(_ context.Context, userID int64) error {
	if err := s.record("connect", userID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectFailures > 0 {
		s.connectFailures--
		return sfu.ErrUnavailable
	}
	return nil
}

func (s *stubCalls) Disconnect(_ context.Context, userID int64) error {
	return s.record("disconnect", userID)
}

type testServer struct {
	*httptest.Server
	hub   *core.Hub
	calls *stubCalls
	jwt   *auth.JWTConfig
}

func newTestServer(t *testing.T, tweak ...func(*config.Config)) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Calls.CleanupTimeout = time.Second
	for _, fn := range tweak {
		fn(&cfg)
	}

	jwtConfig := auth.NewJWTConfig(config.JWTConfig{
		Secret:   "test-secret",
		Issuer:   "test",
		Audience: "test",
		TTL:      time.Hour,
	})

	hub := core.NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	sounds := afero.NewBasePathFs(afero.NewMemMapFs(), "/sounds")
	if err := afero.WriteFile(sounds, "alarm.mp3", []byte("ID3"), 0o644); err != nil {
		t.Fatalf("write sound: %v", err)
	}

	calls := &stubCalls{}
	disabledLogger := zerolog.New(nil)
	server := NewServer(Deps{
		Hub:     hub,
		Tokens:  auth.NewService(nil, jwtConfig),
		Calls:   calls,
		Metrics: metrics.New(),
		Sounds:  sounds,
	}, &cfg, &disabledLogger)

	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)

	return &testServer{Server: ts, hub: hub, calls: calls, jwt: jwtConfig}
}

func (s *testServer) token(t *testing.T, userID int64) string {
	t.Helper()
	token, err := auth.GenerateToken(s.jwt, userID, fmt.Sprintf("user%d", userID))
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

// do sends an API request as userID, unauthenticated when userID is 0.
func (s *testServer) do(t *testing.T, method, path string, userID int64, body string) (int, string) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != 0 {
		req.Header.Set("Authorization", "Bearer "+s.token(t, userID))
	}

	resp, err := s.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(data)
}
