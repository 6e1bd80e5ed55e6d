package calls

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirecall/internal/config"
	"github.com/vovakirdan/wirecall/internal/metrics"
	"github.com/vovakirdan/wirecall/internal/scheduler"
	"github.com/vovakirdan/wirecall/internal/store"
	"github.com/vovakirdan/wirecall/internal/store/sqlite"
)

// fakeSFU records requests and fails the ops listed in fail once.
type fakeSFU struct {
	mu         sync.Mutex
	sessions   map[int64]bool
	rooms      map[int64]bool
	fail       map[string]error
	log        []string
	candidates map[int64][]webrtc.ICECandidateInit
	gates      map[string]gate
}

type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newFakeSFU() *fakeSFU {
	return &fakeSFU{
		sessions:   make(map[int64]bool),
		rooms:      make(map[int64]bool),
		fail:       make(map[string]error),
		candidates: make(map[int64][]webrtc.ICECandidateInit),
		gates:      make(map[string]gate),
	}
}

// hold makes the next op wait until release is called. entered is closed
// once the op is waiting.
func (f *fakeSFU) hold(op string) (entered <-chan struct{}, release func()) {
	g := gate{entered: make(chan struct{}), release: make(chan struct{})}
	f.mu.Lock()
	f.gates[op] = g
	f.mu.Unlock()
	var once sync.Once
	return g.entered, func() { once.Do(func() { close(g.release) }) }
}

func (f *fakeSFU) pass(op string) {
	f.mu.Lock()
	g, ok := f.gates[op]
	delete(f.gates, op)
	f.mu.Unlock()
	if ok {
		close(g.entered)
		<-g.release
	}
}

func (f *fakeSFU) failOnce(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = err
}

// recordLocked appends "op:user" and returns the injected failure, if any.
func (f *fakeSFU) recordLocked(op string, userID int64) error {
	f.log = append(f.log, fmt.Sprintf("%s:%d", op, userID))
	if err, ok := f.fail[op]; ok {
		delete(f.fail, op)
		return err
	}
	return nil
}

func (f *fakeSFU) requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.log)
}

func (f *fakeSFU) hasRoom(roomID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms[roomID]
}

func (f *fakeSFU) HasSession(userID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[userID]
}

func (f *fakeSFU) CreateSession(_ context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.recordLocked("create_session", userID); err != nil {
		return err
	}
	f.sessions[userID] = true
	return nil
}

func (f *fakeSFU) DestroySession(_ context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, userID)
	delete(f.candidates, userID)
	return f.recordLocked("destroy_session", userID)
}

func (f *fakeSFU) RefreshHandle(_ context.Context, userID int64, primary, secondary bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := "refresh_sub"
	switch {
	case primary && secondary:
		op = "refresh_all"
	case primary:
		op = "refresh_pub"
		delete(f.candidates, userID)
	}
	return f.recordLocked(op, userID)
}

func (f *fakeSFU) CreateRoom(_ context.Context, userID, roomID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.recordLocked("create_room", userID); err != nil {
		return err
	}
	f.rooms[roomID] = true
	return nil
}

func (f *fakeSFU) DestroyRoom(_ context.Context, userID, roomID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.recordLocked("destroy_room", userID); err != nil {
		return err
	}
	delete(f.rooms, roomID)
	return nil
}

func (f *fakeSFU) JoinAsPublisher(_ context.Context, userID, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recordLocked("join_publisher", userID)
}

func (f *fakeSFU) PublishMedia(_ context.Context, userID int64, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.recordLocked("publish", userID); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: offer.SDP}, nil
}

func (f *fakeSFU) PublishIceCandidates(_ context.Context, userID, _ int64, candidates []webrtc.ICECandidateInit) error {
	f.pass("trickle")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.recordLocked("trickle", userID); err != nil {
		return err
	}
	f.candidates[userID] = append(f.candidates[userID], candidates...)
	return nil
}

func (f *fakeSFU) JoinAsSubscriber(_ context.Context, userID, _ int64, _ []int64) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.recordLocked("join_subscriber", userID); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}, nil
}

func (f *fakeSFU) FinalizeSubscription(_ context.Context, userID int64, _ webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recordLocked("start", userID)
}

func (f *fakeSFU) CachedIceCandidates(_ context.Context, userID int64) ([]webrtc.ICECandidateInit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.candidates[userID]), nil
}

type sent struct {
	userID  int64
	topic   string
	payload any
}

// recorder is a Dispatcher remembering every event.
type recorder struct {
	mu     sync.Mutex
	events []sent
}

func (r *recorder) SendToUser(userID int64, topic string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sent{userID: userID, topic: topic, payload: payload})
}

func (r *recorder) of(userID int64, topic string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, ev := range r.events {
		if ev.userID == userID && ev.topic == topic {
			out = append(out, ev.payload)
		}
	}
	return out
}

func (r *recorder) recipients(topic string) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, ev := range r.events {
		if ev.topic == topic {
			out = append(out, ev.userID)
		}
	}
	slices.Sort(out)
	return out
}

// wait polls until userID received an event on topic and returns the last one.
func (r *recorder) wait(t *testing.T, userID int64, topic string) any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.of(userID, topic); len(got) > 0 {
			return got[len(got)-1]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("user %d never received %q", userID, topic)
	return nil
}

type harness struct {
	svc    *Service
	opts   Options
	store  *sqlite.SQLiteStore
	sfu    *fakeSFU
	events *recorder
	clock  *clock.Mock
	sched  *scheduler.Scheduler[RingTimeout]
	cfg    config.CallsConfig

	room    *store.Room
	u, v, w int64 // owner, member with a custom sound, moderator
}

func newHarness(t *testing.T, tweak ...func(*config.CallsConfig)) *harness {
	t.Helper()
	return buildHarness(t, ":memory:", tweak...)
}

// newFileHarness backs the service with a database file, which gives reads
// their own connections.
func newFileHarness(t *testing.T) *harness {
	t.Helper()
	return buildHarness(t, filepath.Join(t.TempDir(), "wirecall.db"))
}

func buildHarness(t *testing.T, dbPath string, tweak ...func(*config.CallsConfig)) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.New(dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default().Calls
	cfg.CleanupTimeout = time.Second
	for _, fn := range tweak {
		fn(&cfg)
	}

	sounds := afero.NewBasePathFs(afero.NewMemMapFs(), "/sounds")
	require.NoError(t, afero.WriteFile(sounds, "alarm.mp3", []byte("ID3"), 0o644))

	logger := zerolog.New(nil)
	mock := clock.NewMock()
	m := metrics.New()
	sched := scheduler.New[RingTimeout](mock, 2, m, &logger)
	t.Cleanup(sched.Stop)

	h := &harness{
		store:  st,
		sfu:    newFakeSFU(),
		events: &recorder{},
		clock:  mock,
		sched:  sched,
		cfg:    cfg,
	}
	h.opts = Options{
		Store:     st,
		SFU:       h.sfu,
		Scheduler: sched,
		Events:    h.events,
		Sounds:    sounds,
		Clock:     mock,
		Config:    cfg,
		Metrics:   m,
		Logger:    &logger,
	}
	h.svc = New(h.opts)

	u, err := st.CreateUser(ctx, "ursula", "")
	require.NoError(t, err)
	v, err := st.CreateUser(ctx, "victor", "alarm.mp3")
	require.NoError(t, err)
	w, err := st.CreateUser(ctx, "wanda", "missing.mp3")
	require.NoError(t, err)
	h.u, h.v, h.w = u.ID, v.ID, w.ID

	room, err := st.CreateRoom(ctx, "general", &h.u)
	require.NoError(t, err)
	require.NoError(t, st.AddMember(ctx, h.v, room.ID, store.RoomRoleMember))
	require.NoError(t, st.AddMember(ctx, h.w, room.ID, store.RoomRoleModerator))
	h.room, err = st.GetRoomByID(ctx, room.ID)
	require.NoError(t, err)

	for _, id := range []int64{h.u, h.v, h.w} {
		require.NoError(t, h.svc.Connect(ctx, id))
	}
	return h
}

// failingCommit fails every transaction after the service's own hooks
// succeeded, as a failed COMMIT would.
type failingCommit struct {
	store.Store
	err error
}

func (f failingCommit) InTx(ctx context.Context, fn store.TxFunc) error {
	return f.Store.InTx(ctx, func(ctx context.Context, q store.Queries, uow *store.UnitOfWork) error {
		if err := fn(ctx, q, uow); err != nil {
			return err
		}
		uow.BeforeCommit(func(context.Context) error { return f.err })
		return nil
	})
}

func (h *harness) call(t *testing.T) *store.Call {
	t.Helper()
	c, err := h.store.GetCallByRoom(context.Background(), h.room.ID)
	require.NoError(t, err)
	return c
}

func (h *harness) noCall(t *testing.T) {
	t.Helper()
	_, err := h.store.GetCallByRoom(context.Background(), h.room.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func (h *harness) activeCallOf(t *testing.T, userID int64) *int64 {
	t.Helper()
	u, err := h.store.GetUserByID(context.Background(), userID)
	require.NoError(t, err)
	return u.ActiveCallID
}

func candidates() []webrtc.ICECandidateInit {
	return []webrtc.ICECandidateInit{{Candidate: "candidate:1 1 udp 2122260223 192.0.2.1 54321 typ host"}}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
