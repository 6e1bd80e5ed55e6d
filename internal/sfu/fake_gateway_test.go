package sfu

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/config"
	"github.com/vovakirdan/wirecall/internal/metrics"
)

const testSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

func testOffer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP}
}

func testAnswer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP}
}

// fakeGateway is an in-memory videoroom gateway.
type fakeGateway struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	nextID    int64
	sessions  map[int64][]*Event // queued events per session
	handles   map[int64]int64    // handle -> session
	rooms     map[int64]bool
	requests  []string // "janus" or "janus/request" of every POST
	failNext  map[string]int // request -> videoroom error code
	down      bool
	stall     bool // hold requests until the client gives up
	silent    bool // acknowledge but never deliver async events
	noMedia   bool // report receiving=false on trickle completion
	keepalive int
}

func newFakeGateway(t *testing.T) *fakeGateway {
	g := &fakeGateway{
		t:        t,
		nextID:   1000,
		sessions: make(map[int64][]*Event),
		handles:  make(map[int64]int64),
		rooms:    make(map[int64]bool),
		failNext: make(map[string]int),
	}
	g.server = httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) endpoint() string {
	return g.server.URL + "/janus"
}

func (g *fakeGateway) id() int64 {
	g.nextID++
	return g.nextID
}

// push queues events for delivery on the session's long-poll.
func (g *fakeGateway) push(sessionID int64, events ...*Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[sessionID] = append(g.sessions[sessionID], events...)
}

func (g *fakeGateway) setDown(down bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.down = down
}

func (g *fakeGateway) setStall(stall bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stall = stall
}

func (g *fakeGateway) failRequest(request string, code int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext[request] = code
}

func (g *fakeGateway) seen(entry string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, r := range g.requests {
		if r == entry {
			n++
		}
	}
	return n
}

func (g *fakeGateway) hasRoom(roomID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rooms[roomID]
}

func (g *fakeGateway) write(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(v)
	if err != nil {
		g.t.Errorf("encode: %v", err)
		return
	}
	w.Write(data)
}

func (g *fakeGateway) serve(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	down, stall := g.down, g.stall
	g.mu.Unlock()
	if stall {
		<-r.Context().Done()
		return
	}
	if down {
		http.Error(w, "gateway down", http.StatusServiceUnavailable)
		return
	}

	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/janus"), "/"), "/")
	var ids []int64
	for _, p := range parts {
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		ids = append(ids, id)
	}

	if r.Method == http.MethodGet {
		g.poll(w, ids[0])
		return
	}

	body, _ := io.ReadAll(r.Body)
	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	entry := req.Janus
	if req.Body != nil {
		entry += "/" + req.Body.Request
	}
	g.requests = append(g.requests, entry)

	switch len(ids) {
	case 0:
		sid := g.id()
		g.sessions[sid] = nil
		g.write(w, Event{Janus: janusSuccess, Transaction: req.Transaction, Data: &eventData{ID: sid}})
	case 1:
		g.sessionRequest(w, ids[0], &req)
	default:
		g.handleRequest(w, ids[0], ids[1], &req)
	}
}

func (g *fakeGateway) sessionRequest(w http.ResponseWriter, sid int64, req *request) {
	if _, ok := g.sessions[sid]; !ok {
		g.write(w, Event{Janus: janusError, Transaction: req.Transaction, Error: &eventError{Code: codeSessionMissing, Reason: "No such session"}})
		return
	}
	switch req.Janus {
	case janusAttach:
		hid := g.id()
		g.handles[hid] = sid
		g.write(w, Event{Janus: janusSuccess, Transaction: req.Transaction, Data: &eventData{ID: hid}})
	case janusDestroy:
		delete(g.sessions, sid)
		g.write(w, Event{Janus: janusSuccess, Transaction: req.Transaction})
	case janusKeepalive:
		g.keepalive++
		g.write(w, Event{Janus: janusAck, Transaction: req.Transaction})
	default:
		http.Error(w, "unsupported", http.StatusBadRequest)
	}
}

func (g *fakeGateway) handleRequest(w http.ResponseWriter, sid, hid int64, req *request) {
	if g.handles[hid] != sid {
		g.write(w, Event{Janus: janusError, Transaction: req.Transaction, Error: &eventError{Code: 459, Reason: "No such handle"}})
		return
	}

	switch req.Janus {
	case janusDetach:
		delete(g.handles, hid)
		g.write(w, Event{Janus: janusSuccess, Transaction: req.Transaction})
		return
	case janusTrickle:
		g.write(w, Event{Janus: janusAck, Transaction: req.Transaction})
		if req.Candidate != nil && req.Candidate.Completed && !g.silent {
			receiving := !g.noMedia
			g.sessions[sid] = append(g.sessions[sid], &Event{Janus: janusMedia, SessionID: sid, Sender: hid, Type: "audio", Receiving: &receiving})
		}
		return
	case janusMessage:
	default:
		http.Error(w, "unsupported", http.StatusBadRequest)
		return
	}

	body := req.Body
	if code, ok := g.failNext[body.Request]; ok {
		delete(g.failNext, body.Request)
		g.write(w, Event{Janus: janusSuccess, Transaction: req.Transaction, Sender: hid, PluginData: &pluginData{
			Plugin: "janus.plugin.videoroom",
			Data:   pluginResult{VideoRoom: "event", ErrorCode: code, Error: "injected failure"},
		}})
		return
	}

	switch body.Request {
	case "create":
		if g.rooms[body.Room] {
			g.write(w, pluginReply(req.Transaction, hid, pluginResult{VideoRoom: "event", ErrorCode: codeRoomExists, Error: "Room exists"}))
			return
		}
		g.rooms[body.Room] = true
		g.write(w, pluginReply(req.Transaction, hid, pluginResult{VideoRoom: "created", Room: body.Room}))
	case "destroy":
		if !g.rooms[body.Room] {
			g.write(w, pluginReply(req.Transaction, hid, pluginResult{VideoRoom: "event", ErrorCode: codeNoSuchRoom, Error: "No such room"}))
			return
		}
		delete(g.rooms, body.Room)
		g.write(w, pluginReply(req.Transaction, hid, pluginResult{VideoRoom: "destroyed", Room: body.Room}))
	case "join":
		g.write(w, Event{Janus: janusAck, Transaction: req.Transaction})
		ev := &Event{Janus: janusEvent, Transaction: req.Transaction, Sender: hid}
		if body.PType == "publisher" {
			ev.PluginData = &pluginData{Data: pluginResult{VideoRoom: "joined", Room: body.Room, ID: body.ID}}
		} else {
			offer := testOffer()
			ev.PluginData = &pluginData{Data: pluginResult{VideoRoom: "attached", Room: body.Room}}
			ev.JSEP = &offer
		}
		g.queue(sid, ev)
	case "publish":
		g.write(w, Event{Janus: janusAck, Transaction: req.Transaction})
		answer := testAnswer()
		g.queue(sid, &Event{Janus: janusEvent, Transaction: req.Transaction, Sender: hid,
			PluginData: &pluginData{Data: pluginResult{VideoRoom: "event", Configured: "ok"}}, JSEP: &answer})
	case "start":
		g.write(w, Event{Janus: janusAck, Transaction: req.Transaction})
		g.queue(sid, &Event{Janus: janusEvent, Transaction: req.Transaction, Sender: hid,
			PluginData: &pluginData{Data: pluginResult{VideoRoom: "event", Started: "ok"}}})
	default:
		http.Error(w, "unsupported request", http.StatusBadRequest)
	}
}

func (g *fakeGateway) queue(sid int64, ev *Event) {
	if g.silent {
		return
	}
	g.sessions[sid] = append(g.sessions[sid], ev)
}

func pluginReply(tx string, hid int64, res pluginResult) Event {
	return Event{Janus: janusSuccess, Transaction: tx, Sender: hid, PluginData: &pluginData{Plugin: "janus.plugin.videoroom", Data: res}}
}

// poll delivers queued events, or a keepalive after a short wait.
func (g *fakeGateway) poll(w http.ResponseWriter, sid int64) {
	deadline := time.Now().Add(30 * time.Millisecond)
	for {
		g.mu.Lock()
		events, ok := g.sessions[sid]
		if !ok {
			g.mu.Unlock()
			g.write(w, Event{Janus: janusError, Error: &eventError{Code: codeSessionMissing, Reason: "No such session"}})
			return
		}
		g.sessions[sid] = nil
		g.mu.Unlock()

		if len(events) > 0 {
			g.write(w, events)
			return
		}
		if time.Now().After(deadline) {
			g.write(w, []*Event{{Janus: janusKeepalive}})
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestBridge(t *testing.T, g *fakeGateway) *Bridge {
	t.Helper()
	cfg := config.Default().SFU
	cfg.Endpoint = g.endpoint()
	cfg.RequestTimeout = 2 * time.Second
	cfg.ResponseTimeout = 300 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	logger := zerolog.New(nil)
	return New(cfg, g.server.Client(), metrics.New(), &logger)
}
