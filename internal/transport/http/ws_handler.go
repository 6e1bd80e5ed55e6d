package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdhttp "net/http"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/config"
	"github.com/vovakirdan/wirecall/internal/core"
	"github.com/vovakirdan/wirecall/internal/metrics"
	"github.com/vovakirdan/wirecall/internal/proto"
)

var errHandshake = errors.New("handshake rejected")

// SessionManager ties a user's SFU session to its realtime connections.
type SessionManager interface {
	Connect(ctx context.Context, userID int64) error
	Disconnect(ctx context.Context, userID int64) error
}

// WSHandler upgrades HTTP connections and bridges them to core.Client.
type WSHandler struct {
	hub      *core.Hub
	tokens   TokenValidator
	sessions SessionManager
	metrics  *metrics.Metrics
	cfg      *config.Config
	log      *zerolog.Logger

	online  *xsync.MapOf[int64, presence]
	limiter *userLimiter
}

// presence tracks a user's open connections and whether its SFU session
// has been opened.
type presence struct {
	conns int
	ready bool
}

// NewWSHandler builds a new WebSocket handler. clk drives the per-user rate
// limit; nil means the wall clock.
func NewWSHandler(hub *core.Hub, tokens TokenValidator, sessions SessionManager, m *metrics.Metrics, cfg *config.Config, clk clock.Clock, logger *zerolog.Logger) *WSHandler {
	return &WSHandler{
		hub:      hub,
		tokens:   tokens,
		sessions: sessions,
		metrics:  m,
		cfg:      cfg,
		log:      logger,
		online:   xsync.NewMapOf[int64, presence](),
		limiter:  newUserLimiter(cfg.WS.RateLimit, clk),
	}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")
	if h.cfg.WS.ReadLimit > 0 {
		conn.SetReadLimit(h.cfg.WS.ReadLimit)
	}

	token := r.URL.Query().Get("token")
	if t, ok := bearerToken(r.Header.Get("Authorization")); ok {
		token = t
	}
	userID, err := h.handshake(ctx, conn, token)
	if err != nil {
		h.log.Debug().Err(err).Msg("ws handshake failed")
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}

	client := core.NewClient(uuid.NewString(), userID)
	h.hub.RegisterClient(client)
	defer h.hub.UnregisterClient(client)

	h.metrics.IncrementWebSocketConnections()
	defer h.metrics.DecrementWebSocketConnections()

	if err := h.attach(ctx, userID); err != nil {
		h.log.Warn().Err(err).Int64("user_id", userID).Msg("failed to open media session")
		if writeErr := wsjson.Write(ctx, conn, outboundError("sfu_unavailable", "media session unavailable")); writeErr != nil {
			h.detach(userID)
			return
		}
	}
	defer h.detach(userID)

	if err := wsjson.Write(ctx, conn, proto.Outbound{
		Type: proto.OutboundTypeHello,
		Data: proto.HelloReply{UserID: userID, Protocol: proto.ProtocolVersion},
	}); err != nil {
		return
	}
	h.log.Debug().Int64("user_id", userID).Str("client_id", client.ID).Msg("ws client connected")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, client)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, client)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = "connection error"
			h.log.Warn().Err(err).Str("client_id", client.ID).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

// handshake waits for the hello message and authenticates the connection.
// A token given in hello overrides the one from the upgrade request.
func (h *WSHandler) handshake(ctx context.Context, conn *websocket.Conn, token string) (int64, error) {
	if h.cfg.WS.HelloTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.WS.HelloTimeout)
		defer cancel()
	}

	var inbound proto.Inbound
	if err := wsjson.Read(ctx, conn, &inbound); err != nil {
		return 0, err
	}
	hello, protoErr := decodeHello(inbound)
	if protoErr != nil {
		return 0, h.reject(ctx, conn, protoErr.Code, protoErr.Msg)
	}
	if hello.Token != "" {
		token = hello.Token
	}
	if token == "" {
		return 0, h.reject(ctx, conn, "unauthorized", "missing token")
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		return 0, h.reject(ctx, conn, "unauthorized", "invalid token")
	}
	return claims.UserID, nil
}

func (h *WSHandler) reject(ctx context.Context, conn *websocket.Conn, code, msg string) error {
	if err := wsjson.Write(ctx, conn, outboundError(code, msg)); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", errHandshake, code)
}

// attach counts the connection and opens the user's SFU session unless an
// earlier connection already did. After a failed Connect the next
// connection tries again.
func (h *WSHandler) attach(ctx context.Context, userID int64) error {
	p, _ := h.online.Compute(userID, func(old presence, _ bool) (presence, bool) {
		old.conns++
		return old, false
	})
	if p.ready {
		return nil
	}
	if err := h.sessions.Connect(ctx, userID); err != nil {
		return err
	}
	h.online.Compute(userID, func(old presence, loaded bool) (presence, bool) {
		old.ready = true
		return old, !loaded
	})
	return nil
}

// detach releases the user's SFU session when its last connection closes.
func (h *WSHandler) detach(userID int64) {
	_, present := h.online.Compute(userID, func(old presence, _ bool) (presence, bool) {
		old.conns--
		return old, old.conns <= 0
	})
	if present {
		return
	}
	h.limiter.release(userID)

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Calls.CleanupTimeout)
	defer cancel()
	if err := h.sessions.Disconnect(ctx, userID); err != nil {
		h.log.Warn().Err(err).Int64("user_id", userID).Msg("failed to release media session")
	}
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *core.Client) error {
	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			h.log.Debug().Err(err).Str("client_id", client.ID).Msg("read ws inbound")
			return err
		}

		var out proto.Outbound
		switch {
		case !h.limiter.allow(client.UserID):
			out = outboundError("rate_limited", "too many messages")
		case inbound.Type == proto.InboundTypePing:
			out = proto.Outbound{Type: proto.OutboundTypePong}
		case inbound.Type == proto.InboundTypeHello:
			out = outboundError("already_authenticated", "hello already received")
		default:
			out = outboundError("invalid_message", "unknown message type")
		}
		if err := wsjson.Write(ctx, conn, out); err != nil {
			return err
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *core.Client) error {
	for {
		select {
		case event, ok := <-client.Events:
			if !ok {
				return nil
			}
			if err := wsjson.Write(ctx, conn, outboundFromEvent(event)); err != nil {
				h.log.Error().Err(err).Str("client_id", client.ID).Msg("write ws event")
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
