package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/store"
)

// CallService is the call state manager as used by the HTTP layer.
type CallService interface {
	Start(ctx context.Context, userID, roomID int64, candidates []webrtc.ICECandidateInit) (*store.Call, error)
	Join(ctx context.Context, userID, roomID int64, candidates []webrtc.ICECandidateInit) (*store.Call, error)
	Reject(ctx context.Context, userID, roomID int64) error
	Leave(ctx context.Context, userID int64) error
	Kick(ctx context.Context, actorID, targetID, roomID int64) error
	Abort(ctx context.Context, actorID, roomID int64) error
	SetMusic(ctx context.Context, userID, roomID int64, enabled bool) error
	Ongoing(ctx context.Context, userID, roomID int64) (*store.Call, error)
	Incoming(ctx context.Context, userID int64) ([]*store.Call, error)

	Publish(ctx context.Context, userID, roomID int64, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	Subscribe(ctx context.Context, userID, roomID int64, feeds []int64) (webrtc.SessionDescription, error)
	CompleteSubscription(ctx context.Context, userID int64, answer webrtc.SessionDescription) error
	Candidates(ctx context.Context, userID, publisherID int64) ([]webrtc.ICECandidateInit, error)

	Sounds() ([]string, error)
	SetEntranceSound(ctx context.Context, userID int64, sound string) (string, error)
	History(ctx context.Context, userID, roomID int64, limit int, beforeID *int64) ([]*store.Message, error)

	SessionManager
}

// CallsHandlers provides HTTP handlers for call lifecycle endpoints.
type CallsHandlers struct {
	calls CallService
	log   *zerolog.Logger
}

// NewCallsHandlers creates new call handlers.
func NewCallsHandlers(calls CallService, logger *zerolog.Logger) *CallsHandlers {
	return &CallsHandlers{calls: calls, log: logger}
}

// CandidatesRequest carries the caller's gathered ICE candidates.
type CandidatesRequest struct {
	Candidates []webrtc.ICECandidateInit `json:"candidates"`
}

// KickRequest names the participant to remove.
type KickRequest struct {
	UserID int64 `json:"user_id" binding:"required,gt=0"`
}

// MusicRequest toggles background music.
type MusicRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// StartCall starts a call in a room.
// POST /api/rooms/:id/call
func (h *CallsHandlers) StartCall(c *gin.Context) {
	uid, ok := currentUser(c, h.log)
	if !ok {
		return
	}
	roomID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req CandidatesRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	call, err := h.calls.Start(c.Request.Context(), uid, roomID, req.Candidates)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	h.log.Info().Int64("room_id", roomID).Int64("call_id", call.ID).Int64("user_id", uid).Msg("call started")
	c.JSON(http.StatusCreated, callToResponse(call))
}

// JoinCall answers the room's ringing call.
// POST /api/rooms/:id/call/join
func (h *CallsHandlers) JoinCall(c *gin.Context) {
	uid, ok := currentUser(c, h.log)
	if !ok {
		return
	}
	roomID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req CandidatesRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	call, err := h.calls.Join(c.Request.Context(), uid, roomID, req.Candidates)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, callToResponse(call))
}

// RejectCall declines the invitation to the room's call.
// POST /api/rooms/:id/call/reject
func (h *CallsHandlers) RejectCall(c *gin.Context) {
	uid, ok := currentUser(c, h.log)
	if !ok {
		return
	}
	roomID, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.calls.Reject(c.Request.Context(), uid, roomID); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// LeaveCall leaves the caller's active call.
// POST /api/calls/leave
func (h *CallsHandlers) LeaveCall(c *gin.Context) {
	uid, ok := currentUser(c, h.log)
	if !ok {
		return
	}
	if err := h.calls.Leave(c.Request.Context(), uid); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// KickParticipant removes another participant from the room's call.
// POST /api/rooms/:id/call/kick
func (h *CallsHandlers) KickParticipant(c *gin.Context) {
	uid, ok := currentUser(c, h.log)
	if !ok {
		return
	}
	roomID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req KickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	if err := h.calls.Kick(c.Request.Context(), uid, req.UserID, roomID); err != nil {
		respondError(c, h.log, err)
		return
	}
	h.log.Info().Int64("room_id", roomID).Int64("target_id", req.UserID).Int64("by", uid).Msg("participant kicked")
	c.Status(http.StatusNoContent)
}

// AbortCall ends the room's call for everyone.
// POST /api/rooms/:id/call/abort
func (h *CallsHandlers) AbortCall(c *gin.Context) {
	uid, ok := currentUser(c, h.log)
	if !ok {
		return
	}
	roomID, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.calls.Abort(c.Request.Context(), uid, roomID); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetMusic toggles background music in the room's call.
// POST /api/rooms/:id/call/music
func (h *CallsHandlers) SetMusic(c *gin.Context) {
	uid, ok := currentUser(c, h.log)
	if !ok {
		return
	}
	roomID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req MusicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if err := h.calls.SetMusic(c.Request.Context(), uid, roomID, *req.Enabled); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetCall returns the room's ongoing call.
// GET /api/rooms/:id/call
func (h *CallsHandlers) GetCall(c *gin.Context) {
	uid, ok := currentUser(c, h.log)
	if !ok {
		return
	}
	roomID, ok := idParam(c, "id")
	if !ok {
		return
	}
	call, err := h.calls.Ongoing(c.Request.Context(), uid, roomID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, callToResponse(call))
}

// ListIncoming lists calls ringing for the caller.
// GET /api/calls/incoming
func (h *CallsHandlers) ListIncoming(c *gin.Context) {
	uid, ok := currentUser(c, h.log)
	if !ok {
		return
	}
	calls, err := h.calls.Incoming(c.Request.Context(), uid)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, callsToResponse(calls))
}
