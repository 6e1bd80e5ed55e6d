package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// MediaHandlers relays SDP and ICE exchanges between clients and the SFU.
type MediaHandlers struct {
	calls CallService
	log   *zerolog.Logger
}

// NewMediaHandlers creates new media handlers.
func NewMediaHandlers(calls CallService, logger *zerolog.Logger) *MediaHandlers {
	return &MediaHandlers{calls: calls, log: logger}
}

// PublishRequest carries the publisher's SDP offer.
type PublishRequest struct {
	Offer webrtc.SessionDescription `json:"offer"`
}

// SubscribeRequest lists the publishers to receive.
type SubscribeRequest struct {
	Feeds []int64 `json:"feeds"`
}

// AnswerRequest carries the subscriber's SDP answer.
type AnswerRequest struct {
	Answer webrtc.SessionDescription `json:"answer"`
}

// SDPResponse carries an SDP produced by the SFU.
type SDPResponse struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

// CandidatesResponse lists a publisher's confirmed ICE candidates.
type CandidatesResponse struct {
	Candidates []webrtc.ICECandidateInit `json:"candidates"`
}

// Publish negotiates the caller's outgoing media.
// POST /api/rooms/:id/media/publish
func (h *MediaHandlers) Publish(c *gin.Context) {
	uid, ok := currentUser(c, h.log)
	if !ok {
		return
	}
	roomID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Offer.Type != webrtc.SDPTypeOffer || req.Offer.SDP == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "sdp offer is required"})
		return
	}

	answer, err := h.calls.Publish(c.Request.Context(), uid, roomID, req.Offer)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, SDPResponse{SDP: answer})
}

// Subscribe requests an SFU offer for the listed feeds.
// POST /api/rooms/:id/media/subscribe
func (h *MediaHandlers) Subscribe(c *gin.Context) {
	uid, ok := currentUser(c, h.log)
	if !ok {
		return
	}
	roomID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	offer, err := h.calls.Subscribe(c.Request.Context(), uid, roomID, req.Feeds)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, SDPResponse{SDP: offer})
}

// CompleteSubscription hands the subscriber's answer to the SFU.
// POST /api/media/subscribe/answer
func (h *MediaHandlers) CompleteSubscription(c *gin.Context) {
	uid, ok := currentUser(c, h.log)
	if !ok {
		return
	}
	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Answer.Type != webrtc.SDPTypeAnswer || req.Answer.SDP == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "sdp answer is required"})
		return
	}

	if err := h.calls.CompleteSubscription(c.Request.Context(), uid, req.Answer); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Candidates returns the confirmed ICE candidates of a publisher.
// GET /api/media/candidates/:userId
func (h *MediaHandlers) Candidates(c *gin.Context) {
	uid, ok := currentUser(c, h.log)
	if !ok {
		return
	}
	publisherID, ok := idParam(c, "userId")
	if !ok {
		return
	}

	candidates, err := h.calls.Candidates(c.Request.Context(), uid, publisherID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if candidates == nil {
		candidates = []webrtc.ICECandidateInit{}
	}
	c.JSON(http.StatusOK, CandidatesResponse{Candidates: candidates})
}
