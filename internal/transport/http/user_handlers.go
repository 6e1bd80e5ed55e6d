package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// UserHandlers provides HTTP handlers for per-user call settings.
type UserHandlers struct {
	calls  CallService
	prefix string
	log    *zerolog.Logger
}

// NewUserHandlers creates a new user handlers instance. prefix is the URL
// the sounds directory is served under.
func NewUserHandlers(calls CallService, prefix string, logger *zerolog.Logger) *UserHandlers {
	return &UserHandlers{
		calls:  calls,
		prefix: prefix,
		log:    logger,
	}
}

// SoundResponse represents an entrance sound.
type SoundResponse struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// SetSoundRequest picks an entrance sound. Empty restores the default.
type SetSoundRequest struct {
	Sound string `json:"sound" binding:"max=128"`
}

// ListSounds lists the installed entrance sounds.
// GET /api/sounds
func (h *UserHandlers) ListSounds(c *gin.Context) {
	names, err := h.calls.Sounds()
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	response := make([]SoundResponse, 0, len(names))
	for _, name := range names {
		response = append(response, SoundResponse{Name: name, URL: h.prefix + name})
	}
	c.JSON(http.StatusOK, response)
}

// SetSound updates the sound played when the caller joins a call.
// PUT /api/users/me/sound
func (h *UserHandlers) SetSound(c *gin.Context) {
	uid, ok := currentUser(c, h.log)
	if !ok {
		return
	}
	var req SetSoundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	url, err := h.calls.SetEntranceSound(c.Request.Context(), uid, req.Sound)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	h.log.Debug().Int64("user_id", uid).Str("sound", req.Sound).Msg("entrance sound updated")
	c.JSON(http.StatusOK, SoundResponse{Name: req.Sound, URL: url})
}
