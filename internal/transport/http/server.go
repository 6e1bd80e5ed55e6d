package http

import (
	stdhttp "net/http"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/vovakirdan/wirecall/internal/config"
	"github.com/vovakirdan/wirecall/internal/core"
	"github.com/vovakirdan/wirecall/internal/metrics"
)

// Deps bundles the collaborators served over HTTP.
type Deps struct {
	Hub     *core.Hub
	Tokens  TokenValidator
	Calls   CallService
	Metrics *metrics.Metrics
	// Sounds is rooted at the entrance sounds directory. Nil disables serving it.
	Sounds afero.Fs
	Clock  clock.Clock
}

// NewServer builds an HTTP server with all routes.
func NewServer(deps Deps, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	router.GET("/health", func(c *gin.Context) {
		c.String(stdhttp.StatusOK, "ok")
	})
	if cfg.Metrics.Enabled && deps.Metrics != nil {
		router.GET(cfg.Metrics.Path, gin.WrapH(deps.Metrics.Handler()))
	}
	if deps.Sounds != nil {
		router.StaticFS(cfg.Calls.SoundsURLPrefix, afero.NewHttpFs(deps.Sounds).Dir("/"))
	}

	ws := NewWSHandler(deps.Hub, deps.Tokens, deps.Calls, deps.Metrics, cfg, deps.Clock, logger)
	router.GET("/ws", gin.WrapH(ws))

	callsHandlers := NewCallsHandlers(deps.Calls, logger)
	mediaHandlers := NewMediaHandlers(deps.Calls, logger)
	userHandlers := NewUserHandlers(deps.Calls, cfg.Calls.SoundsURLPrefix, logger)
	roomHandlers := NewRoomHandlers(deps.Calls, logger)

	api := router.Group("/api")
	api.Use(AuthMiddleware(deps.Tokens, logger))
	{
		api.GET("/sounds", userHandlers.ListSounds)
		api.PUT("/users/me/sound", userHandlers.SetSound)

		api.GET("/calls/incoming", callsHandlers.ListIncoming)
		api.POST("/calls/leave", callsHandlers.LeaveCall)

		api.GET("/rooms/:id/call", callsHandlers.GetCall)
		api.POST("/rooms/:id/call", callsHandlers.StartCall)
		api.POST("/rooms/:id/call/join", callsHandlers.JoinCall)
		api.POST("/rooms/:id/call/reject", callsHandlers.RejectCall)
		api.POST("/rooms/:id/call/abort", callsHandlers.AbortCall)
		api.POST("/rooms/:id/call/kick", callsHandlers.KickParticipant)
		api.POST("/rooms/:id/call/music", callsHandlers.SetMusic)
		api.GET("/rooms/:id/calls/history", roomHandlers.ListHistory)

		api.POST("/rooms/:id/media/publish", mediaHandlers.Publish)
		api.POST("/rooms/:id/media/subscribe", mediaHandlers.Subscribe)
		api.POST("/media/subscribe/answer", mediaHandlers.CompleteSubscription)
		api.GET("/media/candidates/:userId", mediaHandlers.Candidates)
	}

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
