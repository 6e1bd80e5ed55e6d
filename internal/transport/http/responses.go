package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/service/calls"
	"github.com/vovakirdan/wirecall/internal/sfu"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	// Retry is set when the request had no effect and may be repeated as is.
	Retry bool `json:"retry,omitempty"`
}

func statusOf(kind calls.Kind) int {
	switch kind {
	case calls.KindNotFound:
		return http.StatusNotFound
	case calls.KindForbidden:
		return http.StatusForbidden
	case calls.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// respondError writes the status and body matching err.
func respondError(c *gin.Context, logger *zerolog.Logger, err error) {
	var domainErr *calls.Error
	switch {
	case errors.As(err, &domainErr):
		c.JSON(statusOf(domainErr.Kind), ErrorResponse{Error: domainErr.Message, Code: domainErr.Code})
	case errors.Is(err, calls.ErrConcurrencyConflict):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "call changed concurrently", Code: "conflict", Retry: true})
	case errors.Is(err, sfu.ErrUnavailable):
		logger.Warn().Err(err).Str("route", c.FullPath()).Msg("media server unavailable")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "media server unavailable", Code: "sfu_unavailable"})
	case errors.Is(err, sfu.ErrProtocol):
		logger.Warn().Err(err).Str("route", c.FullPath()).Msg("media server error")
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "media server error", Code: "sfu_error"})
	default:
		logger.Error().Err(err).Str("route", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}

// currentUser returns the authenticated user id set by AuthMiddleware.
func currentUser(c *gin.Context, logger *zerolog.Logger) (int64, bool) {
	userID, exists := c.Get(ContextKeyUserID)
	if !exists {
		logger.Error().Msg("user_id not found in context")
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return 0, false
	}
	uid, ok := userID.(int64)
	if !ok {
		logger.Error().Msg("invalid user_id type in context")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return 0, false
	}
	return uid, true
}

// idParam parses a positive integer path parameter.
func idParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid " + name})
		return 0, false
	}
	return id, true
}

// bindOptionalJSON decodes the body into dst unless it is empty.
func bindOptionalJSON(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return false
	}
	return true
}
