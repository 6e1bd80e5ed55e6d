package sfu

import (
	"errors"
	"fmt"
)

// Bridge errors. Every error returned by Bridge operations matches one of
// ErrUnavailable or ErrProtocol through errors.Is.
var (
	// ErrUnavailable is returned when the gateway cannot be reached or answers with a 5xx.
	ErrUnavailable = errors.New("sfu unavailable")
	// ErrProtocol is returned when a response is malformed, denied or never arrives.
	ErrProtocol = errors.New("sfu protocol error")
	// ErrNoSession is returned when the user has no signaling session.
	ErrNoSession = fmt.Errorf("%w: no session", ErrProtocol)
)

// Videoroom error codes treated specially.
const (
	codeNoSuchRoom     = 426
	codeRoomExists     = 427
	codeSessionMissing = 458 // gateway core, not the plugin
)

// APIError is an error envelope returned by the gateway or the plugin.
type APIError struct {
	Code   int
	Reason string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sfu error %d: %s", e.Code, e.Reason)
}

// Is makes APIError match ErrProtocol.
func (e *APIError) Is(target error) bool {
	return target == ErrProtocol
}

func hasCode(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func protocolError(op, format string, args ...any) error {
	return fmt.Errorf("%s: %w: %s", op, ErrProtocol, fmt.Sprintf(format, args...))
}

func unavailableError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
