package calls

import (
	"errors"

	"github.com/vovakirdan/wirecall/internal/metrics"
	"github.com/vovakirdan/wirecall/internal/sfu"
	"github.com/vovakirdan/wirecall/internal/store"
)

// Kind classifies domain errors for transports.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindForbidden
	KindConflict
)

// Error is a domain rule violation. It is detected before any SFU request.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func domainError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Common errors for call operations.
var (
	ErrRoomNotFound     = domainError(KindNotFound, "room_not_found", "room not found")
	ErrUserNotFound     = domainError(KindNotFound, "user_not_found", "user not found")
	ErrCallNotFound     = domainError(KindNotFound, "call_not_found", "room has no ongoing call")
	ErrNotRoomMember    = domainError(KindForbidden, "not_room_member", "not a member of this room")
	ErrPermissionDenied = domainError(KindForbidden, "permission_denied", "insufficient room privileges")
	ErrCallExists       = domainError(KindConflict, "call_exists", "room already has an ongoing call")
	ErrAlreadyActive    = domainError(KindConflict, "already_active", "already in this call")
	ErrInAnotherCall    = domainError(KindConflict, "in_another_call", "already in another call")
	ErrCallFull         = domainError(KindConflict, "call_full", "call is full")
	ErrNotConnected     = domainError(KindConflict, "not_connected", "media session not connected")
	ErrNotPending       = domainError(KindInvalid, "not_pending", "no pending invitation to this call")
	ErrNotActive        = domainError(KindInvalid, "not_active", "not an active call participant")
	ErrCannotKickSelf   = domainError(KindInvalid, "cannot_kick_self", "cannot kick yourself")
	ErrNoFeeds          = domainError(KindInvalid, "no_feeds", "no feeds requested")
	ErrInvalidFeed      = domainError(KindInvalid, "invalid_feed", "feed is not another active participant")
)

// ErrConcurrencyConflict reports that the call changed since it was loaded.
// The operation had no effect and may be retried.
var ErrConcurrencyConflict = store.ErrVersionConflict

func outcome(err error) string {
	var domainErr *Error
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.As(err, &domainErr):
		return metrics.OutcomeRejected
	case errors.Is(err, ErrConcurrencyConflict):
		return metrics.OutcomeConflict
	case errors.Is(err, sfu.ErrUnavailable):
		return metrics.OutcomeUnavailable
	case errors.Is(err, sfu.ErrProtocol):
		return metrics.OutcomeProtocol
	default:
		return metrics.OutcomeError
	}
}

// attachError maps store.ErrUserBusy to ErrInAnotherCall.
func attachError(err error) error {
	switch {
	case errors.Is(err, store.ErrUserBusy):
		return ErrInAnotherCall
	case errors.Is(err, store.ErrNotFound):
		return ErrUserNotFound
	default:
		return err
	}
}
