package sfu

import (
	"strconv"

	"github.com/pion/webrtc/v4"
)

// Gateway message types.
const (
	janusCreate    = "create"
	janusAttach    = "attach"
	janusDetach    = "detach"
	janusDestroy   = "destroy"
	janusKeepalive = "keepalive"
	janusMessage   = "message"
	janusTrickle   = "trickle"

	janusSuccess = "success"
	janusAck     = "ack"
	janusError   = "error"
	janusEvent   = "event"
	janusMedia   = "media"
)

// request is an outbound gateway envelope.
type request struct {
	Janus       string                     `json:"janus"`
	Transaction string                     `json:"transaction"`
	Plugin      string                     `json:"plugin,omitempty"`
	Body        *roomRequest               `json:"body,omitempty"`
	JSEP        *webrtc.SessionDescription `json:"jsep,omitempty"`
	Candidates  []webrtc.ICECandidateInit  `json:"candidates,omitempty"`
	Candidate   *trickleDone               `json:"candidate,omitempty"`
}

type trickleDone struct {
	Completed bool `json:"completed"`
}

// roomRequest is a videoroom plugin message body.
type roomRequest struct {
	Request    string      `json:"request"`
	Room       int64       `json:"room,omitempty"`
	PType      string      `json:"ptype,omitempty"`
	ID         int64       `json:"id,omitempty"`
	Display    string      `json:"display,omitempty"`
	Publishers int         `json:"publishers,omitempty"`
	Audio      *bool       `json:"audio,omitempty"`
	Video      *bool       `json:"video,omitempty"`
	Streams    []feedEntry `json:"streams,omitempty"`
}

type feedEntry struct {
	Feed int64 `json:"feed"`
}

// Event is an inbound gateway envelope: a synchronous response or an
// asynchronous event delivered by the long-poll endpoint.
type Event struct {
	Janus       string                     `json:"janus"`
	SessionID   int64                      `json:"session_id,omitempty"`
	Sender      int64                      `json:"sender,omitempty"`
	Transaction string                     `json:"transaction,omitempty"`
	Type        string                     `json:"type,omitempty"`
	Receiving   *bool                      `json:"receiving,omitempty"`
	Data        *eventData                 `json:"data,omitempty"`
	PluginData  *pluginData                `json:"plugindata,omitempty"`
	JSEP        *webrtc.SessionDescription `json:"jsep,omitempty"`
	Error       *eventError                `json:"error,omitempty"`
}

type eventData struct {
	ID        int64  `json:"id,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode int    `json:"error_code,omitempty"`
}

type eventError struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

type pluginData struct {
	Plugin string       `json:"plugin"`
	Data   pluginResult `json:"data"`
}

// pluginResult is the videoroom payload of a response or event.
type pluginResult struct {
	VideoRoom  string `json:"videoroom,omitempty"`
	Room       int64  `json:"room,omitempty"`
	ID         int64  `json:"id,omitempty"`
	Configured string `json:"configured,omitempty"`
	Started    string `json:"started,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorCode  int    `json:"error_code,omitempty"`
}

// plugin returns the plugin payload, or an empty one.
func (e *Event) plugin() pluginResult {
	if e.PluginData == nil {
		return pluginResult{}
	}
	return e.PluginData.Data
}

// cacheKey is the correlation key of an event: its transaction, or the
// session-level media pseudo-transaction. Empty when the event cannot be
// correlated to any request.
func (e *Event) cacheKey() string {
	if e.Transaction != "" {
		return e.Transaction
	}
	if e.Janus == janusMedia && e.SessionID != 0 {
		return mediaKey(e.SessionID)
	}
	return ""
}

func mediaKey(sessionID int64) string {
	return "media_" + strconv.FormatInt(sessionID, 10)
}

// isResponseValid reports the failure carried by a response or event, if any.
func isResponseValid(e *Event) error {
	if e.Janus == janusError {
		if e.Error != nil {
			return &APIError{Code: e.Error.Code, Reason: e.Error.Reason}
		}
		return &APIError{Reason: "unspecified error"}
	}
	if pd := e.plugin(); pd.Error != "" || pd.ErrorCode != 0 {
		return &APIError{Code: pd.ErrorCode, Reason: pd.Error}
	}
	if e.Data != nil && (e.Data.Error != "" || e.Data.ErrorCode != 0) {
		return &APIError{Code: e.Data.ErrorCode, Reason: e.Data.Error}
	}
	return nil
}
