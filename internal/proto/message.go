package proto

import "encoding/json"

// Inbound is the envelope for messages coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	ProtocolVersion = 1

	InboundTypeHello = "hello"
	InboundTypePing  = "ping"

	OutboundTypeHello = "hello"
	OutboundTypePong  = "pong"
	OutboundTypeEvent = "event"
	OutboundTypeError = "error"
)

// Event topics delivered to users.
const (
	TopicCallIncoming = "call.incoming"
	TopicCallJoined   = "call.joined"
	TopicCallRejected = "call.rejected"
	TopicCallLeft     = "call.left"
	TopicCallEnded    = "call.ended"
	TopicCallKicked   = "call.kicked"
	TopicCallTimedOut = "call.timed_out"
	TopicCallMissed   = "call.missed"
	TopicCallMusic    = "call.music"
)

// HelloData is the first message of a connection. It carries the bearer token.
type HelloData struct {
	Token    string `json:"token"`
	Protocol int    `json:"protocol,omitempty"`
}

// HelloReply confirms the connection.
type HelloReply struct {
	UserID   int64 `json:"user_id"`
	Protocol int   `json:"protocol"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// CallIncoming invites a room participant to an ongoing call.
type CallIncoming struct {
	CallID    int64 `json:"call_id"`
	RoomID    int64 `json:"room_id"`
	CallerID  int64 `json:"caller_id"`
	CreatedAt int64 `json:"created_at"`
}

// CallJoined announces a new active participant.
type CallJoined struct {
	CallID int64  `json:"call_id"`
	RoomID int64  `json:"room_id"`
	UserID int64  `json:"user_id"`
	Sound  string `json:"sound"`
}

// CallRejected announces invitations that were declined or timed out.
type CallRejected struct {
	CallID   int64   `json:"call_id"`
	RoomID   int64   `json:"room_id"`
	UserIDs  []int64 `json:"user_ids"`
	Pending  int     `json:"pending"`
	TimedOut bool    `json:"timed_out,omitempty"`
}

// CallLeft announces an active participant leaving the call.
type CallLeft struct {
	CallID   int64  `json:"call_id"`
	RoomID   int64  `json:"room_id"`
	UserID   int64  `json:"user_id"`
	KickedBy *int64 `json:"kicked_by,omitempty"`
}

// CallEnded announces the end of a call.
type CallEnded struct {
	CallID     int64  `json:"call_id"`
	RoomID     int64  `json:"room_id"`
	DurationMS int64  `json:"duration_ms"`
	EndedBy    *int64 `json:"ended_by,omitempty"`
}

// CallKicked tells a participant it was removed from the call.
type CallKicked struct {
	CallID int64 `json:"call_id"`
	RoomID int64 `json:"room_id"`
	By     int64 `json:"by"`
}

// CallTimedOut tells an invitee its invitation expired unanswered.
type CallTimedOut struct {
	CallID   int64 `json:"call_id"`
	RoomID   int64 `json:"room_id"`
	CallerID int64 `json:"caller_id"`
}

// CallMissed tells an invitee the call ended before it answered.
type CallMissed struct {
	CallID    int64 `json:"call_id"`
	RoomID    int64 `json:"room_id"`
	CallerID  int64 `json:"caller_id"`
	CreatedAt int64 `json:"created_at"`
}

// CallMusic announces background music being toggled.
type CallMusic struct {
	CallID  int64 `json:"call_id"`
	RoomID  int64 `json:"room_id"`
	Enabled bool  `json:"enabled"`
	By      int64 `json:"by"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
