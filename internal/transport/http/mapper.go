package http

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/samber/lo"

	"github.com/vovakirdan/wirecall/internal/core"
	"github.com/vovakirdan/wirecall/internal/proto"
	"github.com/vovakirdan/wirecall/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CallResponse represents a call in API responses.
type CallResponse struct {
	ID        int64   `json:"id"`
	RoomID    int64   `json:"room_id"`
	Active    []int64 `json:"active"`
	Pending   []int64 `json:"pending"`
	CreatedAt int64   `json:"created_at"`
	HasMusic  bool    `json:"has_music"`
}

func callToResponse(c *store.Call) CallResponse {
	return CallResponse{
		ID:        c.ID,
		RoomID:    c.RoomID,
		Active:    lo.Ternary(c.Active == nil, []int64{}, c.Active),
		Pending:   lo.Ternary(c.Pending == nil, []int64{}, c.Pending),
		CreatedAt: c.CreatedAt,
		HasMusic:  c.HasMusic,
	}
}

func callsToResponse(calls []*store.Call) []CallResponse {
	return lo.Map(calls, func(c *store.Call, _ int) CallResponse { return callToResponse(c) })
}

// decodeHello parses a hello message. A non-nil proto error is sent back to
// the client before the connection is closed.
func decodeHello(inbound proto.Inbound) (proto.HelloData, *proto.Error) {
	var hello proto.HelloData
	if inbound.Type != proto.InboundTypeHello {
		return hello, &proto.Error{Code: "hello_required", Msg: "first message must be hello"}
	}
	if len(inbound.Data) > 0 {
		if err := json.Unmarshal(inbound.Data, &hello); err != nil {
			return hello, &proto.Error{Code: "bad_request", Msg: "invalid hello payload"}
		}
	}
	if hello.Protocol != 0 && hello.Protocol != proto.ProtocolVersion {
		return hello, &proto.Error{Code: "unsupported_version", Msg: "unsupported protocol version"}
	}
	return hello, nil
}

func outboundFromEvent(event *core.Event) proto.Outbound {
	return proto.Outbound{
		Type:  proto.OutboundTypeEvent,
		Event: event.Topic,
		Data:  event.Payload,
	}
}

func outboundError(code, msg string) proto.Outbound {
	return proto.Outbound{Type: proto.OutboundTypeError, Error: &proto.Error{Code: code, Msg: msg}}
}
