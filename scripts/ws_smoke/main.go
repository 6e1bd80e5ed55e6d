package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	jsoniter "github.com/json-iterator/go"

	"github.com/vovakirdan/wirecall/internal/proto"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

// run connects, authenticates and prints call events until the timeout.
func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	token := flag.String("token", os.Getenv("WIRECALL_TOKEN"), "bearer token (see `wirecall token`)")
	timeout := flag.Duration("timeout", 30*time.Second, "how long to watch for events")
	flag.Parse()

	if *token == "" {
		return fmt.Errorf("token is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	helloPayload, err := json.Marshal(proto.HelloData{Token: *token, Protocol: proto.ProtocolVersion})
	if err != nil {
		return fmt.Errorf("marshal hello: %w", err)
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypeHello, Data: helloPayload}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypePing}); err != nil {
		return fmt.Errorf("send ping: %w", err)
	}

	for {
		var outbound proto.Outbound
		if err := wsjson.Read(ctx, conn, &outbound); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		switch outbound.Type {
		case proto.OutboundTypeError:
			if outbound.Error != nil {
				fmt.Printf("error: code=%s msg=%s\n", outbound.Error.Code, outbound.Error.Msg)
			}
		case proto.OutboundTypeEvent:
			raw, err := json.Marshal(outbound.Data)
			if err != nil {
				return fmt.Errorf("marshal event data: %w", err)
			}
			fmt.Printf("event %s: %s\n", outbound.Event, raw)
		default:
			fmt.Printf("received %s\n", outbound.Type)
		}
	}
}
