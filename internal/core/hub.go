// Package core fans realtime events out to the connections of each user.
package core

import (
	"context"

	"github.com/rs/zerolog"
)

const deliverBuffer = 1024

type delivery struct {
	userID int64
	event  *Event
}

// Hub owns the user to connection index. All mutations happen on the Run
// goroutine; callers talk to it through channels.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	deliver    chan delivery
	users      map[int64]*connections
	done       chan struct{}
	log        *zerolog.Logger
}

// NewHub creates a hub. Run must be started before events flow.
func NewHub(logger *zerolog.Logger) *Hub {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		deliver:    make(chan delivery, deliverBuffer),
		users:      make(map[int64]*connections),
		done:       make(chan struct{}),
		log:        logger,
	}
}

// Run processes registrations and deliveries until ctx is done. Event
// channels of all remaining clients are closed on exit.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			conns, ok := h.users[c.UserID]
			if !ok {
				conns = newConnections()
				h.users[c.UserID] = conns
			}
			if conns.add(c) {
				h.log.Debug().Int64("user_id", c.UserID).Str("client_id", c.ID).Msg("client registered")
			}
		case c := <-h.unregister:
			h.drop(c)
		case d := <-h.deliver:
			conns, ok := h.users[d.userID]
			if !ok {
				h.log.Trace().Int64("user_id", d.userID).Str("topic", d.event.Topic).Msg("user offline, event dropped")
				continue
			}
			if n := conns.broadcast(d.event); n > 0 {
				h.log.Warn().Int64("user_id", d.userID).Str("topic", d.event.Topic).Int("dropped", n).Msg("slow consumer")
			}
		case <-ctx.Done():
			for _, conns := range h.users {
				for c := range conns.clients {
					close(c.Events)
				}
			}
			h.users = make(map[int64]*connections)
			close(h.done)
			return
		}
	}
}

func (h *Hub) drop(c *Client) {
	conns, ok := h.users[c.UserID]
	if !ok || !conns.remove(c) {
		return
	}
	close(c.Events)
	if conns.empty() {
		delete(h.users, c.UserID)
	}
	h.log.Debug().Int64("user_id", c.UserID).Str("client_id", c.ID).Msg("client unregistered")
}

// RegisterClient adds a connection. Blocks until the hub accepts it. After
// shutdown the client's event channel is closed right away.
func (h *Hub) RegisterClient(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		close(c.Events)
	}
}

// UnregisterClient removes a connection and closes its event channel.
func (h *Hub) UnregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// SendToUser queues an event for every connection of userID. It never
// blocks: when the hub is saturated the event is dropped.
func (h *Hub) SendToUser(userID int64, topic string, payload any) {
	select {
	case h.deliver <- delivery{userID: userID, event: &Event{Topic: topic, Payload: payload}}:
	default:
		h.log.Warn().Int64("user_id", userID).Str("topic", topic).Msg("hub saturated, event dropped")
	}
}
