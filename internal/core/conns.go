package core

// connections groups the live clients of a single user.
type connections struct {
	clients map[*Client]struct{}
}

func newConnections() *connections {
	return &connections{clients: make(map[*Client]struct{})}
}

// add inserts a client. Returns true if newly added.
func (c *connections) add(cl *Client) bool {
	if _, exists := c.clients[cl]; exists {
		return false
	}
	c.clients[cl] = struct{}{}
	return true
}

// remove deletes a client. Returns true if removed.
func (c *connections) remove(cl *Client) bool {
	if _, exists := c.clients[cl]; !exists {
		return false
	}
	delete(c.clients, cl)
	return true
}

// broadcast sends an event to every client and returns how many were skipped.
func (c *connections) broadcast(ev *Event) int {
	dropped := 0
	for cl := range c.clients {
		select {
		case cl.Events <- ev:
		default:
			// Drop if slow consumer.
			dropped++
		}
	}
	return dropped
}

func (c *connections) empty() bool {
	return len(c.clients) == 0
}
