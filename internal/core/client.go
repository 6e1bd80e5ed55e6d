package core

// Client is one realtime connection of a user as seen by the core layer.
// A user may hold several connections at once.
type Client struct {
	ID     string
	UserID int64
	Events chan *Event
}

// NewClient constructs a client with an initialized event channel.
func NewClient(id string, userID int64) *Client {
	return &Client{
		ID:     id,
		UserID: userID,
		Events: make(chan *Event, 32),
	}
}
