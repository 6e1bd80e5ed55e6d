package core

// Event is a notification pushed to every connection of a user.
type Event struct {
	Topic   string
	Payload any
}
