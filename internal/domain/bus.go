package domain

// EventQueue carries protocol events from the connection manager to the
// dispatcher in arrival order.
type EventQueue interface {
	Publish(ev Event)
	Subscribe() <-chan Event
	Close()
}
