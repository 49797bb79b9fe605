package events

// Publisher is the publishing side of the error channel
type Publisher interface {
	// Publish reports an asynchronous failure
	Publish(event Event)
}

// Subscriber is the listening side of the error channel
type Subscriber interface {
	// Subscribe registers a listener and returns its unsubscribe function
	Subscribe(l Listener) func()
}

// Ensure Channel implements both sides
var (
	_ Publisher  = (*Channel)(nil)
	_ Subscriber = (*Channel)(nil)
)
