package events

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types published on the error channel
const (
	TypeSubscriptionFailed = "sync.subscription.failed"
	TypeWriteFailed        = "sync.write.failed"
)

// Event is an asynchronous failure reported by the sync layer
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Source        string    `json:"source"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`

	// Actor information
	ActorID string `json:"actor_id,omitempty"`

	// Failure context
	Path         string   `json:"path"`
	Operation    string   `json:"operation"`
	Code         string   `json:"code"`
	Message      string   `json:"message"`
	Permissions  []string `json:"permissions,omitempty"`
	PayloadShape string   `json:"payload_shape,omitempty"`

	// Err is the original error; it does not cross process boundaries
	Err error `json:"-"`
}

// NewEvent creates a new event with auto-generated ID and timestamp
func NewEvent(eventType, source string) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
}

// WithActor sets the actor information on the event
func (e Event) WithActor(actorID string) Event {
	e.ActorID = actorID
	return e
}

// WithCorrelation sets the correlation ID for request tracing
func (e Event) WithCorrelation(correlationID string) Event {
	e.CorrelationID = correlationID
	return e
}

// Listener receives published events
type Listener func(event Event)

// Channel is the process-wide publish/subscribe bus for asynchronous
// failures. It is created once at bootstrap and passed to every component
// that can fail outside the caller's control flow.
type Channel struct {
	mu        sync.RWMutex
	listeners map[uint64]Listener
	next      uint64
	closed    bool
	log       zerolog.Logger
}

// NewChannel creates an open error channel
func NewChannel(log zerolog.Logger) *Channel {
	return &Channel{
		listeners: make(map[uint64]Listener),
		log:       log.With().Str("component", "error-channel").Logger(),
	}
}

// Publish delivers the event to every listener in subscription order.
// Listeners run in the publisher's goroutine.
func (c *Channel) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		c.log.Warn().Str("type", event.Type).Str("path", event.Path).Msg("publish on closed channel dropped")
		return
	}
	ids := make([]uint64, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, c.listeners[id])
	}
	c.mu.RUnlock()

	for _, l := range listeners {
		c.deliver(l, event)
	}
}

func (c *Channel) deliver(l Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("event_id", event.ID).Msg("error listener panicked")
		}
	}()
	l(event)
}

// Subscribe registers a listener and returns its unsubscribe function.
// Calling the returned function more than once is a no-op.
func (c *Channel) Subscribe(l Listener) func() {
	c.mu.Lock()
	id := c.next
	c.next++
	c.listeners[id] = l
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// ListenerCount returns the number of registered listeners
func (c *Channel) ListenerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listeners)
}

// Close ends the channel lifecycle. Later publishes are dropped.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.listeners = make(map[uint64]Listener)
}
