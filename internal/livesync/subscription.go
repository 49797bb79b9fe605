package livesync

import (
	"sync"

	"github.com/carebridge/telesync/internal/docstore"
	"github.com/carebridge/telesync/internal/shared/metrics"
)

// Status is the lifecycle state of a subscription.
type Status int

const (
	Unsubscribed Status = iota
	Subscribing
	Active
	Errored
)

func (s Status) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case Subscribing:
		return "subscribing"
	case Active:
		return "active"
	case Errored:
		return "error"
	}
	return "unknown"
}

// binding is one acquisition of a shared feed by a consumer.
type binding struct {
	feed     *sharedFeed
	id       uint64
	released bool
}

// consumer holds the lifecycle shared by document and query subscriptions.
type consumer struct {
	reg  *Registry
	kind string

	mu      sync.Mutex
	handle  Handle
	cur     *binding
	lastSeq uint64
	status  Status
	closed  bool
	changes chan struct{}

	// apply and reset run under mu
	apply func(snapshot)
	reset func(loading bool)
}

func (c *consumer) init(reg *Registry, kind string, apply func(snapshot), reset func(bool)) {
	c.reg = reg
	c.kind = kind
	c.apply = apply
	c.reset = reset
	c.changes = make(chan struct{}, 1)
	c.reset(false)
}

// bind points the consumer at h. The same handle value is a no-op unless the
// current feed has errored, in which case it resubscribes. A new handle is
// acquired before the old one is released, so handles with equal keys keep
// the underlying feed open.
func (c *consumer) bind(h Handle) {
	c.mu.Lock()
	if c.closed || (h == c.handle && c.status != Errored) {
		c.mu.Unlock()
		return
	}
	old := c.cur
	hadHandle := c.handle != nil
	c.handle = h
	c.cur = nil
	c.lastSeq = 0

	var next *binding
	if h == nil {
		c.status = Unsubscribed
		c.reset(false)
	} else {
		next = &binding{}
		c.cur = next
		c.status = Subscribing
		c.reset(true)
	}
	c.signalLocked()
	c.mu.Unlock()

	if next != nil {
		if !hadHandle {
			metrics.SubscriptionBound(c.kind)
		}
		f, id := c.reg.acquire(h, func(s snapshot) { c.deliver(next, s) })

		c.mu.Lock()
		next.feed, next.id = f, id
		superseded := c.cur != next
		c.mu.Unlock()
		if superseded {
			c.releaseBinding(next)
		}
	} else if hadHandle {
		metrics.SubscriptionReleased(c.kind)
	}

	c.releaseBinding(old)
}

func (c *consumer) releaseBinding(b *binding) {
	if b == nil {
		return
	}
	c.mu.Lock()
	if b.feed == nil || b.released {
		c.mu.Unlock()
		return
	}
	b.released = true
	c.mu.Unlock()
	c.reg.release(b.feed, b.id)
}

func (c *consumer) deliver(b *binding, s snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.cur != b {
		metrics.RecordStaleSnapshot(c.kind)
		return
	}
	if s.seq <= c.lastSeq {
		return
	}
	c.lastSeq = s.seq
	c.apply(s)
	if s.err != nil {
		c.status = Errored
	} else {
		c.status = Active
	}
	metrics.RecordSnapshot(c.kind)
	c.signalLocked()
}

func (c *consumer) signalLocked() {
	if c.closed {
		return
	}
	select {
	case c.changes <- struct{}{}:
	default:
	}
}

// Close releases the subscription. Further calls are no-ops and later
// deliveries are discarded.
func (c *consumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	old := c.cur
	hadHandle := c.handle != nil
	c.closed = true
	c.cur = nil
	c.handle = nil
	c.status = Unsubscribed
	close(c.changes)
	c.mu.Unlock()

	if hadHandle {
		metrics.SubscriptionReleased(c.kind)
	}
	c.releaseBinding(old)
}

// Status returns the lifecycle state.
func (c *consumer) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Changes signals after every state change. Signals coalesce; the channel
// is closed by Close.
func (c *consumer) Changes() <-chan struct{} {
	return c.changes
}

// DocState is the view of a document subscription. Data is nil both while
// loading and when the document does not exist.
type DocState struct {
	Data    docstore.Record
	ID      string
	Loading bool
	Err     error
}

// DocSubscription exposes one live document.
type DocSubscription struct {
	consumer
	state DocState
}

// Bind points the subscription at ref. A nil ref yields an idle state
// without opening a feed.
func (s *DocSubscription) Bind(ref *DocRef) {
	if ref == nil {
		s.bind(nil)
		return
	}
	s.bind(ref)
}

// State returns the current view.
func (s *DocSubscription) State() DocState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *DocSubscription) apply(snap snapshot) {
	if snap.err != nil {
		s.state = DocState{Err: snap.err}
		return
	}
	if snap.doc == nil {
		s.state = DocState{}
		return
	}
	s.state = DocState{Data: snap.doc.Data, ID: snap.doc.ID}
}

func (s *DocSubscription) reset(loading bool) {
	s.state = DocState{Loading: loading}
}

// QueryState is the view of a collection subscription. Data is nil until
// the first snapshot and a non-nil slice afterwards, empty when nothing
// matches.
type QueryState struct {
	Data    []docstore.Document
	Loading bool
	Err     error
}

// QuerySubscription exposes one live query.
type QuerySubscription struct {
	consumer
	state QueryState
}

// Bind points the subscription at ref. A nil ref yields an idle state
// without opening a feed.
func (s *QuerySubscription) Bind(ref *QueryRef) {
	if ref == nil {
		s.bind(nil)
		return
	}
	s.bind(ref)
}

// State returns the current view.
func (s *QuerySubscription) State() QueryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *QuerySubscription) apply(snap snapshot) {
	if snap.err != nil {
		s.state = QueryState{Err: snap.err}
		return
	}
	s.state = QueryState{Data: snap.docs}
}

func (s *QuerySubscription) reset(loading bool) {
	s.state = QueryState{Loading: loading}
}
