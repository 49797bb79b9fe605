package docstore

import "sync"

// feedLoop delivers the latest pending value to a callback from its own
// goroutine. Pushing while a delivery is pending replaces the pending value;
// an error is terminal and is never replaced.
type feedLoop[T any] struct {
	mu       sync.Mutex
	pending  *delivery[T]
	terminal bool
	stopped  bool
	wake     chan struct{}
	done     chan struct{}
	once     sync.Once
	fn       func(T, error)
	onStop   func()
}

type delivery[T any] struct {
	val T
	err error
}

func newFeedLoop[T any](fn func(T, error), onStop func()) *feedLoop[T] {
	l := &feedLoop[T]{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		fn:     fn,
		onStop: onStop,
	}
	go l.run()
	return l
}

func (l *feedLoop[T]) push(val T, err error) {
	l.mu.Lock()
	if l.stopped || l.terminal {
		l.mu.Unlock()
		return
	}
	l.pending = &delivery[T]{val: val, err: err}
	if err != nil {
		l.terminal = true
	}
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *feedLoop[T]) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}

		l.mu.Lock()
		d := l.pending
		l.pending = nil
		stopped := l.stopped
		l.mu.Unlock()

		if d == nil || stopped {
			continue
		}
		l.fn(d.val, d.err)
		if d.err != nil {
			l.Stop()
			return
		}
	}
}

// Stop implements Feed.
func (l *feedLoop[T]) Stop() {
	l.once.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.pending = nil
		l.mu.Unlock()
		close(l.done)
		if l.onStop != nil {
			l.onStop()
		}
	})
}

func (l *feedLoop[T]) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Relay exposes the feed delivery loop to Store implementations outside
// this package. Values pushed while a callback runs are coalesced to the
// latest one; an error is delivered last and stops the relay.
type Relay[T any] struct {
	l *feedLoop[T]
}

// NewRelay starts a relay calling fn. onStop runs once when the relay stops.
func NewRelay[T any](fn func(T, error), onStop func()) *Relay[T] {
	return &Relay[T]{l: newFeedLoop(fn, onStop)}
}

// Push queues a value or a terminal error.
func (r *Relay[T]) Push(val T, err error) { r.l.push(val, err) }

// Stop implements Feed.
func (r *Relay[T]) Stop() { r.l.Stop() }

// Stopped reports whether the relay no longer delivers.
func (r *Relay[T]) Stopped() bool { return r.l.isStopped() }
