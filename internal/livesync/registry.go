package livesync

import (
	"context"
	"sync"

	"github.com/carebridge/telesync/internal/docstore"
	"github.com/carebridge/telesync/internal/shared/auth"
	apperrors "github.com/carebridge/telesync/internal/shared/errors"
	"github.com/carebridge/telesync/internal/shared/events"
	"github.com/carebridge/telesync/internal/shared/metrics"
	"github.com/rs/zerolog"
)

// Registry deduplicates live feeds. At most one store feed is open per
// handle key; it is opened for the first consumer and stopped when the
// last one releases it. An errored feed is dropped, so the next consumer
// of that key starts a fresh one.
//
// The registry context carries the identity every listen runs under.
type Registry struct {
	ctx   context.Context
	store docstore.Store
	errs  events.Publisher
	log   zerolog.Logger

	mu       sync.Mutex
	feeds    map[string]*sharedFeed
	consumer uint64
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// NewRegistry creates a registry reading from store and reporting feed
// failures to errs.
func NewRegistry(ctx context.Context, store docstore.Store, errs events.Publisher, opts ...Option) *Registry {
	r := &Registry{
		ctx:   ctx,
		store: store,
		errs:  errs,
		log:   zerolog.Nop(),
		feeds: make(map[string]*sharedFeed),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With().Str("component", "registry").Logger()
	return r
}

// Doc creates an unbound document subscription.
func (r *Registry) Doc() *DocSubscription {
	s := &DocSubscription{}
	s.init(r, kindDoc, s.apply, s.reset)
	return s
}

// Query creates an unbound collection subscription.
func (r *Registry) Query() *QuerySubscription {
	s := &QuerySubscription{}
	s.init(r, kindQuery, s.apply, s.reset)
	return s
}

// ActiveFeeds returns the number of open feeds.
func (r *Registry) ActiveFeeds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.feeds)
}

// sink receives snapshots for one consumer.
type sink func(snapshot)

type sharedFeed struct {
	reg    *Registry
	key    string
	kind   string
	target docstore.Path

	// refs is guarded by reg.mu
	refs int

	mu        sync.Mutex
	sinks     map[uint64]sink
	seq       uint64
	last      *snapshot
	storeFeed docstore.Feed
	closed    bool
	once      sync.Once
}

// acquire registers a consumer on the feed for h, opening it if needed.
// A consumer joining an active feed is replayed the latest snapshot.
func (r *Registry) acquire(h Handle, s sink) (*sharedFeed, uint64) {
	r.mu.Lock()
	f, ok := r.feeds[h.Key()]
	opening := !ok
	if opening {
		f = &sharedFeed{
			reg:    r,
			key:    h.Key(),
			kind:   h.kind(),
			target: h.target(),
			sinks:  make(map[uint64]sink),
		}
		r.feeds[f.key] = f
	}
	f.refs++
	r.consumer++
	id := r.consumer

	f.mu.Lock()
	f.sinks[id] = s
	var replay *snapshot
	if f.last != nil {
		c := *f.last
		replay = &c
	}
	f.mu.Unlock()
	r.mu.Unlock()

	if opening {
		metrics.FeedOpened(f.kind)
		r.log.Debug().Str("key", f.key).Msg("opening feed")
		f.open(h)
	} else if replay != nil {
		s(*replay)
	}
	return f, id
}

// release drops one consumer; the last one stops the feed.
func (r *Registry) release(f *sharedFeed, id uint64) {
	r.mu.Lock()
	f.refs--
	last := f.refs == 0
	if last && r.feeds[f.key] == f {
		delete(r.feeds, f.key)
	}
	r.mu.Unlock()

	f.mu.Lock()
	delete(f.sinks, id)
	f.mu.Unlock()

	if last {
		f.shutdown()
	}
}

// open starts the store listen. It runs outside the registry lock; if the
// feed was released or failed meanwhile, the new store feed is stopped.
func (f *sharedFeed) open(h Handle) {
	sf, err := h.listen(f.reg.ctx, f.reg.store, f.deliver)
	if err != nil {
		f.deliver(snapshot{err: err})
		return
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		sf.Stop()
		return
	}
	f.storeFeed = sf
	f.mu.Unlock()
}

func (f *sharedFeed) deliver(s snapshot) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.seq++
	s.seq = f.seq
	if s.err == nil && s.docs == nil && f.kind == kindQuery {
		s.docs = []docstore.Document{}
	}
	f.last = &s
	sinks := make([]sink, 0, len(f.sinks))
	for _, sk := range f.sinks {
		sinks = append(sinks, sk)
	}
	f.mu.Unlock()

	if s.err != nil {
		f.fail(s.err)
	}
	for _, sk := range sinks {
		sk(s)
	}
	if s.err != nil {
		f.publish(s.err)
	}
}

// fail detaches an errored feed from the registry.
func (f *sharedFeed) fail(err error) {
	f.reg.mu.Lock()
	if f.reg.feeds[f.key] == f {
		delete(f.reg.feeds, f.key)
	}
	f.reg.mu.Unlock()

	f.reg.log.Warn().Err(err).Str("key", f.key).Msg("feed failed")
	f.shutdown()
}

func (f *sharedFeed) shutdown() {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		sf := f.storeFeed
		f.mu.Unlock()
		if sf != nil {
			sf.Stop()
		}
		metrics.FeedClosed(f.kind)
	})
}

func (f *sharedFeed) publish(err error) {
	perms := []string{"read"}
	if f.kind == kindQuery {
		perms = []string{"list"}
	}
	code := apperrors.CodeOf(err)

	e := events.NewEvent(events.TypeSubscriptionFailed, "livesync.registry")
	e.Path = string(f.target)
	e.Operation = perms[0]
	e.Code = code
	e.Message = err.Error()
	e.Permissions = perms
	e.Err = err
	if u := auth.GetUser(f.reg.ctx); u != nil {
		e = e.WithActor(u.ID)
	}

	metrics.RecordErrorEvent(e.Type, code)
	f.reg.errs.Publish(e)
}
