package livesync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/carebridge/telesync/internal/docstore"
	"github.com/carebridge/telesync/internal/shared/events"
	"github.com/rs/zerolog"
)

// fakeStore records listens and lets tests drive deliveries by hand.
type fakeStore struct {
	mu        sync.Mutex
	feeds     []*fakeFeed
	listenErr error
	commit    func(ctx context.Context, w docstore.Write) (docstore.Path, error)
}

type fakeFeed struct {
	key     string
	docFn   docstore.DocumentFunc
	queryFn docstore.QueryFunc

	mu    sync.Mutex
	stops int
}

func (f *fakeFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeFeed) stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops > 0
}

func (s *fakeStore) ListenDocument(ctx context.Context, path docstore.Path, fn docstore.DocumentFunc) (docstore.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listenErr != nil {
		return nil, s.listenErr
	}
	f := &fakeFeed{key: "doc:" + string(path), docFn: fn}
	s.feeds = append(s.feeds, f)
	return f, nil
}

func (s *fakeStore) ListenQuery(ctx context.Context, q docstore.Query, fn docstore.QueryFunc) (docstore.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listenErr != nil {
		return nil, s.listenErr
	}
	f := &fakeFeed{key: q.Key(), queryFn: fn}
	s.feeds = append(s.feeds, f)
	return f, nil
}

func (s *fakeStore) Commit(ctx context.Context, w docstore.Write) (docstore.Path, error) {
	if s.commit != nil {
		return s.commit(ctx, w)
	}
	return w.Path, nil
}

func (s *fakeStore) listens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.feeds)
}

func (s *fakeStore) feed(i int) *fakeFeed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feeds[i]
}

// eventLog collects published events.
type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Publish(e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]events.Event(nil), l.events...)
}

func newTestRegistry(store docstore.Store) (*Registry, *eventLog) {
	log := &eventLog{}
	return NewRegistry(context.Background(), store, log, WithLogger(zerolog.Nop())), log
}

func mustDoc(t *testing.T, path string) *DocRef {
	t.Helper()
	ref, err := Doc(docstore.MustPath(path))
	if err != nil {
		t.Fatalf("Doc(%s): %v", path, err)
	}
	return ref
}

func mustQuery(t *testing.T, q docstore.Query) *QueryRef {
	t.Helper()
	ref, err := NewQueryRef(q)
	if err != nil {
		t.Fatalf("NewQueryRef: %v", err)
	}
	return ref
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
