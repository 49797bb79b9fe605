package docstore

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MemStore is an embedded thread-safe Store. Writes can be persisted to
// disk in the background through a Persistence.
type MemStore struct {
	mu   sync.RWMutex
	docs map[Path]*Document

	docWatchers   map[Path]map[uint64]*feedLoop[*Document]
	queryWatchers map[uint64]*queryWatch
	nextWatcher   uint64

	// versions counts commits per root collection for persistence ordering
	versions  map[string]uint64
	persister *Persistence
	wg        sync.WaitGroup

	now func() time.Time
	log zerolog.Logger
}

type queryWatch struct {
	query Query
	loop  *feedLoop[[]Document]
}

// MemOption configures a MemStore.
type MemOption func(*MemStore)

// WithPersistence saves every commit to disk and seeds the store from it.
func WithPersistence(p *Persistence) MemOption {
	return func(m *MemStore) { m.persister = p }
}

// WithClock overrides the commit clock.
func WithClock(now func() time.Time) MemOption {
	return func(m *MemStore) { m.now = now }
}

// WithMemLogger sets the store logger.
func WithMemLogger(log zerolog.Logger) MemOption {
	return func(m *MemStore) { m.log = log }
}

// NewMemStore initializes a store, loading persisted documents when a
// persister is configured.
func NewMemStore(opts ...MemOption) (*MemStore, error) {
	m := &MemStore{
		docs:          make(map[Path]*Document),
		docWatchers:   make(map[Path]map[uint64]*feedLoop[*Document]),
		queryWatchers: make(map[uint64]*queryWatch),
		versions:      make(map[string]uint64),
		now:           time.Now,
		log:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.persister != nil {
		loaded, err := m.persister.LoadAll()
		if err != nil {
			return nil, err
		}
		for path, doc := range loaded {
			d := doc
			m.docs[path] = &d
		}
		m.log.Info().Int("documents", len(loaded)).Str("dir", m.persister.DataDir).Msg("memory store loaded")
	}
	return m, nil
}

// Wait waits for all background persistence tasks to complete.
func (m *MemStore) Wait() {
	m.wg.Wait()
}

// Len returns the number of stored documents.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func (m *MemStore) ListenDocument(ctx context.Context, path Path, fn DocumentFunc) (Feed, error) {
	if err := requireDocument(path); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextWatcher
	m.nextWatcher++
	loop := newFeedLoop(func(d *Document, err error) { fn(d, err) }, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if ws := m.docWatchers[path]; ws != nil {
			delete(ws, id)
			if len(ws) == 0 {
				delete(m.docWatchers, path)
			}
		}
	})
	if m.docWatchers[path] == nil {
		m.docWatchers[path] = make(map[uint64]*feedLoop[*Document])
	}
	m.docWatchers[path][id] = loop
	loop.push(m.snapshotLocked(path), nil)
	return loop, nil
}

func (m *MemStore) ListenQuery(ctx context.Context, q Query, fn QueryFunc) (Feed, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextWatcher
	m.nextWatcher++
	loop := newFeedLoop(func(docs []Document, err error) { fn(docs, err) }, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.queryWatchers, id)
	})
	m.queryWatchers[id] = &queryWatch{query: q, loop: loop}
	loop.push(m.evaluateLocked(q), nil)
	return loop, nil
}

func (m *MemStore) Commit(ctx context.Context, w Write) (Path, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target, err := w.Target()
	if err != nil {
		return "", err
	}
	w.Path = target

	m.mu.Lock()
	existing := m.docs[target]
	next, err := Apply(existing, w, m.now())
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	if next == nil {
		delete(m.docs, target)
	} else {
		m.docs[target] = next
	}
	m.notifyLocked(target, existing, next)

	var (
		root     string
		version  uint64
		snapshot map[Path]Document
	)
	if m.persister != nil {
		root = target.Root()
		m.versions[root]++
		version = m.versions[root]
		snapshot = m.copyRootLocked(root)
	}
	m.mu.Unlock()

	// Persist in background
	if m.persister != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.persister.SaveCollection(root, version, snapshot); err != nil {
				m.log.Error().Err(err).Str("collection", root).Msg("failed to persist collection")
			}
		}()
	}

	return target, nil
}

func (m *MemStore) snapshotLocked(path Path) *Document {
	d, ok := m.docs[path]
	if !ok {
		return nil
	}
	c := d.Clone()
	return &c
}

func (m *MemStore) evaluateLocked(q Query) []Document {
	var candidates []Document
	for path, d := range m.docs {
		if path.Parent() == q.Collection {
			candidates = append(candidates, d.Clone())
		}
	}
	return q.Apply(candidates)
}

func (m *MemStore) notifyLocked(path Path, before, after *Document) {
	for _, loop := range m.docWatchers[path] {
		loop.push(m.snapshotLocked(path), nil)
	}
	for _, qw := range m.queryWatchers {
		if qw.query.Collection != path.Parent() {
			continue
		}
		was := before != nil && qw.query.Match(*before)
		is := after != nil && qw.query.Match(*after)
		if !was && !is {
			continue
		}
		qw.loop.push(m.evaluateLocked(qw.query), nil)
	}
}

// copyRootLocked deep copies every document under a root collection.
func (m *MemStore) copyRootLocked(root string) map[Path]Document {
	out := make(map[Path]Document)
	for path, d := range m.docs {
		if path.Root() == root {
			out[path] = d.Clone()
		}
	}
	return out
}

var _ Store = (*MemStore)(nil)
