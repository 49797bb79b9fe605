package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/carebridge/telesync/internal/shared/errors"
	"github.com/carebridge/telesync/internal/shared/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// NotifyChannel is the LISTEN channel fed by the documents trigger.
const NotifyChannel = "document_changes"

// PGStore implements Store on PostgreSQL. Documents live in one jsonb
// table; a trigger publishes every change on NotifyChannel and open feeds
// re-read on notification.
type PGStore struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
	now  func() time.Time

	mu            sync.Mutex
	docWatchers   map[Path]map[uint64]*pgWatch
	queryWatchers map[uint64]*pgWatch
	nextWatcher   uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// pgWatch re-reads its target whenever triggered. Triggers coalesce.
type pgWatch struct {
	trigger chan struct{}
	ctx     context.Context
	cancel  context.CancelCauseFunc
	query   *Query
	refresh func(ctx context.Context) error
}

func (w *pgWatch) poke() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

type changeNotice struct {
	Op     string `json:"op"`
	Path   Path   `json:"path"`
	Parent Path   `json:"parent"`
}

// NewPGStore creates a PostgreSQL-backed store. Start must be called
// before feeds observe changes.
func NewPGStore(pool *pgxpool.Pool, log zerolog.Logger) *PGStore {
	return &PGStore{
		pool:          pool,
		log:           log.With().Str("component", "pgstore").Logger(),
		now:           time.Now,
		docWatchers:   make(map[Path]map[uint64]*pgWatch),
		queryWatchers: make(map[uint64]*pgWatch),
	}
}

// Start opens the notification listener.
func (s *PGStore) Start(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return apperrors.Unavailable("failed to acquire listener connection", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		conn.Release()
		return apperrors.Unavailable("failed to listen for document changes", err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.listen(lctx, conn)
	return nil
}

// Close stops the listener and terminates every open feed.
func (s *PGStore) Close() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.failAll(apperrors.Unavailable("document store closed", nil))
}

func (s *PGStore) listen(ctx context.Context, conn *pgxpool.Conn) {
	defer close(s.done)
	defer conn.Release()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error().Err(err).Msg("change listener failed")
			s.failAll(apperrors.Unavailable("lost connection to document store", err))
			return
		}

		var notice changeNotice
		if err := json.Unmarshal([]byte(n.Payload), &notice); err != nil {
			s.log.Warn().Err(err).Str("payload", n.Payload).Msg("ignoring malformed change notice")
			continue
		}
		s.dispatch(notice)
	}
}

func (s *PGStore) dispatch(notice changeNotice) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.docWatchers[notice.Path] {
		w.poke()
	}
	for _, w := range s.queryWatchers {
		if w.query.Collection == notice.Parent {
			w.poke()
		}
	}
}

// failAll delivers err to every open feed and forgets them.
func (s *PGStore) failAll(err error) {
	s.mu.Lock()
	var all []*pgWatch
	for _, ws := range s.docWatchers {
		for _, w := range ws {
			all = append(all, w)
		}
	}
	for _, w := range s.queryWatchers {
		all = append(all, w)
	}
	s.docWatchers = make(map[Path]map[uint64]*pgWatch)
	s.queryWatchers = make(map[uint64]*pgWatch)
	s.mu.Unlock()

	for _, w := range all {
		w.cancel(err)
	}
}

func (s *PGStore) startWatch(w *pgWatch, fail func(error)) {
	go func() {
		for {
			select {
			case <-w.ctx.Done():
				if cause := context.Cause(w.ctx); !errors.Is(cause, context.Canceled) {
					fail(cause)
				}
				return
			case <-w.trigger:
			}
			if err := w.refresh(w.ctx); err != nil {
				if w.ctx.Err() != nil {
					continue
				}
				fail(err)
				return
			}
		}
	}()
	w.poke()
}

func (s *PGStore) ListenDocument(ctx context.Context, path Path, fn DocumentFunc) (Feed, error) {
	if err := requireDocument(path); err != nil {
		return nil, err
	}

	s.mu.Lock()
	id := s.nextWatcher
	s.nextWatcher++
	s.mu.Unlock()

	wctx, cancel := context.WithCancelCause(context.Background())
	w := &pgWatch{trigger: make(chan struct{}, 1), ctx: wctx, cancel: cancel}

	loop := newFeedLoop(func(d *Document, err error) { fn(d, err) }, func() {
		cancel(context.Canceled)
		s.mu.Lock()
		defer s.mu.Unlock()
		if ws := s.docWatchers[path]; ws != nil {
			delete(ws, id)
			if len(ws) == 0 {
				delete(s.docWatchers, path)
			}
		}
	})
	w.refresh = func(ctx context.Context) error {
		doc, err := s.get(ctx, path)
		if err != nil {
			return err
		}
		loop.push(doc, nil)
		return nil
	}

	s.mu.Lock()
	if s.docWatchers[path] == nil {
		s.docWatchers[path] = make(map[uint64]*pgWatch)
	}
	s.docWatchers[path][id] = w
	s.mu.Unlock()

	s.startWatch(w, func(err error) { loop.push(nil, err) })
	return loop, nil
}

func (s *PGStore) ListenQuery(ctx context.Context, q Query, fn QueryFunc) (Feed, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	sql, args, err := buildQuerySQL(q)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	id := s.nextWatcher
	s.nextWatcher++
	s.mu.Unlock()

	wctx, cancel := context.WithCancelCause(context.Background())
	w := &pgWatch{trigger: make(chan struct{}, 1), ctx: wctx, cancel: cancel, query: &q}

	loop := newFeedLoop(func(docs []Document, err error) { fn(docs, err) }, func() {
		cancel(context.Canceled)
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.queryWatchers, id)
	})
	w.refresh = func(ctx context.Context) error {
		docs, err := s.run(ctx, sql, args)
		if err != nil {
			return err
		}
		loop.push(docs, nil)
		return nil
	}

	s.mu.Lock()
	s.queryWatchers[id] = w
	s.mu.Unlock()

	s.startWatch(w, func(err error) { loop.push(nil, err) })
	return loop, nil
}

func (s *PGStore) Commit(ctx context.Context, w Write) (Path, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("commit", time.Since(start)) }()

	target, err := w.Target()
	if err != nil {
		return "", err
	}
	w.Path = target

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", storeError(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	existing, err := scanDocument(target, tx.QueryRow(ctx, `
		SELECT data, created_at, updated_at
		FROM documents
		WHERE path = $1
		FOR UPDATE`, string(target)))
	if err != nil {
		return "", storeError(err, "failed to read document")
	}

	next, err := Apply(existing, w, s.now())
	if err != nil {
		return "", err
	}

	switch {
	case next == nil:
		_, err = tx.Exec(ctx, `DELETE FROM documents WHERE path = $1`, string(target))
	case existing == nil:
		var data []byte
		if data, err = json.Marshal(next.Data); err != nil {
			return "", apperrors.InvalidArgument(err.Error())
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO documents (path, parent, id, data, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			string(target), string(target.Parent()), target.ID(), data, next.CreateTime, next.UpdateTime,
		)
	default:
		var data []byte
		if data, err = json.Marshal(next.Data); err != nil {
			return "", apperrors.InvalidArgument(err.Error())
		}
		_, err = tx.Exec(ctx, `
			UPDATE documents SET data = $2, updated_at = $3
			WHERE path = $1`,
			string(target), data, next.UpdateTime,
		)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", apperrors.AlreadyExists("document", string(target))
		}
		return "", storeError(err, "failed to write document")
	}

	if err := tx.Commit(ctx); err != nil {
		return "", storeError(err, "failed to commit transaction")
	}
	return target, nil
}

func (s *PGStore) get(ctx context.Context, path Path) (*Document, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get", time.Since(start)) }()

	doc, err := scanDocument(path, s.pool.QueryRow(ctx, `
		SELECT data, created_at, updated_at
		FROM documents
		WHERE path = $1`, string(path)))
	if err != nil {
		return nil, storeError(err, "failed to read document")
	}
	return doc, nil
}

func (s *PGStore) run(ctx context.Context, sql string, args []any) ([]Document, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("query", time.Since(start)) }()

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, storeError(err, "failed to run query")
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		var (
			path string
			raw  []byte
			d    Document
		)
		if err := rows.Scan(&path, &raw, &d.CreateTime, &d.UpdateTime); err != nil {
			return nil, storeError(err, "failed to scan document")
		}
		if err := json.Unmarshal(raw, &d.Data); err != nil {
			return nil, apperrors.Internal(fmt.Errorf("decode %s: %w", path, err))
		}
		d.Path = Path(path)
		d.ID = d.Path.ID()
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(err, "failed to read query results")
	}
	return docs, nil
}

func scanDocument(path Path, row pgx.Row) (*Document, error) {
	var raw []byte
	d := &Document{ID: path.ID(), Path: path}
	err := row.Scan(&raw, &d.CreateTime, &d.UpdateTime)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &d.Data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return d, nil
}

// storeError maps driver failures onto store error codes.
func storeError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return apperrors.Wrap(err, msg)
	}
	return apperrors.Unavailable(msg, err)
}

// buildQuerySQL translates a query to SQL over the documents table.
// Field paths become jsonb path arrays; range filters only match values of
// the operand's JSON type.
func buildQuerySQL(q Query) (string, []any, error) {
	n := q.normalized()
	args := []any{string(n.Collection)}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	jsonArg := func(v any) (string, error) {
		raw, err := json.Marshal(v)
		if err != nil {
			return "", apperrors.InvalidArgument(err.Error())
		}
		return arg(raw) + "::jsonb", nil
	}
	field := func(name string) string {
		return "(data #> " + arg(strings.Split(name, ".")) + "::text[])"
	}

	var b strings.Builder
	b.WriteString("SELECT path, data, created_at, updated_at FROM documents WHERE parent = $1")

	for _, f := range n.Filters {
		col := field(f.Field)
		switch f.Op {
		case OpEqual, OpNotEqual:
			v, err := jsonArg(f.Value)
			if err != nil {
				return "", nil, err
			}
			op := "="
			if f.Op == OpNotEqual {
				op = "<>"
			}
			fmt.Fprintf(&b, " AND %s IS NOT NULL AND %s %s %s", col, col, op, v)
		case OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
			v, err := jsonArg(f.Value)
			if err != nil {
				return "", nil, err
			}
			fmt.Fprintf(&b, " AND jsonb_typeof(%s) = jsonb_typeof(%s) AND %s %s %s", col, v, col, string(f.Op), v)
		case OpIn:
			v, err := jsonArg(f.Value)
			if err != nil {
				return "", nil, err
			}
			fmt.Fprintf(&b, " AND %s IN (SELECT jsonb_array_elements(%s))", col, v)
		case OpArrayContains:
			v, err := jsonArg([]any{f.Value})
			if err != nil {
				return "", nil, err
			}
			fmt.Fprintf(&b, " AND jsonb_typeof(%s) = 'array' AND %s @> %s", col, col, v)
		}
	}

	for _, o := range n.Orders {
		fmt.Fprintf(&b, " AND %s IS NOT NULL", field(o.Field))
	}

	b.WriteString(" ORDER BY ")
	for _, o := range n.Orders {
		dir := "ASC"
		if o.Direction == Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&b, "%s %s, ", field(o.Field), dir)
	}
	b.WriteString("path ASC")

	if n.Limit > 0 {
		b.WriteString(" LIMIT " + arg(n.Limit))
	}
	return b.String(), args, nil
}

var _ Store = (*PGStore)(nil)
