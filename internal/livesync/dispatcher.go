package livesync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/carebridge/telesync/internal/docstore"
	"github.com/carebridge/telesync/internal/shared/auth"
	apperrors "github.com/carebridge/telesync/internal/shared/errors"
	"github.com/carebridge/telesync/internal/shared/events"
	"github.com/carebridge/telesync/internal/shared/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Intent is a write submitted to the dispatcher.
type Intent struct {
	ID       string
	Write    docstore.Write
	Enqueued time.Time
}

// Dispatcher applies writes without making callers wait. Every intent is
// queued and executed by a worker pool; a failed write produces exactly
// one sync.write.failed event and a successful one produces none.
//
// Writes run under the identity of the dispatcher context but outlive its
// cancellation.
type Dispatcher struct {
	ctx     context.Context
	store   docstore.Store
	errs    events.Publisher
	log     zerolog.Logger
	limiter *rate.Limiter
	timeout time.Duration
	workers int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Intent
	closed bool
	wg     sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithWorkers sets the number of concurrent writers.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithRateLimit throttles commits. A non-positive limit disables throttling.
func WithRateLimit(limit float64, burst int) DispatcherOption {
	return func(d *Dispatcher) {
		if limit <= 0 {
			d.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(limit), burst)
	}
}

// WithWriteTimeout bounds each commit, including time spent throttled.
func WithWriteTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithDispatcherLogger sets the dispatcher logger.
func WithDispatcherLogger(log zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = log }
}

// NewDispatcher starts a dispatcher committing to store.
func NewDispatcher(ctx context.Context, store docstore.Store, errs events.Publisher, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		ctx:     context.WithoutCancel(ctx),
		store:   store,
		errs:    errs,
		log:     zerolog.Nop(),
		timeout: 15 * time.Second,
		workers: 4,
	}
	d.cond = sync.NewCond(&d.mu)
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With().Str("component", "dispatcher").Logger()

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// Dispatch submits a write and returns immediately.
func (d *Dispatcher) Dispatch(path docstore.Path, kind docstore.Kind, payload docstore.Record) {
	d.DispatchWrite(docstore.Write{Path: path, Kind: kind, Data: payload})
}

// DispatchWrite submits a fully specified write and returns immediately.
func (d *Dispatcher) DispatchWrite(w docstore.Write) {
	intent := Intent{ID: uuid.New().String(), Write: w, Enqueued: time.Now()}
	metrics.RecordWriteDispatched(string(w.Kind))

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.fail(intent, apperrors.Unavailable("write dispatcher is closed", nil))
		return
	}
	d.queue = append(d.queue, intent)
	metrics.SetWriteQueueDepth(len(d.queue))
	d.cond.Signal()
	d.mu.Unlock()
}

// Create adds a document with a generated id to collection.
func (d *Dispatcher) Create(collection docstore.Path, data docstore.Record) {
	d.Dispatch(collection, docstore.KindCreate, data)
}

// Set replaces a document.
func (d *Dispatcher) Set(path docstore.Path, data docstore.Record) {
	d.Dispatch(path, docstore.KindSet, data)
}

// Merge deep-merges data into a document, creating it if needed.
func (d *Dispatcher) Merge(path docstore.Path, data docstore.Record) {
	d.DispatchWrite(docstore.Write{Path: path, Kind: docstore.KindSet, Data: data, Merge: true})
}

// Update changes fields of an existing document.
func (d *Dispatcher) Update(path docstore.Path, data docstore.Record) {
	d.Dispatch(path, docstore.KindUpdate, data)
}

// Delete removes a document.
func (d *Dispatcher) Delete(path docstore.Path) {
	d.Dispatch(path, docstore.KindDelete, nil)
}

// Pending returns the number of queued intents.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Close stops intake and waits until every queued intent has run or ctx
// is done. Intents dispatched after Close fail with code unavailable.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for {
		intent, ok := d.next()
		if !ok {
			return
		}
		d.execute(intent)
	}
}

func (d *Dispatcher) next() (Intent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.queue) == 0 && !d.closed {
		d.cond.Wait()
	}
	if len(d.queue) == 0 {
		return Intent{}, false
	}
	intent := d.queue[0]
	d.queue[0] = Intent{}
	d.queue = d.queue[1:]
	metrics.SetWriteQueueDepth(len(d.queue))
	return intent, true
}

func (d *Dispatcher) execute(intent Intent) {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	err := d.commit(ctx, intent.Write)
	metrics.RecordWriteCompleted(string(intent.Write.Kind), err == nil, time.Since(intent.Enqueued))
	if err != nil {
		d.fail(intent, err)
		return
	}
	d.log.Debug().
		Str("intent_id", intent.ID).
		Str("path", string(intent.Write.Path)).
		Str("operation", string(intent.Write.Kind)).
		Dur("latency", time.Since(intent.Enqueued)).
		Msg("write applied")
}

func (d *Dispatcher) commit(ctx context.Context, w docstore.Write) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.Internal(fmt.Errorf("write panicked: %v", r))
		}
	}()
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	_, err = d.store.Commit(ctx, w)
	return err
}

func (d *Dispatcher) fail(intent Intent, err error) {
	code := apperrors.CodeOf(err)

	e := events.NewEvent(events.TypeWriteFailed, "livesync.dispatcher").WithCorrelation(intent.ID)
	e.Path = string(intent.Write.Path)
	e.Operation = string(intent.Write.Kind)
	e.Code = code
	e.Message = err.Error()
	e.PayloadShape = PayloadShape(intent.Write.Data)
	e.Err = err
	if u := auth.GetUser(d.ctx); u != nil {
		e = e.WithActor(u.ID)
	}

	d.log.Warn().
		Err(err).
		Str("intent_id", intent.ID).
		Str("path", e.Path).
		Str("operation", e.Operation).
		Str("code", code).
		Msg("write failed")

	metrics.RecordErrorEvent(e.Type, code)
	d.errs.Publish(e)
}

// PayloadShape summarizes a payload by field names and value kinds, e.g.
// "{priority:string, status:string}", without exposing values.
func PayloadShape(r docstore.Record) string {
	return shapeOf(map[string]any(r))
}

func shapeOf(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case docstore.Sentinel:
		return string(t)
	case docstore.Record:
		return shapeOf(map[string]any(t))
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ":" + shapeOf(t[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case []any:
		return "list"
	case string:
		return "string"
	case bool:
		return "bool"
	case time.Time, *time.Time:
		return "timestamp"
	case float32, float64, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}
