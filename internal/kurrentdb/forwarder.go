package kurrentdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/carebridge/telesync/internal/shared/events"
	"github.com/carebridge/telesync/internal/shared/metrics"
	"github.com/rs/zerolog"
)

// DefaultErrorStream receives forwarded error events when none is configured.
const DefaultErrorStream = "telesync-sync-errors"

// Appender appends events to a stream. *Client implements it.
type Appender interface {
	Append(ctx context.Context, stream string, events ...esdb.EventData) error
}

// Forwarder copies events from the error channel into a KurrentDB stream so
// failures from every process land in one place. Listeners run in the
// publisher's goroutine, so events are buffered and appended by a worker;
// when the buffer is full new events are dropped and counted.
type Forwarder struct {
	appender Appender
	stream   string
	timeout  time.Duration
	log      zerolog.Logger

	queue chan events.Event
	mu    sync.Mutex
	unsub []func()
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// ForwarderOption configures a Forwarder
type ForwarderOption func(*Forwarder)

// WithForwarderLogger sets the forwarder logger
func WithForwarderLogger(log zerolog.Logger) ForwarderOption {
	return func(f *Forwarder) { f.log = log }
}

// WithBuffer sets how many events may wait for the worker
func WithBuffer(n int) ForwarderOption {
	return func(f *Forwarder) { f.queue = make(chan events.Event, n) }
}

// WithAppendTimeout bounds each append
func WithAppendTimeout(d time.Duration) ForwarderOption {
	return func(f *Forwarder) { f.timeout = d }
}

// NewForwarder starts a forwarder appending to stream.
func NewForwarder(appender Appender, stream string, opts ...ForwarderOption) *Forwarder {
	if stream == "" {
		stream = DefaultErrorStream
	}
	f := &Forwarder{
		appender: appender,
		stream:   stream,
		timeout:  5 * time.Second,
		log:      zerolog.Nop(),
		queue:    make(chan events.Event, 1024),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.log = f.log.With().Str("component", "kurrentdb-forwarder").Str("stream", stream).Logger()
	go f.run()
	return f
}

// Attach subscribes the forwarder to an error channel.
func (f *Forwarder) Attach(sub events.Subscriber) {
	unsubscribe := sub.Subscribe(f.enqueue)
	f.mu.Lock()
	f.unsub = append(f.unsub, unsubscribe)
	f.mu.Unlock()
}

func (f *Forwarder) enqueue(e events.Event) {
	select {
	case <-f.quit:
		return
	default:
	}
	select {
	case f.queue <- e:
	default:
		metrics.RecordEventForwarded(false)
		f.log.Warn().Str("event_id", e.ID).Str("type", e.Type).Msg("forward buffer full, dropping event")
	}
}

func (f *Forwarder) run() {
	defer close(f.done)
	for {
		select {
		case e := <-f.queue:
			f.forward(e)
		case <-f.quit:
			for {
				select {
				case e := <-f.queue:
					f.forward(e)
				default:
					return
				}
			}
		}
	}
}

func (f *Forwarder) forward(e events.Event) {
	data, err := EventData(e)
	if err != nil {
		metrics.RecordEventForwarded(false)
		f.log.Error().Err(err).Str("event_id", e.ID).Msg("failed to encode event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	if err := f.appender.Append(ctx, f.stream, data); err != nil {
		metrics.RecordEventForwarded(false)
		f.log.Error().Err(err).Str("event_id", e.ID).Str("type", e.Type).Msg("failed to forward event")
		return
	}
	metrics.RecordEventForwarded(true)
}

// Close detaches from every channel and appends what is still buffered.
// It returns ctx.Err() if draining does not finish in time.
func (f *Forwarder) Close(ctx context.Context) error {
	f.once.Do(func() {
		f.mu.Lock()
		for _, unsubscribe := range f.unsub {
			unsubscribe()
		}
		f.unsub = nil
		f.mu.Unlock()
		close(f.quit)
	})

	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// eventMetadata is stored alongside each forwarded event
type eventMetadata struct {
	Source        string `json:"source"`
	ActorID       string `json:"actor_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

// EventData converts an error channel event into a KurrentDB event.
func EventData(e events.Event) (esdb.EventData, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return esdb.EventData{}, fmt.Errorf("failed to marshal event data: %w", err)
	}

	md := eventMetadata{Source: e.Source, ActorID: e.ActorID, CorrelationID: e.CorrelationID}
	if e.Err != nil {
		md.Error = e.Err.Error()
	}
	metadata, err := json.Marshal(md)
	if err != nil {
		return esdb.EventData{}, fmt.Errorf("failed to marshal event metadata: %w", err)
	}

	return esdb.EventData{
		EventID:     toUUID(e.ID),
		EventType:   e.Type,
		ContentType: esdb.ContentTypeJson,
		Data:        data,
		Metadata:    metadata,
	}, nil
}

// DecodeEvent reads back an event appended by a Forwarder.
func DecodeEvent(recorded *esdb.RecordedEvent) (events.Event, error) {
	var e events.Event
	if err := json.Unmarshal(recorded.Data, &e); err != nil {
		return events.Event{}, fmt.Errorf("failed to unmarshal event %s: %w", recorded.EventID, err)
	}
	if e.ID == "" {
		e.ID = recorded.EventID.String()
	}
	if e.Type == "" {
		e.Type = recorded.EventType
	}
	return e, nil
}

var _ Appender = (*Client)(nil)
