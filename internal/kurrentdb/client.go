package kurrentdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
)

// Client wraps the EventStore client with additional functionality.
type Client struct {
	db     *esdb.Client
	config *Config
	mu     sync.RWMutex
}

// NewClient creates a new KurrentDB client.
func NewClient(cfg *Config) (*Client, error) {
	settings, err := esdb.ParseConnectionString(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	db, err := esdb.NewClient(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	return &Client{
		db:     db,
		config: cfg,
	}, nil
}

// Connect establishes connection to KurrentDB and verifies it's ready.
func (c *Client) Connect(ctx context.Context) error {
	// Verify connection by reading server info
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// Try to read from a system stream to verify connection
	_, err := c.db.ReadStream(ctx, "$streams", esdb.ReadStreamOptions{
		From:      esdb.Start{},
		Direction: esdb.Forwards,
	}, 1)

	// ReadStream returns an iterator, not an error for missing streams
	// So we check if we can read at all
	if err != nil {
		return fmt.Errorf("failed to verify connection: %w", err)
	}

	return nil
}

// DB returns the underlying EventStore client.
func (c *Client) DB() *esdb.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}

// Close closes the client connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// HealthCheck verifies the connection is alive.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Try to read stream to verify connection is alive
	stream, err := c.db.ReadStream(ctx, "$streams", esdb.ReadStreamOptions{
		From:      esdb.Start{},
		Direction: esdb.Forwards,
	}, 1)

	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer stream.Close()

	return nil
}

// Append writes events to the end of a stream, creating it if needed.
func (c *Client) Append(ctx context.Context, stream string, events ...esdb.EventData) error {
	_, err := c.DB().AppendToStream(ctx, stream, esdb.AppendToStreamOptions{
		ExpectedRevision: esdb.Any{},
	}, events...)
	if err != nil {
		return fmt.Errorf("failed to append to %s: %w", stream, err)
	}
	return nil
}

// ReadRecent returns up to count of the latest events in a stream, newest
// first. A missing stream has no events.
func (c *Client) ReadRecent(ctx context.Context, stream string, count uint64) ([]*esdb.RecordedEvent, error) {
	readStream, err := c.DB().ReadStream(ctx, stream, esdb.ReadStreamOptions{
		From:      esdb.End{},
		Direction: esdb.Backwards,
	}, count)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	defer readStream.Close()

	var recorded []*esdb.RecordedEvent
	for {
		resolved, err := readStream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if isNotFound(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to read stream: %w", err)
		}
		if resolved.Event != nil {
			recorded = append(recorded, resolved.Event)
		}
	}
	return recorded, nil
}

// FromError reports ok only for a nil error.
func isNotFound(err error) bool {
	if esdbErr, ok := esdb.FromError(err); !ok {
		return esdbErr.Code() == esdb.ErrorCodeResourceNotFound
	}
	return false
}

// ErrorStream returns the stream configured for forwarded error events.
func (c *Client) ErrorStream() string {
	return c.config.ErrorStream
}
