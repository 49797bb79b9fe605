package realtime

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/carebridge/telesync/internal/docstore"
	apperrors "github.com/carebridge/telesync/internal/shared/errors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Client is a docstore.Store backed by one websocket connection to a
// realtime server. When the connection drops every open feed receives an
// unavailable error and every pending commit fails with unavailable.
type Client struct {
	ws  *websocket.Conn
	log zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	next    uint64
	listens map[string]listener
	commits map[string]chan commitResult
	closed  bool
	err     error
	done    chan struct{}
}

// ClientOption configures a Client
type ClientOption func(*clientOptions)

type clientOptions struct {
	log              zerolog.Logger
	handshakeTimeout time.Duration
}

// WithClientLogger sets the client logger
func WithClientLogger(log zerolog.Logger) ClientOption {
	return func(o *clientOptions) { o.log = log }
}

// WithHandshakeTimeout bounds the websocket handshake
func WithHandshakeTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.handshakeTimeout = d }
}

type commitResult struct {
	path docstore.Path
	err  error
}

type listener interface {
	deliver(f Frame)
	fail(err error)
}

type docListener struct {
	relay *docstore.Relay[*docstore.Document]
}

func (l docListener) deliver(f Frame) { l.relay.Push(f.Doc, nil) }
func (l docListener) fail(err error) { l.relay.Push(nil, err) }

type queryListener struct {
	relay *docstore.Relay[[]docstore.Document]
}

func (l queryListener) deliver(f Frame) {
	docs := f.Docs
	if docs == nil {
		docs = []docstore.Document{}
	}
	l.relay.Push(docs, nil)
}

func (l queryListener) fail(err error) { l.relay.Push(nil, err) }

// Dial connects to a realtime server. The token is sent as a bearer
// credential on the upgrade request.
func Dial(ctx context.Context, url, token string, opts ...ClientOption) (*Client, error) {
	o := clientOptions{log: zerolog.Nop(), handshakeTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: o.handshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, apperrors.Unauthenticated("realtime server rejected the token")
			case http.StatusForbidden:
				return nil, apperrors.PermissionDenied(url, "connect")
			}
		}
		return nil, apperrors.Unavailable("failed to connect to realtime server", err)
	}

	c := &Client{
		ws:      ws,
		log:     o.log.With().Str("component", "realtime-client").Logger(),
		listens: make(map[string]listener),
		commits: make(map[string]chan commitResult),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()

	c.shutdown(apperrors.Unavailable("realtime client closed", nil))
	return c.ws.Close()
}

func (c *Client) ListenDocument(ctx context.Context, path docstore.Path, fn docstore.DocumentFunc) (docstore.Feed, error) {
	if !path.IsDocument() {
		return nil, apperrors.InvalidArgument("not a document path: " + string(path))
	}

	id := c.nextID()
	relay := docstore.NewRelay(func(d *docstore.Document, err error) { fn(d, err) }, func() { c.unlisten(id) })
	if err := c.listen(id, docListener{relay}, Frame{Type: FrameListenDoc, ID: id, Path: path}); err != nil {
		relay.Stop()
		return nil, err
	}
	return relay, nil
}

func (c *Client) ListenQuery(ctx context.Context, q docstore.Query, fn docstore.QueryFunc) (docstore.Feed, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	id := c.nextID()
	relay := docstore.NewRelay(func(docs []docstore.Document, err error) { fn(docs, err) }, func() { c.unlisten(id) })
	if err := c.listen(id, queryListener{relay}, Frame{Type: FrameListenQuery, ID: id, Query: &q}); err != nil {
		relay.Stop()
		return nil, err
	}
	return relay, nil
}

func (c *Client) Commit(ctx context.Context, w docstore.Write) (docstore.Path, error) {
	if err := w.Validate(); err != nil {
		return "", err
	}

	id := c.nextID()
	ch := make(chan commitResult, 1)

	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		return "", err
	}
	c.commits[id] = ch
	c.mu.Unlock()

	if err := c.write(Frame{Type: FrameCommit, ID: id, Write: &w}); err != nil {
		c.dropCommit(id)
		return "", err
	}

	select {
	case r := <-ch:
		return r.path, r.err
	case <-ctx.Done():
		c.dropCommit(id)
		return "", ctx.Err()
	}
}

func (c *Client) nextID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	return strconv.FormatUint(c.next, 10)
}

func (c *Client) listen(id string, l listener, f Frame) error {
	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.listens[id] = l
	c.mu.Unlock()

	if err := c.write(f); err != nil {
		c.mu.Lock()
		delete(c.listens, id)
		c.mu.Unlock()
		return err
	}
	return nil
}

// unlisten runs when a feed stops. Feeds already ended by the server or
// by a disconnect are no longer registered and need no frame.
func (c *Client) unlisten(id string) {
	c.mu.Lock()
	_, ok := c.listens[id]
	delete(c.listens, id)
	closed := c.closed
	c.mu.Unlock()

	if ok && !closed {
		if err := c.write(Frame{Type: FrameUnlisten, ID: id}); err != nil {
			c.log.Debug().Err(err).Str("listen_id", id).Msg("failed to send unlisten")
		}
	}
}

func (c *Client) dropCommit(id string) {
	c.mu.Lock()
	delete(c.commits, id)
	c.mu.Unlock()
}

func (c *Client) write(f Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return apperrors.InvalidArgument("failed to encode frame: " + err.Error())
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return apperrors.Unavailable("failed to send frame", err)
	}
	return nil
}

func (c *Client) readLoop() {
	c.ws.SetReadLimit(maxFrameSize)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(apperrors.Unavailable("realtime connection lost", err))
			return
		}

		f, err := decodeFrame(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f Frame) {
	switch f.Type {
	case FrameDoc, FrameDocs:
		c.mu.Lock()
		l, ok := c.listens[f.ID]
		c.mu.Unlock()
		if ok {
			l.deliver(f)
		}

	case FrameError:
		c.mu.Lock()
		l, ok := c.listens[f.ID]
		delete(c.listens, f.ID)
		c.mu.Unlock()
		if !ok {
			c.log.Warn().Str("listen_id", f.ID).Str("code", f.Code).Str("message", f.Message).Msg("server reported an error")
			return
		}
		l.fail(apperrors.FromCode(f.Code, f.Message))

	case FrameCommitted, FrameCommitFailed:
		c.mu.Lock()
		ch, ok := c.commits[f.ID]
		delete(c.commits, f.ID)
		c.mu.Unlock()
		if !ok {
			return
		}
		if f.Type == FrameCommitted {
			ch <- commitResult{path: f.Path}
		} else {
			ch <- commitResult{err: apperrors.FromCode(f.Code, f.Message)}
		}

	default:
		c.log.Debug().Str("type", string(f.Type)).Msg("ignoring unknown frame")
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	listens := c.listens
	commits := c.commits
	c.listens = make(map[string]listener)
	c.commits = make(map[string]chan commitResult)
	c.mu.Unlock()

	close(c.done)
	for _, l := range listens {
		l.fail(err)
	}
	for _, ch := range commits {
		ch <- commitResult{err: err}
	}
	c.log.Debug().Err(err).Int("listens", len(listens)).Int("commits", len(commits)).Msg("realtime client shut down")
}

var _ docstore.Store = (*Client)(nil)
