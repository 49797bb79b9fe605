package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/carebridge/telesync/internal/docstore"
	"github.com/carebridge/telesync/internal/shared/auth"
	apperrors "github.com/carebridge/telesync/internal/shared/errors"
	"github.com/carebridge/telesync/internal/shared/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Handler upgrades authenticated requests to websocket connections and
// serves a store over them. Listens and commits run under the principal
// of the upgrade request, so the store is normally a GuardedStore.
type Handler struct {
	store         docstore.Store
	log           zerolog.Logger
	upgrader      websocket.Upgrader
	commitTimeout time.Duration

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// HandlerOption configures a Handler
type HandlerOption func(*Handler)

// WithHandlerLogger sets the handler logger
func WithHandlerLogger(log zerolog.Logger) HandlerOption {
	return func(h *Handler) { h.log = log }
}

// WithCommitTimeout bounds each commit received from a client
func WithCommitTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) { h.commitTimeout = d }
}

// WithCheckOrigin overrides the upgrade origin check
func WithCheckOrigin(fn func(r *http.Request) bool) HandlerOption {
	return func(h *Handler) { h.upgrader.CheckOrigin = fn }
}

// NewHandler creates a websocket handler serving store
func NewHandler(store docstore.Store, opts ...HandlerOption) *Handler {
	h := &Handler{
		store:         store,
		log:           zerolog.Nop(),
		commitTimeout: 15 * time.Second,
		conns:         make(map[*conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Browser clients authenticate with a bearer token, not cookies
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With().Str("component", "realtime").Logger()
	return h
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(auth.WithUser(context.Background(), user))
	c := &conn{
		id:      uuid.New().String(),
		h:       h,
		ws:      ws,
		ctx:     ctx,
		cancel:  cancel,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		listens: make(map[string]docstore.Feed),
	}
	c.log = h.log.With().Str("conn_id", c.id).Str("user_id", user.ID).Logger()

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	metrics.RealtimeConnected()
	c.log.Info().Msg("realtime connection opened")

	go c.writePump()
	go c.readPump()
}

// ConnectionCount returns the number of open connections
func (h *Handler) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close drops every open connection
func (h *Handler) Close() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func (h *Handler) remove(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// conn is one client connection. Frames are written only by writePump,
// which also owns closing the socket.
type conn struct {
	id     string
	h      *Handler
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	log    zerolog.Logger

	mu      sync.Mutex
	listens map[string]docstore.Feed
	closed  bool
}

func (c *conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("realtime connection read failed")
			}
			return
		}

		f, err := decodeFrame(data)
		if err != nil {
			c.reply(errorFrame(FrameError, "", apperrors.InvalidArgument("malformed frame")))
			continue
		}
		c.handle(f)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *conn) handle(f Frame) {
	switch f.Type {
	case FrameListenDoc:
		c.listenDoc(f)
	case FrameListenQuery:
		c.listenQuery(f)
	case FrameUnlisten:
		c.unlisten(f.ID)
	case FrameCommit:
		c.commit(f)
	default:
		c.reply(errorFrame(FrameError, f.ID, apperrors.InvalidArgument("unknown frame type "+string(f.Type))))
	}
}

func (c *conn) listenDoc(f Frame) {
	if !c.reserve(f.ID) {
		return
	}
	path, err := docstore.ParsePath(string(f.Path))
	if err != nil {
		c.fail(f.ID, err)
		return
	}

	id := f.ID
	feed, err := c.h.store.ListenDocument(c.ctx, path, func(doc *docstore.Document, err error) {
		if err != nil {
			c.reply(errorFrame(FrameError, id, err))
			return
		}
		c.reply(Frame{Type: FrameDoc, ID: id, Doc: doc})
	})
	if err != nil {
		c.fail(id, err)
		return
	}
	c.bind(id, feed)
}

func (c *conn) listenQuery(f Frame) {
	if !c.reserve(f.ID) {
		return
	}
	if f.Query == nil {
		c.fail(f.ID, apperrors.InvalidArgument("listen_query requires a query"))
		return
	}

	id := f.ID
	feed, err := c.h.store.ListenQuery(c.ctx, *f.Query, func(docs []docstore.Document, err error) {
		if err != nil {
			c.reply(errorFrame(FrameError, id, err))
			return
		}
		c.reply(Frame{Type: FrameDocs, ID: id, Docs: docs})
	})
	if err != nil {
		c.fail(id, err)
		return
	}
	c.bind(id, feed)
}

// reserve claims a listen id. A nil feed marks a listen being opened.
func (c *conn) reserve(id string) bool {
	if id == "" {
		c.reply(errorFrame(FrameError, id, apperrors.InvalidArgument("listen requires an id")))
		return false
	}
	c.mu.Lock()
	_, taken := c.listens[id]
	ok := !c.closed && !taken
	if ok {
		c.listens[id] = nil
	}
	c.mu.Unlock()

	if taken {
		c.reply(errorFrame(FrameError, id, apperrors.InvalidArgument("listen id "+id+" is already in use")))
	}
	return ok
}

func (c *conn) bind(id string, feed docstore.Feed) {
	c.mu.Lock()
	_, reserved := c.listens[id]
	if c.closed || !reserved {
		c.mu.Unlock()
		feed.Stop()
		return
	}
	c.listens[id] = feed
	c.mu.Unlock()
}

func (c *conn) fail(id string, err error) {
	c.mu.Lock()
	delete(c.listens, id)
	c.mu.Unlock()
	c.reply(errorFrame(FrameError, id, err))
}

func (c *conn) unlisten(id string) {
	c.mu.Lock()
	feed, ok := c.listens[id]
	delete(c.listens, id)
	c.mu.Unlock()
	if ok && feed != nil {
		feed.Stop()
	}
}

func (c *conn) commit(f Frame) {
	if f.Write == nil {
		c.reply(errorFrame(FrameCommitFailed, f.ID, apperrors.InvalidArgument("commit requires a write")))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.h.commitTimeout)
		defer cancel()

		path, err := c.h.store.Commit(ctx, *f.Write)
		if err != nil {
			c.log.Debug().Err(err).Str("path", string(f.Write.Path)).Str("kind", string(f.Write.Kind)).Msg("commit failed")
			c.reply(errorFrame(FrameCommitFailed, f.ID, err))
			return
		}
		c.reply(Frame{Type: FrameCommitted, ID: f.ID, Path: path})
	}()
}

// reply queues a frame for writePump. A client that cannot keep up is
// disconnected; dropping a snapshot would leave it with stale state.
func (c *conn) reply(f Frame) {
	data, err := encodeFrame(f)
	if err != nil {
		c.log.Error().Err(err).Str("type", string(f.Type)).Msg("failed to encode frame")
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.log.Warn().Msg("realtime send buffer full, closing connection")
		c.close()
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		feeds := make([]docstore.Feed, 0, len(c.listens))
		for _, feed := range c.listens {
			if feed != nil {
				feeds = append(feeds, feed)
			}
		}
		c.listens = make(map[string]docstore.Feed)
		c.mu.Unlock()

		close(c.done)
		for _, feed := range feeds {
			feed.Stop()
		}
		c.cancel()

		c.h.remove(c)
		metrics.RealtimeDisconnected()
		c.log.Info().Int("listens", len(feeds)).Msg("realtime connection closed")
	})
}

func errorFrame(t FrameType, id string, err error) Frame {
	code := apperrors.CodeOf(err)
	return Frame{Type: t, ID: id, Code: code, Message: err.Error()}
}
