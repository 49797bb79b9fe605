package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/carebridge/telesync/internal/docstore"
	"github.com/carebridge/telesync/internal/shared/auth"
	"github.com/carebridge/telesync/internal/shared/config"
	apperrors "github.com/carebridge/telesync/internal/shared/errors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const waitTimeout = 2 * time.Second

var testAuth = config.AuthConfig{JWTSecret: "test-secret", Issuer: "telesync", TokenTTL: time.Hour}

// countingStore tracks feeds the server holds open
type countingStore struct {
	docstore.Store
	mu     sync.Mutex
	active int
}

type countedFeed struct {
	docstore.Feed
	once sync.Once
	s    *countingStore
}

func (f *countedFeed) Stop() {
	f.once.Do(func() {
		f.s.mu.Lock()
		f.s.active--
		f.s.mu.Unlock()
	})
	f.Feed.Stop()
}

func (s *countingStore) track(feed docstore.Feed, err error) (docstore.Feed, error) {
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.active++
	s.mu.Unlock()
	return &countedFeed{Feed: feed, s: s}, nil
}

func (s *countingStore) ListenDocument(ctx context.Context, p docstore.Path, fn docstore.DocumentFunc) (docstore.Feed, error) {
	return s.track(s.Store.ListenDocument(ctx, p, fn))
}

func (s *countingStore) ListenQuery(ctx context.Context, q docstore.Query, fn docstore.QueryFunc) (docstore.Feed, error) {
	return s.track(s.Store.ListenQuery(ctx, q, fn))
}

func (s *countingStore) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

type testServer struct {
	srv     *httptest.Server
	handler *Handler
	store   *countingStore
	url     string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem, err := docstore.NewMemStore()
	if err != nil {
		t.Fatalf("NewMemStore: %v", err)
	}
	t.Cleanup(mem.Wait)

	rules := docstore.RulesFunc(func(u *auth.User, a docstore.Access) bool {
		return !strings.HasPrefix(string(a.Path), "secret")
	})
	store := &countingStore{Store: docstore.Guard(mem, rules, zerolog.Nop())}
	handler := NewHandler(store)

	mux := http.NewServeMux()
	mux.Handle("/v1/realtime", auth.Middleware(testAuth)(handler))
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		handler.Close()
		srv.Close()
	})

	return &testServer{
		srv:     srv,
		handler: handler,
		store:   store,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/realtime",
	}
}

func (ts *testServer) dial(t *testing.T) *Client {
	t.Helper()
	token, err := auth.IssueToken(testAuth, auth.User{ID: "42", Role: auth.RoleCHW})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	c, err := Dial(context.Background(), ts.url, token)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

type docEvent struct {
	doc *docstore.Document
	err error
}

type queryEvent struct {
	docs []docstore.Document
	err  error
}

func nextDoc(t *testing.T, ch <-chan docEvent) docEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(waitTimeout):
		t.Fatal("Timed out waiting for document snapshot")
	}
	return docEvent{}
}

func nextQuery(t *testing.T, ch <-chan queryEvent) queryEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(waitTimeout):
		t.Fatal("Timed out waiting for query snapshot")
	}
	return queryEvent{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestClientDocumentRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)
	ctx := context.Background()

	ch := make(chan docEvent, 16)
	feed, err := c.ListenDocument(ctx, docstore.MustPath("user_profiles/42"), func(d *docstore.Document, err error) {
		ch <- docEvent{d, err}
	})
	if err != nil {
		t.Fatalf("ListenDocument: %v", err)
	}
	defer feed.Stop()

	if e := nextDoc(t, ch); e.err != nil || e.doc != nil {
		t.Fatalf("Expected absent document, got %+v", e)
	}

	path, err := c.Commit(ctx, docstore.Write{
		Path: docstore.MustPath("user_profiles/42"),
		Kind: docstore.KindSet,
		Data: docstore.Record{"firstName": "Asha", "role": "chw"},
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if path != "user_profiles/42" {
		t.Errorf("Expected path user_profiles/42, got %s", path)
	}

	e := nextDoc(t, ch)
	if e.err != nil || e.doc == nil {
		t.Fatalf("Expected document, got %+v", e)
	}
	if e.doc.ID != "42" || e.doc.Data["firstName"] != "Asha" {
		t.Errorf("Unexpected document: %+v", e.doc)
	}
}

func TestClientQueryRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)
	ctx := context.Background()

	tasks := docstore.MustPath("user_profiles/42/tasks")
	q := docstore.NewQuery(tasks).OrderBy("title", docstore.Asc)

	ch := make(chan queryEvent, 16)
	feed, err := c.ListenQuery(ctx, q, func(docs []docstore.Document, err error) {
		ch <- queryEvent{docs, err}
	})
	if err != nil {
		t.Fatalf("ListenQuery: %v", err)
	}
	defer feed.Stop()

	e := nextQuery(t, ch)
	if e.err != nil {
		t.Fatalf("Expected no error, got %v", e.err)
	}
	if e.docs == nil || len(e.docs) != 0 {
		t.Fatalf("Expected empty non-nil result, got %#v", e.docs)
	}

	path, err := c.Commit(ctx, docstore.Write{Path: tasks, Kind: docstore.KindCreate, Data: docstore.Record{"title": "Visit"}})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if path.Parent() != tasks {
		t.Errorf("Expected new document under %s, got %s", tasks, path)
	}

	e = nextQuery(t, ch)
	if len(e.docs) != 1 || e.docs[0].Path != path {
		t.Fatalf("Expected created task %s, got %+v", path, e.docs)
	}
}

func TestClientCommitErrorCarriesCode(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)

	_, err := c.Commit(context.Background(), docstore.Write{
		Path: docstore.MustPath("user_profiles/42/tasks/missing"),
		Kind: docstore.KindUpdate,
		Data: docstore.Record{"status": "completed"},
	})
	if code := apperrors.CodeOf(err); code != apperrors.CodeNotFound {
		t.Errorf("Expected code %s, got %s (%v)", apperrors.CodeNotFound, code, err)
	}
}

func TestClientPermissionDeniedListen(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)

	ch := make(chan docEvent, 16)
	feed, err := c.ListenDocument(context.Background(), docstore.MustPath("secret/1"), func(d *docstore.Document, err error) {
		ch <- docEvent{d, err}
	})
	if err != nil {
		t.Fatalf("ListenDocument: %v", err)
	}
	defer feed.Stop()

	e := nextDoc(t, ch)
	if code := apperrors.CodeOf(e.err); code != apperrors.CodePermissionDenied {
		t.Errorf("Expected code %s, got %s", apperrors.CodePermissionDenied, code)
	}
	if ts.store.Active() != 0 {
		t.Errorf("Expected no server feed, got %d", ts.store.Active())
	}
}

func TestDialRejectsBadToken(t *testing.T) {
	ts := newTestServer(t)

	_, err := Dial(context.Background(), ts.url, "not-a-token")
	if code := apperrors.CodeOf(err); code != apperrors.CodeUnauthenticated {
		t.Errorf("Expected code %s, got %s (%v)", apperrors.CodeUnauthenticated, code, err)
	}
}

func TestUnlistenStopsServerFeed(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)

	ch := make(chan docEvent, 16)
	feed, err := c.ListenDocument(context.Background(), docstore.MustPath("user_profiles/42"), func(d *docstore.Document, err error) {
		ch <- docEvent{d, err}
	})
	if err != nil {
		t.Fatalf("ListenDocument: %v", err)
	}
	nextDoc(t, ch)

	if ts.store.Active() != 1 {
		t.Fatalf("Expected 1 server feed, got %d", ts.store.Active())
	}
	feed.Stop()
	feed.Stop()
	waitFor(t, "server feed to stop", func() bool { return ts.store.Active() == 0 })
}

func TestServerStopsFeedsOnDisconnect(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)
	ctx := context.Background()

	for _, p := range []string{"user_profiles/42", "user_profiles/43"} {
		ch := make(chan docEvent, 16)
		if _, err := c.ListenDocument(ctx, docstore.MustPath(p), func(d *docstore.Document, err error) {
			ch <- docEvent{d, err}
		}); err != nil {
			t.Fatalf("ListenDocument: %v", err)
		}
		nextDoc(t, ch)
	}

	if ts.handler.ConnectionCount() != 1 {
		t.Fatalf("Expected 1 connection, got %d", ts.handler.ConnectionCount())
	}
	c.Close()

	waitFor(t, "server feeds to stop", func() bool { return ts.store.Active() == 0 })
	waitFor(t, "connection to close", func() bool { return ts.handler.ConnectionCount() == 0 })
}

func TestClientDisconnectFailsFeedsAndCommits(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)
	ctx := context.Background()

	ch := make(chan docEvent, 16)
	if _, err := c.ListenDocument(ctx, docstore.MustPath("user_profiles/42"), func(d *docstore.Document, err error) {
		ch <- docEvent{d, err}
	}); err != nil {
		t.Fatalf("ListenDocument: %v", err)
	}
	nextDoc(t, ch)

	ts.handler.Close()

	e := nextDoc(t, ch)
	if code := apperrors.CodeOf(e.err); code != apperrors.CodeUnavailable {
		t.Errorf("Expected code %s, got %s", apperrors.CodeUnavailable, code)
	}

	select {
	case <-c.Done():
	case <-time.After(waitTimeout):
		t.Fatal("Timed out waiting for client shutdown")
	}

	_, err := c.Commit(ctx, docstore.Write{Path: docstore.MustPath("user_profiles/42"), Kind: docstore.KindDelete})
	if code := apperrors.CodeOf(err); code != apperrors.CodeUnavailable {
		t.Errorf("Expected code %s, got %s", apperrors.CodeUnavailable, code)
	}
	if _, err := c.ListenDocument(ctx, docstore.MustPath("user_profiles/42"), func(*docstore.Document, error) {}); apperrors.CodeOf(err) != apperrors.CodeUnavailable {
		t.Errorf("Expected unavailable listen after disconnect, got %v", err)
	}
}

func TestServerRejectsBadFrames(t *testing.T) {
	ts := newTestServer(t)
	token, _ := auth.IssueToken(testAuth, auth.User{ID: "42", Role: auth.RoleCHW})

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, _, err := websocket.DefaultDialer.Dial(ts.url, header)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()

	read := func() Frame {
		t.Helper()
		ws.SetReadDeadline(time.Now().Add(waitTimeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		f, err := decodeFrame(data)
		if err != nil {
			t.Fatalf("decodeFrame: %v", err)
		}
		return f
	}

	tests := []struct {
		name     string
		message  string
		wantType FrameType
		wantCode string
	}{
		{"Malformed", "not json", FrameError, apperrors.CodeInvalidArgument},
		{"Unknown type", `{"type":"subscribe","id":"1"}`, FrameError, apperrors.CodeInvalidArgument},
		{"Missing id", `{"type":"listen_doc","path":"user_profiles/42"}`, FrameError, apperrors.CodeInvalidArgument},
		{"Collection path", `{"type":"listen_doc","id":"2","path":"user_profiles"}`, FrameError, apperrors.CodeInvalidArgument},
		{"Missing query", `{"type":"listen_query","id":"3"}`, FrameError, apperrors.CodeInvalidArgument},
		{"Missing write", `{"type":"commit","id":"4"}`, FrameCommitFailed, apperrors.CodeInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(tt.message)); err != nil {
				t.Fatalf("WriteMessage: %v", err)
			}
			f := read()
			if f.Type != tt.wantType {
				t.Errorf("Expected frame %s, got %s", tt.wantType, f.Type)
			}
			if f.Code != tt.wantCode {
				t.Errorf("Expected code %s, got %s", tt.wantCode, f.Code)
			}
		})
	}

	t.Run("Duplicate listen id", func(t *testing.T) {
		msg := []byte(`{"type":"listen_doc","id":"9","path":"user_profiles/42"}`)
		ws.WriteMessage(websocket.TextMessage, msg)
		if f := read(); f.Type != FrameDoc || f.ID != "9" {
			t.Fatalf("Expected doc frame for 9, got %+v", f)
		}
		ws.WriteMessage(websocket.TextMessage, msg)
		if f := read(); f.Type != FrameError || f.Code != apperrors.CodeInvalidArgument {
			t.Errorf("Expected invalid-argument error, got %+v", f)
		}
	})
}
