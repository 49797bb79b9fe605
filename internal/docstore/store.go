package docstore

import (
	"context"
)

// Feed is a live listen registration. Stop is idempotent and does not wait
// for an in-flight callback to return, so it is safe to call from inside one.
type Feed interface {
	Stop()
}

// DocumentFunc receives document snapshots. A nil document with a nil error
// means the document does not exist. After an error the feed is terminal.
type DocumentFunc func(doc *Document, err error)

// QueryFunc receives the full ordered result set of a query on every change.
type QueryFunc func(docs []Document, err error)

// Store is a document store with live listens.
//
// Feeds deliver the current state first and then every change; callbacks
// for one feed are serial and in order, and intermediate states may be
// coalesced. The listen context carries the caller's identity and bounds
// setup only; the feed runs until stopped.
type Store interface {
	ListenDocument(ctx context.Context, path Path, fn DocumentFunc) (Feed, error)
	ListenQuery(ctx context.Context, q Query, fn QueryFunc) (Feed, error)
	// Commit applies a write and returns the path of the affected document.
	Commit(ctx context.Context, w Write) (Path, error)
}

// Get reads a document once through a listen. It returns nil when the
// document does not exist.
func Get(ctx context.Context, s Store, path Path) (*Document, error) {
	type result struct {
		doc *Document
		err error
	}
	ch := make(chan result, 1)
	feed, err := s.ListenDocument(ctx, path, func(doc *Document, err error) {
		select {
		case ch <- result{doc, err}:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer feed.Stop()

	select {
	case r := <-ch:
		return r.doc, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run evaluates a query once through a listen.
func Run(ctx context.Context, s Store, q Query) ([]Document, error) {
	type result struct {
		docs []Document
		err  error
	}
	ch := make(chan result, 1)
	feed, err := s.ListenQuery(ctx, q, func(docs []Document, err error) {
		select {
		case ch <- result{docs, err}:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer feed.Stop()

	select {
	case r := <-ch:
		return r.docs, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
