// Package livesync keeps application state in step with a document store:
// memoized handles, ref-counted live subscriptions and a fire-and-forget
// write dispatcher that reports failures on the error channel.
package livesync

import (
	"context"
	"fmt"

	"github.com/carebridge/telesync/internal/docstore"
	apperrors "github.com/carebridge/telesync/internal/shared/errors"
)

// Handle identifies a live read target. Distinct handle values with equal
// keys share one store feed.
type Handle interface {
	Key() string
	kind() string
	target() docstore.Path
	listen(ctx context.Context, s docstore.Store, deliver func(snapshot)) (docstore.Feed, error)
}

const (
	kindDoc   = "doc"
	kindQuery = "query"
)

// DocRef is a handle on one document.
type DocRef struct {
	path docstore.Path
}

// Doc creates a document handle.
func Doc(path docstore.Path) (*DocRef, error) {
	if !path.IsDocument() {
		return nil, apperrors.InvalidArgument(fmt.Sprintf("%q is not a document path", path))
	}
	return &DocRef{path: path}, nil
}

func (r *DocRef) Path() docstore.Path { return r.path }
func (r *DocRef) Key() string { return "doc:" + string(r.path) }
func (r *DocRef) kind() string { return kindDoc }
func (r *DocRef) target() docstore.Path { return r.path }

func (r *DocRef) listen(ctx context.Context, s docstore.Store, deliver func(snapshot)) (docstore.Feed, error) {
	return s.ListenDocument(ctx, r.path, func(doc *docstore.Document, err error) {
		deliver(snapshot{doc: doc, err: err})
	})
}

// QueryRef is a handle on a live query.
type QueryRef struct {
	query docstore.Query
	key   string
}

// NewQueryRef creates a query handle.
func NewQueryRef(q docstore.Query) (*QueryRef, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return &QueryRef{query: q, key: q.Key()}, nil
}

// Query returns the query descriptor.
func (r *QueryRef) Query() docstore.Query { return r.query }
func (r *QueryRef) Key() string { return r.key }
func (r *QueryRef) kind() string { return kindQuery }
func (r *QueryRef) target() docstore.Path { return r.query.Collection }

func (r *QueryRef) listen(ctx context.Context, s docstore.Store, deliver func(snapshot)) (docstore.Feed, error) {
	return s.ListenQuery(ctx, r.query, func(docs []docstore.Document, err error) {
		deliver(snapshot{docs: docs, err: err})
	})
}

// snapshot is one delivery from a feed. seq orders deliveries of one feed.
type snapshot struct {
	seq  uint64
	doc  *docstore.Document
	docs []docstore.Document
	err  error
}
