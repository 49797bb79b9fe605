package docstore

import (
	"context"

	"github.com/carebridge/telesync/internal/shared/auth"
	apperrors "github.com/carebridge/telesync/internal/shared/errors"
	"github.com/rs/zerolog"
)

// Action is the kind of access a rule decides on.
type Action string

const (
	ActionRead   Action = "read"
	ActionList   Action = "list"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Access describes one request against the store.
type Access struct {
	Action Action
	// Path is the document path, or the collection path for list
	Path Path
	// Query is set for list
	Query *Query
	// Existing is the current document for writes, nil when absent
	Existing *Document
	// Data is the incoming payload for create and update
	Data Record
}

// EqualityFilter returns the operand of a "==" filter on field, if the
// listed query has one.
func (a Access) EqualityFilter(field string) (any, bool) {
	if a.Query == nil {
		return nil, false
	}
	for _, f := range a.Query.Filters {
		if f.Field == field && f.Op == OpEqual {
			return f.Value, true
		}
	}
	return nil, false
}

// Rules decides whether an authenticated user may perform an access.
type Rules interface {
	Allow(user *auth.User, a Access) bool
}

// RulesFunc adapts a function to Rules.
type RulesFunc func(user *auth.User, a Access) bool

func (f RulesFunc) Allow(user *auth.User, a Access) bool { return f(user, a) }

// GuardedStore enforces access rules in front of another store. The user
// is taken from the request context; reads are checked when the listen is
// opened.
type GuardedStore struct {
	inner Store
	rules Rules
	log   zerolog.Logger
}

// Guard wraps a store with access rules.
func Guard(inner Store, rules Rules, log zerolog.Logger) *GuardedStore {
	return &GuardedStore{
		inner: inner,
		rules: rules,
		log:   log.With().Str("component", "guard").Logger(),
	}
}

func (g *GuardedStore) check(ctx context.Context, a Access) error {
	user := auth.GetUser(ctx)
	if user == nil {
		return apperrors.Unauthenticated("sign in required")
	}
	if !g.rules.Allow(user, a) {
		g.log.Debug().
			Str("user_id", user.ID).
			Str("role", user.Role).
			Str("action", string(a.Action)).
			Str("path", string(a.Path)).
			Msg("access denied")
		return apperrors.PermissionDenied(string(a.Path), string(a.Action))
	}
	return nil
}

func (g *GuardedStore) ListenDocument(ctx context.Context, path Path, fn DocumentFunc) (Feed, error) {
	if err := requireDocument(path); err != nil {
		return nil, err
	}
	if err := g.check(ctx, Access{Action: ActionRead, Path: path}); err != nil {
		return nil, err
	}
	return g.inner.ListenDocument(ctx, path, fn)
}

func (g *GuardedStore) ListenQuery(ctx context.Context, q Query, fn QueryFunc) (Feed, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := g.check(ctx, Access{Action: ActionList, Path: q.Collection, Query: &q}); err != nil {
		return nil, err
	}
	return g.inner.ListenQuery(ctx, q, fn)
}

func (g *GuardedStore) Commit(ctx context.Context, w Write) (Path, error) {
	if auth.GetUser(ctx) == nil {
		return "", apperrors.Unauthenticated("sign in required")
	}
	target, err := w.Target()
	if err != nil {
		return "", err
	}
	w.Path = target

	existing, err := Get(ctx, g.inner, target)
	if err != nil {
		return "", err
	}

	a := Access{Path: target, Existing: existing, Data: w.Data}
	switch w.Kind {
	case KindCreate:
		a.Action = ActionCreate
	case KindDelete:
		a.Action = ActionDelete
	case KindUpdate:
		a.Action = ActionUpdate
	case KindSet:
		a.Action = ActionUpdate
		if existing == nil {
			a.Action = ActionCreate
		}
	}
	if err := g.check(ctx, a); err != nil {
		return "", err
	}
	return g.inner.Commit(ctx, w)
}

var _ Store = (*GuardedStore)(nil)
