// Package docstore defines the document data model shared by every store
// backend: slash paths, records, query descriptors, writes and the
// listen/commit contract the sync layer consumes.
package docstore

import (
	"fmt"
	"strings"

	apperrors "github.com/carebridge/telesync/internal/shared/errors"
)

// Path addresses a collection (odd segment count) or a document (even
// segment count), e.g. "user_profiles/42/tasks" and "user_profiles/42/tasks/7".
type Path string

// NewPath joins segments into a path, rejecting empty segments and slashes.
func NewPath(segments ...string) (Path, error) {
	if len(segments) == 0 {
		return "", apperrors.InvalidArgument("path must have at least one segment")
	}
	for _, s := range segments {
		if s == "" || strings.Contains(s, "/") {
			return "", apperrors.InvalidArgument(fmt.Sprintf("invalid path segment %q", s))
		}
	}
	return Path(strings.Join(segments, "/")), nil
}

// ParsePath parses a slash separated path. Leading and trailing slashes are ignored.
func ParsePath(s string) (Path, error) {
	trimmed := strings.Trim(s, "/")
	if trimmed == "" {
		return "", apperrors.InvalidArgument("path is empty")
	}
	return NewPath(strings.Split(trimmed, "/")...)
}

// MustPath is ParsePath for literals known to be valid.
func MustPath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) String() string { return string(p) }

// Segments returns the path components.
func (p Path) Segments() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), "/")
}

// Valid reports whether the path is non-empty with no empty segments.
func (p Path) Valid() bool {
	if p == "" {
		return false
	}
	for _, s := range p.Segments() {
		if s == "" {
			return false
		}
	}
	return true
}

func (p Path) IsDocument() bool {
	return p.Valid() && len(p.Segments())%2 == 0
}

func (p Path) IsCollection() bool {
	return p.Valid() && len(p.Segments())%2 == 1
}

// ID returns the last segment.
func (p Path) ID() string {
	i := strings.LastIndexByte(string(p), '/')
	return string(p[i+1:])
}

// Parent returns the enclosing collection of a document, or the enclosing
// document of a sub-collection. Root collections have no parent.
func (p Path) Parent() Path {
	i := strings.LastIndexByte(string(p), '/')
	if i < 0 {
		return ""
	}
	return p[:i]
}

// Root returns the first segment.
func (p Path) Root() string {
	if i := strings.IndexByte(string(p), '/'); i >= 0 {
		return string(p[:i])
	}
	return string(p)
}

// Child appends one segment.
func (p Path) Child(segment string) Path {
	if p == "" {
		return Path(segment)
	}
	return Path(string(p) + "/" + segment)
}

func requireDocument(p Path) error {
	if !p.IsDocument() {
		return apperrors.InvalidArgument(fmt.Sprintf("%q is not a document path", p))
	}
	return nil
}

func requireCollection(p Path) error {
	if !p.IsCollection() {
		return apperrors.InvalidArgument(fmt.Sprintf("%q is not a collection path", p))
	}
	return nil
}
