package docstore

import (
	"fmt"
	"time"

	apperrors "github.com/carebridge/telesync/internal/shared/errors"
	"github.com/google/uuid"
)

// Kind is the operation a write performs.
type Kind string

const (
	KindCreate Kind = "create"
	KindSet    Kind = "set"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

func (k Kind) valid() bool {
	switch k {
	case KindCreate, KindSet, KindUpdate, KindDelete:
		return true
	}
	return false
}

// Write is a single document mutation.
type Write struct {
	Path  Path   `json:"path"`
	Kind  Kind   `json:"kind"`
	Data  Record `json:"data,omitempty"`
	Merge bool   `json:"merge,omitempty"`
}

// Validate checks the write is well formed. Only create may target a
// collection path.
func (w Write) Validate() error {
	if !w.Kind.valid() {
		return apperrors.InvalidArgument(fmt.Sprintf("unsupported write kind %q", w.Kind))
	}
	if w.Kind == KindCreate && w.Path.IsCollection() {
		return nil
	}
	return requireDocument(w.Path)
}

// Target returns the document the write lands on. A create on a collection
// path is assigned a fresh random id.
func (w Write) Target() (Path, error) {
	if err := w.Validate(); err != nil {
		return "", err
	}
	if w.Path.IsCollection() {
		return w.Path.Child(uuid.New().String()), nil
	}
	return w.Path, nil
}

// Apply computes the document that results from applying w, whose Path must
// already be a document path, to existing (nil when absent). A nil result
// with a nil error means the document is deleted.
func Apply(existing *Document, w Write, now time.Time) (*Document, error) {
	if err := requireDocument(w.Path); err != nil {
		return nil, err
	}
	if !w.Kind.valid() {
		return nil, apperrors.InvalidArgument(fmt.Sprintf("unsupported write kind %q", w.Kind))
	}
	if w.Kind == KindDelete {
		return nil, nil
	}

	incoming, err := normalize(w.Data)
	if err != nil {
		return nil, err
	}
	if err := resolveSentinels(incoming, now); err != nil {
		return nil, err
	}

	var data Record
	switch w.Kind {
	case KindCreate:
		if existing != nil {
			return nil, apperrors.AlreadyExists("document", string(w.Path))
		}
		data = incoming
	case KindSet:
		if w.Merge && existing != nil {
			data = existing.Data.Clone()
			if data == nil {
				data = Record{}
			}
			deepMerge(data, incoming)
		} else {
			data = incoming
		}
	case KindUpdate:
		if existing == nil {
			return nil, apperrors.NotFound("document", string(w.Path))
		}
		data = existing.Data.Clone()
		if data == nil {
			data = Record{}
		}
		for field, v := range incoming {
			data.setField(field, v)
		}
	}

	created := now
	if existing != nil {
		created = existing.CreateTime
	}
	return &Document{
		ID:         w.Path.ID(),
		Path:       w.Path,
		Data:       data,
		CreateTime: created,
		UpdateTime: now,
	}, nil
}
