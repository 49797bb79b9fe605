package telehealth

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/carebridge/telesync/internal/docstore"
	apperrors "github.com/carebridge/telesync/internal/shared/errors"
	"github.com/mitchellh/mapstructure"
)

type validator interface {
	Validate() error
}

// Decode converts a document into a typed record and validates it. The
// document id fills the record's id field.
func Decode[T any](doc docstore.Document) (T, error) {
	var out T
	if err := decodeRecord(doc, &out); err != nil {
		return out, apperrors.Validation(
			fmt.Sprintf("%s is not a valid %s", doc.Path, typeName[T]()),
			map[string]string{"path": string(doc.Path), "error": err.Error()},
		)
	}
	if v, ok := any(&out).(validator); ok {
		if err := v.Validate(); err != nil {
			return out, apperrors.Wrap(err, string(doc.Path))
		}
	}
	return out, nil
}

// DecodeAll decodes every document in order. Invalid documents are left
// out of the result and reported together in the returned error.
func DecodeAll[T any](docs []docstore.Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	var errs []error
	for _, d := range docs {
		v, err := Decode[T](d)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, v)
	}
	return out, errors.Join(errs...)
}

func decodeRecord(doc docstore.Document, out any) error {
	input := make(map[string]any, len(doc.Data)+1)
	for k, v := range doc.Data {
		input[k] = v
	}
	input["id"] = doc.ID

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  out,
		TagName: "mapstructure",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

func typeName[T any]() string {
	var zero T
	return reflect.TypeOf(zero).Name()
}
