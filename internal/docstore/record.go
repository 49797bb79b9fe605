package docstore

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/carebridge/telesync/internal/shared/errors"
)

// Record is a JSON-like field mapping. Values are normalized to the JSON
// data model on commit: numbers become float64, times become RFC 3339 strings.
type Record map[string]any

// Document is a stored record plus its identity and timestamps.
type Document struct {
	ID         string    `json:"id"`
	Path       Path      `json:"path"`
	Data       Record    `json:"data"`
	CreateTime time.Time `json:"create_time"`
	UpdateTime time.Time `json:"update_time"`
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	d.Data = d.Data.Clone()
	return d
}

// Clone deep copies maps and slices.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Record(t).Clone())
	case Record:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Lookup resolves a dotted field name against nested maps.
func (r Record) Lookup(field string) (any, bool) {
	var cur any = map[string]any(r)
	for _, part := range strings.Split(field, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setField assigns a dotted field, creating intermediate maps.
func (r Record) setField(field string, value any) {
	parts := strings.Split(field, ".")
	cur := map[string]any(r)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(cur[part])
		if !ok {
			next = make(map[string]any)
		}
		cur[part] = next
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Record:
		return map[string]any(t), true
	default:
		return nil, false
	}
}

// deepMerge writes src into dst. Nested maps merge key by key; any other
// value replaces what was there.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if sm, ok := asMap(v); ok && !isSentinel(v) {
			if dm, ok := asMap(dst[k]); ok {
				deepMerge(dm, sm)
				continue
			}
			fresh := make(map[string]any, len(sm))
			deepMerge(fresh, sm)
			dst[k] = fresh
			continue
		}
		dst[k] = v
	}
}

// Sentinel is a placeholder value resolved by the store at commit time.
type Sentinel string

// ServerTimestamp is replaced by the commit time of the write carrying it.
const ServerTimestamp Sentinel = "serverTimestamp"

const sentinelKey = "$sentinel"

// MarshalJSON keeps sentinels recognizable after crossing the wire.
func (s Sentinel) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{sentinelKey: string(s)})
}

func sentinelOf(v any) (Sentinel, bool) {
	switch t := v.(type) {
	case Sentinel:
		return t, true
	case map[string]any:
		if len(t) != 1 {
			return "", false
		}
		s, ok := t[sentinelKey].(string)
		return Sentinel(s), ok
	}
	return "", false
}

func isSentinel(v any) bool {
	_, ok := sentinelOf(v)
	return ok
}

// TimeLayout is RFC 3339 with a fixed nanosecond width, so stored
// timestamps also sort correctly as plain strings.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders a timestamp the way stores persist it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// prepareValue converts times to their stored form ahead of JSON encoding.
func prepareValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return FormatTime(t)
	case *time.Time:
		if t == nil {
			return nil
		}
		return FormatTime(*t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = prepareValue(e)
		}
		return out
	case Record:
		return prepareValue(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = prepareValue(e)
		}
		return out
	default:
		return v
	}
}

// resolveSentinels replaces sentinels in place.
func resolveSentinels(m map[string]any, now time.Time) error {
	for k, v := range m {
		if s, ok := sentinelOf(v); ok {
			switch s {
			case ServerTimestamp:
				m[k] = FormatTime(now)
			default:
				return apperrors.InvalidArgument(fmt.Sprintf("unknown sentinel %q in field %s", s, k))
			}
			continue
		}
		if nested, ok := asMap(v); ok {
			if err := resolveSentinels(nested, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// normalize converts a record to the JSON data model.
func normalize(r Record) (Record, error) {
	if r == nil {
		return Record{}, nil
	}
	raw, err := json.Marshal(prepareValue(map[string]any(r)))
	if err != nil {
		return nil, apperrors.InvalidArgument(fmt.Sprintf("record is not JSON encodable: %v", err))
	}
	out := Record{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, apperrors.InvalidArgument(fmt.Sprintf("record is not JSON encodable: %v", err))
	}
	return out, nil
}

// normalizeValue converts a single filter operand to the JSON data model.
func normalizeValue(v any) (any, error) {
	raw, err := json.Marshal(prepareValue(v))
	if err != nil {
		return nil, apperrors.InvalidArgument(fmt.Sprintf("value is not JSON encodable: %v", err))
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, apperrors.InvalidArgument(fmt.Sprintf("value is not JSON encodable: %v", err))
	}
	return out, nil
}
