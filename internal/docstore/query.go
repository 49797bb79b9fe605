package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	apperrors "github.com/carebridge/telesync/internal/shared/errors"
)

// Op is a filter comparison operator.
type Op string

const (
	OpEqual         Op = "=="
	OpNotEqual      Op = "!="
	OpLess          Op = "<"
	OpLessEqual     Op = "<="
	OpGreater       Op = ">"
	OpGreaterEqual  Op = ">="
	OpIn            Op = "in"
	OpArrayContains Op = "array-contains"
)

func (o Op) valid() bool {
	switch o {
	case OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual, OpIn, OpArrayContains:
		return true
	}
	return false
}

// Direction orders query results.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

type Filter struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

type Order struct {
	Field     string    `json:"field"`
	Direction Direction `json:"direction"`
}

// Query describes a live collection read. The sync layer passes it through
// unmodified; backends that evaluate in process use Match and Apply.
type Query struct {
	Collection Path     `json:"collection"`
	Filters    []Filter `json:"filters,omitempty"`
	Orders     []Order  `json:"orders,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

// NewQuery starts a query over a collection.
func NewQuery(collection Path) Query {
	return Query{Collection: collection}
}

// Where returns a copy of q with an extra filter.
func (q Query) Where(field string, op Op, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

// OrderBy returns a copy of q with an extra sort key.
func (q Query) OrderBy(field string, dir Direction) Query {
	q.Orders = append(append([]Order(nil), q.Orders...), Order{Field: field, Direction: dir})
	return q
}

// LimitTo returns a copy of q returning at most n documents.
func (q Query) LimitTo(n int) Query {
	q.Limit = n
	return q
}

// Validate checks the query is well formed.
func (q Query) Validate() error {
	if err := requireCollection(q.Collection); err != nil {
		return err
	}
	for _, f := range q.Filters {
		if f.Field == "" {
			return apperrors.InvalidArgument("filter field is empty")
		}
		if !f.Op.valid() {
			return apperrors.InvalidArgument(fmt.Sprintf("unsupported filter operator %q", f.Op))
		}
		if f.Op == OpIn {
			if _, ok := asSlice(f.Value); !ok {
				return apperrors.InvalidArgument(fmt.Sprintf("operator in on %s needs a list value", f.Field))
			}
		}
		if _, err := normalizeValue(f.Value); err != nil {
			return err
		}
	}
	for _, o := range q.Orders {
		if o.Field == "" {
			return apperrors.InvalidArgument("order field is empty")
		}
		if o.Direction != Asc && o.Direction != Desc {
			return apperrors.InvalidArgument(fmt.Sprintf("unsupported order direction %q", o.Direction))
		}
	}
	if q.Limit < 0 {
		return apperrors.InvalidArgument("limit must not be negative")
	}
	return nil
}

// Key is the canonical identity of the query. Two queries with the same
// collection, filters, orders and limit have the same key.
func (q Query) Key() string {
	n := q.normalized()
	raw, err := json.Marshal(n)
	if err != nil {
		return "query:" + string(q.Collection) + fmt.Sprintf("%v", q.Filters)
	}
	return "query:" + string(raw)
}

func (q Query) normalized() Query {
	out := q
	out.Filters = make([]Filter, len(q.Filters))
	for i, f := range q.Filters {
		v, err := normalizeValue(f.Value)
		if err != nil {
			v = fmt.Sprintf("%v", f.Value)
		}
		out.Filters[i] = Filter{Field: f.Field, Op: f.Op, Value: v}
	}
	return out
}

// Match reports whether the document satisfies every filter and carries
// every ordered field.
func (q Query) Match(d Document) bool {
	if d.Path.Parent() != q.Collection {
		return false
	}
	return q.normalized().match(d)
}

func (q Query) match(d Document) bool {
	for _, f := range q.Filters {
		v, ok := d.Data.Lookup(f.Field)
		if !ok || !matchFilter(v, f.Op, f.Value) {
			return false
		}
	}
	for _, o := range q.Orders {
		if _, ok := d.Data.Lookup(o.Field); !ok {
			return false
		}
	}
	return true
}

// Apply filters, sorts and limits documents of the queried collection.
// Ties are broken by document path.
func (q Query) Apply(docs []Document) []Document {
	n := q.normalized()
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if d.Path.Parent() == q.Collection && n.match(d) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		for _, o := range n.Orders {
			a, _ := out[i].Data.Lookup(o.Field)
			b, _ := out[j].Data.Lookup(o.Field)
			c := compareValues(a, b)
			if c == 0 {
				continue
			}
			if o.Direction == Desc {
				return c > 0
			}
			return c < 0
		}
		return out[i].Path < out[j].Path
	})
	if n.Limit > 0 && len(out) > n.Limit {
		out = out[:n.Limit]
	}
	return out
}

func matchFilter(v any, op Op, operand any) bool {
	switch op {
	case OpEqual:
		return equalValues(v, operand)
	case OpNotEqual:
		return !equalValues(v, operand)
	case OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		if typeRank(v) != typeRank(operand) {
			return false
		}
		c := compareValues(v, operand)
		switch op {
		case OpLess:
			return c < 0
		case OpLessEqual:
			return c <= 0
		case OpGreater:
			return c > 0
		default:
			return c >= 0
		}
	case OpIn:
		list, _ := asSlice(operand)
		for _, e := range list {
			if equalValues(v, e) {
				return true
			}
		}
		return false
	case OpArrayContains:
		list, ok := asSlice(v)
		if !ok {
			return false
		}
		for _, e := range list {
			if equalValues(e, operand) {
				return true
			}
		}
		return false
	}
	return false
}

func asSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// Type ordering for mixed comparisons: null < bool < number < string < list < map.
func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return 2
	case string:
		return 3
	case []any:
		return 4
	case map[string]any:
		return 5
	default:
		return 6
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	}
	return 0
}

func equalValues(a, b any) bool {
	return compareValues(a, b) == 0 && typeRank(a) == typeRank(b)
}

// compareValues orders two JSON values. Strings that both parse as RFC 3339
// timestamps compare chronologically.
func compareValues(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 0:
		return 0
	case 1:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case 2:
		fa, fb := toFloat(a), toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	case 3:
		sa, sb := a.(string), b.(string)
		if ta, err := time.Parse(time.RFC3339Nano, sa); err == nil {
			if tb, err := time.Parse(time.RFC3339Nano, sb); err == nil {
				return ta.Compare(tb)
			}
		}
		return strings.Compare(sa, sb)
	case 4:
		la, lb := a.([]any), b.([]any)
		for i := 0; i < len(la) && i < len(lb); i++ {
			if c := compareValues(la[i], lb[i]); c != 0 {
				return c
			}
		}
		switch {
		case len(la) < len(lb):
			return -1
		case len(la) > len(lb):
			return 1
		default:
			return 0
		}
	case 5:
		ja, _ := json.Marshal(a)
		jb, _ := json.Marshal(b)
		return strings.Compare(string(ja), string(jb))
	default:
		return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
	}
}
