package livesync

import (
	"fmt"
	"reflect"
	"sync"
)

// Memo caches one handle per dependency list so that repeated
// construction with unchanged inputs yields the identical value.
//
// Dependencies are compared element-wise with ==, in order. A nil handle
// returned by the factory is cached like any other value. Nothing is cached
// when the factory fails or panics.
type Memo[H any] struct {
	mu    sync.Mutex
	deps  []any
	value H
	valid bool
}

// Get returns the cached handle while deps are unchanged, and otherwise
// calls factory. Uncomparable dependency values panic, including comparable
// types that hold an uncomparable value in an interface field.
func (m *Memo[H]) Get(factory func() (H, error), deps ...any) (H, error) {
	for i, d := range deps {
		if d != nil && !reflect.TypeOf(d).Comparable() {
			panic(fmt.Sprintf("livesync: memo dependency %d has uncomparable type %T", i, d))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.valid && sameDeps(m.deps, deps) {
		return m.value, nil
	}

	value, err := factory()
	if err != nil {
		var zero H
		return zero, err
	}
	m.deps = append([]any(nil), deps...)
	m.value = value
	m.valid = true
	return value, nil
}

// Reset drops the cached handle.
func (m *Memo[H]) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero H
	m.deps, m.value, m.valid = nil, zero, false
}

func sameDeps(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameDep(i, a[i], b[i]) {
			return false
		}
	}
	return true
}

func sameDep(i int, a, b any) bool {
	defer func() {
		if r := recover(); r != nil {
			panic(fmt.Sprintf("livesync: memo dependency %d is not comparable: %v", i, r))
		}
	}()
	return a == b
}
