package livesync

import (
	"errors"
	"strings"
	"testing"

	"github.com/carebridge/telesync/internal/docstore"
)

func TestMemoReturnsSameHandle(t *testing.T) {
	var m Memo[*DocRef]
	calls := 0
	factory := func(uid string) func() (*DocRef, error) {
		return func() (*DocRef, error) {
			calls++
			return Doc(docstore.MustPath("user_profiles/" + uid))
		}
	}

	first, _ := m.Get(factory("42"), "42")
	second, _ := m.Get(factory("42"), "42")
	if first != second {
		t.Error("Expected identical handle for unchanged deps")
	}
	if calls != 1 {
		t.Errorf("Expected 1 factory call, got %d", calls)
	}

	third, _ := m.Get(factory("7"), "7")
	if third == first {
		t.Error("Expected a new handle after deps changed")
	}
	if third.Path() != "user_profiles/7" {
		t.Errorf("Expected user_profiles/7, got %s", third.Path())
	}
}

func TestMemoDepsComparison(t *testing.T) {
	tests := []struct {
		name  string
		first []any
		next  []any
		same  bool
	}{
		{"Equal strings", []any{"a", 1}, []any{"a", 1}, true},
		{"Different order", []any{"a", "b"}, []any{"b", "a"}, false},
		{"Different length", []any{"a"}, []any{"a", nil}, false},
		{"Nil deps", nil, nil, true},
		{"Int vs float", []any{1}, []any{1.0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m Memo[int]
			n := 0
			factory := func() (int, error) { n++; return n, nil }

			a, _ := m.Get(factory, tt.first...)
			b, _ := m.Get(factory, tt.next...)
			if (a == b) != tt.same {
				t.Errorf("Expected same=%v, got %d and %d", tt.same, a, b)
			}
		})
	}
}

func TestMemoCachesNilHandle(t *testing.T) {
	var m Memo[*QueryRef]
	calls := 0
	factory := func() (*QueryRef, error) { calls++; return nil, nil }

	m.Get(factory, "")
	got, err := m.Get(factory, "")
	if got != nil || err != nil {
		t.Errorf("Expected cached nil handle, got %v %v", got, err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 factory call, got %d", calls)
	}
}

func TestMemoDoesNotCacheFailures(t *testing.T) {
	var m Memo[int]
	calls := 0
	failing := func() (int, error) { calls++; return 0, errors.New("boom") }

	if _, err := m.Get(failing, "x"); err == nil {
		t.Fatal("Expected factory error")
	}
	if _, err := m.Get(failing, "x"); err == nil {
		t.Fatal("Expected factory error")
	}
	if calls != 2 {
		t.Errorf("Expected factory to be retried, got %d calls", calls)
	}

	func() {
		defer func() { recover() }()
		m.Get(func() (int, error) { calls++; panic("factory panicked") }, "y")
	}()
	got, err := m.Get(func() (int, error) { return 5, nil }, "y")
	if err != nil || got != 5 {
		t.Errorf("Expected fresh value after panic, got %d %v", got, err)
	}
}

func TestMemoUncomparableDepPanics(t *testing.T) {
	var m Memo[int]
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for uncomparable dependency")
		}
	}()
	m.Get(func() (int, error) { return 1, nil }, []string{"a"})
}

func TestMemoNestedUncomparableDepPanics(t *testing.T) {
	type filter struct {
		Value any
	}

	var m Memo[int]
	factory := func() (int, error) { return 1, nil }
	m.Get(factory, filter{Value: []int{1}})

	defer func() {
		r := recover()
		msg, ok := r.(string)
		if !ok || !strings.HasPrefix(msg, "livesync: memo dependency 0") {
			t.Errorf("Expected livesync memo panic, got %v", r)
		}
	}()
	m.Get(factory, filter{Value: []int{1}})
}

func TestMemoOpensNoSubscription(t *testing.T) {
	store := &fakeStore{}
	var m Memo[*DocRef]
	m.Get(func() (*DocRef, error) { return Doc(docstore.MustPath("user_profiles/42")) }, "42")
	if store.listens() != 0 {
		t.Errorf("Expected no listens, got %d", store.listens())
	}
}
