package store

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestMap(t *testing.T) {
	t.Run("set_get", func(t *testing.T) {
		m := New[int](zerolog.Nop())
		m.Set("a", 1)
		v, ok := m.Get("a")
		if !ok || v != 1 {
			t.Fatalf("Get(a) = %v, %v, want 1, true", v, ok)
		}
		if _, ok := m.Get("missing"); ok {
			t.Errorf("Get(missing) ok = true, want false")
		}
	})

	t.Run("delete", func(t *testing.T) {
		m := New[int](zerolog.Nop())
		m.Set("a", 1)
		m.Delete("a")
		if m.Has("a") {
			t.Errorf("Has(a) = true after delete")
		}
	})

	t.Run("clear_returns_ids", func(t *testing.T) {
		m := New[int](zerolog.Nop())
		m.Set("a", 1)
		m.Set("b", 2)
		ids := m.Clear()
		if len(ids) != 2 {
			t.Fatalf("Clear returned %d ids, want 2", len(ids))
		}
		if m.Len() != 0 {
			t.Errorf("Len() = %d after Clear, want 0", m.Len())
		}
	})

	t.Run("update_replaces_value", func(t *testing.T) {
		m := New[int](zerolog.Nop())
		m.Update("a", func(v int, ok bool) int {
			if ok {
				t.Fatalf("ok = true for missing key")
			}
			return v + 1
		})
		v, _ := m.Get("a")
		if v != 1 {
			t.Errorf("value = %d, want 1", v)
		}
	})

	t.Run("all_is_a_snapshot", func(t *testing.T) {
		m := New[int](zerolog.Nop())
		m.Set("a", 1)
		snap := m.All()
		m.Set("b", 2)
		if len(snap) != 1 {
			t.Errorf("snapshot mutated by later Set, len = %d", len(snap))
		}
	})
}
