package payload

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
)

func TestStateHasChanged(t *testing.T) {
	t.Run("no_prior_payload_is_always_changed", func(t *testing.T) {
		s := New(zerolog.Nop())
		if !s.HasChanged("c", map[string]any{"x": 1}) {
			t.Errorf("HasChanged on fresh channel = false, want true")
		}
	})

	t.Run("identical_payload_is_unchanged", func(t *testing.T) {
		s := New(zerolog.Nop())
		s.Set("c", map[string]any{"x": float64(1)}, "call")
		if s.HasChanged("c", map[string]any{"x": float64(1)}) {
			t.Errorf("HasChanged with identical payload = true, want false")
		}
	})

	t.Run("different_payload_is_changed", func(t *testing.T) {
		s := New(zerolog.Nop())
		s.Set("c", map[string]any{"x": float64(1)}, "call")
		if !s.HasChanged("c", map[string]any{"x": float64(2)}) {
			t.Errorf("HasChanged with different payload = false, want true")
		}
	})

	t.Run("set_only_after_dispatch_not_on_blocked_call", func(t *testing.T) {
		s := New(zerolog.Nop())
		s.Set("c", 1, "call")
		// A blocked/rejected call must never call Set, so a stale comparison
		// still reflects the last accepted payload.
		if s.HasChanged("c", 1) {
			t.Errorf("HasChanged = true, want false (no Set since)")
		}
	})

	t.Run("version_increments", func(t *testing.T) {
		s := New(zerolog.Nop())
		s.Set("c", 1, "call")
		s.Set("c", 2, "call")
		e, _ := s.Get("c")
		if e.Version != 2 {
			t.Errorf("Version = %d, want 2", e.Version)
		}
	})
}

func TestDeepEqual(t *testing.T) {
	cases := []struct {
		name string
		a, b any
		want bool
	}{
		{"equal_primitives", 1, 1, true},
		{"unequal_primitives", 1, 2, false},
		{"equal_slices", []int{1, 2}, []int{1, 2}, true},
		{"unequal_slice_order", []int{1, 2}, []int{2, 1}, false},
		{"equal_maps", map[string]int{"a": 1}, map[string]int{"a": 1}, true},
		{"different_keyset", map[string]int{"a": 1}, map[string]int{"a": 1, "b": 2}, false},
		{"nan_is_not_equal_to_itself", math.NaN(), math.NaN(), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeepEqual(tc.a, tc.b); got != tc.want {
				t.Errorf("DeepEqual(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}
