package schema

import (
	"strings"
	"testing"
)

func TestJSONSchemaValidate(t *testing.T) {
	v, err := Compile(map[string]any{
		"type":     "object",
		"required": []string{"name"},
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
			"age":  map[string]any{"type": "number", "minimum": 0},
		},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	t.Run("valid_payload_passes", func(t *testing.T) {
		ok, reason := v.Validate(map[string]any{"name": "ada", "age": 30})
		if !ok {
			t.Errorf("Validate = false (%q), want true", reason)
		}
	})

	t.Run("missing_required_field_fails", func(t *testing.T) {
		ok, reason := v.Validate(map[string]any{"age": 30})
		if ok {
			t.Error("Validate = true, want false for missing required field")
		}
		if reason == "" {
			t.Error("expected a non-empty failure reason")
		}
	})

	t.Run("wrong_type_fails", func(t *testing.T) {
		ok, _ := v.Validate(map[string]any{"name": 42})
		if ok {
			t.Error("Validate = true, want false for wrong type")
		}
	})

	// spec §4.F: the schema step blocks "with concatenated error messages" —
	// a payload violating more than one constraint must report all of them,
	// not just the first.
	t.Run("multiple_violations_are_all_reported", func(t *testing.T) {
		ok, reason := v.Validate(map[string]any{"name": 42, "age": -5})
		if ok {
			t.Fatal("Validate = true, want false for a payload with two violations")
		}
		if !strings.Contains(reason, ";") {
			t.Errorf("reason = %q, want multiple error messages joined together", reason)
		}
	})
}

func TestFuncValidator(t *testing.T) {
	v := Func(func(payload any) (bool, string) {
		n, ok := payload.(int)
		if !ok || n < 0 {
			return false, "want non-negative int"
		}
		return true, ""
	})

	var _ Validator = v

	if ok, _ := v.Validate(5); !ok {
		t.Error("Validate(5) = false, want true")
	}
	if ok, _ := v.Validate(-1); ok {
		t.Error("Validate(-1) = true, want false")
	}
}
