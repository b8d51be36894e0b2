// Package uuid tests for client id validation.
package uuid

import "testing"

// TestNew verifies generated ids validate.
func TestNew(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if !IsValid(id) {
			t.Fatalf("New() = %q, not a valid UUID v4", id)
		}
		if seen[id] {
			t.Fatalf("New() repeated %q", id)
		}
		seen[id] = true
	}
}

// TestIsValid verifies strict v4 format checking.
func TestIsValid(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{"valid v4", "a2f1c3d4-5678-4abc-9def-0123456789ab", true},
		{"uppercase hex", "A2F1C3D4-5678-4ABC-9DEF-0123456789AB", true},
		{"empty", "", false},
		{"no dashes", "a2f1c3d456784abc9def0123456789ab", false},
		{"wrong version", "a2f1c3d4-5678-1abc-9def-0123456789ab", false},
		{"wrong variant", "a2f1c3d4-5678-4abc-1def-0123456789ab", false},
		{"too short", "a2f1c3d4-5678-4abc-9def", false},
		{"garbage", "not-a-uuid-at-all", false},
	}

	for _, tt := range tests {
		if got := IsValid(tt.id); got != tt.valid {
			t.Errorf("%s: IsValid(%q) = %v, want %v", tt.name, tt.id, got, tt.valid)
		}
	}
}

// TestValidate verifies the error form.
func TestValidate(t *testing.T) {
	if err := Validate(New()); err != nil {
		t.Errorf("Validate(New()) = %v, want nil", err)
	}
	if err := Validate("bogus"); err == nil {
		t.Error("Validate(bogus) should fail")
	}
}
