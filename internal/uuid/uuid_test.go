package uuid

import (
	"sort"
	"testing"
)

// TestNew tests that New() generates valid v4 strings.
func TestNew(t *testing.T) {
	id := New()
	if !IsValid(id) {
		t.Errorf("New() = %q is not valid", id)
	}
	parsed, err := NewFromString(id)
	if err != nil {
		t.Fatalf("NewFromString() error = %v", err)
	}
	if parsed.Version() != 4 {
		t.Errorf("version = %d, want 4", parsed.Version())
	}
}

// TestNewTimeOrdered tests v7 generation and ordering.
func TestNewTimeOrdered(t *testing.T) {
	ids := make([]string, 200)
	for i := range ids {
		ids[i] = NewTimeOrdered()
		if !IsValid(ids[i]) {
			t.Fatalf("NewTimeOrdered() = %q is not valid", ids[i])
		}
	}
	if !sort.StringsAreSorted(ids) {
		t.Error("time-ordered ids should sort in creation order")
	}
	parsed, err := NewFromString(ids[0])
	if err != nil {
		t.Fatalf("NewFromString() error = %v", err)
	}
	if parsed.Version() != 7 {
		t.Errorf("version = %d, want 7", parsed.Version())
	}
}

// TestIsValid tests UUID format checks.
func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		uuid string
		want bool
	}{
		{"valid v4", "123e4567-e89b-42d3-a456-426614174000", true},
		{"valid v7", "01890a5d-ac96-774b-bcce-b302099a8057", true},
		{"version 1", "123e4567-e89b-12d3-a456-426614174000", false},
		{"bad variant", "123e4567-e89b-42d3-c456-426614174000", false},
		{"no dashes", "123e4567e89b42d3a456426614174000", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.uuid); got != tt.want {
				t.Errorf("IsValid(%q) = %v, want %v", tt.uuid, got, tt.want)
			}
			if err := Validate(tt.uuid); (err == nil) != tt.want {
				t.Errorf("Validate(%q) error = %v", tt.uuid, err)
			}
		})
	}
}

// TestNewFromString_invalid tests parse failures.
func TestNewFromString_invalid(t *testing.T) {
	if _, err := NewFromString("not-a-uuid"); err == nil {
		t.Error("expected error for malformed input")
	}
	if _, err := NewFromString("123e4567-e89b-12d3-a456-426614174000"); err == nil {
		t.Error("expected error for v1 UUID")
	}
}
