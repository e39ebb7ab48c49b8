// Package uuid provides unit tests for local id generation and validation.
package uuid

import (
	"testing"
)

// TestNewLocalID tests that generated ids are valid v4 UUIDs.
func TestNewLocalID(t *testing.T) {
	id := NewLocalID()

	if id == "" {
		t.Fatal("Expected non-empty local id")
	}
	if !IsValid(id.String()) {
		t.Errorf("Generated id does not match v4 format: %s", id)
	}
}

// TestNewLocalIDUniqueness tests that ids are never repeated.
func TestNewLocalIDUniqueness(t *testing.T) {
	ids := make(map[string]bool)

	for i := 0; i < 1000; i++ {
		id := New()
		if ids[id] {
			t.Errorf("Duplicate id generated: %s", id)
		}
		ids[id] = true
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"valid v4", "f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"uppercase", "F47AC10B-58CC-4372-A567-0E02B2C3D479", true},
		{"version 1", "f47ac10b-58cc-1372-a567-0e02b2c3d479", false},
		{"bad variant", "f47ac10b-58cc-4372-c567-0e02b2c3d479", false},
		{"no dashes", "f47ac10b58cc4372a5670e02b2c3d479", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.in); got != tt.want {
				t.Errorf("IsValid(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseLocalID(t *testing.T) {
	id, err := ParseLocalID("  F47AC10B-58CC-4372-A567-0E02B2C3D479 ")
	if err != nil {
		t.Fatalf("ParseLocalID() error = %v", err)
	}
	if id != "f47ac10b-58cc-4372-a567-0e02b2c3d479" {
		t.Errorf("ParseLocalID() = %q, want lower-cased id", id)
	}

	if _, err := ParseLocalID("not-an-id"); err == nil {
		t.Error("ParseLocalID() should reject malformed ids")
	}
}
