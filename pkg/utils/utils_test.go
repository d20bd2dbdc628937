package utils

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestGenerateSpaceID(t *testing.T) {
	id1 := GenerateSpaceID()
	id2 := GenerateSpaceID()

	if id1 == id2 {
		t.Error("expected different space IDs")
	}
	if _, err := uuid.Parse(id1); err != nil {
		t.Errorf("expected a uuid, got %s", id1)
	}
}

func TestGenerateSubscriptionID(t *testing.T) {
	id := GenerateSubscriptionID("space")

	if !strings.HasPrefix(id, "space_") {
		t.Errorf("expected prefix 'space_', got %s", id)
	}
	if len(id) > 64 {
		t.Errorf("subscription id too long: %d", len(id))
	}

	long := GenerateSubscriptionID(strings.Repeat("x", 60))
	if len(long) != 64 {
		t.Errorf("expected truncation to 64, got %d", len(long))
	}
}

func TestGenerateID(t *testing.T) {
	if got := GenerateID("req", "abc"); got != "req_abc" {
		t.Errorf("GenerateID = %q", got)
	}
	if got := GenerateID("", "abc"); got != "abc" {
		t.Errorf("GenerateID without prefix = %q", got)
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"normal string", "hello", "hello"},
		{"with control chars", "hello\x00world", "helloworld"},
		{"with newline", "hello\nworld", "hello\nworld"},
		{"with tabs", "hello\tworld", "hello\tworld"},
		{"with whitespace", "  hello  ", "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeString(tt.input)
			if result != tt.expected {
				t.Errorf("SanitizeString(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{"short string", "hello", 10, "hello"},
		{"long string", "hello world", 5, "he..."},
		{"very short max", "hello", 2, "he"},
		{"exact length", "hello", 5, "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := TruncateString(tt.input, tt.maxLen)
			if result != tt.expected {
				t.Errorf("TruncateString(%q, %d) = %q, want %q", tt.input, tt.maxLen, result, tt.expected)
			}
		})
	}
}

