package textutil

import (
	"strings"
	"testing"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "empty", input: "", expected: "conversation"},
		{name: "only punctuation", input: "?!...", expected: "conversation"},
		{name: "simple sentence", input: "How do I deploy the app?", expected: "how-do-i-deploy-the-app"},
		{name: "collapses separators", input: "  hello   --  world__again ", expected: "hello-world-again"},
		{name: "folds accents", input: "Café déjà vu", expected: "cafe-deja-vu"},
		{name: "drops mentions", input: "<@U095Z0GRZGS> can you check <#C06DTMSH03E|general>", expected: "can-you-check"},
		{name: "keeps link labels", input: "see <https://example.com|the docs> please", expected: "see-the-docs-please"},
		{name: "unterminated markup", input: "a < b", expected: "a-b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Slugify(tt.input); got != tt.expected {
				t.Errorf("Slugify(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSlugify_Truncates(t *testing.T) {
	input := strings.Repeat("word ", 40)
	got := Slugify(input)

	if len(got) > maxSlugLength {
		t.Fatalf("slug length %d exceeds %d", len(got), maxSlugLength)
	}
	if strings.HasSuffix(got, "-") || strings.HasSuffix(got, "wor") {
		t.Errorf("slug should end on a whole word, got %q", got)
	}
}

func TestNewAlias(t *testing.T) {
	for i := 0; i < 50; i++ {
		alias := NewAlias()
		parts := strings.Split(alias, "-")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			t.Fatalf("alias %q is not an adjective-noun pair", alias)
		}
	}
}
