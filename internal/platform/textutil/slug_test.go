package textutil

import (
	"strings"
	"testing"
)

func TestSlugify(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple", input: "Walnut Desk", want: "walnut-desk"},
		{name: "accents stripped", input: "Café Crème Brûlée", want: "cafe-creme-brulee"},
		{name: "punctuation collapsed", input: "50% Off!! (Today)", want: "50-off-today"},
		{name: "leading and trailing noise", input: "  --Oak Shelf--  ", want: "oak-shelf"},
		{name: "empty", input: "###", want: ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Slugify(tc.input); got != tc.want {
				t.Fatalf("Slugify(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestSlugifyCapsLength(t *testing.T) {
	long := strings.Repeat("walnut-", 30)
	slug := Slugify(long)
	if len(slug) > maxSlugLength {
		t.Fatalf("slug exceeds cap: %d", len(slug))
	}
	if strings.HasSuffix(slug, "-") || strings.HasPrefix(slug, "-") {
		t.Fatalf("slug not trimmed: %q", slug)
	}
}
