package worlds

import (
	"testing"
)

func TestKebab(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Simple", "simple"},
		{"My Test World", "my-test-world"},
		{"  spaces  around  ", "spaces-around"},
		{"Already-Kebab", "already-kebab"},
		{"Mixed_Case AND symbols!!", "mixed-case-and-symbols"},
		{"Café Crème 2", "cafe-creme-2"},
		{"agent.v2", "agent-v2"},
		{"___", ""},
		{"", ""},
		{"42", "42"},
	}
	for _, tt := range tests {
		if got := Kebab(tt.in); got != tt.want {
			t.Errorf("Kebab(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewIDUniqueAndSortable(t *testing.T) {
	const n = 1000
	seen := make(map[string]bool, n)
	prev := ""
	for i := 0; i < n; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
		if id < prev {
			// UUIDv7 ids are time-ordered; a strict inversion means the
			// encoding broke, not that the clock jittered.
			t.Fatalf("id %s sorts before predecessor %s", id, prev)
		}
		prev = id
	}
}
