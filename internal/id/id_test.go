package id

import (
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	got := Generate()

	if len(got) != 6 {
		t.Errorf("expected ID length 6, got %d", len(got))
	}
	for _, c := range got {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			t.Errorf("expected hex character, got %c", c)
		}
	}
}

func TestGenerate_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		got := Generate()
		if seen[got] {
			t.Errorf("duplicate ID generated: %s", got)
		}
		seen[got] = true
	}
}

func TestWithPrefix(t *testing.T) {
	got := WithPrefix("req")
	if !strings.HasPrefix(got, "req-") {
		t.Errorf("expected req- prefix, got %s", got)
	}
	if len(got) != len("req-")+6 {
		t.Errorf("unexpected length for %s", got)
	}
}
