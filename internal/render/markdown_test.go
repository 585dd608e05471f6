package render

import (
	"strings"
	"testing"
)

func TestRenderEmptyReturnsEmpty(t *testing.T) {
	r := NewMarkdown()
	if got := r.Render("", 80); got != "" {
		t.Fatalf("render empty = %q", got)
	}
}

func TestRenderKeepsText(t *testing.T) {
	r := NewMarkdown()
	got := r.Render("**hello** world", 80)
	if !strings.Contains(got, "hello") || !strings.Contains(got, "world") {
		t.Fatalf("rendered output lost text: %q", got)
	}
}

func TestRenderCachesByContentAndWidth(t *testing.T) {
	r := NewMarkdown()
	first := r.Render("# Title", 80)
	if len(r.cache) != 1 {
		t.Fatalf("cache size = %d", len(r.cache))
	}
	second := r.Render("# Title", 80)
	if first != second {
		t.Fatalf("cached render differs")
	}
	r.Render("# Title", 60)
	if len(r.cache) != 2 {
		t.Fatalf("width not part of cache key: %d entries", len(r.cache))
	}
}
