// Package render turns the assistant's Markdown answers into terminal output.
package render

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
)

// Markdown wraps glamour with a small cache. Streaming re-renders the whole
// accumulated answer after every fragment, so identical (content, width)
// pairs recur constantly for the non-growing parts of a transcript.
type Markdown struct {
	cache map[string]string
}

// NewMarkdown creates a renderer with an empty cache.
func NewMarkdown() *Markdown {
	return &Markdown{cache: make(map[string]string)}
}

// Render returns the styled rendering of md wrapped to width. It never fails:
// any renderer error falls back to the raw text, which is always legible.
func (r *Markdown) Render(md string, width int) string {
	if md == "" {
		return ""
	}
	if width < 20 {
		width = 20
	}

	key := cacheKey(md, width)
	if cached, ok := r.cache[key]; ok {
		return cached
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return md
	}

	rendered, err := renderer.Render(md)
	if err != nil {
		return md
	}
	rendered = strings.TrimRight(rendered, "\n ")

	r.cache[key] = rendered
	return rendered
}

func cacheKey(content string, width int) string {
	h := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%x:%d", h[:8], width)
}
