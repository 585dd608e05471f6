package protocol

import (
	"errors"
	"log/slog"
	"regexp"
	"strings"
)

// Classifier filters raw lines down to well-formed events. The transport is
// shared with proxies, debug toolbars and browser buffering that can inject
// HTML, CSS or script fragments into the body, so dropping non-event lines
// silently is part of the contract, not a shortcut.
type Classifier struct {
	logger *slog.Logger
}

// NewClassifier creates a Classifier. A nil logger discards diagnostics.
func NewClassifier(logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Classifier{logger: logger}
}

// Markup/CSS shapes that buffering intermediaries are known to inject.
// This heuristic only gates log verbosity: a false negative means one noisy
// debug line, never a correctness problem.
var injectedNoisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*<[!/a-zA-Z]`),                  // tag open, close or doctype
	regexp.MustCompile(`^\s*[.#]?[\w-]+(\s*[,>]\s*[\w.#-]+)*\s*\{`), // CSS selector block
	regexp.MustCompile(`^\s*[\w-]+\s*:\s*[^;{}]+;`),        // inline style declaration
	regexp.MustCompile(`^\s*\{\s*[\w-]+\s*:[^"]`),          // style body split from its selector
	regexp.MustCompile(`^\s*[}/]`),                         // block close or comment
}

// looksLikeInjectedMarkup reports whether a non-JSON line resembles markup or
// CSS rather than corrupted protocol content.
func looksLikeInjectedMarkup(line string) bool {
	for _, re := range injectedNoisePatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// Classify turns one raw line into an event. It returns (nil, false) for
// every kind of noise: blank lines, injected markup, malformed candidates and
// objects without a type. None of those may surface to the user.
func (c *Classifier) Classify(line string) (Event, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || trimmed[0] != '{' {
		return nil, false
	}

	ev, err := Decode([]byte(trimmed))
	if err != nil {
		var missing *ErrMissingType
		if errors.As(err, &missing) {
			c.logger.Warn("event object missing type field", "line_len", len(trimmed))
			return nil, false
		}
		if !looksLikeInjectedMarkup(trimmed) {
			c.logger.Debug("discarding malformed event line", "error", err, "line_len", len(trimmed))
		}
		return nil, false
	}
	return ev, true
}
