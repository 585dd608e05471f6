package chat

import (
	"regexp"
	"strings"
)

var rememberPattern = regexp.MustCompile(`(?i)\bremember\s+(?:that\s+)?(.+)$`)

// detectRememberIntent checks a user message for an explicit ask to remember
// something and extracts the proposed fact. The fact is only proposed — the
// user resolves it through the memory side channel, nothing is stored here.
func detectRememberIntent(message string) (fact, category string, ok bool) {
	m := rememberPattern.FindStringSubmatch(strings.TrimSpace(message))
	if m == nil {
		return "", "", false
	}
	fact = strings.TrimRight(strings.TrimSpace(m[1]), ".!?")
	if fact == "" {
		return "", "", false
	}
	return fact, categorize(fact), true
}

func categorize(fact string) string {
	lower := strings.ToLower(fact)
	switch {
	case strings.Contains(lower, "like"), strings.Contains(lower, "love"),
		strings.Contains(lower, "prefer"), strings.Contains(lower, "hate"):
		return "preference"
	case strings.Contains(lower, "my name"), strings.Contains(lower, "i am"),
		strings.Contains(lower, "i live"), strings.Contains(lower, "i work"):
		return "profile"
	default:
		return "general"
	}
}
