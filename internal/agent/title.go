package agent

import (
	"context"
	"strings"
	"time"

	"github.com/haasonsaas/tether/internal/providers"
)

// titleTimeout caps the provider round-trip; titles are derived
// synchronously during admission.
const titleTimeout = 5 * time.Second

// titleCues maps leading intent words to canned titles.
var titleCues = []struct {
	words []string
	title string
}{
	{[]string{"fix", "debug", "broken", "error", "bug"}, "Debug Issue"},
	{[]string{"add", "implement", "build", "create"}, "New Feature"},
	{[]string{"refactor", "clean", "cleanup"}, "Refactor Code"},
	{[]string{"test", "tests"}, "Write Tests"},
	{[]string{"review", "explain", "understand"}, "Code Review"},
	{[]string{"deploy", "release", "ship"}, "Deploy Release"},
}

// deriveTitle asks the provider for a short title and falls back to a
// deterministic scan on any failure. The result is always non-empty and at
// most three words.
func deriveTitle(ctx context.Context, adapter providers.Adapter, content string) string {
	if adapter != nil {
		tctx, cancel := context.WithTimeout(ctx, titleTimeout)
		defer cancel()
		if title, err := adapter.GenerateTitle(tctx, content); err == nil {
			if clamped := clampTitle(title); clamped != "" {
				return clamped
			}
		}
	}
	return fallbackTitle(content)
}

// fallbackTitle derives a title without a provider round-trip.
func fallbackTitle(content string) string {
	lowered := strings.ToLower(content)
	for _, cue := range titleCues {
		for _, word := range cue.words {
			if strings.Contains(lowered, word) {
				return cue.title
			}
		}
	}
	if clamped := clampTitle(content); clamped != "" {
		return clamped
	}
	return "New Chat"
}

// clampTitle trims to at most three whitespace-separated tokens.
func clampTitle(s string) string {
	fields := strings.Fields(s)
	if len(fields) > 3 {
		fields = fields[:3]
	}
	return strings.Join(fields, " ")
}
