// Package sanitize is the boundary between raw backend error text and
// anything rendered to a user. No unsanitized string from the backend
// may reach a rendered surface: internal exception text, file paths,
// database fragments, and model-provider vocabulary are all replaced
// with a stage-appropriate generic message.
package sanitize

import (
	"regexp"
	"strings"

	"github.com/anveshbhat/postlens/pkg/models"
)

// Markers of internal error text. Matching is case-insensitive and
// substring-based; one hit condemns the whole string.
var internalMarkers = []string{
	"traceback (most recent call last)",
	"panic:",
	"goroutine ",
	"stack trace",
	"exception",
	"sqlstate",
	"pq:",
	"pgx",
	"postgres",
	"sqlite",
	"redis:",
	"connection refused",
	"dial tcp",
	"unexpected eof",
	"nil pointer",
	"index out of range",
	"anthropic",
	"openai",
	"rate_limit_error",
	"context_length_exceeded",
	"model overloaded",
	"internal server error",
}

var pathPattern = regexp.MustCompile(`(?:[A-Za-z]:)?(?:/[\w.\-]+){2,}`)

// Stage-appropriate generic replacements. Unknown stages fall back to
// the catch-all.
var stageMessages = map[string]string{
	models.StageFetchingPosts:    "We couldn't fetch this post right now. Please try again shortly.",
	models.StagePostsFetched:     "We couldn't load the fetched posts. Please try again shortly.",
	models.StageResolvingProfile: "We couldn't look up this profile right now. Please try again shortly.",
	models.StageTranscribing:     "We had trouble transcribing the media in this post.",
	models.StageAnalyzing:        "The analysis hit a snag and couldn't finish. Please try again.",
}

const fallbackMessage = "Something went wrong while processing this analysis. Please try again."

// StageError returns a user-safe message for a failed pipeline stage.
// If the raw backend text is clean it is passed through; any internal
// marker or path replaces it wholesale with the stage's generic message.
func StageError(stage, raw string) string {
	if Clean(raw) {
		return raw
	}
	if msg, ok := stageMessages[stage]; ok {
		return msg
	}
	return fallbackMessage
}

// Generic returns the user-safe form of an arbitrary backend string,
// with no stage context. Clean strings pass through.
func Generic(raw string) string {
	if Clean(raw) {
		return raw
	}
	return fallbackMessage
}

// Clean reports whether the string is safe to render as-is.
func Clean(raw string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	lower := strings.ToLower(raw)
	for _, marker := range internalMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	return !pathPattern.MatchString(raw)
}

// Messages returns the approved generic messages, for tests asserting
// that sanitized output is always one of them.
func Messages() []string {
	out := make([]string, 0, len(stageMessages)+1)
	for _, m := range stageMessages {
		out = append(out, m)
	}
	return append(out, fallbackMessage)
}
