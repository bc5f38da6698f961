// Package title derives display titles for conversation threads.
//
// Derivation is a pure function of a thread's messages so it can be unit
// tested independent of storage.
package title

import (
	"strings"
	"unicode/utf8"
)

const (
	// DefaultMaxLength is the truncation boundary for derived titles, in runes.
	DefaultMaxLength = 60

	// DefaultPlaceholder is used when a thread has no user message yet.
	DefaultPlaceholder = "New conversation"

	// Ellipsis marks a truncated title.
	Ellipsis = "…"
)

// Role constants matching the stored message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is the minimal projection the deriver needs.
type Message struct {
	Role    string
	Content string
}

// Options controls derivation. The zero value uses the package defaults;
// the exact length and placeholder are configuration, not semantics.
type Options struct {
	MaxLength   int
	Placeholder string
}

// PlaceholderOrDefault returns the configured placeholder, or the package
// default when unset.
func (o Options) PlaceholderOrDefault() string {
	return o.withDefaults().Placeholder
}

func (o Options) withDefaults() Options {
	if o.MaxLength <= 0 {
		o.MaxLength = DefaultMaxLength
	}
	if o.Placeholder == "" {
		o.Placeholder = DefaultPlaceholder
	}
	return o
}

// Derive computes a thread title from its messages, ordered oldest first.
//
// It scans from the most recent message backward, selects the first message
// with role=user, takes the first line of its content and truncates it to
// opts.MaxLength runes, appending an ellipsis when truncated. Appending
// assistant messages never changes the result. When no user message exists,
// the placeholder is returned.
func Derive(messages []Message, opts Options) string {
	opts = opts.withDefaults()

	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != RoleUser {
			continue
		}
		line := firstLine(messages[i].Content)
		if line == "" {
			// A user message that is blank on its first line carries no
			// usable title; keep scanning older messages.
			continue
		}
		return truncate(line, opts.MaxLength)
	}

	return opts.Placeholder
}

// firstLine returns the first non-empty trimmed line of content.
func firstLine(content string) string {
	for line := range strings.Lines(content) {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// truncate cuts s to max runes, appending the ellipsis marker when cut.
// Truncation counts runes, not bytes, so multi-byte text is never split.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}

	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max])) + Ellipsis
}
