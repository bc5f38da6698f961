package title

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDerive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		messages []Message
		opts     Options
		want     string
	}{
		{
			name:     "empty thread uses placeholder",
			messages: nil,
			want:     DefaultPlaceholder,
		},
		{
			name: "assistant-only thread uses placeholder",
			messages: []Message{
				{Role: RoleAssistant, Content: "Hello! How can I help?"},
			},
			want: DefaultPlaceholder,
		},
		{
			name: "single user message",
			messages: []Message{
				{Role: RoleUser, Content: "What is 2+2?"},
			},
			want: "What is 2+2?",
		},
		{
			name: "most recent user message wins",
			messages: []Message{
				{Role: RoleUser, Content: "first question"},
				{Role: RoleAssistant, Content: "first answer"},
				{Role: RoleUser, Content: "second question"},
			},
			want: "second question",
		},
		{
			name: "only first line is used",
			messages: []Message{
				{Role: RoleUser, Content: "short summary\nwith a much longer body\nand more"},
			},
			want: "short summary",
		},
		{
			name: "leading blank lines are skipped",
			messages: []Message{
				{Role: RoleUser, Content: "\n\n  actual question  \nrest"},
			},
			want: "actual question",
		},
		{
			name: "long content is truncated with ellipsis",
			messages: []Message{
				{Role: RoleUser, Content: strings.Repeat("a", 100)},
			},
			want: strings.Repeat("a", 60) + Ellipsis,
		},
		{
			name: "exactly max length is not truncated",
			messages: []Message{
				{Role: RoleUser, Content: strings.Repeat("b", 60)},
			},
			want: strings.Repeat("b", 60),
		},
		{
			name: "custom options",
			messages: []Message{
				{Role: RoleUser, Content: "abcdefghij"},
			},
			opts: Options{MaxLength: 5},
			want: "abcde" + Ellipsis,
		},
		{
			name:     "custom placeholder",
			messages: nil,
			opts:     Options{Placeholder: "Untitled"},
			want:     "Untitled",
		},
		{
			name: "whitespace-only user message falls back to older one",
			messages: []Message{
				{Role: RoleUser, Content: "real topic"},
				{Role: RoleUser, Content: "   \n\t"},
			},
			want: "real topic",
		},
		{
			name: "multibyte runes are not split",
			messages: []Message{
				{Role: RoleUser, Content: strings.Repeat("語", 61)},
			},
			want: strings.Repeat("語", 60) + Ellipsis,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Derive(tc.messages, tc.opts))
		})
	}
}

// TestDerive_StableUnderAssistantAppend verifies the title depends only on the
// most recent user message: appending assistant output never changes it.
func TestDerive_StableUnderAssistantAppend(t *testing.T) {
	t.Parallel()

	msgs := []Message{
		{Role: RoleUser, Content: "What is 2+2?"},
	}
	before := Derive(msgs, Options{})

	msgs = append(msgs, Message{Role: RoleAssistant, Content: "4."})
	after := Derive(msgs, Options{})

	assert.Equal(t, before, after)
	assert.Equal(t, "What is 2+2?", after)
}

// TestDerive_Deterministic verifies repeated derivation of the same input
// yields the same output.
func TestDerive_Deterministic(t *testing.T) {
	t.Parallel()

	msgs := []Message{
		{Role: RoleUser, Content: "stable input"},
		{Role: RoleAssistant, Content: "noise"},
	}

	first := Derive(msgs, Options{})
	for range 10 {
		assert.Equal(t, first, Derive(msgs, Options{}))
	}
}
