package testutil

import (
	"context"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/okonma/parley/internal/ollama"
)

// ScriptedGenerator provides deterministic streaming responses for testing.
// It matches the last user message against registered patterns and streams
// the corresponding fragments. Thread-safe for concurrent use.
type ScriptedGenerator struct {
	mu       sync.Mutex
	rules    []scriptRule
	fallback []string
	delay    time.Duration
	calls    []GeneratorCall
}

type scriptRule struct {
	pattern   string   // substring match in last user message, lowercase
	fragments []string // fragments streamed in order
	failAfter int      // if >0, inject err after this many fragments
	err       error
	stall     bool // if true, block (until ctx done) after the fragments
}

// GeneratorCall records one invocation of the scripted generator.
type GeneratorCall struct {
	Model       string
	UserMessage string
	Context     []ollama.Message
}

// NewScriptedGenerator creates a generator whose unmatched inputs stream the
// given fallback fragments.
func NewScriptedGenerator(fallback ...string) *ScriptedGenerator {
	return &ScriptedGenerator{fallback: fallback}
}

// Script registers a pattern and the fragments streamed when the last user
// message contains it (case-insensitive). First match wins.
func (g *ScriptedGenerator) Script(pattern string, fragments ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = append(g.rules, scriptRule{
		pattern:   strings.ToLower(pattern),
		fragments: fragments,
	})
}

// ScriptError registers a pattern that streams failAfter fragments and then
// yields err, simulating a mid-stream runtime failure.
func (g *ScriptedGenerator) ScriptError(pattern string, err error, failAfter int, fragments ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = append(g.rules, scriptRule{
		pattern:   strings.ToLower(pattern),
		fragments: fragments,
		failAfter: failAfter,
		err:       err,
	})
}

// ScriptStall registers a pattern that streams its fragments and then blocks
// until the context is cancelled, simulating a runtime that stops producing
// tokens without closing the stream.
func (g *ScriptedGenerator) ScriptStall(pattern string, fragments ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = append(g.rules, scriptRule{
		pattern:   strings.ToLower(pattern),
		fragments: fragments,
		stall:     true,
	})
}

// SetDelay introduces a pause before each fragment.
func (g *ScriptedGenerator) SetDelay(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delay = d
}

// Calls returns a copy of all recorded calls.
func (g *ScriptedGenerator) Calls() []GeneratorCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := make([]GeneratorCall, len(g.calls))
	copy(cp, g.calls)
	return cp
}

// Chat implements the streaming generator contract.
func (g *ScriptedGenerator) Chat(ctx context.Context, model string, messages []ollama.Message) iter.Seq2[string, error] {
	var userText string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			userText = messages[i].Content
			break
		}
	}

	g.mu.Lock()
	var matched *scriptRule
	lower := strings.ToLower(userText)
	for i := range g.rules {
		if strings.Contains(lower, g.rules[i].pattern) {
			matched = &g.rules[i]
			break
		}
	}
	fragments := g.fallback
	var rule scriptRule
	if matched != nil {
		rule = *matched
		fragments = rule.fragments
	}
	delay := g.delay
	g.calls = append(g.calls, GeneratorCall{
		Model:       model,
		UserMessage: userText,
		Context:     append([]ollama.Message(nil), messages...),
	})
	g.mu.Unlock()

	return func(yield func(string, error) bool) {
		for i, fragment := range fragments {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					yield("", ctx.Err())
					return
				}
			}
			if ctx.Err() != nil {
				yield("", ctx.Err())
				return
			}
			if rule.err != nil && rule.failAfter == i {
				yield("", rule.err)
				return
			}
			if !yield(fragment, nil) {
				return
			}
		}
		if rule.err != nil && rule.failAfter >= len(fragments) {
			yield("", rule.err)
			return
		}
		if rule.stall {
			<-ctx.Done()
			yield("", ctx.Err())
		}
	}
}
