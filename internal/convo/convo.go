// Package convo orchestrates a single conversation turn: append the user
// message, stream the model's reply fragment by fragment, and commit exactly
// one assistant message per turn regardless of how the stream ends.
//
// A turn moves through the states Idle, UserMessageAppended, Streaming, and
// exactly one of Committed, Failed, or Cancelled. Failure and cancellation
// still commit the partial reply, marked interrupted, even when it is empty.
// At most one turn runs per thread at a time; a second Send on a busy thread
// is rejected with ErrBusy.
package convo

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okonma/parley/internal/log"
	"github.com/okonma/parley/internal/ollama"
	"github.com/okonma/parley/internal/thread"
	"github.com/okonma/parley/internal/title"
)

// Sentinel errors returned by Send before any state changes.
var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = errors.New("message exceeds maximum length")
	ErrBusy           = errors.New("thread has a turn in flight")
)

// ErrIdleTimeout reports a stream that stopped producing fragments without
// terminating.
var ErrIdleTimeout = errors.New("stream idle timeout")

// State is the terminal state of a turn.
type State string

const (
	StateCommitted State = "committed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	Create(ctx context.Context, title string) (*thread.Thread, error)
	Get(ctx context.Context, id uuid.UUID) (*thread.Thread, error)
	Append(ctx context.Context, threadID uuid.UUID, draft thread.Draft) (*thread.Message, error)
	Messages(ctx context.Context, threadID uuid.UUID) ([]*thread.Message, error)
	SetDerivedTitle(ctx context.Context, id uuid.UUID, title string) error
}

// Generator streams model output for a context window.
type Generator interface {
	Chat(ctx context.Context, model string, messages []ollama.Message) iter.Seq2[string, error]
}

// Request is one user turn.
type Request struct {
	// ThreadID selects the thread; uuid.Nil creates a new one.
	ThreadID uuid.UUID
	// Text is the user's message.
	Text string
	// Model overrides the configured default model when non-empty.
	Model string
}

// Result describes how a turn ended. Every terminal state commits exactly one
// assistant message; Reply is nil only when that commit itself failed.
type Result struct {
	ThreadID    uuid.UUID
	Title       string
	UserMessage *thread.Message
	Reply       *thread.Message
	State       State
	// Cause is set for Failed and Cancelled turns.
	Cause error
}

// Options tunes the orchestrator.
type Options struct {
	// Model is the default model when the request names none.
	Model string
	// MaxMessageLen bounds the user message in bytes (0 = store default).
	MaxMessageLen int
	// IdleTimeout fails the turn when no fragment arrives within the window
	// (0 disables the check).
	IdleTimeout time.Duration
	// SystemPrompt, when non-empty, is prepended to the model context.
	SystemPrompt string
	// TitleOptions configures derived thread titles.
	TitleOptions title.Options
}

// Orchestrator runs turns against a Store and a Generator.
type Orchestrator struct {
	store  Store
	gen    Generator
	logger log.Logger
	opts   Options

	mu     sync.Mutex
	active map[uuid.UUID]context.CancelFunc
}

// New creates an Orchestrator.
func New(store Store, gen Generator, logger log.Logger, opts Options) *Orchestrator {
	if opts.Model == "" {
		opts.Model = ollama.DefaultModel
	}
	if opts.MaxMessageLen <= 0 {
		opts.MaxMessageLen = thread.MaxContentLength
	}
	return &Orchestrator{
		store:  store,
		gen:    gen,
		logger: logger,
		opts:   opts,
		active: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Busy reports whether the thread has a turn in flight.
func (o *Orchestrator) Busy(threadID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[threadID]
	return ok
}

// Cancel requests cooperative cancellation of the thread's in-flight turn.
// It reports whether a turn was actually in flight. The turn itself still
// runs to its terminal state (committing any partial reply) before the
// thread is released.
func (o *Orchestrator) Cancel(threadID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.active[threadID]
	if ok {
		cancel()
	}
	return ok
}

// acquire registers the turn and returns a cancellable context, or ErrBusy.
func (o *Orchestrator) acquire(ctx context.Context, threadID uuid.UUID) (context.Context, context.CancelFunc, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[threadID]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrBusy, threadID)
	}
	turnCtx, cancel := context.WithCancel(ctx)
	o.active[threadID] = cancel
	return turnCtx, cancel, nil
}

// release frees the thread after a terminal state.
func (o *Orchestrator) release(threadID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cancel, ok := o.active[threadID]; ok {
		cancel()
		delete(o.active, threadID)
	}
}

// Send runs one full turn. onFragment, when non-nil, is called with each
// content fragment in order as it arrives; it runs on the calling goroutine.
//
// Validation and Busy rejection happen before any state changes. After the
// user message is appended, every outcome is a terminal Result; Send returns
// a non-nil error only when nothing was persisted.
func (o *Orchestrator) Send(ctx context.Context, req Request, onFragment func(string)) (*Result, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if len(text) > o.opts.MaxMessageLen {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLong, len(text), o.opts.MaxMessageLen)
	}

	// Resolve or create the thread before taking the busy guard so a bad
	// thread ID never occupies a slot.
	var th *thread.Thread
	var err error
	if req.ThreadID == uuid.Nil {
		th, err = o.store.Create(ctx, o.opts.TitleOptions.PlaceholderOrDefault())
	} else {
		th, err = o.store.Get(ctx, req.ThreadID)
	}
	if err != nil {
		return nil, err
	}

	turnCtx, _, err := o.acquire(ctx, th.ID)
	if err != nil {
		return nil, err
	}
	defer o.release(th.ID)

	model := req.Model
	if model == "" {
		model = o.opts.Model
	}

	history, err := o.store.Messages(ctx, th.ID)
	if err != nil {
		return nil, err
	}

	userMsg, err := o.store.Append(ctx, th.ID, thread.Draft{Role: thread.RoleUser, Content: text})
	if err != nil {
		return nil, err
	}

	derivedTitle := o.deriveTitle(ctx, th.ID, append(history, userMsg))

	o.logger.InfoContext(ctx, "turn started",
		"thread_id", th.ID, "model", model, "history", len(history))

	content, streamErr := o.stream(turnCtx, model, contextWindow(o.opts.SystemPrompt, history, userMsg), onFragment)

	result := &Result{
		ThreadID:    th.ID,
		Title:       derivedTitle,
		UserMessage: userMsg,
	}

	switch {
	case streamErr == nil:
		result.State = StateCommitted
	case errors.Is(streamErr, context.Canceled):
		result.State = StateCancelled
		result.Cause = streamErr
	default:
		result.State = StateFailed
		result.Cause = streamErr
	}

	// Exactly one assistant commit per turn, never zero, never two. A clean
	// finish commits the full reply; failure or cancellation commits whatever
	// arrived, marked interrupted, even when no fragment did. The commit must
	// survive the caller's context dying mid-stream (client disconnect);
	// otherwise the partial reply would be lost.
	commitCtx := context.WithoutCancel(ctx)
	reply, err := o.store.Append(commitCtx, th.ID, thread.Draft{
		ParentID:    &userMsg.ID,
		Role:        thread.RoleAssistant,
		Content:     content,
		Interrupted: result.State != StateCommitted,
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "assistant commit failed",
			"thread_id", th.ID, "error", err)
		result.State = StateFailed
		result.Cause = errors.Join(result.Cause, err)
	} else {
		result.Reply = reply
	}

	o.logger.InfoContext(ctx, "turn finished",
		"thread_id", th.ID, "state", result.State, "reply_bytes", len(content))
	return result, nil
}

// stream consumes the generator, relaying fragments and enforcing the idle
// timeout. It returns the accumulated content and the terminal stream error,
// nil on clean completion.
func (o *Orchestrator) stream(ctx context.Context, model string, messages []ollama.Message, onFragment func(string)) (string, error) {
	// The generator gets its own context so an idle timeout can unwind a
	// stalled stream without cancelling the enclosing turn.
	genCtx, cancelGen := context.WithCancel(ctx)
	defer cancelGen()

	next, stop := iter.Pull2(o.gen.Chat(genCtx, model, messages))
	defer stop()

	var sb strings.Builder
	for {
		fragment, err, ok := o.pullOne(ctx, next, cancelGen)
		// A fragment that lost the race against the idle timer or the
		// cancellation still belongs to the draft.
		if fragment != "" {
			sb.WriteString(fragment)
			if onFragment != nil {
				onFragment(fragment)
			}
		}
		if !ok {
			return sb.String(), nil
		}
		if err != nil {
			if ctx.Err() != nil && !errors.Is(err, ErrIdleTimeout) {
				err = context.Canceled
			}
			return sb.String(), err
		}
	}
}

// pulled is one result of a generator pull.
type pulled struct {
	fragment string
	err      error
	ok       bool
}

// pullOne fetches the next fragment, racing the idle timer. On timeout or
// turn cancellation the generator context is cancelled first and the pending
// pull is drained, so next is never called from two goroutines at once.
func (o *Orchestrator) pullOne(ctx context.Context, next func() (string, error, bool), cancelGen context.CancelFunc) (string, error, bool) {
	if o.opts.IdleTimeout <= 0 {
		return next()
	}

	ch := make(chan pulled, 1)
	go func() {
		fragment, err, ok := next()
		ch <- pulled{fragment, err, ok}
	}()

	timer := time.NewTimer(o.opts.IdleTimeout)
	defer timer.Stop()

	select {
	case p := <-ch:
		return p.fragment, p.err, p.ok
	case <-timer.C:
		cancelGen()
		return drainFragment(<-ch), fmt.Errorf("%w: no fragment within %s", ErrIdleTimeout, o.opts.IdleTimeout), true
	case <-ctx.Done():
		cancelGen()
		return drainFragment(<-ch), ctx.Err(), true
	}
}

// drainFragment salvages the fragment, if any, from a pull that was already
// in flight when the turn timed out or was cancelled.
func drainFragment(p pulled) string {
	if p.err == nil && p.ok {
		return p.fragment
	}
	return ""
}

// deriveTitle recomputes and persists the thread title from its messages.
// User-overridden titles are left alone by the store.
func (o *Orchestrator) deriveTitle(ctx context.Context, threadID uuid.UUID, messages []*thread.Message) string {
	titleMsgs := make([]title.Message, len(messages))
	for i, m := range messages {
		titleMsgs[i] = title.Message{Role: m.Role, Content: m.Content}
	}
	derived := title.Derive(titleMsgs, o.opts.TitleOptions)
	if err := o.store.SetDerivedTitle(ctx, threadID, derived); err != nil {
		o.logger.WarnContext(ctx, "title derivation not persisted",
			"thread_id", threadID, "error", err)
	}
	return derived
}

// contextWindow builds the model context: optional system prompt, full
// history, then the new user message. Interrupted partial replies are
// included; windowing or summarization is the generator's concern.
func contextWindow(systemPrompt string, history []*thread.Message, userMsg *thread.Message) []ollama.Message {
	out := make([]ollama.Message, 0, len(history)+2)
	if systemPrompt != "" {
		out = append(out, ollama.Message{Role: "system", Content: systemPrompt})
	}
	for _, m := range history {
		out = append(out, ollama.Message{Role: m.Role, Content: m.Content})
	}
	return append(out, ollama.Message{Role: userMsg.Role, Content: userMsg.Content})
}
