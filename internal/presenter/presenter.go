// Package presenter maintains the client-side view of a chat session: the
// thread list, the active thread's realized message log including any
// in-flight streaming draft, per-thread unsent input, and a search filter.
//
// State changes flow in as tagged events, so any transport (direct
// orchestrator calls, an SSE client) can drive the same projection. The
// presenter itself never talks to storage or the network.
package presenter

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okonma/parley/internal/thread"
	"github.com/okonma/parley/internal/title"
)

// Event is a state change applied to the session.
type Event interface{ isEvent() }

// ThreadCreated introduces a persisted thread.
type ThreadCreated struct{ Thread *thread.Thread }

// ThreadRenamed updates a thread's title.
type ThreadRenamed struct {
	ThreadID uuid.UUID
	Title    string
}

// ThreadDeleted removes a thread and its messages.
type ThreadDeleted struct{ ThreadID uuid.UUID }

// MessageAppended adds a committed message to a thread's log.
type MessageAppended struct{ Message *thread.Message }

// Fragment extends the streaming draft of a thread's in-flight turn.
type Fragment struct {
	ThreadID uuid.UUID
	Text     string
}

// TurnCompleted replaces the streaming draft with the committed reply.
type TurnCompleted struct {
	ThreadID uuid.UUID
	Message  *thread.Message
}

// TurnInterrupted ends a turn that failed or was cancelled. Message is the
// committed partial reply, nil when nothing was committed.
type TurnInterrupted struct {
	ThreadID uuid.UUID
	Message  *thread.Message
}

func (ThreadCreated) isEvent()   {}
func (ThreadRenamed) isEvent()   {}
func (ThreadDeleted) isEvent()   {}
func (MessageAppended) isEvent() {}
func (Fragment) isEvent()        {}
func (TurnCompleted) isEvent()   {}
func (TurnInterrupted) isEvent() {}

// MessageView is one rendered message. Streaming marks the in-flight draft,
// which has no ID yet.
type MessageView struct {
	ID          uuid.UUID
	Role        string
	Content     string
	Interrupted bool
	Streaming   bool
}

// ThreadView is one thread list entry. Unsaved marks the placeholder shown
// when no persisted thread exists.
type ThreadView struct {
	ID        uuid.UUID
	Title     string
	Unsaved   bool
	UpdatedAt time.Time
}

type threadState struct {
	view     ThreadView
	messages []MessageView
	draft    string // streaming draft content, "" when no turn in flight
	inFlight bool
}

// Session is the projected state. Safe for concurrent use; a streaming
// goroutine can apply Fragment events while the UI goroutine reads.
type Session struct {
	mu       sync.Mutex
	threads  map[uuid.UUID]*threadState
	order    []uuid.UUID // most recent activity first
	active   uuid.UUID   // uuid.Nil means the unsaved placeholder is active
	inputs   map[uuid.UUID]string
	filter   string
	titleOpt title.Options
}

// NewSession creates an empty session showing the unsaved placeholder.
func NewSession(titleOpt title.Options) *Session {
	return &Session{
		threads:  make(map[uuid.UUID]*threadState),
		inputs:   make(map[uuid.UUID]string),
		titleOpt: titleOpt,
	}
}

// Load replaces the thread list wholesale, e.g. from an initial fetch.
// Threads are expected most-recently-updated first. The first thread becomes
// active; an empty list activates the placeholder.
func (s *Session) Load(threads []*thread.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.threads = make(map[uuid.UUID]*threadState, len(threads))
	s.order = s.order[:0]
	for _, t := range threads {
		s.threads[t.ID] = &threadState{view: viewOf(t)}
		s.order = append(s.order, t.ID)
	}
	if len(s.order) > 0 {
		s.active = s.order[0]
	} else {
		s.active = uuid.Nil
	}
}

// LoadMessages replaces a thread's realized log, e.g. after switching to a
// thread whose history was not yet fetched.
func (s *Session) LoadMessages(threadID uuid.UUID, messages []*thread.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.threads[threadID]
	if !ok {
		return
	}
	st.messages = st.messages[:0]
	for _, m := range messages {
		st.messages = append(st.messages, messageViewOf(m))
	}
}

// Apply folds one event into the session state.
func (s *Session) Apply(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := event.(type) {
	case ThreadCreated:
		s.threads[e.Thread.ID] = &threadState{view: viewOf(e.Thread)}
		s.order = append([]uuid.UUID{e.Thread.ID}, s.order...)
		// A thread created while the placeholder is active adopts the
		// placeholder's unsent input.
		if s.active == uuid.Nil {
			if draft, ok := s.inputs[uuid.Nil]; ok {
				s.inputs[e.Thread.ID] = draft
				delete(s.inputs, uuid.Nil)
			}
			s.active = e.Thread.ID
		}

	case ThreadRenamed:
		if st, ok := s.threads[e.ThreadID]; ok {
			st.view.Title = e.Title
		}

	case ThreadDeleted:
		delete(s.threads, e.ThreadID)
		delete(s.inputs, e.ThreadID)
		s.order = remove(s.order, e.ThreadID)
		if s.active == e.ThreadID {
			// Active thread never dangles: fall back to the most recently
			// updated remaining thread, else the placeholder.
			if len(s.order) > 0 {
				s.active = s.order[0]
			} else {
				s.active = uuid.Nil
			}
		}

	case MessageAppended:
		if st, ok := s.threads[e.Message.ThreadID]; ok {
			st.messages = append(st.messages, messageViewOf(e.Message))
			if e.Message.Role == thread.RoleUser {
				st.inFlight = true
				st.draft = ""
			}
			s.touch(e.Message.ThreadID)
		}

	case Fragment:
		if st, ok := s.threads[e.ThreadID]; ok {
			st.inFlight = true
			st.draft += e.Text
		}

	case TurnCompleted:
		s.finishTurn(e.ThreadID, e.Message)

	case TurnInterrupted:
		s.finishTurn(e.ThreadID, e.Message)
	}
}

// finishTurn clears the streaming draft and appends the committed reply, if
// any.
func (s *Session) finishTurn(threadID uuid.UUID, msg *thread.Message) {
	st, ok := s.threads[threadID]
	if !ok {
		return
	}
	st.draft = ""
	st.inFlight = false
	if msg != nil {
		st.messages = append(st.messages, messageViewOf(msg))
	}
	s.touch(threadID)
}

// touch moves the thread to the top of the list and bumps its timestamp.
func (s *Session) touch(threadID uuid.UUID) {
	if st, ok := s.threads[threadID]; ok {
		st.view.UpdatedAt = time.Now()
	}
	s.order = append([]uuid.UUID{threadID}, remove(s.order, threadID)...)
}

// Active returns the active thread entry. When no persisted thread is
// active it returns the unsaved placeholder.
func (s *Session) Active() ThreadView {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.threads[s.active]; ok {
		return st.view
	}
	return ThreadView{Title: s.titleOpt.PlaceholderOrDefault(), Unsaved: true}
}

// SetActive switches the active thread, preserving the unsent input of the
// thread being left. Switching to an unknown ID is a no-op.
func (s *Session) SetActive(threadID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[threadID]; !ok {
		return
	}
	s.active = threadID
}

// Deactivate returns to the unsaved placeholder, e.g. when the user starts a
// new conversation. The next committed thread becomes active and adopts the
// placeholder's unsent input.
func (s *Session) Deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = uuid.Nil
}

// Threads returns the visible thread list, most recent activity first,
// narrowed by the current filter. With no persisted threads the placeholder
// is the only entry.
func (s *Session) Threads() []ThreadView {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.order) == 0 {
		return []ThreadView{{Title: s.titleOpt.PlaceholderOrDefault(), Unsaved: true}}
	}

	out := make([]ThreadView, 0, len(s.order))
	for _, id := range s.order {
		st := s.threads[id]
		if s.filter != "" && !s.matches(st) {
			continue
		}
		out = append(out, st.view)
	}
	return out
}

// matches reports whether the thread's title or any message content contains
// the filter, case-insensitively. The streaming draft counts as content.
func (s *Session) matches(st *threadState) bool {
	needle := strings.ToLower(s.filter)
	if strings.Contains(strings.ToLower(st.view.Title), needle) {
		return true
	}
	for _, m := range st.messages {
		if strings.Contains(strings.ToLower(m.Content), needle) {
			return true
		}
	}
	return st.draft != "" && strings.Contains(strings.ToLower(st.draft), needle)
}

// SetFilter narrows the thread list. An empty filter shows everything.
func (s *Session) SetFilter(filter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = strings.TrimSpace(filter)
}

// Messages returns the active thread's realized log: committed messages in
// order, plus the streaming draft as a final entry while a turn is in
// flight.
func (s *Session) Messages() []MessageView {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.threads[s.active]
	if !ok {
		return nil
	}
	out := append([]MessageView(nil), st.messages...)
	if st.inFlight {
		out = append(out, MessageView{
			Role:      thread.RoleAssistant,
			Content:   st.draft,
			Streaming: true,
		})
	}
	return out
}

// SetInput stores the unsent input of the active thread.
func (s *Session) SetInput(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs[s.active] = text
}

// Input returns the unsent input of the active thread.
func (s *Session) Input() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputs[s.active]
}

func viewOf(t *thread.Thread) ThreadView {
	return ThreadView{ID: t.ID, Title: t.Title, UpdatedAt: t.UpdatedAt}
}

func messageViewOf(m *thread.Message) MessageView {
	return MessageView{
		ID:          m.ID,
		Role:        m.Role,
		Content:     m.Content,
		Interrupted: m.Interrupted,
	}
}

func remove(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
