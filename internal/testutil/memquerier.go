package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/okonma/parley/internal/thread"
)

// MemQuerier is an in-memory thread.Querier for tests that exercise the
// store without a database. Thread-safe.
type MemQuerier struct {
	mu       sync.Mutex
	threads  map[uuid.UUID]*thread.Thread
	messages map[uuid.UUID][]*thread.Message
}

// NewMemQuerier creates an empty MemQuerier.
func NewMemQuerier() *MemQuerier {
	return &MemQuerier{
		threads:  make(map[uuid.UUID]*thread.Thread),
		messages: make(map[uuid.UUID][]*thread.Message),
	}
}

func (m *MemQuerier) CreateThread(_ context.Context, title string) (*thread.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &thread.Thread{
		ID:        uuid.New(),
		Title:     title,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	m.threads[t.ID] = t
	return t, nil
}

func (m *MemQuerier) GetThread(_ context.Context, id uuid.UUID) (*thread.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		return nil, thread.ErrNotFound
	}
	return m.snapshot(t), nil
}

func (m *MemQuerier) ListThreads(_ context.Context) ([]*thread.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(*thread.Thread) bool { return true }), nil
}

func (m *MemQuerier) SearchThreads(_ context.Context, query string) ([]*thread.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := strings.ToLower(query)
	return m.sorted(func(t *thread.Thread) bool {
		if strings.Contains(strings.ToLower(t.Title), q) {
			return true
		}
		for _, msg := range m.messages[t.ID] {
			if strings.Contains(strings.ToLower(msg.Content), q) {
				return true
			}
		}
		return false
	}), nil
}

func (m *MemQuerier) LockThread(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[id]; !ok {
		return thread.ErrNotFound
	}
	return nil
}

func (m *MemQuerier) TouchThread(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.threads[id]; ok {
		t.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemQuerier) SetTitleOverride(_ context.Context, id uuid.UUID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		return thread.ErrNotFound
	}
	t.Title = title
	t.TitleOverridden = true
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemQuerier) SetTitleDerived(_ context.Context, id uuid.UUID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.threads[id]; ok && !t.TitleOverridden {
		t.Title = title
	}
	return nil
}

func (m *MemQuerier) DeleteThread(_ context.Context, id uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[id]; !ok {
		return 0, nil
	}
	delete(m.threads, id)
	delete(m.messages, id)
	return 1, nil
}

func (m *MemQuerier) InsertMessage(_ context.Context, arg thread.InsertMessageParams) (*thread.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := &thread.Message{
		ID:             uuid.New(),
		ThreadID:       arg.ThreadID,
		ParentID:       arg.ParentID,
		Role:           arg.Role,
		Content:        arg.Content,
		Interrupted:    arg.Interrupted,
		SequenceNumber: arg.SequenceNumber,
		CreatedAt:      time.Now(),
	}
	m.messages[arg.ThreadID] = append(m.messages[arg.ThreadID], msg)
	return msg, nil
}

func (m *MemQuerier) MessageByParent(_ context.Context, parentID uuid.UUID) (*thread.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.ParentID != nil && *msg.ParentID == parentID {
				return msg, nil
			}
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *MemQuerier) ListMessages(_ context.Context, threadID uuid.UUID) ([]*thread.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*thread.Message(nil), m.messages[threadID]...), nil
}

func (m *MemQuerier) MaxSequence(_ context.Context, threadID uuid.UUID) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max int32
	for _, msg := range m.messages[threadID] {
		if msg.SequenceNumber > max {
			max = msg.SequenceNumber
		}
	}
	return max, nil
}

// sorted returns matching threads most recently updated first, with message
// counts filled in. Callers must hold the lock.
func (m *MemQuerier) sorted(match func(*thread.Thread) bool) []*thread.Thread {
	out := make([]*thread.Thread, 0, len(m.threads))
	for _, t := range m.threads {
		if match(t) {
			out = append(out, m.snapshot(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// snapshot copies a thread with its message count. Callers must hold the lock.
func (m *MemQuerier) snapshot(t *thread.Thread) *thread.Thread {
	cp := *t
	cp.MessageCount = len(m.messages[t.ID])
	return &cp
}
