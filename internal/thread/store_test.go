package thread

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okonma/parley/internal/log"
)

// mockQuerier implements Querier in memory with per-method error injection
// and call tracking.
type mockQuerier struct {
	threads  map[uuid.UUID]*Thread
	messages map[uuid.UUID][]*Message

	createErr error
	getErr    error
	listErr   error
	lockErr   error
	insertErr error
	touchErr  error

	lockCalls   int
	insertCalls int
	touchCalls  int
}

func newMockQuerier() *mockQuerier {
	return &mockQuerier{
		threads:  make(map[uuid.UUID]*Thread),
		messages: make(map[uuid.UUID][]*Message),
	}
}

func (m *mockQuerier) addThread(title string) *Thread {
	t := &Thread{
		ID:        uuid.New(),
		Title:     title,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	m.threads[t.ID] = t
	return t
}

func (m *mockQuerier) CreateThread(_ context.Context, title string) (*Thread, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	return m.addThread(title), nil
}

func (m *mockQuerier) GetThread(_ context.Context, id uuid.UUID) (*Thread, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	t, ok := m.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	cp.MessageCount = len(m.messages[id])
	return &cp, nil
}

func (m *mockQuerier) ListThreads(_ context.Context) ([]*Thread, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]*Thread, 0, len(m.threads))
	for _, t := range m.threads {
		cp := *t
		cp.MessageCount = len(m.messages[t.ID])
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockQuerier) SearchThreads(_ context.Context, query string) ([]*Thread, error) {
	q := strings.ToLower(query)
	var out []*Thread
	for _, t := range m.threads {
		match := strings.Contains(strings.ToLower(t.Title), q)
		for _, msg := range m.messages[t.ID] {
			if match {
				break
			}
			match = strings.Contains(strings.ToLower(msg.Content), q)
		}
		if match {
			cp := *t
			cp.MessageCount = len(m.messages[t.ID])
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockQuerier) LockThread(_ context.Context, id uuid.UUID) error {
	m.lockCalls++
	if m.lockErr != nil {
		return m.lockErr
	}
	if _, ok := m.threads[id]; !ok {
		return ErrNotFound
	}
	return nil
}

func (m *mockQuerier) TouchThread(_ context.Context, id uuid.UUID) error {
	m.touchCalls++
	if m.touchErr != nil {
		return m.touchErr
	}
	if t, ok := m.threads[id]; ok {
		t.UpdatedAt = time.Now()
	}
	return nil
}

func (m *mockQuerier) SetTitleOverride(_ context.Context, id uuid.UUID, title string) error {
	t, ok := m.threads[id]
	if !ok {
		return ErrNotFound
	}
	t.Title = title
	t.TitleOverridden = true
	return nil
}

func (m *mockQuerier) SetTitleDerived(_ context.Context, id uuid.UUID, title string) error {
	if t, ok := m.threads[id]; ok && !t.TitleOverridden {
		t.Title = title
	}
	return nil
}

func (m *mockQuerier) DeleteThread(_ context.Context, id uuid.UUID) (int64, error) {
	if _, ok := m.threads[id]; !ok {
		return 0, nil
	}
	delete(m.threads, id)
	delete(m.messages, id)
	return 1, nil
}

func (m *mockQuerier) InsertMessage(_ context.Context, arg InsertMessageParams) (*Message, error) {
	m.insertCalls++
	if m.insertErr != nil {
		return nil, m.insertErr
	}
	msg := &Message{
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

func (m *mockQuerier) MessageByParent(_ context.Context, parentID uuid.UUID) (*Message, error) {
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.ParentID != nil && *msg.ParentID == parentID {
				return msg, nil
			}
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *mockQuerier) ListMessages(_ context.Context, threadID uuid.UUID) ([]*Message, error) {
	return m.messages[threadID], nil
}

func (m *mockQuerier) MaxSequence(_ context.Context, threadID uuid.UUID) (int32, error) {
	var max int32
	for _, msg := range m.messages[threadID] {
		if msg.SequenceNumber > max {
			max = msg.SequenceNumber
		}
	}
	return max, nil
}

func newTestStore(q Querier) *Store {
	return New(q, nil, log.NewNop())
}

func TestStore_Create(t *testing.T) {
	t.Parallel()

	q := newMockQuerier()
	store := newTestStore(q)

	th, err := store.Create(context.Background(), "hello world")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, th.ID)
	assert.Equal(t, "hello world", th.Title)
	assert.False(t, th.TitleOverridden)
	assert.Zero(t, th.MessageCount)
}

func TestStore_Get(t *testing.T) {
	t.Parallel()

	q := newMockQuerier()
	store := newTestStore(q)
	th := q.addThread("existing")

	t.Run("found", func(t *testing.T) {
		got, err := store.Get(context.Background(), th.ID)
		require.NoError(t, err)
		assert.Equal(t, th.ID, got.ID)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := store.Get(context.Background(), uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_Append(t *testing.T) {
	t.Parallel()

	t.Run("assigns increasing sequence numbers", func(t *testing.T) {
		t.Parallel()
		q := newMockQuerier()
		store := newTestStore(q)
		th := q.addThread("seq")

		first, err := store.Append(context.Background(), th.ID, Draft{Role: RoleUser, Content: "one"})
		require.NoError(t, err)
		second, err := store.Append(context.Background(), th.ID, Draft{Role: RoleAssistant, Content: "two", ParentID: &first.ID})
		require.NoError(t, err)

		assert.Equal(t, int32(1), first.SequenceNumber)
		assert.Equal(t, int32(2), second.SequenceNumber)
		assert.Equal(t, 2, q.touchCalls)
	})

	t.Run("unknown thread", func(t *testing.T) {
		t.Parallel()
		q := newMockQuerier()
		store := newTestStore(q)

		_, err := store.Append(context.Background(), uuid.New(), Draft{Role: RoleUser, Content: "hi"})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Zero(t, q.insertCalls)
	})

	t.Run("rejects empty content", func(t *testing.T) {
		t.Parallel()
		q := newMockQuerier()
		store := newTestStore(q)
		th := q.addThread("v")

		_, err := store.Append(context.Background(), th.ID, Draft{Role: RoleUser, Content: "   \n"})
		assert.ErrorIs(t, err, ErrEmptyContent)
		assert.Zero(t, q.lockCalls, "validation should precede any query")
	})

	t.Run("rejects oversized content", func(t *testing.T) {
		t.Parallel()
		q := newMockQuerier()
		store := newTestStore(q)
		th := q.addThread("v")

		big := make([]byte, MaxContentLength+1)
		for i := range big {
			big[i] = 'x'
		}
		_, err := store.Append(context.Background(), th.ID, Draft{Role: RoleUser, Content: string(big)})
		assert.ErrorIs(t, err, ErrContentTooLong)
	})

	t.Run("rejects invalid role", func(t *testing.T) {
		t.Parallel()
		q := newMockQuerier()
		store := newTestStore(q)
		th := q.addThread("v")

		_, err := store.Append(context.Background(), th.ID, Draft{Role: "system", Content: "nope"})
		assert.ErrorIs(t, err, ErrInvalidRole)
	})

	t.Run("allows empty assistant message", func(t *testing.T) {
		t.Parallel()
		q := newMockQuerier()
		store := newTestStore(q)
		th := q.addThread("v")
		user, err := store.Append(context.Background(), th.ID, Draft{Role: RoleUser, Content: "q"})
		require.NoError(t, err)

		msg, err := store.Append(context.Background(), th.ID, Draft{
			Role: RoleAssistant, Content: "", Interrupted: true, ParentID: &user.ID,
		})
		require.NoError(t, err)
		assert.True(t, msg.Interrupted)
	})

	t.Run("idempotent assistant commit per parent", func(t *testing.T) {
		t.Parallel()
		q := newMockQuerier()
		store := newTestStore(q)
		th := q.addThread("idem")
		user, err := store.Append(context.Background(), th.ID, Draft{Role: RoleUser, Content: "q"})
		require.NoError(t, err)

		first, err := store.Append(context.Background(), th.ID, Draft{
			Role: RoleAssistant, Content: "a", ParentID: &user.ID,
		})
		require.NoError(t, err)

		retry, err := store.Append(context.Background(), th.ID, Draft{
			Role: RoleAssistant, Content: "a", ParentID: &user.ID,
		})
		require.NoError(t, err)

		assert.Equal(t, first.ID, retry.ID, "retry should return the committed message")
		assert.Len(t, q.messages[th.ID], 2, "no duplicate row")
	})

	t.Run("insert error is surfaced", func(t *testing.T) {
		t.Parallel()
		q := newMockQuerier()
		store := newTestStore(q)
		th := q.addThread("err")
		q.insertErr = errors.New("disk full")

		_, err := store.Append(context.Background(), th.ID, Draft{Role: RoleUser, Content: "x"})
		assert.ErrorContains(t, err, "disk full")
	})
}

func TestStore_Messages(t *testing.T) {
	t.Parallel()

	q := newMockQuerier()
	store := newTestStore(q)
	th := q.addThread("m")

	_, err := store.Append(context.Background(), th.ID, Draft{Role: RoleUser, Content: "first"})
	require.NoError(t, err)
	_, err = store.Append(context.Background(), th.ID, Draft{Role: RoleAssistant, Content: "second"})
	require.NoError(t, err)

	msgs, err := store.Messages(context.Background(), th.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)

	_, err = store.Messages(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Delete(t *testing.T) {
	t.Parallel()

	q := newMockQuerier()
	store := newTestStore(q)
	th := q.addThread("gone")

	deleted, err := store.Delete(context.Background(), th.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	// Idempotent: deleting again reports nothing removed, no error.
	deleted, err = store.Delete(context.Background(), th.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestStore_Rename(t *testing.T) {
	t.Parallel()

	q := newMockQuerier()
	store := newTestStore(q)
	th := q.addThread("old title")

	require.NoError(t, store.Rename(context.Background(), th.ID, "  new title  "))
	assert.Equal(t, "new title", q.threads[th.ID].Title)
	assert.True(t, q.threads[th.ID].TitleOverridden)

	// Derivation no longer touches an overridden title.
	require.NoError(t, store.SetDerivedTitle(context.Background(), th.ID, "derived"))
	assert.Equal(t, "new title", q.threads[th.ID].Title)

	assert.ErrorIs(t, store.Rename(context.Background(), th.ID, "  "), ErrEmptyContent)
	assert.ErrorIs(t, store.Rename(context.Background(), uuid.New(), "x"), ErrNotFound)
}

func TestStore_Search(t *testing.T) {
	t.Parallel()

	q := newMockQuerier()
	store := newTestStore(q)
	a := q.addThread("Trip planning")
	b := q.addThread("Groceries")
	_, err := store.Append(context.Background(), b.ID, Draft{Role: RoleUser, Content: "buy oat milk for the trip"})
	require.NoError(t, err)

	t.Run("matches title", func(t *testing.T) {
		got, err := store.Search(context.Background(), "PLANNING")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, a.ID, got[0].ID)
	})

	t.Run("matches message content", func(t *testing.T) {
		got, err := store.Search(context.Background(), "oat milk")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, b.ID, got[0].ID)
	})

	t.Run("empty query lists everything", func(t *testing.T) {
		got, err := store.Search(context.Background(), "   ")
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
}

func TestStore_SetDerivedTitle(t *testing.T) {
	t.Parallel()

	q := newMockQuerier()
	store := newTestStore(q)
	th := q.addThread("placeholder")

	require.NoError(t, store.SetDerivedTitle(context.Background(), th.ID, "What is 2+2?"))
	assert.Equal(t, "What is 2+2?", q.threads[th.ID].Title)
	assert.False(t, q.threads[th.ID].TitleOverridden)
}
