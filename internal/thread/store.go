package thread

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okonma/parley/internal/log"
)

// Querier is the set of database operations Store depends on. *Queries is
// the production implementation; tests substitute a mock.
type Querier interface {
	CreateThread(ctx context.Context, title string) (*Thread, error)
	GetThread(ctx context.Context, id uuid.UUID) (*Thread, error)
	ListThreads(ctx context.Context) ([]*Thread, error)
	SearchThreads(ctx context.Context, query string) ([]*Thread, error)
	LockThread(ctx context.Context, id uuid.UUID) error
	TouchThread(ctx context.Context, id uuid.UUID) error
	SetTitleOverride(ctx context.Context, id uuid.UUID, title string) error
	SetTitleDerived(ctx context.Context, id uuid.UUID, title string) error
	DeleteThread(ctx context.Context, id uuid.UUID) (int64, error)
	InsertMessage(ctx context.Context, arg InsertMessageParams) (*Message, error)
	MessageByParent(ctx context.Context, parentID uuid.UUID) (*Message, error)
	ListMessages(ctx context.Context, threadID uuid.UUID) ([]*Message, error)
	MaxSequence(ctx context.Context, threadID uuid.UUID) (int32, error)
}

// Store manages threads and their message logs.
type Store struct {
	queries Querier
	pool    *pgxpool.Pool
	logger  log.Logger
}

// New creates a Store. pool may be nil in tests, in which case appends run
// without a transaction against the provided Querier.
func New(queries Querier, pool *pgxpool.Pool, logger log.Logger) *Store {
	return &Store{
		queries: queries,
		pool:    pool,
		logger:  logger,
	}
}

// Create makes a new empty thread with the given title. An empty title gets
// the derivation placeholder at a higher layer; the store accepts it as-is.
func (s *Store) Create(ctx context.Context, title string) (*Thread, error) {
	t, err := s.queries.CreateThread(ctx, title)
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	s.logger.DebugContext(ctx, "thread created", "thread_id", t.ID)
	return t, nil
}

// Get returns a thread by ID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Thread, error) {
	return s.queries.GetThread(ctx, id)
}

// List returns all threads ordered by most recent activity.
func (s *Store) List(ctx context.Context) ([]*Thread, error) {
	return s.queries.ListThreads(ctx)
}

// Search returns threads matching the query in title or message content,
// case-insensitively. An empty query behaves like List.
func (s *Store) Search(ctx context.Context, query string) ([]*Thread, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return s.queries.ListThreads(ctx)
	}
	return s.queries.SearchThreads(ctx, query)
}

// Messages returns a thread's messages in conversational order. The thread
// must exist; an unknown ID returns ErrNotFound rather than an empty log.
func (s *Store) Messages(ctx context.Context, threadID uuid.UUID) ([]*Message, error) {
	if _, err := s.queries.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	return s.queries.ListMessages(ctx, threadID)
}

// Delete removes a thread and all its messages. Deleting a thread that does
// not exist is a no-op: the second return value reports whether a row was
// actually removed.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := s.queries.DeleteThread(ctx, id)
	if err != nil {
		return false, fmt.Errorf("delete thread: %w", err)
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "thread deleted", "thread_id", id)
	}
	return n > 0, nil
}

// Rename sets a user-chosen title and marks the thread overridden, so
// automatic derivation stops touching it.
func (s *Store) Rename(ctx context.Context, id uuid.UUID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyContent
	}
	return s.queries.SetTitleOverride(ctx, id, title)
}

// SetDerivedTitle applies an automatically derived title. Threads whose title
// was overridden by the user are silently skipped.
func (s *Store) SetDerivedTitle(ctx context.Context, id uuid.UUID, title string) error {
	return s.queries.SetTitleDerived(ctx, id, title)
}

// Append validates and appends one message to the thread's log, assigning the
// next sequence number under a per-thread row lock.
//
// For assistant messages carrying a ParentID, the append is idempotent: if a
// reply for that parent already exists, the existing message is returned and
// no new row is written.
func (s *Store) Append(ctx context.Context, threadID uuid.UUID, draft Draft) (*Message, error) {
	if err := validateDraft(draft); err != nil {
		return nil, err
	}

	if s.pool == nil {
		return s.appendWith(ctx, s.queries, threadID, draft)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	q := s.queries
	if pq, ok := q.(*Queries); ok {
		q = pq.WithTx(tx)
	}

	msg, err := s.appendWith(ctx, q, threadID, draft)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return msg, nil
}

// appendWith runs the append steps against the given Querier, which is bound
// to a transaction in production use.
func (s *Store) appendWith(ctx context.Context, q Querier, threadID uuid.UUID, draft Draft) (*Message, error) {
	if err := q.LockThread(ctx, threadID); err != nil {
		return nil, err
	}

	if draft.Role == RoleAssistant && draft.ParentID != nil {
		existing, err := q.MessageByParent(ctx, *draft.ParentID)
		switch {
		case err == nil:
			s.logger.DebugContext(ctx, "append already committed",
				"thread_id", threadID, "parent_id", *draft.ParentID)
			return existing, nil
		case errors.Is(err, pgx.ErrNoRows):
			// no reply yet, proceed
		default:
			return nil, fmt.Errorf("check existing reply: %w", err)
		}
	}

	seq, err := q.MaxSequence(ctx, threadID)
	if err != nil {
		return nil, err
	}

	msg, err := q.InsertMessage(ctx, InsertMessageParams{
		ThreadID:       threadID,
		ParentID:       draft.ParentID,
		Role:           draft.Role,
		Content:        draft.Content,
		Interrupted:    draft.Interrupted,
		SequenceNumber: seq + 1,
	})
	if err != nil {
		// Raced another committer on the same parent despite the lock; the
		// partial unique index on parent_id catches it.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && draft.ParentID != nil {
			return q.MessageByParent(ctx, *draft.ParentID)
		}
		return nil, err
	}

	if err := q.TouchThread(ctx, threadID); err != nil {
		return nil, err
	}
	return msg, nil
}

// validateDraft enforces content and role constraints before any write.
func validateDraft(draft Draft) error {
	if draft.Role != RoleUser && draft.Role != RoleAssistant {
		return fmt.Errorf("%w: %q", ErrInvalidRole, draft.Role)
	}
	// Assistant output may legitimately be empty (interrupted before the
	// first fragment, or a model that produced nothing); user messages must
	// carry content.
	if draft.Role == RoleUser && strings.TrimSpace(draft.Content) == "" {
		return ErrEmptyContent
	}
	if len(draft.Content) > MaxContentLength {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrContentTooLong, len(draft.Content), MaxContentLength)
	}
	return nil
}
