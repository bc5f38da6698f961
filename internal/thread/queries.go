package thread

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DBTX is the subset of pgx operations the queries need. Both *pgxpool.Pool
// and pgx.Tx satisfy it, so the same queries run pooled or transactional.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries is the pgx-backed implementation of Querier.
type Queries struct {
	db DBTX
}

// NewQueries creates a Queries instance over the given connection source.
func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns Queries bound to the given transaction.
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

const threadColumns = `t.id, t.title, t.title_overridden, t.created_at, t.updated_at,
	(SELECT count(*) FROM messages m WHERE m.thread_id = t.id) AS message_count`

const createThreadSQL = `
INSERT INTO threads (title)
VALUES ($1)
RETURNING id, title, title_overridden, created_at, updated_at`

// CreateThread inserts a new thread and returns it. A new thread has no
// messages, so message_count is zero by construction.
func (q *Queries) CreateThread(ctx context.Context, title string) (*Thread, error) {
	var (
		t     Thread
		id    pgtype.UUID
		ctime pgtype.Timestamptz
		utime pgtype.Timestamptz
	)
	err := q.db.QueryRow(ctx, createThreadSQL, title).
		Scan(&id, &t.Title, &t.TitleOverridden, &ctime, &utime)
	if err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}

	t.ID = pgUUIDToUUID(id)
	t.CreatedAt = ctime.Time
	t.UpdatedAt = utime.Time
	return &t, nil
}

const getThreadSQL = `
SELECT ` + threadColumns + `
FROM threads t
WHERE t.id = $1`

// GetThread returns a single thread, or ErrNotFound.
func (q *Queries) GetThread(ctx context.Context, id uuid.UUID) (*Thread, error) {
	row := q.db.QueryRow(ctx, getThreadSQL, uuidToPgUUID(id))
	t, err := scanThread(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select thread: %w", err)
	}
	return t, nil
}

const listThreadsSQL = `
SELECT ` + threadColumns + `
FROM threads t
ORDER BY t.updated_at DESC, t.id`

// ListThreads returns all threads, most recently updated first.
func (q *Queries) ListThreads(ctx context.Context) ([]*Thread, error) {
	rows, err := q.db.Query(ctx, listThreadsSQL)
	if err != nil {
		return nil, fmt.Errorf("select threads: %w", err)
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return threads, nil
}

const searchThreadsSQL = `
SELECT ` + threadColumns + `
FROM threads t
WHERE t.title ILIKE '%' || $1 || '%'
   OR EXISTS (
        SELECT 1 FROM messages m
        WHERE m.thread_id = t.id AND m.content ILIKE '%' || $1 || '%'
   )
ORDER BY t.updated_at DESC, t.id`

// SearchThreads returns threads whose title or any message content contains
// the query, case-insensitively, most recently updated first.
func (q *Queries) SearchThreads(ctx context.Context, query string) ([]*Thread, error) {
	rows, err := q.db.Query(ctx, searchThreadsSQL, query)
	if err != nil {
		return nil, fmt.Errorf("search threads: %w", err)
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return threads, nil
}

const lockThreadSQL = `SELECT id FROM threads WHERE id = $1 FOR UPDATE`

// LockThread takes a row lock on the thread for the duration of the enclosing
// transaction, serializing concurrent appends. Returns ErrNotFound when the
// thread does not exist.
func (q *Queries) LockThread(ctx context.Context, id uuid.UUID) error {
	var locked pgtype.UUID
	if err := q.db.QueryRow(ctx, lockThreadSQL, uuidToPgUUID(id)).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock thread: %w", err)
	}
	return nil
}

const touchThreadSQL = `UPDATE threads SET updated_at = now() WHERE id = $1`

// TouchThread bumps the thread's updated_at timestamp.
func (q *Queries) TouchThread(ctx context.Context, id uuid.UUID) error {
	if _, err := q.db.Exec(ctx, touchThreadSQL, uuidToPgUUID(id)); err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	return nil
}

const setTitleOverrideSQL = `
UPDATE threads SET title = $2, title_overridden = TRUE, updated_at = now()
WHERE id = $1`

// SetTitleOverride applies a user-chosen title and marks it overridden so
// derivation stops touching it. Returns ErrNotFound for unknown threads.
func (q *Queries) SetTitleOverride(ctx context.Context, id uuid.UUID, title string) error {
	tag, err := q.db.Exec(ctx, setTitleOverrideSQL, uuidToPgUUID(id), title)
	if err != nil {
		return fmt.Errorf("set title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const setTitleDerivedSQL = `
UPDATE threads SET title = $2
WHERE id = $1 AND NOT title_overridden`

// SetTitleDerived applies a derived title unless the user has overridden it.
// Skipping an overridden thread is not an error.
func (q *Queries) SetTitleDerived(ctx context.Context, id uuid.UUID, title string) error {
	if _, err := q.db.Exec(ctx, setTitleDerivedSQL, uuidToPgUUID(id), title); err != nil {
		return fmt.Errorf("set derived title: %w", err)
	}
	return nil
}

const deleteThreadSQL = `DELETE FROM threads WHERE id = $1`

// DeleteThread removes a thread; messages cascade at the schema level.
// Returns the number of threads deleted (0 or 1).
func (q *Queries) DeleteThread(ctx context.Context, id uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, deleteThreadSQL, uuidToPgUUID(id))
	if err != nil {
		return 0, fmt.Errorf("delete thread: %w", err)
	}
	return tag.RowsAffected(), nil
}

const insertMessageSQL = `
INSERT INTO messages (thread_id, parent_id, role, content, interrupted, sequence_number)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, thread_id, parent_id, role, content, interrupted, sequence_number, created_at`

// InsertMessageParams carries one message insert.
type InsertMessageParams struct {
	ThreadID       uuid.UUID
	ParentID       *uuid.UUID
	Role           string
	Content        string
	Interrupted    bool
	SequenceNumber int32
}

// InsertMessage appends one message row.
func (q *Queries) InsertMessage(ctx context.Context, arg InsertMessageParams) (*Message, error) {
	row := q.db.QueryRow(ctx, insertMessageSQL,
		uuidToPgUUID(arg.ThreadID),
		uuidPtrToPgUUID(arg.ParentID),
		arg.Role,
		arg.Content,
		arg.Interrupted,
		arg.SequenceNumber,
	)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

const messageByParentSQL = `
SELECT id, thread_id, parent_id, role, content, interrupted, sequence_number, created_at
FROM messages
WHERE parent_id = $1`

// MessageByParent returns the assistant message committed for the given user
// message, or pgx.ErrNoRows when the turn has not been committed yet.
func (q *Queries) MessageByParent(ctx context.Context, parentID uuid.UUID) (*Message, error) {
	return scanMessage(q.db.QueryRow(ctx, messageByParentSQL, uuidToPgUUID(parentID)))
}

const listMessagesSQL = `
SELECT id, thread_id, parent_id, role, content, interrupted, sequence_number, created_at
FROM messages
WHERE thread_id = $1
ORDER BY sequence_number`

// ListMessages returns a thread's messages in append order.
func (q *Queries) ListMessages(ctx context.Context, threadID uuid.UUID) ([]*Message, error) {
	rows, err := q.db.Query(ctx, listMessagesSQL, uuidToPgUUID(threadID))
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

const maxSequenceSQL = `
SELECT COALESCE(MAX(sequence_number), 0) FROM messages WHERE thread_id = $1`

// MaxSequence returns the highest sequence number in the thread (0 if empty).
func (q *Queries) MaxSequence(ctx context.Context, threadID uuid.UUID) (int32, error) {
	var max int32
	if err := q.db.QueryRow(ctx, maxSequenceSQL, uuidToPgUUID(threadID)).Scan(&max); err != nil {
		return 0, fmt.Errorf("select max sequence: %w", err)
	}
	return max, nil
}

// scanThread scans one thread row including the message_count projection.
func scanThread(row pgx.Row) (*Thread, error) {
	var (
		t     Thread
		id    pgtype.UUID
		ctime pgtype.Timestamptz
		utime pgtype.Timestamptz
	)
	if err := row.Scan(&id, &t.Title, &t.TitleOverridden, &ctime, &utime, &t.MessageCount); err != nil {
		return nil, err
	}
	t.ID = pgUUIDToUUID(id)
	t.CreatedAt = ctime.Time
	t.UpdatedAt = utime.Time
	return &t, nil
}

// scanMessage scans one message row.
func scanMessage(row pgx.Row) (*Message, error) {
	var (
		m      Message
		id     pgtype.UUID
		thID   pgtype.UUID
		parent pgtype.UUID
		ctime  pgtype.Timestamptz
	)
	if err := row.Scan(&id, &thID, &parent, &m.Role, &m.Content, &m.Interrupted, &m.SequenceNumber, &ctime); err != nil {
		return nil, err
	}
	m.ID = pgUUIDToUUID(id)
	m.ThreadID = pgUUIDToUUID(thID)
	if parent.Valid {
		p := pgUUIDToUUID(parent)
		m.ParentID = &p
	}
	m.CreatedAt = ctime.Time
	return &m, nil
}

// uuidToPgUUID converts uuid.UUID to pgtype.UUID.
func uuidToPgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

// uuidPtrToPgUUID converts *uuid.UUID to a nullable pgtype.UUID.
func uuidPtrToPgUUID(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: *id, Valid: true}
}

// pgUUIDToUUID converts pgtype.UUID to uuid.UUID.
func pgUUIDToUUID(pgUUID pgtype.UUID) uuid.UUID {
	if !pgUUID.Valid {
		return uuid.Nil
	}
	return pgUUID.Bytes
}
