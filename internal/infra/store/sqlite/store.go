// Package sqlite persists tasks in a single-file SQLite database through the
// pure-Go modernc driver, for single-node deployments without Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/walkerhughes/agent-sandboxing/internal/domain/task"
	"github.com/walkerhughes/agent-sandboxing/internal/infra/store/codec"
	"github.com/walkerhughes/agent-sandboxing/internal/shared/logging"
	id "github.com/walkerhughes/agent-sandboxing/internal/shared/utils/id"
)

const taskColumns = `task_id, chat_session_id, status, prompt, worker_session_id, clarification, result,
       execution_segment, created_at, updated_at, completed_at`

var errNotInitialized = errors.New("sqlite task store not initialized")

// Store implements task.Store on database/sql. The pool is limited to one
// connection so every transaction is serialized, which gives per-task
// compare-and-set without row locks.
type Store struct {
	db     *sql.DB
	logger logging.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		logger: logging.NewComponentLogger("SQLiteTaskStore"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
    session_id TEXT PRIMARY KEY,
    latest_worker_session_id TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS tasks (
    task_id TEXT PRIMARY KEY,
    chat_session_id TEXT NOT NULL,
    status TEXT NOT NULL,
    prompt TEXT NOT NULL,
    worker_session_id TEXT NOT NULL DEFAULT '',
    clarification TEXT,
    result TEXT,
    execution_segment INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    completed_at INTEGER
)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_session_created ON tasks (chat_session_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS task_status_updates (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
    event_id TEXT NOT NULL,
    message TEXT NOT NULL,
    tool TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    UNIQUE (task_id, event_id)
)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure sqlite schema: %w", err)
		}
	}
	return nil
}

var _ task.Store = (*Store)(nil)

func (s *Store) CreateTask(ctx context.Context, t task.Task) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if err := t.CheckInvariants(); err != nil {
		return task.InvalidInputError(err.Error())
	}
	clarification, err := codec.EncodeClarification(t.PendingClarification)
	if err != nil {
		return err
	}
	result, err := codec.EncodeResult(t.Result)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (task_id, chat_session_id, status, prompt, worker_session_id, clarification, result,
    execution_segment, created_at, updated_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (task_id) DO NOTHING
`, t.ID, t.ChatSessionID, string(t.Status), t.Prompt, t.WorkerSessionID, clarification, result,
		t.ExecutionSegment, toUnix(t.CreatedAt), toUnix(t.UpdatedAt), toNullUnix(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return task.InvalidInputError("task " + t.ID + " already exists")
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (task.Task, error) {
	if s == nil || s.db == nil {
		return task.Task{}, errNotInitialized
	}
	return loadTask(ctx, s.db, taskID)
}

func (s *Store) UpdateTask(ctx context.Context, taskID string, u task.Update) (task.Task, error) {
	if s == nil || s.db == nil {
		return task.Task{}, errNotInitialized
	}
	var out task.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := loadTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		next, err := u.Apply(current, s.now())
		if err != nil {
			return err
		}
		clarification, err := codec.EncodeClarification(next.PendingClarification)
		if err != nil {
			return err
		}
		result, err := codec.EncodeResult(next.Result)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE tasks
SET status = ?, worker_session_id = ?, clarification = ?, result = ?,
    execution_segment = ?, updated_at = ?, completed_at = ?
WHERE task_id = ?
`, string(next.Status), next.WorkerSessionID, clarification, result, next.ExecutionSegment,
			toUnix(next.UpdatedAt), toNullUnix(next.CompletedAt), taskID); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		out = next
		return nil
	})
	if err != nil {
		return task.Task{}, err
	}
	return out, nil
}

func (s *Store) AppendStatusUpdate(ctx context.Context, taskID string, u task.StatusUpdate) (task.Task, bool, error) {
	if s == nil || s.db == nil {
		return task.Task{}, false, errNotInitialized
	}
	if u.EventID == "" {
		u.EventID = id.NewEventID()
	}
	now := s.now()
	if u.Timestamp.IsZero() {
		u.Timestamp = now
	}

	var (
		out      task.Task
		appended bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?`, taskID).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return task.UnknownTaskError(taskID)
			}
			return fmt.Errorf("read task status: %w", err)
		}
		if task.Status(status).IsTerminal() {
			return task.TerminalStateError(taskID, task.Status(status))
		}
		res, err := tx.ExecContext(ctx, `
INSERT INTO task_status_updates (task_id, event_id, message, tool, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (task_id, event_id) DO NOTHING
`, taskID, u.EventID, u.Message, u.Tool, toUnix(u.Timestamp))
		if err != nil {
			return fmt.Errorf("append status update: %w", err)
		}
		n, _ := res.RowsAffected()
		appended = n > 0
		if appended {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET updated_at = ? WHERE task_id = ?`, toUnix(now), taskID); err != nil {
				return fmt.Errorf("touch task: %w", err)
			}
		}
		out, err = loadTask(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return task.Task{}, false, err
	}
	return out, appended, nil
}

func (s *Store) ListRecentTasks(ctx context.Context, sessionID string, statuses []task.Status, limit int) ([]task.Task, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE chat_session_id = ?`
	args := []any{sessionID}
	if len(statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
		query += ` AND status IN (` + placeholders + `)`
		for _, st := range codec.StatusStrings(statuses) {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at DESC, task_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	_ = rows.Close()

	for i := range tasks {
		updates, err := loadUpdates(ctx, s.db, tasks[i].ID)
		if err != nil {
			return nil, err
		}
		tasks[i].StatusUpdates = updates
	}
	return tasks, nil
}

func (s *Store) GetOrCreateSession(ctx context.Context, sessionID string) (task.ChatSession, error) {
	if s == nil || s.db == nil {
		return task.ChatSession{}, errNotInitialized
	}
	if sessionID == "" {
		return task.ChatSession{}, task.InvalidInputError("session id required")
	}
	now := toUnix(s.now())
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO chat_sessions (session_id, created_at, updated_at) VALUES (?, ?, ?)
ON CONFLICT (session_id) DO NOTHING
`, sessionID, now, now); err != nil {
		return task.ChatSession{}, fmt.Errorf("create session: %w", err)
	}
	return s.GetSession(ctx, sessionID)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (task.ChatSession, error) {
	if s == nil || s.db == nil {
		return task.ChatSession{}, errNotInitialized
	}
	return loadSession(ctx, s.db, sessionID)
}

func (s *Store) UpdateSession(ctx context.Context, sessionID string, latestWorkerSessionID string) (task.ChatSession, error) {
	if s == nil || s.db == nil {
		return task.ChatSession{}, errNotInitialized
	}
	var out task.ChatSession
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE chat_sessions
SET latest_worker_session_id = CASE WHEN ? = '' THEN latest_worker_session_id ELSE ? END,
    updated_at = ?
WHERE session_id = ?
`, latestWorkerSessionID, latestWorkerSessionID, toUnix(s.now()), sessionID)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return task.UnknownSessionError(sessionID)
		}
		out, err = loadSession(ctx, tx, sessionID)
		return err
	})
	if err != nil {
		return task.ChatSession{}, err
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", task.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sqlite tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sqlite tx: %w", err)
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func loadTask(ctx context.Context, q querier, taskID string) (task.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return task.Task{}, task.UnknownTaskError(taskID)
		}
		return task.Task{}, err
	}
	updates, err := loadUpdates(ctx, q, taskID)
	if err != nil {
		return task.Task{}, err
	}
	t.StatusUpdates = updates
	return t, nil
}

func loadUpdates(ctx context.Context, q querier, taskID string) ([]task.StatusUpdate, error) {
	rows, err := q.QueryContext(ctx, `
SELECT event_id, message, tool, created_at FROM task_status_updates WHERE task_id = ? ORDER BY id ASC
`, taskID)
	if err != nil {
		return nil, fmt.Errorf("load status updates: %w", err)
	}
	defer rows.Close()

	updates := []task.StatusUpdate{}
	for rows.Next() {
		var (
			u  task.StatusUpdate
			ts int64
		)
		if err := rows.Scan(&u.EventID, &u.Message, &u.Tool, &ts); err != nil {
			return nil, fmt.Errorf("scan status update: %w", err)
		}
		u.Timestamp = fromUnix(ts)
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load status updates: %w", err)
	}
	return updates, nil
}

func loadSession(ctx context.Context, q querier, sessionID string) (task.ChatSession, error) {
	var (
		session            task.ChatSession
		created, updatedAt int64
	)
	err := q.QueryRowContext(ctx, `
SELECT session_id, latest_worker_session_id, created_at, updated_at FROM chat_sessions WHERE session_id = ?
`, sessionID).Scan(&session.ID, &session.LatestWorkerSessionID, &created, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return task.ChatSession{}, task.UnknownSessionError(sessionID)
		}
		return task.ChatSession{}, fmt.Errorf("get session: %w", err)
	}
	session.CreatedAt = fromUnix(created)
	session.UpdatedAt = fromUnix(updatedAt)
	return session, nil
}

func scanTask(row scanner) (task.Task, error) {
	var (
		t                   task.Task
		status              string
		clarification       *string
		result              *string
		createdAt, updateAt int64
		completedAt         sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.ChatSessionID, &status, &t.Prompt, &t.WorkerSessionID,
		&clarification, &result, &t.ExecutionSegment,
		&createdAt, &updateAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return task.Task{}, err
		}
		return task.Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.Status = task.Status(status)
	t.CreatedAt = fromUnix(createdAt)
	t.UpdatedAt = fromUnix(updateAt)
	if completedAt.Valid {
		ts := fromUnix(completedAt.Int64)
		t.CompletedAt = &ts
	}
	var err error
	if t.PendingClarification, err = codec.DecodeClarification(clarification); err != nil {
		return task.Task{}, err
	}
	if t.Result, err = codec.DecodeResult(result); err != nil {
		return task.Task{}, err
	}
	return t, nil
}

func toUnix(ts time.Time) int64 { return ts.UTC().UnixNano() }

func toNullUnix(ts *time.Time) sql.NullInt64 {
	if ts == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toUnix(*ts), Valid: true}
}

func fromUnix(ns int64) time.Time { return time.Unix(0, ns).UTC() }
