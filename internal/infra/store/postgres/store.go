// Package postgres persists tasks and chat sessions in Postgres via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/walkerhughes/agent-sandboxing/internal/domain/task"
	"github.com/walkerhughes/agent-sandboxing/internal/infra/store/codec"
	"github.com/walkerhughes/agent-sandboxing/internal/shared/logging"
	id "github.com/walkerhughes/agent-sandboxing/internal/shared/utils/id"
)

const (
	tasksTable    = "agent_tasks"
	updatesTable  = "agent_task_status_updates"
	sessionsTable = "agent_chat_sessions"

	taskColumns = `task_id, chat_session_id, status, prompt, worker_session_id, clarification, result,
       execution_segment, created_at, updated_at, completed_at`
)

var errNotInitialized = errors.New("postgres task store not initialized")

// Store implements task.Store on a pgx connection pool. Task mutations lock
// the task row (SELECT ... FOR UPDATE) for the read-compute-write cycle.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New constructs a Postgres-backed store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:   pool,
		logger: logging.NewComponentLogger("PostgresTaskStore"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates and pings a pool for dsn.
func Open(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errNotInitialized
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + sessionsTable + ` (
    session_id TEXT PRIMARY KEY,
    latest_worker_session_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS ` + tasksTable + ` (
    task_id TEXT PRIMARY KEY,
    chat_session_id TEXT NOT NULL,
    status TEXT NOT NULL,
    prompt TEXT NOT NULL,
    worker_session_id TEXT NOT NULL DEFAULT '',
    clarification JSONB,
    result JSONB,
    execution_segment INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ
);`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_session_created ON %s (chat_session_id, created_at DESC);`, tasksTable, tasksTable),
		`CREATE TABLE IF NOT EXISTS ` + updatesTable + ` (
    id BIGSERIAL PRIMARY KEY,
    task_id TEXT NOT NULL REFERENCES ` + tasksTable + `(task_id) ON DELETE CASCADE,
    event_id TEXT NOT NULL,
    message TEXT NOT NULL,
    tool TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (task_id, event_id)
);`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure task schema: %w", err)
		}
	}
	return nil
}

var _ task.Store = (*Store)(nil)

func (s *Store) CreateTask(ctx context.Context, t task.Task) error {
	if s == nil || s.pool == nil {
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
	tag, err := s.pool.Exec(ctx, `
INSERT INTO `+tasksTable+` (task_id, chat_session_id, status, prompt, worker_session_id, clarification, result,
    execution_segment, created_at, updated_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, $9, $10, $11)
ON CONFLICT (task_id) DO NOTHING
`, t.ID, t.ChatSessionID, string(t.Status), t.Prompt, t.WorkerSessionID, clarification, result,
		t.ExecutionSegment, t.CreatedAt, t.UpdatedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return task.InvalidInputError("task " + t.ID + " already exists")
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (task.Task, error) {
	if s == nil || s.pool == nil {
		return task.Task{}, errNotInitialized
	}
	t, err := loadTask(ctx, s.pool, taskID, false)
	if err != nil {
		return task.Task{}, err
	}
	return t, nil
}

func (s *Store) UpdateTask(ctx context.Context, taskID string, u task.Update) (task.Task, error) {
	if s == nil || s.pool == nil {
		return task.Task{}, errNotInitialized
	}
	var out task.Task
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := loadTask(ctx, tx, taskID, true)
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
		if _, err := tx.Exec(ctx, `
UPDATE `+tasksTable+`
SET status = $2, worker_session_id = $3, clarification = $4::jsonb, result = $5::jsonb,
    execution_segment = $6, updated_at = $7, completed_at = $8
WHERE task_id = $1
`, taskID, string(next.Status), next.WorkerSessionID, clarification, result,
			next.ExecutionSegment, next.UpdatedAt, next.CompletedAt); err != nil {
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
	if s == nil || s.pool == nil {
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
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM `+tasksTable+` WHERE task_id = $1 FOR UPDATE`, taskID).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return task.UnknownTaskError(taskID)
			}
			return fmt.Errorf("lock task: %w", err)
		}
		if task.Status(status).IsTerminal() {
			return task.TerminalStateError(taskID, task.Status(status))
		}
		tag, err := tx.Exec(ctx, `
INSERT INTO `+updatesTable+` (task_id, event_id, message, tool, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (task_id, event_id) DO NOTHING
`, taskID, u.EventID, u.Message, u.Tool, u.Timestamp)
		if err != nil {
			return fmt.Errorf("append status update: %w", err)
		}
		appended = tag.RowsAffected() > 0
		if appended {
			if _, err := tx.Exec(ctx, `UPDATE `+tasksTable+` SET updated_at = $2 WHERE task_id = $1`, taskID, now); err != nil {
				return fmt.Errorf("touch task: %w", err)
			}
		}
		out, err = loadTask(ctx, tx, taskID, false)
		return err
	})
	if err != nil {
		return task.Task{}, false, err
	}
	return out, appended, nil
}

func (s *Store) ListRecentTasks(ctx context.Context, sessionID string, statuses []task.Status, limit int) ([]task.Task, error) {
	if s == nil || s.pool == nil {
		return nil, errNotInitialized
	}
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + taskColumns + ` FROM ` + tasksTable + ` WHERE chat_session_id = $1`
	args := []any{sessionID, limit}
	if len(statuses) > 0 {
		query += ` AND status = ANY($3)`
		args = append(args, codec.StatusStrings(statuses))
	}
	query += ` ORDER BY created_at DESC, task_id DESC LIMIT $2`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	for i := range tasks {
		updates, err := loadUpdates(ctx, s.pool, tasks[i].ID)
		if err != nil {
			return nil, err
		}
		tasks[i].StatusUpdates = updates
	}
	return tasks, nil
}

func (s *Store) GetOrCreateSession(ctx context.Context, sessionID string) (task.ChatSession, error) {
	if s == nil || s.pool == nil {
		return task.ChatSession{}, errNotInitialized
	}
	if sessionID == "" {
		return task.ChatSession{}, task.InvalidInputError("session id required")
	}
	now := s.now()
	if _, err := s.pool.Exec(ctx, `
INSERT INTO `+sessionsTable+` (session_id, created_at, updated_at)
VALUES ($1, $2, $2)
ON CONFLICT (session_id) DO NOTHING
`, sessionID, now); err != nil {
		return task.ChatSession{}, fmt.Errorf("create session: %w", err)
	}
	return s.GetSession(ctx, sessionID)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (task.ChatSession, error) {
	if s == nil || s.pool == nil {
		return task.ChatSession{}, errNotInitialized
	}
	var session task.ChatSession
	err := s.pool.QueryRow(ctx, `
SELECT session_id, latest_worker_session_id, created_at, updated_at
FROM `+sessionsTable+` WHERE session_id = $1
`, sessionID).Scan(&session.ID, &session.LatestWorkerSessionID, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return task.ChatSession{}, task.UnknownSessionError(sessionID)
		}
		return task.ChatSession{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

func (s *Store) UpdateSession(ctx context.Context, sessionID string, latestWorkerSessionID string) (task.ChatSession, error) {
	if s == nil || s.pool == nil {
		return task.ChatSession{}, errNotInitialized
	}
	var session task.ChatSession
	err := s.pool.QueryRow(ctx, `
UPDATE `+sessionsTable+`
SET latest_worker_session_id = CASE WHEN $2 = '' THEN latest_worker_session_id ELSE $2 END,
    updated_at = $3
WHERE session_id = $1
RETURNING session_id, latest_worker_session_id, created_at, updated_at
`, sessionID, latestWorkerSessionID, s.now()).Scan(&session.ID, &session.LatestWorkerSessionID, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return task.ChatSession{}, task.UnknownSessionError(sessionID)
		}
		return task.ChatSession{}, fmt.Errorf("update session: %w", err)
	}
	return session, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errNotInitialized
	}
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", task.ErrStoreUnavailable, err)
	}
	return nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadTask(ctx context.Context, q querier, taskID string, forUpdate bool) (task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM ` + tasksTable + ` WHERE task_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	t, err := scanTask(q.QueryRow(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
	rows, err := q.Query(ctx, `
SELECT event_id, message, tool, created_at
FROM `+updatesTable+` WHERE task_id = $1 ORDER BY id ASC
`, taskID)
	if err != nil {
		return nil, fmt.Errorf("load status updates: %w", err)
	}
	defer rows.Close()

	updates := []task.StatusUpdate{}
	for rows.Next() {
		var u task.StatusUpdate
		if err := rows.Scan(&u.EventID, &u.Message, &u.Tool, &u.Timestamp); err != nil {
			return nil, fmt.Errorf("scan status update: %w", err)
		}
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load status updates: %w", err)
	}
	return updates, nil
}

func scanTask(row pgx.Row) (task.Task, error) {
	var (
		t             task.Task
		status        string
		clarification *string
		result        *string
	)
	if err := row.Scan(&t.ID, &t.ChatSessionID, &status, &t.Prompt, &t.WorkerSessionID,
		&clarification, &result, &t.ExecutionSegment,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return task.Task{}, err
		}
		return task.Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.Status = task.Status(status)
	var err error
	if t.PendingClarification, err = codec.DecodeClarification(clarification); err != nil {
		return task.Task{}, err
	}
	if t.Result, err = codec.DecodeResult(result); err != nil {
		return task.Task{}, err
	}
	return t, nil
}
