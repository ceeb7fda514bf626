package task

import "context"

// Store is the persistence port. Implementations apply every mutation
// atomically per task id and never reorder status updates.
type Store interface {
	// CreateTask inserts a new task.
	CreateTask(ctx context.Context, t Task) error

	// GetTask returns a copy of the task or an ErrUnknownTask error.
	GetTask(ctx context.Context, taskID string) (Task, error)

	// UpdateTask applies u with compare-and-set semantics and returns the
	// stored result. A failed precondition yields ErrStatusConflict.
	UpdateTask(ctx context.Context, taskID string, u Update) (Task, error)

	// AppendStatusUpdate atomically appends to the status log. appended is
	// false when an entry with the same event id already exists. Terminal
	// tasks yield ErrTerminalState.
	AppendStatusUpdate(ctx context.Context, taskID string, u StatusUpdate) (t Task, appended bool, err error)

	// ListRecentTasks returns up to limit tasks of a session, newest first,
	// optionally restricted to the given statuses.
	ListRecentTasks(ctx context.Context, sessionID string, statuses []Status, limit int) ([]Task, error)

	// GetOrCreateSession returns the session, creating it when absent.
	GetOrCreateSession(ctx context.Context, sessionID string) (ChatSession, error)

	// GetSession returns the session or an ErrUnknownSession error.
	GetSession(ctx context.Context, sessionID string) (ChatSession, error)

	// UpdateSession records the latest worker handle for a session.
	UpdateSession(ctx context.Context, sessionID string, latestWorkerSessionID string) (ChatSession, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// SpawnRequest describes one worker launch or resume.
type SpawnRequest struct {
	TaskID           string
	Prompt           string
	CallbackURL      string
	ResumeHandle     string
	ExecutionSegment int
}

// CancelSignal asks the worker to stop a task on a best-effort basis.
type CancelSignal struct {
	TaskID          string
	WorkerSessionID string
}

// Spawner launches and signals the external worker. Spawn is invoked exactly
// once per spawn decision and is never retried by the caller.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) error
	Signal(ctx context.Context, sig CancelSignal) error
}

// Notifier receives the stored task after every accepted transition.
type Notifier interface {
	Notify(ctx context.Context, t Task)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, t Task)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, t Task) { f(ctx, t) }
