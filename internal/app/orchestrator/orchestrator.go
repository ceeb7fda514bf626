// Package orchestrator is the task state machine. It owns every legal status
// change, applies worker callbacks idempotently and dispatches worker spawns.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/walkerhughes/agent-sandboxing/internal/app/session"
	"github.com/walkerhughes/agent-sandboxing/internal/domain/task"
	"github.com/walkerhughes/agent-sandboxing/internal/infra/observability"
	"github.com/walkerhughes/agent-sandboxing/internal/shared/async"
	"github.com/walkerhughes/agent-sandboxing/internal/shared/logging"
	id "github.com/walkerhughes/agent-sandboxing/internal/shared/utils/id"
)

const (
	defaultSpawnTimeout   = 30 * time.Second
	defaultSignalTimeout  = 10 * time.Second
	defaultMaxCASAttempts = 8
)

// Config holds the orchestrator's tunables.
type Config struct {
	// CallbackURL is the webhook address handed to every spawned worker.
	CallbackURL string
	// SpawnTimeout bounds a single spawn call.
	SpawnTimeout time.Duration
	// MaxCASAttempts bounds compare-and-set retries per transition.
	MaxCASAttempts int
}

// Orchestrator coordinates the task store, the session correlator and the
// worker spawner.
type Orchestrator struct {
	store      task.Store
	spawner    task.Spawner
	correlator *session.Correlator
	notifier   task.Notifier
	metrics    *observability.Metrics
	tracer     *observability.TracerProvider
	tracker    *async.Tracker
	logger     logging.Logger
	now        func() time.Time
	cfg        Config
}

// Option configures optional collaborators.
type Option func(*Orchestrator)

// WithNotifier receives the stored task after every accepted transition.
func WithNotifier(n task.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithMetrics records transitions and spawns.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer wraps operations in spans.
func WithTracer(tp *observability.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = tp }
}

// WithLogger overrides the component logger.
func WithLogger(l logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = logging.OrNop(l) }
}

// WithClock overrides the time source for created tasks.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New constructs an orchestrator.
func New(store task.Store, spawner task.Spawner, correlator *session.Correlator, cfg Config, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("orchestrator requires a task store")
	}
	if spawner == nil {
		return nil, errors.New("orchestrator requires a spawner")
	}
	if correlator == nil {
		return nil, errors.New("orchestrator requires a session correlator")
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = defaultSpawnTimeout
	}
	if cfg.MaxCASAttempts <= 0 {
		cfg.MaxCASAttempts = defaultMaxCASAttempts
	}
	logger := logging.NewComponentLogger("Orchestrator")
	o := &Orchestrator{
		store:      store,
		spawner:    spawner,
		correlator: correlator,
		notifier:   task.NotifierFunc(func(context.Context, task.Task) {}),
		tracer:     observability.NoopTracer(),
		tracker:    async.NewTracker(logger),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		cfg:        cfg,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// Started is returned by Start.
type Started struct {
	TaskID        string `json:"taskId"`
	ChatSessionID string `json:"chatSessionId"`
}

// Start creates a task in the given (or a new) chat session and launches a
// worker for it. The spawn runs in the background; its outcome arrives as a
// transition.
func (o *Orchestrator) Start(ctx context.Context, chatSessionID, prompt string) (Started, error) {
	if strings.TrimSpace(prompt) == "" {
		return Started{}, task.InvalidInputError("prompt is required")
	}
	chatSessionID = strings.TrimSpace(chatSessionID)
	if chatSessionID == "" {
		chatSessionID = id.NewSessionID()
	}
	ctx = id.WithSessionID(ctx, chatSessionID)
	logger := logging.FromContext(ctx, o.logger)

	if _, err := o.store.GetOrCreateSession(ctx, chatSessionID); err != nil {
		return Started{}, err
	}
	created, err := o.CreateTask(ctx, chatSessionID, prompt)
	if err != nil {
		return Started{}, err
	}
	ctx = id.WithTaskID(ctx, created.ID)

	handle, err := o.correlator.ResolveResumeHandle(ctx, chatSessionID)
	if err != nil {
		logger.Warn("[Orchestrator] resolve resume handle for session %s: %v", chatSessionID, err)
	}
	prior, err := o.correlator.PriorTasks(ctx, chatSessionID, created.ID)
	if err != nil {
		logger.Warn("[Orchestrator] load history for session %s: %v", chatSessionID, err)
	}

	o.dispatchSpawn(ctx, task.SpawnRequest{
		TaskID:           created.ID,
		Prompt:           session.BuildContextualPrompt(created, prior),
		CallbackURL:      o.cfg.CallbackURL,
		ResumeHandle:     handle,
		ExecutionSegment: created.ExecutionSegment,
	})
	logger.Info("[Orchestrator] task %s started in session %s (resume=%t)", created.ID, chatSessionID, handle != "")
	return Started{TaskID: created.ID, ChatSessionID: chatSessionID}, nil
}

// CreateTask inserts a pending task.
func (o *Orchestrator) CreateTask(ctx context.Context, chatSessionID, prompt string) (task.Task, error) {
	if strings.TrimSpace(prompt) == "" {
		return task.Task{}, task.InvalidInputError("prompt is required")
	}
	if strings.TrimSpace(chatSessionID) == "" {
		return task.Task{}, task.InvalidInputError("chat session id is required")
	}
	ctx, span := o.tracer.StartSpan(ctx, observability.SpanTaskCreate)
	now := o.now()
	created := task.Task{
		ID:               id.NewTaskID(),
		ChatSessionID:    chatSessionID,
		Status:           task.StatusPending,
		Prompt:           prompt,
		StatusUpdates:    []task.StatusUpdate{},
		ExecutionSegment: 1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err := o.store.CreateTask(ctx, created)
	observability.EndSpan(span, err)
	if err != nil {
		return task.Task{}, err
	}
	o.notifier.Notify(ctx, created)
	return created, nil
}

// GetTask returns the stored task.
func (o *Orchestrator) GetTask(ctx context.Context, taskID string) (task.Task, error) {
	if strings.TrimSpace(taskID) == "" {
		return task.Task{}, task.InvalidInputError("task id is required")
	}
	return o.store.GetTask(ctx, taskID)
}

// ListSessionTasks returns a session's tasks, newest first.
func (o *Orchestrator) ListSessionTasks(ctx context.Context, chatSessionID string, statuses []task.Status, limit int) ([]task.Task, error) {
	if strings.TrimSpace(chatSessionID) == "" {
		return nil, task.InvalidInputError("chat session id is required")
	}
	return o.store.ListRecentTasks(ctx, chatSessionID, statuses, limit)
}

// Ping reports store health.
func (o *Orchestrator) Ping(ctx context.Context) error {
	return o.store.Ping(ctx)
}

// Drain waits for in-flight spawns and signals to finish.
func (o *Orchestrator) Drain(ctx context.Context) error {
	return o.tracker.Wait(ctx)
}
