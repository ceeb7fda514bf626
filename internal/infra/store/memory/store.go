// Package memory provides an in-process task store used by tests and
// single-node deployments.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/walkerhughes/agent-sandboxing/internal/domain/task"
)

// ErrUnavailable is a convenience failure for SetFailure in tests.
var ErrUnavailable = fmt.Errorf("memory store: %w", task.ErrStoreUnavailable)

// Store implements task.Store with in-memory maps. Every mutation holds the
// write lock for the read-compute-write cycle, which makes it a per-task
// compare-and-set.
type Store struct {
	mu       sync.RWMutex
	tasks    map[string]*task.Task
	sessions map[string]*task.ChatSession
	now      func() time.Time
	failure  error
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		tasks:    make(map[string]*task.Task),
		sessions: make(map[string]*task.ChatSession),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFailure makes every subsequent call return err until cleared with nil.
// It lets tests exercise backend outages.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
}

var _ task.Store = (*Store)(nil)

func (s *Store) CreateTask(ctx context.Context, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	if _, exists := s.tasks[t.ID]; exists {
		return task.InvalidInputError("task " + t.ID + " already exists")
	}
	if err := t.CheckInvariants(); err != nil {
		return task.InvalidInputError(err.Error())
	}
	stored := t.Clone()
	if stored.StatusUpdates == nil {
		stored.StatusUpdates = []task.StatusUpdate{}
	}
	s.tasks[t.ID] = &stored
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return task.Task{}, s.failure
	}
	t, ok := s.tasks[taskID]
	if !ok {
		return task.Task{}, task.UnknownTaskError(taskID)
	}
	return t.Clone(), nil
}

func (s *Store) UpdateTask(ctx context.Context, taskID string, u task.Update) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return task.Task{}, s.failure
	}
	current, ok := s.tasks[taskID]
	if !ok {
		return task.Task{}, task.UnknownTaskError(taskID)
	}
	next, err := u.Apply(*current, s.now())
	if err != nil {
		return task.Task{}, err
	}
	s.tasks[taskID] = &next
	return next.Clone(), nil
}

func (s *Store) AppendStatusUpdate(ctx context.Context, taskID string, u task.StatusUpdate) (task.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return task.Task{}, false, s.failure
	}
	current, ok := s.tasks[taskID]
	if !ok {
		return task.Task{}, false, task.UnknownTaskError(taskID)
	}
	next, appended, err := task.AppendUpdate(*current, u, s.now())
	if err != nil {
		return task.Task{}, false, err
	}
	if appended {
		s.tasks[taskID] = &next
	}
	return next.Clone(), appended, nil
}

func (s *Store) ListRecentTasks(ctx context.Context, sessionID string, statuses []task.Status, limit int) ([]task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}
	var out []task.Task
	for _, t := range s.tasks {
		if t.ChatSessionID != sessionID {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, t.Status) {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetOrCreateSession(ctx context.Context, sessionID string) (task.ChatSession, error) {
	if sessionID == "" {
		return task.ChatSession{}, task.InvalidInputError("session id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return task.ChatSession{}, s.failure
	}
	if existing, ok := s.sessions[sessionID]; ok {
		return *existing, nil
	}
	now := s.now()
	created := &task.ChatSession{ID: sessionID, CreatedAt: now, UpdatedAt: now}
	s.sessions[sessionID] = created
	return *created, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (task.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return task.ChatSession{}, s.failure
	}
	existing, ok := s.sessions[sessionID]
	if !ok {
		return task.ChatSession{}, task.UnknownSessionError(sessionID)
	}
	return *existing, nil
}

func (s *Store) UpdateSession(ctx context.Context, sessionID string, latestWorkerSessionID string) (task.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return task.ChatSession{}, s.failure
	}
	existing, ok := s.sessions[sessionID]
	if !ok {
		return task.ChatSession{}, task.UnknownSessionError(sessionID)
	}
	if latestWorkerSessionID != "" {
		existing.LatestWorkerSessionID = latestWorkerSessionID
	}
	existing.UpdatedAt = s.now()
	return *existing, nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failure
}
