package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/walkerhughes/agent-sandboxing/internal/app/session"
	"github.com/walkerhughes/agent-sandboxing/internal/domain/task"
	"github.com/walkerhughes/agent-sandboxing/internal/infra/store/memory"
)

type fakeSpawner struct {
	mu       sync.Mutex
	requests []task.SpawnRequest
	signals  []task.CancelSignal
	err      error
	block    chan struct{}
}

func (f *fakeSpawner) Spawn(ctx context.Context, req task.SpawnRequest) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	err := f.err
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeSpawner) Signal(_ context.Context, sig task.CancelSignal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sig)
	return nil
}

func (f *fakeSpawner) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSpawner) spawned() []task.SpawnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]task.SpawnRequest(nil), f.requests...)
}

func (f *fakeSpawner) signalled() []task.CancelSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]task.CancelSignal(nil), f.signals...)
}

type recordingNotifier struct {
	mu    sync.Mutex
	tasks []task.Task
}

func (r *recordingNotifier) Notify(_ context.Context, t task.Task) {
	r.mu.Lock()
	r.tasks = append(r.tasks, t.Clone())
	r.mu.Unlock()
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

type harness struct {
	orch     *Orchestrator
	store    *memory.Store
	spawner  *fakeSpawner
	notifier *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.New()
	correlator, err := session.NewCorrelator(store, 16)
	require.NoError(t, err)
	h := &harness{store: store, spawner: &fakeSpawner{}, notifier: &recordingNotifier{}}
	h.orch, err = New(store, h.spawner, correlator, Config{
		CallbackURL:  "http://core.test/api/agent/webhook",
		SpawnTimeout: time.Second,
	}, WithNotifier(h.notifier))
	require.NoError(t, err)
	return h
}

// drain waits for background spawns and signals.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Drain(ctx))
}

func (h *harness) task(t *testing.T, taskID string) task.Task {
	t.Helper()
	got, err := h.store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	require.NoError(t, got.CheckInvariants())
	return got
}
