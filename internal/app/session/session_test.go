package session

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walkerhughes/agent-sandboxing/internal/domain/task"
	"github.com/walkerhughes/agent-sandboxing/internal/infra/store/memory"
	"github.com/walkerhughes/agent-sandboxing/internal/infra/store/storetest"
)

func finished(id, prompt, summary string, at time.Time) task.Task {
	t := storetest.NewPendingTask(id, "session-1", prompt, at)
	t.Status = task.StatusCompleted
	t.Result = &task.Result{Summary: summary, ActionsTaken: []string{}}
	done := at.Add(time.Second)
	t.CompletedAt = &done
	return t
}

func TestBuildContextualPromptWithoutHistoryReturnsPrompt(t *testing.T) {
	current := storetest.NewPendingTask("task-1", "session-1", "list files", time.Now())
	assert.Equal(t, "list files", BuildContextualPrompt(current, nil))

	running := storetest.NewPendingTask("task-0", "session-1", "in flight", time.Now())
	running.Status = task.StatusRunning
	assert.Equal(t, "list files", BuildContextualPrompt(current, []task.Task{running}))
}

func TestBuildContextualPromptOrdersChronologically(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	failed := finished("task-b", "delete logs", "", base.Add(time.Minute))
	failed.Status = task.StatusFailed
	failed.Result = &task.Result{Error: "permission denied", ActionsTaken: []string{}}
	prior := []task.Task{
		finished("task-c", "count lines", "42 lines", base.Add(2*time.Minute)),
		failed,
		finished("task-a", "list files", "Listed 3 files", base),
	}
	current := storetest.NewPendingTask("task-d", "session-1", "summarize", base.Add(3*time.Minute))

	out := BuildContextualPrompt(current, prior)
	require.True(t, strings.HasPrefix(out, historyPreamble))

	order := []string{
		"User: list files", "Assistant: Listed 3 files",
		"User: delete logs", "Assistant: The task failed: permission denied",
		"User: count lines", "Assistant: 42 lines",
		currentMarker + "\nsummarize",
	}
	last := -1
	for _, part := range order {
		idx := strings.Index(out, part)
		require.GreaterOrEqual(t, idx, 0, "missing %q", part)
		assert.Greater(t, idx, last, "%q out of order", part)
		last = idx
	}
	assert.True(t, strings.HasSuffix(out, "summarize"))
}

func TestBuildContextualPromptKeepsMostRecentTurns(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var prior []task.Task
	for i := 0; i < HistoryLimit+3; i++ {
		prior = append(prior, finished(fmt.Sprintf("task-%02d", i), fmt.Sprintf("prompt %02d", i), fmt.Sprintf("summary %02d", i), base.Add(time.Duration(i)*time.Minute)))
	}
	current := storetest.NewPendingTask("task-now", "session-1", "next", base.Add(time.Hour))

	out := BuildContextualPrompt(current, prior)
	assert.Equal(t, HistoryLimit, strings.Count(out, "User: "))
	assert.NotContains(t, out, "prompt 02")
	assert.Contains(t, out, "prompt 03")
	assert.Contains(t, out, fmt.Sprintf("prompt %02d", HistoryLimit+2))
}

func TestBuildContextualPromptIsPure(t *testing.T) {
	base := time.Now()
	prior := []task.Task{
		finished("task-b", "second", "two", base.Add(time.Minute)),
		finished("task-a", "first", "one", base),
	}
	current := storetest.NewPendingTask("task-c", "session-1", "third", base.Add(2*time.Minute))
	first := BuildContextualPrompt(current, prior)
	assert.Equal(t, first, BuildContextualPrompt(current, prior))
	assert.Equal(t, "task-b", prior[0].ID, "input slice must not be reordered")
}

func TestCorrelatorResolvesLatestHandle(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	c, err := NewCorrelator(store, 8)
	require.NoError(t, err)

	handle, err := c.ResolveResumeHandle(ctx, "session-1")
	require.NoError(t, err)
	assert.Empty(t, handle, "unknown session has no handle")

	require.NoError(t, c.Record(ctx, "session-1", "s1"))
	handle, err = c.ResolveResumeHandle(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, "s1", handle)

	require.NoError(t, c.Record(ctx, "session-1", "s2"))
	require.NoError(t, c.Record(ctx, "session-1", ""))
	handle, err = c.ResolveResumeHandle(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, "s2", handle)

	stored, err := store.GetSession(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, "s2", stored.LatestWorkerSessionID)
}

func TestCorrelatorReadsThroughCache(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, err := store.GetOrCreateSession(ctx, "session-1")
	require.NoError(t, err)
	_, err = store.UpdateSession(ctx, "session-1", "s9")
	require.NoError(t, err)

	c, err := NewCorrelator(store, 0)
	require.NoError(t, err)
	handle, err := c.ResolveResumeHandle(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, "s9", handle)

	store.SetFailure(memory.ErrUnavailable)
	handle, err = c.ResolveResumeHandle(ctx, "session-1")
	require.NoError(t, err, "cached handle must not hit the store")
	assert.Equal(t, "s9", handle)

	fresh, err := NewCorrelator(store, 0)
	require.NoError(t, err)
	_, err = fresh.ResolveResumeHandle(ctx, "session-1")
	assert.ErrorIs(t, err, memory.ErrUnavailable)
}

func TestPriorTasksExcludesCurrent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	base := time.Now()
	require.NoError(t, store.CreateTask(ctx, finished("task-a", "first", "one", base)))
	require.NoError(t, store.CreateTask(ctx, finished("task-b", "second", "two", base.Add(time.Minute))))
	require.NoError(t, store.CreateTask(ctx, storetest.NewPendingTask("task-c", "session-1", "third", base.Add(2*time.Minute))))

	c, err := NewCorrelator(store, 0)
	require.NoError(t, err)
	prior, err := c.PriorTasks(ctx, "session-1", "task-b")
	require.NoError(t, err)
	require.Len(t, prior, 1)
	assert.Equal(t, "task-a", prior[0].ID)
}
