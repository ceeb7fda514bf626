// Package storetest holds the behavioural contract every task.Store
// implementation must satisfy.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walkerhughes/agent-sandboxing/internal/domain/task"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) task.Store

func statusPtr(s task.Status) *task.Status { return &s }

// NewPendingTask builds a valid pending task for the given session.
func NewPendingTask(id, sessionID, prompt string, createdAt time.Time) task.Task {
	return task.Task{
		ID:               id,
		ChatSessionID:    sessionID,
		Status:           task.StatusPending,
		Prompt:           prompt,
		ExecutionSegment: 1,
		StatusUpdates:    []task.StatusUpdate{},
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}
}

// Run executes the contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("CreateAndGet", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.CreateTask(ctx, NewPendingTask("task-a", "session-1", "list files", base)))

		got, err := store.GetTask(ctx, "task-a")
		require.NoError(t, err)
		assert.Equal(t, task.StatusPending, got.Status)
		assert.Equal(t, "list files", got.Prompt)
		assert.Equal(t, "session-1", got.ChatSessionID)
		assert.Equal(t, 1, got.ExecutionSegment)
		assert.Empty(t, got.StatusUpdates)
		assert.Nil(t, got.Result)
		assert.Nil(t, got.CompletedAt)

		_, err = store.GetTask(ctx, "missing")
		assert.ErrorIs(t, err, task.ErrUnknownTask)
	})

	t.Run("UpdateCompareAndSet", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.CreateTask(ctx, NewPendingTask("task-b", "session-1", "p", base)))

		_, err := store.UpdateTask(ctx, "task-b", task.Update{
			ExpectStatus: []task.Status{task.StatusRunning},
			Status:       statusPtr(task.StatusCancelled),
		})
		assert.ErrorIs(t, err, task.ErrStatusConflict)

		updated, err := store.UpdateTask(ctx, "task-b", task.Update{
			ExpectStatus:    []task.Status{task.StatusPending},
			Status:          statusPtr(task.StatusAwaitingInput),
			WorkerSessionID: "s1",
			Clarification:   &task.Clarification{Question: "Which directory?", Context: "ctx", Options: []string{"/tmp", "/var"}},
		})
		require.NoError(t, err)
		assert.Equal(t, task.StatusAwaitingInput, updated.Status)

		got, err := store.GetTask(ctx, "task-b")
		require.NoError(t, err)
		require.NotNil(t, got.PendingClarification)
		assert.Equal(t, "Which directory?", got.PendingClarification.Question)
		assert.Equal(t, []string{"/tmp", "/var"}, got.PendingClarification.Options)
		assert.Equal(t, "s1", got.WorkerSessionID)

		_, err = store.UpdateTask(ctx, "missing", task.Update{})
		assert.ErrorIs(t, err, task.ErrUnknownTask)
	})

	t.Run("TerminalFieldsSetOnce", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.CreateTask(ctx, NewPendingTask("task-c", "session-1", "p", base)))

		done, err := store.UpdateTask(ctx, "task-c", task.Update{
			Status: statusPtr(task.StatusCompleted),
			Result: &task.Result{Summary: "Listed 3 files", ActionsTaken: []string{"ls"}},
		})
		require.NoError(t, err)
		require.NotNil(t, done.CompletedAt)
		firstCompletedAt := *done.CompletedAt

		_, err = store.UpdateTask(ctx, "task-c", task.Update{Status: statusPtr(task.StatusFailed), Result: &task.Result{Error: "late"}})
		assert.ErrorIs(t, err, task.ErrTerminalState)

		got, err := store.GetTask(ctx, "task-c")
		require.NoError(t, err)
		assert.Equal(t, task.StatusCompleted, got.Status)
		require.NotNil(t, got.Result)
		assert.Equal(t, "Listed 3 files", got.Result.Summary)
		assert.Equal(t, []string{"ls"}, got.Result.ActionsTaken)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, firstCompletedAt.Equal(*got.CompletedAt))
	})

	t.Run("AppendStatusUpdates", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.CreateTask(ctx, NewPendingTask("task-d", "session-1", "p", base)))

		for i := 0; i < 3; i++ {
			_, appended, err := store.AppendStatusUpdate(ctx, "task-d", task.StatusUpdate{
				EventID: fmt.Sprintf("e%d", i),
				Message: fmt.Sprintf("step %d", i),
				Tool:    "Bash",
			})
			require.NoError(t, err)
			assert.True(t, appended)
		}
		_, appended, err := store.AppendStatusUpdate(ctx, "task-d", task.StatusUpdate{EventID: "e1", Message: "step 1"})
		require.NoError(t, err)
		assert.False(t, appended, "duplicate event id must not append")

		got, err := store.GetTask(ctx, "task-d")
		require.NoError(t, err)
		require.Len(t, got.StatusUpdates, 3)
		for i, u := range got.StatusUpdates {
			assert.Equal(t, fmt.Sprintf("step %d", i), u.Message)
			assert.Equal(t, "Bash", u.Tool)
			assert.False(t, u.Timestamp.IsZero())
		}

		_, err = store.UpdateTask(ctx, "task-d", task.Update{Status: statusPtr(task.StatusCancelled)})
		require.NoError(t, err)
		_, _, err = store.AppendStatusUpdate(ctx, "task-d", task.StatusUpdate{EventID: "e9", Message: "late"})
		assert.ErrorIs(t, err, task.ErrTerminalState)

		_, _, err = store.AppendStatusUpdate(ctx, "missing", task.StatusUpdate{EventID: "x", Message: "m"})
		assert.ErrorIs(t, err, task.ErrUnknownTask)
	})

	t.Run("AppendRepeatedTextWithoutEventID", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.CreateTask(ctx, NewPendingTask("task-r", "session-1", "p", base)))

		for i := 0; i < 3; i++ {
			_, appended, err := store.AppendStatusUpdate(ctx, "task-r", task.StatusUpdate{Message: "Using Bash...", Tool: "Bash"})
			require.NoError(t, err)
			assert.True(t, appended, "append %d", i)
		}
		got, err := store.GetTask(ctx, "task-r")
		require.NoError(t, err)
		assert.Len(t, got.StatusUpdates, 3)
	})

	t.Run("ConcurrentAppendsAreNotLost", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.CreateTask(ctx, NewPendingTask("task-e", "session-1", "p", base)))

		const writers = 8
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, _, err := store.AppendStatusUpdate(ctx, "task-e", task.StatusUpdate{
					EventID: fmt.Sprintf("c%d", i),
					Message: fmt.Sprintf("concurrent %d", i),
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		got, err := store.GetTask(ctx, "task-e")
		require.NoError(t, err)
		assert.Len(t, got.StatusUpdates, writers)
	})

	t.Run("ListRecentTasks", func(t *testing.T) {
		store := newStore(t)
		for i := 0; i < 4; i++ {
			require.NoError(t, store.CreateTask(ctx, NewPendingTask(fmt.Sprintf("task-l%d", i), "session-l", fmt.Sprintf("prompt %d", i), base.Add(time.Duration(i)*time.Second))))
		}
		require.NoError(t, store.CreateTask(ctx, NewPendingTask("task-other", "session-other", "p", base)))
		_, err := store.UpdateTask(ctx, "task-l1", task.Update{Status: statusPtr(task.StatusCompleted), Result: &task.Result{Summary: "one"}})
		require.NoError(t, err)
		_, err = store.UpdateTask(ctx, "task-l2", task.Update{Status: statusPtr(task.StatusFailed), Result: &task.Result{Error: "two"}})
		require.NoError(t, err)

		all, err := store.ListRecentTasks(ctx, "session-l", nil, 10)
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, "task-l3", all[0].ID, "newest first")
		assert.Equal(t, "task-l0", all[3].ID)

		finished, err := store.ListRecentTasks(ctx, "session-l", []task.Status{task.StatusCompleted, task.StatusFailed}, 10)
		require.NoError(t, err)
		require.Len(t, finished, 2)
		assert.Equal(t, "task-l2", finished[0].ID)
		assert.Equal(t, "two", finished[0].Result.Error)
		assert.Equal(t, "task-l1", finished[1].ID)

		limited, err := store.ListRecentTasks(ctx, "session-l", nil, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		none, err := store.ListRecentTasks(ctx, "session-empty", nil, 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("Sessions", func(t *testing.T) {
		store := newStore(t)

		_, err := store.GetSession(ctx, "session-s")
		assert.ErrorIs(t, err, task.ErrUnknownSession)

		created, err := store.GetOrCreateSession(ctx, "session-s")
		require.NoError(t, err)
		assert.Equal(t, "session-s", created.ID)
		assert.Empty(t, created.LatestWorkerSessionID)

		again, err := store.GetOrCreateSession(ctx, "session-s")
		require.NoError(t, err)
		assert.True(t, created.CreatedAt.Equal(again.CreatedAt))

		updated, err := store.UpdateSession(ctx, "session-s", "worker-1")
		require.NoError(t, err)
		assert.Equal(t, "worker-1", updated.LatestWorkerSessionID)

		kept, err := store.UpdateSession(ctx, "session-s", "")
		require.NoError(t, err)
		assert.Equal(t, "worker-1", kept.LatestWorkerSessionID, "empty handle never clears the session")

		_, err = store.UpdateSession(ctx, "session-missing", "worker-2")
		assert.ErrorIs(t, err, task.ErrUnknownSession)

		require.NoError(t, store.Ping(ctx))
	})
}
