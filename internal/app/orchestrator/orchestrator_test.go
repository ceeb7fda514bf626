package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walkerhughes/agent-sandboxing/internal/domain/task"
)

func TestStartCreatesTaskAndSpawns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	started, err := h.orch.Start(ctx, "", "list files")
	require.NoError(t, err)
	assert.NotEmpty(t, started.TaskID)
	assert.NotEmpty(t, started.ChatSessionID)
	h.drain(t)

	got := h.task(t, started.TaskID)
	assert.Equal(t, task.StatusRunning, got.Status)
	assert.Equal(t, "list files", got.Prompt)
	assert.Equal(t, started.ChatSessionID, got.ChatSessionID)

	reqs := h.spawner.spawned()
	require.Len(t, reqs, 1)
	assert.Equal(t, started.TaskID, reqs[0].TaskID)
	assert.Equal(t, "list files", reqs[0].Prompt, "first turn is not wrapped")
	assert.Equal(t, "http://core.test/api/agent/webhook", reqs[0].CallbackURL)
	assert.Empty(t, reqs[0].ResumeHandle)
	assert.Equal(t, 1, reqs[0].ExecutionSegment)

	_, err = h.store.GetSession(ctx, started.ChatSessionID)
	assert.NoError(t, err)
}

func TestStartRejectsEmptyPrompt(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Start(context.Background(), "session-1", "   ")
	assert.ErrorIs(t, err, task.ErrInvalidInput)
	assert.Empty(t, h.spawner.spawned())
}

func TestCreateTaskValidatesInput(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.CreateTask(context.Background(), "session-1", "")
	assert.ErrorIs(t, err, task.ErrInvalidInput)
	_, err = h.orch.CreateTask(context.Background(), "", "prompt")
	assert.ErrorIs(t, err, task.ErrInvalidInput)

	created, err := h.orch.CreateTask(context.Background(), "session-1", "prompt")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, created.Status)
	assert.Equal(t, 1, h.notifier.count())
}

func TestSpawnFailureBecomesFailedTransition(t *testing.T) {
	h := newHarness(t)
	h.spawner.setErr(errors.New("connection refused"))

	started, err := h.orch.Start(context.Background(), "session-1", "list files")
	require.NoError(t, err)
	h.drain(t)

	got := h.task(t, started.TaskID)
	assert.Equal(t, task.StatusFailed, got.Status)
	require.NotNil(t, got.Result)
	assert.Contains(t, got.Result.Error, "connection refused")
	assert.Contains(t, got.Result.Error, task.ErrSpawnFailure.Error())
	assert.NotNil(t, got.CompletedAt)
}

func TestSpawnTimeoutBecomesFailedTransition(t *testing.T) {
	h := newHarness(t)
	h.orch.cfg.SpawnTimeout = 20 * time.Millisecond
	h.spawner.block = make(chan struct{})
	defer close(h.spawner.block)

	started, err := h.orch.Start(context.Background(), "session-1", "slow")
	require.NoError(t, err)
	h.drain(t)

	got := h.task(t, started.TaskID)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.Result.Error, context.DeadlineExceeded.Error())
}

func TestListFilesResumeScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	started, err := h.orch.Start(ctx, "chat-1", "list files")
	require.NoError(t, err)
	h.drain(t)
	taskID := started.TaskID

	outcome, err := h.orch.ApplyWebhookEvent(ctx, task.WebhookEvent{Type: task.EventSessionStarted, TaskID: taskID, SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	got := h.task(t, taskID)
	assert.Equal(t, task.StatusRunning, got.Status)
	assert.Equal(t, "s1", got.WorkerSessionID)

	_, err = h.orch.ApplyWebhookEvent(ctx, task.WebhookEvent{Type: task.EventClarificationNeeded, TaskID: taskID, Question: "Which directory?"})
	require.NoError(t, err)
	got = h.task(t, taskID)
	assert.Equal(t, task.StatusAwaitingInput, got.Status)
	require.NotNil(t, got.PendingClarification)
	assert.Equal(t, "Which directory?", got.PendingClarification.Question)

	resumed, err := h.orch.SubmitResponse(ctx, taskID, "/tmp")
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, resumed.Status)
	assert.Nil(t, resumed.PendingClarification)
	assert.Equal(t, 2, resumed.ExecutionSegment)
	h.drain(t)

	reqs := h.spawner.spawned()
	require.Len(t, reqs, 2)
	assert.Equal(t, "s1", reqs[1].ResumeHandle)
	assert.Equal(t, "/tmp", reqs[1].Prompt)
	assert.Equal(t, 2, reqs[1].ExecutionSegment)

	_, err = h.orch.ApplyWebhookEvent(ctx, task.WebhookEvent{Type: task.EventCompleted, TaskID: taskID, Result: &task.Result{Summary: "Listed 3 files"}})
	require.NoError(t, err)
	got = h.task(t, taskID)
	assert.Equal(t, task.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "Listed 3 files", got.Result.Summary)

	handle, err := h.orch.correlator.ResolveResumeHandle(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "s1", handle)
}

func TestDuplicateCompletedIsAppliedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.orch.CreateTask(ctx, "chat-1", "list files")
	require.NoError(t, err)

	event := task.WebhookEvent{Type: task.EventCompleted, TaskID: created.ID, Result: &task.Result{Summary: "Listed 3 files"}}
	first, err := h.orch.ApplyWebhookEvent(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, first)
	done := h.task(t, created.ID)

	second, err := h.orch.ApplyWebhookEvent(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second)

	again := h.task(t, created.ID)
	assert.Equal(t, task.StatusCompleted, again.Status)
	assert.True(t, done.CompletedAt.Equal(*again.CompletedAt))
	assert.Empty(t, again.StatusUpdates)
	assert.Equal(t, done.UpdatedAt, again.UpdatedAt)
}

func TestFailedAfterCompletedIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.orch.CreateTask(ctx, "chat-1", "p")
	require.NoError(t, err)

	_, err = h.orch.ApplyWebhookEvent(ctx, task.WebhookEvent{Type: task.EventCompleted, TaskID: created.ID, Result: &task.Result{Summary: "ok"}})
	require.NoError(t, err)
	outcome, err := h.orch.ApplyWebhookEvent(ctx, task.WebhookEvent{Type: task.EventFailed, TaskID: created.ID, Error: "boom"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTerminal, outcome)

	got := h.task(t, created.ID)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, "ok", got.Result.Summary)
	assert.Empty(t, got.Result.Error)
}

func TestFailedWithoutMessageGetsDefaultError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.orch.CreateTask(ctx, "chat-1", "p")
	require.NoError(t, err)

	_, err = h.orch.ApplyWebhookEvent(ctx, task.WebhookEvent{Type: task.EventFailed, TaskID: created.ID})
	require.NoError(t, err)
	got := h.task(t, created.ID)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, task.DefaultFailureMessage, got.Result.Error)
}

func TestCancelDuringAwaitingInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.orch.CreateTask(ctx, "chat-1", "p")
	require.NoError(t, err)
	clarify := task.WebhookEvent{Type: task.EventClarificationNeeded, TaskID: created.ID, SessionID: "s1", Question: "Which directory?"}
	_, err = h.orch.ApplyWebhookEvent(ctx, clarify)
	require.NoError(t, err)

	cancelled, err := h.orch.Cancel(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.PendingClarification)
	assert.Nil(t, cancelled.Result, "cancellation carries no error")
	h.drain(t)

	signals := h.spawner.signalled()
	require.Len(t, signals, 1)
	assert.Equal(t, "s1", signals[0].WorkerSessionID)

	outcome, err := h.orch.ApplyWebhookEvent(ctx, clarify)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTerminal, outcome)
	assert.Equal(t, task.StatusCancelled, h.task(t, created.ID).Status)

	again, err := h.orch.Cancel(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, again.Status)
	h.drain(t)
	assert.Len(t, h.spawner.signalled(), 1, "repeat cancel does not signal again")
}

func TestCancelRejectsFinishedTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.orch.CreateTask(ctx, "chat-1", "p")
	require.NoError(t, err)
	_, err = h.orch.ApplyWebhookEvent(ctx, task.WebhookEvent{Type: task.EventCompleted, TaskID: created.ID})
	require.NoError(t, err)

	_, err = h.orch.Cancel(ctx, created.ID)
	assert.ErrorIs(t, err, task.ErrTerminalState)
	_, err = h.orch.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, task.ErrUnknownTask)
}

func TestSubmitResponsePreconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.orch.CreateTask(ctx, "chat-1", "p")
	require.NoError(t, err)

	_, err = h.orch.SubmitResponse(ctx, created.ID, "/tmp")
	assert.ErrorIs(t, err, task.ErrNotAwaitingInput)

	_, err = h.orch.ApplyWebhookEvent(ctx, task.WebhookEvent{Type: task.EventClarificationNeeded, TaskID: created.ID, Question: "Which?"})
	require.NoError(t, err)
	_, err = h.orch.SubmitResponse(ctx, created.ID, "/tmp")
	assert.ErrorIs(t, err, task.ErrMissingSession)

	_, err = h.orch.SubmitResponse(ctx, created.ID, " ")
	assert.ErrorIs(t, err, task.ErrInvalidInput)
	_, err = h.orch.SubmitResponse(ctx, "missing", "x")
	assert.ErrorIs(t, err, task.ErrUnknownTask)

	assert.Equal(t, task.StatusAwaitingInput, h.task(t, created.ID).Status)
	assert.Empty(t, h.spawner.spawned())
}

func TestResumeSpawnFailureFailsTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.orch.CreateTask(ctx, "chat-1", "p")
	require.NoError(t, err)
	_, err = h.orch.ApplyWebhookEvent(ctx, task.WebhookEvent{Type: task.EventClarificationNeeded, TaskID: created.ID, SessionID: "s1", Question: "Which?"})
	require.NoError(t, err)

	h.spawner.setErr(errors.New("worker quota exceeded"))
	_, err = h.orch.SubmitResponse(ctx, created.ID, "/tmp")
	require.NoError(t, err)
	h.drain(t)

	got := h.task(t, created.ID)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.Result.Error, "worker quota exceeded")
}

func TestMarkRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.orch.CreateTask(ctx, "chat-1", "p")
	require.NoError(t, err)

	running, err := h.orch.MarkRunning(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, running.Status)

	notified := h.notifier.count()
	again, err := h.orch.MarkRunning(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, again.Status)
	assert.Equal(t, notified, h.notifier.count(), "no-op does not notify")

	_, err = h.orch.ApplyWebhookEvent(ctx, task.WebhookEvent{Type: task.EventClarificationNeeded, TaskID: created.ID, Question: "q"})
	require.NoError(t, err)
	resumed, err := h.orch.MarkRunning(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, resumed.Status)
	assert.Nil(t, resumed.PendingClarification)

	_, err = h.orch.Cancel(ctx, created.ID)
	require.NoError(t, err)
	_, err = h.orch.MarkRunning(ctx, created.ID)
	assert.ErrorIs(t, err, task.ErrTerminalState)
}

func TestWebhookForUnknownTask(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.ApplyWebhookEvent(context.Background(), task.WebhookEvent{Type: task.EventStatusUpdate, TaskID: "missing", Message: "m"})
	assert.ErrorIs(t, err, task.ErrUnknownTask)

	_, err = h.orch.ApplyWebhookEvent(context.Background(), task.WebhookEvent{Type: "bogus", TaskID: "x"})
	assert.ErrorIs(t, err, task.ErrBadRequest)
}

func TestWebhookOvertakingSpawnAcknowledgement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.spawner.block = make(chan struct{})

	started, err := h.orch.Start(ctx, "chat-1", "p")
	require.NoError(t, err)
	_, err = h.orch.ApplyWebhookEvent(ctx, task.WebhookEvent{Type: task.EventClarificationNeeded, TaskID: started.TaskID, SessionID: "s1", Question: "q"})
	require.NoError(t, err)

	close(h.spawner.block)
	h.drain(t)

	got := h.task(t, started.TaskID)
	assert.Equal(t, task.StatusAwaitingInput, got.Status, "late spawn acknowledgement must not resume a paused task")
	require.NotNil(t, got.PendingClarification)
}

func TestRepeatedToolUseIsKeptAndEventIDRedeliveryIsNot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.orch.CreateTask(ctx, "chat-1", "p")
	require.NoError(t, err)
	_, err = h.orch.ApplyWebhookEvent(ctx, task.WebhookEvent{Type: task.EventSessionStarted, TaskID: created.ID, SessionID: "s1"})
	require.NoError(t, err)

	bash := task.WebhookEvent{Type: task.EventStatusUpdate, TaskID: created.ID, Message: "Using Bash...", Tool: "Bash"}
	for i := 0; i < 3; i++ {
		outcome, err := h.orch.ApplyWebhookEvent(ctx, bash)
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome, "tool call %d", i)
	}

	identified := task.WebhookEvent{Type: task.EventStatusUpdate, TaskID: created.ID, EventID: "e-4", Message: "Done reading"}
	outcome, err := h.orch.ApplyWebhookEvent(ctx, identified)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	outcome, err = h.orch.ApplyWebhookEvent(ctx, identified)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	got := h.task(t, created.ID)
	require.Len(t, got.StatusUpdates, 4)
	for _, u := range got.StatusUpdates[:3] {
		assert.Equal(t, "Using Bash...", u.Message)
		assert.Equal(t, "Bash", u.Tool)
	}
	assert.Equal(t, "e-4", got.StatusUpdates[3].EventID)
	assert.Equal(t, task.StatusRunning, got.Status, "progress does not change status")
}

func TestToolUseWithoutMessageIsLabelled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.orch.CreateTask(ctx, "chat-1", "p")
	require.NoError(t, err)

	_, err = h.orch.ApplyWebhookEvent(ctx, task.WebhookEvent{Type: task.EventToolUse, TaskID: created.ID, Tool: "Bash"})
	require.NoError(t, err)
	got := h.task(t, created.ID)
	require.Len(t, got.StatusUpdates, 1)
	assert.Equal(t, "Using Bash", got.StatusUpdates[0].Message)
	assert.Equal(t, task.StatusPending, got.Status)
}

func TestReaskedClarificationAfterResumePausesTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.orch.CreateTask(ctx, "chat-1", "p")
	require.NoError(t, err)
	_, err = h.orch.ApplyWebhookEvent(ctx, task.WebhookEvent{Type: task.EventSessionStarted, TaskID: created.ID, SessionID: "s1"})
	require.NoError(t, err)
	clarify := task.WebhookEvent{Type: task.EventClarificationNeeded, TaskID: created.ID, SessionID: "s1", Question: "Which directory?"}
	_, err = h.orch.ApplyWebhookEvent(ctx, clarify)
	require.NoError(t, err)
	_, err = h.orch.SubmitResponse(ctx, created.ID, "/nonexistent")
	require.NoError(t, err)
	h.drain(t)
	require.Len(t, h.spawner.spawned(), 1)

	outcome, err := h.orch.ApplyWebhookEvent(ctx, clarify)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	got := h.task(t, created.ID)
	assert.Equal(t, task.StatusAwaitingInput, got.Status)
	require.NotNil(t, got.PendingClarification)
	assert.Equal(t, "Which directory?", got.PendingClarification.Question)

	_, err = h.orch.SubmitResponse(ctx, created.ID, "/tmp")
	require.NoError(t, err)
	h.drain(t)
	assert.Len(t, h.spawner.spawned(), 2)
	assert.Equal(t, 3, h.task(t, created.ID).ExecutionSegment)
}

func TestClarificationFromSupersededSegmentIsStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.orch.CreateTask(ctx, "chat-1", "p")
	require.NoError(t, err)
	clarify := task.WebhookEvent{Type: task.EventClarificationNeeded, TaskID: created.ID, SessionID: "s1", Question: "Which directory?", ExecutionSegment: 1}
	_, err = h.orch.ApplyWebhookEvent(ctx, clarify)
	require.NoError(t, err)
	_, err = h.orch.SubmitResponse(ctx, created.ID, "/tmp")
	require.NoError(t, err)
	h.drain(t)

	outcome, err := h.orch.ApplyWebhookEvent(ctx, clarify)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, outcome)
	assert.Equal(t, task.StatusRunning, h.task(t, created.ID).Status)

	reasked := clarify
	reasked.ExecutionSegment = 2
	outcome, err = h.orch.ApplyWebhookEvent(ctx, reasked)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, task.StatusAwaitingInput, h.task(t, created.ID).Status)
}

func TestSessionStartedWhilePausedOnlyRefreshesHandle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.orch.CreateTask(ctx, "chat-1", "p")
	require.NoError(t, err)
	_, err = h.orch.ApplyWebhookEvent(ctx, task.WebhookEvent{Type: task.EventClarificationNeeded, TaskID: created.ID, Question: "q"})
	require.NoError(t, err)

	_, err = h.orch.ApplyWebhookEvent(ctx, task.WebhookEvent{Type: task.EventSessionStarted, TaskID: created.ID, SessionID: "s1"})
	require.NoError(t, err)
	got := h.task(t, created.ID)
	assert.Equal(t, task.StatusAwaitingInput, got.Status)
	assert.Equal(t, "s1", got.WorkerSessionID)
}

func TestNewTaskInSessionResumesWithHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.orch.Start(ctx, "chat-1", "list files")
	require.NoError(t, err)
	h.drain(t)
	_, err = h.orch.ApplyWebhookEvent(ctx, task.WebhookEvent{Type: task.EventSessionStarted, TaskID: first.TaskID, SessionID: "s1"})
	require.NoError(t, err)
	_, err = h.orch.ApplyWebhookEvent(ctx, task.WebhookEvent{Type: task.EventCompleted, TaskID: first.TaskID, SessionID: "s1", Result: &task.Result{Summary: "Listed 3 files"}})
	require.NoError(t, err)

	second, err := h.orch.Start(ctx, "chat-1", "count them")
	require.NoError(t, err)
	h.drain(t)

	reqs := h.spawner.spawned()
	require.Len(t, reqs, 2)
	assert.Equal(t, second.TaskID, reqs[1].TaskID)
	assert.Equal(t, "s1", reqs[1].ResumeHandle, "resume is keyed by conversation")
	assert.Contains(t, reqs[1].Prompt, "User: list files")
	assert.Contains(t, reqs[1].Prompt, "Assistant: Listed 3 files")
	assert.True(t, strings.HasSuffix(reqs[1].Prompt, "count them"))
}

func TestCancelRacingCompletionNeverMixesStates(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHarness(t)
		ctx := context.Background()
		created, err := h.orch.CreateTask(ctx, "chat-1", "p")
		require.NoError(t, err)
		_, err = h.orch.MarkRunning(ctx, created.ID)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = h.orch.Cancel(ctx, created.ID)
		}()
		go func() {
			defer wg.Done()
			_, _ = h.orch.ApplyWebhookEvent(ctx, task.WebhookEvent{Type: task.EventCompleted, TaskID: created.ID, Result: &task.Result{Summary: "done"}})
		}()
		wg.Wait()

		got := h.task(t, created.ID)
		switch got.Status {
		case task.StatusCancelled:
			assert.Nil(t, got.Result)
		case task.StatusCompleted:
			require.NotNil(t, got.Result)
			assert.Equal(t, "done", got.Result.Summary)
		default:
			t.Fatalf("unexpected status %s", got.Status)
		}
		h.drain(t)
	}
}

func TestNewValidatesCollaborators(t *testing.T) {
	_, err := New(nil, &fakeSpawner{}, nil, Config{})
	assert.Error(t, err)
}
