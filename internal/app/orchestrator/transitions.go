package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/walkerhughes/agent-sandboxing/internal/domain/task"
	"github.com/walkerhughes/agent-sandboxing/internal/infra/observability"
	"github.com/walkerhughes/agent-sandboxing/internal/shared/logging"
	id "github.com/walkerhughes/agent-sandboxing/internal/shared/utils/id"
)

// Outcome classifies how a callback or command affected a task.
type Outcome string

const (
	// OutcomeApplied means the store changed.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the effect was already present.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeTerminal means the task had already finished; nothing changed.
	OutcomeTerminal Outcome = "terminal"
	// OutcomeStale means the event describes a superseded worker state.
	OutcomeStale Outcome = "stale"
)

// decision is what a planner returns for the current task snapshot.
type decision struct {
	update  task.Update
	outcome Outcome
	// write is false when no store mutation is needed.
	write bool
}

func skip(outcome Outcome) (decision, error) {
	return decision{outcome: outcome}, nil
}

func apply(u task.Update) (decision, error) {
	return decision{update: u, outcome: OutcomeApplied, write: true}, nil
}

// transition runs a read-plan-write loop. The write is a compare-and-set on
// the status read; a concurrent writer forces a fresh read and a new plan.
func (o *Orchestrator) transition(ctx context.Context, taskID string, plan func(current task.Task) (decision, error)) (task.Task, Outcome, error) {
	var lastErr error
	for attempt := 0; attempt < o.cfg.MaxCASAttempts; attempt++ {
		current, err := o.store.GetTask(ctx, taskID)
		if err != nil {
			return task.Task{}, "", err
		}
		d, err := plan(current)
		if err != nil {
			return current, "", err
		}
		if !d.write {
			return current, d.outcome, nil
		}
		d.update.ExpectStatus = []task.Status{current.Status}
		next, err := o.store.UpdateTask(ctx, taskID, d.update)
		if err != nil {
			if errors.Is(err, task.ErrStatusConflict) {
				lastErr = err
				continue
			}
			return current, "", err
		}
		o.accepted(ctx, current, next)
		return next, d.outcome, nil
	}
	return task.Task{}, "", fmt.Errorf("transition task %s: retries exhausted: %w", taskID, lastErr)
}

func (o *Orchestrator) accepted(ctx context.Context, prev, next task.Task) {
	if prev.Status != next.Status {
		o.metrics.RecordTransition(string(prev.Status), string(next.Status))
		logging.FromContext(ctx, o.logger).Info("[Orchestrator] task %s: %s -> %s", next.ID, prev.Status, next.Status)
	}
	o.notifier.Notify(ctx, next)
}

func statusPtr(s task.Status) *task.Status { return &s }

// MarkRunning moves a pending or paused task to running. It is a no-op for a
// task that is already running.
func (o *Orchestrator) MarkRunning(ctx context.Context, taskID string) (task.Task, error) {
	t, _, err := o.transition(ctx, taskID, func(current task.Task) (decision, error) {
		switch current.Status {
		case task.StatusRunning:
			return skip(OutcomeDuplicate)
		case task.StatusPending, task.StatusAwaitingInput:
			return apply(task.Update{Status: statusPtr(task.StatusRunning), ClearClarification: true})
		default:
			return decision{}, task.TerminalStateError(current.ID, current.Status)
		}
	})
	return t, err
}

// SubmitResponse answers a pending clarification and resumes the worker from
// the task's session handle with the response as its prompt.
func (o *Orchestrator) SubmitResponse(ctx context.Context, taskID, response string) (task.Task, error) {
	if strings.TrimSpace(response) == "" {
		return task.Task{}, task.InvalidInputError("response is required")
	}
	ctx = id.WithTaskID(ctx, taskID)
	ctx, span := o.tracer.StartSpan(ctx, observability.SpanTaskRespond)

	resumed, _, err := o.transition(ctx, taskID, func(current task.Task) (decision, error) {
		if current.Status != task.StatusAwaitingInput {
			return decision{}, fmt.Errorf("task %s is %s: %w", current.ID, current.Status, task.ErrNotAwaitingInput)
		}
		if current.WorkerSessionID == "" {
			return decision{}, fmt.Errorf("task %s: %w", current.ID, task.ErrMissingSession)
		}
		return apply(task.Update{
			Status:             statusPtr(task.StatusRunning),
			ClearClarification: true,
			IncrementSegment:   true,
		})
	})
	observability.EndSpan(span, err)
	if err != nil {
		return task.Task{}, err
	}

	o.dispatchSpawn(ctx, task.SpawnRequest{
		TaskID:           resumed.ID,
		Prompt:           response,
		CallbackURL:      o.cfg.CallbackURL,
		ResumeHandle:     resumed.WorkerSessionID,
		ExecutionSegment: resumed.ExecutionSegment,
	})
	return resumed, nil
}

// Cancel marks a non-terminal task cancelled and signals the worker on a
// best-effort basis. Cancelling an already cancelled task returns it
// unchanged.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) (task.Task, error) {
	ctx = id.WithTaskID(ctx, taskID)
	ctx, span := o.tracer.StartSpan(ctx, observability.SpanTaskCancel)

	cancelled, outcome, err := o.transition(ctx, taskID, func(current task.Task) (decision, error) {
		if current.Status == task.StatusCancelled {
			return skip(OutcomeDuplicate)
		}
		if current.Status.IsTerminal() {
			return decision{}, task.TerminalStateError(current.ID, current.Status)
		}
		return apply(task.Update{Status: statusPtr(task.StatusCancelled), ClearClarification: true})
	})
	span.SetAttributes(attribute.String(observability.AttrStatus, string(cancelled.Status)))
	observability.EndSpan(span, err)
	if err != nil {
		return task.Task{}, err
	}
	if outcome == OutcomeApplied {
		o.signalCancel(ctx, task.CancelSignal{TaskID: cancelled.ID, WorkerSessionID: cancelled.WorkerSessionID})
	}
	return cancelled, nil
}
