package orchestrator

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/walkerhughes/agent-sandboxing/internal/domain/task"
	"github.com/walkerhughes/agent-sandboxing/internal/infra/observability"
	"github.com/walkerhughes/agent-sandboxing/internal/shared/logging"
	id "github.com/walkerhughes/agent-sandboxing/internal/shared/utils/id"
)

// ApplyWebhookEvent applies one worker callback. Redeliveries and events for
// finished tasks are acknowledged without changing state; only unknown tasks
// and malformed events return errors.
func (o *Orchestrator) ApplyWebhookEvent(ctx context.Context, event task.WebhookEvent) (Outcome, error) {
	if err := event.Validate(); err != nil {
		return "", err
	}
	ctx = id.WithTaskID(ctx, event.TaskID)
	ctx, span := o.tracer.StartSpan(ctx, observability.SpanWebhookApply,
		attribute.String(observability.AttrEventType, string(event.Type)))
	logger := logging.FromContext(ctx, o.logger)

	var (
		t       task.Task
		outcome Outcome
		err     error
	)
	switch event.Type {
	case task.EventSessionStarted:
		t, outcome, err = o.transition(ctx, event.TaskID, planSessionStarted(event))
	case task.EventStatusUpdate, task.EventToolUse:
		t, outcome, err = o.appendProgress(ctx, event)
	case task.EventClarificationNeeded:
		t, outcome, err = o.transition(ctx, event.TaskID, planClarification(event))
	case task.EventCompleted, task.EventFailed:
		t, outcome, err = o.transition(ctx, event.TaskID, planOutcome(event))
	}
	if err != nil {
		observability.EndSpan(span, err)
		return "", err
	}
	span.SetAttributes(attribute.String(observability.AttrStatus, string(t.Status)))
	observability.EndSpan(span, nil)

	switch outcome {
	case OutcomeTerminal:
		logger.Debug("[Orchestrator] %s for task %s ignored: task is %s", event.Type, event.TaskID, t.Status)
	case OutcomeStale:
		logger.Debug("[Orchestrator] stale %s for task %s ignored", event.Type, event.TaskID)
	case OutcomeDuplicate:
		logger.Debug("[Orchestrator] duplicate %s for task %s", event.Type, event.TaskID)
	}

	if outcome == OutcomeApplied || outcome == OutcomeDuplicate {
		o.correlate(ctx, event, t)
	}
	return outcome, nil
}

// correlate propagates a fresh worker handle to the owning chat session.
func (o *Orchestrator) correlate(ctx context.Context, event task.WebhookEvent, t task.Task) {
	switch event.Type {
	case task.EventSessionStarted, task.EventCompleted, task.EventClarificationNeeded:
	default:
		return
	}
	if t.WorkerSessionID == "" {
		return
	}
	if err := o.correlator.Record(ctx, t.ChatSessionID, t.WorkerSessionID); err != nil {
		logging.FromContext(ctx, o.logger).Warn("[Orchestrator] record worker session for chat session %s: %v", t.ChatSessionID, err)
	}
}

func (o *Orchestrator) appendProgress(ctx context.Context, event task.WebhookEvent) (task.Task, Outcome, error) {
	t, appended, err := o.store.AppendStatusUpdate(ctx, event.TaskID, event.ProgressUpdate())
	if err != nil {
		if errors.Is(err, task.ErrTerminalState) {
			return t, OutcomeTerminal, nil
		}
		return task.Task{}, "", err
	}
	if !appended {
		return t, OutcomeDuplicate, nil
	}
	o.notifier.Notify(ctx, t)
	return t, OutcomeApplied, nil
}

func planSessionStarted(event task.WebhookEvent) func(task.Task) (decision, error) {
	return func(current task.Task) (decision, error) {
		switch current.Status {
		case task.StatusPending:
			return apply(task.Update{Status: statusPtr(task.StatusRunning), WorkerSessionID: event.SessionID})
		case task.StatusRunning, task.StatusAwaitingInput:
			// A paused task keeps its status: the start notice is older than
			// the clarification that paused it.
			if current.WorkerSessionID == event.SessionID {
				return skip(OutcomeDuplicate)
			}
			return apply(task.Update{WorkerSessionID: event.SessionID})
		default:
			return skip(OutcomeTerminal)
		}
	}
}

func planClarification(event task.WebhookEvent) func(task.Task) (decision, error) {
	clarification := event.ClarificationRequest()
	key := task.ClarificationKey(clarification)
	return func(current task.Task) (decision, error) {
		if current.Status.IsTerminal() {
			return skip(OutcomeTerminal)
		}
		if current.Status == task.StatusAwaitingInput &&
			current.PendingClarification != nil &&
			task.ClarificationKey(*current.PendingClarification) == key &&
			(event.SessionID == "" || event.SessionID == current.WorkerSessionID) {
			return skip(OutcomeDuplicate)
		}
		// A question re-asked by the resumed worker pauses the task again;
		// only one reported from a superseded segment is dropped.
		if event.FromEarlierSegment(current.ExecutionSegment) {
			return skip(OutcomeStale)
		}
		return apply(task.Update{
			Status:          statusPtr(task.StatusAwaitingInput),
			Clarification:   &clarification,
			WorkerSessionID: event.SessionID,
		})
	}
}

func planOutcome(event task.WebhookEvent) func(task.Task) (decision, error) {
	target := task.StatusCompleted
	if event.Type == task.EventFailed {
		target = task.StatusFailed
	}
	result := event.Outcome()
	return func(current task.Task) (decision, error) {
		if current.Status == target {
			return skip(OutcomeDuplicate)
		}
		if current.Status.IsTerminal() {
			return skip(OutcomeTerminal)
		}
		return apply(task.Update{
			Status:             statusPtr(target),
			Result:             &result,
			WorkerSessionID:    event.SessionID,
			ClearClarification: true,
		})
	}
}
