package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/walkerhughes/agent-sandboxing/internal/domain/task"
	"github.com/walkerhughes/agent-sandboxing/internal/infra/observability"
	"github.com/walkerhughes/agent-sandboxing/internal/shared/logging"
)

// dispatchSpawn launches the worker in the background. The call is made once
// and never retried. Acceptance of an initial spawn moves a still-pending
// task to running; any failure becomes a failed transition.
func (o *Orchestrator) dispatchSpawn(ctx context.Context, req task.SpawnRequest) {
	spawnCtx := context.WithoutCancel(ctx)
	o.tracker.Go("orchestrator.spawn", func() {
		o.spawn(spawnCtx, req)
	})
}

func (o *Orchestrator) spawn(ctx context.Context, req task.SpawnRequest) {
	logger := logging.FromContext(ctx, o.logger)
	ctx, span := o.tracer.StartSpan(ctx, observability.SpanTaskSpawn,
		attribute.Int(observability.AttrSegment, req.ExecutionSegment),
		attribute.Bool(observability.AttrResumed, req.ResumeHandle != ""),
	)

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.SpawnTimeout)
	started := time.Now()
	err := o.spawner.Spawn(callCtx, req)
	cancel()
	elapsed := time.Since(started)
	observability.EndSpan(span, err)

	if err != nil {
		o.metrics.RecordSpawn("failed", elapsed)
		logger.Error("[Orchestrator] spawn for task %s (segment %d) failed: %v", req.TaskID, req.ExecutionSegment, err)
		o.failSpawn(ctx, req.TaskID, err)
		return
	}
	o.metrics.RecordSpawn("accepted", elapsed)
	logger.Debug("[Orchestrator] spawn for task %s (segment %d) accepted in %s", req.TaskID, req.ExecutionSegment, elapsed)

	_, _, err = o.transition(ctx, req.TaskID, func(current task.Task) (decision, error) {
		// A webhook may already have moved the task along.
		if current.Status != task.StatusPending {
			return skip(OutcomeDuplicate)
		}
		return apply(task.Update{Status: statusPtr(task.StatusRunning)})
	})
	if err != nil {
		logger.Warn("[Orchestrator] mark task %s running after spawn: %v", req.TaskID, err)
	}
}

func (o *Orchestrator) failSpawn(ctx context.Context, taskID string, cause error) {
	if !errors.Is(cause, task.ErrSpawnFailure) {
		cause = fmt.Errorf("%w: %v", task.ErrSpawnFailure, cause)
	}
	_, outcome, err := o.transition(ctx, taskID, func(current task.Task) (decision, error) {
		if current.Status.IsTerminal() {
			return skip(OutcomeTerminal)
		}
		return apply(task.Update{
			Status: statusPtr(task.StatusFailed),
			Result: &task.Result{Error: cause.Error(), ActionsTaken: []string{}},
		})
	})
	if err != nil {
		logging.FromContext(ctx, o.logger).Error("[Orchestrator] record spawn failure for task %s: %v", taskID, err)
		return
	}
	if outcome == OutcomeTerminal {
		logging.FromContext(ctx, o.logger).Debug("[Orchestrator] task %s already finished; spawn failure dropped", taskID)
	}
}

func (o *Orchestrator) signalCancel(ctx context.Context, sig task.CancelSignal) {
	signalCtx := context.WithoutCancel(ctx)
	o.tracker.Go("orchestrator.cancel_signal", func() {
		callCtx, cancel := context.WithTimeout(signalCtx, defaultSignalTimeout)
		defer cancel()
		if err := o.spawner.Signal(callCtx, sig); err != nil {
			logging.FromContext(signalCtx, o.logger).Warn("[Orchestrator] cancel signal for task %s: %v", sig.TaskID, err)
		}
	})
}
