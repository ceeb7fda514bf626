package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/walkerhughes/agent-sandboxing/internal/domain/task"
	"github.com/walkerhughes/agent-sandboxing/internal/infra/observability"
	sherrors "github.com/walkerhughes/agent-sandboxing/internal/shared/errors"
	"github.com/walkerhughes/agent-sandboxing/internal/shared/logging"
)

const streamBuffer = 16

// loader reads the task with retries on transient store failures.
type loader struct {
	store   task.Store
	retry   sherrors.RetryConfig
	logger  logging.Logger
	metrics *observability.Metrics
}

func (l loader) load(ctx context.Context, taskID string) (task.Task, error) {
	return sherrors.RetryWithResult(ctx, l.retry, func(ctx context.Context) (task.Task, error) {
		t, err := l.store.GetTask(ctx, taskID)
		if err == nil {
			return t, nil
		}
		if errors.Is(err, task.ErrUnknownTask) || ctx.Err() != nil {
			return task.Task{}, err
		}
		return task.Task{}, sherrors.NewTransientError(fmt.Errorf("%w: %v", task.ErrDeliveryTransient, err), "")
	}, l.logger)
}

// follow drives one observer stream. It emits the initial state, then diffs
// a fresh read each time wake fires, until a terminal event is sent or ctx
// ends. out is always closed on return.
func follow[T any](ctx context.Context, l loader, initial task.Task, from Cursor, wake <-chan T, out chan<- Event) {
	defer close(out)

	emit := func(e Event) bool {
		select {
		case out <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit(Event{Type: EventConnected, TaskID: initial.ID, Status: initial.Status, Position: min(from.Updates, len(initial.StatusUpdates))}) {
		return
	}
	// A late observer of a finished task gets exactly one terminal event.
	if initial.Status.IsTerminal() {
		emit(terminalEvent(initial, len(initial.StatusUpdates)))
		return
	}

	cursor := from
	current := initial
	for {
		var events []Event
		events, cursor = Diff(cursor, current)
		for _, e := range events {
			if !emit(e) {
				return
			}
			if e.Terminal() {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
		}

		next, err := l.load(ctx, initial.ID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.metrics.RecordDeliveryError()
			l.logger.Warn("[Delivery] stream for task %s closed: %v", initial.ID, err)
			emit(Event{Type: EventDeliveryError, TaskID: initial.ID, Status: current.Status, Error: err.Error(), Position: cursor.Updates})
			return
		}
		current = next
	}
}
