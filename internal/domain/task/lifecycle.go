package task

import (
	"fmt"
	"slices"
	"time"
)

// allowedTransitions lists the legal status changes. A webhook can overtake
// the spawn acknowledgement, so pending may jump straight to any state the
// worker reports.
var allowedTransitions = map[Status][]Status{
	StatusPending:       {StatusRunning, StatusAwaitingInput, StatusCompleted, StatusFailed, StatusCancelled},
	StatusRunning:       {StatusAwaitingInput, StatusCompleted, StatusFailed, StatusCancelled},
	StatusAwaitingInput: {StatusRunning, StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	return slices.Contains(allowedTransitions[from], to)
}

// Update is a partial, compare-and-set mutation of one task. Stores apply it
// atomically per task id.
type Update struct {
	// ExpectStatus is the compare-and-set precondition; empty means any status.
	ExpectStatus []Status

	Status             *Status
	WorkerSessionID    string
	Clarification      *Clarification
	ClearClarification bool
	Result             *Result
	IncrementSegment   bool
}

// Apply computes the task that results from u at time now. It enforces the
// compare-and-set precondition, the transition table, the set-once fields and
// the task invariants; stores persist the returned value verbatim.
func (u Update) Apply(current Task, now time.Time) (Task, error) {
	if len(u.ExpectStatus) > 0 && !slices.Contains(u.ExpectStatus, current.Status) {
		return Task{}, StatusConflictError(current.ID, current.Status)
	}

	next := current.Clone()
	if u.Status != nil && *u.Status != current.Status {
		if current.Status.IsTerminal() {
			return Task{}, TerminalStateError(current.ID, current.Status)
		}
		if !CanTransition(current.Status, *u.Status) {
			return Task{}, StatusConflictError(current.ID, current.Status)
		}
		next.Status = *u.Status
	}

	// The worker handle is monotonic by presence: never cleared, only replaced.
	if u.WorkerSessionID != "" {
		next.WorkerSessionID = u.WorkerSessionID
	}
	if u.ClearClarification || next.Status != StatusAwaitingInput {
		next.PendingClarification = nil
	}
	if u.Clarification != nil {
		c := *u.Clarification
		c.Options = slices.Clone(u.Clarification.Options)
		if c.Options == nil {
			c.Options = []string{}
		}
		next.PendingClarification = &c
	}
	if u.Result != nil && next.Result == nil {
		r := *u.Result
		r.ActionsTaken = slices.Clone(u.Result.ActionsTaken)
		if r.ActionsTaken == nil {
			r.ActionsTaken = []string{}
		}
		next.Result = &r
	}
	if u.IncrementSegment {
		next.ExecutionSegment++
	}
	if next.Status.IsTerminal() && next.CompletedAt == nil {
		ts := now
		next.CompletedAt = &ts
	}
	next.UpdatedAt = now

	if err := next.CheckInvariants(); err != nil {
		return Task{}, fmt.Errorf("apply update: %w", err)
	}
	return next, nil
}

// AppendUpdate returns current with u appended, or ok=false when an entry with
// the same event id is already present. Terminal tasks reject appends.
func AppendUpdate(current Task, u StatusUpdate, now time.Time) (next Task, ok bool, err error) {
	if current.Status.IsTerminal() {
		return Task{}, false, TerminalStateError(current.ID, current.Status)
	}
	if u.EventID != "" && slices.ContainsFunc(current.StatusUpdates, func(existing StatusUpdate) bool {
		return existing.EventID == u.EventID
	}) {
		return current.Clone(), false, nil
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = now
	}
	next = current.Clone()
	next.StatusUpdates = append(next.StatusUpdates, u)
	next.UpdatedAt = now
	return next, true, nil
}
