// Package task defines the task domain model, its lifecycle rules and the
// ports the orchestration core depends on.
package task

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending       Status = "pending"
	StatusRunning       Status = "running"
	StatusAwaitingInput Status = "awaiting_input"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusRunning,
	StatusAwaitingInput,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return slices.Contains(AllStatuses, s)
}

// ParseStatus converts a raw string into a Status.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", InvalidInputError(fmt.Sprintf("unknown status %q", raw))
	}
	return status, nil
}

// Clarification is the question a paused worker asked the user.
type Clarification struct {
	Question string   `json:"question"`
	Context  string   `json:"context"`
	Options  []string `json:"options"`
}

// StatusUpdate is one entry of the append-only progress log.
type StatusUpdate struct {
	EventID   string    `json:"eventId,omitempty"`
	Message   string    `json:"message"`
	Tool      string    `json:"tool,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Result is the terminal outcome reported by the worker.
type Result struct {
	Summary      string   `json:"summary"`
	ActionsTaken []string `json:"actionsTaken"`
	Error        string   `json:"error,omitempty"`
}

// Outcome returns the text that best describes the result: the error for a
// failure, the summary otherwise.
func (r *Result) Outcome() string {
	if r == nil {
		return ""
	}
	if r.Error != "" {
		return r.Error
	}
	return r.Summary
}

// Task is one lineage of agent execution, possibly spanning several worker
// invocations through checkpoint and resume.
type Task struct {
	ID                   string         `json:"id"`
	ChatSessionID        string         `json:"chatSessionId"`
	Status               Status         `json:"status"`
	Prompt               string         `json:"taskPrompt"`
	WorkerSessionID      string         `json:"workerSessionId,omitempty"`
	PendingClarification *Clarification `json:"pendingClarification,omitempty"`
	StatusUpdates        []StatusUpdate `json:"statusUpdates"`
	Result               *Result        `json:"result,omitempty"`
	ExecutionSegment     int            `json:"executionSegment"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Clone returns a deep copy so callers never share slices or pointers with a store.
func (t Task) Clone() Task {
	out := t
	if t.PendingClarification != nil {
		c := *t.PendingClarification
		c.Options = slices.Clone(t.PendingClarification.Options)
		out.PendingClarification = &c
	}
	if t.StatusUpdates != nil {
		out.StatusUpdates = slices.Clone(t.StatusUpdates)
	}
	if t.Result != nil {
		r := *t.Result
		r.ActionsTaken = slices.Clone(t.Result.ActionsTaken)
		out.Result = &r
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		out.CompletedAt = &ts
	}
	return out
}

// CheckInvariants verifies the structural rules every persisted task obeys.
func (t Task) CheckInvariants() error {
	if !t.Status.Valid() {
		return fmt.Errorf("task %s: unknown status %q", t.ID, t.Status)
	}
	awaiting := t.Status == StatusAwaitingInput
	if awaiting != (t.PendingClarification != nil) {
		return fmt.Errorf("task %s: pending clarification present=%t with status %s", t.ID, t.PendingClarification != nil, t.Status)
	}
	hasOutcome := t.Status == StatusCompleted || t.Status == StatusFailed
	if hasOutcome != (t.Result != nil) {
		return fmt.Errorf("task %s: result present=%t with status %s", t.ID, t.Result != nil, t.Status)
	}
	if t.Status == StatusFailed && strings.TrimSpace(t.Result.Error) == "" {
		return fmt.Errorf("task %s: failed without error text", t.ID)
	}
	if t.Status.IsTerminal() != (t.CompletedAt != nil) {
		return fmt.Errorf("task %s: completedAt present=%t with status %s", t.ID, t.CompletedAt != nil, t.Status)
	}
	return nil
}

// ChatSession is a conversational thread that outlives any single task.
type ChatSession struct {
	ID                    string    `json:"id"`
	LatestWorkerSessionID string    `json:"latestWorkerSessionId,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}
