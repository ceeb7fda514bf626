// Package delivery turns stored task state into ordered per-observer event
// streams. Polling and push strategies share one diff and one Source
// interface.
package delivery

import (
	"context"
	"time"

	"github.com/walkerhughes/agent-sandboxing/internal/domain/task"
)

// EventType names an observer-facing event.
type EventType string

const (
	EventConnected     EventType = "connected"
	EventStatus        EventType = "status"
	EventStatusUpdate  EventType = "status_update"
	EventClarification EventType = "clarification_needed"
	EventCompleted     EventType = "completed"
	EventFailed        EventType = "failed"
	EventCancelled     EventType = "cancelled"
	EventDeliveryError EventType = "delivery_error"
)

// Event is one element of an observer stream.
type Event struct {
	Type          EventType           `json:"type"`
	TaskID        string              `json:"taskId"`
	Status        task.Status         `json:"status,omitempty"`
	Update        *task.StatusUpdate  `json:"update,omitempty"`
	Clarification *task.Clarification `json:"clarification,omitempty"`
	Result        *task.Result        `json:"result,omitempty"`
	CompletedAt   *time.Time          `json:"completedAt,omitempty"`
	Error         string              `json:"error,omitempty"`
	// Position is the number of status updates delivered up to and
	// including this event. Reconnecting observers resume from it.
	Position int `json:"position"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventCompleted, EventFailed, EventCancelled, EventDeliveryError:
		return true
	}
	return false
}

// Cursor is an observer's position in a task's history.
type Cursor struct {
	Status           task.Status
	Updates          int
	ClarificationKey string
}

// ResumeFrom returns a cursor for an observer that has already seen the
// first n status updates.
func ResumeFrom(n int) Cursor {
	if n < 0 {
		n = 0
	}
	return Cursor{Updates: n}
}

// Source yields a live event stream for one task. The channel starts with a
// connected event and is closed after a terminal event, a delivery error, or
// cancellation of ctx. Unknown tasks fail synchronously.
type Source interface {
	Subscribe(ctx context.Context, taskID string, from Cursor) (<-chan Event, error)
}

// Diff returns the events that move cursor to t, in order, and the advanced
// cursor.
func Diff(cursor Cursor, t task.Task) ([]Event, Cursor) {
	var events []Event
	if cursor.Updates > len(t.StatusUpdates) {
		cursor.Updates = len(t.StatusUpdates)
	}
	for i := cursor.Updates; i < len(t.StatusUpdates); i++ {
		u := t.StatusUpdates[i]
		events = append(events, Event{Type: EventStatusUpdate, TaskID: t.ID, Status: t.Status, Update: &u, Position: i + 1})
	}
	cursor.Updates = len(t.StatusUpdates)

	if t.Status.IsTerminal() {
		events = append(events, terminalEvent(t, cursor.Updates))
		cursor.Status = t.Status
		return events, cursor
	}

	if t.Status != cursor.Status {
		events = append(events, Event{Type: EventStatus, TaskID: t.ID, Status: t.Status, Position: cursor.Updates})
		cursor.Status = t.Status
	}

	key := ""
	if t.PendingClarification != nil {
		key = task.ClarificationKey(*t.PendingClarification)
	}
	if key != "" && key != cursor.ClarificationKey {
		c := *t.PendingClarification
		events = append(events, Event{Type: EventClarification, TaskID: t.ID, Status: t.Status, Clarification: &c, Position: cursor.Updates})
	}
	cursor.ClarificationKey = key
	return events, cursor
}

func terminalEvent(t task.Task, position int) Event {
	e := Event{TaskID: t.ID, Status: t.Status, CompletedAt: t.CompletedAt, Position: position}
	switch t.Status {
	case task.StatusCompleted:
		e.Type = EventCompleted
	case task.StatusFailed:
		e.Type = EventFailed
	default:
		e.Type = EventCancelled
	}
	if t.Result != nil {
		r := *t.Result
		e.Result = &r
		e.Error = r.Error
	}
	return e
}
