package task

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// EventType discriminates worker callback events.
type EventType string

const (
	EventSessionStarted      EventType = "session_started"
	EventStatusUpdate        EventType = "status_update"
	EventToolUse             EventType = "tool_use"
	EventClarificationNeeded EventType = "clarification_needed"
	EventCompleted           EventType = "completed"
	EventFailed              EventType = "failed"
)

// DefaultFailureMessage is recorded when a worker reports failure without text.
const DefaultFailureMessage = "worker reported failure without an error message"

// WebhookEvent is one callback from the external worker. Fields beyond Type
// and TaskID are populated according to Type.
type WebhookEvent struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"taskId"`
	EventID   string    `json:"eventId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	// ExecutionSegment echoes the segment of the spawn that produced the
	// event. Zero when the worker does not report it.
	ExecutionSegment int `json:"executionSegment,omitempty"`
	Message   string    `json:"message,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Question  string    `json:"question,omitempty"`
	Context   string    `json:"context,omitempty"`
	Options   []string  `json:"options,omitempty"`
	Result    *Result   `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ParseWebhookEvent decodes and validates a raw callback body.
func ParseWebhookEvent(body []byte) (WebhookEvent, error) {
	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return WebhookEvent{}, BadRequestError(fmt.Sprintf("decode webhook event: %v", err))
	}
	if err := event.Validate(); err != nil {
		return WebhookEvent{}, err
	}
	return event, nil
}

// Validate checks the discriminator and the fields each event type requires.
func (e WebhookEvent) Validate() error {
	if strings.TrimSpace(e.TaskID) == "" {
		return BadRequestError("webhook event missing taskId")
	}
	switch e.Type {
	case EventSessionStarted:
		if strings.TrimSpace(e.SessionID) == "" {
			return BadRequestError("session_started requires sessionId")
		}
	case EventStatusUpdate:
		if strings.TrimSpace(e.Message) == "" {
			return BadRequestError("status_update requires message")
		}
	case EventToolUse:
		if strings.TrimSpace(e.Tool) == "" {
			return BadRequestError("tool_use requires tool")
		}
	case EventClarificationNeeded:
		if strings.TrimSpace(e.Question) == "" {
			return BadRequestError("clarification_needed requires question")
		}
	case EventCompleted, EventFailed:
	case "":
		return BadRequestError("webhook event missing type")
	default:
		return BadRequestError(fmt.Sprintf("unknown webhook event type %q", e.Type))
	}
	return nil
}

// ProgressUpdate converts a status_update or tool_use event into a log entry.
// Only a worker-assigned event id identifies the entry; two tool calls with
// the same text are distinct entries.
func (e WebhookEvent) ProgressUpdate() StatusUpdate {
	message := e.Message
	if message == "" && e.Tool != "" {
		message = "Using " + e.Tool
	}
	return StatusUpdate{EventID: e.EventID, Message: message, Tool: e.Tool}
}

// FromEarlierSegment reports whether the event was produced by a worker
// invocation that a resume has since superseded.
func (e WebhookEvent) FromEarlierSegment(current int) bool {
	return e.ExecutionSegment > 0 && e.ExecutionSegment < current
}

// ClarificationRequest returns the clarification carried by the event.
func (e WebhookEvent) ClarificationRequest() Clarification {
	options := e.Options
	if options == nil {
		options = []string{}
	}
	return Clarification{Question: e.Question, Context: e.Context, Options: options}
}

// Outcome returns the terminal result carried by a completed or failed event.
func (e WebhookEvent) Outcome() Result {
	var result Result
	if e.Result != nil {
		result = *e.Result
	}
	if result.ActionsTaken == nil {
		result.ActionsTaken = []string{}
	}
	if e.Type == EventFailed {
		if strings.TrimSpace(e.Error) != "" {
			result.Error = e.Error
		}
		if strings.TrimSpace(result.Error) == "" {
			result.Error = DefaultFailureMessage
		}
	}
	return result
}

// ClarificationKey fingerprints a clarification independent of the event
// envelope.
func ClarificationKey(c Clarification) string {
	h := sha256.New()
	h.Write([]byte(c.Question))
	h.Write([]byte{0})
	h.Write([]byte(c.Context))
	for _, opt := range c.Options {
		h.Write([]byte{0})
		h.Write([]byte(opt))
	}
	return hex.EncodeToString(h.Sum(nil))
}
