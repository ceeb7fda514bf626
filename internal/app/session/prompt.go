package session

import (
	"slices"
	"strings"

	"github.com/walkerhughes/agent-sandboxing/internal/domain/task"
)

const (
	historyPreamble = "Here is the conversation so far in this session:"
	currentMarker   = "Current request:"
)

// BuildContextualPrompt renders up to HistoryLimit finished prior tasks,
// oldest first, ahead of the current prompt. Without usable history the
// current prompt is returned unchanged.
func BuildContextualPrompt(current task.Task, prior []task.Task) string {
	history := make([]task.Task, 0, len(prior))
	for _, t := range prior {
		if t.ID == current.ID {
			continue
		}
		if t.Status != task.StatusCompleted && t.Status != task.StatusFailed {
			continue
		}
		history = append(history, t)
	}
	if len(history) == 0 {
		return current.Prompt
	}

	slices.SortStableFunc(history, func(a, b task.Task) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if len(history) > HistoryLimit {
		history = history[len(history)-HistoryLimit:]
	}

	var b strings.Builder
	b.WriteString(historyPreamble)
	b.WriteString("\n\n")
	for _, t := range history {
		b.WriteString("User: ")
		b.WriteString(t.Prompt)
		b.WriteString("\nAssistant: ")
		b.WriteString(reply(t))
		b.WriteString("\n\n")
	}
	b.WriteString(currentMarker)
	b.WriteString("\n")
	b.WriteString(current.Prompt)
	return b.String()
}

func reply(t task.Task) string {
	if t.Result == nil {
		return "(no result)"
	}
	if t.Status == task.StatusFailed {
		msg := t.Result.Error
		if msg == "" {
			msg = task.DefaultFailureMessage
		}
		return "The task failed: " + msg
	}
	if t.Result.Summary == "" {
		return "(no summary)"
	}
	return t.Result.Summary
}
