// Package codec converts task fields to and from their SQL column encodings.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/walkerhughes/agent-sandboxing/internal/domain/task"
)

// TerminalStatuses returns the terminal statuses as column values.
func TerminalStatuses() []string {
	return []string{string(task.StatusCompleted), string(task.StatusFailed), string(task.StatusCancelled)}
}

// StatusStrings converts a status filter to column values.
func StatusStrings(statuses []task.Status) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

// EncodeClarification returns the JSON column value, nil for SQL NULL.
func EncodeClarification(c *task.Clarification) (*string, error) {
	if c == nil {
		return nil, nil
	}
	return encode(c)
}

// DecodeClarification parses a nullable JSON column.
func DecodeClarification(raw *string) (*task.Clarification, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var c task.Clarification
	if err := json.Unmarshal([]byte(*raw), &c); err != nil {
		return nil, fmt.Errorf("decode clarification: %w", err)
	}
	if c.Options == nil {
		c.Options = []string{}
	}
	return &c, nil
}

// EncodeResult returns the JSON column value, nil for SQL NULL.
func EncodeResult(r *task.Result) (*string, error) {
	if r == nil {
		return nil, nil
	}
	return encode(r)
}

// DecodeResult parses a nullable JSON column.
func DecodeResult(raw *string) (*task.Result, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var r task.Result
	if err := json.Unmarshal([]byte(*raw), &r); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if r.ActionsTaken == nil {
		r.ActionsTaken = []string{}
	}
	return &r, nil
}

func encode(v any) (*string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode column: %w", err)
	}
	s := string(data)
	return &s, nil
}
