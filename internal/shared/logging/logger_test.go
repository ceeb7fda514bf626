package logging

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/walkerhughes/agent-sandboxing/internal/infra/observability"
	id "github.com/walkerhughes/agent-sandboxing/internal/shared/utils/id"
)

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Debug(format string, args ...any) { r.add("DEBUG", format, args...) }
func (r *recordingLogger) Info(format string, args ...any)  { r.add("INFO", format, args...) }
func (r *recordingLogger) Warn(format string, args ...any)  { r.add("WARN", format, args...) }
func (r *recordingLogger) Error(format string, args ...any) { r.add("ERROR", format, args...) }

func (r *recordingLogger) add(level, format string, args ...any) {
	r.lines = append(r.lines, level+" "+fmt.Sprintf(format, args...))
}

func TestOrNopHandlesTypedNil(t *testing.T) {
	var typed *recordingLogger
	if !IsNil(typed) {
		t.Fatal("expected typed nil to be detected")
	}
	OrNop(typed).Info("ignored %d", 1)
}

func TestFromContextPrefixesLogID(t *testing.T) {
	rec := &recordingLogger{}
	ctx := id.WithLogID(context.Background(), "log-123")

	FromContext(ctx, rec).Info("applied %s", "event")

	if len(rec.lines) != 1 || rec.lines[0] != "INFO logid=log-123 applied event" {
		t.Fatalf("unexpected lines %v", rec.lines)
	}
}

func TestComponentLoggerUsesConfiguredBackend(t *testing.T) {
	previous := Backend()
	defer Configure(previous)

	var buf bytes.Buffer
	Configure(observability.NewLogger(observability.LogConfig{Level: "debug", Format: "json", Output: &buf}))

	NewComponentLogger("Orchestrator").Debug("task %s running", "task-1")

	out := buf.String()
	if !strings.Contains(out, `"component":"Orchestrator"`) || !strings.Contains(out, "task task-1 running") {
		t.Fatalf("unexpected output %q", out)
	}
}
