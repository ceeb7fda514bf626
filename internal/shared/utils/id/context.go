package id

import "context"

type contextKey string

const (
	sessionKey contextKey = "agentd_session_id"
	taskKey    contextKey = "agentd_task_id"
	logKey     contextKey = "agentd_log_id"
)

// IDs captures the identifiers propagated through request and worker callbacks.
type IDs struct {
	SessionID string
	TaskID    string
	LogID     string
}

// WithSessionID stores the chat session identifier on the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// WithTaskID stores the task identifier on the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskKey, taskID)
}

// WithLogID stores the log identifier on the context.
func WithLogID(ctx context.Context, logID string) context.Context {
	if logID == "" {
		return ctx
	}
	return context.WithValue(ctx, logKey, logID)
}

// WithIDs stores any provided identifiers on the context.
func WithIDs(ctx context.Context, ids IDs) context.Context {
	ctx = WithSessionID(ctx, ids.SessionID)
	ctx = WithTaskID(ctx, ids.TaskID)
	return WithLogID(ctx, ids.LogID)
}

// IDsFromContext returns every identifier present on ctx.
func IDsFromContext(ctx context.Context) IDs {
	return IDs{
		SessionID: SessionIDFromContext(ctx),
		TaskID:    TaskIDFromContext(ctx),
		LogID:     LogIDFromContext(ctx),
	}
}

// SessionIDFromContext extracts the chat session identifier from context.
func SessionIDFromContext(ctx context.Context) string {
	return stringValue(ctx, sessionKey)
}

// TaskIDFromContext extracts the task identifier from context.
func TaskIDFromContext(ctx context.Context) string {
	return stringValue(ctx, taskKey)
}

// LogIDFromContext extracts the log identifier from context.
func LogIDFromContext(ctx context.Context) string {
	return stringValue(ctx, logKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
