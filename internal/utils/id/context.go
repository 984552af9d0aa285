package id

import "context"

type contextKey string

const (
	conversationKey contextKey = "crew_conversation_id"
	runKey          contextKey = "crew_run_id"
	taskKey         contextKey = "crew_task_id"
)

// IDs captures the identifiers propagated across run execution boundaries.
type IDs struct {
	ConversationID string
	RunID          string
	TaskID         string
}

// WithConversationID stores the conversation identifier on the context.
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	if conversationID == "" {
		return ctx
	}
	return context.WithValue(ctx, conversationKey, conversationID)
}

// WithRunID stores the current run identifier on the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runKey, runID)
}

// WithTaskID stores the executing task identifier on the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskKey, taskID)
}

// ConversationIDFromContext returns the conversation identifier, if any.
func ConversationIDFromContext(ctx context.Context) string {
	return stringValue(ctx, conversationKey)
}

// RunIDFromContext returns the run identifier, if any.
func RunIDFromContext(ctx context.Context) string {
	return stringValue(ctx, runKey)
}

// IDsFromContext collects every identifier stored on ctx.
func IDsFromContext(ctx context.Context) IDs {
	return IDs{
		ConversationID: stringValue(ctx, conversationKey),
		RunID:          stringValue(ctx, runKey),
		TaskID:         stringValue(ctx, taskKey),
	}
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
