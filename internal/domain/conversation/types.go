// Package conversation defines conversations, their message log and the runs
// they spawn, plus the persistence ports the orchestrator consumes.
package conversation

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusActive        Status = "active"
	StatusAwaitingInput Status = "awaiting_input"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
)

// DefaultTitle is assigned to conversations created without a title.
const DefaultTitle = "New Conversation"

// Kind classifies a message in the log.
type Kind string

const (
	KindUserMessage  Kind = "user_message"
	KindAnswer       Kind = "answer"
	KindAgentMessage Kind = "agent_message"
	KindThinking     Kind = "thinking"
	KindToolCall     Kind = "tool_call"
	KindToolResult   Kind = "tool_result"
	KindSystem       Kind = "system"
	KindQuestion     Kind = "question"
	KindComplete     Kind = "complete"
	KindError        Kind = "error"
	KindStatus       Kind = "status"
)

// Ephemeral reports whether messages of this kind are live-only. Only pure
// connectivity status is never persisted or replayed.
func (k Kind) Ephemeral() bool {
	return k == KindStatus
}

// Metadata keys stored on messages.
const (
	MetaRunID         = "runId"
	MetaOptions       = "options"
	MetaSelectionType = "selectionType"
	MetaIsReply       = "isReply"
	MetaOutput        = "output"
	MetaQuestionID    = "questionId"
)

// Message is one append-only entry of a conversation log.
type Message struct {
	Key       string         `json:"key"`
	Sender    string         `json:"sender"`
	Kind      Kind           `json:"kind"`
	Content   string         `json:"content"`
	Tool      string         `json:"tool,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Meta returns a metadata value as string.
func (m Message) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	if v, ok := m.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// Conversation is a persistent thread between the user and the workers.
type Conversation struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Status         Status    `json:"status"`
	Messages       []Message `json:"messages"`
	ActiveRunID    string    `json:"activeRunId,omitempty"`
	RunIDs         []string  `json:"runIds"`
	LastRunSummary string    `json:"lastRunSummary,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// HasDefaultTitle reports whether the title was never set from user input.
func (c *Conversation) HasDefaultTitle() bool {
	title := strings.TrimSpace(c.Title)
	return title == "" || title == DefaultTitle
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the run can no longer change state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// Task is one ordered, worker-assigned unit of work. Immutable once resolved.
type Task struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	ExpectedOutput string `json:"expectedOutput"`
	WorkerID       string `json:"workerId"`
	Order          int    `json:"order"`
}

// Run is one execution of a resolved task pipeline.
type Run struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	Objective      string     `json:"objective"`
	Tasks          []Task     `json:"tasks"`
	Status         RunStatus  `json:"status"`
	Output         string     `json:"output,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}
