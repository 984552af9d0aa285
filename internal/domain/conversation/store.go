package conversation

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a conversation does not exist.
	ErrNotFound = errors.New("conversation not found")
	// ErrRunNotFound is returned when a run does not exist.
	ErrRunNotFound = errors.New("run not found")
)

// DefaultListLimit caps conversation and run listings.
const DefaultListLimit = 50

// Store persists conversations. Implementations behave as an at-least-once,
// eventually-consistent append log: a read following a write in the same
// execution context observes that write.
type Store interface {
	Create(ctx context.Context, title string) (*Conversation, error)
	Get(ctx context.Context, id string) (*Conversation, error)
	// List returns conversations most recently updated first, without messages.
	List(ctx context.Context, limit int) ([]Conversation, error)
	// Delete removes the conversation and every run it spawned.
	Delete(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, id string, msg Message) error
	SetStatus(ctx context.Context, id string, status Status) error
	SetSummary(ctx context.Context, id string, summary string) error
	SetTitle(ctx context.Context, id string, title string) error
	// SetActiveRun records runID as active and appends it to the run list;
	// an empty runID clears the active run.
	SetActiveRun(ctx context.Context, id string, runID string) error
}

// RunFilter narrows run listings.
type RunFilter struct {
	Limit          int
	Status         RunStatus
	ConversationID string
}

// RunStore persists run records.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
}

// Repository bundles both stores behind one backend.
type Repository interface {
	Store
	RunStore
	Close() error
}

// NormalizeLimit applies the default listing cap.
func NormalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return DefaultListLimit
	}
	return limit
}
