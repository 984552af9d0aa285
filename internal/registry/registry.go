// Package registry tracks the single live run of each conversation.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/logging"
)

// ErrRunActive is returned when a conversation already has a live run.
var ErrRunActive = errors.New("run already active")

// Registry maps conversation ids to their live RunState. It holds at most one
// non-done entry per conversation.
type Registry struct {
	mu     sync.Mutex
	runs   map[string]*RunState
	logger logging.Logger
}

// New returns an empty registry.
func New(logger logging.Logger) *Registry {
	return &Registry{
		runs:   make(map[string]*RunState),
		logger: logging.OrNop(logger),
	}
}

// Register stores state for conversationID. It fails with ErrRunActive when
// a non-done run is already registered.
func (r *Registry) Register(conversationID string, state *RunState) error {
	if state == nil {
		return errors.New("registry: nil run state")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.runs[conversationID]; ok && !existing.Done() {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrRunActive)
	}
	r.runs[conversationID] = state
	r.logger.Debug("Registered run for conversation %s", conversationID)
	return nil
}

// Get returns the live run of conversationID.
func (r *Registry) Get(conversationID string) (*RunState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.runs[conversationID]
	if !ok || state.Done() {
		return nil, false
	}
	return state, true
}

// MarkDone flags the run as finished and removes it. Repeated calls are no-ops.
func (r *Registry) MarkDone(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.runs[conversationID]
	if !ok {
		return
	}
	if state.markDone() {
		r.logger.Debug("Run for conversation %s done", conversationID)
	}
	delete(r.runs, conversationID)
}

// Remove drops the entry of conversationID when it is no longer live. It is
// only used to clean up after a connection closes; a live run registered by
// another connection is left alone.
func (r *Registry) Remove(conversationID string) (*RunState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.runs[conversationID]
	if !ok || !state.Done() {
		return nil, false
	}
	delete(r.runs, conversationID)
	return state, true
}

// Len returns the number of registered runs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
