package registry

import (
	"sync"
	"time"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/broker"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/catalog"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"
)

// Sink receives live events for one connection.
type Sink interface {
	Send(ev conversation.Event) error
}

// RunState is the connection-independent state of one in-flight run. The
// sink may be detached and rebound while the run keeps executing.
type RunState struct {
	conversationID string
	broker         *broker.Broker
	startedAt      time.Time

	// emitMu orders persist-and-send against replay-and-attach.
	emitMu sync.Mutex

	mu     sync.RWMutex
	sink   Sink
	roster []catalog.Worker
	lead   catalog.Worker
	runID  string
	done   bool
}

// NewRunState binds a new run to sink. b owns the run's pending questions.
func NewRunState(conversationID string, sink Sink, b *broker.Broker) *RunState {
	return &RunState{
		conversationID: conversationID,
		broker:         b,
		sink:           sink,
		startedAt:      time.Now(),
	}
}

func (s *RunState) ConversationID() string { return s.conversationID }
func (s *RunState) Broker() *broker.Broker { return s.broker }
func (s *RunState) StartedAt() time.Time { return s.startedAt }

// Exclusive runs fn while no event is being published for this run. Emitters
// wrap persist-then-send in it; a reattaching connection wraps replay-then-attach,
// so each event reaches the new connection exactly once.
func (s *RunState) Exclusive(fn func()) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	fn()
}

// Attach rebinds the run to sink.
func (s *RunState) Attach(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Detach clears the sink. Events sent while detached are dropped from the
// live stream; they remain in the persisted log.
func (s *RunState) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = nil
}

// DetachSink clears the sink only if it is still sink, so a closing
// connection never unbinds the one that replaced it.
func (s *RunState) DetachSink(sink Sink) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink != sink {
		return false
	}
	s.sink = nil
	return true
}

// Attached reports whether a connection currently receives events.
func (s *RunState) Attached() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sink != nil
}

// Send delivers ev to the current sink. It is a no-op while detached.
func (s *RunState) Send(ev conversation.Event) error {
	s.mu.RLock()
	sink := s.sink
	s.mu.RUnlock()
	if sink == nil {
		return nil
	}
	return sink.Send(ev)
}

// SetCrew records the resolved roster and the lead worker.
func (s *RunState) SetCrew(roster []catalog.Worker, lead catalog.Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roster = append([]catalog.Worker(nil), roster...)
	s.lead = lead
}

// Roster returns a copy of the resolved roster.
func (s *RunState) Roster() []catalog.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]catalog.Worker(nil), s.roster...)
}

// Lead returns the lead worker, if one has been chosen.
func (s *RunState) Lead() (catalog.Worker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lead, s.lead.ID != ""
}

func (s *RunState) SetRunID(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runID = runID
}

func (s *RunState) RunID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runID
}

// Done reports whether the run reached a terminal state.
func (s *RunState) Done() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

func (s *RunState) markDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.done = true
	return true
}
