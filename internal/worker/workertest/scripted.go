// Package workertest provides a deterministic worker.Invoker for tests.
package workertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/catalog"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/worker"
)

// Step is one scripted invocation outcome.
type Step struct {
	Text   string
	Err    error
	Events []worker.ToolEvent
	// Block, when set, is waited on before returning so tests can observe a
	// run mid-flight.
	Block <-chan struct{}
}

// Call records one invocation.
type Call struct {
	WorkerID string
	Request  worker.Request
}

// ScriptedInvoker replays scripted steps keyed by worker id. Workers without
// a script answer with Fallback (or "<id> output" when empty).
type ScriptedInvoker struct {
	mu       sync.Mutex
	scripts  map[string][]Step
	calls    []Call
	Fallback string
}

// NewScriptedInvoker returns an empty script.
func NewScriptedInvoker() *ScriptedInvoker {
	return &ScriptedInvoker{scripts: make(map[string][]Step)}
}

// On appends steps for workerID.
func (s *ScriptedInvoker) On(workerID string, steps ...Step) *ScriptedInvoker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[workerID] = append(s.scripts[workerID], steps...)
	return s
}

// Reply scripts plain text replies for workerID.
func (s *ScriptedInvoker) Reply(workerID string, texts ...string) *ScriptedInvoker {
	steps := make([]Step, 0, len(texts))
	for _, text := range texts {
		steps = append(steps, Step{Text: text})
	}
	return s.On(workerID, steps...)
}

func (s *ScriptedInvoker) Invoke(ctx context.Context, w catalog.Worker, req worker.Request) (worker.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{WorkerID: w.ID, Request: req})
	var step Step
	if queue := s.scripts[w.ID]; len(queue) > 0 {
		step = queue[0]
		s.scripts[w.ID] = queue[1:]
	} else if s.Fallback != "" {
		step = Step{Text: s.Fallback}
	} else {
		step = Step{Text: fmt.Sprintf("%s output", w.ID)}
	}
	s.mu.Unlock()

	if step.Block != nil {
		select {
		case <-step.Block:
		case <-ctx.Done():
			return worker.Result{}, ctx.Err()
		}
	}
	for _, ev := range step.Events {
		if req.OnEvent != nil {
			req.OnEvent(ev)
		}
	}
	if step.Err != nil {
		return worker.Result{Events: step.Events}, step.Err
	}
	return worker.Result{Text: step.Text, Events: step.Events}, nil
}

// Calls returns a copy of the recorded invocations.
func (s *ScriptedInvoker) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsFor returns the invocations made for workerID.
func (s *ScriptedInvoker) CallsFor(workerID string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.WorkerID == workerID {
			out = append(out, c)
		}
	}
	return out
}
