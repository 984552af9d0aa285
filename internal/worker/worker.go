// Package worker is the port through which the orchestrator asks a worker
// persona to produce text.
package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/catalog"
)

// ToolEventKind distinguishes a capability call from its result.
type ToolEventKind string

const (
	ToolCall   ToolEventKind = "tool_call"
	ToolResult ToolEventKind = "tool_result"
)

// ToolEvent is relayed while an invocation runs.
type ToolEvent struct {
	Kind    ToolEventKind
	Tool    string
	Content string
}

// Turn is one prior chat message given to the worker as history.
type Turn struct {
	Role    string // "user" or "assistant"
	Speaker string
	Content string
}

// Request describes a single invocation.
type Request struct {
	Prompt string
	// System overrides the persona prompt built from the worker profile.
	System      string
	History     []Turn
	Tools       bool
	Temperature float64
	// OnEvent, when set, is called synchronously for each tool event as it happens.
	OnEvent func(ToolEvent)
}

// Result is the invocation output.
type Result struct {
	Text   string
	Events []ToolEvent
}

// Invoker runs a worker.
type Invoker interface {
	Invoke(ctx context.Context, w catalog.Worker, req Request) (Result, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, w catalog.Worker, req Request) (Result, error)

func (f InvokerFunc) Invoke(ctx context.Context, w catalog.Worker, req Request) (Result, error) {
	return f(ctx, w, req)
}

// PersonaPrompt renders the default system prompt for w.
func PersonaPrompt(w catalog.Worker) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", w.DisplayName())
	if role := strings.TrimSpace(w.Role); role != "" && role != w.DisplayName() {
		fmt.Fprintf(&b, ", %s", role)
	}
	b.WriteString(".")
	if goal := strings.TrimSpace(w.Goal); goal != "" {
		fmt.Fprintf(&b, "\nGoal: %s", goal)
	}
	if backstory := strings.TrimSpace(w.Backstory); backstory != "" {
		fmt.Fprintf(&b, "\nBackground: %s", backstory)
	}
	return b.String()
}
