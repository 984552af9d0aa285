package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/capability"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/catalog"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/llm"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/logging"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/observability"
	tokenutil "github.com/richlaw1986/content-gap-crew-sub000/internal/shared/token"
)

const (
	defaultMaxToolIterations = 8
	maxToolResultChars       = 8000
	finalAnswerNudge         = "You have used all available tool calls. Using only what you have gathered, give your final answer now."
)

// LLMInvoker drives a chat-completions tool loop for each invocation.
type LLMInvoker struct {
	client        llm.Client
	registry      *capability.Registry
	maxIterations int
	temperature   float64
	metrics       *observability.LLMMetrics
	logger        logging.Logger
}

var _ Invoker = (*LLMInvoker)(nil)

// Option configures an LLMInvoker.
type Option func(*LLMInvoker)

// WithMaxToolIterations bounds the number of tool rounds per invocation.
func WithMaxToolIterations(n int) Option {
	return func(i *LLMInvoker) {
		if n > 0 {
			i.maxIterations = n
		}
	}
}

// WithDefaultTemperature applies to requests that leave Temperature unset.
func WithDefaultTemperature(t float64) Option {
	return func(i *LLMInvoker) { i.temperature = t }
}

// WithLogger sets the invoker logger.
func WithLogger(logger logging.Logger) Option {
	return func(i *LLMInvoker) { i.logger = logging.OrNop(logger) }
}

// WithToolMetrics records each capability call.
func WithToolMetrics(m *observability.LLMMetrics) Option {
	return func(i *LLMInvoker) { i.metrics = m }
}

// NewLLMInvoker returns an invoker that resolves worker capabilities against registry.
func NewLLMInvoker(client llm.Client, registry *capability.Registry, opts ...Option) *LLMInvoker {
	inv := &LLMInvoker{
		client:        client,
		registry:      registry,
		maxIterations: defaultMaxToolIterations,
		logger:        logging.NewComponentLogger("worker.llm"),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

func (i *LLMInvoker) Invoke(ctx context.Context, w catalog.Worker, req Request) (Result, error) {
	system := req.System
	if strings.TrimSpace(system) == "" {
		system = PersonaPrompt(w)
	}

	messages := make([]llm.Message, 0, len(req.History)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, turn := range req.History {
		messages = append(messages, historyMessage(turn))
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: req.Prompt})

	var caps []capability.Capability
	if req.Tools {
		caps = i.registry.Resolve(w.Capabilities)
	}
	byName := make(map[string]capability.Capability, len(caps))
	for _, c := range caps {
		byName[c.Definition().Name] = c
	}

	i.logger.Debug("Invoking %s: ~%d prompt tokens, %d capabilities",
		w.ID, tokenutil.CountTokens(system)+tokenutil.CountTokens(req.Prompt), len(caps))

	temperature := req.Temperature
	if temperature == 0 {
		temperature = i.temperature
	}

	var result Result
	emit := func(ev ToolEvent) {
		result.Events = append(result.Events, ev)
		if req.OnEvent != nil {
			req.OnEvent(ev)
		}
	}

	for iteration := 0; ; iteration++ {
		completion := llm.CompletionRequest{
			Model:       w.Model,
			Messages:    messages,
			Temperature: temperature,
		}
		exhausted := iteration >= i.maxIterations
		if len(caps) > 0 && !exhausted {
			completion.Tools = capability.Definitions(caps)
		}
		if exhausted && len(caps) > 0 {
			completion.Messages = append(append([]llm.Message(nil), messages...),
				llm.Message{Role: llm.RoleUser, Content: finalAnswerNudge})
		}

		resp, err := i.client.Complete(ctx, completion)
		if err != nil {
			return result, fmt.Errorf("invoke %s: %w", w.ID, err)
		}
		if len(resp.ToolCalls) == 0 || len(completion.Tools) == 0 {
			result.Text = strings.TrimSpace(resp.Content)
			return result, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			emit(ToolEvent{Kind: ToolCall, Tool: call.Name, Content: describeArguments(call.Arguments)})
			output := i.execute(ctx, byName, call)
			emit(ToolEvent{Kind: ToolResult, Tool: call.Name, Content: output})
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    output,
				ToolCallID: call.ID,
			})
		}
	}
}

// execute runs one tool call. Failures become the tool's textual result so
// the model can recover.
func (i *LLMInvoker) execute(ctx context.Context, byName map[string]capability.Capability, call llm.ToolCall) string {
	c, ok := byName[call.Name]
	if !ok {
		i.metrics.RecordToolCall(ctx, call.Name, "unknown")
		return fmt.Sprintf("Error: capability %q is not available", call.Name)
	}
	output, err := c.Execute(ctx, call.Arguments)
	if err != nil {
		i.logger.Warn("Capability %s failed: %v", call.Name, err)
		i.metrics.RecordToolCall(ctx, call.Name, "error")
		return "Error: " + err.Error()
	}
	i.metrics.RecordToolCall(ctx, call.Name, "success")
	return tokenutil.TruncateChars(output, maxToolResultChars)
}

func historyMessage(turn Turn) llm.Message {
	if turn.Role == llm.RoleAssistant {
		content := turn.Content
		if turn.Speaker != "" {
			content = "[" + turn.Speaker + "]: " + content
		}
		return llm.Message{Role: llm.RoleAssistant, Content: content}
	}
	return llm.Message{Role: llm.RoleUser, Content: turn.Content}
}

func describeArguments(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(data)
}
