package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/catalog"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/logging"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/observability"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/worker"

	"go.opentelemetry.io/otel/attribute"
)

const (
	plannerTemperature = 0.2
	defaultMaxWorkers  = 6
)

// Resolver asks the planner persona for a plan and validates it.
type Resolver struct {
	invoker worker.Invoker
	logger  logging.Logger
	tracer  *observability.TracerProvider
	metrics *observability.RunMetrics
}

// Option configures a Resolver.
type Option func(*Resolver)

func WithLogger(logger logging.Logger) Option {
	return func(r *Resolver) { r.logger = logging.OrNop(logger) }
}

func WithTracer(tp *observability.TracerProvider) Option {
	return func(r *Resolver) { r.tracer = tp }
}

func WithMetrics(m *observability.RunMetrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver returns a resolver that invokes the planner through invoker.
func NewResolver(invoker worker.Invoker, opts ...Option) *Resolver {
	r := &Resolver{invoker: invoker, logger: logging.NewComponentLogger("planner")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type rosterEntry struct {
	ID        string   `json:"_id"`
	Name      string   `json:"name"`
	Role      string   `json:"role"`
	Goal      string   `json:"goal,omitempty"`
	Backstory string   `json:"backstory,omitempty"`
	Tools     []string `json:"tools"`
}

type planRequest struct {
	Objective string         `json:"objective"`
	Inputs    map[string]any `json:"inputs"`
	MaxAgents int            `json:"maxAgents"`
	Process   string         `json:"process"`
	Agents    []rosterEntry  `json:"agents"`
}

// Resolve produces a plan for objective over roster. Output that fails to
// parse or validate is retried exactly once with a repair prompt; a second
// failure returns an error wrapping ErrPlanInvalid.
func (r *Resolver) Resolve(ctx context.Context, objective string, roster []catalog.Worker, profile catalog.Planner) (plan Plan, err error) {
	ctx, span := r.tracer.StartSpan(ctx, observability.SpanPlan, attribute.Int("crew.roster_size", len(roster)))
	defer func() {
		if err == nil {
			span.SetAttributes(attribute.Int(observability.AttrTaskCount, len(plan.Tasks)))
		}
		observability.EndSpan(span, err)
	}()

	if len(roster) == 0 {
		r.metrics.PlanOutcome("error")
		return Plan{}, fmt.Errorf("%w: no workers available", ErrPlanInvalid)
	}

	prompt, err := buildPrompt(objective, roster, profile)
	if err != nil {
		return Plan{}, err
	}
	persona := plannerWorker(profile)

	output, err := r.invoke(ctx, persona, profile, prompt)
	if err != nil {
		r.metrics.PlanOutcome("error")
		return Plan{}, err
	}
	raw, firstErr := parseAndValidate(output)
	if firstErr == nil {
		r.metrics.PlanOutcome("ok")
		return build(raw, roster), nil
	}

	r.logger.Warn("Planner output invalid, requesting repair: %v", firstErr)
	repaired, err := r.invoke(ctx, persona, profile, repairPrompt(prompt, output, firstErr))
	if err != nil {
		r.metrics.PlanOutcome("error")
		return Plan{}, err
	}
	raw, err = parseAndValidate(repaired)
	if err != nil {
		r.metrics.PlanOutcome("invalid")
		return Plan{}, fmt.Errorf("%w: %v", ErrPlanInvalid, err)
	}
	r.metrics.PlanOutcome("repaired")
	return build(raw, roster), nil
}

func (r *Resolver) invoke(ctx context.Context, persona catalog.Worker, profile catalog.Planner, prompt string) (string, error) {
	res, err := r.invoker.Invoke(ctx, persona, worker.Request{
		Prompt:      prompt,
		System:      systemPrompt(profile),
		Temperature: plannerTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("planner invocation: %w", err)
	}
	return res.Text, nil
}

func parseAndValidate(output string) (rawPlan, error) {
	raw, err := parse(output)
	if err != nil {
		return rawPlan{}, err
	}
	if err := validate(raw); err != nil {
		return rawPlan{}, err
	}
	return raw, nil
}

func plannerWorker(profile catalog.Planner) catalog.Worker {
	name := profile.Name
	if strings.TrimSpace(name) == "" {
		name = "Planner"
	}
	return catalog.Worker{ID: profile.ID, Name: name, Role: "Crew planner", Model: profile.Model}
}

func systemPrompt(profile catalog.Planner) string {
	if strings.TrimSpace(profile.SystemPrompt) != "" {
		return profile.SystemPrompt
	}
	return catalog.DefaultPlannerPrompt
}

func buildPrompt(objective string, roster []catalog.Worker, profile catalog.Planner) (string, error) {
	maxWorkers := profile.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers
	}
	process := profile.Process
	if process == "" {
		process = DefaultProcess
	}
	req := planRequest{
		Objective: objective,
		Inputs:    map[string]any{},
		MaxAgents: maxWorkers,
		Process:   process,
		Agents:    make([]rosterEntry, 0, len(roster)),
	}
	for _, w := range roster {
		tools := w.Capabilities
		if tools == nil {
			tools = []string{}
		}
		req.Agents = append(req.Agents, rosterEntry{
			ID:        w.ID,
			Name:      w.Name,
			Role:      w.Role,
			Goal:      w.Goal,
			Backstory: w.Backstory,
			Tools:     tools,
		})
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode planner request: %w", err)
	}
	return string(data), nil
}

func repairPrompt(original, output string, cause error) string {
	return fmt.Sprintf(`Your previous response could not be used as a plan.

Error: %s

Previous response:
%s

Original request:
%s

Return ONLY a corrected JSON object with "agents", "tasks" (each with name, description, expectedOutput, agentId, order), "process", "inputSchema" and "questions".`,
		cause, output, original)
}
