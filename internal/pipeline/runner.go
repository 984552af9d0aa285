// Package pipeline executes a resolved task list in order, chaining each
// task's output into the next, and decides whether a synthesis pass is needed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/catalog"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/logging"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/observability"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/planner"
	tokenutil "github.com/richlaw1986/content-gap-crew-sub000/internal/shared/token"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/utils/id"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/worker"

	"go.opentelemetry.io/otel/attribute"
)

// DefaultContextChars bounds the prior-task output handed to the next task.
const DefaultContextChars = 6000

const reviewerInstruction = "You are reviewing work produced by other crew members. " +
	"Your output is feedback on that work (problems, gaps, unsupported claims and concrete fixes), " +
	"not the deliverable itself. Do not rewrite the deliverable."

var reviewerPattern = regexp.MustCompile(`(?i)\b(review|reviewer|qa|quality assurance|critic|editor)\b`)

// IsReviewer reports whether w gives feedback rather than deliverables.
func IsReviewer(w catalog.Worker) bool {
	return reviewerPattern.MatchString(w.Name) || reviewerPattern.MatchString(w.Role)
}

// EmitFunc receives pipeline events in production order.
type EmitFunc func(ev conversation.Event)

// RunInput is one pipeline execution.
type RunInput struct {
	RunID     string
	Objective string
	Tasks     []conversation.Task
	Roster    []catalog.Worker
}

// Outcome is what the pipeline produced.
type Outcome struct {
	Contributions  []conversation.Contribution
	ReviewFeedback []conversation.Contribution
	Lead           catalog.Worker
	// Final is set when no synthesis is needed.
	Final          string
	NeedsSynthesis bool
}

// LeadOutput returns the lead's first contribution.
func (o Outcome) LeadOutput() string {
	for _, c := range o.Contributions {
		if c.WorkerID == o.Lead.ID {
			return c.Output
		}
	}
	if len(o.Contributions) > 0 {
		return o.Contributions[0].Output
	}
	return joinFeedback(o.ReviewFeedback)
}

// Runner executes task lists through a worker.Invoker.
type Runner struct {
	invoker      worker.Invoker
	contextChars int
	logger       logging.Logger
	tracer       *observability.TracerProvider
	metrics      *observability.RunMetrics
}

// Option configures a Runner.
type Option func(*Runner)

// WithContextChars sets the prior-output window. Non-positive values keep the default.
func WithContextChars(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.contextChars = n
		}
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(r *Runner) { r.logger = logging.OrNop(logger) }
}

func WithTracer(tp *observability.TracerProvider) Option {
	return func(r *Runner) { r.tracer = tp }
}

func WithMetrics(m *observability.RunMetrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner returns a runner invoking workers through invoker.
func NewRunner(invoker worker.Invoker, opts ...Option) *Runner {
	r := &Runner{
		invoker:      invoker,
		contextChars: DefaultContextChars,
		logger:       logging.NewComponentLogger("pipeline"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes in.Tasks in ascending order. Task failures are reported as
// error events and do not stop the pipeline; only a cancelled ctx does.
func (r *Runner) Run(ctx context.Context, in RunInput, emit EmitFunc) (Outcome, error) {
	if emit == nil {
		emit = func(conversation.Event) {}
	}
	if len(in.Tasks) == 0 {
		return Outcome{}, errors.New("pipeline: no tasks")
	}
	if len(in.Roster) == 0 {
		return Outcome{}, errors.New("pipeline: empty roster")
	}

	tasks := append([]conversation.Task(nil), in.Tasks...)
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Order < tasks[j].Order })

	var (
		out      Outcome
		previous string
		prevName string
	)
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		w := r.workerFor(task, in.Roster)
		reviewer := IsReviewer(w)

		output, err := r.runTask(ctx, in, task, w, reviewer, previous, prevName, emit)
		if err != nil {
			r.logger.Warn("Task %s (%s) failed: %v", task.ID, w.ID, err)
			emit(withRun(conversation.ErrorEvent(fmt.Sprintf("Task %q (%s) failed: %v", task.Name, w.DisplayName(), err)), in.RunID))
			continue
		}

		emit(withRun(conversation.AgentEvent(conversation.SubtypeMessage, w.DisplayName(), output), in.RunID))
		contribution := conversation.Contribution{WorkerID: w.ID, Worker: w.DisplayName(), TaskID: task.ID, Output: output}
		if reviewer {
			out.ReviewFeedback = append(out.ReviewFeedback, contribution)
		} else {
			out.Contributions = append(out.Contributions, contribution)
			if out.Lead.ID == "" {
				out.Lead = w
			}
		}
		previous, prevName = output, w.DisplayName()
	}

	r.decide(&out, in.RunID, emit)
	return out, nil
}

func (r *Runner) runTask(ctx context.Context, in RunInput, task conversation.Task, w catalog.Worker, reviewer bool, previous, prevName string, emit EmitFunc) (output string, err error) {
	ctx = id.WithTaskID(ctx, task.ID)
	attrs := append([]attribute.KeyValue{attribute.String(observability.AttrTaskID, task.ID)}, observability.WorkerAttrs(w.ID, reviewer)...)
	ctx, span := r.tracer.StartSpan(ctx, observability.SpanTask, attrs...)
	started := time.Now()
	defer func() {
		observability.EndSpan(span, err)
		status := "ok"
		if err != nil {
			status = "error"
		}
		r.metrics.ObserveTask(roleLabel(reviewer), status, time.Since(started))
	}()

	emit(withRun(conversation.AgentEvent(conversation.SubtypeThinking, w.DisplayName(),
		fmt.Sprintf("Working on task %d: %s", task.Order, task.Name)), in.RunID))

	prompt := r.taskPrompt(in.Objective, task, reviewer, previous, prevName)
	r.metrics.PromptTokens("task", tokenutil.CountTokens(prompt))

	res, err := r.invoker.Invoke(ctx, w, worker.Request{
		Prompt: prompt,
		Tools:  true,
		OnEvent: func(ev worker.ToolEvent) {
			subtype := conversation.SubtypeToolResult
			if ev.Kind == worker.ToolCall {
				subtype = conversation.SubtypeToolCall
			}
			emit(withRun(conversation.ToolEvent(subtype, w.DisplayName(), ev.Tool, ev.Content), in.RunID))
		},
	})
	if err != nil {
		return "", err
	}
	output = strings.TrimSpace(res.Text)
	if output == "" {
		return "", errors.New("worker returned no output")
	}
	return output, nil
}

func (r *Runner) taskPrompt(objective string, task conversation.Task, reviewer bool, previous, prevName string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "OBJECTIVE:\n%s\n\n", strings.TrimSpace(objective))
	if previous != "" {
		fmt.Fprintf(&b, "CONTEXT FROM PREVIOUS TASK (%s):\n%s\n\n", prevName, tokenutil.TruncateChars(previous, r.contextChars))
	}
	fmt.Fprintf(&b, "YOUR TASK (%s):\n%s\n", task.Name, strings.TrimSpace(task.Description))
	if reviewer {
		fmt.Fprintf(&b, "\n%s\n", reviewerInstruction)
	}
	if expected := strings.TrimSpace(task.ExpectedOutput); expected != "" {
		fmt.Fprintf(&b, "\nEXPECTED OUTPUT:\n%s\n", expected)
	}
	return b.String()
}

// workerFor maps the task's worker id onto the roster, tolerating rosters
// that changed after planning.
func (r *Runner) workerFor(task conversation.Task, roster []catalog.Worker) catalog.Worker {
	w, matched := planner.ResolveWorker(task.WorkerID, roster)
	if !matched {
		r.logger.Warn("Task %s references unknown worker %q, using %s", task.ID, task.WorkerID, w.ID)
	}
	return w
}

func (r *Runner) decide(out *Outcome, runID string, emit EmitFunc) {
	switch {
	case len(out.Contributions) == 1 && len(out.ReviewFeedback) == 0:
		out.Final = out.Contributions[0].Output
		r.metrics.SynthesisDecision("single")
	case len(out.Contributions) == 0:
		out.Final = joinFeedback(out.ReviewFeedback)
		r.metrics.SynthesisDecision("none")
	default:
		out.NeedsSynthesis = true
		emit(conversation.Event{
			Type:           conversation.EventSynthesisReady,
			Sender:         out.Lead.DisplayName(),
			RunID:          runID,
			Contributions:  out.Contributions,
			ReviewFeedback: out.ReviewFeedback,
			Lead:           out.Lead.ID,
			Timestamp:      time.Now().UTC(),
		})
	}
}

func joinFeedback(feedback []conversation.Contribution) string {
	parts := make([]string, 0, len(feedback))
	for _, f := range feedback {
		parts = append(parts, f.Output)
	}
	return strings.Join(parts, "\n\n")
}

func roleLabel(reviewer bool) string {
	if reviewer {
		return "reviewer"
	}
	return "contributor"
}

func withRun(ev conversation.Event, runID string) conversation.Event {
	ev.RunID = runID
	return ev
}
