package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/broker"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/catalog"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/observability"
	tokenutil "github.com/richlaw1986/content-gap-crew-sub000/internal/shared/token"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/worker"

	"go.opentelemetry.io/otel/attribute"
)

// SynthesisWorkerID identifies synthesis invocations.
const SynthesisWorkerID = "crew-synthesizer"

const synthesisSystemPrompt = `You are the crew's final editor. Several specialists worked on one objective.
Merge their work into ONE seamless deliverable that answers the objective directly.

RULES:
- Never present the result as a per-contributor transcript, and never mention who wrote what.
- Resolve every issue the reviewers raised, using only the evidence already gathered. Do not research anything new.
- Keep concrete facts, numbers and recommendations; drop repetition.
- Use clear headings and markdown where they help.`

// Synthesize merges contributions and review feedback into one deliverable
// with a single tool-free invocation. On failure it emits an error event and
// falls back to the lead's contribution.
func (r *Runner) Synthesize(ctx context.Context, objective string, out Outcome, runID string, emit EmitFunc) (final string) {
	if emit == nil {
		emit = func(conversation.Event) {}
	}
	var err error
	ctx, span := r.tracer.StartSpan(ctx, observability.SpanSynthesis,
		attribute.Int("crew.contributions", len(out.Contributions)),
		attribute.Int("crew.review_feedback", len(out.ReviewFeedback)),
	)
	defer func() { observability.EndSpan(span, err) }()

	persona := catalog.Worker{
		ID:    SynthesisWorkerID,
		Name:  out.Lead.DisplayName(),
		Role:  "Synthesis editor",
		Model: out.Lead.Model,
	}
	prompt := synthesisPrompt(objective, out)
	r.metrics.PromptTokens("synthesis", tokenutil.CountTokens(prompt))

	var res worker.Result
	res, err = r.invoker.Invoke(ctx, persona, worker.Request{
		Prompt: prompt,
		System: synthesisSystemPrompt,
	})
	if err == nil && strings.TrimSpace(res.Text) == "" {
		err = errors.New("synthesis returned no output")
	}
	if err != nil {
		r.logger.Warn("Synthesis failed, falling back to lead output: %v", err)
		r.metrics.SynthesisDecision("failed")
		emit(withRun(conversation.ErrorEvent(fmt.Sprintf("Synthesis failed: %v", err)), runID))
		return out.LeadOutput()
	}
	r.metrics.SynthesisDecision("synthesized")
	return strings.TrimSpace(res.Text)
}

func synthesisPrompt(objective string, out Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "OBJECTIVE:\n%s\n\n", strings.TrimSpace(objective))
	b.WriteString("CONTRIBUTIONS:\n")
	for i, c := range out.Contributions {
		fmt.Fprintf(&b, "\n--- Contribution %d ---\n%s\n", i+1, c.Output)
	}
	if len(out.ReviewFeedback) > 0 {
		b.WriteString("\nREVIEW FEEDBACK TO ADDRESS:\n")
		for _, f := range out.ReviewFeedback {
			fmt.Fprintf(&b, "\n%s\n", f.Output)
		}
	}
	b.WriteString("\nProduce the single final deliverable now.")
	return b.String()
}

// SynthesisGate decides whether the extra synthesis invocation is spent.
type SynthesisGate interface {
	Confirm(ctx context.Context, out Outcome) bool
}

// AlwaysSynthesize confirms every synthesis.
type AlwaysSynthesize struct{}

func (AlwaysSynthesize) Confirm(context.Context, Outcome) bool { return true }

// Asker poses a question to the user.
type Asker interface {
	Ask(ctx context.Context, text string, opts ...broker.AskOption) (string, error)
}

// AskGate asks the user before synthesising. An unanswered question confirms.
type AskGate struct {
	Asker Asker
	RunID string
}

func (g AskGate) Confirm(ctx context.Context, out Outcome) bool {
	if g.Asker == nil {
		return true
	}
	text := fmt.Sprintf("%d contributions are ready. Merge them into one final deliverable?", len(out.Contributions))
	if len(out.ReviewFeedback) > 0 {
		text = fmt.Sprintf("%d contributions and %d review notes are ready. Merge them into one final deliverable?",
			len(out.Contributions), len(out.ReviewFeedback))
	}
	answer, err := g.Asker.Ask(ctx, text,
		broker.WithRunID(g.RunID),
		broker.WithOptions(conversation.SelectionRadio,
			conversation.Option{Value: "yes", Label: "Yes, synthesize"},
			conversation.Option{Value: "no", Label: "No, use the lead's output"},
		),
	)
	if err != nil {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "no", "n", "skip":
		return false
	}
	return true
}

// Finalize returns the run output, consulting gate before synthesising.
func (r *Runner) Finalize(ctx context.Context, objective string, out Outcome, gate SynthesisGate, runID string, emit EmitFunc) string {
	if !out.NeedsSynthesis {
		return out.Final
	}
	if gate == nil {
		gate = AlwaysSynthesize{}
	}
	if !gate.Confirm(ctx, out) {
		r.metrics.SynthesisDecision("declined")
		return out.LeadOutput()
	}
	return r.Synthesize(ctx, objective, out, runID, emit)
}
