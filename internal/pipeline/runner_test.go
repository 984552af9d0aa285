package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/broker"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/catalog"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/worker"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/worker/workertest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	writer   = catalog.Worker{ID: "writer", Name: "Writer", Role: "Content Writer"}
	analyst  = catalog.Worker{ID: "analyst", Name: "Data Analyst", Role: "Analyst"}
	reviewer = catalog.Worker{ID: "reviewer", Name: "Work Reviewer", Role: "Quality Assurance"}
)

type eventLog struct {
	mu     sync.Mutex
	events []conversation.Event
}

func (l *eventLog) emit(ev conversation.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []conversation.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]conversation.Event(nil), l.events...)
}

func (l *eventLog) ofType(typ conversation.EventType, subtype string) []conversation.Event {
	var out []conversation.Event
	for _, ev := range l.all() {
		if ev.Type == typ && (subtype == "" || ev.Subtype == subtype) {
			out = append(out, ev)
		}
	}
	return out
}

func task(order int, name, workerID string) conversation.Task {
	return conversation.Task{
		ID:             "task-" + name,
		Name:           name,
		Description:    "do " + name,
		ExpectedOutput: name + " result",
		WorkerID:       workerID,
		Order:          order,
	}
}

func TestSingleContributionSkipsSynthesis(t *testing.T) {
	t.Parallel()

	inv := workertest.NewScriptedInvoker().Reply("writer", "DONE")
	runner := NewRunner(inv)
	log := &eventLog{}

	out, err := runner.Run(context.Background(), RunInput{
		RunID:     "run-1",
		Objective: "write X",
		Tasks:     []conversation.Task{task(1, "draft", "writer")},
		Roster:    []catalog.Worker{writer},
	}, log.emit)
	require.NoError(t, err)

	assert.False(t, out.NeedsSynthesis)
	assert.Equal(t, "DONE", out.Final)
	assert.Equal(t, "writer", out.Lead.ID)
	assert.Empty(t, log.ofType(conversation.EventSynthesisReady, ""))

	final := runner.Finalize(context.Background(), "write X", out, nil, "run-1", log.emit)
	assert.Equal(t, "DONE", final)
	assert.Len(t, inv.Calls(), 1)
}

func TestThinkingPrecedesEachMessageInOrder(t *testing.T) {
	t.Parallel()

	inv := workertest.NewScriptedInvoker()
	runner := NewRunner(inv)
	log := &eventLog{}

	_, err := runner.Run(context.Background(), RunInput{
		Objective: "o",
		Tasks: []conversation.Task{
			task(3, "third", "writer"),
			task(1, "first", "analyst"),
			task(2, "second", "writer"),
		},
		Roster: []catalog.Worker{writer, analyst},
	}, log.emit)
	require.NoError(t, err)

	var sequence []string
	for _, ev := range log.all() {
		if ev.Type == conversation.EventAgentMessage {
			sequence = append(sequence, ev.Subtype)
		}
	}
	assert.Equal(t, []string{"thinking", "message", "thinking", "message", "thinking", "message"}, sequence)

	thinking := log.ofType(conversation.EventAgentMessage, conversation.SubtypeThinking)
	require.Len(t, thinking, 3)
	assert.Contains(t, thinking[0].Content, "first")
	assert.Contains(t, thinking[1].Content, "second")
	assert.Contains(t, thinking[2].Content, "third")
}

func TestWriterAndReviewerNeedSynthesis(t *testing.T) {
	t.Parallel()

	inv := workertest.NewScriptedInvoker().
		Reply("writer", "the draft").
		Reply("reviewer", "looks good").
		Reply(SynthesisWorkerID, "merged")
	runner := NewRunner(inv)
	log := &eventLog{}

	out, err := runner.Run(context.Background(), RunInput{
		RunID:     "run-7",
		Objective: "write X",
		Tasks:     []conversation.Task{task(1, "draft", "writer"), task(2, "review", "reviewer")},
		Roster:    []catalog.Worker{writer, reviewer},
	}, log.emit)
	require.NoError(t, err)

	require.True(t, out.NeedsSynthesis)
	require.Len(t, out.Contributions, 1)
	assert.Equal(t, "the draft", out.Contributions[0].Output)
	require.Len(t, out.ReviewFeedback, 1)
	assert.Equal(t, "looks good", out.ReviewFeedback[0].Output)

	ready := log.ofType(conversation.EventSynthesisReady, "")
	require.Len(t, ready, 1)
	assert.Equal(t, "writer", ready[0].Lead)
	assert.Equal(t, "run-7", ready[0].RunID)
	assert.Equal(t, out.Contributions, ready[0].Contributions)
	assert.Equal(t, out.ReviewFeedback, ready[0].ReviewFeedback)

	reviewCall := inv.CallsFor("reviewer")
	require.Len(t, reviewCall, 1)
	assert.Contains(t, reviewCall[0].Request.Prompt, "not the deliverable")
	assert.Contains(t, reviewCall[0].Request.Prompt, "the draft")

	final := runner.Finalize(context.Background(), "write X", out, AlwaysSynthesize{}, "run-7", log.emit)
	assert.Equal(t, "merged", final)

	synth := inv.CallsFor(SynthesisWorkerID)
	require.Len(t, synth, 1)
	assert.False(t, synth[0].Request.Tools)
	assert.Contains(t, synth[0].Request.Prompt, "the draft")
	assert.Contains(t, synth[0].Request.Prompt, "looks good")
}

func TestLeadIsFirstContributor(t *testing.T) {
	t.Parallel()

	inv := workertest.NewScriptedInvoker()
	out, err := NewRunner(inv).Run(context.Background(), RunInput{
		Objective: "o",
		Tasks: []conversation.Task{
			task(1, "review-early", "reviewer"),
			task(2, "numbers", "analyst"),
			task(3, "draft", "writer"),
		},
		Roster: []catalog.Worker{writer, analyst, reviewer},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "analyst", out.Lead.ID)
	assert.Len(t, out.Contributions, 2)
	assert.True(t, out.NeedsSynthesis)
}

func TestTaskFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	inv := workertest.NewScriptedInvoker().
		Reply("analyst", "numbers").
		On("writer", workertest.Step{Err: errors.New("rate limited")})
	runner := NewRunner(inv)
	log := &eventLog{}

	out, err := runner.Run(context.Background(), RunInput{
		Objective: "o",
		Tasks:     []conversation.Task{task(1, "numbers", "analyst"), task(2, "draft", "writer")},
		Roster:    []catalog.Worker{analyst, writer},
	}, log.emit)
	require.NoError(t, err)

	errs := log.ofType(conversation.EventError, "")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "rate limited")
	assert.Contains(t, errs[0].Message, "draft")
	assert.Equal(t, "numbers", out.Final)
	assert.False(t, out.NeedsSynthesis)
}

func TestToolEventsAreRelayedInline(t *testing.T) {
	t.Parallel()

	inv := workertest.NewScriptedInvoker().On("analyst", workertest.Step{
		Text: "found it",
		Events: []worker.ToolEvent{
			{Kind: worker.ToolCall, Tool: "web_fetch", Content: `{"url":"https://example.com"}`},
			{Kind: worker.ToolResult, Tool: "web_fetch", Content: "Title: Example"},
		},
	})
	log := &eventLog{}
	_, err := NewRunner(inv).Run(context.Background(), RunInput{
		Objective: "o",
		Tasks:     []conversation.Task{task(1, "fetch", "analyst")},
		Roster:    []catalog.Worker{analyst},
	}, log.emit)
	require.NoError(t, err)

	var subtypes []string
	for _, ev := range log.all() {
		subtypes = append(subtypes, ev.Subtype)
	}
	assert.Equal(t, []string{"thinking", "tool_call", "tool_result", "message"}, subtypes)
	assert.Equal(t, "web_fetch", log.all()[1].Tool)
	assert.Equal(t, "Data Analyst", log.all()[1].Sender)
}

func TestPriorOutputIsTruncated(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 200)
	inv := workertest.NewScriptedInvoker().Reply("analyst", long)
	_, err := NewRunner(inv, WithContextChars(50)).Run(context.Background(), RunInput{
		Objective: "the objective",
		Tasks:     []conversation.Task{task(1, "numbers", "analyst"), task(2, "draft", "writer")},
		Roster:    []catalog.Worker{analyst, writer},
	}, nil)
	require.NoError(t, err)

	calls := inv.CallsFor("writer")
	require.Len(t, calls, 1)
	prompt := calls[0].Request.Prompt
	assert.Contains(t, prompt, strings.Repeat("a", 50)+"\n... [truncated]")
	assert.NotContains(t, prompt, strings.Repeat("a", 51))
	assert.Equal(t, 1, strings.Count(prompt, "the objective"))
	assert.Contains(t, prompt, "draft result")
	assert.True(t, calls[0].Request.Tools)
}

func TestUnknownWorkerFallsBackToFirst(t *testing.T) {
	t.Parallel()

	inv := workertest.NewScriptedInvoker()
	_, err := NewRunner(inv).Run(context.Background(), RunInput{
		Objective: "o",
		Tasks:     []conversation.Task{task(1, "draft", "xyz")},
		Roster:    []catalog.Worker{writer},
	}, nil)
	require.NoError(t, err)
	assert.Len(t, inv.CallsFor("writer"), 1)
}

func TestNoContributionsUsesFeedback(t *testing.T) {
	t.Parallel()

	inv := workertest.NewScriptedInvoker().Reply("reviewer", "needs work")
	out, err := NewRunner(inv).Run(context.Background(), RunInput{
		Objective: "o",
		Tasks:     []conversation.Task{task(1, "review", "reviewer")},
		Roster:    []catalog.Worker{reviewer},
	}, nil)
	require.NoError(t, err)
	assert.False(t, out.NeedsSynthesis)
	assert.Equal(t, "needs work", out.Final)
}

func TestSynthesisFailureFallsBackToLead(t *testing.T) {
	t.Parallel()

	inv := workertest.NewScriptedInvoker().
		Reply("analyst", "numbers").
		Reply("writer", "draft").
		On(SynthesisWorkerID, workertest.Step{Err: errors.New("model down")})
	runner := NewRunner(inv)
	log := &eventLog{}

	out, err := runner.Run(context.Background(), RunInput{
		Objective: "o",
		Tasks:     []conversation.Task{task(1, "numbers", "analyst"), task(2, "draft", "writer")},
		Roster:    []catalog.Worker{analyst, writer},
	}, log.emit)
	require.NoError(t, err)

	final := runner.Finalize(context.Background(), "o", out, nil, "run-1", log.emit)
	assert.Equal(t, "numbers", final)
	errs := log.ofType(conversation.EventError, "")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "Synthesis failed")
}

type fakeAsker struct {
	answer string
	err    error
	asked  []string
}

func (f *fakeAsker) Ask(_ context.Context, text string, _ ...broker.AskOption) (string, error) {
	f.asked = append(f.asked, text)
	return f.answer, f.err
}

func TestAskGate(t *testing.T) {
	t.Parallel()

	out := Outcome{
		Contributions:  []conversation.Contribution{{WorkerID: "analyst", Output: "numbers"}, {WorkerID: "writer", Output: "draft"}},
		Lead:           analyst,
		NeedsSynthesis: true,
	}

	tests := []struct {
		name      string
		asker     *fakeAsker
		wantFinal string
		wantCalls int
	}{
		{name: "declined", asker: &fakeAsker{answer: "no"}, wantFinal: "numbers", wantCalls: 0},
		{name: "accepted", asker: &fakeAsker{answer: "yes"}, wantFinal: "merged", wantCalls: 1},
		{name: "timeout confirms", asker: &fakeAsker{err: broker.ErrQuestionTimeout}, wantFinal: "merged", wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			inv := workertest.NewScriptedInvoker().Reply(SynthesisWorkerID, "merged")
			final := NewRunner(inv).Finalize(context.Background(), "o", out, AskGate{Asker: tt.asker}, "run-1", nil)
			assert.Equal(t, tt.wantFinal, final)
			assert.Len(t, inv.Calls(), tt.wantCalls)
			require.Len(t, tt.asker.asked, 1)
			assert.Contains(t, tt.asker.asked[0], "2 contributions")
		})
	}
}

func TestIsReviewer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		w    catalog.Worker
		want bool
	}{
		{catalog.Worker{Name: "Work Reviewer"}, true},
		{catalog.Worker{Role: "Quality Assurance Reviewer"}, true},
		{catalog.Worker{Role: "Copy Editor"}, true},
		{catalog.Worker{Name: "QA"}, true},
		{catalog.Worker{Name: "Data Analyst", Role: "Senior Data Analyst"}, false},
		{catalog.Worker{Name: "Product Marketer", Role: "Reviews-free marketer"}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsReviewer(tt.w), tt.w.Name+tt.w.Role)
	}
}

func TestEmptyInputs(t *testing.T) {
	t.Parallel()

	runner := NewRunner(workertest.NewScriptedInvoker())
	_, err := runner.Run(context.Background(), RunInput{Roster: []catalog.Worker{writer}}, nil)
	assert.Error(t, err)
	_, err = runner.Run(context.Background(), RunInput{Tasks: []conversation.Task{task(1, "a", "writer")}}, nil)
	assert.Error(t, err)
}
