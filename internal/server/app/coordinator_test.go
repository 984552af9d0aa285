package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/broker"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/catalog"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/config"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/pipeline"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/session/memstore"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/worker/workertest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	plannerID  = "planner"
	writerID   = "w-writer"
	reviewerID = "w-reviewer"
	memoryID   = "w-memory"
)

const singleTaskPlan = `{"tasks":[{"name":"Draft","description":"Write it","expectedOutput":"A draft","agentId":"w-writer","order":1}]}`

const reviewedPlan = `{"tasks":[
  {"name":"Draft","description":"Write it","expectedOutput":"A draft","agentId":"w-writer","order":1},
  {"name":"Review","description":"Check it","expectedOutput":"Notes","agentId":"w-reviewer","order":2}
]}`

func testSnapshot() catalog.Snapshot {
	return catalog.Snapshot{
		Workers: []catalog.Worker{
			{ID: writerID, Name: "Writer", Role: "Content Writer", Backstory: "Writes things."},
			{ID: reviewerID, Name: "Reviewer", Role: "Quality Reviewer"},
			{ID: memoryID, Name: "Memory Keeper", Role: "Archivist"},
		},
		Planner: catalog.Planner{ID: plannerID, Name: "Planner", MaxWorkers: 3},
		Memory:  &catalog.MemoryPolicy{WorkerID: memoryID},
		Crews: []catalog.Crew{{
			ID:          "crew-content",
			Name:        "Content Crew",
			Description: "Writes and reviews",
			WorkerIDs:   []string{writerID, reviewerID},
		}},
	}
}

func testRunConfig() config.RunConfig {
	return config.RunConfig{
		QuestionTimeout: 5 * time.Second,
		AmbiguousAnswer: "resolve_all",
	}
}

type captureConn struct {
	mu     sync.Mutex
	events []conversation.Event
}

func (c *captureConn) Send(ev conversation.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureConn) Events() []conversation.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]conversation.Event(nil), c.events...)
}

func (c *captureConn) Find(match func(conversation.Event) bool) (conversation.Event, bool) {
	for _, ev := range c.Events() {
		if match(ev) {
			return ev, true
		}
	}
	return conversation.Event{}, false
}

func (c *captureConn) Count(typ conversation.EventType) int {
	n := 0
	for _, ev := range c.Events() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (c *captureConn) WaitFor(t *testing.T, match func(conversation.Event) bool) conversation.Event {
	t.Helper()
	var found conversation.Event
	require.Eventually(t, func() bool {
		ev, ok := c.Find(match)
		found = ev
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	return found
}

func ofType(typ conversation.EventType) func(conversation.Event) bool {
	return func(ev conversation.Event) bool { return ev.Type == typ }
}

type harness struct {
	coord *Coordinator
	store *memstore.Store
	inv   *workertest.ScriptedInvoker
	conv  *conversation.Conversation
}

func newHarness(t *testing.T, cfg config.RunConfig) *harness {
	t.Helper()
	store := memstore.New()
	inv := workertest.NewScriptedInvoker()
	coord := NewCoordinator(store, catalog.NewStatic(testSnapshot()), inv, nil, WithRunConfig(cfg))
	conv, err := coord.CreateConversation(context.Background(), "")
	require.NoError(t, err)
	return &harness{coord: coord, store: store, inv: inv, conv: conv}
}

func (h *harness) open(t *testing.T) (*Session, *captureConn) {
	t.Helper()
	conn := &captureConn{}
	s, err := h.coord.Open(context.Background(), h.conv.ID, conn)
	require.NoError(t, err)
	return s, conn
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.coord.Wait(ctx))
}

func send(s *Session, typ, content, questionID string) {
	raw, _ := json.Marshal(Inbound{Type: typ, Content: content, QuestionID: questionID})
	s.HandleInbound(context.Background(), raw)
}

func TestSingleWorkerRunCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testRunConfig())
	h.inv.Reply(plannerID, singleTaskPlan).Reply(writerID, "The final draft.")
	s, conn := h.open(t)

	send(s, "user_message", "Write a launch post", "")
	complete := conn.WaitFor(t, ofType(conversation.EventComplete))
	h.wait(t)

	assert.Equal(t, "The final draft.", complete.Output)
	assert.NotEmpty(t, complete.RunID)

	var sequence []string
	for _, ev := range conn.Events() {
		label := string(ev.Type)
		if ev.Subtype != "" {
			label += ":" + ev.Subtype
		}
		sequence = append(sequence, label)
	}
	assert.Equal(t, []string{
		"system", "status", "agent_message:thinking", "agent_message:message", "complete", "system",
	}, sequence)
	assert.Equal(t, planningMessage, conn.Events()[0].Content)
	assert.Equal(t, runCompletedMessage, conn.Events()[5].Content)
	assert.Equal(t, complete.RunID, conn.Events()[5].RunID)

	conv, err := h.coord.GetConversation(context.Background(), h.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusCompleted, conv.Status)
	assert.Equal(t, "Write a launch post", conv.Title)
	assert.Empty(t, conv.ActiveRunID)
	assert.Contains(t, conv.RunIDs, complete.RunID)

	run, err := h.coord.GetRun(context.Background(), complete.RunID)
	require.NoError(t, err)
	assert.Equal(t, conversation.RunCompleted, run.Status)
	assert.Equal(t, "The final draft.", run.Output)
	require.Len(t, run.Tasks, 1)
	assert.Equal(t, "task-1-draft", run.Tasks[0].ID)

	assert.Equal(t, 0, h.coord.Registry().Len())
	crew, ok := h.coord.crews.Recall(h.conv.ID)
	require.True(t, ok)
	assert.Equal(t, writerID, crew.Lead.ID)

	calls := h.inv.CallsFor(plannerID)
	require.Len(t, calls, 1)
	assert.NotContains(t, calls[0].Request.Prompt, memoryID)
}

func TestWriterAndReviewerAreSynthesised(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testRunConfig())
	h.inv.Reply(plannerID, reviewedPlan).
		Reply(writerID, "Draft body.").
		Reply(reviewerID, "Tighten the intro.").
		Reply(pipeline.SynthesisWorkerID, "Polished deliverable.")
	s, conn := h.open(t)

	send(s, "user_message", "Write and review", "")
	complete := conn.WaitFor(t, ofType(conversation.EventComplete))
	h.wait(t)

	ready, ok := conn.Find(ofType(conversation.EventSynthesisReady))
	require.True(t, ok)
	assert.Equal(t, writerID, ready.Lead)
	require.Len(t, ready.Contributions, 1)
	require.Len(t, ready.ReviewFeedback, 1)
	assert.Equal(t, "Polished deliverable.", complete.Output)

	reviewerCalls := h.inv.CallsFor(reviewerID)
	require.Len(t, reviewerCalls, 1)
	assert.Contains(t, reviewerCalls[0].Request.Prompt, "Draft body.")
}

func TestReplayHasNoSideEffects(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testRunConfig())
	h.inv.Reply(plannerID, singleTaskPlan)
	s, conn := h.open(t)
	send(s, "user_message", "Do the thing", "")
	conn.WaitFor(t, ofType(conversation.EventComplete))
	h.wait(t)
	s.Close()
	callsBefore := len(h.inv.Calls())

	_, again := h.open(t)
	events := again.Events()
	require.NotEmpty(t, events)
	for _, ev := range events {
		assert.True(t, ev.Replayed, "event %s should be replayed", ev.Type)
		assert.NotEqual(t, conversation.EventStatus, ev.Type)
	}
	assert.Equal(t, conversation.EventUserMessage, events[0].Type)
	assert.Equal(t, 1, again.Count(conversation.EventComplete))
	assert.Equal(t, callsBefore, len(h.inv.Calls()))
	assert.Equal(t, 0, h.coord.Registry().Len())
}

func TestReconnectReattachesRunningRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testRunConfig())
	release := make(chan struct{})
	h.inv.Reply(plannerID, singleTaskPlan).On(writerID, workertest.Step{Text: "Late draft.", Block: release})
	s, first := h.open(t)
	send(s, "user_message", "Long job", "")
	first.WaitFor(t, func(ev conversation.Event) bool { return ev.Subtype == conversation.SubtypeThinking })
	s.Close()

	state, live := h.coord.Registry().Get(h.conv.ID)
	require.True(t, live)
	assert.False(t, state.Attached())

	_, second := h.open(t)
	status := second.WaitFor(t, func(ev conversation.Event) bool { return ev.Type == conversation.EventStatus && ev.Reattached })
	assert.Equal(t, "running", status.Status)
	assert.Equal(t, state.RunID(), status.RunID)
	_, replayedThinking := second.Find(func(ev conversation.Event) bool {
		return ev.Replayed && ev.Subtype == conversation.SubtypeThinking
	})
	assert.True(t, replayedThinking)

	close(release)
	second.WaitFor(t, ofType(conversation.EventComplete))
	h.wait(t)

	assert.Equal(t, 1, second.Count(conversation.EventComplete))
	assert.Equal(t, 0, first.Count(conversation.EventComplete))
}

func TestPlanningFailureIsReported(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testRunConfig())
	h.inv.Reply(plannerID, "not a plan", "still not a plan")
	s, conn := h.open(t)

	send(s, "user_message", "Plan this", "")
	failed := conn.WaitFor(t, ofType(conversation.EventError))
	h.wait(t)

	assert.Contains(t, failed.Message, "Planning failed:")
	assert.Equal(t, 1, conn.Count(conversation.EventError))
	assert.Equal(t, 0, conn.Count(conversation.EventComplete))
	assert.Empty(t, h.inv.CallsFor(writerID))

	conv, err := h.coord.GetConversation(context.Background(), h.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusFailed, conv.Status)
	assert.Equal(t, 0, h.coord.Registry().Len())
}

func TestCrewSelectionRestrictsRoster(t *testing.T) {
	t.Parallel()

	cfg := testRunConfig()
	cfg.AskCrewSelection = true
	h := newHarness(t, cfg)
	h.inv.Reply(plannerID, singleTaskPlan)
	s, conn := h.open(t)

	send(s, "user_message", "Find content gaps", "")
	question := conn.WaitFor(t, ofType(conversation.EventQuestion))
	assert.Equal(t, crewSelectionQuestion, question.Content)
	assert.Equal(t, conversation.SelectionRadio, question.SelectionType)
	require.Len(t, question.Options, 2)
	assert.Equal(t, "crew-content", question.Options[0].Value)
	assert.Equal(t, PlannerChoice, question.Options[1].Value)
	assert.Equal(t, "Let AI decide", question.Options[1].Label)

	send(s, "answer", "crew-content", question.QuestionID)
	conn.WaitFor(t, ofType(conversation.EventComplete))
	h.wait(t)

	calls := h.inv.CallsFor(plannerID)
	require.Len(t, calls, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(calls[0].Request.Prompt), &payload))
	assert.Len(t, payload["agents"], 2)
}

func isTimeout(ev conversation.Event) bool {
	return ev.Type == conversation.EventError && ev.Message == broker.TimeoutMessage
}

func TestCrewSelectionTimeoutEndsRun(t *testing.T) {
	t.Parallel()

	cfg := testRunConfig()
	cfg.AskCrewSelection = true
	cfg.QuestionTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	s, conn := h.open(t)

	send(s, "user_message", "write X", "")
	conn.WaitFor(t, isTimeout)
	h.wait(t)

	assert.Equal(t, 1, conn.Count(conversation.EventQuestion))
	assert.Equal(t, 1, conn.Count(conversation.EventError))
	assert.Equal(t, 0, conn.Count(conversation.EventComplete))
	assert.Empty(t, h.inv.CallsFor(plannerID))
	_, live := h.coord.Registry().Get(h.conv.ID)
	assert.False(t, live)

	conv, err := h.coord.GetConversation(context.Background(), h.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusActive, conv.Status)
	assert.Empty(t, conv.ActiveRunID)
}

func TestClarifyingTimeoutStillCompletes(t *testing.T) {
	t.Parallel()

	cfg := testRunConfig()
	cfg.QuestionTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.inv.Reply(plannerID, `{"tasks":[{"name":"Draft","description":"Write it","expectedOutput":"A draft","agentId":"w-writer"}],"questions":["Which market?"]}`).
		Reply(writerID, "Draft without answers.")
	s, conn := h.open(t)

	send(s, "user_message", "Write copy", "")
	complete := conn.WaitFor(t, ofType(conversation.EventComplete))
	h.wait(t)

	assert.Equal(t, "Draft without answers.", complete.Output)
	_, timedOut := conn.Find(isTimeout)
	assert.True(t, timedOut)

	calls := h.inv.CallsFor(writerID)
	require.Len(t, calls, 1)
	assert.NotContains(t, calls[0].Request.Prompt, "Additional context from user:")
	_, live := h.coord.Registry().Get(h.conv.ID)
	assert.False(t, live)

	conv, err := h.coord.GetConversation(context.Background(), h.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusCompleted, conv.Status)
}

func TestClarifyingAnswerEnrichesObjective(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testRunConfig())
	h.inv.Reply(plannerID, `{"tasks":[{"name":"Draft","description":"Write it","expectedOutput":"A draft","agentId":"w-writer"}],"questions":["Which market?","Which tone?"]}`)
	s, conn := h.open(t)

	send(s, "user_message", "Write copy", "")
	question := conn.WaitFor(t, ofType(conversation.EventQuestion))
	assert.Equal(t, "Clarifying questions:\n- Which market?\n- Which tone?", question.Content)

	send(s, "answer", "EU, playful", "")
	conn.WaitFor(t, ofType(conversation.EventComplete))
	h.wait(t)

	calls := h.inv.CallsFor(writerID)
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Request.Prompt, "Additional context from user:\nEU, playful")

	conv, err := h.coord.GetConversation(context.Background(), h.conv.ID)
	require.NoError(t, err)
	var answer *conversation.Message
	for i := range conv.Messages {
		if conv.Messages[i].Kind == conversation.KindAnswer {
			answer = &conv.Messages[i]
		}
	}
	require.NotNil(t, answer)
	assert.Equal(t, conversation.UserSender, answer.Sender)
}

func TestMidRunMessageGetsToolFreeReply(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testRunConfig())
	release := make(chan struct{})
	h.inv.Reply(plannerID, reviewedPlan).
		On(writerID, workertest.Step{Text: "Draft.", Block: release}).
		Reply(reviewerID, "Waiting on the draft.", "Looks fine.")
	s, conn := h.open(t)

	send(s, "user_message", "Write and review", "")
	conn.WaitFor(t, func(ev conversation.Event) bool { return ev.Subtype == conversation.SubtypeThinking })

	send(s, "user_message", "@w-reviewer how is it going?", "")
	reply := conn.WaitFor(t, func(ev conversation.Event) bool { return ev.IsReply })
	assert.Equal(t, "Reviewer", reply.Sender)
	assert.Equal(t, "Waiting on the draft.", reply.Content)

	close(release)
	conn.WaitFor(t, ofType(conversation.EventComplete))
	h.wait(t)

	calls := h.inv.CallsFor(reviewerID)
	require.Len(t, calls, 2)
	assert.False(t, calls[0].Request.Tools)
	assert.Equal(t, "@w-reviewer how is it going?", calls[0].Request.Prompt)
	assert.Contains(t, calls[0].Request.System, "You are Reviewer (Quality Reviewer).")
}

func TestMidRunReplyFollowsReattachedConnection(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testRunConfig())
	release, replyGate := make(chan struct{}), make(chan struct{})
	h.inv.Reply(plannerID, singleTaskPlan).On(writerID,
		workertest.Step{Text: "Draft.", Block: release},
		workertest.Step{Text: "Almost there.", Block: replyGate},
	)
	s, first := h.open(t)

	send(s, "user_message", "Long job", "")
	require.Eventually(t, func() bool { return len(h.inv.CallsFor(writerID)) == 1 }, 5*time.Second, 5*time.Millisecond)
	send(s, "user_message", "any update?", "")
	require.Eventually(t, func() bool { return len(h.inv.CallsFor(writerID)) == 2 }, 5*time.Second, 5*time.Millisecond)

	s.Close()
	_, second := h.open(t)
	second.WaitFor(t, func(ev conversation.Event) bool { return ev.Type == conversation.EventStatus && ev.Reattached })

	close(replyGate)
	reply := second.WaitFor(t, func(ev conversation.Event) bool { return ev.IsReply && !ev.Replayed })
	assert.Equal(t, "Almost there.", reply.Content)
	_, leaked := first.Find(func(ev conversation.Event) bool { return ev.IsReply })
	assert.False(t, leaked)

	close(release)
	second.WaitFor(t, ofType(conversation.EventComplete))
	h.wait(t)

	conv, err := h.coord.GetConversation(context.Background(), h.conv.ID)
	require.NoError(t, err)
	replies := 0
	for _, m := range conv.Messages {
		if m.Metadata[conversation.MetaIsReply] == true {
			replies++
		}
	}
	assert.Equal(t, 1, replies)
}

func TestMessageAfterCompleteIsFollowUp(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testRunConfig())
	h.inv.Reply(plannerID, singleTaskPlan).Reply(writerID, "First draft.", "Sure.")
	s, conn := h.open(t)

	send(s, "user_message", "Write a post", "")
	conn.WaitFor(t, ofType(conversation.EventComplete))
	conn.WaitFor(t, func(ev conversation.Event) bool { return ev.Content == runCompletedMessage })

	send(s, "user_message", "Thanks, one more thing", "")
	conn.WaitFor(t, func(ev conversation.Event) bool { return ev.IsReply })
	h.wait(t)

	calls := h.inv.CallsFor(writerID)
	require.Len(t, calls, 2)
	assert.True(t, calls[1].Request.Tools)
	assert.Len(t, h.inv.CallsFor(plannerID), 1)
}

func TestFollowUpRepliesFromLastCrew(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testRunConfig())
	h.inv.Reply(plannerID, singleTaskPlan).Reply(writerID, "First draft.", "Happy to expand on it.")
	s, conn := h.open(t)

	send(s, "user_message", "Write a post", "")
	conn.WaitFor(t, ofType(conversation.EventComplete))
	h.wait(t)

	send(s, "user_message", "Can you say more?", "")
	reply := conn.WaitFor(t, func(ev conversation.Event) bool { return ev.IsReply })
	h.wait(t)

	assert.Equal(t, "Writer", reply.Sender)
	assert.Equal(t, "Happy to expand on it.", reply.Content)
	assert.Len(t, h.inv.CallsFor(plannerID), 1, "a follow-up must not start a new run")

	calls := h.inv.CallsFor(writerID)
	require.Len(t, calls, 2)
	assert.True(t, calls[1].Request.Tools)
	assert.Equal(t, 0.7, calls[1].Request.Temperature)
	assert.NotEmpty(t, calls[1].Request.History)

	conv, err := h.coord.GetConversation(context.Background(), h.conv.ID)
	require.NoError(t, err)
	last := conv.Messages[len(conv.Messages)-1]
	assert.Equal(t, true, last.Metadata[conversation.MetaIsReply])
}

func TestFollowUpRecallsCrewFromRunRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testRunConfig())
	h.inv.Reply(plannerID, singleTaskPlan)
	s, conn := h.open(t)
	send(s, "user_message", "Write a post", "")
	conn.WaitFor(t, ofType(conversation.EventComplete))
	h.wait(t)

	h.coord.crews.Forget(h.conv.ID)
	record, ok := h.coord.recallCrew(context.Background(), h.conv.ID)
	require.True(t, ok)
	assert.Equal(t, writerID, record.Lead.ID)
	assert.Equal(t, 1, h.coord.crews.Len())
}

func TestRunWritesSummary(t *testing.T) {
	t.Parallel()

	cfg := testRunConfig()
	cfg.Summaries = true
	h := newHarness(t, cfg)
	h.inv.Reply(plannerID, singleTaskPlan).Reply(memoryID, "  The team drafted a post.  ")
	s, conn := h.open(t)

	send(s, "user_message", "Write a post", "")
	conn.WaitFor(t, ofType(conversation.EventComplete))
	h.wait(t)

	conv, err := h.coord.GetConversation(context.Background(), h.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "The team drafted a post.", conv.LastRunSummary)

	calls := h.inv.CallsFor(memoryID)
	require.Len(t, calls, 1)
	assert.Equal(t, 0.3, calls[0].Request.Temperature)
	assert.False(t, calls[0].Request.Tools)
}

func TestSecondRunSeesConversationContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testRunConfig())
	h.inv.Reply(plannerID, singleTaskPlan, singleTaskPlan)
	s, conn := h.open(t)
	send(s, "user_message", "Write about cats", "")
	conn.WaitFor(t, ofType(conversation.EventComplete))
	h.wait(t)
	h.coord.crews.Forget(h.conv.ID)
	require.NoError(t, h.store.UpdateRun(context.Background(), conversation.Run{
		ID: conn.Events()[len(conn.Events())-1].RunID, ConversationID: h.conv.ID, Status: conversation.RunFailed,
	}))

	send(s, "user_message", "Now dogs", "")
	require.Eventually(t, func() bool { return conn.Count(conversation.EventComplete) == 2 }, 5*time.Second, 5*time.Millisecond)
	h.wait(t)

	calls := h.inv.CallsFor(plannerID)
	require.Len(t, calls, 2)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(calls[1].Request.Prompt), &payload))
	objective, _ := payload["objective"].(string)
	assert.Contains(t, objective, "CONVERSATION HISTORY (previous messages in this thread):")
	assert.Contains(t, objective, "Write about cats")
	assert.Contains(t, objective, "NEW USER REQUEST:\nNow dogs")
}

func TestMalformedInboundKeepsConnection(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testRunConfig())
	s, conn := h.open(t)

	s.HandleInbound(context.Background(), []byte("{not json"))
	send(s, "ping", "", "")
	send(s, "dance", "now", "")
	send(s, "user_message", "   ", "")

	events := conn.Events()
	require.Len(t, events, 3)
	assert.Equal(t, MsgInvalidJSON, events[0].Message)
	assert.Equal(t, MsgUnsupportedMessage, events[1].Message)
	assert.Equal(t, MsgUnsupportedMessage, events[2].Message)
	assert.Empty(t, h.inv.Calls())
	assert.Equal(t, 0, h.coord.Registry().Len())
}

func TestOpenUnknownConversation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testRunConfig())
	conn := &captureConn{}
	_, err := h.coord.Open(context.Background(), "missing", conn)
	require.ErrorIs(t, err, ErrNotFound)
	events := conn.Events()
	require.Len(t, events, 1)
	assert.Equal(t, MsgConversationNotFound, events[0].Message)
}

func TestSecondRunRejectedWhileActive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testRunConfig())
	release := make(chan struct{})
	h.inv.Reply(plannerID, singleTaskPlan).On(writerID, workertest.Step{Text: "x", Block: release})
	s, conn := h.open(t)
	send(s, "user_message", "first", "")
	conn.WaitFor(t, func(ev conversation.Event) bool { return ev.Subtype == conversation.SubtypeThinking })

	err := h.coord.startRun(context.Background(), s, "second")
	require.ErrorIs(t, err, ErrConflict)
	require.ErrorIs(t, h.coord.DeleteConversation(context.Background(), h.conv.ID), ErrConflict)

	close(release)
	conn.WaitFor(t, ofType(conversation.EventComplete))
	h.wait(t)
	require.NoError(t, h.coord.DeleteConversation(context.Background(), h.conv.ID))
	_, err = h.coord.GetConversation(context.Background(), h.conv.ID)
	require.ErrorIs(t, err, ErrNotFound)
}
