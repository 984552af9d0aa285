package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/broker"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/catalog"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/observability"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/pipeline"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/registry"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/utils/id"

	"go.opentelemetry.io/otel/attribute"
)

// Crew selection and run lifecycle texts.
const (
	PlannerChoice         = "__planner__"
	crewSelectionQuestion = "Would you like to use an existing crew, or let the AI planner assemble one?"
	planningMessage       = "Planning your workflow..."
	crewDescriptionChars  = 120
	runStatusRunning      = "running"
	runOutcomeCompleted   = "completed"
	runOutcomeFailed      = "failed"
)

// startRun registers a run for the session's conversation and executes it in
// the background. Registration happens before anything can block so a second
// message cannot start a parallel run.
func (c *Coordinator) startRun(ctx context.Context, s *Session, message string) error {
	pub := &runPublisher{store: c.store, conversationID: s.conversationID, logger: c.logger}
	state := registry.NewRunState(s.conversationID, s.conn, c.newBroker(s.conversationID, pub))
	pub.state = state

	if err := c.registry.Register(s.conversationID, state); err != nil {
		s.pub.Publish(ctx, conversation.ErrorEvent(MsgRunActive))
		return ConflictError(err.Error())
	}

	runCtx := id.WithConversationID(context.WithoutCancel(ctx), s.conversationID)
	c.tracker.Go(c.logger, "crew.run", func() {
		c.executeRun(runCtx, state, pub, message)
	})
	return nil
}

// executeRun drives one run from planning to completion. Every event is
// persisted and forwarded through pub in production order.
func (c *Coordinator) executeRun(ctx context.Context, state *registry.RunState, pub *runPublisher, message string) {
	conversationID := state.ConversationID()
	started := time.Now()
	outcome := runOutcomeFailed
	var run *conversation.Run
	var runErr error

	ctx, span := c.tracer.StartSpan(ctx, observability.SpanRun,
		attribute.String(observability.AttrConversationID, conversationID))
	c.metrics.RunStarted()

	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("run panic: %v", r)
			c.logger.Error("Run for %s panicked: %v", conversationID, r)
			pub.Publish(ctx, conversation.ErrorEvent(fmt.Sprintf("Something went wrong: %v", r)))
			c.failRun(ctx, conversationID, run, runErr)
			outcome = runOutcomeFailed
		}
		c.registry.MarkDone(conversationID)
		c.metrics.RunFinished(outcome, time.Since(started))
		span.SetAttributes(attribute.String(observability.AttrStatus, outcome))
		observability.EndSpan(span, runErr)
	}()

	c.setStatus(ctx, conversationID, conversation.StatusActive)

	snapshot := c.snapshot()
	roster := snapshot.Candidates()
	profile := snapshot.Planner
	if profile.Model == "" {
		profile.Model = c.defaultModel
	}

	objective := message
	if conv, err := c.store.Get(ctx, conversationID); err == nil {
		var skip []string
		if memory, ok := snapshot.MemoryWorker(); ok {
			skip = append(skip, memory.DisplayName())
		}
		objective = EnrichObjective(message, BuildContext(conv, skip...))
	}

	if c.runCfg.AskCrewSelection {
		selected, ok := c.selectCrew(ctx, state.Broker(), snapshot)
		if !ok {
			c.logger.Info("Crew selection unanswered for %s; run abandoned", conversationID)
			return
		}
		if len(selected) > 0 {
			roster = selected
		}
	}

	pub.Publish(ctx, conversation.SystemEvent(planningMessage))

	plan, err := c.planner.Resolve(ctx, objective, roster, profile)
	if err != nil {
		runErr = err
		pub.Publish(ctx, conversation.ErrorEvent(fmt.Sprintf("Planning failed: %v", err)))
		c.setStatus(ctx, conversationID, conversation.StatusFailed)
		return
	}

	if len(plan.ClarifyingQuestions) > 0 {
		answer, err := state.Broker().Ask(ctx, ClarifyingPrompt(plan.ClarifyingQuestions))
		if err != nil {
			c.logger.Info("Clarifying questions unanswered for %s: %v", conversationID, err)
		} else {
			objective = AppendClarification(objective, answer)
		}
	}

	now := utcNow()
	run = &conversation.Run{
		ID:             id.NewRunID(),
		ConversationID: conversationID,
		Objective:      objective,
		Tasks:          plan.Tasks,
		Status:         conversation.RunRunning,
		CreatedAt:      now,
		StartedAt:      &now,
	}
	ctx = id.WithRunID(ctx, run.ID)
	span.SetAttributes(
		attribute.String(observability.AttrRunID, run.ID),
		attribute.Int(observability.AttrTaskCount, len(run.Tasks)),
	)
	if err := c.store.CreateRun(ctx, *run); err != nil {
		c.logger.Warn("Failed to create run record %s: %v", run.ID, err)
	}
	state.SetRunID(run.ID)
	if err := c.store.SetActiveRun(ctx, conversationID, run.ID); err != nil {
		c.logger.Warn("Failed to set active run for %s: %v", conversationID, err)
	}
	pub.Publish(ctx, conversation.StatusEvent(runStatusRunning, run.ID, false))

	crew := crewFor(plan.Tasks, roster)
	state.SetCrew(crew, leadOf(crew))

	emit := func(ev conversation.Event) { pub.Publish(ctx, ev) }
	out, err := c.runner.Run(ctx, pipeline.RunInput{
		RunID:     run.ID,
		Objective: objective,
		Tasks:     plan.Tasks,
		Roster:    roster,
	}, emit)
	if err != nil {
		runErr = err
		pub.Publish(ctx, conversation.ErrorEvent(fmt.Sprintf("Run failed: %v", err)))
		c.failRun(ctx, conversationID, run, err)
		return
	}
	if out.Lead.ID != "" {
		state.SetCrew(crew, out.Lead)
	}

	var gate pipeline.SynthesisGate = pipeline.AlwaysSynthesize{}
	if c.runCfg.ConfirmSynthesis {
		gate = pipeline.AskGate{Asker: state.Broker(), RunID: run.ID}
	}
	final := c.runner.Finalize(ctx, objective, out, gate, run.ID, emit)

	completed := utcNow()
	run.Status = conversation.RunCompleted
	run.Output = final
	run.CompletedAt = &completed
	if err := c.store.UpdateRun(ctx, *run); err != nil {
		c.logger.Warn("Failed to complete run record %s: %v", run.ID, err)
	}
	lead, _ := state.Lead()
	c.crews.Remember(conversationID, CrewRecord{Roster: state.Roster(), Lead: lead, RunID: run.ID})

	pub.Publish(ctx, conversation.CompleteEvent(run.ID, final))
	// Messages from here on are follow-ups to the finished run.
	c.registry.MarkDone(conversationID)
	done := conversation.SystemEvent(runCompletedMessage)
	done.RunID = run.ID
	pub.Publish(ctx, done)
	c.setStatus(ctx, conversationID, conversation.StatusCompleted)
	if err := c.store.SetActiveRun(ctx, conversationID, ""); err != nil {
		c.logger.Warn("Failed to clear active run for %s: %v", conversationID, err)
	}
	outcome = runOutcomeCompleted

	if c.runCfg.Summaries {
		c.tracker.Go(c.logger, "crew.summary", func() {
			c.writeSummary(ctx, conversationID, message, final, snapshot)
		})
	}
	c.logger.Info("Run %s for %s completed with %d contributions", run.ID, conversationID, len(out.Contributions))
}

// selectCrew asks the user to pick a predefined crew. It returns nil workers
// when the planner should assemble the crew and false when the question went
// unanswered.
func (c *Coordinator) selectCrew(ctx context.Context, b *broker.Broker, snapshot catalog.Snapshot) ([]catalog.Worker, bool) {
	crews := snapshot.DedupedCrews()
	if len(crews) == 0 {
		return nil, true
	}
	options := make([]conversation.Option, 0, len(crews)+1)
	for _, crew := range crews {
		options = append(options, conversation.Option{
			Value:       crew.ID,
			Label:       crew.Label(),
			Description: clipRunes(crew.Description, crewDescriptionChars),
		})
	}
	options = append(options, conversation.Option{
		Value:       PlannerChoice,
		Label:       "Let AI decide",
		Description: "The planner will assemble a custom crew for this task",
	})

	answer, err := b.Ask(ctx, crewSelectionQuestion, broker.WithOptions(conversation.SelectionRadio, options...))
	if err != nil {
		return nil, false
	}
	answer = strings.TrimSpace(answer)
	if answer == PlannerChoice {
		return nil, true
	}
	members, _, ok := snapshot.CrewWorkers(answer)
	if !ok || len(members) == 0 {
		c.logger.Warn("Unknown crew %q selected; using the planner", answer)
		return nil, true
	}
	return members, true
}

func (c *Coordinator) failRun(ctx context.Context, conversationID string, run *conversation.Run, cause error) {
	if run != nil {
		completed := utcNow()
		run.Status = conversation.RunFailed
		run.CompletedAt = &completed
		if cause != nil {
			run.Error = cause.Error()
		}
		if err := c.store.UpdateRun(ctx, *run); err != nil {
			c.logger.Warn("Failed to mark run %s failed: %v", run.ID, err)
		}
		if err := c.store.SetActiveRun(ctx, conversationID, ""); err != nil {
			c.logger.Warn("Failed to clear active run for %s: %v", conversationID, err)
		}
	}
	c.setStatus(ctx, conversationID, conversation.StatusFailed)
}

func (c *Coordinator) setStatus(ctx context.Context, conversationID string, status conversation.Status) {
	if err := c.store.SetStatus(ctx, conversationID, status); err != nil {
		c.logger.Warn("Failed to set status %s for %s: %v", status, conversationID, err)
	}
}

// crewFor returns the workers assigned to tasks, in task order.
func crewFor(tasks []conversation.Task, roster []catalog.Worker) []catalog.Worker {
	sorted := append([]conversation.Task(nil), tasks...)
	sortTasks(sorted)
	seen := make(map[string]bool, len(sorted))
	crew := make([]catalog.Worker, 0, len(sorted))
	for _, task := range sorted {
		for _, w := range roster {
			if w.ID == task.WorkerID && !seen[w.ID] {
				seen[w.ID] = true
				crew = append(crew, w)
			}
		}
	}
	if len(crew) == 0 && len(roster) > 0 {
		crew = append(crew, roster[0])
	}
	return crew
}

// leadOf is the worker of the first task until the pipeline names one.
func leadOf(crew []catalog.Worker) catalog.Worker {
	if len(crew) == 0 {
		return catalog.Worker{}
	}
	return crew[0]
}

func sortTasks(tasks []conversation.Task) {
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Order < tasks[j].Order })
}

func clipRunes(s string, limit int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= limit {
		return string(r)
	}
	return string(r[:limit])
}
