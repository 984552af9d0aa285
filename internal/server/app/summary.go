package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/catalog"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"
	tokenutil "github.com/richlaw1986/content-gap-crew-sub000/internal/shared/token"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/worker"
)

const (
	summaryDigestWindow  = 20
	summaryDigestEntries = 15
	summaryEntryChars    = 500
	summaryMaxChars      = 1500
	summaryTemperature   = 0.3
	summaryWorkerID      = "crew-memory"
)

const summarySystemPrompt = `You are a conversation memory manager. Your ONLY job is to produce a concise, factual summary of what happened in this crew run.

RULES:
- Summarize in 150-250 words max.
- Include: the user's objective, key decisions/findings, the final deliverable type, any important constraints or follow-up items.
- Do NOT include meta-commentary, workflow instructions, or tool calls.
- Do NOT include the full content of the deliverable, just what it covers.
- Write in past tense.`

// summaryDigest keeps the recent substantive messages of the log.
func summaryDigest(messages []conversation.Message) string {
	if len(messages) > summaryDigestWindow {
		messages = messages[len(messages)-summaryDigestWindow:]
	}
	var lines []string
	for _, m := range messages {
		switch m.Kind {
		case conversation.KindThinking, conversation.KindStatus, conversation.KindSystem:
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("[%s]: %s", m.Sender, tokenutil.Clip(m.Content, summaryEntryChars)))
	}
	if len(lines) > summaryDigestEntries {
		lines = lines[len(lines)-summaryDigestEntries:]
	}
	return strings.Join(lines, "\n")
}

// writeSummary asks the memory worker for a run summary and stores it.
// Failures are logged only.
func (c *Coordinator) writeSummary(ctx context.Context, conversationID, objective, output string, snapshot catalog.Snapshot) {
	persona, ok := snapshot.MemoryWorker()
	if !ok {
		persona = catalog.Worker{ID: summaryWorkerID, Name: "Memory", Role: "Conversation memory manager"}
	}
	if persona.Model == "" {
		persona.Model = c.defaultModel
	}

	conv, err := c.store.Get(ctx, conversationID)
	if err != nil {
		c.logger.Warn("Summary skipped for %s: %v", conversationID, err)
		return
	}
	prompt := fmt.Sprintf("OBJECTIVE:\n%s\n\nFINAL OUTPUT:\n%s\n\nCONVERSATION:\n%s\n\nWrite the run summary now.",
		objective, tokenutil.TruncateChars(output, 3000), summaryDigest(conv.Messages))
	c.metrics.PromptTokens("summary", tokenutil.CountTokens(prompt))

	res, err := c.invoker.Invoke(ctx, persona, worker.Request{
		Prompt:      prompt,
		System:      summarySystemPrompt,
		Temperature: summaryTemperature,
	})
	if err != nil {
		c.logger.Warn("Summary generation failed for %s: %v", conversationID, err)
		return
	}
	summary := tokenutil.Clip(strings.TrimSpace(res.Text), summaryMaxChars)
	if summary == "" {
		return
	}
	if err := c.store.SetSummary(ctx, conversationID, summary); err != nil {
		c.logger.Warn("Failed to store summary for %s: %v", conversationID, err)
		return
	}
	c.logger.Info("Stored run summary for %s (%d chars)", conversationID, len(summary))
}
