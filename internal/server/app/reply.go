package app

import (
	"context"
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

const (
	replyHistoryMessages = 12
	replyMessageChars    = 800
	replyTemperature     = 0.7
	// FallbackReply is sent when a worker cannot produce a reply.
	FallbackReply = "I hear you — let me factor that in."
)

const replyRules = `You are in a team chat with a user. You and your team have been working together on tasks in this conversation. The user has just sent a message.

CRITICAL RULES FOR THIS REPLY:
- This is a CHAT MESSAGE, not a task. Keep it SHORT: 2-4 sentences max.
- If the user asks about previous work, answer from the conversation context.
- If the user asks a NEW question on a different topic, answer it directly and helpfully.
- Do NOT write a full guide, tutorial, or report.
- Do NOT ask follow-up questions unless absolutely essential.
- Think of this like a quick chat reply, not a document.`

// ReplySystemPrompt renders the chat persona of w.
func ReplySystemPrompt(w catalog.Worker) string {
	return fmt.Sprintf("You are %s (%s). %s\n\n%s", w.DisplayName(), w.Role, strings.TrimSpace(w.Backstory), replyRules)
}

// replyHistory converts the tail of the log into chat turns. The message
// being answered is dropped because it is sent as the prompt.
func replyHistory(messages []conversation.Message, prompt string) []worker.Turn {
	if n := len(messages); n > 0 {
		last := messages[n-1]
		if last.Sender == conversation.UserSender && strings.TrimSpace(last.Content) == strings.TrimSpace(prompt) {
			messages = messages[:n-1]
		}
	}
	if len(messages) > replyHistoryMessages {
		messages = messages[len(messages)-replyHistoryMessages:]
	}
	turns := make([]worker.Turn, 0, len(messages))
	for _, m := range messages {
		if strings.TrimSpace(m.Content) == "" || m.Kind.Ephemeral() {
			continue
		}
		role := "assistant"
		if m.Sender == conversation.UserSender {
			role = "user"
		}
		turns = append(turns, worker.Turn{
			Role:    role,
			Speaker: m.Sender,
			Content: tokenutil.Clip(m.Content, replyMessageChars),
		})
	}
	return turns
}

// reply has responder answer message directly, outside any pipeline. Follow-up
// replies may use the responder's capabilities; mid-run replies may not.
func (c *Coordinator) reply(ctx context.Context, conversationID string, responder catalog.Worker, message string, tools bool, pub broker.Publisher) {
	mode := "midrun"
	if tools {
		mode = "followup"
	}
	ctx, span := c.tracer.StartSpan(ctx, observability.SpanReply,
		attribute.String(observability.AttrConversationID, conversationID),
		attribute.String(observability.AttrWorkerID, responder.ID),
		attribute.String("crew.reply_mode", mode),
	)
	var err error
	defer func() { observability.EndSpan(span, err) }()

	var history []worker.Turn
	if conv, getErr := c.store.Get(ctx, conversationID); getErr == nil {
		history = replyHistory(conv.Messages, message)
	}
	if responder.Model == "" {
		responder.Model = c.defaultModel
	}

	text := FallbackReply
	res, err := c.invoker.Invoke(ctx, responder, worker.Request{
		Prompt:      message,
		System:      ReplySystemPrompt(responder),
		History:     history,
		Tools:       tools,
		Temperature: replyTemperature,
	})
	switch {
	case err != nil:
		c.logger.Warn("Reply from %s failed: %v", responder.ID, err)
	case strings.TrimSpace(res.Text) != "":
		text = strings.TrimSpace(res.Text)
	}
	c.metrics.Reply(mode)

	ev := conversation.AgentEvent(conversation.SubtypeMessage, responder.DisplayName(), text)
	ev.IsReply = true
	pub.Publish(ctx, ev)
}
