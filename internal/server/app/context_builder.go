package app

import (
	"fmt"
	"strings"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"
	tokenutil "github.com/richlaw1986/content-gap-crew-sub000/internal/shared/token"
)

const (
	titleMaxChars          = 80
	fallbackContextEntries = 8
	fallbackEntryChars     = 2000
	runCompletedMessage    = "Run completed."
)

// BuildContext renders prior conversation state for a new run. With a run
// summary it returns the summary plus the user messages that followed the
// last completed run; otherwise the last significant messages. Messages from
// skipSenders (the memory worker) are left out.
func BuildContext(conv *conversation.Conversation, skipSenders ...string) string {
	if conv == nil {
		return ""
	}
	if summary := strings.TrimSpace(conv.LastRunSummary); summary != "" {
		var recent []string
		for i := len(conv.Messages) - 1; i >= 0; i-- {
			m := conv.Messages[i]
			if m.Kind == conversation.KindSystem && strings.Contains(m.Content, "Run completed") {
				break
			}
			if m.Sender == conversation.UserSender && strings.TrimSpace(m.Content) != "" {
				recent = append(recent, "[user]: "+m.Content)
			}
		}
		parts := []string{"PREVIOUS RUN SUMMARY:\n" + summary}
		if len(recent) > 0 {
			for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
				recent[i], recent[j] = recent[j], recent[i]
			}
			parts = append(parts, "RECENT USER MESSAGES:\n"+strings.Join(recent, "\n"))
		}
		return strings.Join(parts, "\n\n")
	}

	skip := make(map[string]bool, len(skipSenders))
	for _, s := range skipSenders {
		if s != "" {
			skip[strings.ToLower(s)] = true
		}
	}
	var significant []string
	userOnly := true
	for _, m := range conv.Messages {
		if strings.TrimSpace(m.Content) == "" || skip[strings.ToLower(m.Sender)] {
			continue
		}
		switch m.Kind {
		case conversation.KindUserMessage, conversation.KindAnswer, conversation.KindAgentMessage:
		default:
			continue
		}
		if m.Sender != conversation.UserSender {
			userOnly = false
		}
		significant = append(significant, fmt.Sprintf("[%s]: %s", m.Sender, tokenutil.TruncateChars(m.Content, fallbackEntryChars)))
	}
	// A lone opening request carries nothing the objective does not.
	if len(significant) <= 1 && userOnly {
		return ""
	}
	if len(significant) > fallbackContextEntries {
		significant = significant[len(significant)-fallbackContextEntries:]
	}
	return strings.Join(significant, "\n\n")
}

// EnrichObjective prefixes objective with conversation history when there is any.
func EnrichObjective(objective, history string) string {
	if strings.TrimSpace(history) == "" {
		return objective
	}
	return "CONVERSATION HISTORY (previous messages in this thread):\n" + history +
		"\n\n---\n\nNEW USER REQUEST:\n" + objective
}

// AppendClarification adds the user's answers to clarifying questions.
func AppendClarification(objective, answer string) string {
	return objective + "\n\nAdditional context from user:\n" + answer
}

// ClarifyingPrompt combines planner questions into one question.
func ClarifyingPrompt(questions []string) string {
	return "Clarifying questions:\n- " + strings.Join(questions, "\n- ")
}

// TitleFromMessage derives a conversation title from the first user message.
func TitleFromMessage(content string) string {
	content = strings.TrimSpace(content)
	clipped := tokenutil.Clip(content, titleMaxChars)
	if clipped != content {
		return clipped + "…"
	}
	return content
}
