package app

import (
	"strings"
	"testing"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/catalog"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(sender string, kind conversation.Kind, content string) conversation.Message {
	return conversation.Message{Sender: sender, Kind: kind, Content: content}
}

func TestFindMentioned(t *testing.T) {
	t.Parallel()

	roster := []catalog.Worker{
		{ID: "agent-seo", Name: "SEO Specialist", Role: "Technical SEO"},
		{ID: "agent-writer", Name: "Writer", Role: "Content Writer"},
		{ID: "agent-qa", Name: "QA", Role: "Reviewer"},
	}

	tests := []struct {
		name    string
		message string
		want    string
		found   bool
	}{
		{name: "at id", message: "hey @agent-qa, thoughts?", want: "agent-qa", found: true},
		{name: "name case-insensitive", message: "ask the seo specialist", want: "agent-seo", found: true},
		{name: "longest match wins", message: "content writer, and the writer", want: "agent-writer", found: true},
		{name: "role", message: "can the reviewer look?", want: "agent-qa", found: true},
		{name: "short names ignored", message: "qa please", found: false},
		{name: "nothing", message: "hello there", found: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w, ok := FindMentioned(tt.message, roster)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, tt.want, w.ID)
			}
		})
	}
}

func TestBuildContextWithSummary(t *testing.T) {
	t.Parallel()

	conv := &conversation.Conversation{
		LastRunSummary: "The team wrote a post about cats.",
		Messages: []conversation.Message{
			msg("user", conversation.KindUserMessage, "Write about cats"),
			msg("Writer", conversation.KindAgentMessage, "Cats are great."),
			msg("system", conversation.KindSystem, "Run completed."),
			msg("user", conversation.KindUserMessage, "Make it shorter"),
			msg("user", conversation.KindUserMessage, "And funnier"),
		},
	}
	got := BuildContext(conv)
	assert.Equal(t, "PREVIOUS RUN SUMMARY:\nThe team wrote a post about cats.\n\nRECENT USER MESSAGES:\n[user]: Make it shorter\n[user]: And funnier", got)
}

func TestBuildContextFallback(t *testing.T) {
	t.Parallel()

	assert.Empty(t, BuildContext(nil))
	assert.Empty(t, BuildContext(&conversation.Conversation{Messages: []conversation.Message{
		msg("user", conversation.KindUserMessage, "First request"),
	}}))

	var messages []conversation.Message
	for i := 0; i < 10; i++ {
		messages = append(messages, msg("Writer", conversation.KindAgentMessage, strings.Repeat("x", 2500)))
	}
	messages = append(messages,
		msg("Memory Keeper", conversation.KindAgentMessage, "hidden"),
		msg("Writer", conversation.KindThinking, "Working on task 1"),
	)
	got := BuildContext(&conversation.Conversation{Messages: messages}, "Memory Keeper")
	entries := strings.Split(got, "\n\n")
	assert.Len(t, entries, 8)
	assert.NotContains(t, got, "hidden")
	assert.NotContains(t, got, "Working on task")
	assert.Contains(t, entries[0], "... [truncated]")
}

func TestObjectiveHelpers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "do it", EnrichObjective("do it", " "))
	assert.Equal(t,
		"CONVERSATION HISTORY (previous messages in this thread):\n[user]: before\n\n---\n\nNEW USER REQUEST:\ndo it",
		EnrichObjective("do it", "[user]: before"))
	assert.Equal(t, "do it\n\nAdditional context from user:\nEU", AppendClarification("do it", "EU"))
	assert.Equal(t, "Clarifying questions:\n- a\n- b", ClarifyingPrompt([]string{"a", "b"}))

	assert.Equal(t, "Short title", TitleFromMessage("  Short title "))
	long := strings.Repeat("é", 100)
	assert.Equal(t, strings.Repeat("é", 80)+"…", TitleFromMessage(long))
}

func TestCrewMemoryEvictsLeastRecent(t *testing.T) {
	t.Parallel()

	m := NewCrewMemory(2)
	m.Remember("a", CrewRecord{RunID: "run-a"})
	m.Remember("b", CrewRecord{RunID: "run-b"})
	_, ok := m.Recall("a")
	require.True(t, ok)
	m.Remember("c", CrewRecord{RunID: "run-c"})

	_, ok = m.Recall("b")
	assert.False(t, ok)
	got, ok := m.Recall("a")
	require.True(t, ok)
	assert.Equal(t, "run-a", got.RunID)

	m.Forget("a")
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 0, NewCrewMemory(0).Len())
}

func TestReplyHistory(t *testing.T) {
	t.Parallel()

	var messages []conversation.Message
	for i := 0; i < 15; i++ {
		messages = append(messages, msg("Writer", conversation.KindAgentMessage, strings.Repeat("y", 900)))
	}
	messages = append(messages, msg("user", conversation.KindUserMessage, "what next?"))

	turns := replyHistory(messages, "what next?")
	require.Len(t, turns, 12)
	for _, turn := range turns {
		assert.Equal(t, "assistant", turn.Role)
		assert.Len(t, turn.Content, 800)
	}

	turns = replyHistory([]conversation.Message{msg("user", conversation.KindUserMessage, "earlier")}, "now")
	require.Len(t, turns, 1)
	assert.Equal(t, "user", turns[0].Role)
}

func TestReplySystemPrompt(t *testing.T) {
	t.Parallel()

	prompt := ReplySystemPrompt(catalog.Worker{Name: "Writer", Role: "Content Writer", Backstory: "Loves words."})
	assert.True(t, strings.HasPrefix(prompt, "You are Writer (Content Writer). Loves words."))
	assert.Contains(t, prompt, "2-4 sentences")
}

func TestSummaryDigest(t *testing.T) {
	t.Parallel()

	var messages []conversation.Message
	for i := 0; i < 25; i++ {
		messages = append(messages, msg("Writer", conversation.KindAgentMessage, strings.Repeat("z", 600)))
	}
	messages = append(messages,
		msg("Writer", conversation.KindThinking, "thinking"),
		msg("system", conversation.KindSystem, "Run completed."),
	)
	lines := strings.Split(summaryDigest(messages), "\n")
	assert.Len(t, lines, 15)
	assert.Equal(t, "[Writer]: "+strings.Repeat("z", 500), lines[0])
}
