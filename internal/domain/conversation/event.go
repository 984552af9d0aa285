package conversation

import "time"

// EventType is the top-level type of an outbound event.
type EventType string

const (
	EventStatus         EventType = "status"
	EventAgentMessage   EventType = "agent_message"
	EventUserMessage    EventType = "user_message"
	EventAnswer         EventType = "answer"
	EventQuestion       EventType = "question"
	EventSystem         EventType = "system"
	EventComplete       EventType = "complete"
	EventError          EventType = "error"
	EventSynthesisReady EventType = "synthesis_ready"
)

// Subtypes of agent_message events.
const (
	SubtypeThinking   = "thinking"
	SubtypeMessage    = "message"
	SubtypeToolCall   = "tool_call"
	SubtypeToolResult = "tool_result"
)

// Selection types for structured questions.
const (
	SelectionRadio    = "radio"
	SelectionCheckbox = "checkbox"
)

// Option is one structured choice offered with a question.
type Option struct {
	Value       string `json:"value"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Contribution is one worker output collected by the pipeline.
type Contribution struct {
	WorkerID string `json:"workerId"`
	Worker   string `json:"worker"`
	TaskID   string `json:"taskId,omitempty"`
	Output   string `json:"output"`
}

// Event is the wire representation of everything pushed to a connection.
type Event struct {
	Type           EventType      `json:"type"`
	Subtype        string         `json:"subtype,omitempty"`
	Sender         string         `json:"sender,omitempty"`
	Content        string         `json:"content,omitempty"`
	Tool           string         `json:"tool,omitempty"`
	Message        string         `json:"message,omitempty"`
	Status         string         `json:"status,omitempty"`
	RunID          string         `json:"runId,omitempty"`
	Reattached     bool           `json:"reattached,omitempty"`
	QuestionID     string         `json:"questionId,omitempty"`
	Options        []Option       `json:"options,omitempty"`
	SelectionType  string         `json:"selectionType,omitempty"`
	Output         string         `json:"output,omitempty"`
	IsReply        bool           `json:"isReply,omitempty"`
	Contributions  []Contribution `json:"contributions,omitempty"`
	ReviewFeedback []Contribution `json:"reviewFeedback,omitempty"`
	Lead           string         `json:"lead,omitempty"`
	Replayed       bool           `json:"replayed,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// SystemSender is the sender recorded for orchestrator-authored messages.
const SystemSender = "system"

// UserSender is the sender recorded for messages typed by the user.
const UserSender = "user"

func now() time.Time { return time.Now().UTC() }

// StatusEvent reports run connectivity. It is never persisted.
func StatusEvent(status, runID string, reattached bool) Event {
	return Event{Type: EventStatus, Status: status, RunID: runID, Reattached: reattached, Timestamp: now()}
}

// AgentEvent builds an agent_message event with the given subtype.
func AgentEvent(subtype, sender, content string) Event {
	return Event{Type: EventAgentMessage, Subtype: subtype, Sender: sender, Content: content, Timestamp: now()}
}

// ToolEvent builds a tool_call or tool_result agent_message.
func ToolEvent(subtype, sender, tool, content string) Event {
	ev := AgentEvent(subtype, sender, content)
	ev.Tool = tool
	return ev
}

// SystemEvent builds an orchestrator notice.
func SystemEvent(content string) Event {
	return Event{Type: EventSystem, Sender: SystemSender, Content: content, Timestamp: now()}
}

// ErrorEvent builds a user-visible error.
func ErrorEvent(message string) Event {
	return Event{Type: EventError, Message: message, Timestamp: now()}
}

// CompleteEvent reports a finished run.
func CompleteEvent(runID, output string) Event {
	return Event{Type: EventComplete, RunID: runID, Output: output, Timestamp: now()}
}

// Ephemeral reports whether the event is live-only.
func (e Event) Ephemeral() bool {
	return e.Type == EventStatus
}

// ToMessage converts a live event into its persisted form. ok is false for
// ephemeral events.
func (e Event) ToMessage(key string) (Message, bool) {
	if e.Ephemeral() {
		return Message{}, false
	}
	msg := Message{
		Key:       key,
		Sender:    e.Sender,
		Content:   e.Content,
		Tool:      e.Tool,
		Timestamp: e.Timestamp,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now()
	}
	meta := map[string]any{}

	switch e.Type {
	case EventAgentMessage:
		switch e.Subtype {
		case SubtypeThinking:
			msg.Kind = KindThinking
		case SubtypeToolCall:
			msg.Kind = KindToolCall
		case SubtypeToolResult:
			msg.Kind = KindToolResult
		default:
			msg.Kind = KindAgentMessage
		}
		if e.IsReply {
			meta[MetaIsReply] = true
		}
	case EventUserMessage:
		msg.Kind = KindUserMessage
	case EventAnswer:
		msg.Kind = KindAnswer
		if e.QuestionID != "" {
			meta[MetaQuestionID] = e.QuestionID
		}
	case EventQuestion:
		msg.Kind = KindQuestion
		if e.QuestionID != "" {
			meta[MetaQuestionID] = e.QuestionID
		}
		if len(e.Options) > 0 {
			meta[MetaOptions] = optionsToMeta(e.Options)
		}
		if e.SelectionType != "" {
			meta[MetaSelectionType] = e.SelectionType
		}
	case EventComplete:
		msg.Kind = KindComplete
		msg.Content = e.Output
		meta[MetaOutput] = e.Output
	case EventError:
		msg.Kind = KindError
		msg.Content = e.Message
	case EventSynthesisReady:
		msg.Kind = KindSystem
		msg.Content = "Synthesis ready."
		if e.Lead != "" {
			meta["lead"] = e.Lead
		}
	default:
		msg.Kind = KindSystem
	}
	if msg.Sender == "" {
		msg.Sender = SystemSender
	}
	if e.RunID != "" {
		meta[MetaRunID] = e.RunID
	}
	if len(meta) > 0 {
		msg.Metadata = meta
	}
	return msg, true
}

// ReplayEvent maps a persisted message back to the wire with replayed set.
// ok is false for messages that are never replayed.
func ReplayEvent(m Message) (Event, bool) {
	if m.Kind.Ephemeral() || m.Content == "" {
		return Event{}, false
	}
	ev := Event{
		Sender:    m.Sender,
		Content:   m.Content,
		Tool:      m.Tool,
		RunID:     m.Meta(MetaRunID),
		Replayed:  true,
		Timestamp: m.Timestamp,
	}
	switch m.Kind {
	case KindUserMessage:
		ev.Type = EventUserMessage
	case KindAnswer:
		ev.Type = EventAnswer
		ev.QuestionID = m.Meta(MetaQuestionID)
	case KindAgentMessage:
		ev.Type, ev.Subtype = EventAgentMessage, SubtypeMessage
	case KindThinking:
		ev.Type, ev.Subtype = EventAgentMessage, SubtypeThinking
	case KindToolCall:
		ev.Type, ev.Subtype = EventAgentMessage, SubtypeToolCall
	case KindToolResult:
		ev.Type, ev.Subtype = EventAgentMessage, SubtypeToolResult
	case KindQuestion:
		ev.Type = EventQuestion
		ev.QuestionID = m.Meta(MetaQuestionID)
		ev.Options = optionsFromMeta(m.Metadata[MetaOptions])
		ev.SelectionType = m.Meta(MetaSelectionType)
	case KindComplete:
		ev.Type = EventComplete
		ev.Output = m.Content
		ev.Content = ""
	case KindError:
		ev.Type = EventError
		ev.Message = m.Content
		ev.Content = ""
	default:
		ev.Type = EventSystem
	}
	if reply, _ := m.Metadata[MetaIsReply].(bool); reply {
		ev.IsReply = true
	}
	return ev, true
}

func optionsToMeta(options []Option) []any {
	out := make([]any, 0, len(options))
	for _, o := range options {
		entry := map[string]any{"value": o.Value, "label": o.Label}
		if o.Description != "" {
			entry["description"] = o.Description
		}
		out = append(out, entry)
	}
	return out
}

// optionsFromMeta accepts both the in-memory form and the shape produced by a
// JSON round trip through a store.
func optionsFromMeta(raw any) []Option {
	switch v := raw.(type) {
	case []Option:
		return v
	case []any:
		out := make([]Option, 0, len(v))
		for _, item := range v {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			opt := Option{}
			opt.Value, _ = entry["value"].(string)
			opt.Label, _ = entry["label"].(string)
			opt.Description, _ = entry["description"].(string)
			out = append(out, opt)
		}
		return out
	case []map[string]any:
		out := make([]Option, 0, len(v))
		for _, entry := range v {
			opt := Option{}
			opt.Value, _ = entry["value"].(string)
			opt.Label, _ = entry["label"].(string)
			opt.Description, _ = entry["description"].(string)
			out = append(out, opt)
		}
		return out
	}
	return nil
}
