package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Capability names the endpoint accepts; anything else is dropped from the request.
var toolNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Arguments   string         `json:"arguments,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

func wireMessages(msgs []Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, wireMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			ToolCalls:  wireToolCalls(msg.ToolCalls),
		})
	}
	return out
}

// wireToolCalls echoes assistant tool calls back into the history. Arguments
// are re-encoded as the JSON string the API expects.
func wireToolCalls(calls []ToolCall) []wireToolCall {
	var out []wireToolCall
	for _, call := range calls {
		if !toolNamePattern.MatchString(strings.TrimSpace(call.Name)) {
			continue
		}
		args := "{}"
		if len(call.Arguments) > 0 {
			if data, err := json.Marshal(call.Arguments); err == nil {
				args = string(data)
			}
		}
		out = append(out, wireToolCall{
			ID:       call.ID,
			Type:     "function",
			Function: wireFunction{Name: call.Name, Arguments: args},
		})
	}
	return out
}

func wireTools(tools []ToolDefinition) []wireTool {
	out := make([]wireTool, 0, len(tools))
	for _, tool := range tools {
		if !toolNamePattern.MatchString(strings.TrimSpace(tool.Name)) {
			continue
		}
		params := tool.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, wireTool{
			Type:     "function",
			Function: wireFunction{Name: tool.Name, Description: tool.Description, Parameters: params},
		})
	}
	return out
}
