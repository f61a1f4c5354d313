package runner

import (
	"encoding/json"

	"agentd/internal/chat"
	"agentd/internal/storage"
)

// messagesFromTurns rebuilds the backend message list from persisted turns.
// The mapping is deterministic: replaying the same turns always yields the
// same message list. A text turn directly followed by tool_use turns came
// from one completion and folds into a single assistant message; consecutive
// tool_use turns share one assistant message. Run summary turns are
// bookkeeping for the user and never enter the model context.
func messagesFromTurns(turns []storage.Turn) []chat.Message {
	var out []chat.Message
	for i := 0; i < len(turns); i++ {
		t := turns[i]
		switch t.Kind {
		case storage.TurnUserPrompt:
			out = append(out, chat.Message{Role: "user", Content: t.Content})

		case storage.TurnText:
			msg := chat.Message{Role: "assistant", Content: t.Content}
			for i+1 < len(turns) && turns[i+1].Kind == storage.TurnToolUse {
				i++
				msg.ToolCalls = append(msg.ToolCalls, toolCallFromTurn(turns[i]))
			}
			out = append(out, msg)

		case storage.TurnToolUse:
			msg := chat.Message{Role: "assistant"}
			msg.ToolCalls = append(msg.ToolCalls, toolCallFromTurn(t))
			for i+1 < len(turns) && turns[i+1].Kind == storage.TurnToolUse {
				i++
				msg.ToolCalls = append(msg.ToolCalls, toolCallFromTurn(turns[i]))
			}
			out = append(out, msg)

		case storage.TurnToolResult:
			out = append(out, chat.Message{
				Role:       "tool",
				Content:    t.Content,
				ToolCallID: t.CallID,
			})
		}
	}
	return out
}

func toolCallFromTurn(t storage.Turn) chat.ToolCall {
	return chat.ToolCall{
		ID:   t.CallID,
		Type: "function",
		Function: chat.ToolCallFunction{
			Name:      t.ToolName,
			Arguments: t.ToolInput,
		},
	}
}

// resultContent serializes one tool outcome the way it is persisted and
// shown to the model.
func resultContent(success bool, output, errText string) string {
	payload := map[string]any{"success": success}
	if output != "" {
		payload["output"] = output
	}
	if errText != "" {
		payload["error"] = errText
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return `{"success":false,"error":"encode result"}`
	}
	return string(data)
}
