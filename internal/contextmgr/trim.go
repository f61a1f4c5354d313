package contextmgr

import "agentd/internal/chat"

// Trim 丢弃最旧的消息以满足条数和 token 上限, 且不拆开工具调用对
// Trim keeps messages within maxMessages and a token budget by dropping the
// oldest entries. It never splits a tool exchange: when the cut lands on a
// tool message, trimming advances past the whole result run so history never
// opens with a tool_result whose tool_use was dropped.
func Trim(messages []chat.Message, maxMessages, maxTokens int, tok *Tokenizer) []chat.Message {
	if tok == nil {
		tok = Default()
	}
	out := messages
	if maxMessages > 0 && len(out) > maxMessages {
		out = out[len(out)-maxMessages:]
	}
	if maxTokens > 0 {
		for len(out) > 2 && tok.Count(out) > maxTokens {
			out = out[1:]
		}
	}
	for len(out) > 0 && out[0].Role == "tool" {
		out = out[1:]
	}
	return out
}
