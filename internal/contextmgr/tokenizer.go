package contextmgr

import (
	"sync"

	"agentd/internal/chat"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Tokenizer 基于 tiktoken 统计 token, 离线时退回启发式估算
// Tokenizer counts tokens with tiktoken, falling back to a heuristic when
// the BPE data is unavailable (offline environments). It backs the context
// budget when the backend omits usage totals.
type Tokenizer struct {
	encoder  *tiktoken.Tiktoken
	fallback bool
	mu       sync.RWMutex
}

var (
	defaultTokenizer     *Tokenizer
	defaultTokenizerOnce sync.Once
)

// Default returns the shared cl100k_base tokenizer.
func Default() *Tokenizer {
	defaultTokenizerOnce.Do(func() {
		defaultTokenizer = NewTokenizer("cl100k_base")
	})
	return defaultTokenizer
}

func NewTokenizer(encodingName string) *Tokenizer {
	t := &Tokenizer{}
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		t.fallback = true
		return t
	}
	t.encoder = enc
	return t
}

// Count returns the estimated token total for a message list.
func (t *Tokenizer) Count(messages []chat.Message) int {
	total := 0
	for _, msg := range messages {
		total += t.countMessage(msg)
	}
	return total
}

// CountText counts tokens in a single string.
func (t *Tokenizer) CountText(text string) int {
	if text == "" {
		return 0
	}
	if t.fallback {
		return heuristicTokenCount(text)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.encoder.Encode(text, nil, nil))
}

func (t *Tokenizer) countMessage(msg chat.Message) int {
	// ~4 tokens per-message overhead in the OpenAI chat format.
	tokens := 4
	tokens += t.CountText(msg.Content)
	tokens += t.CountText(msg.Role)
	if msg.Name != "" {
		tokens += t.CountText(msg.Name) + 1
	}
	for _, part := range msg.MultiContent {
		if text, ok := part.(chat.TextContent); ok {
			tokens += t.CountText(text.Text)
		}
	}
	for _, tc := range msg.ToolCalls {
		tokens += t.CountText(tc.Function.Name)
		tokens += t.CountText(tc.Function.Arguments)
		tokens += 8
	}
	return tokens
}

func heuristicTokenCount(text string) int {
	// CJK runs ~1.5 tokens per character, ASCII ~4 chars per token.
	cjk := 0
	ascii := 0
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjk++
		} else {
			ascii++
		}
	}
	estimate := int(float64(cjk)*1.5 + float64(ascii)*0.25)
	if estimate < 1 {
		estimate = 1
	}
	return estimate
}
