package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"agentd/internal/chat"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider 对接任何 OpenAI 兼容的 chat-completions 服务
// OpenAIProvider talks to any OpenAI-compatible chat-completions endpoint.
// The primary path is a raw SSE stream over net/http; the go-openai SDK
// stream is kept as a fallback for servers the compat path chokes on.
type OpenAIProvider struct {
	client     *openai.Client
	httpClient *http.Client
	model      string
	cfg        OpenAIConfig
	mu         sync.RWMutex
}

// OpenAIConfig configures one backend connection.
type OpenAIConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	TimeoutMS int
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	sdkCfg := openai.DefaultConfig(cfg.APIKey)
	sdkCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	httpClient := &http.Client{}
	if cfg.TimeoutMS > 0 {
		httpClient.Timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	sdkCfg.HTTPClient = httpClient

	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(sdkCfg),
		httpClient: httpClient,
		model:      cfg.Model,
		cfg:        cfg,
	}
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) CurrentModel() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

func (p *OpenAIProvider) SetModel(model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return fmt.Errorf("model is empty")
	}
	p.mu.Lock()
	p.model = model
	p.mu.Unlock()
	return nil
}

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest, cb *StreamCallbacks) (ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.CurrentModel()
	}
	tracked, emitted := trackEmission(cb)
	resp, err := p.chatStreamCompat(ctx, compatChatRequest{
		Model:             model,
		Messages:          req.Messages,
		Stream:            true,
		StreamOptions:     &streamOptions{IncludeUsage: true},
		Tools:             req.Tools,
		Temperature:       req.Temperature,
		MaxTokens:         req.MaxTokens,
		ParallelToolCalls: boolPtrIfFalse(req.ParallelCalls),
	}, tracked)
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ChatResponse{}, err
	}
	// Once the compat attempt has shown text to the consumer, replaying the
	// fallback stream through the same callbacks would duplicate it.
	fallbackCB := cb
	if *emitted {
		fallbackCB = nil
	}
	sdkResp, sdkErr := p.chatStreamSDK(ctx, buildSDKRequest(model, req), fallbackCB)
	if sdkErr == nil {
		return sdkResp, nil
	}
	return ChatResponse{}, err
}

// trackEmission wraps cb so the caller can tell whether any text reached
// the consumer.
func trackEmission(cb *StreamCallbacks) (*StreamCallbacks, *bool) {
	emitted := new(bool)
	if cb == nil {
		return nil, emitted
	}
	inner := *cb
	wrapped := &StreamCallbacks{
		OnBlockStop: inner.OnBlockStop,
		OnToolCall:  inner.OnToolCall,
		OnUsage:     inner.OnUsage,
	}
	wrapped.OnBlockStart = func() {
		*emitted = true
		if inner.OnBlockStart != nil {
			inner.OnBlockStart()
		}
	}
	wrapped.OnTextChunk = func(chunk string) {
		*emitted = true
		if inner.OnTextChunk != nil {
			inner.OnTextChunk(chunk)
		}
	}
	return wrapped, emitted
}

// --- compat SSE stream ---

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type compatChatRequest struct {
	Model             string         `json:"model"`
	Messages          []chat.Message `json:"messages"`
	Stream            bool           `json:"stream"`
	StreamOptions     *streamOptions `json:"stream_options,omitempty"`
	Tools             []chat.ToolDef `json:"tools,omitempty"`
	ToolChoice        any            `json:"tool_choice,omitempty"`
	Temperature       *float64       `json:"temperature,omitempty"`
	MaxTokens         int            `json:"max_tokens,omitempty"`
	ParallelToolCalls *bool          `json:"parallel_tool_calls,omitempty"`
}

type compatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Role      string `json:"role,omitempty"`
			Content   string `json:"content,omitempty"`
			ToolCalls []struct {
				Index    *int   `json:"index,omitempty"`
				ID       string `json:"id,omitempty"`
				Type     string `json:"type,omitempty"`
				Function struct {
					Name      string `json:"name,omitempty"`
					Arguments string `json:"arguments,omitempty"`
				} `json:"function,omitempty"`
			} `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

func (p *OpenAIProvider) chatStreamCompat(ctx context.Context, req compatChatRequest, cb *StreamCallbacks) (ChatResponse, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(p.cfg.BaseURL), "/")
	if baseURL == "" {
		return ChatResponse{}, fmt.Errorf("base_url is empty")
	}
	if len(req.Tools) > 0 && req.ToolChoice == nil {
		req.ToolChoice = "auto"
	}
	body, err := json.Marshal(req)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(p.cfg.APIKey); key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	client := p.httpClient
	if client == nil {
		client = &http.Client{}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return ChatResponse{}, &APIError{Status: resp.StatusCode, Body: string(b)}
	}

	acc := newStreamAccumulator(cb)

	scanner := bufio.NewScanner(resp.Body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 8*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var chunk compatStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// Some servers interleave non-JSON keepalive lines; skip them.
			continue
		}
		acc.feed(chunk)
	}
	if err := scanner.Err(); err != nil {
		// Close any open block before surfacing the transport failure so
		// downstream consumers never see an unterminated block.
		acc.closeBlock()
		return ChatResponse{}, fmt.Errorf("stream read: %w", err)
	}

	return acc.finish(), nil
}

// streamAccumulator folds incremental deltas into assembled text and tool
// calls while re-emitting block events.
type streamAccumulator struct {
	cb           *StreamCallbacks
	content      strings.Builder
	blockOpen    bool
	byIndex      map[int]*toolCallAccumulator
	order        []int
	finishReason string
	usage        Usage
}

func newStreamAccumulator(cb *StreamCallbacks) *streamAccumulator {
	return &streamAccumulator{cb: cb, byIndex: map[int]*toolCallAccumulator{}}
}

func (a *streamAccumulator) feed(chunk compatStreamChunk) {
	for _, choice := range chunk.Choices {
		if choice.FinishReason != nil && strings.TrimSpace(*choice.FinishReason) != "" {
			a.finishReason = strings.TrimSpace(*choice.FinishReason)
		}
		if choice.Delta.Content != "" {
			if !a.blockOpen {
				a.blockOpen = true
				if a.cb != nil && a.cb.OnBlockStart != nil {
					a.cb.OnBlockStart()
				}
			}
			a.content.WriteString(choice.Delta.Content)
			if a.cb != nil && a.cb.OnTextChunk != nil {
				a.cb.OnTextChunk(choice.Delta.Content)
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc, ok := a.byIndex[idx]
			if !ok {
				acc = &toolCallAccumulator{}
				a.byIndex[idx] = acc
				// Final order follows first appearance, not index value.
				a.order = append(a.order, idx)
			}
			if tc.ID != "" && acc.id == "" {
				acc.id = tc.ID
			}
			if tc.Type != "" && acc.typ == "" {
				acc.typ = tc.Type
			}
			if tc.Function.Name != "" && acc.name == "" {
				acc.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				acc.args.WriteString(tc.Function.Arguments)
			}
		}
	}
	if chunk.Usage != nil {
		a.usage = Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
}

func (a *streamAccumulator) closeBlock() {
	if !a.blockOpen {
		return
	}
	a.blockOpen = false
	if a.cb != nil && a.cb.OnBlockStop != nil {
		a.cb.OnBlockStop()
	}
}

func (a *streamAccumulator) finish() ChatResponse {
	a.closeBlock()
	toolCalls := a.assemble()
	if a.cb != nil && a.cb.OnToolCall != nil {
		for _, tc := range toolCalls {
			a.cb.OnToolCall(tc)
		}
	}
	if a.cb != nil && a.cb.OnUsage != nil {
		a.cb.OnUsage(a.usage)
	}
	return ChatResponse{
		Content:      a.content.String(),
		ToolCalls:    toolCalls,
		FinishReason: a.finishReason,
		Usage:        a.usage,
	}
}

func (a *streamAccumulator) assemble() []chat.ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	calls := make([]chat.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		acc := a.byIndex[idx]
		id := strings.TrimSpace(acc.id)
		if id == "" {
			id = fmt.Sprintf("call_%d", idx)
		}
		typ := strings.TrimSpace(acc.typ)
		if typ == "" {
			typ = "function"
		}
		calls = append(calls, chat.ToolCall{
			ID:   id,
			Type: typ,
			Function: chat.ToolCallFunction{
				Name:      strings.TrimSpace(acc.name),
				Arguments: acc.args.String(),
			},
		})
	}
	return calls
}

type toolCallAccumulator struct {
	id   string
	typ  string
	name string
	args strings.Builder
}

// --- SDK fallback stream ---

func buildSDKRequest(model string, req ChatRequest) openai.ChatCompletionRequest {
	sdkReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertMessages(req.Messages),
		Stream:   true,
	}
	if len(req.Tools) > 0 {
		sdkReq.Tools = convertTools(req.Tools)
		sdkReq.ToolChoice = "auto"
	}
	if req.Temperature != nil {
		sdkReq.Temperature = float32(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		sdkReq.MaxTokens = req.MaxTokens
	}
	return sdkReq
}

func (p *OpenAIProvider) chatStreamSDK(ctx context.Context, req openai.ChatCompletionRequest, cb *StreamCallbacks) (ChatResponse, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("create stream: %w", err)
	}
	defer stream.Close()

	acc := newStreamAccumulator(cb)
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			acc.closeBlock()
			return ChatResponse{}, fmt.Errorf("recv stream: %w", err)
		}
		acc.feed(convertSDKChunk(resp))
	}
	return acc.finish(), nil
}

func convertSDKChunk(resp openai.ChatCompletionStreamResponse) compatStreamChunk {
	var chunk compatStreamChunk
	for _, choice := range resp.Choices {
		var c struct {
			Delta struct {
				Role      string `json:"role,omitempty"`
				Content   string `json:"content,omitempty"`
				ToolCalls []struct {
					Index    *int   `json:"index,omitempty"`
					ID       string `json:"id,omitempty"`
					Type     string `json:"type,omitempty"`
					Function struct {
						Name      string `json:"name,omitempty"`
						Arguments string `json:"arguments,omitempty"`
					} `json:"function,omitempty"`
				} `json:"tool_calls,omitempty"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		}
		c.Delta.Content = choice.Delta.Content
		if choice.FinishReason != "" {
			reason := string(choice.FinishReason)
			c.FinishReason = &reason
		}
		for _, tc := range choice.Delta.ToolCalls {
			entry := struct {
				Index    *int   `json:"index,omitempty"`
				ID       string `json:"id,omitempty"`
				Type     string `json:"type,omitempty"`
				Function struct {
					Name      string `json:"name,omitempty"`
					Arguments string `json:"arguments,omitempty"`
				} `json:"function,omitempty"`
			}{
				Index: tc.Index,
				ID:    tc.ID,
				Type:  string(tc.Type),
			}
			entry.Function.Name = tc.Function.Name
			entry.Function.Arguments = tc.Function.Arguments
			c.Delta.ToolCalls = append(c.Delta.ToolCalls, entry)
		}
		chunk.Choices = append(chunk.Choices, c)
	}
	if resp.Usage != nil {
		chunk.Usage = &struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		}{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return chunk
}

func convertMessages(messages []chat.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, part := range m.MultiContent {
			switch p := part.(type) {
			case chat.TextContent:
				msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: p.Text,
				})
			case chat.ImageContent:
				msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    p.ImageURL.URL,
						Detail: openai.ImageURLDetail(p.ImageURL.Detail),
					},
				})
			}
		}
		if len(msg.MultiContent) > 0 {
			msg.Content = ""
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolType(tc.Type),
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func convertTools(tools []chat.ToolDef) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}
	return out
}

// boolPtrIfFalse returns a pointer only when parallel calls are disabled, so
// the flag stays off the wire for servers that reject it.
func boolPtrIfFalse(parallel bool) *bool {
	if parallel {
		return nil
	}
	v := false
	return &v
}
