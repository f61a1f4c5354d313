package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"agentd/internal/chat"
)

// ChatRequest wraps a single model call.
type ChatRequest struct {
	Model         string
	Messages      []chat.Message
	Tools         []chat.ToolDef
	Temperature   *float64
	MaxTokens     int
	ParallelCalls bool
}

// StreamCallbacks receives fine-grained events while a completion streams.
// OnBlockStart fires once before the first non-empty text delta, OnTextChunk
// per delta, OnBlockStop when the stream ends. OnBlockStop is guaranteed for
// any open block even when the transport fails mid-stream.
type StreamCallbacks struct {
	OnBlockStart func()
	OnTextChunk  func(chunk string)
	OnBlockStop  func()
	OnToolCall   func(call chat.ToolCall)
	OnUsage      func(usage Usage)
}

// Usage reports backend token consumption for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatResponse is the fully assembled result of one streamed completion.
type ChatResponse struct {
	Content      string
	ToolCalls    []chat.ToolCall
	FinishReason string
	Usage        Usage
}

// Provider is the model backend interface.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest, cb *StreamCallbacks) (ChatResponse, error)
	Name() string
	CurrentModel() string
	SetModel(model string) error
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("backend status %d: %s", e.Status, body)
}

// IsTransient classifies an error as retryable: connection resets, timeouts,
// and HTTP 408/429/5xx. Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == 408, apiErr.Status == 429:
			return true
		case apiErr.Status >= 500:
			return true
		default:
			return false
		}
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Stream readers wrap transport failures; fall back to message sniffing
	// for resets the net package does not expose as typed errors.
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "unexpected EOF") ||
		strings.Contains(msg, "broken pipe")
}
