package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"

	"agentd/internal/chat"
)

func sseServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("response writer does not flush")
		}
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	}))
}

func compatRequest(model string) compatChatRequest {
	return compatChatRequest{
		Model:    model,
		Messages: []chat.Message{{Role: "user", Content: "hi"}},
		Stream:   true,
	}
}

func TestStreamAssemblesTextWithBlockEvents(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"role":"assistant"}}]}`,
		`{"choices":[{"delta":{"content":"Hello"}}]}`,
		`{"choices":[{"delta":{"content":", world"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	})
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, APIKey: "test", Model: "m"})

	var starts, stops int
	var chunks []string
	cb := &StreamCallbacks{
		OnBlockStart: func() { starts++ },
		OnTextChunk:  func(c string) { chunks = append(chunks, c) },
		OnBlockStop:  func() { stops++ },
	}
	resp, err := p.chatStreamCompat(context.Background(), compatRequest("m"), cb)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if resp.Content != "Hello, world" {
		t.Fatalf("content: got=%q want=%q", resp.Content, "Hello, world")
	}
	if resp.FinishReason != "stop" {
		t.Fatalf("finish reason: got=%q want=stop", resp.FinishReason)
	}
	if starts != 1 || stops != 1 {
		t.Fatalf("block events: starts=%d stops=%d want 1/1", starts, stops)
	}
	if got := strings.Join(chunks, ""); got != "Hello, world" {
		t.Fatalf("chunks: got=%q", got)
	}
}

func TestStreamToolCallsFirstAppearanceOrder(t *testing.T) {
	// Index 1 arrives before index 0; assembly must follow arrival order,
	// not index value.
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"grep","arguments":"{\"pat"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"read","arguments":"{\"path"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":1,"function":{"arguments":"tern\":\"x\"}"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\":\"y\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	})
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, APIKey: "test", Model: "m"})
	resp, err := p.chatStreamCompat(context.Background(), compatRequest("m"), nil)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("tool call count: got=%d want=2", len(resp.ToolCalls))
	}
	first, second := resp.ToolCalls[0], resp.ToolCalls[1]
	if first.ID != "call_b" || first.Function.Name != "grep" {
		t.Fatalf("first call: %+v", first)
	}
	if second.ID != "call_a" || second.Function.Name != "read" {
		t.Fatalf("second call: %+v", second)
	}
	if first.Function.Arguments != `{"pattern":"x"}` {
		t.Fatalf("first args: got=%q", first.Function.Arguments)
	}
	if second.Function.Arguments != `{"path":"y"}` {
		t.Fatalf("second args: got=%q", second.Function.Arguments)
	}
}

func TestStreamUsage(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"ok"}}]}`,
		`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`,
		`[DONE]`,
	})
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, APIKey: "test", Model: "m"})
	var reported Usage
	cb := &StreamCallbacks{OnUsage: func(u Usage) { reported = u }}
	resp, err := p.chatStreamCompat(context.Background(), compatRequest("m"), cb)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 3 {
		t.Fatalf("usage: %+v", resp.Usage)
	}
	if reported != resp.Usage {
		t.Fatalf("callback usage mismatch: %+v vs %+v", reported, resp.Usage)
	}
}

func TestStreamBlockStopOnTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatal("response writer does not hijack")
		}
		conn, buf, err := hj.Hijack()
		if err != nil {
			t.Fatalf("hijack: %v", err)
		}
		// Chunked response cut off before the terminal chunk.
		fmt.Fprint(buf, "HTTP/1.1 200 OK\r\nContent-Type: text/event-stream\r\nTransfer-Encoding: chunked\r\n\r\n")
		payload := "data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n"
		fmt.Fprintf(buf, "%x\r\n%s\r\n", len(payload), payload)
		buf.Flush()
		conn.Close()
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, APIKey: "test", Model: "m"})
	var starts, stops int
	cb := &StreamCallbacks{
		OnBlockStart: func() { starts++ },
		OnBlockStop:  func() { stops++ },
	}
	_, err := p.chatStreamCompat(context.Background(), compatRequest("m"), cb)
	if err == nil {
		t.Fatal("expected transport error")
	}
	if starts != 1 || stops != 1 {
		t.Fatalf("open block not closed on failure: starts=%d stops=%d", starts, stops)
	}
	if !IsTransient(err) {
		t.Fatalf("mid-stream cut should be transient: %v", err)
	}
}

func TestFallbackDoesNotReplayEmittedText(t *testing.T) {
	// First request dies mid-stream after emitting text; the retry through
	// the SDK path succeeds. The consumer must not see the partial block a
	// second time.
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("response writer does not hijack")
			}
			conn, buf, err := hj.Hijack()
			if err != nil {
				t.Fatalf("hijack: %v", err)
			}
			fmt.Fprint(buf, "HTTP/1.1 200 OK\r\nContent-Type: text/event-stream\r\nTransfer-Encoding: chunked\r\n\r\n")
			payload := "data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n"
			fmt.Fprintf(buf, "%x\r\n%s\r\n", len(payload), payload)
			buf.Flush()
			conn.Close()
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range []string{
			`{"choices":[{"delta":{"content":"recovered"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`[DONE]`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, APIKey: "test", Model: "m"})
	var starts, stops int
	var chunks []string
	cb := &StreamCallbacks{
		OnBlockStart: func() { starts++ },
		OnTextChunk:  func(c string) { chunks = append(chunks, c) },
		OnBlockStop:  func() { stops++ },
	}
	resp, err := p.Chat(context.Background(), ChatRequest{
		Model:    "m",
		Messages: []chat.Message{{Role: "user", Content: "hi"}},
	}, cb)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "recovered" {
		t.Fatalf("content: got=%q want=recovered", resp.Content)
	}
	if atomic.LoadInt32(&requests) != 2 {
		t.Fatalf("requests: got=%d want=2", requests)
	}
	if starts != 1 || stops != 1 {
		t.Fatalf("block replayed to consumer: starts=%d stops=%d", starts, stops)
	}
	if got := strings.Join(chunks, ""); got != "par" {
		t.Fatalf("chunks: got=%q want only the first attempt's text", got)
	}
}

func TestStreamAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, APIKey: "test", Model: "m"})
	_, err := p.chatStreamCompat(context.Background(), compatRequest("m"), nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("status: got=%d want=503", apiErr.Status)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "context canceled", err: context.Canceled, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: false},
		{name: "429", err: &APIError{Status: 429}, want: true},
		{name: "503", err: &APIError{Status: 503}, want: true},
		{name: "400", err: &APIError{Status: 400}, want: false},
		{name: "401", err: &APIError{Status: 401}, want: false},
		{name: "conn reset", err: syscall.ECONNRESET, want: true},
		{name: "net timeout", err: net.Error(timeoutErr{}), want: true},
		{name: "wrapped eof", err: fmt.Errorf("stream read: %w", errors.New("unexpected EOF")), want: true},
		{name: "plain", err: errors.New("boom"), want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Fatalf("IsTransient(%v): got=%v want=%v", tc.err, got, tc.want)
			}
		})
	}
}
