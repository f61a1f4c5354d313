package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"agentd/internal/chat"
	"agentd/internal/config"
	"agentd/internal/permission"
	"agentd/internal/provider"
	"agentd/internal/storage"
	"agentd/internal/tools"
)

type scriptedProvider struct {
	model     string
	responses []provider.ChatResponse
	callCount int
	requests  []provider.ChatRequest
	errs      []error
}

func (p *scriptedProvider) Chat(_ context.Context, req provider.ChatRequest, _ *provider.StreamCallbacks) (provider.ChatResponse, error) {
	p.requests = append(p.requests, req)
	i := p.callCount
	p.callCount++
	if i < len(p.errs) && p.errs[i] != nil {
		return provider.ChatResponse{}, p.errs[i]
	}
	if i >= len(p.responses) {
		return provider.ChatResponse{}, errors.New("no scripted response")
	}
	return p.responses[i], nil
}

func (p *scriptedProvider) Name() string            { return "scripted" }
func (p *scriptedProvider) CurrentModel() string    { return p.model }
func (p *scriptedProvider) SetModel(m string) error { p.model = m; return nil }

type scriptedResolver struct {
	p provider.Provider
}

func (r scriptedResolver) Resolve(model string) (provider.Provider, string, error) {
	return r.p, model, nil
}

type spyTool struct {
	name   string
	result tools.Result
	calls  int
	writes bool
	risky  bool
}

func (s *spyTool) Name() string { return s.name }

func (s *spyTool) WritesFiles() bool { return s.writes }

func (s *spyTool) AssessRisk(json.RawMessage) (bool, string) {
	if s.risky {
		return true, "destructive invocation"
	}
	return false, ""
}

func (s *spyTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:       s.name,
			Parameters: map[string]any{"type": "object"},
		},
	}
}

func (s *spyTool) Execute(_ context.Context, _ json.RawMessage, _ *tools.Context) tools.Result {
	s.calls++
	return s.result
}

func testConfig() config.Config {
	return config.Config{
		Model: "scripted-model",
		Runtime: config.RuntimeConfig{
			MaxIterations:  10,
			StreamRetries:  2,
			BackoffBaseMS:  1,
			MaxToolOutput:  8000,
			ContextTokens:  100000,
			HistoryLimit:   100,
			LoopWindow:     3,
			LoopRetryLimit: 2,
		},
		Approval: config.ApprovalConfig{Mode: "auto"},
	}
}

type testEnv struct {
	runner   *Runner
	store    *storage.SQLiteStore
	provider *scriptedProvider
	session  storage.Session
}

func newTestEnv(t *testing.T, cfg config.Config, responses []provider.ChatResponse, errs []error, toolset ...tools.Tool) *testEnv {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sess, err := store.CreateSession(storage.CreateSessionParams{Title: "test"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	sp := &scriptedProvider{model: cfg.Model, responses: responses, errs: errs}
	gate := permission.NewGate()
	policy := permission.NewPolicy(cfg.Approval)
	registry := tools.NewRegistry(toolset...)
	r := New(store, scriptedResolver{p: sp}, registry, gate, policy, cfg, nil)
	return &testEnv{runner: r, store: store, provider: sp, session: sess}
}

func toolCall(id, name, args string) chat.ToolCall {
	return chat.ToolCall{
		ID:   id,
		Type: "function",
		Function: chat.ToolCallFunction{
			Name:      name,
			Arguments: args,
		},
	}
}

func allTurns(t *testing.T, store storage.Store, sessionID string) []storage.Turn {
	t.Helper()
	page, err := store.HistoryPage(sessionID, 1000, "")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	return page.Turns
}

// assertNoOrphans verifies every tool_use has exactly one matching
// tool_result that follows it.
func assertNoOrphans(t *testing.T, turns []storage.Turn) {
	t.Helper()
	used := map[string]bool{}
	resolved := map[string]int{}
	for _, turn := range turns {
		switch turn.Kind {
		case storage.TurnToolUse:
			used[turn.CallID] = true
		case storage.TurnToolResult:
			if !used[turn.CallID] {
				t.Fatalf("tool_result %s precedes its tool_use", turn.CallID)
			}
			resolved[turn.CallID]++
		}
	}
	for id := range used {
		if resolved[id] != 1 {
			t.Fatalf("call %s has %d results, want 1", id, resolved[id])
		}
	}
}

func TestRunFinalAnswer(t *testing.T) {
	env := newTestEnv(t, testConfig(), []provider.ChatResponse{
		{Content: "<thinking>internal notes</thinking>The answer is 42.", FinishReason: "stop",
			Usage: provider.Usage{PromptTokens: 20, CompletionTokens: 8}},
	}, nil)

	var final string
	ev := &Events{OnFinal: func(text string) { final = text }}
	if err := env.runner.Run(context.Background(), env.session.ID, "what is the answer?", ev); err != nil {
		t.Fatalf("run: %v", err)
	}

	sess, _ := env.store.Session(env.session.ID)
	if sess.Status != storage.StatusCompleted {
		t.Fatalf("status: got=%q want=completed", sess.Status)
	}
	if sess.InputTokens != 20 || sess.OutputTokens != 8 {
		t.Fatalf("tokens: got=%d/%d want=20/8", sess.InputTokens, sess.OutputTokens)
	}
	if final != "The answer is 42." {
		t.Fatalf("final text not cleaned: %q", final)
	}

	turns := allTurns(t, env.store, env.session.ID)
	if len(turns) != 3 {
		t.Fatalf("turn count: got=%d want=3", len(turns))
	}
	if turns[0].Kind != storage.TurnUserPrompt || turns[1].Kind != storage.TurnText || turns[2].Kind != storage.TurnRunSummary {
		t.Fatalf("turn kinds: %s/%s/%s", turns[0].Kind, turns[1].Kind, turns[2].Kind)
	}
	if turns[1].Content != "The answer is 42." {
		t.Fatalf("persisted final: %q", turns[1].Content)
	}
	summary := turns[2].Content
	if !strings.Contains(summary, "1 iteration") ||
		!strings.Contains(summary, "20 in") || !strings.Contains(summary, "8 out") {
		t.Fatalf("summary missing run stats: %q", summary)
	}
}

func TestRunToolCallThenFinal(t *testing.T) {
	spy := &spyTool{name: "lookup", result: tools.Ok("found it")}
	env := newTestEnv(t, testConfig(), []provider.ChatResponse{
		{ToolCalls: []chat.ToolCall{toolCall("call_1", "lookup", `{"q":"x"}`)}, FinishReason: "tool_calls"},
		{Content: "Done.", FinishReason: "stop"},
	}, nil, spy)

	if err := env.runner.Run(context.Background(), env.session.ID, "look it up", nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if spy.calls != 1 {
		t.Fatalf("tool calls: got=%d want=1", spy.calls)
	}

	turns := allTurns(t, env.store, env.session.ID)
	assertNoOrphans(t, turns)

	kinds := make([]string, 0, len(turns))
	for _, turn := range turns {
		kinds = append(kinds, turn.Kind)
	}
	want := []string{storage.TurnUserPrompt, storage.TurnToolUse, storage.TurnToolResult, storage.TurnText, storage.TurnRunSummary}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Fatalf("turn kinds: got=%v want=%v", kinds, want)
	}

	var result storage.Turn
	for _, turn := range turns {
		if turn.Kind == storage.TurnToolResult {
			result = turn
		}
	}
	if result.IsError {
		t.Fatalf("result marked error: %+v", result)
	}
	if !strings.Contains(result.Content, "found it") {
		t.Fatalf("result content: %q", result.Content)
	}

	// The second request must carry the tool exchange back to the model.
	second := env.provider.requests[1]
	var sawToolMsg bool
	for _, msg := range second.Messages {
		if msg.Role == "tool" && msg.ToolCallID == "call_1" {
			sawToolMsg = true
		}
	}
	if !sawToolMsg {
		t.Fatal("second request missing tool result message")
	}
}

func TestDenialNeverInvokesTool(t *testing.T) {
	cfg := testConfig()
	cfg.Approval.Mode = "ask"
	spy := &spyTool{name: "bash", result: tools.Ok("should not happen")}
	env := newTestEnv(t, cfg, []provider.ChatResponse{
		{ToolCalls: []chat.ToolCall{toolCall("call_1", "bash", `{"command":"rm -rf /"}`)}},
		{Content: "Understood.", FinishReason: "stop"},
	}, nil, spy)

	ev := &Events{
		OnApproval: func(callID, name string, args json.RawMessage) {
			go env.runner.Resolve(callID, false)
		},
	}
	if err := env.runner.Run(context.Background(), env.session.ID, "clean up", ev); err != nil {
		t.Fatalf("run: %v", err)
	}
	if spy.calls != 0 {
		t.Fatalf("denied tool was invoked %d times", spy.calls)
	}

	turns := allTurns(t, env.store, env.session.ID)
	assertNoOrphans(t, turns)
	for _, turn := range turns {
		if turn.Kind == storage.TurnToolResult {
			if !turn.IsError || !strings.Contains(turn.Content, "denied") {
				t.Fatalf("denial result: %+v", turn)
			}
		}
	}
}

func TestApprovalAllowsExecution(t *testing.T) {
	cfg := testConfig()
	cfg.Approval.Mode = "ask"
	spy := &spyTool{name: "bash", result: tools.Ok("ok")}
	env := newTestEnv(t, cfg, []provider.ChatResponse{
		{ToolCalls: []chat.ToolCall{toolCall("call_1", "bash", `{"command":"ls"}`)}},
		{Content: "Listed.", FinishReason: "stop"},
	}, nil, spy)

	ev := &Events{
		OnApproval: func(callID, name string, args json.RawMessage) {
			go env.runner.Resolve(callID, true)
		},
	}
	if err := env.runner.Run(context.Background(), env.session.ID, "list files", ev); err != nil {
		t.Fatalf("run: %v", err)
	}
	if spy.calls != 1 {
		t.Fatalf("approved tool calls: got=%d want=1", spy.calls)
	}
}

func TestRiskyCallEscalatesUnderAutoMode(t *testing.T) {
	// Approval mode auto would normally dispatch without asking; a flagged
	// invocation must still stop for a decision.
	spy := &spyTool{name: "bash", result: tools.Ok("gone"), risky: true}
	env := newTestEnv(t, testConfig(), []provider.ChatResponse{
		{ToolCalls: []chat.ToolCall{toolCall("call_1", "bash", `{"command":"rm -rf /"}`)}},
		{Content: "Understood.", FinishReason: "stop"},
	}, nil, spy)

	var asked bool
	ev := &Events{
		OnApproval: func(callID, name string, args json.RawMessage) {
			asked = true
			go env.runner.Resolve(callID, false)
		},
	}
	if err := env.runner.Run(context.Background(), env.session.ID, "clean up", ev); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !asked {
		t.Fatal("flagged invocation never asked for a decision")
	}
	if spy.calls != 0 {
		t.Fatalf("denied risky tool was invoked %d times", spy.calls)
	}
}

func TestRealBashCommandEscalatesUnderAutoMode(t *testing.T) {
	env := newTestEnv(t, testConfig(), []provider.ChatResponse{
		{ToolCalls: []chat.ToolCall{toolCall("call_1", "bash", `{"command":"rm -rf /tmp/x"}`)}},
		{Content: "OK.", FinishReason: "stop"},
	}, nil, tools.NewBashTool(0))

	var asked bool
	ev := &Events{
		OnApproval: func(callID, name string, args json.RawMessage) {
			asked = true
			go env.runner.Resolve(callID, false)
		},
	}
	if err := env.runner.Run(context.Background(), env.session.ID, "go", ev); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !asked {
		t.Fatal("destructive shell command ran without a decision")
	}
}

func TestPolicyDenyIsSynthetic(t *testing.T) {
	cfg := testConfig()
	cfg.Approval.Tools = map[string]string{"bash": "deny"}
	spy := &spyTool{name: "bash", result: tools.Ok("nope")}
	env := newTestEnv(t, cfg, []provider.ChatResponse{
		{ToolCalls: []chat.ToolCall{toolCall("call_1", "bash", `{}`)}},
		{Content: "OK.", FinishReason: "stop"},
	}, nil, spy)

	if err := env.runner.Run(context.Background(), env.session.ID, "go", nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if spy.calls != 0 {
		t.Fatal("policy-denied tool was invoked")
	}
}

func TestInvalidArgumentsBecomeSyntheticResult(t *testing.T) {
	spy := &spyTool{name: "lookup", result: tools.Ok("x")}
	env := newTestEnv(t, testConfig(), []provider.ChatResponse{
		{ToolCalls: []chat.ToolCall{toolCall("call_1", "lookup", `{"broken`)}},
		{Content: "Recovered.", FinishReason: "stop"},
	}, nil, spy)

	if err := env.runner.Run(context.Background(), env.session.ID, "go", nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if spy.calls != 0 {
		t.Fatal("tool invoked despite unparseable arguments")
	}

	turns := allTurns(t, env.store, env.session.ID)
	assertNoOrphans(t, turns)
	for _, turn := range turns {
		if turn.Kind == storage.TurnToolResult && !turn.IsError {
			t.Fatalf("parse failure result not marked error: %+v", turn)
		}
	}
}

func TestUnresolvedLoopTerminates(t *testing.T) {
	cfg := testConfig()
	// Window 3, retry limit 2: flags on iterations 3 and 6.
	spy := &spyTool{name: "grep", result: tools.Ok("no matches")}
	responses := make([]provider.ChatResponse, 0, 10)
	for i := 0; i < 10; i++ {
		responses = append(responses, provider.ChatResponse{
			ToolCalls: []chat.ToolCall{toolCall(fmt.Sprintf("call_%d", i), "grep", `{"pattern":"x"}`)},
		})
	}
	env := newTestEnv(t, cfg, responses, nil, spy)

	err := env.runner.Run(context.Background(), env.session.ID, "find it", nil)
	if !errors.Is(err, ErrUnresolvedLoop) {
		t.Fatalf("expected ErrUnresolvedLoop, got %v", err)
	}
	if env.provider.callCount != 6 {
		t.Fatalf("iterations: got=%d want=6", env.provider.callCount)
	}

	sess, _ := env.store.Session(env.session.ID)
	if sess.Status != storage.StatusError {
		t.Fatalf("status: got=%q want=error", sess.Status)
	}
	turns := allTurns(t, env.store, env.session.ID)
	assertNoOrphans(t, turns)
	last := turns[len(turns)-1]
	if last.Kind != storage.TurnText || !strings.Contains(last.Content, "aborted") {
		t.Fatalf("missing diagnostic final turn: %+v", last)
	}
}

func TestLoopHintInjectedOnce(t *testing.T) {
	cfg := testConfig()
	spy := &spyTool{name: "grep", result: tools.Ok("no matches")}
	responses := make([]provider.ChatResponse, 0, 4)
	for i := 0; i < 3; i++ {
		responses = append(responses, provider.ChatResponse{
			ToolCalls: []chat.ToolCall{toolCall(fmt.Sprintf("call_%d", i), "grep", `{}`)},
		})
	}
	responses = append(responses, provider.ChatResponse{Content: "Giving up.", FinishReason: "stop"})
	env := newTestEnv(t, cfg, responses, nil, spy)

	if err := env.runner.Run(context.Background(), env.session.ID, "find it", nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	// The flag fires after the third observation, so only the fourth
	// request carries the corrective instruction.
	for i, req := range env.provider.requests {
		hinted := strings.Contains(req.Messages[0].Content, "repeated the same tool call")
		if i == 3 && !hinted {
			t.Fatalf("request %d missing corrective instruction", i)
		}
		if i != 3 && hinted {
			t.Fatalf("request %d unexpectedly carries corrective instruction", i)
		}
	}
}

func TestParallelBatchDoesNotTriggerDetector(t *testing.T) {
	spy := &spyTool{name: "grep", result: tools.Ok("hit")}
	env := newTestEnv(t, testConfig(), []provider.ChatResponse{
		{ToolCalls: []chat.ToolCall{
			toolCall("call_1", "grep", `{}`),
			toolCall("call_2", "grep", `{}`),
			toolCall("call_3", "grep", `{}`),
		}},
		{Content: "Done.", FinishReason: "stop"},
	}, nil, spy)

	if err := env.runner.Run(context.Background(), env.session.ID, "go", nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if spy.calls != 3 {
		t.Fatalf("batch executions: got=%d want=3", spy.calls)
	}

	turns := allTurns(t, env.store, env.session.ID)
	assertNoOrphans(t, turns)

	// Result turns keep call order.
	var resultIDs []string
	for _, turn := range turns {
		if turn.Kind == storage.TurnToolResult {
			resultIDs = append(resultIDs, turn.CallID)
		}
	}
	if strings.Join(resultIDs, ",") != "call_1,call_2,call_3" {
		t.Fatalf("result order: %v", resultIDs)
	}
}

func TestMaxIterationsTerminates(t *testing.T) {
	cfg := testConfig()
	cfg.Runtime.MaxIterations = 4
	spyA := &spyTool{name: "read", result: tools.Ok("a")}
	spyB := &spyTool{name: "grep", result: tools.Ok("b")}
	responses := make([]provider.ChatResponse, 0, 8)
	for i := 0; i < 8; i++ {
		name := "read"
		if i%2 == 1 {
			name = "grep"
		}
		responses = append(responses, provider.ChatResponse{
			ToolCalls: []chat.ToolCall{toolCall(fmt.Sprintf("call_%d", i), name, `{}`)},
		})
	}
	env := newTestEnv(t, cfg, responses, nil, spyA, spyB)

	err := env.runner.Run(context.Background(), env.session.ID, "go", nil)
	if !errors.Is(err, ErrMaxIterations) {
		t.Fatalf("expected ErrMaxIterations, got %v", err)
	}
	if env.provider.callCount != 4 {
		t.Fatalf("iterations: got=%d want=4", env.provider.callCount)
	}
	sess, _ := env.store.Session(env.session.ID)
	if sess.Status != storage.StatusError {
		t.Fatalf("status: got=%q want=error", sess.Status)
	}
	assertNoOrphans(t, allTurns(t, env.store, env.session.ID))
}

type cancellingTool struct {
	cancel func()
}

func (c *cancellingTool) Name() string { return "slow" }

func (c *cancellingTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:       "slow",
			Parameters: map[string]any{"type": "object"},
		},
	}
}

func (c *cancellingTool) Execute(_ context.Context, _ json.RawMessage, _ *tools.Context) tools.Result {
	c.cancel()
	return tools.Ok("done before cancel landed")
}

func TestCancellationLeavesIdleWithTokens(t *testing.T) {
	ct := &cancellingTool{}
	env := newTestEnv(t, testConfig(), []provider.ChatResponse{
		{ToolCalls: []chat.ToolCall{toolCall("call_1", "slow", `{}`)},
			Usage: provider.Usage{PromptTokens: 30, CompletionTokens: 12}},
		{Content: "never reached", FinishReason: "stop"},
	}, nil, ct)

	ct.cancel = func() { env.runner.Cancel(env.session.ID) }

	err := env.runner.Run(context.Background(), env.session.ID, "go", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	sess, _ := env.store.Session(env.session.ID)
	if sess.Status != storage.StatusIdle {
		t.Fatalf("status after cancel: got=%q want=idle", sess.Status)
	}
	if sess.InputTokens != 30 || sess.OutputTokens != 12 {
		t.Fatalf("tokens after cancel: got=%d/%d want=30/12", sess.InputTokens, sess.OutputTokens)
	}
	assertNoOrphans(t, allTurns(t, env.store, env.session.ID))
}

func TestTransientErrorsAreRetried(t *testing.T) {
	env := newTestEnv(t, testConfig(), []provider.ChatResponse{
		{}, {}, {Content: "Recovered.", FinishReason: "stop"},
	}, []error{
		&provider.APIError{Status: 503},
		&provider.APIError{Status: 429},
		nil,
	})

	if err := env.runner.Run(context.Background(), env.session.ID, "go", nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if env.provider.callCount != 3 {
		t.Fatalf("attempts: got=%d want=3", env.provider.callCount)
	}
	sess, _ := env.store.Session(env.session.ID)
	if sess.Status != storage.StatusCompleted {
		t.Fatalf("status: got=%q want=completed", sess.Status)
	}
}

func TestNonTransientErrorIsFatal(t *testing.T) {
	env := newTestEnv(t, testConfig(), []provider.ChatResponse{{}},
		[]error{&provider.APIError{Status: 401}})

	err := env.runner.Run(context.Background(), env.session.ID, "go", nil)
	if err == nil {
		t.Fatal("expected fatal error")
	}
	if env.provider.callCount != 1 {
		t.Fatalf("attempts: got=%d want=1 (no retry on auth failure)", env.provider.callCount)
	}
	sess, _ := env.store.Session(env.session.ID)
	if sess.Status != storage.StatusError {
		t.Fatalf("status: got=%q want=error", sess.Status)
	}
}

type imageTool struct{}

func (imageTool) Name() string { return "screenshot" }

func (imageTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:       "screenshot",
			Parameters: map[string]any{"type": "object"},
		},
	}
}

func (imageTool) Execute(_ context.Context, _ json.RawMessage, _ *tools.Context) tools.Result {
	res := tools.Ok("captured")
	res.Data = &tools.ResultData{
		ImageDataURL: "data:image/png;base64,AAAA",
		ImageCaption: "the screen",
	}
	return res
}

func TestImageResultFoldsIntoNextTurn(t *testing.T) {
	env := newTestEnv(t, testConfig(), []provider.ChatResponse{
		{ToolCalls: []chat.ToolCall{toolCall("call_1", "screenshot", `{}`)}},
		{Content: "I see it.", FinishReason: "stop"},
	}, nil, imageTool{})

	if err := env.runner.Run(context.Background(), env.session.ID, "look", nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	second := env.provider.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "user" || len(last.MultiContent) == 0 {
		t.Fatalf("image not folded into a user multimodal message: %+v", last)
	}
	img, ok := last.MultiContent[len(last.MultiContent)-1].(chat.ImageContent)
	if !ok || img.ImageURL.URL != "data:image/png;base64,AAAA" {
		t.Fatalf("image part: %+v", last.MultiContent)
	}
}

func TestWriteToolFeedsFileChangeLedger(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatalf("mk git dir: %v", err)
	}

	res := tools.Ok("updated main.go (+3/-1)")
	res.Data = &tools.ResultData{FileChanges: []storage.FileChange{
		{Path: "main.go", Added: 3, Deleted: 1, Status: storage.FileChangePending},
	}}
	spy := &spyTool{name: "write_file", result: res, writes: true}

	env := newTestEnv(t, testConfig(), []provider.ChatResponse{
		{ToolCalls: []chat.ToolCall{toolCall("call_1", "write_file", `{}`)}},
		{Content: "Done.", FinishReason: "stop"},
	}, nil, spy)

	sessWithCWD, err := env.store.CreateSession(storage.CreateSessionParams{Title: "ws", CWD: dir})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := env.runner.Run(context.Background(), sessWithCWD.ID, "edit it", nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	changes, err := env.store.FileChanges(sessWithCWD.ID)
	if err != nil {
		t.Fatalf("load changes: %v", err)
	}
	if len(changes) != 1 || changes[0].Path != "main.go" || changes[0].Added != 3 {
		t.Fatalf("ledger: %+v", changes)
	}
}

func TestHistoryReplayIsDeterministic(t *testing.T) {
	spy := &spyTool{name: "lookup", result: tools.Ok("v")}
	env := newTestEnv(t, testConfig(), []provider.ChatResponse{
		{ToolCalls: []chat.ToolCall{toolCall("call_1", "lookup", `{"q":"x"}`)}},
		{Content: "First answer.", FinishReason: "stop"},
	}, nil, spy)

	if err := env.runner.Run(context.Background(), env.session.ID, "q1", nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	turns := allTurns(t, env.store, env.session.ID)
	a := messagesFromTurns(turns)
	b := messagesFromTurns(turns)
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	if string(aj) != string(bj) {
		t.Fatal("replay produced different message lists")
	}

	// The reconstruction matches what the second model request saw.
	reqHistory := env.provider.requests[1].Messages[1:] // skip system
	partial := messagesFromTurns(turns[:len(turns)-2])  // before the final text and summary turns
	rj, _ := json.Marshal(reqHistory)
	pj, _ := json.Marshal(partial)
	if string(rj) != string(pj) {
		t.Fatalf("request history mismatch:\n%s\n%s", rj, pj)
	}
}
