package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"agentd/internal/chat"
	"agentd/internal/config"
	"agentd/internal/contextmgr"
	"agentd/internal/loopdetect"
	"agentd/internal/permission"
	"agentd/internal/provider"
	"agentd/internal/security"
	"agentd/internal/storage"
	"agentd/internal/tools"
)

var (
	// ErrUnresolvedLoop reports a run killed by the loop detector.
	ErrUnresolvedLoop = errors.New("unresolved tool loop")
	// ErrMaxIterations reports a run that hit the iteration ceiling.
	ErrMaxIterations = errors.New("iteration ceiling reached")
)

// ProviderResolver maps a model identifier to a backend client and the
// bare model id the backend expects. Satisfied by provider.Registry.
type ProviderResolver interface {
	Resolve(model string) (provider.Provider, string, error)
}

// Runner 驱动智能体主循环, 每次 Run 调用独占一个会话
// Runner drives one session per Run call: rebuild context, stream a
// completion, branch on final text versus tool calls, dispatch tools
// through the permission gate and loop detector, persist every turn, and
// repeat. Runtime state (cancel handles, pending approvals) lives only in
// memory and dies with the process.
type Runner struct {
	store     storage.Store
	providers ProviderResolver
	registry  *tools.Registry
	gate      *permission.Gate
	policy    *permission.Policy
	cfg       config.Config
	logger    *slog.Logger
	tokenizer *contextmgr.Tokenizer

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func New(store storage.Store, providers ProviderResolver, registry *tools.Registry, gate *permission.Gate, policy *permission.Policy, cfg config.Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:     store,
		providers: providers,
		registry:  registry,
		gate:      gate,
		policy:    policy,
		cfg:       cfg,
		logger:    logger.With("component", "runner"),
		tokenizer: contextmgr.Default(),
		active:    map[string]context.CancelFunc{},
	}
}

// Resolve answers an outstanding approval request.
func (r *Runner) Resolve(callID string, approved bool) bool {
	return r.gate.Resolve(callID, approved)
}

// Pending lists approval requests waiting on a decision.
func (r *Runner) Pending() []permission.Request {
	return r.gate.Pending()
}

// Cancel aborts a running session. Reports whether a run was active.
func (r *Runner) Cancel(sessionID string) bool {
	r.mu.Lock()
	cancel, ok := r.active[sessionID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// runState is the per-run mutable state a session exclusively owns while
// running. Discarded at the end of the run, never persisted.
type runState struct {
	session       storage.Session
	provider      provider.Provider
	modelID       string
	workspace     *security.Workspace
	detector      *loopdetect.Detector
	todos         []storage.TodoItem
	memory        string
	pendingImages []chat.Message

	startedAt    time.Time
	inputTokens  int64
	outputTokens int64
}

// Run drives sessionID until a final answer, a fatal error, cancellation,
// or the iteration ceiling. prompt may be empty when resuming a session
// that already ends with an unanswered user prompt.
func (r *Runner) Run(ctx context.Context, sessionID, prompt string, ev *Events) error {
	sess, err := r.store.Session(sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	model := sess.Model
	if model == "" {
		model = r.cfg.Model
	}
	prov, modelID, err := r.providers.Resolve(model)
	if err != nil {
		r.finish(sessionID, storage.StatusError, "Configuration error: "+err.Error(), ev)
		return err
	}

	st := &runState{
		session:   sess,
		provider:  prov,
		modelID:   modelID,
		detector:  loopdetect.New(r.cfg.Runtime.LoopWindow, r.cfg.Runtime.LoopRetryLimit),
		startedAt: time.Now(),
	}
	if sess.CWD != "" {
		ws, err := security.NewWorkspace(sess.CWD)
		if err != nil {
			r.finish(sessionID, storage.StatusError, "Workspace error: "+err.Error(), ev)
			return err
		}
		st.workspace = ws
		st.memory = tools.ReadMemory(ws.Root())
	}
	if todos, err := r.store.Todos(sessionID); err == nil {
		st.todos = todos
	}

	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.active[sessionID] = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.active, sessionID)
		r.mu.Unlock()
	}()

	if err := r.store.SetStatus(sessionID, storage.StatusRunning); err != nil {
		return fmt.Errorf("mark session running: %w", err)
	}
	if prompt != "" {
		if err := r.store.RecordTurn(sessionID, storage.Turn{
			Kind:    storage.TurnUserPrompt,
			Content: prompt,
		}); err != nil {
			return fmt.Errorf("record prompt: %w", err)
		}
	}

	r.logger.Info("run started", "session_id", sessionID, "model", model)
	return r.loop(ctx, sessionID, st, ev)
}

func (r *Runner) loop(ctx context.Context, sessionID string, st *runState, ev *Events) error {
	maxIter := r.cfg.Runtime.MaxIterations
	for iter := 0; iter < maxIter; iter++ {
		if ctx.Err() != nil {
			return r.cancelled(sessionID, ctx.Err())
		}

		req, err := r.buildRequest(sessionID, st)
		if err != nil {
			r.finish(sessionID, storage.StatusError, "Internal error: "+err.Error(), ev)
			return err
		}

		resp, err := r.streamWithRetry(ctx, st.provider, req, ev)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return r.cancelled(sessionID, err)
			}
			r.finish(sessionID, storage.StatusError, "Backend unavailable: "+err.Error(), ev)
			return err
		}
		if resp.Usage.PromptTokens > 0 || resp.Usage.CompletionTokens > 0 {
			st.inputTokens += int64(resp.Usage.PromptTokens)
			st.outputTokens += int64(resp.Usage.CompletionTokens)
			if err := r.store.AddTokenUsage(sessionID, int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens)); err != nil {
				r.logger.Warn("token accounting failed", "session_id", sessionID, "error", err)
			}
		}
		st.pendingImages = nil

		if len(resp.ToolCalls) == 0 {
			text := cleanResponse(resp.Content)
			if err := r.store.RecordTurn(sessionID, storage.Turn{
				Kind:    storage.TurnText,
				Content: text,
			}); err != nil {
				return fmt.Errorf("record final text: %w", err)
			}
			if err := r.store.RecordTurn(sessionID, storage.Turn{
				Kind:    storage.TurnRunSummary,
				Content: runSummary(iter+1, time.Since(st.startedAt), st.inputTokens, st.outputTokens),
			}); err != nil {
				return fmt.Errorf("record run summary: %w", err)
			}
			if err := r.store.SetStatus(sessionID, storage.StatusCompleted); err != nil {
				return fmt.Errorf("mark session completed: %w", err)
			}
			ev.final(text)
			r.logger.Info("run completed", "session_id", sessionID, "iterations", iter+1)
			return nil
		}

		if err := r.recordToolUse(sessionID, resp); err != nil {
			return err
		}

		verdict := st.detector.Observe(resp.ToolCalls)
		if verdict == loopdetect.Exhausted {
			for _, call := range resp.ToolCalls {
				r.recordResult(sessionID, call, tools.Fail("aborted: repeated tool call loop"))
			}
			diag := fmt.Sprintf("Run aborted: the same tool call repeated without progress %d times.", st.detector.Retries())
			r.finish(sessionID, storage.StatusError, diag, ev)
			return ErrUnresolvedLoop
		}

		for _, call := range resp.ToolCalls {
			res := r.executeCall(ctx, sessionID, st, call, ev)
			r.recordResult(sessionID, call, res)
		}
		if ctx.Err() != nil {
			return r.cancelled(sessionID, ctx.Err())
		}
	}

	diag := fmt.Sprintf("Run aborted: iteration ceiling of %d reached without a final answer.", maxIter)
	r.finish(sessionID, storage.StatusError, diag, ev)
	return ErrMaxIterations
}

func (r *Runner) buildRequest(sessionID string, st *runState) (provider.ChatRequest, error) {
	page, err := r.store.HistoryPage(sessionID, r.cfg.Runtime.HistoryLimit, "")
	if err != nil {
		return provider.ChatRequest{}, fmt.Errorf("load history: %w", err)
	}
	history := contextmgr.Trim(messagesFromTurns(page.Turns), r.cfg.Runtime.HistoryLimit, r.cfg.Runtime.ContextTokens, r.tokenizer)

	wsRoot := ""
	if st.workspace != nil {
		wsRoot = st.workspace.Root()
	}
	defs := r.registry.DefinitionsFiltered(st.session.AllowedTools)
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Function.Name)
	}
	system := buildSystemPrompt(names, wsRoot, st.todos, st.memory)
	if st.detector.TakeHint() {
		system += "\n\n" + loopHint
	}

	messages := make([]chat.Message, 0, len(history)+2)
	messages = append(messages, chat.Message{Role: "system", Content: system})
	messages = append(messages, history...)
	messages = append(messages, st.pendingImages...)

	temp := st.session.Temperature
	if temp == nil {
		temp = r.cfg.Temperature
	}
	return provider.ChatRequest{
		Model:         st.modelID,
		Messages:      messages,
		Tools:         defs,
		Temperature:   temp,
		ParallelCalls: true,
	}, nil
}

func (r *Runner) streamWithRetry(ctx context.Context, prov provider.Provider, req provider.ChatRequest, ev *Events) (provider.ChatResponse, error) {
	cb := &provider.StreamCallbacks{
		OnBlockStart: ev.blockStart,
		OnTextChunk:  ev.textChunk,
		OnBlockStop:  ev.blockStop,
	}
	retries := r.cfg.Runtime.StreamRetries
	base := time.Duration(r.cfg.Runtime.BackoffBaseMS) * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := base * (1 << (attempt - 1))
			r.logger.Warn("retrying stream", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return provider.ChatResponse{}, ctx.Err()
			}
		}
		resp, err := prov.Chat(ctx, req, cb)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !provider.IsTransient(err) {
			return provider.ChatResponse{}, err
		}
	}
	return provider.ChatResponse{}, fmt.Errorf("stream failed after %d retries: %w", retries, lastErr)
}

// recordToolUse persists one completion's assistant output as a unit:
// optional text turn first, then one tool_use turn per call in receipt
// order.
func (r *Runner) recordToolUse(sessionID string, resp provider.ChatResponse) error {
	if resp.Content != "" {
		if err := r.store.RecordTurn(sessionID, storage.Turn{
			Kind:    storage.TurnText,
			Content: resp.Content,
		}); err != nil {
			return fmt.Errorf("record assistant text: %w", err)
		}
	}
	for _, call := range resp.ToolCalls {
		if err := r.store.RecordTurn(sessionID, storage.Turn{
			Kind:      storage.TurnToolUse,
			ToolName:  call.Function.Name,
			ToolInput: call.Function.Arguments,
			CallID:    call.ID,
		}); err != nil {
			return fmt.Errorf("record tool use: %w", err)
		}
	}
	return nil
}

// executeCall takes one tool call through defensive parsing, the approval
// policy, the gate, and dispatch. Every failure mode comes back as a
// synthetic result so the model observes it; nothing here is fatal.
func (r *Runner) executeCall(ctx context.Context, sessionID string, st *runState, call chat.ToolCall, ev *Events) tools.Result {
	name := call.Function.Name
	args := json.RawMessage(call.Function.Arguments)

	if ctx.Err() != nil {
		return tools.Fail("cancelled before execution")
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if !json.Valid(args) {
		return tools.Fail("invalid tool arguments: not valid JSON")
	}

	decision := r.policy.Decide(name)
	if decision == permission.DecisionAllow {
		// A risky invocation needs a human decision even when the policy
		// would wave the tool through.
		if risky, reason := r.registry.AssessRisk(name, args); risky {
			r.logger.Info("risky invocation escalated", "session_id", sessionID, "tool", name, "reason", reason)
			decision = permission.DecisionAsk
		}
	}
	switch decision {
	case permission.DecisionDeny:
		return tools.Fail("execution denied by policy")
	case permission.DecisionAsk:
		// Register before announcing so a decision arriving immediately
		// after the prompt is not lost.
		if !r.gate.Prepare(call.ID, name, args) {
			return tools.Fail("execution denied")
		}
		ev.approval(call.ID, name, args)
		if !r.gate.Wait(ctx, call.ID) {
			return tools.Fail("execution denied")
		}
	}

	ev.toolStart(call.ID, name, args)
	tc := &tools.Context{
		SessionID: sessionID,
		OnTodos:   func(items []storage.TodoItem) { st.todos = items },
	}
	if st.workspace != nil {
		tc.Workspace = st.workspace.Root()
		tc.IsPathSafe = st.workspace.IsSafe
	}

	res := r.registry.Execute(ctx, name, args, tc)
	res.Output = trimOutput(security.SanitizeOutput(res.Output), r.cfg.Runtime.MaxToolOutput)
	res.Error = security.SanitizeOutput(res.Error)

	if res.Success {
		r.applySideEffects(sessionID, st, name, res)
	}
	ev.toolDone(call.ID, name, res)
	r.logger.Debug("tool executed", "session_id", sessionID, "tool", name, "success", res.Success)
	return res
}

// applySideEffects folds a successful tool result into run state: the
// file-change ledger for write-producing tools when the workspace is a git
// repo, the memory cache after the memory tool, and pending image payloads.
func (r *Runner) applySideEffects(sessionID string, st *runState, name string, res tools.Result) {
	if res.Data == nil {
		if r.registry.RefreshesMemory(name) && st.workspace != nil {
			st.memory = tools.ReadMemory(st.workspace.Root())
		}
		return
	}
	if len(res.Data.FileChanges) > 0 && r.registry.WritesFiles(name) &&
		st.workspace != nil && st.workspace.HasGitRepo() {
		if err := r.store.AddFileChanges(sessionID, res.Data.FileChanges); err != nil {
			r.logger.Warn("file-change ledger update failed", "session_id", sessionID, "error", err)
		}
	}
	if r.registry.RefreshesMemory(name) && st.workspace != nil {
		st.memory = tools.ReadMemory(st.workspace.Root())
	}
	if res.Data.ImageDataURL != "" {
		st.pendingImages = append(st.pendingImages, chat.ImageMessage(res.Data.ImageCaption, res.Data.ImageDataURL))
	}
}

func (r *Runner) recordResult(sessionID string, call chat.ToolCall, res tools.Result) {
	if err := r.store.RecordTurn(sessionID, storage.Turn{
		Kind:     storage.TurnToolResult,
		ToolName: call.Function.Name,
		CallID:   call.ID,
		IsError:  !res.Success,
		Content:  resultContent(res.Success, res.Output, res.Error),
	}); err != nil {
		r.logger.Error("record tool result failed", "session_id", sessionID, "call_id", call.ID, "error", err)
	}
}

// cancelled flips the session back to idle. Token counters already hold
// their last accumulated values.
func (r *Runner) cancelled(sessionID string, cause error) error {
	if err := r.store.SetStatus(sessionID, storage.StatusIdle); err != nil {
		r.logger.Error("mark session idle failed", "session_id", sessionID, "error", err)
	}
	r.logger.Info("run cancelled", "session_id", sessionID)
	return cause
}

// finish persists a fatal diagnostic as the final text turn and sets the
// terminal status.
func (r *Runner) finish(sessionID, status, finalText string, ev *Events) {
	if finalText != "" {
		if err := r.store.RecordTurn(sessionID, storage.Turn{
			Kind:    storage.TurnText,
			Content: finalText,
		}); err != nil {
			r.logger.Error("record final turn failed", "session_id", sessionID, "error", err)
		}
	}
	if err := r.store.SetStatus(sessionID, status); err != nil {
		r.logger.Error("set session status failed", "session_id", sessionID, "status", status, "error", err)
	}
	ev.final(finalText)
}
