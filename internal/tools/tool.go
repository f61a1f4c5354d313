package tools

import (
	"context"
	"encoding/json"

	"agentd/internal/chat"
	"agentd/internal/storage"
)

// Context supplies a tool execution with its workspace, the path-safety
// predicate, the owning session, and an optional todo-change callback.
type Context struct {
	Workspace  string
	SessionID  string
	IsPathSafe func(path string) bool
	OnTodos    func(items []storage.TodoItem)
}

// ResultData is the structured side payload of a tool result. The runner
// folds an image payload back into the next model turn as a user-role
// multimodal message instead of a plain tool result.
type ResultData struct {
	ImageDataURL string               `json:"image_data_url,omitempty"`
	ImageCaption string               `json:"image_caption,omitempty"`
	FileChanges  []storage.FileChange `json:"file_changes,omitempty"`
}

// Result is the uniform outcome of a tool execution. A failed tool is an
// observation for the model, not an error for the runner.
type Result struct {
	Success bool        `json:"success"`
	Output  string      `json:"output,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    *ResultData `json:"-"`
}

func Ok(output string) Result {
	return Result{Success: true, Output: output}
}

func Fail(message string) Result {
	return Result{Success: false, Error: message}
}

// Tool is the contract every concrete capability satisfies.
type Tool interface {
	Name() string
	Definition() chat.ToolDef
	Execute(ctx context.Context, args json.RawMessage, tc *Context) Result
}

// WriteProducing marks tools whose success should feed the file-change
// ledger. The runner consults this instead of hard-coding tool names.
type WriteProducing interface {
	WritesFiles() bool
}

// MemoryTool marks the tool whose runs invalidate the runner's cached
// long-term memory.
type MemoryTool interface {
	RefreshesMemory() bool
}

// RiskAssessing marks tools that can judge a concrete invocation as risky
// before execution. A flagged call is escalated to an explicit approval
// even when the static policy would allow the tool.
type RiskAssessing interface {
	AssessRisk(args json.RawMessage) (requireApproval bool, reason string)
}
