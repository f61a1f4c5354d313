package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"agentd/internal/chat"
	"agentd/internal/storage"
)

// WriteTool 在工作区内整写文件内容
// WriteTool writes full file content inside the workspace. Successful
// writes carry diff stats in the result data so the runner can feed the
// file-change ledger.
type WriteTool struct{}

func NewWriteTool() *WriteTool { return &WriteTool{} }

func (t *WriteTool) Name() string { return "write_file" }

func (t *WriteTool) WritesFiles() bool { return true }

func (t *WriteTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Write full content to a file in the workspace, creating it if needed.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
				"required": []string{"path", "content"},
			},
		},
	}
}

func (t *WriteTool) Execute(_ context.Context, args json.RawMessage, tc *Context) Result {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Fail(fmt.Sprintf("write_file args: %v", err))
	}
	if tc == nil || tc.Workspace == "" {
		return Fail("workspace is unavailable")
	}
	if tc.IsPathSafe != nil && !tc.IsPathSafe(in.Path) {
		return Fail(fmt.Sprintf("path %q is outside the workspace", in.Path))
	}

	resolved := in.Path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(tc.Workspace, resolved)
	}

	original := ""
	existed := false
	if data, err := os.ReadFile(resolved); err == nil {
		existed = true
		original = string(data)
	} else if !os.IsNotExist(err) {
		return Fail(fmt.Sprintf("read original file: %v", err))
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return Fail(fmt.Sprintf("create parent directories: %v", err))
	}
	if err := os.WriteFile(resolved, []byte(in.Content), 0o644); err != nil {
		return Fail(fmt.Sprintf("write file: %v", err))
	}

	added, deleted := diffStats(original, in.Content)
	operation := "created"
	if existed {
		operation = "updated"
		if added == 0 && deleted == 0 {
			operation = "unchanged"
		}
	}

	rel := in.Path
	if r, err := filepath.Rel(tc.Workspace, resolved); err == nil {
		rel = r
	}

	res := Ok(fmt.Sprintf("%s %s (+%d/-%d, %d bytes)", operation, rel, added, deleted, len(in.Content)))
	if operation != "unchanged" {
		res.Data = &ResultData{FileChanges: []storage.FileChange{{
			Path:    rel,
			Added:   added,
			Deleted: deleted,
			Status:  storage.FileChangePending,
		}}}
	}
	return res
}
