package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agentd/internal/chat"
)

// MemoryFileName is the long-term memory file kept at the workspace root.
const MemoryFileName = "MEMORY.md"

// MemoryWriteTool 向工作区记忆文件追加长期事实
// MemoryWriteTool appends durable facts to the workspace memory file.
// The runner re-reads the file after this tool runs so the next system
// prompt carries the updated notes.
type MemoryWriteTool struct{}

func NewMemoryWriteTool() *MemoryWriteTool { return &MemoryWriteTool{} }

func (t *MemoryWriteTool) Name() string { return "memory_write" }

func (t *MemoryWriteTool) RefreshesMemory() bool { return true }

func (t *MemoryWriteTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Append a durable note to long-term memory. Use it for facts that should survive across sessions.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"note": map[string]any{
						"type":        "string",
						"description": "The fact to remember, one or two sentences",
					},
				},
				"required": []string{"note"},
			},
		},
	}
}

func (t *MemoryWriteTool) Execute(_ context.Context, args json.RawMessage, tc *Context) Result {
	var in struct {
		Note string `json:"note"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Fail(fmt.Sprintf("memory_write args: %v", err))
	}
	in.Note = strings.TrimSpace(in.Note)
	if in.Note == "" {
		return Fail("note must not be empty")
	}
	if tc == nil || tc.Workspace == "" {
		return Fail("workspace is unavailable")
	}

	path := filepath.Join(tc.Workspace, MemoryFileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Fail(fmt.Sprintf("open memory file: %v", err))
	}
	defer f.Close()

	line := fmt.Sprintf("- %s (%s)\n", in.Note, time.Now().UTC().Format("2006-01-02"))
	if _, err := f.WriteString(line); err != nil {
		return Fail(fmt.Sprintf("write memory file: %v", err))
	}
	return Ok("Noted.")
}

// ReadMemory loads the workspace memory file. A missing file is an empty
// memory, not an error.
func ReadMemory(workspace string) string {
	if workspace == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(workspace, MemoryFileName))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
