package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"agentd/internal/chat"
	"agentd/internal/storage"
)

type TodoStore interface {
	SaveTodos(sessionID string, items []storage.TodoItem) error
	Todos(sessionID string) ([]storage.TodoItem, error)
}

// TodoTool 整体替换会话的任务清单
// TodoTool replaces the session's todo list. The runner mirrors the saved
// list into the system prompt on the next iteration via Context.OnTodos.
type TodoTool struct {
	store TodoStore
}

func NewTodoTool(store TodoStore) *TodoTool {
	return &TodoTool{store: store}
}

func (t *TodoTool) Name() string { return "todo_write" }

func (t *TodoTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Replace the todo list for the current session. Use it to plan multi-step work and mark progress.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"todos": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"id":      map[string]any{"type": "string"},
								"content": map[string]any{"type": "string"},
								"status":  map[string]any{"type": "string", "enum": []string{"pending", "in_progress", "completed", "cancelled"}},
							},
							"required": []string{"content", "status"},
						},
					},
				},
				"required": []string{"todos"},
			},
		},
	}
}

func (t *TodoTool) Execute(_ context.Context, args json.RawMessage, tc *Context) Result {
	if t.store == nil {
		return Fail("todo store unavailable")
	}
	if tc == nil || tc.SessionID == "" {
		return Fail("todo session is unavailable")
	}
	var in struct {
		Todos []storage.TodoItem `json:"todos"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Fail(fmt.Sprintf("todo_write args: %v", err))
	}

	inProgress := 0
	for i := range in.Todos {
		in.Todos[i].Status = strings.ToLower(strings.TrimSpace(in.Todos[i].Status))
		if in.Todos[i].Status == "" {
			in.Todos[i].Status = storage.TodoPending
		}
		if in.Todos[i].ID == "" {
			in.Todos[i].ID = fmt.Sprintf("todo-%d", i+1)
		}
		if in.Todos[i].Status == storage.TodoInProgress {
			inProgress++
		}
	}
	if inProgress > 1 {
		return Fail("invalid todos: only one item can be in_progress")
	}

	if err := t.store.SaveTodos(tc.SessionID, in.Todos); err != nil {
		return Fail(fmt.Sprintf("save todos: %v", err))
	}
	if tc.OnTodos != nil {
		tc.OnTodos(in.Todos)
	}

	done := 0
	for _, item := range in.Todos {
		if item.Status == storage.TodoCompleted {
			done++
		}
	}
	return Ok(fmt.Sprintf("Todo list updated: %d items, %d completed.", len(in.Todos), done))
}

// TodoReadTool reports the session's current todo list.
type TodoReadTool struct {
	store TodoStore
}

func NewTodoReadTool(store TodoStore) *TodoReadTool {
	return &TodoReadTool{store: store}
}

func (t *TodoReadTool) Name() string { return "todo_read" }

func (t *TodoReadTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Read the todo list for the current session",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	}
}

func (t *TodoReadTool) Execute(_ context.Context, _ json.RawMessage, tc *Context) Result {
	if t.store == nil {
		return Fail("todo store unavailable")
	}
	if tc == nil || tc.SessionID == "" {
		return Fail("todo session is unavailable")
	}
	items, err := t.store.Todos(tc.SessionID)
	if err != nil {
		return Fail(fmt.Sprintf("load todos: %v", err))
	}
	if len(items) == 0 {
		return Ok("Todo list is empty.")
	}
	var b strings.Builder
	for _, item := range items {
		fmt.Fprintf(&b, "[%s] %s: %s\n", item.Status, item.ID, item.Content)
	}
	return Ok(strings.TrimRight(b.String(), "\n"))
}

func FormatTodoSummary(items []storage.TodoItem) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Current todo list:\n")
	for _, item := range items {
		mark := " "
		switch item.Status {
		case storage.TodoCompleted:
			mark = "x"
		case storage.TodoInProgress:
			mark = ">"
		case storage.TodoCancelled:
			mark = "-"
		}
		fmt.Fprintf(&b, "  [%s] %s\n", mark, item.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
