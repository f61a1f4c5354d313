package runner

import (
	"fmt"
	"strings"
	"time"

	"agentd/internal/storage"
	"agentd/internal/tools"
)

const basePrompt = `You are an autonomous coding and operations agent. You work in
iterations: reason about the task, call tools to act and observe, and
continue until the task is done, then answer in plain text.

Rules:
- Prefer acting through tools over describing what you would do.
- Keep the todo list current on multi-step work.
- When a tool fails, read its error and adapt instead of repeating the
  same call.
- Answer with final text only when the task is complete.`

const loopHint = `You have repeated the same tool call several times without
progress. Stop, reconsider the approach, and either try a different
tool or report why you are blocked.`

// buildSystemPrompt assembles the per-iteration system message from the
// tool catalogue, workspace, todo list and long-term memory. Rebuilt every
// iteration so mid-run todo and memory changes are visible to the model.
func buildSystemPrompt(toolNames []string, workspace string, todos []storage.TodoItem, memory string) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\nCurrent date: ")
	b.WriteString(time.Now().UTC().Format("2006-01-02"))

	if workspace != "" {
		fmt.Fprintf(&b, "\nWorkspace: %s", workspace)
	}
	if len(toolNames) > 0 {
		fmt.Fprintf(&b, "\nAvailable tools: %s", strings.Join(toolNames, ", "))
	}
	if summary := tools.FormatTodoSummary(todos); summary != "" {
		b.WriteString("\n\n")
		b.WriteString(summary)
	}
	if memory != "" {
		b.WriteString("\n\nLong-term memory:\n")
		b.WriteString(memory)
	}
	return b.String()
}
