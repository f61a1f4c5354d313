package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"agentd/internal/chat"
	"agentd/internal/security"
)

const defaultCommandTimeout = 2 * time.Minute

// BashTool 在工作区根目录执行 shell 命令
// BashTool runs a shell command at the workspace root. Output trimming
// and secret redaction happen in the runner, uniformly for all tools.
type BashTool struct {
	timeout time.Duration
}

func NewBashTool(timeout time.Duration) *BashTool {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	return &BashTool{timeout: timeout}
}

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) WritesFiles() bool { return true }

// AssessRisk 对即将执行的命令做静态风险检查
// AssessRisk statically inspects the command before the runner dispatches
// it, so destructive invocations reach a human even under a lenient policy.
func (t *BashTool) AssessRisk(args json.RawMessage) (bool, string) {
	var in struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return true, "command arguments could not be parsed"
	}
	risk := security.AnalyzeCommand(in.Command)
	return risk.RequireApproval, risk.Reason
}

func (t *BashTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Run a shell command in the workspace root",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string"},
				},
				"required": []string{"command"},
			},
		},
	}
}

func (t *BashTool) Execute(ctx context.Context, args json.RawMessage, tc *Context) Result {
	var in struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Fail(fmt.Sprintf("bash args: %v", err))
	}
	if strings.TrimSpace(in.Command) == "" {
		return Fail("bash command is empty")
	}

	execCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "/bin/sh", "-lc", in.Command)
	if tc != nil && tc.Workspace != "" {
		cmd.Dir = tc.Workspace
	}

	out, err := cmd.CombinedOutput()
	text := strings.TrimRight(string(out), "\n")
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return Fail(fmt.Sprintf("command timed out after %s\n%s", t.timeout, text))
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Fail(fmt.Sprintf("exit code %d\n%s", exitErr.ExitCode(), text))
		}
		return Fail(fmt.Sprintf("run command: %v", err))
	}
	return Ok(text)
}
