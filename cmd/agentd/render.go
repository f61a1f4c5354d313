package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"agentd/internal/runner"
	"agentd/internal/tools"
)

var (
	toolStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("62")).Bold(true)
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	approvalStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
)

// renderer maps run events onto the terminal and answers approval prompts
// from stdin.
type renderer struct {
	runner *runner.Runner
	stdin  *bufio.Reader
}

func newRenderer(r *runner.Runner) *renderer {
	return &renderer{runner: r, stdin: bufio.NewReader(os.Stdin)}
}

func (r *renderer) events() *runner.Events {
	return &runner.Events{
		OnTextChunk: func(chunk string) {
			fmt.Print(chunk)
		},
		OnBlockStop: func() {
			fmt.Println()
		},
		OnToolStart: func(callID, name string, args json.RawMessage) {
			fmt.Println(toolStyle.Render("[tool] "+name) + " " + dimStyle.Render(compactArgs(args)))
		},
		OnToolDone: func(callID, name string, res tools.Result) {
			if res.Success {
				fmt.Println(okStyle.Render("[done] " + name))
				return
			}
			fmt.Println(errorStyle.Render("[failed] "+name) + " " + dimStyle.Render(firstLine(res.Error)))
		},
		OnApproval: func(callID, name string, args json.RawMessage) {
			go r.promptApproval(callID, name, args)
		},
	}
}

func (r *renderer) promptApproval(callID, name string, args json.RawMessage) {
	fmt.Println()
	fmt.Println(approvalStyle.Render("[approval required] " + name))
	fmt.Println(dimStyle.Render(compactArgs(args)))
	fmt.Print("allow? (y/N): ")

	line, err := r.stdin.ReadString('\n')
	approved := false
	if err == nil {
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			approved = true
		}
	}
	r.runner.Resolve(callID, approved)
}

func compactArgs(args json.RawMessage) string {
	s := strings.Join(strings.Fields(string(args)), " ")
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
