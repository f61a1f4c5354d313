package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agentd/internal/chat"
)

// Dispatcher is the scheduling boundary. The tool never runs timers
// itself; it hands (op, params) across and awaits the correlated answer.
type Dispatcher interface {
	Dispatch(ctx context.Context, op string, params json.RawMessage) (string, error)
}

const dispatchTimeout = 5 * time.Second

type ScheduleTool struct {
	dispatcher Dispatcher
}

func NewScheduleTool(d Dispatcher) *ScheduleTool {
	return &ScheduleTool{dispatcher: d}
}

func (t *ScheduleTool) Name() string { return "schedule_task" }

func (t *ScheduleTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Create, list, or cancel scheduled jobs. A job runs its prompt on a cron schedule.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"op": map[string]any{
						"type": "string",
						"enum": []string{"create", "list", "cancel"},
					},
					"schedule": map[string]any{
						"type":        "string",
						"description": "Cron expression or descriptor like @hourly (create only)",
					},
					"prompt": map[string]any{
						"type":        "string",
						"description": "Prompt to run when the job fires (create only)",
					},
					"job_id": map[string]any{
						"type":        "string",
						"description": "Job to cancel (cancel only)",
					},
				},
				"required": []string{"op"},
			},
		},
	}
}

func (t *ScheduleTool) Execute(ctx context.Context, args json.RawMessage, _ *Context) Result {
	if t.dispatcher == nil {
		return Fail("scheduler unavailable")
	}
	var in struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Fail(fmt.Sprintf("schedule_task args: %v", err))
	}

	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	output, err := t.dispatcher.Dispatch(ctx, in.Op, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Fail("schedule request timed out")
		}
		return Fail(err.Error())
	}
	return Ok(output)
}
