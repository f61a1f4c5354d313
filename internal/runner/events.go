package runner

import (
	"encoding/json"

	"agentd/internal/tools"
)

// Events 向界面层回传细粒度的运行进度
// Events receives fine-grained run progress for UI surfaces. Every field
// is optional; a nil callback is skipped.
type Events struct {
	// Streaming assistant text.
	OnBlockStart func()
	OnTextChunk  func(chunk string)
	OnBlockStop  func()

	// Tool lifecycle.
	OnToolStart func(callID, name string, args json.RawMessage)
	OnToolDone  func(callID, name string, res tools.Result)

	// OnApproval fires when a tool call is waiting on an interactive
	// decision; the receiver answers through Runner.Resolve.
	OnApproval func(callID, name string, args json.RawMessage)

	// OnFinal carries the cleaned final answer.
	OnFinal func(text string)
}

func (e *Events) blockStart() {
	if e != nil && e.OnBlockStart != nil {
		e.OnBlockStart()
	}
}

func (e *Events) textChunk(chunk string) {
	if e != nil && e.OnTextChunk != nil {
		e.OnTextChunk(chunk)
	}
}

func (e *Events) blockStop() {
	if e != nil && e.OnBlockStop != nil {
		e.OnBlockStop()
	}
}

func (e *Events) toolStart(callID, name string, args json.RawMessage) {
	if e != nil && e.OnToolStart != nil {
		e.OnToolStart(callID, name, args)
	}
}

func (e *Events) toolDone(callID, name string, res tools.Result) {
	if e != nil && e.OnToolDone != nil {
		e.OnToolDone(callID, name, res)
	}
}

func (e *Events) approval(callID, name string, args json.RawMessage) {
	if e != nil && e.OnApproval != nil {
		e.OnApproval(callID, name, args)
	}
}

func (e *Events) final(text string) {
	if e != nil && e.OnFinal != nil {
		e.OnFinal(text)
	}
}
