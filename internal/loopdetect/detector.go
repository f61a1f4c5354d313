// Package loopdetect guards against runaway repeated tool invocation. The
// check is purely syntactic (tool name plus raw argument string); it knows
// nothing about tool semantics.
package loopdetect

import "agentd/internal/chat"

const (
	DefaultWindow     = 5
	DefaultRetryLimit = 5
)

type entry struct {
	name string
	args string
}

// Verdict is the detector's reading of the latest batch.
type Verdict int

const (
	// Progressing means the run looks healthy.
	Progressing Verdict = iota
	// Stuck means the window filled with one repeated tool; the runner
	// should inject a corrective instruction and continue.
	Stuck
	// Exhausted means the retry ceiling was hit; the runner must terminate
	// the session with an unresolved-loop error.
	Exhausted
)

// Detector 用滑动窗口跟踪连续的单工具调用, 识别原地打转的会话
// Detector keeps a bounded sliding window of the most recent sequential
// single tool invocations. A batch of more than one call is treated as
// intentional and clears the window instead of feeding it.
type Detector struct {
	window     []entry
	size       int
	retries    int
	retryLimit int
	hintDue    bool
}

func New(window, retryLimit int) *Detector {
	if window <= 0 {
		window = DefaultWindow
	}
	if retryLimit <= 0 {
		retryLimit = DefaultRetryLimit
	}
	return &Detector{
		window:     make([]entry, 0, window),
		size:       window,
		retryLimit: retryLimit,
	}
}

// Observe feeds one turn's tool-call batch and returns the verdict.
func (d *Detector) Observe(calls []chat.ToolCall) Verdict {
	if len(calls) != 1 {
		d.window = d.window[:0]
		return Progressing
	}

	call := calls[0]
	d.window = append(d.window, entry{
		name: call.Function.Name,
		args: call.Function.Arguments,
	})
	if len(d.window) > d.size {
		d.window = d.window[1:]
	}
	if !d.flagged() {
		return Progressing
	}

	d.retries++
	d.window = d.window[:0]
	if d.retries >= d.retryLimit {
		return Exhausted
	}
	d.hintDue = true
	return Stuck
}

// TakeHint reports whether a corrective instruction should be injected into
// the next model turn, and arms it at most once per flag.
func (d *Detector) TakeHint() bool {
	if !d.hintDue {
		return false
	}
	d.hintDue = false
	return true
}

// Retries returns how many times the detector has flagged so far.
func (d *Detector) Retries() int {
	return d.retries
}

func (d *Detector) flagged() bool {
	if len(d.window) < d.size {
		return false
	}
	name := d.window[0].name
	for _, e := range d.window[1:] {
		if e.name != name {
			return false
		}
	}
	return true
}
