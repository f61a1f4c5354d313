package permission

import (
	"context"
	"encoding/json"
	"sync"
)

// Request describes one outstanding approval request.
type Request struct {
	CallID string
	Tool   string
	Input  json.RawMessage
}

type pendingRequest struct {
	req      Request
	done     chan bool
	resolved bool
}

// Gate 把待审批的工具调用和异步到达的外部决策配对
// Gate pairs an outstanding tool invocation with an asynchronous external
// decision. State is in-memory only; a process restart loses every pending
// request and the session must be restarted by the user.
type Gate struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
}

func NewGate() *Gate {
	return &Gate{pending: map[string]*pendingRequest{}}
}

// Ask blocks until Resolve is called for callID or ctx is cancelled.
// Cancellation resolves as deny rather than leaving the request pending.
func (g *Gate) Ask(ctx context.Context, callID, tool string, input json.RawMessage) bool {
	if !g.Prepare(callID, tool, input) {
		return false
	}
	return g.Wait(ctx, callID)
}

// Prepare registers callID as outstanding ahead of Wait, so a decision
// arriving between the approval prompt and the wait is not lost. Reports
// false for a duplicate call identifier.
func (g *Gate) Prepare(callID, tool string, input json.RawMessage) bool {
	p := &pendingRequest{
		req:  Request{CallID: callID, Tool: tool, Input: input},
		done: make(chan bool, 1),
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.pending[callID]; exists {
		return false
	}
	g.pending[callID] = p
	return true
}

// Wait blocks until Resolve delivers a decision for callID or ctx is
// cancelled. An unknown callID is a deny.
func (g *Gate) Wait(ctx context.Context, callID string) bool {
	g.mu.Lock()
	p := g.pending[callID]
	g.mu.Unlock()
	if p == nil {
		return false
	}

	select {
	case approved := <-p.done:
		g.remove(callID)
		return approved
	case <-ctx.Done():
		g.remove(callID)
		return false
	}
}

// Resolve delivers a decision for callID. The entry stays registered until
// Wait consumes the decision, so a resolution that lands between Prepare and
// Wait is preserved rather than dropped. Exactly one resolution is honored
// per call identifier; later resolutions are no-ops. Reports whether the
// decision was delivered.
func (g *Gate) Resolve(callID string, approved bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[callID]
	if !ok || p.resolved {
		return false
	}
	p.resolved = true
	p.done <- approved
	return true
}

// Pending lists outstanding requests, for surfaces that show approval
// prompts.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, 0, len(g.pending))
	for _, p := range g.pending {
		if p.resolved {
			continue
		}
		out = append(out, p.req)
	}
	return out
}

// AbortAll denies every outstanding request, used when the owning session
// aborts.
func (g *Gate) AbortAll() {
	g.mu.Lock()
	pending := g.pending
	g.pending = map[string]*pendingRequest{}
	g.mu.Unlock()
	for _, p := range pending {
		if p.resolved {
			continue
		}
		p.done <- false
	}
}

func (g *Gate) remove(callID string) *pendingRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[callID]
	if !ok {
		return nil
	}
	delete(g.pending, callID)
	return p
}
