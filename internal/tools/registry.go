package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"agentd/internal/chat"
)

type Registry struct {
	tools map[string]Tool
}

func NewRegistry(ts ...Tool) *Registry {
	m := make(map[string]Tool, len(ts))
	for _, t := range ts {
		m[t.Name()] = t
	}
	return &Registry{tools: m}
}

func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

func (r *Registry) Definitions() []chat.ToolDef {
	return r.DefinitionsFiltered(nil)
}

// DefinitionsFiltered returns tool definitions, restricted to allowed names
// when allowed is non-empty.
func (r *Registry) DefinitionsFiltered(allowed []string) []chat.ToolDef {
	allowedSet := map[string]bool{}
	for _, name := range allowed {
		allowedSet[name] = true
	}
	out := make([]chat.ToolDef, 0, len(r.tools))
	for _, name := range r.Names() {
		if len(allowedSet) > 0 && !allowedSet[name] {
			continue
		}
		out = append(out, r.tools[name].Definition())
	}
	return out
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Execute validates args against the tool's declared schema, then runs it.
// An unknown tool or invalid arguments come back as a failed Result, never
// as a Go error; only the absence of a registry is a programming error.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage, tc *Context) Result {
	t, ok := r.tools[name]
	if !ok {
		return Fail(fmt.Sprintf("unknown tool: %s", name))
	}
	if err := ValidateArgs(t.Definition(), args); err != nil {
		return Fail(fmt.Sprintf("invalid arguments: %v", err))
	}
	return t.Execute(ctx, args, tc)
}

// WritesFiles reports whether the named tool produces file writes.
func (r *Registry) WritesFiles(name string) bool {
	t, ok := r.tools[name]
	if !ok {
		return false
	}
	wp, ok := t.(WriteProducing)
	return ok && wp.WritesFiles()
}

// AssessRisk asks the named tool to judge one concrete invocation. Tools
// without a risk assessor never flag.
func (r *Registry) AssessRisk(name string, args json.RawMessage) (bool, string) {
	t, ok := r.tools[name]
	if !ok {
		return false, ""
	}
	ra, ok := t.(RiskAssessing)
	if !ok {
		return false, ""
	}
	return ra.AssessRisk(args)
}

// RefreshesMemory reports whether the named tool mutates long-term memory.
func (r *Registry) RefreshesMemory(name string) bool {
	t, ok := r.tools[name]
	if !ok {
		return false
	}
	mt, ok := t.(MemoryTool)
	return ok && mt.RefreshesMemory()
}
