package permission

import (
	"strings"

	"agentd/internal/config"
)

type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionAsk   Decision = "ask"
	DecisionDeny  Decision = "deny"
)

// Policy 将工具名映射到静态审批决策
// Policy maps a tool name to a static decision. The gate only enters the
// picture when the decision is ask.
type Policy struct {
	mode  Decision
	tools map[string]Decision
}

func NewPolicy(cfg config.ApprovalConfig) *Policy {
	mode := DecisionAsk
	if strings.EqualFold(strings.TrimSpace(cfg.Mode), "auto") {
		mode = DecisionAllow
	}
	tools := make(map[string]Decision, len(cfg.Tools))
	for name, rule := range cfg.Tools {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		tools[name] = normalizeDecision(rule, mode)
	}
	return &Policy{mode: mode, tools: tools}
}

func (p *Policy) Decide(toolName string) Decision {
	name := strings.ToLower(strings.TrimSpace(toolName))
	if name == "" {
		return DecisionDeny
	}
	if d, ok := p.tools[name]; ok {
		return d
	}
	return p.mode
}

func normalizeDecision(raw string, fallback Decision) Decision {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "allow":
		return DecisionAllow
	case "ask":
		return DecisionAsk
	case "deny":
		return DecisionDeny
	default:
		return fallback
	}
}
