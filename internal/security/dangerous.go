package security

import (
	"errors"
	"path/filepath"
	"regexp"
	"strings"
)

// riskyCommandPattern 匹配需要人工确认的破坏性命令
// riskyCommandPattern matches destructive commands that need a human decision.
var riskyCommandPattern = regexp.MustCompile(`(^|[\s;&|()])(rm|mv|chmod|chown|dd|mkfs|kill|shutdown|reboot)([\s;&|()]|$)`)

// CommandRisk 是一条 shell 命令的静态风险评估结果
// CommandRisk is the static risk verdict for one shell command.
type CommandRisk struct {
	RequireApproval bool
	Reason          string
}

// AnalyzeCommand 对命令做静态检查, 无法解析时按危险处理
// AnalyzeCommand statically inspects a shell command before execution.
// Anything it cannot parse is treated as risky rather than waved through.
func AnalyzeCommand(command string) CommandRisk {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return CommandRisk{}
	}

	if strings.Contains(trimmed, "$(") || strings.Contains(trimmed, "`") {
		return CommandRisk{
			RequireApproval: true,
			Reason:          "contains command substitution",
		}
	}

	if _, err := splitShellWords(trimmed); err != nil {
		return CommandRisk{
			RequireApproval: true,
			Reason:          "command could not be parsed",
		}
	}

	if riskyCommandPattern.MatchString(trimmed) {
		return CommandRisk{
			RequireApproval: true,
			Reason:          "matches destructive command policy",
		}
	}

	return CommandRisk{}
}

// sensitiveBasenames 是永远不应被读取工具打开的文件名
// sensitiveBasenames lists files the read tool must never open.
var sensitiveBasenames = map[string]bool{
	".env":             true,
	".env.local":       true,
	".env.production":  true,
	".env.development": true,
	"credentials.json": true,
	"secrets.json":     true,
	".secrets":         true,
	"id_rsa":           true,
	"id_ed25519":       true,
}

// IsSensitiveFile 判断路径是否指向凭据类文件
// IsSensitiveFile reports whether path points at credential material.
func IsSensitiveFile(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	if sensitiveBasenames[base] {
		return true
	}
	switch filepath.Ext(base) {
	case ".pem", ".key":
		return true
	}
	return strings.Contains(path, ".ssh") || strings.Contains(path, "/run/secrets")
}

// splitShellWords tokenizes a command the way a POSIX shell splits words,
// honoring quotes and backslash escapes. Unterminated quoting is an error.
func splitShellWords(input string) ([]string, error) {
	var (
		out      []string
		cur      strings.Builder
		inSingle bool
		inDouble bool
		escaped  bool
		quoted   bool
	)

	flush := func() {
		if cur.Len() > 0 || quoted {
			out = append(out, cur.String())
			cur.Reset()
			quoted = false
		}
	}

	for _, r := range input {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && !inSingle:
			escaped = true
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			quoted = true
		case r == '"' && !inSingle:
			inDouble = !inDouble
			quoted = true
		case (r == ' ' || r == '\t' || r == '\n') && !inSingle && !inDouble:
			flush()
		default:
			cur.WriteRune(r)
		}
	}

	if escaped {
		return nil, errors.New("dangling escape")
	}
	if inSingle || inDouble {
		return nil, errors.New("unterminated quote")
	}
	flush()
	return out, nil
}
