package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrNoCredentials reports a run attempted without a usable backend.
var ErrNoCredentials = errors.New("no model backend configured")

// BackendConfig describes one OpenAI-compatible backend.
type BackendConfig struct {
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
	TimeoutMS int    `json:"timeout_ms"`
}

// RuntimeConfig bounds a single agent run.
type RuntimeConfig struct {
	WorkspaceRoot  string `json:"workspace_root"`
	MaxIterations  int    `json:"max_iterations"`
	StreamRetries  int    `json:"stream_retries"`
	BackoffBaseMS  int    `json:"backoff_base_ms"`
	MaxToolOutput  int    `json:"max_tool_output"`
	ContextTokens  int    `json:"context_token_limit"`
	HistoryLimit   int    `json:"history_limit"`
	LoopWindow     int    `json:"loop_window"`
	LoopRetryLimit int    `json:"loop_retry_limit"`
}

// ApprovalConfig selects the permission mode and per-tool overrides.
type ApprovalConfig struct {
	// Mode is "ask" (interactive approval) or "auto".
	Mode string `json:"mode"`
	// Tools maps a tool name to "allow", "ask" or "deny", overriding Mode.
	Tools map[string]string `json:"tools"`
}

// StorageConfig locates the session database.
type StorageConfig struct {
	BaseDir string `json:"base_dir"`
}

type Config struct {
	// Model selects the active model, either a bare model id or
	// "backend-id::model-id" resolved against Backends.
	Model       string                   `json:"model"`
	Temperature *float64                 `json:"temperature,omitempty"`
	Backends    map[string]BackendConfig `json:"backends"`
	Runtime     RuntimeConfig            `json:"runtime"`
	Approval    ApprovalConfig           `json:"approval"`
	Storage     StorageConfig            `json:"storage"`
}

// Load 读取 JSON 配置, 应用环境变量覆盖并填充默认值
// Load reads the JSON config at path (or the default location when empty),
// applies env overrides, and fills defaults.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) == "" {
		path = defaultConfigPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(stripJSONComments(data), &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return cfg, nil
}

// ResolveBackend splits a "backend-id::model-id" model identifier and looks
// up the backend. A bare model id resolves against the "default" backend.
func (c Config) ResolveBackend(model string) (BackendConfig, string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		model = strings.TrimSpace(c.Model)
	}
	backendID := "default"
	if id, rest, ok := strings.Cut(model, "::"); ok {
		backendID = strings.TrimSpace(id)
		model = strings.TrimSpace(rest)
	}
	backend, ok := c.Backends[backendID]
	if !ok {
		return BackendConfig{}, "", fmt.Errorf("%w: backend %q not configured", ErrNoCredentials, backendID)
	}
	if strings.TrimSpace(backend.BaseURL) == "" || model == "" {
		return BackendConfig{}, "", ErrNoCredentials
	}
	return backend, model, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("AGENTD_MODEL")); v != "" {
		cfg.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTD_BASE_URL")); v != "" {
		backend := cfg.Backends["default"]
		backend.BaseURL = v
		if cfg.Backends == nil {
			cfg.Backends = map[string]BackendConfig{}
		}
		cfg.Backends["default"] = backend
	}
	if v := strings.TrimSpace(os.Getenv("AGENTD_API_KEY")); v != "" {
		backend := cfg.Backends["default"]
		backend.APIKey = v
		if cfg.Backends == nil {
			cfg.Backends = map[string]BackendConfig{}
		}
		cfg.Backends["default"] = backend
	}
	if v := strings.TrimSpace(os.Getenv("AGENTD_WORKSPACE")); v != "" {
		cfg.Runtime.WorkspaceRoot = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTD_APPROVAL_MODE")); v != "" {
		cfg.Approval.Mode = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTD_MAX_ITERATIONS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Runtime.MaxIterations = n
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Runtime.MaxIterations <= 0 {
		cfg.Runtime.MaxIterations = 50
	}
	if cfg.Runtime.StreamRetries <= 0 {
		cfg.Runtime.StreamRetries = 3
	}
	if cfg.Runtime.BackoffBaseMS <= 0 {
		cfg.Runtime.BackoffBaseMS = 500
	}
	if cfg.Runtime.MaxToolOutput <= 0 {
		cfg.Runtime.MaxToolOutput = 8000
	}
	if cfg.Runtime.ContextTokens <= 0 {
		cfg.Runtime.ContextTokens = 24000
	}
	if cfg.Runtime.HistoryLimit <= 0 {
		cfg.Runtime.HistoryLimit = 200
	}
	if cfg.Runtime.LoopWindow <= 0 {
		cfg.Runtime.LoopWindow = 5
	}
	if cfg.Runtime.LoopRetryLimit <= 0 {
		cfg.Runtime.LoopRetryLimit = 5
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Approval.Mode)) {
	case "auto":
		cfg.Approval.Mode = "auto"
	default:
		cfg.Approval.Mode = "ask"
	}
	if strings.TrimSpace(cfg.Storage.BaseDir) == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.Storage.BaseDir = filepath.Join(home, ".agentd")
	}
}

func defaultConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("AGENTD_CONFIG")); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".agentd", "config.json")
}

// stripJSONComments removes // line comments so configs may carry notes.
func stripJSONComments(data []byte) []byte {
	lines := strings.Split(string(data), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		inString := false
		cut := len(line)
		for i := 0; i+1 < len(line); i++ {
			c := line[i]
			if c == '"' && (i == 0 || line[i-1] != '\\') {
				inString = !inString
			}
			if !inString && c == '/' && line[i+1] == '/' {
				cut = i
				break
			}
		}
		out = append(out, line[:cut])
	}
	return []byte(strings.Join(out, "\n"))
}
