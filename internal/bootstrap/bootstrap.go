package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"agentd/internal/config"
	"agentd/internal/permission"
	"agentd/internal/provider"
	"agentd/internal/runner"
	"agentd/internal/scheduler"
	"agentd/internal/security"
	"agentd/internal/storage"
	"agentd/internal/tools"
)

// BuildResult is UI-agnostic; the command layer builds its surface on top.
// The caller owns Store.Close and Scheduler.Stop.
type BuildResult struct {
	Runner        *runner.Runner
	Store         storage.Store
	Scheduler     *scheduler.Service
	Gate          *permission.Gate
	WorkspaceRoot string
	Model         string
	ToolNames     []string
}

// Build wires config, storage, workspace, tools, provider registry,
// permission layer, scheduler and runner in dependency order.
func Build(cfg config.Config, workspaceRoot string, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}

	root, err := resolveWorkspaceRoot(cfg, workspaceRoot)
	if err != nil {
		return nil, err
	}
	ws, err := security.NewWorkspace(root)
	if err != nil {
		return nil, fmt.Errorf("init workspace: %w", err)
	}

	if err := os.MkdirAll(cfg.Storage.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("init storage dir: %w", err)
	}
	store, err := storage.NewSQLiteStore(filepath.Join(cfg.Storage.BaseDir, "agentd.db"))
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	gate := permission.NewGate()
	policy := permission.NewPolicy(cfg.Approval)
	providers := provider.NewRegistry(cfg)

	registry := tools.NewRegistry(
		tools.NewBashTool(0),
		tools.NewReadTool(),
		tools.NewWriteTool(),
		tools.NewTodoTool(store),
		tools.NewTodoReadTool(store),
		tools.NewMemoryWriteTool(),
	)

	run := runner.New(store, providers, registry, gate, policy, cfg, logger)

	svc := scheduler.NewService(scheduledFire(run, store, ws.Root(), logger), logger)
	registry.Register(tools.NewScheduleTool(svc))

	return &BuildResult{
		Runner:        run,
		Store:         store,
		Scheduler:     svc,
		Gate:          gate,
		WorkspaceRoot: ws.Root(),
		Model:         cfg.Model,
		ToolNames:     registry.Names(),
	}, nil
}

func resolveWorkspaceRoot(cfg config.Config, override string) (string, error) {
	root := override
	if root == "" {
		root = cfg.Runtime.WorkspaceRoot
	}
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve workspace root: %w", err)
		}
		root = cwd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	return abs, nil
}

// scheduledFire runs a due job's prompt in a fresh session. Failures are
// logged; a job must never take the scheduler down.
func scheduledFire(run *runner.Runner, store storage.Store, root string, logger *slog.Logger) scheduler.FireFunc {
	return func(jobID, prompt string) {
		sess, err := store.CreateSession(storage.CreateSessionParams{
			Title: "scheduled: " + jobID,
			CWD:   root,
		})
		if err != nil {
			logger.Error("create scheduled session failed", "job_id", jobID, "error", err)
			return
		}
		go func() {
			if err := run.Run(context.Background(), sess.ID, prompt, nil); err != nil {
				logger.Error("scheduled run failed", "job_id", jobID, "session_id", sess.ID, "error", err)
			}
		}()
	}
}
