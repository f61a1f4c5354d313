package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"agentd/internal/bootstrap"
	"agentd/internal/config"
)

var (
	configPath string
	workspace  string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "agentd",
	Short: "Autonomous LLM agent runtime",
	Long: `agentd drives an autonomous agent loop against an OpenAI-compatible
backend: it streams completions, executes tool calls under an approval
policy, and persists every turn so sessions can be resumed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.agentd/config.json)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace root (default current directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	rootCmd.AddCommand(runCmd, resumeCmd, sessionsCmd, historyCmd, changesCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func build() (*bootstrap.BuildResult, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return bootstrap.Build(cfg, workspace, newLogger())
}
