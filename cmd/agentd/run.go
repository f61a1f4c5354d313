package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"agentd/internal/storage"
)

var runCmd = &cobra.Command{
	Use:   "run <prompt>",
	Short: "Start a new session with a prompt",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := build()
		if err != nil {
			return err
		}
		defer res.Store.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res.Scheduler.Start(ctx)
		defer res.Scheduler.Stop()

		prompt := strings.Join(args, " ")
		sess, err := res.Store.CreateSession(storage.CreateSessionParams{
			Title: sessionTitle(prompt),
			CWD:   res.WorkspaceRoot,
			Model: res.Model,
		})
		if err != nil {
			return err
		}

		r := newRenderer(res.Runner)
		return res.Runner.Run(ctx, sess.ID, prompt, r.events())
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id> [prompt]",
	Short: "Resume an existing session, optionally with a follow-up prompt",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := build()
		if err != nil {
			return err
		}
		defer res.Store.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res.Scheduler.Start(ctx)
		defer res.Scheduler.Stop()

		sessionID := args[0]
		prompt := strings.Join(args[1:], " ")

		r := newRenderer(res.Runner)
		return res.Runner.Run(ctx, sessionID, prompt, r.events())
	},
}

func sessionTitle(prompt string) string {
	title := strings.TrimSpace(prompt)
	if len(title) > 60 {
		title = title[:60] + "..."
	}
	return title
}
