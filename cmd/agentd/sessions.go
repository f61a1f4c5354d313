package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"agentd/internal/storage"
)

var (
	historyLimit  int
	historyCursor string
	confirmFlag   bool
	clearFlag     bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := build()
		if err != nil {
			return err
		}
		defer res.Store.Close()

		sessions, err := res.Store.ListSessions()
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println(dimStyle.Render("no sessions"))
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tTOKENS\tTITLE")
		for _, s := range sessions {
			pin := ""
			if s.Pinned {
				pin = "* "
			}
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s%s\n",
				s.ID, s.Status, s.InputTokens, s.OutputTokens, pin, s.Title)
		}
		return w.Flush()
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Show a session's turn history, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := build()
		if err != nil {
			return err
		}
		defer res.Store.Close()

		page, err := res.Store.HistoryPage(args[0], historyLimit, historyCursor)
		if err != nil {
			return err
		}
		for _, t := range page.Turns {
			printTurn(t)
		}
		if page.HasMore {
			fmt.Println(dimStyle.Render("more turns before cursor " + page.NextCursor))
		}
		return nil
	},
}

var changesCmd = &cobra.Command{
	Use:   "changes <session-id>",
	Short: "Show, confirm, or clear a session's file-change ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := build()
		if err != nil {
			return err
		}
		defer res.Store.Close()

		sessionID := args[0]
		if confirmFlag {
			if err := res.Store.ConfirmFileChanges(sessionID); err != nil {
				return err
			}
		}
		if clearFlag {
			if err := res.Store.ClearFileChanges(sessionID); err != nil {
				return err
			}
		}

		changes, err := res.Store.FileChanges(sessionID)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			fmt.Println(dimStyle.Render("no file changes"))
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PATH\tADDED\tDELETED\tSTATUS")
		for _, c := range changes {
			fmt.Fprintf(w, "%s\t+%d\t-%d\t%s\n", c.Path, c.Added, c.Deleted, c.Status)
		}
		return w.Flush()
	},
}

func printTurn(t storage.Turn) {
	switch t.Kind {
	case storage.TurnUserPrompt:
		fmt.Println(toolStyle.Render("user> ") + t.Content)
	case storage.TurnText:
		fmt.Println(t.Content)
	case storage.TurnToolUse:
		fmt.Println(dimStyle.Render(fmt.Sprintf("[tool_use %s] %s %s", t.CallID, t.ToolName, compactArgs(json.RawMessage(t.ToolInput)))))
	case storage.TurnToolResult:
		style := okStyle
		if t.IsError {
			style = errorStyle
		}
		fmt.Println(style.Render(fmt.Sprintf("[tool_result %s] ", t.CallID)) + dimStyle.Render(firstLine(t.Content)))
	case storage.TurnRunSummary:
		fmt.Println(dimStyle.Render(t.Content))
	}
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "max turns per page")
	historyCmd.Flags().StringVar(&historyCursor, "cursor", "", "fetch turns older than this cursor")
	changesCmd.Flags().BoolVar(&confirmFlag, "confirm", false, "confirm all pending changes")
	changesCmd.Flags().BoolVar(&clearFlag, "clear", false, "clear the ledger")
}
