package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	historyCommand string
	historyLimit   int
	historyRunID   string
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent portainerctl operations",
		Example: `  portainerctl history
  portainerctl history --command backup --limit 5
  portainerctl history --run 0f3c9a52-1111-2222-3333-444455556666`,
		Args: cobra.NoArgs,
		RunE: historyRun,
	}
	cmd.Flags().StringVar(&historyCommand, "command", "", "only show operations of this command")
	cmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of operations to show")
	cmd.Flags().StringVar(&historyRunID, "run", "", "show the full record of one run")
	return cmd
}

func historyRun(cmd *cobra.Command, args []string) error {
	if err := requireManager(); err != nil {
		return err
	}
	if historyRunID != "" {
		return showOperation(historyRunID)
	}

	ops, err := globalManager.History(historyCommand, historyLimit)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		fmt.Println("No operations recorded.")
		return nil
	}

	fmt.Printf("%-16s %-10s %-7s %-10s %-9s %s\n", "WHEN", "COMMAND", "MODE", "STATUS", "RUN", "DETAIL")
	fmt.Println(strings.Repeat("-", 80))
	for _, op := range ops {
		detail := op.Detail
		if op.ErrorMessage != "" {
			detail = op.ErrorMessage
		}
		mode := op.Mode
		if mode == "" {
			mode = "-"
		}
		fmt.Printf("%-16s %-10s %-7s %-10s %-9s %s\n",
			humanize.Time(op.StartTime), op.Command, mode, op.Status, shortID(op.RunID), detail)
	}
	return nil
}

func showOperation(runID string) error {
	op, err := globalManager.Operation(runID)
	if err != nil {
		return err
	}
	fmt.Printf("Run:      %s\n", op.RunID)
	fmt.Printf("Command:  %s\n", op.Command)
	if op.Mode != "" {
		fmt.Printf("Mode:     %s\n", op.Mode)
	}
	fmt.Printf("Status:   %s\n", op.Status)
	fmt.Printf("Started:  %s\n", op.StartTime.Format("2006-01-02 15:04:05"))
	if !op.EndTime.IsZero() {
		fmt.Printf("Duration: %s\n", op.EndTime.Sub(op.StartTime).Round(time.Millisecond))
	}
	if op.Detail != "" {
		fmt.Printf("Detail:   %s\n", op.Detail)
	}
	if op.ErrorMessage != "" {
		fmt.Printf("Error:    %s\n", op.ErrorMessage)
	}
	return nil
}
