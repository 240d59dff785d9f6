package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	scheduleCron   string
	scheduleStatus string
	scheduleLimit  int
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run backups on a cron schedule until interrupted",
		Long: `Run in the foreground and take a backup of the server data directory each
time the cron expression fires. The expression uses the standard five fields
(minute hour day-of-month month day-of-week) and defaults to backup.schedule
from the config. Retention applies after every run. A tick that fires while
the previous backup is still running is skipped.`,
		Example: `  portainerctl schedule
  portainerctl schedule --cron "0 2 * * *"
  portainerctl schedule list`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireManager(); err != nil {
				return err
			}
			spec := globalCfg.Backup.Schedule
			if cmd.Flags().Changed("cron") {
				spec = scheduleCron
			}
			return globalManager.Schedule(cmd.Context(), spec)
		},
	}
	cmd.Flags().StringVar(&scheduleCron, "cron", "", "cron expression (overrides backup.schedule)")
	cmd.AddCommand(newScheduleListCmd())
	return cmd
}

func newScheduleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show recorded backup schedules and their last runs",
		Args:  cobra.NoArgs,
		RunE:  scheduleListRun,
	}
	cmd.Flags().StringVar(&scheduleStatus, "status", "", "only show jobs in this status")
	cmd.Flags().IntVar(&scheduleLimit, "limit", 20, "maximum number of jobs to show")
	return cmd
}

func scheduleListRun(cmd *cobra.Command, args []string) error {
	if err := requireManager(); err != nil {
		return err
	}
	jobs, err := globalManager.Jobs(scheduleStatus, scheduleLimit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No scheduled jobs recorded.")
		return nil
	}

	fmt.Printf("%-5s %-16s %-10s %-16s %s\n", "ID", "CRON", "STATUS", "LAST RUN", "NEXT RUN")
	fmt.Println(strings.Repeat("-", 70))
	for _, j := range jobs {
		last := "never"
		if !j.LastRun.IsZero() {
			last = humanize.Time(j.LastRun)
		}
		next := "-"
		if !j.NextRun.IsZero() {
			next = j.NextRun.Format("2006-01-02 15:04")
		}
		fmt.Printf("%-5d %-16s %-10s %-16s %s\n", j.ID, j.CronExpr, j.Status, last, next)
	}
	return nil
}
