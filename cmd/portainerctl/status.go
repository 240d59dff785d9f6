package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/3frustratedDucks/linux-containers-portainer/internal/hostinfo"
)

var statusHost bool

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show container state and resource usage",
		Long: `Show docker compose ps for the deployment followed by a single docker stats
sample of its running containers. With --host a snapshot of the host's CPU,
memory and disk usage is appended.`,
		Example: `  portainerctl status
  portainerctl status --host`,
		Args: cobra.NoArgs,
		RunE: statusRun,
	}

	cmd.Flags().BoolVar(&statusHost, "host", false, "include host CPU, memory and disk usage")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if err := requireManager(); err != nil {
		return err
	}

	report, err := globalManager.Status(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Deployment: %s (%s)\n", report.Record.Mode, report.Record.ImageRef())
	if report.Record.Inferred {
		fmt.Println("Mode inferred from docker-compose.yml; the next start or stop records it.")
	}
	if r := report.LastRelease; r != nil {
		fmt.Printf("Last applied: %s:%s %s\n", r.Image, r.Tag, humanize.Time(r.AppliedAt))
	}

	if statusHost {
		snap := hostinfo.Collect(cmd.Context(), globalCfg.Deployment.Dir)
		fmt.Println()
		fmt.Println("Host")
		fmt.Println(strings.Repeat("-", 40))
		fmt.Printf("%-12s %6.1f%%\n", "CPU", snap.CPUPercent)
		fmt.Printf("%-12s %6.1f%%\n", "Memory", snap.MemoryPercent)
		fmt.Printf("%-12s %6.1f%% (%s free on %s)\n", "Disk", snap.DiskPercent,
			formatBytes(snap.DiskFreeBytes), snap.DiskPath)
	}
	return nil
}

// formatBytes formats a byte count into human-readable format
func formatBytes(bytes uint64) string {
	return humanize.IBytes(bytes)
}
