package main

import (
	"github.com/spf13/cobra"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the deployment (docker compose up -d)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireManager(); err != nil {
				return err
			}
			return globalManager.Start(cmd.Context())
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the deployment's containers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireManager(); err != nil {
				return err
			}
			return globalManager.Stop(cmd.Context())
		},
	}
}

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the deployment's containers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireManager(); err != nil {
				return err
			}
			return globalManager.Restart(cmd.Context())
		},
	}
}

func newShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Open a shell inside the Portainer container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireManager(); err != nil {
				return err
			}
			return globalManager.Shell(cmd.Context())
		},
	}
}

var logsTail int

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Follow container logs until interrupted",
		Example: `  portainerctl logs
  portainerctl logs --tail 100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireManager(); err != nil {
				return err
			}
			return globalManager.Logs(cmd.Context(), logsTail)
		},
	}
	cmd.Flags().IntVar(&logsTail, "tail", 0, "number of lines to show from the end of the logs (0 for all)")
	return cmd
}
