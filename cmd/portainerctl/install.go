package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/3frustratedDucks/linux-containers-portainer/internal/engine"
)

var (
	installMode          string
	installServerAddress string
	installTag           string
	installSkipDeps      bool
)

func newInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Generate the docker compose deployment for a server or agent",
		Long: `Generate docker-compose.yml for either a Portainer server (management UI
on 9443, edge channel on 8000) or a Portainer agent (port 9001), and record
the chosen mode next to it.

Without --mode an interactive menu asks for the installation type. Docker
and the compose plugin are installed first unless --skip-deps is given. An
existing docker-compose.yml is only replaced after confirmation, optionally
keeping a timestamped copy.`,
		Example: `  portainerctl install
  portainerctl install --mode server --tag 2.21.4
  portainerctl install --mode agent --server-address 10.0.0.5 --skip-deps`,
		Args: cobra.NoArgs,
		RunE: installRun,
	}

	cmd.Flags().StringVar(&installMode, "mode", "", "installation type: server (1) or agent (2)")
	cmd.Flags().StringVar(&installServerAddress, "server-address", "", "Portainer server address written into the agent descriptor")
	cmd.Flags().StringVar(&installTag, "tag", "", "image tag to deploy (defaults to images.tag from the config)")
	cmd.Flags().BoolVar(&installSkipDeps, "skip-deps", false, "do not check or install docker")

	return cmd
}

func installRun(cmd *cobra.Command, args []string) error {
	if err := requireManager(); err != nil {
		return err
	}

	res, err := globalManager.Install(cmd.Context(), engine.InstallOptions{
		Mode:          installMode,
		ServerAddress: installServerAddress,
		AddressSet:    cmd.Flags().Changed("server-address"),
		Tag:           installTag,
		SkipDeps:      installSkipDeps,
	})
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Mode:        %s\n", res.Record.Mode)
	fmt.Printf("Image:       %s\n", res.Record.ImageRef())
	fmt.Printf("Descriptor:  %s\n", res.DescriptorPath)
	fmt.Printf("Record:      %s\n", res.RecordPath)
	if res.BackupPath != "" {
		fmt.Printf("Backup copy: %s\n", res.BackupPath)
	}
	fmt.Println()
	fmt.Println("Run 'portainerctl start' to launch it.")
	return nil
}
