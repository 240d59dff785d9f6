package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var bootstrapDryRun bool

func newBootstrapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Install and enable docker and the compose plugin",
		Long: `Make sure docker and the docker compose plugin are installed and the docker
service is enabled. On Debian and Ubuntu apt is used, on Fedora and the RHEL
family dnf with the docker-ce repository, elsewhere the get.docker.com
script. The invoking user is added to the docker group.

Commands are run through sudo when portainerctl is not running as root.`,
		Example: `  portainerctl bootstrap
  portainerctl bootstrap --dry-run`,
		Args: cobra.NoArgs,
		RunE: bootstrapRun,
	}

	cmd.Flags().BoolVar(&bootstrapDryRun, "dry-run", false, "print the install plan without running it")

	return cmd
}

func bootstrapRun(cmd *cobra.Command, args []string) error {
	report, err := newBootstrapper().Run(cmd.Context(), bootstrapDryRun)
	if err != nil {
		return err
	}

	switch {
	case report.AlreadyInstalled && len(report.Steps) == 0:
		fmt.Println("docker and the compose plugin are installed and enabled.")
	case report.AlreadyInstalled:
		fmt.Println("docker is installed; service enabled.")
	case bootstrapDryRun:
		fmt.Printf("Plan for %s (%s): %d steps, nothing executed.\n",
			orUnknown(report.Platform.ID), report.Platform.Distro, len(report.Steps))
	default:
		fmt.Println("docker installed and enabled.")
		if report.User != "" && report.User != "root" {
			fmt.Printf("Log out and back in for the docker group membership of %s to take effect.\n", report.User)
		}
	}
	return nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown platform"
	}
	return s
}
