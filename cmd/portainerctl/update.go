package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/3frustratedDucks/linux-containers-portainer/internal/engine"
)

var (
	updateVersion      string
	updateLatestStable bool
	versionsLimit      int
)

func newUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Pull a new image and recreate the deployment",
		Long: `Pull the Portainer image and recreate the containers. By default the
currently deployed tag is pulled again. --version pins a specific tag and
--latest-stable picks the newest non-prerelease semver tag published on the
registry. Every applied tag is recorded so that 'rollback' can return to the
previous one.`,
		Example: `  portainerctl update
  portainerctl update --version 2.21.4
  portainerctl update --latest-stable`,
		Args: cobra.NoArgs,
		RunE: updateRun,
	}

	cmd.Flags().StringVar(&updateVersion, "version", "", "image tag to deploy")
	cmd.Flags().BoolVar(&updateLatestStable, "latest-stable", false, "deploy the newest stable tag from the registry")
	cmd.MarkFlagsMutuallyExclusive("version", "latest-stable")

	return cmd
}

func updateRun(cmd *cobra.Command, args []string) error {
	if err := requireManager(); err != nil {
		return err
	}

	res, err := globalManager.Update(cmd.Context(), engine.UpdateOptions{
		Version:      updateVersion,
		LatestStable: updateLatestStable,
	})
	if err != nil {
		return err
	}
	printTransition(res)
	return nil
}

func newRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Redeploy the tag that was active before the last update",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireManager(); err != nil {
				return err
			}
			res, err := globalManager.Rollback(cmd.Context())
			if err != nil {
				return err
			}
			printTransition(res)
			return nil
		},
	}
}

func printTransition(res *engine.UpdateResult) {
	if res.Previous == res.Current {
		fmt.Printf("%s:%s pulled and recreated.\n", res.Image, res.Current)
		return
	}
	fmt.Printf("%s: %s -> %s\n", res.Image, res.Previous, res.Current)
}

func newVersionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "List stable image tags and the release history",
		Args:  cobra.NoArgs,
		RunE:  versionsRun,
	}
	cmd.Flags().IntVar(&versionsLimit, "limit", 10, "number of tags and releases to show")
	return cmd
}

func versionsRun(cmd *cobra.Command, args []string) error {
	if err := requireManager(); err != nil {
		return err
	}

	tags, rec, err := globalManager.Versions(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("\nStable tags for %s\n", rec.Image)
	fmt.Println(strings.Repeat("-", 40))
	for i, tag := range tags {
		if versionsLimit > 0 && i >= versionsLimit {
			fmt.Printf("  ... %d more\n", len(tags)-i)
			break
		}
		marker := " "
		if tag == rec.Tag {
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, tag)
	}

	releases, err := globalManager.Releases(versionsLimit)
	if err != nil {
		return err
	}
	if len(releases) == 0 {
		return nil
	}

	fmt.Println("\nApplied releases")
	fmt.Println(strings.Repeat("-", 60))
	fmt.Printf("%-16s %-12s %-12s %s\n", "WHEN", "TAG", "PREVIOUS", "RUN")
	for _, r := range releases {
		prev := r.PreviousTag
		if prev == "" {
			prev = "-"
		}
		fmt.Printf("%-16s %-12s %-12s %s\n", humanize.Time(r.AppliedAt), r.Tag, prev, shortID(r.RunID))
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
