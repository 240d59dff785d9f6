package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/3frustratedDucks/linux-containers-portainer/internal/deploy"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/store"
)

// InstallOptions drive Install. Empty Mode prompts for the installation
// type; AddressSet distinguishes an explicitly empty --server-address from
// an unset one.
type InstallOptions struct {
	Mode          string
	ServerAddress string
	AddressSet    bool
	Tag           string
	SkipDeps      bool
}

// InstallResult describes what Install wrote.
type InstallResult struct {
	Record         *deploy.Record
	DescriptorPath string
	RecordPath     string
	// BackupPath is the copy of the previous descriptor, if one was made.
	BackupPath string
	// NeedsAddress is set when the agent descriptor carries the placeholder
	// server address.
	NeedsAddress bool
}

// Install generates the descriptor and deployment record. Declining to
// overwrite an existing descriptor returns ErrAborted and leaves it untouched.
func (m *Manager) Install(ctx context.Context, opts InstallOptions) (*InstallResult, error) {
	var result *InstallResult
	err := m.journal(ctx, "install", opts.Mode, func(op *store.Operation) error {
		var err error
		result, err = m.install(ctx, op, opts)
		return err
	})
	return result, err
}

func (m *Manager) install(ctx context.Context, op *store.Operation, opts InstallOptions) (*InstallResult, error) {
	choice := opts.Mode
	if choice == "" {
		var err error
		choice, err = m.prompt.Choose("Select installation type:", []string{"Server", "Agent"})
		if err != nil {
			return nil, err
		}
	}
	mode, err := deploy.ParseMode(choice)
	if err != nil {
		return nil, err
	}
	op.Mode = mode.String()

	address := opts.ServerAddress
	if mode == deploy.ModeAgent && !opts.AddressSet {
		address, err = m.prompt.Text("Enter the Portainer server address (IP or hostname)", "")
		if err != nil {
			return nil, err
		}
	}

	composePath := m.cfg.ComposePath()
	result := &InstallResult{DescriptorPath: composePath, RecordPath: m.cfg.RecordPath()}

	if deploy.Exists(composePath) {
		overwrite, err := m.prompt.Confirm(fmt.Sprintf("%s already exists. Overwrite?", composePath), false)
		if err != nil {
			return nil, err
		}
		if !overwrite {
			fmt.Fprintln(m.out, "Installation cancelled; existing file left unchanged.")
			return nil, ErrAborted
		}
		keep, err := m.prompt.Confirm("Back up the existing file first?", true)
		if err != nil {
			return nil, err
		}
		if keep {
			result.BackupPath, err = deploy.BackupDescriptor(composePath, m.now())
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(m.out, "Existing file backed up to %s\n", result.BackupPath)
		}
	}

	if !opts.SkipDeps && m.bootstrapper != nil {
		if _, err := m.bootstrapper.Run(ctx, false); err != nil {
			return nil, fmt.Errorf("installing dependencies: %w", err)
		}
	}

	tag := opts.Tag
	if tag == "" {
		tag = m.cfg.Images.Tag
	}
	dataDir, err := deploy.MountSource(composePath, m.cfg.DataPath())
	if err != nil {
		return nil, fmt.Errorf("resolving data directory: %w", err)
	}
	desc, rec, err := deploy.Build(deploy.Options{
		Mode:          mode,
		ServerImage:   m.cfg.Images.Server,
		AgentImage:    m.cfg.Images.Agent,
		Tag:           tag,
		ServerAddress: address,
		DataDir:       dataDir,
		Now:           m.now(),
	})
	if err != nil {
		return nil, err
	}
	result.Record = rec
	result.NeedsAddress = rec.ServerAddress == deploy.SentinelServerAddress
	op.Detail = rec.ImageRef()

	if err := os.MkdirAll(filepath.Dir(composePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating deployment directory: %w", err)
	}
	if err := deploy.WriteDescriptor(composePath, desc); err != nil {
		return nil, err
	}
	if err := deploy.SaveRecord(result.RecordPath, rec); err != nil {
		return nil, err
	}
	if err := m.store.RecordRelease(&store.Release{
		Mode:      rec.Mode.String(),
		Image:     rec.Image,
		Tag:       rec.Tag,
		RunID:     op.RunID,
		AppliedAt: m.now(),
	}); err != nil {
		m.logger.Warn("failed to record release", "error", err)
	}

	m.logger.Info("deployment generated", "mode", rec.Mode, "image", rec.ImageRef(), "path", composePath)
	fmt.Fprintf(m.out, "Generated %s for a Portainer %s.\n", composePath, rec.Mode)
	if result.NeedsAddress {
		fmt.Fprintf(m.out, "Warning: no server address given. Edit %s and replace %s before starting,\n",
			composePath, deploy.SentinelServerAddress)
		fmt.Fprintln(m.out, "or run 'portainerctl install --mode agent --server-address <address>' again.")
	}
	return result, nil
}
