package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/3frustratedDucks/linux-containers-portainer/internal/backup"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/deploy"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/store"
)

// BackupOptions drive Backup.
type BackupOptions struct {
	// Consistent stops the deployment while the archive is written.
	Consistent bool
}

// Backup archives the server data directory. Agent deployments have no data
// directory and are rejected before anything is written.
func (m *Manager) Backup(ctx context.Context, opts BackupOptions) (*backup.Archive, error) {
	var archive *backup.Archive
	err := m.journal(ctx, "backup", "", func(op *store.Operation) error {
		rec, err := m.resolveInto(op)
		if err != nil {
			return err
		}
		if rec.Mode != deploy.ModeServer {
			return ErrAgentMode
		}
		dataDir, err := m.dataDir(rec)
		if err != nil {
			return err
		}

		if opts.Consistent {
			if err := m.compose.Stop(ctx); err != nil {
				return err
			}
		}
		archive, err = m.archiver.Create(ctx, dataDir)
		if opts.Consistent {
			if upErr := m.compose.Up(ctx); upErr != nil {
				err = errors.Join(err, upErr)
			}
		}
		if err != nil {
			return err
		}
		op.Detail = archive.Path
		archive.RunID = op.RunID

		if err := m.store.RecordBackup(&store.Backup{
			Path:        archive.Path,
			SHA256:      archive.SHA256,
			Size:        archive.Size,
			Compression: string(archive.Compression),
			RunID:       op.RunID,
			CreatedAt:   archive.CreatedAt,
		}); err != nil {
			m.logger.Warn("failed to record backup", "path", archive.Path, "error", err)
		}
		fmt.Fprintf(m.out, "Backup created: %s\n", archive.Path)

		if m.cfg.Backup.Retention > 0 {
			if _, err := m.prune(m.cfg.Backup.Retention); err != nil {
				return fmt.Errorf("applying retention: %w", err)
			}
		}
		return nil
	})
	return archive, err
}

// ListBackups returns the archives in the backup directory, newest first.
// Archives the journal knows about carry their recorded digest and run id.
func (m *Manager) ListBackups() ([]backup.Archive, error) {
	archives, err := m.archiver.List()
	if err != nil || len(archives) == 0 {
		return archives, err
	}
	rows, err := m.store.ListBackups(false, 0)
	if err != nil {
		m.logger.Warn("failed to read backup journal", "error", err)
		return archives, nil
	}
	byName := make(map[string]store.Backup, len(rows))
	for _, r := range rows {
		byName[filepath.Base(r.Path)] = r
	}
	for i := range archives {
		if r, ok := byName[archives[i].Name]; ok {
			archives[i].SHA256 = r.SHA256
			archives[i].RunID = r.RunID
		}
	}
	return archives, nil
}

// PruneBackups keeps the newest keep archives and deletes the rest.
func (m *Manager) PruneBackups(ctx context.Context, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, fmt.Errorf("keep must be at least 1")
	}
	var removed []string
	err := m.journal(ctx, "prune", fmt.Sprintf("keep=%d", keep), func(op *store.Operation) error {
		var err error
		removed, err = m.prune(keep)
		return err
	})
	return removed, err
}

func (m *Manager) prune(keep int) ([]string, error) {
	removed, err := m.archiver.Prune(keep)
	for _, p := range removed {
		if markErr := m.store.MarkBackupDeleted(p); markErr != nil && !errors.Is(markErr, store.ErrNotFound) {
			m.logger.Warn("failed to mark backup deleted", "path", p, "error", markErr)
		}
		fmt.Fprintf(m.out, "Removed old backup: %s\n", p)
	}
	return removed, err
}

// RestoreOptions drive Restore.
type RestoreOptions struct {
	// Start brings the deployment back up after the data is replaced.
	// Defaults to true via the CLI.
	Start bool
}

// Restore replaces the server data directory with the contents of
// archivePath after confirmation. The deployment is stopped for the swap and
// started again afterwards. A missing archive fails before any orchestrator
// call.
func (m *Manager) Restore(ctx context.Context, archivePath string, opts RestoreOptions) (*backup.RestoreReport, error) {
	var report *backup.RestoreReport
	err := m.journal(ctx, "restore", archivePath, func(op *store.Operation) error {
		rec, err := m.resolveInto(op)
		if err != nil {
			return err
		}
		if rec.Mode != deploy.ModeServer {
			return ErrAgentMode
		}
		info, err := os.Stat(archivePath)
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrBackupNotFound, archivePath)
		}
		if err != nil {
			return fmt.Errorf("backup archive: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("backup archive %s is a directory", archivePath)
		}
		if _, err := backup.DetectCompression(archivePath); err != nil {
			return err
		}
		verified, err := backup.Verify(archivePath)
		if err != nil {
			return err
		}
		if !verified {
			if verified, err = m.verifyJournaled(archivePath); err != nil {
				return err
			}
		}

		dataDir, err := m.dataDir(rec)
		if err != nil {
			return err
		}
		ok, err := m.prompt.Confirm(fmt.Sprintf("This replaces %s with the contents of %s. Continue?", dataDir, archivePath), false)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(m.out, "Restore cancelled.")
			return ErrAborted
		}

		if err := m.compose.Stop(ctx); err != nil {
			return err
		}
		report, err = backup.Restore(ctx, archivePath, dataDir, m.now(), m.logger)
		if err != nil {
			// The live data was not replaced; bring the deployment back.
			if opts.Start {
				if upErr := m.compose.Up(ctx); upErr != nil {
					err = errors.Join(err, upErr)
				}
			}
			return err
		}
		report.Verified = report.Verified || verified

		fmt.Fprintf(m.out, "Restored %d files into %s.\n", report.Files, dataDir)
		if report.PreviousDir != "" {
			fmt.Fprintf(m.out, "Previous data kept at %s\n", report.PreviousDir)
		}
		if opts.Start {
			return m.compose.Up(ctx)
		}
		return nil
	})
	return report, err
}

// verifyJournaled checks an archive without a sidecar against the digest
// journaled when it was created. Archives the journal never saw stay
// unverified.
func (m *Manager) verifyJournaled(archivePath string) (bool, error) {
	row, err := m.store.GetBackup(archivePath)
	if errors.Is(err, store.ErrNotFound) {
		row, err = m.store.GetBackup(filepath.Join(m.archiver.Dir(), filepath.Base(archivePath)))
	}
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		m.logger.Warn("failed to read backup journal", "path", archivePath, "error", err)
		return false, nil
	}
	if err := backup.VerifyDigest(archivePath, row.SHA256); err != nil {
		return false, err
	}
	m.logger.Info("archive verified against journaled checksum", "path", archivePath, "run_id", row.RunID)
	return true, nil
}
