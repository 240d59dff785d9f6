package backup

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/3frustratedDucks/linux-containers-portainer/internal/safety"
)

// ExtractReport summarizes an extraction.
type ExtractReport struct {
	Files int
	Bytes int64
}

// RestoreReport summarizes a completed restore.
type RestoreReport struct {
	ExtractReport
	// PreviousDir holds the data directory as it was before the restore.
	// Empty when there was no data directory.
	PreviousDir string
	Verified    bool
}

// Extract unpacks archivePath into destDir. Members must live under the
// "data/" root, which is stripped. Only directories and regular files are
// accepted.
func Extract(ctx context.Context, archivePath, destDir string) (*ExtractReport, error) {
	c, err := DetectCompression(archivePath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	cr, err := newReader(c, f)
	if err != nil {
		return nil, fmt.Errorf("creating %s reader: %w", c, err)
	}
	defer func() {
		_ = cr.Close()
	}()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", destDir, err)
	}

	tr := tar.NewReader(cr)
	report := &ExtractReport{}
	for {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}

		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return report, fmt.Errorf("reading tar entry: %w", err)
		}

		member, err := safety.CleanMember(header.Name)
		if err != nil {
			return report, fmt.Errorf("unsafe path in archive: %w", err)
		}
		rel, ok := safety.StripRoot(member, RootName)
		if !ok {
			return report, fmt.Errorf("archive entry %q is outside %s/", header.Name, RootName)
		}
		if rel == "" {
			continue
		}
		dest, err := safety.JoinUnder(destDir, rel)
		if err != nil {
			return report, fmt.Errorf("unsafe path in archive %q: %w", header.Name, err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, dirMode(header)); err != nil {
				return report, fmt.Errorf("creating directory: %w", err)
			}
		case tar.TypeReg:
			n, err := extractFile(tr, dest, header)
			if err != nil {
				return report, fmt.Errorf("extracting %s: %w", header.Name, err)
			}
			report.Files++
			report.Bytes += n
		default:
			return report, fmt.Errorf("unsupported tar entry type for %s: %c", header.Name, header.Typeflag)
		}
	}
	return report, nil
}

func extractFile(r io.Reader, dest string, header *tar.Header) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("creating directory: %w", err)
	}
	mode := os.FileMode(header.Mode).Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, r)
	if closeErr := out.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		return n, err
	}
	if !header.ModTime.IsZero() {
		_ = os.Chtimes(dest, header.ModTime, header.ModTime)
	}
	return n, nil
}

func dirMode(h *tar.Header) os.FileMode {
	if m := os.FileMode(h.Mode).Perm(); m != 0 {
		return m | 0o700
	}
	return 0o755
}

// Restore replaces dataDir with the contents of archivePath. The archive is
// verified against its sidecar when one exists, then extracted into a
// staging directory next to dataDir. Only after a complete extraction is the
// live directory moved aside to <dataDir>.pre-restore-<ts> and the staging
// directory moved into place, so a failed extraction leaves dataDir as it was.
func Restore(ctx context.Context, archivePath, dataDir string, now time.Time, logger *slog.Logger) (*RestoreReport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(archivePath); err != nil {
		return nil, fmt.Errorf("backup archive: %w", err)
	}

	verified, err := Verify(archivePath)
	if err != nil {
		return nil, err
	}
	if !verified {
		logger.Warn("no checksum sidecar, restoring unverified archive", "path", archivePath)
	}

	ts := now.Format(TimeFormat)
	cleanData := filepath.Clean(dataDir)
	staging := cleanData + ".restore-" + ts
	previous := cleanData + ".pre-restore-" + ts

	if _, err := os.Stat(staging); err == nil {
		return nil, fmt.Errorf("staging directory %s already exists", staging)
	}
	extracted, err := Extract(ctx, archivePath, staging)
	if err != nil {
		_ = os.RemoveAll(staging)
		return nil, err
	}

	report := &RestoreReport{ExtractReport: *extracted, Verified: verified}
	if _, err := os.Stat(cleanData); err == nil {
		if err := os.Rename(cleanData, previous); err != nil {
			_ = os.RemoveAll(staging)
			return nil, fmt.Errorf("moving current data aside: %w", err)
		}
		report.PreviousDir = previous
	} else if !errors.Is(err, os.ErrNotExist) {
		_ = os.RemoveAll(staging)
		return nil, fmt.Errorf("inspecting data directory: %w", err)
	}

	if err := os.Rename(staging, cleanData); err != nil {
		if report.PreviousDir != "" {
			if rbErr := os.Rename(previous, cleanData); rbErr != nil {
				logger.Error("failed to put previous data back", "previous", previous, "error", rbErr)
			}
		}
		return nil, fmt.Errorf("activating restored data: %w", err)
	}

	logger.Info("restore completed", "archive", archivePath, "files", report.Files, "previous", report.PreviousDir)
	return report, nil
}
