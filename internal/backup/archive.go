// Package backup writes and restores compressed tarballs of the Portainer
// server data directory.
package backup

import (
	"archive/tar"
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Prefix starts every archive file name.
const Prefix = "portainer-backup-"

// TimeFormat is the timestamp layout embedded in archive names.
const TimeFormat = "20060102-150405"

// RootName is the top-level directory of every archive.
const RootName = "data"

// ErrChecksumMismatch is returned when an archive does not match its sidecar.
var ErrChecksumMismatch = errors.New("archive checksum does not match its .sha256 sidecar")

// Archive describes one backup file on disk.
type Archive struct {
	Path        string
	Name        string
	Size        int64
	SHA256      string
	Files       int
	Compression Compression
	CreatedAt   time.Time
	// RunID is the journaled run that created the archive, when known.
	RunID string
}

// Archiver creates and manages archives in a single directory.
type Archiver struct {
	dir         string
	compression Compression
	logger      *slog.Logger
	now         func() time.Time
}

// NewArchiver returns an archiver writing to dir with codec c.
func NewArchiver(dir string, c Compression, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	if c == "" {
		c = Gzip
	}
	return &Archiver{dir: dir, compression: c, logger: logger, now: time.Now}
}

// SetClock overrides the time source used for archive names.
func (a *Archiver) SetClock(now func() time.Time) { a.now = now }

// Dir returns the archive directory.
func (a *Archiver) Dir() string { return a.dir }

// ArchiveName returns the file name for an archive created at t.
func ArchiveName(t time.Time, c Compression) string {
	return Prefix + t.Format(TimeFormat) + c.Ext()
}

// Create archives dataDir. Entries are rooted at "data/" regardless of the
// directory's real name. The archive is written under a temporary name and
// renamed once complete, then a .sha256 sidecar is written next to it.
func (a *Archiver) Create(ctx context.Context, dataDir string) (*Archive, error) {
	info, err := os.Stat(dataDir)
	if err != nil {
		return nil, fmt.Errorf("data directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("data directory %s is not a directory", dataDir)
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}

	created := a.now()
	name := ArchiveName(created, a.compression)
	finalPath := filepath.Join(a.dir, name)
	if _, err := os.Stat(finalPath); err == nil {
		return nil, fmt.Errorf("archive %s already exists", finalPath)
	}

	tmp, err := os.CreateTemp(a.dir, "."+name+".partial-*")
	if err != nil {
		return nil, fmt.Errorf("creating archive: %w", err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) (*Archive, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return nil, err
	}

	cw, err := newWriter(a.compression, tmp)
	if err != nil {
		return fail(fmt.Errorf("creating %s writer: %w", a.compression, err))
	}
	tw := tar.NewWriter(cw)

	files, err := a.writeTree(ctx, tw, dataDir)
	if err != nil {
		_ = tw.Close()
		_ = cw.Close()
		return fail(err)
	}
	if err := tw.Close(); err != nil {
		_ = cw.Close()
		return fail(fmt.Errorf("closing tar writer: %w", err))
	}
	if err := cw.Close(); err != nil {
		return fail(fmt.Errorf("closing %s writer: %w", a.compression, err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("closing archive file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("finalizing archive: %w", err)
	}

	hash, size, err := hashFile(finalPath)
	if err != nil {
		return nil, fmt.Errorf("hashing archive: %w", err)
	}
	if err := writeSidecar(finalPath, hash); err != nil {
		return nil, err
	}

	a.logger.Info("backup created", "path", finalPath, "files", files, "size", size)
	return &Archive{
		Path:        finalPath,
		Name:        name,
		Size:        size,
		SHA256:      hash,
		Files:       files,
		Compression: a.compression,
		CreatedAt:   created,
	}, nil
}

func (a *Archiver) writeTree(ctx context.Context, tw *tar.Writer, dataDir string) (int, error) {
	files := 0
	err := filepath.WalkDir(dataDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rel, err := filepath.Rel(dataDir, p)
		if err != nil {
			return err
		}
		member := path.Join(RootName, filepath.ToSlash(rel))

		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     member + "/",
				Mode:     int64(info.Mode().Perm()),
				ModTime:  info.ModTime(),
			})
		case d.Type().IsRegular():
			if err := addFileToTar(tw, p, member); err != nil {
				return fmt.Errorf("adding %s to archive: %w", member, err)
			}
			files++
			return nil
		default:
			a.logger.Warn("skipping non-regular file", "path", p, "type", d.Type().String())
			return nil
		}
	})
	return files, err
}

// addFileToTar adds a single regular file to a tar archive.
func addFileToTar(tw *tar.Writer, srcPath, member string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	stat, err := f.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     member,
		Size:     stat.Size(),
		Mode:     int64(stat.Mode().Perm()),
		ModTime:  stat.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// hashFile computes the SHA256 of a file, returning hex string and size.
func hashFile(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// SidecarPath returns the checksum file location for an archive.
func SidecarPath(archivePath string) string { return archivePath + ".sha256" }

func writeSidecar(archivePath, hash string) error {
	content := fmt.Sprintf("%s  %s\n", hash, filepath.Base(archivePath))
	if err := os.WriteFile(SidecarPath(archivePath), []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing sha256 sidecar: %w", err)
	}
	return nil
}

// Verify checks archivePath against its sidecar. verified is false with a nil
// error when no sidecar exists.
func Verify(archivePath string) (verified bool, err error) {
	f, err := os.Open(SidecarPath(archivePath))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("opening sidecar: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("reading sidecar: %w", err)
	}
	fields := strings.Fields(line)
	if len(fields) == 0 || len(fields[0]) != sha256.Size*2 {
		return false, fmt.Errorf("malformed sidecar %s", SidecarPath(archivePath))
	}

	if err := VerifyDigest(archivePath, fields[0]); err != nil {
		return false, err
	}
	return true, nil
}

// VerifyDigest checks archivePath against a known hex SHA256, such as the
// one journaled when the archive was created.
func VerifyDigest(archivePath, want string) error {
	actual, _, err := hashFile(archivePath)
	if err != nil {
		return fmt.Errorf("hashing archive: %w", err)
	}
	if !strings.EqualFold(actual, want) {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, want, actual)
	}
	return nil
}

// List returns the archives in the archiver's directory, newest first.
func (a *Archiver) List() ([]Archive, error) {
	entries, err := os.ReadDir(a.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	var archives []Archive
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), Prefix) {
			continue
		}
		c, err := DetectCompression(e.Name())
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(e.Name(), Prefix), c.Ext())
		created, err := time.ParseInLocation(TimeFormat, stamp, time.Local)
		if err != nil {
			created = info.ModTime()
		}
		archives = append(archives, Archive{
			Path:        filepath.Join(a.dir, e.Name()),
			Name:        e.Name(),
			Size:        info.Size(),
			Compression: c,
			CreatedAt:   created,
		})
	}

	sort.SliceStable(archives, func(i, j int) bool {
		if archives[i].CreatedAt.Equal(archives[j].CreatedAt) {
			return archives[i].Name > archives[j].Name
		}
		return archives[i].CreatedAt.After(archives[j].CreatedAt)
	})
	return archives, nil
}

// Prune removes all but the newest keep archives together with their
// sidecars. keep <= 0 disables pruning.
func (a *Archiver) Prune(keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	archives, err := a.List()
	if err != nil {
		return nil, err
	}
	if len(archives) <= keep {
		return nil, nil
	}

	var removed []string
	for _, arch := range archives[keep:] {
		if err := os.Remove(arch.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("removing %s: %w", arch.Path, err)
		}
		if err := os.Remove(SidecarPath(arch.Path)); err != nil && !errors.Is(err, os.ErrNotExist) {
			a.logger.Warn("failed to remove sidecar", "path", SidecarPath(arch.Path), "error", err)
		}
		a.logger.Info("pruned backup", "path", arch.Path)
		removed = append(removed, arch.Path)
	}
	return removed, nil
}
