// Package engine carries out portainerctl commands against the active
// deployment: it resolves the deployment mode, serializes mutating commands
// with the advisory lock and journals each of them in the store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/3frustratedDucks/linux-containers-portainer/internal/backup"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/bootstrap"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/compose"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/config"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/deploy"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/execx"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/hostinfo"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/lock"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/prompt"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/release"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/store"
)

var (
	// ErrAgentMode rejects server-only commands on an agent deployment.
	ErrAgentMode = errors.New("backup and restore are only available for a Portainer server deployment")
	// ErrBackupNotFound is returned when a restore archive does not exist.
	ErrBackupNotFound = errors.New("backup file not found")
	// ErrAborted is returned when the operator declines a confirmation.
	ErrAborted = errors.New("aborted")
	// ErrLocked is returned when another invocation holds the deployment lock.
	ErrLocked = lock.ErrLocked
	// ErrNoPreviousRelease is returned by Rollback when nothing was updated.
	ErrNoPreviousRelease = errors.New("no previous release recorded")
)

// Bootstrapper installs the container runtime. *bootstrap.Bootstrapper
// satisfies it.
type Bootstrapper interface {
	Run(ctx context.Context, dryRun bool) (*bootstrap.Report, error)
}

// Options wires a Manager's collaborators.
type Options struct {
	Config       *config.Config
	Store        *store.Store
	Runner       execx.Runner
	Tags         release.TagLister
	Bootstrapper Bootstrapper
	Prompter     *prompt.Prompter
	Stdin        io.Reader
	Stdout       io.Writer
	Stderr       io.Writer
	Logger       *slog.Logger

	// WaitForLock makes mutating commands wait for a held lock instead of
	// failing with ErrLocked.
	WaitForLock bool
}

// Manager runs deployment commands.
type Manager struct {
	cfg          *config.Config
	store        *store.Store
	compose      *compose.Client
	archiver     *backup.Archiver
	tags         release.TagLister
	bootstrapper Bootstrapper
	prompt       *prompt.Prompter
	out          io.Writer
	logger       *slog.Logger
	waitForLock  bool

	now       func() time.Time
	newRunID  func() string
	primaryIP func(context.Context) string
}

// NewManager creates a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("engine: config is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("engine: runner is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stdin, stdout, stderr := opts.Stdin, opts.Stdout, opts.Stderr
	if stdin == nil {
		stdin = os.Stdin
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	p := opts.Prompter
	if p == nil {
		p = prompt.New(stdin, stdout)
	}

	compression, err := backup.ParseCompression(opts.Config.Backup.Compression)
	if err != nil {
		return nil, err
	}

	cfg := opts.Config
	return &Manager{
		cfg:   cfg,
		store: opts.Store,
		compose: compose.New(opts.Runner, compose.Options{
			Binary:  cfg.Docker.Binary,
			File:    cfg.Deployment.ComposeFile,
			Project: cfg.Deployment.Project,
			Dir:     cfg.Deployment.Dir,
			Stdin:   stdin,
			Stdout:  stdout,
			Stderr:  stderr,
		}),
		archiver:     backup.NewArchiver(cfg.BackupPath(), compression, logger),
		tags:         opts.Tags,
		bootstrapper: opts.Bootstrapper,
		prompt:       p,
		out:          stdout,
		logger:       logger,
		waitForLock:  opts.WaitForLock,
		now:          time.Now,
		newRunID:     uuid.NewString,
		primaryIP:    hostinfo.PrimaryIPv4,
	}, nil
}

// SetClock overrides the time source for journal entries and file names.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
	m.archiver.SetClock(now)
}

// Compose returns the compose client bound to the deployment.
func (m *Manager) Compose() *compose.Client { return m.compose }

// Deployment resolves the active deployment record.
func (m *Manager) Deployment() (*deploy.Record, error) {
	return deploy.Resolve(m.cfg.RecordPath(), m.cfg.ComposePath())
}

// journal runs fn under the deployment lock and records it as an operation.
// ErrAborted is journaled as aborted, any other error as failed.
func (m *Manager) journal(ctx context.Context, command, detail string, fn func(op *store.Operation) error) error {
	lk, err := lock.Acquire(ctx, m.cfg.LockPath(), m.waitForLock)
	if err != nil {
		return err
	}
	defer func() {
		if err := lk.Release(); err != nil {
			m.logger.Warn("failed to release lock", "path", lk.Path(), "error", err)
		}
	}()

	op := &store.Operation{
		RunID:     m.newRunID(),
		Command:   command,
		Detail:    detail,
		StartTime: m.now(),
	}
	if err := m.store.CreateOperation(op); err != nil {
		return fmt.Errorf("journaling %s: %w", command, err)
	}
	m.logger.Debug("operation started", "command", command, "run_id", op.RunID)

	runErr := fn(op)

	op.EndTime = m.now()
	switch {
	case runErr == nil:
		op.Status = store.StatusCompleted
	case errors.Is(runErr, ErrAborted):
		op.Status = store.StatusAborted
	default:
		op.Status = store.StatusFailed
		op.ErrorMessage = runErr.Error()
		if errors.As(runErr, new(*execx.ExitError)) {
			m.logger.Error("orchestrator command failed", "command", command, "run_id", op.RunID, "exit_code", execx.ExitCode(runErr))
		}
	}
	if err := m.store.FinishOperation(op); err != nil {
		m.logger.Warn("failed to journal operation result", "command", command, "run_id", op.RunID, "error", err)
	}
	m.logger.Debug("operation finished", "command", command, "run_id", op.RunID, "status", op.Status)
	return runErr
}

// resolveInto resolves the deployment and stamps its mode on op. A record
// inferred from the descriptor is written out so later commands read it
// directly; callers hold the lock.
func (m *Manager) resolveInto(op *store.Operation) (*deploy.Record, error) {
	rec, err := m.Deployment()
	if err != nil {
		return nil, err
	}
	op.Mode = rec.Mode.String()
	if rec.Inferred {
		rec.GeneratedAt = m.now().UTC()
		if err := deploy.SaveRecord(m.cfg.RecordPath(), rec); err != nil {
			return nil, fmt.Errorf("persisting inferred deployment record: %w", err)
		}
		rec.Inferred = false
		m.logger.Info("deployment record written from descriptor", "mode", rec.Mode, "path", m.cfg.RecordPath())
	}
	return rec, nil
}

// dataDir is the host directory the server container mounts at /data.
func (m *Manager) dataDir(rec *deploy.Record) (string, error) {
	d, err := deploy.LoadDescriptor(m.cfg.ComposePath())
	if err != nil {
		return "", err
	}
	return d.DataDir(rec.Service, m.cfg.ComposePath())
}

// History returns journaled operations newest first.
func (m *Manager) History(command string, limit int) ([]store.Operation, error) {
	return m.store.ListOperations(command, limit)
}

// Operation returns one journaled operation by run id.
func (m *Manager) Operation(runID string) (*store.Operation, error) {
	return m.store.GetOperation(runID)
}
