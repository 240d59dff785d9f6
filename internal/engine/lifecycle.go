package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/3frustratedDucks/linux-containers-portainer/internal/compose"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/deploy"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/store"
)

// StatusReport is the state of the deployment's containers.
type StatusReport struct {
	Record     *deploy.Record
	Containers []compose.Container
	// LastRelease is the newest journaled release for the mode, if any.
	LastRelease *store.Release
}

// Start brings the deployment up and prints where to reach it.
func (m *Manager) Start(ctx context.Context) error {
	return m.journal(ctx, "start", "", func(op *store.Operation) error {
		rec, err := m.resolveInto(op)
		if err != nil {
			return err
		}
		if rec.Mode == deploy.ModeAgent && rec.ServerAddress == deploy.SentinelServerAddress {
			m.refreshServerAddress(rec)
		}
		if err := m.compose.Up(ctx); err != nil {
			return err
		}
		m.printEndpoint(ctx, rec)
		return nil
	})
}

// refreshServerAddress picks up a server address written into the
// descriptor by hand after an install without one.
func (m *Manager) refreshServerAddress(rec *deploy.Record) {
	d, err := deploy.LoadDescriptor(m.cfg.ComposePath())
	if err != nil {
		m.logger.Warn("failed to read descriptor", "path", m.cfg.ComposePath(), "error", err)
		return
	}
	addr := d.ServerAddress(rec.Service)
	if addr == "" || addr == deploy.SentinelServerAddress {
		m.logger.Warn("agent descriptor still carries the placeholder server address; run 'portainerctl install --mode agent --server-address <address>'",
			"path", m.cfg.ComposePath())
		return
	}
	rec.ServerAddress = addr
	if err := deploy.SaveRecord(m.cfg.RecordPath(), rec); err != nil {
		m.logger.Warn("failed to update deployment record", "path", m.cfg.RecordPath(), "error", err)
		return
	}
	m.logger.Info("server address taken from descriptor", "address", addr)
}

func (m *Manager) printEndpoint(ctx context.Context, rec *deploy.Record) {
	switch rec.Mode {
	case deploy.ModeServer:
		fmt.Fprintf(m.out, "Portainer is running. Open https://%s:%d\n", m.primaryIP(ctx), deploy.ServerUIPort)
	case deploy.ModeAgent:
		fmt.Fprintf(m.out, "Portainer agent is running on port %d.\n", deploy.AgentPort)
	}
}

// Stop stops the deployment's containers.
func (m *Manager) Stop(ctx context.Context) error {
	return m.journal(ctx, "stop", "", func(op *store.Operation) error {
		if _, err := m.resolveInto(op); err != nil {
			return err
		}
		return m.compose.Stop(ctx)
	})
}

// Restart restarts the deployment's containers.
func (m *Manager) Restart(ctx context.Context) error {
	return m.journal(ctx, "restart", "", func(op *store.Operation) error {
		if _, err := m.resolveInto(op); err != nil {
			return err
		}
		return m.compose.Restart(ctx)
	})
}

// Logs follows container output until ctx is cancelled.
func (m *Manager) Logs(ctx context.Context, tail int) error {
	if _, err := m.Deployment(); err != nil {
		return err
	}
	return m.compose.Logs(ctx, true, tail)
}

// Status prints compose ps and a one-shot stats sample of running containers.
func (m *Manager) Status(ctx context.Context) (*StatusReport, error) {
	rec, err := m.Deployment()
	if err != nil {
		return nil, err
	}
	if err := m.compose.PS(ctx); err != nil {
		return nil, err
	}
	containers, err := m.compose.Containers(ctx)
	if err != nil {
		return nil, err
	}

	var running []string
	for _, c := range containers {
		if c.Running() {
			running = append(running, c.Name)
		}
	}
	if len(running) > 0 {
		fmt.Fprintln(m.out)
		if err := m.compose.Stats(ctx, running); err != nil {
			return nil, err
		}
	}
	report := &StatusReport{Record: rec, Containers: containers}
	last, err := m.store.LatestRelease(rec.Mode.String())
	switch {
	case err == nil:
		report.LastRelease = last
	case !errors.Is(err, store.ErrNotFound):
		m.logger.Warn("failed to read release journal", "error", err)
	}
	return report, nil
}

// Shell opens an interactive sh in the deployment's container.
func (m *Manager) Shell(ctx context.Context) error {
	rec, err := m.Deployment()
	if err != nil {
		return err
	}
	return m.compose.Exec(ctx, rec.Service, "sh")
}
