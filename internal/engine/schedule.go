package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/3frustratedDucks/linux-containers-portainer/internal/deploy"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/store"
)

// Job statuses written by the scheduler.
const (
	JobScheduled = "scheduled"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobStopped   = "stopped"
)

// cronLogger routes the scheduler's own messages to slog.
type cronLogger struct{ logger *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info("scheduler: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("scheduler: "+msg, append(keysAndValues, "error", err)...)
}

// newCron returns a scheduler that skips a tick while the previous run of
// the same entry is still going.
func newCron(logger *slog.Logger) *cron.Cron {
	return cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger: logger})))
}

// Schedule runs backups on the standard five-field cron expression spec
// until ctx is cancelled. Retention from the config applies after each run.
// Only server deployments can be scheduled.
func (m *Manager) Schedule(ctx context.Context, spec string) error {
	if spec == "" {
		return fmt.Errorf("no backup schedule configured (backup.schedule or --cron)")
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	rec, err := m.Deployment()
	if err != nil {
		return err
	}
	if rec.Mode != deploy.ModeServer {
		return ErrAgentMode
	}

	now := m.now()
	job := &store.Job{
		Type:      "backup",
		CronExpr:  spec,
		Status:    JobScheduled,
		NextRun:   sched.Next(now),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateJob(job); err != nil {
		return err
	}

	c := newCron(m.logger)
	if _, err := c.AddFunc(spec, func() { m.runScheduledBackup(ctx, job, sched) }); err != nil {
		return fmt.Errorf("scheduling backup: %w", err)
	}
	c.Start()
	m.logger.Info("backup scheduler started", "cron", spec, "next_run", job.NextRun)
	fmt.Fprintf(m.out, "Scheduled backups with %q; next run at %s. Press Ctrl+C to stop.\n",
		spec, job.NextRun.Format("2006-01-02 15:04:05"))

	<-ctx.Done()
	m.logger.Info("stopping backup scheduler")
	<-c.Stop().Done()

	job.Status = JobStopped
	job.UpdatedAt = m.now()
	if err := m.store.UpdateJob(job); err != nil {
		m.logger.Warn("failed to update job", "id", job.ID, "error", err)
	}
	return nil
}

// runScheduledBackup is the cron callback. Failures are logged and journaled;
// the scheduler keeps running.
func (m *Manager) runScheduledBackup(ctx context.Context, job *store.Job, sched cron.Schedule) {
	if ctx.Err() != nil {
		return
	}
	start := m.now()
	job.Status = JobRunning
	job.LastRun = start
	job.UpdatedAt = start
	if err := m.store.UpdateJob(job); err != nil {
		m.logger.Warn("failed to update job", "id", job.ID, "error", err)
	}

	archive, err := m.Backup(ctx, BackupOptions{})
	if err != nil {
		job.Status = JobFailed
		m.logger.Error("scheduled backup failed", "error", err)
	} else {
		job.Status = JobCompleted
		m.logger.Info("scheduled backup completed", "path", archive.Path, "size", archive.Size)
	}

	job.NextRun = sched.Next(m.now())
	job.UpdatedAt = m.now()
	if err := m.store.UpdateJob(job); err != nil {
		m.logger.Warn("failed to update job", "id", job.ID, "error", err)
	}
}

// Jobs returns recorded scheduler jobs newest first, optionally filtered by
// status.
func (m *Manager) Jobs(status string, limit int) ([]store.Job, error) {
	return m.store.ListJobs(status, limit)
}
