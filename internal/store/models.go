package store

import "time"

// Operation statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusAborted   = "aborted"
)

// Operation journals one mutating command invocation
type Operation struct {
	ID           int64
	RunID        string // uuid
	Command      string // "start", "update", "backup", ...
	Mode         string // "server" or "agent"
	Detail       string // free-form argument summary, e.g. target tag or archive path
	Status       string
	ErrorMessage string
	StartTime    time.Time
	EndTime      time.Time
}

// Backup tracks an archive written by the backup command
type Backup struct {
	ID          int64
	Path        string
	SHA256      string
	Size        int64
	Compression string
	RunID       string
	CreatedAt   time.Time
	Deleted     bool
}

// Release records an image tag applied to the deployment
type Release struct {
	ID          int64
	Mode        string
	Image       string
	Tag         string
	PreviousTag string
	RunID       string
	AppliedAt   time.Time
}

// Job tracks a scheduled task registered by the schedule command
type Job struct {
	ID        int64
	Type      string // "backup"
	CronExpr  string
	Status    string // "scheduled", "running", "completed", "failed", "stopped"
	LastRun   time.Time
	NextRun   time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}
