package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/3frustratedDucks/linux-containers-portainer/internal/bootstrap"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/config"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/deploy"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/execx"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/lock"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/store"
)

const composePrefix = "docker compose -f docker-compose.yml "

type staticTags []string

func (s staticTags) Tags(context.Context, string) ([]string, error) { return s, nil }

type countingBootstrapper struct {
	calls int
	err   error
}

func (c *countingBootstrapper) Run(context.Context, bool) (*bootstrap.Report, error) {
	c.calls++
	return &bootstrap.Report{}, c.err
}

type testEnv struct {
	m     *Manager
	cfg   *config.Config
	rec   *execx.Recorder
	store *store.Store
	out   *bytes.Buffer
	boot  *countingBootstrapper
}

func newTestEnv(t *testing.T, input string) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.DefaultConfig()
	cfg.Deployment.Dir = t.TempDir()
	cfg.Backup.Dir = "backups"

	st, err := store.New(":memory:", logger)
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	rec := execx.NewRecorder(nil)
	out := &bytes.Buffer{}
	boot := &countingBootstrapper{}
	m, err := NewManager(Options{
		Config:       cfg,
		Store:        st,
		Runner:       rec,
		Tags:         staticTags{"latest", "2.20.3", "2.21.4", "2.22.0-rc1"},
		Bootstrapper: boot,
		Stdin:        strings.NewReader(input),
		Stdout:       out,
		Stderr:       io.Discard,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	tick := time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)
	m.SetClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	})
	runs := 0
	m.newRunID = func() string {
		runs++
		return fmt.Sprintf("run-%d", runs)
	}
	m.primaryIP = func(context.Context) string { return "192.0.2.10" }

	return &testEnv{m: m, cfg: cfg, rec: rec, store: st, out: out, boot: boot}
}

// writeDeployment installs a deployment without going through prompts.
func (e *testEnv) writeDeployment(t *testing.T, mode deploy.Mode, tag string) *deploy.Record {
	t.Helper()
	desc, rec, err := deploy.Build(deploy.Options{
		Mode:          mode,
		ServerImage:   e.cfg.Images.Server,
		AgentImage:    e.cfg.Images.Agent,
		Tag:           tag,
		ServerAddress: "10.0.0.5",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := deploy.WriteDescriptor(e.cfg.ComposePath(), desc); err != nil {
		t.Fatal(err)
	}
	if err := deploy.SaveRecord(e.cfg.RecordPath(), rec); err != nil {
		t.Fatal(err)
	}
	if err := e.store.RecordRelease(&store.Release{Mode: mode.String(), Image: rec.Image, Tag: rec.Tag, AppliedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	return rec
}

func (e *testEnv) writeData(t *testing.T, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(e.cfg.DataPath(), filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func (e *testEnv) lastOperation(t *testing.T) store.Operation {
	t.Helper()
	ops, err := e.store.ListOperations("", 1)
	if err != nil || len(ops) != 1 {
		t.Fatalf("ListOperations() = %v, %v", ops, err)
	}
	return ops[0]
}

func TestNewManagerRequiresCollaborators(t *testing.T) {
	if _, err := NewManager(Options{}); err == nil {
		t.Fatal("expected error without config")
	}
	if _, err := NewManager(Options{Config: config.DefaultConfig()}); err == nil {
		t.Fatal("expected error without store")
	}
}

func TestJournalStatuses(t *testing.T) {
	e := newTestEnv(t, "")
	ctx := context.Background()
	boom := errors.New("boom")

	tests := []struct {
		name       string
		err        error
		wantStatus string
	}{
		{"completed", nil, store.StatusCompleted},
		{"failed", boom, store.StatusFailed},
		{"aborted", ErrAborted, store.StatusAborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.m.journal(ctx, "test-"+tt.name, "", func(*store.Operation) error { return tt.err })
			if !errors.Is(err, tt.err) {
				t.Fatalf("journal() error = %v, want %v", err, tt.err)
			}
			op := e.lastOperation(t)
			if op.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", op.Status, tt.wantStatus)
			}
			if tt.wantStatus == store.StatusFailed && op.ErrorMessage != "boom" {
				t.Errorf("error message = %q", op.ErrorMessage)
			}
		})
	}
}

func TestMutatingCommandsRespectLock(t *testing.T) {
	e := newTestEnv(t, "")
	e.writeDeployment(t, deploy.ModeServer, "latest")

	held, err := lock.Acquire(context.Background(), e.cfg.LockPath(), false)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = held.Release() }()

	if err := e.m.Start(context.Background()); !errors.Is(err, ErrLocked) {
		t.Fatalf("Start() error = %v, want ErrLocked", err)
	}
	if len(e.rec.Calls()) != 0 {
		t.Errorf("orchestrator called while locked: %v", e.rec.Calls())
	}

	// Read-only commands are lock-free.
	if _, err := e.m.Status(context.Background()); err != nil {
		t.Fatalf("Status() error = %v", err)
	}
}

func TestHistory(t *testing.T) {
	e := newTestEnv(t, "")
	e.writeDeployment(t, deploy.ModeServer, "latest")
	ctx := context.Background()

	_ = e.m.Start(ctx)
	_ = e.m.Stop(ctx)
	_ = e.m.Restart(ctx)

	ops, err := e.m.History("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 3 {
		t.Fatalf("History() returned %d operations, want 3", len(ops))
	}
	if ops[0].Command != "restart" || ops[2].Command != "start" {
		t.Errorf("unexpected order: %s, %s", ops[0].Command, ops[2].Command)
	}
	for _, op := range ops {
		if op.Mode != "server" || op.Status != store.StatusCompleted {
			t.Errorf("operation %+v not journaled as completed server op", op)
		}
	}
}
