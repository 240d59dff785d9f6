package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/3frustratedDucks/linux-containers-portainer/internal/backup"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/deploy"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/store"
)

func archivesIn(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, backup.Prefix+"*"))
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, m := range matches {
		if filepath.Ext(m) != ".sha256" {
			out = append(out, m)
		}
	}
	return out
}

func TestBackupRejectedForAgent(t *testing.T) {
	e := newTestEnv(t, "")
	e.writeDeployment(t, deploy.ModeAgent, "latest")
	e.writeData(t, map[string]string{"portainer.db": "x"})

	_, err := e.m.Backup(context.Background(), BackupOptions{})
	if !errors.Is(err, ErrAgentMode) {
		t.Fatalf("Backup() error = %v, want ErrAgentMode", err)
	}
	if got := archivesIn(t, e.cfg.BackupPath()); len(got) != 0 {
		t.Errorf("archives created for agent: %v", got)
	}
	if len(e.rec.Calls()) != 0 {
		t.Errorf("orchestrator called: %v", e.rec.Calls())
	}
}

func TestBackupInferredFromLegacyDescriptor(t *testing.T) {
	e := newTestEnv(t, "")
	legacy := "services:\n  portainer_agent:\n    image: portainer/agent:latest\n"
	if err := os.WriteFile(e.cfg.ComposePath(), []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := e.m.Backup(context.Background(), BackupOptions{}); !errors.Is(err, ErrAgentMode) {
		t.Fatalf("Backup() error = %v, want ErrAgentMode", err)
	}
}

func TestBackupServer(t *testing.T) {
	e := newTestEnv(t, "")
	e.writeDeployment(t, deploy.ModeServer, "latest")
	e.writeData(t, map[string]string{"portainer.db": "db", "certs/cert.pem": "pem"})

	archive, err := e.m.Backup(context.Background(), BackupOptions{})
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if archive.Files != 2 {
		t.Errorf("archived %d files, want 2", archive.Files)
	}
	if _, err := os.Stat(archive.Path); err != nil {
		t.Fatalf("archive missing: %v", err)
	}
	row, err := e.store.GetBackup(archive.Path)
	if err != nil {
		t.Fatalf("backup not recorded: %v", err)
	}
	if row.SHA256 != archive.SHA256 {
		t.Errorf("recorded sha %s, want %s", row.SHA256, archive.SHA256)
	}
	if len(e.rec.Calls()) != 0 {
		t.Errorf("plain backup should not touch the deployment: %v", e.rec.Calls())
	}
}

func TestBackupConsistentStopsAndStarts(t *testing.T) {
	e := newTestEnv(t, "")
	e.writeDeployment(t, deploy.ModeServer, "latest")
	e.writeData(t, map[string]string{"portainer.db": "db"})

	if _, err := e.m.Backup(context.Background(), BackupOptions{Consistent: true}); err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	calls := e.rec.Calls()
	if len(calls) != 2 || calls[0] != composePrefix+"stop" || calls[1] != composePrefix+"up -d" {
		t.Errorf("calls = %v, want stop then up -d", calls)
	}
}

func TestBackupMissingDataDir(t *testing.T) {
	e := newTestEnv(t, "")
	e.writeDeployment(t, deploy.ModeServer, "latest")

	if _, err := e.m.Backup(context.Background(), BackupOptions{}); err == nil {
		t.Fatal("expected error without a data directory")
	}
	if got := archivesIn(t, e.cfg.BackupPath()); len(got) != 0 {
		t.Errorf("archives created: %v", got)
	}
}

func TestBackupRetention(t *testing.T) {
	e := newTestEnv(t, "")
	e.cfg.Backup.Retention = 2
	e.writeDeployment(t, deploy.ModeServer, "latest")
	e.writeData(t, map[string]string{"portainer.db": "db"})

	var created []*backup.Archive
	for i := 0; i < 3; i++ {
		a, err := e.m.Backup(context.Background(), BackupOptions{})
		if err != nil {
			t.Fatalf("Backup() #%d error = %v", i, err)
		}
		created = append(created, a)
	}

	remaining := archivesIn(t, e.cfg.BackupPath())
	if len(remaining) != 2 {
		t.Fatalf("remaining = %v, want 2 archives", remaining)
	}
	if _, err := os.Stat(created[0].Path); !os.IsNotExist(err) {
		t.Error("oldest archive was not pruned")
	}
	row, err := e.store.GetBackup(created[0].Path)
	if err != nil || !row.Deleted {
		t.Errorf("oldest backup row = %+v, %v; want deleted", row, err)
	}
}

func TestPruneBackups(t *testing.T) {
	e := newTestEnv(t, "")
	e.writeDeployment(t, deploy.ModeServer, "latest")
	e.writeData(t, map[string]string{"portainer.db": "db"})
	for i := 0; i < 3; i++ {
		if _, err := e.m.Backup(context.Background(), BackupOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := e.m.PruneBackups(context.Background(), 0); err == nil {
		t.Error("expected error for keep=0")
	}
	removed, err := e.m.PruneBackups(context.Background(), 1)
	if err != nil {
		t.Fatalf("PruneBackups() error = %v", err)
	}
	if len(removed) != 2 {
		t.Errorf("removed %v, want 2", removed)
	}
	list, err := e.m.ListBackups()
	if err != nil || len(list) != 1 {
		t.Errorf("ListBackups() = %v, %v", list, err)
	}
}

func TestRestoreMissingArchive(t *testing.T) {
	e := newTestEnv(t, "y\n")
	e.writeDeployment(t, deploy.ModeServer, "latest")

	_, err := e.m.Restore(context.Background(), filepath.Join(t.TempDir(), "nope.tar.gz"), RestoreOptions{Start: true})
	if !errors.Is(err, ErrBackupNotFound) {
		t.Fatalf("Restore() error = %v, want ErrBackupNotFound", err)
	}
	if len(e.rec.Calls()) != 0 {
		t.Errorf("orchestrator called: %v", e.rec.Calls())
	}
}

func TestRestoreRejectedForAgent(t *testing.T) {
	e := newTestEnv(t, "y\n")
	e.writeDeployment(t, deploy.ModeAgent, "latest")

	_, err := e.m.Restore(context.Background(), "whatever.tar.gz", RestoreOptions{Start: true})
	if !errors.Is(err, ErrAgentMode) {
		t.Fatalf("Restore() error = %v, want ErrAgentMode", err)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	e := newTestEnv(t, "y\n")
	e.writeDeployment(t, deploy.ModeServer, "latest")
	e.writeData(t, map[string]string{"portainer.db": "original", "certs/key.pem": "key"})

	archive, err := e.m.Backup(context.Background(), BackupOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// Diverge the live data.
	e.writeData(t, map[string]string{"portainer.db": "changed", "extra.txt": "new"})

	report, err := e.m.Restore(context.Background(), archive.Path, RestoreOptions{Start: true})
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if !report.Verified {
		t.Error("sidecar was not verified")
	}

	got, err := os.ReadFile(filepath.Join(e.cfg.DataPath(), "portainer.db"))
	if err != nil || string(got) != "original" {
		t.Errorf("portainer.db = %q, %v", got, err)
	}
	if _, err := os.Stat(filepath.Join(e.cfg.DataPath(), "extra.txt")); !os.IsNotExist(err) {
		t.Error("file absent from the archive survived the restore")
	}
	prev, err := os.ReadFile(filepath.Join(report.PreviousDir, "portainer.db"))
	if err != nil || string(prev) != "changed" {
		t.Errorf("previous data = %q, %v", prev, err)
	}

	calls := e.rec.Calls()
	if len(calls) != 2 || calls[0] != composePrefix+"stop" || calls[1] != composePrefix+"up -d" {
		t.Errorf("calls = %v, want stop then up -d", calls)
	}
}

func TestRestoreDeclined(t *testing.T) {
	e := newTestEnv(t, "n\n")
	e.writeDeployment(t, deploy.ModeServer, "latest")
	e.writeData(t, map[string]string{"portainer.db": "original"})
	archive, err := e.m.Backup(context.Background(), BackupOptions{})
	if err != nil {
		t.Fatal(err)
	}

	_, err = e.m.Restore(context.Background(), archive.Path, RestoreOptions{Start: true})
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("Restore() error = %v, want ErrAborted", err)
	}
	if len(e.rec.Calls()) != 0 {
		t.Errorf("orchestrator called after decline: %v", e.rec.Calls())
	}
	ops, _ := e.store.ListOperations("restore", 1)
	if len(ops) != 1 || ops[0].Status != store.StatusAborted {
		t.Errorf("restore journal = %+v", ops)
	}
}

func TestRestoreTamperedSidecarAborts(t *testing.T) {
	e := newTestEnv(t, "y\n")
	e.writeDeployment(t, deploy.ModeServer, "latest")
	e.writeData(t, map[string]string{"portainer.db": "original"})
	archive, err := e.m.Backup(context.Background(), BackupOptions{})
	if err != nil {
		t.Fatal(err)
	}
	bad := "0000000000000000000000000000000000000000000000000000000000000000  x\n"
	if err := os.WriteFile(backup.SidecarPath(archive.Path), []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = e.m.Restore(context.Background(), archive.Path, RestoreOptions{Start: true})
	if !errors.Is(err, backup.ErrChecksumMismatch) {
		t.Fatalf("Restore() error = %v, want ErrChecksumMismatch", err)
	}
	if len(e.rec.Calls()) != 0 {
		t.Errorf("orchestrator called for a tampered archive: %v", e.rec.Calls())
	}
}

// mountDataAt rewrites the descriptor so the server mounts dir at /data.
func (e *testEnv) mountDataAt(t *testing.T, dir string) {
	t.Helper()
	desc, _, err := deploy.Build(deploy.Options{
		Mode:        deploy.ModeServer,
		ServerImage: e.cfg.Images.Server,
		Tag:         "latest",
		DataDir:     dir,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := deploy.WriteDescriptor(e.cfg.ComposePath(), desc); err != nil {
		t.Fatal(err)
	}
}

func TestBackupFollowsDescriptorMount(t *testing.T) {
	e := newTestEnv(t, "")
	e.writeDeployment(t, deploy.ModeServer, "latest")
	mounted := t.TempDir()
	e.mountDataAt(t, mounted)
	for name, content := range map[string]string{"portainer.db": "db", "tls/cert.pem": "pem", "compose/1/x.yml": "x"} {
		p := filepath.Join(mounted, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	archive, err := e.m.Backup(context.Background(), BackupOptions{})
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if archive.Files != 3 {
		t.Errorf("archived %d files, want the 3 under the mounted directory", archive.Files)
	}
	if _, err := os.Stat(e.cfg.DataPath()); !os.IsNotExist(err) {
		t.Errorf("configured data_dir should not have been touched: %v", err)
	}
}

func TestRestoreFollowsDescriptorMount(t *testing.T) {
	e := newTestEnv(t, "y\n")
	e.writeDeployment(t, deploy.ModeServer, "latest")
	e.writeData(t, map[string]string{"portainer.db": "original"})
	archive, err := e.m.Backup(context.Background(), BackupOptions{})
	if err != nil {
		t.Fatal(err)
	}

	mounted := filepath.Join(t.TempDir(), "pdata")
	e.mountDataAt(t, mounted)
	if _, err := e.m.Restore(context.Background(), archive.Path, RestoreOptions{}); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	got, err := os.ReadFile(filepath.Join(mounted, "portainer.db"))
	if err != nil || string(got) != "original" {
		t.Errorf("restored portainer.db = %q, %v", got, err)
	}
}

func TestBackupRejectsNamedDataVolume(t *testing.T) {
	e := newTestEnv(t, "")
	e.writeDeployment(t, deploy.ModeServer, "latest")
	e.mountDataAt(t, "portainer_data")

	if _, err := e.m.Backup(context.Background(), BackupOptions{}); !errors.Is(err, deploy.ErrNamedDataVolume) {
		t.Fatalf("Backup() error = %v, want ErrNamedDataVolume", err)
	}
}

func TestRestoreVerifiesAgainstJournal(t *testing.T) {
	tests := []struct {
		name    string
		tamper  bool
		wantErr error
	}{
		{"intact", false, nil},
		{"tampered", true, backup.ErrChecksumMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, "y\n")
			e.writeDeployment(t, deploy.ModeServer, "latest")
			e.writeData(t, map[string]string{"portainer.db": "original"})
			archive, err := e.m.Backup(context.Background(), BackupOptions{})
			if err != nil {
				t.Fatal(err)
			}
			if err := os.Remove(backup.SidecarPath(archive.Path)); err != nil {
				t.Fatal(err)
			}
			if tt.tamper {
				f, err := os.OpenFile(archive.Path, os.O_APPEND|os.O_WRONLY, 0)
				if err != nil {
					t.Fatal(err)
				}
				_, _ = f.Write([]byte("junk"))
				_ = f.Close()
			}

			report, err := e.m.Restore(context.Background(), archive.Path, RestoreOptions{Start: true})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Restore() error = %v, want %v", err, tt.wantErr)
				}
				if len(e.rec.Calls()) != 0 {
					t.Errorf("orchestrator called for a tampered archive: %v", e.rec.Calls())
				}
				return
			}
			if err != nil {
				t.Fatalf("Restore() error = %v", err)
			}
			if !report.Verified {
				t.Error("archive without sidecar was not checked against the journaled digest")
			}
		})
	}
}

func TestListBackupsCarriesJournal(t *testing.T) {
	e := newTestEnv(t, "")
	e.writeDeployment(t, deploy.ModeServer, "latest")
	e.writeData(t, map[string]string{"portainer.db": "db"})
	archive, err := e.m.Backup(context.Background(), BackupOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if archive.RunID != "run-1" {
		t.Errorf("archive run id = %q, want run-1", archive.RunID)
	}

	list, err := e.m.ListBackups()
	if err != nil || len(list) != 1 {
		t.Fatalf("ListBackups() = %v, %v", list, err)
	}
	if list[0].SHA256 != archive.SHA256 || list[0].RunID != "run-1" {
		t.Errorf("listed archive = %+v, want journaled sha and run id", list[0])
	}
}
