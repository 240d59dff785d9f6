package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/3frustratedDucks/linux-containers-portainer/internal/download"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/execx"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/hostinfo"
)

type fakeFetcher struct {
	urls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, opts download.Options) (*download.Result, error) {
	f.urls = append(f.urls, opts.URL)
	if err := os.WriteFile(opts.DestPath, []byte("#!/bin/sh\n"), 0o600); err != nil {
		return nil, err
	}
	return &download.Result{Path: opts.DestPath}, nil
}

func newTestBootstrapper(rec *execx.Recorder, installed bool, distro hostinfo.Distro, euid int) (*Bootstrapper, *fakeFetcher, *bytes.Buffer) {
	var out bytes.Buffer
	f := &fakeFetcher{}
	b := New(rec, f, &out, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.lookPath = func(string) (string, bool) { return "/usr/bin/docker", installed }
	b.detect = func(context.Context) (hostinfo.Platform, error) {
		return hostinfo.Platform{ID: distro.String(), Distro: distro}, nil
	}
	b.euid = euid
	b.user = "alice"
	return b, f, &out
}

func TestRunAlreadyInstalledAndEnabled(t *testing.T) {
	rec := execx.NewRecorder(nil)
	b, _, _ := newTestBootstrapper(rec, true, hostinfo.DistroDebian, 0)

	report, err := b.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !report.AlreadyInstalled || len(report.Steps) != 0 {
		t.Errorf("report = %+v, want already installed with no steps", report)
	}
	if rec.Called("apt-get") || rec.Called("systemctl enable") {
		t.Errorf("unexpected install commands: %v", rec.Calls())
	}
}

func TestInstalledChecksComposePlugin(t *testing.T) {
	rec := execx.NewRecorder(nil)
	rec.Respond("docker compose version --short", "2.29.1\n")
	b, _, _ := newTestBootstrapper(rec, true, hostinfo.DistroDebian, 0)
	if !b.Installed(context.Background()) {
		t.Fatal("Installed() = false with a responding compose plugin")
	}
	if !rec.Called("docker compose version --short") {
		t.Errorf("calls = %v, want compose version check", rec.Calls())
	}

	rec = execx.NewRecorder(nil)
	rec.Fail("docker compose version", &execx.ExitError{Code: 125})
	b, _, _ = newTestBootstrapper(rec, true, hostinfo.DistroDebian, 0)
	if b.Installed(context.Background()) {
		t.Fatal("Installed() = true without a compose plugin")
	}
}

func TestRunAlreadyInstalledButDisabled(t *testing.T) {
	rec := execx.NewRecorder(nil)
	rec.Fail("systemctl is-enabled docker", &execx.ExitError{Code: 1})
	b, _, _ := newTestBootstrapper(rec, true, hostinfo.DistroDebian, 1000)

	if _, err := b.Run(context.Background(), false); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !rec.Called("sudo systemctl enable --now docker") {
		t.Errorf("docker not enabled: %v", rec.Calls())
	}
}

func TestRunInstallsPerDistro(t *testing.T) {
	tests := []struct {
		name   string
		id     string
		distro hostinfo.Distro
		want   []string
	}{
		{
			name:   "debian",
			id:     "debian",
			distro: hostinfo.DistroDebian,
			want: []string{
				"apt-get update",
				"apt-get install -y docker.io docker-compose",
				"systemctl enable --now docker",
				"usermod -aG docker alice",
			},
		},
		{
			name:   "ubuntu",
			id:     "ubuntu",
			distro: hostinfo.DistroDebian,
			want: []string{
				"apt-get update",
				"apt-get install -y docker.io docker-compose-v2",
				"systemctl enable --now docker",
				"usermod -aG docker alice",
			},
		},
		{
			name:   "rhel",
			id:     "rocky",
			distro: hostinfo.DistroRHEL,
			want: []string{
				"dnf install -y dnf-plugins-core",
				"dnf config-manager --add-repo " + DockerCERepoURL,
				"dnf install -y docker-ce docker-ce-cli containerd.io docker-compose-plugin",
				"systemctl enable --now docker",
				"usermod -aG docker alice",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := execx.NewRecorder(nil)
			b, f, _ := newTestBootstrapper(rec, false, tt.distro, 0)
			b.detect = func(context.Context) (hostinfo.Platform, error) {
				return hostinfo.Platform{ID: tt.id, Distro: tt.distro}, nil
			}

			report, err := b.Run(context.Background(), false)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if report.AlreadyInstalled {
				t.Error("AlreadyInstalled should be false")
			}
			calls := rec.Calls()
			if len(calls) != len(tt.want) {
				t.Fatalf("calls = %v, want %v", calls, tt.want)
			}
			for i := range tt.want {
				if calls[i] != tt.want[i] {
					t.Errorf("call %d = %q, want %q", i, calls[i], tt.want[i])
				}
			}
			if len(f.urls) != 0 {
				t.Errorf("script fetched on a packaged distro: %v", f.urls)
			}
		})
	}
}

func TestRunGenericDownloadsScript(t *testing.T) {
	rec := execx.NewRecorder(nil)
	b, f, _ := newTestBootstrapper(rec, false, hostinfo.DistroGeneric, 1000)

	if _, err := b.Run(context.Background(), false); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(f.urls) != 1 || f.urls[0] != InstallScriptURL {
		t.Errorf("fetched %v, want %s", f.urls, InstallScriptURL)
	}
	calls := rec.Calls()
	if len(calls) == 0 || !strings.HasPrefix(calls[0], "sudo sh ") || !strings.HasSuffix(calls[0], "get-docker.sh") {
		t.Errorf("first call = %v, want sudo sh <script>", calls)
	}
}

func TestRunDryRunExecutesNothing(t *testing.T) {
	rec := execx.NewRecorder(nil)
	b, f, out := newTestBootstrapper(rec, false, hostinfo.DistroGeneric, 1000)

	report, err := b.Run(context.Background(), true)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(f.urls) != 0 {
		t.Errorf("dry run fetched %v", f.urls)
	}
	if rec.Called("sudo") {
		t.Errorf("dry run executed commands: %v", rec.Calls())
	}
	if len(report.Steps) == 0 {
		t.Fatal("dry run returned no plan")
	}
	if !strings.Contains(out.String(), "+ sudo systemctl enable --now docker") {
		t.Errorf("plan not printed: %q", out.String())
	}
}

func TestRunStepFailureStops(t *testing.T) {
	rec := execx.NewRecorder(nil)
	boom := errors.New("apt broken")
	rec.Fail("apt-get install", boom)
	b, _, _ := newTestBootstrapper(rec, false, hostinfo.DistroDebian, 0)

	_, err := b.Run(context.Background(), false)
	if !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want %v", err, boom)
	}
	if rec.Called("systemctl") {
		t.Error("post-install steps ran after a failure")
	}
}

func TestPlanSkipsRootUser(t *testing.T) {
	rec := execx.NewRecorder(nil)
	b, _, _ := newTestBootstrapper(rec, false, hostinfo.DistroDebian, 0)
	b.user = "root"

	for _, step := range b.Plan(hostinfo.Platform{Distro: hostinfo.DistroDebian}, t.TempDir()) {
		if step.Command.Name == "usermod" {
			t.Fatal("root should not be added to the docker group")
		}
	}
}
