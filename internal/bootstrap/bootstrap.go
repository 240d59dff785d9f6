// Package bootstrap makes sure Docker Engine and the compose plugin are
// installed, enabled and usable by the invoking user.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/3frustratedDucks/linux-containers-portainer/internal/compose"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/download"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/execx"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/hostinfo"
)

// InstallScriptURL is the vendor convenience script used on unrecognized
// distributions.
const InstallScriptURL = "https://get.docker.com"

// DockerCERepoURL is the dnf repository added on the RHEL family.
const DockerCERepoURL = "https://download.docker.com/linux/centos/docker-ce.repo"

// Fetcher downloads a remote artifact. *download.Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, opts download.Options) (*download.Result, error)
}

// Step is one action of an install plan. When ScriptURL is set the script is
// downloaded to ScriptPath before Command runs.
type Step struct {
	Description string
	Command     execx.Command
	ScriptURL   string
	ScriptPath  string
}

// Report describes what a bootstrap run did (or would do, in a dry run).
type Report struct {
	AlreadyInstalled bool
	Platform         hostinfo.Platform
	Steps            []Step
	User             string
}

// Bootstrapper installs Docker. Installation checks always execute for real;
// plan steps go through a Recorder in dry runs.
type Bootstrapper struct {
	runner  execx.Runner
	fetcher Fetcher
	logger  *slog.Logger
	out     io.Writer

	lookPath func(string) (string, bool)
	detect   func(context.Context) (hostinfo.Platform, error)
	euid     int
	user     string
}

// New creates a bootstrapper. out receives the dry-run plan.
func New(runner execx.Runner, fetcher Fetcher, out io.Writer, logger *slog.Logger) *Bootstrapper {
	if logger == nil {
		logger = slog.Default()
	}
	if out == nil {
		out = io.Discard
	}
	return &Bootstrapper{
		runner:   runner,
		fetcher:  fetcher,
		logger:   logger,
		out:      out,
		lookPath: execx.LookPath,
		detect:   hostinfo.Detect,
		euid:     os.Geteuid(),
		user:     invokingUser(),
	}
}

// invokingUser prefers SUDO_USER so "sudo portainerctl bootstrap" adds the
// real operator to the docker group rather than root.
func invokingUser() string {
	if u := os.Getenv("SUDO_USER"); u != "" {
		return u
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

// privileged builds a command, prefixed with sudo when not running as root.
func (b *Bootstrapper) privileged(name string, args ...string) execx.Command {
	if b.euid == 0 {
		return execx.Command{Name: name, Args: args}
	}
	return execx.Command{Name: "sudo", Args: append([]string{name}, args...)}
}

// Installed reports whether both docker and the compose plugin respond.
func (b *Bootstrapper) Installed(ctx context.Context) bool {
	if _, ok := b.lookPath("docker"); !ok {
		return false
	}
	version, err := compose.New(b.runner, compose.Options{}).Version(ctx)
	if err != nil {
		b.logger.Debug("compose plugin not usable", "error", err)
		return false
	}
	b.logger.Debug("compose plugin found", "version", version)
	return true
}

// composePackage names the distro package carrying compose v2. Ubuntu and
// its derivatives split it out as docker-compose-v2.
func composePackage(id string) string {
	switch strings.ToLower(id) {
	case "ubuntu", "linuxmint", "pop":
		return "docker-compose-v2"
	}
	return "docker-compose"
}

// Plan returns the install steps for p. scriptDir holds the vendor script on
// generic platforms.
func (b *Bootstrapper) Plan(p hostinfo.Platform, scriptDir string) []Step {
	var steps []Step
	switch p.Distro {
	case hostinfo.DistroDebian:
		steps = append(steps,
			Step{Description: "refresh package index", Command: b.privileged("apt-get", "update")},
			Step{Description: "install docker and compose", Command: b.privileged("apt-get", "install", "-y", "docker.io", composePackage(p.ID))},
		)
	case hostinfo.DistroRHEL:
		steps = append(steps,
			Step{Description: "install dnf plugins", Command: b.privileged("dnf", "install", "-y", "dnf-plugins-core")},
			Step{Description: "add docker-ce repository", Command: b.privileged("dnf", "config-manager", "--add-repo", DockerCERepoURL)},
			Step{Description: "install docker and compose plugin", Command: b.privileged("dnf", "install", "-y", "docker-ce", "docker-ce-cli", "containerd.io", "docker-compose-plugin")},
		)
	default:
		script := filepath.Join(scriptDir, "get-docker.sh")
		steps = append(steps, Step{
			Description: "run vendor install script",
			Command:     b.privileged("sh", script),
			ScriptURL:   InstallScriptURL,
			ScriptPath:  script,
		})
	}
	return append(steps, b.postInstall()...)
}

func (b *Bootstrapper) postInstall() []Step {
	steps := []Step{{Description: "enable and start docker", Command: b.privileged("systemctl", "enable", "--now", "docker")}}
	if b.user != "" && b.user != "root" {
		steps = append(steps, Step{
			Description: "add " + b.user + " to the docker group",
			Command:     b.privileged("usermod", "-aG", "docker", b.user),
		})
	}
	return steps
}

// Run installs Docker when it is missing, otherwise only makes sure the
// service is enabled. A dry run prints the steps without executing them.
func (b *Bootstrapper) Run(ctx context.Context, dryRun bool) (*Report, error) {
	exec := b.runner
	if dryRun {
		exec = execx.NewRecorder(b.out)
	}
	report := &Report{User: b.user}

	if b.Installed(ctx) {
		report.AlreadyInstalled = true
		b.logger.Info("docker and compose plugin already installed")
		_, err := b.runner.Output(ctx, execx.Command{Name: "systemctl", Args: []string{"is-enabled", "docker"}})
		if err == nil {
			return report, nil
		}
		step := Step{Description: "enable and start docker", Command: b.privileged("systemctl", "enable", "--now", "docker")}
		report.Steps = append(report.Steps, step)
		if err := exec.Run(ctx, step.Command); err != nil {
			return report, fmt.Errorf("%s: %w", step.Description, err)
		}
		return report, nil
	}

	platform, err := b.detect(ctx)
	if err != nil {
		b.logger.Warn("could not detect platform, using generic installer", "error", err)
		platform = hostinfo.Platform{Distro: hostinfo.DistroGeneric}
	}
	report.Platform = platform
	b.logger.Info("installing docker", "platform", platform.ID, "distro", platform.Distro.String())

	scriptDir, err := os.MkdirTemp("", "portainerctl-bootstrap-*")
	if err != nil {
		return report, fmt.Errorf("creating temp directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(scriptDir)
	}()

	report.Steps = b.Plan(platform, scriptDir)
	for _, step := range report.Steps {
		if step.ScriptURL != "" && !dryRun {
			if b.fetcher == nil {
				return report, fmt.Errorf("%s: no downloader configured", step.Description)
			}
			if _, err := b.fetcher.Fetch(ctx, download.Options{URL: step.ScriptURL, DestPath: step.ScriptPath}); err != nil {
				return report, fmt.Errorf("downloading %s: %w", step.ScriptURL, err)
			}
		}
		b.logger.Debug("bootstrap step", "step", step.Description, "command", step.Command.String())
		if err := exec.Run(ctx, step.Command); err != nil {
			return report, fmt.Errorf("%s: %w", step.Description, err)
		}
	}
	return report, nil
}
