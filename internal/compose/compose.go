// Package compose drives the docker compose CLI for a single project.
package compose

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/3frustratedDucks/linux-containers-portainer/internal/execx"
)

// Options locate the project the client acts on.
type Options struct {
	Binary  string
	File    string
	Project string
	Dir     string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

// Client issues docker compose commands through an execx.Runner.
type Client struct {
	runner execx.Runner
	opts   Options
}

// Publisher is a published port as reported by compose ps.
type Publisher struct {
	URL           string
	TargetPort    int
	PublishedPort int
	Protocol      string
}

// Container is one entry of `docker compose ps --format json`.
type Container struct {
	ID         string
	Name       string
	Image      string
	Project    string
	Service    string
	State      string
	Status     string
	Health     string
	ExitCode   int
	Publishers []Publisher
}

// Running reports whether the container is in the running state.
func (c Container) Running() bool {
	return strings.EqualFold(c.State, "running")
}

// New creates a client. An empty binary defaults to "docker".
func New(runner execx.Runner, opts Options) *Client {
	if opts.Binary == "" {
		opts.Binary = "docker"
	}
	return &Client{runner: runner, opts: opts}
}

func (c *Client) command(args ...string) execx.Command {
	full := []string{"compose"}
	if c.opts.File != "" {
		full = append(full, "-f", c.opts.File)
	}
	if c.opts.Project != "" {
		full = append(full, "-p", c.opts.Project)
	}
	full = append(full, args...)
	return execx.Command{
		Name:   c.opts.Binary,
		Args:   full,
		Dir:    c.opts.Dir,
		Stdin:  c.opts.Stdin,
		Stdout: c.opts.Stdout,
		Stderr: c.opts.Stderr,
	}
}

func (c *Client) run(ctx context.Context, args ...string) error {
	if err := c.runner.Run(ctx, c.command(args...)); err != nil {
		return fmt.Errorf("docker compose %s: %w", args[0], err)
	}
	return nil
}

// Up creates and starts the deployment detached.
func (c *Client) Up(ctx context.Context) error { return c.run(ctx, "up", "-d") }

// Stop stops running containers without removing them.
func (c *Client) Stop(ctx context.Context) error { return c.run(ctx, "stop") }

// Restart restarts the deployment's containers.
func (c *Client) Restart(ctx context.Context) error { return c.run(ctx, "restart") }

// Pull fetches the images referenced by the descriptor.
func (c *Client) Pull(ctx context.Context) error { return c.run(ctx, "pull") }

// PS prints the compose-reported container table.
func (c *Client) PS(ctx context.Context) error { return c.run(ctx, "ps") }

// Logs streams logs. With follow set it blocks until ctx is cancelled.
func (c *Client) Logs(ctx context.Context, follow bool, tail int) error {
	args := []string{"logs"}
	if follow {
		args = append(args, "-f")
	}
	if tail > 0 {
		args = append(args, "--tail", strconv.Itoa(tail))
	}
	err := c.run(ctx, args...)
	if err != nil && ctx.Err() != nil {
		// Interrupted by the operator.
		return nil
	}
	return err
}

// Exec runs argv inside service with the caller's terminal attached.
func (c *Client) Exec(ctx context.Context, service string, argv ...string) error {
	args := append([]string{"exec", service}, argv...)
	return c.run(ctx, args...)
}

// Containers lists the project's containers. Compose prints either a JSON
// array or one object per line depending on its version; both are accepted.
func (c *Client) Containers(ctx context.Context) ([]Container, error) {
	cmd := c.command("ps", "--all", "--format", "json")
	cmd.Stdout, cmd.Stderr = nil, nil
	out, err := c.runner.Output(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("docker compose ps: %w", err)
	}
	return ParseContainers(out)
}

// ParseContainers decodes compose ps JSON output.
func ParseContainers(out []byte) ([]Container, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var list []Container
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("decoding compose ps output: %w", err)
		}
		return list, nil
	}

	var list []Container
	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ct Container
		if err := json.Unmarshal(line, &ct); err != nil {
			return nil, fmt.Errorf("decoding compose ps line: %w", err)
		}
		list = append(list, ct)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

// Stats prints a single resource usage snapshot for the named containers.
func (c *Client) Stats(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	args := append([]string{"stats", "--no-stream"}, names...)
	err := c.runner.Run(ctx, execx.Command{
		Name:   c.opts.Binary,
		Args:   args,
		Dir:    c.opts.Dir,
		Stdout: c.opts.Stdout,
		Stderr: c.opts.Stderr,
	})
	if err != nil {
		return fmt.Errorf("docker stats: %w", err)
	}
	return nil
}

// Version returns the compose plugin version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	out, err := c.runner.Output(ctx, execx.Command{
		Name: c.opts.Binary,
		Args: []string{"compose", "version", "--short"},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
