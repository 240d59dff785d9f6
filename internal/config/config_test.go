package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefaultConfig verifies that DefaultConfig returns sensible defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name     string
		getValue func(*Config) string
		want     string
	}{
		{"deployment dir", func(c *Config) string { return c.Deployment.Dir }, "."},
		{"compose file", func(c *Config) string { return c.Deployment.ComposeFile }, "docker-compose.yml"},
		{"record file", func(c *Config) string { return c.Deployment.RecordFile }, ".portainer-deployment.yaml"},
		{"data dir", func(c *Config) string { return c.Deployment.DataDir }, "data"},
		{"docker binary", func(c *Config) string { return c.Docker.Binary }, "docker"},
		{"server image", func(c *Config) string { return c.Images.Server }, "portainer/portainer-ce"},
		{"agent image", func(c *Config) string { return c.Images.Agent }, "portainer/agent"},
		{"image tag", func(c *Config) string { return c.Images.Tag }, "latest"},
		{"compression", func(c *Config) string { return c.Backup.Compression }, "gzip"},
		{"registry", func(c *Config) string { return c.Registry.Endpoint }, "docker.io"},
		{"lock file", func(c *Config) string { return c.State.LockFile }, ".portainerctl.lock"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.getValue(cfg)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if cfg.Backup.Retention != 0 {
		t.Errorf("Backup.Retention = %d, want 0", cfg.Backup.Retention)
	}
	if cfg.Registry.Timeout != 30*time.Second {
		t.Errorf("Registry.Timeout = %s, want 30s", cfg.Registry.Timeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

// TestLoad tests loading a valid config file
func TestLoad(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, FileName)

	configContent := `
deployment:
  dir: "/opt/portainer"
  project: "edge"
docker:
  binary: "/usr/local/bin/docker"
images:
  tag: "2.21.4"
backup:
  dir: "/srv/backups"
  compression: "zstd"
  retention: 7
  schedule: "0 3 * * *"
registry:
  timeout: 10s
`

	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Deployment.Dir != "/opt/portainer" {
		t.Errorf("Deployment.Dir = %q, want %q", cfg.Deployment.Dir, "/opt/portainer")
	}
	if cfg.Deployment.Project != "edge" {
		t.Errorf("Deployment.Project = %q, want %q", cfg.Deployment.Project, "edge")
	}
	// Unset keys keep their defaults
	if cfg.Deployment.ComposeFile != "docker-compose.yml" {
		t.Errorf("Deployment.ComposeFile = %q, want default", cfg.Deployment.ComposeFile)
	}
	if cfg.Docker.Binary != "/usr/local/bin/docker" {
		t.Errorf("Docker.Binary = %q", cfg.Docker.Binary)
	}
	if cfg.Images.Tag != "2.21.4" {
		t.Errorf("Images.Tag = %q, want 2.21.4", cfg.Images.Tag)
	}
	if cfg.Images.Server != "portainer/portainer-ce" {
		t.Errorf("Images.Server = %q, want default", cfg.Images.Server)
	}
	if cfg.Backup.Compression != "zstd" {
		t.Errorf("Backup.Compression = %q, want zstd", cfg.Backup.Compression)
	}
	if cfg.Backup.Retention != 7 {
		t.Errorf("Backup.Retention = %d, want 7", cfg.Backup.Retention)
	}
	if cfg.Backup.Schedule != "0 3 * * *" {
		t.Errorf("Backup.Schedule = %q", cfg.Backup.Schedule)
	}
	if cfg.Registry.Timeout != 10*time.Second {
		t.Errorf("Registry.Timeout = %s, want 10s", cfg.Registry.Timeout)
	}
}

// TestLoadInvalidYAML tests that Load returns an error for invalid YAML
func TestLoadInvalidYAML(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "invalid.yaml")

	invalidContent := `
deployment:
  dir: "/opt"
  invalid: [unclosed bracket
`

	if err := os.WriteFile(configFile, []byte(invalidContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(configFile); err == nil {
		t.Error("Load() succeeded, want error for invalid YAML")
	}
}

func TestLoadRejectsUnknownCompression(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(configFile, []byte("backup:\n  compression: lz4\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(configFile); err == nil {
		t.Error("Load() succeeded, want error for unsupported compression")
	}
}

// TestLoadNonexistentFile tests that Load returns an error for missing files
func TestLoadNonexistentFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/to/config.yaml"); err == nil {
		t.Error("Load() succeeded, want error for nonexistent file")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)

	cfg := DefaultConfig()
	cfg.Backup.Retention = 3
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if loaded.Backup.Retention != 3 {
		t.Errorf("Backup.Retention = %d, want 3", loaded.Backup.Retention)
	}
}

// TestFindConfigFileFound tests that FindConfigFile returns the found config
func TestFindConfigFileFound(t *testing.T) {
	originalWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}

	tempDir := t.TempDir()
	if err := os.Chdir(tempDir); err != nil {
		t.Fatalf("failed to change directory: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(originalWd); err != nil {
			t.Fatalf("failed to restore working directory: %v", err)
		}
	})

	if err := os.WriteFile(filepath.Join(tempDir, FileName), []byte("docker:\n  binary: docker\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	found, err := FindConfigFile()
	if err != nil {
		t.Fatalf("FindConfigFile() failed: %v", err)
	}
	if found != FileName {
		t.Errorf("FindConfigFile() = %q, want %s", found, FileName)
	}
}

func TestPathsResolveUnderDeploymentDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Deployment.Dir = "/opt/portainer"
	cfg.Backup.Dir = "/srv/backups"

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"compose", cfg.ComposePath(), "/opt/portainer/docker-compose.yml"},
		{"record", cfg.RecordPath(), "/opt/portainer/.portainer-deployment.yaml"},
		{"data", cfg.DataPath(), "/opt/portainer/data"},
		{"absolute backup dir", cfg.BackupPath(), "/srv/backups"},
		{"db", cfg.DBPath(), "/opt/portainer/.portainerctl.db"},
		{"lock", cfg.LockPath(), "/opt/portainer/.portainerctl.lock"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}
