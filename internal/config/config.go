package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file name searched for by FindConfigFile.
const FileName = "portainerctl.yaml"

// Config is the top-level configuration
type Config struct {
	Deployment DeploymentConfig `yaml:"deployment"`
	Docker     DockerConfig     `yaml:"docker"`
	Images     ImagesConfig     `yaml:"images"`
	Backup     BackupConfig     `yaml:"backup"`
	Registry   RegistryConfig   `yaml:"registry"`
	State      StateConfig      `yaml:"state"`
}

// DeploymentConfig locates the generated artifacts.
type DeploymentConfig struct {
	Dir         string `yaml:"dir"`
	ComposeFile string `yaml:"compose_file"`
	RecordFile  string `yaml:"record_file"`
	Project     string `yaml:"project"`
	DataDir     string `yaml:"data_dir"`
}

// DockerConfig holds orchestrator CLI settings
type DockerConfig struct {
	Binary string `yaml:"binary"`
}

// ImagesConfig names the images used for each deployment variant.
type ImagesConfig struct {
	Server string `yaml:"server"`
	Agent  string `yaml:"agent"`
	Tag    string `yaml:"tag"`
}

// BackupConfig holds backup/restore settings
type BackupConfig struct {
	Dir         string `yaml:"dir"`
	Compression string `yaml:"compression"`
	Retention   int    `yaml:"retention"`
	Schedule    string `yaml:"schedule"`
}

// RegistryConfig points at the registry used to list image tags.
type RegistryConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// StateConfig holds the local journal and lock locations.
type StateConfig struct {
	DBPath   string `yaml:"db_path"`
	LockFile string `yaml:"lock_file"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Deployment: DeploymentConfig{
			Dir:         ".",
			ComposeFile: "docker-compose.yml",
			RecordFile:  ".portainer-deployment.yaml",
			DataDir:     "data",
		},
		Docker: DockerConfig{
			Binary: "docker",
		},
		Images: ImagesConfig{
			Server: "portainer/portainer-ce",
			Agent:  "portainer/agent",
			Tag:    "latest",
		},
		Backup: BackupConfig{
			Dir:         ".",
			Compression: "gzip",
			Retention:   0,
			Schedule:    "",
		},
		Registry: RegistryConfig{
			Endpoint: "docker.io",
			Timeout:  30 * time.Second,
		},
		State: StateConfig{
			DBPath:   ".portainerctl.db",
			LockFile: ".portainerctl.lock",
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes the config as YAML, creating parent directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Backup.Compression {
	case "gzip", "zstd", "xz":
	default:
		return fmt.Errorf("unsupported backup compression %q (gzip, zstd or xz)", c.Backup.Compression)
	}
	if c.Backup.Retention < 0 {
		return fmt.Errorf("backup retention must not be negative")
	}
	if c.Deployment.ComposeFile == "" {
		return fmt.Errorf("deployment.compose_file is required")
	}
	if c.Deployment.RecordFile == "" {
		return fmt.Errorf("deployment.record_file is required")
	}
	if c.Images.Server == "" || c.Images.Agent == "" {
		return fmt.Errorf("images.server and images.agent are required")
	}
	return nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		FileName,
		filepath.Join("/etc/portainerctl", FileName),
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "portainerctl", FileName),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// resolve anchors p under the deployment directory unless it is absolute.
func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Deployment.Dir, p)
}

// ComposePath returns the descriptor location.
func (c *Config) ComposePath() string { return c.resolve(c.Deployment.ComposeFile) }

// RecordPath returns the deployment record location.
func (c *Config) RecordPath() string { return c.resolve(c.Deployment.RecordFile) }

// DataPath returns the server data directory bind-mounted into the container.
func (c *Config) DataPath() string { return c.resolve(c.Deployment.DataDir) }

// BackupPath returns the directory new archives are written to.
func (c *Config) BackupPath() string { return c.resolve(c.Backup.Dir) }

// DBPath returns the journal database location.
func (c *Config) DBPath() string { return c.resolve(c.State.DBPath) }

// LockPath returns the advisory lock file location.
func (c *Config) LockPath() string { return c.resolve(c.State.LockFile) }
