package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/3frustratedDucks/linux-containers-portainer/internal/bootstrap"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/config"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/download"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/engine"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/execx"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/prompt"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/release"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/safety"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/store"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

var (
	// Global flags
	cfgPath   string
	deployDir string
	logLevel  string
	logFormat string
	quiet     bool
	assumeYes bool
	waitLock  bool
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore   *store.Store
	globalManager *engine.Manager
)

// newBootstrapper wires the dependency installer to the real runner.
func newBootstrapper() *bootstrap.Bootstrapper {
	runner := execx.NewOSRunner(logger)
	fetcher := download.NewClient(nil, logger)
	return bootstrap.New(runner, fetcher, os.Stdout, logger)
}

// initializeComponents opens the journal and builds the engine.
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	dbPath := globalCfg.DBPath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	st, err := store.New(dbPath, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st

	registry, err := release.NewRegistry(
		globalCfg.Registry.Endpoint,
		safety.NewHTTPClient(globalCfg.Registry.Timeout),
		logger,
	)
	if err != nil {
		return err
	}

	p := prompt.New(os.Stdin, os.Stdout)
	p.AssumeYes = assumeYes

	globalManager, err = engine.NewManager(engine.Options{
		Config:       globalCfg,
		Store:        globalStore,
		Runner:       execx.NewOSRunner(logger),
		Tags:         registry,
		Bootstrapper: newBootstrapper(),
		Prompter:     p,
		Logger:       logger,
		WaitForLock:  waitLock,
	})
	if err != nil {
		return err
	}

	logger.Debug("components initialized", "db", dbPath, "dir", globalCfg.Deployment.Dir)
	return nil
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "config", "bootstrap":
			return true
		}
	}
	return shouldSkipConfig(cmd.Name())
}

// closeStore closes the global store connection
func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "portainerctl",
		Short: "Install and manage a Portainer server or agent with docker compose",
		Long: `portainerctl generates a docker compose deployment for either a Portainer
server or a Portainer agent and manages it afterwards: start, stop, logs,
status, image updates with rollback, and backup/restore of the server data
directory.`,
		Example: `  portainerctl install
  portainerctl install --mode agent --server-address 10.0.0.5
  portainerctl start
  portainerctl update --latest-stable
  portainerctl backup --consistent
  portainerctl restore portainer-backup-20240501-120000.tar.gz`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			if cfgPath == "" {
				found, err := config.FindConfigFile()
				if err != nil {
					logger.Debug("config file not found, using defaults", "error", err)
				}
				cfgPath = found
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			if deployDir != "" {
				globalCfg.Deployment.Dir = deployDir
			}

			if !quiet {
				logger.Debug("config loaded", "path", cfgPath, "dir", globalCfg.Deployment.Dir)
			}

			if !shouldSkipComponentInit(cmd) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&deployDir, "dir", "", "deployment directory holding docker-compose.yml")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "only log errors")
	cmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "answer yes to every confirmation")
	cmd.PersistentFlags().BoolVar(&waitLock, "wait", false, "wait for another running portainerctl instead of failing")

	cmd.AddCommand(
		newInstallCmd(),
		newBootstrapCmd(),
		newStartCmd(),
		newStopCmd(),
		newRestartCmd(),
		newLogsCmd(),
		newStatusCmd(),
		newUpdateCmd(),
		newRollbackCmd(),
		newVersionsCmd(),
		newBackupCmd(),
		newRestoreCmd(),
		newShellCmd(),
		newScheduleCmd(),
		newHistoryCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":       true,
		"completion": true,
	}
	return skipConfigCmds[cmdName]
}

// requireManager guards commands that need initialized components.
func requireManager() error {
	if globalManager == nil {
		return fmt.Errorf("engine not initialized")
	}
	return nil
}
