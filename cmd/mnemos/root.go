package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rendis/mnemos/internal/config"
	"github.com/rendis/mnemos/internal/logging"
	"github.com/rendis/mnemos/pkg/mcp"
)

// rootOptions holds flags shared by every subcommand. Empty values leave the
// config file and env layers untouched.
type rootOptions struct {
	ConfigPath string
	DataDir    string
	LogLevel   string
	LogFormat  string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	mcp.Version = version

	cmd := &cobra.Command{
		Use:   "mnemos",
		Short: "Shared memory and tuning host for cooperating agents",
		Long: `mnemos keeps a durable thought store, named maps and an expiring
agent bus, and tunes the host process (CPU affinity, priority, memory).
Agents reach it over MCP on stdio.`,
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.LogFormat {
			case "", "text", "json":
			default:
				return fmt.Errorf("invalid --log-format %q (want text or json)", opts.LogFormat)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default: <data-dir>/config.json)")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "data directory (default: ~/.mnemos)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format: text or json")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newInitCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newBenchCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// configPath resolves the file to read: --config, else the first config file
// found in the data directory.
func (o *rootOptions) configPath() string {
	if o.ConfigPath != "" {
		return o.ConfigPath
	}
	dir := o.DataDir
	if dir == "" {
		dir = os.Getenv("MNEMOS_DATA_DIR")
	}
	if dir == "" {
		dir = config.DefaultDir()
	}
	return config.FindPath(dir)
}

// load returns the file+env configuration, that configuration with flags
// layered on top, and the file path.
func (o *rootOptions) load(loader *config.Loader) (loaded, effective config.Config, path string) {
	path = o.configPath()
	loaded = loader.Load(path)
	return loaded, o.apply(loaded), path
}

func (o *rootOptions) apply(cfg config.Config) config.Config {
	if o.DataDir != "" {
		cfg.DataDir = o.DataDir
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.LogFormat = o.LogFormat
	}
	if cfg.DataDir == "" {
		cfg.DataDir = config.DefaultDir()
	}
	cfg.DataDir = filepath.Clean(cfg.DataDir)
	return cfg
}

// bootstrapLogger is used while the config itself is loading.
func (o *rootOptions) bootstrapLogger() *slog.Logger {
	level := o.LogLevel
	if level == "" {
		level = os.Getenv("MNEMOS_LOG_LEVEL")
	}
	return logging.New(level, o.LogFormat, os.Stderr)
}
