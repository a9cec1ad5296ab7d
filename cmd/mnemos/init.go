package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rendis/mnemos/internal/config"
	"github.com/rendis/mnemos/internal/license"
	"github.com/rendis/mnemos/internal/store"
)

type initOptions struct {
	*rootOptions

	Format        string
	StoreBackend  string
	LicenseKey    string
	FlushOnBoot   bool
	IgniteAutorun bool
	PulseAutorun  bool
	Force         bool
}

func newInitCommand(root *rootOptions) *cobra.Command {
	opts := &initOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		Long: `Init creates the data directory and writes a config file with defaults
and the given flags. An existing file is kept unless --force is set.

A running server picks up the new file without a restart.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := runInit(opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Format, "format", "json", "config format: json or yaml")
	cmd.Flags().StringVar(&opts.StoreBackend, "store-backend", store.BackendJSON, "thought store: json or libsql")
	cmd.Flags().StringVar(&opts.LicenseKey, "license-key", license.Placeholder, "license key for pro features")
	cmd.Flags().BoolVar(&opts.FlushOnBoot, "flush-on-boot", false, "soft clean during boot")
	cmd.Flags().BoolVar(&opts.IgniteAutorun, "ignite-autorun", false, "run ignite during boot")
	cmd.Flags().BoolVar(&opts.PulseAutorun, "pulse-autorun", false, "start the pulse monitor during boot")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite an existing config file")

	return cmd
}

func runInit(opts *initOptions) (string, error) {
	var ext string
	switch opts.Format {
	case "json":
		ext = ".json"
	case "yaml":
		ext = ".yaml"
	default:
		return "", fmt.Errorf("invalid --format %q (want json or yaml)", opts.Format)
	}

	cfg := opts.apply(config.Default())
	cfg.StoreBackend = opts.StoreBackend
	cfg.LicenseKey = opts.LicenseKey
	cfg.FlushOnBoot = opts.FlushOnBoot
	cfg.IgniteAutorun = opts.IgniteAutorun
	cfg.PulseAutorun = opts.PulseAutorun

	path := opts.ConfigPath
	if path == "" {
		path = filepath.Join(cfg.DataDir, "config"+ext)
	}
	if _, err := os.Stat(path); err == nil && !opts.Force {
		return "", fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	// Validate before touching disk so a bad flag never leaves a file behind.
	loader := config.NewLoaderWithEnv(func(string) string { return "" }, opts.bootstrapLogger())
	data, err := config.Encode(cfg, config.FormatOf(path))
	if err != nil {
		return "", err
	}
	if _, err := loader.Parse(data, config.FormatOf(path)); err != nil {
		return "", err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", cfg.DataDir, err)
	}
	if err := config.Save(path, cfg); err != nil {
		return "", err
	}
	return path, nil
}
