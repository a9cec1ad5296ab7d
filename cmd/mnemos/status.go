package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rendis/mnemos/internal/config"
	"github.com/rendis/mnemos/internal/license"
	"github.com/rendis/mnemos/internal/mnemos"
	"github.com/rendis/mnemos/internal/shield"
	"github.com/rendis/mnemos/internal/store"
)

// statusReport is printed as JSON by the status command.
type statusReport struct {
	Config       string       `json:"config"`
	DataDir      string       `json:"data_dir"`
	StoreBackend string       `json:"store_backend"`
	Running      bool         `json:"running"`
	PID          int          `json:"pid,omitempty"`
	Snapshot     bool         `json:"pending_snapshot"`
	Licensed     bool         `json:"licensed"`
	Stats        mnemos.Stats `json:"stats"`
}

func newStatusCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server state and store counts",
		Long: `Status reports whether a server is running for the data directory,
whether a tuning snapshot is waiting to be restored, and the number of
stored thoughts, maps and live bus entries.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			report, err := collectStatus(ctx, root)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}

func collectStatus(ctx context.Context, root *rootOptions) (statusReport, error) {
	logger := root.bootstrapLogger()
	_, cfg, path := root.load(config.NewLoader(logger))

	report := statusReport{
		Config:       path,
		DataDir:      cfg.DataDir,
		StoreBackend: cfg.StoreBackend,
		Licensed:     license.NewKeyGate(cfg.LicenseKey, logger).Licensed(),
	}

	pid, found, err := readPIDFile(pidPath(cfg.DataDir))
	if err != nil {
		logger.Warn("pid file unreadable", slog.String("error", err.Error()))
	}
	if found && processAlive(pid) {
		report.Running = true
		report.PID = pid
	}

	if _, err := os.Stat(filepath.Join(cfg.DataDir, shield.StateFile)); err == nil {
		report.Snapshot = true
	}

	if _, err := os.Stat(cfg.DataDir); os.IsNotExist(err) {
		return report, nil
	}
	backend, err := store.OpenThoughtBackend(ctx, cfg.StoreBackend, cfg.DataDir)
	if err != nil {
		return report, err
	}
	kernel := mnemos.NewKernel(ctx, mnemos.KernelConfig{DataDir: cfg.DataDir, Backend: backend, Logger: logger})
	mnemos.NewBus(ctx, kernel, mnemos.BusConfig{})
	report.Stats = kernel.Stats()
	return report, kernel.Close()
}
