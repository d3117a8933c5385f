// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Ziggcoder/SoilWise--sub001/netmon"
	"github.com/spf13/cobra"
)

const housekeepingInterval = time.Minute

func newRunCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "run",
		GroupID: "sync",
		Short:   "Run the sync engine until interrupted",
		Long: `Run probes connectivity, starts the sync orchestrator and keeps draining
the change log while the device is online. Metrics are served on
metrics_addr when it is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireDevice(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			mon := netmon.New(a.cfg.MonitorConfig())
			mon.SetLogger(a.logger)
			defer mon.Close()

			e, err := a.newEngine(ctx, mon)
			if err != nil {
				return err
			}
			defer e.Close()

			go mon.Run(ctx, netmon.NewHTTPProber(a.probeURL()), a.cfg.ProbeInterval)

			if a.cfg.MetricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", e.metrics.Handler())
				srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error("metrics server failed", "error", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			if err := e.orch.Start(ctx); err != nil {
				return err
			}
			a.logger.Info("sync engine started", "device_id", a.cfg.DeviceID, "server", a.cfg.ServerURL, "db", a.cfg.DBPath)

			ticker := time.NewTicker(housekeepingInterval)
			defer ticker.Stop()
			a.housekeeping(ctx, e)
			for {
				select {
				case <-ctx.Done():
					a.logger.Info("sync engine stopping")
					return nil
				case <-ticker.C:
					a.housekeeping(ctx, e)
				}
			}
		},
	}
}

// housekeeping publishes queue gauges and prunes old audit entries.
func (a *app) housekeeping(ctx context.Context, e *engine) {
	if st, err := e.orch.Status(ctx); err == nil {
		e.metrics.ObserveStatus(st)
	} else if ctx.Err() == nil {
		a.logger.Warn("failed to read sync status", "error", err)
	}
	if a.cfg.PruneAfterDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -a.cfg.PruneAfterDays)
	n, err := e.store.ChangeLog().Prune(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("failed to prune change log", "error", err)
		}
		return
	}
	if n > 0 {
		a.logger.Info("pruned change log", "entries", n, "before", cutoff)
	}
}
