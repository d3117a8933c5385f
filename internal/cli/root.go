// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the soilsync operator command line.
package cli

import (
	"io"
	"log/slog"

	"github.com/Ziggcoder/SoilWise--sub001/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  *slog.Logger
	logFile io.Closer
}

// NewRootCommand builds the soilsync command tree.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "soilsync",
		Short: "Offline-first field record store and sync engine",
		Long: `soilsync keeps farm, field, observation, sensor and task records in a
local SQLite database and pushes local changes to the remote sync endpoint
whenever the device is online.

Configuration is read from --config, then SOILSYNC_* environment variables,
then flags.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "Config file (yaml, toml or json)")
	pf.String("db", "", "SQLite database path")
	pf.String("server", "", "Remote sync endpoint base URL")
	pf.String("device", "", "Device ID sent with every push")
	pf.String("log-file", "", "Write logs to this file with rotation")
	pf.BoolP("verbose", "v", false, "Enable debug logging")
	for key, flag := range map[string]string{
		"db_path":    "db",
		"server_url": "server",
		"device_id":  "device",
		"log_file":   "log-file",
		"verbose":    "verbose",
	} {
		_ = a.v.BindPFlag(key, pf.Lookup(flag))
	}

	root.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "data", Title: "Record Commands:"},
	)
	root.AddCommand(
		newRunCommand(a),
		newSyncCommand(a),
		newStatusCommand(a),
		newFailedCommand(a),
		newConflictsCommand(a),
		newRecordCommand(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger, a.logFile = newLogger(cfg, cmd.ErrOrStderr())
	// Library packages log through slog.Default().
	slog.SetDefault(a.logger)
	return nil
}

func (a *app) close() error {
	if a.logFile == nil {
		return nil
	}
	err := a.logFile.Close()
	a.logFile = nil
	return err
}
