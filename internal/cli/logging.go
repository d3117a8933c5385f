// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"io"
	"log/slog"

	"github.com/Ziggcoder/SoilWise--sub001/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger returns a text logger writing to stderr, or to a rotated log
// file when log_file is set. The closer is nil for stderr.
func newLogger(cfg *config.Config, stderr io.Writer) (*slog.Logger, io.Closer) {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}

	var w io.Writer = stderr
	var closer io.Closer
	if cfg.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   true,
		}
		w, closer = lj, lj
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closer
}
