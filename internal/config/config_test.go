// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Ziggcoder/SoilWise--sub001/fieldsync"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().DBPath, cfg.DBPath)
	require.Equal(t, 3, cfg.MaxRetries)
	require.Equal(t, 30*time.Second, cfg.SyncInterval)
	require.Equal(t, string(fieldsync.PolicyKeepServer), cfg.ConflictPolicy)

	sc := cfg.SyncerConfig()
	require.Equal(t, cfg.BackoffMax, sc.BackoffMax)
	require.Equal(t, 25, sc.RequestSize)
	require.Equal(t, 3*time.Second, cfg.MonitorConfig().QuietWindow)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "soilsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_path: /data/field.db
device_id: tablet-7
conflict_policy: merge
sync_interval: 1m
policies:
  tasks: manual
`), 0o600))

	t.Setenv("SOILSYNC_DEVICE_ID", "tablet-9")
	t.Setenv("SOILSYNC_BACKOFF_MAX", "2m")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	require.Equal(t, "/data/field.db", cfg.DBPath)
	require.Equal(t, "tablet-9", cfg.DeviceID, "environment wins over the file")
	require.Equal(t, time.Minute, cfg.SyncInterval)
	require.Equal(t, 2*time.Minute, cfg.BackoffMax)

	r, err := cfg.Resolver()
	require.NoError(t, err)
	require.Equal(t, fieldsync.PolicyMerge, r.PolicyFor(fieldsync.KindField))
	require.Equal(t, fieldsync.PolicyManual, r.PolicyFor(fieldsync.KindTask))
	require.Equal(t, "tablet-9", cfg.SyncerConfig().DeviceID)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("SOILSYNC_CONFLICT_POLICY", "coin_flip")
	t.Setenv("SOILSYNC_BACKOFF_MIN", "5m")
	_, err := Load(viper.New(), "")
	require.ErrorContains(t, err, "coin_flip")
	require.ErrorContains(t, err, "backoff")

	_, err = Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate_PerKindPolicies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policies = map[string]string{"barns": "manual", "fields": "sometimes"}
	err := cfg.Validate()
	require.ErrorIs(t, err, fieldsync.ErrUnknownKind)
	require.ErrorContains(t, err, "sometimes")
}
