// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Ziggcoder/SoilWise--sub001/fieldsqlite"
	"github.com/Ziggcoder/SoilWise--sub001/internal/auth"
	"github.com/Ziggcoder/SoilWise--sub001/internal/metrics"
	"github.com/Ziggcoder/SoilWise--sub001/netmon"
	"github.com/Ziggcoder/SoilWise--sub001/syncer"
)

// engine is the wired store and orchestrator used by every command.
type engine struct {
	db      *sql.DB
	store   *fieldsqlite.Store
	orch    *syncer.Orchestrator
	metrics *metrics.Recorder
}

func (a *app) openStore(ctx context.Context) (*sql.DB, *fieldsqlite.Store, error) {
	db, err := fieldsqlite.Open(a.cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := fieldsqlite.NewStore(ctx, db, a.cfg.StoreConfig())
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	store.SetLogger(a.logger)
	return db, store, nil
}

func (a *app) newEngine(ctx context.Context, net syncer.Network) (*engine, error) {
	db, store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	resolver, err := a.cfg.Resolver()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	token, err := a.tokenFunc()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	orch, err := syncer.New(store, syncer.NewHTTPRemote(a.cfg.ServerURL, token), net, resolver, a.cfg.SyncerConfig())
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	rec := metrics.NewRecorder()
	orch.SetLogger(a.logger)
	orch.SetRecorder(rec)
	return &engine{db: db, store: store, orch: orch, metrics: rec}, nil
}

func (e *engine) Close() error {
	e.orch.Stop()
	return e.db.Close()
}

// tokenFunc signs device tokens when a JWT secret is configured. A token
// attached to the context with auth.WithToken always takes precedence.
func (a *app) tokenFunc() (func(context.Context) (string, error), error) {
	if a.cfg.JWTSecret == "" {
		return func(ctx context.Context) (string, error) {
			token, _ := auth.TokenFromContext(ctx)
			return token, nil
		}, nil
	}
	userID := a.cfg.UserID
	if userID == "" {
		userID = a.cfg.DeviceID
	}
	src, err := auth.NewTokenSource(a.cfg.JWTSecret, userID, a.cfg.DeviceID, a.cfg.TokenExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to create token source: %w", err)
	}
	return src.Token, nil
}

func (a *app) requireDevice() error {
	if a.cfg.DeviceID == "" {
		return errors.New("device_id is required (set --device or SOILSYNC_DEVICE_ID)")
	}
	return nil
}

func (a *app) probeURL() string {
	if a.cfg.ProbeURL != "" {
		return a.cfg.ProbeURL
	}
	return strings.TrimRight(a.cfg.ServerURL, "/") + "/health"
}

// snapshotNetwork is the connectivity view of one-shot commands: a single
// probe taken at start-up, with no transitions.
type snapshotNetwork struct {
	online  bool
	quality netmon.Quality
}

func (n snapshotNetwork) IsOnline() bool                                         { return n.online }
func (n snapshotNetwork) Quality() netmon.Quality                                { return n.quality }
func (n snapshotNetwork) Subscribe(func(netmon.Transition)) (unsubscribe func()) { return func() {} }

func (a *app) probeOnce(ctx context.Context) snapshotNetwork {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	q, err := netmon.NewHTTPProber(a.probeURL()).Probe(ctx)
	if err != nil {
		a.logger.Debug("connectivity probe failed", "url", a.probeURL(), "error", err)
		return snapshotNetwork{quality: netmon.QualityNone}
	}
	return snapshotNetwork{online: true, quality: q}
}
