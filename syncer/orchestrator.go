// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncer drains the local change log against the remote authority.
// The Orchestrator owns the sync state machine (idle, syncing, backoff),
// guarantees that at most one cycle runs at a time and applies the conflict
// resolver to remote-reported conflicts.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Ziggcoder/SoilWise--sub001/fieldsqlite"
	"github.com/Ziggcoder/SoilWise--sub001/fieldsync"
	"github.com/Ziggcoder/SoilWise--sub001/netmon"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// State is the orchestrator state.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateBackoff State = "backoff"
)

// StateChange is delivered to subscribers on every state transition.
type StateChange struct {
	From    State
	To      State
	At      time.Time
	RetryAt time.Time // set when entering backoff
	Err     string
}

var (
	ErrCycleInProgress = errors.New("sync cycle already in progress")
	ErrCycleCancelled  = errors.New("sync cycle cancelled")
	ErrAlreadyRunning  = errors.New("orchestrator already running")

	errOffline = errors.New("network went offline")
)

// Network is the connectivity view the orchestrator needs.
// *netmon.Monitor implements it.
type Network interface {
	IsOnline() bool
	Quality() netmon.Quality
	Subscribe(fn func(netmon.Transition)) (unsubscribe func())
}

// Config holds configuration for the orchestrator
type Config struct {
	DeviceID            string
	BatchSize           int           // entries read from the change log per batch
	RequestSize         int           // mutations per remote request
	Interval            time.Duration // periodic sync trigger
	BackoffMin          time.Duration
	BackoffMax          time.Duration
	BackoffMultiplier   float64
	RandomizationFactor float64 // jitter, 0 disables it
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig(deviceID string) *Config {
	return &Config{
		DeviceID:            deviceID,
		BatchSize:           100,
		RequestSize:         25,
		Interval:            30 * time.Second,
		BackoffMin:          1 * time.Second,
		BackoffMax:          60 * time.Second,
		BackoffMultiplier:   2,
		RandomizationFactor: 0.2,
	}
}

// Orchestrator runs sync cycles.
type Orchestrator struct {
	store    *fieldsqlite.Store
	log      *fieldsqlite.ChangeLog
	remote   Remote
	net      Network
	resolver *fieldsync.Resolver
	config   *Config
	logger   *slog.Logger
	recorder Recorder
	tracer   trace.Tracer
	now      func() time.Time

	active         atomic.Bool // a cycle is running
	triggerPending atomic.Bool
	wake           chan struct{}

	mu          sync.Mutex
	state       State
	retryAt     time.Time
	retryTimer  *time.Timer
	lastSync    *time.Time
	lastErr     string
	cancelCycle context.CancelFunc
	cycleGen    uint64
	bo          *backoff.ExponentialBackOff
	subs        map[int]func(StateChange)
	nextSubID   int

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}
}

// New creates an orchestrator. A nil resolver resolves every conflict in
// favour of the server.
func New(store *fieldsqlite.Store, remote Remote, net Network, resolver *fieldsync.Resolver, config *Config) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if remote == nil {
		return nil, fmt.Errorf("remote cannot be nil")
	}
	if net == nil {
		return nil, fmt.Errorf("network cannot be nil")
	}
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.BatchSize <= 0 || config.RequestSize <= 0 {
		return nil, fmt.Errorf("config.BatchSize and config.RequestSize must be positive")
	}
	if config.BackoffMin <= 0 || config.BackoffMax < config.BackoffMin {
		return nil, fmt.Errorf("invalid backoff bounds %s..%s", config.BackoffMin, config.BackoffMax)
	}
	if resolver == nil {
		resolver = fieldsync.NewResolver(fieldsync.PolicyKeepServer)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = config.BackoffMin
	bo.MaxInterval = config.BackoffMax
	bo.RandomizationFactor = config.RandomizationFactor
	if config.BackoffMultiplier > 1 {
		bo.Multiplier = config.BackoffMultiplier
	}
	bo.Reset()

	return &Orchestrator{
		store:    store,
		log:      store.ChangeLog(),
		remote:   remote,
		net:      net,
		resolver: resolver,
		config:   config,
		logger:   slog.Default(),
		recorder: nopRecorder{},
		tracer:   otel.Tracer("github.com/Ziggcoder/SoilWise--sub001/syncer"),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		state:    StateIdle,
		bo:       bo,
		subs:     make(map[int]func(StateChange)),
	}, nil
}

// SetLogger replaces the orchestrator logger.
func (o *Orchestrator) SetLogger(logger *slog.Logger) {
	if logger != nil {
		o.logger = logger
	}
}

// SetRecorder installs a metrics recorder.
func (o *Orchestrator) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	o.recorder = r
}

// Start runs the background loop until Stop is called or ctx is done. The
// loop syncs on every interval tick, on Trigger and when the network comes
// back online.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.runCancel != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	o.runCancel = cancel
	o.runDone = done

	unsubscribe := o.net.Subscribe(func(t netmon.Transition) {
		if t.Online {
			o.Trigger()
		}
	})

	go func() {
		defer close(done)
		defer unsubscribe()
		o.loop(ctx)
	}()
	o.Trigger()
	return nil
}

// Stop stops the background loop and waits for it to exit. An in-flight
// cycle started by the loop is cancelled.
func (o *Orchestrator) Stop() {
	o.runMu.Lock()
	cancel, done := o.runCancel, o.runDone
	o.runCancel, o.runDone = nil, nil
	o.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	o.mu.Lock()
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
	o.mu.Unlock()
}

func (o *Orchestrator) loop(ctx context.Context) {
	ticker := time.NewTicker(o.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.maybeCycle(ctx)
		case <-o.wake:
			o.maybeCycle(ctx)
		}
	}
}

// Trigger asks for a sync cycle without blocking. It is ignored while the
// orchestrator waits out a backoff delay and coalesced while a cycle runs.
func (o *Orchestrator) Trigger() {
	o.triggerPending.Store(true)
	o.signal()
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) maybeCycle(ctx context.Context) {
	if !o.net.IsOnline() {
		return
	}
	o.mu.Lock()
	waiting := o.state == StateBackoff && o.now().Before(o.retryAt)
	o.mu.Unlock()
	if waiting {
		return
	}
	o.triggerPending.Store(false)
	if _, err := o.runCycle(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) {
		o.logger.Debug("sync cycle ended with error", "error", err)
	}
}

// SyncNow runs one full drain synchronously. It is allowed while in
// backoff and returns ErrCycleInProgress when another cycle is active.
func (o *Orchestrator) SyncNow(ctx context.Context) (CycleReport, error) {
	return o.runCycle(ctx)
}

// CancelSync abandons the running cycle and any pending backoff and returns
// to idle. Entries whose result is unknown stay pending.
func (o *Orchestrator) CancelSync() {
	o.mu.Lock()
	o.cycleGen++
	if o.cancelCycle != nil {
		o.cancelCycle()
		o.cancelCycle = nil
	}
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
	o.retryAt = time.Time{}
	change, changed := o.setStateLocked(StateIdle, "")
	o.mu.Unlock()
	if changed {
		o.logger.Info("sync cancelled")
		o.notify(change)
	}
}

// State returns the current orchestrator state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Subscribe registers fn for state transitions and returns its unsubscribe
// function.
func (o *Orchestrator) Subscribe(fn func(StateChange)) (unsubscribe func()) {
	o.mu.Lock()
	id := o.nextSubID
	o.nextSubID++
	o.subs[id] = fn
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

func (o *Orchestrator) setStateLocked(to State, errText string) (StateChange, bool) {
	if o.state == to {
		return StateChange{}, false
	}
	change := StateChange{From: o.state, To: to, At: o.now(), Err: errText}
	if to == StateBackoff {
		change.RetryAt = o.retryAt
	}
	o.state = to
	return change, true
}

func (o *Orchestrator) notify(change StateChange) {
	o.recorder.ObserveState(change.To)
	o.mu.Lock()
	subs := make([]func(StateChange), 0, len(o.subs))
	for id := 0; id < o.nextSubID; id++ {
		if fn, ok := o.subs[id]; ok {
			subs = append(subs, fn)
		}
	}
	o.mu.Unlock()
	for _, fn := range subs {
		fn(change)
	}
}

// nextBackoff returns the next jittered delay, never above BackoffMax.
func (o *Orchestrator) nextBackoff() time.Duration {
	d := o.bo.NextBackOff()
	if d == backoff.Stop || d > o.config.BackoffMax {
		d = o.config.BackoffMax
	}
	return d
}
