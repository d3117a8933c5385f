// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package netmon observes connectivity for the sync engine. Going offline is
// reported immediately; coming back online is reported only once the link
// has stayed up for a quiet window, so a flapping radio does not start a
// sync cycle on every blip.
package netmon

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Quality is a coarse bandwidth class.
type Quality string

const (
	QualityNone Quality = "none"
	QualityPoor Quality = "poor"
	QualityGood Quality = "good"
)

// Transition is delivered to subscribers when the published connectivity
// state changes.
type Transition struct {
	Online  bool
	Quality Quality
	At      time.Time
}

// Config holds configuration for the monitor
type Config struct {
	QuietWindow time.Duration // how long the link must stay up before online is published
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() *Config {
	return &Config{
		QuietWindow: 3 * time.Second,
	}
}

// Monitor tracks the published connectivity state and its subscribers.
type Monitor struct {
	config *Config
	logger *slog.Logger

	mu           sync.Mutex
	online       bool
	quality      Quality
	pending      bool // an online signal is waiting out the quiet window
	pendingQ     Quality
	gen          uint64
	seq          uint64
	timer        *time.Timer
	subs         map[int]func(Transition)
	nextSubID    int
	deliverMu    sync.Mutex // one callback round at a time
	deliveredSeq uint64
}

// New returns a monitor that starts offline.
func New(config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	return &Monitor{
		config:  config,
		logger:  slog.Default(),
		quality: QualityNone,
		subs:    make(map[int]func(Transition)),
	}
}

// SetLogger replaces the monitor logger.
func (m *Monitor) SetLogger(logger *slog.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// IsOnline returns the published connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Quality returns the bandwidth class of the published state.
func (m *Monitor) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

// Subscribe registers fn for transitions. Calling the returned function
// removes the subscription; it is safe to call more than once.
func (m *Monitor) Subscribe(fn func(Transition)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Report feeds a raw connectivity signal from the host platform or a prober.
func (m *Monitor) Report(online bool, quality Quality) {
	if !online {
		quality = QualityNone
	} else if quality == "" || quality == QualityNone {
		quality = QualityGood
	}

	m.mu.Lock()
	if !online {
		m.gen++
		m.pending = false
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
		if !m.online {
			m.mu.Unlock()
			return
		}
		m.online = false
		m.quality = QualityNone
		t, seq := m.transitionLocked()
		m.mu.Unlock()
		m.logger.Info("network offline")
		m.deliver(t, seq)
		return
	}

	if m.online {
		m.quality = quality
		m.mu.Unlock()
		return
	}
	if m.pending {
		m.pendingQ = quality
		m.mu.Unlock()
		return
	}
	m.gen++
	gen := m.gen
	m.pending = true
	m.pendingQ = quality
	m.timer = time.AfterFunc(m.config.QuietWindow, func() { m.settle(gen) })
	m.mu.Unlock()
}

func (m *Monitor) settle(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.pending {
		m.mu.Unlock()
		return
	}
	m.pending = false
	m.timer = nil
	m.online = true
	m.quality = m.pendingQ
	t, seq := m.transitionLocked()
	m.mu.Unlock()
	m.logger.Info("network online", "quality", t.Quality)
	m.deliver(t, seq)
}

func (m *Monitor) transitionLocked() (Transition, uint64) {
	m.seq++
	return Transition{Online: m.online, Quality: m.quality, At: time.Now()}, m.seq
}

// deliver invokes the subscribers for transition seq unless a newer one has
// already been delivered.
func (m *Monitor) deliver(t Transition, seq uint64) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	if seq <= m.deliveredSeq {
		return
	}
	m.deliveredSeq = seq

	m.mu.Lock()
	subs := make([]func(Transition), 0, len(m.subs))
	for id := 0; id < m.nextSubID; id++ {
		if fn, ok := m.subs[id]; ok {
			subs = append(subs, fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(t)
	}
}

// Close cancels a pending online transition.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.pending = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Run probes connectivity every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, prober Prober, interval time.Duration) {
	probe := func() {
		q, err := prober.Probe(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Debug("connectivity probe failed", "error", err)
				m.Report(false, QualityNone)
			}
			return
		}
		m.Report(true, q)
	}

	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}
