// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus metrics for the sync orchestrator.
package metrics

import (
	"context"
	"net/http"

	"github.com/Ziggcoder/SoilWise--sub001/syncer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "soilsync"

var states = []syncer.State{syncer.StateIdle, syncer.StateSyncing, syncer.StateBackoff}

// Recorder implements syncer.Recorder on a Prometheus registry.
type Recorder struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	mutations     *prometheus.CounterVec
	state         *prometheus.GaugeVec
	retryDelay    prometheus.Gauge
	queue         *prometheus.GaugeVec
}

// NewRecorder registers the sync metrics on a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,

		// cycles tracks sync cycles by result
		cycles: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "cycles_total",
				Help:      "Total number of sync cycles by result",
			},
			[]string{"result"},
		),
		cycleDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "cycle_duration_seconds",
				Help:      "Duration of sync cycles in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		// mutations tracks pushed mutations by remote outcome
		mutations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "mutations_total",
				Help:      "Total number of pushed mutations by outcome",
			},
			[]string{"outcome"},
		),
		state: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "state",
				Help:      "Current orchestrator state (1 for the active state)",
			},
			[]string{"state"},
		),
		retryDelay: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "retry_delay_seconds",
				Help:      "Backoff delay chosen after the last failed cycle",
			},
		),
		queue: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "entries",
				Help:      "Open change log entries by state",
			},
			[]string{"state"},
		),
	}
}

// ObserveCycle implements syncer.Recorder.
func (r *Recorder) ObserveCycle(_ context.Context, report syncer.CycleReport) {
	r.cycles.WithLabelValues(report.Result).Inc()
	r.cycleDuration.Observe(report.Duration.Seconds())

	add := func(outcome string, n int) {
		if n > 0 {
			r.mutations.WithLabelValues(outcome).Add(float64(n))
		}
	}
	add("accepted", report.Accepted)
	add("superseded", report.Superseded)
	add("conflict", report.Conflicts)
	add("rejected", report.Rejected)
	add("transient", report.Transient)

	if report.Result == syncer.ResultBackoff {
		r.retryDelay.Set(report.RetryIn.Seconds())
	} else {
		r.retryDelay.Set(0)
	}
}

// ObserveState implements syncer.Recorder.
func (r *Recorder) ObserveState(state syncer.State) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		r.state.WithLabelValues(string(s)).Set(v)
	}
}

// ObserveStatus publishes the open entry counts of a status snapshot.
func (r *Recorder) ObserveStatus(st syncer.Status) {
	r.queue.WithLabelValues("pending").Set(float64(st.PendingItems))
	r.queue.WithLabelValues("failed").Set(float64(st.FailedItems))
	r.queue.WithLabelValues("conflict").Set(float64(st.ConflictItems))
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

var _ syncer.Recorder = (*Recorder)(nil)
