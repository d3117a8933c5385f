// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"time"
)

// CycleReport summarizes one sync cycle.
type CycleReport struct {
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Result       string        `json:"result"` // synced, backoff, cancelled
	Batches      int           `json:"batches"`
	Sent         int           `json:"sent"`
	Accepted     int           `json:"accepted"`
	Superseded   int           `json:"superseded"` // accepted, but a newer local edit is still queued
	Conflicts    int           `json:"conflicts"`
	Held         int           `json:"held"` // conflicts escalated to manual resolution
	Rejected     int           `json:"rejected"`
	Transient    int           `json:"transient"`
	RetryIn      time.Duration `json:"retry_in,omitempty"`
	ErrorMessage string        `json:"error,omitempty"`
}

const (
	ResultSynced    = "synced"
	ResultBackoff   = "backoff"
	ResultCancelled = "cancelled"
)

// Recorder receives cycle and state observations. Implementations must be
// safe for concurrent use and must not block.
type Recorder interface {
	ObserveCycle(ctx context.Context, report CycleReport)
	ObserveState(state State)
}

// RecorderFunc adapts a cycle callback to Recorder; state changes are ignored.
type RecorderFunc func(ctx context.Context, report CycleReport)

func (f RecorderFunc) ObserveCycle(ctx context.Context, report CycleReport) { f(ctx, report) }
func (f RecorderFunc) ObserveState(State)                                   {}

type nopRecorder struct{}

func (nopRecorder) ObserveCycle(context.Context, CycleReport) {}
func (nopRecorder) ObserveState(State)                        {}
