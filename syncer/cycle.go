// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Ziggcoder/SoilWise--sub001/fieldsqlite"
	"github.com/Ziggcoder/SoilWise--sub001/fieldsync"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// runCycle drains the change log once. Only one cycle runs at a time.
func (o *Orchestrator) runCycle(ctx context.Context) (CycleReport, error) {
	if !o.active.CompareAndSwap(false, true) {
		return CycleReport{}, ErrCycleInProgress
	}
	defer func() {
		o.active.Store(false)
		if o.triggerPending.Load() {
			o.signal()
		}
	}()

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	gen := o.cycleGen
	o.cancelCycle = cancel
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
	change, changed := o.setStateLocked(StateSyncing, "")
	o.mu.Unlock()
	if changed {
		o.notify(change)
	}

	cctx, span := o.tracer.Start(cctx, "syncer.Cycle")
	defer span.End()

	report := CycleReport{StartedAt: o.now()}
	err := o.drain(cctx, &report)
	report.Duration = o.now().Sub(report.StartedAt)

	o.mu.Lock()
	o.cancelCycle = nil
	cancelled := gen != o.cycleGen
	var notifyChange StateChange
	var notifyChanged bool
	switch {
	case cancelled:
		report.Result = ResultCancelled
		err = ErrCycleCancelled
	case err == nil:
		report.Result = ResultSynced
		now := o.now()
		o.lastSync = &now
		o.lastErr = ""
		o.bo.Reset()
		notifyChange, notifyChanged = o.setStateLocked(StateIdle, "")
	case ctx.Err() != nil:
		report.Result = ResultCancelled
		notifyChange, notifyChanged = o.setStateLocked(StateIdle, "")
	default:
		report.Result = ResultBackoff
		delay := o.nextBackoff()
		report.RetryIn = delay
		o.retryAt = o.now().Add(delay)
		o.lastErr = err.Error()
		o.retryTimer = time.AfterFunc(delay, o.signal)
		notifyChange, notifyChanged = o.setStateLocked(StateBackoff, err.Error())
	}
	o.mu.Unlock()
	if notifyChanged {
		o.notify(notifyChange)
	}

	if err != nil {
		report.ErrorMessage = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.String("sync.result", report.Result),
		attribute.Int("sync.sent", report.Sent),
		attribute.Int("sync.accepted", report.Accepted),
		attribute.Int("sync.conflicts", report.Conflicts),
		attribute.Int("sync.rejected", report.Rejected),
	)
	o.recorder.ObserveCycle(ctx, report)

	switch report.Result {
	case ResultBackoff:
		o.logger.Warn("sync cycle failed, backing off", "error", err, "retry_in", report.RetryIn, "sent", report.Sent)
	case ResultSynced:
		if report.Sent > 0 {
			o.logger.Info("sync cycle completed", "sent", report.Sent, "accepted", report.Accepted,
				"conflicts", report.Conflicts, "rejected", report.Rejected, "duration", report.Duration)
		}
	}
	return report, err
}

// drain reads pending entries batch by batch and pushes them in order. It
// stops at the first request-level failure so that no entry overtakes a
// failed causal predecessor.
func (o *Orchestrator) drain(ctx context.Context, report *CycleReport) error {
	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !o.net.IsOnline() {
			return errOffline
		}

		readAt := o.now()
		batch, err := o.log.PendingBatchAfter(ctx, afterID, o.config.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to read pending batch: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		// Entries re-queued during this cycle sort before the cursor and are
		// picked up by the next cycle.
		afterID = batch[len(batch)-1].ID
		report.Batches++

		for start := 0; start < len(batch); start += o.config.RequestSize {
			end := min(start+o.config.RequestSize, len(batch))
			if !o.net.IsOnline() {
				return errOffline
			}
			if err := o.pushChunk(ctx, batch[start:end], readAt, report); err != nil {
				return err
			}
		}
		o.bo.Reset()
	}
}

func (o *Orchestrator) pushChunk(ctx context.Context, entries []fieldsqlite.Entry, readAt time.Time, report *CycleReport) error {
	ctx, span := o.tracer.Start(ctx, "syncer.Push")
	defer span.End()
	span.SetAttributes(attribute.Int("sync.mutations", len(entries)))

	entries, err := o.log.MarkSent(ctx, o.now(), entries...)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	req := &fieldsync.PushRequest{DeviceID: o.config.DeviceID, Mutations: make([]fieldsync.Mutation, len(entries))}
	for i, e := range entries {
		req.Mutations[i] = e.Mutation()
	}
	report.Sent += len(entries)

	resp, err := o.remote.Push(ctx, req)
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			// Abandoned: the outcome is unknown and the entries stay as they were.
			return ctx.Err()
		}
		if !o.net.IsOnline() {
			return fmt.Errorf("%w: %v", errOffline, err)
		}
		// The remote refused the whole request.
		var verr *fieldsync.ValidationError
		if errors.As(err, &verr) {
			for _, e := range entries {
				if rerr := o.reject(ctx, e, verr.Error(), report); rerr != nil {
					return rerr
				}
			}
			return nil
		}
		report.Transient += len(entries)
		for _, e := range entries {
			if _, merr := o.log.MarkResult(ctx, e.ID, fieldsqlite.Outcome{
				MutationID: e.MutationID,
				Kind:       fieldsqlite.ResultTransient,
				Err:        err.Error(),
			}); merr != nil {
				return errors.Join(err, merr)
			}
		}
		if !fieldsync.IsTransient(err) {
			err = &fieldsync.TransientNetworkError{Err: err}
		}
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	results := make(map[string]fieldsync.ItemResult, len(resp.Results))
	for _, r := range resp.Results {
		results[r.MutationID] = r
	}
	for _, e := range entries {
		r, ok := results[e.MutationID]
		if !ok {
			r = fieldsync.ItemResult{MutationID: e.MutationID, Outcome: "missing"}
		}
		if err := o.applyResult(ctx, e, r, readAt, report); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) applyResult(ctx context.Context, e fieldsqlite.Entry, r fieldsync.ItemResult, readAt time.Time, report *CycleReport) error {
	switch r.Outcome {
	case fieldsync.OutcomeAccepted:
		version := e.BaseVersion + 1
		if r.NewVersion != nil {
			version = *r.NewVersion
		}
		applied, err := o.store.ApplyAccepted(ctx, e, version, readAt)
		if err != nil {
			return err
		}
		if applied {
			report.Accepted++
		} else {
			report.Superseded++
		}
		return nil

	case fieldsync.OutcomeConflict:
		report.Conflicts++
		if r.Remote == nil {
			return o.reject(ctx, e, "conflict reported without remote state", report)
		}
		return o.handleConflict(ctx, e, r.Remote, report)

	case fieldsync.OutcomeRejected:
		verr := &fieldsync.ValidationError{Reason: r.Reason, Message: r.Message}
		return o.reject(ctx, e, verr.Error(), report)

	default:
		// No usable verdict: count it as a transient failure of this entry.
		report.Transient++
		_, err := o.log.MarkResult(ctx, e.ID, fieldsqlite.Outcome{
			MutationID: e.MutationID,
			Kind:       fieldsqlite.ResultTransient,
			Err:        fmt.Sprintf("no usable result for mutation %s (outcome %q)", e.MutationID, r.Outcome),
		})
		return err
	}
}

func (o *Orchestrator) reject(ctx context.Context, e fieldsqlite.Entry, msg string, report *CycleReport) error {
	report.Rejected++
	_, err := o.log.MarkResult(ctx, e.ID, fieldsqlite.Outcome{
		MutationID: e.MutationID,
		Kind:       fieldsqlite.ResultRejected,
		Err:        msg,
	})
	if err == nil {
		o.logger.Warn("mutation rejected", "table", e.Kind, "id", e.RecordID, "entry_id", e.ID, "error", msg)
	}
	return err
}

func (o *Orchestrator) handleConflict(ctx context.Context, e fieldsqlite.Entry, remote *fieldsync.RemoteRecord, report *CycleReport) error {
	in, err := o.conflictInput(ctx, e.Kind, e.RecordID, e.Payload, e.RecordUpdatedAt, remote)
	if err != nil {
		return err
	}
	d := o.resolver.Resolve(in)
	o.logger.Debug("conflict detected", "table", e.Kind, "id", e.RecordID, "resolution", d.Resolution, "unresolved", d.Unresolved)

	switch d.Resolution {
	case fieldsync.ResolutionKeepServer:
		_, err = o.store.ApplyServerState(ctx, e, remote)
	case fieldsync.ResolutionKeepLocal:
		_, err = o.store.ApplyKeepLocal(ctx, e, remote)
	case fieldsync.ResolutionMerge:
		var merged []byte
		merged, err = json.Marshal(d.Merged)
		if err == nil {
			_, err = o.store.ApplyMerged(ctx, e, remote, merged)
		}
		var verr *fieldsync.ValidationError
		if errors.As(err, &verr) {
			// The merge produced an invalid entity: let a person decide.
			err = o.hold(ctx, e, remote, report)
		}
	default:
		err = o.hold(ctx, e, remote, report)
	}
	return err
}

func (o *Orchestrator) hold(ctx context.Context, e fieldsqlite.Entry, remote *fieldsync.RemoteRecord, report *CycleReport) error {
	c, err := o.store.HoldConflict(ctx, e, remote)
	if err != nil {
		return err
	}
	if c != nil {
		report.Held++
	}
	return nil
}

// conflictInput assembles the resolver input from the baseline, the local
// snapshot and the remote copy.
func (o *Orchestrator) conflictInput(ctx context.Context, kind fieldsync.Kind, recordID string, local json.RawMessage, localUpdatedAt time.Time, remote *fieldsync.RemoteRecord) (fieldsync.ConflictInput, error) {
	in := fieldsync.ConflictInput{
		Kind:            kind,
		RecordID:        recordID,
		LocalUpdatedAt:  localUpdatedAt,
		RemoteUpdatedAt: remote.UpdatedAt,
	}
	base, found, err := o.store.Baseline(ctx, kind, recordID)
	if err != nil {
		return in, err
	}
	if found && !base.Deleted {
		if in.Base, err = decodeObject(base.Payload); err != nil {
			return in, fmt.Errorf("failed to decode baseline of %s/%s: %w", kind, recordID, err)
		}
	}
	if in.Local, err = decodeObject(local); err != nil {
		return in, fmt.Errorf("failed to decode local snapshot of %s/%s: %w", kind, recordID, err)
	}
	if !remote.Deleted {
		if in.Remote, err = decodeObject(remote.Payload); err != nil {
			return in, fmt.Errorf("failed to decode remote copy of %s/%s: %w", kind, recordID, err)
		}
		if in.Remote == nil {
			in.Remote = map[string]any{}
		}
	}
	return in, nil
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
