// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Ziggcoder/SoilWise--sub001/fieldsqlite"
	"github.com/Ziggcoder/SoilWise--sub001/fieldsync"
	"github.com/Ziggcoder/SoilWise--sub001/netmon"
)

// Status is the read-only snapshot the UI renders.
type Status struct {
	IsOnline      bool                     `json:"is_online"`
	Quality       netmon.Quality           `json:"quality"`
	IsSyncing     bool                     `json:"is_syncing"`
	State         State                    `json:"state"`
	RetryAt       *time.Time               `json:"retry_at,omitempty"`
	PendingItems  int                      `json:"pending_items"`
	FailedItems   int                      `json:"failed_items"`
	ConflictItems int                      `json:"conflict_items"`
	LastSync      *time.Time               `json:"last_sync,omitempty"`
	LastError     string                   `json:"last_error,omitempty"`
	Errors        []fieldsqlite.EntryError `json:"errors"`
	Conflicts     []fieldsync.Conflict     `json:"conflicts"`
}

// Status computes the current sync status from the change log and the
// orchestrator state.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	counts, err := o.log.Counts(ctx)
	if err != nil {
		return Status{}, err
	}
	errs, err := o.log.Errors(ctx)
	if err != nil {
		return Status{}, err
	}
	conflicts, err := o.store.Conflicts(ctx, false)
	if err != nil {
		return Status{}, err
	}

	o.mu.Lock()
	st := Status{
		State:     o.state,
		IsSyncing: o.state == StateSyncing,
		LastError: o.lastErr,
	}
	if o.lastSync != nil {
		t := *o.lastSync
		st.LastSync = &t
	}
	if o.state == StateBackoff && !o.retryAt.IsZero() {
		t := o.retryAt
		st.RetryAt = &t
	}
	o.mu.Unlock()

	st.IsOnline = o.net.IsOnline()
	st.Quality = o.net.Quality()
	st.PendingItems = counts[fieldsync.EntryPending]
	st.FailedItems = counts[fieldsync.EntryFailed]
	st.ConflictItems = counts[fieldsync.EntryConflict]
	st.Errors = errs
	st.Conflicts = conflicts
	return st, nil
}

// Conflicts lists conflicts waiting for manual resolution.
func (o *Orchestrator) Conflicts(ctx context.Context) ([]fieldsync.Conflict, error) {
	return o.store.Conflicts(ctx, false)
}

// ResolveConflict settles a conflict that was escalated to manual
// resolution. For ResolutionMerge, merged may be nil to request an
// automatic three-way merge; it fails if any field changed on both sides.
// Resolutions that leave a local change to push trigger a sync.
func (o *Orchestrator) ResolveConflict(ctx context.Context, conflictID string, resolution fieldsync.Resolution, merged map[string]any) (fieldsync.Conflict, error) {
	var payload json.RawMessage
	if resolution == fieldsync.ResolutionMerge {
		if merged == nil {
			auto, err := o.autoMerge(ctx, conflictID)
			if err != nil {
				return fieldsync.Conflict{}, err
			}
			merged = auto
		}
		data, err := json.Marshal(merged)
		if err != nil {
			return fieldsync.Conflict{}, fmt.Errorf("failed to encode merged payload: %w", err)
		}
		payload = data
	}

	c, err := o.store.ResolveHeldConflict(ctx, conflictID, resolution, payload)
	if err != nil {
		return fieldsync.Conflict{}, err
	}
	o.logger.Info("conflict resolved manually", "conflict_id", conflictID, "table", c.Kind, "id", c.RecordID, "resolution", resolution)
	if resolution != fieldsync.ResolutionKeepServer {
		o.Trigger()
	}
	return c, nil
}

func (o *Orchestrator) autoMerge(ctx context.Context, conflictID string) (map[string]any, error) {
	c, err := o.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if c.Resolved() {
		return nil, fmt.Errorf("%w: %s", fieldsync.ErrConflictResolved, conflictID)
	}
	e, err := o.log.Get(ctx, c.EntryID)
	if err != nil {
		return nil, err
	}
	remote := &fieldsync.RemoteRecord{Payload: c.RemoteData, Version: c.RemoteVersion, UpdatedAt: c.RemoteUpdatedAt, Deleted: c.RemoteDeleted}
	in, err := o.conflictInput(ctx, c.Kind, c.RecordID, e.Payload, e.RecordUpdatedAt, remote)
	if err != nil {
		return nil, err
	}
	d := o.resolver.ResolveWith(in, fieldsync.PolicyMerge, nil)
	if d.Resolution != fieldsync.ResolutionMerge {
		msg := d.Reason
		if len(d.Unresolved) > 0 {
			msg = "fields changed on both sides: " + strings.Join(d.Unresolved, ", ")
		}
		return nil, &fieldsync.ValidationError{Reason: fieldsync.ReasonBadPayload, Message: "cannot merge automatically: " + msg}
	}
	return d.Merged, nil
}

// RetryFailed moves a failed entry back to pending and triggers a sync.
func (o *Orchestrator) RetryFailed(ctx context.Context, entryID int64) error {
	if err := o.log.Requeue(ctx, entryID); err != nil {
		return err
	}
	o.Trigger()
	return nil
}

// RetryAllFailed requeues every failed entry and triggers a sync.
func (o *Orchestrator) RetryAllFailed(ctx context.Context) (int64, error) {
	n, err := o.log.RequeueAllFailed(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.Trigger()
	}
	return n, nil
}

// DiscardFailed drops a failed local change and restores the record to its
// last synced state.
func (o *Orchestrator) DiscardFailed(ctx context.Context, entryID int64) (fieldsqlite.Entry, error) {
	return o.store.DiscardEntry(ctx, entryID)
}
