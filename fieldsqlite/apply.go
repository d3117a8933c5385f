// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Ziggcoder/SoilWise--sub001/fieldsync"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// The apply paths below are used by the sync orchestrator. Each runs in one
// transaction and bails out without writing when the entry no longer carries
// the mutation that was pushed, so a local edit made while the request was in
// flight is never overwritten or marked synced.

// ApplyAccepted records that the remote accepted the entry's mutation at
// newVersion. The record is marked synced unless it was modified after
// readAt. It reports false when the entry was superseded by a newer local
// edit; the baseline still advances so the next push carries the right
// base version.
func (s *Store) ApplyAccepted(ctx context.Context, e Entry, newVersion int64, readAt time.Time) (bool, error) {
	var applied bool
	err := s.withTx(ctx, "apply_accepted", func(tx *sqlx.Tx) error {
		now := s.now()
		if err := upsertBaselineTx(ctx, tx, e.Kind, e.RecordID, e.Payload, newVersion, e.Action == fieldsync.ActionDelete, now); err != nil {
			return err
		}
		changed, err := s.log.markResultTx(ctx, tx, e.ID, Outcome{MutationID: e.MutationID, Kind: ResultSuccess})
		if err != nil {
			return err
		}
		if !changed {
			// The remote now knows the record, so a pending create must go out as an update.
			_, err := tx.ExecContext(ctx, `UPDATE _sync_outbox SET
					base_version = ?,
					action = CASE WHEN action = 'create' THEN 'update' ELSE action END
				WHERE table_name = ? AND record_id = ? AND `+openEntryCond,
				newVersion, e.Kind.String(), e.RecordID)
			if err != nil {
				return fmt.Errorf("failed to rebase superseded entry: %w", err)
			}
			return nil
		}
		applied = true
		_, err = markRecordsSynced(ctx, tx, e.Kind, readAt, e.RecordID)
		return err
	})
	return applied, err
}

// ApplyServerState resolves a conflict by adopting the remote copy and
// dropping the local change.
func (s *Store) ApplyServerState(ctx context.Context, e Entry, remote *fieldsync.RemoteRecord) (bool, error) {
	return s.applyResolution(ctx, e, remote, fieldsync.ResolutionKeepServer, nil)
}

// ApplyKeepLocal resolves a conflict in favour of the local snapshot. The
// entry is rebased on the remote version and queued again.
func (s *Store) ApplyKeepLocal(ctx context.Context, e Entry, remote *fieldsync.RemoteRecord) (bool, error) {
	return s.applyResolution(ctx, e, remote, fieldsync.ResolutionKeepLocal, nil)
}

// ApplyMerged stores merged as the new local state and queues it as an
// update on top of the remote version.
func (s *Store) ApplyMerged(ctx context.Context, e Entry, remote *fieldsync.RemoteRecord, merged json.RawMessage) (bool, error) {
	return s.applyResolution(ctx, e, remote, fieldsync.ResolutionMerge, merged)
}

func (s *Store) applyResolution(ctx context.Context, e Entry, remote *fieldsync.RemoteRecord, res fieldsync.Resolution, merged json.RawMessage) (bool, error) {
	if remote == nil {
		return false, fmt.Errorf("remote record cannot be nil")
	}
	var applied bool
	err := s.withTx(ctx, "apply_"+string(res), func(tx *sqlx.Tx) error {
		cur, ok, err := guardEntryTx(ctx, tx, e, false)
		if err != nil || !ok {
			return err
		}
		if err := s.resolveTx(ctx, tx, cur, remote, res, merged); err != nil {
			return err
		}
		c := newConflict(cur, remote, s.now())
		c.Resolution = res
		c.ResolvedAt = &c.DetectedAt
		if err := insertConflictTx(ctx, tx, c); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err == nil && applied {
		s.logger.Debug("conflict resolved", "table", e.Kind, "id", e.RecordID, "resolution", res)
	}
	return applied, err
}

// HoldConflict parks the entry for manual resolution and persists the
// conflict. It returns nil when the entry was superseded.
func (s *Store) HoldConflict(ctx context.Context, e Entry, remote *fieldsync.RemoteRecord) (*fieldsync.Conflict, error) {
	if remote == nil {
		return nil, fmt.Errorf("remote record cannot be nil")
	}
	var held *fieldsync.Conflict
	err := s.withTx(ctx, "hold_conflict", func(tx *sqlx.Tx) error {
		cur, ok, err := guardEntryTx(ctx, tx, e, false)
		if err != nil || !ok {
			return err
		}
		now := s.now()
		if _, err := tx.ExecContext(ctx, `UPDATE _sync_outbox SET state = 'conflict', last_attempt = ?, error = '', updated_at = ? WHERE id = ?`,
			toNanos(now), toNanos(now), cur.ID); err != nil {
			return fmt.Errorf("failed to hold entry %d: %w", cur.ID, err)
		}
		if err := setRecordStatusTx(ctx, tx, cur.Kind, cur.RecordID, fieldsync.StatusConflict); err != nil {
			return err
		}
		c := newConflict(cur, remote, now)
		if err := insertConflictTx(ctx, tx, c); err != nil {
			return err
		}
		held = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	if held != nil {
		s.logger.Info("conflict held for manual resolution", "table", e.Kind, "id", e.RecordID, "conflict_id", held.ID)
	}
	return held, nil
}

// ResolveHeldConflict applies a final resolution to a conflict that was held
// for manual resolution. Local edits made while it was held are part of the
// local side. merged is required for ResolutionMerge.
func (s *Store) ResolveHeldConflict(ctx context.Context, conflictID string, res fieldsync.Resolution, merged json.RawMessage) (fieldsync.Conflict, error) {
	if res == fieldsync.ResolutionManual || !res.Valid() {
		return fieldsync.Conflict{}, &fieldsync.ValidationError{Reason: fieldsync.ReasonBadPayload, Message: fmt.Sprintf("resolution %q cannot settle a conflict", res)}
	}
	var out fieldsync.Conflict
	err := s.withTx(ctx, "resolve_conflict", func(tx *sqlx.Tx) error {
		c, err := getConflictTx(ctx, tx, conflictID)
		if err != nil {
			return err
		}
		if c.Resolved() {
			return fmt.Errorf("%w: %s", fieldsync.ErrConflictResolved, conflictID)
		}
		cur, ok, err := guardEntryTx(ctx, tx, Entry{ID: c.EntryID}, true)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: entry %d is no longer held", fieldsync.ErrConflictResolved, c.EntryID)
		}
		remote := &fieldsync.RemoteRecord{
			Payload:   c.RemoteData,
			Version:   c.RemoteVersion,
			UpdatedAt: c.RemoteUpdatedAt,
			Deleted:   c.RemoteDeleted,
		}
		if err := s.resolveTx(ctx, tx, cur, remote, res, merged); err != nil {
			return err
		}
		now := s.now()
		if _, err := tx.ExecContext(ctx, `UPDATE _sync_conflicts SET resolution = ?, resolved_at = ? WHERE id = ?`,
			string(res), toNanos(now), conflictID); err != nil {
			return fmt.Errorf("failed to close conflict %s: %w", conflictID, err)
		}
		c.Resolution = res
		c.ResolvedAt = &now
		out = c
		return nil
	})
	return out, err
}

// resolveTx applies an automatic resolution to the current entry.
func (s *Store) resolveTx(ctx context.Context, tx *sqlx.Tx, cur Entry, remote *fieldsync.RemoteRecord, res fieldsync.Resolution, merged json.RawMessage) error {
	now := s.now()
	remotePayload := remote.Payload
	if remote.Deleted {
		remotePayload = nil
	}
	if err := upsertBaselineTx(ctx, tx, cur.Kind, cur.RecordID, remotePayload, remote.Version, remote.Deleted, now); err != nil {
		return err
	}

	switch res {
	case fieldsync.ResolutionKeepServer:
		if err := putRecordTx(ctx, tx, cur.Kind, cur.RecordID, remotePayload, fieldsync.StatusSynced, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE _sync_outbox SET state = 'discarded', error = ?, updated_at = ? WHERE id = ?`,
			"replaced by remote version", toNanos(now), cur.ID)
		if err != nil {
			return fmt.Errorf("failed to drop entry %d: %w", cur.ID, err)
		}
		return nil

	case fieldsync.ResolutionKeepLocal:
		if remote.Deleted && cur.Action == fieldsync.ActionDelete {
			// Both sides deleted the record.
			_, err := tx.ExecContext(ctx, `UPDATE _sync_outbox SET synced = 1, state = 'synced', synced_at = ?, error = '', updated_at = ? WHERE id = ?`,
				toNanos(now), toNanos(now), cur.ID)
			if err != nil {
				return fmt.Errorf("failed to settle entry %d: %w", cur.ID, err)
			}
			return nil
		}
		action := cur.Action
		switch {
		case remote.Deleted:
			action = fieldsync.ActionCreate
		case action == fieldsync.ActionCreate:
			action = fieldsync.ActionUpdate
		}
		if err := requeueRebasedTx(ctx, tx, cur.ID, action, cur.Payload, remote.Version, cur.RecordUpdatedAt, now); err != nil {
			return err
		}
		if cur.Payload != nil {
			return setRecordStatusTx(ctx, tx, cur.Kind, cur.RecordID, fieldsync.StatusPending)
		}
		return nil

	case fieldsync.ResolutionMerge:
		if merged == nil {
			return &fieldsync.ValidationError{Reason: fieldsync.ReasonBadPayload, Message: "merged payload is required"}
		}
		normalized, err := normalizePayload(merged)
		if err != nil {
			return err
		}
		if err := fieldsync.ValidatePayload(cur.Kind, normalized); err != nil {
			return err
		}
		if err := putRecordTx(ctx, tx, cur.Kind, cur.RecordID, normalized, fieldsync.StatusPending, now); err != nil {
			return err
		}
		action := fieldsync.ActionUpdate
		if remote.Deleted {
			action = fieldsync.ActionCreate
		}
		return requeueRebasedTx(ctx, tx, cur.ID, action, normalized, remote.Version, now, now)

	default:
		return fmt.Errorf("unsupported resolution %q", res)
	}
}

func requeueRebasedTx(ctx context.Context, tx *sqlx.Tx, entryID int64, action fieldsync.Action, payload json.RawMessage, baseVersion int64, recordUpdatedAt, now time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE _sync_outbox SET
			action = ?, payload = ?, base_version = ?, mutation_id = ?, record_updated_at = ?,
			state = 'pending', retry_count = 0, error = '', updated_at = ?
		WHERE id = ?`,
		string(action), nullString(payload), baseVersion, uuid.NewString(), toNanos(recordUpdatedAt), toNanos(now), entryID)
	if err != nil {
		return fmt.Errorf("failed to requeue entry %d: %w", entryID, err)
	}
	return nil
}

// DiscardEntry drops a failed local change. The record returns to its last
// synced state, or disappears when it never reached the remote.
func (s *Store) DiscardEntry(ctx context.Context, entryID int64) (Entry, error) {
	err := s.withTx(ctx, "discard", func(tx *sqlx.Tx) error {
		e, err := getEntryTx(ctx, tx, entryID)
		if err != nil {
			return err
		}
		if e.State != fieldsync.EntryFailed {
			return fmt.Errorf("%w: entry %d is %s", fieldsync.ErrEntryNotFailed, entryID, e.State)
		}
		now := s.now()
		if _, err := tx.ExecContext(ctx, `UPDATE _sync_outbox SET state = 'discarded', updated_at = ? WHERE id = ?`, toNanos(now), entryID); err != nil {
			return fmt.Errorf("failed to discard entry %d: %w", entryID, err)
		}
		base, found, err := baselineTx(ctx, tx, e.Kind, e.RecordID)
		if err != nil {
			return err
		}
		var restore json.RawMessage
		if found && !base.Deleted {
			restore = base.Payload
		}
		return putRecordTx(ctx, tx, e.Kind, e.RecordID, restore, fieldsync.StatusSynced, now)
	})
	if err != nil {
		return Entry{}, err
	}
	s.logger.Info("change log entry discarded", "entry_id", entryID)
	return s.log.Get(ctx, entryID)
}

// guardEntryTx re-reads the entry and reports whether it is still the one the
// caller acted on: same mutation and pending, or held in conflict when held
// is set.
func guardEntryTx(ctx context.Context, tx *sqlx.Tx, e Entry, held bool) (Entry, bool, error) {
	cur, err := getEntryTx(ctx, tx, e.ID)
	if err != nil {
		if isEntryNotFound(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	if held {
		return cur, cur.State == fieldsync.EntryConflict, nil
	}
	ok := !cur.Synced && cur.State == fieldsync.EntryPending && cur.MutationID == e.MutationID
	return cur, ok, nil
}
