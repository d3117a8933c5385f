// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Ziggcoder/SoilWise--sub001/fieldsync"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
)

type conflictRow struct {
	ID              string         `db:"id"`
	TableName       string         `db:"table_name"`
	RecordID        string         `db:"record_id"`
	EntryID         int64          `db:"entry_id"`
	LocalData       sql.NullString `db:"local_data"`
	RemoteData      sql.NullString `db:"remote_data"`
	RemoteVersion   int64          `db:"remote_version"`
	RemoteDeleted   bool           `db:"remote_deleted"`
	RemoteUpdatedAt int64          `db:"remote_updated_at"`
	Resolution      string         `db:"resolution"`
	DetectedAt      int64          `db:"detected_at"`
	ResolvedAt      sql.NullInt64  `db:"resolved_at"`
}

func (r conflictRow) toConflict() fieldsync.Conflict {
	c := fieldsync.Conflict{
		ID:              r.ID,
		Kind:            fieldsync.Kind(r.TableName),
		RecordID:        r.RecordID,
		EntryID:         r.EntryID,
		RemoteVersion:   r.RemoteVersion,
		RemoteDeleted:   r.RemoteDeleted,
		RemoteUpdatedAt: fromNanos(r.RemoteUpdatedAt),
		Resolution:      fieldsync.Resolution(r.Resolution),
		DetectedAt:      fromNanos(r.DetectedAt),
		ResolvedAt:      nullableTime(r.ResolvedAt),
	}
	if r.LocalData.Valid {
		c.LocalData = json.RawMessage(r.LocalData.String)
	}
	if r.RemoteData.Valid {
		c.RemoteData = json.RawMessage(r.RemoteData.String)
	}
	return c
}

func newConflict(e Entry, remote *fieldsync.RemoteRecord, now time.Time) fieldsync.Conflict {
	c := fieldsync.Conflict{
		ID:              uuid.NewString(),
		Kind:            e.Kind,
		RecordID:        e.RecordID,
		EntryID:         e.ID,
		LocalData:       e.Payload,
		RemoteVersion:   remote.Version,
		RemoteDeleted:   remote.Deleted,
		RemoteUpdatedAt: remote.UpdatedAt.UTC(),
		Resolution:      fieldsync.ResolutionManual,
		DetectedAt:      now.UTC(),
	}
	if !remote.Deleted {
		c.RemoteData = remote.Payload
	}
	return c
}

func insertConflictTx(ctx context.Context, tx *sqlx.Tx, c fieldsync.Conflict) error {
	var resolvedAt sql.NullInt64
	if c.ResolvedAt != nil {
		resolvedAt = sql.NullInt64{Int64: toNanos(*c.ResolvedAt), Valid: true}
	}
	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto("_sync_conflicts")
	ib.Cols("id", "table_name", "record_id", "entry_id", "local_data", "remote_data", "remote_version",
		"remote_deleted", "remote_updated_at", "resolution", "detected_at", "resolved_at")
	ib.Values(c.ID, c.Kind.String(), c.RecordID, c.EntryID, nullString(c.LocalData), nullString(c.RemoteData), c.RemoteVersion,
		c.RemoteDeleted, toNanos(c.RemoteUpdatedAt), string(c.Resolution), toNanos(c.DetectedAt), resolvedAt)
	query, args := ib.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to record conflict on %s/%s: %w", c.Kind, c.RecordID, err)
	}
	return nil
}

func getConflictTx(ctx context.Context, q sqlx.QueryerContext, id string) (fieldsync.Conflict, error) {
	var row conflictRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT * FROM _sync_conflicts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fieldsync.Conflict{}, fmt.Errorf("%w: %s", fieldsync.ErrConflictNotFound, id)
	}
	if err != nil {
		return fieldsync.Conflict{}, fmt.Errorf("failed to read conflict %s: %w", id, err)
	}
	return row.toConflict(), nil
}

// GetConflict returns one conflict by id.
func (s *Store) GetConflict(ctx context.Context, id string) (fieldsync.Conflict, error) {
	c, err := getConflictTx(ctx, s.db, id)
	if err != nil {
		return fieldsync.Conflict{}, classify("get_conflict", err)
	}
	return c, nil
}

// Conflicts lists conflicts oldest first. Resolved ones are part of the audit
// trail and only included on request.
func (s *Store) Conflicts(ctx context.Context, includeResolved bool) ([]fieldsync.Conflict, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("*")
	sb.From("_sync_conflicts")
	if !includeResolved {
		sb.Where(sb.IsNull("resolved_at"))
	}
	sb.OrderBy("detected_at", "id")
	query, args := sb.Build()

	var rows []conflictRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, &fieldsync.StorageError{Op: "conflicts", Err: err}
	}
	out := make([]fieldsync.Conflict, len(rows))
	for i, r := range rows {
		out[i] = r.toConflict()
	}
	return out, nil
}

func isEntryNotFound(err error) bool {
	return errors.Is(err, fieldsync.ErrEntryNotFound)
}
