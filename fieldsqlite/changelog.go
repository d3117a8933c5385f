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

// Entry is one outbox row. An entry is open while it is not synced and not
// discarded; there is at most one open entry per record.
type Entry struct {
	ID              int64                `json:"id"`
	Kind            fieldsync.Kind       `json:"table"`
	RecordID        string               `json:"record_id"`
	Action          fieldsync.Action     `json:"action"`
	Payload         json.RawMessage      `json:"payload,omitempty"`
	MutationID      string               `json:"mutation_id"`
	BaseVersion     int64                `json:"base_version"`
	RecordUpdatedAt time.Time            `json:"record_updated_at"`
	State           fieldsync.EntryState `json:"state"`
	Synced          bool                 `json:"synced"`
	RetryCount      int                  `json:"retry_count"`
	FirstSentAt     *time.Time           `json:"first_sent_at,omitempty"`
	LastAttempt     *time.Time           `json:"last_attempt,omitempty"`
	Error           string               `json:"error,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
	SyncedAt        *time.Time           `json:"synced_at,omitempty"`
}

// Mutation converts the entry into its wire form.
func (e Entry) Mutation() fieldsync.Mutation {
	return fieldsync.Mutation{
		MutationID:  e.MutationID,
		Table:       e.Kind,
		RecordID:    e.RecordID,
		Action:      e.Action,
		Payload:     e.Payload,
		BaseVersion: e.BaseVersion,
		UpdatedAt:   e.RecordUpdatedAt,
	}
}

type entryRow struct {
	ID              int64          `db:"id"`
	TableName       string         `db:"table_name"`
	RecordID        string         `db:"record_id"`
	Action          string         `db:"action"`
	Payload         sql.NullString `db:"payload"`
	MutationID      string         `db:"mutation_id"`
	BaseVersion     int64          `db:"base_version"`
	RecordUpdatedAt int64          `db:"record_updated_at"`
	State           string         `db:"state"`
	Synced          bool           `db:"synced"`
	RetryCount      int            `db:"retry_count"`
	FirstSentAt     sql.NullInt64  `db:"first_sent_at"`
	LastAttempt     sql.NullInt64  `db:"last_attempt"`
	Error           string         `db:"error"`
	CreatedAt       int64          `db:"created_at"`
	UpdatedAt       int64          `db:"updated_at"`
	SyncedAt        sql.NullInt64  `db:"synced_at"`
}

func (r entryRow) toEntry() Entry {
	e := Entry{
		ID:              r.ID,
		Kind:            fieldsync.Kind(r.TableName),
		RecordID:        r.RecordID,
		Action:          fieldsync.Action(r.Action),
		MutationID:      r.MutationID,
		BaseVersion:     r.BaseVersion,
		RecordUpdatedAt: fromNanos(r.RecordUpdatedAt),
		State:           fieldsync.EntryState(r.State),
		Synced:          r.Synced,
		RetryCount:      r.RetryCount,
		FirstSentAt:     nullableTime(r.FirstSentAt),
		LastAttempt:     nullableTime(r.LastAttempt),
		Error:           r.Error,
		CreatedAt:       fromNanos(r.CreatedAt),
		UpdatedAt:       fromNanos(r.UpdatedAt),
		SyncedAt:        nullableTime(r.SyncedAt),
	}
	if r.Payload.Valid {
		e.Payload = json.RawMessage(r.Payload.String)
	}
	return e
}

var entryColumns = []string{
	"id", "table_name", "record_id", "action", "payload", "mutation_id", "base_version",
	"record_updated_at", "state", "synced", "retry_count", "first_sent_at", "last_attempt",
	"error", "created_at", "updated_at", "synced_at",
}

const openEntryCond = `synced = 0 AND state != 'discarded'`

// ResultKind classifies the outcome of one push attempt for an entry.
type ResultKind int

const (
	ResultSuccess   ResultKind = iota // remote accepted the mutation
	ResultTransient                   // request-level failure worth retrying
	ResultRejected                    // remote refused the mutation permanently
	ResultAbandoned                   // attempt cancelled before an answer arrived
)

// Outcome is the result reported back to the change log for one entry.
type Outcome struct {
	MutationID string // mutation that was sent; results for stale mutations are ignored
	Kind       ResultKind
	Err        string
}

// ChangeLog is the durable, ordered outbox of local mutations.
type ChangeLog struct {
	store      *Store
	maxRetries int
}

// Append records a mutation outside of a record write. Store writes append
// through the same transaction as the entity write instead.
func (l *ChangeLog) Append(ctx context.Context, kind fieldsync.Kind, recordID string, action fieldsync.Action, payload json.RawMessage, recordUpdatedAt time.Time) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", fieldsync.ErrUnknownKind, string(kind))
	}
	return l.store.withTx(ctx, "append", func(tx *sqlx.Tx) error {
		return l.appendTx(ctx, tx, kind, recordID, action, payload, recordUpdatedAt)
	})
}

// appendTx coalesces the mutation into the open entry of the record or
// inserts a new entry at the tail of the log.
func (l *ChangeLog) appendTx(ctx context.Context, tx *sqlx.Tx, kind fieldsync.Kind, recordID string, action fieldsync.Action, payload json.RawMessage, recordUpdatedAt time.Time) error {
	now := l.store.now()
	baseVersion, err := remoteVersionTx(ctx, tx, kind, recordID)
	if err != nil {
		return err
	}
	if action == fieldsync.ActionDelete {
		payload = nil
	}

	open, found, err := openEntryTx(ctx, tx, kind, recordID)
	if err != nil {
		return err
	}
	if !found {
		ib := sqlbuilder.SQLite.NewInsertBuilder()
		ib.InsertInto("_sync_outbox")
		ib.Cols("table_name", "record_id", "action", "payload", "mutation_id", "base_version",
			"record_updated_at", "state", "created_at", "updated_at")
		ib.Values(kind.String(), recordID, string(action), nullString(payload), uuid.NewString(), baseVersion,
			toNanos(recordUpdatedAt), string(fieldsync.EntryPending), toNanos(now), toNanos(now))
		query, args := ib.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to append change log entry: %w", err)
		}
		return nil
	}

	nextAction := open.Action
	switch {
	case action == fieldsync.ActionDelete && open.Action == fieldsync.ActionCreate && open.FirstSentAt == nil:
		// The remote never saw the record: creating and deleting it is a no-op.
		if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_outbox WHERE id = ?`, open.ID); err != nil {
			return fmt.Errorf("failed to cancel change log entry %d: %w", open.ID, err)
		}
		return nil
	case action == fieldsync.ActionDelete:
		nextAction = fieldsync.ActionDelete
	case open.Action == fieldsync.ActionDelete:
		nextAction = fieldsync.ActionUpdate
	}

	state := fieldsync.EntryPending
	retries := open.RetryCount
	errText := open.Error
	switch open.State {
	case fieldsync.EntryConflict:
		state = fieldsync.EntryConflict
	case fieldsync.EntryFailed:
		retries = 0
		errText = ""
	}

	_, err = tx.ExecContext(ctx, `UPDATE _sync_outbox SET
			action = ?, payload = ?, mutation_id = ?, base_version = ?, record_updated_at = ?,
			state = ?, retry_count = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		string(nextAction), nullString(payload), uuid.NewString(), baseVersion, toNanos(recordUpdatedAt),
		string(state), retries, errText, toNanos(now), open.ID)
	if err != nil {
		return fmt.Errorf("failed to coalesce change log entry %d: %w", open.ID, err)
	}
	return nil
}

// PendingBatch returns up to max pending entries in append order.
func (l *ChangeLog) PendingBatch(ctx context.Context, max int) ([]Entry, error) {
	return l.PendingBatchAfter(ctx, 0, max)
}

// PendingBatchAfter returns up to max pending entries with an id greater than
// afterID, in append order.
func (l *ChangeLog) PendingBatchAfter(ctx context.Context, afterID int64, max int) ([]Entry, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(entryColumns...)
	sb.From("_sync_outbox")
	sb.Where(
		sb.Equal("state", string(fieldsync.EntryPending)),
		sb.Equal("synced", 0),
		sb.GreaterThan("id", afterID),
	)
	sb.OrderBy("id")
	if max > 0 {
		sb.Limit(max)
	}
	return l.selectEntries(ctx, "pending_batch", sb)
}

// MarkSent stamps the first time each entry was put on the wire and returns
// the entries that may still be sent. An entry whose outbox row was cancelled
// or coalesced since it was read is left out. Once stamped, an entry can no
// longer be cancelled locally by a delete.
func (l *ChangeLog) MarkSent(ctx context.Context, at time.Time, entries ...Entry) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	sendable := make([]Entry, 0, len(entries))
	err := l.store.withTx(ctx, "mark_sent", func(tx *sqlx.Tx) error {
		sendable = sendable[:0]
		for _, e := range entries {
			res, err := tx.ExecContext(ctx, `UPDATE _sync_outbox SET first_sent_at = COALESCE(first_sent_at, ?)
				WHERE id = ? AND mutation_id = ? AND state = 'pending' AND synced = 0`,
				toNanos(at), e.ID, e.MutationID)
			if err != nil {
				return fmt.Errorf("failed to mark entry %d sent: %w", e.ID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				sendable = append(sendable, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sendable, nil
}

// MarkResult records the outcome of a push attempt and returns the entry as
// it is afterwards. Success only applies while the entry still carries the
// mutation that was sent.
func (l *ChangeLog) MarkResult(ctx context.Context, entryID int64, out Outcome) (Entry, error) {
	if out.Kind == ResultAbandoned {
		return l.Get(ctx, entryID)
	}
	err := l.store.withTx(ctx, "mark_result", func(tx *sqlx.Tx) error {
		_, err := l.markResultTx(ctx, tx, entryID, out)
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	return l.Get(ctx, entryID)
}

// markResultTx reports whether the entry changed.
func (l *ChangeLog) markResultTx(ctx context.Context, tx *sqlx.Tx, entryID int64, out Outcome) (bool, error) {
	now := toNanos(l.store.now())
	var (
		res sql.Result
		err error
	)
	switch out.Kind {
	case ResultSuccess:
		res, err = tx.ExecContext(ctx, `UPDATE _sync_outbox SET
				synced = 1, state = 'synced', synced_at = ?, last_attempt = ?, error = '', updated_at = ?
			WHERE id = ? AND mutation_id = ? AND `+openEntryCond,
			now, now, now, entryID, out.MutationID)
	case ResultTransient:
		res, err = tx.ExecContext(ctx, `UPDATE _sync_outbox SET
				retry_count = retry_count + 1,
				last_attempt = ?,
				error = CASE WHEN retry_count + 1 >= ? THEN ? ELSE ? END,
				state = CASE WHEN retry_count + 1 >= ? THEN 'failed' ELSE state END,
				updated_at = ?
			WHERE id = ? AND mutation_id = ? AND state = 'pending' AND synced = 0`,
			now, l.maxRetries, fieldsync.ReasonMaxRetries+": "+out.Err, out.Err, l.maxRetries, now, entryID, out.MutationID)
	case ResultRejected:
		res, err = tx.ExecContext(ctx, `UPDATE _sync_outbox SET
				retry_count = retry_count + 1, last_attempt = ?, error = ?, state = 'failed', updated_at = ?
			WHERE id = ? AND mutation_id = ? AND state = 'pending' AND synced = 0`,
			now, out.Err, now, entryID, out.MutationID)
	default:
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record result for entry %d: %w", entryID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Get returns one entry by id.
func (l *ChangeLog) Get(ctx context.Context, entryID int64) (Entry, error) {
	var row entryRow
	err := sqlx.GetContext(ctx, l.store.db, &row, `SELECT * FROM _sync_outbox WHERE id = ?`, entryID)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %d", fieldsync.ErrEntryNotFound, entryID)
	}
	if err != nil {
		return Entry{}, &fieldsync.StorageError{Op: "get_entry", Err: err}
	}
	return row.toEntry(), nil
}

// Open returns the open entry for a record, if any.
func (l *ChangeLog) Open(ctx context.Context, kind fieldsync.Kind, recordID string) (Entry, bool, error) {
	e, found, err := openEntryTx(ctx, l.store.db, kind, recordID)
	if err != nil {
		return Entry{}, false, &fieldsync.StorageError{Op: "open_entry", Err: err}
	}
	return e, found, nil
}

// Requeue moves a failed entry back to pending with a fresh retry budget.
func (l *ChangeLog) Requeue(ctx context.Context, entryID int64) error {
	return l.store.withTx(ctx, "requeue", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE _sync_outbox SET state = 'pending', retry_count = 0, error = '', updated_at = ?
			WHERE id = ? AND state = 'failed'`, toNanos(l.store.now()), entryID)
		if err != nil {
			return fmt.Errorf("failed to requeue entry %d: %w", entryID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		return missingOrNotFailed(ctx, tx, entryID)
	})
}

// RequeueAllFailed requeues every failed entry and returns how many moved.
func (l *ChangeLog) RequeueAllFailed(ctx context.Context) (int64, error) {
	var n int64
	err := l.store.withTx(ctx, "requeue_all", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE _sync_outbox SET state = 'pending', retry_count = 0, error = '', updated_at = ?
			WHERE state = 'failed'`, toNanos(l.store.now()))
		if err != nil {
			return fmt.Errorf("failed to requeue failed entries: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// Failed lists entries waiting for operator action.
func (l *ChangeLog) Failed(ctx context.Context) ([]Entry, error) {
	return l.ByState(ctx, fieldsync.EntryFailed)
}

// ByState lists entries in the given state in append order.
func (l *ChangeLog) ByState(ctx context.Context, state fieldsync.EntryState) ([]Entry, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(entryColumns...)
	sb.From("_sync_outbox")
	sb.Where(sb.Equal("state", string(state)))
	sb.OrderBy("id")
	return l.selectEntries(ctx, "by_state", sb)
}

// EntryError is the last error recorded on an open entry.
type EntryError struct {
	EntryID     int64                `json:"entry_id"`
	Kind        fieldsync.Kind       `json:"table"`
	RecordID    string               `json:"record_id"`
	State       fieldsync.EntryState `json:"state"`
	RetryCount  int                  `json:"retry_count"`
	Error       string               `json:"error"`
	LastAttempt *time.Time           `json:"last_attempt,omitempty"`
}

// Errors lists the open entries that carry an error message.
func (l *ChangeLog) Errors(ctx context.Context) ([]EntryError, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(entryColumns...)
	sb.From("_sync_outbox")
	sb.Where(sb.NotEqual("error", ""), openEntryCond)
	sb.OrderBy("id")
	entries, err := l.selectEntries(ctx, "errors", sb)
	if err != nil {
		return nil, err
	}
	out := make([]EntryError, 0, len(entries))
	for _, e := range entries {
		out = append(out, EntryError{
			EntryID:     e.ID,
			Kind:        e.Kind,
			RecordID:    e.RecordID,
			State:       e.State,
			RetryCount:  e.RetryCount,
			Error:       e.Error,
			LastAttempt: e.LastAttempt,
		})
	}
	return out, nil
}

// Counts returns the number of entries per state, audit rows included.
func (l *ChangeLog) Counts(ctx context.Context) (map[fieldsync.EntryState]int, error) {
	var rows []struct {
		State string `db:"state"`
		N     int    `db:"n"`
	}
	if err := l.store.db.SelectContext(ctx, &rows, `SELECT state, COUNT(*) AS n FROM _sync_outbox GROUP BY state`); err != nil {
		return nil, &fieldsync.StorageError{Op: "count_entries", Err: err}
	}
	out := make(map[fieldsync.EntryState]int, len(rows))
	for _, r := range rows {
		out[fieldsync.EntryState(r.State)] = r.N
	}
	return out, nil
}

// Prune deletes synced and discarded entries last touched before the cutoff.
func (l *ChangeLog) Prune(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := l.store.withTx(ctx, "prune", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM _sync_outbox
			WHERE state IN ('synced','discarded') AND updated_at < ?`, toNanos(before))
		if err != nil {
			return fmt.Errorf("failed to prune change log: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

func (l *ChangeLog) selectEntries(ctx context.Context, op string, sb *sqlbuilder.SelectBuilder) ([]Entry, error) {
	query, args := sb.Build()
	var rows []entryRow
	if err := l.store.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, &fieldsync.StorageError{Op: op, Err: err}
	}
	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = r.toEntry()
	}
	return out, nil
}

func openEntryTx(ctx context.Context, q sqlx.QueryerContext, kind fieldsync.Kind, recordID string) (Entry, bool, error) {
	var row entryRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT * FROM _sync_outbox WHERE table_name = ? AND record_id = ? AND `+openEntryCond, kind.String(), recordID)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to read open entry for %s/%s: %w", kind, recordID, err)
	}
	return row.toEntry(), true, nil
}

func getEntryTx(ctx context.Context, tx *sqlx.Tx, entryID int64) (Entry, error) {
	var row entryRow
	err := tx.GetContext(ctx, &row, `SELECT * FROM _sync_outbox WHERE id = ?`, entryID)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %d", fieldsync.ErrEntryNotFound, entryID)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to read entry %d: %w", entryID, err)
	}
	return row.toEntry(), nil
}

func missingOrNotFailed(ctx context.Context, tx *sqlx.Tx, entryID int64) error {
	e, err := getEntryTx(ctx, tx, entryID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: entry %d is %s", fieldsync.ErrEntryNotFailed, entryID, e.State)
}

func nullString(b json.RawMessage) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
