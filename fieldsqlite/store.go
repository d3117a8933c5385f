// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package fieldsqlite is the SQLite-backed record store and change log of the
// offline-first sync engine. Every local write and the change log entry that
// describes it commit in the same transaction.
package fieldsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Ziggcoder/SoilWise--sub001/fieldsync"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
)

// Config holds configuration for the record store and its change log
type Config struct {
	MaxRetries int // transient attempts before an entry is moved to failed
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries: 3,
	}
}

// Record is one stored entity with its sync bookkeeping.
type Record struct {
	Kind       fieldsync.Kind       `json:"table"`
	ID         string               `json:"id"`
	Payload    json.RawMessage      `json:"payload"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
	SyncStatus fieldsync.SyncStatus `json:"sync_status"`
}

type recordRow struct {
	ID         string `db:"id"`
	Payload    string `db:"payload"`
	CreatedAt  int64  `db:"created_at"`
	UpdatedAt  int64  `db:"updated_at"`
	SyncStatus string `db:"sync_status"`
}

func (r recordRow) toRecord(kind fieldsync.Kind) Record {
	return Record{
		Kind:       kind,
		ID:         r.ID,
		Payload:    json.RawMessage(r.Payload),
		CreatedAt:  fromNanos(r.CreatedAt),
		UpdatedAt:  fromNanos(r.UpdatedAt),
		SyncStatus: fieldsync.SyncStatus(r.SyncStatus),
	}
}

var recordColumns = []string{"id", "payload", "created_at", "updated_at", "sync_status"}

// Filter narrows a Query. Zero values mean "no constraint".
type Filter struct {
	Status       fieldsync.SyncStatus
	IDs          []string
	UpdatedAfter time.Time
	Limit        int
}

// Store is the local record store. It owns the change log; every mutating
// call appends to it atomically with the entity write.
type Store struct {
	db      *sqlx.DB
	log     *ChangeLog
	config  *Config
	logger  *slog.Logger
	now     func() time.Time
	writeMu sync.Mutex // serialize write transactions on the single connection
}

// NewStore initializes the schema on db and returns a store.
func NewStore(ctx context.Context, db *sql.DB, config *Config) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxRetries <= 0 {
		return nil, fmt.Errorf("config.MaxRetries must be positive, got %d", config.MaxRetries)
	}
	if err := initializeSchema(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	s := &Store{
		db:     sqlx.NewDb(db, "sqlite3"),
		config: config,
		logger: slog.Default(),
		now:    time.Now,
	}
	s.log = &ChangeLog{store: s, maxRetries: config.MaxRetries}
	return s, nil
}

// SetLogger replaces the store logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// ChangeLog returns the outbox bound to this store.
func (s *Store) ChangeLog() *ChangeLog { return s.log }

// Create stores a new record with a generated id and returns the id.
func (s *Store) Create(ctx context.Context, kind fieldsync.Kind, payload json.RawMessage) (string, error) {
	id := uuid.NewString()
	if err := s.CreateWithID(ctx, kind, id, payload); err != nil {
		return "", err
	}
	return id, nil
}

// CreateWithID stores a new record under a caller-chosen id.
func (s *Store) CreateWithID(ctx context.Context, kind fieldsync.Kind, id string, payload json.RawMessage) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", fieldsync.ErrUnknownKind, string(kind))
	}
	if id == "" {
		return &fieldsync.ValidationError{Reason: fieldsync.ReasonBadPayload, Message: "record id cannot be empty"}
	}
	normalized, err := normalizePayload(payload)
	if err != nil {
		return err
	}
	if err := fieldsync.ValidatePayload(kind, normalized); err != nil {
		return err
	}

	err = s.withTx(ctx, "create", func(tx *sqlx.Tx) error {
		now := s.now()
		ib := sqlbuilder.SQLite.NewInsertBuilder()
		ib.InsertInto(kind.String())
		ib.Cols(recordColumns...)
		ib.Values(id, string(normalized), toNanos(now), toNanos(now), string(fieldsync.StatusPending))
		query, args := ib.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert %s/%s: %w", kind, id, err)
		}
		return s.log.appendTx(ctx, tx, kind, id, fieldsync.ActionCreate, normalized, now)
	})
	if err != nil {
		return err
	}
	s.logger.Debug("record created", "table", kind, "id", id)
	return nil
}

// Update applies a shallow JSON merge patch to the record: keys in patch
// replace existing keys and a null value removes the key.
func (s *Store) Update(ctx context.Context, kind fieldsync.Kind, id string, patch json.RawMessage) error {
	var changes map[string]any
	if err := json.Unmarshal(patch, &changes); err != nil || changes == nil {
		return &fieldsync.ValidationError{Reason: fieldsync.ReasonBadPayload, Message: "patch must be a JSON object", Err: err}
	}
	return s.rewrite(ctx, kind, id, func(current map[string]any) (map[string]any, error) {
		for k, v := range changes {
			if v == nil {
				delete(current, k)
				continue
			}
			current[k] = v
		}
		return current, nil
	})
}

// Replace overwrites the full payload of an existing record.
func (s *Store) Replace(ctx context.Context, kind fieldsync.Kind, id string, payload json.RawMessage) error {
	var next map[string]any
	if err := json.Unmarshal(payload, &next); err != nil || next == nil {
		return &fieldsync.ValidationError{Reason: fieldsync.ReasonBadPayload, Message: "payload must be a JSON object", Err: err}
	}
	return s.rewrite(ctx, kind, id, func(map[string]any) (map[string]any, error) {
		return next, nil
	})
}

// rewrite reads the current payload, lets fn produce the next one, validates
// it and writes it back together with a change log append.
func (s *Store) rewrite(ctx context.Context, kind fieldsync.Kind, id string, fn func(current map[string]any) (map[string]any, error)) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", fieldsync.ErrUnknownKind, string(kind))
	}
	err := s.withTx(ctx, "update", func(tx *sqlx.Tx) error {
		row, err := getRecordRow(ctx, tx, kind, id)
		if err != nil {
			return err
		}
		var current map[string]any
		if err := json.Unmarshal([]byte(row.Payload), &current); err != nil {
			return fmt.Errorf("failed to decode stored payload of %s/%s: %w", kind, id, err)
		}
		if current == nil {
			current = map[string]any{}
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		if err := fieldsync.ValidatePayload(kind, payload); err != nil {
			return err
		}

		now := s.now()
		// A record held in conflict stays in conflict until it is resolved.
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET payload = ?, updated_at = ?,
				sync_status = CASE WHEN sync_status = 'conflict' THEN 'conflict' ELSE 'pending' END
			WHERE id = ?`, kind), string(payload), toNanos(now), id)
		if err != nil {
			return fmt.Errorf("failed to update %s/%s: %w", kind, id, err)
		}
		return s.log.appendTx(ctx, tx, kind, id, fieldsync.ActionUpdate, payload, now)
	})
	if err != nil {
		return err
	}
	s.logger.Debug("record updated", "table", kind, "id", id)
	return nil
}

// Delete removes the record and queues a delete mutation.
func (s *Store) Delete(ctx context.Context, kind fieldsync.Kind, id string) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", fieldsync.ErrUnknownKind, string(kind))
	}
	err := s.withTx(ctx, "delete", func(tx *sqlx.Tx) error {
		if _, err := getRecordRow(ctx, tx, kind, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, kind), id); err != nil {
			return fmt.Errorf("failed to delete %s/%s: %w", kind, id, err)
		}
		return s.log.appendTx(ctx, tx, kind, id, fieldsync.ActionDelete, nil, s.now())
	})
	if err != nil {
		return err
	}
	s.logger.Debug("record deleted", "table", kind, "id", id)
	return nil
}

// Get returns one record.
func (s *Store) Get(ctx context.Context, kind fieldsync.Kind, id string) (Record, error) {
	if !kind.Valid() {
		return Record{}, fmt.Errorf("%w: %q", fieldsync.ErrUnknownKind, string(kind))
	}
	row, err := getRecordRow(ctx, s.db, kind, id)
	if err != nil {
		return Record{}, classify("get", err)
	}
	return row.toRecord(kind), nil
}

// Query lists records of kind matching filter, ordered by updated_at. When
// pred is set it is applied after decoding and the limit counts matches only.
func (s *Store) Query(ctx context.Context, kind fieldsync.Kind, filter Filter, pred func(Record) bool) ([]Record, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", fieldsync.ErrUnknownKind, string(kind))
	}

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(recordColumns...)
	sb.From(kind.String())
	var where []string
	if filter.Status != "" {
		where = append(where, sb.Equal("sync_status", string(filter.Status)))
	}
	if len(filter.IDs) > 0 {
		where = append(where, sb.In("id", stringArgs(filter.IDs)...))
	}
	if !filter.UpdatedAfter.IsZero() {
		where = append(where, sb.GreaterThan("updated_at", toNanos(filter.UpdatedAfter)))
	}
	if len(where) > 0 {
		sb.Where(where...)
	}
	sb.OrderBy("updated_at", "id")
	if filter.Limit > 0 && pred == nil {
		sb.Limit(filter.Limit)
	}

	query, args := sb.Build()
	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, &fieldsync.StorageError{Op: "query", Err: fmt.Errorf("failed to query %s: %w", kind, err)}
	}

	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		rec := r.toRecord(kind)
		if pred != nil && !pred(rec) {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// MarkSynced flags the listed records as synced. Records modified after
// readAt are left pending: their newer state has not been sent yet.
func (s *Store) MarkSynced(ctx context.Context, kind fieldsync.Kind, readAt time.Time, ids ...string) (int64, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("%w: %q", fieldsync.ErrUnknownKind, string(kind))
	}
	if len(ids) == 0 {
		return 0, nil
	}
	var n int64
	err := s.withTx(ctx, "mark_synced", func(tx *sqlx.Tx) error {
		var err error
		n, err = markRecordsSynced(ctx, tx, kind, readAt, ids...)
		return err
	})
	return n, err
}

func markRecordsSynced(ctx context.Context, tx *sqlx.Tx, kind fieldsync.Kind, readAt time.Time, ids ...string) (int64, error) {
	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update(kind.String())
	ub.Set(ub.Assign("sync_status", string(fieldsync.StatusSynced)))
	ub.Where(
		ub.In("id", stringArgs(ids)...),
		ub.LessEqualThan("updated_at", toNanos(readAt)),
		ub.Equal("sync_status", string(fieldsync.StatusPending)),
	)
	query, args := ub.Build()
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to mark %s synced: %w", kind, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountByStatus returns the number of records per sync status across all kinds.
func (s *Store) CountByStatus(ctx context.Context) (map[fieldsync.SyncStatus]int, error) {
	counts := map[fieldsync.SyncStatus]int{
		fieldsync.StatusPending:  0,
		fieldsync.StatusSynced:   0,
		fieldsync.StatusConflict: 0,
	}
	for _, kind := range fieldsync.Kinds {
		var rows []struct {
			Status string `db:"sync_status"`
			N      int    `db:"n"`
		}
		q := fmt.Sprintf(`SELECT sync_status, COUNT(*) AS n FROM %s GROUP BY sync_status`, kind)
		if err := s.db.SelectContext(ctx, &rows, q); err != nil {
			return nil, &fieldsync.StorageError{Op: "count", Err: fmt.Errorf("failed to count %s: %w", kind, err)}
		}
		for _, r := range rows {
			counts[fieldsync.SyncStatus(r.Status)] += r.N
		}
	}
	return counts, nil
}

func getRecordRow(ctx context.Context, q sqlx.QueryerContext, kind fieldsync.Kind, id string) (recordRow, error) {
	var row recordRow
	query := fmt.Sprintf(`SELECT id, payload, created_at, updated_at, sync_status FROM %s WHERE id = ?`, kind)
	if err := sqlx.GetContext(ctx, q, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return row, fmt.Errorf("%w: %s/%s", fieldsync.ErrNotFound, kind, id)
		}
		return row, fmt.Errorf("failed to read %s/%s: %w", kind, id, err)
	}
	return row, nil
}

// withTx runs fn in a write transaction. Any error rolls back every write
// made by fn, including change log appends.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &fieldsync.StorageError{Op: op, Err: fmt.Errorf("failed to begin transaction: %w", err)}
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", "op", op, "error", rbErr)
		}
		return classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return &fieldsync.StorageError{Op: op, Err: fmt.Errorf("failed to commit transaction: %w", err)}
	}
	return nil
}

// classify keeps domain errors as they are and wraps everything else as a
// storage failure.
func classify(op string, err error) error {
	var verr *fieldsync.ValidationError
	var serr *fieldsync.StorageError
	switch {
	case errors.As(err, &verr), errors.As(err, &serr):
		return err
	case errors.Is(err, fieldsync.ErrNotFound),
		errors.Is(err, fieldsync.ErrUnknownKind),
		errors.Is(err, fieldsync.ErrEntryNotFound),
		errors.Is(err, fieldsync.ErrEntryNotFailed),
		errors.Is(err, fieldsync.ErrConflictNotFound),
		errors.Is(err, fieldsync.ErrConflictResolved):
		return err
	default:
		return &fieldsync.StorageError{Op: op, Err: err}
	}
}

// normalizePayload checks that payload is a JSON object and re-encodes it with
// sorted keys.
func normalizePayload(payload json.RawMessage) (json.RawMessage, error) {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return nil, &fieldsync.ValidationError{Reason: fieldsync.ReasonBadPayload, Message: "payload must be a JSON object", Err: err}
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, &fieldsync.ValidationError{Reason: fieldsync.ReasonBadPayload, Message: err.Error(), Err: err}
	}
	return out, nil
}

func stringArgs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullableTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
