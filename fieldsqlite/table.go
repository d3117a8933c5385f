// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Ziggcoder/SoilWise--sub001/fieldsync"
)

// Row is a typed record.
type Row[T fieldsync.Entity] struct {
	ID         string
	Entity     T
	CreatedAt  time.Time
	UpdatedAt  time.Time
	SyncStatus fieldsync.SyncStatus
}

// Table gives typed access to the records of one entity kind.
type Table[T fieldsync.Entity] struct {
	store *Store
	kind  fieldsync.Kind
}

// TableOf returns the typed table for T.
func TableOf[T fieldsync.Entity](s *Store) Table[T] {
	var zero T
	return Table[T]{store: s, kind: zero.Kind()}
}

func (s *Store) Farms() Table[fieldsync.Farm]   { return TableOf[fieldsync.Farm](s) }
func (s *Store) Fields() Table[fieldsync.Field] { return TableOf[fieldsync.Field](s) }
func (s *Store) Tasks() Table[fieldsync.Task]   { return TableOf[fieldsync.Task](s) }
func (s *Store) Observations() Table[fieldsync.Observation] {
	return TableOf[fieldsync.Observation](s)
}
func (s *Store) SensorReadings() Table[fieldsync.SensorReading] {
	return TableOf[fieldsync.SensorReading](s)
}

// Kind returns the entity kind stored in the table.
func (t Table[T]) Kind() fieldsync.Kind { return t.kind }

// Create stores a new entity and returns its id.
func (t Table[T]) Create(ctx context.Context, e T) (string, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", t.kind, err)
	}
	return t.store.Create(ctx, t.kind, payload)
}

// CreateWithID stores a new entity under id.
func (t Table[T]) CreateWithID(ctx context.Context, id string, e T) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", t.kind, err)
	}
	return t.store.CreateWithID(ctx, t.kind, id, payload)
}

// Get returns the decoded entity.
func (t Table[T]) Get(ctx context.Context, id string) (Row[T], error) {
	rec, err := t.store.Get(ctx, t.kind, id)
	if err != nil {
		return Row[T]{}, err
	}
	return decodeRow[T](rec)
}

// Update loads the entity, lets fn modify it and stores the result.
func (t Table[T]) Update(ctx context.Context, id string, fn func(*T) error) error {
	return t.store.rewrite(ctx, t.kind, id, func(current map[string]any) (map[string]any, error) {
		raw, err := json.Marshal(current)
		if err != nil {
			return nil, err
		}
		var e T
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("failed to decode %s/%s: %w", t.kind, id, err)
		}
		if err := fn(&e); err != nil {
			return nil, err
		}
		raw, err = json.Marshal(e)
		if err != nil {
			return nil, err
		}
		var next map[string]any
		if err := json.Unmarshal(raw, &next); err != nil {
			return nil, err
		}
		return next, nil
	})
}

// Delete removes the entity.
func (t Table[T]) Delete(ctx context.Context, id string) error {
	return t.store.Delete(ctx, t.kind, id)
}

// Query lists entities matching filter and, when set, pred.
func (t Table[T]) Query(ctx context.Context, filter Filter, pred func(Row[T]) bool) ([]Row[T], error) {
	var decodeErr error
	recs, err := t.store.Query(ctx, t.kind, filter, func(rec Record) bool {
		if decodeErr != nil {
			return false
		}
		if pred == nil {
			return true
		}
		row, err := decodeRow[T](rec)
		if err != nil {
			decodeErr = err
			return false
		}
		return pred(row)
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	out := make([]Row[T], 0, len(recs))
	for _, rec := range recs {
		row, err := decodeRow[T](rec)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func decodeRow[T fieldsync.Entity](rec Record) (Row[T], error) {
	var e T
	if err := json.Unmarshal(rec.Payload, &e); err != nil {
		return Row[T]{}, fmt.Errorf("failed to decode %s/%s: %w", rec.Kind, rec.ID, err)
	}
	return Row[T]{
		ID:         rec.ID,
		Entity:     e,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
		SyncStatus: rec.SyncStatus,
	}, nil
}
