// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Ziggcoder/SoilWise--sub001/fieldsync"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "field.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewStore(context.Background(), db, DefaultConfig())
	require.NoError(t, err)
	clock := &stepClock{now: time.Date(2025, 4, 1, 6, 0, 0, 0, time.UTC)}
	s.now = clock.Now
	return s
}

func openEntries(t *testing.T, s *Store) []Entry {
	t.Helper()
	var rows []entryRow
	require.NoError(t, s.db.Select(&rows, `SELECT * FROM _sync_outbox WHERE `+openEntryCond+` ORDER BY id`))
	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = r.toEntry()
	}
	return out
}

func fieldPayload(name string) json.RawMessage {
	return json.RawMessage(`{"farmId":"farm-1","name":"` + name + `","cropType":"maize"}`)
}

func TestNewStore_CreatesTables(t *testing.T) {
	s := newTestStore(t)

	expected := []string{"_sync_outbox", "_sync_row_meta", "_sync_conflicts"}
	for _, k := range fieldsync.Kinds {
		expected = append(expected, k.String())
	}
	for _, table := range expected {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "Table %s should exist", table)
	}

	// Re-initializing an existing database is a no-op.
	_, err := NewStore(context.Background(), s.db.DB, nil)
	require.NoError(t, err)
}

func TestCreate_PendingWithEntry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.Create(ctx, fieldsync.KindField, fieldPayload("North"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := s.Get(ctx, fieldsync.KindField, id)
	require.NoError(t, err)
	require.Equal(t, fieldsync.StatusPending, rec.SyncStatus)
	require.Equal(t, rec.CreatedAt, rec.UpdatedAt)
	require.JSONEq(t, string(fieldPayload("North")), string(rec.Payload))

	entries := openEntries(t, s)
	require.Len(t, entries, 1)
	require.Equal(t, fieldsync.ActionCreate, entries[0].Action)
	require.Equal(t, id, entries[0].RecordID)
	require.Equal(t, fieldsync.EntryPending, entries[0].State)
	require.NotEmpty(t, entries[0].MutationID)
}

func TestCreate_ValidationAndUnknownKind(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Create(ctx, fieldsync.KindField, json.RawMessage(`{"name":"no farm"}`))
	var verr *fieldsync.ValidationError
	require.True(t, errors.As(err, &verr))

	_, err = s.Create(ctx, fieldsync.Kind("users"), json.RawMessage(`{}`))
	require.ErrorIs(t, err, fieldsync.ErrUnknownKind)

	_, err = s.Create(ctx, fieldsync.KindFarm, json.RawMessage(`[1,2]`))
	require.True(t, errors.As(err, &verr))

	require.Empty(t, openEntries(t, s))
}

func TestUpdate_CoalescesIntoOpenEntry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.Create(ctx, fieldsync.KindField, fieldPayload("North"))
	require.NoError(t, err)
	first := openEntries(t, s)[0]

	require.NoError(t, s.Update(ctx, fieldsync.KindField, id, json.RawMessage(`{"cropType":"wheat"}`)))
	require.NoError(t, s.Update(ctx, fieldsync.KindField, id, json.RawMessage(`{"soilType":"loam","cropType":null}`)))

	entries := openEntries(t, s)
	require.Len(t, entries, 1)
	got := entries[0]
	require.Equal(t, first.ID, got.ID, "coalescing keeps the original position")
	require.Equal(t, fieldsync.ActionCreate, got.Action, "create stays create")
	require.NotEqual(t, first.MutationID, got.MutationID)
	require.JSONEq(t, `{"farmId":"farm-1","name":"North","soilType":"loam"}`, string(got.Payload))

	rec, err := s.Get(ctx, fieldsync.KindField, id)
	require.NoError(t, err)
	require.JSONEq(t, string(got.Payload), string(rec.Payload))
	require.True(t, rec.UpdatedAt.After(rec.CreatedAt))
	require.Equal(t, rec.UpdatedAt, got.RecordUpdatedAt)

	err = s.Update(ctx, fieldsync.KindField, "missing", json.RawMessage(`{"name":"x"}`))
	require.ErrorIs(t, err, fieldsync.ErrNotFound)

	// An update that breaks validation leaves the record untouched.
	err = s.Update(ctx, fieldsync.KindField, id, json.RawMessage(`{"name":null}`))
	var verr *fieldsync.ValidationError
	require.True(t, errors.As(err, &verr))
	rec2, err := s.Get(ctx, fieldsync.KindField, id)
	require.NoError(t, err)
	require.Equal(t, rec.Payload, rec2.Payload)
}

func TestUpdate_ResetsEntryFailedByRetries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.Create(ctx, fieldsync.KindField, fieldPayload("North"))
	require.NoError(t, err)
	e := openEntries(t, s)[0]
	for range 3 {
		_, err = s.log.MarkResult(ctx, e.ID, Outcome{MutationID: e.MutationID, Kind: ResultTransient, Err: "timeout"})
		require.NoError(t, err)
	}
	failed, err := s.log.Get(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, fieldsync.EntryFailed, failed.State)
	require.Contains(t, failed.Error, fieldsync.ReasonMaxRetries)

	require.NoError(t, s.Update(ctx, fieldsync.KindField, id, json.RawMessage(`{"cropType":"wheat"}`)))
	got, err := s.log.Get(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, fieldsync.EntryPending, got.State)
	require.Zero(t, got.RetryCount)
	require.Empty(t, got.Error)
	require.NotEqual(t, e.MutationID, got.MutationID)
	require.Contains(t, string(got.Payload), "wheat")

	batch, err := s.log.PendingBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, e.ID, batch[0].ID)
}

func TestDelete_CancelsUnsentCreate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.Create(ctx, fieldsync.KindTask, json.RawMessage(`{"title":"Scout east block","status":"open"}`))
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, fieldsync.KindTask, id, json.RawMessage(`{"status":"in_progress"}`)))
	require.NoError(t, s.Delete(ctx, fieldsync.KindTask, id))

	require.Empty(t, openEntries(t, s))
	_, err = s.Get(ctx, fieldsync.KindTask, id)
	require.ErrorIs(t, err, fieldsync.ErrNotFound)

	err = s.Delete(ctx, fieldsync.KindTask, id)
	require.ErrorIs(t, err, fieldsync.ErrNotFound)
}

func TestDelete_AfterSendBecomesDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.Create(ctx, fieldsync.KindTask, json.RawMessage(`{"title":"Scout","status":"open"}`))
	require.NoError(t, err)
	e := openEntries(t, s)[0]
	_, err = s.log.MarkSent(ctx, s.now(), e)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, fieldsync.KindTask, id))
	entries := openEntries(t, s)
	require.Len(t, entries, 1)
	require.Equal(t, e.ID, entries[0].ID)
	require.Equal(t, fieldsync.ActionDelete, entries[0].Action)
	require.Nil(t, entries[0].Payload)
}

func TestDelete_AfterSyncQueuesDeleteWithBaseVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.Create(ctx, fieldsync.KindFarm, json.RawMessage(`{"name":"Green Acres"}`))
	require.NoError(t, err)
	e := openEntries(t, s)[0]
	applied, err := s.ApplyAccepted(ctx, e, 4, s.now())
	require.NoError(t, err)
	require.True(t, applied)

	rec, err := s.Get(ctx, fieldsync.KindFarm, id)
	require.NoError(t, err)
	require.Equal(t, fieldsync.StatusSynced, rec.SyncStatus)

	require.NoError(t, s.Delete(ctx, fieldsync.KindFarm, id))
	entries := openEntries(t, s)
	require.Len(t, entries, 1)
	require.NotEqual(t, e.ID, entries[0].ID)
	require.Equal(t, fieldsync.ActionDelete, entries[0].Action)
	require.Equal(t, int64(4), entries[0].BaseVersion)

	// Re-creating the same id turns the pending delete into an update.
	require.NoError(t, s.CreateWithID(ctx, fieldsync.KindFarm, id, json.RawMessage(`{"name":"Green Acres II"}`)))
	entries = openEntries(t, s)
	require.Len(t, entries, 1)
	require.Equal(t, fieldsync.ActionUpdate, entries[0].Action)
}

func TestCreate_FailedAppendRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.db.Exec(`DROP TABLE _sync_outbox`)
	require.NoError(t, err)

	_, err = s.Create(ctx, fieldsync.KindFarm, json.RawMessage(`{"name":"Green Acres"}`))
	var serr *fieldsync.StorageError
	require.True(t, errors.As(err, &serr))
	require.Equal(t, "create", serr.Op)

	var n int
	require.NoError(t, s.db.Get(&n, `SELECT COUNT(*) FROM farms`))
	require.Zero(t, n)
}

func TestMarkSynced_SkipsRecordsModifiedAfterRead(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, err := s.Create(ctx, fieldsync.KindField, fieldPayload("A"))
	require.NoError(t, err)
	b, err := s.Create(ctx, fieldsync.KindField, fieldPayload("B"))
	require.NoError(t, err)
	c, err := s.Create(ctx, fieldsync.KindField, fieldPayload("C"))
	require.NoError(t, err)

	readAt := s.now()
	require.NoError(t, s.Update(ctx, fieldsync.KindField, b, json.RawMessage(`{"name":"B2"}`)))

	n, err := s.MarkSynced(ctx, fieldsync.KindField, readAt, a, b)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// Idempotent.
	n, err = s.MarkSynced(ctx, fieldsync.KindField, readAt, a, b)
	require.NoError(t, err)
	require.Zero(t, n)

	status := func(id string) fieldsync.SyncStatus {
		rec, err := s.Get(ctx, fieldsync.KindField, id)
		require.NoError(t, err)
		return rec.SyncStatus
	}
	require.Equal(t, fieldsync.StatusSynced, status(a))
	require.Equal(t, fieldsync.StatusPending, status(b))
	require.Equal(t, fieldsync.StatusPending, status(c), "unlisted records are untouched")

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[fieldsync.StatusSynced])
	require.Equal(t, 2, counts[fieldsync.StatusPending])
}

func TestQuery_FiltersAndPredicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var ids []string
	for _, name := range []string{"A", "B", "C", "D"} {
		id, err := s.Create(ctx, fieldsync.KindField, fieldPayload(name))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, err := s.MarkSynced(ctx, fieldsync.KindField, s.now(), ids[0])
	require.NoError(t, err)

	pending, err := s.Query(ctx, fieldsync.KindField, Filter{Status: fieldsync.StatusPending}, nil)
	require.NoError(t, err)
	require.Len(t, pending, 3)

	byID, err := s.Query(ctx, fieldsync.KindField, Filter{IDs: []string{ids[1], ids[3]}}, nil)
	require.NoError(t, err)
	require.Len(t, byID, 2)

	first, err := s.Query(ctx, fieldsync.KindField, Filter{Limit: 2}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{ids[0], ids[1]}, []string{first[0].ID, first[1].ID})

	rec, err := s.Get(ctx, fieldsync.KindField, ids[1])
	require.NoError(t, err)
	after, err := s.Query(ctx, fieldsync.KindField, Filter{UpdatedAfter: rec.UpdatedAt}, nil)
	require.NoError(t, err)
	require.Len(t, after, 2)

	named, err := s.Fields().Query(ctx, Filter{Limit: 1}, func(r Row[fieldsync.Field]) bool {
		return r.Entity.Name == "C"
	})
	require.NoError(t, err)
	require.Len(t, named, 1)
	require.Equal(t, ids[2], named[0].ID)
}

func TestTypedTable_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tasks := s.Tasks()
	require.Equal(t, fieldsync.KindTask, tasks.Kind())

	id, err := tasks.Create(ctx, fieldsync.Task{FieldID: "f1", Title: "Check irrigation", Status: "open"})
	require.NoError(t, err)

	require.NoError(t, tasks.Update(ctx, id, func(task *fieldsync.Task) error {
		task.Status = "done"
		return nil
	}))
	row, err := tasks.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "done", row.Entity.Status)
	require.Equal(t, "Check irrigation", row.Entity.Title)
	require.Equal(t, fieldsync.StatusPending, row.SyncStatus)

	err = tasks.Update(ctx, id, func(task *fieldsync.Task) error {
		task.Status = "someday"
		return nil
	})
	var verr *fieldsync.ValidationError
	require.True(t, errors.As(err, &verr))

	require.NoError(t, tasks.Delete(ctx, id))
	_, err = tasks.Get(ctx, id)
	require.ErrorIs(t, err, fieldsync.ErrNotFound)
}
