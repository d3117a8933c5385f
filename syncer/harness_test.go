// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Ziggcoder/SoilWise--sub001/fieldsqlite"
	"github.com/Ziggcoder/SoilWise--sub001/fieldsync"
	"github.com/Ziggcoder/SoilWise--sub001/netmon"
	"github.com/stretchr/testify/require"
)

// fakeNet is a connectivity source driven by the test.
type fakeNet struct {
	online atomic.Bool
	mu     sync.Mutex
	subs   map[int]func(netmon.Transition)
	next   int
}

func newFakeNet(online bool) *fakeNet {
	n := &fakeNet{subs: map[int]func(netmon.Transition){}}
	n.online.Store(online)
	return n
}

func (n *fakeNet) IsOnline() bool { return n.online.Load() }

func (n *fakeNet) Quality() netmon.Quality {
	if n.online.Load() {
		return netmon.QualityGood
	}
	return netmon.QualityNone
}

func (n *fakeNet) Subscribe(fn func(netmon.Transition)) func() {
	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

func (n *fakeNet) set(online bool) {
	n.online.Store(online)
	n.mu.Lock()
	subs := make([]func(netmon.Transition), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()
	for _, fn := range subs {
		fn(netmon.Transition{Online: online, Quality: n.Quality(), At: time.Now()})
	}
}

type serverRecord struct {
	payload   []byte
	version   int64
	updatedAt time.Time
	deleted   bool
}

// fakeServer is an in-memory sync authority with optimistic concurrency on
// base versions and dedupe by mutation id.
type fakeServer struct {
	mu       sync.Mutex
	records  map[string]*serverRecord
	seen     map[string]fieldsync.ItemResult
	reject   map[string]string // record id -> reason
	requests [][]fieldsync.Mutation

	failNext      int // fail this many requests before touching state
	ambiguousNext int // apply, then fail this many requests
	beforeRespond func(ctx context.Context, req *fieldsync.PushRequest) error
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		records: map[string]*serverRecord{},
		seen:    map[string]fieldsync.ItemResult{},
		reject:  map[string]string{},
	}
}

func key(kind fieldsync.Kind, id string) string { return kind.String() + "/" + id }

func (s *fakeServer) Push(ctx context.Context, req *fieldsync.PushRequest) (*fieldsync.PushResponse, error) {
	s.mu.Lock()
	s.requests = append(s.requests, append([]fieldsync.Mutation(nil), req.Mutations...))
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		return nil, &fieldsync.TransientNetworkError{StatusCode: 503, Err: errUnavailable}
	}
	resp := &fieldsync.PushResponse{}
	for _, m := range req.Mutations {
		resp.Results = append(resp.Results, s.applyLocked(m))
	}
	ambiguous := s.ambiguousNext > 0
	if ambiguous {
		s.ambiguousNext--
	}
	hook := s.beforeRespond
	s.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, req); err != nil {
			return nil, err
		}
	}
	if ambiguous {
		return nil, &fieldsync.TransientNetworkError{Err: errConnReset}
	}
	return resp, nil
}

func (s *fakeServer) applyLocked(m fieldsync.Mutation) fieldsync.ItemResult {
	if r, ok := s.seen[m.MutationID]; ok {
		return r
	}
	res := fieldsync.ItemResult{MutationID: m.MutationID}
	k := key(m.Table, m.RecordID)
	rec := s.records[k]
	var current int64
	if rec != nil {
		current = rec.version
	}

	switch {
	case s.reject[m.RecordID] != "":
		res.Outcome = fieldsync.OutcomeRejected
		res.Reason = s.reject[m.RecordID]
		return res // not remembered: a fixed payload may be accepted later
	case m.BaseVersion != current:
		res.Outcome = fieldsync.OutcomeConflict
		if rec == nil {
			res.Remote = &fieldsync.RemoteRecord{Deleted: true}
		} else {
			res.Remote = &fieldsync.RemoteRecord{Payload: rec.payload, Version: rec.version, UpdatedAt: rec.updatedAt, Deleted: rec.deleted}
		}
	default:
		if rec == nil {
			rec = &serverRecord{}
			s.records[k] = rec
		}
		rec.version++
		rec.updatedAt = m.UpdatedAt
		rec.deleted = m.Action == fieldsync.ActionDelete
		rec.payload = append([]byte(nil), m.Payload...)
		v := rec.version
		res.Outcome = fieldsync.OutcomeAccepted
		res.NewVersion = &v
	}
	s.seen[m.MutationID] = res
	return res
}

// put simulates a write by another device.
func (s *fakeServer) put(kind fieldsync.Kind, id string, payload string, updatedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(kind, id)
	rec := s.records[k]
	if rec == nil {
		rec = &serverRecord{}
		s.records[k] = rec
	}
	rec.version++
	rec.payload = []byte(payload)
	rec.updatedAt = updatedAt
	rec.deleted = false
}

func (s *fakeServer) record(kind fieldsync.Kind, id string) *serverRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[key(kind, id)]
	if rec == nil {
		return nil
	}
	cp := *rec
	return &cp
}

func (s *fakeServer) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *fakeServer) mutationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		n += len(r)
	}
	return n
}

type harness struct {
	store  *fieldsqlite.Store
	server *fakeServer
	net    *fakeNet
	orch   *Orchestrator
}

func testConfig() *Config {
	cfg := DefaultConfig("device-1")
	cfg.Interval = time.Hour
	cfg.BackoffMin = 20 * time.Millisecond
	cfg.BackoffMax = 80 * time.Millisecond
	cfg.RequestSize = 2
	return cfg
}

func newHarness(t *testing.T, policy fieldsync.Policy) *harness {
	t.Helper()
	db, err := fieldsqlite.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := fieldsqlite.NewStore(context.Background(), db, fieldsqlite.DefaultConfig())
	require.NoError(t, err)

	h := &harness{store: store, server: newFakeServer(), net: newFakeNet(true)}
	h.orch, err = New(store, h.server, h.net, fieldsync.NewResolver(policy), testConfig())
	require.NoError(t, err)
	t.Cleanup(h.orch.Stop)
	return h
}

func (h *harness) field(t *testing.T, id string) fieldsqlite.Row[fieldsync.Field] {
	t.Helper()
	row, err := h.store.Fields().Get(context.Background(), id)
	require.NoError(t, err)
	return row
}

var (
	errUnavailable = errorString("service unavailable")
	errConnReset   = errorString("connection reset by peer")
)

type errorString string

func (e errorString) Error() string { return string(e) }
