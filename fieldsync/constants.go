// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

// SyncStatus is the per-record synchronization state kept by the record store.
type SyncStatus string

const (
	StatusPending  SyncStatus = "pending"
	StatusSynced   SyncStatus = "synced"
	StatusConflict SyncStatus = "conflict"
)

// Valid reports whether s is one of the known record statuses.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSynced, StatusConflict:
		return true
	default:
		return false
	}
}

// Action is the kind of local mutation captured in the change log.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// EntryState is the lifecycle state of a change log entry.
type EntryState string

const (
	EntryPending   EntryState = "pending"   // waiting to be pushed
	EntryFailed    EntryState = "failed"    // terminal until an operator requeues or discards it
	EntryConflict  EntryState = "conflict"  // held for manual resolution, never retried automatically
	EntrySynced    EntryState = "synced"    // confirmed by the remote, retained for audit
	EntryDiscarded EntryState = "discarded" // dropped by an operator, retained for audit
)

// Outcome constants returned per mutation by the remote sync endpoint
const (
	OutcomeAccepted = "accepted"
	OutcomeConflict = "conflict"
	OutcomeRejected = "rejected"
)

// Rejection reason constants
const (
	ReasonBadPayload       = "bad_payload"
	ReasonUnknownTable     = "unknown_table"
	ReasonForbidden        = "forbidden"
	ReasonMaxRetries       = "max_retries_exceeded"
	ReasonMissingReference = "missing_reference"
)
