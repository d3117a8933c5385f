// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"time"
)

// REST/JSON models exchanged with the remote sync endpoint

// PushRequest is a batch of local mutations sent to the remote authority.
// The remote must deduplicate by MutationID so a batch can be resent after an
// ambiguous network failure.
type PushRequest struct {
	DeviceID  string     `json:"device_id"`
	Mutations []Mutation `json:"mutations"`
}

// Mutation is a single change log entry on the wire
type Mutation struct {
	MutationID  string          `json:"mutation_id"`       // Stable across resends of the same snapshot
	Table       Kind            `json:"table"`             // Entity table
	RecordID    string          `json:"record_id"`         // Local record identity
	Action      Action          `json:"action"`            // create, update, delete
	Payload     json.RawMessage `json:"payload,omitempty"` // Latest snapshot (null for delete)
	BaseVersion int64           `json:"base_version"`      // Last remote version seen locally, 0 if never synced
	UpdatedAt   time.Time       `json:"updated_at"`        // Local updatedAt of the snapshot
}

// PushResponse carries one result per mutation, matched by MutationID.
type PushResponse struct {
	Results []ItemResult `json:"results"`
}

// ItemResult is the remote verdict for a single mutation
type ItemResult struct {
	MutationID string        `json:"mutation_id"`
	Outcome    string        `json:"outcome"`               // accepted, conflict, rejected
	NewVersion *int64        `json:"new_version,omitempty"` // Remote version after an accepted write
	Remote     *RemoteRecord `json:"remote,omitempty"`      // Current remote state on conflict
	Reason     string        `json:"reason,omitempty"`      // Rejection reason
	Message    string        `json:"message,omitempty"`     // Optional details
}

// RemoteRecord is the remote authority's current copy of a record.
type RemoteRecord struct {
	Payload   json.RawMessage `json:"payload,omitempty"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Deleted   bool            `json:"deleted"`
}

// ErrorResponse represents an error body returned by the remote
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
