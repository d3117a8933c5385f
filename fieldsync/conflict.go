// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"time"
)

// Resolution is the outcome chosen for a conflict.
type Resolution string

const (
	ResolutionKeepLocal  Resolution = "keep_local"
	ResolutionKeepServer Resolution = "keep_server"
	ResolutionMerge      Resolution = "merge"
	ResolutionManual     Resolution = "manual"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionKeepLocal, ResolutionKeepServer, ResolutionMerge, ResolutionManual:
		return true
	default:
		return false
	}
}

// Conflict is a divergence between the local snapshot being pushed and the
// remote copy of the same record. Conflicts escalated to manual resolution are
// persisted until somebody picks one of the automatic resolutions.
type Conflict struct {
	ID              string          `json:"id"`
	Kind            Kind            `json:"table"`
	RecordID        string          `json:"record_id"`
	EntryID         int64           `json:"entry_id"`
	LocalData       json.RawMessage `json:"local_data,omitempty"` // nil when deleted locally
	RemoteData      json.RawMessage `json:"remote_data,omitempty"`
	RemoteVersion   int64           `json:"remote_version"`
	RemoteDeleted   bool            `json:"remote_deleted"`
	RemoteUpdatedAt time.Time       `json:"remote_updated_at"`
	Resolution      Resolution      `json:"resolution"`
	DetectedAt      time.Time       `json:"detected_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
}

// Resolved reports whether a final resolution has been applied.
func (c *Conflict) Resolved() bool { return c.ResolvedAt != nil }
