// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"time"
)

// Policy selects how the resolver treats a conflict for an entity kind.
type Policy string

const (
	PolicyKeepLocal     Policy = "keep_local"
	PolicyKeepServer    Policy = "keep_server"
	PolicyMerge         Policy = "merge"
	PolicyManual        Policy = "manual"
	PolicyLastWriteWins Policy = "last_write_wins"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyKeepLocal, PolicyKeepServer, PolicyMerge, PolicyManual, PolicyLastWriteWins:
		return true
	default:
		return false
	}
}

// ConflictInput is everything the resolver may look at. A nil map means that
// side deleted the record. Base is the last known-synced snapshot, nil when the
// record was never synced.
type ConflictInput struct {
	Kind            Kind
	RecordID        string
	Base            map[string]any
	Local           map[string]any
	Remote          map[string]any
	LocalUpdatedAt  time.Time
	RemoteUpdatedAt time.Time
}

// Decision is the resolver output.
type Decision struct {
	Resolution Resolution
	Merged     map[string]any // set only for ResolutionMerge
	Unresolved []string       // fields that blocked an automatic merge, sorted
	Reason     string
}

// MergeFunc merges local and remote payloads against their common base and
// returns the fields it could not reconcile.
type MergeFunc func(base, local, remote map[string]any) (merged map[string]any, unresolved []string)

// Resolver decides conflicts. It is a pure value: the same input and policy
// always produce the same decision.
type Resolver struct {
	Default  Policy
	Policies map[Kind]Policy
	Mergers  map[Kind]MergeFunc
}

// NewResolver returns a resolver using def for every kind without an override.
func NewResolver(def Policy) *Resolver {
	return &Resolver{
		Default:  def,
		Policies: map[Kind]Policy{},
		Mergers:  map[Kind]MergeFunc{},
	}
}

// PolicyFor returns the policy configured for kind.
func (r *Resolver) PolicyFor(kind Kind) Policy {
	if r == nil {
		return PolicyKeepServer
	}
	if p, ok := r.Policies[kind]; ok && p.Valid() {
		return p
	}
	if r.Default.Valid() {
		return r.Default
	}
	return PolicyKeepServer
}

// Resolve applies the policy configured for the input's kind.
func (r *Resolver) Resolve(in ConflictInput) Decision {
	return r.ResolveWith(in, r.PolicyFor(in.Kind), nil)
}

// ResolveWith applies an explicit policy. For PolicyMerge a non-nil merged
// payload is taken as-is (caller-supplied resolution); otherwise the kind's
// merge function runs and any unreconciled field escalates to manual.
func (r *Resolver) ResolveWith(in ConflictInput, policy Policy, merged map[string]any) Decision {
	switch policy {
	case PolicyKeepLocal:
		return Decision{Resolution: ResolutionKeepLocal}
	case PolicyKeepServer:
		return Decision{Resolution: ResolutionKeepServer}
	case PolicyLastWriteWins:
		if in.LocalUpdatedAt.After(in.RemoteUpdatedAt) {
			return Decision{Resolution: ResolutionKeepLocal, Reason: "local is newer"}
		}
		return Decision{Resolution: ResolutionKeepServer, Reason: "remote is newer or equal"}
	case PolicyMerge:
		if merged != nil {
			return Decision{Resolution: ResolutionMerge, Merged: cloneMap(merged)}
		}
		if in.Local == nil || in.Remote == nil {
			return Decision{Resolution: ResolutionManual, Reason: "record deleted on one side"}
		}
		fn := r.mergerFor(in.Kind)
		out, unresolved := fn(in.Base, in.Local, in.Remote)
		if len(unresolved) > 0 {
			return Decision{Resolution: ResolutionManual, Unresolved: unresolved, Reason: "fields changed on both sides"}
		}
		return Decision{Resolution: ResolutionMerge, Merged: out}
	case PolicyManual:
		return Decision{Resolution: ResolutionManual}
	default:
		return Decision{Resolution: ResolutionManual, Reason: "unknown policy " + string(policy)}
	}
}

func (r *Resolver) mergerFor(kind Kind) MergeFunc {
	if r != nil {
		if fn, ok := r.Mergers[kind]; ok && fn != nil {
			return fn
		}
	}
	return ThreeWayMerge
}

// Resolve decides a conflict with the default merge strategy.
func Resolve(in ConflictInput, policy Policy) Decision {
	return (&Resolver{Default: policy}).ResolveWith(in, policy, nil)
}
