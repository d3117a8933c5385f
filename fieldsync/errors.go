// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrUnknownKind      = errors.New("unknown entity kind")
	ErrEntryNotFound    = errors.New("change log entry not found")
	ErrEntryNotFailed   = errors.New("change log entry is not in failed state")
	ErrConflictNotFound = errors.New("conflict not found")
	ErrConflictResolved = errors.New("conflict already resolved")
)

// TransientNetworkError wraps a failure talking to the remote that is worth
// retrying with backoff. The record stays pending.
type TransientNetworkError struct {
	StatusCode int // 0 when no HTTP response was received
	Err        error
}

func (e *TransientNetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient network error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient network error: %v", e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// ValidationError reports a payload that was refused, either locally before
// it was stored or by the remote for a specific mutation. Remote validation
// errors are terminal for that mutation.
type ValidationError struct {
	Reason  string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Reason, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ConflictError describes a version divergence reported by the remote. It is
// handled by the resolver and never counted as a failure.
type ConflictError struct {
	Kind     Kind
	RecordID string
	Remote   *RemoteRecord
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s/%s", e.Kind, e.RecordID)
}

// StorageError is a local read or write failure. It is returned synchronously
// to the caller of the mutating API; the store and change log stay consistent.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsTransient reports whether err carries a TransientNetworkError.
func IsTransient(err error) bool {
	var te *TransientNetworkError
	return errors.As(err, &te)
}
