// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"fmt"
	"strings"
)

// Kind identifies one of the synchronized entity tables. The set is closed:
// every kind has a typed entity and a typed accessor in the record store.
type Kind string

const (
	KindFarm          Kind = "farms"
	KindField         Kind = "fields"
	KindObservation   Kind = "observations"
	KindSensorReading Kind = "sensor_readings"
	KindTask          Kind = "tasks"
)

// Kinds lists all entity kinds in dependency order: parents before children.
var Kinds = []Kind{KindFarm, KindField, KindObservation, KindSensorReading, KindTask}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindFarm, KindField, KindObservation, KindSensorReading, KindTask:
		return true
	default:
		return false
	}
}

func (k Kind) String() string { return string(k) }

// ParseKind converts a table name into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}
