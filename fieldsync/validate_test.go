// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Fields ")
	require.NoError(t, err)
	require.Equal(t, KindField, k)

	_, err = ParseKind("users")
	require.ErrorIs(t, err, ErrUnknownKind)

	for _, k := range Kinds {
		require.True(t, k.Valid())
		e, err := NewEntity(k)
		require.NoError(t, err)
		require.Equal(t, k, e.Kind())
	}
}

func TestValidate_Entities(t *testing.T) {
	require.NoError(t, Validate(&Farm{Name: "Green Acres"}))
	require.NoError(t, Validate(Field{FarmID: "farm-1", Name: "North"}))

	err := Validate(&Field{Name: "North"})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, ReasonBadPayload, verr.Reason)
	require.Contains(t, verr.Message, "FarmID")

	require.Error(t, Validate(&Farm{Name: "x", Location: &GeoPoint{Lat: 91}}))
	require.Error(t, Validate(&Observation{FieldID: "f", Category: "aliens", ObservedAt: time.Now()}))
	require.Error(t, Validate(&Task{Title: "Spray", Status: "someday"}))
	require.NoError(t, Validate(&SensorReading{SensorID: "s1", Metric: "moisture", Value: 0.31, RecordedAt: time.Now()}))
}

func TestValidatePayload(t *testing.T) {
	good, err := json.Marshal(Task{Title: "Check irrigation", Status: "open"})
	require.NoError(t, err)
	require.NoError(t, ValidatePayload(KindTask, good))

	var verr *ValidationError
	err = ValidatePayload(KindTask, json.RawMessage(`{"title": 3}`))
	require.True(t, errors.As(err, &verr))

	err = ValidatePayload(KindTask, nil)
	require.True(t, errors.As(err, &verr))

	require.ErrorIs(t, ValidatePayload(Kind("users"), good), ErrUnknownKind)
}

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("connection reset")
	err := error(&TransientNetworkError{Err: cause})
	require.True(t, IsTransient(err))
	require.ErrorIs(t, err, cause)
	require.False(t, IsTransient(&StorageError{Op: "create", Err: cause}))

	var serr *StorageError
	require.True(t, errors.As(errors.Join(errors.New("x"), &StorageError{Op: "update", Err: cause}), &serr))
	require.Equal(t, "update", serr.Op)
}
