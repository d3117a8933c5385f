// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewEntity returns a pointer to a zero value of the typed entity for kind.
func NewEntity(kind Kind) (Entity, error) {
	switch kind {
	case KindFarm:
		return &Farm{}, nil
	case KindField:
		return &Field{}, nil
	case KindObservation:
		return &Observation{}, nil
	case KindSensorReading:
		return &SensorReading{}, nil
	case KindTask:
		return &Task{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, string(kind))
	}
}

// Validate checks struct-level constraints of a typed entity.
func Validate(e Entity) error {
	if err := validate.Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{
				Reason:  ReasonBadPayload,
				Message: fmt.Sprintf("%s: field %s failed %q", e.Kind(), fe.Namespace(), fe.Tag()),
				Err:     err,
			}
		}
		return &ValidationError{Reason: ReasonBadPayload, Message: err.Error(), Err: err}
	}
	return nil
}

// ValidatePayload decodes payload into the typed entity of kind and validates it.
func ValidatePayload(kind Kind, payload json.RawMessage) error {
	e, err := NewEntity(kind)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return &ValidationError{Reason: ReasonBadPayload, Message: "empty payload"}
	}
	if err := json.Unmarshal(payload, e); err != nil {
		return &ValidationError{Reason: ReasonBadPayload, Message: fmt.Sprintf("%s: %v", kind, err), Err: err}
	}
	return Validate(e)
}
