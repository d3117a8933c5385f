// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import "time"

// Entity is implemented by every typed record payload.
type Entity interface {
	Kind() Kind
}

// GeoPoint is a WGS84 coordinate captured by the device.
type GeoPoint struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

// Farm is the top-level holding that owns fields.
type Farm struct {
	Name         string    `json:"name" validate:"required,max=200"`
	Owner        string    `json:"owner,omitempty" validate:"max=200"`
	Location     *GeoPoint `json:"location,omitempty"`
	AreaHectares float64   `json:"areaHectares,omitempty" validate:"gte=0"`
}

func (Farm) Kind() Kind { return KindFarm }

// Field is a cultivated parcel belonging to a farm.
type Field struct {
	FarmID       string     `json:"farmId" validate:"required"`
	Name         string     `json:"name" validate:"required,max=200"`
	CropType     string     `json:"cropType,omitempty" validate:"max=100"`
	SoilType     string     `json:"soilType,omitempty" validate:"max=100"`
	AreaHectares float64    `json:"areaHectares,omitempty" validate:"gte=0"`
	Boundary     []GeoPoint `json:"boundary,omitempty" validate:"omitempty,dive"`
}

func (Field) Kind() Kind { return KindField }

// Observation is a scouting note taken in the field, optionally with photos.
type Observation struct {
	FieldID    string    `json:"fieldId" validate:"required"`
	Category   string    `json:"category" validate:"required,oneof=pest disease weed soil weather crop general"`
	Notes      string    `json:"notes,omitempty" validate:"max=4000"`
	Severity   int       `json:"severity,omitempty" validate:"gte=0,lte=5"`
	Location   *GeoPoint `json:"location,omitempty"`
	PhotoRefs  []string  `json:"photoRefs,omitempty"`
	ObservedAt time.Time `json:"observedAt" validate:"required"`
}

func (Observation) Kind() Kind { return KindObservation }

// SensorReading is a single measurement produced by a device ingestion path.
type SensorReading struct {
	SensorID   string    `json:"sensorId" validate:"required"`
	FieldID    string    `json:"fieldId,omitempty"`
	Metric     string    `json:"metric" validate:"required"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	RecordedAt time.Time `json:"recordedAt" validate:"required"`
}

func (SensorReading) Kind() Kind { return KindSensorReading }

// Task is a piece of field work assigned to a person.
type Task struct {
	FieldID    string     `json:"fieldId,omitempty"`
	Title      string     `json:"title" validate:"required,max=300"`
	Details    string     `json:"details,omitempty"`
	Status     string     `json:"status" validate:"required,oneof=open in_progress done cancelled"`
	AssignedTo string     `json:"assignedTo,omitempty"`
	DueAt      *time.Time `json:"dueAt,omitempty"`
}

func (Task) Kind() Kind { return KindTask }
