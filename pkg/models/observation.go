package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ObservationKind identifies the shape of an observation payload.
type ObservationKind string

const (
	// KindImage is a camera frame, base64 encoded in the payload.
	KindImage ObservationKind = "image"
	// KindThermalImage is a thermal camera frame, base64 encoded in the payload.
	KindThermalImage ObservationKind = "thermal_image"
	// KindHumanReport is a free-text report from a person in the field.
	KindHumanReport ObservationKind = "human_report"
	// KindGasSensor is a gas concentration reading.
	KindGasSensor ObservationKind = "gas_sensor"
	// KindSensorReading is a generic structured sensor reading.
	KindSensorReading ObservationKind = "sensor_reading"
)

// Observation is raw field input before interpretation. It is never persisted
// directly; the interpretation stage turns it into an Event.
type Observation struct {
	// SourceID identifies the agent or person that produced the observation.
	SourceID string `json:"source_id"`
	// Kind selects the interpretation profile.
	Kind ObservationKind `json:"observation_kind"`
	// Coordinates is where the observation was captured. Nil when the
	// producer sent no position.
	Coordinates *Coordinates `json:"coordinates"`
	// CapturedAt is when the observation was captured.
	CapturedAt Timestamp `json:"captured_at"`
	// Payload holds kind-specific data (image, report text, readings).
	Payload map[string]any `json:"payload,omitempty"`
}

// ErrInvalidObservation is wrapped by Observation.Validate failures.
var ErrInvalidObservation = errors.New("invalid observation")

// Validate checks that the observation carries a kind and usable coordinates.
// A zero CapturedAt is filled in by the caller, not rejected here.
func (o Observation) Validate() error {
	if o.Kind == "" {
		return fmt.Errorf("%w: missing observation_kind", ErrInvalidObservation)
	}
	if o.Coordinates == nil {
		return fmt.Errorf("%w: missing coordinates", ErrInvalidObservation)
	}
	if !o.Coordinates.Valid() {
		return fmt.Errorf("%w: coordinates %s out of range", ErrInvalidObservation, o.Coordinates)
	}
	return nil
}

// CapturedTime returns CapturedAt, or fallback when it is unset.
func (o Observation) CapturedTime(fallback time.Time) time.Time {
	if o.CapturedAt.IsZero() {
		return fallback.UTC()
	}
	return o.CapturedAt.Time
}

// observationKeys are decoded into Observation fields; envelopeKeys belong to
// the surrounding envelope. Any other top-level key is payload.
var (
	observationKeys = map[string]bool{
		"source_id": true, "observation_kind": true, "coordinates": true,
		"captured_at": true, "payload": true,
		"source": true, "data_type": true, "timestamp": true, "lat": true, "long": true, "lon": true,
	}
	envelopeKeys = map[string]bool{"task_type": true, "enqueued_at": true, "attempt": true}
)

// UnmarshalJSON decodes an observation. Producers may also send the legacy
// flat form (source, data_type, timestamp, lat, long) with kind-specific
// fields such as gas_levels at the top level; those fields land in Payload.
func (o *Observation) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	type plain Observation
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	var legacy struct {
		Source    string          `json:"source"`
		DataType  ObservationKind `json:"data_type"`
		Timestamp Timestamp       `json:"timestamp"`
		Lat       *float64        `json:"lat"`
		Lon       *float64        `json:"lon"`
		Long      *float64        `json:"long"`
	}
	if err := json.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("observation: %w", err)
	}
	if p.SourceID == "" {
		p.SourceID = legacy.Source
	}
	if p.Kind == "" {
		p.Kind = legacy.DataType
	}
	if p.CapturedAt.IsZero() {
		p.CapturedAt = legacy.Timestamp
	}
	if _, ok := fields["coordinates"]; !ok && legacy.Lat != nil {
		lon := legacy.Lon
		if lon == nil {
			lon = legacy.Long
		}
		if lon == nil {
			return fmt.Errorf("observation: lat without lon")
		}
		p.Coordinates = &Coordinates{Lat: *legacy.Lat, Lon: *lon}
	}

	for k, raw := range fields {
		if observationKeys[k] || envelopeKeys[k] {
			continue
		}
		if _, explicit := p.Payload[k]; explicit {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("observation field %s: %w", k, err)
		}
		if p.Payload == nil {
			p.Payload = make(map[string]any)
		}
		p.Payload[k] = v
	}

	*o = Observation(p)
	return nil
}
