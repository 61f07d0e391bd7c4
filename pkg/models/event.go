package models

import (
	"encoding/json"
	"time"
)

// EventKeyPrefix prefixes every event key in the state store.
const EventKeyPrefix = "event:"

// EventsByLocationIndex is the geospatial index holding event ids.
const EventsByLocationIndex = "events:location"

// Event is the durable record of an interpreted observation.
// Events are created once and never modified.
type Event struct {
	// ID doubles as the state store key and the geospatial member name.
	ID string `json:"event_id"`
	// SourceID identifies who produced the originating observation.
	SourceID string `json:"source_id"`
	// Kind is the originating observation kind.
	Kind ObservationKind `json:"observation_kind"`
	// Coordinates is where the observation was captured.
	Coordinates Coordinates `json:"coordinates"`
	// CapturedAt is when the observation was captured.
	CapturedAt Timestamp `json:"captured_at"`
	// Result is the oracle's structured interpretation.
	Result json.RawMessage `json:"interpreted_result"`
	// CreatedAt is when the event was written.
	CreatedAt time.Time `json:"created_at"`
}
