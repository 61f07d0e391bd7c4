package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TaskType tags an envelope with the stage that must handle it.
type TaskType string

const (
	// TaskInterpret routes to the data-interpretation stage.
	TaskInterpret TaskType = "interpret"
	// TaskEscalate routes to the escalation stage.
	TaskEscalate TaskType = "escalate"
	// TaskAllocate routes to the allocation stage.
	TaskAllocate TaskType = "allocate"
)

// Valid returns true if the task type is a known value.
func (t TaskType) Valid() bool {
	switch t {
	case TaskInterpret, TaskEscalate, TaskAllocate:
		return true
	default:
		return false
	}
}

// Payload is the stage-specific body of an envelope. The set of
// implementations is closed: InterpretPayload, EscalatePayload, AllocatePayload.
type Payload interface {
	TaskType() TaskType
	sealed()
}

// InterpretPayload carries one observation. Its fields are flattened into the envelope.
type InterpretPayload struct {
	Observation
}

// EscalatePayload carries the neighborhood of a freshly written event.
type EscalatePayload struct {
	Events []Event `json:"events"`
}

// AllocatePayload carries one or more candidate tasks.
type AllocatePayload struct {
	Tasks TaskBatch `json:"tasks"`
}

func (InterpretPayload) TaskType() TaskType { return TaskInterpret }
func (EscalatePayload) TaskType() TaskType  { return TaskEscalate }
func (AllocatePayload) TaskType() TaskType  { return TaskAllocate }

func (InterpretPayload) sealed() {}
func (EscalatePayload) sealed()  {}
func (AllocatePayload) sealed()  {}

// Envelope is the unit carried by the main queue.
// On the wire it is a flat JSON object: task_type, enqueued_at, attempt, then the payload fields.
type Envelope struct {
	Payload    Payload
	EnqueuedAt time.Time
	// Attempt counts deliveries of this envelope, starting at 1.
	Attempt int
}

// ErrUnknownTaskType is returned when decoding an envelope with an unrecognized tag.
var ErrUnknownTaskType = errors.New("unknown task type")

// NewEnvelope wraps p for a first delivery.
func NewEnvelope(p Payload) Envelope {
	return Envelope{Payload: p, EnqueuedAt: time.Now().UTC(), Attempt: 1}
}

// TaskType returns the payload's tag, or "" for an empty envelope.
func (e Envelope) TaskType() TaskType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.TaskType()
}

type envelopeHeader struct {
	TaskType   TaskType  `json:"task_type"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempt    int       `json:"attempt,omitempty"`
}

// MarshalJSON flattens the payload next to the header fields.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, errors.New("envelope has no payload")
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.Payload.TaskType(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("flatten %s payload: %w", e.Payload.TaskType(), err)
	}
	fields["task_type"], _ = json.Marshal(e.Payload.TaskType())
	fields["enqueued_at"], _ = json.Marshal(e.EnqueuedAt)
	if e.Attempt > 0 {
		fields["attempt"], _ = json.Marshal(e.Attempt)
	}
	return json.Marshal(fields)
}

// UnmarshalJSON decodes the header, then the payload variant named by task_type.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var hdr envelopeHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return fmt.Errorf("decode envelope header: %w", err)
	}

	var p Payload
	switch hdr.TaskType {
	case TaskInterpret:
		var v InterpretPayload
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("decode interpret payload: %w", err)
		}
		p = v
	case TaskEscalate:
		var v EscalatePayload
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("decode escalate payload: %w", err)
		}
		p = v
	case TaskAllocate:
		var v AllocatePayload
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("decode allocate payload: %w", err)
		}
		p = v
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTaskType, hdr.TaskType)
	}

	attempt := hdr.Attempt
	if attempt < 1 {
		attempt = 1
	}
	*e = Envelope{Payload: p, EnqueuedAt: hdr.EnqueuedAt, Attempt: attempt}
	return nil
}

// DecodeEnvelope parses a queue message body.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
