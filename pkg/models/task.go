package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CandidateTask is a proposed response action awaiting allocation.
// Pointer fields distinguish "absent" from zero values during validation.
type CandidateTask struct {
	// ID is the task identifier; numeric ids are kept as their decimal string.
	ID FlexID `json:"task_id"`
	// Kind is the kind of response (search, assist_rescue, deliver_aid, ...).
	Kind string `json:"task_kind"`
	// Coordinates is where the task must be executed.
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	// CapturedAt is when the triggering information was captured.
	CapturedAt *Timestamp `json:"captured_at,omitempty"`
	// Context is free-form context for the executing agent.
	Context json.RawMessage `json:"context,omitempty"`
	// Priority ranks the task, higher is more urgent.
	Priority float64 `json:"priority,omitempty"`
}

// MissingFieldsError lists the required task fields that were absent.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("missing required fields: %s", strings.Join(e.Fields, ", "))
}

// Validate checks the fields the allocation stage depends on.
func (t CandidateTask) Validate() error {
	var missing []string
	if strings.TrimSpace(string(t.ID)) == "" {
		missing = append(missing, "task_id")
	}
	if strings.TrimSpace(t.Kind) == "" {
		missing = append(missing, "task_kind")
	}
	if t.Coordinates == nil {
		missing = append(missing, "coordinates")
	}
	if t.CapturedAt == nil || t.CapturedAt.IsZero() {
		missing = append(missing, "captured_at")
	}
	if len(missing) > 0 {
		return &MissingFieldsError{Fields: missing}
	}
	if !t.Coordinates.Valid() {
		return fmt.Errorf("coordinates %s out of range", t.Coordinates)
	}
	return nil
}

// TaskBatch holds one or more raw candidate tasks. It decodes from either a
// single JSON object or an array so callers can send both shapes. Tasks stay
// raw so that one malformed task cannot poison its siblings.
type TaskBatch []json.RawMessage

// UnmarshalJSON accepts an object, an array of objects, or null.
func (b *TaskBatch) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "null" || trimmed == "":
		*b = nil
		return nil
	case strings.HasPrefix(trimmed, "["):
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*b = items
		return nil
	case strings.HasPrefix(trimmed, "{"):
		*b = TaskBatch{json.RawMessage(trimmed)}
		return nil
	default:
		return fmt.Errorf("tasks must be an object or an array")
	}
}

// NewTaskBatch encodes tasks into a batch.
func NewTaskBatch(tasks ...CandidateTask) (TaskBatch, error) {
	batch := make(TaskBatch, 0, len(tasks))
	for _, t := range tasks {
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
		}
		batch = append(batch, raw)
	}
	return batch, nil
}
