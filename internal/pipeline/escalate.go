package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ShayCichocki/swarmops/internal/oracle"
	"github.com/ShayCichocki/swarmops/internal/prompt"
	"github.com/ShayCichocki/swarmops/pkg/models"
)

// Escalate asks the oracle which tasks the neighborhood of events calls for
// and enqueues one allocate envelope per proposed task. It returns the
// number of envelopes enqueued; zero tasks is a success.
func (p *Pipeline) Escalate(ctx context.Context, evs []models.Event) (int, error) {
	log := p.logger.With(zap.String("stage", StageEscalate), zap.Int("events", len(evs)))
	if len(evs) == 0 {
		log.Info("empty event bundle, nothing to escalate")
		return 0, nil
	}

	text, err := p.template(StageEscalate, prompt.DefaultKind, map[string]any{"events": evs})
	if err != nil {
		return 0, err
	}

	resp, raw, err := p.ask(ctx, StageEscalate, oracle.Request{Text: text})
	if resp.Content != "" {
		// audit only, overwritten every run
		if setErr := p.store.Set(ctx, EscalationResponseKey, []byte(resp.Content)); setErr != nil {
			log.Warn("cannot store escalation response", zap.Error(setErr))
		}
	}
	if err != nil {
		return 0, err
	}

	tasks, err := normalizeTasks(raw)
	if err != nil {
		return 0, &OracleError{Stage: StageEscalate, Err: err}
	}
	if len(tasks) == 0 {
		log.Info("oracle proposed no tasks")
		return 0, nil
	}

	enqueued := 0
	var errs []error
	for _, task := range tasks {
		env := models.NewEnvelope(models.AllocatePayload{Tasks: models.TaskBatch{task}})
		jobID, err := p.queue.Enqueue(ctx, env)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		enqueued++
		log.Debug("allocation enqueued", zap.String("job_id", jobID))
	}
	log.Info("escalated", zap.Int("tasks", len(tasks)), zap.Int("enqueued", enqueued))

	if len(errs) > 0 {
		serr := &StoreError{
			Op:  fmt.Sprintf("enqueue %d of %d allocations", len(errs), len(tasks)),
			Err: errors.Join(errs...),
		}
		if enqueued > 0 {
			return enqueued, &PartialError{
				Stage: StageEscalate,
				Done:  fmt.Sprintf("enqueuing %d allocations", enqueued),
				Err:   serr,
			}
		}
		return enqueued, serr
	}
	return enqueued, nil
}

// normalizeTasks accepts a list of tasks, an object with a "tasks" member,
// or a single task object.
func normalizeTasks(raw json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) == 0:
		return nil, nil
	case trimmed[0] == '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return dropNulls(items), nil
	case trimmed[0] == '{':
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, err
		}
		if inner, ok := wrapper["tasks"]; ok {
			var batch models.TaskBatch
			if err := json.Unmarshal(inner, &batch); err != nil {
				return nil, fmt.Errorf("tasks: %w", err)
			}
			return dropNulls(batch), nil
		}
		return []json.RawMessage{trimmed}, nil
	default:
		return nil, fmt.Errorf("expected a task list or object, got %.20s", trimmed)
	}
}

func dropNulls(items []json.RawMessage) []json.RawMessage {
	out := items[:0]
	for _, it := range items {
		if t := bytes.TrimSpace(it); len(t) > 0 && !bytes.Equal(t, []byte("null")) {
			out = append(out, t)
		}
	}
	return out
}
