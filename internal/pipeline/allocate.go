package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ShayCichocki/swarmops/internal/mirror"
	"github.com/ShayCichocki/swarmops/internal/oracle"
	"github.com/ShayCichocki/swarmops/internal/prompt"
	"github.com/ShayCichocki/swarmops/pkg/models"
)

// TaskOutcome is the terminal state of one task in an allocation batch.
type TaskOutcome string

const (
	// OutcomeAllocated means the task was dispatched to an agent queue.
	OutcomeAllocated TaskOutcome = "allocated"
	// OutcomeUnallocated means the oracle named no usable agent.
	OutcomeUnallocated TaskOutcome = "unallocated"
	// OutcomeRejected means the task failed validation.
	OutcomeRejected TaskOutcome = "rejected"
	// OutcomeFailed means a template, oracle or store error stopped the task.
	OutcomeFailed TaskOutcome = "failed"
)

// TaskResult records what happened to one task.
type TaskResult struct {
	TaskID    string
	Outcome   TaskOutcome
	AgentType models.AgentType
	JobID     string
	Err       error
}

// AllocationReport summarizes an allocation batch.
type AllocationReport struct {
	Results []TaskResult
}

// Count returns how many tasks ended in outcome.
func (r AllocationReport) Count(outcome TaskOutcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

type allocateRequest struct {
	Tasks  []models.CandidateTask `json:"tasks"`
	Agents []models.AgentRecord   `json:"agents"`
}

// Allocate validates each task in batch, asks the oracle to pick an agent
// and dispatches the decision to "<agent_type>_agent_task".
//
// Tasks are processed independently. The call fails only when no task
// validates or when every valid task hit a template, oracle or store error.
func (p *Pipeline) Allocate(ctx context.Context, batch models.TaskBatch) (AllocationReport, error) {
	var report AllocationReport
	if len(batch) == 0 {
		return report, &ValidationError{Stage: StageAllocate, Subject: "batch", Err: errors.New("no tasks")}
	}

	var failures []error
	for i, raw := range batch {
		res := p.allocateOne(ctx, raw)
		if res.TaskID == "" {
			res.TaskID = fmt.Sprintf("#%d", i)
		}
		report.Results = append(report.Results, res)
		if res.Outcome == OutcomeFailed {
			failures = append(failures, res.Err)
		}
	}

	rejected := report.Count(OutcomeRejected)
	valid := len(report.Results) - rejected
	switch {
	case valid == 0:
		return report, &ValidationError{
			Stage:   StageAllocate,
			Subject: "batch",
			Err:     fmt.Errorf("all %d tasks rejected: %w", rejected, report.Results[0].Err),
		}
	case len(failures) == valid:
		return report, errors.Join(failures...)
	}
	return report, nil
}

func (p *Pipeline) allocateOne(ctx context.Context, raw json.RawMessage) TaskResult {
	var task models.CandidateTask
	if err := json.Unmarshal(raw, &task); err != nil {
		p.logger.Warn("task rejected", zap.String("stage", StageAllocate), zap.Error(err))
		return TaskResult{
			Outcome: OutcomeRejected,
			Err:     &ValidationError{Stage: StageAllocate, Subject: "task", Err: err},
		}
	}
	res := TaskResult{TaskID: string(task.ID)}
	log := p.logger.With(zap.String("stage", StageAllocate), zap.String("task_id", res.TaskID))

	if err := task.Validate(); err != nil {
		log.Warn("task rejected", zap.Error(err))
		res.Outcome = OutcomeRejected
		res.Err = &ValidationError{Stage: StageAllocate, Subject: "task " + res.TaskID, Err: err}
		return res
	}

	fail := func(err error) TaskResult {
		log.Error("allocation failed", zap.Error(err))
		res.Outcome = OutcomeFailed
		res.Err = err
		return res
	}

	agents, err := p.agents.Snapshot(ctx)
	if err != nil {
		return fail(&StoreError{Op: "agent snapshot", Err: err})
	}

	text, err := p.template(StageAllocate, prompt.DefaultKind, allocateRequest{
		Tasks:  []models.CandidateTask{task},
		Agents: agents,
	})
	if err != nil {
		return fail(err)
	}

	_, answer, err := p.ask(ctx, StageAllocate, oracle.Request{Text: text})
	if err != nil {
		return fail(err)
	}

	decision, derr := parseDecision(res.TaskID, answer)
	if derr != nil {
		log.Info("task not allocated", zap.String("reason", derr.Reason))
		res.Outcome = OutcomeUnallocated
		res.Err = derr
		return res
	}
	res.AgentType = decision.AgentType

	dispatch := models.Dispatch{
		Decision:    decision,
		Task:        task,
		AllocatedAt: p.now().UTC(),
	}
	body, err := json.Marshal(dispatch)
	if err != nil {
		return fail(&StoreError{Op: "encode dispatch", Err: err})
	}
	jobID, err := p.queue.Dispatch(ctx, decision.AgentType, body)
	if err != nil {
		return fail(&StoreError{Op: "dispatch to " + decision.AgentType.QueueName(), Err: err})
	}

	res.Outcome = OutcomeAllocated
	res.JobID = jobID
	p.recorder.Allocation(string(decision.AgentType))
	p.push(ctx, mirror.PathAllocations, dispatch)
	log.Info("task allocated",
		zap.String("agent_type", string(decision.AgentType)),
		zap.String("agent_id", decision.AgentID),
		zap.String("job_id", jobID))
	return res
}

// parseDecision reads the oracle's answer. A list is reduced to its first element.
func parseDecision(taskID string, answer json.RawMessage) (models.AllocationDecision, *DispatchError) {
	trimmed := bytes.TrimSpace(answer)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil || len(list) == 0 {
			return models.AllocationDecision{}, &DispatchError{TaskID: taskID, Reason: "empty decision list"}
		}
		trimmed = list[0]
	}

	var d models.AllocationDecision
	if err := json.Unmarshal(trimmed, &d); err != nil {
		return d, &DispatchError{TaskID: taskID, Reason: "malformed decision: " + err.Error()}
	}
	if d.Empty() {
		return d, &DispatchError{TaskID: taskID, Reason: "decision has no agent_type"}
	}
	if !d.AgentType.Valid() {
		return d, &DispatchError{TaskID: taskID, Reason: fmt.Sprintf("agent_type %q is not a queue name", d.AgentType)}
	}
	return d, nil
}
