package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// AllocationDecision is the oracle's choice of agent for one task. Fields the
// oracle adds beyond the known ones are kept in Extra and passed through to the agent.
type AllocationDecision struct {
	AgentType AgentType
	AgentID   string
	Directive json.RawMessage
	Extra     map[string]json.RawMessage
}

// Empty reports whether the decision names no agent type.
func (d AllocationDecision) Empty() bool {
	return d.AgentType == ""
}

// UnmarshalJSON splits the known keys from the rest.
func (d *AllocationDecision) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*d = AllocationDecision{}
	if raw, ok := fields["agent_type"]; ok {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("agent_type: %w", err)
		}
		d.AgentType = AgentType(s)
		delete(fields, "agent_type")
	}
	if raw, ok := fields["agent_id"]; ok {
		var id FlexID
		if err := json.Unmarshal(raw, &id); err != nil {
			return fmt.Errorf("agent_id: %w", err)
		}
		d.AgentID = string(id)
		delete(fields, "agent_id")
	}
	if raw, ok := fields["directive"]; ok {
		d.Directive = raw
		delete(fields, "directive")
	}
	if len(fields) > 0 {
		d.Extra = fields
	}
	return nil
}

// MarshalJSON flattens Extra back next to the known keys.
func (d AllocationDecision) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(d.Extra)+3)
	for k, v := range d.Extra {
		out[k] = v
	}
	if d.AgentType != "" {
		out["agent_type"], _ = json.Marshal(string(d.AgentType))
	}
	if d.AgentID != "" {
		out["agent_id"], _ = json.Marshal(d.AgentID)
	}
	if len(d.Directive) > 0 {
		out["directive"] = d.Directive
	}
	return json.Marshal(out)
}

// Dispatch is what lands on an agent execution queue.
type Dispatch struct {
	// Decision is the oracle's allocation decision.
	Decision AllocationDecision `json:"decision"`
	// Task is the task being allocated.
	Task CandidateTask `json:"task"`
	// AllocatedAt is when the allocation stage enqueued the dispatch.
	AllocatedAt time.Time `json:"allocated_at"`
}
