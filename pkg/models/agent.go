package models

import (
	"errors"
	"regexp"
	"time"
)

// AgentType is the class of field agent. It also names the agent's execution queue.
type AgentType string

const (
	// AgentTypeDrone is an aerial agent.
	AgentTypeDrone AgentType = "drone_bot"
	// AgentTypeGround is a ground agent.
	AgentTypeGround AgentType = "ground_bot"
)

// AgentQueueSuffix is appended to an agent type to form its execution queue name.
const AgentQueueSuffix = "_agent_task"

var agentTypePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_]*$`)

// Valid returns true if the type is usable as a queue name token.
// Unknown but well-formed types are valid so the fleet can grow new classes.
func (t AgentType) Valid() bool {
	return agentTypePattern.MatchString(string(t))
}

// QueueName returns the execution queue for this agent type.
func (t AgentType) QueueName() string {
	return string(t) + AgentQueueSuffix
}

// AgentStatus represents an agent's self-reported availability.
type AgentStatus string

const (
	// AgentStatusAvailable indicates the agent can accept a task.
	AgentStatusAvailable AgentStatus = "available"
	// AgentStatusBusy indicates the agent is executing a task.
	AgentStatusBusy AgentStatus = "busy"
	// AgentStatusCharging indicates the agent is recharging.
	AgentStatusCharging AgentStatus = "charging"
	// AgentStatusOffline indicates the agent stopped reporting.
	AgentStatusOffline AgentStatus = "offline"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusAvailable, AgentStatusBusy, AgentStatusCharging, AgentStatusOffline:
		return true
	default:
		return false
	}
}

// AgentRecord is an agent's registry entry. The agent owns it; the
// allocation stage only ever reads a point-in-time snapshot.
type AgentRecord struct {
	// ID is the unique identifier for this agent.
	ID string `json:"agent_id" yaml:"agent_id"`
	// Type is the agent class.
	Type AgentType `json:"agent_type" yaml:"agent_type"`
	// Coordinates is the agent's last reported position.
	Coordinates Coordinates `json:"coordinates" yaml:"coordinates"`
	// Altitude is in meters, for aerial agents.
	Altitude *float64 `json:"altitude,omitempty" yaml:"altitude,omitempty"`
	// BatteryLevel is the remaining charge in percent.
	BatteryLevel float64 `json:"battery_level" yaml:"battery_level"`
	// Status is the agent's availability.
	Status AgentStatus `json:"status" yaml:"status"`
	// Capabilities is a human-readable description handed to the oracle.
	Capabilities string `json:"capabilities" yaml:"capabilities"`
	// CarriesAidKit is set for agents that can deliver aid packages.
	CarriesAidKit *bool `json:"carries_aid_kit,omitempty" yaml:"carries_aid_kit,omitempty"`
	// UpdatedAt is when the record was last written.
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// ErrInvalidAgent is returned for records that cannot be registered.
var ErrInvalidAgent = errors.New("invalid agent record")

// Validate checks the fields needed to register the agent.
func (a AgentRecord) Validate() error {
	if a.ID == "" {
		return errors.Join(ErrInvalidAgent, errors.New("missing agent_id"))
	}
	if !a.Type.Valid() {
		return errors.Join(ErrInvalidAgent, errors.New("agent_type must match [a-z0-9_]+"))
	}
	if a.Status != "" && !a.Status.Valid() {
		return errors.Join(ErrInvalidAgent, errors.New("unknown status "+string(a.Status)))
	}
	return nil
}
