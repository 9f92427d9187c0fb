package workflow

import (
	"time"
)

// Workflow run statuses.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Step statuses.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// StepDef is one node of a workflow DAG. Inputs are literal values or
// ${input.<name>} / ${<stepId>.<outputName>} references; values of the form
// secret:<name> are decrypted at dispatch.
type StepDef struct {
	ID           string            `yaml:"id"`
	AgentType    string            `yaml:"agent_type"`
	JobType      string            `yaml:"job_type,omitempty"`
	Inputs       map[string]string `yaml:"inputs,omitempty"`
	Outputs      []string          `yaml:"outputs,omitempty"`
	Dependencies []string          `yaml:"dependencies,omitempty"`
	Optional     bool              `yaml:"optional,omitempty"`
	Timeout      time.Duration     `yaml:"timeout,omitempty"`
}

// Definition is a static workflow loaded from YAML. Steps execute in
// definition order, gated by their dependencies.
type Definition struct {
	ID              string    `yaml:"id"`
	Name            string    `yaml:"name,omitempty"`
	Description     string    `yaml:"description,omitempty"`
	ContinueOnError bool      `yaml:"continue_on_error,omitempty"`
	Steps           []StepDef `yaml:"steps"`
}

// StepSnapshot is the persisted per-step state within a run.
type StepSnapshot struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	AgentID         string     `json:"agent_id,omitempty"`
	Error           string     `json:"error,omitempty"`
	ExecutionTimeMs int64      `json:"execution_time_ms,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}
