package workflow

import "time"

// DefaultPort is the implicit channel used when a connection names no port.
const DefaultPort = "default"

// Workflow represents a persisted workflow definition owned by a user.
type Workflow struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"ownerId"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Definition  Definition `json:"definition"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Definition is the graph of nodes and connections a run executes. It is
// never mutated while a run is in progress.
type Definition struct {
	Nodes       []Node       `json:"nodes" yaml:"nodes" validate:"required,min=1,dive"`
	Connections []Connection `json:"connections" yaml:"connections" validate:"dive"`
}

// Node represents a single step in a workflow graph.
type Node struct {
	ID     string         `json:"id" yaml:"id" validate:"required"`
	Type   string         `json:"type" yaml:"type" validate:"required"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Connection carries the output named FromPort of From into the input named
// ToPort of To.
type Connection struct {
	From     string `json:"from" yaml:"from" validate:"required"`
	To       string `json:"to" yaml:"to" validate:"required"`
	FromPort string `json:"fromPort,omitempty" yaml:"fromPort,omitempty"`
	ToPort   string `json:"toPort,omitempty" yaml:"toPort,omitempty"`

	// OutputPort is the legacy name for ToPort.
	OutputPort string `json:"outputPort,omitempty" yaml:"outputPort,omitempty"`
}

// InputKey is the key the upstream output is stored under in the
// downstream node's input.
func (c Connection) InputKey() string {
	switch {
	case c.ToPort != "":
		return c.ToPort
	case c.OutputPort != "":
		return c.OutputPort
	default:
		return DefaultPort
	}
}

// Input is the assembled input handed to a capability. Connected ports hold
// *NodeOutput values; source nodes receive the workflow input verbatim.
type Input map[string]any

// OutputKind distinguishes inline data from references to files and jobs.
type OutputKind string

const (
	KindData   OutputKind = "data"
	KindFile   OutputKind = "file"
	KindJob    OutputKind = "job"
	KindOutput OutputKind = "output"
)

// NodeOutput is the uniform record a capability produces.
type NodeOutput struct {
	Kind    OutputKind     `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	Job     *JobHandle     `json:"job,omitempty"`
}

// JobHandle identifies a job running outside the engine.
type JobHandle struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// resolve folds a finished job's details into the output so downstream
// nodes can find the result location.
func (o *NodeOutput) resolve(status *JobStatus) *NodeOutput {
	payload := make(map[string]any, len(o.Payload)+2)
	for k, v := range o.Payload {
		payload[k] = v
	}
	if status.ResultLocation != "" {
		payload["filePath"] = status.ResultLocation
	}
	payload["jobStatus"] = string(status.State)
	return &NodeOutput{Kind: o.Kind, Payload: payload, Job: o.Job}
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCanceled
}

// NodeStatus is the lifecycle state of a single node execution. Pause and
// cancel are run-level signals and have no node equivalent.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
)

// Progress counts completed nodes against the total.
type Progress struct {
	TotalNodes     int `json:"totalNodes"`
	CompletedNodes int `json:"completedNodes"`
}

// RunRecord is the durable view of a run.
type RunRecord struct {
	ID           string     `json:"id"`
	WorkflowID   string     `json:"workflowId,omitempty"`
	OwnerID      string     `json:"ownerId"`
	Name         string     `json:"name,omitempty"`
	Status       RunStatus  `json:"status"`
	Progress     *Progress  `json:"progress,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// NodeExecutionRecord is the durable view of one node's execution in a run.
// It is created right before dispatch and finished exactly once.
type NodeExecutionRecord struct {
	ID           string         `json:"id"`
	RunID        string         `json:"runId"`
	NodeID       string         `json:"nodeId"`
	NodeType     string         `json:"nodeType"`
	Config       map[string]any `json:"config,omitempty"`
	Status       NodeStatus     `json:"status"`
	Input        Input          `json:"input,omitempty"`
	Output       *NodeOutput    `json:"output,omitempty"`
	Job          *JobHandle     `json:"job,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	StartedAt    time.Time      `json:"startedAt"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
}

// ExecutionDetails is a run record together with its node executions.
type ExecutionDetails struct {
	RunRecord
	NodeExecutions []NodeExecutionRecord `json:"nodeExecutions"`
}

// ExecuteRequest is the JSON body used to start a run of a stored workflow.
type ExecuteRequest struct {
	Name      string         `json:"name"`
	InputData map[string]any `json:"inputData"`
}

// ExecuteResponse is returned once a run has been started.
type ExecuteResponse struct {
	ExecutionID string `json:"executionId"`
	Message     string `json:"message"`
}

// CreateWorkflowRequest is the JSON body used to store a workflow.
type CreateWorkflowRequest struct {
	Name        string     `json:"name" validate:"required"`
	Description string     `json:"description"`
	Definition  Definition `json:"definition"`
}
