// Package model holds the data types shared across the orchestrator: agent
// descriptors, inter-agent messages, plans/steps, checkpoints and tool
// results. Keeping them in one package avoids import cycles between
// pkg/registry, pkg/plan and pkg/workflow, which all need to agree on
// the same vocabulary.
package model

import "time"

// Role identifies the specialization of an agent.
type Role string

const (
	RoleMain        Role = "main"
	RoleReviewer    Role = "reviewer"
	RoleResearcher  Role = "researcher"
	RoleImplementer Role = "implementer"
	RoleTester      Role = "tester"
	RoleOptimizer   Role = "optimizer"
	RoleGeneral     Role = "general"
)

// ValidRoles lists every agent role. A plan step's agent_id may be any
// of them except RoleGeneral (see pkg/plan).
var ValidRoles = []Role{RoleMain, RoleReviewer, RoleResearcher, RoleImplementer, RoleTester, RoleOptimizer, RoleGeneral}

// IsValidRole reports whether r is one of ValidRoles.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if v == r {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusIdle        Status = "IDLE"
	StatusWorking     Status = "WORKING"
	StatusWaiting     Status = "WAITING"
	StatusCompleted   Status = "COMPLETED"
	StatusError       Status = "ERROR"
	StatusTerminated  Status = "TERMINATED"
)

// AgentDescriptor is the identity record the registry owns for one agent.
// Status is mutated only by the orchestrator/workflow engine; Summaries is
// appended to only by the agent's own streaming session.
type AgentDescriptor struct {
	AgentID         string    `json:"agent_id"`
	Role            Role      `json:"role"`
	ModelName       string    `json:"model_name"`
	Provider        string    `json:"provider"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	ParentID        string    `json:"parent_id,omitempty"`
	TaskDescription string    `json:"task_description"`
	IsMain          bool      `json:"is_main"`
	Summaries       []string  `json:"summaries"`
}

// InterAgentMessage is one entry delivered through a recipient's FIFO queue.
type InterAgentMessage struct {
	MessageID string    `json:"message_id"`
	FromID    string    `json:"from_id"`
	ToID      string    `json:"to_id"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// StepStatus is the lifecycle state of one Step within a Plan.
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepInProgress StepStatus = "IN_PROGRESS"
	StepCompleted  StepStatus = "COMPLETED"
	StepFailed     StepStatus = "FAILED"
	StepSkipped    StepStatus = "SKIPPED"
)

// ToolName is the closed set of tools the ToolExecutor exposes. The public
// JSON form keeps the stringly-typed name for interop with plan text; the
// WorkflowEngine dispatches on this tag rather than on a free-form string.
type ToolName string

const (
	ToolExecuteBash   ToolName = "execute_bash"
	ToolExecuteScript ToolName = "execute_python_script"
	ToolReadFile      ToolName = "read_file_tool"
	ToolWriteFile     ToolName = "write_file_tool"
	ToolListFiles     ToolName = "list_files_tool"
)

// ValidTools lists every tool name the plan parser and workflow engine accept.
var ValidTools = []ToolName{ToolExecuteBash, ToolExecuteScript, ToolReadFile, ToolWriteFile, ToolListFiles}

// IsValidTool reports whether t is one of ValidTools.
func IsValidTool(t ToolName) bool {
	for _, v := range ValidTools {
		if v == t {
			return true
		}
	}
	return false
}

// Step is one unit of executable work within a Plan.
type Step struct {
	StepID                string         `json:"step_id"`
	Description           string         `json:"description"`
	AgentID               Role           `json:"agent_id"`
	Tool                  ToolName       `json:"tool,omitempty"`
	Arguments             map[string]any `json:"arguments,omitempty"`
	Dependencies          []string       `json:"dependencies"`
	EstimatedTimeSeconds  float64        `json:"estimated_time_seconds"`
	Status                StepStatus     `json:"status"`
	Result                string         `json:"result,omitempty"`
	Error                 string         `json:"error,omitempty"`
	StartTime             *time.Time     `json:"start_time,omitempty"`
	EndTime               *time.Time     `json:"end_time,omitempty"`
}

// Plan is a named, validated DAG of Steps produced by an agent and approved
// by the operator.
type Plan struct {
	PlanID      string         `json:"plan_id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Steps       []*Step        `json:"steps"`
	Approved    bool           `json:"approved"`
	CreatedAt   time.Time      `json:"created_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Checkpoint is a pre-execution snapshot of files a step is about to modify.
type Checkpoint struct {
	StepID         string            `json:"step_id"`
	Timestamp      time.Time         `json:"timestamp"`
	BackupDir      string            `json:"backup_directory,omitempty"`
	Snapshot       map[string]string `json:"snapshot,omitempty"` // original path -> backup path
}

// ToolResult is the uniform outcome of any ToolExecutor operation. No
// failure crosses the executor boundary: every error is reported in-band
// here instead of as a Go error.
type ToolResult struct {
	Success              bool    `json:"success"`
	Stdout               string  `json:"stdout"`
	Stderr               string  `json:"stderr"`
	ReturnCode           int     `json:"return_code"`
	ErrorMessage         string  `json:"error_message,omitempty"`
	ExecutionTimeSeconds float64 `json:"execution_time_seconds"`
}

// RegistryStats is a snapshot of agent counts by role and status.
type RegistryStats struct {
	TotalAgents    int              `json:"total_agents"`
	ByRole         map[Role]int     `json:"by_role"`
	ByStatus       map[Status]int   `json:"by_status"`
	QueuedMessages int              `json:"queued_messages"`
}
