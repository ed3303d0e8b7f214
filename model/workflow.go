package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Workflow instance status constants.
const (
	WorkflowStatusActive    = "ACTIVE"
	WorkflowStatusApproved  = "APPROVED"
	WorkflowStatusRejected  = "REJECTED"
	WorkflowStatusCancelled = "CANCELLED"
)

// Step instance status constants.
const (
	StepStatusPending   = "PENDING"
	StepStatusApproved  = "APPROVED"
	StepStatusRejected  = "REJECTED"
	StepStatusReturned  = "RETURNED"
	StepStatusCancelled = "CANCELLED"
	StepStatusEscalated = "ESCALATED"
)

// Agent decisions.
const (
	DecisionApprove = "APPROVE"
	DecisionReject  = "REJECT"
	DecisionReturn  = "RETURN"
)

// Completion rules.
const (
	CompletionAll  = "ALL"
	CompletionAny  = "ANY"
	CompletionMinN = "MIN_N"
)

// Step outcomes.
const (
	OutcomeApproved = "APPROVED"
	OutcomeRejected = "REJECTED"
)

// Agent rule types.
const (
	RuleHierarchy      = "HIERARCHY"
	RuleRole           = "ROLE"
	RuleResponsibility = "RESPONSIBILITY"
	RulePosition       = "POSITION"
	RuleUser           = "USER"
)

// StepDefinition is an ordered step template. Instances keep a copy of their
// step definitions so that catalog edits never affect in-flight approvals.
type StepDefinition struct {
	ID             string           `json:"id" yaml:"id"`
	Sequence       int              `json:"sequence" yaml:"sequence"`
	Code           string           `json:"code,omitempty" yaml:"code"`
	Name           string           `json:"name" yaml:"name"`
	CompletionRule string           `json:"completion_rule" yaml:"completion_rule"`
	MinApprovals   int              `json:"min_approvals,omitempty" yaml:"min_approvals"`
	TimeoutHours   int              `json:"timeout_hours,omitempty" yaml:"timeout_hours"`
	AmountLimit    *decimal.Decimal `json:"amount_limit,omitempty" yaml:"amount_limit"`
	Agents         []StepAgent      `json:"agents" yaml:"agents"`
}

// StepAgent binds an agent rule to a step.
type StepAgent struct {
	ID       string    `json:"id" yaml:"id"`
	Sequence int       `json:"sequence" yaml:"sequence"`
	Required bool      `json:"required" yaml:"required"`
	Rule     AgentRule `json:"rule" yaml:"rule"`
}

// AgentRule is a resolution strategy yielding at most one concrete agent.
type AgentRule struct {
	Type             string `json:"type" yaml:"type"`
	Code             string `json:"code,omitempty" yaml:"code"`
	Levels           int    `json:"levels,omitempty" yaml:"levels"`
	PlantScoped      bool   `json:"plant_scoped,omitempty" yaml:"plant_scoped"`
	DepartmentScoped bool   `json:"department_scoped,omitempty" yaml:"department_scoped"`
	Fallback         bool   `json:"fallback,omitempty" yaml:"fallback"`
	EmployeeID       string `json:"employee_id,omitempty" yaml:"employee_id"`
}

// String renders the rule for error messages and logs.
func (r AgentRule) String() string {
	switch {
	case r.EmployeeID != "":
		return r.Type + ":" + r.EmployeeID
	case r.Code != "":
		return r.Type + ":" + r.Code
	default:
		return r.Type
	}
}

// WorkflowInstance is one approval process for one business object.
type WorkflowInstance struct {
	ID                  string           `json:"id"`
	TenantID            string           `json:"tenant_id"`
	ObjectType          string           `json:"object_type"`
	ObjectID            string           `json:"object_id"`
	ObjectCategory      string           `json:"object_category"`
	PolicyID            string           `json:"policy_id"`
	PolicyName          string           `json:"policy_name"`
	Strategy            string           `json:"strategy"`
	Status              string           `json:"status"`
	CurrentStepSequence int              `json:"current_step_sequence"`
	TotalSteps          int              `json:"total_steps"`
	Steps               []StepDefinition `json:"steps"`
	Context             ApprovalContext  `json:"context"`
	CreatedBy           string           `json:"created_by"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
	CompletedAt         *time.Time       `json:"completed_at,omitempty"`
	Version             int              `json:"version"`
}

// Step returns the step definition with the given sequence.
func (w WorkflowInstance) Step(sequence int) (StepDefinition, bool) {
	for _, s := range w.Steps {
		if s.Sequence == sequence {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// IsTerminal reports whether the instance has left the ACTIVE state.
func (w WorkflowInstance) IsTerminal() bool {
	return w.Status != WorkflowStatusActive
}

// StepInstance is one resolved agent's approval record for one step.
type StepInstance struct {
	ID                 string     `json:"id"`
	WorkflowInstanceID string     `json:"workflow_instance_id"`
	WorkflowStepID     string     `json:"workflow_step_id"`
	StepAgentID        string     `json:"step_agent_id"`
	StepSequence       int        `json:"step_sequence"`
	AssignedAgentID    string     `json:"assigned_agent_id"`
	AssignedAgentName  string     `json:"assigned_agent_name"`
	AssignedAgentRole  string     `json:"assigned_agent_role"`
	Status             string     `json:"status"`
	Decision           string     `json:"decision,omitempty"`
	Comments           string     `json:"comments,omitempty"`
	DecidedAt          *time.Time `json:"decided_at,omitempty"`
	TimeoutAt          *time.Time `json:"timeout_at,omitempty"`
	EscalatedTo        string     `json:"escalated_to,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// StepCompletionStatus caches the decision tally of one step. RejectedCount
// includes returns and unreplaced escalations; ReturnedCount is the returned
// share of it.
type StepCompletionStatus struct {
	WorkflowInstanceID string     `json:"workflow_instance_id"`
	WorkflowStepID     string     `json:"workflow_step_id"`
	StepSequence       int        `json:"step_sequence"`
	TotalAgents        int        `json:"total_agents"`
	ApprovedCount      int        `json:"approved_count"`
	RejectedCount      int        `json:"rejected_count"`
	ReturnedCount      int        `json:"returned_count"`
	PendingCount       int        `json:"pending_count"`
	CompletionRule     string     `json:"completion_rule"`
	MinApprovals       int        `json:"min_approvals,omitempty"`
	IsCompleted        bool       `json:"is_completed"`
	Outcome            string     `json:"outcome,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// WorkflowEvent records an event in a workflow's audit trail.
type WorkflowEvent struct {
	ID                 string         `json:"id"`
	WorkflowInstanceID string         `json:"workflow_instance_id"`
	StepSequence       int            `json:"step_sequence"`
	Event              string         `json:"event"`
	ActorID            string         `json:"actor_id"`
	Data               map[string]any `json:"data,omitempty"`
	Comment            string         `json:"comment,omitempty"`
	Timestamp          time.Time      `json:"timestamp"`
}

// PendingApproval is a pending step instance joined with its instance.
type PendingApproval struct {
	StepInstance
	TenantID       string    `json:"tenant_id"`
	ObjectType     string    `json:"object_type"`
	ObjectID       string    `json:"object_id"`
	ObjectCategory string    `json:"object_category"`
	PolicyName     string    `json:"policy_name"`
	StepName       string    `json:"step_name"`
	SubmittedBy    string    `json:"submitted_by"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// AgentWorkload counts an agent's pending step instances.
type AgentWorkload struct {
	AgentID      string         `json:"agent_id"`
	TotalPending int            `json:"total_pending"`
	ByObjectType map[string]int `json:"by_object_type"`
}

// StepStatus is the full view of one step of an instance.
type StepStatus struct {
	Definition StepDefinition        `json:"definition"`
	Completion *StepCompletionStatus `json:"completion,omitempty"`
	Instances  []StepInstance        `json:"instances"`
}

// InstanceView is an instance with the status of each initialized step.
type InstanceView struct {
	WorkflowInstance
	StepStatuses []StepStatus `json:"step_statuses"`
}

// DecisionResult is the per-item outcome of a bulk decision.
type DecisionResult struct {
	StepInstanceID string         `json:"step_instance_id"`
	Success        bool           `json:"success"`
	Error          *ErrorEnvelope `json:"error,omitempty"`
}

// InstanceFilters are optional filters for listing instances.
type InstanceFilters struct {
	Status     string
	ObjectType string
	ObjectID   string
	Limit      int
	Offset     int
}
