package repository

import "time"

// ── Flow configuration ────────────────────────────────────────────────────────

// TargetType identifies the kind of business object a flow routes.
type TargetType string

const (
	TargetClaim         TargetType = "claim"
	TargetStaffLoan     TargetType = "staff_loan"
	TargetSalaryAdvance TargetType = "salary_advance"
	TargetLeave         TargetType = "leave"
	TargetAnnouncement  TargetType = "announcement"
)

// ApproverType selects the strategy used to resolve a step's approvers.
type ApproverType string

const (
	ApproverRole             ApproverType = "ROLE"
	ApproverSpecificUser     ApproverType = "SPECIFIC_USER"
	ApproverRequesterManager ApproverType = "REQUESTER_MANAGER"
	ApproverManagerChain     ApproverType = "MANAGER_CHAIN_LEVEL_N"
)

// ApprovalFlow is a named, versioned approval configuration for one target type.
// Flows referenced by a non-terminal instance are immutable: updates and
// deactivation are rejected while instances are in flight.
type ApprovalFlow struct {
	ID         string     `json:"id"`
	Code       string     `json:"code"`
	Name       string     `json:"name"`
	TargetType TargetType `json:"target_type"`
	IsActive   bool       `json:"is_active"`
	Priority   int        `json:"priority"` // lower value wins at selection time
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ApprovalFlowStep is one ordered step template within a flow.
type ApprovalFlowStep struct {
	ID                string       `json:"id"`
	FlowID            string       `json:"flow_id"`
	StepOrder         int          `json:"step_order"`
	Name              string       `json:"name"`
	ApproverType      ApproverType `json:"approver_type"`
	ApproverRoleCode  *string      `json:"approver_role_code,omitempty"` // set when ApproverType == ROLE
	ApproverUserID    *string      `json:"approver_user_id,omitempty"`   // set when ApproverType == SPECIFIC_USER
	ManagerChainLevel *int         `json:"manager_chain_level,omitempty"` // set when ApproverType == MANAGER_CHAIN_LEVEL_N
	IsFinal           bool         `json:"is_final"`
	SLAHours          *int         `json:"sla_hours,omitempty"` // stamps due_at on the step instance when it becomes current
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// ── Instances ─────────────────────────────────────────────────────────────────

// InstanceStatus is the lifecycle state of an approval instance.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceApproved  InstanceStatus = "approved"
	InstanceRejected  InstanceStatus = "rejected"
	InstanceCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceApproved || s == InstanceRejected || s == InstanceCancelled
}

// ApprovalInstance is one run of a flow against one target object. The flow
// reference is fixed at creation and immune to later flow edits.
type ApprovalInstance struct {
	ID               string         `json:"id"`
	FlowID           string         `json:"flow_id"`
	TargetType       TargetType     `json:"target_type"`
	TargetID         string         `json:"target_id"`
	RequesterID      string         `json:"requester_id"`
	Status           InstanceStatus `json:"status"`
	CurrentStepOrder int            `json:"current_step_order"`
	IsUrgent         bool           `json:"is_urgent"`
	HaltReason       *string        `json:"halt_reason,omitempty"` // non-nil while halted for administrative remediation
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// Halted reports whether the instance requires administrative remediation
// before any decision can be applied.
func (i *ApprovalInstance) Halted() bool {
	return i.HaltReason != nil
}

// StepStatus is the lifecycle state of a materialized step instance.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepApproved StepStatus = "approved"
	StepRejected StepStatus = "rejected"
	StepSkipped  StepStatus = "skipped"
)

// ApprovalStepInstance is the materialized record of one step within one
// instance. All step instances are created up front when the instance is
// submitted, one per flow step, in step order.
type ApprovalStepInstance struct {
	ID              string     `json:"id"`
	InstanceID      string     `json:"instance_id"`
	StepOrder       int        `json:"step_order"`
	Status          StepStatus `json:"status"`
	AssignedTo      *string    `json:"assigned_to,omitempty"` // administrative reassignment target, if any
	DelegatedTo     *string    `json:"delegated_to,omitempty"`
	DelegatedAt     *time.Time `json:"delegated_at,omitempty"`
	DelegatedReason *string    `json:"delegated_reason,omitempty"`
	DecidedBy       *string    `json:"decided_by,omitempty"`
	DecidedAt       *time.Time `json:"decided_at,omitempty"`
	Comment         *string    `json:"comment,omitempty"`
	DueAt           *time.Time `json:"due_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ── Decisions ─────────────────────────────────────────────────────────────────

// DecisionAction is the kind of human action recorded in the audit trail.
type DecisionAction string

const (
	ActionApprove  DecisionAction = "APPROVE"
	ActionReject   DecisionAction = "REJECT"
	ActionDelegate DecisionAction = "DELEGATE"
	ActionCancel   DecisionAction = "CANCEL"
	ActionEscalate DecisionAction = "ESCALATE"
	ActionReassign DecisionAction = "REASSIGN"
)

// ApprovalDecision is one immutable, append-only audit record. The table has
// no update or delete path.
type ApprovalDecision struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	StepOrder  int            `json:"step_order"`
	ActorID    string         `json:"actor_id"`
	Action     DecisionAction `json:"action"`
	Comment    *string        `json:"comment,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ── Composite query results ───────────────────────────────────────────────────

// PendingApproval pairs a pending instance with its current step instance and
// the flow step template it was materialized from. Used for approver inboxes
// and the overdue scan.
type PendingApproval struct {
	Instance ApprovalInstance     `json:"instance"`
	Step     ApprovalStepInstance `json:"step"`
	Template ApprovalFlowStep     `json:"template"`
}
