package repository

import "time"

// ── Expense & step status enums ───────────────────────────────────────────────

// ExpenseStatus is the overall lifecycle state of an expense.
type ExpenseStatus string

const (
	ExpenseDraft       ExpenseStatus = "draft"
	ExpenseSubmitted   ExpenseStatus = "submitted"
	ExpenseUnderReview ExpenseStatus = "under_review"
	ExpenseApproved    ExpenseStatus = "approved"
	ExpenseRejected    ExpenseStatus = "rejected"
	ExpensePaid        ExpenseStatus = "paid"
)

// Terminal reports whether no further approval decisions apply.
func (s ExpenseStatus) Terminal() bool {
	return s == ExpenseApproved || s == ExpenseRejected || s == ExpensePaid
}

// StepStatus is the decision state of one approval step. Escalation is not a
// status: an SLA breach sets ApprovalStep.Escalated while the step stays
// pending and decidable.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepApproved StepStatus = "approved"
	StepRejected StepStatus = "rejected"
)

// StepDisplayEscalated is the display status surfaced for pending steps whose
// SLA deadline has passed.
const StepDisplayEscalated = "escalated"

// ── Company policy ────────────────────────────────────────────────────────────

// ApproverKind tags the quorum shape of a policy level.
type ApproverKind string

const (
	ApproverSingle   ApproverKind = "single"
	ApproverParallel ApproverKind = "parallel"
)

// ApproverSpec is the resolved quorum shape of one policy level: either one
// role with a quorum, or a parallel group of roles each carrying the quorum.
type ApproverSpec struct {
	Kind   ApproverKind
	Roles  []string
	Quorum int
}

// PolicyLevel is one rung of a company's configured approval ladder. Stored
// as a JSONB array on the company row, immutable during a compilation.
type PolicyLevel struct {
	Level             int      `json:"level"`
	Role              string   `json:"role"`
	ParallelRoles     []string `json:"parallel_roles,omitempty"`
	RequiredApprovals int      `json:"required_approvals"`
	ThresholdAmount   int64    `json:"threshold_amount"`   // minor units; 0 = always applies
	ThresholdCurrency string   `json:"threshold_currency"` // defaults to company currency
	AutoApproveBelow  int64    `json:"auto_approve_below"` // minor units; 0 = never
	SLAHours          int      `json:"sla_hours"`
}

// Spec resolves the single-role / parallel-roles duality into an explicit
// tagged variant. Quorum math downstream reads only the resolved spec, never
// the raw optional fields.
func (l PolicyLevel) Spec() ApproverSpec {
	quorum := l.RequiredApprovals
	if quorum < 1 {
		quorum = 1
	}
	if len(l.ParallelRoles) > 0 {
		roles := make([]string, len(l.ParallelRoles))
		copy(roles, l.ParallelRoles)
		return ApproverSpec{Kind: ApproverParallel, Roles: roles, Quorum: quorum}
	}
	return ApproverSpec{Kind: ApproverSingle, Roles: []string{l.Role}, Quorum: quorum}
}

// Company owns the approval policy evaluated at compile time.
type Company struct {
	ID             string
	Name           string
	Currency       string
	ApprovalPolicy []PolicyLevel
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ── Approval chain ────────────────────────────────────────────────────────────

// ApprovalStep is the per-expense instantiation of one policy level, or one
// member of its parallel group. Created by compilation; mutated only by the
// decision, bypass and escalation paths.
type ApprovalStep struct {
	Level             int        `json:"level"`
	ParallelGroupID   string     `json:"parallel_group_id,omitempty"`
	Role              string     `json:"role"`
	Approver          *string    `json:"approver,omitempty"`
	Approvers         []string   `json:"approvers"`
	RequiredApprovals int        `json:"required_approvals"`
	ApprovalsReceived int        `json:"approvals_received"`
	Status            StepStatus `json:"status"`
	Escalated         bool       `json:"escalated"`
	AutoApproved      bool       `json:"auto_approved"`
	EscalationAt      *time.Time `json:"escalation_at,omitempty"`
	DecisionAt        *time.Time `json:"decision_at,omitempty"`
	DecisionComment   string     `json:"decision_comment,omitempty"`
}

// Decidable reports whether the step can still receive a human decision.
// Escalated steps stay decidable until resolved.
func (s *ApprovalStep) Decidable() bool {
	return s.Status == StepPending
}

// DisplayStatus is the four-state view observers see: pending steps past
// their SLA show as escalated.
func (s *ApprovalStep) DisplayStatus() string {
	if s.Status == StepPending && s.Escalated {
		return StepDisplayEscalated
	}
	return string(s.Status)
}

// ── Workflow graph ────────────────────────────────────────────────────────────

// GraphNode is one step in the workflow visualization.
type GraphNode struct {
	ID       string         `json:"id"`
	Label    string         `json:"label"`
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata"`
}

// GraphEdge connects two adjacent steps; type is "parallel" when both ends
// share a parallel group, "serial" otherwise.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

// WorkflowGraph is a projection of the approval chain, rebuilt in full after
// every chain mutation. It is never a source of truth.
type WorkflowGraph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// ── Expense aggregate ─────────────────────────────────────────────────────────

// Expense is the aggregate root. The approval chain and graph are persisted
// as JSONB on the expense row so a single versioned UPDATE is the atomic
// unit for every workflow mutation.
type Expense struct {
	ID                   string
	CompanyID            string
	EmployeeID           string
	Amount               int64 // minor units
	Currency             string
	Category             string
	Description          *string
	Merchant             *string
	ProjectCode          *string
	ExpenseDate          time.Time
	Status               ExpenseStatus
	ApprovalChain        []ApprovalStep
	CurrentApprovalLevel int
	ApprovalProgress     int // 0-100
	EscalationNotifiedAt *time.Time
	WorkflowGraph        WorkflowGraph
	SubmittedAt          time.Time
	PaidAt               *time.Time
	Version              int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ── Audit log ─────────────────────────────────────────────────────────────────

// Audit actions.
const (
	ActionSubmitted = "submitted"
	ActionApproved  = "approved"
	ActionRejected  = "rejected"
	ActionEscalated = "escalated"
	ActionCFOBypass = "cfo_bypass"
)

// AuditEntry is one immutable record of a workflow state transition. Actor is
// nil for system-triggered transitions such as escalation.
type AuditEntry struct {
	ID             string
	ExpenseID      string
	CompanyID      string
	Actor          *string
	Action         string
	Level          int
	Comment        string
	Metadata       map[string]any
	PreviousStatus ExpenseStatus
	NewStatus      ExpenseStatus
	PerformedAt    time.Time
}
