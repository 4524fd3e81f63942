package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/akshaya12406-byte/expensemanagement/internal/apperrors"
	"github.com/akshaya12406-byte/expensemanagement/internal/logger"
	"github.com/akshaya12406-byte/expensemanagement/internal/repository"
)

// Decision literals accepted by Decide.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// EngineConfig holds the approval engine tunables. The auto-close ratio is a
// policy constant, not derived per company.
type EngineConfig struct {
	ParallelAutoCloseRatio float64
	FallbackRole           string
	FallbackSLAHours       int
	MaxRetries             int
}

func (c *EngineConfig) normalize() {
	if c.ParallelAutoCloseRatio <= 0 || c.ParallelAutoCloseRatio > 1 {
		c.ParallelAutoCloseRatio = 0.6
	}
	if c.FallbackRole == "" {
		c.FallbackRole = "manager"
	}
	if c.FallbackSLAHours <= 0 {
		c.FallbackSLAHours = 24
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = 3
	}
}

// ApprovalEngine compiles approval policies into per-expense chains and
// advances them one decision at a time. Every mutation is a read-modify-write
// against the expense's full chain, committed via the store's versioned
// compare-and-swap together with its audit entries, so concurrent decisions
// on one expense either see the prior mutation fully applied or retry.
type ApprovalEngine struct {
	expenses  ExpenseStore
	companies CompanyStore
	rates     RateConverter
	notifier  Notifier
	cfg       EngineConfig
	log       *logger.Logger
}

// NewApprovalEngine creates a new ApprovalEngine.
func NewApprovalEngine(
	expenses ExpenseStore,
	companies CompanyStore,
	rates RateConverter,
	notifier Notifier,
	cfg EngineConfig,
	log *logger.Logger,
) *ApprovalEngine {
	cfg.normalize()
	if rates == nil {
		rates = IdentityConverter{}
	}
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &ApprovalEngine{
		expenses:  expenses,
		companies: companies,
		rates:     rates,
		notifier:  notifier,
		cfg:       cfg,
		log:       log,
	}
}

// ── Workflow compilation ──────────────────────────────────────────────────────

// Compile turns the owning company's policy and the expense amount into a
// fresh approval chain, replacing any prior chain wholesale. Safe to re-run
// after a policy edit; identical inputs produce an identical plan (modulo
// generated group IDs and deadlines).
func (e *ApprovalEngine) Compile(ctx context.Context, expenseID string) (*repository.Expense, error) {
	exp, err := e.expenses.GetByID(ctx, expenseID)
	if err != nil {
		return nil, err
	}
	// Recompiling would resurrect an already-settled expense with a fresh
	// pending chain.
	if exp.Status.Terminal() {
		return nil, apperrors.Conflict("cannot recompile a terminal expense")
	}
	company, err := e.companies.GetByID(ctx, exp.CompanyID)
	if err != nil {
		return nil, err
	}

	levels, err := e.applicableLevels(ctx, exp, company)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	steps := make([]repository.ApprovalStep, 0, len(levels))
	for _, level := range levels {
		steps = append(steps, e.expandLevel(level, exp.Amount, now)...)
	}

	// Every expense gets at least one approval gate.
	if len(steps) == 0 {
		deadline := now.Add(time.Duration(e.cfg.FallbackSLAHours) * time.Hour)
		steps = append(steps, repository.ApprovalStep{
			Level:             1,
			Role:              e.cfg.FallbackRole,
			Approvers:         []string{},
			RequiredApprovals: 1,
			Status:            repository.StepPending,
			EscalationAt:      &deadline,
		})
	}

	prevStatus := exp.Status
	exp.ApprovalChain = steps
	exp.CurrentApprovalLevel = steps[0].Level
	exp.EscalationNotifiedAt = nil
	recountProgress(exp)

	var entries []*repository.AuditEntry
	if allApproved(exp.ApprovalChain) {
		// The whole plan self-resolved (auto-approval ceilings).
		exp.Status = repository.ExpenseApproved
		entries = append(entries, &repository.AuditEntry{
			ExpenseID:      exp.ID,
			CompanyID:      exp.CompanyID,
			Action:         repository.ActionApproved,
			Level:          exp.CurrentApprovalLevel,
			Comment:        "Auto-approved at compilation",
			Metadata:       map[string]any{"final": true},
			PreviousStatus: prevStatus,
			NewStatus:      repository.ExpenseApproved,
		})
	} else {
		exp.Status = repository.ExpenseUnderReview
	}
	exp.WorkflowGraph = buildWorkflowGraph(exp.ApprovalChain)

	if err := e.expenses.Update(ctx, exp, exp.Version, entries); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("expense_id", exp.ID).
		Int("steps", len(exp.ApprovalChain)).
		Str("status", string(exp.Status)).
		Msg("Approval workflow compiled")

	return exp, nil
}

// applicableLevels filters the policy to levels whose threshold the expense
// amount meets, ordered ascending by level. Thresholds in a foreign currency
// are compared after conversion.
func (e *ApprovalEngine) applicableLevels(ctx context.Context, exp *repository.Expense, company *repository.Company) ([]repository.PolicyLevel, error) {
	levels := make([]repository.PolicyLevel, 0, len(company.ApprovalPolicy))
	for _, level := range company.ApprovalPolicy {
		if level.ThresholdAmount > 0 {
			currency := level.ThresholdCurrency
			if currency == "" {
				currency = company.Currency
			}
			amount, err := e.rates.Convert(ctx, exp.Amount, exp.Currency, currency)
			if err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "threshold currency conversion failed")
			}
			if amount < level.ThresholdAmount {
				continue
			}
		}
		levels = append(levels, level)
	}
	sort.SliceStable(levels, func(i, j int) bool { return levels[i].Level < levels[j].Level })
	return levels, nil
}

// expandLevel fans one policy level out into its steps: one per parallel role
// sharing a fresh group ID, or a single step. Steps under the auto-approval
// ceiling start resolved and carry no escalation deadline.
func (e *ApprovalEngine) expandLevel(level repository.PolicyLevel, amount int64, now time.Time) []repository.ApprovalStep {
	spec := level.Spec()

	groupID := ""
	if spec.Kind == repository.ApproverParallel {
		groupID = uuid.NewString()
	}

	slaHours := level.SLAHours
	if slaHours <= 0 {
		slaHours = e.cfg.FallbackSLAHours
	}
	autoApprove := level.AutoApproveBelow > 0 && amount <= level.AutoApproveBelow

	steps := make([]repository.ApprovalStep, 0, len(spec.Roles))
	for _, role := range spec.Roles {
		step := repository.ApprovalStep{
			Level:             level.Level,
			ParallelGroupID:   groupID,
			Role:              role,
			Approvers:         []string{},
			RequiredApprovals: spec.Quorum,
		}
		if autoApprove {
			step.Status = repository.StepApproved
			step.AutoApproved = true
			step.ApprovalsReceived = spec.Quorum
		} else {
			step.Status = repository.StepPending
			deadline := now.Add(time.Duration(slaHours) * time.Hour)
			step.EscalationAt = &deadline
		}
		steps = append(steps, step)
	}
	return steps
}

// ── Decision advancement ──────────────────────────────────────────────────────

// Decide applies one approver's decision to the first step they are entitled
// to decide. Approvals tally toward the step's quorum, with parallel groups
// force-closing once the configured majority ratio is reached; a rejection
// terminates the whole expense immediately. Conflicting concurrent writes
// are retried against refreshed state.
func (e *ApprovalEngine) Decide(ctx context.Context, expenseID, actorID, decision, comment string) (*repository.Expense, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, apperrors.InvalidInput("decision", "must be approve or reject")
	}

	var exp *repository.Expense
	err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		exp, err = e.applyDecision(ctx, expenseID, actorID, decision, comment)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.notifier.Notify(ctx, Notification{
		EventType:  "approval_status_changed",
		CompanyID:  exp.CompanyID,
		ActorID:    actorID,
		Recipients: []string{exp.EmployeeID},
		Title:      fmt.Sprintf("Expense %s", decisionPastTense(decision)),
		Message:    fmt.Sprintf("Your expense %s was %s.", exp.ID, decisionPastTense(decision)),
		Payload:    map[string]any{"expense_id": exp.ID, "decision": decision, "status": exp.Status},
	})

	return exp, nil
}

func (e *ApprovalEngine) applyDecision(ctx context.Context, expenseID, actorID, decision, comment string) (*repository.Expense, error) {
	exp, err := e.expenses.GetByID(ctx, expenseID)
	if err != nil {
		return nil, err
	}
	// Rejection (and any other terminal status) ends the whole expense;
	// untouched later steps must not accept decisions.
	if exp.Status.Terminal() {
		return nil, apperrors.New(apperrors.ErrCodeNotFound, "expense is in a terminal status")
	}

	idx := decidableStepIndex(exp.ApprovalChain, actorID)
	if idx < 0 {
		// Also the idempotent case: a racing approver already resolved it.
		return nil, apperrors.New(apperrors.ErrCodeNotFound, "no pending approval step for this approver")
	}

	prevStatus := exp.Status
	step := &exp.ApprovalChain[idx]
	now := time.Now().UTC()

	switch decision {
	case DecisionApprove:
		if step.ApprovalsReceived < step.RequiredApprovals {
			step.ApprovalsReceived++
		}
		step.Approver = &actorID
		step.Approvers = append(step.Approvers, actorID)
		step.DecisionAt = &now
		step.DecisionComment = comment
		if step.ApprovalsReceived >= step.RequiredApprovals {
			step.Status = repository.StepApproved
		}
		if step.Status == repository.StepApproved && step.ParallelGroupID != "" {
			e.autoCloseParallelGroup(exp, step.ParallelGroupID, now)
		}

	case DecisionReject:
		// No quorum required to reject; terminal for the whole expense.
		step.Status = repository.StepRejected
		step.Approver = &actorID
		step.DecisionAt = &now
		step.DecisionComment = comment
		exp.Status = repository.ExpenseRejected
	}

	recountProgress(exp)

	entry := &repository.AuditEntry{
		ExpenseID:      exp.ID,
		CompanyID:      exp.CompanyID,
		Actor:          &actorID,
		Level:          step.Level,
		Comment:        comment,
		PreviousStatus: prevStatus,
	}
	if allApproved(exp.ApprovalChain) {
		exp.Status = repository.ExpenseApproved
		entry.Action = repository.ActionApproved
		entry.Metadata = map[string]any{"final": true}
	} else if decision == DecisionApprove {
		entry.Action = repository.ActionApproved
	} else {
		entry.Action = repository.ActionRejected
	}
	entry.NewStatus = exp.Status

	exp.WorkflowGraph = buildWorkflowGraph(exp.ApprovalChain)

	if err := e.expenses.Update(ctx, exp, exp.Version, []*repository.AuditEntry{entry}); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("expense_id", exp.ID).
		Str("actor_id", actorID).
		Str("decision", decision).
		Int("level", step.Level).
		Int("progress", exp.ApprovalProgress).
		Str("status", string(exp.Status)).
		Msg("Approval decision applied")

	return exp, nil
}

// autoCloseParallelGroup force-resolves the remaining members of a parallel
// group once its approved ratio reaches the configured majority, so a clear
// quorum is never blocked on a straggler.
func (e *ApprovalEngine) autoCloseParallelGroup(exp *repository.Expense, groupID string, now time.Time) {
	var members []*repository.ApprovalStep
	approved := 0
	for i := range exp.ApprovalChain {
		candidate := &exp.ApprovalChain[i]
		if candidate.ParallelGroupID != groupID {
			continue
		}
		members = append(members, candidate)
		if candidate.Status == repository.StepApproved {
			approved++
		}
	}
	if len(members) == 0 {
		return
	}

	ratio := float64(approved) / float64(len(members))
	if ratio < e.cfg.ParallelAutoCloseRatio {
		return
	}

	for _, member := range members {
		if member.Status == repository.StepApproved {
			continue
		}
		member.Status = repository.StepApproved
		member.AutoApproved = true
		member.ApprovalsReceived = member.RequiredApprovals
		member.DecisionAt = &now
	}
}

// decidableStepIndex locates the first step the actor is entitled to decide:
// an unassigned step is decidable by anyone, an assigned one only by its
// approver. Escalated steps remain decidable.
func decidableStepIndex(chain []repository.ApprovalStep, actorID string) int {
	for i := range chain {
		step := &chain[i]
		if !step.Decidable() {
			continue
		}
		if step.Approver == nil || *step.Approver == actorID {
			return i
		}
	}
	return -1
}

// ── Bypass ────────────────────────────────────────────────────────────────────

// Bypass force-closes the whole plan as approved for an authorized override
// actor. Authorization is the caller's responsibility; this is the only
// operation that skips quorum and threshold rules.
func (e *ApprovalEngine) Bypass(ctx context.Context, expenseID, actorID string) (*repository.Expense, error) {
	var exp *repository.Expense
	err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		exp, err = e.applyBypass(ctx, expenseID, actorID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.notifier.Notify(ctx, Notification{
		EventType:  "cfo_bypass",
		CompanyID:  exp.CompanyID,
		ActorID:    actorID,
		Recipients: []string{exp.EmployeeID},
		Title:      "Expense approved by CFO",
		Message:    fmt.Sprintf("Your expense %s was approved via CFO bypass.", exp.ID),
		Payload:    map[string]any{"expense_id": exp.ID},
	})

	return exp, nil
}

func (e *ApprovalEngine) applyBypass(ctx context.Context, expenseID, actorID string) (*repository.Expense, error) {
	exp, err := e.expenses.GetByID(ctx, expenseID)
	if err != nil {
		return nil, err
	}

	prevStatus := exp.Status
	now := time.Now().UTC()
	for i := range exp.ApprovalChain {
		step := &exp.ApprovalChain[i]
		step.Status = repository.StepApproved
		step.AutoApproved = true
		step.ApprovalsReceived = step.RequiredApprovals
		step.DecisionAt = &now
		step.DecisionComment = "CFO bypass"
	}

	exp.Status = repository.ExpenseApproved
	exp.ApprovalProgress = 100
	exp.WorkflowGraph = buildWorkflowGraph(exp.ApprovalChain)

	entry := &repository.AuditEntry{
		ExpenseID:      exp.ID,
		CompanyID:      exp.CompanyID,
		Actor:          &actorID,
		Action:         repository.ActionCFOBypass,
		Comment:        "CFO bypass executed",
		PreviousStatus: prevStatus,
		NewStatus:      repository.ExpenseApproved,
	}

	if err := e.expenses.Update(ctx, exp, exp.Version, []*repository.AuditEntry{entry}); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("expense_id", exp.ID).
		Str("actor_id", actorID).
		Msg("CFO bypass executed")

	return exp, nil
}

// ── Escalation sweep ──────────────────────────────────────────────────────────

// SweepEscalations flags every pending step whose SLA deadline has passed on
// non-terminal expenses. Escalation is an alarm, not a decision: the tally
// and quorum are untouched and the step stays decidable. Returns the number
// of expenses escalated.
func (e *ApprovalEngine) SweepEscalations(ctx context.Context) (int, error) {
	candidates, err := e.expenses.ListEscalationCandidates(ctx)
	if err != nil {
		return 0, err
	}

	escalated := 0
	for _, candidate := range candidates {
		err := e.withRetry(ctx, func(ctx context.Context) error {
			return e.escalateExpense(ctx, candidate.ID)
		})
		switch {
		case err == nil:
			escalated++
		case apperrors.IsCode(err, apperrors.ErrCodeNotFound):
			// Nothing overdue after the re-read; a decision beat the sweep.
		default:
			e.log.Error().Err(err).
				Str("expense_id", candidate.ID).
				Msg("Escalation sweep failed for expense")
		}
	}

	return escalated, nil
}

// escalateExpense flags the overdue steps of one expense. Returns NotFound
// when nothing is overdue, so racing decisions stay silent.
func (e *ApprovalEngine) escalateExpense(ctx context.Context, expenseID string) error {
	exp, err := e.expenses.GetByID(ctx, expenseID)
	if err != nil {
		return err
	}
	if exp.Status.Terminal() {
		return apperrors.New(apperrors.ErrCodeNotFound, "expense is terminal")
	}

	now := time.Now().UTC()
	overdue := false
	for i := range exp.ApprovalChain {
		step := &exp.ApprovalChain[i]
		if step.Status == repository.StepPending && !step.Escalated &&
			step.EscalationAt != nil && !step.EscalationAt.After(now) {
			step.Escalated = true
			overdue = true
		}
	}
	if !overdue {
		return apperrors.New(apperrors.ErrCodeNotFound, "no overdue steps")
	}

	exp.EscalationNotifiedAt = &now
	exp.WorkflowGraph = buildWorkflowGraph(exp.ApprovalChain)

	entry := &repository.AuditEntry{
		ExpenseID:      exp.ID,
		CompanyID:      exp.CompanyID,
		Actor:          nil, // system-triggered
		Action:         repository.ActionEscalated,
		Level:          exp.CurrentApprovalLevel,
		Comment:        "Automatic escalation triggered",
		PreviousStatus: exp.Status,
		NewStatus:      exp.Status,
	}

	if err := e.expenses.Update(ctx, exp, exp.Version, []*repository.AuditEntry{entry}); err != nil {
		return err
	}

	e.log.Warn().
		Str("expense_id", exp.ID).
		Msg("Approval step escalated past SLA")

	e.notifier.Notify(ctx, Notification{
		EventType:  "expense_escalated",
		CompanyID:  exp.CompanyID,
		Recipients: []string{exp.EmployeeID},
		Title:      "Expense approval escalated",
		Message:    fmt.Sprintf("Approval of expense %s exceeded its SLA.", exp.ID),
		Payload:    map[string]any{"expense_id": exp.ID},
	})

	return nil
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// withRetry runs fn, retrying on write conflicts up to the configured bound.
// All engine operations re-read current state, so conflict retries are
// idempotent by construction.
func (e *ApprovalEngine) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		if err = fn(ctx); !apperrors.IsCode(err, apperrors.ErrCodeConflict) {
			return err
		}
		e.log.Debug().Int("attempt", attempt+1).Msg("Write conflict, retrying against refreshed state")
	}
	return err
}

func recountProgress(exp *repository.Expense) {
	total := len(exp.ApprovalChain)
	if total == 0 {
		exp.ApprovalProgress = 0
		return
	}
	approved := 0
	for i := range exp.ApprovalChain {
		if exp.ApprovalChain[i].Status == repository.StepApproved {
			approved++
		}
	}
	exp.ApprovalProgress = int(math.Round(float64(approved) / float64(total) * 100))
}

func allApproved(chain []repository.ApprovalStep) bool {
	for i := range chain {
		if chain[i].Status != repository.StepApproved {
			return false
		}
	}
	return len(chain) > 0
}

func decisionPastTense(decision string) string {
	if decision == DecisionApprove {
		return "approved"
	}
	return "rejected"
}
