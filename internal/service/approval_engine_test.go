package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akshaya12406-byte/expensemanagement/internal/apperrors"
	"github.com/akshaya12406-byte/expensemanagement/internal/logger"
	"github.com/akshaya12406-byte/expensemanagement/internal/repository"
)

type engineFixture struct {
	engine   *ApprovalEngine
	store    *memStore
	notifier *recordNotifier
}

func newEngineFixture(t *testing.T, policy []repository.PolicyLevel) *engineFixture {
	t.Helper()
	store := newMemStore()
	store.companies["comp-1"] = &repository.Company{
		ID:             "comp-1",
		Name:           "Acme",
		Currency:       "USD",
		ApprovalPolicy: policy,
	}
	notifier := &recordNotifier{}
	engine := NewApprovalEngine(store, companyStoreAdapter{store}, IdentityConverter{}, notifier, EngineConfig{}, logger.Nop())
	return &engineFixture{engine: engine, store: store, notifier: notifier}
}

func (f *engineFixture) seedExpense(t *testing.T, amount int64) *repository.Expense {
	t.Helper()
	exp := &repository.Expense{
		ID:          "exp-1",
		CompanyID:   "comp-1",
		EmployeeID:  "emp-1",
		Amount:      amount,
		Currency:    "USD",
		Category:    "travel",
		ExpenseDate: time.Now().UTC(),
		Status:      repository.ExpenseSubmitted,
		SubmittedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.Create(context.Background(), exp))
	return exp
}

func (f *engineFixture) compile(t *testing.T, amount int64) *repository.Expense {
	t.Helper()
	f.seedExpense(t, amount)
	exp, err := f.engine.Compile(context.Background(), "exp-1")
	require.NoError(t, err)
	return exp
}

// ── Compilation ───────────────────────────────────────────────────────────────

func TestCompile_ThresholdFiltering(t *testing.T) {
	f := newEngineFixture(t, []repository.PolicyLevel{
		{Level: 1, Role: "manager", RequiredApprovals: 1, SLAHours: 24},
		{Level: 2, Role: "finance", RequiredApprovals: 1, ThresholdAmount: 100000, SLAHours: 48},
		{Level: 3, Role: "cfo", RequiredApprovals: 1, ThresholdAmount: 500000, SLAHours: 72},
	})

	exp := f.compile(t, 50000) // below both thresholds

	require.Len(t, exp.ApprovalChain, 1)
	assert.Equal(t, "manager", exp.ApprovalChain[0].Role)
	assert.Equal(t, 1, exp.CurrentApprovalLevel)
	assert.Equal(t, repository.ExpenseUnderReview, exp.Status)
	assert.Equal(t, 0, exp.ApprovalProgress)
}

func TestCompile_AllLevelsAboveThresholds(t *testing.T) {
	f := newEngineFixture(t, []repository.PolicyLevel{
		{Level: 2, Role: "finance", RequiredApprovals: 1, ThresholdAmount: 100000},
		{Level: 1, Role: "manager", RequiredApprovals: 1},
	})

	exp := f.compile(t, 200000)

	require.Len(t, exp.ApprovalChain, 2)
	// Levels are ordered ascending regardless of policy order.
	assert.Equal(t, 1, exp.ApprovalChain[0].Level)
	assert.Equal(t, 2, exp.ApprovalChain[1].Level)
}

func TestCompile_AutoApprove(t *testing.T) {
	f := newEngineFixture(t, []repository.PolicyLevel{
		{Level: 1, Role: "manager", RequiredApprovals: 1, AutoApproveBelow: 15000, SLAHours: 24},
	})

	exp := f.compile(t, 10000)

	require.Len(t, exp.ApprovalChain, 1)
	step := exp.ApprovalChain[0]
	assert.Equal(t, repository.StepApproved, step.Status)
	assert.True(t, step.AutoApproved)
	assert.Nil(t, step.EscalationAt, "auto-approved steps carry no SLA deadline")
	assert.Equal(t, repository.ExpenseApproved, exp.Status)
	assert.Equal(t, 100, exp.ApprovalProgress)

	entries := f.store.auditEntries("exp-1", repository.ActionApproved)
	require.Len(t, entries, 1)
	assert.Equal(t, true, entries[0].Metadata["final"])
}

func TestCompile_FallbackStep(t *testing.T) {
	f := newEngineFixture(t, nil)

	exp := f.compile(t, 5000)

	require.Len(t, exp.ApprovalChain, 1, "an empty policy still yields one approval gate")
	step := exp.ApprovalChain[0]
	assert.Equal(t, "manager", step.Role)
	assert.Equal(t, 1, step.RequiredApprovals)
	assert.Equal(t, repository.StepPending, step.Status)
	require.NotNil(t, step.EscalationAt)
	assert.WithinDuration(t, time.Now().UTC().Add(24*time.Hour), *step.EscalationAt, time.Minute)
}

func TestCompile_ParallelFanOut(t *testing.T) {
	f := newEngineFixture(t, []repository.PolicyLevel{
		{Level: 1, ParallelRoles: []string{"finance", "audit", "legal"}, RequiredApprovals: 1, SLAHours: 24},
	})

	exp := f.compile(t, 5000)

	require.Len(t, exp.ApprovalChain, 3)
	groupID := exp.ApprovalChain[0].ParallelGroupID
	require.NotEmpty(t, groupID)
	for _, step := range exp.ApprovalChain {
		assert.Equal(t, groupID, step.ParallelGroupID)
		assert.Equal(t, 1, step.Level)
		assert.Equal(t, repository.StepPending, step.Status)
	}
}

func TestCompile_SingleStepHasNoGroupID(t *testing.T) {
	f := newEngineFixture(t, []repository.PolicyLevel{
		{Level: 1, Role: "manager", RequiredApprovals: 1},
	})

	exp := f.compile(t, 5000)

	require.Len(t, exp.ApprovalChain, 1)
	assert.Empty(t, exp.ApprovalChain[0].ParallelGroupID)
}

func TestCompile_TerminalExpenseIsRefused(t *testing.T) {
	f := newEngineFixture(t, []repository.PolicyLevel{
		{Level: 1, Role: "manager", RequiredApprovals: 1, AutoApproveBelow: 15000, SLAHours: 24},
	})
	ctx := context.Background()

	exp := f.compile(t, 10000)
	require.Equal(t, repository.ExpenseApproved, exp.Status)

	_, err := f.engine.Compile(ctx, "exp-1")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))

	// The settled expense is untouched.
	stored, err := f.store.GetByID(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, repository.ExpenseApproved, stored.Status)
	assert.Equal(t, 100, stored.ApprovalProgress)
}

func TestCompile_RerunAfterPolicyEdit(t *testing.T) {
	f := newEngineFixture(t, []repository.PolicyLevel{
		{Level: 1, Role: "manager", RequiredApprovals: 1, SLAHours: 24},
	})
	ctx := context.Background()

	exp := f.compile(t, 5000)
	require.Len(t, exp.ApprovalChain, 1)

	f.store.companies["comp-1"].ApprovalPolicy = []repository.PolicyLevel{
		{Level: 1, Role: "manager", RequiredApprovals: 1, SLAHours: 24},
		{Level: 2, Role: "finance", RequiredApprovals: 1, SLAHours: 48},
	}

	exp, err := f.engine.Compile(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, exp.ApprovalChain, 2, "recompilation replaces the chain wholesale")
	assert.Equal(t, "finance", exp.ApprovalChain[1].Role)
	assert.Equal(t, repository.ExpenseUnderReview, exp.Status)
}

// ── Decisions ─────────────────────────────────────────────────────────────────

func TestDecide_RejectsUnknownDecision(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.compile(t, 5000)

	_, err := f.engine.Decide(context.Background(), "exp-1", "mgr-1", "maybe", "")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))
}

func TestDecide_SerialChainAdvances(t *testing.T) {
	f := newEngineFixture(t, []repository.PolicyLevel{
		{Level: 1, Role: "manager", RequiredApprovals: 1, SLAHours: 24},
		{Level: 2, Role: "finance", RequiredApprovals: 1, SLAHours: 48},
	})
	f.compile(t, 5000)
	ctx := context.Background()

	exp, err := f.engine.Decide(ctx, "exp-1", "mgr-1", DecisionApprove, "ok")
	require.NoError(t, err)
	assert.Equal(t, repository.StepApproved, exp.ApprovalChain[0].Status)
	assert.Equal(t, repository.StepPending, exp.ApprovalChain[1].Status)
	assert.Equal(t, repository.ExpenseUnderReview, exp.Status)
	assert.Equal(t, 50, exp.ApprovalProgress)

	exp, err = f.engine.Decide(ctx, "exp-1", "fin-1", DecisionApprove, "ok")
	require.NoError(t, err)
	assert.Equal(t, repository.ExpenseApproved, exp.Status)
	assert.Equal(t, 100, exp.ApprovalProgress)

	final := f.store.auditEntries("exp-1", repository.ActionApproved)
	require.Len(t, final, 2)
	assert.Nil(t, final[0].Metadata)
	assert.Equal(t, true, final[1].Metadata["final"])
}

func TestDecide_QuorumTallyIsCapped(t *testing.T) {
	f := newEngineFixture(t, []repository.PolicyLevel{
		{Level: 1, Role: "manager", RequiredApprovals: 2, SLAHours: 24},
	})
	f.compile(t, 5000)
	ctx := context.Background()

	exp, err := f.engine.Decide(ctx, "exp-1", "mgr-1", DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, 1, exp.ApprovalChain[0].ApprovalsReceived)
	assert.Equal(t, repository.StepPending, exp.ApprovalChain[0].Status)
	assert.Equal(t, repository.ExpenseUnderReview, exp.Status)

	exp, err = f.engine.Decide(ctx, "exp-1", "mgr-1", DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, 2, exp.ApprovalChain[0].ApprovalsReceived)
	assert.Equal(t, repository.StepApproved, exp.ApprovalChain[0].Status)
	assert.Equal(t, repository.ExpenseApproved, exp.Status)

	// The step is resolved; a third approval has nowhere to land.
	_, err = f.engine.Decide(ctx, "exp-1", "mgr-1", DecisionApprove, "")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
}

func TestDecide_AssignedStepLockedToApprover(t *testing.T) {
	f := newEngineFixture(t, []repository.PolicyLevel{
		{Level: 1, Role: "manager", RequiredApprovals: 2, SLAHours: 24},
	})
	f.compile(t, 5000)
	ctx := context.Background()

	_, err := f.engine.Decide(ctx, "exp-1", "mgr-1", DecisionApprove, "")
	require.NoError(t, err)

	// Once assigned, only the same approver can finish the quorum.
	_, err = f.engine.Decide(ctx, "exp-1", "mgr-2", DecisionApprove, "")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
}

func TestDecide_ParallelMajorityAutoCloses(t *testing.T) {
	f := newEngineFixture(t, []repository.PolicyLevel{
		{Level: 1, ParallelRoles: []string{"finance", "audit", "legal"}, RequiredApprovals: 1, SLAHours: 24},
	})
	f.compile(t, 5000)
	ctx := context.Background()

	exp, err := f.engine.Decide(ctx, "exp-1", "fin-1", DecisionApprove, "")
	require.NoError(t, err)
	// 1 of 3 approved: below the 0.6 majority, group stays open.
	assert.Equal(t, repository.StepPending, exp.ApprovalChain[1].Status)
	assert.Equal(t, repository.StepPending, exp.ApprovalChain[2].Status)
	assert.Equal(t, 33, exp.ApprovalProgress)

	exp, err = f.engine.Decide(ctx, "exp-1", "aud-1", DecisionApprove, "")
	require.NoError(t, err)
	// 2 of 3 approved reaches the majority: the straggler is force-closed.
	straggler := exp.ApprovalChain[2]
	assert.Equal(t, repository.StepApproved, straggler.Status)
	assert.True(t, straggler.AutoApproved)
	assert.Equal(t, straggler.RequiredApprovals, straggler.ApprovalsReceived)
	assert.Equal(t, repository.ExpenseApproved, exp.Status)
	assert.Equal(t, 100, exp.ApprovalProgress)
}

func TestDecide_ParallelTwoMembersNeedBoth(t *testing.T) {
	f := newEngineFixture(t, []repository.PolicyLevel{
		{Level: 1, ParallelRoles: []string{"finance", "audit"}, RequiredApprovals: 1, SLAHours: 24},
	})
	f.compile(t, 5000)
	ctx := context.Background()

	exp, err := f.engine.Decide(ctx, "exp-1", "fin-1", DecisionApprove, "")
	require.NoError(t, err)
	// 1 of 2 is 0.5, below the majority ratio; the second member still decides.
	assert.Equal(t, repository.StepPending, exp.ApprovalChain[1].Status)
	assert.Equal(t, repository.ExpenseUnderReview, exp.Status)

	exp, err = f.engine.Decide(ctx, "exp-1", "aud-1", DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, repository.ExpenseApproved, exp.Status)
	assert.False(t, exp.ApprovalChain[1].AutoApproved)
}

func TestDecide_RejectIsTerminal(t *testing.T) {
	f := newEngineFixture(t, []repository.PolicyLevel{
		{Level: 1, Role: "manager", RequiredApprovals: 1, SLAHours: 24},
		{Level: 2, Role: "finance", RequiredApprovals: 1, SLAHours: 24},
	})
	f.compile(t, 5000)
	ctx := context.Background()

	exp, err := f.engine.Decide(ctx, "exp-1", "mgr-1", DecisionReject, "over budget")
	require.NoError(t, err)
	assert.Equal(t, repository.StepRejected, exp.ApprovalChain[0].Status)
	assert.Equal(t, repository.ExpenseRejected, exp.Status)

	// Terminal: the untouched second step no longer accepts decisions.
	_, err = f.engine.Decide(ctx, "exp-1", "fin-1", DecisionApprove, "")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))

	// The chain must be exactly as the rejection left it: no mutation, no
	// approval audit rows on a rejected expense.
	stored, err := f.store.GetByID(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, repository.ExpenseRejected, stored.Status)
	assert.Equal(t, repository.StepPending, stored.ApprovalChain[1].Status)
	assert.Empty(t, f.store.auditEntries("exp-1", repository.ActionApproved))

	rejected := f.store.auditEntries("exp-1", repository.ActionRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "over budget", rejected[0].Comment)
}

func TestDecide_RetriesOnConflict(t *testing.T) {
	f := newEngineFixture(t, []repository.PolicyLevel{
		{Level: 1, Role: "manager", RequiredApprovals: 1, SLAHours: 24},
	})
	f.compile(t, 5000)

	f.store.forceConflicts = 2
	exp, err := f.engine.Decide(context.Background(), "exp-1", "mgr-1", DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, repository.ExpenseApproved, exp.Status)
}

func TestDecide_GivesUpAfterMaxRetries(t *testing.T) {
	f := newEngineFixture(t, []repository.PolicyLevel{
		{Level: 1, Role: "manager", RequiredApprovals: 1, SLAHours: 24},
	})
	f.compile(t, 5000)

	f.store.forceConflicts = 10
	_, err := f.engine.Decide(context.Background(), "exp-1", "mgr-1", DecisionApprove, "")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))
}

func TestDecide_NotifiesEmployee(t *testing.T) {
	f := newEngineFixture(t, []repository.PolicyLevel{
		{Level: 1, Role: "manager", RequiredApprovals: 1, SLAHours: 24},
	})
	f.compile(t, 5000)

	_, err := f.engine.Decide(context.Background(), "exp-1", "mgr-1", DecisionApprove, "")
	require.NoError(t, err)

	events := f.notifier.byType("approval_status_changed")
	require.Len(t, events, 1)
	assert.Equal(t, []string{"emp-1"}, events[0].Recipients)
}

// ── CFO bypass ────────────────────────────────────────────────────────────────

func TestBypass_ForceApprovesWholeChain(t *testing.T) {
	f := newEngineFixture(t, []repository.PolicyLevel{
		{Level: 1, Role: "manager", RequiredApprovals: 1, SLAHours: 24},
		{Level: 2, ParallelRoles: []string{"finance", "audit"}, RequiredApprovals: 1, SLAHours: 24},
	})
	f.compile(t, 5000)

	exp, err := f.engine.Bypass(context.Background(), "exp-1", "cfo-1")
	require.NoError(t, err)

	assert.Equal(t, repository.ExpenseApproved, exp.Status)
	assert.Equal(t, 100, exp.ApprovalProgress)
	for _, step := range exp.ApprovalChain {
		assert.Equal(t, repository.StepApproved, step.Status)
		assert.True(t, step.AutoApproved)
		assert.Equal(t, step.RequiredApprovals, step.ApprovalsReceived)
	}

	entries := f.store.auditEntries("exp-1", repository.ActionCFOBypass)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].Actor)
	assert.Equal(t, "cfo-1", *entries[0].Actor)
}

// ── Escalation sweep ──────────────────────────────────────────────────────────

func TestSweep_FlagsOverdueSteps(t *testing.T) {
	f := newEngineFixture(t, []repository.PolicyLevel{
		{Level: 1, Role: "manager", RequiredApprovals: 1, SLAHours: 24},
	})
	f.compile(t, 5000)
	backdateEscalation(t, f.store, "exp-1")
	ctx := context.Background()

	n, err := f.engine.SweepEscalations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	exp, err := f.store.GetByID(ctx, "exp-1")
	require.NoError(t, err)
	step := exp.ApprovalChain[0]
	assert.True(t, step.Escalated)
	assert.Equal(t, repository.StepPending, step.Status)
	assert.Equal(t, repository.StepDisplayEscalated, step.DisplayStatus())
	assert.NotNil(t, exp.EscalationNotifiedAt)

	entries := f.store.auditEntries("exp-1", repository.ActionEscalated)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].Actor)
	assert.Equal(t, "Automatic escalation triggered", entries[0].Comment)

	events := f.notifier.byType("expense_escalated")
	assert.Len(t, events, 1)
}

func TestSweep_SecondPassIsSilent(t *testing.T) {
	f := newEngineFixture(t, []repository.PolicyLevel{
		{Level: 1, Role: "manager", RequiredApprovals: 1, SLAHours: 24},
	})
	f.compile(t, 5000)
	backdateEscalation(t, f.store, "exp-1")
	ctx := context.Background()

	_, err := f.engine.SweepEscalations(ctx)
	require.NoError(t, err)

	n, err := f.engine.SweepEscalations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "already-escalated steps are not re-flagged")
}

func TestSweep_EscalatedStepStaysDecidable(t *testing.T) {
	f := newEngineFixture(t, []repository.PolicyLevel{
		{Level: 1, Role: "manager", RequiredApprovals: 1, SLAHours: 24},
	})
	f.compile(t, 5000)
	backdateEscalation(t, f.store, "exp-1")
	ctx := context.Background()

	_, err := f.engine.SweepEscalations(ctx)
	require.NoError(t, err)

	exp, err := f.engine.Decide(ctx, "exp-1", "mgr-1", DecisionApprove, "late but fine")
	require.NoError(t, err)
	assert.Equal(t, repository.ExpenseApproved, exp.Status)
}

func TestSweep_SkipsStepsWithinSLA(t *testing.T) {
	f := newEngineFixture(t, []repository.PolicyLevel{
		{Level: 1, Role: "manager", RequiredApprovals: 1, SLAHours: 24},
	})
	f.compile(t, 5000)

	n, err := f.engine.SweepEscalations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// backdateEscalation moves the stored expense's pending SLA deadlines into
// the past, bypassing the engine, so a sweep sees them as overdue.
func backdateEscalation(t *testing.T, store *memStore, expenseID string) {
	t.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	exp, ok := store.expenses[expenseID]
	require.True(t, ok)
	past := time.Now().UTC().Add(-time.Hour)
	for i := range exp.ApprovalChain {
		if exp.ApprovalChain[i].EscalationAt != nil {
			exp.ApprovalChain[i].EscalationAt = &past
		}
	}
}
