package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/akshaya12406-byte/expensemanagement/internal/apperrors"
	"github.com/akshaya12406-byte/expensemanagement/internal/logger"
	"github.com/akshaya12406-byte/expensemanagement/internal/repository"
)

// Roles that can see every expense in a company; everyone else sees only
// their own submissions.
var reviewerRoles = map[string]bool{
	"admin":   true,
	"manager": true,
}

// SubmitExpenseRequest is the payload for a new expense submission.
type SubmitExpenseRequest struct {
	CompanyID   string    `json:"company_id"`
	EmployeeID  string    `json:"employee_id"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	Merchant    string    `json:"merchant"`
	ProjectCode string    `json:"project_code"`
	ExpenseDate time.Time `json:"expense_date"`
}

// ExpenseService handles the expense lifecycle around the approval engine:
// submission, listing, history and workflow views.
type ExpenseService struct {
	expenses  ExpenseStore
	companies CompanyStore
	audits    AuditStore
	engine    *ApprovalEngine
	directory RoleDirectory
	notifier  Notifier
	log       *logger.Logger
}

// NewExpenseService creates a new ExpenseService.
func NewExpenseService(
	expenses ExpenseStore,
	companies CompanyStore,
	audits AuditStore,
	engine *ApprovalEngine,
	directory RoleDirectory,
	notifier Notifier,
	log *logger.Logger,
) *ExpenseService {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &ExpenseService{
		expenses:  expenses,
		companies: companies,
		audits:    audits,
		engine:    engine,
		directory: directory,
		notifier:  notifier,
		log:       log,
	}
}

// ── Submission ────────────────────────────────────────────────────────────────

// Submit validates and stores a new expense, compiles its approval workflow
// and notifies the approvers of the first pending steps.
func (s *ExpenseService) Submit(ctx context.Context, req *SubmitExpenseRequest) (*repository.Expense, error) {
	if err := validateSubmission(req); err != nil {
		return nil, err
	}
	if _, err := s.companies.GetByID(ctx, req.CompanyID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	exp := &repository.Expense{
		CompanyID:   req.CompanyID,
		EmployeeID:  req.EmployeeID,
		Amount:      req.Amount,
		Currency:    strings.ToUpper(req.Currency),
		Category:    req.Category,
		ExpenseDate: req.ExpenseDate,
		Status:      repository.ExpenseSubmitted,
		SubmittedAt: now,
	}
	if req.Description != "" {
		exp.Description = &req.Description
	}
	if req.Merchant != "" {
		exp.Merchant = &req.Merchant
	}
	if req.ProjectCode != "" {
		exp.ProjectCode = &req.ProjectCode
	}

	if err := s.expenses.Create(ctx, exp); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		ExpenseID:      exp.ID,
		CompanyID:      exp.CompanyID,
		Actor:          &exp.EmployeeID,
		Action:         repository.ActionSubmitted,
		PreviousStatus: repository.ExpenseDraft,
		NewStatus:      repository.ExpenseSubmitted,
	})

	compiled, err := s.engine.Compile(ctx, exp.ID)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("expense_id", compiled.ID).
		Str("company_id", compiled.CompanyID).
		Int64("amount", compiled.Amount).
		Str("currency", compiled.Currency).
		Msg("Expense submitted")

	s.notifier.Notify(ctx, Notification{
		EventType:  "expense_submitted",
		CompanyID:  compiled.CompanyID,
		ActorID:    compiled.EmployeeID,
		Recipients: []string{compiled.EmployeeID},
		Title:      "Expense submitted",
		Message:    fmt.Sprintf("Your expense %s was submitted for approval.", compiled.ID),
		Payload:    map[string]any{"expense_id": compiled.ID, "status": compiled.Status},
	})
	s.notifyPendingApprovers(ctx, compiled)

	return compiled, nil
}

func validateSubmission(req *SubmitExpenseRequest) error {
	switch {
	case req.CompanyID == "":
		return apperrors.InvalidInput("company_id", "is required")
	case req.EmployeeID == "":
		return apperrors.InvalidInput("employee_id", "is required")
	case req.Amount <= 0:
		return apperrors.InvalidInput("amount", "must be positive")
	case req.Currency == "":
		return apperrors.InvalidInput("currency", "is required")
	case req.Category == "":
		return apperrors.InvalidInput("category", "is required")
	case req.ExpenseDate.IsZero():
		return apperrors.InvalidInput("expense_date", "is required")
	}
	return nil
}

// notifyPendingApprovers fans an approval_required event out to every user
// holding a pending step's role. Failures are logged, never propagated.
func (s *ExpenseService) notifyPendingApprovers(ctx context.Context, exp *repository.Expense) {
	if s.directory == nil {
		return
	}

	seen := make(map[string]struct{})
	var recipients []string
	for i := range exp.ApprovalChain {
		step := &exp.ApprovalChain[i]
		if step.Status != repository.StepPending {
			continue
		}
		users, err := s.directory.UsersWithRole(ctx, exp.CompanyID, step.Role)
		if err != nil {
			s.log.Warn().Err(err).
				Str("role", step.Role).
				Msg("Could not resolve users for role; skipping notification")
			continue
		}
		for _, id := range users {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				recipients = append(recipients, id)
			}
		}
	}
	if len(recipients) == 0 {
		return
	}

	s.notifier.Notify(ctx, Notification{
		EventType:  "approval_required",
		CompanyID:  exp.CompanyID,
		ActorID:    exp.EmployeeID,
		Recipients: recipients,
		Title:      "Expense awaiting your approval",
		Message:    "An expense requires your attention.",
		Payload:    map[string]any{"expense_id": exp.ID, "amount": exp.Amount, "currency": exp.Currency},
	})
}

// MarkPaid stamps an approved expense as reimbursed. Only approved expenses
// transition to paid; anything else returns Conflict.
func (s *ExpenseService) MarkPaid(ctx context.Context, expenseID string) error {
	exp, err := s.expenses.GetByID(ctx, expenseID)
	if err != nil {
		return err
	}
	if exp.Status != repository.ExpenseApproved {
		return apperrors.Conflict("expense is not in approved status")
	}

	if err := s.expenses.MarkPaid(ctx, expenseID, time.Now().UTC()); err != nil {
		return err
	}

	s.log.Info().
		Str("expense_id", expenseID).
		Msg("Expense marked paid")

	return nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// Get returns one expense.
func (s *ExpenseService) Get(ctx context.Context, expenseID string) (*repository.Expense, error) {
	return s.expenses.GetByID(ctx, expenseID)
}

// List returns a company's expenses visible to the requester: reviewers see
// everything, employees only their own.
func (s *ExpenseService) List(ctx context.Context, companyID, requesterID, role string) ([]*repository.Expense, error) {
	if companyID == "" {
		return nil, apperrors.InvalidInput("company_id", "is required")
	}
	var employeeFilter *string
	if !reviewerRoles[role] {
		employeeFilter = &requesterID
	}
	return s.expenses.List(ctx, companyID, employeeFilter)
}

// History returns the expense's audit trail oldest-first.
func (s *ExpenseService) History(ctx context.Context, expenseID string) ([]*repository.AuditEntry, error) {
	if _, err := s.expenses.GetByID(ctx, expenseID); err != nil {
		return nil, err
	}
	return s.audits.ListByExpense(ctx, expenseID)
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// appendAudit writes a standalone audit entry, logging a warning on failure.
// Entries that are part of a workflow mutation go through the store's
// transactional update instead.
func (s *ExpenseService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.audits.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("expense_id", entry.ExpenseID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}
