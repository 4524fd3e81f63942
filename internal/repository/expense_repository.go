package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/akshaya12406-byte/expensemanagement/internal/apperrors"
	"github.com/akshaya12406-byte/expensemanagement/internal/database"
)

// ExpenseRepository persists expenses. The approval chain and workflow graph
// live as JSONB on the expense row; every workflow mutation is a single
// versioned UPDATE so concurrent writers either see the fully-applied prior
// mutation or lose the compare-and-swap and retry.
type ExpenseRepository struct {
	db *database.DB
}

// NewExpenseRepository creates a new ExpenseRepository.
func NewExpenseRepository(db *database.DB) *ExpenseRepository {
	return &ExpenseRepository{db: db}
}

const expenseColumns = `
	id, company_id, employee_id, amount, currency, category,
	description, merchant, project_code, expense_date,
	status, approval_chain, current_approval_level, approval_progress,
	escalation_notified_at, workflow_graph,
	submitted_at, paid_at, version, created_at, updated_at`

// Create inserts a new expense at version 1 with an empty approval chain.
func (r *ExpenseRepository) Create(ctx context.Context, exp *Expense) error {
	chainJSON, graphJSON, err := marshalWorkflow(exp)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO expenses
		    (company_id, employee_id, amount, currency, category,
		     description, merchant, project_code, expense_date,
		     status, approval_chain, current_approval_level, approval_progress,
		     workflow_graph, submitted_at, version)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10::expense_status, $11, $12, $13,
		        $14, $15, 1)
		RETURNING id, version, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		exp.CompanyID,
		exp.EmployeeID,
		exp.Amount,
		exp.Currency,
		exp.Category,
		exp.Description,
		exp.Merchant,
		exp.ProjectCode,
		exp.ExpenseDate,
		exp.Status,
		chainJSON,
		exp.CurrentApprovalLevel,
		exp.ApprovalProgress,
		graphJSON,
		exp.SubmittedAt,
	).Scan(&exp.ID, &exp.Version, &exp.CreatedAt, &exp.UpdatedAt)
}

// GetByID retrieves an expense by primary key.
func (r *ExpenseRepository) GetByID(ctx context.Context, id string) (*Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses WHERE id = $1`

	exp, err := r.scanExpense(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("expense", id)
	}
	return exp, err
}

// List returns a company's expenses newest-first. When employeeID is set,
// only that employee's expenses are returned.
func (r *ExpenseRepository) List(ctx context.Context, companyID string, employeeID *string) ([]*Expense, error) {
	query := `SELECT ` + expenseColumns + `
		FROM expenses
		WHERE company_id = $1
		  AND ($2::text IS NULL OR employee_id = $2)
		ORDER BY expense_date DESC, created_at DESC`

	rows, err := r.db.Query(ctx, query, companyID, employeeID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list expenses")
	}
	defer rows.Close()

	var expenses []*Expense
	for rows.Next() {
		exp, err := r.scanExpense(rows)
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, exp)
	}
	return expenses, rows.Err()
}

// ListEscalationCandidates returns non-terminal expenses that still carry at
// least one pending step. Deadline checks happen in the engine, against the
// unmarshaled chain.
func (r *ExpenseRepository) ListEscalationCandidates(ctx context.Context) ([]*Expense, error) {
	query := `SELECT ` + expenseColumns + `
		FROM expenses
		WHERE status IN ('submitted', 'under_review')
		  AND approval_chain @> '[{"status": "pending"}]'
		ORDER BY submitted_at ASC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list escalation candidates")
	}
	defer rows.Close()

	var expenses []*Expense
	for rows.Next() {
		exp, err := r.scanExpense(rows)
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, exp)
	}
	return expenses, rows.Err()
}

// Update persists a workflow mutation and its audit entries in one
// transaction, guarded by optimistic compare-and-swap on the version column.
// A version mismatch returns Conflict and writes nothing; a failed audit
// append aborts the expense update with it.
func (r *ExpenseRepository) Update(ctx context.Context, exp *Expense, expectedVersion int64, entries []*AuditEntry) error {
	chainJSON, graphJSON, err := marshalWorkflow(exp)
	if err != nil {
		return err
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE expenses
			SET status                 = $3::expense_status,
			    approval_chain         = $4,
			    current_approval_level = $5,
			    approval_progress      = $6,
			    escalation_notified_at = $7,
			    workflow_graph         = $8,
			    paid_at                = $9,
			    version                = version + 1,
			    updated_at             = NOW()
			WHERE id = $1 AND version = $2
			RETURNING version, updated_at
		`

		err := tx.QueryRow(ctx, query,
			exp.ID,
			expectedVersion,
			exp.Status,
			chainJSON,
			exp.CurrentApprovalLevel,
			exp.ApprovalProgress,
			exp.EscalationNotifiedAt,
			graphJSON,
			exp.PaidAt,
		).Scan(&exp.Version, &exp.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.Conflict("expense was modified concurrently")
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update expense")
		}

		for _, entry := range entries {
			if err := insertAuditTx(ctx, tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkPaid stamps a fully-approved expense as reimbursed.
func (r *ExpenseRepository) MarkPaid(ctx context.Context, id string, paidAt time.Time) error {
	query := `
		UPDATE expenses
		SET status     = 'paid'::expense_status,
		    paid_at    = $2,
		    version    = version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'approved'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, paidAt).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.Conflict("expense is not in approved status")
	}
	return err
}

// ── scan & marshal helpers ────────────────────────────────────────────────────

func marshalWorkflow(exp *Expense) (chainJSON, graphJSON []byte, err error) {
	chain := exp.ApprovalChain
	if chain == nil {
		chain = []ApprovalStep{}
	}
	chainJSON, err = json.Marshal(chain)
	if err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal approval chain")
	}
	graphJSON, err = json.Marshal(exp.WorkflowGraph)
	if err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal workflow graph")
	}
	return chainJSON, graphJSON, nil
}

type expenseScanner interface {
	Scan(dest ...any) error
}

func (r *ExpenseRepository) scanExpense(row expenseScanner) (*Expense, error) {
	exp := &Expense{}
	var chainJSON, graphJSON []byte

	err := row.Scan(
		&exp.ID,
		&exp.CompanyID,
		&exp.EmployeeID,
		&exp.Amount,
		&exp.Currency,
		&exp.Category,
		&exp.Description,
		&exp.Merchant,
		&exp.ProjectCode,
		&exp.ExpenseDate,
		&exp.Status,
		&chainJSON,
		&exp.CurrentApprovalLevel,
		&exp.ApprovalProgress,
		&exp.EscalationNotifiedAt,
		&graphJSON,
		&exp.SubmittedAt,
		&exp.PaidAt,
		&exp.Version,
		&exp.CreatedAt,
		&exp.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if chainJSON != nil {
		if err := json.Unmarshal(chainJSON, &exp.ApprovalChain); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal approval chain")
		}
	}
	if graphJSON != nil {
		if err := json.Unmarshal(graphJSON, &exp.WorkflowGraph); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal workflow graph")
		}
	}
	return exp, nil
}
