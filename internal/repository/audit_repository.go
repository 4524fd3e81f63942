package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/akshaya12406-byte/expensemanagement/internal/apperrors"
	"github.com/akshaya12406-byte/expensemanagement/internal/database"
)

// AuditRepository appends and reads immutable approval audit entries. The
// table carries a delete-prevention trigger, so append is the only mutation
// exposed. Entries written as part of a workflow mutation go through
// ExpenseRepository.Update so they share its transaction.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit entry outside any workflow transaction.
func (r *AuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return insertAuditTx(ctx, tx, entry)
	})
}

// ListByExpense returns the full audit trail for an expense oldest-first.
func (r *AuditRepository) ListByExpense(ctx context.Context, expenseID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, expense_id, company_id, actor, action, level,
		       comment, metadata, previous_status, new_status, performed_at
		FROM approval_audit_log
		WHERE expense_id = $1
		ORDER BY performed_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, expenseID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get audit trail")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		var metadataJSON []byte
		err := rows.Scan(
			&entry.ID,
			&entry.ExpenseID,
			&entry.CompanyID,
			&entry.Actor,
			&entry.Action,
			&entry.Level,
			&entry.Comment,
			&metadataJSON,
			&entry.PreviousStatus,
			&entry.NewStatus,
			&entry.PerformedAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan audit entry")
		}
		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal audit metadata")
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// insertAuditTx appends one entry inside tx. Shared with
// ExpenseRepository.Update so audit writes commit or abort with the workflow
// mutation they record.
func insertAuditTx(ctx context.Context, tx pgx.Tx, entry *AuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO approval_audit_log
		    (expense_id, company_id, actor, action, level,
		     comment, metadata, previous_status, new_status)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9)
		RETURNING id, performed_at
	`

	err := tx.QueryRow(ctx, query,
		entry.ExpenseID,
		entry.CompanyID,
		entry.Actor,
		entry.Action,
		entry.Level,
		entry.Comment,
		metadataJSON,
		entry.PreviousStatus,
		entry.NewStatus,
	).Scan(&entry.ID, &entry.PerformedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}
