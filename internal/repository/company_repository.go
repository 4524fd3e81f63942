package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/akshaya12406-byte/expensemanagement/internal/apperrors"
	"github.com/akshaya12406-byte/expensemanagement/internal/database"
)

// CompanyRepository handles companies and their approval policies. The policy
// is a JSONB array of levels, replaced wholesale on edit.
type CompanyRepository struct {
	db *database.DB
}

// NewCompanyRepository creates a new CompanyRepository.
func NewCompanyRepository(db *database.DB) *CompanyRepository {
	return &CompanyRepository{db: db}
}

// Create inserts a company.
func (r *CompanyRepository) Create(ctx context.Context, c *Company) error {
	policyJSON, err := marshalPolicy(c.ApprovalPolicy)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO companies (name, currency, approval_policy)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query, c.Name, c.Currency, policyJSON).
		Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

// GetByID retrieves a company and its ordered policy.
func (r *CompanyRepository) GetByID(ctx context.Context, id string) (*Company, error) {
	query := `
		SELECT id, name, currency, approval_policy, created_at, updated_at
		FROM companies
		WHERE id = $1
	`

	c := &Company{}
	var policyJSON []byte
	err := r.db.QueryRow(ctx, query, id).Scan(
		&c.ID,
		&c.Name,
		&c.Currency,
		&policyJSON,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("company", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get company")
	}

	if policyJSON != nil {
		if err := json.Unmarshal(policyJSON, &c.ApprovalPolicy); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal approval policy")
		}
	}
	return c, nil
}

// UpdatePolicy replaces a company's approval policy. Existing expenses keep
// their compiled chains; re-running compilation picks up the new policy.
func (r *CompanyRepository) UpdatePolicy(ctx context.Context, id string, policy []PolicyLevel) error {
	policyJSON, err := marshalPolicy(policy)
	if err != nil {
		return err
	}

	query := `
		UPDATE companies
		SET approval_policy = $2,
		    updated_at      = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err = r.db.QueryRow(ctx, query, id, policyJSON).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NotFound("company", id)
	}
	return err
}

func marshalPolicy(policy []PolicyLevel) ([]byte, error) {
	if policy == nil {
		policy = []PolicyLevel{}
	}
	data, err := json.Marshal(policy)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal approval policy")
	}
	return data, nil
}
