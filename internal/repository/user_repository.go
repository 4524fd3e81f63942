package repository

import (
	"context"

	"github.com/akshaya12406-byte/expensemanagement/internal/apperrors"
	"github.com/akshaya12406-byte/expensemanagement/internal/database"
)

// User is the minimal identity record notification fan-out needs. Actor
// identity and role on requests come from the upstream auth gateway, not
// from this table.
type User struct {
	ID        string
	CompanyID string
	Email     string
	Role      string
}

// UserRepository resolves users by role within a company.
type UserRepository struct {
	db *database.DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db}
}

// UsersWithRole returns the IDs of a company's users holding the given role.
func (r *UserRepository) UsersWithRole(ctx context.Context, companyID, role string) ([]string, error) {
	query := `
		SELECT id
		FROM users
		WHERE company_id = $1 AND role = $2
		ORDER BY email ASC
	`

	rows, err := r.db.Query(ctx, query, companyID, role)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list users by role")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan user id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
