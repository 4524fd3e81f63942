package service

import (
	"context"
	"strings"

	"github.com/akshaya12406-byte/expensemanagement/internal/apperrors"
	"github.com/akshaya12406-byte/expensemanagement/internal/logger"
	"github.com/akshaya12406-byte/expensemanagement/internal/repository"
)

// CompanyAdminStore is the persistence boundary for company administration.
type CompanyAdminStore interface {
	Create(ctx context.Context, c *repository.Company) error
	GetByID(ctx context.Context, id string) (*repository.Company, error)
	UpdatePolicy(ctx context.Context, id string, policy []repository.PolicyLevel) error
}

// CreateCompanyRequest is the payload for registering a company.
type CreateCompanyRequest struct {
	Name     string                   `json:"name"`
	Currency string                   `json:"currency"`
	Policy   []repository.PolicyLevel `json:"approval_policy"`
}

// CompanyService manages companies and their approval policies. A policy
// edit never touches compiled chains; re-running compilation on an open
// expense picks up the new ladder.
type CompanyService struct {
	companies CompanyAdminStore
	log       *logger.Logger
}

// NewCompanyService creates a new CompanyService.
func NewCompanyService(companies CompanyAdminStore, log *logger.Logger) *CompanyService {
	return &CompanyService{companies: companies, log: log}
}

// Create registers a company with its initial approval policy.
func (s *CompanyService) Create(ctx context.Context, req *CreateCompanyRequest) (*repository.Company, error) {
	if req.Name == "" {
		return nil, apperrors.InvalidInput("name", "is required")
	}
	if req.Currency == "" {
		return nil, apperrors.InvalidInput("currency", "is required")
	}
	if err := validatePolicy(req.Policy); err != nil {
		return nil, err
	}

	c := &repository.Company{
		Name:           req.Name,
		Currency:       strings.ToUpper(req.Currency),
		ApprovalPolicy: req.Policy,
	}
	if err := s.companies.Create(ctx, c); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("company_id", c.ID).
		Int("policy_levels", len(c.ApprovalPolicy)).
		Msg("Company created")

	return c, nil
}

// Get returns one company with its ordered policy.
func (s *CompanyService) Get(ctx context.Context, id string) (*repository.Company, error) {
	if id == "" {
		return nil, apperrors.InvalidInput("id", "is required")
	}
	return s.companies.GetByID(ctx, id)
}

// UpdatePolicy replaces the company's approval ladder wholesale.
func (s *CompanyService) UpdatePolicy(ctx context.Context, id string, policy []repository.PolicyLevel) error {
	if id == "" {
		return apperrors.InvalidInput("id", "is required")
	}
	if err := validatePolicy(policy); err != nil {
		return err
	}
	if err := s.companies.UpdatePolicy(ctx, id, policy); err != nil {
		return err
	}

	s.log.Info().
		Str("company_id", id).
		Int("policy_levels", len(policy)).
		Msg("Approval policy updated")

	return nil
}

func validatePolicy(policy []repository.PolicyLevel) error {
	for i := range policy {
		level := &policy[i]
		if level.Level < 1 {
			return apperrors.InvalidInput("approval_policy", "levels must be numbered from 1")
		}
		if level.Role == "" && len(level.ParallelRoles) == 0 {
			return apperrors.InvalidInput("approval_policy", "each level needs a role or parallel_roles")
		}
		if level.ThresholdAmount < 0 || level.AutoApproveBelow < 0 {
			return apperrors.InvalidInput("approval_policy", "amounts must not be negative")
		}
		if level.SLAHours < 0 {
			return apperrors.InvalidInput("approval_policy", "sla_hours must not be negative")
		}
	}
	return nil
}
