package service

import (
	"context"
	"time"

	"github.com/akshaya12406-byte/expensemanagement/internal/repository"
)

// Consumed collaborator interfaces. The concrete pgx repositories satisfy the
// store interfaces; tests run against an in-memory implementation with the
// same compare-and-swap contract.

// ExpenseStore is the persistence boundary for the expense aggregate.
// Update must apply the expense mutation and the audit entries atomically,
// returning Conflict when expectedVersion no longer matches.
type ExpenseStore interface {
	Create(ctx context.Context, exp *repository.Expense) error
	GetByID(ctx context.Context, id string) (*repository.Expense, error)
	List(ctx context.Context, companyID string, employeeID *string) ([]*repository.Expense, error)
	ListEscalationCandidates(ctx context.Context) ([]*repository.Expense, error)
	Update(ctx context.Context, exp *repository.Expense, expectedVersion int64, entries []*repository.AuditEntry) error
	MarkPaid(ctx context.Context, id string, paidAt time.Time) error
}

// CompanyStore resolves the owning company and its ordered approval policy.
type CompanyStore interface {
	GetByID(ctx context.Context, id string) (*repository.Company, error)
}

// AuditStore reads the append-only audit trail. Workflow-transactional writes
// go through ExpenseStore.Update; Append exists for entries outside a
// workflow mutation (e.g. submission).
type AuditStore interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
	ListByExpense(ctx context.Context, expenseID string) ([]*repository.AuditEntry, error)
}

// RoleDirectory resolves the users holding a role within a company, used for
// notification fan-out to pending approvers.
type RoleDirectory interface {
	UsersWithRole(ctx context.Context, companyID, role string) ([]string, error)
}

// RateConverter converts an amount between currencies for threshold checks.
// Conversion itself is an external collaborator; the engine only consumes it.
type RateConverter interface {
	Convert(ctx context.Context, amount int64, from, to string) (int64, error)
}

// IdentityConverter passes amounts through unchanged. Threshold currencies
// matching the expense currency need no conversion; anything else is
// compared at face value until a real rate provider is wired.
type IdentityConverter struct{}

// Convert returns the amount unchanged.
func (IdentityConverter) Convert(_ context.Context, amount int64, _, _ string) (int64, error) {
	return amount, nil
}

// Notification is the payload handed to the dispatcher after a workflow
// transaction commits.
type Notification struct {
	EventType  string
	CompanyID  string
	ActorID    string
	Recipients []string
	Title      string
	Message    string
	Payload    map[string]any
}

// Notifier dispatches notifications fire-and-forget relative to the workflow
// transaction. Implementations must never return the failure to the caller.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NoopNotifier drops all notifications. Used when the event bus is disabled.
type NoopNotifier struct{}

// Notify does nothing.
func (NoopNotifier) Notify(context.Context, Notification) {}
