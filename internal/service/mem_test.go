package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akshaya12406-byte/expensemanagement/internal/apperrors"
	"github.com/akshaya12406-byte/expensemanagement/internal/repository"
)

// In-memory store fakes mirroring the pgx repositories' compare-and-swap
// contract: reads hand out copies, Update commits atomically and returns
// Conflict on a stale version.

type memStore struct {
	mu        sync.Mutex
	expenses  map[string]*repository.Expense
	companies map[string]*repository.Company
	audits    []*repository.AuditEntry

	// forceConflicts makes the next N Update calls fail with Conflict
	// before touching state, to exercise the retry path.
	forceConflicts int
}

func newMemStore() *memStore {
	return &memStore{
		expenses:  make(map[string]*repository.Expense),
		companies: make(map[string]*repository.Company),
	}
}

func cloneExpense(exp *repository.Expense) *repository.Expense {
	b, _ := json.Marshal(exp)
	out := &repository.Expense{}
	_ = json.Unmarshal(b, out)
	return out
}

func (m *memStore) Create(_ context.Context, exp *repository.Expense) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp.ID == "" {
		exp.ID = uuid.NewString()
	}
	if exp.Version == 0 {
		exp.Version = 1
	}
	now := time.Now().UTC()
	exp.CreatedAt = now
	exp.UpdatedAt = now
	m.expenses[exp.ID] = cloneExpense(exp)
	return nil
}

func (m *memStore) GetByID(_ context.Context, id string) (*repository.Expense, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.expenses[id]
	if !ok {
		return nil, apperrors.NotFound("expense", id)
	}
	return cloneExpense(exp), nil
}

func (m *memStore) List(_ context.Context, companyID string, employeeID *string) ([]*repository.Expense, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.Expense
	for _, exp := range m.expenses {
		if exp.CompanyID != companyID {
			continue
		}
		if employeeID != nil && exp.EmployeeID != *employeeID {
			continue
		}
		out = append(out, cloneExpense(exp))
	}
	return out, nil
}

func (m *memStore) ListEscalationCandidates(_ context.Context) ([]*repository.Expense, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.Expense
	for _, exp := range m.expenses {
		if exp.Status != repository.ExpenseSubmitted && exp.Status != repository.ExpenseUnderReview {
			continue
		}
		for i := range exp.ApprovalChain {
			if exp.ApprovalChain[i].Status == repository.StepPending {
				out = append(out, cloneExpense(exp))
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) Update(_ context.Context, exp *repository.Expense, expectedVersion int64, entries []*repository.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forceConflicts > 0 {
		m.forceConflicts--
		return apperrors.Conflict("expense was modified concurrently")
	}
	stored, ok := m.expenses[exp.ID]
	if !ok {
		return apperrors.NotFound("expense", exp.ID)
	}
	if stored.Version != expectedVersion {
		return apperrors.Conflict("expense was modified concurrently")
	}
	exp.Version = expectedVersion + 1
	exp.UpdatedAt = time.Now().UTC()
	m.expenses[exp.ID] = cloneExpense(exp)
	for _, entry := range entries {
		e := *entry
		e.ID = uuid.NewString()
		e.PerformedAt = time.Now().UTC()
		m.audits = append(m.audits, &e)
	}
	return nil
}

func (m *memStore) MarkPaid(_ context.Context, id string, paidAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.expenses[id]
	if !ok {
		return apperrors.NotFound("expense", id)
	}
	if exp.Status != repository.ExpenseApproved {
		return apperrors.Conflict("expense is not in approved status")
	}
	exp.Status = repository.ExpensePaid
	exp.PaidAt = &paidAt
	exp.Version++
	return nil
}

func (m *memStore) GetCompanyByID(_ context.Context, id string) (*repository.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	company, ok := m.companies[id]
	if !ok {
		return nil, apperrors.NotFound("company", id)
	}
	c := *company
	return &c, nil
}

func (m *memStore) Append(_ context.Context, entry *repository.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := *entry
	e.ID = uuid.NewString()
	e.PerformedAt = time.Now().UTC()
	m.audits = append(m.audits, &e)
	return nil
}

func (m *memStore) ListByExpense(_ context.Context, expenseID string) ([]*repository.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.AuditEntry
	for _, entry := range m.audits {
		if entry.ExpenseID == expenseID {
			e := *entry
			out = append(out, &e)
		}
	}
	return out, nil
}

func (m *memStore) auditEntries(expenseID, action string) []*repository.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.AuditEntry
	for _, entry := range m.audits {
		if entry.ExpenseID == expenseID && entry.Action == action {
			out = append(out, entry)
		}
	}
	return out
}

// companyStoreAdapter exposes the memStore's company records under the
// CompanyStore and CompanyAdminStore interfaces.
type companyStoreAdapter struct{ *memStore }

func (a companyStoreAdapter) GetByID(ctx context.Context, id string) (*repository.Company, error) {
	return a.GetCompanyByID(ctx, id)
}

func (a companyStoreAdapter) Create(_ context.Context, c *repository.Company) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	stored := *c
	a.companies[c.ID] = &stored
	return nil
}

func (a companyStoreAdapter) UpdatePolicy(_ context.Context, id string, policy []repository.PolicyLevel) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	company, ok := a.companies[id]
	if !ok {
		return apperrors.NotFound("company", id)
	}
	company.ApprovalPolicy = policy
	company.UpdatedAt = time.Now().UTC()
	return nil
}

// recordNotifier captures dispatched notifications for assertions.
type recordNotifier struct {
	mu     sync.Mutex
	events []Notification
}

func (n *recordNotifier) Notify(_ context.Context, event Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordNotifier) byType(eventType string) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Notification
	for _, event := range n.events {
		if event.EventType == eventType {
			out = append(out, event)
		}
	}
	return out
}

// staticDirectory resolves roles from a fixed map keyed by role name.
type staticDirectory map[string][]string

func (d staticDirectory) UsersWithRole(_ context.Context, _, role string) ([]string, error) {
	return d[role], nil
}
