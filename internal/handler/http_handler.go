package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/akshaya12406-byte/expensemanagement/internal/apperrors"
	"github.com/akshaya12406-byte/expensemanagement/internal/logger"
	"github.com/akshaya12406-byte/expensemanagement/internal/repository"
	"github.com/akshaya12406-byte/expensemanagement/internal/service"
)

// HTTPHandler exposes the expense and approval workflow operations. Actor
// identity and role arrive in X-Actor-ID / X-Actor-Role headers, set by the
// upstream auth gateway; authentication itself is outside this service.
type HTTPHandler struct {
	expenses  *service.ExpenseService
	companies *service.CompanyService
	engine    *service.ApprovalEngine
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(expenses *service.ExpenseService, companies *service.CompanyService, engine *service.ApprovalEngine, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		expenses:  expenses,
		companies: companies,
		engine:    engine,
		log:       log,
	}
}

// SubmitExpense handles expense submission requests.
func (h *HTTPHandler) SubmitExpense(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CompanyID   string `json:"company_id"`
		Amount      int64  `json:"amount"`
		Currency    string `json:"currency"`
		Category    string `json:"category"`
		Description string `json:"description"`
		Merchant    string `json:"merchant"`
		ProjectCode string `json:"project_code"`
		ExpenseDate string `json:"expense_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}

	expenseDate, err := time.Parse("2006-01-02", req.ExpenseDate)
	if err != nil {
		writeError(w, apperrors.InvalidInput("expense_date", "must be YYYY-MM-DD"))
		return
	}

	exp, err := h.expenses.Submit(r.Context(), &service.SubmitExpenseRequest{
		CompanyID:   req.CompanyID,
		EmployeeID:  actorID(r),
		Amount:      req.Amount,
		Currency:    req.Currency,
		Category:    req.Category,
		Description: req.Description,
		Merchant:    req.Merchant,
		ProjectCode: req.ProjectCode,
		ExpenseDate: expenseDate,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"expense_id":     exp.ID,
		"status":         exp.Status,
		"submitted_at":   exp.SubmittedAt,
		"approval_chain": chainView(exp),
	})
}

// ListExpenses handles expense listing requests.
func (h *HTTPHandler) ListExpenses(w http.ResponseWriter, r *http.Request) {
	companyID := r.URL.Query().Get("company_id")
	if companyID == "" {
		writeError(w, apperrors.InvalidInput("company_id", "is required"))
		return
	}

	expenses, err := h.expenses.List(r.Context(), companyID, actorID(r), actorRole(r))
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]map[string]any, 0, len(expenses))
	for _, exp := range expenses {
		items = append(items, map[string]any{
			"id":                exp.ID,
			"employee_id":       exp.EmployeeID,
			"amount":            exp.Amount,
			"currency":          exp.Currency,
			"category":          exp.Category,
			"status":            exp.Status,
			"approval_progress": exp.ApprovalProgress,
			"expense_date":      exp.ExpenseDate,
			"created_at":        exp.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"expenses": items})
}

// GetExpense handles single-expense lookups.
func (h *HTTPHandler) GetExpense(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, apperrors.InvalidInput("id", "is required"))
		return
	}

	exp, err := h.expenses.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, expenseView(exp))
}

// BuildWorkflow handles on-demand workflow compilation requests.
func (h *HTTPHandler) BuildWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, apperrors.InvalidInput("id", "is required"))
		return
	}

	exp, err := h.engine.Compile(r.Context(), req.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"expense_id":     exp.ID,
		"workflow_graph": exp.WorkflowGraph,
		"approval_chain": chainView(exp),
	})
}

// Decide handles approve/reject decisions.
func (h *HTTPHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       string `json:"id"`
		Decision string `json:"decision"`
		Comment  string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, apperrors.InvalidInput("id", "is required"))
		return
	}
	// Validated at the boundary so malformed literals never reach the engine.
	if req.Decision != service.DecisionApprove && req.Decision != service.DecisionReject {
		writeError(w, apperrors.InvalidInput("decision", "must be approve or reject"))
		return
	}

	exp, err := h.engine.Decide(r.Context(), req.ID, actorID(r), req.Decision, req.Comment)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"expense_id":        exp.ID,
		"status":            exp.Status,
		"approval_chain":    chainView(exp),
		"approval_progress": exp.ApprovalProgress,
	})
}

// Bypass handles CFO bypass requests. Role restriction happens at the auth
// gateway; this handler only requires a known actor.
func (h *HTTPHandler) Bypass(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, apperrors.InvalidInput("id", "is required"))
		return
	}

	exp, err := h.engine.Bypass(r.Context(), req.ID, actorID(r))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"expense_id":     exp.ID,
		"status":         exp.Status,
		"approval_chain": chainView(exp),
	})
}

// MarkPaid stamps an approved expense as reimbursed.
func (h *HTTPHandler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, apperrors.InvalidInput("id", "is required"))
		return
	}

	if err := h.expenses.MarkPaid(r.Context(), req.ID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"expense_id": req.ID,
		"status":     repository.ExpensePaid,
	})
}

// History returns the expense's audit trail.
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, apperrors.InvalidInput("id", "is required"))
		return
	}

	entries, err := h.expenses.History(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"id":           entry.ID,
			"actor":        entry.Actor,
			"action":       entry.Action,
			"level":        entry.Level,
			"comment":      entry.Comment,
			"metadata":     entry.Metadata,
			"performed_at": entry.PerformedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": items})
}

// WorkflowView returns the workflow graph, chain and progress.
func (h *HTTPHandler) WorkflowView(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, apperrors.InvalidInput("id", "is required"))
		return
	}

	exp, err := h.expenses.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_graph":    exp.WorkflowGraph,
		"approval_progress": exp.ApprovalProgress,
		"approval_chain":    chainView(exp),
	})
}

// CreateCompany registers a company with its initial approval policy.
func (h *HTTPHandler) CreateCompany(w http.ResponseWriter, r *http.Request) {
	var req service.CreateCompanyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}

	company, err := h.companies.Create(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, companyView(company))
}

// GetCompany returns one company and its approval policy.
func (h *HTTPHandler) GetCompany(w http.ResponseWriter, r *http.Request) {
	company, err := h.companies.Get(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, companyView(company))
}

// UpdateCompanyPolicy replaces a company's approval ladder. Compiled chains
// on open expenses are untouched; recompiling them picks up the new policy.
func (h *HTTPHandler) UpdateCompanyPolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     string                   `json:"id"`
		Policy []repository.PolicyLevel `json:"approval_policy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, apperrors.InvalidInput("id", "is required"))
		return
	}

	if err := h.companies.UpdatePolicy(r.Context(), req.ID, req.Policy); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"company_id":    req.ID,
		"policy_levels": len(req.Policy),
	})
}

// ── response shaping ──────────────────────────────────────────────────────────

func companyView(c *repository.Company) map[string]any {
	return map[string]any{
		"id":              c.ID,
		"name":            c.Name,
		"currency":        c.Currency,
		"approval_policy": c.ApprovalPolicy,
		"created_at":      c.CreatedAt,
		"updated_at":      c.UpdatedAt,
	}
}

func expenseView(exp *repository.Expense) map[string]any {
	return map[string]any{
		"id":                exp.ID,
		"company_id":        exp.CompanyID,
		"employee_id":       exp.EmployeeID,
		"amount":            exp.Amount,
		"currency":          exp.Currency,
		"category":          exp.Category,
		"description":       exp.Description,
		"merchant":          exp.Merchant,
		"project_code":      exp.ProjectCode,
		"expense_date":      exp.ExpenseDate,
		"status":            exp.Status,
		"approval_chain":    chainView(exp),
		"approval_progress": exp.ApprovalProgress,
		"workflow_graph":    exp.WorkflowGraph,
		"submitted_at":      exp.SubmittedAt,
		"paid_at":           exp.PaidAt,
	}
}

// chainView serializes steps with their four-state display status so
// escalation is visible to API consumers.
func chainView(exp *repository.Expense) []map[string]any {
	steps := make([]map[string]any, 0, len(exp.ApprovalChain))
	for i := range exp.ApprovalChain {
		step := &exp.ApprovalChain[i]
		steps = append(steps, map[string]any{
			"level":              step.Level,
			"parallel_group_id":  step.ParallelGroupID,
			"role":               step.Role,
			"approver":           step.Approver,
			"approvers":          step.Approvers,
			"required_approvals": step.RequiredApprovals,
			"approvals_received": step.ApprovalsReceived,
			"status":             step.DisplayStatus(),
			"auto_approved":      step.AutoApproved,
			"escalation_at":      step.EscalationAt,
			"decision_at":        step.DecisionAt,
			"decision_comment":   step.DecisionComment,
		})
	}
	return steps
}

func actorID(r *http.Request) string {
	return r.Header.Get("X-Actor-ID")
}

func actorRole(r *http.Request) string {
	return r.Header.Get("X-Actor-Role")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperrors.HTTPStatus(err), map[string]string{"message": err.Error()})
}
