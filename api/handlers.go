/*
handlers.go - HTTP API handlers for the salary-advance engine

PURPOSE:
  Exposes the advance core via REST. Handles HTTP request/response and
  JSON serialization, delegating every decision to the domain layer.

ENDPOINTS:
  Employees:
    POST /api/employees/{id}/advances     Request an advance
    GET  /api/employees/{id}/advances     Advance history
    GET  /api/employees/{id}/dashboard    Wage snapshot + recent advances

  Employers:
    POST  /api/employers                   Seed employer + policy
    POST  /api/employers/{id}/employees    Seed employee
    GET   /api/employers/{id}/dashboard    Stats
    GET   /api/employers/{id}/advances     All advances (?status= filter)

  Advances:
    GET   /api/advances/{id}               Advance details
    GET   /api/advances/{id}/history       Audit trail
    PATCH /api/advances/{id}               Approve or reject (employer)
    POST  /api/advances/{id}/repay         Payroll repayment hook

  Provider callbacks:
    POST /api/mpesa/result                 B2C result (success/failure)
    POST /api/mpesa/timeout                B2C queue timeout
    POST /api/mpesa/query-result           Status query result (logged)
    POST /api/mpesa/query-timeout          Status query timeout (logged)
    GET  /api/mpesa/health                 Webhook liveness

ERROR HANDLING:
  Domain errors map to HTTP statuses:
  - 400: validation errors, policy denials (reason in body)
  - 404: missing employee/employer/advance
  - 409: invalid status transition (race or replay)
  - 502: gateway failure ("payment failed" message; advance is already
         marked failed by the lifecycle service)
  Callback endpoints are the exception: they acknowledge with 200 and
  the provider's Ack body no matter what happened internally.

SECURITY NOTE:
  Authentication/session issuance is an external collaborator; these
  handlers trust the ids in the path.

SEE ALSO:
  - dto.go: request/response structures
  - server.go: router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/advance-engine/advance"
	"github.com/warp/advance-engine/factory"
	"github.com/warp/advance-engine/mpesa"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service    *advance.Service
	Reconciler *advance.Reconciler
	Store      advance.Store
	Directory  advance.Directory
	Logger     *zap.Logger

	CountryCode string
}

// employeeCounter is implemented by stores that can aggregate
// employee counts (the sqlite store does). The memory store used in
// tests does not, so stats degrade gracefully to zero.
type employeeCounter interface {
	CountEmployees(ctx context.Context, id advance.EmployerID) (total, active int, err error)
}

// NewHandler creates a new handler.
func NewHandler(service *advance.Service, reconciler *advance.Reconciler, store advance.Store, directory advance.Directory, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Service:     service,
		Reconciler:  reconciler,
		Store:       store,
		Directory:   directory,
		Logger:      logger,
		CountryCode: "254",
	}
}

// =============================================================================
// EMPLOYEE HANDLERS
// =============================================================================

// RequestAdvance handles an employee's withdrawal request.
func (h *Handler) RequestAdvance(w http.ResponseWriter, r *http.Request) {
	employeeID := advance.EmployeeID(chi.URLParam(r, "id"))

	var req RequestAdvanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	adv, err := h.Service.Request(r.Context(), employeeID, req.Amount)
	if err != nil && !errors.Is(err, advance.ErrGateway) {
		h.writeDomainError(w, err)
		return
	}

	resp := RequestAdvanceResponse{Success: true, Advance: toAdvanceDTO(*adv)}
	switch {
	case errors.Is(err, advance.ErrGateway):
		// The advance is already marked failed; tell the employee
		// plainly instead of leaving them guessing.
		resp.Success = false
		resp.Message = "Payment failed, please try again later."
		writeJSON(w, http.StatusBadGateway, resp)
		return
	case adv.Status == advance.StatusApproved:
		resp.Message = "Advance approved! Money will be sent to your M-Pesa shortly."
	default:
		resp.Message = "Advance request submitted for approval."
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ListEmployeeAdvances returns the employee's full advance history.
func (h *Handler) ListEmployeeAdvances(w http.ResponseWriter, r *http.Request) {
	employeeID := advance.EmployeeID(chi.URLParam(r, "id"))

	if _, err := h.Directory.GetEmployee(r.Context(), employeeID); err != nil {
		h.writeDomainError(w, err)
		return
	}

	advances, err := h.Store.ListAdvancesByEmployeeSince(r.Context(), employeeID, time.Time{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list advances")
		return
	}
	writeJSON(w, http.StatusOK, toAdvanceDTOs(advances))
}

// EmployeeDashboard returns the wage snapshot and recent advances.
func (h *Handler) EmployeeDashboard(w http.ResponseWriter, r *http.Request) {
	employeeID := advance.EmployeeID(chi.URLParam(r, "id"))

	overview, err := h.Service.EmployeeOverview(r.Context(), employeeID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, EmployeeDashboardDTO{
		Earnings: EarningsDTO{
			MonthlySalary:          overview.MonthlySalary.String(),
			EarnedToDate:           overview.EarnedToDate.String(),
			AvailableToWithdraw:    overview.AvailableToWithdraw.String(),
			TotalAdvancedThisMonth: overview.TotalAdvancedThisMonth.String(),
		},
		RecentAdvances: toAdvanceDTOs(overview.RecentAdvances),
	})
}

// =============================================================================
// ADVANCE HANDLERS
// =============================================================================

// GetAdvance returns a single advance.
func (h *Handler) GetAdvance(w http.ResponseWriter, r *http.Request) {
	id := advance.AdvanceID(chi.URLParam(r, "id"))

	adv, err := h.Store.GetAdvance(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAdvanceDTO(*adv))
}

// GetAdvanceHistory returns the advance's audit trail.
func (h *Handler) GetAdvanceHistory(w http.ResponseWriter, r *http.Request) {
	id := advance.AdvanceID(chi.URLParam(r, "id"))

	if _, err := h.Store.GetAdvance(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}

	entries, err := h.Store.ListHistory(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list history")
		return
	}

	dtos := make([]HistoryEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = HistoryEntryDTO{
			From:   string(e.From),
			To:     string(e.To),
			Actor:  e.Actor,
			Reason: e.Reason,
			At:     e.At.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// UpdateAdvanceStatus handles the employer's approve/reject decision.
func (h *Handler) UpdateAdvanceStatus(w http.ResponseWriter, r *http.Request) {
	id := advance.AdvanceID(chi.URLParam(r, "id"))

	var req UpdateAdvanceStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	switch req.Status {
	case string(advance.StatusApproved):
		adv, err := h.Service.Approve(r.Context(), id, "employer")
		if errors.Is(err, advance.ErrGateway) {
			writeJSON(w, http.StatusBadGateway, RequestAdvanceResponse{
				Success: false,
				Advance: toAdvanceDTO(*adv),
				Message: "Advance approved but payment failed",
			})
			return
		}
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, RequestAdvanceResponse{
			Success: true,
			Advance: toAdvanceDTO(*adv),
			Message: "Advance approved and payment initiated",
		})

	case string(advance.StatusCancelled):
		adv, err := h.Service.Reject(r.Context(), id, "employer", req.Reason)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, RequestAdvanceResponse{
			Success: true,
			Advance: toAdvanceDTO(*adv),
			Message: "Advance rejected",
		})

	default:
		writeError(w, http.StatusBadRequest, "Status must be 'approved' or 'cancelled'")
	}
}

// RepayAdvance is the payroll collaborator's hook: the period closed
// and the advance total was deducted from the employee's salary.
func (h *Handler) RepayAdvance(w http.ResponseWriter, r *http.Request) {
	id := advance.AdvanceID(chi.URLParam(r, "id"))

	if err := h.Service.MarkRepaid(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}

	adv, err := h.Store.GetAdvance(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAdvanceDTO(*adv))
}

// =============================================================================
// EMPLOYER HANDLERS
// =============================================================================

// CreateEmployer seeds an employer with its advance policy.
func (h *Handler) CreateEmployer(w http.ResponseWriter, r *http.Request) {
	var req CreateEmployerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.CompanyName == "" {
		writeError(w, http.StatusBadRequest, "company_name is required")
		return
	}

	raw, err := json.Marshal(req.Settings)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid settings")
		return
	}
	policy, err := factory.ParsePolicy(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid settings")
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	employer := advance.Employer{
		ID:          advance.EmployerID(id),
		CompanyName: req.CompanyName,
		Policy:      policy,
		Active:      true,
		CreatedAt:   time.Now(),
	}
	if err := h.Directory.SaveEmployer(r.Context(), employer); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create employer")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// CreateEmployee seeds an employee under an employer. Phone numbers
// are normalized to international format before storage.
func (h *Handler) CreateEmployee(w http.ResponseWriter, r *http.Request) {
	employerID := advance.EmployerID(chi.URLParam(r, "id"))

	if _, err := h.Directory.GetEmployer(r.Context(), employerID); err != nil {
		h.writeDomainError(w, err)
		return
	}

	var req CreateEmployeeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !req.MonthlySalary.IsPositive() {
		writeError(w, http.StatusBadRequest, "monthly_salary must be positive")
		return
	}
	hireDate, err := time.Parse("2006-01-02", req.HireDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid hire_date format (use YYYY-MM-DD)")
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	employee := advance.Employee{
		ID:            advance.EmployeeID(id),
		EmployerID:    employerID,
		FirstName:     req.FirstName,
		LastName:      req.LastName,
		PhoneNumber:   mpesa.FormatPhoneNumber(req.PhoneNumber, h.CountryCode),
		MpesaNumber:   mpesa.FormatPhoneNumber(req.MpesaNumber, h.CountryCode),
		MonthlySalary: req.MonthlySalary,
		HireDate:      hireDate,
		Active:        true,
		CreatedAt:     time.Now(),
	}
	if err := h.Directory.SaveEmployee(r.Context(), employee); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create employee")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// EmployerDashboard returns advance stats for an employer.
func (h *Handler) EmployerDashboard(w http.ResponseWriter, r *http.Request) {
	employerID := advance.EmployerID(chi.URLParam(r, "id"))

	if _, err := h.Directory.GetEmployer(r.Context(), employerID); err != nil {
		h.writeDomainError(w, err)
		return
	}

	advances, err := h.Store.ListAdvancesByEmployer(r.Context(), employerID, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list advances")
		return
	}

	now := time.Now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	totalAmount := decimal.Zero
	stats := EmployerStatsDTO{}
	for _, a := range advances {
		if a.RequestedAt.Before(monthStart) || !a.Status.Counts() {
			continue
		}
		stats.TotalAdvancesThisMonth++
		totalAmount = totalAmount.Add(a.TotalAmount)
	}
	stats.TotalAmountAdvanced = totalAmount.String()

	if counter, ok := h.Directory.(employeeCounter); ok {
		total, active, err := counter.CountEmployees(r.Context(), employerID)
		if err == nil {
			stats.TotalEmployees = total
			stats.ActiveEmployees = active
		}
	}

	writeJSON(w, http.StatusOK, stats)
}

// ListEmployerAdvances returns an employer's advances with an optional
// ?status= filter.
func (h *Handler) ListEmployerAdvances(w http.ResponseWriter, r *http.Request) {
	employerID := advance.EmployerID(chi.URLParam(r, "id"))

	if _, err := h.Directory.GetEmployer(r.Context(), employerID); err != nil {
		h.writeDomainError(w, err)
		return
	}

	var status *advance.Status
	if s := r.URL.Query().Get("status"); s != "" {
		st := advance.Status(s)
		status = &st
	}

	advances, err := h.Store.ListAdvancesByEmployer(r.Context(), employerID, status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list advances")
		return
	}
	writeJSON(w, http.StatusOK, toAdvanceDTOs(advances))
}

// =============================================================================
// PROVIDER CALLBACK HANDLERS
// =============================================================================

// MpesaResult receives the asynchronous B2C outcome. Always
// acknowledges: the provider retries anything that is not an Ack, and
// a reconciliation miss is our problem, not theirs.
func (h *Handler) MpesaResult(w http.ResponseWriter, r *http.Request) {
	var envelope mpesa.ResultEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		h.Logger.Error("undecodable result callback", zap.Error(err))
		writeJSON(w, http.StatusOK, mpesa.AckAccepted())
		return
	}

	if err := h.Reconciler.HandleResult(r.Context(), envelope.Result); err != nil {
		h.Logger.Warn("result callback not reconciled",
			zap.String("conversation_id", envelope.Result.OriginatorConversationID),
			zap.Error(err))
	}
	writeJSON(w, http.StatusOK, mpesa.AckAccepted())
}

// MpesaTimeout receives the B2C queue-timeout notification.
func (h *Handler) MpesaTimeout(w http.ResponseWriter, r *http.Request) {
	var envelope mpesa.ResultEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		h.Logger.Error("undecodable timeout callback", zap.Error(err))
		writeJSON(w, http.StatusOK, mpesa.AckAccepted())
		return
	}

	if err := h.Reconciler.HandleTimeout(r.Context(), envelope.Result); err != nil {
		h.Logger.Warn("timeout callback not reconciled",
			zap.String("conversation_id", envelope.Result.OriginatorConversationID),
			zap.Error(err))
	}
	writeJSON(w, http.StatusOK, mpesa.AckAccepted())
}

// MpesaQueryCallback logs status-query results; they carry no state
// transition of their own.
func (h *Handler) MpesaQueryCallback(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
		h.Logger.Info("status query callback", zap.Any("body", body))
	}
	writeJSON(w, http.StatusOK, mpesa.AckAccepted())
}

// MpesaHealth reports webhook liveness.
func (h *Handler) MpesaHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "M-Pesa webhook endpoints active",
	})
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case advance.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, advance.ErrInvalidTransition):
		writeErrorCode(w, http.StatusConflict, err.Error(), "invalid_transition")
	case advance.IsClientError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.Logger.Error("internal error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeErrorCode(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}
