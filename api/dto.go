/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types
  decouple the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

AMOUNT ENCODING:
  Amounts marshal as decimal strings ("10400.00"-style), never floats.
  Clients that need numbers parse them; the API never loses cents to
  binary floating point.

SEE ALSO:
  - handlers.go: uses these types
  - factory/policy.go: PolicyJSON embedded in employer payloads
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/advance-engine/advance"
	"github.com/warp/advance-engine/factory"
)

// =============================================================================
// ADVANCE TYPES
// =============================================================================

// AdvanceDTO represents an advance in API responses.
type AdvanceDTO struct {
	ID                  string  `json:"id"`
	EmployeeID          string  `json:"employee_id"`
	EmployerID          string  `json:"employer_id"`
	PayrollPeriodID     string  `json:"payroll_period_id"`
	Amount              string  `json:"amount"`
	Fee                 string  `json:"fee"`
	TotalAmount         string  `json:"total_amount"`
	Status              string  `json:"status"`
	RequestedAt         string  `json:"requested_at"`
	ApprovedAt          *string `json:"approved_at,omitempty"`
	DisbursedAt         *string `json:"disbursed_at,omitempty"`
	FailedAt            *string `json:"failed_at,omitempty"`
	RepaidAt            *string `json:"repaid_at,omitempty"`
	FailureReason       *string `json:"failure_reason,omitempty"`
	MpesaConversationID *string `json:"mpesa_conversation_id,omitempty"`
	MpesaTransactionID  *string `json:"mpesa_transaction_id,omitempty"`
}

// RequestAdvanceRequest is an employee's withdrawal request.
type RequestAdvanceRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// RequestAdvanceResponse wraps the created advance with the message
// the employee sees.
type RequestAdvanceResponse struct {
	Success bool       `json:"success"`
	Advance AdvanceDTO `json:"advance"`
	Message string     `json:"message"`
}

// UpdateAdvanceStatusRequest is the employer's approve/reject action.
type UpdateAdvanceStatusRequest struct {
	Status string `json:"status"` // "approved" or "cancelled"
	Reason string `json:"reason,omitempty"`
}

// HistoryEntryDTO is one audit-trail row.
type HistoryEntryDTO struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
	At     string `json:"at"`
}

// =============================================================================
// DASHBOARD TYPES
// =============================================================================

// EarningsDTO is the employee's wage snapshot.
type EarningsDTO struct {
	MonthlySalary          string `json:"monthly_salary"`
	EarnedToDate           string `json:"earned_to_date"`
	AvailableToWithdraw    string `json:"available_to_withdraw"`
	TotalAdvancedThisMonth string `json:"total_advanced_this_month"`
}

// EmployeeDashboardDTO is the employee dashboard payload.
type EmployeeDashboardDTO struct {
	Earnings       EarningsDTO  `json:"earnings"`
	RecentAdvances []AdvanceDTO `json:"recent_advances"`
}

// EmployerStatsDTO is the employer dashboard payload.
type EmployerStatsDTO struct {
	TotalEmployees         int    `json:"total_employees"`
	ActiveEmployees        int    `json:"active_employees"`
	TotalAdvancesThisMonth int    `json:"total_advances_this_month"`
	TotalAmountAdvanced    string `json:"total_amount_advanced"`
}

// =============================================================================
// DIRECTORY TYPES
// =============================================================================

// CreateEmployerRequest seeds an employer with its advance policy.
type CreateEmployerRequest struct {
	ID          string             `json:"id"`
	CompanyName string             `json:"company_name"`
	Settings    factory.PolicyJSON `json:"settings"`
}

// CreateEmployeeRequest seeds an employee record.
type CreateEmployeeRequest struct {
	ID            string          `json:"id"`
	FirstName     string          `json:"first_name"`
	LastName      string          `json:"last_name"`
	PhoneNumber   string          `json:"phone_number"`
	MpesaNumber   string          `json:"mpesa_number"`
	MonthlySalary decimal.Decimal `json:"monthly_salary"`
	HireDate      string          `json:"hire_date"` // YYYY-MM-DD
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toAdvanceDTO(a advance.Advance) AdvanceDTO {
	return AdvanceDTO{
		ID:                  string(a.ID),
		EmployeeID:          string(a.EmployeeID),
		EmployerID:          string(a.EmployerID),
		PayrollPeriodID:     string(a.PayrollPeriodID),
		Amount:              a.Amount.String(),
		Fee:                 a.Fee.String(),
		TotalAmount:         a.TotalAmount.String(),
		Status:              string(a.Status),
		RequestedAt:         a.RequestedAt.Format(time.RFC3339),
		ApprovedAt:          formatTimePtr(a.ApprovedAt),
		DisbursedAt:         formatTimePtr(a.DisbursedAt),
		FailedAt:            formatTimePtr(a.FailedAt),
		RepaidAt:            formatTimePtr(a.RepaidAt),
		FailureReason:       a.FailureReason,
		MpesaConversationID: a.MpesaConversationID,
		MpesaTransactionID:  a.MpesaTransactionID,
	}
}

func toAdvanceDTOs(advances []advance.Advance) []AdvanceDTO {
	dtos := make([]AdvanceDTO, len(advances))
	for i, a := range advances {
		dtos[i] = toAdvanceDTO(a)
	}
	return dtos
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
