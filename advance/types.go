/*
Package advance contains the core domain of the salary-advance engine.

PURPOSE:
  Owns the Advance entity and everything that decides its fate:
  - Eligibility evaluation (may this employee draw this amount now?)
  - Lifecycle state machine (pending -> approved -> disbursed -> repaid)
  - Callback reconciliation (matching provider results back to advances)

KEY CONCEPTS IN THIS FILE (types.go):
  - Advance: the central entity, append-only history, never deleted
  - Status: closed enumeration with an explicit transition table
  - EmployerPolicy: read-only policy input owned by employer management
  - Employee/Employer: the minimal records the core needs

DESIGN PRINCIPLES:
  1. Precision: amounts are decimal.Decimal, totalAmount = amount + fee
     is computed once at creation and never recomputed
  2. Explicit optionality: timestamps that may be unset are *time.Time,
     never zero-value sentinels
  3. Closed transitions: a status change not listed in the transition
     table is an InvalidTransition error, never a silent overwrite

SEE ALSO:
  - lifecycle.go: the only code that transitions an Advance
  - eligibility.go: advisory admission decisions
  - store.go: persistence contract with the from-state guard
*/
package advance

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AdvanceID string
type EmployeeID string
type EmployerID string
type PeriodID string

// =============================================================================
// STATUS - Closed enumeration with explicit transition table
// =============================================================================

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDisbursed Status = "disbursed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusRepaid    Status = "repaid"
)

// transitions is the complete set of legal status changes. Anything
// not listed here is rejected with InvalidTransition.
var transitions = map[Status][]Status{
	StatusPending:   {StatusApproved, StatusCancelled, StatusFailed},
	StatusApproved:  {StatusDisbursed, StatusFailed},
	StatusDisbursed: {StatusRepaid},
	StatusFailed:    {},
	StatusCancelled: {},
	StatusRepaid:    {},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
// Disbursed is not terminal: repayment still follows.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Counts reports whether an advance in this status consumes monthly
// advance capacity. Cancelled and failed advances release their
// reserved capacity back to the budget.
func (s Status) Counts() bool {
	return s != StatusCancelled && s != StatusFailed
}

// =============================================================================
// ADVANCE - The central entity
// =============================================================================

// Advance is a draw against already-earned wages, repaid by payroll
// deduction and disbursed over the mobile-money network.
//
// TotalAmount == Amount + Fee always; it is fixed at creation.
// The provider's ConversationID is the 1:1 reconciliation key to the
// external disbursement conversation and is persisted before any
// callback can plausibly arrive.
type Advance struct {
	ID              AdvanceID
	EmployeeID      EmployeeID
	EmployerID      EmployerID
	PayrollPeriodID PeriodID

	Amount      decimal.Decimal // requested principal, positive
	Fee         decimal.Decimal // computed at creation, >= 0
	TotalAmount decimal.Decimal // Amount + Fee, exact

	Status Status

	RequestedAt time.Time
	ApprovedAt  *time.Time
	DisbursedAt *time.Time
	FailedAt    *time.Time
	RepaidAt    *time.Time

	// FailureReason is set iff status is failed, or cancelled with a
	// rejection reason.
	FailureReason *string

	// MpesaConversationID is set when disbursement is initiated.
	// MpesaTransactionID is set only on confirmed disbursement.
	MpesaConversationID *string
	MpesaTransactionID  *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// EMPLOYER POLICY - Read-only input owned by employer management
// =============================================================================

// EmployerPolicy configures how advances behave for one employer.
type EmployerPolicy struct {
	AutoApproveAdvances bool
	MaxAdvancePercentage decimal.Decimal // 0-100
	MaxAdvancesPerMonth  int             // positive
	FeePercentage        decimal.Decimal // >= 0
	FlatFee              decimal.Decimal // >= 0, currency units
}

// =============================================================================
// EMPLOYEE / EMPLOYER - Minimal records the core depends on
// =============================================================================

// Employee carries only the fields the advance core reads: the salary
// feeding the wage snapshot and the mobile-money destination.
type Employee struct {
	ID            EmployeeID
	EmployerID    EmployerID
	FirstName     string
	LastName      string
	PhoneNumber   string
	MpesaNumber   string
	MonthlySalary decimal.Decimal
	HireDate      time.Time
	Active        bool
	CreatedAt     time.Time
}

// Employer links a company to its advance policy.
type Employer struct {
	ID          EmployerID
	CompanyName string
	Policy      EmployerPolicy
	Active      bool
	CreatedAt   time.Time
}

// =============================================================================
// HISTORY - Append-only audit trail of status transitions
// =============================================================================

// HistoryEntry records one status transition. Entries are append-only;
// an advance is never deleted, so its full lifecycle stays auditable.
type HistoryEntry struct {
	ID        string
	AdvanceID AdvanceID
	From      Status
	To        Status
	Actor     string // "system", "employer", "provider", "payroll"
	Reason    string
	At        time.Time
}
