/*
lifecycle.go - The advance lifecycle state machine

PURPOSE:
  Owns every status transition an advance can make, from request
  through disbursement, failure, and repayment. Nothing else in the
  system writes advance status.

REQUEST FLOW:
  ┌──────────────────────────────────────────────────────────────────┐
  │                                                                  │
  │  Employee        Eligibility        Create          Disburse     │
  │  requests   ──▶  evaluation   ──▶   advance   ──▶   (if auto-    │
  │                                                      approved)   │
  │                                        │                         │
  │                                        ▼                         │
  │                         pending ──▶ approved ──▶ disbursed       │
  │                            │            │            │           │
  │                        cancelled     failed        repaid        │
  │                                                                  │
  └──────────────────────────────────────────────────────────────────┘

UNIFIED DISBURSEMENT PATH:
  Auto-approval at request time and employer manual approval both run
  the same approved-then-disburse transition. There is exactly one
  code path that talks to the gateway.

CONCURRENCY:
  Every transition is a compare-and-set against the expected source
  status (see store.go). A duplicate callback or a timeout racing a
  late success loses the CAS and surfaces as InvalidTransition instead
  of clobbering a terminal state.

GATEWAY FAILURES:
  A failed initiation (auth or submission) marks the advance failed
  with the provider's error text verbatim, atomically with the error
  being raised. An advance is never left approved with a dangling
  unconfirmed disbursement.

SEE ALSO:
  - eligibility.go: the admission rules applied at request time
  - reconcile.go: drives MarkDisbursed/MarkFailed from callbacks
  - mpesa/client.go: the gateway implementation
*/
package advance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/advance-engine/money"
	"github.com/warp/advance-engine/mpesa"
)

// =============================================================================
// GATEWAY - Disbursement boundary
// =============================================================================

// Gateway initiates mobile-money disbursements. Implemented by
// mpesa.Client; faked in tests. A nil gateway means disbursement is
// disabled and approved advances stay approved.
type Gateway interface {
	SendMoney(ctx context.Context, req mpesa.B2CRequest) (*mpesa.B2CResponse, error)
}

// =============================================================================
// SERVICE
// =============================================================================

// Service is the lifecycle state machine. Construct once and share;
// all state lives in the store.
type Service struct {
	store     Store
	directory Directory
	gateway   Gateway
	logger    *zap.Logger
	now       func() time.Time
}

// NewService wires the lifecycle service. gateway may be nil to
// disable disbursement (advances then stop at approved).
func NewService(store Store, directory Directory, gateway Gateway, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		directory: directory,
		gateway:   gateway,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// =============================================================================
// REQUEST - Create an advance (entry point of the whole engine)
// =============================================================================

// Request validates and admits a new advance for an employee. When the
// employer's policy auto-approves, the advance is created directly in
// approved (no observable pending window) and disbursement is
// initiated.
//
// On a gateway failure the advance is already marked failed; the
// returned *Advance reflects that terminal state alongside the
// ErrGateway-classed error so callers can surface "payment failed,
// try again later" without leaving anything ambiguous.
func (s *Service) Request(ctx context.Context, employeeID EmployeeID, amount decimal.Decimal) (*Advance, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	emp, err := s.directory.GetEmployee(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	employer, err := s.directory.GetEmployer(ctx, emp.EmployerID)
	if err != nil {
		return nil, err
	}
	policy := employer.Policy

	// Period wage snapshot: linear accrual over calendar days.
	now := s.now()
	earned := money.EarnedToDate(emp.MonthlySalary, now.Day(), daysInMonth(now))

	count, total, err := s.monthlyActivity(ctx, employeeID, now)
	if err != nil {
		return nil, err
	}

	decision := Evaluate(EligibilityInput{
		ActiveAdvanceCountThisMonth: count,
		MaxAdvancesPerMonth:         policy.MaxAdvancesPerMonth,
		EarnedToDate:                earned,
		TotalAdvancedThisMonth:      total,
		MaxPercentage:               policy.MaxAdvancePercentage,
		RequestedAmount:             amount,
	})
	if !decision.Admit {
		return nil, &PolicyDeniedError{
			Reason:           decision.Reason,
			AvailableBalance: decision.AvailableBalance,
		}
	}

	// Fee and total are fixed here, once, and never recomputed.
	fee := money.AdvanceFee(amount, policy.FeePercentage, policy.FlatFee)
	adv := &Advance{
		ID:              AdvanceID(uuid.NewString()),
		EmployeeID:      emp.ID,
		EmployerID:      emp.EmployerID,
		PayrollPeriodID: currentPeriodID(now),
		Amount:          amount,
		Fee:             fee,
		TotalAmount:     amount.Add(fee),
		Status:          StatusPending,
		RequestedAt:     now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if policy.AutoApproveAdvances {
		adv.Status = StatusApproved
		approvedAt := now
		adv.ApprovedAt = &approvedAt
	}

	if err := s.store.CreateAdvance(ctx, adv); err != nil {
		return nil, fmt.Errorf("create advance: %w", err)
	}
	s.appendHistory(ctx, adv.ID, "", adv.Status, "employee", "advance requested")

	s.logger.Info("advance created",
		zap.String("advance_id", string(adv.ID)),
		zap.String("employee_id", string(emp.ID)),
		zap.String("status", string(adv.Status)),
		zap.String("amount", adv.Amount.String()),
		zap.String("fee", adv.Fee.String()))

	if adv.Status == StatusApproved && s.gateway != nil {
		if err := s.disburse(ctx, adv, emp); err != nil {
			return adv, err
		}
	}
	return adv, nil
}

// =============================================================================
// EMPLOYER ACTIONS - Manual approval and rejection
// =============================================================================

// Approve transitions a pending advance to approved on employer action
// and initiates disbursement as part of the same transition.
func (s *Service) Approve(ctx context.Context, id AdvanceID, actor string) (*Advance, error) {
	adv, err := s.store.GetAdvance(ctx, id)
	if err != nil {
		return nil, err
	}
	if adv.Status != StatusPending {
		return nil, &InvalidTransitionError{AdvanceID: id, From: adv.Status, To: StatusApproved}
	}

	approvedAt := s.now()
	err = s.store.UpdateStatus(ctx, id, StatusPending, StatusApproved, StatusUpdate{
		ApprovedAt: &approvedAt,
	})
	if err != nil {
		return nil, s.transitionErr(err, id, StatusPending, StatusApproved)
	}
	s.appendHistory(ctx, id, StatusPending, StatusApproved, actor, "approved by employer")

	adv.Status = StatusApproved
	adv.ApprovedAt = &approvedAt

	if s.gateway != nil {
		emp, err := s.directory.GetEmployee(ctx, adv.EmployeeID)
		if err != nil {
			return nil, err
		}
		if err := s.disburse(ctx, adv, emp); err != nil {
			return adv, err
		}
	}
	return adv, nil
}

// Reject cancels a pending advance with an optional reason. Only legal
// while the advance is still pending.
func (s *Service) Reject(ctx context.Context, id AdvanceID, actor, reason string) (*Advance, error) {
	if reason == "" {
		reason = "Rejected by employer"
	}
	adv, err := s.store.GetAdvance(ctx, id)
	if err != nil {
		return nil, err
	}
	if adv.Status != StatusPending {
		return nil, &InvalidTransitionError{AdvanceID: id, From: adv.Status, To: StatusCancelled}
	}

	err = s.store.UpdateStatus(ctx, id, StatusPending, StatusCancelled, StatusUpdate{
		FailureReason: &reason,
	})
	if err != nil {
		return nil, s.transitionErr(err, id, StatusPending, StatusCancelled)
	}
	s.appendHistory(ctx, id, StatusPending, StatusCancelled, actor, reason)

	adv.Status = StatusCancelled
	adv.FailureReason = &reason
	return adv, nil
}

// =============================================================================
// PROVIDER-DRIVEN TRANSITIONS - Called by the reconciler
// =============================================================================

// MarkDisbursed finalizes a successful disbursement: approved ->
// disbursed, recording the provider's transaction id.
func (s *Service) MarkDisbursed(ctx context.Context, id AdvanceID, providerTxID string) error {
	disbursedAt := s.now()
	err := s.store.UpdateStatus(ctx, id, StatusApproved, StatusDisbursed, StatusUpdate{
		DisbursedAt:        &disbursedAt,
		MpesaTransactionID: &providerTxID,
	})
	if err != nil {
		return s.transitionErr(err, id, StatusApproved, StatusDisbursed)
	}
	s.appendHistory(ctx, id, StatusApproved, StatusDisbursed, "provider", "disbursement confirmed")
	return nil
}

// MarkFailed moves a pending or approved advance to failed. The reason
// is mandatory and stored verbatim.
func (s *Service) MarkFailed(ctx context.Context, id AdvanceID, reason string) error {
	if reason == "" {
		reason = "disbursement failed"
	}
	adv, err := s.store.GetAdvance(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(adv.Status, StatusFailed) {
		return &InvalidTransitionError{AdvanceID: id, From: adv.Status, To: StatusFailed}
	}

	failedAt := s.now()
	err = s.store.UpdateStatus(ctx, id, adv.Status, StatusFailed, StatusUpdate{
		FailedAt:      &failedAt,
		FailureReason: &reason,
	})
	if err != nil {
		return s.transitionErr(err, id, adv.Status, StatusFailed)
	}
	s.appendHistory(ctx, id, adv.Status, StatusFailed, "provider", reason)
	return nil
}

// MarkRepaid closes out a disbursed advance when payroll deducts it.
func (s *Service) MarkRepaid(ctx context.Context, id AdvanceID) error {
	repaidAt := s.now()
	err := s.store.UpdateStatus(ctx, id, StatusDisbursed, StatusRepaid, StatusUpdate{
		RepaidAt: &repaidAt,
	})
	if err != nil {
		return s.transitionErr(err, id, StatusDisbursed, StatusRepaid)
	}
	s.appendHistory(ctx, id, StatusDisbursed, StatusRepaid, "payroll", "repaid via payroll deduction")
	return nil
}

// =============================================================================
// DISBURSEMENT - The single path to the gateway
// =============================================================================

// disburse submits the B2C payment for an approved advance. The
// conversation id is persisted before returning so the reconciler can
// always match the callback. No internal retry: a retry here could pay
// the employee twice.
func (s *Service) disburse(ctx context.Context, adv *Advance, emp *Employee) error {
	resp, err := s.gateway.SendMoney(ctx, mpesa.B2CRequest{
		Amount:      adv.Amount,
		PhoneNumber: emp.MpesaNumber,
		Remarks:     fmt.Sprintf("Salary advance for %s %s", emp.FirstName, emp.LastName),
		OccasionRef: string(adv.ID),
	})
	if err != nil {
		gwErr := &GatewayError{Op: "b2c", Detail: err.Error(), Err: err}
		if failErr := s.MarkFailed(ctx, adv.ID, err.Error()); failErr != nil {
			s.logger.Error("failed to mark advance failed after gateway error",
				zap.String("advance_id", string(adv.ID)), zap.Error(failErr))
		} else {
			adv.Status = StatusFailed
			reason := err.Error()
			adv.FailureReason = &reason
		}
		return gwErr
	}

	if err := s.store.SetConversationID(ctx, adv.ID, resp.OriginatorConversationID); err != nil {
		return fmt.Errorf("store conversation id: %w", err)
	}
	adv.MpesaConversationID = &resp.OriginatorConversationID

	s.logger.Info("disbursement initiated",
		zap.String("advance_id", string(adv.ID)),
		zap.String("conversation_id", resp.OriginatorConversationID))
	return nil
}

// =============================================================================
// READ SIDE - Dashboard aggregates
// =============================================================================

// Overview is the employee-facing summary of wages and headroom.
type Overview struct {
	MonthlySalary          decimal.Decimal
	EarnedToDate           decimal.Decimal
	TotalAdvancedThisMonth decimal.Decimal
	AvailableToWithdraw    decimal.Decimal // clamped at zero, display only
	RecentAdvances         []Advance
}

// EmployeeOverview computes the dashboard figures for an employee.
func (s *Service) EmployeeOverview(ctx context.Context, employeeID EmployeeID) (*Overview, error) {
	emp, err := s.directory.GetEmployee(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	employer, err := s.directory.GetEmployer(ctx, emp.EmployerID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	earned := money.EarnedToDate(emp.MonthlySalary, now.Day(), daysInMonth(now))

	_, total, err := s.monthlyActivity(ctx, employeeID, now)
	if err != nil {
		return nil, err
	}

	available := money.MaxAdvance(earned, employer.Policy.MaxAdvancePercentage).Sub(total)
	if available.IsNegative() {
		available = decimal.Zero
	}

	recent, err := s.store.ListAdvancesByEmployeeSince(ctx, employeeID, time.Time{})
	if err != nil {
		return nil, err
	}
	if len(recent) > 10 {
		recent = recent[:10]
	}

	return &Overview{
		MonthlySalary:          emp.MonthlySalary,
		EarnedToDate:           earned,
		TotalAdvancedThisMonth: total,
		AvailableToWithdraw:    available,
		RecentAdvances:         recent,
	}, nil
}

// monthlyActivity returns the count and TotalAmount sum of the
// employee's active advances in the current calendar month. Cancelled
// and failed advances release their capacity and are excluded.
func (s *Service) monthlyActivity(ctx context.Context, employeeID EmployeeID, now time.Time) (int, decimal.Decimal, error) {
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	advances, err := s.store.ListAdvancesByEmployeeSince(ctx, employeeID, monthStart)
	if err != nil {
		return 0, decimal.Zero, fmt.Errorf("list monthly advances: %w", err)
	}

	count := 0
	total := decimal.Zero
	for _, a := range advances {
		if !a.Status.Counts() {
			continue
		}
		count++
		total = total.Add(a.TotalAmount)
	}
	return count, total, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) appendHistory(ctx context.Context, id AdvanceID, from, to Status, actor, reason string) {
	err := s.store.AppendHistory(ctx, HistoryEntry{
		ID:        uuid.NewString(),
		AdvanceID: id,
		From:      from,
		To:        to,
		Actor:     actor,
		Reason:    reason,
		At:        s.now(),
	})
	if err != nil {
		// History is audit, not control flow; a failed append must not
		// roll back a committed transition.
		s.logger.Error("append history failed",
			zap.String("advance_id", string(id)), zap.Error(err))
	}
}

// transitionErr converts a store CAS conflict into the domain's
// InvalidTransition error, preserving other failures.
func (s *Service) transitionErr(err error, id AdvanceID, from, to Status) error {
	if errors.Is(err, ErrStatusConflict) {
		return &InvalidTransitionError{AdvanceID: id, From: from, To: to}
	}
	return err
}

func daysInMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}

// currentPeriodID derives the payroll period reference for a request
// time. Period management itself is an external collaborator; the core
// only tags advances with the month they belong to.
func currentPeriodID(t time.Time) PeriodID {
	return PeriodID(t.Format("2006-01"))
}
