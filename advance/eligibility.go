/*
eligibility.go - Advisory admission decisions for advance requests

PURPOSE:
  Decides whether a requested withdrawal is allowed given the
  employee's current-month advance activity and the employer's policy.
  Purely advisory: evaluates, never mutates. The lifecycle service
  consumes the decision in its create path.

RULES (first failing rule wins, short-circuit):
  1. Monthly count:  active advances this month >= policy limit
  2. Monthly amount: total advanced this month >= cap
                     (cap = earnedToDate * maxPercentage / 100)
  3. Request size:   requested amount > cap - total advanced

"ACTIVE" ADVANCES:
  Cancelled and failed advances release their reserved capacity back
  to the monthly budget. Callers must exclude them from both the count
  and the total before building the input (Status.Counts helps).

CONSISTENCY NOTE:
  Evaluation reads aggregates that are not linearizable with concurrent
  creates. Under heavy concurrent requests from one employee a narrow
  race can admit one over-limit advance; this is an accepted trade-off.
  Totals themselves are never corrupted because creation goes through
  the store's atomic write path.

SEE ALSO:
  - money/calculator.go: MaxAdvance used for the cap
  - lifecycle.go: builds EligibilityInput and enforces the verdict
*/
package advance

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/advance-engine/money"
)

// =============================================================================
// ELIGIBILITY ENGINE
// =============================================================================

// EligibilityInput is everything the engine needs for one decision.
// Counts and totals must already exclude cancelled/failed advances.
type EligibilityInput struct {
	ActiveAdvanceCountThisMonth int
	MaxAdvancesPerMonth         int
	EarnedToDate                decimal.Decimal
	TotalAdvancedThisMonth      decimal.Decimal
	MaxPercentage               decimal.Decimal
	RequestedAmount             decimal.Decimal
}

// Decision is the engine's verdict. Reason is set iff Admit is false.
// AvailableBalance is the remaining monthly headroom at evaluation
// time (cap minus total advanced), regardless of the verdict.
type Decision struct {
	Admit            bool
	Reason           string
	AvailableBalance decimal.Decimal
}

// Evaluate applies the admission rules in precedence order and returns
// the first failure, or an admit with the remaining balance.
func Evaluate(in EligibilityInput) Decision {
	maxAdvance := money.MaxAdvance(in.EarnedToDate, in.MaxPercentage)
	available := maxAdvance.Sub(in.TotalAdvancedThisMonth)

	if in.ActiveAdvanceCountThisMonth >= in.MaxAdvancesPerMonth {
		return Decision{
			Reason: fmt.Sprintf(
				"You've reached the maximum of %d advances per month",
				in.MaxAdvancesPerMonth),
			AvailableBalance: available,
		}
	}

	if in.TotalAdvancedThisMonth.GreaterThanOrEqual(maxAdvance) {
		return Decision{
			Reason: fmt.Sprintf(
				"You've already advanced the maximum amount (%s%% of earned wages)",
				in.MaxPercentage.String()),
			AvailableBalance: available,
		}
	}

	if in.RequestedAmount.GreaterThan(available) {
		return Decision{
			Reason: fmt.Sprintf(
				"Amount exceeds available balance. You can withdraw up to %s",
				available.String()),
			AvailableBalance: available,
		}
	}

	return Decision{Admit: true, AvailableBalance: available}
}
