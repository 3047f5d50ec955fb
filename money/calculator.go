/*
Package money provides the pure wage and fee arithmetic for the
salary-advance engine.

PURPOSE:
  All financial calculations live here as deterministic, side-effect-free
  functions. Wage accrual, advance caps, fees, and net pay are computed
  with exact decimal arithmetic so that totals reconcile to the cent no
  matter how many small amounts are summed.

KEY FUNCTIONS:
  EarnedToDate: linear pro-rata of monthly salary by elapsed days
  MaxAdvance:   cap on total advances as a percentage of earned wages
  AdvanceFee:   percentage fee plus optional flat fee
  NetPay:       gross pay minus deductions

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere, never binary floating point
  2. Purity: no clocks, no stores, no logging; callers supply all inputs
  3. No clamping: NetPay may go negative; preventing over-deduction is
     the caller's job

ACCRUAL MODEL:
  EarnedToDate assumes uniform calendar-day accrual (salary earned
  evenly across every day of the month, weekends included). This is a
  known simplification carried over from the original product; do not
  replace it with a worked-days model without a product decision.

SEE ALSO:
  - advance/eligibility.go: consumes MaxAdvance for admission decisions
  - advance/lifecycle.go: consumes AdvanceFee at advance creation
*/
package money

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// EarnedToDate returns the portion of the monthly salary earned after
// dayOfMonth elapsed days: salary * dayOfMonth / daysInMonth.
func EarnedToDate(monthlySalary decimal.Decimal, dayOfMonth, daysInMonth int) decimal.Decimal {
	if daysInMonth <= 0 {
		return decimal.Zero
	}
	return monthlySalary.
		Mul(decimal.NewFromInt(int64(dayOfMonth))).
		Div(decimal.NewFromInt(int64(daysInMonth)))
}

// MaxAdvance returns the maximum total advance allowed against earned
// wages: earnedToDate * maxPercentage / 100.
func MaxAdvance(earnedToDate decimal.Decimal, maxPercentage decimal.Decimal) decimal.Decimal {
	return earnedToDate.Mul(maxPercentage).Div(hundred)
}

// AdvanceFee returns the fee charged on an advance:
// amount * feePercentage / 100 + flatFee.
// The percentage and flat components are independent and additive.
func AdvanceFee(amount, feePercentage, flatFee decimal.Decimal) decimal.Decimal {
	return amount.Mul(feePercentage).Div(hundred).Add(flatFee)
}

// NetPay returns grossPay - deductions. The result may be zero or
// negative; this function never clamps.
func NetPay(grossPay, deductions decimal.Decimal) decimal.Decimal {
	return grossPay.Sub(deductions)
}

// MustDecimal parses s into a decimal, returning zero on malformed
// input. Intended for trusted literals in wiring and tests.
func MustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
