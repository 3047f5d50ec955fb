/*
Package factory converts employer settings JSON into typed policies.

PURPOSE:
  Employer policy configuration is stored as a JSON settings blob owned
  by the employer-management collaborator. This package is the single
  place that blob is parsed, validated, and defaulted into the core's
  typed EmployerPolicy. No other code touches the raw JSON.

DEFAULTS:
  Fields absent from the blob fall back to the product defaults:
    autoApproveAdvances  true
    maxAdvancePercentage 50
    maxAdvancesPerMonth  4
    feePercentage        4
    flatFee              0

VALIDATION:
  Percentages are clamped into sane ranges at parse time so a corrupt
  settings row cannot admit advances above earned wages.

SEE ALSO:
  - advance/types.go: EmployerPolicy
  - store/sqlite/sqlite.go: persists the settings blob
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/advance-engine/advance"
)

// =============================================================================
// SETTINGS JSON - The wire/storage shape of employer policy
// =============================================================================

// PolicyJSON mirrors the employer settings blob. Pointer fields
// distinguish "absent, use default" from an explicit zero.
type PolicyJSON struct {
	AutoApproveAdvances  *bool            `json:"autoApproveAdvances,omitempty"`
	MaxAdvancePercentage *decimal.Decimal `json:"maxAdvancePercentage,omitempty"`
	MaxAdvancesPerMonth  *int             `json:"maxAdvancesPerMonth,omitempty"`
	FeePercentage        *decimal.Decimal `json:"feePercentage,omitempty"`
	FlatFee              *decimal.Decimal `json:"flatFee,omitempty"`
}

// DefaultPolicy returns the product's default advance policy.
func DefaultPolicy() advance.EmployerPolicy {
	return advance.EmployerPolicy{
		AutoApproveAdvances:  true,
		MaxAdvancePercentage: decimal.NewFromInt(50),
		MaxAdvancesPerMonth:  4,
		FeePercentage:        decimal.NewFromInt(4),
		FlatFee:              decimal.Zero,
	}
}

// ParsePolicy decodes a settings blob into a typed policy, applying
// defaults for absent fields. An empty blob yields the full defaults.
func ParsePolicy(raw []byte) (advance.EmployerPolicy, error) {
	policy := DefaultPolicy()
	if len(raw) == 0 {
		return policy, nil
	}

	var js PolicyJSON
	if err := json.Unmarshal(raw, &js); err != nil {
		return policy, fmt.Errorf("parse employer settings: %w", err)
	}

	if js.AutoApproveAdvances != nil {
		policy.AutoApproveAdvances = *js.AutoApproveAdvances
	}
	if js.MaxAdvancePercentage != nil {
		policy.MaxAdvancePercentage = clampPercentage(*js.MaxAdvancePercentage)
	}
	if js.MaxAdvancesPerMonth != nil && *js.MaxAdvancesPerMonth > 0 {
		policy.MaxAdvancesPerMonth = *js.MaxAdvancesPerMonth
	}
	if js.FeePercentage != nil && !js.FeePercentage.IsNegative() {
		policy.FeePercentage = *js.FeePercentage
	}
	if js.FlatFee != nil && !js.FlatFee.IsNegative() {
		policy.FlatFee = *js.FlatFee
	}
	return policy, nil
}

// EncodePolicy serializes a typed policy back into the settings blob.
func EncodePolicy(p advance.EmployerPolicy) ([]byte, error) {
	js := PolicyJSON{
		AutoApproveAdvances:  &p.AutoApproveAdvances,
		MaxAdvancePercentage: &p.MaxAdvancePercentage,
		MaxAdvancesPerMonth:  &p.MaxAdvancesPerMonth,
		FeePercentage:        &p.FeePercentage,
		FlatFee:              &p.FlatFee,
	}
	return json.Marshal(js)
}

func clampPercentage(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	if d.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.NewFromInt(100)
	}
	return d
}
