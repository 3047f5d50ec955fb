package factory_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/advance-engine/factory"
)

func TestParsePolicy_EmptyBlobYieldsDefaults(t *testing.T) {
	policy, err := factory.ParsePolicy(nil)
	require.NoError(t, err)

	assert.True(t, policy.AutoApproveAdvances)
	assert.True(t, policy.MaxAdvancePercentage.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, 4, policy.MaxAdvancesPerMonth)
	assert.True(t, policy.FeePercentage.Equal(decimal.NewFromInt(4)))
	assert.True(t, policy.FlatFee.IsZero())
}

func TestParsePolicy_PartialBlobKeepsOtherDefaults(t *testing.T) {
	// GIVEN: A blob overriding only the fee
	// THEN: Everything else stays at product defaults

	policy, err := factory.ParsePolicy([]byte(`{"feePercentage":"2.5","flatFee":"10"}`))
	require.NoError(t, err)

	assert.True(t, policy.FeePercentage.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, policy.FlatFee.Equal(decimal.NewFromInt(10)))
	assert.True(t, policy.AutoApproveAdvances)
	assert.Equal(t, 4, policy.MaxAdvancesPerMonth)
}

func TestParsePolicy_ExplicitFalseIsNotDefaulted(t *testing.T) {
	// Pointer fields must distinguish explicit false from absent.
	policy, err := factory.ParsePolicy([]byte(`{"autoApproveAdvances":false}`))
	require.NoError(t, err)
	assert.False(t, policy.AutoApproveAdvances)
}

func TestParsePolicy_ClampsPercentage(t *testing.T) {
	policy, err := factory.ParsePolicy([]byte(`{"maxAdvancePercentage":"250"}`))
	require.NoError(t, err)
	assert.True(t, policy.MaxAdvancePercentage.Equal(decimal.NewFromInt(100)))

	policy, err = factory.ParsePolicy([]byte(`{"maxAdvancePercentage":"-10"}`))
	require.NoError(t, err)
	assert.True(t, policy.MaxAdvancePercentage.IsZero())
}

func TestParsePolicy_IgnoresInvalidValues(t *testing.T) {
	// Non-positive monthly counts and negative fees are ignored in
	// favor of defaults.
	policy, err := factory.ParsePolicy([]byte(`{"maxAdvancesPerMonth":0,"feePercentage":"-1"}`))
	require.NoError(t, err)
	assert.Equal(t, 4, policy.MaxAdvancesPerMonth)
	assert.True(t, policy.FeePercentage.Equal(decimal.NewFromInt(4)))
}

func TestParsePolicy_MalformedJSON(t *testing.T) {
	_, err := factory.ParsePolicy([]byte(`{not json`))
	assert.Error(t, err)
}

func TestEncodeParse_RoundTrip(t *testing.T) {
	original := factory.DefaultPolicy()
	original.FlatFee = decimal.RequireFromString("12.50")
	original.AutoApproveAdvances = false

	raw, err := factory.EncodePolicy(original)
	require.NoError(t, err)

	parsed, err := factory.ParsePolicy(raw)
	require.NoError(t, err)
	assert.Equal(t, original.AutoApproveAdvances, parsed.AutoApproveAdvances)
	assert.True(t, original.FlatFee.Equal(parsed.FlatFee))
	assert.True(t, original.MaxAdvancePercentage.Equal(parsed.MaxAdvancePercentage))
}
