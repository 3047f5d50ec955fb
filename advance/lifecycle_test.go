package advance_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/advance-engine/advance"
	memstore "github.com/warp/advance-engine/advance/store"
	"github.com/warp/advance-engine/mpesa"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// fakeGateway records B2C submissions and returns a canned outcome.
type fakeGateway struct {
	requests []mpesa.B2CRequest
	fail     error
	convSeq  int
}

func (g *fakeGateway) SendMoney(_ context.Context, req mpesa.B2CRequest) (*mpesa.B2CResponse, error) {
	g.requests = append(g.requests, req)
	if g.fail != nil {
		return nil, g.fail
	}
	g.convSeq++
	return &mpesa.B2CResponse{
		OriginatorConversationID: "conv-" + string(rune('0'+g.convSeq)),
		ConversationID:           "AG_conv",
		ResponseCode:             "0",
		ResponseDescription:      "Accept the service request successfully.",
	}, nil
}

type fixture struct {
	store   *memstore.Memory
	gateway *fakeGateway
	service *advance.Service
	ctx     context.Context
}

// midMonth is day 15 of a 30-day month, so exactly half the salary is
// earned in every test.
var midMonth = time.Date(2026, time.June, 15, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, policy advance.EmployerPolicy) *fixture {
	t.Helper()
	st := memstore.NewMemory()
	ctx := context.Background()

	require.NoError(t, st.SaveEmployer(ctx, advance.Employer{
		ID:          "emp-co",
		CompanyName: "Acme Ltd",
		Policy:      policy,
		Active:      true,
	}))
	require.NoError(t, st.SaveEmployee(ctx, advance.Employee{
		ID:            "alice",
		EmployerID:    "emp-co",
		FirstName:     "Alice",
		LastName:      "Wanjiku",
		MpesaNumber:   "+254712345678",
		MonthlySalary: dec("60000"),
		Active:        true,
	}))

	gw := &fakeGateway{}
	svc := advance.NewService(st, st, gw, nil).WithClock(func() time.Time { return midMonth })
	return &fixture{store: st, gateway: gw, service: svc, ctx: ctx}
}

func autoApprovePolicy() advance.EmployerPolicy {
	return advance.EmployerPolicy{
		AutoApproveAdvances:  true,
		MaxAdvancePercentage: dec("50"),
		MaxAdvancesPerMonth:  4,
		FeePercentage:        dec("4"),
		FlatFee:              dec("0"),
	}
}

func manualPolicy() advance.EmployerPolicy {
	p := autoApprovePolicy()
	p.AutoApproveAdvances = false
	return p
}

// =============================================================================
// REQUEST TESTS
// =============================================================================

func TestRequest_AutoApproveDisbursesImmediately(t *testing.T) {
	// GIVEN: 60000 salary mid-month (30000 earned), auto-approve, 4% fee
	// WHEN: Requesting 10000
	// THEN: Advance is approved, fee 400, total 10400, B2C submitted,
	//       conversation id persisted

	f := newFixture(t, autoApprovePolicy())

	adv, err := f.service.Request(f.ctx, "alice", dec("10000"))
	require.NoError(t, err)

	assert.Equal(t, advance.StatusApproved, adv.Status)
	assert.True(t, adv.Fee.Equal(dec("400")), "fee = %s", adv.Fee)
	assert.True(t, adv.TotalAmount.Equal(dec("10400")), "total = %s", adv.TotalAmount)
	require.NotNil(t, adv.ApprovedAt)
	require.NotNil(t, adv.MpesaConversationID)

	require.Len(t, f.gateway.requests, 1)
	assert.Equal(t, "+254712345678", f.gateway.requests[0].PhoneNumber)
	assert.True(t, f.gateway.requests[0].Amount.Equal(dec("10000")))

	stored, err := f.store.GetAdvanceByConversationID(f.ctx, *adv.MpesaConversationID)
	require.NoError(t, err)
	assert.Equal(t, adv.ID, stored.ID)
}

func TestRequest_ManualPolicyStaysPending(t *testing.T) {
	// GIVEN: Auto-approval disabled
	// WHEN: Requesting an advance
	// THEN: It stays pending and nothing reaches the gateway

	f := newFixture(t, manualPolicy())

	adv, err := f.service.Request(f.ctx, "alice", dec("5000"))
	require.NoError(t, err)

	assert.Equal(t, advance.StatusPending, adv.Status)
	assert.Nil(t, adv.ApprovedAt)
	assert.Empty(t, f.gateway.requests)
}

func TestRequest_NonPositiveAmount(t *testing.T) {
	f := newFixture(t, autoApprovePolicy())

	_, err := f.service.Request(f.ctx, "alice", dec("0"))
	assert.ErrorIs(t, err, advance.ErrInvalidAmount)

	_, err = f.service.Request(f.ctx, "alice", dec("-50"))
	assert.ErrorIs(t, err, advance.ErrInvalidAmount)
}

func TestRequest_UnknownEmployee(t *testing.T) {
	f := newFixture(t, autoApprovePolicy())

	_, err := f.service.Request(f.ctx, "nobody", dec("100"))
	assert.ErrorIs(t, err, advance.ErrEmployeeNotFound)
}

func TestRequest_PolicyDenialCarriesReason(t *testing.T) {
	// GIVEN: 15000 headroom (30000 earned * 50%)
	// WHEN: Requesting 20000
	// THEN: PolicyDeniedError with the headroom in the reason

	f := newFixture(t, autoApprovePolicy())

	_, err := f.service.Request(f.ctx, "alice", dec("20000"))
	require.Error(t, err)
	assert.ErrorIs(t, err, advance.ErrPolicyDenied)

	var denied *advance.PolicyDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Contains(t, denied.Reason, "15000")
	assert.True(t, denied.AvailableBalance.Equal(dec("15000")))
	assert.True(t, advance.IsClientError(err))
}

func TestRequest_MonthlyCountEnforcedAcrossRequests(t *testing.T) {
	// GIVEN: Four small advances already taken this month
	// WHEN: Requesting a fifth
	// THEN: Denied by the count rule

	f := newFixture(t, autoApprovePolicy())
	for i := 0; i < 4; i++ {
		_, err := f.service.Request(f.ctx, "alice", dec("100"))
		require.NoError(t, err)
	}

	_, err := f.service.Request(f.ctx, "alice", dec("100"))
	require.ErrorIs(t, err, advance.ErrPolicyDenied)
	var denied *advance.PolicyDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Contains(t, denied.Reason, "maximum of 4 advances")
}

func TestRequest_CancelledAdvanceReleasesCapacity(t *testing.T) {
	// GIVEN: Count limit reached, then one advance is rejected
	// WHEN: Requesting again
	// THEN: Admitted; cancelled advances don't count

	f := newFixture(t, manualPolicy())
	var last *advance.Advance
	for i := 0; i < 4; i++ {
		adv, err := f.service.Request(f.ctx, "alice", dec("100"))
		require.NoError(t, err)
		last = adv
	}
	_, err := f.service.Request(f.ctx, "alice", dec("100"))
	require.ErrorIs(t, err, advance.ErrPolicyDenied)

	_, err = f.service.Reject(f.ctx, last.ID, "employer", "duplicate request")
	require.NoError(t, err)

	_, err = f.service.Request(f.ctx, "alice", dec("100"))
	assert.NoError(t, err)
}

func TestRequest_FeeCountsAgainstCap(t *testing.T) {
	// GIVEN: A 10000 advance whose total (with fee) is 10400
	// WHEN: Checking remaining headroom on the dashboard
	// THEN: Headroom is 15000 - 10400 = 4600, not 5000

	f := newFixture(t, autoApprovePolicy())
	_, err := f.service.Request(f.ctx, "alice", dec("10000"))
	require.NoError(t, err)

	overview, err := f.service.EmployeeOverview(f.ctx, "alice")
	require.NoError(t, err)
	assert.True(t, overview.AvailableToWithdraw.Equal(dec("4600")),
		"available = %s", overview.AvailableToWithdraw)
}

func TestRequest_GatewayFailureMarksFailed(t *testing.T) {
	// GIVEN: The gateway rejects the submission
	// WHEN: Requesting an auto-approved advance
	// THEN: The advance ends failed with the provider's text verbatim,
	//       and the returned error is gateway-classed

	f := newFixture(t, autoApprovePolicy())
	f.gateway.fail = errors.New("The initiator information is invalid.")

	adv, err := f.service.Request(f.ctx, "alice", dec("1000"))
	require.Error(t, err)
	assert.ErrorIs(t, err, advance.ErrGateway)
	require.NotNil(t, adv)
	assert.Equal(t, advance.StatusFailed, adv.Status)
	require.NotNil(t, adv.FailureReason)
	assert.Equal(t, "The initiator information is invalid.", *adv.FailureReason)

	// And the failed advance does not consume monthly capacity.
	overview, err := f.service.EmployeeOverview(f.ctx, "alice")
	require.NoError(t, err)
	assert.True(t, overview.AvailableToWithdraw.Equal(dec("15000")))
}

// =============================================================================
// EMPLOYER ACTION TESTS
// =============================================================================

func TestApprove_PendingAdvanceDisburses(t *testing.T) {
	// GIVEN: A pending advance under a manual policy
	// WHEN: The employer approves it
	// THEN: approved + disbursement initiated

	f := newFixture(t, manualPolicy())
	adv, err := f.service.Request(f.ctx, "alice", dec("5000"))
	require.NoError(t, err)

	approved, err := f.service.Approve(f.ctx, adv.ID, "employer")
	require.NoError(t, err)
	assert.Equal(t, advance.StatusApproved, approved.Status)
	require.NotNil(t, approved.MpesaConversationID)
	assert.Len(t, f.gateway.requests, 1)
}

func TestApprove_TwiceFails(t *testing.T) {
	f := newFixture(t, manualPolicy())
	adv, err := f.service.Request(f.ctx, "alice", dec("5000"))
	require.NoError(t, err)

	_, err = f.service.Approve(f.ctx, adv.ID, "employer")
	require.NoError(t, err)

	_, err = f.service.Approve(f.ctx, adv.ID, "employer")
	assert.ErrorIs(t, err, advance.ErrInvalidTransition)
}

func TestReject_DefaultReason(t *testing.T) {
	// GIVEN: A pending advance
	// WHEN: Rejecting without a reason
	// THEN: Cancelled with the default reason recorded

	f := newFixture(t, manualPolicy())
	adv, err := f.service.Request(f.ctx, "alice", dec("5000"))
	require.NoError(t, err)

	rejected, err := f.service.Reject(f.ctx, adv.ID, "employer", "")
	require.NoError(t, err)
	assert.Equal(t, advance.StatusCancelled, rejected.Status)
	require.NotNil(t, rejected.FailureReason)
	assert.Equal(t, "Rejected by employer", *rejected.FailureReason)
}

func TestReject_DisbursedAdvanceFails(t *testing.T) {
	f := newFixture(t, autoApprovePolicy())
	adv, err := f.service.Request(f.ctx, "alice", dec("1000"))
	require.NoError(t, err)
	require.NoError(t, f.service.MarkDisbursed(f.ctx, adv.ID, "TX1"))

	_, err = f.service.Reject(f.ctx, adv.ID, "employer", "too late")
	assert.ErrorIs(t, err, advance.ErrInvalidTransition)
}

// =============================================================================
// TERMINAL TRANSITION TESTS
// =============================================================================

func TestFullLifecycle_RequestToRepaid(t *testing.T) {
	// GIVEN: An auto-approved, disbursed advance
	// WHEN: Payroll closes the period
	// THEN: repaid, with a complete audit trail

	f := newFixture(t, autoApprovePolicy())
	adv, err := f.service.Request(f.ctx, "alice", dec("10000"))
	require.NoError(t, err)

	require.NoError(t, f.service.MarkDisbursed(f.ctx, adv.ID, "SB123XYZ"))
	require.NoError(t, f.service.MarkRepaid(f.ctx, adv.ID))

	final, err := f.store.GetAdvance(f.ctx, adv.ID)
	require.NoError(t, err)
	assert.Equal(t, advance.StatusRepaid, final.Status)
	require.NotNil(t, final.MpesaTransactionID)
	assert.Equal(t, "SB123XYZ", *final.MpesaTransactionID)
	assert.NotNil(t, final.DisbursedAt)
	assert.NotNil(t, final.RepaidAt)

	history, err := f.store.ListHistory(f.ctx, adv.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, advance.StatusRepaid, history[len(history)-1].To)
}

func TestMarkFailed_TerminalStatesRejected(t *testing.T) {
	// GIVEN: A disbursed advance
	// WHEN: A failure arrives
	// THEN: Rejected; disbursed only transitions to repaid

	f := newFixture(t, autoApprovePolicy())
	adv, err := f.service.Request(f.ctx, "alice", dec("1000"))
	require.NoError(t, err)
	require.NoError(t, f.service.MarkDisbursed(f.ctx, adv.ID, "TX1"))

	err = f.service.MarkFailed(f.ctx, adv.ID, "late failure")
	assert.ErrorIs(t, err, advance.ErrInvalidTransition)

	final, _ := f.store.GetAdvance(f.ctx, adv.ID)
	assert.Equal(t, advance.StatusDisbursed, final.Status)
	assert.Nil(t, final.FailureReason)
}

func TestMarkRepaid_RequiresDisbursed(t *testing.T) {
	f := newFixture(t, manualPolicy())
	adv, err := f.service.Request(f.ctx, "alice", dec("1000"))
	require.NoError(t, err)

	err = f.service.MarkRepaid(f.ctx, adv.ID)
	assert.ErrorIs(t, err, advance.ErrInvalidTransition)
}

// =============================================================================
// READ SIDE TESTS
// =============================================================================

func TestEmployeeOverview_Snapshot(t *testing.T) {
	// GIVEN: 60000 salary mid-month, one 10000 advance taken
	// THEN: earned 30000, advanced 10400, available 4600

	f := newFixture(t, autoApprovePolicy())
	_, err := f.service.Request(f.ctx, "alice", dec("10000"))
	require.NoError(t, err)

	o, err := f.service.EmployeeOverview(f.ctx, "alice")
	require.NoError(t, err)
	assert.True(t, o.MonthlySalary.Equal(dec("60000")))
	assert.True(t, o.EarnedToDate.Equal(dec("30000")))
	assert.True(t, o.TotalAdvancedThisMonth.Equal(dec("10400")))
	assert.True(t, o.AvailableToWithdraw.Equal(dec("4600")))
	assert.Len(t, o.RecentAdvances, 1)
}

func TestEmployeeOverview_AvailableClampedAtZero(t *testing.T) {
	// GIVEN: The cap is fully consumed (fees pushed totals to the cap)
	// THEN: The dashboard shows zero, never a negative number

	f := newFixture(t, autoApprovePolicy())
	// 14423.08 * 1.04 ≈ 15000: consume essentially all headroom.
	_, err := f.service.Request(f.ctx, "alice", dec("14423.08"))
	require.NoError(t, err)

	o, err := f.service.EmployeeOverview(f.ctx, "alice")
	require.NoError(t, err)
	assert.False(t, o.AvailableToWithdraw.IsNegative())
}

// =============================================================================
// STATUS TABLE TESTS
// =============================================================================

func TestStatusTransitionTable(t *testing.T) {
	cases := []struct {
		from, to advance.Status
		ok       bool
	}{
		{advance.StatusPending, advance.StatusApproved, true},
		{advance.StatusPending, advance.StatusCancelled, true},
		{advance.StatusPending, advance.StatusFailed, true},
		{advance.StatusApproved, advance.StatusDisbursed, true},
		{advance.StatusApproved, advance.StatusFailed, true},
		{advance.StatusDisbursed, advance.StatusRepaid, true},
		{advance.StatusDisbursed, advance.StatusFailed, false},
		{advance.StatusRepaid, advance.StatusPending, false},
		{advance.StatusFailed, advance.StatusApproved, false},
		{advance.StatusCancelled, advance.StatusApproved, false},
		{advance.StatusPending, advance.StatusDisbursed, false},
	}
	for _, c := range cases {
		if got := advance.CanTransition(c.from, c.to); got != c.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestStatusCounts(t *testing.T) {
	// Cancelled and failed release monthly capacity; everything else
	// holds it.
	for _, s := range []advance.Status{
		advance.StatusPending, advance.StatusApproved,
		advance.StatusDisbursed, advance.StatusRepaid,
	} {
		assert.True(t, s.Counts(), "%s should count", s)
	}
	for _, s := range []advance.Status{advance.StatusCancelled, advance.StatusFailed} {
		assert.False(t, s.Counts(), "%s should not count", s)
	}
}
