package mpesa_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/advance-engine/mpesa"
)

// =============================================================================
// TEST SERVER
// =============================================================================

// providerStub fakes the provider's auth and B2C endpoints.
type providerStub struct {
	authCalls  atomic.Int64
	b2cCalls   atomic.Int64
	lastB2C    map[string]any
	b2cStatus  int
	b2cBody    string
	authHeader string
}

func newProviderStub(t *testing.T) (*providerStub, *httptest.Server) {
	t.Helper()
	stub := &providerStub{b2cStatus: http.StatusOK}
	mux := http.NewServeMux()

	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		stub.authCalls.Add(1)
		stub.authHeader = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]string{
			"access_token": "test-token-123",
			"expires_in":   "3599",
		})
	})

	mux.HandleFunc("/mpesa/b2c/v1/paymentrequest", func(w http.ResponseWriter, r *http.Request) {
		stub.b2cCalls.Add(1)
		assert.Equal(t, "Bearer test-token-123", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		stub.lastB2C = body

		if stub.b2cStatus != http.StatusOK {
			w.WriteHeader(stub.b2cStatus)
			w.Write([]byte(stub.b2cBody))
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"ConversationID":           "AG_20260615_0001",
			"OriginatorConversationID": "29112-34801843-1",
			"ResponseCode":             "0",
			"ResponseDescription":      "Accept the service request successfully.",
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return stub, srv
}

func newTestClient(srv *httptest.Server) *mpesa.Client {
	return mpesa.NewClient(mpesa.Config{
		BaseURL:            srv.URL,
		ConsumerKey:        "ck",
		ConsumerSecret:     "cs",
		Shortcode:          "600000",
		InitiatorName:      "testapi",
		SecurityCredential: "sealed",
		CallbackBaseURL:    "https://example.com/api/mpesa",
		CountryCode:        "254",
	}, srv.Client(), nil)
}

// =============================================================================
// AUTH TESTS
// =============================================================================

func TestSendMoney_TokenFetchedOnceAndCached(t *testing.T) {
	// GIVEN: A fresh client
	// WHEN: Sending two payments
	// THEN: One auth round trip, with Basic credentials

	stub, srv := newProviderStub(t)
	client := newTestClient(srv)
	ctx := context.Background()

	_, err := client.SendMoney(ctx, mpesa.B2CRequest{
		Amount: decimal.NewFromInt(1000), PhoneNumber: "0712345678",
	})
	require.NoError(t, err)
	_, err = client.SendMoney(ctx, mpesa.B2CRequest{
		Amount: decimal.NewFromInt(2000), PhoneNumber: "0712345678",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), stub.authCalls.Load())
	assert.Equal(t, int64(2), stub.b2cCalls.Load())
	// base64("ck:cs")
	assert.Equal(t, "Basic Y2s6Y3M=", stub.authHeader)
}

// =============================================================================
// B2C PAYLOAD TESTS
// =============================================================================

func TestSendMoney_PayloadShape(t *testing.T) {
	// GIVEN: A 10400.50 payment to a locally formatted number
	// WHEN: Submitting
	// THEN: The wire payload carries whole units, digits-only PartyB,
	//       the BusinessPayment command, and derived callback URLs

	stub, srv := newProviderStub(t)
	client := newTestClient(srv)

	resp, err := client.SendMoney(context.Background(), mpesa.B2CRequest{
		Amount:      decimal.RequireFromString("10400.50"),
		PhoneNumber: "0712 345 678",
		Remarks:     "Salary advance for Alice Wanjiku",
		OccasionRef: "adv-123",
	})
	require.NoError(t, err)
	assert.Equal(t, "29112-34801843-1", resp.OriginatorConversationID)

	p := stub.lastB2C
	assert.Equal(t, "BusinessPayment", p["CommandID"])
	assert.Equal(t, float64(10401), p["Amount"]) // rounded, whole units
	assert.Equal(t, "600000", p["PartyA"])
	assert.Equal(t, "254712345678", p["PartyB"])
	assert.Equal(t, "testapi", p["InitiatorName"])
	assert.Equal(t, "sealed", p["SecurityCredential"])
	assert.Equal(t, "https://example.com/api/mpesa/result", p["ResultURL"])
	assert.Equal(t, "https://example.com/api/mpesa/timeout", p["QueueTimeOutURL"])
	assert.Equal(t, "adv-123", p["Occasion"])
}

func TestSendMoney_ProviderErrorSurfacesMessage(t *testing.T) {
	// GIVEN: The provider rejects the payment with its error body
	// THEN: The error carries the provider's message text

	stub, srv := newProviderStub(t)
	stub.b2cStatus = http.StatusBadRequest
	stub.b2cBody = `{"requestId":"1","errorCode":"500.001.1001","errorMessage":"The initiator information is invalid."}`
	client := newTestClient(srv)

	_, err := client.SendMoney(context.Background(), mpesa.B2CRequest{
		Amount: decimal.NewFromInt(100), PhoneNumber: "0712345678",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "The initiator information is invalid.")
}

func TestSendMoney_AuthFailure(t *testing.T) {
	// GIVEN: Auth endpoint returning 401
	// THEN: SendMoney fails before any B2C call

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := newTestClient(srv)
	_, err := client.SendMoney(context.Background(), mpesa.B2CRequest{
		Amount: decimal.NewFromInt(100), PhoneNumber: "0712345678",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth failed")
}
