/*
Package mpesa is the client for the mobile-money provider's B2C API.

PURPOSE:
  Disbursements leave the system through this package: it obtains and
  caches the provider's OAuth bearer token, submits business-to-customer
  payment requests, and defines the callback payload types the
  reconciler consumes.

TOKEN CACHE:
  The provider issues tokens valid for 60 minutes. The client caches
  for 50 and refreshes lazily on expiry, never proactively. The cache
  mutex is held across the refresh HTTP call, so concurrent callers
  never trigger duplicate token fetches.

IDEMPOTENCY:
  The provider's conversation id is the only idempotency token. The
  client keeps no local dedup state; correctness under retries belongs
  to the lifecycle service, which persists the conversation id before
  confirming anything to the requester.

NO INTERNAL RETRIES:
  Authentication and submission failures propagate as hard errors.
  A blind retry here risks a duplicate disbursement; retrying is a
  policy decision for the caller.

USAGE:
  client := mpesa.NewClient(cfg, httpClient, logger)
  resp, err := client.SendMoney(ctx, mpesa.B2CRequest{
      Amount:      amount,
      PhoneNumber: emp.MpesaNumber,
      Remarks:     "Salary advance",
      OccasionRef: string(adv.ID),
  })

SEE ALSO:
  - callback.go: asynchronous result/timeout payload types
  - phone.go: destination number normalization
  - advance/lifecycle.go: the only production caller
*/
package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	// Token validity is 60 minutes; cache for 50 to stay clear of the edge.
	tokenCacheLifetime = 50 * time.Minute

	defaultTimeout = 30 * time.Second
)

// =============================================================================
// CONFIG
// =============================================================================

// Config carries the provider credentials and endpoints.
type Config struct {
	BaseURL            string // e.g. https://sandbox.safaricom.co.ke
	ConsumerKey        string
	ConsumerSecret     string
	Shortcode          string
	InitiatorName      string
	SecurityCredential string
	CallbackBaseURL    string // result/timeout URLs are derived from this
	CountryCode        string // default "254"
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the provider. Construct once at process start and
// inject by reference; the token cache is per-instance mutable state.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewClient creates a provider client. httpClient may be nil, in which
// case a client with a bounded default timeout is used; a call is
// never left pending forever.
func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = "254"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger}
}

// =============================================================================
// AUTHENTICATION - OAuth token with lazy 50-minute cache
// =============================================================================

type authResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// authorize returns a valid bearer token, refreshing it if the cached
// one has expired. The lock is held across the fetch: one refresh in
// flight at a time.
func (c *Client) authorize(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	url := c.cfg.BaseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("auth request: %w", err)
	}
	basic := base64.StdEncoding.EncodeToString(
		[]byte(c.cfg.ConsumerKey + ":" + c.cfg.ConsumerSecret))
	req.Header.Set("Authorization", "Basic "+basic)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Error("provider auth failed",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body))
		return "", fmt.Errorf("auth failed with status %d", resp.StatusCode)
	}

	var auth authResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return "", fmt.Errorf("auth response: %w", err)
	}
	if auth.AccessToken == "" {
		return "", fmt.Errorf("auth response: empty access token")
	}

	c.accessToken = auth.AccessToken
	c.tokenExpiry = time.Now().Add(tokenCacheLifetime)
	return c.accessToken, nil
}

// =============================================================================
// B2C PAYMENT
// =============================================================================

// B2CRequest is a business-to-customer payment order.
type B2CRequest struct {
	Amount      decimal.Decimal // rounded to whole currency units on the wire
	PhoneNumber string          // any local or international format
	Remarks     string
	OccasionRef string // advance id, for traceability
}

// B2CResponse is the provider's synchronous acknowledgment. The
// OriginatorConversationID is the correlation key for the later
// asynchronous result.
type B2CResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

type b2cPayload struct {
	InitiatorName      string `json:"InitiatorName"`
	SecurityCredential string `json:"SecurityCredential"`
	CommandID          string `json:"CommandID"`
	Amount             int64  `json:"Amount"`
	PartyA             string `json:"PartyA"`
	PartyB             string `json:"PartyB"`
	Remarks            string `json:"Remarks"`
	QueueTimeOutURL    string `json:"QueueTimeOutURL"`
	ResultURL          string `json:"ResultURL"`
	Occasion           string `json:"Occasion"`
}

// apiError is the provider's error body on non-2xx responses.
type apiError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// SendMoney submits a B2C payment. The provider does not accept
// fractional units, so the amount is rounded to a whole unit. The
// returned conversation id must be persisted by the caller before the
// result callback can plausibly arrive.
func (c *Client) SendMoney(ctx context.Context, request B2CRequest) (*B2CResponse, error) {
	token, err := c.authorize(ctx)
	if err != nil {
		return nil, err
	}

	payload := b2cPayload{
		InitiatorName:      c.cfg.InitiatorName,
		SecurityCredential: c.cfg.SecurityCredential,
		CommandID:          "BusinessPayment",
		Amount:             request.Amount.Round(0).IntPart(),
		PartyA:             c.cfg.Shortcode,
		PartyB:             normalizeForWire(request.PhoneNumber, c.cfg.CountryCode),
		Remarks:            request.Remarks,
		QueueTimeOutURL:    c.cfg.CallbackBaseURL + "/timeout",
		ResultURL:          c.cfg.CallbackBaseURL + "/result",
		Occasion:           request.OccasionRef,
	}

	var out B2CResponse
	if err := c.post(ctx, token, "/mpesa/b2c/v1/paymentrequest", payload, &out); err != nil {
		return nil, err
	}

	c.logger.Info("b2c payment submitted",
		zap.String("occasion", request.OccasionRef),
		zap.String("conversation_id", out.OriginatorConversationID),
		zap.Int64("amount", payload.Amount))
	return &out, nil
}

// =============================================================================
// TRANSACTION STATUS QUERY
// =============================================================================

type statusQueryPayload struct {
	Initiator          string `json:"Initiator"`
	SecurityCredential string `json:"SecurityCredential"`
	CommandID          string `json:"CommandID"`
	TransactionID      string `json:"TransactionID"`
	PartyA             string `json:"PartyA"`
	IdentifierType     string `json:"IdentifierType"`
	ResultURL          string `json:"ResultURL"`
	QueueTimeOutURL    string `json:"QueueTimeOutURL"`
	Remarks            string `json:"Remarks"`
	Occasion           string `json:"Occasion"`
}

// StatusQueryResponse acknowledges a transaction status query; the
// actual result arrives on the query callback URLs.
type StatusQueryResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// QueryTransactionStatus asks the provider for the state of a
// previously submitted transaction.
func (c *Client) QueryTransactionStatus(ctx context.Context, transactionID string) (*StatusQueryResponse, error) {
	token, err := c.authorize(ctx)
	if err != nil {
		return nil, err
	}

	payload := statusQueryPayload{
		Initiator:          c.cfg.InitiatorName,
		SecurityCredential: c.cfg.SecurityCredential,
		CommandID:          "TransactionStatusQuery",
		TransactionID:      transactionID,
		PartyA:             c.cfg.Shortcode,
		IdentifierType:     "4",
		ResultURL:          c.cfg.CallbackBaseURL + "/query-result",
		QueueTimeOutURL:    c.cfg.CallbackBaseURL + "/query-timeout",
		Remarks:            "Transaction status query",
		Occasion:           "Status check",
	}

	var out StatusQueryResponse
	if err := c.post(ctx, token, "/mpesa/transactionstatus/v1/query", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// HTTP PLUMBING
// =============================================================================

func (c *Client) post(ctx context.Context, token, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+path, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("submit request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.ErrorMessage != "" {
			return fmt.Errorf("%s", apiErr.ErrorMessage)
		}
		c.logger.Error("provider request failed",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", raw))
		return fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
