/*
callback.go - Asynchronous B2C result and timeout payloads

PURPOSE:
  Types for the provider's out-of-band notifications. A payment
  submitted via SendMoney resolves later as a POST to the result URL
  (or the timeout URL if the request sat in the provider's queue too
  long). ResultCode 0 means success; the transaction id arrives in the
  ResultParameters key/value list.

ACKNOWLEDGMENT CONTRACT:
  The provider's retry semantics require callback endpoints to always
  acknowledge receipt, even when the payload matches nothing on our
  side. "We received it" and "we processed it" are deliberately
  different statements.

SEE ALSO:
  - advance/reconcile.go: consumes these payloads
  - api/handlers.go: the HTTP endpoints that decode them
*/
package mpesa

import "fmt"

// ResultCodeSuccess is the provider's success code in result callbacks.
const ResultCodeSuccess = 0

// TransactionIDKey is the ResultParameters key carrying the provider's
// transaction id on successful payments.
const TransactionIDKey = "TransactionID"

// ResultEnvelope is the top-level callback body.
type ResultEnvelope struct {
	Result B2CResult `json:"Result"`
}

// B2CResult is the asynchronous outcome of a B2C payment.
type B2CResult struct {
	ResultType               int              `json:"ResultType"`
	ResultCode               int              `json:"ResultCode"`
	ResultDesc               string           `json:"ResultDesc"`
	OriginatorConversationID string           `json:"OriginatorConversationID"`
	ConversationID           string           `json:"ConversationID"`
	TransactionID            string           `json:"TransactionID"`
	ResultParameters         ResultParameters `json:"ResultParameters"`
}

type ResultParameters struct {
	ResultParameter []ResultParameter `json:"ResultParameter"`
}

type ResultParameter struct {
	Key   string `json:"Key"`
	Value any    `json:"Value"`
}

// Succeeded reports whether the payment completed.
func (r B2CResult) Succeeded() bool {
	return r.ResultCode == ResultCodeSuccess
}

// Parameter returns the string form of a ResultParameters value.
// Numeric values are formatted without a decimal point where possible.
func (r B2CResult) Parameter(key string) (string, bool) {
	for _, p := range r.ResultParameters.ResultParameter {
		if p.Key != key {
			continue
		}
		switch v := p.Value.(type) {
		case string:
			return v, true
		case float64:
			if v == float64(int64(v)) {
				return fmt.Sprintf("%d", int64(v)), true
			}
			return fmt.Sprintf("%v", v), true
		default:
			return fmt.Sprintf("%v", v), true
		}
	}
	return "", false
}

// ProviderTransactionID extracts the transaction id from a successful
// result, preferring the top-level field and falling back to the
// parameter list.
func (r B2CResult) ProviderTransactionID() string {
	if r.TransactionID != "" {
		return r.TransactionID
	}
	if v, ok := r.Parameter(TransactionIDKey); ok {
		return v
	}
	return ""
}

// Ack is the body callback endpoints return to the provider.
type Ack struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// AckAccepted acknowledges receipt regardless of processing outcome.
func AckAccepted() Ack {
	return Ack{ResultCode: 0, ResultDesc: "Accepted"}
}
