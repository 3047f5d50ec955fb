/*
errors.go - Centralized error types for the advance core

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify with errors.Is / errors.As; the API layer maps the
  classes to HTTP statuses.

ERROR CATEGORIES:
  1. Validation errors - malformed request input, rejected before state
  2. Policy denials    - the eligibility engine said no (not a fault)
  3. Transition errors - illegal state change (race or client replay)
  4. Gateway errors    - disbursement initiation/authentication failed
  5. Store errors      - missing records, CAS conflicts

USAGE:
    if errors.Is(err, advance.ErrPolicyDenied) {
        // 400 with the human-readable reason
    }
    var inv *advance.InvalidTransitionError
    if errors.As(err, &inv) { ... }

SEE ALSO:
  - lifecycle.go: raises transition and gateway errors
  - eligibility.go: raises policy denials
  - api/handlers.go: maps these to HTTP responses
*/
package advance

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned for non-positive requested amounts.
	// Rejected before any state is touched.
	ErrInvalidAmount = errors.New("advance amount must be positive")

	// ErrPolicyDenied is the eligibility engine's negative verdict.
	// Always wrapped in a PolicyDeniedError carrying the reason.
	ErrPolicyDenied = errors.New("advance denied by policy")

	// ErrEmployeeNotFound is returned when the referenced employee
	// does not exist.
	ErrEmployeeNotFound = errors.New("employee not found")

	// ErrEmployerNotFound is returned when the referenced employer
	// does not exist.
	ErrEmployerNotFound = errors.New("employer not found")

	// ErrAdvanceNotFound is returned when the referenced advance
	// does not exist.
	ErrAdvanceNotFound = errors.New("advance not found")

	// ErrInvalidTransition is returned when a status change is not in
	// the transition table, or the persisted status no longer matches
	// the expected source state (racing callbacks, client replays).
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStatusConflict is returned by stores when the from-state
	// guard fails: the row's current status differs from the expected
	// one. The lifecycle service converts this into an
	// InvalidTransitionError.
	ErrStatusConflict = errors.New("advance status changed concurrently")

	// ErrGateway is returned when disbursement initiation or provider
	// authentication fails. The advance is always marked failed, never
	// left dangling in approved.
	ErrGateway = errors.New("disbursement gateway error")

	// ErrUnknownConversation is returned when a callback references a
	// correlation id no advance carries. Logged and acknowledged, never
	// surfaced to the provider.
	ErrUnknownConversation = errors.New("no advance for conversation id")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// PolicyDeniedError carries the human-readable denial reason and the
// remaining balance at evaluation time.
type PolicyDeniedError struct {
	Reason           string
	AvailableBalance decimal.Decimal
}

func (e *PolicyDeniedError) Error() string { return e.Reason }

func (e *PolicyDeniedError) Unwrap() error { return ErrPolicyDenied }

// InvalidTransitionError details an attempted illegal status change.
type InvalidTransitionError struct {
	AdvanceID AdvanceID
	From      Status
	To        Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("advance %s: illegal transition %s -> %s", e.AdvanceID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// GatewayError wraps a provider failure with its error text verbatim,
// so the failure reason persisted on the advance matches what the
// provider actually said.
type GatewayError struct {
	Op     string // "authorize", "b2c", "status-query"
	Detail string
	Err    error
}

func (e *GatewayError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("gateway %s: %s", e.Op, e.Detail)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return ErrGateway }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is the caller's fault rather
// than a system failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrPolicyDenied) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEmployeeNotFound) ||
		errors.Is(err, ErrEmployerNotFound) ||
		errors.Is(err, ErrAdvanceNotFound)
}
