/*
store.go - Persistence contract for advances

PURPOSE:
  Defines the interface between the domain logic and the database.
  Different implementations can use SQLite, PostgreSQL, or in-memory
  storage. Two invariants are the store's to enforce:

FROM-STATE GUARD:
  UpdateStatus is a compare-and-set: the write succeeds only if the
  row's current status equals the expected source status, otherwise
  ErrStatusConflict. Two racing callbacks, or a timeout racing a late
  success, can therefore never produce contradictory terminal states.
  There is no blind "set status" write anywhere.

NEVER DELETE:
  Advances are never deleted. Every transition appends a HistoryEntry;
  the history table is append-only (no update, no delete).

IMPLEMENTATIONS:
  - store/sqlite: production store (CAS via UPDATE ... WHERE status=?)
  - advance/store: in-memory store for tests and development

SEE ALSO:
  - lifecycle.go: the only caller of UpdateStatus
  - store/sqlite/sqlite.go: concrete implementation
*/
package advance

import (
	"context"
	"time"
)

// =============================================================================
// STATUS UPDATE - Fields set alongside a transition
// =============================================================================

// StatusUpdate carries the fields written atomically with a status
// change. Nil fields are left untouched; each timestamp is set at most
// once over an advance's life.
type StatusUpdate struct {
	ApprovedAt         *time.Time
	DisbursedAt        *time.Time
	FailedAt           *time.Time
	RepaidAt           *time.Time
	FailureReason      *string
	MpesaTransactionID *string
}

// =============================================================================
// STORE - Advance persistence
// =============================================================================

// Store handles advance persistence. All mutations to a given advance
// are serialized by the from-state guard on UpdateStatus.
type Store interface {
	// CreateAdvance persists a new advance row.
	CreateAdvance(ctx context.Context, a *Advance) error

	// GetAdvance returns the advance or ErrAdvanceNotFound.
	GetAdvance(ctx context.Context, id AdvanceID) (*Advance, error)

	// GetAdvanceByConversationID resolves the provider correlation key
	// back to an advance, or ErrUnknownConversation.
	GetAdvanceByConversationID(ctx context.Context, conversationID string) (*Advance, error)

	// SetConversationID stores the provider correlation key. Must be
	// persisted before the initiating call returns to its caller.
	SetConversationID(ctx context.Context, id AdvanceID, conversationID string) error

	// UpdateStatus transitions id from -> to, applying fields in the
	// same write. Returns ErrStatusConflict if the current status is
	// not from, ErrAdvanceNotFound if the row is missing.
	UpdateStatus(ctx context.Context, id AdvanceID, from, to Status, fields StatusUpdate) error

	// ListAdvancesByEmployeeSince returns the employee's advances
	// requested at or after since, newest first.
	ListAdvancesByEmployeeSince(ctx context.Context, id EmployeeID, since time.Time) ([]Advance, error)

	// ListAdvancesByEmployer returns the employer's advances, newest
	// first, optionally filtered by status.
	ListAdvancesByEmployer(ctx context.Context, id EmployerID, status *Status) ([]Advance, error)

	// AppendHistory records a status transition. Append-only.
	AppendHistory(ctx context.Context, entry HistoryEntry) error

	// ListHistory returns the advance's transitions, oldest first.
	ListHistory(ctx context.Context, id AdvanceID) ([]HistoryEntry, error)
}

// =============================================================================
// DIRECTORY - Employee and employer lookups
// =============================================================================

// Directory provides the employee and employer records the core reads.
// Record management beyond this lives with external collaborators.
type Directory interface {
	GetEmployee(ctx context.Context, id EmployeeID) (*Employee, error)
	SaveEmployee(ctx context.Context, e Employee) error
	GetEmployer(ctx context.Context, id EmployerID) (*Employer, error)
	SaveEmployer(ctx context.Context, e Employer) error
}
