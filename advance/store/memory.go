// Package store provides in-memory Store and Directory implementations
// for tests and development.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/advance-engine/advance"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	advances  map[advance.AdvanceID]*advance.Advance
	byConvID  map[string]advance.AdvanceID
	history   map[advance.AdvanceID][]advance.HistoryEntry
	employees map[advance.EmployeeID]advance.Employee
	employers map[advance.EmployerID]advance.Employer
}

func NewMemory() *Memory {
	return &Memory{
		advances:  make(map[advance.AdvanceID]*advance.Advance),
		byConvID:  make(map[string]advance.AdvanceID),
		history:   make(map[advance.AdvanceID][]advance.HistoryEntry),
		employees: make(map[advance.EmployeeID]advance.Employee),
		employers: make(map[advance.EmployerID]advance.Employer),
	}
}

// =============================================================================
// ADVANCE STORE (advance.Store interface)
// =============================================================================

func (m *Memory) CreateAdvance(_ context.Context, a *advance.Advance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *a
	m.advances[a.ID] = &clone
	return nil
}

func (m *Memory) GetAdvance(_ context.Context, id advance.AdvanceID) (*advance.Advance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.advances[id]
	if !ok {
		return nil, advance.ErrAdvanceNotFound
	}
	clone := *a
	return &clone, nil
}

func (m *Memory) GetAdvanceByConversationID(_ context.Context, conversationID string) (*advance.Advance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byConvID[conversationID]
	if !ok {
		return nil, advance.ErrUnknownConversation
	}
	clone := *m.advances[id]
	return &clone, nil
}

func (m *Memory) SetConversationID(_ context.Context, id advance.AdvanceID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.advances[id]
	if !ok {
		return advance.ErrAdvanceNotFound
	}
	a.MpesaConversationID = &conversationID
	a.UpdatedAt = time.Now()
	m.byConvID[conversationID] = id
	return nil
}

// UpdateStatus applies the from-state guard under the write lock: the
// check and the write are one atomic step, which is what serializes
// racing callbacks in tests exactly like the SQL CAS does in
// production.
func (m *Memory) UpdateStatus(_ context.Context, id advance.AdvanceID, from, to advance.Status, fields advance.StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.advances[id]
	if !ok {
		return advance.ErrAdvanceNotFound
	}
	if a.Status != from {
		return advance.ErrStatusConflict
	}

	a.Status = to
	if fields.ApprovedAt != nil {
		a.ApprovedAt = fields.ApprovedAt
	}
	if fields.DisbursedAt != nil {
		a.DisbursedAt = fields.DisbursedAt
	}
	if fields.FailedAt != nil {
		a.FailedAt = fields.FailedAt
	}
	if fields.RepaidAt != nil {
		a.RepaidAt = fields.RepaidAt
	}
	if fields.FailureReason != nil {
		a.FailureReason = fields.FailureReason
	}
	if fields.MpesaTransactionID != nil {
		a.MpesaTransactionID = fields.MpesaTransactionID
	}
	a.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) ListAdvancesByEmployeeSince(_ context.Context, id advance.EmployeeID, since time.Time) ([]advance.Advance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []advance.Advance
	for _, a := range m.advances {
		if a.EmployeeID == id && !a.RequestedAt.Before(since) {
			result = append(result, *a)
		}
	}
	sortNewestFirst(result)
	return result, nil
}

func (m *Memory) ListAdvancesByEmployer(_ context.Context, id advance.EmployerID, status *advance.Status) ([]advance.Advance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []advance.Advance
	for _, a := range m.advances {
		if a.EmployerID != id {
			continue
		}
		if status != nil && a.Status != *status {
			continue
		}
		result = append(result, *a)
	}
	sortNewestFirst(result)
	return result, nil
}

func (m *Memory) AppendHistory(_ context.Context, entry advance.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history[entry.AdvanceID] = append(m.history[entry.AdvanceID], entry)
	return nil
}

func (m *Memory) ListHistory(_ context.Context, id advance.AdvanceID) ([]advance.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]advance.HistoryEntry, len(m.history[id]))
	copy(result, m.history[id])
	return result, nil
}

// =============================================================================
// DIRECTORY (advance.Directory interface)
// =============================================================================

func (m *Memory) GetEmployee(_ context.Context, id advance.EmployeeID) (*advance.Employee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.employees[id]
	if !ok {
		return nil, advance.ErrEmployeeNotFound
	}
	return &e, nil
}

func (m *Memory) SaveEmployee(_ context.Context, e advance.Employee) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.employees[e.ID] = e
	return nil
}

func (m *Memory) GetEmployer(_ context.Context, id advance.EmployerID) (*advance.Employer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.employers[id]
	if !ok {
		return nil, advance.ErrEmployerNotFound
	}
	return &e, nil
}

func (m *Memory) SaveEmployer(_ context.Context, e advance.Employer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.employers[e.ID] = e
	return nil
}

func sortNewestFirst(advances []advance.Advance) {
	sort.Slice(advances, func(i, j int) bool {
		return advances[i].RequestedAt.After(advances[j].RequestedAt)
	})
}
