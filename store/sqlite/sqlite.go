/*
Package sqlite provides the SQLite-backed implementation of the advance
storage interfaces.

PURPOSE:
  Implements advance.Store and advance.Directory using SQLite. In
  production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

FROM-STATE GUARD:
  Status transitions run as
      UPDATE advances SET status = ? ... WHERE id = ? AND status = ?
  and check RowsAffected. The guard and the field writes are one
  statement, so two racing callbacks can never both win: the loser sees
  advance.ErrStatusConflict.

NEVER DELETE:
  There are no DELETE statements on advances or advance_history.
  Advances reach terminal states; history rows only accumulate.

KEY TABLES:
  employers:       company records with the policy settings blob
  employees:       salary and mobile-money destination per employee
  advances:        the central entity, one row per advance
  advance_history: append-only audit trail of status transitions

DECIMAL STORAGE:
  Amounts are stored as TEXT in decimal string form, never as REAL.
  Parsing back through shopspring/decimal keeps totals exact.

WAL MODE:
  Opened with WAL (Write-Ahead Logging): readers do not block, one
  writer at a time, better crash recovery.

USAGE:
  store, err := sqlite.New("./data/advance.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - advance/store.go: interface definitions
  - advance/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/advance-engine/advance"
	"github.com/warp/advance-engine/factory"
)

// Store implements advance.Store and advance.Directory using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Employers (policy settings as JSON blob, parsed by factory)
	CREATE TABLE IF NOT EXISTS employers (
		id TEXT PRIMARY KEY,
		company_name TEXT NOT NULL,
		settings_json TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	-- Employees (only the fields the advance core reads)
	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		employer_id TEXT NOT NULL REFERENCES employers(id),
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL,
		phone_number TEXT NOT NULL,
		mpesa_number TEXT NOT NULL,
		monthly_salary TEXT NOT NULL,
		hire_date TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_employees_employer
		ON employees(employer_id);

	-- Advances (the central entity; rows are never deleted)
	CREATE TABLE IF NOT EXISTS advances (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL REFERENCES employees(id),
		employer_id TEXT NOT NULL REFERENCES employers(id),
		payroll_period_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		fee TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		requested_at TEXT NOT NULL,
		approved_at TEXT,
		disbursed_at TEXT,
		failed_at TEXT,
		repaid_at TEXT,
		failure_reason TEXT,
		mpesa_conversation_id TEXT UNIQUE,
		mpesa_transaction_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Monthly eligibility aggregates (hot path)
	CREATE INDEX IF NOT EXISTS idx_advances_employee_requested
		ON advances(employee_id, requested_at DESC);
	CREATE INDEX IF NOT EXISTS idx_advances_employer_requested
		ON advances(employer_id, requested_at DESC);
	CREATE INDEX IF NOT EXISTS idx_advances_status
		ON advances(status);
	-- Callback reconciliation lookup
	CREATE UNIQUE INDEX IF NOT EXISTS idx_advances_conversation
		ON advances(mpesa_conversation_id)
		WHERE mpesa_conversation_id IS NOT NULL;

	-- Advance history (append-only audit trail)
	CREATE TABLE IF NOT EXISTS advance_history (
		id TEXT PRIMARY KEY,
		advance_id TEXT NOT NULL REFERENCES advances(id),
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		actor TEXT NOT NULL,
		reason TEXT,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_advance
		ON advance_history(advance_id, at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ADVANCE STORE (advance.Store interface)
// =============================================================================

const advanceColumns = `
	id, employee_id, employer_id, payroll_period_id,
	amount, fee, total_amount, status,
	requested_at, approved_at, disbursed_at, failed_at, repaid_at,
	failure_reason, mpesa_conversation_id, mpesa_transaction_id,
	created_at, updated_at`

// CreateAdvance persists a new advance row.
func (s *Store) CreateAdvance(ctx context.Context, a *advance.Advance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO advances
		(id, employee_id, employer_id, payroll_period_id,
		 amount, fee, total_amount, status,
		 requested_at, approved_at, disbursed_at, failed_at, repaid_at,
		 failure_reason, mpesa_conversation_id, mpesa_transaction_id,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.EmployeeID, a.EmployerID, a.PayrollPeriodID,
		a.Amount.String(), a.Fee.String(), a.TotalAmount.String(), a.Status,
		formatTime(a.RequestedAt),
		nullTime(a.ApprovedAt), nullTime(a.DisbursedAt),
		nullTime(a.FailedAt), nullTime(a.RepaidAt),
		nullStringPtr(a.FailureReason),
		nullStringPtr(a.MpesaConversationID), nullStringPtr(a.MpesaTransactionID),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert advance: %w", err)
	}
	return nil
}

// GetAdvance returns the advance or advance.ErrAdvanceNotFound.
func (s *Store) GetAdvance(ctx context.Context, id advance.AdvanceID) (*advance.Advance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+advanceColumns+` FROM advances WHERE id = ?`, id)
	a, err := scanAdvance(row)
	if err == sql.ErrNoRows {
		return nil, advance.ErrAdvanceNotFound
	}
	return a, err
}

// GetAdvanceByConversationID resolves the provider correlation key, or
// advance.ErrUnknownConversation.
func (s *Store) GetAdvanceByConversationID(ctx context.Context, conversationID string) (*advance.Advance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+advanceColumns+` FROM advances WHERE mpesa_conversation_id = ?`,
		conversationID)
	a, err := scanAdvance(row)
	if err == sql.ErrNoRows {
		return nil, advance.ErrUnknownConversation
	}
	return a, err
}

// SetConversationID stores the provider correlation key.
func (s *Store) SetConversationID(ctx context.Context, id advance.AdvanceID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE advances SET mpesa_conversation_id = ?, updated_at = ? WHERE id = ?`,
		conversationID, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to set conversation id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return advance.ErrAdvanceNotFound
	}
	return nil
}

// UpdateStatus transitions id from -> to with the from-state guard:
// the WHERE clause checks the expected source status in the same
// statement as the write.
func (s *Store) UpdateStatus(ctx context.Context, id advance.AdvanceID, from, to advance.Status, fields advance.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `UPDATE advances SET status = ?, updated_at = ?`
	args := []any{to, formatTime(time.Now())}

	if fields.ApprovedAt != nil {
		query += `, approved_at = ?`
		args = append(args, formatTime(*fields.ApprovedAt))
	}
	if fields.DisbursedAt != nil {
		query += `, disbursed_at = ?`
		args = append(args, formatTime(*fields.DisbursedAt))
	}
	if fields.FailedAt != nil {
		query += `, failed_at = ?`
		args = append(args, formatTime(*fields.FailedAt))
	}
	if fields.RepaidAt != nil {
		query += `, repaid_at = ?`
		args = append(args, formatTime(*fields.RepaidAt))
	}
	if fields.FailureReason != nil {
		query += `, failure_reason = ?`
		args = append(args, *fields.FailureReason)
	}
	if fields.MpesaTransactionID != nil {
		query += `, mpesa_transaction_id = ?`
		args = append(args, *fields.MpesaTransactionID)
	}

	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, from)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing row from a lost CAS.
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM advances WHERE id = ?`, id).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			return advance.ErrAdvanceNotFound
		}
		return advance.ErrStatusConflict
	}
	return nil
}

// ListAdvancesByEmployeeSince returns the employee's advances from
// since onward, newest first.
func (s *Store) ListAdvancesByEmployeeSince(ctx context.Context, id advance.EmployeeID, since time.Time) ([]advance.Advance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + advanceColumns + `
		FROM advances
		WHERE employee_id = ? AND requested_at >= ?
		ORDER BY requested_at DESC`

	return s.queryAdvances(ctx, query, id, formatTime(since))
}

// ListAdvancesByEmployer returns the employer's advances, newest
// first, optionally filtered by status.
func (s *Store) ListAdvancesByEmployer(ctx context.Context, id advance.EmployerID, status *advance.Status) ([]advance.Advance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + advanceColumns + ` FROM advances WHERE employer_id = ?`
	args := []any{id}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY requested_at DESC`

	return s.queryAdvances(ctx, query, args...)
}

// AppendHistory records a status transition. Append-only.
func (s *Store) AppendHistory(ctx context.Context, entry advance.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO advance_history (id, advance_id, from_status, to_status, actor, reason, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.AdvanceID, entry.From, entry.To,
		entry.Actor, entry.Reason, formatTime(entry.At))
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// ListHistory returns the advance's transitions, oldest first.
func (s *Store) ListHistory(ctx context.Context, id advance.AdvanceID) ([]advance.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, advance_id, from_status, to_status, actor, reason, at
		FROM advance_history WHERE advance_id = ? ORDER BY at ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []advance.HistoryEntry
	for rows.Next() {
		var (
			e      advance.HistoryEntry
			reason sql.NullString
			at     string
		)
		if err := rows.Scan(&e.ID, &e.AdvanceID, &e.From, &e.To, &e.Actor, &reason, &at); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		e.Reason = reason.String
		e.At = parseTime(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) queryAdvances(ctx context.Context, query string, args ...any) ([]advance.Advance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query advances: %w", err)
	}
	defer rows.Close()

	var advances []advance.Advance
	for rows.Next() {
		a, err := scanAdvance(rows)
		if err != nil {
			return nil, err
		}
		advances = append(advances, *a)
	}
	return advances, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAdvance(row scanner) (*advance.Advance, error) {
	var (
		a                advance.Advance
		amount, fee      string
		total            string
		requestedAt      string
		approvedAt       sql.NullString
		disbursedAt      sql.NullString
		failedAt         sql.NullString
		repaidAt         sql.NullString
		failureReason    sql.NullString
		conversationID   sql.NullString
		transactionID    sql.NullString
		createdAt        string
		updatedAt        string
	)

	err := row.Scan(
		&a.ID, &a.EmployeeID, &a.EmployerID, &a.PayrollPeriodID,
		&amount, &fee, &total, &a.Status,
		&requestedAt, &approvedAt, &disbursedAt, &failedAt, &repaidAt,
		&failureReason, &conversationID, &transactionID,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan advance: %w", err)
	}

	a.Amount = parseDecimal(amount)
	a.Fee = parseDecimal(fee)
	a.TotalAmount = parseDecimal(total)
	a.RequestedAt = parseTime(requestedAt)
	a.ApprovedAt = parseNullTime(approvedAt)
	a.DisbursedAt = parseNullTime(disbursedAt)
	a.FailedAt = parseNullTime(failedAt)
	a.RepaidAt = parseNullTime(repaidAt)
	a.FailureReason = stringPtr(failureReason)
	a.MpesaConversationID = stringPtr(conversationID)
	a.MpesaTransactionID = stringPtr(transactionID)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

// =============================================================================
// DIRECTORY (advance.Directory interface)
// =============================================================================

// SaveEmployee upserts an employee record.
func (s *Store) SaveEmployee(ctx context.Context, e advance.Employee) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO employees
		(id, employer_id, first_name, last_name, phone_number, mpesa_number,
		 monthly_salary, hire_date, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			phone_number = excluded.phone_number,
			mpesa_number = excluded.mpesa_number,
			monthly_salary = excluded.monthly_salary,
			active = excluded.active`,
		e.ID, e.EmployerID, e.FirstName, e.LastName, e.PhoneNumber, e.MpesaNumber,
		e.MonthlySalary.String(), formatTime(e.HireDate), boolInt(e.Active),
		formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save employee: %w", err)
	}
	return nil
}

// GetEmployee returns the employee or advance.ErrEmployeeNotFound.
func (s *Store) GetEmployee(ctx context.Context, id advance.EmployeeID) (*advance.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		e         advance.Employee
		salary    string
		hireDate  string
		active    int
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, employer_id, first_name, last_name, phone_number, mpesa_number,
		       monthly_salary, hire_date, active, created_at
		FROM employees WHERE id = ?`, id).Scan(
		&e.ID, &e.EmployerID, &e.FirstName, &e.LastName, &e.PhoneNumber,
		&e.MpesaNumber, &salary, &hireDate, &active, &createdAt)
	if err == sql.ErrNoRows {
		return nil, advance.ErrEmployeeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get employee: %w", err)
	}

	e.MonthlySalary = parseDecimal(salary)
	e.HireDate = parseTime(hireDate)
	e.Active = active != 0
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

// SaveEmployer upserts an employer record, encoding its policy into
// the settings blob.
func (s *Store) SaveEmployer(ctx context.Context, e advance.Employer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := factory.EncodePolicy(e.Policy)
	if err != nil {
		return fmt.Errorf("failed to encode policy: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO employers (id, company_name, settings_json, active, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			company_name = excluded.company_name,
			settings_json = excluded.settings_json,
			active = excluded.active`,
		e.ID, e.CompanyName, string(settings), boolInt(e.Active), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save employer: %w", err)
	}
	return nil
}

// GetEmployer returns the employer or advance.ErrEmployerNotFound.
func (s *Store) GetEmployer(ctx context.Context, id advance.EmployerID) (*advance.Employer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		e         advance.Employer
		settings  string
		active    int
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, company_name, settings_json, active, created_at
		FROM employers WHERE id = ?`, id).Scan(
		&e.ID, &e.CompanyName, &settings, &active, &createdAt)
	if err == sql.ErrNoRows {
		return nil, advance.ErrEmployerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get employer: %w", err)
	}

	policy, err := factory.ParsePolicy([]byte(settings))
	if err != nil {
		return nil, err
	}
	e.Policy = policy
	e.Active = active != 0
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

// CountEmployees returns (total, active) employee counts for an
// employer. Dashboard aggregate.
func (s *Store) CountEmployees(ctx context.Context, id advance.EmployerID) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total, active int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(active), 0)
		FROM employees WHERE employer_id = ?`, id).Scan(&total, &active)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count employees: %w", err)
	}
	return total, active, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
