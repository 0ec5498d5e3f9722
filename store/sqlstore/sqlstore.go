/*
Package sqlstore provides a SQL-backed implementation of loan.TxStore.

PURPOSE:
  Persists loans, transactions, relations, charges, journal entries and the
  latest schedule projection. The same code runs on SQLite (mattn/go-sqlite3)
  and PostgreSQL (lib/pq); queries are written with "?" placeholders and
  rebound to "$n" for PostgreSQL.

APPEND-ONLY ENFORCEMENT:
  - journal_entries is insert-only. No UPDATE, no DELETE.
  - loan_transactions rows are inserted once; an upsert may only flip the
    reversal columns.
  - Corrections are reversal entries written by the journal.

KEY TABLES:
  loans:                       account scalars
  loan_transactions:           every transaction, active or reversed
  loan_transaction_relations:  REPLAYED / CHARGEBACK / CHARGE_ADJUSTMENT edges
  loan_charges:                fee and penalty definitions
  journal_entries:             double-entry legs, tagged L<transaction id>
  loan_schedules:              schedule projection as JSON
  id_sequences:                NextID counters

CONCURRENCY:
  SQLite is opened with a single connection so that a WithTx batch and
  plain reads never interleave. PostgreSQL uses a pool; loan-level
  serialization is the Locker's job.

USAGE:
  store, err := sqlstore.Open(ctx, "sqlite3", "./data/loans.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := loan.NewEngine(store, catalog)

SEE ALSO:
  - loan/store.go: interface definitions
  - loan/store/memory.go: in-memory implementation for tests
  - loan/storetest: the behavioural suite both implementations pass
*/
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/loan-ledger/calendar"
	"github.com/warp/loan-ledger/event"
	"github.com/warp/loan-ledger/ledger"
	"github.com/warp/loan-ledger/loan"
	"github.com/warp/loan-ledger/money"
	"github.com/warp/loan-ledger/schedule"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Store implements loan.TxStore on database/sql.
type Store struct {
	conn
	db *sql.DB
}

var _ loan.TxStore = (*Store)(nil)

// Open connects with driver "sqlite3" or "postgres" and migrates the
// schema. Use ":memory:" as the SQLite dsn for a throwaway database.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_foreign_keys=on&_journal_mode=WAL"
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{conn: conn{q: db, postgres: driver == DriverPostgres}, db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", strings.TrimSpace(stmt), err)
		}
	}
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS id_sequences (
	name TEXT PRIMARY KEY,
	value BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS loans (
	id BIGINT PRIMARY KEY,
	external_id TEXT UNIQUE,
	product_id TEXT NOT NULL,
	status TEXT NOT NULL,
	principal TEXT NOT NULL,
	currency TEXT NOT NULL,
	submitted_on TEXT NOT NULL,
	approved_on TEXT NOT NULL DEFAULT '',
	expected_disbursement_on TEXT NOT NULL DEFAULT '',
	closed_on TEXT NOT NULL DEFAULT '',
	charged_off BOOLEAN NOT NULL DEFAULT FALSE,
	charged_off_on TEXT NOT NULL DEFAULT '',
	fraud BOOLEAN NOT NULL DEFAULT FALSE,
	overpayment TEXT NOT NULL DEFAULT '0',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS loan_transactions (
	id BIGINT PRIMARY KEY,
	external_id TEXT UNIQUE,
	loan_id BIGINT NOT NULL,
	tx_type TEXT NOT NULL,
	tx_date TEXT NOT NULL,
	amount TEXT NOT NULL,
	principal_portion TEXT NOT NULL,
	interest_portion TEXT NOT NULL,
	fee_portion TEXT NOT NULL,
	penalty_portion TEXT NOT NULL,
	overpayment_portion TEXT NOT NULL,
	reversed BOOLEAN NOT NULL DEFAULT FALSE,
	reversed_on TEXT NOT NULL DEFAULT '',
	manually_reversed BOOLEAN NOT NULL DEFAULT FALSE,
	charge_id BIGINT NOT NULL DEFAULT 0,
	parent_id BIGINT NOT NULL DEFAULT 0,
	seq BIGINT NOT NULL,
	metadata_json TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_loan_transactions_loan
	ON loan_transactions(loan_id, id);

CREATE TABLE IF NOT EXISTS loan_transaction_relations (
	loan_id BIGINT NOT NULL,
	from_id BIGINT NOT NULL,
	to_id BIGINT NOT NULL,
	relation_type TEXT NOT NULL,
	PRIMARY KEY (from_id, to_id, relation_type)
);

CREATE INDEX IF NOT EXISTS idx_relations_loan
	ON loan_transaction_relations(loan_id);

CREATE TABLE IF NOT EXISTS loan_charges (
	id BIGINT PRIMARY KEY,
	external_id TEXT UNIQUE,
	loan_id BIGINT NOT NULL,
	name TEXT NOT NULL,
	penalty BOOLEAN NOT NULL DEFAULT FALSE,
	amount TEXT NOT NULL,
	due_date TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_loan_charges_loan
	ON loan_charges(loan_id, id);

CREATE TABLE IF NOT EXISTS journal_entries (
	id BIGINT PRIMARY KEY,
	loan_id BIGINT NOT NULL,
	transaction_id BIGINT NOT NULL,
	correlation_id TEXT NOT NULL,
	gl_account_id BIGINT NOT NULL,
	entry_type TEXT NOT NULL,
	amount TEXT NOT NULL,
	transaction_date TEXT NOT NULL,
	reversal BOOLEAN NOT NULL DEFAULT FALSE,
	reversal_of BIGINT NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_journal_entries_loan
	ON journal_entries(loan_id, id);
CREATE INDEX IF NOT EXISTS idx_journal_entries_transaction
	ON journal_entries(transaction_id, id);

CREATE TABLE IF NOT EXISTS loan_schedules (
	loan_id BIGINT PRIMARY KEY,
	schedule_json TEXT NOT NULL
)
`

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx runs fn inside one database transaction. Any error rolls back.
func (s *Store) WithTx(ctx context.Context, fn func(loan.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(conn{q: sqlTx, postgres: s.postgres}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// CONN - loan.Store over a *sql.DB or *sql.Tx
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type conn struct {
	q        querier
	postgres bool
}

// rebind rewrites "?" placeholders to "$1", "$2"... for PostgreSQL.
func (c conn) rebind(query string) string {
	if !c.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c conn) exec(ctx context.Context, query string, args ...any) error {
	_, err := c.q.ExecContext(ctx, c.rebind(query), args...)
	return err
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.rebind(query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.rebind(query), args...)
}

func (c conn) NextID(ctx context.Context, sequence string) (int64, error) {
	var id int64
	err := c.queryRow(ctx, `
		INSERT INTO id_sequences (name, value) VALUES (?, 1)
		ON CONFLICT (name) DO UPDATE SET value = id_sequences.value + 1
		RETURNING value`, sequence).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence %s: %w", sequence, err)
	}
	return id, nil
}

// =============================================================================
// LOANS
// =============================================================================

const loanColumns = `id, external_id, product_id, status, principal, currency, submitted_on,
	approved_on, expected_disbursement_on, closed_on, charged_off, charged_off_on, fraud,
	overpayment, created_at`

func (c conn) CreateLoan(ctx context.Context, acct loan.Account) error {
	err := c.exec(ctx, `INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		acct.ID,
		nullString(acct.ExternalID),
		acct.ProductID,
		string(acct.Status),
		acct.Principal.String(),
		acct.Currency,
		dateString(acct.SubmittedOn),
		dateString(acct.ApprovedOn),
		dateString(acct.ExpectedDisbursementOn),
		dateString(acct.ClosedOn),
		acct.ChargedOff,
		dateString(acct.ChargedOffOn),
		acct.FraudChargeOff,
		acct.OverpaymentBalance.String(),
		timeString(acct.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: loan %s", loan.ErrDuplicateExternalID, acct.ExternalID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert loan %d: %w", acct.ID, err)
	}
	return nil
}

// SaveLoan updates the mutable scalars of an existing loan.
func (c conn) SaveLoan(ctx context.Context, acct loan.Account) error {
	res, err := c.q.ExecContext(ctx, c.rebind(`
		UPDATE loans SET status = ?, approved_on = ?, closed_on = ?, charged_off = ?,
			charged_off_on = ?, fraud = ?, overpayment = ?
		WHERE id = ?`),
		string(acct.Status),
		dateString(acct.ApprovedOn),
		dateString(acct.ClosedOn),
		acct.ChargedOff,
		dateString(acct.ChargedOffOn),
		acct.FraudChargeOff,
		acct.OverpaymentBalance.String(),
		acct.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan %d: %w", acct.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: loan %d", loan.ErrNoRecord, acct.ID)
	}
	return nil
}

func (c conn) LoadLoan(ctx context.Context, id int64) (loan.Account, error) {
	var (
		acct                                          loan.Account
		ext                                           sql.NullString
		status, principal, submitted, approved        string
		expected, closed, chargedOffOn, over, created string
	)
	err := c.queryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id).Scan(
		&acct.ID, &ext, &acct.ProductID, &status, &principal, &acct.Currency, &submitted,
		&approved, &expected, &closed, &acct.ChargedOff, &chargedOffOn, &acct.FraudChargeOff,
		&over, &created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return loan.Account{}, fmt.Errorf("%w: loan %d", loan.ErrNoRecord, id)
	}
	if err != nil {
		return loan.Account{}, fmt.Errorf("failed to load loan %d: %w", id, err)
	}

	d := decoder{row: fmt.Sprintf("loan %d", id)}
	acct.ExternalID = ext.String
	acct.Status = loan.Status(status)
	acct.Principal = d.amount("principal", principal)
	acct.SubmittedOn = d.date("submitted_on", submitted)
	acct.ApprovedOn = d.date("approved_on", approved)
	acct.ExpectedDisbursementOn = d.date("expected_disbursement_on", expected)
	acct.ClosedOn = d.date("closed_on", closed)
	acct.ChargedOffOn = d.date("charged_off_on", chargedOffOn)
	acct.OverpaymentBalance = d.amount("overpayment", over)
	acct.CreatedAt = d.timestamp("created_at", created)
	return acct, d.err
}

func (c conn) LoanIDByExternalID(ctx context.Context, externalID string) (int64, error) {
	var id int64
	err := c.queryRow(ctx, `SELECT id FROM loans WHERE external_id = ?`, externalID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: loan %s", loan.ErrNoRecord, externalID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve loan %s: %w", externalID, err)
	}
	return id, nil
}

func (c conn) ListLoanIDs(ctx context.Context) ([]int64, error) {
	rows, err := c.query(ctx, `SELECT id FROM loans ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan loan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const transactionColumns = `id, external_id, loan_id, tx_type, tx_date, amount, principal_portion,
	interest_portion, fee_portion, penalty_portion, overpayment_portion, reversed, reversed_on,
	manually_reversed, charge_id, parent_id, seq, metadata_json, created_at`

// SaveTransactions inserts new transactions and updates the reversal
// columns of existing ones.
func (c conn) SaveTransactions(ctx context.Context, txs []loan.Transaction) error {
	for _, tx := range txs {
		var metadata sql.NullString
		if len(tx.Metadata) > 0 {
			b, err := json.Marshal(tx.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode metadata of transaction %d: %w", tx.ID, err)
			}
			metadata = sql.NullString{String: string(b), Valid: true}
		}
		err := c.exec(ctx, `INSERT INTO loan_transactions (`+transactionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				reversed = excluded.reversed,
				reversed_on = excluded.reversed_on,
				manually_reversed = excluded.manually_reversed`,
			tx.ID,
			nullString(tx.ExternalID),
			tx.LoanID,
			tx.Type.String(),
			dateString(tx.Date),
			tx.Amount.String(),
			tx.Principal.String(),
			tx.Interest.String(),
			tx.Fee.String(),
			tx.Penalty.String(),
			tx.Overpayment.String(),
			tx.Reversed,
			dateString(tx.ReversedOn),
			tx.ManuallyAdjustedOrReversed,
			tx.ChargeID,
			tx.ParentID,
			tx.Seq,
			metadata,
			timeString(tx.CreatedAt),
		)
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: transaction %s", loan.ErrDuplicateExternalID, tx.ExternalID)
		}
		if err != nil {
			return fmt.Errorf("failed to save transaction %d: %w", tx.ID, err)
		}
	}
	return nil
}

func (c conn) LoadTransactions(ctx context.Context, loanID int64) ([]loan.Transaction, error) {
	rows, err := c.query(ctx, `SELECT `+transactionColumns+` FROM loan_transactions
		WHERE loan_id = ? ORDER BY id`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []loan.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func scanTransaction(rows *sql.Rows) (loan.Transaction, error) {
	var (
		tx                                     loan.Transaction
		ext, metadata                          sql.NullString
		typ, date, amount, principal, interest string
		fee, penalty, overpayment, reversedOn  string
		created                                string
	)
	err := rows.Scan(
		&tx.ID, &ext, &tx.LoanID, &typ, &date, &amount, &principal,
		&interest, &fee, &penalty, &overpayment, &tx.Reversed, &reversedOn,
		&tx.ManuallyAdjustedOrReversed, &tx.ChargeID, &tx.ParentID, &tx.Seq, &metadata, &created,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.Type, err = event.Parse(typ)
	if err != nil {
		return tx, fmt.Errorf("transaction %d: %w", tx.ID, err)
	}
	d := decoder{row: fmt.Sprintf("transaction %d", tx.ID)}
	tx.ExternalID = ext.String
	tx.Date = d.requiredDate("tx_date", date)
	tx.Amount = d.amount("amount", amount)
	tx.Principal = d.amount("principal_portion", principal)
	tx.Interest = d.amount("interest_portion", interest)
	tx.Fee = d.amount("fee_portion", fee)
	tx.Penalty = d.amount("penalty_portion", penalty)
	tx.Overpayment = d.amount("overpayment_portion", overpayment)
	tx.ReversedOn = d.date("reversed_on", reversedOn)
	tx.CreatedAt = d.timestamp("created_at", created)
	if d.err != nil {
		return tx, d.err
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &tx.Metadata); err != nil {
			return tx, fmt.Errorf("transaction %d metadata: %w", tx.ID, err)
		}
	}
	return tx, nil
}

func (c conn) TransactionExternalIDExists(ctx context.Context, externalID string) (bool, error) {
	var count int
	err := c.queryRow(ctx, `SELECT COUNT(*) FROM loan_transactions WHERE external_id = ?`, externalID).Scan(&count)
	return count > 0, err
}

// =============================================================================
// RELATIONS AND CHARGES
// =============================================================================

func (c conn) SaveRelations(ctx context.Context, rels []loan.Relation) error {
	for _, rel := range rels {
		err := c.exec(ctx, `INSERT INTO loan_transaction_relations (loan_id, from_id, to_id, relation_type)
			VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			rel.LoanID, rel.FromID, rel.ToID, string(rel.Type))
		if err != nil {
			return fmt.Errorf("failed to save relation %d->%d: %w", rel.FromID, rel.ToID, err)
		}
	}
	return nil
}

func (c conn) LoadRelations(ctx context.Context, loanID int64) ([]loan.Relation, error) {
	rows, err := c.query(ctx, `SELECT loan_id, from_id, to_id, relation_type
		FROM loan_transaction_relations WHERE loan_id = ? ORDER BY from_id, to_id`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query relations: %w", err)
	}
	defer rows.Close()

	var rels []loan.Relation
	for rows.Next() {
		var (
			rel loan.Relation
			typ string
		)
		if err := rows.Scan(&rel.LoanID, &rel.FromID, &rel.ToID, &typ); err != nil {
			return nil, fmt.Errorf("failed to scan relation: %w", err)
		}
		rel.Type = loan.RelationType(typ)
		rels = append(rels, rel)
	}
	return rels, rows.Err()
}

func (c conn) SaveCharge(ctx context.Context, ch loan.Charge) error {
	err := c.exec(ctx, `INSERT INTO loan_charges
		(id, external_id, loan_id, name, penalty, amount, due_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name`,
		ch.ID,
		nullString(ch.ExternalID),
		ch.LoanID,
		ch.Name,
		ch.Penalty,
		ch.Amount.String(),
		dateString(ch.DueDate),
		timeString(ch.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: charge %s", loan.ErrDuplicateExternalID, ch.ExternalID)
	}
	if err != nil {
		return fmt.Errorf("failed to save charge %d: %w", ch.ID, err)
	}
	return nil
}

func (c conn) LoadCharges(ctx context.Context, loanID int64) ([]loan.Charge, error) {
	rows, err := c.query(ctx, `SELECT id, external_id, loan_id, name, penalty, amount, due_date, created_at
		FROM loan_charges WHERE loan_id = ? ORDER BY id`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query charges: %w", err)
	}
	defer rows.Close()

	var charges []loan.Charge
	for rows.Next() {
		var (
			ch                   loan.Charge
			ext                  sql.NullString
			amount, due, created string
		)
		if err := rows.Scan(&ch.ID, &ext, &ch.LoanID, &ch.Name, &ch.Penalty, &amount, &due, &created); err != nil {
			return nil, fmt.Errorf("failed to scan charge: %w", err)
		}
		d := decoder{row: fmt.Sprintf("charge %d", ch.ID)}
		ch.ExternalID = ext.String
		ch.Amount = d.amount("amount", amount)
		ch.DueDate = d.requiredDate("due_date", due)
		ch.CreatedAt = d.timestamp("created_at", created)
		if d.err != nil {
			return nil, d.err
		}
		charges = append(charges, ch)
	}
	return charges, rows.Err()
}

func (c conn) ChargeExternalIDExists(ctx context.Context, externalID string) (bool, error) {
	var count int
	err := c.queryRow(ctx, `SELECT COUNT(*) FROM loan_charges WHERE external_id = ?`, externalID).Scan(&count)
	return count > 0, err
}

// =============================================================================
// JOURNAL
// =============================================================================

const entryColumns = `id, loan_id, transaction_id, correlation_id, gl_account_id, entry_type,
	amount, transaction_date, reversal, reversal_of, created_at`

// AppendEntries is append-only. No Update, No Delete.
func (c conn) AppendEntries(ctx context.Context, entries []ledger.Entry) error {
	for _, e := range entries {
		err := c.exec(ctx, `INSERT INTO journal_entries (`+entryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID,
			e.LoanID,
			e.TransactionID,
			e.CorrelationID,
			e.GLAccountID,
			string(e.Type),
			e.Amount.String(),
			dateString(e.TransactionDate),
			e.Reversal,
			e.ReversalOf,
			timeString(e.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to append journal entry %d: %w", e.ID, err)
		}
	}
	return nil
}

func (c conn) LoadEntries(ctx context.Context, loanID int64) ([]ledger.Entry, error) {
	return c.queryEntries(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE loan_id = ? ORDER BY id`, loanID)
}

func (c conn) EntriesByTransaction(ctx context.Context, transactionID int64) ([]ledger.Entry, error) {
	return c.queryEntries(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE transaction_id = ? ORDER BY id`, transactionID)
}

func (c conn) queryEntries(ctx context.Context, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e                          ledger.Entry
			typ, amount, date, created string
		)
		err := rows.Scan(&e.ID, &e.LoanID, &e.TransactionID, &e.CorrelationID, &e.GLAccountID,
			&typ, &amount, &date, &e.Reversal, &e.ReversalOf, &created)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		d := decoder{row: fmt.Sprintf("journal entry %d", e.ID)}
		e.Type = ledger.EntryType(typ)
		e.Amount = d.amount("amount", amount)
		e.TransactionDate = d.requiredDate("transaction_date", date)
		e.CreatedAt = d.timestamp("created_at", created)
		if e.Type != ledger.Debit && e.Type != ledger.Credit {
			d.fail("entry_type", typ, errors.New("not DEBIT or CREDIT"))
		}
		if d.err != nil {
			return nil, d.err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// SCHEDULE
// =============================================================================

func (c conn) SaveSchedule(ctx context.Context, loanID int64, s schedule.Schedule) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode schedule of loan %d: %w", loanID, err)
	}
	err = c.exec(ctx, `INSERT INTO loan_schedules (loan_id, schedule_json) VALUES (?, ?)
		ON CONFLICT (loan_id) DO UPDATE SET schedule_json = excluded.schedule_json`,
		loanID, string(b))
	if err != nil {
		return fmt.Errorf("failed to save schedule of loan %d: %w", loanID, err)
	}
	return nil
}

func (c conn) LoadSchedule(ctx context.Context, loanID int64) (schedule.Schedule, error) {
	var raw string
	err := c.queryRow(ctx, `SELECT schedule_json FROM loan_schedules WHERE loan_id = ?`, loanID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Schedule{}, fmt.Errorf("%w: schedule of loan %d", loan.ErrNoRecord, loanID)
	}
	if err != nil {
		return schedule.Schedule{}, fmt.Errorf("failed to load schedule of loan %d: %w", loanID, err)
	}
	var s schedule.Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return schedule.Schedule{}, fmt.Errorf("failed to decode schedule of loan %d: %w", loanID, err)
	}
	return s, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func dateString(d calendar.Date) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

// decoder parses the TEXT columns of one row. The first bad value is kept
// as a loan.ErrCorruptRecord error; later calls are no-ops.
type decoder struct {
	row string
	err error
}

func (d *decoder) fail(column, raw string, err error) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s column %s = %q: %v", loan.ErrCorruptRecord, d.row, column, raw, err)
	}
}

// date accepts "" as the zero date.
func (d *decoder) date(column, s string) calendar.Date {
	if s == "" {
		return calendar.Date{}
	}
	return d.requiredDate(column, s)
}

func (d *decoder) requiredDate(column, s string) calendar.Date {
	v, err := calendar.Parse(s)
	if err != nil {
		d.fail(column, s, err)
		return calendar.Date{}
	}
	return v
}

func (d *decoder) amount(column, s string) money.Money {
	v, err := money.Parse(s)
	if err != nil {
		d.fail(column, s, err)
		return money.Zero
	}
	return v
}

func (d *decoder) timestamp(column, s string) time.Time {
	v, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		d.fail(column, s, err)
		return time.Time{}
	}
	return v
}

func timeString(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// isUniqueConstraintError recognises unique violations of both drivers.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
