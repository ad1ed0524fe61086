package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the embedded Store implementation used for
// development and integration tests. OpenSQLite forces
// `_txlock=immediate` so write transactions take the file lock up
// front; that gives the single-writer serialization the Store
// contract requires.
type SQLiteStore struct {
	db    *sql.DB
	lease time.Duration
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, lease: DefaultSettlementLease}
}

// SetSettlementLease overrides how long a pending claim stays
// exclusive before it is considered abandoned.
func (ss *SQLiteStore) SetSettlementLease(d time.Duration) {
	ss.lease = d
}

// OpenSQLite opens (or creates) a SQLite ledger database and prepares
// its schema.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", ErrStoreUnavailable, err)
	}
	// A single connection sidesteps table-lock contention between
	// pooled connections on one file.
	db.SetMaxOpenConns(1)
	st := NewSQLiteStore(db)
	if err := st.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

// sqliteDSN makes write transactions BEGIN IMMEDIATE regardless of
// what the caller's DSN specifies.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_txlock=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_txlock=immediate"
}

var _ Store = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS journals (
    id TEXT PRIMARY KEY,
    user_id TEXT,
    reference TEXT,
    description TEXT,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS journal_entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    journal_id TEXT NOT NULL REFERENCES journals(id),
    position INTEGER NOT NULL,
    account_id TEXT NOT NULL,
    asset TEXT NOT NULL,
    direction TEXT NOT NULL CHECK (direction IN ('debit', 'credit')),
    amount TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS balances (
    account_id TEXT NOT NULL,
    asset TEXT NOT NULL,
    balance TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (account_id, asset)
);
CREATE TABLE IF NOT EXISTS settlements (
    client_id TEXT NOT NULL,
    idempotency_key TEXT NOT NULL,
    journal_id TEXT,
    status TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'failed')),
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (client_id, idempotency_key)
);
`

func (ss *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := ss.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("%w: ensure schema: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (ss *SQLiteStore) Close() error {
	return ss.db.Close()
}

func (ss *SQLiteStore) PostJournal(ctx context.Context, j *Journal) (string, error) {
	if err := j.Validate(); err != nil {
		return "", err
	}
	if !Balanced(j.Entries) {
		return "", fmt.Errorf("%w: nets %v", ErrUnbalancedJournal, Imbalances(j.Entries))
	}

	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%w: begin transaction: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	journalID, err := ss.insertJournalTx(ctx, tx, j)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("%w: commit: %v", ErrStoreUnavailable, err)
	}
	return journalID, nil
}

func (ss *SQLiteStore) PostSettlement(ctx context.Context, clientID, key string, j *Journal) (string, error) {
	if err := j.Validate(); err != nil {
		return "", err
	}
	if !Balanced(j.Entries) {
		return "", fmt.Errorf("%w: nets %v", ErrUnbalancedJournal, Imbalances(j.Entries))
	}

	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%w: begin transaction: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	var status string
	var priorJournal sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT status, journal_id FROM settlements WHERE client_id = ? AND idempotency_key = ?`,
		clientID, key).Scan(&status, &priorJournal)
	if err != nil {
		return "", fmt.Errorf("lock settlement record: %w", err)
	}
	if status == string(SettlementCompleted) {
		return priorJournal.String, nil
	}
	if status != string(SettlementPending) {
		return "", fmt.Errorf("settlement record for key %q is %s, not pending", key, status)
	}

	journalID, err := ss.insertJournalTx(ctx, tx, j)
	if err != nil {
		return "", err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE settlements SET status = ?, journal_id = ?, updated_at = ?
		 WHERE client_id = ? AND idempotency_key = ? AND status = ?`,
		string(SettlementCompleted), journalID, time.Now().UTC(),
		clientID, key, string(SettlementPending))
	if err != nil {
		return "", fmt.Errorf("complete settlement record: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return "", fmt.Errorf("settlement record for key %q vanished mid-transaction", key)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("%w: commit: %v", ErrStoreUnavailable, err)
	}
	return journalID, nil
}

func (ss *SQLiteStore) insertJournalTx(ctx context.Context, tx *sql.Tx, j *Journal) (string, error) {
	journalID := uuid.NewString()
	meta, err := json.Marshal(j.Metadata)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO journals (id, user_id, reference, description, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		journalID, j.UserID, j.Reference, j.Description, string(meta), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("insert journal: %w", err)
	}

	for i, e := range j.Entries {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO journal_entries (journal_id, position, account_id, asset, direction, amount)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			journalID, i, e.AccountID, e.Asset, string(e.Direction), e.Amount.String())
		if err != nil {
			return "", fmt.Errorf("insert entry %d: %w", i, err)
		}
	}

	// Balances live in the DB as decimal strings; the arithmetic stays
	// in Go so SQLite's float affinity never touches money.
	for _, e := range j.Entries {
		delta := e.Amount
		if e.Direction == Credit {
			delta = delta.Neg()
		}
		var cur string
		err := tx.QueryRowContext(ctx,
			`SELECT balance FROM balances WHERE account_id = ? AND asset = ?`,
			e.AccountID, e.Asset).Scan(&cur)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx,
				`INSERT INTO balances (account_id, asset, balance, updated_at) VALUES (?, ?, ?, ?)`,
				e.AccountID, e.Asset, delta.String(), time.Now().UTC())
			if err != nil {
				return "", fmt.Errorf("materialize balance %s/%s: %w", e.AccountID, e.Asset, err)
			}
		case err != nil:
			return "", fmt.Errorf("read balance %s/%s: %w", e.AccountID, e.Asset, err)
		default:
			bal, err := decimal.NewFromString(cur)
			if err != nil {
				return "", fmt.Errorf("corrupt balance %s/%s: %w", e.AccountID, e.Asset, err)
			}
			_, err = tx.ExecContext(ctx,
				`UPDATE balances SET balance = ?, updated_at = ? WHERE account_id = ? AND asset = ?`,
				bal.Add(delta).String(), time.Now().UTC(), e.AccountID, e.Asset)
			if err != nil {
				return "", fmt.Errorf("materialize balance %s/%s: %w", e.AccountID, e.Asset, err)
			}
		}
	}
	return journalID, nil
}

func (ss *SQLiteStore) ClaimSettlement(ctx context.Context, clientID, key string) (*SettlementRecord, bool, error) {
	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: begin transaction: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	claimed := false
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO settlements (client_id, idempotency_key, status, updated_at)
		 VALUES (?, ?, ?, ?)`,
		clientID, key, string(SettlementPending), time.Now().UTC())
	if err != nil {
		return nil, false, fmt.Errorf("claim settlement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		claimed = true
	} else {
		stale := time.Now().UTC().Add(-ss.lease)
		res, err = tx.ExecContext(ctx,
			`UPDATE settlements SET status = ?, journal_id = NULL, updated_at = ?
			 WHERE client_id = ? AND idempotency_key = ?
			   AND (status = ? OR (status = ? AND updated_at < ?))`,
			string(SettlementPending), time.Now().UTC(), clientID, key,
			string(SettlementFailed), string(SettlementPending), stale)
		if err != nil {
			return nil, false, fmt.Errorf("reclaim settlement: %w", err)
		}
		n, _ := res.RowsAffected()
		claimed = n == 1
	}

	rec := &SettlementRecord{ClientID: clientID, IdempotencyKey: key}
	var journalID sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT journal_id, status, updated_at FROM settlements WHERE client_id = ? AND idempotency_key = ?`,
		clientID, key).Scan(&journalID, &rec.Status, &rec.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("read settlement record: %w", err)
	}
	rec.JournalID = journalID.String

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("%w: commit: %v", ErrStoreUnavailable, err)
	}
	return rec, claimed, nil
}

func (ss *SQLiteStore) FailSettlement(ctx context.Context, clientID, key string) error {
	_, err := ss.db.ExecContext(ctx,
		`UPDATE settlements SET status = ?, updated_at = ?
		 WHERE client_id = ? AND idempotency_key = ? AND status = ?`,
		string(SettlementFailed), time.Now().UTC(), clientID, key, string(SettlementPending))
	if err != nil {
		return fmt.Errorf("%w: fail settlement: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (ss *SQLiteStore) GetJournal(ctx context.Context, id string) (*Journal, error) {
	j := &Journal{ID: id}
	var meta string
	err := ss.db.QueryRowContext(ctx,
		`SELECT COALESCE(user_id, ''), COALESCE(reference, ''), COALESCE(description, ''), metadata, created_at
		 FROM journals WHERE id = ?`, id).
		Scan(&j.UserID, &j.Reference, &j.Description, &meta, &j.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJournalNotFound
		}
		return nil, fmt.Errorf("%w: get journal: %v", ErrStoreUnavailable, err)
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &j.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}

	rows, err := ss.db.QueryContext(ctx,
		`SELECT account_id, asset, direction, amount FROM journal_entries
		 WHERE journal_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: get entries: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()
	for rows.Next() {
		var e Entry
		var dir, amount string
		if err := rows.Scan(&e.AccountID, &e.Asset, &dir, &amount); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Direction = Direction(dir)
		e.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("corrupt entry amount: %w", err)
		}
		j.Entries = append(j.Entries, e)
	}
	return j, rows.Err()
}

func (ss *SQLiteStore) GetBalance(ctx context.Context, accountID, asset string) (decimal.Decimal, error) {
	var bal string
	err := ss.db.QueryRowContext(ctx,
		`SELECT balance FROM balances WHERE account_id = ? AND asset = ?`,
		accountID, asset).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: get balance: %v", ErrStoreUnavailable, err)
	}
	return decimal.NewFromString(bal)
}

func (ss *SQLiteStore) TrialBalance(ctx context.Context) ([]TrialBalanceLine, error) {
	rows, err := ss.db.QueryContext(ctx, `SELECT asset, balance FROM balances`)
	if err != nil {
		return nil, fmt.Errorf("%w: trial balance: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	nets := make(map[string]decimal.Decimal)
	for rows.Next() {
		var asset, bal string
		if err := rows.Scan(&asset, &bal); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		d, err := decimal.NewFromString(bal)
		if err != nil {
			return nil, fmt.Errorf("corrupt balance for %s: %w", asset, err)
		}
		nets[asset] = nets[asset].Add(d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: trial balance: %v", ErrStoreUnavailable, err)
	}

	assets := make([]string, 0, len(nets))
	for a := range nets {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	lines := make([]TrialBalanceLine, 0, len(assets))
	for _, a := range assets {
		lines = append(lines, TrialBalanceLine{Asset: a, Difference: nets[a]})
	}
	return lines, nil
}
