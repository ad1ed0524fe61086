package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore is the production Store implementation. All invariants
// are enforced through SERIALIZABLE transactions and the uniqueness
// constraint on (client_id, idempotency_key), so multiple process
// instances can run behind a load balancer.
type PostgresStore struct {
	pool  *pgxpool.Pool
	lease time.Duration
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, lease: DefaultSettlementLease}
}

// SetSettlementLease overrides how long a pending claim stays
// exclusive before it is considered abandoned.
func (ps *PostgresStore) SetSettlementLease(d time.Duration) {
	ps.lease = d
}

var _ Store = (*PostgresStore)(nil)

const pgSchema = `
CREATE TABLE IF NOT EXISTS journals (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    user_id TEXT,
    reference TEXT CHECK (length(reference) <= 100),
    description TEXT CHECK (length(description) <= 500),
    metadata JSONB DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS journal_entries (
    id BIGSERIAL PRIMARY KEY,
    journal_id UUID NOT NULL REFERENCES journals(id) ON DELETE RESTRICT,
    position INT NOT NULL,
    account_id TEXT NOT NULL,
    asset TEXT NOT NULL CHECK (length(asset) BETWEEN 1 AND 20),
    direction TEXT NOT NULL CHECK (direction IN ('debit', 'credit')),
    amount NUMERIC(38, 18) NOT NULL CHECK (amount >= 0)
);
CREATE TABLE IF NOT EXISTS balances (
    account_id TEXT NOT NULL,
    asset TEXT NOT NULL,
    balance NUMERIC(38, 18) NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (account_id, asset)
);
CREATE TABLE IF NOT EXISTS settlements (
    client_id TEXT NOT NULL,
    idempotency_key TEXT NOT NULL,
    journal_id UUID REFERENCES journals(id),
    status TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'failed')),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (client_id, idempotency_key)
);
`

// EnsureSchema creates the ledger tables when they do not exist.
func (ps *PostgresStore) EnsureSchema(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := ps.pool.Exec(queryCtx, pgSchema); err != nil {
		return fmt.Errorf("%w: ensure schema: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// PostJournal commits header, entries and balance materialization in
// one SERIALIZABLE transaction, retrying bounded serialization
// failures.
func (ps *PostgresStore) PostJournal(ctx context.Context, j *Journal) (string, error) {
	if err := j.Validate(); err != nil {
		return "", err
	}
	if !Balanced(j.Entries) {
		return "", fmt.Errorf("%w: nets %v", ErrUnbalancedJournal, Imbalances(j.Entries))
	}
	return ps.withSerializableRetry(ctx, func(tx pgx.Tx, queryCtx context.Context) (string, error) {
		return insertJournalTx(queryCtx, tx, j)
	})
}

// PostSettlement is PostJournal plus flipping the pending settlement
// record to completed inside the same transaction.
func (ps *PostgresStore) PostSettlement(ctx context.Context, clientID, key string, j *Journal) (string, error) {
	if err := j.Validate(); err != nil {
		return "", err
	}
	if !Balanced(j.Entries) {
		return "", fmt.Errorf("%w: nets %v", ErrUnbalancedJournal, Imbalances(j.Entries))
	}
	return ps.withSerializableRetry(ctx, func(tx pgx.Tx, queryCtx context.Context) (string, error) {
		var status string
		err := tx.QueryRow(queryCtx,
			`SELECT status FROM settlements WHERE client_id = $1 AND idempotency_key = $2 FOR UPDATE`,
			clientID, key).Scan(&status)
		if err != nil {
			return "", fmt.Errorf("lock settlement record: %w", err)
		}
		if status == string(SettlementCompleted) {
			// A prior attempt already committed; replay its result
			// instead of producing a second journal.
			var journalID string
			err := tx.QueryRow(queryCtx,
				`SELECT journal_id FROM settlements WHERE client_id = $1 AND idempotency_key = $2`,
				clientID, key).Scan(&journalID)
			return journalID, err
		}
		if status != string(SettlementPending) {
			return "", fmt.Errorf("settlement record for key %q is %s, not pending", key, status)
		}

		journalID, err := insertJournalTx(queryCtx, tx, j)
		if err != nil {
			return "", err
		}
		tag, err := tx.Exec(queryCtx,
			`UPDATE settlements SET status = $1, journal_id = $2, updated_at = now()
			 WHERE client_id = $3 AND idempotency_key = $4 AND status = $5`,
			string(SettlementCompleted), journalID, clientID, key, string(SettlementPending))
		if err != nil {
			return "", fmt.Errorf("complete settlement record: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return "", fmt.Errorf("settlement record for key %q vanished mid-transaction", key)
		}
		return journalID, nil
	})
}

func insertJournalTx(ctx context.Context, tx pgx.Tx, j *Journal) (string, error) {
	var journalID string
	err := tx.QueryRow(ctx,
		`INSERT INTO journals (user_id, reference, description, metadata)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		j.UserID, j.Reference, j.Description, j.Metadata).Scan(&journalID)
	if err != nil {
		return "", fmt.Errorf("insert journal: %w", err)
	}

	for i, e := range j.Entries {
		_, err := tx.Exec(ctx,
			`INSERT INTO journal_entries (journal_id, position, account_id, asset, direction, amount)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			journalID, i, e.AccountID, e.Asset, string(e.Direction), e.Amount)
		if err != nil {
			return "", fmt.Errorf("insert entry %d: %w", i, err)
		}
	}

	for _, e := range j.Entries {
		delta := e.Amount
		if e.Direction == Credit {
			delta = delta.Neg()
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO balances (account_id, asset, balance, updated_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (account_id, asset)
			 DO UPDATE SET balance = balances.balance + EXCLUDED.balance, updated_at = now()`,
			e.AccountID, e.Asset, delta)
		if err != nil {
			return "", fmt.Errorf("materialize balance %s/%s: %w", e.AccountID, e.Asset, err)
		}
	}
	return journalID, nil
}

// ClaimSettlement takes ownership of (clientID, key). The uniqueness
// constraint makes the insert the arbiter: a conflict means another
// attempt got there first, and its recorded status decides between
// replay and back-off. A failed record is reclaimed in place, as is a
// pending record whose lease has lapsed.
func (ps *PostgresStore) ClaimSettlement(ctx context.Context, clientID, key string) (*SettlementRecord, bool, error) {
	claimed := false
	_, err := ps.withSerializableRetry(ctx, func(tx pgx.Tx, queryCtx context.Context) (string, error) {
		tag, err := tx.Exec(queryCtx,
			`INSERT INTO settlements (client_id, idempotency_key, status, updated_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (client_id, idempotency_key) DO NOTHING`,
			clientID, key, string(SettlementPending))
		if err != nil {
			return "", fmt.Errorf("claim settlement: %w", err)
		}
		if tag.RowsAffected() == 1 {
			claimed = true
			return "", nil
		}
		stale := time.Now().UTC().Add(-ps.lease)
		tag, err = tx.Exec(queryCtx,
			`UPDATE settlements SET status = $1, journal_id = NULL, updated_at = now()
			 WHERE client_id = $2 AND idempotency_key = $3
			   AND (status = $4 OR (status = $5 AND updated_at < $6))`,
			string(SettlementPending), clientID, key,
			string(SettlementFailed), string(SettlementPending), stale)
		if err != nil {
			return "", fmt.Errorf("reclaim settlement: %w", err)
		}
		claimed = tag.RowsAffected() == 1
		return "", nil
	})
	if err != nil {
		return nil, false, err
	}
	rec, err := ps.getSettlement(ctx, clientID, key)
	if err != nil {
		return nil, false, err
	}
	return rec, claimed, nil
}

// FailSettlement releases a pending claim so the key never stays
// stuck after a crash or an aborted attempt.
func (ps *PostgresStore) FailSettlement(ctx context.Context, clientID, key string) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := ps.pool.Exec(queryCtx,
		`UPDATE settlements SET status = $1, updated_at = now()
		 WHERE client_id = $2 AND idempotency_key = $3 AND status = $4`,
		string(SettlementFailed), clientID, key, string(SettlementPending))
	if err != nil {
		return classifyPgError(err)
	}
	return nil
}

func (ps *PostgresStore) getSettlement(ctx context.Context, clientID, key string) (*SettlementRecord, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rec := &SettlementRecord{ClientID: clientID, IdempotencyKey: key}
	var journalID *string
	err := ps.pool.QueryRow(queryCtx,
		`SELECT journal_id, status, updated_at FROM settlements
		 WHERE client_id = $1 AND idempotency_key = $2`,
		clientID, key).Scan(&journalID, &rec.Status, &rec.UpdatedAt)
	if err != nil {
		return nil, classifyPgError(err)
	}
	if journalID != nil {
		rec.JournalID = *journalID
	}
	return rec, nil
}

func (ps *PostgresStore) GetJournal(ctx context.Context, id string) (*Journal, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	j := &Journal{ID: id}
	err := ps.pool.QueryRow(queryCtx,
		`SELECT COALESCE(user_id, ''), COALESCE(reference, ''), COALESCE(description, ''), metadata, created_at
		 FROM journals WHERE id = $1`, id).
		Scan(&j.UserID, &j.Reference, &j.Description, &j.Metadata, &j.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJournalNotFound
		}
		return nil, classifyPgError(err)
	}

	rows, err := ps.pool.Query(queryCtx,
		`SELECT account_id, asset, direction, amount FROM journal_entries
		 WHERE journal_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var e Entry
		var dir string
		if err := rows.Scan(&e.AccountID, &e.Asset, &dir, &e.Amount); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Direction = Direction(dir)
		j.Entries = append(j.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError(err)
	}
	return j, nil
}

func (ps *PostgresStore) GetBalance(ctx context.Context, accountID, asset string) (decimal.Decimal, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var bal decimal.Decimal
	err := ps.pool.QueryRow(queryCtx,
		`SELECT COALESCE((SELECT balance FROM balances WHERE account_id = $1 AND asset = $2), 0)`,
		accountID, asset).Scan(&bal)
	if err != nil {
		return decimal.Zero, classifyPgError(err)
	}
	return bal, nil
}

func (ps *PostgresStore) TrialBalance(ctx context.Context) ([]TrialBalanceLine, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := ps.pool.Query(queryCtx,
		`SELECT asset, COALESCE(SUM(balance), 0) FROM balances GROUP BY asset ORDER BY asset`)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	var lines []TrialBalanceLine
	for rows.Next() {
		var l TrialBalanceLine
		if err := rows.Scan(&l.Asset, &l.Difference); err != nil {
			return nil, fmt.Errorf("scan trial balance line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// withSerializableRetry runs fn inside a SERIALIZABLE transaction,
// retrying serialization failures (SQLSTATE 40001) a bounded number
// of times with linear backoff.
func (ps *PostgresStore) withSerializableRetry(ctx context.Context, fn func(tx pgx.Tx, queryCtx context.Context) (string, error)) (string, error) {
	const maxRetries = 3

	var result string
	for attempt := 0; attempt < maxRetries; attempt++ {
		var err error
		result, err = ps.runSerializable(ctx, fn)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "40001" {
				if attempt == maxRetries-1 {
					return "", fmt.Errorf("gave up after %d serialization failures: %w", maxRetries, err)
				}
				time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
				continue
			}
			return "", err
		}
		break
	}
	return result, nil
}

func (ps *PostgresStore) runSerializable(ctx context.Context, fn func(tx pgx.Tx, queryCtx context.Context) (string, error)) (string, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := ps.pool.Acquire(queryCtx)
	if err != nil {
		return "", fmt.Errorf("%w: acquire connection: %v", ErrStoreUnavailable, err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(queryCtx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return "", fmt.Errorf("%w: begin transaction: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback(queryCtx)

	result, err := fn(tx, queryCtx)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(queryCtx); err != nil {
		return "", classifyPgError(err)
	}
	return result, nil
}

// classifyPgError keeps database-level failures (constraints,
// serialization) intact for the retry loop and folds everything else
// into the retryable ErrStoreUnavailable.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
