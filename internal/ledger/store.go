package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultSettlementLease bounds how long a pending claim stays
// exclusive. A pending record older than the lease is treated as
// abandoned and may be re-claimed, so a crash between claim and
// commit never leaves a key permanently stuck.
const DefaultSettlementLease = 2 * time.Minute

// SettlementStatus is the explicit tagged state of an idempotency
// record, so recovery after a crash is deterministic.
type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "pending"
	SettlementCompleted SettlementStatus = "completed"
	SettlementFailed    SettlementStatus = "failed"
)

// SettlementRecord tracks one logical settlement intent per
// (client id, idempotency key). Never two different journals may be
// produced for the same key.
type SettlementRecord struct {
	ClientID       string           `json:"client_id"`
	IdempotencyKey string           `json:"idempotency_key"`
	JournalID      string           `json:"journal_id,omitempty"`
	Status         SettlementStatus `json:"status"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// TrialBalanceLine is the per-asset net across all materialized
// balances. A non-zero difference is an integrity breach, not a
// business outcome.
type TrialBalanceLine struct {
	Asset      string          `json:"asset"`
	Difference decimal.Decimal `json:"difference"`
}

// Store is the transactional ledger store. Implementations must make
// the journal insert, the entry inserts and the balance
// materialization one atomic unit, and must serialize concurrent
// postings that touch the same (account, asset) pair. The store is
// the sole coordination point between processes; no in-memory ledger
// state is shared across requests.
type Store interface {
	// PostJournal validates the balance invariant and commits the
	// journal header, its entries and the materialized balance updates
	// in one transaction. Returns ErrUnbalancedJournal without side
	// effect if the invariant fails, ErrStoreUnavailable on
	// connectivity failures.
	PostJournal(ctx context.Context, j *Journal) (string, error)

	// PostSettlement is PostJournal plus, in the same transaction, the
	// transition of the pending settlement record for (clientID, key)
	// to completed with the new journal id. Record and journal are
	// never inconsistent with each other.
	PostSettlement(ctx context.Context, clientID, key string, j *Journal) (string, error)

	// ClaimSettlement atomically inserts a pending record for
	// (clientID, key). claimed is true when this caller now owns the
	// key, either because no record existed, because a prior attempt
	// had failed, or because a prior pending claim outlived its lease
	// (crashed or lost its store connection before FailSettlement
	// could run). When claimed is false the returned record tells the
	// caller whether to replay or back off.
	ClaimSettlement(ctx context.Context, clientID, key string) (rec *SettlementRecord, claimed bool, err error)

	// FailSettlement marks a pending record failed so the key is
	// eligible for re-attempt and never left permanently stuck.
	FailSettlement(ctx context.Context, clientID, key string) error

	// GetJournal returns a committed journal with its entries, or
	// ErrJournalNotFound.
	GetJournal(ctx context.Context, id string) (*Journal, error)

	// GetBalance returns the materialized balance for one
	// (account, asset) pair, zero if no entries touched it.
	GetBalance(ctx context.Context, accountID, asset string) (decimal.Decimal, error)

	// TrialBalance aggregates materialized balances per asset. Every
	// difference should be zero; anything else is a reconciliation
	// breach.
	TrialBalance(ctx context.Context) ([]TrialBalanceLine, error)
}
