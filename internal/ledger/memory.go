package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore keeps the whole ledger in process memory behind one
// mutex. It exists for tests and local experiments; everything else
// should use PostgresStore or SQLiteStore.
type MemoryStore struct {
	mu          sync.Mutex
	journals    map[string]*Journal
	balances    map[balanceKey]decimal.Decimal
	settlements map[settlementKey]*SettlementRecord
	lease       time.Duration
}

type balanceKey struct {
	accountID string
	asset     string
}

type settlementKey struct {
	clientID string
	key      string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		journals:    make(map[string]*Journal),
		balances:    make(map[balanceKey]decimal.Decimal),
		settlements: make(map[settlementKey]*SettlementRecord),
		lease:       DefaultSettlementLease,
	}
}

// SetSettlementLease overrides how long a pending claim stays
// exclusive before it is considered abandoned.
func (ms *MemoryStore) SetSettlementLease(d time.Duration) {
	ms.mu.Lock()
	ms.lease = d
	ms.mu.Unlock()
}

var _ Store = (*MemoryStore)(nil)

func (ms *MemoryStore) PostJournal(ctx context.Context, j *Journal) (string, error) {
	if err := j.Validate(); err != nil {
		return "", err
	}
	if !Balanced(j.Entries) {
		return "", fmt.Errorf("%w: nets %v", ErrUnbalancedJournal, Imbalances(j.Entries))
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.insertLocked(j), nil
}

func (ms *MemoryStore) PostSettlement(ctx context.Context, clientID, key string, j *Journal) (string, error) {
	if err := j.Validate(); err != nil {
		return "", err
	}
	if !Balanced(j.Entries) {
		return "", fmt.Errorf("%w: nets %v", ErrUnbalancedJournal, Imbalances(j.Entries))
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	rec, ok := ms.settlements[settlementKey{clientID, key}]
	if !ok {
		return "", fmt.Errorf("no settlement record for key %q", key)
	}
	if rec.Status == SettlementCompleted {
		return rec.JournalID, nil
	}
	if rec.Status != SettlementPending {
		return "", fmt.Errorf("settlement record for key %q is %s, not pending", key, rec.Status)
	}

	journalID := ms.insertLocked(j)
	rec.JournalID = journalID
	rec.Status = SettlementCompleted
	rec.UpdatedAt = time.Now().UTC()
	return journalID, nil
}

func (ms *MemoryStore) insertLocked(j *Journal) string {
	stored := *j
	stored.ID = uuid.NewString()
	stored.CreatedAt = time.Now().UTC()
	stored.Entries = append([]Entry(nil), j.Entries...)
	ms.journals[stored.ID] = &stored

	for _, e := range stored.Entries {
		delta := e.Amount
		if e.Direction == Credit {
			delta = delta.Neg()
		}
		k := balanceKey{e.AccountID, e.Asset}
		ms.balances[k] = ms.balances[k].Add(delta)
	}
	return stored.ID
}

func (ms *MemoryStore) ClaimSettlement(ctx context.Context, clientID, key string) (*SettlementRecord, bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	sk := settlementKey{clientID, key}
	rec, ok := ms.settlements[sk]
	if !ok {
		rec = &SettlementRecord{
			ClientID:       clientID,
			IdempotencyKey: key,
			Status:         SettlementPending,
			UpdatedAt:      time.Now().UTC(),
		}
		ms.settlements[sk] = rec
		cp := *rec
		return &cp, true, nil
	}
	expired := rec.Status == SettlementPending &&
		time.Now().UTC().Sub(rec.UpdatedAt) > ms.lease
	if rec.Status == SettlementFailed || expired {
		rec.Status = SettlementPending
		rec.JournalID = ""
		rec.UpdatedAt = time.Now().UTC()
		cp := *rec
		return &cp, true, nil
	}
	cp := *rec
	return &cp, false, nil
}

func (ms *MemoryStore) FailSettlement(ctx context.Context, clientID, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	rec, ok := ms.settlements[settlementKey{clientID, key}]
	if ok && rec.Status == SettlementPending {
		rec.Status = SettlementFailed
		rec.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (ms *MemoryStore) GetJournal(ctx context.Context, id string) (*Journal, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	j, ok := ms.journals[id]
	if !ok {
		return nil, ErrJournalNotFound
	}
	cp := *j
	cp.Entries = append([]Entry(nil), j.Entries...)
	return &cp, nil
}

func (ms *MemoryStore) GetBalance(ctx context.Context, accountID, asset string) (decimal.Decimal, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.balances[balanceKey{accountID, asset}], nil
}

func (ms *MemoryStore) TrialBalance(ctx context.Context) ([]TrialBalanceLine, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	nets := make(map[string]decimal.Decimal)
	for k, v := range ms.balances {
		nets[k.asset] = nets[k.asset].Add(v)
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
