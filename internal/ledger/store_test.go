package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemoryStore(),
	}
}

func buyJournal(user string) *Journal {
	return &Journal{
		UserID:    user,
		Reference: "trade-" + user,
		Metadata:  map[string]string{"kind": "buy"},
		Entries: []Entry{
			{AccountID: "wallet:" + user, Asset: "XAU", Direction: Debit, Amount: d("1.5")},
			{AccountID: "house:trading", Asset: "XAU", Direction: Credit, Amount: d("1.5")},
			{AccountID: "house:trading", Asset: "USD", Direction: Debit, Amount: d("3000")},
			{AccountID: "wallet:" + user, Asset: "USD", Direction: Credit, Amount: d("3015")},
			{AccountID: "house:fees", Asset: "USD", Direction: Debit, Amount: d("15")},
		},
	}
}

func TestPostJournalRoundTrip(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := store.PostJournal(ctx, buyJournal("alice"))
			require.NoError(t, err)
			require.NotEmpty(t, id)

			got, err := store.GetJournal(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, "alice", got.UserID)
			assert.Equal(t, "trade-alice", got.Reference)
			require.Len(t, got.Entries, 5)
			assert.Equal(t, "wallet:alice", got.Entries[0].AccountID)
			assert.True(t, got.Entries[0].Amount.Equal(d("1.5")))

			bal, err := store.GetBalance(ctx, "wallet:alice", "XAU")
			require.NoError(t, err)
			assert.True(t, bal.Equal(d("1.5")))

			bal, err = store.GetBalance(ctx, "wallet:alice", "USD")
			require.NoError(t, err)
			assert.True(t, bal.Equal(d("-3015")))

			bal, err = store.GetBalance(ctx, "house:fees", "USD")
			require.NoError(t, err)
			assert.True(t, bal.Equal(d("15")))
		})
	}
}

func TestPostJournalRejectsUnbalanced(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			j := buyJournal("bob")
			j.Entries[0].Amount = d("1.49")
			_, err := store.PostJournal(ctx, j)
			require.ErrorIs(t, err, ErrUnbalancedJournal)

			bal, err := store.GetBalance(ctx, "wallet:bob", "XAU")
			require.NoError(t, err)
			assert.True(t, bal.IsZero())
		})
	}
}

func TestTrialBalanceStaysZero(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.PostJournal(ctx, buyJournal("alice"))
			require.NoError(t, err)
			_, err = store.PostJournal(ctx, buyJournal("bob"))
			require.NoError(t, err)

			lines, err := store.TrialBalance(ctx)
			require.NoError(t, err)
			require.Len(t, lines, 2)
			assert.Equal(t, "USD", lines[0].Asset)
			assert.True(t, lines[0].Difference.IsZero())
			assert.Equal(t, "XAU", lines[1].Asset)
			assert.True(t, lines[1].Difference.IsZero())
		})
	}
}

func TestGetJournalNotFound(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.GetJournal(context.Background(), "11111111-1111-1111-1111-111111111111")
			assert.ErrorIs(t, err, ErrJournalNotFound)
		})
	}
}

func TestGetBalanceUnknownAccountIsZero(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			bal, err := store.GetBalance(context.Background(), "wallet:nobody", "XAU")
			require.NoError(t, err)
			assert.True(t, bal.IsZero())
		})
	}
}

func TestSettlementClaimAndComplete(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			rec, claimed, err := store.ClaimSettlement(ctx, "alice", "key-00000001")
			require.NoError(t, err)
			require.True(t, claimed)
			assert.Equal(t, SettlementPending, rec.Status)

			// A second claim while pending must lose.
			rec, claimed, err = store.ClaimSettlement(ctx, "alice", "key-00000001")
			require.NoError(t, err)
			assert.False(t, claimed)
			assert.Equal(t, SettlementPending, rec.Status)

			id, err := store.PostSettlement(ctx, "alice", "key-00000001", buyJournal("alice"))
			require.NoError(t, err)
			require.NotEmpty(t, id)

			// After completion the claim reports the journal.
			rec, claimed, err = store.ClaimSettlement(ctx, "alice", "key-00000001")
			require.NoError(t, err)
			assert.False(t, claimed)
			assert.Equal(t, SettlementCompleted, rec.Status)
			assert.Equal(t, id, rec.JournalID)

			// Posting again replays the stored journal id without
			// writing a second journal.
			again, err := store.PostSettlement(ctx, "alice", "key-00000001", buyJournal("alice"))
			require.NoError(t, err)
			assert.Equal(t, id, again)

			bal, err := store.GetBalance(ctx, "wallet:alice", "XAU")
			require.NoError(t, err)
			assert.True(t, bal.Equal(d("1.5")))
		})
	}
}

func TestSettlementFailReleasesKey(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, claimed, err := store.ClaimSettlement(ctx, "carol", "key-00000009")
			require.NoError(t, err)
			require.True(t, claimed)

			require.NoError(t, store.FailSettlement(ctx, "carol", "key-00000009"))

			// Failed records are reclaimable so the client can retry.
			rec, claimed, err := store.ClaimSettlement(ctx, "carol", "key-00000009")
			require.NoError(t, err)
			assert.True(t, claimed)
			assert.Equal(t, SettlementPending, rec.Status)
		})
	}
}

func setLease(t *testing.T, store Store, d time.Duration) {
	t.Helper()
	switch s := store.(type) {
	case *SQLiteStore:
		s.SetSettlementLease(d)
	case *MemoryStore:
		s.SetSettlementLease(d)
	default:
		t.Fatalf("store %T has no settlement lease", store)
	}
}

func TestStalePendingClaimIsReclaimable(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			setLease(t, store, 10*time.Millisecond)

			_, claimed, err := store.ClaimSettlement(ctx, "dave", "stale-key-0001")
			require.NoError(t, err)
			require.True(t, claimed)

			// Within the lease the claim stays exclusive.
			_, claimed, err = store.ClaimSettlement(ctx, "dave", "stale-key-0001")
			require.NoError(t, err)
			assert.False(t, claimed)

			// Past the lease the pending record counts as abandoned,
			// as after a crash between claim and commit.
			time.Sleep(25 * time.Millisecond)
			rec, claimed, err := store.ClaimSettlement(ctx, "dave", "stale-key-0001")
			require.NoError(t, err)
			assert.True(t, claimed)
			assert.Equal(t, SettlementPending, rec.Status)

			// The reclaimed key settles normally.
			id, err := store.PostSettlement(ctx, "dave", "stale-key-0001", buyJournal("dave"))
			require.NoError(t, err)
			assert.NotEmpty(t, id)
		})
	}
}

func TestSQLiteDSNForcesImmediateLock(t *testing.T) {
	assert.Equal(t, "ledger.db?_txlock=immediate", sqliteDSN("ledger.db"))
	assert.Equal(t, "file:ledger.db?cache=shared&_txlock=immediate", sqliteDSN("file:ledger.db?cache=shared"))
	assert.Equal(t, "ledger.db?_txlock=deferred", sqliteDSN("ledger.db?_txlock=deferred"))
}

func TestSettlementKeysScopedPerClient(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, claimed, err := store.ClaimSettlement(ctx, "alice", "shared-key-01")
			require.NoError(t, err)
			require.True(t, claimed)

			// The same key under another client is a fresh claim.
			_, claimed, err = store.ClaimSettlement(ctx, "bob", "shared-key-01")
			require.NoError(t, err)
			assert.True(t, claimed)
		})
	}
}
