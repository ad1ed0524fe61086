package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trading-ledger/internal/events"
	"github.com/example/trading-ledger/internal/ledger"
	"github.com/example/trading-ledger/internal/marketdata"
	"github.com/example/trading-ledger/internal/quotes"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []events.SettlementEvent
}

func (p *capturePublisher) Publish(ctx context.Context, ev events.SettlementEvent) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *capturePublisher) Close() error { return nil }

type fixture struct {
	store     *ledger.MemoryStore
	engine    *quotes.Engine
	publisher *capturePublisher
	coord     *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	feed := marketdata.NewFeed(0)
	feed.Publish("XAU", decimal.NewFromInt(2000))
	feed.Publish("AGX", decimal.NewFromInt(25))
	feed.Publish("USD-C", decimal.NewFromInt(1))

	f := &fixture{
		store:     ledger.NewMemoryStore(),
		publisher: &capturePublisher{},
	}
	f.engine = quotes.NewEngine(feed, quotes.FeeSchedule{DefaultSpreadBps: 50, DefaultFeeBps: 25}, 2*time.Minute, time.Second)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.coord = NewCoordinator(f.store, f.engine, f.publisher, logger)
	return f
}

func TestSettleBuy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.coord.Settle(ctx, "alice", "trade-key-1", Request{
		Kind: KindBuy, Symbol: "XAU", Amount: "2", Reference: "order-77",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	j, err := f.store.GetJournal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", j.UserID)
	assert.Equal(t, "order-77", j.Reference)
	assert.Equal(t, "buy", j.Metadata["kind"])
	assert.True(t, ledger.Balanced(j.Entries))

	// 2000 * 1.005 * 2 = 4020 gross, 10.05 fee.
	xau, err := f.store.GetBalance(ctx, "wallet:alice", "XAU")
	require.NoError(t, err)
	assert.True(t, xau.Equal(decimal.NewFromInt(2)))

	usd, err := f.store.GetBalance(ctx, "wallet:alice", "USD")
	require.NoError(t, err)
	assert.True(t, usd.Equal(decimal.RequireFromString("-4030.05")), "wallet usd %s", usd)

	fees, err := f.store.GetBalance(ctx, "house:fees", "USD")
	require.NoError(t, err)
	assert.True(t, fees.Equal(decimal.RequireFromString("10.05")))

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, id, f.publisher.events[0].JournalID)
	assert.Equal(t, "buy", f.publisher.events[0].Kind)
}

func TestSettleSell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.coord.Settle(ctx, "bob", "trade-key-2", Request{
		Kind: KindSell, Symbol: "XAU", Amount: "1",
	})
	require.NoError(t, err)

	j, err := f.store.GetJournal(ctx, id)
	require.NoError(t, err)
	assert.True(t, ledger.Balanced(j.Entries))

	// 2000 * 0.995 = 1990 gross, 4.975 fee, 1985.025 proceeds.
	usd, err := f.store.GetBalance(ctx, "wallet:bob", "USD")
	require.NoError(t, err)
	assert.True(t, usd.Equal(decimal.RequireFromString("1985.025")), "wallet usd %s", usd)

	xau, err := f.store.GetBalance(ctx, "wallet:bob", "XAU")
	require.NoError(t, err)
	assert.True(t, xau.Equal(decimal.NewFromInt(-1)))
}

func TestSettleReplayReturnsSameJournal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := Request{Kind: KindBuy, Symbol: "XAU", Amount: "1"}

	first, err := f.coord.Settle(ctx, "alice", "replay-key-1", req)
	require.NoError(t, err)

	second, err := f.coord.Settle(ctx, "alice", "replay-key-1", req)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// The replay posted nothing.
	xau, err := f.store.GetBalance(ctx, "wallet:alice", "XAU")
	require.NoError(t, err)
	assert.True(t, xau.Equal(decimal.NewFromInt(1)))
	assert.Len(t, f.publisher.events, 1)
}

func TestSettleConcurrentSameKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := Request{Kind: KindBuy, Symbol: "XAU", Amount: "1"}

	const workers = 8
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = f.coord.Settle(ctx, "alice", "race-key-01", req)
		}(i)
	}
	wg.Wait()

	var winner string
	for i := 0; i < workers; i++ {
		switch {
		case errs[i] == nil:
			if winner == "" {
				winner = ids[i]
			}
			assert.Equal(t, winner, ids[i])
		default:
			assert.ErrorIs(t, errs[i], ErrSettlementInProgress)
		}
	}
	require.NotEmpty(t, winner)

	// Exactly one journal posted.
	xau, err := f.store.GetBalance(ctx, "wallet:alice", "XAU")
	require.NoError(t, err)
	assert.True(t, xau.Equal(decimal.NewFromInt(1)))
}

func TestSettleWithQuote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	q, err := f.engine.Estimate(ctx, quotes.EstimateRequest{Symbol: "XAU", Side: quotes.Buy, Amount: "1"})
	require.NoError(t, err)

	id, err := f.coord.Settle(ctx, "alice", "quoted-key-1", Request{Kind: KindBuy, QuoteID: q.ID})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// The quote is spent; a different key cannot redeem it again.
	_, err = f.coord.Settle(ctx, "alice", "quoted-key-2", Request{Kind: KindBuy, QuoteID: q.ID})
	assert.ErrorIs(t, err, quotes.ErrQuoteConsumed)
}

func TestSettleQuoteSideMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	q, err := f.engine.Estimate(ctx, quotes.EstimateRequest{Symbol: "XAU", Side: quotes.Sell, Amount: "1"})
	require.NoError(t, err)

	_, err = f.coord.Settle(ctx, "alice", "mismatch-key", Request{Kind: KindBuy, QuoteID: q.ID})
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "quote_id", verr.Field)

	// The mismatch released the quote for its rightful use.
	_, err = f.coord.Settle(ctx, "alice", "mismatch-key2", Request{Kind: KindSell, QuoteID: q.ID})
	assert.NoError(t, err)
}

type failingStore struct {
	ledger.Store
	failures int
	mu       sync.Mutex
}

func (fs *failingStore) PostSettlement(ctx context.Context, clientID, key string, j *ledger.Journal) (string, error) {
	fs.mu.Lock()
	shouldFail := fs.failures > 0
	if shouldFail {
		fs.failures--
	}
	fs.mu.Unlock()
	if shouldFail {
		return "", ledger.ErrStoreUnavailable
	}
	return fs.Store.PostSettlement(ctx, clientID, key, j)
}

func TestSettleFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	store := &failingStore{Store: f.store, failures: 1}
	coord := NewCoordinator(store, f.engine, f.publisher, slog.New(slog.NewTextHandler(io.Discard, nil)))

	q, err := f.engine.Estimate(ctx, quotes.EstimateRequest{Symbol: "XAU", Side: quotes.Buy, Amount: "1"})
	require.NoError(t, err)

	_, err = coord.Settle(ctx, "carol", "retry-key-1", Request{Kind: KindBuy, QuoteID: q.ID})
	require.ErrorIs(t, err, ledger.ErrStoreUnavailable)

	// The failure released the quote and left the key re-claimable.
	id, err := coord.Settle(ctx, "carol", "retry-key-1", Request{Kind: KindBuy, QuoteID: q.ID})
	require.NoError(t, err)
	require.NotEmpty(t, id)
}

// outageStore simulates a store outage that takes down both the
// commit and the follow-up failure marking, as a lost connection or a
// crashed process would.
type outageStore struct {
	ledger.Store
	mu     sync.Mutex
	outage bool
}

func (os *outageStore) PostSettlement(ctx context.Context, clientID, key string, j *ledger.Journal) (string, error) {
	os.mu.Lock()
	down := os.outage
	os.mu.Unlock()
	if down {
		return "", ledger.ErrStoreUnavailable
	}
	return os.Store.PostSettlement(ctx, clientID, key, j)
}

func (os *outageStore) FailSettlement(ctx context.Context, clientID, key string) error {
	os.mu.Lock()
	down := os.outage
	os.outage = false
	os.mu.Unlock()
	if down {
		return ledger.ErrStoreUnavailable
	}
	return os.Store.FailSettlement(ctx, clientID, key)
}

func TestSettleRetryAfterStoreOutage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetSettlementLease(10 * time.Millisecond)
	store := &outageStore{Store: f.store, outage: true}
	coord := NewCoordinator(store, f.engine, f.publisher, slog.New(slog.NewTextHandler(io.Discard, nil)))
	req := Request{Kind: KindBuy, Symbol: "XAU", Amount: "1"}

	// The outage fails the commit and the failure marking alike,
	// leaving the record stranded in pending.
	_, err := coord.Settle(ctx, "erin", "outage-key-1", req)
	require.ErrorIs(t, err, ledger.ErrStoreUnavailable)

	// Until the lease lapses the dead attempt still holds the key.
	_, err = coord.Settle(ctx, "erin", "outage-key-1", req)
	require.ErrorIs(t, err, ErrSettlementInProgress)

	// Once it does, the same key settles cleanly.
	time.Sleep(25 * time.Millisecond)
	id, err := coord.Settle(ctx, "erin", "outage-key-1", req)
	require.NoError(t, err)
	require.NotEmpty(t, id)
}

func TestSettleValidationLeavesNoRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var verr *ledger.ValidationError
	_, err := f.coord.Settle(ctx, "alice", "valid-key-01", Request{Kind: KindBuy, Symbol: "XAU", Amount: "-1"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "amount", verr.Field)

	_, err = f.coord.Settle(ctx, "alice", "valid-key-01", Request{Kind: KindBuy, Symbol: "XA U", Amount: "1"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "asset", verr.Field)

	_, err = f.coord.Settle(ctx, "alice", "valid-key-01", Request{Kind: KindBuy, Symbol: "XAU", Amount: "0"})
	require.ErrorAs(t, err, &verr)

	// None of the rejections touched the store: the key is unclaimed.
	_, claimed, err := f.store.ClaimSettlement(ctx, "alice", "valid-key-01")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestSettlePhysical(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.coord.Settle(ctx, "alice", "physical-key-000001", Request{
		Kind: KindPhysical, Symbol: "XAU", Amount: "3", Format: "bar-1oz",
	})
	require.NoError(t, err)

	j, err := f.store.GetJournal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "bar-1oz", j.Metadata["format"])
	assert.True(t, ledger.Balanced(j.Entries))

	// Inventory moves to deliveries, not the buyer's wallet.
	deliveries, err := f.store.GetBalance(ctx, "house:deliveries", "XAU")
	require.NoError(t, err)
	assert.True(t, deliveries.Equal(decimal.NewFromInt(3)))

	walletXAU, err := f.store.GetBalance(ctx, "wallet:alice", "XAU")
	require.NoError(t, err)
	assert.True(t, walletXAU.IsZero())
}

func TestSettleSellConvert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.coord.Settle(ctx, "alice", "convert-key-0000001", Request{
		Kind: KindSellConvert, Symbol: "XAU", Amount: "1", Payout: "AGX",
	})
	require.NoError(t, err)

	j, err := f.store.GetJournal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "AGX", j.Metadata["payout"])
	assert.True(t, ledger.Balanced(j.Entries))

	// Proceeds land in the payout asset, not USD.
	usd, err := f.store.GetBalance(ctx, "wallet:alice", "USD")
	require.NoError(t, err)
	assert.True(t, usd.IsZero())

	agx, err := f.store.GetBalance(ctx, "wallet:alice", "AGX")
	require.NoError(t, err)
	assert.True(t, agx.IsPositive())
}

func TestSettleKeyLength(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var verr *ledger.ValidationError

	_, err := f.coord.Settle(ctx, "alice", "short", Request{Kind: KindBuy, Symbol: "XAU", Amount: "1"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "idempotency_key", verr.Field)

	// Order kinds need the longer key; a trade-sized key is rejected.
	_, err = f.coord.Settle(ctx, "alice", "only-12chars", Request{
		Kind: KindPhysical, Symbol: "XAU", Amount: "1", Format: "bar-1oz",
	})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "idempotency_key", verr.Field)
}

func TestSettleUnknownKind(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.Settle(context.Background(), "alice", "some-long-key", Request{Kind: "short-sell"})
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "kind", verr.Field)
}

func TestSettleExpiredQuote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	feed := marketdata.NewFeed(0)
	feed.Publish("XAU", decimal.NewFromInt(2000))
	engine := quotes.NewEngine(feed, quotes.FeeSchedule{}, time.Nanosecond, time.Second)
	coord := NewCoordinator(f.store, engine, f.publisher, slog.New(slog.NewTextHandler(io.Discard, nil)))

	q, err := engine.Estimate(ctx, quotes.EstimateRequest{Symbol: "XAU", Side: quotes.Buy, Amount: "1"})
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	_, err = coord.Settle(ctx, "alice", "expired-key-1", Request{Kind: KindBuy, QuoteID: q.ID})
	assert.True(t, errors.Is(err, quotes.ErrQuoteExpired) || errors.Is(err, quotes.ErrQuoteNotFound))
}
