// Package settlement executes trades against the ledger exactly once
// per client-supplied idempotency key.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/trading-ledger/internal/events"
	"github.com/example/trading-ledger/internal/ledger"
	"github.com/example/trading-ledger/internal/quotes"
)

var ErrSettlementInProgress = errors.New("settlement already in progress for this key")

// Kind of settlement being requested.
type Kind string

const (
	KindBuy         Kind = "buy"
	KindSell        Kind = "sell"
	KindPhysical    Kind = "physical"
	KindSellConvert Kind = "sell-convert"
)

const (
	cashAsset = "USD"

	accountTrading    = "house:trading"
	accountFees       = "house:fees"
	accountDeliveries = "house:deliveries"

	minTradeKeyLen = 8
	minOrderKeyLen = 16
)

func walletAccount(clientID string) string {
	return "wallet:" + clientID
}

// Request describes one settlement. QuoteID is optional; without it
// the coordinator prices the trade at the current market.
type Request struct {
	Kind        Kind
	Symbol      string
	Amount      string
	QuoteID     string
	Payout      string
	Format      string
	Reference   string
	Description string
}

func (r Request) side() quotes.Side {
	if r.Kind == KindSell || r.Kind == KindSellConvert {
		return quotes.Sell
	}
	return quotes.Buy
}

func (r Request) minKeyLen() int {
	if r.Kind == KindPhysical || r.Kind == KindSellConvert {
		return minOrderKeyLen
	}
	return minTradeKeyLen
}

// Coordinator drives the settlement state machine. The store is the
// sole coordination point across processes; the coordinator itself
// holds no cross-request state.
type Coordinator struct {
	store     ledger.Store
	engine    *quotes.Engine
	publisher events.Publisher
	logger    *slog.Logger
}

func NewCoordinator(store ledger.Store, engine *quotes.Engine, publisher events.Publisher, logger *slog.Logger) *Coordinator {
	if publisher == nil {
		publisher = events.Disabled{}
	}
	return &Coordinator{store: store, engine: engine, publisher: publisher, logger: logger}
}

// Settle executes a settlement exactly once per (clientID, key).
// Replays of a completed settlement return the original journal id
// with no side effects.
func (c *Coordinator) Settle(ctx context.Context, clientID, key string, req Request) (string, error) {
	if err := validate(clientID, key, req); err != nil {
		return "", err
	}

	rec, claimed, err := c.store.ClaimSettlement(ctx, clientID, key)
	if err != nil {
		return "", err
	}
	if !claimed {
		switch rec.Status {
		case ledger.SettlementCompleted:
			return rec.JournalID, nil
		default:
			return "", ErrSettlementInProgress
		}
	}

	journalID, err := c.execute(ctx, clientID, key, req)
	if err != nil {
		if failErr := c.store.FailSettlement(context.WithoutCancel(ctx), clientID, key); failErr != nil {
			c.logger.Error("failed to mark settlement failed",
				"client_id", clientID, "error", failErr)
		}
		return "", err
	}
	return journalID, nil
}

func (c *Coordinator) execute(ctx context.Context, clientID, key string, req Request) (string, error) {
	quote, err := c.obtainQuote(ctx, req)
	if err != nil {
		return "", err
	}

	j, err := c.buildJournal(ctx, clientID, req, quote)
	if err != nil {
		c.engine.Release(quote.ID)
		return "", err
	}

	journalID, err := c.store.PostSettlement(ctx, clientID, key, j)
	if err != nil {
		c.engine.Release(quote.ID)
		return "", err
	}

	// The commit has happened; cancellation no longer changes the
	// outcome, so publish on a detached context and return the id.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	ev := events.SettlementEvent{
		JournalID:      journalID,
		ClientID:       clientID,
		IdempotencyKey: key,
		Kind:           string(req.Kind),
		Symbol:         quote.Symbol,
		Amount:         quote.Amount,
		Total:          quote.Total,
		OccurredAt:     time.Now().UTC(),
	}
	if err := c.publisher.Publish(pctx, ev); err != nil {
		c.logger.Warn("settlement event publish failed",
			"journal_id", journalID, "error", err)
	}
	return journalID, nil
}

func (c *Coordinator) obtainQuote(ctx context.Context, req Request) (*quotes.Quote, error) {
	if req.QuoteID == "" {
		return c.engine.Estimate(ctx, quotes.EstimateRequest{
			Symbol: req.Symbol,
			Side:   req.side(),
			Amount: req.Amount,
			Format: req.Format,
			Payout: req.Payout,
		})
	}

	quote, err := c.engine.Consume(req.QuoteID)
	if err != nil {
		return nil, err
	}
	if quote.Side != req.side() {
		c.engine.Release(quote.ID)
		return nil, &ledger.ValidationError{Field: "quote_id", Reason: "quote side does not match request"}
	}
	if req.Symbol != "" {
		sym, err := ledger.NormalizeAsset(req.Symbol)
		if err != nil || sym != quote.Symbol {
			c.engine.Release(quote.ID)
			return nil, &ledger.ValidationError{Field: "quote_id", Reason: "quote symbol does not match request"}
		}
	}
	return quote, nil
}

func (c *Coordinator) buildJournal(ctx context.Context, clientID string, req Request, q *quotes.Quote) (*ledger.Journal, error) {
	j := &ledger.Journal{
		UserID:      clientID,
		Reference:   req.Reference,
		Description: req.Description,
		Metadata: map[string]string{
			"kind":     string(req.Kind),
			"quote_id": q.ID,
		},
	}

	wallet := walletAccount(clientID)
	switch req.Kind {
	case KindBuy:
		j.Entries = buyEntries(wallet, q)
	case KindSell:
		j.Entries = sellEntries(wallet, q)
	case KindPhysical:
		format := req.Format
		if format == "" {
			format = q.Format
		}
		j.Metadata["format"] = format
		j.Entries = physicalEntries(wallet, q)
	case KindSellConvert:
		payout := req.Payout
		if payout == "" {
			payout = q.Payout
		}
		entries, err := c.sellConvertEntries(ctx, wallet, payout, q)
		if err != nil {
			return nil, err
		}
		j.Metadata["payout"] = payout
		j.Entries = entries
	default:
		return nil, &ledger.ValidationError{Field: "kind", Reason: "unknown settlement kind"}
	}
	return j, nil
}

// buyEntries moves the asset to the wallet and the cash, fee
// included, to the house.
func buyEntries(wallet string, q *quotes.Quote) []ledger.Entry {
	return []ledger.Entry{
		{AccountID: wallet, Asset: q.Symbol, Direction: ledger.Debit, Amount: q.Amount},
		{AccountID: accountTrading, Asset: q.Symbol, Direction: ledger.Credit, Amount: q.Amount},
		{AccountID: accountTrading, Asset: cashAsset, Direction: ledger.Debit, Amount: q.Gross},
		{AccountID: wallet, Asset: cashAsset, Direction: ledger.Credit, Amount: q.Total},
		{AccountID: accountFees, Asset: cashAsset, Direction: ledger.Debit, Amount: q.Fee},
	}
}

// sellEntries mirrors buyEntries; the fee comes out of the proceeds.
func sellEntries(wallet string, q *quotes.Quote) []ledger.Entry {
	return []ledger.Entry{
		{AccountID: wallet, Asset: q.Symbol, Direction: ledger.Credit, Amount: q.Amount},
		{AccountID: accountTrading, Asset: q.Symbol, Direction: ledger.Debit, Amount: q.Amount},
		{AccountID: wallet, Asset: cashAsset, Direction: ledger.Debit, Amount: q.Total},
		{AccountID: accountTrading, Asset: cashAsset, Direction: ledger.Credit, Amount: q.Gross},
		{AccountID: accountFees, Asset: cashAsset, Direction: ledger.Debit, Amount: q.Fee},
	}
}

// physicalEntries commits trading inventory to the deliveries account
// instead of the buyer's wallet; the cash legs match a buy.
func physicalEntries(wallet string, q *quotes.Quote) []ledger.Entry {
	return []ledger.Entry{
		{AccountID: accountDeliveries, Asset: q.Symbol, Direction: ledger.Debit, Amount: q.Amount},
		{AccountID: accountTrading, Asset: q.Symbol, Direction: ledger.Credit, Amount: q.Amount},
		{AccountID: accountTrading, Asset: cashAsset, Direction: ledger.Debit, Amount: q.Gross},
		{AccountID: wallet, Asset: cashAsset, Direction: ledger.Credit, Amount: q.Total},
		{AccountID: accountFees, Asset: cashAsset, Direction: ledger.Debit, Amount: q.Fee},
	}
}

// sellConvertEntries books the asset legs as a sell and the proceeds
// in the payout asset at that asset's own current buy price.
func (c *Coordinator) sellConvertEntries(ctx context.Context, wallet, payout string, q *quotes.Quote) ([]ledger.Entry, error) {
	if payout == "" {
		return nil, &ledger.ValidationError{Field: "payout", Reason: "required for sell-convert"}
	}
	payoutSym, err := ledger.NormalizeAsset(payout)
	if err != nil {
		return nil, &ledger.ValidationError{Field: "payout", Reason: "must be a valid asset symbol"}
	}
	payoutPrice, err := c.engine.PriceFor(ctx, payoutSym, quotes.Buy)
	if err != nil {
		return nil, err
	}

	payoutGross := q.Gross.Div(payoutPrice)
	payoutFee := q.Fee.Div(payoutPrice)
	payoutNet := payoutGross.Sub(payoutFee)

	return []ledger.Entry{
		{AccountID: wallet, Asset: q.Symbol, Direction: ledger.Credit, Amount: q.Amount},
		{AccountID: accountTrading, Asset: q.Symbol, Direction: ledger.Debit, Amount: q.Amount},
		{AccountID: wallet, Asset: payoutSym, Direction: ledger.Debit, Amount: payoutNet},
		{AccountID: accountTrading, Asset: payoutSym, Direction: ledger.Credit, Amount: payoutGross},
		{AccountID: accountFees, Asset: payoutSym, Direction: ledger.Debit, Amount: payoutFee},
	}, nil
}

func validate(clientID, key string, req Request) error {
	if clientID == "" {
		return &ledger.ValidationError{Field: "client_id", Reason: "required"}
	}
	switch req.Kind {
	case KindBuy, KindSell, KindPhysical, KindSellConvert:
	default:
		return &ledger.ValidationError{Field: "kind", Reason: "must be buy, sell, physical or sell-convert"}
	}
	if min := req.minKeyLen(); len(key) < min {
		return &ledger.ValidationError{
			Field:  "idempotency_key",
			Reason: fmt.Sprintf("must be at least %d characters", min),
		}
	}
	// Without a quote to consume, the request itself must carry a
	// priceable symbol and amount. Rejecting here keeps malformed
	// requests from ever touching the store.
	if req.QuoteID == "" {
		if _, err := ledger.NormalizeAsset(req.Symbol); err != nil {
			return err
		}
		amount, err := ledger.ParseAmount(req.Amount)
		if err != nil {
			return err
		}
		if amount.IsZero() {
			return &ledger.ValidationError{Field: "amount", Reason: "must be positive"}
		}
		if req.Kind == KindSellConvert && req.Payout == "" {
			return &ledger.ValidationError{Field: "payout", Reason: "required for sell-convert"}
		}
	}
	return nil
}
