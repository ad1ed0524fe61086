// Package quotes issues short-lived price quotes against the live
// market data feed. A quote locks a price for one settlement: it can
// be read any number of times but redeemed exactly once.
package quotes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/trading-ledger/internal/ledger"
	"github.com/example/trading-ledger/internal/marketdata"
)

var (
	ErrQuoteNotFound    = errors.New("quote not found")
	ErrQuoteExpired     = errors.New("quote expired")
	ErrQuoteConsumed    = errors.New("quote already consumed")
	ErrQuoteUnavailable = errors.New("quote unavailable")
)

// Side of the trade a quote prices.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Quote is a priced, time-bounded offer. Amount is in units of
// Symbol; Price, Gross, Fee and Total are in the cash asset (USD, or
// Payout for conversions).
type Quote struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	Gross     decimal.Decimal `json:"gross"`
	Fee       decimal.Decimal `json:"fee"`
	Total     decimal.Decimal `json:"total"`
	Format    string          `json:"format,omitempty"`
	Payout    string          `json:"payout,omitempty"`
	ExpiresAt time.Time       `json:"expires_at"`
}

func (q *Quote) Expired(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

type EstimateRequest struct {
	Symbol string
	Side   Side
	Amount string
	Format string
	Payout string
}

// FeeSchedule holds per-symbol spread and fee rates in basis points.
// Symbols without an override use the defaults.
type FeeSchedule struct {
	DefaultSpreadBps int64
	DefaultFeeBps    int64
	SpreadBps        map[string]int64
	FeeBps           map[string]int64
}

func (fs FeeSchedule) spread(symbol string) decimal.Decimal {
	bps := fs.DefaultSpreadBps
	if v, ok := fs.SpreadBps[symbol]; ok {
		bps = v
	}
	return decimal.NewFromInt(bps).Div(decimal.NewFromInt(10000))
}

func (fs FeeSchedule) fee(symbol string) decimal.Decimal {
	bps := fs.DefaultFeeBps
	if v, ok := fs.FeeBps[symbol]; ok {
		bps = v
	}
	return decimal.NewFromInt(bps).Div(decimal.NewFromInt(10000))
}

type cachedQuote struct {
	quote    Quote
	consumed bool
}

// Engine prices estimates and tracks issued quotes for the lock
// window. The cache is process-local: a quote is redeemed against the
// instance that issued it.
type Engine struct {
	source       marketdata.PriceSource
	fees         FeeSchedule
	lockWindow   time.Duration
	fetchTimeout time.Duration

	mu    sync.Mutex
	cache map[string]*cachedQuote

	now func() time.Time
}

func NewEngine(source marketdata.PriceSource, fees FeeSchedule, lockWindow, fetchTimeout time.Duration) *Engine {
	return &Engine{
		source:       source,
		fees:         fees,
		lockWindow:   lockWindow,
		fetchTimeout: fetchTimeout,
		cache:        make(map[string]*cachedQuote),
		now:          time.Now,
	}
}

// Estimate prices a request at the current reference price and caches
// the resulting quote for the lock window.
func (e *Engine) Estimate(ctx context.Context, req EstimateRequest) (*Quote, error) {
	symbol, err := ledger.NormalizeAsset(req.Symbol)
	if err != nil {
		return nil, err
	}
	if req.Side != Buy && req.Side != Sell {
		return nil, &ledger.ValidationError{Field: "side", Reason: "must be buy or sell"}
	}
	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	if amount.IsZero() {
		return nil, &ledger.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	payout := ""
	if req.Payout != "" {
		payout, err = ledger.NormalizeAsset(req.Payout)
		if err != nil {
			return nil, &ledger.ValidationError{Field: "payout", Reason: "must be a valid asset symbol"}
		}
	}

	price, err := e.referencePrice(ctx, symbol)
	if err != nil {
		return nil, err
	}

	q := e.build(symbol, req.Side, amount, price)
	q.Format = req.Format
	q.Payout = payout

	e.mu.Lock()
	e.sweepLocked()
	e.cache[q.ID] = &cachedQuote{quote: *q}
	e.mu.Unlock()
	return q, nil
}

// PriceFor answers a one-off priced lookup without issuing a quote.
// Sell-convert uses it to price the payout asset.
func (e *Engine) PriceFor(ctx context.Context, symbol string, side Side) (decimal.Decimal, error) {
	sym, err := ledger.NormalizeAsset(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	ref, err := e.referencePrice(ctx, sym)
	if err != nil {
		return decimal.Zero, err
	}
	return e.adjusted(sym, side, ref), nil
}

func (e *Engine) referencePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	fctx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()
	p, err := e.source.Price(fctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
	return p.Price, nil
}

func (e *Engine) adjusted(symbol string, side Side, ref decimal.Decimal) decimal.Decimal {
	spread := e.fees.spread(symbol)
	if side == Buy {
		return ref.Mul(decimal.NewFromInt(1).Add(spread))
	}
	return ref.Mul(decimal.NewFromInt(1).Sub(spread))
}

func (e *Engine) build(symbol string, side Side, amount, ref decimal.Decimal) *Quote {
	price := e.adjusted(symbol, side, ref)
	gross := amount.Mul(price)
	fee := gross.Mul(e.fees.fee(symbol))
	total := gross.Add(fee)
	if side == Sell {
		total = gross.Sub(fee)
	}
	return &Quote{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Side:      side,
		Amount:    amount,
		Price:     price,
		Gross:     gross,
		Fee:       fee,
		Total:     total,
		ExpiresAt: e.now().Add(e.lockWindow),
	}
}

// Get returns a cached quote without consuming it.
func (e *Engine) Get(id string) (*Quote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cq, ok := e.cache[id]
	if !ok {
		return nil, ErrQuoteNotFound
	}
	if cq.quote.Expired(e.now()) {
		delete(e.cache, id)
		return nil, ErrQuoteExpired
	}
	q := cq.quote
	return &q, nil
}

// Consume redeems a quote. Each quote is consumable exactly once.
func (e *Engine) Consume(id string) (*Quote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cq, ok := e.cache[id]
	if !ok {
		return nil, ErrQuoteNotFound
	}
	if cq.quote.Expired(e.now()) {
		delete(e.cache, id)
		return nil, ErrQuoteExpired
	}
	if cq.consumed {
		return nil, ErrQuoteConsumed
	}
	cq.consumed = true
	q := cq.quote
	return &q, nil
}

// Release undoes a consumption after a failed settlement so a retry
// can redeem the same quote inside its window.
func (e *Engine) Release(id string) {
	e.mu.Lock()
	if cq, ok := e.cache[id]; ok && !cq.quote.Expired(e.now()) {
		cq.consumed = false
	}
	e.mu.Unlock()
}

// sweepLocked drops expired quotes. Called with e.mu held.
func (e *Engine) sweepLocked() {
	now := e.now()
	for id, cq := range e.cache {
		if cq.quote.Expired(now) {
			delete(e.cache, id)
		}
	}
}
