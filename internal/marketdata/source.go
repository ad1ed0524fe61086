// Package marketdata holds the price surface the quote engine draws
// from. Prices arrive from an upstream feed out of band; this package
// only keeps the latest snapshot per symbol.
package marketdata

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNoPrice = errors.New("no price available for symbol")

// PricePoint is the latest known USD price for one symbol.
type PricePoint struct {
	Symbol string
	Price  decimal.Decimal
	AsOf   time.Time
}

// PriceSource answers point-in-time price lookups. Implementations
// must honor ctx cancellation when the lookup can block.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (PricePoint, error)
}

// Feed is an in-memory quote board. Writers push snapshots with
// Publish; readers take the latest with Price.
type Feed struct {
	mu     sync.RWMutex
	latest map[string]PricePoint
	maxAge time.Duration
	now    func() time.Time
}

// NewFeed returns a feed that treats snapshots older than maxAge as
// missing. A maxAge of zero disables the staleness check.
func NewFeed(maxAge time.Duration) *Feed {
	return &Feed{
		latest: make(map[string]PricePoint),
		maxAge: maxAge,
		now:    time.Now,
	}
}

func (f *Feed) Publish(symbol string, price decimal.Decimal) {
	if symbol == "" || !price.IsPositive() {
		return
	}
	f.mu.Lock()
	f.latest[symbol] = PricePoint{Symbol: symbol, Price: price, AsOf: f.now()}
	f.mu.Unlock()
}

func (f *Feed) Price(ctx context.Context, symbol string) (PricePoint, error) {
	if err := ctx.Err(); err != nil {
		return PricePoint{}, err
	}
	f.mu.RLock()
	p, ok := f.latest[symbol]
	f.mu.RUnlock()
	if !ok {
		return PricePoint{}, ErrNoPrice
	}
	if f.maxAge > 0 && f.now().Sub(p.AsOf) > f.maxAge {
		return PricePoint{}, ErrNoPrice
	}
	return p, nil
}
