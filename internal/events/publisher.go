// Package events publishes settlement notifications for downstream
// consumers. Publishing is best effort and happens only after the
// ledger transaction has committed.
package events

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// SettlementEvent describes one committed settlement.
type SettlementEvent struct {
	JournalID      string          `json:"journal_id"`
	ClientID       string          `json:"client_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Kind           string          `json:"kind"`
	Symbol         string          `json:"symbol"`
	Amount         decimal.Decimal `json:"amount"`
	Total          decimal.Decimal `json:"total"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev SettlementEvent) error
	Close() error
}

// Disabled is the publisher used when no brokers are configured.
type Disabled struct{}

func (Disabled) Publish(ctx context.Context, ev SettlementEvent) error { return nil }

func (Disabled) Close() error { return nil }
