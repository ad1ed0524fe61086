// Package api exposes the settlement engine over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/example/trading-ledger/internal/ledger"
	"github.com/example/trading-ledger/internal/quotes"
	"github.com/example/trading-ledger/internal/security"
	"github.com/example/trading-ledger/internal/settlement"
)

type Dependencies struct {
	Logger *slog.Logger

	Settler interface {
		Settle(ctx context.Context, clientID, key string, req settlement.Request) (string, error)
	}
	Quotes interface {
		Estimate(ctx context.Context, req quotes.EstimateRequest) (*quotes.Quote, error)
		Get(id string) (*quotes.Quote, error)
	}
	Ledger interface {
		GetJournal(ctx context.Context, id string) (*ledger.Journal, error)
		GetBalance(ctx context.Context, accountID, asset string) (decimal.Decimal, error)
		TrialBalance(ctx context.Context) ([]ledger.TrialBalanceLine, error)
	}

	MaxBodyBytes int64
}

func NewRouter(deps Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 1 << 20
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Route("/trades", func(r chi.Router) {
			r.Post("/buy", handleSettle(deps, settlement.KindBuy))
			r.Post("/sell", handleSettle(deps, settlement.KindSell))
		})

		r.Route("/orders", func(r chi.Router) {
			r.Post("/physical", handleSettle(deps, settlement.KindPhysical))
			r.Post("/sell-convert", handleSettle(deps, settlement.KindSellConvert))
		})

		r.Route("/quotes", func(r chi.Router) {
			r.Get("/estimate", handleEstimate(deps))
			r.Get("/{quote_id}", handleGetQuote(deps))
		})

		r.Route("/ledger", func(r chi.Router) {
			r.Get("/balance", handleBalance(deps))
			r.Get("/trial-balance", handleTrialBalance(deps))
			r.Get("/journals/{journal_id}", handleGetJournal(deps))
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r
}
