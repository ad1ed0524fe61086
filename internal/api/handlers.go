package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/example/trading-ledger/internal/ledger"
	"github.com/example/trading-ledger/internal/quotes"
	"github.com/example/trading-ledger/internal/security"
	"github.com/example/trading-ledger/internal/settlement"
)

const idempotencyKeyHeader = "Idempotency-Key"

type settleRequest struct {
	Symbol      string `json:"symbol"`
	Amount      string `json:"amount"`
	QuoteID     string `json:"quote_id"`
	Payout      string `json:"payout"`
	Format      string `json:"format"`
	Reference   string `json:"reference"`
	Description string `json:"description"`
}

type settleResponse struct {
	CorrelationID string `json:"correlation_id"`
	JournalID     string `json:"journal_id"`
}

func handleSettle(deps Dependencies, kind settlement.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID := security.ClientIDFromRequest(r)
		if clientID == "" {
			security.WriteJSONError(w, r, http.StatusUnauthorized, "missing_client_identity")
			return
		}
		key := r.Header.Get(idempotencyKeyHeader)
		if key == "" {
			security.WriteFieldError(w, r, http.StatusBadRequest, "validation_failed", "idempotency_key")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxBodyBytes)
		var req settleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		journalID, err := deps.Settler.Settle(r.Context(), clientID, key, settlement.Request{
			Kind:        kind,
			Symbol:      req.Symbol,
			Amount:      req.Amount,
			QuoteID:     req.QuoteID,
			Payout:      req.Payout,
			Format:      req.Format,
			Reference:   req.Reference,
			Description: req.Description,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, settleResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			JournalID:     journalID,
		})
	}
}

type quoteResponse struct {
	CorrelationID string        `json:"correlation_id"`
	Quote         *quotes.Quote `json:"quote"`
}

func handleEstimate(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		quote, err := deps.Quotes.Estimate(r.Context(), quotes.EstimateRequest{
			Symbol: q.Get("symbol"),
			Side:   quotes.Side(q.Get("side")),
			Amount: q.Get("amount"),
			Format: q.Get("format"),
			Payout: q.Get("payout"),
		})
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, quoteResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Quote:         quote,
		})
	}
}

func handleGetQuote(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		quote, err := deps.Quotes.Get(chi.URLParam(r, "quote_id"))
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, quoteResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Quote:         quote,
		})
	}
}

type balanceResponse struct {
	CorrelationID string `json:"correlation_id"`
	AccountID     string `json:"account_id"`
	Asset         string `json:"asset"`
	Balance       string `json:"balance"`
}

func handleBalance(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := r.URL.Query().Get("account_id")
		if accountID == "" {
			security.WriteFieldError(w, r, http.StatusBadRequest, "validation_failed", "account_id")
			return
		}
		asset, err := ledger.NormalizeAsset(r.URL.Query().Get("asset"))
		if err != nil {
			writeError(w, r, err)
			return
		}

		balance, err := deps.Ledger.GetBalance(r.Context(), accountID, asset)
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, balanceResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			AccountID:     accountID,
			Asset:         asset,
			Balance:       balance.String(),
		})
	}
}

type trialBalanceLine struct {
	Asset      string `json:"asset"`
	Difference string `json:"difference"`
}

type trialBalanceResponse struct {
	CorrelationID string             `json:"correlation_id"`
	Balanced      bool               `json:"balanced"`
	Lines         []trialBalanceLine `json:"lines"`
	GeneratedAt   time.Time          `json:"generated_at"`
}

func handleTrialBalance(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lines, err := deps.Ledger.TrialBalance(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}

		resp := trialBalanceResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Balanced:      true,
			Lines:         make([]trialBalanceLine, 0, len(lines)),
			GeneratedAt:   time.Now().UTC(),
		}
		for _, l := range lines {
			if !l.Difference.IsZero() {
				resp.Balanced = false
			}
			resp.Lines = append(resp.Lines, trialBalanceLine{
				Asset:      l.Asset,
				Difference: l.Difference.String(),
			})
		}

		writeJSON(w, r, http.StatusOK, resp)
	}
}

type journalEntry struct {
	AccountID string `json:"account_id"`
	Asset     string `json:"asset"`
	Direction string `json:"direction"`
	Amount    string `json:"amount"`
}

type journalResponse struct {
	CorrelationID string            `json:"correlation_id"`
	JournalID     string            `json:"journal_id"`
	UserID        string            `json:"user_id,omitempty"`
	Reference     string            `json:"reference,omitempty"`
	Description   string            `json:"description,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Entries       []journalEntry    `json:"entries"`
	CreatedAt     time.Time         `json:"created_at"`
}

func handleGetJournal(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, err := deps.Ledger.GetJournal(r.Context(), chi.URLParam(r, "journal_id"))
		if err != nil {
			writeError(w, r, err)
			return
		}

		resp := journalResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			JournalID:     j.ID,
			UserID:        j.UserID,
			Reference:     j.Reference,
			Description:   j.Description,
			Metadata:      j.Metadata,
			Entries:       make([]journalEntry, 0, len(j.Entries)),
			CreatedAt:     j.CreatedAt,
		}
		for _, e := range j.Entries {
			resp.Entries = append(resp.Entries, journalEntry{
				AccountID: e.AccountID,
				Asset:     e.Asset,
				Direction: string(e.Direction),
				Amount:    e.Amount.String(),
			})
		}

		writeJSON(w, r, http.StatusOK, resp)
	}
}
