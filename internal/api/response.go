package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/trading-ledger/internal/ledger"
	"github.com/example/trading-ledger/internal/marketdata"
	"github.com/example/trading-ledger/internal/quotes"
	"github.com/example/trading-ledger/internal/security"
	"github.com/example/trading-ledger/internal/settlement"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ledger.ValidationError
	switch {
	case errors.As(err, &verr):
		security.WriteFieldError(w, r, http.StatusBadRequest, "validation_failed", verr.Field)
	case errors.Is(err, ledger.ErrUnbalancedJournal):
		security.WriteJSONError(w, r, http.StatusBadRequest, "unbalanced_journal")
	case errors.Is(err, quotes.ErrQuoteExpired):
		security.WriteJSONError(w, r, http.StatusConflict, "quote_expired")
	case errors.Is(err, quotes.ErrQuoteConsumed):
		security.WriteJSONError(w, r, http.StatusConflict, "quote_consumed")
	case errors.Is(err, settlement.ErrSettlementInProgress):
		security.WriteJSONError(w, r, http.StatusConflict, "settlement_in_progress")
	case errors.Is(err, quotes.ErrQuoteNotFound):
		security.WriteJSONError(w, r, http.StatusNotFound, "quote_not_found")
	case errors.Is(err, ledger.ErrJournalNotFound):
		security.WriteJSONError(w, r, http.StatusNotFound, "journal_not_found")
	case errors.Is(err, quotes.ErrQuoteUnavailable),
		errors.Is(err, marketdata.ErrNoPrice),
		errors.Is(err, ledger.ErrStoreUnavailable):
		security.WriteJSONError(w, r, http.StatusServiceUnavailable, "temporarily_unavailable")
	default:
		security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
	}
}
