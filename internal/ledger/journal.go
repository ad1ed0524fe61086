package ledger

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction marks which side of a journal an entry sits on.
type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

const (
	maxAssetLen       = 20
	maxReferenceLen   = 100
	maxDescriptionLen = 500
)

var (
	// ErrUnbalancedJournal is returned when a journal's entries do not
	// net to zero for every asset they touch. It is always a caller or
	// upstream pricing bug and is never retried automatically.
	ErrUnbalancedJournal = errors.New("journal entries do not balance")

	// ErrStoreUnavailable wraps connectivity failures against the
	// transactional store. Safe to retry with the same idempotency key.
	ErrStoreUnavailable = errors.New("ledger store unavailable")

	// ErrJournalNotFound is returned when a journal id does not exist.
	ErrJournalNotFound = errors.New("journal not found")
)

// ValidationError reports malformed input rejected before any store
// interaction. No side effect has occurred when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

var assetPattern = regexp.MustCompile(`^[A-Z0-9-]{1,20}$`)

// NormalizeAsset upper-cases and validates an asset symbol.
func NormalizeAsset(s string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(s))
	if sym == "" {
		return "", &ValidationError{Field: "asset", Reason: "required"}
	}
	if len(sym) > maxAssetLen || !assetPattern.MatchString(sym) {
		return "", &ValidationError{Field: "asset", Reason: "must be 1-20 characters of A-Z, 0-9 or '-'"}
	}
	return sym, nil
}

// ParseAmount parses a monetary amount from its wire form. Amounts are
// strings end to end so binary floating point never touches money.
func ParseAmount(s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, &ValidationError{Field: "amount", Reason: "required"}
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, &ValidationError{Field: "amount", Reason: "not a base-10 number"}
	}
	if d.IsNegative() {
		return decimal.Zero, &ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	return d, nil
}

// Entry is one leg of a journal: a single debit or credit movement
// against one account in one asset. Immutable once built.
type Entry struct {
	AccountID string          `json:"account_id"`
	Asset     string          `json:"asset"`
	Direction Direction       `json:"direction"`
	Amount    decimal.Decimal `json:"amount"`
}

// Journal is an atomic, ordered group of entries recorded as one unit.
// A journal is only ever persisted if balanced across every asset it
// touches; corrections are made via new offsetting journals.
type Journal struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id,omitempty"`
	Reference   string            `json:"reference,omitempty"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Entries     []Entry           `json:"entries"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Validate rejects malformed journals before the balance invariant is
// checked and before any store interaction.
func (j *Journal) Validate() error {
	if len(j.Entries) < 2 {
		return &ValidationError{Field: "entries", Reason: "a journal needs at least two legs"}
	}
	if len(j.Reference) > maxReferenceLen {
		return &ValidationError{Field: "reference", Reason: "exceeds 100 characters"}
	}
	if len(j.Description) > maxDescriptionLen {
		return &ValidationError{Field: "description", Reason: "exceeds 500 characters"}
	}
	for i, e := range j.Entries {
		if e.AccountID == "" {
			return &ValidationError{Field: fmt.Sprintf("entries[%d].account_id", i), Reason: "required"}
		}
		if e.Direction != Debit && e.Direction != Credit {
			return &ValidationError{Field: fmt.Sprintf("entries[%d].direction", i), Reason: "must be debit or credit"}
		}
		if _, err := NormalizeAsset(e.Asset); err != nil {
			return &ValidationError{Field: fmt.Sprintf("entries[%d].asset", i), Reason: "must be 1-20 characters of A-Z, 0-9 or '-'"}
		}
		if e.Amount.IsNegative() {
			return &ValidationError{Field: fmt.Sprintf("entries[%d].amount", i), Reason: "must not be negative"}
		}
	}
	return nil
}

// AssetNet is the signed per-asset net of a set of entries,
// debit-positive.
type AssetNet struct {
	Asset string          `json:"asset"`
	Net   decimal.Decimal `json:"net"`
}

// Imbalances returns the per-asset nets of entries in asset order.
// A balanced journal yields an all-zero result.
func Imbalances(entries []Entry) []AssetNet {
	nets := make(map[string]decimal.Decimal)
	for _, e := range entries {
		amt := e.Amount
		if e.Direction == Credit {
			amt = amt.Neg()
		}
		nets[e.Asset] = nets[e.Asset].Add(amt)
	}
	assets := make([]string, 0, len(nets))
	for a := range nets {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	out := make([]AssetNet, 0, len(assets))
	for _, a := range assets {
		out = append(out, AssetNet{Asset: a, Net: nets[a]})
	}
	return out
}

// Balanced reports whether, for every distinct asset in entries, the
// sum of debits exactly equals the sum of credits. Exact decimal
// equality, no tolerance: amounts are fixed-point decimals, so any
// nonzero net is a real imbalance. A single leg or an asset with
// entries on only one side is never balanced.
func Balanced(entries []Entry) bool {
	if len(entries) < 2 {
		return false
	}
	sides := make(map[string]map[Direction]bool)
	for _, e := range entries {
		if sides[e.Asset] == nil {
			sides[e.Asset] = make(map[Direction]bool)
		}
		sides[e.Asset][e.Direction] = true
	}
	for _, s := range sides {
		if !s[Debit] || !s[Credit] {
			return false
		}
	}
	for _, n := range Imbalances(entries) {
		if !n.Net.IsZero() {
			return false
		}
	}
	return true
}
