// Package security carries the request-scoped identity plumbing: the
// correlation id every log line and error body is tagged with, and
// the client identity asserted by the upstream auth layer.
package security

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	CorrelationIDHeader = "X-Correlation-ID"

	// ClientIDHeader carries the authenticated client identity
	// asserted by the upstream auth/KYC gateway. This service trusts
	// the header; the gateway strips it from external traffic.
	ClientIDHeader = "X-Client-ID"

	maxCorrelationIDLen = 128
)

type correlationIDKey struct{}

// CorrelationID adopts the caller's correlation id, minting one when
// it is absent or unusable, and echoes it on the response.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get(CorrelationIDHeader)
		if cid == "" || len(cid) > maxCorrelationIDLen {
			cid = uuid.NewString()
		}

		w.Header().Set(CorrelationIDHeader, cid)
		ctx := context.WithValue(r.Context(), correlationIDKey{}, cid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func CorrelationIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(correlationIDKey{}).(string)
	return s
}

func ClientIDFromRequest(r *http.Request) string {
	return r.Header.Get(ClientIDHeader)
}
