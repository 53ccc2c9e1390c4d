package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// OwnerKey is the context key used to store the calling owner principal.
const OwnerKey contextKey = "owner"

// OwnerHeader carries the owner principal. Authentication happens in front of this
// service; whatever sits there is trusted to set the header.
const OwnerHeader = "X-Owner-ID"

// maxOwnerLength caps the principal length.
const maxOwnerLength = 256

// RequireOwner rejects requests without an owner principal and stores it in the
// request context for downstream handlers. Browsers cannot set headers on WebSocket
// upgrades, so the "owner" query parameter is accepted as a fallback.
func RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, ok := OwnerFromRequest(r)
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), OwnerKey, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OwnerFromRequest extracts and validates the owner principal of a request.
func OwnerFromRequest(r *http.Request) (string, bool) {
	owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
	if owner == "" {
		owner = strings.TrimSpace(r.URL.Query().Get("owner"))
	}
	if owner == "" || len(owner) > maxOwnerLength {
		return "", false
	}
	return owner, true
}

// GetOwnerFromContext returns the owner principal from the context.
func GetOwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(OwnerKey).(string)
	return owner, ok && owner != ""
}
