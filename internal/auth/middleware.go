package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type claimsContextKey struct{}

// ClaimsFromContext returns the verified access claims placed by Middleware.
func ClaimsFromContext(ctx context.Context) (AccessClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(AccessClaims)
	return claims, ok
}

// Middleware verifies the bearer access token on every request and makes the
// claims available downstream. Expired tokens get a distinct message so
// clients know to refresh instead of re-authenticating.
func Middleware(issuer *Issuer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeError(w, http.StatusUnauthorized, "invalid authorization format")
			return
		}

		claims, err := issuer.VerifyAccess(strings.TrimSpace(parts[1]))
		if err != nil {
			if errors.Is(err, ErrAccessTokenExpired) {
				writeError(w, http.StatusUnauthorized, "access token expired")
				return
			}
			writeError(w, http.StatusUnauthorized, "invalid access token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
