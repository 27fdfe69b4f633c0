// Package middleware provides HTTP middleware for handshake authentication,
// the admin key check, CORS handling, rate limiting, and request context management.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/emberwake/relay/internal/crypto"
	"github.com/emberwake/relay/internal/logging"
	"github.com/emberwake/relay/internal/services"
)

type contextKey string

const (
	// ClaimsKey is the context key for storing JWT claims.
	ClaimsKey contextKey = "claims"

	// TokenQueryParam and TokenCookie carry the handshake token for clients
	// that cannot set headers, such as browser WebSocket and EventSource.
	TokenQueryParam = "token"
	TokenCookie     = "relay_token"

	// AdminKeyHeader carries the plaintext admin key.
	AdminKeyHeader = "X-Admin-Key"
)

// TokenValidator validates a handshake token.
type TokenValidator interface {
	ValidateToken(token string) (*services.Claims, error)
}

// extractToken reads the token from the Authorization header, the token
// query parameter or the relay_token cookie, in that order.
func extractToken(r *http.Request) (token string, malformed bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", true
		}
		return parts[1], false
	}
	if t := r.URL.Query().Get(TokenQueryParam); t != "" {
		return t, false
	}
	if c, err := r.Cookie(TokenCookie); err == nil && c.Value != "" {
		return c.Value, false
	}
	return "", false
}

// AuthMiddleware validates handshake tokens and adds claims to the request context.
// Returns 401 for missing/invalid tokens.
func AuthMiddleware(authService TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, malformed := extractToken(r)
			if malformed {
				logging.LogSecurityEvent(r.Context(), logging.SecurityEventInvalidAuthFmt, "invalid authorization header format")
				http.Error(w, `{"error":"invalid authorization header format"}`, http.StatusUnauthorized)
				return
			}
			if token == "" {
				logging.LogSecurityEvent(r.Context(), logging.SecurityEventMissingAuth, "missing handshake token")
				http.Error(w, `{"error":"missing token"}`, http.StatusUnauthorized)
				return
			}

			claims, err := authService.ValidateToken(token)
			if err != nil {
				logging.LogSecurityEvent(r.Context(), logging.SecurityEventInvalidJWT, "invalid or expired token")
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			ctx = logging.UpdateRequestAttrs(ctx, claims.IdentityID(), "")
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminKeyMiddleware compares the X-Admin-Key header against the configured
// scrypt hash. An empty hash disables the routes it guards.
func AdminKeyMiddleware(keyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keyHash == "" {
				logging.LogSecurityEvent(r.Context(), logging.SecurityEventAdminDisabled, "admin surface is not configured")
				http.Error(w, `{"error":"admin access disabled"}`, http.StatusForbidden)
				return
			}
			key := r.Header.Get(AdminKeyHeader)
			if key == "" || !crypto.VerifyAdminKey(key, keyHash) {
				logging.LogSecurityEvent(r.Context(), logging.SecurityEventBadAdminKey, "admin key rejected")
				http.Error(w, `{"error":"admin access required"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetClaims retrieves the JWT claims from the request context.
// Returns nil if no claims are present (e.g., unauthenticated request).
func GetClaims(ctx context.Context) *services.Claims {
	claims, _ := ctx.Value(ClaimsKey).(*services.Claims)
	return claims
}
