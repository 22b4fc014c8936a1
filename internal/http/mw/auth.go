// Package mw contains HTTP middleware for the health surface.
package mw

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jmylchreest/slotwatch/internal/auth"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// ClaimsKey is the context key for verified token claims.
	ClaimsKey ContextKey = "token_claims"
)

// TokenClaims is the caller identity attached to the request context.
type TokenClaims struct {
	Subject string
	Scopes  []string
}

// HasScope reports whether the caller holds scope. A trailing "*" matches
// any scope with that prefix.
func (c *TokenClaims) HasScope(pattern string) bool {
	if c == nil || len(c.Scopes) == 0 {
		return false
	}

	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		for _, s := range c.Scopes {
			if strings.HasPrefix(s, prefix) {
				return true
			}
		}
		return false
	}

	for _, s := range c.Scopes {
		if s == pattern || s == "*" {
			return true
		}
	}
	return false
}

// GetClaims retrieves claims from context.
func GetClaims(ctx context.Context) *TokenClaims {
	claims, ok := ctx.Value(ClaimsKey).(*TokenClaims)
	if !ok {
		return nil
	}
	return claims
}

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	Verifier *auth.Verifier
	Logger   *slog.Logger
}

// Auth returns middleware that requires a valid bearer token.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Verifier == nil {
				writeError(w, http.StatusUnauthorized, ErrNotConfigured)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				writeError(w, http.StatusUnauthorized, ErrMissingToken)
				return
			}
			token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))

			claims, err := cfg.Verifier.VerifyToken(token)
			if err != nil {
				if cfg.Logger != nil {
					cfg.Logger.Debug("token validation failed", "error", err)
				}
				writeError(w, http.StatusUnauthorized, ErrInvalidToken)
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsKey, &TokenClaims{
				Subject: claims.Subject,
				Scopes:  claims.Scopes(),
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope returns middleware that requires a scope on the verified token.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaims(r.Context())
			if claims == nil {
				writeError(w, http.StatusUnauthorized, ErrMissingToken)
				return
			}
			if !claims.HasScope(scope) {
				writeError(w, http.StatusForbidden, &AuthError{Message: "missing scope " + scope})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// Errors
var (
	ErrMissingToken  = &AuthError{Message: "missing authorization header"}
	ErrInvalidToken  = &AuthError{Message: "invalid token"}
	ErrNotConfigured = &AuthError{Message: "authentication not configured"}
)

// AuthError represents an authentication error.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return e.Message
}
