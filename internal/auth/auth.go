// Package auth validates the platform's three caller identities: user JWTs,
// admin JWTs (same token, role claim) and service-to-service shared secrets.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/sbc-platform/payment-engine/internal/errors"
)

// RoleAdmin is the role claim value granting admin routes.
const RoleAdmin = "admin"

// Claims is the SBC platform token payload.
type Claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type contextKey struct{}

// FromContext returns the authenticated claims, if any.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(contextKey{}).(*Claims)
	return c, ok
}

// UserID returns the authenticated user id, empty when unauthenticated.
func UserID(ctx context.Context) string {
	if c, ok := FromContext(ctx); ok {
		return c.UserID
	}
	return ""
}

// WithClaims injects claims into a context, for tests and internal callers.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// Middleware validates the Authorization bearer token and stores its claims
// in the request context.
func Middleware(secret string) func(http.Handler) http.Handler {
	keyFunc := func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				apperrors.WriteSimpleError(w, apperrors.CodeUnauthorized, "missing bearer token")
				return
			}

			var claims Claims
			token, err := parser.ParseWithClaims(strings.TrimPrefix(header, "Bearer "), &claims, keyFunc)
			if err != nil || !token.Valid || claims.UserID == "" {
				apperrors.WriteSimpleError(w, apperrors.CodeUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), &claims)))
		})
	}
}

// RequireAdmin rejects authenticated callers without the admin role. It must
// run after Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := FromContext(r.Context())
		if !ok || c.Role != RoleAdmin {
			apperrors.WriteSimpleError(w, apperrors.CodeForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServiceSecret gates internal routes on the shared service secret, sent as
// an Authorization bearer credential. The X-Service-Secret header is kept as
// an alias for older callers. An optional X-Service-Name header names the
// caller for the audit trail; the secret alone authenticates.
func ServiceSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-Service-Secret")
			if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
				provided = strings.TrimPrefix(header, "Bearer ")
			}
			if secret == "" ||
				subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
				apperrors.WriteSimpleError(w, apperrors.CodeUnauthorized, "invalid service secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
