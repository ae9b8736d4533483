package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// PrincipalClaims are the bearer-token claims this service accepts,
// mirroring the teacher's HelmClaims shape (registered claims plus a
// tenant/role binding) but keyed to a principal rather than a tenant.
type PrincipalClaims struct {
	jwt.RegisteredClaims
	PrincipalType string `json:"principal_type,omitempty"`
}

type contextKey string

const principalContextKey contextKey = "principal_id"

// WithPrincipal returns a context carrying the authenticated caller's
// principal ID.
func WithPrincipal(ctx context.Context, principalID string) context.Context {
	return context.WithValue(ctx, principalContextKey, principalID)
}

// PrincipalFromContext returns the principal ID a request was
// authenticated as, if any.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(principalContextKey).(string)
	return v, ok
}

var publicPaths = map[string]bool{
	"/health":  true,
	"/healthz": true,
}

// JWTValidator validates bearer tokens signed with a shared HMAC secret.
// Unlike the teacher's RSA KeySet-backed validator, this service trusts
// a single pre-shared signing secret between itself and its callers.
type JWTValidator struct {
	secret []byte
}

func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

func (v *JWTValidator) Validate(tokenStr string) (*PrincipalClaims, error) {
	claims := &PrincipalClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}

// RequireBearerAuth authenticates every request other than the health
// endpoints against validator, rejecting with 401 on any failure. A nil
// validator fails closed: every non-public request is rejected rather
// than silently allowed through.
func RequireBearerAuth(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				WriteUnauthorized(w, r, "missing Authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				WriteUnauthorized(w, r, "expected 'Bearer <token>' Authorization header")
				return
			}

			if validator == nil {
				WriteUnauthorized(w, r, "authentication not configured")
				return
			}

			claims, err := validator.Validate(parts[1])
			if err != nil {
				WriteUnauthorized(w, r, "invalid or expired token")
				return
			}
			if claims.Subject == "" {
				WriteUnauthorized(w, r, "token subject is required")
				return
			}

			ctx := WithPrincipal(r.Context(), claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
