package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/sagechat/entitlements/internal/entitlement"
)

type contextKey string

const identityContextKey contextKey = "identity"

// Identity is the authenticated caller extracted from the bearer token.
type Identity struct {
	UserID string
	Email  string
}

type authClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// IdentityFrom returns the authenticated identity stored on the request
// context.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	return id, ok
}

// RequireAuth returns middleware that authenticates callers with an HS256
// bearer JWT. The subject claim is the user ID.
func RequireAuth(secret string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, entitlement.Errorf(entitlement.CategoryUnauthenticated, nil, "missing bearer token"))
			return
		}
		raw := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))

		var claims authClaims
		_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			log.Debug().Err(err).Msg("bearer token rejected")
			writeError(w, entitlement.Errorf(entitlement.CategoryUnauthenticated, err, "invalid bearer token"))
			return
		}
		if claims.Subject == "" {
			writeError(w, entitlement.Errorf(entitlement.CategoryUnauthenticated, nil, "token carries no subject"))
			return
		}

		ctx := context.WithValue(r.Context(), identityContextKey, Identity{
			UserID: claims.Subject,
			Email:  claims.Email,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminKeyMiddleware returns middleware that requires a valid admin API key.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if adminKey == "" || key == "" || key != adminKey {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "unauthorized",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
