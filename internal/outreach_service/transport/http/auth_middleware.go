package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const OperatorContextKey = ContextKey("operator")

// Operator is the authenticated caller of the API.
type Operator struct {
	Subject string
}

// OperatorFromContext returns the operator stored by AuthMiddleware.
func OperatorFromContext(ctx context.Context) (Operator, bool) {
	op, ok := ctx.Value(OperatorContextKey).(Operator)
	return op, ok
}

// IssueToken signs an HS256 operator token valid for ttl.
func IssueToken(secret []byte, subject string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func parseToken(secret []byte, tokenString string) (Operator, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Operator{}, err
	}
	if !token.Valid || claims.Subject == "" {
		return Operator{}, errors.New("token has no subject")
	}
	return Operator{Subject: claims.Subject}, nil
}

// AuthMiddleware rejects requests without a valid "Bearer <jwt>" header.
func AuthMiddleware(secret []byte, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.WarnContext(r.Context(), "Authorization header missing")
				writeError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			scheme, tokenString, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || tokenString == "" {
				logger.WarnContext(r.Context(), "Invalid Authorization header format")
				writeError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}

			op, err := parseToken(secret, tokenString)
			if err != nil {
				logger.WarnContext(r.Context(), "Token validation failed", "error", err)
				writeError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), OperatorContextKey, op)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
