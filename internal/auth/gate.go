package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const ctxKeyClaims ctxKey = "claims"

// TokenValidator is what the gate needs from a Validator.
type TokenValidator interface {
	Validate(ctx context.Context, token string, allowRefetch bool) (*Claims, error)
}

// Gate authorises requests carrying a bearer token with a required role.
type Gate struct {
	validator TokenValidator
	role      string
	logger    zerolog.Logger
}

func NewGate(v TokenValidator, requiredRole string) *Gate {
	return &Gate{
		validator: v,
		role:      requiredRole,
		logger:    log.With().Str("component", "gate").Logger(),
	}
}

// Authorize checks the Authorization header and returns the token claims.
func (g *Gate) Authorize(r *http.Request) (*Claims, error) {
	header, ok := r.Header["Authorization"]
	if !ok || len(header) == 0 {
		return nil, ErrAuthHeaderMissing
	}
	token, ok := parseBearerToken(header[0])
	if !ok {
		return nil, ErrAuthHeaderMalformed
	}
	claims, err := g.validator.Validate(r.Context(), token, true)
	if err != nil {
		return nil, err
	}
	if !claims.HasRole(g.role) {
		return claims, ErrInsufficientRole
	}
	return claims, nil
}

// Middleware runs Authorize before any other request processing.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := g.Authorize(r)
		if err != nil {
			status, msg := Status(err)
			g.logger.Debug().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request rejected")
			if msg == "" {
				w.WriteHeader(status)
				return
			}
			http.Error(w, msg, status)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Status maps a gate error to the HTTP status and body text returned to the caller.
func Status(err error) (int, string) {
	switch {
	case errors.Is(err, ErrAuthHeaderMissing):
		return http.StatusUnauthorized, "Authorization header missing."
	case errors.Is(err, ErrAuthHeaderMalformed):
		return http.StatusUnauthorized, "Invalid Authorization header value. The header value must have the format Bearer <token>."
	case errors.Is(err, ErrInsufficientRole):
		return http.StatusForbidden, ""
	default:
		return http.StatusUnauthorized, "Invalid or expired token."
	}
}

// ClaimsFromContext returns the claims stored by Middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ctxKeyClaims).(*Claims)
	return claims, ok
}

func parseBearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}
