package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"slices"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrAuthHeaderMissing   = errors.New("authorization header missing")
	ErrAuthHeaderMalformed = errors.New("authorization header malformed")
	ErrTokenExpired        = errors.New("the token has expired")
	ErrTokenInvalid        = errors.New("invalid token")
	ErrInsufficientRole    = errors.New("insufficient role")
)

// Claims are the token claims the service relies on.
type Claims struct {
	jwt.RegisteredClaims
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles"`
}

// HasRole reports whether the roles claim contains role.
func (c *Claims) HasRole(role string) bool {
	return c != nil && slices.Contains(c.Roles, role)
}

// KeyProvider supplies the verification key and can replace it.
type KeyProvider interface {
	PublicKey(ctx context.Context) (*rsa.PublicKey, error)
	Refresh(ctx context.Context) error
}

// Validator verifies RS256 bearer tokens against the cached public key.
type Validator struct {
	keys   KeyProvider
	parser *jwt.Parser
	logger zerolog.Logger
}

func NewValidator(keys KeyProvider) *Validator {
	return &Validator{
		keys:   keys,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})),
		logger: log.With().Str("component", "validator").Logger(),
	}
}

// maxAttempts bounds Validate: the initial try plus one try after a key refresh.
const maxAttempts = 2

// Validate decodes and verifies token. An expired token fails with
// ErrTokenExpired and never touches the key. Any other failure refreshes the
// key once, if allowRefetch is set, and tries again; a second failure is
// ErrTokenInvalid.
func (v *Validator) Validate(ctx context.Context, token string, allowRefetch bool) (*Claims, error) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		claims, err := v.parse(ctx, token)
		if err == nil {
			return claims, nil
		}
		if errors.Is(err, ErrTokenExpired) {
			return nil, err
		}
		if !allowRefetch || attempt == maxAttempts {
			return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		}

		v.logger.Info().Err(err).Int("attempt", attempt).Msg("token verification failed, refreshing public key")
		if rerr := v.keys.Refresh(ctx); rerr != nil {
			return nil, fmt.Errorf("%w: refresh public key: %v", ErrTokenInvalid, rerr)
		}
		allowRefetch = false
	}
	return nil, ErrTokenInvalid
}

func (v *Validator) parse(ctx context.Context, token string) (*Claims, error) {
	key, err := v.keys.PublicKey(ctx)
	if err != nil {
		return nil, err
	}
	claims := &Claims{}
	_, err = v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, err
	}
	return claims, nil
}
