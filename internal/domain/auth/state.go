package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"worktally/internal/core/id"
)

// ErrInvalidState is returned for forged, expired or malformed OAuth state.
var ErrInvalidState = errors.New("invalid oauth state")

// StateConfig holds OAuth state signing configuration.
type StateConfig struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

// DefaultStateConfig returns default configuration.
func DefaultStateConfig(secret string) StateConfig {
	return StateConfig{
		Secret: secret,
		Issuer: "worktally",
		TTL:    10 * time.Minute,
	}
}

// StateClaims travel through the OAuth provider and back to the callback,
// which runs without a tenant header.
type StateClaims struct {
	jwt.RegisteredClaims
	Tenant   string `json:"tnt"`
	UserID   string `json:"uid"`
	Provider string `json:"prv"`
}

// StateSigner signs and verifies OAuth state values.
type StateSigner struct {
	config StateConfig
}

// NewStateSigner creates a new signer.
func NewStateSigner(config StateConfig) *StateSigner {
	return &StateSigner{config: config}
}

// Sign issues a state for tenantSlug/userID/provider.
func (s *StateSigner) Sign(tenantSlug, userID, provider string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.config.TTL)

	claims := StateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id.NewString(),
			Issuer:    s.config.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Tenant:   tenantSlug,
		UserID:   userID,
		Provider: provider,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign state: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify validates state and returns its claims.
func (s *StateSigner) Verify(state string) (*StateClaims, error) {
	token, err := jwt.ParseWithClaims(state, &StateClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.Secret), nil
	}, jwt.WithIssuer(s.config.Issuer))
	if err != nil {
		return nil, errors.Join(ErrInvalidState, err)
	}

	claims, ok := token.Claims.(*StateClaims)
	if !ok || !token.Valid || claims.Tenant == "" {
		return nil, ErrInvalidState
	}
	return claims, nil
}
