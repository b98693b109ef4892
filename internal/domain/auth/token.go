package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"worktally/internal/core/id"
)

// ParsedToken is a bearer token split into its parts.
// ID is empty for plain tokens, which are looked up by hash.
type ParsedToken struct {
	ID     string
	Secret string
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, value, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

// ParseToken splits "id|secret". A value without "|" is a plain token.
func ParseToken(raw string) (ParsedToken, bool) {
	if raw == "" {
		return ParsedToken{}, false
	}
	tokenID, secret, found := strings.Cut(raw, "|")
	if !found {
		return ParsedToken{Secret: raw}, true
	}
	if tokenID == "" || secret == "" {
		return ParsedToken{}, false
	}
	return ParsedToken{ID: tokenID, Secret: secret}, true
}

// HashSecret returns the hex SHA-256 of a token secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// VerifySecret compares secret against a stored hash in constant time.
func VerifySecret(secret, storedHash string) bool {
	computed := HashSecret(secret)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

// NewToken creates a token for userID. The returned plain text ("id|secret")
// is shown once; only the hash is persisted.
func NewToken(userID, name string, abilities []string, ttl time.Duration) (string, *PersonalAccessToken, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate token secret: %w", err)
	}
	secret := hex.EncodeToString(buf)

	now := time.Now().UTC()
	t := &PersonalAccessToken{
		ID:        id.NewString(),
		UserID:    userID,
		Name:      name,
		TokenHash: HashSecret(secret),
		Abilities: abilities,
		CreatedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		t.ExpiresAt = &exp
	}
	return t.ID + "|" + secret, t, nil
}
