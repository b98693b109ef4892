package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer 1|abc", "1|abc", true},
		{"bearer   xyz  ", "xyz", true},
		{"Basic 1|abc", "", false},
		{"Bearer", "", false},
		{"Bearer    ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := BearerToken(tt.header)
		assert.Equal(t, tt.ok, ok, tt.header)
		assert.Equal(t, tt.want, got, tt.header)
	}
}

func TestParseToken(t *testing.T) {
	p, ok := ParseToken("42|s3cret")
	require.True(t, ok)
	assert.Equal(t, ParsedToken{ID: "42", Secret: "s3cret"}, p)

	p, ok = ParseToken("s3cret")
	require.True(t, ok)
	assert.Equal(t, ParsedToken{Secret: "s3cret"}, p)

	for _, bad := range []string{"", "|x", "x|"} {
		_, ok := ParseToken(bad)
		assert.False(t, ok, bad)
	}
}

func TestVerifySecret(t *testing.T) {
	h := HashSecret("s3cret")
	assert.Len(t, h, 64)
	assert.True(t, VerifySecret("s3cret", h))
	assert.False(t, VerifySecret("s3cret!", h))
	assert.False(t, VerifySecret("s3cret", strings.ToUpper(h)))
}

func TestNewToken(t *testing.T) {
	plain, tok, err := NewToken("u1", "cli", []string{"billing:read"}, time.Hour)
	require.NoError(t, err)

	parsed, ok := ParseToken(plain)
	require.True(t, ok)
	assert.Equal(t, tok.ID, parsed.ID)
	assert.True(t, VerifySecret(parsed.Secret, tok.TokenHash))
	require.NotNil(t, tok.ExpiresAt)
	assert.False(t, tok.Expired(time.Now()))
	assert.True(t, tok.Expired(time.Now().Add(2*time.Hour)))

	_, forever, err := NewToken("u1", "cli", nil, 0)
	require.NoError(t, err)
	assert.Nil(t, forever.ExpiresAt)
	assert.False(t, forever.Expired(time.Now().Add(100*365*24*time.Hour)))
}
