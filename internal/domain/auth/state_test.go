package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateSigner_RoundTrip(t *testing.T) {
	s := NewStateSigner(DefaultStateConfig("secret"))

	state, exp, err := s.Sign("acme", "u1", "google")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), exp, time.Minute)

	claims, err := s.Verify(state)
	require.NoError(t, err)
	assert.Equal(t, "acme", claims.Tenant)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "google", claims.Provider)
}

func TestStateSigner_RejectsForgedAndExpired(t *testing.T) {
	s := NewStateSigner(DefaultStateConfig("secret"))
	other := NewStateSigner(DefaultStateConfig("other-secret"))

	forged, _, err := other.Sign("acme", "u1", "google")
	require.NoError(t, err)
	_, err = s.Verify(forged)
	assert.ErrorIs(t, err, ErrInvalidState)

	cfg := DefaultStateConfig("secret")
	cfg.TTL = -time.Minute
	expired, _, err := NewStateSigner(cfg).Sign("acme", "u1", "google")
	require.NoError(t, err)
	_, err = s.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = s.Verify("garbage")
	assert.ErrorIs(t, err, ErrInvalidState)
}
