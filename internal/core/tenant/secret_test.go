package tenant_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worktally/internal/core/tenant"
)

func newBox(t *testing.T) *tenant.SecretBox {
	t.Helper()
	box, err := tenant.NewSecretBox(bytes.Repeat([]byte{7}, tenant.SecretKeySize))
	require.NoError(t, err)
	return box
}

func TestSecretBox_RoundTripPerTenant(t *testing.T) {
	box := newBox(t)

	enc, err := box.Encrypt("tenant-a", "s3cret")
	require.NoError(t, err)
	assert.NotContains(t, enc, "s3cret")

	plain, err := box.Decrypt("tenant-a", enc)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", plain)

	_, err = box.Decrypt("tenant-b", enc)
	assert.ErrorIs(t, err, tenant.ErrInvalidSecret)
}

func TestSecretBox_EmptyAndGarbage(t *testing.T) {
	box := newBox(t)

	enc, err := box.Encrypt("t", "")
	require.NoError(t, err)
	assert.Empty(t, enc)

	plain, err := box.Decrypt("t", "")
	require.NoError(t, err)
	assert.Empty(t, plain)

	_, err = box.Decrypt("t", "not base64 !!")
	assert.ErrorIs(t, err, tenant.ErrInvalidSecret)

	_, err = box.Decrypt("t", "AAAA")
	assert.ErrorIs(t, err, tenant.ErrInvalidSecret)
}

func TestNewSecretBox_KeyLength(t *testing.T) {
	_, err := tenant.NewSecretBox([]byte("short"))
	assert.Error(t, err)

	_, err = tenant.NewSecretBoxFromBase64("%%%")
	assert.Error(t, err)
}
