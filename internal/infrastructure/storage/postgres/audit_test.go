package postgres

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiff(t *testing.T) {
	changes := Diff(
		map[string]any{"plan": "team", "user_limit": 5.0, "addons": []any{"planning"}, "paused_at": "x"},
		map[string]any{"plan": "team", "user_limit": 8.0, "addons": []any{"planning"}, "status": "active"},
	)

	assert.Len(t, changes, 3)
	assert.Equal(t, map[string]any{"old": 5.0, "new": 8.0}, changes["user_limit"])
	assert.Equal(t, map[string]any{"old": nil, "new": "active"}, changes["status"])
	assert.Equal(t, map[string]any{"old": "x", "new": nil}, changes["paused_at"])
}

func TestToMap(t *testing.T) {
	m, err := toMap(struct {
		Plan  string `json:"plan"`
		Limit *int   `json:"user_limit"`
	}{Plan: "starter"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"plan": "starter", "user_limit": nil}, m)

	m, err = toMap(nil)
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestAuditService_CompressRoundTrip(t *testing.T) {
	s, err := NewAuditService(nil)
	require.NoError(t, err)

	small := json.RawMessage(`{"plan":{"old":"team","new":"enterprise"}}`)
	changes, packed, algo := s.compress(small)
	assert.Equal(t, CompressionNone, algo)
	assert.Nil(t, packed)
	assert.Equal(t, small, changes)

	large := json.RawMessage(`{"blob":"` + string(bytes.Repeat([]byte("a"), 8*1024)) + `"}`)
	changes, packed, algo = s.compress(large)
	assert.Equal(t, CompressionZstd, algo)
	assert.Nil(t, changes)
	assert.Less(t, len(packed), len(large))

	e := AuditEntry{ChangesCompressed: packed, CompressionAlgo: algo}
	require.NoError(t, s.decompress(&e))
	assert.Equal(t, large, e.Changes)
	assert.Nil(t, e.ChangesCompressed)
}
