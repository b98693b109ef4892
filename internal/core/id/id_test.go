package id

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromKey(t *testing.T) {
	a := FromKey("renewal:sub-1:2026-11-01:0")

	assert.Equal(t, a, FromKey("renewal:sub-1:2026-11-01:0"))
	assert.NotEqual(t, a, FromKey("renewal:sub-1:2026-11-01:1"))
	assert.True(t, IsValid(a))
}

func TestNew_IsSortable(t *testing.T) {
	a, b := NewString(), NewString()
	assert.LessOrEqual(t, a[:13], b[:13])
}
