package uid

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUID(t *testing.T) {
	id := NewUUID().Generate()
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, NewUUID().Generate())
}

func TestPrefixedUUID(t *testing.T) {
	id := NewPrefixedUUID("evt-").Generate()
	require.True(t, strings.HasPrefix(id, "evt-"))
	_, err := uuid.Parse(strings.TrimPrefix(id, "evt-"))
	assert.NoError(t, err)
}

func TestSnowflake_Monotonic(t *testing.T) {
	s, err := NewSnowflakeNode(7)
	require.NoError(t, err)

	prev := s.Generate()
	for range 1000 {
		next := s.Generate()
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestSnowflake_InvalidNode(t *testing.T) {
	_, err := NewSnowflakeNode(5000)
	assert.Error(t, err)
}
