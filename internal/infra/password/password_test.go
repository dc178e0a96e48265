package password

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"keypaird/internal/domain"
)

func TestHashCompare(t *testing.T) {
	h, err := New(bcrypt.MinCost)
	require.NoError(t, err)

	verifier, err := h.Hash("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", verifier)

	require.NoError(t, h.Compare(verifier, "s3cret"))
	assert.ErrorIs(t, h.Compare(verifier, "wrong"), domain.ErrInvalidCredentials)
	assert.ErrorIs(t, h.Compare("", "s3cret"), domain.ErrInvalidCredentials)
}

func TestHashRejects(t *testing.T) {
	h, err := New(bcrypt.MinCost)
	require.NoError(t, err)

	_, err = h.Hash("")
	assert.ErrorIs(t, err, domain.ErrValidation)

	long := make([]byte, 73)
	for i := range long {
		long[i] = 'a'
	}
	_, err = h.Hash(string(long))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestNewRejectsCost(t *testing.T) {
	_, err := New(2)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
