package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keypaird/internal/domain"
	"keypaird/internal/infra/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, New())
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	created, err := s.CreateIfAbsent(ctx, storetest.Keypair("alpha"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", created.ID)

	got, err := s.Get(ctx, "alpha")
	require.NoError(t, err)
	got.Metadata["env"] = "mutated"
	*got.PrivateKeyPlaintext = "mutated"

	again, err := s.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "test", again.Metadata["env"])
	assert.NotEqual(t, "mutated", *again.PrivateKeyPlaintext)
}

func TestCanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Get(ctx, "alpha")
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.CreateIfAbsent(ctx, domain.Keypair{Name: "alpha"})
	assert.ErrorIs(t, err, context.Canceled)
}
