package usecase

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"keypaird/internal/domain"
	"keypaird/internal/infra/envelope"
	"keypaird/internal/infra/keygen"
	"keypaird/internal/infra/memstore"
	"keypaird/internal/infra/workpool"
)

func newTestKeypairService(t *testing.T) (*KeypairService, *memstore.Store) {
	t.Helper()
	sealer, err := envelope.New(envelope.Params{Time: 1, MemoryKB: 8 * 1024, Threads: 1, BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)
	store := memstore.New()
	pool := workpool.New(2)
	t.Cleanup(pool.Shutdown)
	return NewKeypairService(store, keygen.New(), sealer, pool), store
}

func TestKeypairService_Scenario(t *testing.T) {
	svc, _ := newTestKeypairService(t)
	ctx := context.Background()

	view, err := svc.Generate(ctx, GenerateInput{
		Name:       "deploy",
		Algorithm:  domain.AlgorithmEd25519,
		Passphrase: "hunter22",
		Metadata:   map[string]any{"owner": "ops"},
	})
	require.NoError(t, err)
	assert.Equal(t, "deploy", view.Name)
	assert.Equal(t, domain.KeyTypeSSH, view.Type)
	assert.True(t, view.Encrypted)
	assert.Equal(t, "ops", view.Metadata["owner"])
	assert.Equal(t, true, view.Metadata["generated"])
	assert.Equal(t, "ed25519", view.Metadata["algorithm"])
	assert.Equal(t, float64(256), view.Metadata["keySize"])

	list, err := svc.List(ctx, "dep")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, view.ID, list[0].ID)

	_, err = svc.GetPrivate(ctx, view.ID, "wrong")
	assert.ErrorIs(t, err, domain.ErrInvalidPassphrase)

	privPEM, err := svc.GetPrivate(ctx, view.ID, "hunter22")
	require.NoError(t, err)
	block, _ := pem.Decode([]byte(privPEM))
	require.NotNil(t, block)
	assert.Equal(t, "PRIVATE KEY", block.Type)
	_, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	require.NoError(t, err)

	updated, err := svc.UpdateMetadata(ctx, view.ID, map[string]any{"owner": "sec"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"owner": "sec"}, updated.Metadata)
	assert.True(t, updated.UpdatedAt.After(view.UpdatedAt))
	assert.True(t, updated.CreatedAt.Equal(view.CreatedAt))

	_, err = svc.Delete(ctx, view.ID)
	require.NoError(t, err)
	_, err = svc.Get(ctx, view.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = svc.Delete(ctx, view.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestKeypairService_PlaintextPrivate(t *testing.T) {
	svc, store := newTestKeypairService(t)
	ctx := context.Background()

	view, err := svc.Generate(ctx, GenerateInput{Name: "api-1", Type: "api", Algorithm: domain.AlgorithmEd25519})
	require.NoError(t, err)
	assert.False(t, view.Encrypted)
	assert.Equal(t, domain.KeyType("api"), view.Type)

	priv, err := svc.GetPrivate(ctx, view.ID, "")
	require.NoError(t, err)
	assert.Contains(t, priv, "PRIVATE KEY")

	stored, err := store.Get(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePlaintextHeld, stored.State())
	assert.True(t, stored.Consistent())
}

func TestKeypairService_SealedNeedsPassphrase(t *testing.T) {
	svc, store := newTestKeypairService(t)
	ctx := context.Background()

	view, err := svc.Generate(ctx, GenerateInput{Name: "sealed", Algorithm: domain.AlgorithmEd25519, Passphrase: "pw"})
	require.NoError(t, err)

	_, err = svc.GetPrivate(ctx, view.ID, "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	stored, err := store.Get(ctx, view.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.PrivateKeyPlaintext)
	require.NotNil(t, stored.EncryptedPrivateKey)
	assert.NotContains(t, string(stored.EncryptedPrivateKey.Ciphertext), "PRIVATE KEY")
}

func TestKeypairService_NoPrivateKey(t *testing.T) {
	svc, store := newTestKeypairService(t)
	ctx := context.Background()

	created, err := store.CreateIfAbsent(ctx, domain.Keypair{Name: "public-only", PublicKey: "pem"})
	require.NoError(t, err)

	_, err = svc.GetPrivate(ctx, created.ID, "")
	assert.ErrorIs(t, err, domain.ErrPrivateKeyUnavailable)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestKeypairService_GenerateValidation(t *testing.T) {
	svc, store := newTestKeypairService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   GenerateInput
	}{
		{name: "empty name", in: GenerateInput{Name: "  "}},
		{name: "bad name", in: GenerateInput{Name: "has space"}},
		{name: "slash name", in: GenerateInput{Name: "a/b"}},
		{name: "bad type", in: GenerateInput{Name: "ok", Type: "Has Space"}},
		{name: "bad algorithm", in: GenerateInput{Name: "ok", Algorithm: "dsa"}},
		{name: "bad rsa size", in: GenerateInput{Name: "ok", Algorithm: domain.AlgorithmRSA, SizeBits: 1024}},
		{name: "long passphrase", in: GenerateInput{Name: "ok", Algorithm: domain.AlgorithmEd25519, Passphrase: string(make([]byte, 73))}},
		{name: "metadata", in: GenerateInput{Name: "ok", Algorithm: domain.AlgorithmEd25519, Metadata: map[string]any{"f": func() {}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Generate(ctx, tc.in)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	all, err := store.ListPrefix(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestKeypairService_DuplicateName(t *testing.T) {
	svc, _ := newTestKeypairService(t)
	ctx := context.Background()

	first, err := svc.Generate(ctx, GenerateInput{Name: "dup", Algorithm: domain.AlgorithmEd25519})
	require.NoError(t, err)
	_, err = svc.Generate(ctx, GenerateInput{Name: "dup", Algorithm: domain.AlgorithmEd25519})
	assert.ErrorIs(t, err, domain.ErrConflict)

	got, err := svc.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey, got.PublicKey)
}

func TestKeypairService_ConcurrentGenerate(t *testing.T) {
	svc, _ := newTestKeypairService(t)
	ctx := context.Background()

	const callers = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Generate(ctx, GenerateInput{Name: "race", Algorithm: domain.AlgorithmEd25519})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, domain.ErrConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, conflicts)
}

func TestKeypairService_UpdatedAtStrictlyIncreases(t *testing.T) {
	svc, _ := newTestKeypairService(t)
	frozen := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	svc.Clock = func() time.Time { return frozen }
	ctx := context.Background()

	view, err := svc.Generate(ctx, GenerateInput{Name: "clock", Algorithm: domain.AlgorithmEd25519})
	require.NoError(t, err)

	prev := view.UpdatedAt
	for i := 0; i < 3; i++ {
		updated, err := svc.UpdateMetadata(ctx, view.ID, map[string]any{"n": i})
		require.NoError(t, err)
		assert.True(t, updated.UpdatedAt.After(prev))
		prev = updated.UpdatedAt
	}
}

func TestKeypairService_UpdateMissing(t *testing.T) {
	svc, _ := newTestKeypairService(t)
	_, err := svc.UpdateMetadata(context.Background(), "nope", map[string]any{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = svc.Get(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type failingKeys struct{}

func (failingKeys) Normalize(a domain.Algorithm, bits int) (domain.Algorithm, int, error) {
	return keygen.Normalize(a, bits)
}

func (failingKeys) Generate(ctx context.Context, a domain.Algorithm, bits int) (domain.KeyMaterial, error) {
	return domain.KeyMaterial{}, errors.New("entropy exhausted")
}

func TestKeypairService_GeneratorFailureStoresNothing(t *testing.T) {
	svc, store := newTestKeypairService(t)
	svc.Keys = failingKeys{}
	ctx := context.Background()

	_, err := svc.Generate(ctx, GenerateInput{Name: "broken"})
	assert.ErrorIs(t, err, domain.ErrCrypto)

	_, err = store.Get(ctx, "broken")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type recordingObserver struct {
	mu  sync.Mutex
	ops []string
}

func (o *recordingObserver) ObserveCrypto(op string, started time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops = append(o.ops, op)
}

func TestKeypairService_ObservesCrypto(t *testing.T) {
	svc, _ := newTestKeypairService(t)
	obs := &recordingObserver{}
	svc.Observer = obs
	ctx := context.Background()

	view, err := svc.Generate(ctx, GenerateInput{Name: "observed", Algorithm: domain.AlgorithmEd25519, Passphrase: "pw"})
	require.NoError(t, err)
	_, err = svc.GetPrivate(ctx, view.ID, "pw")
	require.NoError(t, err)

	assert.Equal(t, []string{"keygen", "seal", "open"}, obs.ops)
}

// blockingStore holds CreateIfAbsent and Get until the context ends.
type blockingStore struct {
	SecretStore
}

func (blockingStore) CreateIfAbsent(ctx context.Context, _ domain.Keypair) (domain.Keypair, error) {
	<-ctx.Done()
	return domain.Keypair{}, ctx.Err()
}

func (blockingStore) Get(ctx context.Context, _ string) (domain.Keypair, error) {
	<-ctx.Done()
	return domain.Keypair{}, ctx.Err()
}

func TestKeypairService_StoreTimeout(t *testing.T) {
	svc, store := newTestKeypairService(t)
	svc.Store = blockingStore{SecretStore: store}
	svc.StoreTimeout = 50 * time.Millisecond
	ctx := context.Background()

	start := time.Now()
	_, err := svc.Generate(ctx, GenerateInput{Name: "slow", Algorithm: domain.AlgorithmEd25519})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStorage)
	assert.Less(t, time.Since(start), 2*time.Second)

	_, err = svc.GetPrivate(ctx, "slow", "")
	assert.ErrorIs(t, err, domain.ErrStorage)
}

func TestKeypairService_CallerCancelStaysContextError(t *testing.T) {
	svc, store := newTestKeypairService(t)
	svc.Store = blockingStore{SecretStore: store}
	svc.StoreTimeout = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := svc.Get(ctx, "anything")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, domain.ErrStorage)
}
