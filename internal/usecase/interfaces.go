package usecase

import (
	"context"
	"time"

	"keypaird/internal/domain"
)

// SecretStore persists keypairs. ids are whatever the realization assigns in
// CreateIfAbsent; callers must not parse them.
type SecretStore interface {
	// CreateIfAbsent inserts kp atomically; a taken name yields domain.ErrConflict.
	CreateIfAbsent(ctx context.Context, kp domain.Keypair) (domain.Keypair, error)
	Get(ctx context.Context, id string) (domain.Keypair, error)
	ListPrefix(ctx context.Context, prefix string) ([]domain.Keypair, error)
	// Update runs fn on the current record under a single-record lock or
	// transaction. Only Metadata and UpdatedAt are persisted.
	Update(ctx context.Context, id string, fn func(kp *domain.Keypair) error) (domain.Keypair, error)
	Delete(ctx context.Context, id string) (domain.Keypair, error)
	Ping(ctx context.Context) error
}

type AccountStore interface {
	CreateAccount(ctx context.Context, account domain.ServiceAccount) (domain.ServiceAccount, error)
	GetAccount(ctx context.Context, username string) (domain.ServiceAccount, error)
}

type KeyGenerator interface {
	Normalize(algorithm domain.Algorithm, sizeBits int) (domain.Algorithm, int, error)
	Generate(ctx context.Context, algorithm domain.Algorithm, sizeBits int) (domain.KeyMaterial, error)
}

type EnvelopeSealer interface {
	ValidatePassphrase(passphrase string) error
	Seal(privateKey []byte, passphrase string) (domain.Envelope, string, error)
	Open(env domain.Envelope, verifier string, passphrase string) ([]byte, error)
}

// Executor runs CPU-heavy work away from request goroutines.
type Executor interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

type CryptoObserver interface {
	ObserveCrypto(op string, started time.Time)
}

type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(verifier, password string) error
}
