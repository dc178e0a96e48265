// Package envelope seals private keys under a passphrase.
//
// The symmetric key is derived with argon2id from the passphrase and a fresh
// 16-byte salt, and the key bytes are encrypted with XChaCha20-Poly1305 under
// a fresh 24-byte nonce. A separate bcrypt hash of the passphrase acts as the
// verifier and is checked before any key derivation happens.
package envelope

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"keypaird/internal/domain"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	Version    = 1
	KDFArgon2  = "argon2id"
	CipherName = "xchacha20poly1305"

	saltSize       = 16
	maxPassphrase  = 72
	minArgonMemory = 8 * 1024
	maxArgonMemory = 1024 * 1024
	maxArgonTime   = 16
)

// Params is the argon2id work factor plus the bcrypt cost of the verifier.
type Params struct {
	Time       uint32
	MemoryKB   uint32
	Threads    uint8
	BcryptCost int
}

// DefaultParams: argon2id t=3, m=64 MiB, p=2; bcrypt cost 12.
func DefaultParams() Params {
	return Params{Time: 3, MemoryKB: 64 * 1024, Threads: 2, BcryptCost: 12}
}

type Sealer struct {
	params Params
	rand   io.Reader
}

func New(params Params) (*Sealer, error) {
	if params.Time < 1 || params.Threads < 1 || params.MemoryKB < minArgonMemory {
		return nil, errors.New("argon2id parameters below minimum")
	}
	if params.BcryptCost < bcrypt.MinCost || params.BcryptCost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range", params.BcryptCost)
	}
	return &Sealer{params: params, rand: rand.Reader}, nil
}

func ValidatePassphrase(passphrase string) error {
	if passphrase == "" {
		return domain.NewValidationError("passphrase", "must not be empty")
	}
	if len(passphrase) > maxPassphrase {
		return domain.NewValidationError("passphrase", fmt.Sprintf("must be at most %d bytes", maxPassphrase))
	}
	return nil
}

func (s *Sealer) ValidatePassphrase(passphrase string) error {
	return ValidatePassphrase(passphrase)
}

// Seal encrypts privateKey and returns the envelope together with the
// passphrase verifier.
func (s *Sealer) Seal(privateKey []byte, passphrase string) (domain.Envelope, string, error) {
	if err := ValidatePassphrase(passphrase); err != nil {
		return domain.Envelope{}, "", err
	}
	verifier, err := bcrypt.GenerateFromPassword([]byte(passphrase), s.params.BcryptCost)
	if err != nil {
		return domain.Envelope{}, "", fmt.Errorf("hash passphrase: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(s.rand, salt); err != nil {
		return domain.Envelope{}, "", fmt.Errorf("read salt: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return domain.Envelope{}, "", fmt.Errorf("read nonce: %w", err)
	}

	key := deriveKey(passphrase, salt, s.params.Time, s.params.MemoryKB, s.params.Threads)
	defer zeroBytes(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return domain.Envelope{}, "", err
	}
	sealed := aead.Seal(nil, nonce, privateKey, nil)
	tagAt := len(sealed) - aead.Overhead()

	return domain.Envelope{
		Version:     Version,
		KDF:         KDFArgon2,
		KDFTime:     s.params.Time,
		KDFMemoryKB: s.params.MemoryKB,
		KDFThreads:  s.params.Threads,
		Cipher:      CipherName,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  sealed[:tagAt],
		AuthTag:     sealed[tagAt:],
	}, string(verifier), nil
}

// Open checks the verifier, then decrypts. Every failure is reported as
// domain.ErrInvalidPassphrase.
func (s *Sealer) Open(env domain.Envelope, verifier string, passphrase string) ([]byte, error) {
	if passphrase == "" || verifier == "" {
		return nil, domain.ErrInvalidPassphrase
	}
	if err := bcrypt.CompareHashAndPassword([]byte(verifier), []byte(passphrase)); err != nil {
		return nil, domain.ErrInvalidPassphrase
	}
	if !wellFormed(env) {
		return nil, domain.ErrInvalidPassphrase
	}

	key := deriveKey(passphrase, env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads)
	defer zeroBytes(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, domain.ErrInvalidPassphrase
	}
	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.AuthTag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.AuthTag...)
	plaintext, err := aead.Open(nil, env.Nonce, sealed, nil)
	if err != nil {
		return nil, domain.ErrInvalidPassphrase
	}
	return plaintext, nil
}

func wellFormed(env domain.Envelope) bool {
	return env.Version == Version &&
		env.KDF == KDFArgon2 &&
		env.Cipher == CipherName &&
		len(env.Salt) == saltSize &&
		len(env.Nonce) == chacha20poly1305.NonceSizeX &&
		len(env.AuthTag) == chacha20poly1305.Overhead &&
		env.KDFTime >= 1 && env.KDFTime <= maxArgonTime &&
		env.KDFMemoryKB >= minArgonMemory && env.KDFMemoryKB <= maxArgonMemory &&
		env.KDFThreads >= 1
}

func deriveKey(passphrase string, salt []byte, time, memoryKB uint32, threads uint8) []byte {
	return argon2.IDKey([]byte(passphrase), salt, time, memoryKB, threads, chacha20poly1305.KeySize)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
