// Package keygen produces asymmetric keypairs in PEM form: SPKI for the
// public half and PKCS#8 for the private half.
package keygen

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"slices"
	"strings"

	"keypaird/internal/domain"

	"golang.org/x/crypto/ssh"
)

const DefaultRSABits = 2048

var AllowedRSABits = []int{2048, 3072, 4096}

type Generator struct {
	rand io.Reader
}

func New() *Generator {
	return &Generator{rand: rand.Reader}
}

// NewWithReader is for tests that need to simulate entropy failures.
func NewWithReader(r io.Reader) *Generator {
	return &Generator{rand: r}
}

// Normalize resolves defaults and checks the size allow-list without doing
// any work, so callers can reject bad input before queueing keygen.
func Normalize(algorithm domain.Algorithm, sizeBits int) (domain.Algorithm, int, error) {
	if algorithm == "" {
		algorithm = domain.AlgorithmRSA
	}
	algorithm = domain.Algorithm(strings.ToLower(string(algorithm)))
	switch algorithm {
	case domain.AlgorithmRSA:
		if sizeBits == 0 {
			sizeBits = DefaultRSABits
		}
		if !slices.Contains(AllowedRSABits, sizeBits) {
			return "", 0, domain.NewValidationError("sizeBits", fmt.Sprintf("must be one of %v", AllowedRSABits))
		}
	case domain.AlgorithmEd25519:
		if sizeBits != 0 && sizeBits != 256 {
			return "", 0, domain.NewValidationError("sizeBits", "ed25519 keys are 256 bits")
		}
		sizeBits = 256
	default:
		return "", 0, domain.NewValidationError("algorithm", "must be rsa or ed25519")
	}
	return algorithm, sizeBits, nil
}

func (g *Generator) Normalize(algorithm domain.Algorithm, sizeBits int) (domain.Algorithm, int, error) {
	return Normalize(algorithm, sizeBits)
}

func (g *Generator) Generate(ctx context.Context, algorithm domain.Algorithm, sizeBits int) (domain.KeyMaterial, error) {
	algorithm, sizeBits, err := Normalize(algorithm, sizeBits)
	if err != nil {
		return domain.KeyMaterial{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.KeyMaterial{}, err
	}

	var (
		pub  crypto.PublicKey
		priv crypto.PrivateKey
	)
	switch algorithm {
	case domain.AlgorithmRSA:
		key, err := rsa.GenerateKey(g.rand, sizeBits)
		if err != nil {
			return domain.KeyMaterial{}, fmt.Errorf("generate rsa key: %w", err)
		}
		pub, priv = &key.PublicKey, key
	case domain.AlgorithmEd25519:
		edPub, edPriv, err := ed25519.GenerateKey(g.rand)
		if err != nil {
			return domain.KeyMaterial{}, fmt.Errorf("generate ed25519 key: %w", err)
		}
		pub, priv = edPub, edPriv
	}

	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return domain.KeyMaterial{}, fmt.Errorf("marshal public key: %w", err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return domain.KeyMaterial{}, fmt.Errorf("marshal private key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return domain.KeyMaterial{}, fmt.Errorf("ssh public key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})
	for i := range pkcs8 {
		pkcs8[i] = 0
	}
	return domain.KeyMaterial{
		Algorithm:     algorithm,
		SizeBits:      sizeBits,
		PublicKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: spki})),
		PrivateKeyPEM: privPEM,
		SSHPublicKey:  strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))),
		Fingerprint:   ssh.FingerprintSHA256(sshPub),
	}, nil
}
