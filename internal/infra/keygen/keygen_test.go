package keygen

import (
	"context"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"strings"
	"testing"

	"keypaird/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		alg      domain.Algorithm
		bits     int
		wantAlg  domain.Algorithm
		wantBits int
		wantErr  bool
	}{
		{name: "defaults", wantAlg: domain.AlgorithmRSA, wantBits: 2048},
		{name: "rsa 3072", alg: "RSA", bits: 3072, wantAlg: domain.AlgorithmRSA, wantBits: 3072},
		{name: "rsa 4096", alg: "rsa", bits: 4096, wantAlg: domain.AlgorithmRSA, wantBits: 4096},
		{name: "rsa 1024 rejected", alg: "rsa", bits: 1024, wantErr: true},
		{name: "rsa odd size rejected", alg: "rsa", bits: 2049, wantErr: true},
		{name: "ed25519", alg: "ed25519", wantAlg: domain.AlgorithmEd25519, wantBits: 256},
		{name: "ed25519 wrong size", alg: "ed25519", bits: 2048, wantErr: true},
		{name: "unknown", alg: "dsa", bits: 2048, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			alg, bits, err := Normalize(tc.alg, tc.bits)
			if tc.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantAlg, alg)
			assert.Equal(t, tc.wantBits, bits)
		})
	}
}

func TestGenerateRSA(t *testing.T) {
	m, err := New().Generate(context.Background(), domain.AlgorithmRSA, 2048)
	require.NoError(t, err)

	pubBlock, _ := pem.Decode([]byte(m.PublicKeyPEM))
	require.NotNil(t, pubBlock)
	assert.Equal(t, "PUBLIC KEY", pubBlock.Type)
	pub, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	require.NoError(t, err)
	rsaPub, ok := pub.(*rsa.PublicKey)
	require.True(t, ok)
	assert.Equal(t, 2048, rsaPub.N.BitLen())

	privBlock, _ := pem.Decode(m.PrivateKeyPEM)
	require.NotNil(t, privBlock)
	assert.Equal(t, "PRIVATE KEY", privBlock.Type)
	priv, err := x509.ParsePKCS8PrivateKey(privBlock.Bytes)
	require.NoError(t, err)
	assert.True(t, priv.(*rsa.PrivateKey).PublicKey.Equal(rsaPub))

	assert.True(t, strings.HasPrefix(m.SSHPublicKey, "ssh-rsa "))
	assert.True(t, strings.HasPrefix(m.Fingerprint, "SHA256:"))
}

func TestGenerateEd25519(t *testing.T) {
	m, err := New().Generate(context.Background(), domain.AlgorithmEd25519, 0)
	require.NoError(t, err)
	assert.Equal(t, 256, m.SizeBits)

	privBlock, _ := pem.Decode(m.PrivateKeyPEM)
	require.NotNil(t, privBlock)
	priv, err := x509.ParsePKCS8PrivateKey(privBlock.Bytes)
	require.NoError(t, err)
	_, ok := priv.(ed25519.PrivateKey)
	assert.True(t, ok)
	assert.True(t, strings.HasPrefix(m.SSHPublicKey, "ssh-ed25519 "))
}

func TestGenerateDistinctKeys(t *testing.T) {
	g := New()
	a, err := g.Generate(context.Background(), domain.AlgorithmEd25519, 0)
	require.NoError(t, err)
	b, err := g.Generate(context.Background(), domain.AlgorithmEd25519, 0)
	require.NoError(t, err)
	assert.NotEqual(t, a.PublicKeyPEM, b.PublicKeyPEM)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestGenerateFailsClosed(t *testing.T) {
	m, err := NewWithReader(failingReader{}).Generate(context.Background(), domain.AlgorithmEd25519, 0)
	require.Error(t, err)
	assert.Empty(t, m.PrivateKeyPEM)
	assert.Empty(t, m.PublicKeyPEM)
}

func TestGenerateCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Generate(ctx, domain.AlgorithmRSA, 2048)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWipe(t *testing.T) {
	m := domain.KeyMaterial{PrivateKeyPEM: []byte("secret")}
	m.Wipe()
	assert.Equal(t, make([]byte, 6), m.PrivateKeyPEM)
}
