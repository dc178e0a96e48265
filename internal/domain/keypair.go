package domain

import "time"

type KeyType string

const (
	KeyTypeSSH         KeyType = "ssh"
	KeyTypeAPI         KeyType = "api"
	KeyTypeCertificate KeyType = "certificate"
)

type Algorithm string

const (
	AlgorithmRSA     Algorithm = "rsa"
	AlgorithmEd25519 Algorithm = "ed25519"
)

type KeyState string

const (
	StatePlaintextHeld    KeyState = "plaintext_held"
	StateEncryptionSealed KeyState = "encryption_sealed"
	StateNoPrivateKey     KeyState = "no_private_key"
)

// Envelope is the at-rest form of a passphrase-protected private key.
type Envelope struct {
	Version     int    `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdfTime"`
	KDFMemoryKB uint32 `json:"kdfMemoryKb"`
	KDFThreads  uint8  `json:"kdfThreads"`
	Cipher      string `json:"cipher"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
	AuthTag     []byte `json:"authTag"`
}

// Keypair is the stored record. ID is the native identifier of the store
// that produced it.
type Keypair struct {
	ID                  string
	Name                string
	Type                KeyType
	Algorithm           Algorithm
	SizeBits            int
	PublicKey           string
	SSHPublicKey        string
	Fingerprint         string
	PrivateKeyPlaintext *string
	EncryptedPrivateKey *Envelope
	PassphraseVerifier  *string
	Metadata            map[string]any
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (k Keypair) State() KeyState {
	switch {
	case k.EncryptedPrivateKey != nil:
		return StateEncryptionSealed
	case k.PrivateKeyPlaintext != nil:
		return StatePlaintextHeld
	default:
		return StateNoPrivateKey
	}
}

// Consistent reports whether the private-material fields agree with each other.
func (k Keypair) Consistent() bool {
	if k.PrivateKeyPlaintext != nil && k.EncryptedPrivateKey != nil {
		return false
	}
	return (k.EncryptedPrivateKey != nil) == (k.PassphraseVerifier != nil)
}

// KeypairView is the only shape of a keypair that leaves the service.
type KeypairView struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Type         KeyType        `json:"type"`
	Algorithm    Algorithm      `json:"algorithm"`
	SizeBits     int            `json:"sizeBits"`
	PublicKey    string         `json:"publicKey"`
	SSHPublicKey string         `json:"sshPublicKey,omitempty"`
	Fingerprint  string         `json:"fingerprint,omitempty"`
	Encrypted    bool           `json:"encrypted"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

func (k Keypair) View() KeypairView {
	metadata := k.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return KeypairView{
		ID:           k.ID,
		Name:         k.Name,
		Type:         k.Type,
		Algorithm:    k.Algorithm,
		SizeBits:     k.SizeBits,
		PublicKey:    k.PublicKey,
		SSHPublicKey: k.SSHPublicKey,
		Fingerprint:  k.Fingerprint,
		Encrypted:    k.EncryptedPrivateKey != nil,
		Metadata:     metadata,
		CreatedAt:    k.CreatedAt,
		UpdatedAt:    k.UpdatedAt,
	}
}

// KeyMaterial is freshly generated key material. PrivateKeyPEM lives only in
// memory until it is sealed or stored.
type KeyMaterial struct {
	Algorithm     Algorithm
	SizeBits      int
	PublicKeyPEM  string
	PrivateKeyPEM []byte
	SSHPublicKey  string
	Fingerprint   string
}

// Wipe zeroes the private key buffer.
func (m *KeyMaterial) Wipe() {
	for i := range m.PrivateKeyPEM {
		m.PrivateKeyPEM[i] = 0
	}
}
