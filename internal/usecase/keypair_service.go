package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"keypaird/internal/domain"
)

var (
	namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@:-]{0,254}$`)
	typePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,49}$`)
)

type KeypairService struct {
	Store    SecretStore
	Keys     KeyGenerator
	Sealer   EnvelopeSealer
	Pool     Executor
	Observer CryptoObserver
	Clock    func() time.Time
	// StoreTimeout bounds each store call; zero leaves only the caller's
	// deadline.
	StoreTimeout time.Duration
}

type GenerateInput struct {
	Name       string
	Type       domain.KeyType
	Algorithm  domain.Algorithm
	SizeBits   int
	Passphrase string
	Metadata   map[string]any
}

func NewKeypairService(store SecretStore, keys KeyGenerator, sealer EnvelopeSealer, pool Executor) *KeypairService {
	return &KeypairService{
		Store:  store,
		Keys:   keys,
		Sealer: sealer,
		Pool:   pool,
		Clock:  time.Now,
	}
}

// Generate creates a keypair. The store insert is the only persisted step;
// anything failing before it leaves no trace.
func (s *KeypairService) Generate(ctx context.Context, in GenerateInput) (domain.KeypairView, error) {
	name, err := validateName(in.Name)
	if err != nil {
		return domain.KeypairView{}, err
	}
	keyType, err := normalizeType(in.Type)
	if err != nil {
		return domain.KeypairView{}, err
	}
	alg, bits, err := s.Keys.Normalize(in.Algorithm, in.SizeBits)
	if err != nil {
		return domain.KeypairView{}, err
	}
	if in.Passphrase != "" {
		if err := s.Sealer.ValidatePassphrase(in.Passphrase); err != nil {
			return domain.KeypairView{}, err
		}
	}
	metadata, err := normalizeMetadata(mergeMetadata(map[string]any{
		"keySize":   bits,
		"algorithm": string(alg),
		"generated": true,
	}, in.Metadata))
	if err != nil {
		return domain.KeypairView{}, err
	}

	material, err := call(ctx, s, "keygen", func(ctx context.Context) (domain.KeyMaterial, error) {
		return s.Keys.Generate(ctx, alg, bits)
	})
	if err != nil {
		return domain.KeypairView{}, cryptoFailure("generate key", err)
	}
	defer material.Wipe()

	now := s.now()
	kp := domain.Keypair{
		Name:         name,
		Type:         keyType,
		Algorithm:    material.Algorithm,
		SizeBits:     material.SizeBits,
		PublicKey:    material.PublicKeyPEM,
		SSHPublicKey: material.SSHPublicKey,
		Fingerprint:  material.Fingerprint,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.Passphrase != "" {
		type sealed struct {
			env      domain.Envelope
			verifier string
		}
		out, err := call(ctx, s, "seal", func(ctx context.Context) (sealed, error) {
			env, verifier, err := s.Sealer.Seal(material.PrivateKeyPEM, in.Passphrase)
			return sealed{env: env, verifier: verifier}, err
		})
		if err != nil {
			return domain.KeypairView{}, cryptoFailure("seal private key", err)
		}
		kp.EncryptedPrivateKey = &out.env
		kp.PassphraseVerifier = &out.verifier
	} else {
		plaintext := string(material.PrivateKeyPEM)
		kp.PrivateKeyPlaintext = &plaintext
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	created, err := s.Store.CreateIfAbsent(storeCtx, kp)
	if err != nil {
		return domain.KeypairView{}, storeFailure(ctx, "create keypair", err)
	}
	return created.View(), nil
}

func (s *KeypairService) List(ctx context.Context, prefix string) ([]domain.KeypairView, error) {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	records, err := s.Store.ListPrefix(storeCtx, prefix)
	if err != nil {
		return nil, storeFailure(ctx, "list keypairs", err)
	}
	out := make([]domain.KeypairView, 0, len(records))
	for _, kp := range records {
		out = append(out, kp.View())
	}
	return out, nil
}

func (s *KeypairService) Get(ctx context.Context, id string) (domain.KeypairView, error) {
	kp, err := s.get(ctx, id)
	if err != nil {
		return domain.KeypairView{}, err
	}
	return kp.View(), nil
}

// GetPrivate returns the PEM private key. Sealed records need the passphrase;
// any passphrase failure is domain.ErrInvalidPassphrase.
func (s *KeypairService) GetPrivate(ctx context.Context, id string, passphrase string) (string, error) {
	kp, err := s.get(ctx, id)
	if err != nil {
		return "", err
	}
	switch kp.State() {
	case domain.StatePlaintextHeld:
		return *kp.PrivateKeyPlaintext, nil
	case domain.StateEncryptionSealed:
		if passphrase == "" {
			return "", domain.NewValidationError("passphrase", "required for encrypted key")
		}
		if kp.PassphraseVerifier == nil {
			return "", domain.ErrInvalidPassphrase
		}
		plain, err := call(ctx, s, "open", func(ctx context.Context) ([]byte, error) {
			return s.Sealer.Open(*kp.EncryptedPrivateKey, *kp.PassphraseVerifier, passphrase)
		})
		if err != nil {
			return "", err
		}
		out := string(plain)
		for i := range plain {
			plain[i] = 0
		}
		return out, nil
	default:
		return "", domain.ErrPrivateKeyUnavailable
	}
}

func (s *KeypairService) UpdateMetadata(ctx context.Context, id string, metadata map[string]any) (domain.KeypairView, error) {
	if strings.TrimSpace(id) == "" {
		return domain.KeypairView{}, domain.ErrNotFound
	}
	normalized, err := normalizeMetadata(metadata)
	if err != nil {
		return domain.KeypairView{}, err
	}
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	updated, err := s.Store.Update(storeCtx, id, func(kp *domain.Keypair) error {
		kp.Metadata = normalized
		kp.UpdatedAt = s.after(kp.UpdatedAt)
		return nil
	})
	if err != nil {
		return domain.KeypairView{}, storeFailure(ctx, "update keypair", err)
	}
	return updated.View(), nil
}

func (s *KeypairService) Delete(ctx context.Context, id string) (domain.KeypairView, error) {
	if strings.TrimSpace(id) == "" {
		return domain.KeypairView{}, domain.ErrNotFound
	}
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	deleted, err := s.Store.Delete(storeCtx, id)
	if err != nil {
		return domain.KeypairView{}, storeFailure(ctx, "delete keypair", err)
	}
	return deleted.View(), nil
}

func (s *KeypairService) get(ctx context.Context, id string) (domain.Keypair, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Keypair{}, domain.ErrNotFound
	}
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	kp, err := s.Store.Get(storeCtx, id)
	if err != nil {
		return domain.Keypair{}, storeFailure(ctx, "get keypair", err)
	}
	return kp, nil
}

func (s *KeypairService) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.StoreTimeout > 0 {
		return context.WithTimeout(ctx, s.StoreTimeout)
	}
	return context.WithCancel(ctx)
}

// storeFailure turns an expired store deadline into a StorageError. A caller
// that went away keeps its own context error.
func storeFailure(caller context.Context, op string, err error) error {
	if errors.Is(err, domain.ErrStorage) || caller.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.NewStorageError(op, err)
	}
	return err
}

func (s *KeypairService) now() time.Time {
	clock := s.Clock
	if clock == nil {
		clock = time.Now
	}
	return clock().UTC().Truncate(time.Microsecond)
}

// after returns a timestamp strictly later than prev at microsecond precision,
// the finest resolution every backend keeps.
func (s *KeypairService) after(prev time.Time) time.Time {
	now := s.now()
	if !now.After(prev) {
		return prev.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	}
	return now
}

func call[T any](ctx context.Context, s *KeypairService, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	started := time.Now()
	defer func() {
		if s.Observer != nil {
			s.Observer.ObserveCrypto(op, started)
		}
	}()
	return runOn(ctx, s.Pool, fn)
}

// runOn runs fn on exec, or inline when exec is nil.
func runOn[T any](ctx context.Context, exec Executor, fn func(ctx context.Context) (T, error)) (T, error) {
	if exec == nil {
		return fn(ctx)
	}
	var out T
	err := exec.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// cryptoFailure keeps caller-facing kinds intact and folds everything else
// into ErrCrypto.
func cryptoFailure(op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrCrypto, op, err)
}

func validateName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", domain.NewValidationError("name", "key name is required")
	}
	if !namePattern.MatchString(name) {
		return "", domain.NewValidationError("name", "must be 1-255 characters of letters, digits, '.', '_', '-', '@' or ':'")
	}
	return name, nil
}

func normalizeType(raw domain.KeyType) (domain.KeyType, error) {
	t := strings.ToLower(strings.TrimSpace(string(raw)))
	if t == "" {
		return domain.KeyTypeSSH, nil
	}
	if !typePattern.MatchString(t) {
		return "", domain.NewValidationError("type", "must be a short lowercase tag")
	}
	return domain.KeyType(t), nil
}

func mergeMetadata(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// normalizeMetadata round-trips through JSON so every backend hands back the
// same value types.
func normalizeMetadata(in map[string]any) (map[string]any, error) {
	if in == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, domain.NewValidationError("metadata", "must be JSON-serializable")
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, domain.NewValidationError("metadata", "must be a JSON object")
	}
	return out, nil
}
