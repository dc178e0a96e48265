// Package kvredis stores keypairs and service accounts as JSON documents in
// redis. Keys are <namespace>keypairs/<name> and <namespace>users/<username>;
// the record id is the keypair name.
package kvredis

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"keypaird/internal/config"
	"keypaird/internal/domain"

	"github.com/redis/go-redis/v9"
)

const (
	keypairsDir   = "keypairs/"
	usersDir      = "users/"
	scanCount     = 200
	mgetBatch     = 200
	updateRetries = 10
)

type Store struct {
	client    *redis.Client
	namespace string
}

func NewClient(cfg config.Config) (*redis.Client, error) {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil, errors.New("redis addr is required")
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	}), nil
}

func New(client *redis.Client, namespace string) *Store {
	if namespace == "" {
		namespace = "/"
	}
	return &Store{client: client, namespace: namespace}
}

type keypairDoc struct {
	Name                string           `json:"name"`
	Type                string           `json:"type"`
	Algorithm           string           `json:"algorithm"`
	SizeBits            int              `json:"sizeBits"`
	PublicKey           string           `json:"publicKey"`
	SSHPublicKey        string           `json:"sshPublicKey,omitempty"`
	Fingerprint         string           `json:"fingerprint,omitempty"`
	PrivateKey          *string          `json:"privateKey,omitempty"`
	EncryptedPrivateKey *domain.Envelope `json:"encryptedPrivateKey,omitempty"`
	PassphraseVerifier  *string          `json:"passphraseHash,omitempty"`
	Metadata            map[string]any   `json:"metadata"`
	CreatedAt           time.Time        `json:"createdAt"`
	UpdatedAt           time.Time        `json:"updatedAt"`
}

type accountDoc struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"passwordHash"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (s *Store) keypairKey(name string) string {
	return s.namespace + keypairsDir + name
}

func (s *Store) userKey(username string) string {
	return s.namespace + usersDir + username
}

func (s *Store) CreateIfAbsent(ctx context.Context, kp domain.Keypair) (domain.Keypair, error) {
	raw, err := json.Marshal(docFromKeypair(kp))
	if err != nil {
		return domain.Keypair{}, domain.NewValidationError("metadata", "must be JSON-serializable")
	}
	ok, err := s.client.SetNX(ctx, s.keypairKey(kp.Name), raw, 0).Result()
	if err != nil {
		return domain.Keypair{}, domain.NewStorageError("create keypair", err)
	}
	if !ok {
		return domain.Keypair{}, domain.ErrConflict
	}
	return decodeKeypair(raw)
}

func (s *Store) Get(ctx context.Context, id string) (domain.Keypair, error) {
	if id == "" {
		return domain.Keypair{}, domain.ErrNotFound
	}
	raw, err := s.client.Get(ctx, s.keypairKey(id)).Bytes()
	if err != nil {
		return domain.Keypair{}, mapErr("get keypair", err)
	}
	return decodeKeypair(raw)
}

// ListPrefix walks the keyspace with SCAN. Records deleted between the scan
// and the MGET are skipped.
func (s *Store) ListPrefix(ctx context.Context, prefix string) ([]domain.Keypair, error) {
	pattern := escapeGlob(s.keypairKey(prefix)) + "*"
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, domain.NewStorageError("scan keypairs", err)
	}
	sort.Strings(keys)
	keys = dedupe(keys)

	out := make([]domain.Keypair, 0, len(keys))
	for start := 0; start < len(keys); start += mgetBatch {
		end := min(start+mgetBatch, len(keys))
		values, err := s.client.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, domain.NewStorageError("mget keypairs", err)
		}
		for _, v := range values {
			str, ok := v.(string)
			if !ok {
				continue
			}
			kp, err := decodeKeypair([]byte(str))
			if err != nil {
				return nil, err
			}
			out = append(out, kp)
		}
	}
	return out, nil
}

// Update retries optimistic WATCH/MULTI transactions until one commits.
// Only metadata and updatedAt are written back.
func (s *Store) Update(ctx context.Context, id string, fn func(kp *domain.Keypair) error) (domain.Keypair, error) {
	if id == "" {
		return domain.Keypair{}, domain.ErrNotFound
	}
	key := s.keypairKey(id)
	var (
		out      domain.Keypair
		innerErr error
	)
	txf := func(tx *redis.Tx) error {
		innerErr = s.applyUpdate(ctx, tx, key, fn, &out)
		return innerErr
	}
	for i := 0; i < updateRetries; i++ {
		innerErr = nil
		err := s.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case innerErr != nil:
			return domain.Keypair{}, err
		default:
			return domain.Keypair{}, domain.NewStorageError("watch keypair", err)
		}
	}
	return domain.Keypair{}, domain.NewStorageError("update keypair", errors.New("too much contention"))
}

func (s *Store) applyUpdate(ctx context.Context, tx *redis.Tx, key string, fn func(kp *domain.Keypair) error, out *domain.Keypair) error {
	raw, err := tx.Get(ctx, key).Bytes()
	if err != nil {
		return mapErr("get keypair", err)
	}
	var doc keypairDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.NewStorageError("decode keypair", err)
	}
	draft := keypairFromDoc(doc)
	if err := fn(&draft); err != nil {
		return err
	}
	doc.Metadata = draft.Metadata
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}
	doc.UpdatedAt = draft.UpdatedAt.UTC()
	next, err := json.Marshal(doc)
	if err != nil {
		return domain.NewValidationError("metadata", "must be JSON-serializable")
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, next, redis.KeepTTL)
		return nil
	})
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return err
		}
		return domain.NewStorageError("update keypair", err)
	}
	*out, err = decodeKeypair(next)
	return err
}

func (s *Store) Delete(ctx context.Context, id string) (domain.Keypair, error) {
	if id == "" {
		return domain.Keypair{}, domain.ErrNotFound
	}
	raw, err := s.client.GetDel(ctx, s.keypairKey(id)).Bytes()
	if err != nil {
		return domain.Keypair{}, mapErr("delete keypair", err)
	}
	return decodeKeypair(raw)
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return domain.NewStorageError("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) CreateAccount(ctx context.Context, account domain.ServiceAccount) (domain.ServiceAccount, error) {
	account.ID = account.Username
	raw, err := json.Marshal(accountDoc{
		ID:           account.ID,
		Username:     account.Username,
		PasswordHash: account.PasswordVerifier,
		Role:         string(account.Role),
		CreatedAt:    account.CreatedAt.UTC(),
	})
	if err != nil {
		return domain.ServiceAccount{}, err
	}
	ok, err := s.client.SetNX(ctx, s.userKey(account.Username), raw, 0).Result()
	if err != nil {
		return domain.ServiceAccount{}, domain.NewStorageError("create account", err)
	}
	if !ok {
		return domain.ServiceAccount{}, domain.ErrConflict
	}
	return account, nil
}

func (s *Store) GetAccount(ctx context.Context, username string) (domain.ServiceAccount, error) {
	raw, err := s.client.Get(ctx, s.userKey(username)).Bytes()
	if err != nil {
		return domain.ServiceAccount{}, mapErr("get account", err)
	}
	var doc accountDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.ServiceAccount{}, domain.NewStorageError("decode account", err)
	}
	return domain.ServiceAccount{
		ID:               doc.ID,
		Username:         doc.Username,
		PasswordVerifier: doc.PasswordHash,
		Role:             domain.Role(doc.Role),
		CreatedAt:        doc.CreatedAt.UTC(),
	}, nil
}

func mapErr(op string, err error) error {
	if errors.Is(err, redis.Nil) {
		return domain.ErrNotFound
	}
	return domain.NewStorageError(op, err)
}

func docFromKeypair(kp domain.Keypair) keypairDoc {
	metadata := kp.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return keypairDoc{
		Name:                kp.Name,
		Type:                string(kp.Type),
		Algorithm:           string(kp.Algorithm),
		SizeBits:            kp.SizeBits,
		PublicKey:           kp.PublicKey,
		SSHPublicKey:        kp.SSHPublicKey,
		Fingerprint:         kp.Fingerprint,
		PrivateKey:          kp.PrivateKeyPlaintext,
		EncryptedPrivateKey: kp.EncryptedPrivateKey,
		PassphraseVerifier:  kp.PassphraseVerifier,
		Metadata:            metadata,
		CreatedAt:           kp.CreatedAt.UTC(),
		UpdatedAt:           kp.UpdatedAt.UTC(),
	}
}

func keypairFromDoc(doc keypairDoc) domain.Keypair {
	metadata := doc.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return domain.Keypair{
		ID:                  doc.Name,
		Name:                doc.Name,
		Type:                domain.KeyType(doc.Type),
		Algorithm:           domain.Algorithm(doc.Algorithm),
		SizeBits:            doc.SizeBits,
		PublicKey:           doc.PublicKey,
		SSHPublicKey:        doc.SSHPublicKey,
		Fingerprint:         doc.Fingerprint,
		PrivateKeyPlaintext: doc.PrivateKey,
		EncryptedPrivateKey: doc.EncryptedPrivateKey,
		PassphraseVerifier:  doc.PassphraseVerifier,
		Metadata:            metadata,
		CreatedAt:           doc.CreatedAt.UTC(),
		UpdatedAt:           doc.UpdatedAt.UTC(),
	}
}

func decodeKeypair(raw []byte) (domain.Keypair, error) {
	var doc keypairDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.Keypair{}, domain.NewStorageError("decode keypair", err)
	}
	return keypairFromDoc(doc), nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}

func dedupe(sorted []string) []string {
	if len(sorted) < 2 {
		return sorted
	}
	out := sorted[:1]
	for _, k := range sorted[1:] {
		if k != out[len(out)-1] {
			out = append(out, k)
		}
	}
	return out
}
