// Package memstore keeps keypairs and service accounts in process memory.
// Record ids are the keypair name and the account username.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"keypaird/internal/domain"
)

type Store struct {
	mu       sync.RWMutex
	keypairs map[string]domain.Keypair
	accounts map[string]domain.ServiceAccount
}

func New() *Store {
	return &Store{
		keypairs: make(map[string]domain.Keypair),
		accounts: make(map[string]domain.ServiceAccount),
	}
}

func (s *Store) CreateIfAbsent(ctx context.Context, kp domain.Keypair) (domain.Keypair, error) {
	if err := ctx.Err(); err != nil {
		return domain.Keypair{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keypairs[kp.Name]; ok {
		return domain.Keypair{}, domain.ErrConflict
	}
	kp.ID = kp.Name
	s.keypairs[kp.Name] = cloneKeypair(kp)
	return cloneKeypair(kp), nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Keypair, error) {
	if err := ctx.Err(); err != nil {
		return domain.Keypair{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	kp, ok := s.keypairs[id]
	if !ok {
		return domain.Keypair{}, domain.ErrNotFound
	}
	return cloneKeypair(kp), nil
}

func (s *Store) ListPrefix(ctx context.Context, prefix string) ([]domain.Keypair, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]domain.Keypair, 0, len(s.keypairs))
	for name, kp := range s.keypairs {
		if strings.HasPrefix(name, prefix) {
			out = append(out, cloneKeypair(kp))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) Update(ctx context.Context, id string, fn func(kp *domain.Keypair) error) (domain.Keypair, error) {
	if err := ctx.Err(); err != nil {
		return domain.Keypair{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.keypairs[id]
	if !ok {
		return domain.Keypair{}, domain.ErrNotFound
	}
	draft := cloneKeypair(current)
	if err := fn(&draft); err != nil {
		return domain.Keypair{}, err
	}
	current.Metadata = cloneMap(draft.Metadata)
	current.UpdatedAt = draft.UpdatedAt
	s.keypairs[id] = current
	return cloneKeypair(current), nil
}

func (s *Store) Delete(ctx context.Context, id string) (domain.Keypair, error) {
	if err := ctx.Err(); err != nil {
		return domain.Keypair{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kp, ok := s.keypairs[id]
	if !ok {
		return domain.Keypair{}, domain.ErrNotFound
	}
	delete(s.keypairs, id)
	return kp, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) CreateAccount(ctx context.Context, account domain.ServiceAccount) (domain.ServiceAccount, error) {
	if err := ctx.Err(); err != nil {
		return domain.ServiceAccount{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account.Username]; ok {
		return domain.ServiceAccount{}, domain.ErrConflict
	}
	account.ID = account.Username
	s.accounts[account.Username] = account
	return account, nil
}

func (s *Store) GetAccount(ctx context.Context, username string) (domain.ServiceAccount, error) {
	if err := ctx.Err(); err != nil {
		return domain.ServiceAccount{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[username]
	if !ok {
		return domain.ServiceAccount{}, domain.ErrNotFound
	}
	return account, nil
}

func cloneKeypair(kp domain.Keypair) domain.Keypair {
	out := kp
	if kp.PrivateKeyPlaintext != nil {
		v := *kp.PrivateKeyPlaintext
		out.PrivateKeyPlaintext = &v
	}
	if kp.PassphraseVerifier != nil {
		v := *kp.PassphraseVerifier
		out.PassphraseVerifier = &v
	}
	if kp.EncryptedPrivateKey != nil {
		env := *kp.EncryptedPrivateKey
		env.Salt = append([]byte(nil), env.Salt...)
		env.Nonce = append([]byte(nil), env.Nonce...)
		env.Ciphertext = append([]byte(nil), env.Ciphertext...)
		env.AuthTag = append([]byte(nil), env.AuthTag...)
		out.EncryptedPrivateKey = &env
	}
	out.Metadata = cloneMap(kp.Metadata)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}
