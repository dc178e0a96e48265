// Package password hashes and verifies service account passwords.
package password

import (
	"errors"

	"golang.org/x/crypto/bcrypt"

	"keypaird/internal/domain"
)

const DefaultCost = 12

var ErrEmptyPassword = errors.New("password cannot be empty")

type Hasher struct {
	cost  int
	dummy []byte
}

func New(cost int) (*Hasher, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, domain.NewValidationError("bcrypt_cost", "out of range")
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("keypaird-dummy-password"), cost)
	if err != nil {
		return nil, err
	}
	return &Hasher{cost: cost, dummy: dummy}, nil
}

func (h *Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", domain.NewValidationError("password", ErrEmptyPassword.Error())
	}
	if len(password) > 72 {
		return "", domain.NewValidationError("password", "must be at most 72 bytes")
	}
	out, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Compare checks password against verifier. An empty verifier still costs a
// full bcrypt comparison so unknown accounts take as long as known ones.
func (h *Hasher) Compare(verifier, password string) error {
	if verifier == "" {
		_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(password))
		return domain.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(verifier), []byte(password)); err != nil {
		return domain.ErrInvalidCredentials
	}
	return nil
}
