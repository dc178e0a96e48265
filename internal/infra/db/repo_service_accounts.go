package db

import (
	"context"

	"keypaird/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ServiceAccountRepository struct {
	db *gorm.DB
}

func NewServiceAccountRepository(db *gorm.DB) *ServiceAccountRepository {
	return &ServiceAccountRepository{db: db}
}

func (r *ServiceAccountRepository) CreateAccount(ctx context.Context, account domain.ServiceAccount) (domain.ServiceAccount, error) {
	if r.db == nil {
		return domain.ServiceAccount{}, errDBUnavailable
	}
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	model := ServiceAccountModel{
		ID:           account.ID,
		Username:     account.Username,
		PasswordHash: account.PasswordVerifier,
		Role:         string(account.Role),
		CreatedAt:    account.CreatedAt.UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.ServiceAccount{}, storageErr("create account", err)
	}
	return accountFromModel(model), nil
}

func (r *ServiceAccountRepository) GetAccount(ctx context.Context, username string) (domain.ServiceAccount, error) {
	if r.db == nil {
		return domain.ServiceAccount{}, errDBUnavailable
	}
	var model ServiceAccountModel
	if err := r.db.WithContext(ctx).Where("username = ?", username).First(&model).Error; err != nil {
		return domain.ServiceAccount{}, storageErr("get account", err)
	}
	return accountFromModel(model), nil
}

func accountFromModel(model ServiceAccountModel) domain.ServiceAccount {
	return domain.ServiceAccount{
		ID:               model.ID,
		Username:         model.Username,
		PasswordVerifier: model.PasswordHash,
		Role:             domain.Role(model.Role),
		CreatedAt:        model.CreatedAt.UTC(),
	}
}
