package db

import (
	"context"
	"encoding/json"
	"strconv"

	"keypaird/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// KeypairRepository is the relational secret store. Record ids are the
// decimal form of the surrogate primary key.
type KeypairRepository struct {
	db *gorm.DB
}

func NewKeypairRepository(db *gorm.DB) *KeypairRepository {
	return &KeypairRepository{db: db}
}

func (r *KeypairRepository) CreateIfAbsent(ctx context.Context, kp domain.Keypair) (domain.Keypair, error) {
	if r.db == nil {
		return domain.Keypair{}, errDBUnavailable
	}
	model, err := keypairToModel(kp)
	if err != nil {
		return domain.Keypair{}, err
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
		Create(&model)
	if res.Error != nil {
		return domain.Keypair{}, storageErr("create keypair", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.Keypair{}, domain.ErrConflict
	}
	return keypairFromModel(model)
}

func (r *KeypairRepository) Get(ctx context.Context, id string) (domain.Keypair, error) {
	if r.db == nil {
		return domain.Keypair{}, errDBUnavailable
	}
	pk, ok := parseID(id)
	if !ok {
		return domain.Keypair{}, domain.ErrNotFound
	}
	var model KeypairModel
	if err := r.db.WithContext(ctx).Where("id = ?", pk).First(&model).Error; err != nil {
		return domain.Keypair{}, storageErr("get keypair", err)
	}
	return keypairFromModel(model)
}

func (r *KeypairRepository) ListPrefix(ctx context.Context, prefix string) ([]domain.Keypair, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	query := r.db.WithContext(ctx)
	if prefix != "" {
		query = query.Where(`name LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")
	}
	var models []KeypairModel
	if err := query.Order(`name COLLATE "C" ASC`).Find(&models).Error; err != nil {
		return nil, storageErr("list keypairs", err)
	}
	out := make([]domain.Keypair, 0, len(models))
	for _, model := range models {
		kp, err := keypairFromModel(model)
		if err != nil {
			return nil, err
		}
		out = append(out, kp)
	}
	return out, nil
}

// Update locks the row for the duration of fn and writes back only metadata
// and updated_at.
func (r *KeypairRepository) Update(ctx context.Context, id string, fn func(kp *domain.Keypair) error) (domain.Keypair, error) {
	if r.db == nil {
		return domain.Keypair{}, errDBUnavailable
	}
	pk, ok := parseID(id)
	if !ok {
		return domain.Keypair{}, domain.ErrNotFound
	}
	var out domain.Keypair
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model KeypairModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", pk).First(&model).Error; err != nil {
			return storageErr("lock keypair", err)
		}
		current, err := keypairFromModel(model)
		if err != nil {
			return err
		}
		if err := fn(&current); err != nil {
			return err
		}
		metadata, err := json.Marshal(nonNilMetadata(current.Metadata))
		if err != nil {
			return domain.NewValidationError("metadata", "must be JSON-serializable")
		}
		updatedAt := current.UpdatedAt.UTC()
		if err := tx.Model(&KeypairModel{}).Where("id = ?", pk).Updates(map[string]any{
			"metadata":   metadata,
			"updated_at": updatedAt,
		}).Error; err != nil {
			return storageErr("update keypair", err)
		}
		model.Metadata = metadata
		model.UpdatedAt = updatedAt
		out, err = keypairFromModel(model)
		return err
	})
	if err != nil {
		return domain.Keypair{}, err
	}
	return out, nil
}

func (r *KeypairRepository) Delete(ctx context.Context, id string) (domain.Keypair, error) {
	if r.db == nil {
		return domain.Keypair{}, errDBUnavailable
	}
	pk, ok := parseID(id)
	if !ok {
		return domain.Keypair{}, domain.ErrNotFound
	}
	var model KeypairModel
	res := r.db.WithContext(ctx).Clauses(clause.Returning{}).Where("id = ?", pk).Delete(&model)
	if res.Error != nil {
		return domain.Keypair{}, storageErr("delete keypair", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.Keypair{}, domain.ErrNotFound
	}
	return keypairFromModel(model)
}

func (r *KeypairRepository) Ping(ctx context.Context) error {
	if r.db == nil {
		return errDBUnavailable
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return storageErr("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

func parseID(id string) (int64, bool) {
	pk, err := strconv.ParseInt(id, 10, 64)
	return pk, err == nil && pk > 0
}

func nonNilMetadata(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func keypairToModel(kp domain.Keypair) (KeypairModel, error) {
	metadata, err := json.Marshal(nonNilMetadata(kp.Metadata))
	if err != nil {
		return KeypairModel{}, domain.NewValidationError("metadata", "must be JSON-serializable")
	}
	var envelope []byte
	if kp.EncryptedPrivateKey != nil {
		envelope, err = json.Marshal(kp.EncryptedPrivateKey)
		if err != nil {
			return KeypairModel{}, err
		}
	}
	return KeypairModel{
		Name:                kp.Name,
		Type:                string(kp.Type),
		Algorithm:           string(kp.Algorithm),
		SizeBits:            kp.SizeBits,
		PublicKey:           kp.PublicKey,
		SSHPublicKey:        kp.SSHPublicKey,
		Fingerprint:         kp.Fingerprint,
		PrivateKey:          kp.PrivateKeyPlaintext,
		EncryptedPrivateKey: envelope,
		PassphraseVerifier:  kp.PassphraseVerifier,
		Metadata:            metadata,
		CreatedAt:           kp.CreatedAt.UTC(),
		UpdatedAt:           kp.UpdatedAt.UTC(),
	}, nil
}

func keypairFromModel(model KeypairModel) (domain.Keypair, error) {
	kp := domain.Keypair{
		ID:                  strconv.FormatInt(model.ID, 10),
		Name:                model.Name,
		Type:                domain.KeyType(model.Type),
		Algorithm:           domain.Algorithm(model.Algorithm),
		SizeBits:            model.SizeBits,
		PublicKey:           model.PublicKey,
		SSHPublicKey:        model.SSHPublicKey,
		Fingerprint:         model.Fingerprint,
		PrivateKeyPlaintext: model.PrivateKey,
		PassphraseVerifier:  model.PassphraseVerifier,
		Metadata:            map[string]any{},
		CreatedAt:           model.CreatedAt.UTC(),
		UpdatedAt:           model.UpdatedAt.UTC(),
	}
	if len(model.Metadata) > 0 {
		if err := json.Unmarshal(model.Metadata, &kp.Metadata); err != nil {
			return domain.Keypair{}, domain.NewStorageError("decode metadata", err)
		}
	}
	if len(model.EncryptedPrivateKey) > 0 {
		var env domain.Envelope
		if err := json.Unmarshal(copyBytes(model.EncryptedPrivateKey), &env); err != nil {
			return domain.Keypair{}, domain.NewStorageError("decode envelope", err)
		}
		kp.EncryptedPrivateKey = &env
	}
	return kp, nil
}
