package db

import "time"

type KeypairModel struct {
	ID                  int64     `gorm:"primaryKey"`
	Name                string    `gorm:"type:varchar(255);uniqueIndex;not null"`
	Type                string    `gorm:"type:varchar(50);not null;default:ssh"`
	Algorithm           string    `gorm:"type:varchar(16);not null"`
	SizeBits            int       `gorm:"not null"`
	PublicKey           string    `gorm:"type:text;not null"`
	SSHPublicKey        string    `gorm:"column:ssh_public_key;type:text"`
	Fingerprint         string    `gorm:"type:varchar(128)"`
	PrivateKey          *string   `gorm:"type:text"`
	EncryptedPrivateKey []byte    `gorm:"type:jsonb"`
	PassphraseVerifier  *string   `gorm:"type:varchar(128)"`
	Metadata            []byte    `gorm:"type:jsonb;not null"`
	CreatedAt           time.Time `gorm:"autoCreateTime:false;not null"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime:false;not null"`
}

func (KeypairModel) TableName() string {
	return "keypairs"
}

type ServiceAccountModel struct {
	ID           string    `gorm:"type:uuid;primaryKey"`
	Username     string    `gorm:"type:varchar(255);uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	Role         string    `gorm:"type:varchar(16);not null"`
	CreatedAt    time.Time `gorm:"autoCreateTime:false;not null"`
}

func (ServiceAccountModel) TableName() string {
	return "service_accounts"
}
