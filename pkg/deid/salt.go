package deid

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SaltSource hands out the per-dataset salt, creating it on first use.
type SaltSource interface {
	Salt(ctx context.Context, datasetID string) (string, error)
}

type SaltRecord struct {
	DatasetID string    `gorm:"primaryKey;column:dataset_id" json:"dataset_id"`
	Salt      string    `gorm:"column:salt;not null" json:"-"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

func (SaltRecord) TableName() string {
	return "deid_dataset_salts"
}

// SaltRepository persists dataset salts so re-processing a dataset yields the
// same pseudonyms.
type SaltRepository struct {
	db *gorm.DB
}

func NewSaltRepository(db *gorm.DB) *SaltRepository {
	return &SaltRepository{db: db}
}

func (r *SaltRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&SaltRecord{})
}

func (r *SaltRepository) Salt(ctx context.Context, datasetID string) (string, error) {
	var rec SaltRecord
	err := r.db.WithContext(ctx).First(&rec, "dataset_id = ?", datasetID).Error
	if err == nil {
		return rec.Salt, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	salt, err := NewSalt()
	if err != nil {
		return "", err
	}
	rec = SaltRecord{DatasetID: datasetID, Salt: salt, CreatedAt: time.Now().UTC()}
	// A concurrent writer may win; read back whichever salt was stored.
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
		return "", err
	}
	if err := r.db.WithContext(ctx).First(&rec, "dataset_id = ?", datasetID).Error; err != nil {
		return "", err
	}
	return rec.Salt, nil
}

// MemorySalts is an in-process SaltSource.
type MemorySalts struct {
	mu    sync.Mutex
	salts map[string]string
}

func NewMemorySalts() *MemorySalts {
	return &MemorySalts{salts: make(map[string]string)}
}

func (m *MemorySalts) Salt(_ context.Context, datasetID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.salts[datasetID]; ok {
		return s, nil
	}
	s, err := NewSalt()
	if err != nil {
		return "", err
	}
	m.salts[datasetID] = s
	return s, nil
}

// NewSalt returns 32 random bytes, hex encoded.
func NewSalt() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
