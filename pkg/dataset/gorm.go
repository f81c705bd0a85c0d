package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/mist-health/mdf-pipeline/pkg/common/models"
)

type datasetRow struct {
	ID                string         `gorm:"primaryKey;column:id"`
	Filename          string         `gorm:"column:filename"`
	Format            string         `gorm:"column:format"`
	Status            string         `gorm:"column:status;index"`
	Reason            string         `gorm:"column:reason"`
	TotalRecords      int            `gorm:"column:total_records"`
	NormalizedRecords int            `gorm:"column:normalized_records"`
	ConfidenceScore   float64        `gorm:"column:confidence_score"`
	FieldMappings     datatypes.JSON `gorm:"column:field_mappings"`
	Warnings          datatypes.JSON `gorm:"column:warnings"`
	DataCategories    datatypes.JSON `gorm:"column:data_categories"`
	DateRangeStart    string         `gorm:"column:date_range_start_year"`
	DateRangeEnd      string         `gorm:"column:date_range_end_year"`
	RecordSetID       string         `gorm:"column:record_set_id"`
	CreatedAt         time.Time      `gorm:"column:created_at"`
	UpdatedAt         time.Time      `gorm:"column:updated_at"`
}

func (datasetRow) TableName() string {
	return "mdf_datasets"
}

type recordRow struct {
	ID          string         `gorm:"primaryKey;column:id"`
	DatasetID   string         `gorm:"column:dataset_id;index:idx_mdf_records_set,priority:1"`
	RecordSetID string         `gorm:"column:record_set_id;index:idx_mdf_records_set,priority:2"`
	Seq         int            `gorm:"column:seq;index:idx_mdf_records_set,priority:3"`
	PatientID   string         `gorm:"column:patient_id;index"`
	Document    datatypes.JSON `gorm:"column:document"`
	CreatedAt   time.Time      `gorm:"column:created_at"`
}

func (recordRow) TableName() string {
	return "mdf_records"
}

// GormStore is the Postgres-backed Store.
type GormStore struct {
	db *gorm.DB
	// BatchSize bounds each multi-row insert.
	BatchSize int
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, BatchSize: 500}
}

func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&datasetRow{}, &recordRow{})
}

func (s *GormStore) Create(ctx context.Context, meta *models.DatasetMetadata) error {
	now := time.Now().UTC()
	meta.CreatedAt, meta.UpdatedAt = now, now
	if meta.Status == "" {
		meta.Status = models.StatusUploaded
	}
	row, err := toRow(meta)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(row).Error
}

func (s *GormStore) MarkProcessing(ctx context.Context, id string) error {
	return s.update(ctx, id, map[string]interface{}{
		"status":     string(models.StatusProcessing),
		"reason":     "",
		"updated_at": time.Now().UTC(),
	})
}

func (s *GormStore) MarkFailed(ctx context.Context, id, reason string, warnings []string) error {
	w, err := jsonOf(nonNil(warnings))
	if err != nil {
		return err
	}
	return s.update(ctx, id, map[string]interface{}{
		"status":     string(models.StatusFailed),
		"reason":     reason,
		"warnings":   w,
		"updated_at": time.Now().UTC(),
	})
}

func (s *GormStore) update(ctx context.Context, id string, fields map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&datasetRow{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// WriteResult stores a new record set and the final metadata in one
// transaction. Earlier record sets of the dataset are kept.
func (s *GormStore) WriteResult(ctx context.Context, meta *models.DatasetMetadata, records []*models.Record) error {
	if meta.RecordSetID == "" {
		meta.RecordSetID = uuid.NewString()
	}
	meta.UpdatedAt = time.Now().UTC()
	row, err := toRow(meta)
	if err != nil {
		return err
	}
	rows := make([]recordRow, 0, len(records))
	for i, rec := range records {
		doc, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record %d: %w", i+1, err)
		}
		rows = append(rows, recordRow{
			ID:          uuid.NewString(),
			DatasetID:   meta.ID,
			RecordSetID: meta.RecordSetID,
			Seq:         i,
			PatientID:   rec.PatientID,
			Document:    datatypes.JSON(doc),
			CreatedAt:   meta.UpdatedAt,
		})
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, s.batchSize()).Error; err != nil {
				return fmt.Errorf("insert records: %w", err)
			}
		}
		res := tx.Model(&datasetRow{}).Where("id = ?", meta.ID).
			Select("*").Omit("id", "created_at", "filename").Updates(row)
		if res.Error != nil {
			return fmt.Errorf("update dataset: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *GormStore) batchSize() int {
	if s.BatchSize <= 0 {
		return 500
	}
	return s.BatchSize
}

func (s *GormStore) Get(ctx context.Context, id string) (*models.DatasetMetadata, error) {
	var row datasetRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRow(&row)
}

func (s *GormStore) Records(ctx context.Context, id string) ([]models.Record, error) {
	meta, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if meta.RecordSetID == "" {
		return []models.Record{}, nil
	}
	var rows []recordRow
	if err := s.db.WithContext(ctx).
		Where("dataset_id = ? AND record_set_id = ?", id, meta.RecordSetID).
		Order("seq").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.Record, len(rows))
	for i, r := range rows {
		if err := json.Unmarshal(r.Document, &out[i]); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", r.ID, err)
		}
	}
	return out, nil
}

func toRow(m *models.DatasetMetadata) (*datasetRow, error) {
	mappings, err := jsonOf(m.FieldMappings)
	if err != nil {
		return nil, err
	}
	warnings, err := jsonOf(nonNil(m.Warnings))
	if err != nil {
		return nil, err
	}
	categories, err := jsonOf(nonNil(m.DataCategories))
	if err != nil {
		return nil, err
	}
	return &datasetRow{
		ID:                m.ID,
		Filename:          m.Filename,
		Format:            string(m.Format),
		Status:            string(m.Status),
		Reason:            m.Reason,
		TotalRecords:      m.TotalRecords,
		NormalizedRecords: m.NormalizedRecords,
		ConfidenceScore:   m.ConfidenceScore,
		FieldMappings:     mappings,
		Warnings:          warnings,
		DataCategories:    categories,
		DateRangeStart:    m.DateRangeStart,
		DateRangeEnd:      m.DateRangeEnd,
		RecordSetID:       m.RecordSetID,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}, nil
}

func fromRow(r *datasetRow) (*models.DatasetMetadata, error) {
	m := &models.DatasetMetadata{
		ID:                r.ID,
		Filename:          r.Filename,
		Format:            models.FormatKind(r.Format),
		Status:            models.DatasetStatus(r.Status),
		Reason:            r.Reason,
		TotalRecords:      r.TotalRecords,
		NormalizedRecords: r.NormalizedRecords,
		ConfidenceScore:   r.ConfidenceScore,
		DateRangeStart:    r.DateRangeStart,
		DateRangeEnd:      r.DateRangeEnd,
		RecordSetID:       r.RecordSetID,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	for _, f := range []struct {
		raw datatypes.JSON
		dst interface{}
	}{
		{r.FieldMappings, &m.FieldMappings},
		{r.Warnings, &m.Warnings},
		{r.DataCategories, &m.DataCategories},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decode dataset %s: %w", r.ID, err)
		}
	}
	if m.Warnings == nil {
		m.Warnings = []string{}
	}
	return m, nil
}

func jsonOf(v interface{}) (datatypes.JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
