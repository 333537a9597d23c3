package chunkstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"kmsai/pkg/domain"
	"kmsai/pkg/store"
)

type ChunkModel struct {
	ID            string `gorm:"primaryKey"`
	DocumentID    string `gorm:"not null;index"`
	Paragraph     int    `gorm:"not null"`
	DocumentTopic string
	ChunkTopic    string
	OriginalText  string         `gorm:"type:text"`
	QAContent     string         `gorm:"type:text"`
	Content       string         `gorm:"type:text"`
	Unit          string         `gorm:"index"`
	Metadata      datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt     time.Time      `gorm:"not null"`
}

func (ChunkModel) TableName() string { return "chunks" }

// GormStore keeps chunks in Postgres with a jsonb metadata column.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens its own pooled handle and migrates the chunks table.
func NewGormStore(dsn string, options ...store.GormStoreOption) (*GormStore, error) {
	db, err := store.OpenPostgres(dsn)
	if err != nil {
		return nil, err
	}
	if err := store.ConfigurePool(db, options...); err != nil {
		return nil, err
	}
	return NewGormStoreWithDB(db)
}

// NewGormStoreWithDB migrates the chunks table on an existing handle,
// typically the document store's, so both share one pool.
func NewGormStoreWithDB(db *gorm.DB) (*GormStore, error) {
	if err := store.WithMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&ChunkModel{}); err != nil {
			return fmt.Errorf("auto migrate chunks: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) AddChunks(ctx context.Context, docID, unit string, drafts []domain.ChunkDraft, dup *domain.DuplicateInfo) ([]domain.Chunk, error) {
	built := BuildChunks(docID, unit, drafts, dup, time.Now().UTC())
	if len(built) == 0 {
		return nil, ErrNoChunks
	}
	models := make([]ChunkModel, 0, len(built))
	for _, c := range built {
		m, err := chunkToModel(c)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ChunkModel{}, "document_id = ?", docID).Error; err != nil {
			return err
		}
		return tx.CreateInBatches(&models, 200).Error
	})
	if err != nil {
		return nil, err
	}
	return built, nil
}

func (s *GormStore) GetChunksByDocument(ctx context.Context, docID string, limit int) ([]domain.Chunk, error) {
	tx := s.db.WithContext(ctx).Where("document_id = ?", docID).Order("paragraph ASC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	return s.find(tx)
}

func (s *GormStore) GetChunk(ctx context.Context, chunkID string) (domain.Chunk, bool, error) {
	var model ChunkModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", chunkID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Chunk{}, false, nil
		}
		return domain.Chunk{}, false, err
	}
	return chunkFromModel(model), true, nil
}

// UpdateChunkMetadata merges patch into the stored metadata in one statement.
func (s *GormStore) UpdateChunkMetadata(ctx context.Context, chunkID string, patch map[string]any) (bool, error) {
	raw, err := json.Marshal(patch)
	if err != nil {
		return false, fmt.Errorf("marshal metadata patch: %w", err)
	}
	res := s.db.WithContext(ctx).Model(&ChunkModel{}).Where("id = ?", chunkID).
		Update("metadata", gorm.Expr("COALESCE(metadata, '{}'::jsonb) || ?::jsonb", string(raw)))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) DeleteChunksByDocument(ctx context.Context, docID string) error {
	return s.db.WithContext(ctx).Delete(&ChunkModel{}, "document_id = ?", docID).Error
}

// FindChunks filters on top-level metadata keys.
func (s *GormStore) FindChunks(ctx context.Context, filter map[string]any) ([]domain.Chunk, error) {
	tx := s.db.WithContext(ctx)
	for key, value := range filter {
		tx = tx.Where(datatypes.JSONQuery("metadata").Equals(value, key))
	}
	return s.find(tx.Order("document_id ASC").Order("paragraph ASC"))
}

func (s *GormStore) ReassignOwner(ctx context.Context, fromDoc, toDoc string) (int, error) {
	raw, err := json.Marshal(map[string]any{domain.MetaOriginalID: toDoc})
	if err != nil {
		return 0, err
	}
	res := s.db.WithContext(ctx).Model(&ChunkModel{}).Where("document_id = ?", fromDoc).Updates(map[string]any{
		"document_id": toDoc,
		"metadata":    gorm.Expr("COALESCE(metadata, '{}'::jsonb) || ?::jsonb", string(raw)),
	})
	return int(res.RowsAffected), res.Error
}

func (s *GormStore) find(tx *gorm.DB) ([]domain.Chunk, error) {
	var models []ChunkModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Chunk, 0, len(models))
	for _, m := range models {
		out = append(out, chunkFromModel(m))
	}
	return out, nil
}

func chunkToModel(c domain.Chunk) (ChunkModel, error) {
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return ChunkModel{}, fmt.Errorf("marshal chunk metadata: %w", err)
	}
	return ChunkModel{
		ID:            c.ID,
		DocumentID:    c.DocumentID,
		Paragraph:     c.Paragraph,
		DocumentTopic: c.DocumentTopic,
		ChunkTopic:    c.ChunkTopic,
		OriginalText:  c.OriginalText,
		QAContent:     c.QAContent,
		Content:       c.Content,
		Unit:          c.Unit,
		Metadata:      datatypes.JSON(meta),
		CreatedAt:     c.CreatedAt,
	}, nil
}

func chunkFromModel(m ChunkModel) domain.Chunk {
	c := domain.Chunk{
		ID:            m.ID,
		DocumentID:    m.DocumentID,
		Paragraph:     m.Paragraph,
		DocumentTopic: m.DocumentTopic,
		ChunkTopic:    m.ChunkTopic,
		OriginalText:  m.OriginalText,
		QAContent:     m.QAContent,
		Content:       m.Content,
		Unit:          m.Unit,
		CreatedAt:     m.CreatedAt,
	}
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &c.Metadata)
	}
	return c
}

var (
	_ Store = (*GormStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
