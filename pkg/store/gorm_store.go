package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"kmsai/pkg/domain"
)

const migrateLockID int64 = 51170217

type GormStoreOptions struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

type GormStoreOption func(*GormStoreOptions)

// WithPool overrides the connection pool sizing.
func WithPool(idle, open int, lifetime time.Duration) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.MaxIdleConns = idle
		opts.MaxOpenConns = open
		opts.ConnMaxLifetime = lifetime
	}
}

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB, sizes the pool and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	db, err := OpenPostgres(dsn)
	if err != nil {
		return nil, err
	}
	if err := ConfigurePool(db, options...); err != nil {
		return nil, err
	}

	if err := WithMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&DocumentModel{}, &ConflictModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// DB returns the underlying handle so other tables can share its pool.
func (s *GormStore) DB() *gorm.DB { return s.db }

// PoolOptions resolves options over the default pool of 10 idle and 30 open
// connections with a 30 minute lifetime.
func PoolOptions(options ...GormStoreOption) GormStoreOptions {
	opts := GormStoreOptions{MaxIdleConns: 10, MaxOpenConns: 30, ConnMaxLifetime: 30 * time.Minute}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	return opts
}

// ConfigurePool applies PoolOptions(options...) to db.
func ConfigurePool(db *gorm.DB, options ...GormStoreOption) error {
	opts := PoolOptions(options...)
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	return nil
}

// OpenPostgres opens a gorm handle with the shared logger settings.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return db, nil
}

// WithMigrationLock runs fn while holding a Postgres advisory lock so that
// several replicas starting together migrate one at a time.
func WithMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateDocument inserts a new document record.
func (s *GormStore) CreateDocument(ctx context.Context, doc domain.Document) error {
	model := documentToModel(doc)
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetDocument returns a document by id.
func (s *GormStore) GetDocument(ctx context.Context, id string) (domain.Document, bool, error) {
	var model DocumentModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, err
	}
	return documentFromModel(model), true, nil
}

// UpdateDocumentStatus applies a partial update and stamps modified_date.
func (s *GormStore) UpdateDocumentStatus(ctx context.Context, id string, patch domain.DocumentPatch) error {
	if coerced := patch.Normalize(); len(coerced) > 0 {
		slog.Warn("coerced invalid status values", "doc_id", id, "fields", coerced)
	}
	updates, err := patchUpdates(patch, time.Now().UTC())
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&DocumentModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// DeleteDocument removes the document row.
func (s *GormStore) DeleteDocument(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&DocumentModel{}, "id = ?", id).Error
}

// ListDocuments returns every document ordered by created_date.
func (s *GormStore) ListDocuments(ctx context.Context) ([]domain.Document, error) {
	return s.listDocuments(ctx, s.db.WithContext(ctx).Order("created_date ASC"))
}

// ListDocumentsInGroup returns the members of a duplicate group.
func (s *GormStore) ListDocumentsInGroup(ctx context.Context, groupID string) ([]domain.Document, error) {
	if groupID == "" {
		return nil, nil
	}
	tx := s.db.WithContext(ctx).Where("duplicate_group_id = ?", groupID).Order("created_date ASC").Order("id ASC")
	return s.listDocuments(ctx, tx)
}

// ListDocumentsToScan selects valid documents that still need a scan: chunk
// failures below the limit, never-scanned or failed scans, and scans that
// have been stuck longer than staleAfter.
func (s *GormStore) ListDocumentsToScan(ctx context.Context, maxChunkFailures int, staleAfter time.Duration) ([]domain.Document, error) {
	stale := time.Now().UTC().Add(-staleAfter)
	chunkRetry := s.db.Where("chunk_status = ? AND chunk_failure_count < ?", string(domain.ChunkChunkingFailed), maxChunkFailures)
	needsScan := s.db.Where("scan_status IS NULL OR scan_status IN ?", []string{"", string(domain.ScanPending), string(domain.ScanFailed)}).
		Or("processing_status IN ? AND modified_date < ?", []string{string(domain.ProcessingProcessing), string(domain.ProcessingScanning)}, stale)
	scanRetry := s.db.Where("processing_status NOT IN ?", []string{string(domain.ProcessingFailed), string(domain.ProcessingQueued)}).
		Where(needsScan)
	tx := s.db.WithContext(ctx).
		Where("is_valid = ?", true).
		Where(chunkRetry.Or(scanRetry)).
		Order("created_date ASC")
	return s.listDocuments(ctx, tx)
}

// ListDocumentsByChunkStatus returns documents whose chunk_status is one of statuses.
func (s *GormStore) ListDocumentsByChunkStatus(ctx context.Context, statuses []domain.ChunkStatus) ([]domain.Document, error) {
	values := make([]string, 0, len(statuses))
	for _, st := range statuses {
		values = append(values, string(st))
	}
	tx := s.db.WithContext(ctx).Where("chunk_status IN ?", values).Order("created_date ASC")
	return s.listDocuments(ctx, tx)
}

// ListStaleDocuments returns documents held in an analysis status since before olderThan.
func (s *GormStore) ListStaleDocuments(ctx context.Context, analysis domain.ConflictAnalysisStatus, olderThan time.Time) ([]domain.Document, error) {
	tx := s.db.WithContext(ctx).
		Where("conflict_analysis_status = ? AND modified_date < ?", string(analysis), olderThan.UTC()).
		Order("modified_date ASC")
	return s.listDocuments(ctx, tx)
}

// ListChunkedDocuments returns the newest chunked documents other than excludeID.
func (s *GormStore) ListChunkedDocuments(ctx context.Context, excludeID string, limit int) ([]domain.Document, error) {
	if limit <= 0 {
		limit = 10
	}
	tx := s.db.WithContext(ctx).
		Where("chunk_status = ? AND id <> ?", string(domain.ChunkChunked), excludeID).
		Order("created_date DESC").
		Limit(limit)
	return s.listDocuments(ctx, tx)
}

func (s *GormStore) listDocuments(_ context.Context, tx *gorm.DB) ([]domain.Document, error) {
	var models []DocumentModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Document, 0, len(models))
	for _, m := range models {
		res = append(res, documentFromModel(m))
	}
	return res, nil
}

// IncrementChunkFailureCount bumps chunk_failure_count and returns the new value.
func (s *GormStore) IncrementChunkFailureCount(ctx context.Context, id string) (int, error) {
	return s.incrementCounter(ctx, id, "chunk_failure_count")
}

// IncrementScanFailureCount bumps scan_failure_count and returns the new value.
func (s *GormStore) IncrementScanFailureCount(ctx context.Context, id string) (int, error) {
	return s.incrementCounter(ctx, id, "scan_failure_count")
}

func (s *GormStore) incrementCounter(ctx context.Context, id, column string) (int, error) {
	var model DocumentModel
	res := s.db.WithContext(ctx).Model(&model).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: column}}}).
		Where("id = ?", id).
		Updates(map[string]any{
			column:          gorm.Expr(column + " + 1"),
			"modified_date": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, ErrDocumentNotFound
	}
	if column == "scan_failure_count" {
		return model.ScanFailureCount, nil
	}
	return model.ChunkFailureCount, nil
}

// ResetFailureCounts zeroes both failure counters.
func (s *GormStore) ResetFailureCounts(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&DocumentModel{}).Where("id = ?", id).Updates(map[string]any{
		"chunk_failure_count": 0,
		"scan_failure_count":  0,
		"modified_date":       time.Now().UTC(),
	}).Error
}

// UpsertConflictRecord inserts a conflict or refreshes the existing row for
// the same (conflict_id, conflict_type). Rows closed by the system are
// re-opened; rows closed by a person stay closed.
func (s *GormStore) UpsertConflictRecord(ctx context.Context, rec domain.ConflictRecord) (domain.ConflictRecord, error) {
	rec = sanitizeConflict(rec)
	now := time.Now().UTC()
	if rec.DetectedAt.IsZero() {
		rec.DetectedAt = now
	}
	rec.UpdatedAt = now
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	model, err := conflictToModel(rec)
	if err != nil {
		return domain.ConflictRecord{}, err
	}
	reopen := func(column, reopened string) clause.Expr {
		return gorm.Expr(fmt.Sprintf("CASE WHEN chunk_conflicts.resolved_by = ? THEN %s ELSE chunk_conflicts.%s END", reopened, column), SystemResolver)
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "conflict_id"}, {Name: "conflict_type"}},
		DoUpdates: clause.Assignments(map[string]any{
			"explanation":       gorm.Expr("EXCLUDED.explanation"),
			"conflicting_parts": gorm.Expr("EXCLUDED.conflicting_parts"),
			"severity":          gorm.Expr("EXCLUDED.severity"),
			"updated_at":        gorm.Expr("EXCLUDED.updated_at"),
			"resolved":          reopen("resolved", "FALSE"),
			"resolved_by":       reopen("resolved_by", "''"),
			"resolved_at":       reopen("resolved_at", "NULL"),
			"resolution_notes":  reopen("resolution_notes", "''"),
		}),
	}).Create(&model).Error
	if err != nil {
		return domain.ConflictRecord{}, err
	}
	stored, ok, err := s.GetConflictRecord(ctx, rec.ConflictID, rec.Type)
	if err != nil {
		return domain.ConflictRecord{}, err
	}
	if !ok {
		return rec, nil
	}
	return stored, nil
}

// GetConflictRecord returns the record for (conflictID, type).
func (s *GormStore) GetConflictRecord(ctx context.Context, conflictID string, t domain.ConflictType) (domain.ConflictRecord, bool, error) {
	var model ConflictModel
	err := s.db.WithContext(ctx).Where("conflict_id = ? AND conflict_type = ?", conflictID, string(t)).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ConflictRecord{}, false, nil
		}
		return domain.ConflictRecord{}, false, err
	}
	return conflictFromModel(model), true, nil
}

// FindUnresolvedConflict looks up an open record for the chunk set.
func (s *GormStore) FindUnresolvedConflict(ctx context.Context, t domain.ConflictType, chunkIDs []string) (domain.ConflictRecord, bool, error) {
	var model ConflictModel
	err := s.db.WithContext(ctx).
		Where("conflict_id = ? AND conflict_type = ? AND resolved = ?", domain.ConflictID(chunkIDs), string(t), false).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ConflictRecord{}, false, nil
		}
		return domain.ConflictRecord{}, false, err
	}
	return conflictFromModel(model), true, nil
}

// ListUnresolvedConflicts returns open records owned by, or pointing at, any
// of docIDs, newest first.
func (s *GormStore) ListUnresolvedConflicts(ctx context.Context, docIDs []string) ([]domain.ConflictRecord, error) {
	if len(docIDs) == 0 {
		return nil, nil
	}
	var models []ConflictModel
	if err := s.db.WithContext(ctx).
		Where("resolved = ?", false).
		Where(s.db.Where("doc_id IN ?", docIDs).Or("related_doc_id IN ?", docIDs)).
		Order("detected_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return conflictsFromModels(models), nil
}

// ListConflictsByID returns all records sharing a conflict id, across types.
func (s *GormStore) ListConflictsByID(ctx context.Context, conflictID string) ([]domain.ConflictRecord, error) {
	var models []ConflictModel
	if err := s.db.WithContext(ctx).Where("conflict_id = ?", conflictID).Order("detected_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	return conflictsFromModels(models), nil
}

// ResolveConflict closes the open record(s) for conflictID. An empty type
// matches every type.
func (s *GormStore) ResolveConflict(ctx context.Context, conflictID string, t domain.ConflictType, resolvedBy, notes string) (bool, error) {
	tx := s.db.WithContext(ctx).Model(&ConflictModel{}).Where("conflict_id = ? AND resolved = ?", conflictID, false)
	if t != "" {
		tx = tx.Where("conflict_type = ?", string(t))
	}
	res := tx.Updates(resolution(resolvedBy, notes))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ResolveConflictsForChunk closes every open record that references chunkID.
func (s *GormStore) ResolveConflictsForChunk(ctx context.Context, chunkID, resolvedBy, notes string) (int, error) {
	needle, err := json.Marshal([]string{chunkID})
	if err != nil {
		return 0, err
	}
	res := s.db.WithContext(ctx).Model(&ConflictModel{}).
		Where("resolved = ? AND chunk_ids @> ?::jsonb", false, string(needle)).
		Updates(resolution(resolvedBy, notes))
	return int(res.RowsAffected), res.Error
}

// ResolveConflictsForDocument closes open records on other documents that
// point at docID.
func (s *GormStore) ResolveConflictsForDocument(ctx context.Context, docID, resolvedBy, notes string) (int, error) {
	res := s.db.WithContext(ctx).Model(&ConflictModel{}).
		Where("resolved = ? AND related_doc_id = ? AND doc_id <> ?", false, docID, docID).
		Updates(resolution(resolvedBy, notes))
	return int(res.RowsAffected), res.Error
}

// DeleteConflictsForDocument removes the records owned by docID.
func (s *GormStore) DeleteConflictsForDocument(ctx context.Context, docID string) error {
	return s.db.WithContext(ctx).Delete(&ConflictModel{}, "doc_id = ?", docID).Error
}

func resolution(resolvedBy, notes string) map[string]any {
	now := time.Now().UTC()
	return map[string]any{
		"resolved":         true,
		"resolved_by":      resolvedBy,
		"resolved_at":      now,
		"resolution_notes": notes,
		"updated_at":       now,
	}
}
