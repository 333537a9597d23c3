package store

import (
	"context"
	"errors"
	"time"

	"kmsai/pkg/domain"
)

// ErrDocumentNotFound is returned by writes that target a missing document.
var ErrDocumentNotFound = errors.New("document not found")

// Store defines persistence for document status records and the conflict
// side table.
type Store interface {
	// documents
	CreateDocument(ctx context.Context, doc domain.Document) error
	GetDocument(ctx context.Context, id string) (domain.Document, bool, error)
	UpdateDocumentStatus(ctx context.Context, id string, patch domain.DocumentPatch) error
	DeleteDocument(ctx context.Context, id string) error
	ListDocuments(ctx context.Context) ([]domain.Document, error)
	ListDocumentsInGroup(ctx context.Context, groupID string) ([]domain.Document, error)
	ListDocumentsToScan(ctx context.Context, maxChunkFailures int, staleAfter time.Duration) ([]domain.Document, error)
	ListDocumentsByChunkStatus(ctx context.Context, statuses []domain.ChunkStatus) ([]domain.Document, error)
	ListStaleDocuments(ctx context.Context, analysis domain.ConflictAnalysisStatus, olderThan time.Time) ([]domain.Document, error)
	ListChunkedDocuments(ctx context.Context, excludeID string, limit int) ([]domain.Document, error)
	IncrementChunkFailureCount(ctx context.Context, id string) (int, error)
	IncrementScanFailureCount(ctx context.Context, id string) (int, error)
	ResetFailureCounts(ctx context.Context, id string) error

	// conflicts
	UpsertConflictRecord(ctx context.Context, rec domain.ConflictRecord) (domain.ConflictRecord, error)
	GetConflictRecord(ctx context.Context, conflictID string, t domain.ConflictType) (domain.ConflictRecord, bool, error)
	FindUnresolvedConflict(ctx context.Context, t domain.ConflictType, chunkIDs []string) (domain.ConflictRecord, bool, error)
	ListUnresolvedConflicts(ctx context.Context, docIDs []string) ([]domain.ConflictRecord, error)
	ListConflictsByID(ctx context.Context, conflictID string) ([]domain.ConflictRecord, error)
	ResolveConflict(ctx context.Context, conflictID string, t domain.ConflictType, resolvedBy, notes string) (bool, error)
	ResolveConflictsForChunk(ctx context.Context, chunkID, resolvedBy, notes string) (int, error)
	ResolveConflictsForDocument(ctx context.Context, docID, resolvedBy, notes string) (int, error)
	DeleteConflictsForDocument(ctx context.Context, docID string) error
}

// SystemResolver marks records closed automatically rather than by a person.
// Upserts re-open such records when the conflict is detected again.
const SystemResolver = "system"

func reopens(existing domain.ConflictRecord) bool {
	return existing.Resolved && existing.ResolvedBy == SystemResolver
}

func sanitizeConflict(rec domain.ConflictRecord) domain.ConflictRecord {
	rec.ChunkIDs = domain.SortedIDs(rec.ChunkIDs)
	rec.ConflictID = domain.ConflictID(rec.ChunkIDs)
	if rec.Explanation == "" {
		rec.Explanation = "Detected conflict between chunks"
	}
	if len(rec.ConflictingParts) == 0 {
		rec.ConflictingParts = []string{"No specific conflicting parts identified"}
	}
	rec.Severity = domain.NormalizeSeverity(string(rec.Severity))
	if !rec.Type.Valid() {
		rec.Type = domain.ConflictManual
	}
	return rec
}
