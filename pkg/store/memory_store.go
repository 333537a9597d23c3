package store

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"kmsai/pkg/domain"
)

// MemoryStore is an in-memory Store used by tests and local runs.
type MemoryStore struct {
	mu        sync.RWMutex
	docs      map[string]domain.Document
	conflicts map[string]domain.ConflictRecord // conflictType|conflictID -> record
	now       func() time.Time
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:      make(map[string]domain.Document),
		conflicts: make(map[string]domain.ConflictRecord),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func conflictMapKey(t domain.ConflictType, conflictID string) string {
	return string(t) + "|" + conflictID
}

func (s *MemoryStore) CreateDocument(_ context.Context, doc domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if doc.CreatedDate.IsZero() {
		doc.CreatedDate = now
	}
	if doc.ModifiedDate.IsZero() {
		doc.ModifiedDate = doc.CreatedDate
	}
	s.docs[doc.ID] = cloneDocument(doc)
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, id string) (domain.Document, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return domain.Document{}, false, nil
	}
	return cloneDocument(doc), true, nil
}

func (s *MemoryStore) UpdateDocumentStatus(_ context.Context, id string, patch domain.DocumentPatch) error {
	if coerced := patch.Normalize(); len(coerced) > 0 {
		slog.Warn("coerced invalid status values", "doc_id", id, "fields", coerced)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return ErrDocumentNotFound
	}
	patch.Apply(&doc, s.now())
	s.docs[id] = cloneDocument(doc)
	return nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.docs, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListDocuments(_ context.Context) ([]domain.Document, error) {
	return s.filter(func(domain.Document) bool { return true }, byCreated), nil
}

func (s *MemoryStore) ListDocumentsInGroup(_ context.Context, groupID string) ([]domain.Document, error) {
	if groupID == "" {
		return nil, nil
	}
	return s.filter(func(d domain.Document) bool { return d.DuplicateGroupID == groupID }, byCreated), nil
}

func (s *MemoryStore) ListDocumentsToScan(_ context.Context, maxChunkFailures int, staleAfter time.Duration) ([]domain.Document, error) {
	stale := s.now().Add(-staleAfter)
	return s.filter(func(d domain.Document) bool {
		if !d.IsValid {
			return false
		}
		if d.ChunkStatus == domain.ChunkChunkingFailed && d.ChunkFailureCount < maxChunkFailures {
			return true
		}
		if d.ProcessingStatus == domain.ProcessingFailed || d.ProcessingStatus == domain.ProcessingQueued {
			return false
		}
		switch d.ScanStatus {
		case "", domain.ScanPending, domain.ScanFailed:
			return true
		}
		stuck := d.ProcessingStatus == domain.ProcessingProcessing || d.ProcessingStatus == domain.ProcessingScanning
		return stuck && d.ModifiedDate.Before(stale)
	}, byCreated), nil
}

func (s *MemoryStore) ListDocumentsByChunkStatus(_ context.Context, statuses []domain.ChunkStatus) ([]domain.Document, error) {
	return s.filter(func(d domain.Document) bool { return slices.Contains(statuses, d.ChunkStatus) }, byCreated), nil
}

func (s *MemoryStore) ListStaleDocuments(_ context.Context, analysis domain.ConflictAnalysisStatus, olderThan time.Time) ([]domain.Document, error) {
	return s.filter(func(d domain.Document) bool {
		return d.ConflictAnalysisStatus == analysis && d.ModifiedDate.Before(olderThan)
	}, func(a, b domain.Document) bool { return a.ModifiedDate.Before(b.ModifiedDate) }), nil
}

func (s *MemoryStore) ListChunkedDocuments(_ context.Context, excludeID string, limit int) ([]domain.Document, error) {
	if limit <= 0 {
		limit = 10
	}
	docs := s.filter(func(d domain.Document) bool {
		return d.ChunkStatus == domain.ChunkChunked && d.ID != excludeID
	}, func(a, b domain.Document) bool { return a.CreatedDate.After(b.CreatedDate) })
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func (s *MemoryStore) IncrementChunkFailureCount(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return 0, ErrDocumentNotFound
	}
	doc.ChunkFailureCount++
	doc.ModifiedDate = s.now()
	s.docs[id] = doc
	return doc.ChunkFailureCount, nil
}

func (s *MemoryStore) IncrementScanFailureCount(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return 0, ErrDocumentNotFound
	}
	doc.ScanFailureCount++
	doc.ModifiedDate = s.now()
	s.docs[id] = doc
	return doc.ScanFailureCount, nil
}

func (s *MemoryStore) ResetFailureCounts(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return ErrDocumentNotFound
	}
	doc.ChunkFailureCount = 0
	doc.ScanFailureCount = 0
	doc.ModifiedDate = s.now()
	s.docs[id] = doc
	return nil
}

func (s *MemoryStore) UpsertConflictRecord(_ context.Context, rec domain.ConflictRecord) (domain.ConflictRecord, error) {
	rec = sanitizeConflict(rec)
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	key := conflictMapKey(rec.Type, rec.ConflictID)
	existing, ok := s.conflicts[key]
	if !ok {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if rec.DetectedAt.IsZero() {
			rec.DetectedAt = now
		}
		rec.UpdatedAt = now
		s.conflicts[key] = cloneConflict(rec)
		return cloneConflict(rec), nil
	}
	existing.Explanation = rec.Explanation
	existing.ConflictingParts = append([]string(nil), rec.ConflictingParts...)
	existing.Severity = rec.Severity
	existing.UpdatedAt = now
	if reopens(existing) {
		existing.Resolved = false
		existing.ResolvedBy = ""
		existing.ResolvedAt = nil
		existing.ResolutionNotes = ""
	}
	s.conflicts[key] = existing
	return cloneConflict(existing), nil
}

func (s *MemoryStore) GetConflictRecord(_ context.Context, conflictID string, t domain.ConflictType) (domain.ConflictRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.conflicts[conflictMapKey(t, conflictID)]
	return cloneConflict(rec), ok, nil
}

func (s *MemoryStore) FindUnresolvedConflict(_ context.Context, t domain.ConflictType, chunkIDs []string) (domain.ConflictRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.conflicts[conflictMapKey(t, domain.ConflictID(chunkIDs))]
	if !ok || rec.Resolved {
		return domain.ConflictRecord{}, false, nil
	}
	return cloneConflict(rec), true, nil
}

func (s *MemoryStore) ListUnresolvedConflicts(_ context.Context, docIDs []string) ([]domain.ConflictRecord, error) {
	return s.filterConflicts(func(r domain.ConflictRecord) bool {
		return !r.Resolved && (slices.Contains(docIDs, r.DocID) || slices.Contains(docIDs, r.RelatedDocID))
	}), nil
}

func (s *MemoryStore) ListConflictsByID(_ context.Context, conflictID string) ([]domain.ConflictRecord, error) {
	return s.filterConflicts(func(r domain.ConflictRecord) bool { return r.ConflictID == conflictID }), nil
}

func (s *MemoryStore) ResolveConflict(_ context.Context, conflictID string, t domain.ConflictType, resolvedBy, notes string) (bool, error) {
	n := s.resolveWhere(func(r domain.ConflictRecord) bool {
		return r.ConflictID == conflictID && (t == "" || r.Type == t)
	}, resolvedBy, notes)
	return n > 0, nil
}

func (s *MemoryStore) ResolveConflictsForChunk(_ context.Context, chunkID, resolvedBy, notes string) (int, error) {
	return s.resolveWhere(func(r domain.ConflictRecord) bool {
		return slices.Contains(r.ChunkIDs, chunkID)
	}, resolvedBy, notes), nil
}

func (s *MemoryStore) ResolveConflictsForDocument(_ context.Context, docID, resolvedBy, notes string) (int, error) {
	return s.resolveWhere(func(r domain.ConflictRecord) bool {
		return r.RelatedDocID == docID && r.DocID != docID
	}, resolvedBy, notes), nil
}

func (s *MemoryStore) DeleteConflictsForDocument(_ context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, rec := range s.conflicts {
		if rec.DocID == docID {
			delete(s.conflicts, key)
		}
	}
	return nil
}

func (s *MemoryStore) resolveWhere(match func(domain.ConflictRecord) bool, resolvedBy, notes string) int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, rec := range s.conflicts {
		if rec.Resolved || !match(rec) {
			continue
		}
		rec.Resolved = true
		rec.ResolvedBy = resolvedBy
		rec.ResolvedAt = &now
		rec.ResolutionNotes = notes
		rec.UpdatedAt = now
		s.conflicts[key] = rec
		n++
	}
	return n
}

func (s *MemoryStore) filter(match func(domain.Document) bool, less func(a, b domain.Document) bool) []domain.Document {
	s.mu.RLock()
	out := make([]domain.Document, 0)
	for _, doc := range s.docs {
		if match(doc) {
			out = append(out, cloneDocument(doc))
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if less(out[i], out[j]) {
			return true
		}
		if less(out[j], out[i]) {
			return false
		}
		return strings.Compare(out[i].ID, out[j].ID) < 0
	})
	return out
}

func (s *MemoryStore) filterConflicts(match func(domain.ConflictRecord) bool) []domain.ConflictRecord {
	s.mu.RLock()
	out := make([]domain.ConflictRecord, 0)
	for _, rec := range s.conflicts {
		if match(rec) {
			out = append(out, cloneConflict(rec))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.After(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func byCreated(a, b domain.Document) bool {
	return a.CreatedDate.Before(b.CreatedDate)
}

func cloneDocument(doc domain.Document) domain.Document {
	doc.Categories = slices.Clone(doc.Categories)
	doc.Tags = slices.Clone(doc.Tags)
	ci := doc.ConflictInfo
	doc.ConflictInfo = domain.ConflictInfo{
		ContentConflicts:  slices.Clone(ci.ContentConflicts),
		InternalConflicts: slices.Clone(ci.InternalConflicts),
		ExternalConflicts: slices.Clone(ci.ExternalConflicts),
		AnalysisErrors:    slices.Clone(ci.AnalysisErrors),
	}
	return doc
}

func cloneConflict(rec domain.ConflictRecord) domain.ConflictRecord {
	rec.ChunkIDs = slices.Clone(rec.ChunkIDs)
	rec.ConflictingParts = slices.Clone(rec.ConflictingParts)
	return rec
}
