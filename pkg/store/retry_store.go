package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"kmsai/pkg/domain"
)

// RetryStore wraps a Store and retries transient failures with a fixed
// delay. Not-found and context errors are returned immediately.
type RetryStore struct {
	inner    Store
	attempts uint64
	delay    time.Duration
}

// NewRetryStore wraps inner. attempts counts retries after the first call.
func NewRetryStore(inner Store, attempts uint64, delay time.Duration) *RetryStore {
	if attempts == 0 {
		attempts = 3
	}
	if delay <= 0 {
		delay = time.Second
	}
	return &RetryStore{inner: inner, attempts: attempts, delay: delay}
}

func (s *RetryStore) backoff() retry.Backoff {
	return retry.WithMaxRetries(s.attempts, retry.NewConstant(s.delay))
}

func (s *RetryStore) do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil || !transient(err) {
			return err
		}
		slog.Warn("store call failed, retrying", "op", op, "attempt", attempt, "err", err)
		return retry.RetryableError(err)
	})
}

func transient(err error) bool {
	return !errors.Is(err, ErrDocumentNotFound) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func retryValue[T any](s *RetryStore, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := s.do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (s *RetryStore) CreateDocument(ctx context.Context, doc domain.Document) error {
	return s.do(ctx, "create_document", func(ctx context.Context) error { return s.inner.CreateDocument(ctx, doc) })
}

func (s *RetryStore) GetDocument(ctx context.Context, id string) (domain.Document, bool, error) {
	var (
		doc domain.Document
		ok  bool
	)
	err := s.do(ctx, "get_document", func(ctx context.Context) error {
		var err error
		doc, ok, err = s.inner.GetDocument(ctx, id)
		return err
	})
	return doc, ok, err
}

func (s *RetryStore) UpdateDocumentStatus(ctx context.Context, id string, patch domain.DocumentPatch) error {
	return s.do(ctx, "update_document_status", func(ctx context.Context) error {
		return s.inner.UpdateDocumentStatus(ctx, id, patch)
	})
}

func (s *RetryStore) DeleteDocument(ctx context.Context, id string) error {
	return s.do(ctx, "delete_document", func(ctx context.Context) error { return s.inner.DeleteDocument(ctx, id) })
}

func (s *RetryStore) ListDocuments(ctx context.Context) ([]domain.Document, error) {
	return retryValue(s, ctx, "list_documents", s.inner.ListDocuments)
}

func (s *RetryStore) ListDocumentsInGroup(ctx context.Context, groupID string) ([]domain.Document, error) {
	return retryValue(s, ctx, "list_documents_in_group", func(ctx context.Context) ([]domain.Document, error) {
		return s.inner.ListDocumentsInGroup(ctx, groupID)
	})
}

func (s *RetryStore) ListDocumentsToScan(ctx context.Context, maxChunkFailures int, staleAfter time.Duration) ([]domain.Document, error) {
	return retryValue(s, ctx, "list_documents_to_scan", func(ctx context.Context) ([]domain.Document, error) {
		return s.inner.ListDocumentsToScan(ctx, maxChunkFailures, staleAfter)
	})
}

func (s *RetryStore) ListDocumentsByChunkStatus(ctx context.Context, statuses []domain.ChunkStatus) ([]domain.Document, error) {
	return retryValue(s, ctx, "list_documents_by_chunk_status", func(ctx context.Context) ([]domain.Document, error) {
		return s.inner.ListDocumentsByChunkStatus(ctx, statuses)
	})
}

func (s *RetryStore) ListStaleDocuments(ctx context.Context, analysis domain.ConflictAnalysisStatus, olderThan time.Time) ([]domain.Document, error) {
	return retryValue(s, ctx, "list_stale_documents", func(ctx context.Context) ([]domain.Document, error) {
		return s.inner.ListStaleDocuments(ctx, analysis, olderThan)
	})
}

func (s *RetryStore) ListChunkedDocuments(ctx context.Context, excludeID string, limit int) ([]domain.Document, error) {
	return retryValue(s, ctx, "list_chunked_documents", func(ctx context.Context) ([]domain.Document, error) {
		return s.inner.ListChunkedDocuments(ctx, excludeID, limit)
	})
}

// IncrementChunkFailureCount is not retried: a lost acknowledgement would
// count one failure twice.
func (s *RetryStore) IncrementChunkFailureCount(ctx context.Context, id string) (int, error) {
	return s.inner.IncrementChunkFailureCount(ctx, id)
}

func (s *RetryStore) IncrementScanFailureCount(ctx context.Context, id string) (int, error) {
	return s.inner.IncrementScanFailureCount(ctx, id)
}

func (s *RetryStore) ResetFailureCounts(ctx context.Context, id string) error {
	return s.do(ctx, "reset_failure_counts", func(ctx context.Context) error { return s.inner.ResetFailureCounts(ctx, id) })
}

func (s *RetryStore) UpsertConflictRecord(ctx context.Context, rec domain.ConflictRecord) (domain.ConflictRecord, error) {
	return retryValue(s, ctx, "upsert_conflict", func(ctx context.Context) (domain.ConflictRecord, error) {
		return s.inner.UpsertConflictRecord(ctx, rec)
	})
}

func (s *RetryStore) GetConflictRecord(ctx context.Context, conflictID string, t domain.ConflictType) (domain.ConflictRecord, bool, error) {
	var (
		rec domain.ConflictRecord
		ok  bool
	)
	err := s.do(ctx, "get_conflict", func(ctx context.Context) error {
		var err error
		rec, ok, err = s.inner.GetConflictRecord(ctx, conflictID, t)
		return err
	})
	return rec, ok, err
}

func (s *RetryStore) FindUnresolvedConflict(ctx context.Context, t domain.ConflictType, chunkIDs []string) (domain.ConflictRecord, bool, error) {
	var (
		rec domain.ConflictRecord
		ok  bool
	)
	err := s.do(ctx, "find_unresolved_conflict", func(ctx context.Context) error {
		var err error
		rec, ok, err = s.inner.FindUnresolvedConflict(ctx, t, chunkIDs)
		return err
	})
	return rec, ok, err
}

func (s *RetryStore) ListUnresolvedConflicts(ctx context.Context, docIDs []string) ([]domain.ConflictRecord, error) {
	return retryValue(s, ctx, "list_unresolved_conflicts", func(ctx context.Context) ([]domain.ConflictRecord, error) {
		return s.inner.ListUnresolvedConflicts(ctx, docIDs)
	})
}

func (s *RetryStore) ListConflictsByID(ctx context.Context, conflictID string) ([]domain.ConflictRecord, error) {
	return retryValue(s, ctx, "list_conflicts_by_id", func(ctx context.Context) ([]domain.ConflictRecord, error) {
		return s.inner.ListConflictsByID(ctx, conflictID)
	})
}

func (s *RetryStore) ResolveConflict(ctx context.Context, conflictID string, t domain.ConflictType, resolvedBy, notes string) (bool, error) {
	return retryValue(s, ctx, "resolve_conflict", func(ctx context.Context) (bool, error) {
		return s.inner.ResolveConflict(ctx, conflictID, t, resolvedBy, notes)
	})
}

func (s *RetryStore) ResolveConflictsForChunk(ctx context.Context, chunkID, resolvedBy, notes string) (int, error) {
	return retryValue(s, ctx, "resolve_conflicts_for_chunk", func(ctx context.Context) (int, error) {
		return s.inner.ResolveConflictsForChunk(ctx, chunkID, resolvedBy, notes)
	})
}

func (s *RetryStore) ResolveConflictsForDocument(ctx context.Context, docID, resolvedBy, notes string) (int, error) {
	return retryValue(s, ctx, "resolve_conflicts_for_document", func(ctx context.Context) (int, error) {
		return s.inner.ResolveConflictsForDocument(ctx, docID, resolvedBy, notes)
	})
}

func (s *RetryStore) DeleteConflictsForDocument(ctx context.Context, docID string) error {
	return s.do(ctx, "delete_conflicts_for_document", func(ctx context.Context) error {
		return s.inner.DeleteConflictsForDocument(ctx, docID)
	})
}

var (
	_ Store = (*GormStore)(nil)
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RetryStore)(nil)
)
