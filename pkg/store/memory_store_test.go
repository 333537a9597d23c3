package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"kmsai/pkg/domain"
)

func seedDoc(t *testing.T, s *MemoryStore, doc domain.Document) {
	t.Helper()
	if err := s.CreateDocument(context.Background(), doc); err != nil {
		t.Fatalf("create %s: %v", doc.ID, err)
	}
}

func TestMemoryStoreUpdateCoercesInvalidStatus(t *testing.T) {
	s := NewMemoryStore()
	seedDoc(t, s, domain.Document{ID: "doc_1", IsValid: true})

	err := s.UpdateDocumentStatus(context.Background(), "doc_1", domain.DocumentPatch{
		ChunkStatus: domain.Ptr(domain.ChunkStatus("Bogus")),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	doc, _, _ := s.GetDocument(context.Background(), "doc_1")
	if doc.ChunkStatus != domain.ChunkPending {
		t.Fatalf("chunk status = %q, want Pending", doc.ChunkStatus)
	}
}

func TestMemoryStoreUpdateMissingDocument(t *testing.T) {
	s := NewMemoryStore()
	err := s.UpdateDocumentStatus(context.Background(), "missing", domain.DocumentPatch{})
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("err = %v, want ErrDocumentNotFound", err)
	}
}

func TestMemoryStoreFailureCounterPersists(t *testing.T) {
	s := NewMemoryStore()
	seedDoc(t, s, domain.Document{ID: "doc_1"})
	ctx := context.Background()
	for want := 1; want <= 3; want++ {
		got, err := s.IncrementChunkFailureCount(ctx, "doc_1")
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if got != want {
			t.Fatalf("count = %d, want %d", got, want)
		}
	}
	if err := s.ResetFailureCounts(ctx, "doc_1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	doc, _, _ := s.GetDocument(ctx, "doc_1")
	if doc.ChunkFailureCount != 0 {
		t.Fatalf("count after reset = %d", doc.ChunkFailureCount)
	}
}

func TestMemoryStoreListDocumentsToScan(t *testing.T) {
	s := NewMemoryStore()
	base := time.Now().UTC().Add(-2 * time.Hour)
	seedDoc(t, s, domain.Document{ID: "fresh", IsValid: true, ProcessingStatus: domain.ProcessingPending, ScanStatus: domain.ScanPending, CreatedDate: base})
	seedDoc(t, s, domain.Document{ID: "retry_chunk", IsValid: true, ProcessingStatus: domain.ProcessingFailed, ChunkStatus: domain.ChunkChunkingFailed, ChunkFailureCount: 1, CreatedDate: base.Add(time.Minute)})
	seedDoc(t, s, domain.Document{ID: "exhausted", IsValid: true, ProcessingStatus: domain.ProcessingFailed, ChunkStatus: domain.ChunkChunkingFailed, ChunkFailureCount: 3, CreatedDate: base.Add(2 * time.Minute)})
	seedDoc(t, s, domain.Document{ID: "stuck", IsValid: true, ProcessingStatus: domain.ProcessingProcessing, ScanStatus: domain.ScanCompleted, CreatedDate: base.Add(3 * time.Minute), ModifiedDate: base})
	seedDoc(t, s, domain.Document{ID: "done", IsValid: true, ProcessingStatus: domain.ProcessingProcessed, ScanStatus: domain.ScanCompleted, CreatedDate: base.Add(4 * time.Minute)})
	seedDoc(t, s, domain.Document{ID: "invalid", IsValid: false, ScanStatus: domain.ScanPending, CreatedDate: base.Add(5 * time.Minute)})

	docs, err := s.ListDocumentsToScan(context.Background(), 3, time.Hour)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []string
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	want := []string{"fresh", "retry_chunk", "stuck"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestMemoryStoreUpsertReopensSystemResolvedOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := domain.ConflictRecord{
		DocID:    "doc_a",
		ChunkIDs: []string{"doc_a_paragraph_2", "doc_a_paragraph_1"},
		Type:     domain.ConflictInternal,
		Severity: "HIGH",
	}
	stored, err := s.UpsertConflictRecord(ctx, rec)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if stored.ConflictID != "doc_a_paragraph_1_doc_a_paragraph_2" {
		t.Fatalf("conflict id = %q", stored.ConflictID)
	}
	if stored.Severity != domain.SeverityHigh || stored.Explanation == "" || len(stored.ConflictingParts) == 0 {
		t.Fatalf("record not sanitized: %+v", stored)
	}

	if _, err := s.ResolveConflictsForChunk(ctx, "doc_a_paragraph_1", SystemResolver, "chunk disabled"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	again, err := s.UpsertConflictRecord(ctx, rec)
	if err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	if again.Resolved || again.ID != stored.ID {
		t.Fatalf("system-resolved record should re-open in place: %+v", again)
	}

	if ok, err := s.ResolveConflict(ctx, again.ConflictID, domain.ConflictInternal, "reviewer", "checked"); err != nil || !ok {
		t.Fatalf("manual resolve ok=%v err=%v", ok, err)
	}
	third, err := s.UpsertConflictRecord(ctx, rec)
	if err != nil {
		t.Fatalf("upsert third: %v", err)
	}
	if !third.Resolved || third.ResolvedBy != "reviewer" {
		t.Fatalf("person-resolved record must stay resolved: %+v", third)
	}
}

func TestMemoryStoreResolveForDocumentSkipsOwnRows(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, _ = s.UpsertConflictRecord(ctx, domain.ConflictRecord{DocID: "doc_a", RelatedDocID: "doc_b", ChunkIDs: []string{"doc_a_paragraph_1", "doc_b_paragraph_1"}, Type: domain.ConflictExternal})
	_, _ = s.UpsertConflictRecord(ctx, domain.ConflictRecord{DocID: "doc_b", ChunkIDs: []string{"doc_b_paragraph_1"}, Type: domain.ConflictContent})

	n, err := s.ResolveConflictsForDocument(ctx, "doc_b", SystemResolver, "Tài liệu doc_b đã bị xóa")
	if err != nil || n != 1 {
		t.Fatalf("resolved n=%d err=%v, want 1", n, err)
	}
	if err := s.DeleteConflictsForDocument(ctx, "doc_b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	open, _ := s.ListUnresolvedConflicts(ctx, []string{"doc_a", "doc_b"})
	if len(open) != 0 {
		t.Fatalf("open conflicts = %+v, want none", open)
	}
	all, _ := s.ListConflictsByID(ctx, "doc_a_paragraph_1_doc_b_paragraph_1")
	if len(all) != 1 || !all[0].Resolved {
		t.Fatalf("external record should be kept and resolved: %+v", all)
	}
}
