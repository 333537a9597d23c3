package chunkstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"kmsai/pkg/domain"
	"kmsai/pkg/store"
)

var testNow = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func TestBuildChunksNumbersParagraphsAndSkipsEmpty(t *testing.T) {
	drafts := []domain.ChunkDraft{
		{DocumentTopic: "Tuyển sinh", ChunkTopic: "Chỉ tiêu", OriginalText: "Chỉ tiêu 500", QAContent: "Hỏi: ... Đáp: ..."},
		{ChunkTopic: "empty", OriginalText: "   "},
		{ChunkTopic: "Điểm chuẩn", OriginalText: "Điểm chuẩn 25"},
	}
	dup := &domain.DuplicateInfo{DuplicateGroupID: "dup_group_1", DocumentIDs: []string{"a", "b"}}
	chunks := BuildChunks("doc_a", " CNTT ", drafts, dup, testNow)
	if len(chunks) != 2 {
		t.Fatalf("len = %d, want 2", len(chunks))
	}
	if chunks[1].ID != "doc_a_paragraph_2" || chunks[1].Paragraph != 2 {
		t.Fatalf("second chunk = %s/%d", chunks[1].ID, chunks[1].Paragraph)
	}
	meta := chunks[0].Metadata
	if meta[domain.MetaOriginalID] != "doc_a" || meta["unit"] != "CNTT" {
		t.Fatalf("metadata = %v", meta)
	}
	if meta[domain.MetaDuplicateGroupID] != "dup_group_1" || meta[domain.MetaIsOriginal] != true {
		t.Fatalf("group metadata missing: %v", meta)
	}
}

func TestMemoryStoreAddReplacesPreviousChunks(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	drafts := []domain.ChunkDraft{{OriginalText: "a"}, {OriginalText: "b"}, {OriginalText: "c"}}
	if _, err := s.AddChunks(ctx, "doc_a", "", drafts, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := s.AddChunks(ctx, "doc_a", "", drafts[:1], nil); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	got, _ := s.GetChunksByDocument(ctx, "doc_a", 0)
	if len(got) != 1 {
		t.Fatalf("chunks = %d, want 1", len(got))
	}
	if _, err := s.AddChunks(ctx, "doc_b", "", nil, nil); !errors.Is(err, ErrNoChunks) {
		t.Fatalf("err = %v, want ErrNoChunks", err)
	}
}

func TestMemoryStoreMetadataToggleAndFilter(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, _ = s.AddChunks(ctx, "doc_a", "", []domain.ChunkDraft{{OriginalText: "a"}, {OriginalText: "b"}}, nil)

	ok, err := s.UpdateChunkMetadata(ctx, "doc_a_paragraph_2", map[string]any{domain.MetaEnabled: "false"})
	if err != nil || !ok {
		t.Fatalf("update ok=%v err=%v", ok, err)
	}
	all, _ := s.GetChunksByDocument(ctx, "doc_a", 0)
	if got := EnabledOnly(all); len(got) != 1 || got[0].ID != "doc_a_paragraph_1" {
		t.Fatalf("enabled = %+v", got)
	}
	found, _ := s.FindChunks(ctx, map[string]any{domain.MetaOriginalID: "doc_a", domain.MetaEnabled: false})
	if len(found) != 1 || found[0].ID != "doc_a_paragraph_2" {
		t.Fatalf("filter result = %+v", found)
	}
	if ok, _ := s.UpdateChunkMetadata(ctx, "missing", map[string]any{"x": 1}); ok {
		t.Fatalf("update of missing chunk should report false")
	}
}

func TestResolverFollowsDuplicateIndirection(t *testing.T) {
	ctx := context.Background()
	docs := store.NewMemoryStore()
	chunks := NewMemoryStore()
	_ = docs.CreateDocument(ctx, domain.Document{ID: "orig", DuplicateGroupID: "g", ChunkStatus: domain.ChunkChunked, CreatedDate: testNow})
	_ = docs.CreateDocument(ctx, domain.Document{ID: "dup", DuplicateGroupID: "g", IsDuplicate: true, ChunkStatus: domain.ChunkNotRequired, CreatedDate: testNow})
	_ = docs.CreateDocument(ctx, domain.Document{ID: "pointer", DuplicateGroupID: "g", IsDuplicate: true, OriginalChunkedDoc: "orig", CreatedDate: testNow})
	_, _ = chunks.AddChunks(ctx, "orig", "", []domain.ChunkDraft{{OriginalText: "x"}}, nil)

	r := NewResolver(chunks, docs)
	for _, id := range []string{"dup", "pointer", "orig"} {
		got, owner, err := r.EnabledChunksFor(ctx, id)
		if err != nil {
			t.Fatalf("%s: %v", id, err)
		}
		if owner != "orig" || len(got) != 1 {
			t.Fatalf("%s: owner=%s chunks=%d", id, owner, len(got))
		}
	}
}

func TestReassignOwnerKeepsChunkIDs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, _ = s.AddChunks(ctx, "orig", "", []domain.ChunkDraft{{OriginalText: "x"}}, nil)
	n, err := s.ReassignOwner(ctx, "orig", "heir")
	if err != nil || n != 1 {
		t.Fatalf("reassign n=%d err=%v", n, err)
	}
	c, ok, _ := s.GetChunk(ctx, "orig_paragraph_1")
	if !ok || c.DocumentID != "heir" || c.Metadata[domain.MetaOriginalID] != "heir" {
		t.Fatalf("chunk after reassign = %+v", c)
	}
}
