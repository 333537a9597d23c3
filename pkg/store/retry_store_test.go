package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"kmsai/pkg/domain"
)

type flakyStore struct {
	*MemoryStore
	failures int
	calls    int
}

func (s *flakyStore) GetDocument(ctx context.Context, id string) (domain.Document, bool, error) {
	s.calls++
	if s.calls <= s.failures {
		return domain.Document{}, false, errors.New("connection reset")
	}
	return s.MemoryStore.GetDocument(ctx, id)
}

func (s *flakyStore) UpdateDocumentStatus(ctx context.Context, id string, patch domain.DocumentPatch) error {
	s.calls++
	return s.MemoryStore.UpdateDocumentStatus(ctx, id, patch)
}

func TestRetryStoreRetriesTransientErrors(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	seedDoc(t, inner.MemoryStore, domain.Document{ID: "doc_1"})
	s := NewRetryStore(inner, 3, time.Millisecond)

	doc, ok, err := s.GetDocument(context.Background(), "doc_1")
	if err != nil || !ok || doc.ID != "doc_1" {
		t.Fatalf("get: doc=%+v ok=%v err=%v", doc, ok, err)
	}
	if inner.calls != 3 {
		t.Fatalf("calls = %d, want 3", inner.calls)
	}
}

func TestRetryStoreGivesUpAfterMaxRetries(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 10}
	s := NewRetryStore(inner, 2, time.Millisecond)

	if _, _, err := s.GetDocument(context.Background(), "doc_1"); err == nil {
		t.Fatalf("expected error after retries")
	}
	if inner.calls != 3 {
		t.Fatalf("calls = %d, want 3", inner.calls)
	}
}

func TestRetryStoreDoesNotRetryNotFound(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore()}
	s := NewRetryStore(inner, 3, time.Millisecond)

	err := s.UpdateDocumentStatus(context.Background(), "missing", domain.DocumentPatch{})
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("err = %v, want ErrDocumentNotFound", err)
	}
	if inner.calls != 1 {
		t.Fatalf("calls = %d, want 1", inner.calls)
	}
}
