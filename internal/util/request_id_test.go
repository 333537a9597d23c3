package util

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestWithRequestIDPropagatesIncomingHeader(t *testing.T) {
	const incoming = "req-incoming-123"
	handler := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := RequestIDFromRequest(r); got != incoming {
			t.Fatalf("unexpected request id in context: got %q want %q", got, incoming)
		}
		out, _ := http.NewRequestWithContext(r.Context(), http.MethodPost, "http://processor/process_doc", nil)
		PropagateRequestID(out)
		if got := out.Header.Get(RequestIDHeader); got != incoming {
			t.Fatalf("outgoing request id = %q", got)
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, incoming)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get(RequestIDHeader); got != incoming {
		t.Fatalf("unexpected response request id: got %q want %q", got, incoming)
	}
}

func TestWithRequestIDGeneratesWhenMissing(t *testing.T) {
	handler := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := RequestIDFromRequest(r); got == "" {
			t.Fatal("expected generated request id in context")
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get(RequestIDHeader); got == "" {
		t.Fatal("expected generated request id header")
	}
	if LoggerFromContext(context.Background()) == nil {
		t.Fatal("expected default logger")
	}
}

func TestNewDocumentIDFormat(t *testing.T) {
	id := NewDocumentID(time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC))
	if !strings.HasPrefix(id, "doc_20250304050607_") || len(id) != len("doc_20250304050607_")+6 {
		t.Fatalf("id = %q", id)
	}
	if got := NewGroupID(time.Unix(1700000000, 0)); got != "dup_group_1700000000" {
		t.Fatalf("group id = %q", got)
	}
}
