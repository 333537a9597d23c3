package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"kmsai/internal/servicetoken"
	"kmsai/pkg/ai"
	"kmsai/pkg/chunkstore"
	"kmsai/pkg/domain"
	"kmsai/pkg/queue"
	"kmsai/pkg/storage"
	"kmsai/pkg/store"
)

const testSecret = "scanner-test-secret-0123456789"

var base = time.Date(2025, 4, 1, 7, 0, 0, 0, time.UTC)

type quietClassifier struct{}

func (quietClassifier) Classify(_ context.Context, req ai.Request) (domain.Verdict, error) {
	return domain.Verdict{ConflictType: req.Mode}, nil
}

// fakeProcessor records /process_doc calls and checks the service token.
type fakeProcessor struct {
	mu       sync.Mutex
	requests []ProcessRequest
	status   int
	verifier *servicetoken.Verifier
}

func (p *fakeProcessor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, ok := servicetoken.BearerToken(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if _, err := p.verifier.Verify(token); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	var req ProcessRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	p.mu.Lock()
	p.requests = append(p.requests, req)
	status := p.status
	p.mu.Unlock()
	if status == 0 {
		status = http.StatusAccepted
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{}`))
}

func (p *fakeProcessor) calls() []ProcessRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ProcessRequest(nil), p.requests...)
}

type fixture struct {
	app       *App
	docs      *store.MemoryStore
	chunks    *chunkstore.MemoryStore
	archive   *storage.MemoryArchive
	processor *fakeProcessor
	redis     *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	verifier, err := servicetoken.NewVerifier(testSecret, "processor", []string{ServiceName}, 0)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	proc := &fakeProcessor{verifier: verifier}
	srv := httptest.NewServer(proc)
	t.Cleanup(srv.Close)

	f := &fixture{
		docs:      store.NewMemoryStore(),
		chunks:    chunkstore.NewMemoryStore(),
		archive:   storage.NewMemoryArchive(),
		processor: proc,
		redis:     mr,
	}
	f.app, err = New(Config{
		Store:              f.docs,
		Chunks:             f.chunks,
		Classifier:         quietClassifier{},
		Archive:            f.archive,
		RedisClient:        redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		ProcessorURL:       srv.URL,
		ServiceTokenSecret: testSecret,
		HandOffAttempts:    2,
		HandOffBackoff:     time.Millisecond,
		RetryDelay:         time.Millisecond,
		TriggerLimit:       1,
		TriggerWindow:      time.Minute,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return f
}

func (f *fixture) doc(t *testing.T, id string) domain.Document {
	t.Helper()
	doc, ok, err := f.docs.GetDocument(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("get %s: ok=%v err=%v", id, ok, err)
	}
	return doc
}

func (f *fixture) runScan(t *testing.T, docID string) {
	t.Helper()
	if err := f.app.stage.Handle(context.Background(), queue.Job{DocID: docID}); err != nil {
		t.Fatalf("scan %s: %v", docID, err)
	}
}

func TestSubmitArchivesAndQueuesScan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc, err := f.app.Submit(ctx, Submission{Content: "Chỉ tiêu ngành CNTT năm 2025 là 500.", Unit: "Phòng Đào tạo"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if doc.ScanStatus != domain.ScanQueued {
		t.Fatalf("scan status = %s, want Queued", doc.ScanStatus)
	}
	stored := f.doc(t, doc.ID)
	if stored.ArchiveKey == "" {
		t.Fatalf("archive key not recorded")
	}
	if text, err := f.archive.GetText(ctx, stored.ArchiveKey); err != nil || text != doc.Content {
		t.Fatalf("archived = %q, %v", text, err)
	}
	if n, _ := f.app.scanQueue.Len(ctx); n != 1 {
		t.Fatalf("scan queue len = %d, want 1", n)
	}
	if _, err := f.app.ScanDocument(ctx, doc.ID); err != queue.ErrAlreadyQueued {
		t.Fatalf("second enqueue err = %v, want ErrAlreadyQueued", err)
	}
	if _, err := f.app.Submit(ctx, Submission{Content: "   "}); err == nil {
		t.Fatalf("empty submission accepted")
	}
}

func TestScanUniqueDocumentHandsOffToProcessor(t *testing.T) {
	f := newFixture(t)
	doc, err := f.app.Submit(context.Background(), Submission{Content: "Học phí năm 2025 là 20 triệu đồng."})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.runScan(t, doc.ID)

	calls := f.processor.calls()
	if len(calls) != 1 || calls[0].DocID != doc.ID || calls[0].DuplicateInfo != nil {
		t.Fatalf("processor calls = %+v", calls)
	}
	got := f.doc(t, doc.ID)
	if got.ScanStatus != domain.ScanCompleted || got.ProcessingStatus != domain.ProcessingProcessing || got.SimilarityLevel != "Unique" {
		t.Fatalf("doc = %s / %s / %s", got.ScanStatus, got.ProcessingStatus, got.SimilarityLevel)
	}
}

func TestScanDuplicateOfChunkedDocumentSkipsProcessor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	text := "Điểm chuẩn ngành Kỹ thuật phần mềm năm 2025 là 25 điểm."
	original := domain.Document{
		ID: "doc_a", Content: text, IsValid: true, CreatedDate: base,
		ChunkStatus: domain.ChunkChunked, ProcessingStatus: domain.ProcessingProcessed, ScanStatus: domain.ScanCompleted,
	}
	if err := f.docs.CreateDocument(ctx, original); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.chunks.Put(domain.Chunk{ID: domain.ChunkID("doc_a", 1), DocumentID: "doc_a", Paragraph: 1, OriginalText: text})

	dup, err := f.app.Submit(ctx, Submission{Content: "<p>" + text + "</p>"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.runScan(t, dup.ID)

	if calls := f.processor.calls(); len(calls) != 0 {
		t.Fatalf("processor called for a duplicate: %+v", calls)
	}
	got := f.doc(t, dup.ID)
	if !got.IsDuplicate || got.OriginalChunkedDoc != "doc_a" || got.ChunkStatus != domain.ChunkNotRequired || got.ProcessingStatus != domain.ProcessingDuplicate {
		t.Fatalf("duplicate = %+v", got)
	}
	if a := f.doc(t, "doc_a"); a.DuplicateGroupID == "" || a.DuplicateGroupID != got.DuplicateGroupID || a.IsDuplicate {
		t.Fatalf("original group = %q dup group = %q", a.DuplicateGroupID, got.DuplicateGroupID)
	}
}

func TestScanEmptyContentFailsAfterMaxRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.docs.CreateDocument(ctx, domain.Document{ID: "doc_empty", IsValid: true, CreatedDate: base}); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 2; i++ {
		f.runScan(t, "doc_empty")
		if got := f.doc(t, "doc_empty"); got.ScanStatus == domain.ScanFailed {
			t.Fatalf("failed after %d attempts", i+1)
		}
	}
	if n, _ := f.app.retryQueue.Len(ctx); n != 2 {
		t.Fatalf("retry queue len = %d, want 2", n)
	}
	f.runScan(t, "doc_empty")
	got := f.doc(t, "doc_empty")
	if got.ScanStatus != domain.ScanFailed || got.ProcessingStatus != domain.ProcessingFailed || got.ScanFailureCount != 3 {
		t.Fatalf("doc = %s / %s / %d", got.ScanStatus, got.ProcessingStatus, got.ScanFailureCount)
	}

	queued, err := f.app.RescanFailed(ctx)
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if len(queued) != 1 || queued[0] != "doc_empty" {
		t.Fatalf("rescanned = %v", queued)
	}
	if got := f.doc(t, "doc_empty"); got.ScanFailureCount != 0 || got.ScanStatus != domain.ScanQueued {
		t.Fatalf("after rescan = %s / %d", got.ScanStatus, got.ScanFailureCount)
	}
}

func TestHandOffFailureMarksDocumentFailed(t *testing.T) {
	f := newFixture(t)
	f.processor.status = http.StatusBadGateway
	doc, err := f.app.Submit(context.Background(), Submission{Content: "Hạn nộp hồ sơ là 30/6."})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.runScan(t, doc.ID)

	if calls := f.processor.calls(); len(calls) != 2 {
		t.Fatalf("attempts = %d, want 2", len(calls))
	}
	got := f.doc(t, doc.ID)
	if got.ProcessingStatus != domain.ProcessingFailed || got.ErrorMessage != HandOffFailed {
		t.Fatalf("doc = %s / %q", got.ProcessingStatus, got.ErrorMessage)
	}
}

func TestChunkCallbackOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"doc_ok", "doc_bad", "doc_alias"} {
		if err := f.docs.CreateDocument(ctx, domain.Document{ID: id, IsValid: true, Content: "x", CreatedDate: base, ChunkStatus: domain.ChunkChunking}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := f.docs.UpdateDocumentStatus(ctx, "doc_ok", domain.DocumentPatch{ChunkStatus: domain.Ptr(domain.ChunkChunked)}); err != nil {
		t.Fatalf("patch: %v", err)
	}

	taskID, err := f.app.HandleChunkCallback(ctx, ChunkCallback{DocID: "doc_ok", ChunkStatus: "success"})
	if err != nil || taskID == "" {
		t.Fatalf("success callback = %q, %v", taskID, err)
	}
	if _, err := f.app.HandleChunkCallback(ctx, ChunkCallback{DocID: "doc_bad", ChunkStatus: "failed", ErrorMessage: "llm timeout"}); err != nil {
		t.Fatalf("failure callback: %v", err)
	}
	got := f.doc(t, "doc_bad")
	if got.ChunkStatus != domain.ChunkChunkingFailed || got.ProcessingStatus != domain.ProcessingFailed || got.ErrorMessage != "llm timeout" {
		t.Fatalf("failed doc = %s / %s / %q", got.ChunkStatus, got.ProcessingStatus, got.ErrorMessage)
	}
	if _, err := f.app.HandleChunkCallback(ctx, ChunkCallback{DocID: "doc_alias", ChunkStatus: "ChunkingFailed"}); err != nil {
		t.Fatalf("alias callback: %v", err)
	}
	if got := f.doc(t, "doc_alias"); got.ChunkStatus != domain.ChunkChunkingFailed || got.ErrorMessage != "Chunking failed" {
		t.Fatalf("alias doc = %s / %q", got.ChunkStatus, got.ErrorMessage)
	}
	if _, err := f.app.HandleChunkCallback(ctx, ChunkCallback{DocID: "doc_ok", ChunkStatus: "Pending"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown status err = %v", err)
	}
	if _, err := f.app.HandleChunkCallback(ctx, ChunkCallback{DocID: "doc_missing", ChunkStatus: "success"}); err != ErrNotFound {
		t.Fatalf("missing doc err = %v", err)
	}
}

func TestPollAnalysisSchedulesDueDocuments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docs := []domain.Document{
		{ID: "doc_new", ChunkStatus: domain.ChunkChunked, ConflictAnalysisStatus: domain.AnalysisNotAnalyzed},
		{ID: "doc_stale", ChunkStatus: domain.ChunkChunked, ConflictAnalysisStatus: domain.AnalysisInvalidated},
		{ID: "doc_done", ChunkStatus: domain.ChunkChunked, ConflictAnalysisStatus: domain.AnalysisAnalyzed},
		{ID: "doc_pending", ChunkStatus: domain.ChunkPending, ConflictAnalysisStatus: domain.AnalysisNotAnalyzed},
	}
	for _, d := range docs {
		d.IsValid, d.CreatedDate = true, base
		if err := f.docs.CreateDocument(ctx, d); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	scheduled, err := f.app.PollAnalysis(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(scheduled) != 2 {
		t.Fatalf("scheduled = %v", scheduled)
	}
	if s := f.app.ConflictStats(); s.Queued != 2 {
		t.Fatalf("async queued = %d, want 2", s.Queued)
	}
}

func TestTriggerLimiter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if ok, _ := f.app.Allow(ctx, "analyze:doc_a"); !ok {
		t.Fatalf("first trigger blocked")
	}
	if ok, wait := f.app.Allow(ctx, "analyze:doc_a"); ok || wait <= 0 {
		t.Fatalf("second trigger = %v, %s", ok, wait)
	}
	if ok, _ := f.app.Allow(ctx, "analyze:doc_b"); !ok {
		t.Fatalf("other document blocked")
	}
}

func TestApproveAndReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.docs.CreateDocument(ctx, domain.Document{ID: "doc_a", IsValid: true, CreatedDate: base}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.app.Approve(ctx, "doc_a", " "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank approver err = %v", err)
	}
	if err := f.app.Approve(ctx, "doc_a", "trưởng phòng"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	got := f.doc(t, "doc_a")
	if got.ApprovalStatus != domain.ApprovalApproved || got.ProcessingStatus != domain.ProcessingProcessed || got.ApprovalDate == nil {
		t.Fatalf("approved = %+v", got)
	}
	if err := f.app.Reject(ctx, "doc_a", "thư ký"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got := f.doc(t, "doc_a"); got.ApprovalStatus != domain.ApprovalRejected || got.Approver != "thư ký" {
		t.Fatalf("rejected = %+v", got)
	}
	if err := f.app.Reject(ctx, "doc_missing", "thư ký"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}
}

func TestDeleteCanonicalWithoutChunksQueuesSuccessor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	text := "Chỉ tiêu ngành Quản trị kinh doanh là 300."
	for i, d := range []domain.Document{
		{ID: "doc_a", DuplicateGroupID: "g1", ChunkStatus: domain.ChunkPending},
		{ID: "doc_b", DuplicateGroupID: "g1", IsDuplicate: true, OriginalChunkedDoc: "doc_a", ChunkStatus: domain.ChunkNotRequired},
	} {
		d.Content = text
		d.IsValid = true
		d.CreatedDate = base.Add(time.Duration(i) * time.Minute)
		if err := f.docs.CreateDocument(ctx, d); err != nil {
			t.Fatalf("create %s: %v", d.ID, err)
		}
	}

	res, err := f.app.Delete(ctx, "doc_a")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.NewCanonical != "doc_b" || !res.NeedsChunking {
		t.Fatalf("result = %+v", res)
	}
	if n, _ := f.app.scanQueue.Len(ctx); n != 1 {
		t.Fatalf("scan queue len = %d, want 1", n)
	}
	if got := f.doc(t, "doc_b"); got.IsDuplicate || got.ScanStatus != domain.ScanQueued {
		t.Fatalf("successor = %+v", got)
	}
	if _, err := f.app.Delete(ctx, "doc_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing delete err = %v", err)
	}
}
