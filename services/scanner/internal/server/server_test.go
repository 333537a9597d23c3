package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"kmsai/internal/servicetoken"
	"kmsai/pkg/ai"
	"kmsai/pkg/chunkstore"
	"kmsai/pkg/domain"
	"kmsai/pkg/store"
	"kmsai/services/scanner/internal/app"
)

const testSecret = "scanner-test-secret-0123456789"

type quietClassifier struct{}

func (quietClassifier) Classify(_ context.Context, req ai.Request) (domain.Verdict, error) {
	return domain.Verdict{ConflictType: req.Mode}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	docs := store.NewMemoryStore()
	core, err := app.New(app.Config{
		Store:              docs,
		Chunks:             chunkstore.NewMemoryStore(),
		Classifier:         quietClassifier{},
		RedisClient:        redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		ProcessorURL:       "http://127.0.0.1:1",
		ServiceTokenSecret: testSecret,
		TriggerLimit:       1,
		TriggerWindow:      time.Minute,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	srv, err := New(Config{App: core, ServiceTokenSecret: testSecret})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, docs
}

func post(t *testing.T, url string, body any, token string) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func TestSubmitThenStatus(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := post(t, ts.URL+"/documents", map[string]any{"content": "Chỉ tiêu 500", "unit": "Khoa CNTT"}, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("request id header missing")
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil || created.ID == "" {
		t.Fatalf("decode created: %v %+v", err, created)
	}

	st, err := http.Get(ts.URL + "/documents/" + created.ID + "/status")
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	defer st.Body.Close()
	if st.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", st.StatusCode)
	}
	var view struct {
		ID         string            `json:"id"`
		ScanStatus domain.ScanStatus `json:"scanStatus"`
		Content    string            `json:"content"`
	}
	if err := json.NewDecoder(st.Body).Decode(&view); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if view.ScanStatus != domain.ScanQueued || view.Content != "" {
		t.Fatalf("status view = %+v", view)
	}

	missing, err := http.Get(ts.URL + "/documents/doc_missing/status")
	if err != nil {
		t.Fatalf("missing request: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing status = %d", missing.StatusCode)
	}
}

func TestChunkCallbackRequiresServiceToken(t *testing.T) {
	ts, docs := newTestServer(t)
	if err := docs.CreateDocument(context.Background(), domain.Document{ID: "doc_a", IsValid: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	body := map[string]any{"doc_id": "doc_a", "chunk_status": "failed", "error_message": "boom"}

	resp := post(t, ts.URL+"/chunk_callback", body, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unsigned callback status = %d", resp.StatusCode)
	}

	signer, err := servicetoken.NewSigner(testSecret, "processor", 0)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	token, _ := signer.Sign(app.ServiceName)
	resp = post(t, ts.URL+"/chunk_callback", body, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signed callback status = %d", resp.StatusCode)
	}
	doc, _, _ := docs.GetDocument(context.Background(), "doc_a")
	if doc.ChunkStatus != domain.ChunkChunkingFailed {
		t.Fatalf("chunk status = %s", doc.ChunkStatus)
	}
}

func TestAnalyzeIsRateLimitedPerDocument(t *testing.T) {
	ts, docs := newTestServer(t)
	if err := docs.CreateDocument(context.Background(), domain.Document{ID: "doc_a", IsValid: true, ChunkStatus: domain.ChunkChunked}); err != nil {
		t.Fatalf("create: %v", err)
	}
	first := post(t, ts.URL+"/documents/doc_a/analyze", map[string]any{}, "")
	first.Body.Close()
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("first analyze = %d", first.StatusCode)
	}
	second := post(t, ts.URL+"/documents/doc_a/analyze", map[string]any{}, "")
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests || second.Header.Get("Retry-After") == "" {
		t.Fatalf("second analyze = %d retry-after=%q", second.StatusCode, second.Header.Get("Retry-After"))
	}
}

func TestConflictTaskEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := post(t, ts.URL+"/conflicts/tasks", map[string]any{"type": "chunk_pair", "conflict_type": "external", "chunk_ids": []string{"a_paragraph_1", "b_paragraph_1"}}, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit task = %d", resp.StatusCode)
	}
	var out struct {
		TaskID string `json:"task_id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)

	got, err := http.Get(ts.URL + "/conflicts/tasks/" + out.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	defer got.Body.Close()
	var res struct {
		Status string `json:"status"`
	}
	_ = json.NewDecoder(got.Body).Decode(&res)
	if got.StatusCode != http.StatusOK || res.Status != "queued" {
		t.Fatalf("task = %d %+v", got.StatusCode, res)
	}

	unknown := post(t, ts.URL+"/conflicts/tasks", map[string]any{"type": "chunk_pair", "chunk_ids": []string{"a_paragraph_1", "b_paragraph_1"}}, "")
	unknown.Body.Close()
	if unknown.StatusCode != http.StatusNotFound {
		t.Fatalf("pair without mode on unknown chunks = %d", unknown.StatusCode)
	}

	bad := post(t, ts.URL+"/conflicts/tasks", map[string]any{"type": "bogus"}, "")
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("bogus task = %d", bad.StatusCode)
	}
}

func TestSplitIDAction(t *testing.T) {
	cases := []struct {
		path, id, action string
		ok               bool
	}{
		{"/documents/doc_a", "doc_a", "", true},
		{"/documents/doc_a/status", "doc_a", "status", true},
		{"/documents/", "", "", false},
		{"/documents/doc_a/status/x", "", "", false},
		{"/documents//status", "", "", false},
	}
	for _, tc := range cases {
		id, action, ok := splitIDAction(tc.path, "/documents/")
		if id != tc.id || action != tc.action || ok != tc.ok {
			t.Fatalf("%s => %q %q %v", tc.path, id, action, ok)
		}
	}
}

func TestSubmitIsThrottledPerClient(t *testing.T) {
	ts, _ := newTestServer(t)
	body := map[string]any{"content": "Học phí năm 2025", "unit": "Phòng Tài chính"}
	first := post(t, ts.URL+"/documents", body, "")
	first.Body.Close()
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("first submit = %d", first.StatusCode)
	}
	second := post(t, ts.URL+"/documents", body, "")
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second submit = %d", second.StatusCode)
	}
}
