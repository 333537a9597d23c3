package conflict

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"kmsai/pkg/domain"
)

type recordingExecutor struct {
	mu    sync.Mutex
	order []string
}

func (r *recordingExecutor) record(s string) {
	r.mu.Lock()
	r.order = append(r.order, s)
	r.mu.Unlock()
}

func (r *recordingExecutor) Analyze(_ context.Context, docID string) (domain.ConflictInfo, error) {
	r.record(docID)
	if docID == "boom" {
		panic("executor blew up")
	}
	return domain.ConflictInfo{}, nil
}

func (r *recordingExecutor) CheckChunk(_ context.Context, chunkID string) (domain.Verdict, error) {
	r.record(chunkID)
	return domain.Verdict{}, nil
}

func (r *recordingExecutor) CheckPair(_ context.Context, _ domain.ConflictType, a, b string) (domain.Verdict, error) {
	r.record(a + "|" + b)
	return domain.Verdict{HasConflict: true}, nil
}

// PairMode treats chunks of one document as internal. Chunk ids are
// "<doc>_paragraph_<n>".
func (r *recordingExecutor) PairMode(_ context.Context, a, b string) (domain.ConflictType, error) {
	if strings.SplitN(a, "_paragraph_", 2)[0] == strings.SplitN(b, "_paragraph_", 2)[0] {
		return domain.ConflictInternal, nil
	}
	return domain.ConflictExternal, nil
}

// runUntil starts the processor and waits for n completions.
func runUntil(t *testing.T, p *AsyncProcessor, done <-chan TaskResult, n int) []TaskResult {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go p.Run(ctx)
	var out []TaskResult
	for len(out) < n {
		select {
		case r := <-done:
			out = append(out, r)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d tasks", len(out), n)
		}
	}
	return out
}

func TestAsyncRunsByPriorityThenFIFO(t *testing.T) {
	exec := &recordingExecutor{}
	done := make(chan TaskResult, 16)
	p := NewAsyncProcessor(exec, AsyncConfig{OnComplete: func(r TaskResult) { done <- r }})

	for _, sub := range []struct {
		doc      string
		priority int
	}{{"doc_p5", 5}, {"doc_p1a", 1}, {"doc_p10", 10}, {"doc_p1b", 1}, {"doc_p3", 3}} {
		if _, err := p.SubmitDocument(sub.doc, sub.priority); err != nil {
			t.Fatalf("submit %s: %v", sub.doc, err)
		}
	}
	runUntil(t, p, done, 5)

	got := strings.Join(exec.order, ",")
	if got != "doc_p1a,doc_p1b,doc_p3,doc_p5,doc_p10" {
		t.Fatalf("order = %s", got)
	}
	if s := p.Stats(); s.Completed != 5 || s.Queued != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestAsyncDeduplicatesPairsAndDocuments(t *testing.T) {
	exec := &recordingExecutor{}
	done := make(chan TaskResult, 16)
	p := NewAsyncProcessor(exec, AsyncConfig{OnComplete: func(r TaskResult) { done <- r }})

	first, err := p.Submit(context.Background(), Task{Type: TaskChunkPair, Mode: domain.ConflictInternal, ChunkIDs: []string{"a_paragraph_1", "a_paragraph_2"}})
	if err != nil || first == AlreadyQueued {
		t.Fatalf("first submit = %q, %v", first, err)
	}
	again, _ := p.Submit(context.Background(), Task{Type: TaskChunkPair, Mode: domain.ConflictInternal, ChunkIDs: []string{"a_paragraph_2", "a_paragraph_1"}})
	if again != AlreadyQueued {
		t.Fatalf("reversed pair = %q, want %q", again, AlreadyQueued)
	}
	d1, _ := p.SubmitDocument("doc_a", 2)
	d2, _ := p.SubmitDocument("doc_a", 2)
	if d1 != d2 {
		t.Fatalf("queued document got a second task: %s vs %s", d1, d2)
	}
	runUntil(t, p, done, 2)

	if _, ok := p.PairResult(domain.ConflictInternal, "a_paragraph_2", "a_paragraph_1"); !ok {
		t.Fatalf("pair verdict not cached")
	}
	if r, ok := p.Result(first); !ok || r.Status != TaskCompleted || r.Verdict == nil || !r.Verdict.HasConflict {
		t.Fatalf("result = %+v", r)
	}
	if got, _ := p.Submit(context.Background(), Task{Type: TaskChunkPair, Mode: domain.ConflictInternal, ChunkIDs: []string{"a_paragraph_1", "a_paragraph_2"}}); got != AlreadyQueued {
		t.Fatalf("processed pair resubmitted: %q", got)
	}
	if s := p.Stats(); s.Deduped != 3 {
		t.Fatalf("deduped = %d, want 3", s.Deduped)
	}
}

func TestAsyncPairWithoutModeDedupesWithExplicitMode(t *testing.T) {
	p := NewAsyncProcessor(&recordingExecutor{}, AsyncConfig{})
	ctx := context.Background()

	first, err := p.Submit(ctx, Task{Type: TaskChunkPair, ChunkIDs: []string{"doc_a_paragraph_1", "doc_a_paragraph_2"}})
	if err != nil || first == AlreadyQueued {
		t.Fatalf("first submit = %q, %v", first, err)
	}
	again, err := p.Submit(ctx, Task{Type: TaskChunkPair, Mode: domain.ConflictInternal, ChunkIDs: []string{"doc_a_paragraph_2", "doc_a_paragraph_1"}})
	if err != nil || again != AlreadyQueued {
		t.Fatalf("explicit internal pair = %q, %v; want %q", again, err, AlreadyQueued)
	}
	ext, err := p.Submit(ctx, Task{Type: TaskChunkPair, ChunkIDs: []string{"doc_a_paragraph_1", "doc_b_paragraph_1"}})
	if err != nil || ext == AlreadyQueued {
		t.Fatalf("cross-document pair = %q, %v", ext, err)
	}
	if r, ok := p.Result(first); !ok || r.Status != TaskQueued {
		t.Fatalf("queued result = %+v", r)
	}
	if s := p.Stats(); s.Submitted != 2 || s.Deduped != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestAsyncRejectsWhenFull(t *testing.T) {
	p := NewAsyncProcessor(&recordingExecutor{}, AsyncConfig{Capacity: 2})
	for _, id := range []string{"doc_1", "doc_2"} {
		if _, err := p.SubmitDocument(id, 0); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	if _, err := p.SubmitDocument("doc_3", 0); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if _, err := p.Submit(context.Background(), Task{Type: "bogus"}); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("err = %v, want ErrUnknownTask", err)
	}
	if r, ok := p.Result(mustTaskID(t, p, "doc_1")); !ok || r.Status != TaskQueued {
		t.Fatalf("queued result = %+v", r)
	}
}

func mustTaskID(t *testing.T, p *AsyncProcessor, docID string) string {
	t.Helper()
	id, err := p.SubmitDocument(docID, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return id
}

func TestAsyncResultsKeepNewestSeventyPercent(t *testing.T) {
	exec := &recordingExecutor{}
	done := make(chan TaskResult, 32)
	p := NewAsyncProcessor(exec, AsyncConfig{ResultsLimit: 10, OnComplete: func(r TaskResult) { done <- r }})
	var ids []string
	for i := 0; i < 11; i++ {
		id, err := p.Submit(context.Background(), Task{Type: TaskContent, ChunkIDs: []string{fmt.Sprintf("doc_a_paragraph_%d", i)}})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	runUntil(t, p, done, 11)

	if s := p.Stats(); s.Results != 7 || s.Trims != 1 {
		t.Fatalf("stats = %+v", s)
	}
	if _, ok := p.Result(ids[0]); ok {
		t.Fatalf("oldest result should be trimmed")
	}
	if r, ok := p.Result(ids[10]); !ok || r.Status != TaskCompleted {
		t.Fatalf("newest result = %+v", r)
	}
}

func TestAsyncSurvivesPanicsInTasksAndCallbacks(t *testing.T) {
	exec := &recordingExecutor{}
	done := make(chan TaskResult, 4)
	calls := 0
	p := NewAsyncProcessor(exec, AsyncConfig{OnComplete: func(r TaskResult) {
		calls++
		done <- r
		if calls == 1 {
			panic("callback blew up")
		}
	}})
	boom, _ := p.SubmitDocument("boom", 1)
	ok, _ := p.SubmitDocument("fine", 2)
	results := runUntil(t, p, done, 2)

	if results[0].TaskID != boom || results[0].Status != TaskFailed || !strings.Contains(results[0].Error, "panicked") {
		t.Fatalf("panicking task = %+v", results[0])
	}
	if results[1].TaskID != ok || results[1].Status != TaskCompleted {
		t.Fatalf("next task = %+v", results[1])
	}
}
