package ai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSingleChunkerKeepsWholeDocument(t *testing.T) {
	drafts, err := SingleChunker{}.Chunk(context.Background(), "  Chỉ tiêu ngành CNTT\nnăm 2025 là 500.  ", "Phòng Đào tạo")
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if len(drafts) != 1 {
		t.Fatalf("drafts = %d, want 1", len(drafts))
	}
	if drafts[0].ChunkTopic != "Phòng Đào tạo: Chỉ tiêu ngành CNTT" {
		t.Fatalf("topic = %q", drafts[0].ChunkTopic)
	}
	if drafts[0].OriginalText != "Chỉ tiêu ngành CNTT\nnăm 2025 là 500." {
		t.Fatalf("text = %q", drafts[0].OriginalText)
	}
	if _, err := (SingleChunker{}).Chunk(context.Background(), "   ", ""); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("err = %v, want ErrEmptyContent", err)
	}
}

func TestLLMChunkerOrdersAndFillsChunks(t *testing.T) {
	reply := `Đây là kết quả:
{
  "TOPIC": "Tuyển sinh 2025",
  "CHUNK_NUMBER": "3",
  "CHUNKS": [
    {"index": 2, "chunk_topic": "Học phí", "original_chunk": "Học phí 20 triệu", "revised_chunk": "Hỏi: Học phí? Đáp: 20 triệu"},
    {"index": 1, "chunk_topic": "", "original_chunk": "Chỉ tiêu 500", "revised_chunk": ""},
    {"index": 3, "chunk_topic": "Trống", "original_chunk": "", "revised_chunk": ""},
  ]
}`
	gen := &scriptedGenerator{errs: []error{errors.New("timeout")}, replies: []string{"", reply}}
	c := NewLLMChunker(gen, LLMClassifierConfig{Timeout: time.Second, Attempts: 3, RetryDelay: time.Millisecond})
	drafts, err := c.Chunk(context.Background(), "Chỉ tiêu 500. Học phí 20 triệu.", "Khoa CNTT")
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if gen.calls != 2 {
		t.Fatalf("calls = %d, want 2", gen.calls)
	}
	if !strings.HasPrefix(gen.user, "ĐƠN VỊ: Khoa CNTT") {
		t.Fatalf("user prompt = %q", gen.user)
	}
	if len(drafts) != 2 {
		t.Fatalf("drafts = %+v", drafts)
	}
	if drafts[0].OriginalText != "Chỉ tiêu 500" || drafts[0].QAContent != "Chỉ tiêu 500" || drafts[0].ChunkTopic != "Tuyển sinh 2025" {
		t.Fatalf("first draft = %+v", drafts[0])
	}
	if drafts[1].ChunkTopic != "Học phí" || drafts[1].DocumentTopic != "Tuyển sinh 2025" {
		t.Fatalf("second draft = %+v", drafts[1])
	}
}

func TestLLMChunkerGivesUpAfterAttempts(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"không phải json"}}
	c := NewLLMChunker(gen, LLMClassifierConfig{Timeout: time.Second, Attempts: 2, RetryDelay: time.Millisecond})
	if _, err := c.Chunk(context.Background(), "nội dung", ""); err == nil {
		t.Fatalf("expected error for unparsable output")
	}
	if gen.calls != 2 {
		t.Fatalf("calls = %d, want 2", gen.calls)
	}
}

func TestNewChunkerModes(t *testing.T) {
	if c, err := NewChunker("", nil, LLMClassifierConfig{}); err != nil {
		t.Fatalf("default mode: %v", err)
	} else if _, ok := c.(SingleChunker); !ok {
		t.Fatalf("default chunker = %T", c)
	}
	if _, err := NewChunker("llm", nil, LLMClassifierConfig{}); err == nil {
		t.Fatalf("llm mode without generator should fail")
	}
	if _, err := NewChunker("paragraph", nil, LLMClassifierConfig{}); err == nil {
		t.Fatalf("unknown mode should fail")
	}
}
