package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"kmsai/pkg/domain"
)

// ErrEmptyContent is returned when there is nothing to chunk.
var ErrEmptyContent = errors.New("document content is empty")

// Chunker splits document text into Q&A chunk drafts.
type Chunker interface {
	Chunk(ctx context.Context, text, unit string) ([]domain.ChunkDraft, error)
}

// NewChunker returns the chunker for mode: "single" (default) or "llm".
func NewChunker(mode string, gen TextGenerator, cfg LLMClassifierConfig) (Chunker, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "single":
		return SingleChunker{}, nil
	case "llm":
		if gen == nil {
			return nil, fmt.Errorf("llm chunker needs a text generator")
		}
		return NewLLMChunker(gen, cfg), nil
	default:
		return nil, fmt.Errorf("unknown chunker mode %q", mode)
	}
}

// SingleChunker emits the whole document as one chunk.
type SingleChunker struct{}

func (SingleChunker) Chunk(_ context.Context, text, unit string) ([]domain.ChunkDraft, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyContent
	}
	topic := firstLine(text, 120)
	if unit != "" {
		topic = unit + ": " + topic
	}
	return []domain.ChunkDraft{{
		DocumentTopic: topic,
		ChunkTopic:    topic,
		OriginalText:  text,
		QAContent:     text,
	}}, nil
}

const chunkSystemPrompt = `Bạn là chuyên gia biên tập tài liệu tuyển sinh thành các đoạn hỏi đáp.
Hãy chia văn bản thành các đoạn độc lập, mỗi đoạn nói về một chủ đề duy nhất
(ngành, chỉ tiêu, điểm chuẩn, học phí, hồ sơ, thời hạn...).
Với mỗi đoạn, giữ nguyên văn gốc và viết lại dưới dạng câu hỏi và trả lời ngắn gọn.
Không được thêm thông tin không có trong văn bản.
Chỉ trả về một đối tượng JSON hợp lệ theo cấu trúc:
{
  "TOPIC": "Chủ đề chung của tài liệu",
  "CHUNK_NUMBER": <số đoạn>,
  "CHUNKS": [
    {"index": 1, "chunk_topic": "Chủ đề đoạn", "original_chunk": "Văn bản gốc", "revised_chunk": "Hỏi: ... Đáp: ..."}
  ]
}`

type rawChunking struct {
	Topic  string     `json:"TOPIC"`
	Count  flexInt    `json:"CHUNK_NUMBER"`
	Chunks []rawChunk `json:"CHUNKS"`
}

type rawChunk struct {
	Index    flexInt `json:"index"`
	Topic    string  `json:"chunk_topic"`
	Original string  `json:"original_chunk"`
	Revised  string  `json:"revised_chunk"`
}

// LLMChunker asks a TextGenerator to split and rewrite the document.
type LLMChunker struct {
	gen TextGenerator
	cfg LLMClassifierConfig
}

func NewLLMChunker(gen TextGenerator, cfg LLMClassifierConfig) *LLMChunker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &LLMChunker{gen: gen, cfg: cfg}
}

func (c *LLMChunker) Chunk(ctx context.Context, text, unit string) ([]domain.ChunkDraft, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyContent
	}
	user := "VĂN BẢN:\n\n" + text
	if unit != "" {
		user = "ĐƠN VỊ: " + unit + "\n\n" + user
	}

	var parsed rawChunking
	backoff := retry.WithMaxRetries(c.cfg.Attempts-1, retry.NewConstant(c.cfg.RetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		out, err := c.gen.GenerateText(callCtx, chunkSystemPrompt, user)
		if err != nil {
			slog.Warn("chunker call failed", "err", err)
			return retry.RetryableError(err)
		}
		v, err := ParseJSON[rawChunking](out)
		if err != nil {
			slog.Warn("chunker returned malformed json", "preview", preview(out, 200))
			return retry.RetryableError(err)
		}
		if len(v.Chunks) == 0 {
			return retry.RetryableError(errors.New("chunker returned no chunks"))
		}
		parsed = v
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chunk document: %w", err)
	}
	return parsed.drafts(text), nil
}

func (r rawChunking) drafts(fallback string) []domain.ChunkDraft {
	chunks := append([]rawChunk(nil), r.Chunks...)
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	topic := strings.TrimSpace(r.Topic)
	if topic == "" {
		topic = firstLine(fallback, 120)
	}
	out := make([]domain.ChunkDraft, 0, len(chunks))
	for _, ch := range chunks {
		original := strings.TrimSpace(ch.Original)
		revised := strings.TrimSpace(ch.Revised)
		if original == "" && revised == "" {
			continue
		}
		if revised == "" {
			revised = original
		}
		if original == "" {
			original = revised
		}
		chunkTopic := strings.TrimSpace(ch.Topic)
		if chunkTopic == "" {
			chunkTopic = topic
		}
		out = append(out, domain.ChunkDraft{
			DocumentTopic: topic,
			ChunkTopic:    chunkTopic,
			OriginalText:  original,
			QAContent:     revised,
		})
	}
	if len(out) == 0 {
		return []domain.ChunkDraft{{DocumentTopic: topic, ChunkTopic: topic, OriginalText: fallback, QAContent: fallback}}
	}
	if int(r.Count) != 0 && int(r.Count) != len(out) {
		slog.Debug("chunk count mismatch", "declared", int(r.Count), "parsed", len(out))
	}
	return out
}

func firstLine(text string, max int) string {
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	r := []rune(line)
	if len(r) > max {
		return string(r[:max])
	}
	return line
}
