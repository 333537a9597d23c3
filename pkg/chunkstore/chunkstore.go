package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kmsai/pkg/domain"
)

// ErrNoChunks is returned by AddChunks when no draft survived validation.
var ErrNoChunks = errors.New("no valid chunks")

// Store is the chunk store: records keyed by `{doc}_paragraph_{n}` and
// queryable by owning document or by metadata.
type Store interface {
	AddChunks(ctx context.Context, docID, unit string, drafts []domain.ChunkDraft, dup *domain.DuplicateInfo) ([]domain.Chunk, error)
	GetChunksByDocument(ctx context.Context, docID string, limit int) ([]domain.Chunk, error)
	GetChunk(ctx context.Context, chunkID string) (domain.Chunk, bool, error)
	UpdateChunkMetadata(ctx context.Context, chunkID string, patch map[string]any) (bool, error)
	DeleteChunksByDocument(ctx context.Context, docID string) error
	FindChunks(ctx context.Context, filter map[string]any) ([]domain.Chunk, error)
	// ReassignOwner moves every chunk of fromDoc to toDoc. Chunk ids are
	// kept so existing conflict records stay valid.
	ReassignOwner(ctx context.Context, fromDoc, toDoc string) (int, error)
}

// BuildChunks turns drafts into chunk records. Paragraphs are numbered from
// 1; drafts without original text are dropped.
func BuildChunks(docID, unit string, drafts []domain.ChunkDraft, dup *domain.DuplicateInfo, now time.Time) []domain.Chunk {
	unit = strings.TrimSpace(unit)
	out := make([]domain.Chunk, 0, len(drafts))
	n := 0
	for _, d := range drafts {
		original := strings.TrimSpace(d.OriginalText)
		if original == "" {
			continue
		}
		n++
		revised := strings.TrimSpace(d.QAContent)
		meta := map[string]any{
			"document_topic":      strings.TrimSpace(d.DocumentTopic),
			"chunk_topic":         strings.TrimSpace(d.ChunkTopic),
			"paragraph":           fmt.Sprintf("Paragraph %d", n),
			"original_text":       original,
			"revised_chunk":       revised,
			domain.MetaOriginalID: docID,
			"unit":                unit,
			domain.MetaEnabled:    true,
		}
		if dup != nil && dup.DuplicateGroupID != "" {
			meta[domain.MetaDuplicateGroupID] = dup.DuplicateGroupID
			meta[domain.MetaIsOriginal] = true
			meta["duplicate_count"] = len(dup.DocumentIDs)
		}
		out = append(out, domain.Chunk{
			ID:            domain.ChunkID(docID, n),
			DocumentID:    docID,
			Paragraph:     n,
			DocumentTopic: strings.TrimSpace(d.DocumentTopic),
			ChunkTopic:    strings.TrimSpace(d.ChunkTopic),
			OriginalText:  original,
			QAContent:     revised,
			Unit:          unit,
			Content:       formatContent(d.DocumentTopic, d.ChunkTopic, revised, original),
			Metadata:      meta,
			CreatedAt:     now,
		})
	}
	return out
}

func formatContent(docTopic, chunkTopic, revised, original string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "DOCUMENT TOPIC: %s\n", strings.TrimSpace(docTopic))
	fmt.Fprintf(&b, "CHUNK TOPIC: %s\n\n", strings.TrimSpace(chunkTopic))
	fmt.Fprintf(&b, "FAQs:\n%s\n\n", revised)
	fmt.Fprintf(&b, "ORIGINAL TEXT:\n%s", original)
	return b.String()
}

// EnabledOnly drops chunks whose is_enabled flag is false.
func EnabledOnly(chunks []domain.Chunk) []domain.Chunk {
	out := make([]domain.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Enabled() {
			out = append(out, c)
		}
	}
	return out
}

func matches(meta map[string]any, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := meta[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func mergeMetadata(dst, patch map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(patch))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
