package chunkstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"kmsai/pkg/domain"
)

// MemoryStore keeps chunks in memory.
type MemoryStore struct {
	mu     sync.RWMutex
	chunks map[string]domain.Chunk
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chunks: make(map[string]domain.Chunk)}
}

func (s *MemoryStore) AddChunks(_ context.Context, docID, unit string, drafts []domain.ChunkDraft, dup *domain.DuplicateInfo) ([]domain.Chunk, error) {
	built := BuildChunks(docID, unit, drafts, dup, time.Now().UTC())
	if len(built) == 0 {
		return nil, ErrNoChunks
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.chunks {
		if c.DocumentID == docID {
			delete(s.chunks, id)
		}
	}
	for _, c := range built {
		s.chunks[c.ID] = cloneChunk(c)
	}
	return built, nil
}

// Put stores a chunk as-is. Tests use it to build fixtures.
func (s *MemoryStore) Put(c domain.Chunk) {
	s.mu.Lock()
	s.chunks[c.ID] = cloneChunk(c)
	s.mu.Unlock()
}

func (s *MemoryStore) GetChunksByDocument(_ context.Context, docID string, limit int) ([]domain.Chunk, error) {
	out := s.collect(func(c domain.Chunk) bool { return c.DocumentID == docID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetChunk(_ context.Context, chunkID string) (domain.Chunk, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[chunkID]
	return cloneChunk(c), ok, nil
}

func (s *MemoryStore) UpdateChunkMetadata(_ context.Context, chunkID string, patch map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[chunkID]
	if !ok {
		return false, nil
	}
	c.Metadata = mergeMetadata(c.Metadata, patch)
	s.chunks[chunkID] = c
	return true, nil
}

func (s *MemoryStore) DeleteChunksByDocument(_ context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.chunks {
		if c.DocumentID == docID {
			delete(s.chunks, id)
		}
	}
	return nil
}

func (s *MemoryStore) FindChunks(_ context.Context, filter map[string]any) ([]domain.Chunk, error) {
	return s.collect(func(c domain.Chunk) bool { return matches(c.Metadata, filter) }), nil
}

func (s *MemoryStore) ReassignOwner(_ context.Context, fromDoc, toDoc string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, c := range s.chunks {
		if c.DocumentID != fromDoc {
			continue
		}
		c.DocumentID = toDoc
		c.Metadata = mergeMetadata(c.Metadata, map[string]any{domain.MetaOriginalID: toDoc})
		s.chunks[id] = c
		n++
	}
	return n, nil
}

func (s *MemoryStore) collect(match func(domain.Chunk) bool) []domain.Chunk {
	s.mu.RLock()
	out := make([]domain.Chunk, 0)
	for _, c := range s.chunks {
		if match(c) {
			out = append(out, cloneChunk(c))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		if out[i].Paragraph != out[j].Paragraph {
			return out[i].Paragraph < out[j].Paragraph
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func cloneChunk(c domain.Chunk) domain.Chunk {
	if c.Metadata != nil {
		c.Metadata = mergeMetadata(c.Metadata, nil)
	}
	return c
}
