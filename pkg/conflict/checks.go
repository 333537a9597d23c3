package conflict

import (
	"context"
	"fmt"

	"kmsai/pkg/domain"
)

// CheckChunk runs the content check on a single chunk and stores a record
// when it conflicts with itself.
func (e *Engine) CheckChunk(ctx context.Context, chunkID string) (domain.Verdict, error) {
	c, err := e.liveChunk(ctx, chunkID)
	if err != nil {
		return domain.Verdict{}, err
	}
	ids := []string{c.ID}
	v, err := e.classify(ctx, domain.ConflictContent, ids, c.Text(), "")
	if err != nil || !v.HasConflict {
		return v, err
	}
	if _, err := e.persist(ctx, domain.ConflictContent, c.DocumentID, "", ids, v); err != nil {
		return v, err
	}
	return v, nil
}

// CheckPair compares two chunks. An empty mode is inferred from whether
// the chunks share an owner.
func (e *Engine) CheckPair(ctx context.Context, mode domain.ConflictType, chunkA, chunkB string) (domain.Verdict, error) {
	if chunkA == chunkB {
		return domain.Verdict{}, fmt.Errorf("%w: pair of identical chunks", ErrUnknownTask)
	}
	a, err := e.liveChunk(ctx, chunkA)
	if err != nil {
		return domain.Verdict{}, err
	}
	b, err := e.liveChunk(ctx, chunkB)
	if err != nil {
		return domain.Verdict{}, err
	}
	if mode == "" {
		mode = pairModeOf(a, b)
	}
	if mode != domain.ConflictInternal && mode != domain.ConflictExternal {
		return domain.Verdict{}, fmt.Errorf("%w: pair mode %q", ErrUnknownTask, mode)
	}
	if a.ID > b.ID {
		a, b = b, a
	}
	ids := []string{a.ID, b.ID}
	v, err := e.classify(ctx, mode, ids, a.Text(), b.Text())
	if err != nil || !v.HasConflict {
		return v, err
	}
	related := ""
	if mode == domain.ConflictExternal {
		related = b.DocumentID
	}
	if _, err := e.persist(ctx, mode, a.DocumentID, related, ids, v); err != nil {
		return v, err
	}
	return v, nil
}

// PairMode infers the mode of a chunk pair from the owning documents.
func (e *Engine) PairMode(ctx context.Context, chunkA, chunkB string) (domain.ConflictType, error) {
	a, err := e.liveChunk(ctx, chunkA)
	if err != nil {
		return "", err
	}
	b, err := e.liveChunk(ctx, chunkB)
	if err != nil {
		return "", err
	}
	return pairModeOf(a, b), nil
}

func pairModeOf(a, b domain.Chunk) domain.ConflictType {
	if a.DocumentID != b.DocumentID {
		return domain.ConflictExternal
	}
	return domain.ConflictInternal
}

func (e *Engine) liveChunk(ctx context.Context, id string) (domain.Chunk, error) {
	c, ok, err := e.chunks.GetChunk(ctx, id)
	if err != nil {
		return domain.Chunk{}, fmt.Errorf("load chunk %s: %w", id, err)
	}
	if !ok {
		return domain.Chunk{}, fmt.Errorf("%w: %s", ErrChunkNotFound, id)
	}
	if !c.Enabled() {
		return domain.Chunk{}, fmt.Errorf("%w: %s", ErrChunkDisabled, id)
	}
	return c, nil
}
