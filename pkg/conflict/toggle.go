package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"kmsai/pkg/domain"
	"kmsai/pkg/store"
)

// ReanalysisPriority is the async priority of runs caused by chunk changes.
const ReanalysisPriority = 3

// ToggleResult reports the side effects of a chunk toggle.
type ToggleResult struct {
	ChunkID     string   `json:"chunk_id"`
	Enabled     bool     `json:"enabled"`
	Resolved    int      `json:"resolved_conflicts"`
	Invalidated []string `json:"invalidated_documents"`
	Scheduled   []string `json:"scheduled_tasks"`
}

// SetChunkEnabled flips a chunk's is_enabled flag. Disabling closes every
// open record referencing the chunk. Either way the owning document and its
// group mates are invalidated and queued for re-analysis.
func (e *Engine) SetChunkEnabled(ctx context.Context, chunkID string, enabled bool) (ToggleResult, error) {
	res := ToggleResult{ChunkID: chunkID, Enabled: enabled}
	chunk, ok, err := e.chunks.GetChunk(ctx, chunkID)
	if err != nil {
		return res, fmt.Errorf("load chunk: %w", err)
	}
	if !ok {
		return res, ErrChunkNotFound
	}

	affected, err := e.chunkReaders(ctx, chunk.DocumentID)
	if err != nil {
		return res, err
	}

	// Documents holding an open conflict on this chunk, collected before
	// the records are closed.
	var others []string
	if !enabled {
		open, err := e.docs.ListUnresolvedConflicts(ctx, affected)
		if err != nil {
			return res, fmt.Errorf("list open conflicts: %w", err)
		}
		for _, rec := range open {
			if slices.Contains(rec.ChunkIDs, chunkID) {
				others = append(others, rec.DocID, rec.RelatedDocID)
			}
		}
	}

	if _, err := e.chunks.UpdateChunkMetadata(ctx, chunkID, map[string]any{domain.MetaEnabled: enabled}); err != nil {
		return res, fmt.Errorf("update chunk: %w", err)
	}
	if !enabled {
		n, err := e.docs.ResolveConflictsForChunk(ctx, chunkID, store.SystemResolver, fmt.Sprintf("Chunk %s was disabled", chunkID))
		if err != nil {
			return res, fmt.Errorf("resolve conflicts of chunk: %w", err)
		}
		res.Resolved = n
	}

	for _, id := range affected {
		err := e.docs.UpdateDocumentStatus(ctx, id, domain.DocumentPatch{
			ConflictAnalysisStatus:  domain.Ptr(domain.AnalysisInvalidated),
			NeedsConflictReanalysis: domain.Ptr(true),
		})
		if err != nil {
			return res, fmt.Errorf("invalidate %s: %w", id, err)
		}
	}
	res.Invalidated = affected

	if !enabled {
		touched := append(append([]string(nil), affected...), others...)
		if _, err := e.dropFromPayloads(ctx, touched, func(x domain.ConflictEntry) bool {
			return slices.Contains(x.ChunkRefs(), chunkID)
		}); err != nil {
			return res, err
		}
	}

	if e.scheduler == nil {
		slog.Warn("no scheduler; re-analysis left to the next trigger", "chunk_id", chunkID)
		return res, nil
	}
	for _, id := range affected {
		taskID, err := e.scheduler.SubmitDocument(id, ReanalysisPriority)
		if err != nil {
			slog.Warn("schedule re-analysis", "doc_id", id, "err", err)
			continue
		}
		res.Scheduled = append(res.Scheduled, taskID)
	}
	slog.Info("chunk toggled", "chunk_id", chunkID, "enabled", enabled, "resolved", res.Resolved, "invalidated", len(affected))
	return res, nil
}

// chunkReaders returns ownerID plus every group mate, since they all read
// the owner's chunks.
func (e *Engine) chunkReaders(ctx context.Context, ownerID string) ([]string, error) {
	ids := []string{ownerID}
	owner, ok, err := e.docs.GetDocument(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load owner: %w", err)
	}
	if !ok || !owner.InGroup() {
		return ids, nil
	}
	mates, err := e.docs.ListDocumentsInGroup(ctx, owner.DuplicateGroupID)
	if err != nil {
		return nil, fmt.Errorf("load group: %w", err)
	}
	for _, m := range mates {
		if m.ID != ownerID {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}
