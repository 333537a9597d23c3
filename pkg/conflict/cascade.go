package conflict

import (
	"context"
	"fmt"
	"log/slog"

	"kmsai/pkg/dedup"
	"kmsai/pkg/domain"
	"kmsai/pkg/store"
)

// DeleteResult describes what a document deletion changed.
type DeleteResult struct {
	DocID            string `json:"doc_id"`
	ResolvedRecords  int    `json:"resolved_records"`
	NewCanonical     string `json:"new_canonical,omitempty"`
	ReassignedChunks int    `json:"reassigned_chunks"`
	ChunksDeleted    bool   `json:"chunks_deleted"`

	// NeedsChunking is set when the new canonical inherited no chunks and
	// must go through the pipeline.
	NeedsChunking bool     `json:"needs_chunking"`
	Refreshed     []string `json:"refreshed_documents"`
}

// DeleteDocument removes docID and cleans up after it: open conflicts that
// other documents hold against it are closed, its own records go, group
// mates are re-pointed at a new canonical that inherits the chunks, and the
// remaining payloads are recomputed.
func (e *Engine) DeleteDocument(ctx context.Context, docID string) (DeleteResult, error) {
	res := DeleteResult{DocID: docID}
	doc, ok, err := e.docs.GetDocument(ctx, docID)
	if err != nil {
		return res, fmt.Errorf("load document: %w", err)
	}
	if !ok {
		return res, store.ErrDocumentNotFound
	}

	open, err := e.docs.ListUnresolvedConflicts(ctx, []string{docID})
	if err != nil {
		return res, fmt.Errorf("list conflicts: %w", err)
	}
	var others []string
	for _, rec := range open {
		for _, id := range []string{rec.DocID, rec.RelatedDocID} {
			if id != "" && id != docID {
				others = append(others, id)
			}
		}
	}
	n, err := e.docs.ResolveConflictsForDocument(ctx, docID, store.SystemResolver, fmt.Sprintf("Tài liệu %s đã bị xóa", docID))
	if err != nil {
		return res, fmt.Errorf("resolve conflicts: %w", err)
	}
	res.ResolvedRecords = n
	if err := e.docs.DeleteConflictsForDocument(ctx, docID); err != nil {
		return res, fmt.Errorf("delete conflicts: %w", err)
	}

	var remaining []domain.Document
	if doc.InGroup() {
		members, err := e.docs.ListDocumentsInGroup(ctx, doc.DuplicateGroupID)
		if err != nil {
			return res, fmt.Errorf("load group: %w", err)
		}
		for _, m := range members {
			if m.ID != docID {
				remaining = append(remaining, m)
			}
		}
	}

	ownsChunks := !doc.IsDuplicate
	switch {
	case ownsChunks && len(remaining) > 0:
		if err := e.handOver(ctx, doc, remaining, &res); err != nil {
			return res, err
		}
	case ownsChunks:
		if err := e.chunks.DeleteChunksByDocument(ctx, docID); err != nil {
			return res, fmt.Errorf("delete chunks: %w", err)
		}
		res.ChunksDeleted = true
	default:
		if err := e.shrinkGroup(ctx, remaining); err != nil {
			return res, err
		}
	}

	if err := e.docs.DeleteDocument(ctx, docID); err != nil {
		return res, fmt.Errorf("delete document: %w", err)
	}
	if e.archive != nil && doc.ArchiveKey != "" {
		if err := e.archive.Delete(ctx, doc.ArchiveKey); err != nil {
			slog.Warn("delete archived text", "doc_id", docID, "key", doc.ArchiveKey, "err", err)
		}
	}

	touched := append([]string(nil), others...)
	for _, m := range remaining {
		touched = append(touched, m.ID)
	}
	// Entries on deleted chunks fall out during the recompute; entries that
	// name the document are dropped here.
	refreshed, err := e.dropFromPayloads(ctx, touched, func(x domain.ConflictEntry) bool {
		for _, id := range x.DocIDs {
			if id == docID {
				return true
			}
		}
		return false
	})
	if err != nil {
		return res, err
	}
	res.Refreshed = refreshed
	slog.Info("document deleted", "doc_id", docID, "group_id", doc.DuplicateGroupID,
		"new_canonical", res.NewCanonical, "resolved", res.ResolvedRecords)
	return res, nil
}

// handOver picks a new canonical among remaining and moves the deleted
// owner's chunks to it unless it already has its own.
func (e *Engine) handOver(ctx context.Context, doc domain.Document, remaining []domain.Document, res *DeleteResult) error {
	canonical := dedup.ChooseCanonical(remaining)
	res.NewCanonical = canonical.ID

	own, err := e.chunks.GetChunksByDocument(ctx, canonical.ID, 1)
	if err != nil {
		return fmt.Errorf("check chunks of %s: %w", canonical.ID, err)
	}
	if len(own) > 0 {
		if err := e.chunks.DeleteChunksByDocument(ctx, doc.ID); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
		res.ChunksDeleted = true
	} else {
		moved, err := e.chunks.ReassignOwner(ctx, doc.ID, canonical.ID)
		if err != nil {
			return fmt.Errorf("reassign chunks: %w", err)
		}
		res.ReassignedChunks = moved
	}

	hasChunks := len(own) > 0 || res.ReassignedChunks > 0
	patch := domain.DocumentPatch{
		IsDuplicate:        domain.Ptr(false),
		OriginalChunkedDoc: domain.Ptr(""),
	}
	if hasChunks {
		patch.ChunkStatus = domain.Ptr(domain.ChunkChunked)
		patch.ProcessingStatus = domain.Ptr(domain.ProcessingProcessed)
		patch.DetailedAnalysis = domain.Ptr("Original document with existing chunks")
	} else {
		res.NeedsChunking = true
		patch.ChunkStatus = domain.Ptr(domain.ChunkPending)
		patch.ProcessingStatus = domain.Ptr(domain.ProcessingPending)
		patch.ScanStatus = domain.Ptr(domain.ScanPending)
	}
	if err := e.docs.UpdateDocumentStatus(ctx, canonical.ID, patch); err != nil {
		return fmt.Errorf("promote %s: %w", canonical.ID, err)
	}
	for _, m := range remaining {
		if m.ID == canonical.ID {
			continue
		}
		err := e.docs.UpdateDocumentStatus(ctx, m.ID, domain.DocumentPatch{
			OriginalChunkedDoc: domain.Ptr(canonical.ID),
			DetailedAnalysis:   domain.Ptr("Using chunks from original document: " + canonical.ID),
		})
		if err != nil {
			return fmt.Errorf("re-point %s: %w", m.ID, err)
		}
	}
	slog.Info("group canonical replaced", "group_id", doc.DuplicateGroupID, "old", doc.ID, "new", canonical.ID, "chunks_moved", res.ReassignedChunks)
	return e.shrinkGroup(ctx, remaining)
}

// shrinkGroup updates duplicate_count, and dissolves the group when a
// single member is left.
func (e *Engine) shrinkGroup(ctx context.Context, remaining []domain.Document) error {
	if len(remaining) == 1 {
		only := remaining[0]
		return e.docs.UpdateDocumentStatus(ctx, only.ID, domain.DocumentPatch{
			DuplicateGroupID:   domain.Ptr(""),
			IsDuplicate:        domain.Ptr(false),
			OriginalChunkedDoc: domain.Ptr(""),
			SimilarityLevel:    domain.Ptr(dedup.LevelUnique),
			DuplicateCount:     domain.Ptr(0),
		})
	}
	for _, m := range remaining {
		if err := e.docs.UpdateDocumentStatus(ctx, m.ID, domain.DocumentPatch{DuplicateCount: domain.Ptr(len(remaining))}); err != nil {
			return fmt.Errorf("update group count: %w", err)
		}
	}
	return nil
}
