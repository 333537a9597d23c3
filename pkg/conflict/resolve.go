package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"kmsai/pkg/domain"
)

// ManualExplanation is stored on records created when a user resolves a
// conflict the side table never saw.
const ManualExplanation = "Đánh dấu thủ công bởi người dùng"

// Resolution is a reviewer's decision on one conflict.
type Resolution struct {
	ConflictID string
	// Type narrows the resolution to one conflict type; empty means all.
	Type domain.ConflictType
	// DocID is the document the conflict was resolved from. It is required
	// when no record exists yet.
	DocID      string
	ResolvedBy string
	Notes      string
}

// ResolveConflict marks the conflict resolved, removes it from every
// affected payload and re-syncs groups. It returns the ids of the documents
// whose payload was rewritten.
func (e *Engine) ResolveConflict(ctx context.Context, res Resolution) ([]string, error) {
	res.ConflictID = strings.TrimSpace(res.ConflictID)
	if res.ConflictID == "" {
		return nil, fmt.Errorf("%w: conflict id is required", ErrInvalidResolution)
	}
	if res.ResolvedBy == "" {
		res.ResolvedBy = "user"
	}

	all, err := e.docs.ListConflictsByID(ctx, res.ConflictID)
	if err != nil {
		return nil, fmt.Errorf("load conflict records: %w", err)
	}
	var records []domain.ConflictRecord
	for _, rec := range all {
		if res.Type == "" || rec.Type == res.Type {
			records = append(records, rec)
		}
	}

	if len(records) == 0 {
		if res.DocID == "" {
			return nil, ErrConflictNotFound
		}
		rec, err := e.docs.UpsertConflictRecord(ctx, domain.ConflictRecord{
			DocID:       res.DocID,
			ChunkIDs:    []string{res.ConflictID},
			Type:        domain.ConflictManual,
			Explanation: ManualExplanation,
			DetectedAt:  e.cfg.Now(),
		})
		if err != nil {
			return nil, fmt.Errorf("create manual record: %w", err)
		}
		if _, err := e.docs.ResolveConflict(ctx, rec.ConflictID, domain.ConflictManual, res.ResolvedBy, res.Notes); err != nil {
			return nil, fmt.Errorf("resolve manual record: %w", err)
		}
		slog.Info("manual conflict resolution recorded", "conflict_id", res.ConflictID, "doc_id", res.DocID, "resolved_by", res.ResolvedBy)
	} else {
		if _, err := e.docs.ResolveConflict(ctx, res.ConflictID, res.Type, res.ResolvedBy, res.Notes); err != nil {
			return nil, fmt.Errorf("resolve conflict: %w", err)
		}
		slog.Info("conflict resolved", "conflict_id", res.ConflictID, "records", len(records), "resolved_by", res.ResolvedBy)
	}

	touched := []string{}
	if res.DocID != "" {
		touched = append(touched, res.DocID)
	}
	for _, rec := range records {
		touched = append(touched, rec.DocID)
		if rec.RelatedDocID != "" {
			touched = append(touched, rec.RelatedDocID)
		}
	}
	return e.dropFromPayloads(ctx, touched, func(x domain.ConflictEntry) bool {
		return domain.ConflictID(x.ChunkRefs()) == res.ConflictID
	})
}

// dropFromPayloads removes matching entries from the payload of each
// document and its group mates, then recomputes every payload.
func (e *Engine) dropFromPayloads(ctx context.Context, docIDs []string, drop func(domain.ConflictEntry) bool) ([]string, error) {
	seen := map[string]bool{}
	groups := map[string]bool{}
	var targets []domain.Document
	for _, id := range docIDs {
		if id == "" || seen[id] {
			continue
		}
		doc, ok, err := e.docs.GetDocument(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load document %s: %w", id, err)
		}
		if !ok {
			continue
		}
		seen[id] = true
		targets = append(targets, doc)
		if doc.InGroup() && !groups[doc.DuplicateGroupID] {
			groups[doc.DuplicateGroupID] = true
			mates, err := e.docs.ListDocumentsInGroup(ctx, doc.DuplicateGroupID)
			if err != nil {
				return nil, fmt.Errorf("load group %s: %w", doc.DuplicateGroupID, err)
			}
			for _, m := range mates {
				if !seen[m.ID] {
					seen[m.ID] = true
					targets = append(targets, m)
				}
			}
		}
	}

	e.foldMu.Lock()
	for _, doc := range targets {
		ci, changed := filterInfo(doc.ConflictInfo, drop)
		if !changed {
			continue
		}
		if err := e.docs.UpdateDocumentStatus(ctx, doc.ID, domain.DocumentPatch{ConflictInfo: &ci}); err != nil {
			e.foldMu.Unlock()
			return nil, fmt.Errorf("update payload of %s: %w", doc.ID, err)
		}
	}
	e.foldMu.Unlock()

	refreshed := map[string]bool{}
	for _, doc := range targets {
		key := doc.DuplicateGroupID
		if key == "" {
			key = "doc:" + doc.ID
		}
		if refreshed[key] {
			continue
		}
		refreshed[key] = true
		if _, err := e.Refresh(ctx, doc.ID); err != nil {
			return nil, err
		}
	}
	ids := make([]string, 0, len(targets))
	for _, doc := range targets {
		ids = append(ids, doc.ID)
	}
	return ids, nil
}

func filterInfo(ci domain.ConflictInfo, drop func(domain.ConflictEntry) bool) (domain.ConflictInfo, bool) {
	changed := false
	keep := func(in []domain.ConflictEntry) []domain.ConflictEntry {
		out := make([]domain.ConflictEntry, 0, len(in))
		for _, x := range in {
			if drop(x) {
				changed = true
				continue
			}
			out = append(out, x)
		}
		return out
	}
	out := domain.ConflictInfo{
		ContentConflicts:  keep(ci.ContentConflicts),
		InternalConflicts: keep(ci.InternalConflicts),
		ExternalConflicts: keep(ci.ExternalConflicts),
		AnalysisErrors:    ci.AnalysisErrors,
	}
	return out, changed
}
