package store

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"kmsai/pkg/domain"
)

func documentToModel(doc domain.Document) DocumentModel {
	now := time.Now().UTC()
	if doc.CreatedDate.IsZero() {
		doc.CreatedDate = now
	}
	if doc.ModifiedDate.IsZero() {
		doc.ModifiedDate = doc.CreatedDate
	}
	return DocumentModel{
		ID:                      doc.ID,
		Content:                 doc.Content,
		Unit:                    doc.Unit,
		Sender:                  doc.Sender,
		Categories:              mustJSON(nonNilStrings(doc.Categories)),
		Tags:                    mustJSON(nonNilStrings(doc.Tags)),
		StartDate:               doc.StartDate,
		EndDate:                 doc.EndDate,
		IsValid:                 doc.IsValid,
		ArchiveKey:              doc.ArchiveKey,
		ProcessingStatus:        string(doc.ProcessingStatus.Normalize()),
		ScanStatus:              string(doc.ScanStatus.Normalize()),
		ChunkStatus:             string(doc.ChunkStatus.Normalize()),
		ApprovalStatus:          string(doc.ApprovalStatus.Normalize()),
		ConflictAnalysisStatus:  string(doc.ConflictAnalysisStatus.Normalize()),
		ConflictStatus:          string(doc.ConflictStatus.Normalize()),
		IsDuplicate:             doc.IsDuplicate,
		DuplicateGroupID:        optionalString(doc.DuplicateGroupID),
		OriginalChunkedDoc:      optionalString(doc.OriginalChunkedDoc),
		SimilarityScore:         doc.SimilarityScore,
		SimilarityLevel:         doc.SimilarityLevel,
		DuplicateCount:          doc.DuplicateCount,
		DetailedAnalysis:        doc.DetailedAnalysis,
		HasConflicts:            doc.HasConflicts,
		ConflictInfo:            mustJSON(doc.ConflictInfo),
		LastConflictCheck:       doc.LastConflictCheck,
		NeedsConflictReanalysis: doc.NeedsConflictReanalysis,
		ChunkFailureCount:       doc.ChunkFailureCount,
		ScanFailureCount:        doc.ScanFailureCount,
		ErrorMessage:            doc.ErrorMessage,
		Approver:                doc.Approver,
		ApprovalDate:            doc.ApprovalDate,
		CreatedDate:             doc.CreatedDate,
		ModifiedDate:            doc.ModifiedDate,
	}
}

func documentFromModel(m DocumentModel) domain.Document {
	doc := domain.Document{
		ID:                      m.ID,
		Content:                 m.Content,
		Unit:                    m.Unit,
		Sender:                  m.Sender,
		StartDate:               m.StartDate,
		EndDate:                 m.EndDate,
		IsValid:                 m.IsValid,
		ArchiveKey:              m.ArchiveKey,
		ProcessingStatus:        domain.ProcessingStatus(m.ProcessingStatus),
		ScanStatus:              domain.ScanStatus(m.ScanStatus),
		ChunkStatus:             domain.ChunkStatus(m.ChunkStatus),
		ApprovalStatus:          domain.ApprovalStatus(m.ApprovalStatus),
		ConflictAnalysisStatus:  domain.ConflictAnalysisStatus(m.ConflictAnalysisStatus),
		ConflictStatus:          domain.ConflictStatus(m.ConflictStatus),
		IsDuplicate:             m.IsDuplicate,
		SimilarityScore:         m.SimilarityScore,
		SimilarityLevel:         m.SimilarityLevel,
		DuplicateCount:          m.DuplicateCount,
		DetailedAnalysis:        m.DetailedAnalysis,
		HasConflicts:            m.HasConflicts,
		LastConflictCheck:       m.LastConflictCheck,
		NeedsConflictReanalysis: m.NeedsConflictReanalysis,
		ChunkFailureCount:       m.ChunkFailureCount,
		ScanFailureCount:        m.ScanFailureCount,
		ErrorMessage:            m.ErrorMessage,
		Approver:                m.Approver,
		ApprovalDate:            m.ApprovalDate,
		CreatedDate:             m.CreatedDate,
		ModifiedDate:            m.ModifiedDate,
	}
	if m.DuplicateGroupID != nil {
		doc.DuplicateGroupID = *m.DuplicateGroupID
	}
	if m.OriginalChunkedDoc != nil {
		doc.OriginalChunkedDoc = *m.OriginalChunkedDoc
	}
	_ = json.Unmarshal(m.Categories, &doc.Categories)
	_ = json.Unmarshal(m.Tags, &doc.Tags)
	if len(m.ConflictInfo) > 0 {
		_ = json.Unmarshal(m.ConflictInfo, &doc.ConflictInfo)
	}
	return doc
}

// patchUpdates turns a patch into a column map for gorm Updates. Empty
// strings for the group columns are stored as NULL.
func patchUpdates(p domain.DocumentPatch, now time.Time) (map[string]any, error) {
	updates := map[string]any{"modified_date": now}
	if p.ProcessingStatus != nil {
		updates["processing_status"] = string(*p.ProcessingStatus)
	}
	if p.ScanStatus != nil {
		updates["scan_status"] = string(*p.ScanStatus)
	}
	if p.ChunkStatus != nil {
		updates["chunk_status"] = string(*p.ChunkStatus)
	}
	if p.ApprovalStatus != nil {
		updates["approval_status"] = string(*p.ApprovalStatus)
	}
	if p.ConflictAnalysisStatus != nil {
		updates["conflict_analysis_status"] = string(*p.ConflictAnalysisStatus)
	}
	if p.ConflictStatus != nil {
		updates["conflict_status"] = string(*p.ConflictStatus)
	}
	if p.IsDuplicate != nil {
		updates["is_duplicate"] = *p.IsDuplicate
	}
	if p.DuplicateGroupID != nil {
		updates["duplicate_group_id"] = optionalString(*p.DuplicateGroupID)
	}
	if p.OriginalChunkedDoc != nil {
		updates["original_chunked_doc"] = optionalString(*p.OriginalChunkedDoc)
	}
	if p.SimilarityScore != nil {
		updates["similarity_score"] = *p.SimilarityScore
	}
	if p.SimilarityLevel != nil {
		updates["similarity_level"] = *p.SimilarityLevel
	}
	if p.DuplicateCount != nil {
		updates["duplicate_count"] = *p.DuplicateCount
	}
	if p.DetailedAnalysis != nil {
		updates["detailed_analysis"] = *p.DetailedAnalysis
	}
	if p.HasConflicts != nil {
		updates["has_conflicts"] = *p.HasConflicts
	}
	if p.ConflictInfo != nil {
		raw, err := json.Marshal(*p.ConflictInfo)
		if err != nil {
			return nil, fmt.Errorf("marshal conflict info: %w", err)
		}
		updates["conflict_info"] = datatypes.JSON(raw)
	}
	if p.LastConflictCheck != nil {
		updates["last_conflict_check"] = p.LastConflictCheck.UTC()
	}
	if p.NeedsConflictReanalysis != nil {
		updates["needs_conflict_reanalysis"] = *p.NeedsConflictReanalysis
	}
	if p.ChunkFailureCount != nil {
		updates["chunk_failure_count"] = *p.ChunkFailureCount
	}
	if p.ScanFailureCount != nil {
		updates["scan_failure_count"] = *p.ScanFailureCount
	}
	if p.ErrorMessage != nil {
		updates["error_message"] = *p.ErrorMessage
	}
	if p.Approver != nil {
		updates["approver"] = *p.Approver
	}
	if p.ApprovalDate != nil {
		updates["approval_date"] = p.ApprovalDate.UTC()
	}
	if p.ArchiveKey != nil {
		updates["archive_key"] = *p.ArchiveKey
	}
	return updates, nil
}

func conflictToModel(rec domain.ConflictRecord) (ConflictModel, error) {
	chunkIDs, err := json.Marshal(nonNilStrings(rec.ChunkIDs))
	if err != nil {
		return ConflictModel{}, fmt.Errorf("marshal chunk ids: %w", err)
	}
	parts, err := json.Marshal(nonNilStrings(rec.ConflictingParts))
	if err != nil {
		return ConflictModel{}, fmt.Errorf("marshal conflicting parts: %w", err)
	}
	return ConflictModel{
		ID:               rec.ID,
		ConflictID:       rec.ConflictID,
		ConflictType:     string(rec.Type),
		DocID:            rec.DocID,
		RelatedDocID:     rec.RelatedDocID,
		ChunkIDs:         datatypes.JSON(chunkIDs),
		Explanation:      rec.Explanation,
		ConflictingParts: datatypes.JSON(parts),
		Severity:         string(rec.Severity),
		Resolved:         rec.Resolved,
		ResolvedBy:       rec.ResolvedBy,
		ResolvedAt:       rec.ResolvedAt,
		ResolutionNotes:  rec.ResolutionNotes,
		DetectedAt:       rec.DetectedAt,
		UpdatedAt:        rec.UpdatedAt,
	}, nil
}

func conflictFromModel(m ConflictModel) domain.ConflictRecord {
	rec := domain.ConflictRecord{
		ID:              m.ID,
		ConflictID:      m.ConflictID,
		DocID:           m.DocID,
		RelatedDocID:    m.RelatedDocID,
		Type:            domain.ConflictType(m.ConflictType),
		Explanation:     m.Explanation,
		Severity:        domain.Severity(m.Severity),
		Resolved:        m.Resolved,
		ResolvedBy:      m.ResolvedBy,
		ResolvedAt:      m.ResolvedAt,
		ResolutionNotes: m.ResolutionNotes,
		DetectedAt:      m.DetectedAt,
		UpdatedAt:       m.UpdatedAt,
	}
	_ = json.Unmarshal(m.ChunkIDs, &rec.ChunkIDs)
	_ = json.Unmarshal(m.ConflictingParts, &rec.ConflictingParts)
	return rec
}

func conflictsFromModels(models []ConflictModel) []domain.ConflictRecord {
	out := make([]domain.ConflictRecord, 0, len(models))
	for _, m := range models {
		out = append(out, conflictFromModel(m))
	}
	return out
}

func mustJSON(v any) datatypes.JSON {
	raw, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(raw)
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
