package domain

import "time"

// Document is the per-document status record kept in the record store.
type Document struct {
	ID         string     `json:"id"`
	Content    string     `json:"content"`
	Unit       string     `json:"unit"`
	Sender     string     `json:"sender"`
	Categories []string   `json:"categories"`
	Tags       []string   `json:"tags"`
	StartDate  *time.Time `json:"startDate,omitempty"`
	EndDate    *time.Time `json:"endDate,omitempty"`
	IsValid    bool       `json:"isValid"`
	ArchiveKey string     `json:"-"`

	ProcessingStatus       ProcessingStatus       `json:"processingStatus"`
	ScanStatus             ScanStatus             `json:"scanStatus"`
	ChunkStatus            ChunkStatus            `json:"chunkStatus"`
	ApprovalStatus         ApprovalStatus         `json:"approvalStatus"`
	ConflictAnalysisStatus ConflictAnalysisStatus `json:"conflictAnalysisStatus"`
	ConflictStatus         ConflictStatus         `json:"conflictStatus"`

	IsDuplicate        bool    `json:"isDuplicate"`
	DuplicateGroupID   string  `json:"duplicateGroupId,omitempty"`
	OriginalChunkedDoc string  `json:"originalChunkedDoc,omitempty"`
	SimilarityScore    float64 `json:"similarityScore"`
	SimilarityLevel    string  `json:"similarityLevel,omitempty"`
	DuplicateCount     int     `json:"duplicateCount"`
	DetailedAnalysis   string  `json:"detailedAnalysis,omitempty"`

	HasConflicts            bool         `json:"hasConflicts"`
	ConflictInfo            ConflictInfo `json:"conflictInfo"`
	LastConflictCheck       *time.Time   `json:"lastConflictCheck,omitempty"`
	NeedsConflictReanalysis bool         `json:"needsConflictReanalysis"`

	ChunkFailureCount int    `json:"chunkFailureCount"`
	ScanFailureCount  int    `json:"scanFailureCount"`
	ErrorMessage      string `json:"errorMessage,omitempty"`

	Approver     string     `json:"approver,omitempty"`
	ApprovalDate *time.Time `json:"approvalDate,omitempty"`

	CreatedDate  time.Time `json:"createdDate"`
	ModifiedDate time.Time `json:"modifiedDate"`
}

// InGroup reports whether the document belongs to a duplicate group.
func (d Document) InGroup() bool {
	return d.DuplicateGroupID != ""
}

// Chunk is one Q&A paragraph produced from a document.
type Chunk struct {
	ID            string         `json:"id"`
	DocumentID    string         `json:"documentId"`
	Paragraph     int            `json:"paragraph"`
	DocumentTopic string         `json:"documentTopic"`
	ChunkTopic    string         `json:"chunkTopic"`
	OriginalText  string         `json:"originalText"`
	QAContent     string         `json:"qaContent"`
	Unit          string         `json:"unit"`
	Content       string         `json:"content"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Metadata keys understood by the chunk store.
const (
	MetaEnabled          = "is_enabled"
	MetaOriginalID       = "original_id"
	MetaDuplicateGroupID = "duplicate_group_id"
	MetaIsOriginal       = "is_original"
)

// Enabled returns the is_enabled flag, which defaults to true and also
// accepts the strings "true" and "false".
func (c Chunk) Enabled() bool {
	if c.Metadata == nil {
		return true
	}
	switch v := c.Metadata[MetaEnabled].(type) {
	case bool:
		return v
	case string:
		switch v {
		case "false", "False", "FALSE", "0":
			return false
		}
		return true
	case nil:
		return true
	default:
		return true
	}
}

// Text returns the paragraph compared during conflict analysis.
func (c Chunk) Text() string {
	if c.OriginalText != "" {
		return c.OriginalText
	}
	return c.Content
}

// ChunkDraft is a chunk before it has been assigned an id.
type ChunkDraft struct {
	DocumentTopic string `json:"document_topic"`
	ChunkTopic    string `json:"chunk_topic"`
	OriginalText  string `json:"original_text"`
	QAContent     string `json:"revised_chunk"`
}

// ConflictRecord is one row of the conflict side table.
type ConflictRecord struct {
	ID               string       `json:"id"`
	ConflictID       string       `json:"conflictId"`
	DocID            string       `json:"docId"`
	RelatedDocID     string       `json:"relatedDocId,omitempty"`
	ChunkIDs         []string     `json:"chunkIds"`
	Type             ConflictType `json:"conflictType"`
	Explanation      string       `json:"explanation"`
	ConflictingParts []string     `json:"conflictingParts"`
	Severity         Severity     `json:"severity"`
	Resolved         bool         `json:"resolved"`
	ResolvedBy       string       `json:"resolvedBy,omitempty"`
	ResolvedAt       *time.Time   `json:"resolvedAt,omitempty"`
	ResolutionNotes  string       `json:"resolutionNotes,omitempty"`
	DetectedAt       time.Time    `json:"detectedAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// ConflictInfo is the per-document aggregate of detected conflicts.
type ConflictInfo struct {
	ContentConflicts  []ConflictEntry `json:"content_conflicts"`
	InternalConflicts []ConflictEntry `json:"internal_conflicts"`
	ExternalConflicts []ConflictEntry `json:"external_conflicts"`
	AnalysisErrors    []string        `json:"analysis_errors,omitempty"`
}

// Empty reports whether no conflict of any type is present.
func (ci ConflictInfo) Empty() bool {
	return len(ci.ContentConflicts) == 0 && len(ci.InternalConflicts) == 0 && len(ci.ExternalConflicts) == 0
}

// Count returns the total number of conflicts.
func (ci ConflictInfo) Count() int {
	return len(ci.ContentConflicts) + len(ci.InternalConflicts) + len(ci.ExternalConflicts)
}

// ConflictEntry is a conflict as it appears inside ConflictInfo.
type ConflictEntry struct {
	ChunkID          string          `json:"chunk_id,omitempty"`
	ChunkIDs         []string        `json:"chunk_ids,omitempty"`
	DocIDs           []string        `json:"doc_ids,omitempty"`
	Explanation      string          `json:"explanation"`
	ConflictingParts []string        `json:"conflicting_parts"`
	Contradictions   []Contradiction `json:"contradictions,omitempty"`
	Severity         Severity        `json:"severity,omitempty"`
	AnalyzedAt       time.Time       `json:"analyzed_at"`
}

// ChunkRefs returns every chunk id the entry references.
func (e ConflictEntry) ChunkRefs() []string {
	if e.ChunkID != "" {
		return []string{e.ChunkID}
	}
	return e.ChunkIDs
}

// Contradiction is one item reported by the classifier.
type Contradiction struct {
	ID               int      `json:"id"`
	Description      string   `json:"description"`
	Explanation      string   `json:"explanation"`
	ConflictingParts []string `json:"conflicting_parts"`
	Severity         Severity `json:"severity"`
}

// Verdict is the classifier's answer for one text block or one pair.
type Verdict struct {
	HasConflict      bool            `json:"has_conflict"`
	Explanation      string          `json:"explanation"`
	ConflictingParts []string        `json:"conflicting_parts"`
	Contradictions   []Contradiction `json:"contradictions"`
	ConflictType     ConflictType    `json:"conflict_type"`
	Error            string          `json:"error,omitempty"`
}

// Severity returns the highest severity among the contradictions.
func (v Verdict) Severity() Severity {
	best := SeverityLow
	if len(v.Contradictions) == 0 {
		return SeverityMedium
	}
	for _, c := range v.Contradictions {
		if c.Severity.rank() > best.rank() {
			best = c.Severity
		}
	}
	return best
}

// DuplicateInfo travels with a process request when the document heads a group.
type DuplicateInfo struct {
	DuplicateGroupID string   `json:"duplicate_group_id"`
	DocumentIDs      []string `json:"document_ids"`
	OriginalDocID    string   `json:"original_doc_id"`
	HasChunks        bool     `json:"has_chunks"`
}
