package domain

import (
	"strings"
	"time"
)

type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "Pending"
	ProcessingQueued     ProcessingStatus = "Queued"
	ProcessingScanning   ProcessingStatus = "Scanning"
	ProcessingProcessing ProcessingStatus = "Processing"
	ProcessingProcessed  ProcessingStatus = "Processed"
	ProcessingFailed     ProcessingStatus = "Failed"
	ProcessingDuplicate  ProcessingStatus = "Duplicate"
	ProcessingUploaded   ProcessingStatus = "Uploaded"
)

type ScanStatus string

const (
	ScanPending    ScanStatus = "Pending"
	ScanQueued     ScanStatus = "Queued"
	ScanScanning   ScanStatus = "Scanning"
	ScanProcessing ScanStatus = "Processing"
	ScanCompleted  ScanStatus = "Completed"
	ScanFailed     ScanStatus = "ScanFailed"
)

type ChunkStatus string

const (
	ChunkPending        ChunkStatus = "Pending"
	ChunkQueued         ChunkStatus = "Queued"
	ChunkProcessing     ChunkStatus = "Processing"
	ChunkChunking       ChunkStatus = "Chunking"
	ChunkChunked        ChunkStatus = "Chunked"
	ChunkChunkingFailed ChunkStatus = "ChunkingFailed"
	ChunkNotRequired    ChunkStatus = "NotRequired"
	ChunkFailed         ChunkStatus = "Failed"
)

// Values of chunk_status on the processor's chunking callback.
const (
	CallbackSuccess = "success"
	CallbackFailed  = "failed"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "Pending"
	ApprovalApproved ApprovalStatus = "Approved"
	ApprovalRejected ApprovalStatus = "Rejected"
)

type ConflictAnalysisStatus string

const (
	AnalysisNotAnalyzed ConflictAnalysisStatus = "NotAnalyzed"
	AnalysisAnalyzing   ConflictAnalysisStatus = "Analyzing"
	AnalysisAnalyzed    ConflictAnalysisStatus = "Analyzed"
	AnalysisFailed      ConflictAnalysisStatus = "AnalysisFailed"
	AnalysisInvalidated ConflictAnalysisStatus = "AnalysisInvalidated"
)

type ConflictStatus string

const (
	ConflictNone          ConflictStatus = "No Conflict"
	ConflictPendingReview ConflictStatus = "Pending Review"
	ConflictResolving     ConflictStatus = "Resolving"
	ConflictResolved      ConflictStatus = "Resolved"
	ConflictIgnored       ConflictStatus = "Ignored"
	ConflictNotAnalyzed   ConflictStatus = "NotAnalyzed"
	ConflictAnalyzing     ConflictStatus = "Analyzing"
)

type ConflictType string

const (
	ConflictContent  ConflictType = "content"
	ConflictInternal ConflictType = "internal"
	ConflictExternal ConflictType = "external"
	ConflictManual   ConflictType = "manual"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityHigh:
		return 3
	default:
		return 2
	}
}

// Valid reports whether the value is one of the known processing states.
func (s ProcessingStatus) Valid() bool {
	switch s {
	case ProcessingPending, ProcessingQueued, ProcessingScanning, ProcessingProcessing,
		ProcessingProcessed, ProcessingFailed, ProcessingDuplicate, ProcessingUploaded:
		return true
	}
	return false
}

// Normalize returns s, or ProcessingPending when s is unknown.
func (s ProcessingStatus) Normalize() ProcessingStatus {
	if s.Valid() {
		return s
	}
	return ProcessingPending
}

func (s ScanStatus) Valid() bool {
	switch s {
	case ScanPending, ScanQueued, ScanScanning, ScanProcessing, ScanCompleted, ScanFailed:
		return true
	}
	return false
}

func (s ScanStatus) Normalize() ScanStatus {
	if s.Valid() {
		return s
	}
	return ScanPending
}

func (s ChunkStatus) Valid() bool {
	switch s {
	case ChunkPending, ChunkQueued, ChunkProcessing, ChunkChunking, ChunkChunked,
		ChunkChunkingFailed, ChunkNotRequired, ChunkFailed:
		return true
	}
	return false
}

func (s ChunkStatus) Normalize() ChunkStatus {
	if s.Valid() {
		return s
	}
	return ChunkPending
}

func (s ApprovalStatus) Valid() bool {
	switch s {
	case ApprovalPending, ApprovalApproved, ApprovalRejected:
		return true
	}
	return false
}

func (s ApprovalStatus) Normalize() ApprovalStatus {
	if s.Valid() {
		return s
	}
	return ApprovalPending
}

func (s ConflictAnalysisStatus) Valid() bool {
	switch s {
	case AnalysisNotAnalyzed, AnalysisAnalyzing, AnalysisAnalyzed, AnalysisFailed, AnalysisInvalidated:
		return true
	}
	return false
}

func (s ConflictAnalysisStatus) Normalize() ConflictAnalysisStatus {
	if s.Valid() {
		return s
	}
	return AnalysisNotAnalyzed
}

func (s ConflictStatus) Valid() bool {
	switch s {
	case ConflictNone, ConflictPendingReview, ConflictResolving, ConflictResolved,
		ConflictIgnored, ConflictNotAnalyzed, ConflictAnalyzing:
		return true
	}
	return false
}

// Normalize maps the Vietnamese labels used by the dashboard and falls back
// to ConflictNone for anything unknown.
func (s ConflictStatus) Normalize() ConflictStatus {
	if s.Valid() {
		return s
	}
	switch strings.TrimSpace(string(s)) {
	case "Không mâu thuẫn":
		return ConflictNone
	case "Mâu thuẫn":
		return ConflictPendingReview
	}
	return ConflictNone
}

func (t ConflictType) Valid() bool {
	switch t {
	case ConflictContent, ConflictInternal, ConflictExternal, ConflictManual:
		return true
	}
	return false
}

// NormalizeSeverity lower-cases s and defaults to medium.
func NormalizeSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityLow:
		return SeverityLow
	case SeverityHigh:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// StatusForConflicts derives conflict_status from has_conflicts.
func StatusForConflicts(has bool) ConflictStatus {
	if has {
		return ConflictPendingReview
	}
	return ConflictNone
}

// DocumentPatch is a partial update of a document record. Nil fields are
// left untouched. Every applied patch also stamps modified_date.
type DocumentPatch struct {
	ProcessingStatus       *ProcessingStatus
	ScanStatus             *ScanStatus
	ChunkStatus            *ChunkStatus
	ApprovalStatus         *ApprovalStatus
	ConflictAnalysisStatus *ConflictAnalysisStatus
	ConflictStatus         *ConflictStatus

	IsDuplicate        *bool
	DuplicateGroupID   *string
	OriginalChunkedDoc *string
	SimilarityScore    *float64
	SimilarityLevel    *string
	DuplicateCount     *int
	DetailedAnalysis   *string

	HasConflicts            *bool
	ConflictInfo            *ConflictInfo
	LastConflictCheck       *time.Time
	NeedsConflictReanalysis *bool

	ChunkFailureCount *int
	ScanFailureCount  *int
	ErrorMessage      *string

	Approver     *string
	ApprovalDate *time.Time
	ArchiveKey   *string
}

// Ptr returns a pointer to v; it keeps patch literals short.
func Ptr[T any](v T) *T {
	return &v
}

// Normalize coerces every enum field to a known value and reports the
// fields that had to be changed.
func (p *DocumentPatch) Normalize() []string {
	var coerced []string
	if p.ProcessingStatus != nil && !p.ProcessingStatus.Valid() {
		coerced = append(coerced, "processing_status="+string(*p.ProcessingStatus))
		p.ProcessingStatus = Ptr(p.ProcessingStatus.Normalize())
	}
	if p.ScanStatus != nil && !p.ScanStatus.Valid() {
		coerced = append(coerced, "scan_status="+string(*p.ScanStatus))
		p.ScanStatus = Ptr(p.ScanStatus.Normalize())
	}
	if p.ChunkStatus != nil && !p.ChunkStatus.Valid() {
		coerced = append(coerced, "chunk_status="+string(*p.ChunkStatus))
		p.ChunkStatus = Ptr(p.ChunkStatus.Normalize())
	}
	if p.ApprovalStatus != nil && !p.ApprovalStatus.Valid() {
		coerced = append(coerced, "approval_status="+string(*p.ApprovalStatus))
		p.ApprovalStatus = Ptr(p.ApprovalStatus.Normalize())
	}
	if p.ConflictAnalysisStatus != nil && !p.ConflictAnalysisStatus.Valid() {
		coerced = append(coerced, "conflict_analysis_status="+string(*p.ConflictAnalysisStatus))
		p.ConflictAnalysisStatus = Ptr(p.ConflictAnalysisStatus.Normalize())
	}
	if p.ConflictStatus != nil && !p.ConflictStatus.Valid() {
		coerced = append(coerced, "conflict_status="+string(*p.ConflictStatus))
		p.ConflictStatus = Ptr(p.ConflictStatus.Normalize())
	}
	return coerced
}

// Apply writes the patch onto doc. Stores without column-level updates use
// it so the in-memory and SQL paths stay identical.
func (p DocumentPatch) Apply(doc *Document, now time.Time) {
	if p.ProcessingStatus != nil {
		doc.ProcessingStatus = *p.ProcessingStatus
	}
	if p.ScanStatus != nil {
		doc.ScanStatus = *p.ScanStatus
	}
	if p.ChunkStatus != nil {
		doc.ChunkStatus = *p.ChunkStatus
	}
	if p.ApprovalStatus != nil {
		doc.ApprovalStatus = *p.ApprovalStatus
	}
	if p.ConflictAnalysisStatus != nil {
		doc.ConflictAnalysisStatus = *p.ConflictAnalysisStatus
	}
	if p.ConflictStatus != nil {
		doc.ConflictStatus = *p.ConflictStatus
	}
	if p.IsDuplicate != nil {
		doc.IsDuplicate = *p.IsDuplicate
	}
	if p.DuplicateGroupID != nil {
		doc.DuplicateGroupID = *p.DuplicateGroupID
	}
	if p.OriginalChunkedDoc != nil {
		doc.OriginalChunkedDoc = *p.OriginalChunkedDoc
	}
	if p.SimilarityScore != nil {
		doc.SimilarityScore = *p.SimilarityScore
	}
	if p.SimilarityLevel != nil {
		doc.SimilarityLevel = *p.SimilarityLevel
	}
	if p.DuplicateCount != nil {
		doc.DuplicateCount = *p.DuplicateCount
	}
	if p.DetailedAnalysis != nil {
		doc.DetailedAnalysis = *p.DetailedAnalysis
	}
	if p.HasConflicts != nil {
		doc.HasConflicts = *p.HasConflicts
	}
	if p.ConflictInfo != nil {
		doc.ConflictInfo = *p.ConflictInfo
	}
	if p.LastConflictCheck != nil {
		t := *p.LastConflictCheck
		doc.LastConflictCheck = &t
	}
	if p.NeedsConflictReanalysis != nil {
		doc.NeedsConflictReanalysis = *p.NeedsConflictReanalysis
	}
	if p.ChunkFailureCount != nil {
		doc.ChunkFailureCount = *p.ChunkFailureCount
	}
	if p.ScanFailureCount != nil {
		doc.ScanFailureCount = *p.ScanFailureCount
	}
	if p.ErrorMessage != nil {
		doc.ErrorMessage = *p.ErrorMessage
	}
	if p.Approver != nil {
		doc.Approver = *p.Approver
	}
	if p.ApprovalDate != nil {
		t := *p.ApprovalDate
		doc.ApprovalDate = &t
	}
	if p.ArchiveKey != nil {
		doc.ArchiveKey = *p.ArchiveKey
	}
	doc.ModifiedDate = now
}
