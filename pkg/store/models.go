package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type DocumentModel struct {
	ID         string `gorm:"primaryKey"`
	Content    string `gorm:"type:text"`
	Unit       string `gorm:"index"`
	Sender     string
	Categories datatypes.JSON `gorm:"type:jsonb"`
	Tags       datatypes.JSON `gorm:"type:jsonb"`
	StartDate  *time.Time
	EndDate    *time.Time
	IsValid    bool `gorm:"not null;default:true"`
	ArchiveKey string

	ProcessingStatus       string `gorm:"not null;index"`
	ScanStatus             string `gorm:"index"`
	ChunkStatus            string `gorm:"index"`
	ApprovalStatus         string
	ConflictAnalysisStatus string `gorm:"index"`
	ConflictStatus         string

	IsDuplicate        bool
	DuplicateGroupID   *string `gorm:"index"`
	OriginalChunkedDoc *string
	SimilarityScore    float64
	SimilarityLevel    string
	DuplicateCount     int
	DetailedAnalysis   string `gorm:"type:text"`

	HasConflicts            bool
	ConflictInfo            datatypes.JSON `gorm:"type:jsonb"`
	LastConflictCheck       *time.Time
	NeedsConflictReanalysis bool

	ChunkFailureCount int `gorm:"not null;default:0"`
	ScanFailureCount  int `gorm:"not null;default:0"`
	ErrorMessage      string

	Approver     string
	ApprovalDate *time.Time

	CreatedDate  time.Time `gorm:"not null;index"`
	ModifiedDate time.Time `gorm:"not null;index"`
}

func (DocumentModel) TableName() string { return "documents" }

type ConflictModel struct {
	ID               string         `gorm:"primaryKey"`
	ConflictID       string         `gorm:"not null;uniqueIndex:idx_conflict_key"`
	ConflictType     string         `gorm:"not null;uniqueIndex:idx_conflict_key"`
	DocID            string         `gorm:"not null;index"`
	RelatedDocID     string         `gorm:"index"`
	ChunkIDs         datatypes.JSON `gorm:"type:jsonb"`
	Explanation      string         `gorm:"type:text"`
	ConflictingParts datatypes.JSON `gorm:"type:jsonb"`
	Severity         string
	Resolved         bool `gorm:"not null;default:false;index"`
	ResolvedBy       string
	ResolvedAt       *time.Time
	ResolutionNotes  string    `gorm:"type:text"`
	DetectedAt       time.Time `gorm:"not null;index"`
	UpdatedAt        time.Time
}

func (ConflictModel) TableName() string { return "chunk_conflicts" }
