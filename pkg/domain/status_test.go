package domain

import (
	"testing"
	"time"
)

func TestDocumentPatchNormalizeCoercesUnknownValues(t *testing.T) {
	p := DocumentPatch{
		ProcessingStatus:       Ptr(ProcessingStatus("Exploded")),
		ScanStatus:             Ptr(ScanCompleted),
		ChunkStatus:            Ptr(ChunkStatus("")),
		ConflictAnalysisStatus: Ptr(ConflictAnalysisStatus("Thinking")),
		ConflictStatus:         Ptr(ConflictStatus("Mâu thuẫn")),
	}
	coerced := p.Normalize()
	if len(coerced) != 4 {
		t.Fatalf("coerced = %v, want 4 entries", coerced)
	}
	if *p.ProcessingStatus != ProcessingPending {
		t.Fatalf("processing = %q, want Pending", *p.ProcessingStatus)
	}
	if *p.ScanStatus != ScanCompleted {
		t.Fatalf("scan = %q, want Completed", *p.ScanStatus)
	}
	if *p.ChunkStatus != ChunkPending {
		t.Fatalf("chunk = %q, want Pending", *p.ChunkStatus)
	}
	if *p.ConflictAnalysisStatus != AnalysisNotAnalyzed {
		t.Fatalf("analysis = %q, want NotAnalyzed", *p.ConflictAnalysisStatus)
	}
	if *p.ConflictStatus != ConflictPendingReview {
		t.Fatalf("conflict = %q, want Pending Review", *p.ConflictStatus)
	}
}

func TestConflictStatusNormalizeVietnameseAliases(t *testing.T) {
	cases := map[ConflictStatus]ConflictStatus{
		"Không mâu thuẫn": ConflictNone,
		"Mâu thuẫn":       ConflictPendingReview,
		"garbage":         ConflictNone,
		ConflictIgnored:   ConflictIgnored,
	}
	for in, want := range cases {
		if got := in.Normalize(); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDocumentPatchApplyStampsModifiedDate(t *testing.T) {
	doc := Document{ID: "doc_1", ChunkStatus: ChunkPending}
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	DocumentPatch{ChunkStatus: Ptr(ChunkChunked)}.Apply(&doc, now)
	if doc.ChunkStatus != ChunkChunked {
		t.Fatalf("chunk status = %q", doc.ChunkStatus)
	}
	if !doc.ModifiedDate.Equal(now) {
		t.Fatalf("modified date = %v, want %v", doc.ModifiedDate, now)
	}
}

func TestChunkEnabledParsesStrings(t *testing.T) {
	cases := []struct {
		meta map[string]any
		want bool
	}{
		{nil, true},
		{map[string]any{}, true},
		{map[string]any{MetaEnabled: false}, false},
		{map[string]any{MetaEnabled: "false"}, false},
		{map[string]any{MetaEnabled: "true"}, true},
		{map[string]any{MetaEnabled: 1.0}, true},
	}
	for _, tc := range cases {
		if got := (Chunk{Metadata: tc.meta}).Enabled(); got != tc.want {
			t.Fatalf("Enabled(%v) = %v, want %v", tc.meta, got, tc.want)
		}
	}
}

func TestConflictKeysAreOrderIndependent(t *testing.T) {
	a := ConflictID([]string{"doc_b_paragraph_1", "doc_a_paragraph_2"})
	b := ConflictID([]string{"doc_a_paragraph_2", "doc_b_paragraph_1"})
	if a != b || a != "doc_a_paragraph_2_doc_b_paragraph_1" {
		t.Fatalf("conflict ids differ: %q vs %q", a, b)
	}
	if got := ConflictKey(ConflictContent, []string{"x_paragraph_1"}); got != "content_x_paragraph_1" {
		t.Fatalf("content key = %q", got)
	}
	if got := OwnerDocID("doc_20250101_paragraph_3"); got != "doc_20250101" {
		t.Fatalf("owner = %q", got)
	}
}

func TestVerdictSeverityPicksHighest(t *testing.T) {
	v := Verdict{Contradictions: []Contradiction{{Severity: SeverityLow}, {Severity: SeverityHigh}}}
	if v.Severity() != SeverityHigh {
		t.Fatalf("severity = %q, want high", v.Severity())
	}
	if (Verdict{}).Severity() != SeverityMedium {
		t.Fatalf("empty verdict severity should default to medium")
	}
}
