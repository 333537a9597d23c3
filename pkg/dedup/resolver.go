// Package dedup decides whether a submitted document is a near-duplicate,
// maintains duplicate groups with exactly one canonical chunk owner, and
// keeps the conflict payload of every group member in sync.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"kmsai/internal/util"
	"kmsai/pkg/chunkstore"
	"kmsai/pkg/domain"
	"kmsai/pkg/store"
)

const (
	LevelUnique    = "Unique"
	LevelDuplicate = "Duplicate"
)

// Match is a candidate at or above the duplicate threshold.
type Match struct {
	Doc        domain.Document
	Similarity float64
}

// Outcome describes what the resolver decided for a scanned document.
type Outcome struct {
	IsDuplicate bool
	GroupID     string
	// Canonical is the document whose chunks the group uses. For a unique
	// document it is the document itself.
	Canonical string
	Members   []string
	// BestSimilarity is the highest ratio seen, duplicate or not.
	BestSimilarity float64
	// NeedsChunking is true when Canonical has no chunks yet and must be
	// handed to the processor.
	NeedsChunking bool
	Info          *domain.DuplicateInfo
}

type ResolverConfig struct {
	Threshold float64
	Now       func() time.Time
}

// Resolver forms duplicate groups.
type Resolver struct {
	docs      store.Store
	chunks    chunkstore.Store
	scorer    *Scorer
	threshold float64
	now       func() time.Time
	// Group formation rewrites several records; scan workers in one
	// process take turns.
	mu sync.Mutex
}

func NewResolver(docs store.Store, chunks chunkstore.Store, scorer *Scorer, cfg ResolverConfig) *Resolver {
	if scorer == nil {
		scorer = NewScorer()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Resolver{docs: docs, chunks: chunks, scorer: scorer, threshold: cfg.Threshold, now: cfg.Now}
}

// FindDuplicates scores doc against every other valid document with content
// and returns the matches at or above the threshold, best first, plus the
// best ratio seen overall.
func (r *Resolver) FindDuplicates(ctx context.Context, doc domain.Document) ([]Match, float64, error) {
	all, err := r.docs.ListDocuments(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list documents: %w", err)
	}
	normDoc := Normalize(doc.Content)
	var matches []Match
	best := 0.0
	for _, cand := range all {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		if cand.ID == doc.ID || !cand.IsValid || strings.TrimSpace(cand.Content) == "" {
			continue
		}
		score, ok := r.safeScore(normDoc, doc.Content, cand)
		if !ok {
			continue
		}
		if score > best {
			best = score
		}
		if score >= r.threshold {
			matches = append(matches, Match{Doc: cand, Similarity: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Doc.ID < matches[j].Doc.ID
	})
	return matches, best, nil
}

// safeScore isolates one candidate so a bad record cannot abort the scan.
func (r *Resolver) safeScore(normDoc, raw string, cand domain.Document) (score float64, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Warn("similarity failed for candidate", "candidate", cand.ID, "panic", rec)
			score, ok = 0, false
		}
	}()
	return r.scorer.ScoreNormalized(normDoc, raw, Normalize(cand.Content), cand.Content), true
}

// Resolve scores doc and records the result: either doc is unique and
// goes to chunking, or it joins (or forms) a duplicate group.
func (r *Resolver) Resolve(ctx context.Context, doc domain.Document) (Outcome, error) {
	matches, best, err := r.FindDuplicates(ctx, doc)
	if err != nil {
		return Outcome{}, err
	}
	if len(matches) == 0 {
		return r.markUnique(ctx, doc, best)
	}
	return r.formGroup(ctx, doc, matches)
}

func (r *Resolver) markUnique(ctx context.Context, doc domain.Document, best float64) (Outcome, error) {
	err := r.docs.UpdateDocumentStatus(ctx, doc.ID, domain.DocumentPatch{
		ProcessingStatus:   domain.Ptr(domain.ProcessingProcessing),
		ScanStatus:         domain.Ptr(domain.ScanCompleted),
		ChunkStatus:        domain.Ptr(domain.ChunkPending),
		IsDuplicate:        domain.Ptr(false),
		SimilarityScore:    domain.Ptr(best),
		SimilarityLevel:    domain.Ptr(LevelUnique),
		DuplicateGroupID:   domain.Ptr(""),
		OriginalChunkedDoc: domain.Ptr(""),
		DuplicateCount:     domain.Ptr(0),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("mark %s unique: %w", doc.ID, err)
	}
	return Outcome{
		Canonical:      doc.ID,
		Members:        []string{doc.ID},
		BestSimilarity: best,
		NeedsChunking:  true,
	}, nil
}

func (r *Resolver) formGroup(ctx context.Context, doc domain.Document, matches []Match) (Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := map[string]domain.Document{doc.ID: doc}
	order := []string{doc.ID}
	add := func(d domain.Document) {
		if _, ok := members[d.ID]; !ok {
			members[d.ID] = d
			order = append(order, d.ID)
		}
	}
	for _, m := range matches {
		add(m.Doc)
	}

	// Reuse the first group id found; members of every group touched are
	// folded into that one.
	groupID := ""
	seenGroups := map[string]bool{}
	for _, id := range append([]string(nil), order...) {
		g := members[id].DuplicateGroupID
		if g == "" || seenGroups[g] {
			continue
		}
		seenGroups[g] = true
		if groupID == "" {
			groupID = g
		}
		mates, err := r.docs.ListDocumentsInGroup(ctx, g)
		if err != nil {
			return Outcome{}, fmt.Errorf("load group %s: %w", g, err)
		}
		for _, mate := range mates {
			add(mate)
		}
	}
	if groupID == "" {
		groupID = util.NewGroupID(r.now())
	}

	all := make([]domain.Document, 0, len(members))
	for _, id := range order {
		all = append(all, members[id])
	}
	canonical := ChooseCanonical(all)

	hasChunks := false
	if canonical.ChunkStatus == domain.ChunkChunked {
		existing, err := r.chunks.GetChunksByDocument(ctx, canonical.ID, 1)
		if err != nil {
			return Outcome{}, fmt.Errorf("check chunks of %s: %w", canonical.ID, err)
		}
		hasChunks = len(existing) > 0
	}

	ids := make([]string, 0, len(all))
	for _, d := range all {
		ids = append(ids, d.ID)
	}
	sort.Strings(ids)
	similarity := matches[0].Similarity
	count := len(ids)

	for _, d := range all {
		patch := domain.DocumentPatch{
			DuplicateGroupID: domain.Ptr(groupID),
			SimilarityScore:  domain.Ptr(similarity),
			SimilarityLevel:  domain.Ptr(LevelDuplicate),
			DuplicateCount:   domain.Ptr(count),
			ScanStatus:       domain.Ptr(domain.ScanCompleted),
		}
		if d.ID == canonical.ID {
			patch.IsDuplicate = domain.Ptr(false)
			patch.OriginalChunkedDoc = domain.Ptr("")
			if hasChunks {
				patch.ProcessingStatus = domain.Ptr(domain.ProcessingProcessed)
				patch.ChunkStatus = domain.Ptr(domain.ChunkChunked)
				patch.DetailedAnalysis = domain.Ptr("Original document with existing chunks")
			} else {
				patch.ProcessingStatus = domain.Ptr(domain.ProcessingProcessing)
				patch.ChunkStatus = domain.Ptr(domain.ChunkPending)
				patch.DetailedAnalysis = domain.Ptr("Original document in group " + groupID)
			}
		} else {
			patch.IsDuplicate = domain.Ptr(true)
			patch.OriginalChunkedDoc = domain.Ptr(canonical.ID)
			patch.ProcessingStatus = domain.Ptr(domain.ProcessingDuplicate)
			patch.ChunkStatus = domain.Ptr(domain.ChunkNotRequired)
			patch.DetailedAnalysis = domain.Ptr("Using chunks from original document: " + canonical.ID)
			if d.ChunkStatus == domain.ChunkChunked {
				slog.Warn("former chunk owner demoted to duplicate", "doc_id", d.ID, "group_id", groupID, "canonical", canonical.ID)
			}
		}
		if err := r.docs.UpdateDocumentStatus(ctx, d.ID, patch); err != nil {
			return Outcome{}, fmt.Errorf("update group member %s: %w", d.ID, err)
		}
	}

	slog.Info("duplicate group formed", "group_id", groupID, "canonical", canonical.ID, "members", count, "doc_id", doc.ID)
	return Outcome{
		IsDuplicate:    doc.ID != canonical.ID,
		GroupID:        groupID,
		Canonical:      canonical.ID,
		Members:        ids,
		BestSimilarity: similarity,
		NeedsChunking:  !hasChunks,
		Info: &domain.DuplicateInfo{
			DuplicateGroupID: groupID,
			DocumentIDs:      ids,
			OriginalDocID:    canonical.ID,
			HasChunks:        hasChunks,
		},
	}, nil
}

// ChooseCanonical prefers a Chunked member, then the earliest created_date,
// then the smallest id.
func ChooseCanonical(members []domain.Document) domain.Document {
	sorted := append([]domain.Document(nil), members...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		ac, bc := a.ChunkStatus == domain.ChunkChunked, b.ChunkStatus == domain.ChunkChunked
		if ac != bc {
			return ac
		}
		if !a.CreatedDate.Equal(b.CreatedDate) {
			return a.CreatedDate.Before(b.CreatedDate)
		}
		return a.ID < b.ID
	})
	return sorted[0]
}
