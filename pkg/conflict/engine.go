// Package conflict detects contradictions in and between document chunks,
// keeps the per-document conflict payload current, and schedules analysis
// work in the background.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"
	"kmsai/pkg/ai"
	"kmsai/pkg/cache"
	"kmsai/pkg/chunkstore"
	"kmsai/pkg/dedup"
	"kmsai/pkg/domain"
	"kmsai/pkg/store"
)

type EngineConfig struct {
	// Parallelism bounds concurrent classifier calls within one run.
	Parallelism  int
	CacheSize    int
	CacheTTL     time.Duration
	RelatedLimit int
	Now          func() time.Time
}

// Cooldown reports documents that automatic runs must leave alone.
type Cooldown interface {
	Cooling(docID string) bool
	Release(docID string)
}

// Scheduler queues a background document analysis.
type Scheduler interface {
	SubmitDocument(docID string, priority int) (string, error)
}

// Archive removes the stored raw text of a deleted document.
type Archive interface {
	Delete(ctx context.Context, key string) error
}

// Engine runs the content, internal and external passes for a document.
type Engine struct {
	docs       store.Store
	chunks     chunkstore.Store
	owners     *chunkstore.Resolver
	classifier ai.Classifier
	syncer     *dedup.Syncer
	cfg        EngineConfig

	verdicts *cache.Cache[string, domain.Verdict]
	latest   *cache.Cache[string, domain.ConflictInfo]
	guard    *Guard

	cooldown  Cooldown
	scheduler Scheduler
	archive   Archive

	// foldMu serializes read-modify-write of other documents' payloads.
	foldMu sync.Mutex
}

func NewEngine(docs store.Store, chunks chunkstore.Store, classifier ai.Classifier, cfg EngineConfig) *Engine {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 5000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.RelatedLimit <= 0 {
		cfg.RelatedLimit = 10
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		docs:       docs,
		chunks:     chunks,
		owners:     chunkstore.NewResolver(chunks, docs),
		classifier: classifier,
		syncer:     dedup.NewSyncer(docs, chunks),
		cfg:        cfg,
		verdicts:   cache.New[string, domain.Verdict](cfg.CacheSize, cfg.CacheTTL, cache.DefaultKeepRatio),
		latest:     cache.New[string, domain.ConflictInfo](1000, cfg.CacheTTL, cache.DefaultKeepRatio),
		guard:      NewGuard(),
	}
}

func (e *Engine) SetCooldown(c Cooldown) { e.cooldown = c }

func (e *Engine) SetScheduler(s Scheduler) { e.scheduler = s }

func (e *Engine) SetArchive(a Archive) { e.archive = a }

func (e *Engine) Syncer() *dedup.Syncer { return e.syncer }

func (e *Engine) Owners() *chunkstore.Resolver { return e.owners }

// Analyze runs a full analysis of docID and writes the aggregate. If the
// document is already being analyzed the latest known payload is returned
// with ErrAnalysisInProgress.
func (e *Engine) Analyze(ctx context.Context, docID string) (domain.ConflictInfo, error) {
	if e.cooldown != nil && e.cooldown.Cooling(docID) {
		return e.knownResult(ctx, docID), ErrCoolingDown
	}
	if !e.guard.TryAcquire(docID) {
		return e.knownResult(ctx, docID), ErrAnalysisInProgress
	}
	defer e.guard.Release(docID)

	doc, ok, err := e.docs.GetDocument(ctx, docID)
	if err != nil {
		return domain.ConflictInfo{}, fmt.Errorf("load document: %w", err)
	}
	if !ok {
		return domain.ConflictInfo{}, store.ErrDocumentNotFound
	}
	err = e.docs.UpdateDocumentStatus(ctx, docID, domain.DocumentPatch{
		ConflictAnalysisStatus: domain.Ptr(domain.AnalysisAnalyzing),
		ConflictStatus:         domain.Ptr(domain.ConflictAnalyzing),
	})
	if err != nil {
		return domain.ConflictInfo{}, fmt.Errorf("mark analyzing: %w", err)
	}

	started := time.Now()
	info, err := e.run(ctx, doc)
	if err != nil {
		e.markFailed(ctx, docID, err)
		return domain.ConflictInfo{}, err
	}
	e.latest.Add(docID, info)
	slog.Info("conflict analysis finished", "doc_id", docID, "conflicts", info.Count(),
		"errors", len(info.AnalysisErrors), "duration", time.Since(started).String())
	return info, nil
}

// Reanalyze is a user-initiated run; it clears any watchdog cooldown first.
func (e *Engine) Reanalyze(ctx context.Context, docID string) (domain.ConflictInfo, error) {
	if e.cooldown != nil {
		e.cooldown.Release(docID)
	}
	return e.Analyze(ctx, docID)
}

// Running reports whether docID is being analyzed by this process.
func (e *Engine) Running(docID string) bool {
	return e.guard.Held(docID)
}

func (e *Engine) knownResult(ctx context.Context, docID string) domain.ConflictInfo {
	if info, ok := e.latest.Get(docID); ok {
		return info
	}
	doc, ok, err := e.docs.GetDocument(ctx, docID)
	if err != nil || !ok {
		return domain.ConflictInfo{}
	}
	return doc.ConflictInfo
}

func (e *Engine) markFailed(ctx context.Context, docID string, cause error) {
	slog.Error("conflict analysis failed", "doc_id", docID, "err", cause)
	err := e.docs.UpdateDocumentStatus(context.WithoutCancel(ctx), docID, domain.DocumentPatch{
		ConflictAnalysisStatus: domain.Ptr(domain.AnalysisFailed),
		ConflictStatus:         domain.Ptr(domain.ConflictNotAnalyzed),
		ErrorMessage:           domain.Ptr("Lỗi phân tích xung đột: " + cause.Error()),
	})
	if err != nil {
		slog.Error("mark analysis failed", "doc_id", docID, "err", err)
	}
}

func (e *Engine) run(ctx context.Context, doc domain.Document) (domain.ConflictInfo, error) {
	chunks, owner, err := e.owners.EnabledChunksFor(ctx, doc.ID)
	if err != nil {
		return domain.ConflictInfo{}, fmt.Errorf("load chunks: %w", err)
	}
	related, err := e.relatedDocs(ctx, doc, owner)
	if err != nil {
		return domain.ConflictInfo{}, err
	}

	r := newRun(e, doc.ID)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallelism)
	for _, c := range chunks {
		g.Go(func() error { return r.checkContent(gctx, c) })
	}
	for i := range chunks {
		for j := i + 1; j < len(chunks); j++ {
			a, b := chunks[i], chunks[j]
			g.Go(func() error { return r.checkPair(gctx, domain.ConflictInternal, a, b, "") })
		}
	}
	for _, rel := range related {
		for _, a := range chunks {
			for _, b := range rel.chunks {
				if a.ID == b.ID {
					continue
				}
				g.Go(func() error { return r.checkPair(gctx, domain.ConflictExternal, a, b, rel.docID) })
			}
		}
	}
	if err := g.Wait(); err != nil {
		return domain.ConflictInfo{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.ConflictInfo{}, err
	}

	merged, err := e.syncer.Merge(ctx, []domain.Document{{ID: doc.ID, ConflictInfo: r.info()}}, []string{doc.ID})
	if err != nil {
		return domain.ConflictInfo{}, err
	}
	has := !merged.Empty()
	now := e.cfg.Now()
	err = e.docs.UpdateDocumentStatus(ctx, doc.ID, domain.DocumentPatch{
		ConflictInfo:            &merged,
		HasConflicts:            domain.Ptr(has),
		ConflictStatus:          domain.Ptr(domain.StatusForConflicts(has)),
		ConflictAnalysisStatus:  domain.Ptr(domain.AnalysisAnalyzed),
		LastConflictCheck:       &now,
		NeedsConflictReanalysis: domain.Ptr(false),
	})
	if err != nil {
		return domain.ConflictInfo{}, fmt.Errorf("write conflict payload: %w", err)
	}

	if err := e.foldExternal(ctx, r.external); err != nil {
		slog.Warn("propagate external conflicts", "doc_id", doc.ID, "err", err)
	}
	if doc.InGroup() {
		synced, err := e.syncer.SyncGroup(ctx, doc.DuplicateGroupID)
		if err != nil {
			return domain.ConflictInfo{}, fmt.Errorf("sync group: %w", err)
		}
		return synced, nil
	}
	return merged, nil
}

type relatedDoc struct {
	docID  string
	chunks []domain.Chunk
}

// relatedDocs returns the other group members, or a bounded sample of other
// chunked documents. Documents sharing doc's chunk owner are skipped.
func (e *Engine) relatedDocs(ctx context.Context, doc domain.Document, owner string) ([]relatedDoc, error) {
	var candidates []domain.Document
	var err error
	if doc.InGroup() {
		candidates, err = e.docs.ListDocumentsInGroup(ctx, doc.DuplicateGroupID)
	} else {
		candidates, err = e.docs.ListChunkedDocuments(ctx, doc.ID, e.cfg.RelatedLimit)
	}
	if err != nil {
		return nil, fmt.Errorf("list related documents: %w", err)
	}
	seen := map[string]bool{owner: true}
	var out []relatedDoc
	for _, c := range candidates {
		if c.ID == doc.ID {
			continue
		}
		chunks, relOwner, err := e.owners.EnabledChunksFor(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("load chunks of %s: %w", c.ID, err)
		}
		if seen[relOwner] || len(chunks) == 0 {
			continue
		}
		seen[relOwner] = true
		out = append(out, relatedDoc{docID: c.ID, chunks: chunks})
	}
	return out, nil
}

// classify consults the verdict cache, then the open conflict records, then
// the classifier. Classifier failures come back as a verdict with Error set.
func (e *Engine) classify(ctx context.Context, t domain.ConflictType, ids []string, textA, textB string) (domain.Verdict, error) {
	key := verdictKey(t, ids, textA, textB)
	if v, ok := e.verdicts.Get(key); ok {
		return v, nil
	}
	rec, found, err := e.docs.FindUnresolvedConflict(ctx, t, ids)
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("lookup conflict record: %w", err)
	}
	if found {
		v := verdictFromRecord(rec)
		e.verdicts.Add(key, v)
		return v, nil
	}
	v, err := e.classifier.Classify(ctx, ai.Request{Mode: t, TextA: textA, TextB: textB})
	if err != nil {
		return domain.Verdict{HasConflict: false, ConflictType: t, Error: "Lỗi khi phân tích: " + err.Error()}, nil
	}
	if v.Error == "" {
		e.verdicts.Add(key, v)
	}
	return v, nil
}

// verdictKey is type_sortedIDs plus a hash of the compared text. Content
// verdicts are keyed by text alone so identical paragraphs share a result.
func verdictKey(t domain.ConflictType, ids []string, textA, textB string) string {
	if t == domain.ConflictContent {
		return string(t) + "_" + strconv.FormatUint(xxh3.HashString(textA), 16)
	}
	h := xxh3.HashString(textA) ^ (xxh3.HashString(textB) * 31)
	return domain.ConflictKey(t, ids) + ":" + strconv.FormatUint(h, 16)
}

func verdictFromRecord(rec domain.ConflictRecord) domain.Verdict {
	return domain.Verdict{
		HasConflict:      true,
		Explanation:      rec.Explanation,
		ConflictingParts: append([]string(nil), rec.ConflictingParts...),
		Contradictions: []domain.Contradiction{{
			ID:               1,
			Description:      rec.Explanation,
			Explanation:      rec.Explanation,
			ConflictingParts: append([]string(nil), rec.ConflictingParts...),
			Severity:         rec.Severity,
		}},
		ConflictType: rec.Type,
	}
}

// persist upserts the record for a positive verdict.
func (e *Engine) persist(ctx context.Context, t domain.ConflictType, docID, relatedDocID string, ids []string, v domain.Verdict) (domain.ConflictRecord, error) {
	rec, err := e.docs.UpsertConflictRecord(ctx, domain.ConflictRecord{
		DocID:            docID,
		RelatedDocID:     relatedDocID,
		ChunkIDs:         ids,
		Type:             t,
		Explanation:      v.Explanation,
		ConflictingParts: v.ConflictingParts,
		Severity:         v.Severity(),
		DetectedAt:       e.cfg.Now(),
	})
	if err != nil {
		return domain.ConflictRecord{}, fmt.Errorf("store %s conflict %v: %w", t, ids, err)
	}
	return rec, nil
}

func (e *Engine) entryFor(rec domain.ConflictRecord, v domain.Verdict) domain.ConflictEntry {
	entry := dedup.EntryFromRecord(rec)
	entry.Contradictions = append([]domain.Contradiction(nil), v.Contradictions...)
	entry.AnalyzedAt = e.cfg.Now()
	return entry
}

// foldExternal adds external entries to the other documents' payloads so
// the conflict is visible from both sides.
func (e *Engine) foldExternal(ctx context.Context, byDoc map[string][]domain.ConflictEntry) error {
	var errs []error
	for otherID, entries := range byDoc {
		if err := e.foldInto(ctx, otherID, entries); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", otherID, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) foldInto(ctx context.Context, docID string, entries []domain.ConflictEntry) error {
	e.foldMu.Lock()
	other, ok, err := e.docs.GetDocument(ctx, docID)
	if err != nil || !ok {
		e.foldMu.Unlock()
		return err
	}
	ci := other.ConflictInfo
	have := map[string]bool{}
	for _, x := range ci.ExternalConflicts {
		have[domain.ConflictKey(domain.ConflictExternal, x.ChunkRefs())] = true
	}
	for _, x := range entries {
		key := domain.ConflictKey(domain.ConflictExternal, x.ChunkRefs())
		if !have[key] {
			have[key] = true
			ci.ExternalConflicts = append(ci.ExternalConflicts, x)
		}
	}
	err = e.docs.UpdateDocumentStatus(ctx, docID, domain.DocumentPatch{
		ConflictInfo:   &ci,
		HasConflicts:   domain.Ptr(true),
		ConflictStatus: domain.Ptr(domain.ConflictPendingReview),
	})
	e.foldMu.Unlock()
	if err != nil {
		return err
	}
	if other.InGroup() {
		_, err = e.syncer.SyncGroup(ctx, other.DuplicateGroupID)
	}
	return err
}

// Refresh recomputes the stored payload of docID from its conflict_info and
// open records, syncing the whole group when it has one.
func (e *Engine) Refresh(ctx context.Context, docID string) (domain.ConflictInfo, error) {
	doc, ok, err := e.docs.GetDocument(ctx, docID)
	if err != nil {
		return domain.ConflictInfo{}, fmt.Errorf("load document: %w", err)
	}
	if !ok {
		return domain.ConflictInfo{}, nil
	}
	if doc.InGroup() {
		return e.syncer.SyncGroup(ctx, doc.DuplicateGroupID)
	}
	merged, err := e.syncer.Merge(ctx, []domain.Document{doc}, []string{doc.ID})
	if err != nil {
		return domain.ConflictInfo{}, err
	}
	has := !merged.Empty()
	err = e.docs.UpdateDocumentStatus(ctx, docID, domain.DocumentPatch{
		ConflictInfo:   &merged,
		HasConflicts:   domain.Ptr(has),
		ConflictStatus: domain.Ptr(domain.StatusForConflicts(has)),
	})
	if err != nil {
		return domain.ConflictInfo{}, fmt.Errorf("write conflict payload: %w", err)
	}
	return merged, nil
}
