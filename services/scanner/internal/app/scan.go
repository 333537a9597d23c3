package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"kmsai/pkg/conflict"
	"kmsai/pkg/domain"
	"kmsai/pkg/pipeline"
	"kmsai/pkg/queue"
	"kmsai/pkg/store"
)

// HandOffFailed is recorded when the processor could not be reached.
const HandOffFailed = "Failed to send to processor"

var errEmptyContent = errors.New("document content is empty")

// scan is the scan stage: mark the document Scanning, resolve duplicates,
// and hand the chunk owner to the processor when it still needs chunks.
func (a *App) scan(ctx context.Context, job queue.Job) error {
	doc, ok, err := a.docs.GetDocument(ctx, job.DocID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if !ok {
		slog.Warn("scan job for missing document", "doc_id", job.DocID)
		return pipeline.ErrSkip
	}
	if !doc.IsValid {
		slog.Info("skip scan of invalid document", "doc_id", doc.ID)
		return pipeline.ErrSkip
	}
	if err := a.docs.UpdateDocumentStatus(ctx, doc.ID, domain.DocumentPatch{
		ProcessingStatus: domain.Ptr(domain.ProcessingScanning),
		ScanStatus:       domain.Ptr(domain.ScanScanning),
	}); err != nil {
		return fmt.Errorf("mark scanning: %w", err)
	}
	if strings.TrimSpace(doc.Content) == "" {
		return errEmptyContent
	}

	out, err := a.resolver.Resolve(ctx, doc)
	if err != nil {
		return fmt.Errorf("resolve duplicates: %w", err)
	}
	slog.Info("document scanned", "doc_id", doc.ID, "duplicate", out.IsDuplicate, "group_id", out.GroupID,
		"canonical", out.Canonical, "similarity", out.BestSimilarity)

	if out.NeedsChunking {
		a.handOff(ctx, out.Canonical, out.Info)
		return nil
	}
	// The group's chunks already exist; the newcomer only needs the
	// group's conflict view.
	if out.GroupID != "" {
		if _, err := a.engine.Syncer().SyncGroup(ctx, out.GroupID); err != nil {
			slog.Warn("sync group after scan", "doc_id", doc.ID, "group_id", out.GroupID, "err", err)
		}
	}
	return nil
}

// handOff sends docID to the processor. A processor that stays unreachable
// after all attempts fails the document outright.
func (a *App) handOff(ctx context.Context, docID string, info *domain.DuplicateInfo) {
	err := a.processor.Process(ctx, ProcessRequest{DocID: docID, DuplicateInfo: info})
	if err == nil {
		return
	}
	slog.Error("hand-off to processor failed", "doc_id", docID, "err", err)
	if err := a.docs.UpdateDocumentStatus(context.WithoutCancel(ctx), docID, domain.DocumentPatch{
		ProcessingStatus: domain.Ptr(domain.ProcessingFailed),
		ChunkStatus:      domain.Ptr(domain.ChunkFailed),
		ErrorMessage:     domain.Ptr(HandOffFailed),
	}); err != nil {
		slog.Error("record hand-off failure", "doc_id", docID, "err", err)
	}
}

func (a *App) scanFailed(ctx context.Context, job queue.Job, cause error) error {
	err := a.docs.UpdateDocumentStatus(ctx, job.DocID, domain.DocumentPatch{
		ProcessingStatus: domain.Ptr(domain.ProcessingFailed),
		ScanStatus:       domain.Ptr(domain.ScanFailed),
		ErrorMessage:     domain.Ptr(cause.Error()),
	})
	if errors.Is(err, store.ErrDocumentNotFound) {
		return nil
	}
	return err
}

// ScanDocument queues docID for scanning. A document already waiting is
// not queued twice.
func (a *App) ScanDocument(ctx context.Context, docID string) (string, error) {
	doc, ok, err := a.docs.GetDocument(ctx, docID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotFound
	}
	job, err := a.scanQueue.EnqueueDoc(ctx, doc.ID)
	if errors.Is(err, queue.ErrAlreadyQueued) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("enqueue scan: %w", err)
	}
	if err := a.docs.UpdateDocumentStatus(ctx, doc.ID, domain.DocumentPatch{
		ProcessingStatus: domain.Ptr(domain.ProcessingQueued),
		ScanStatus:       domain.Ptr(domain.ScanQueued),
	}); err != nil {
		return job.ID, fmt.Errorf("mark queued: %w", err)
	}
	return job.ID, nil
}

// Sweep queues every document the scanner still owes a scan.
func (a *App) Sweep(ctx context.Context) ([]string, error) {
	docs, err := a.docs.ListDocumentsToScan(ctx, a.maxRetries, a.staleScanAfter)
	if err != nil {
		return nil, fmt.Errorf("list documents to scan: %w", err)
	}
	var queued []string
	for _, doc := range docs {
		if _, err := a.ScanDocument(ctx, doc.ID); err != nil {
			if !errors.Is(err, queue.ErrAlreadyQueued) {
				slog.Warn("sweep enqueue failed", "doc_id", doc.ID, "err", err)
			}
			continue
		}
		queued = append(queued, doc.ID)
	}
	return queued, nil
}

func (a *App) sweepLogged(ctx context.Context) {
	queued, err := a.Sweep(ctx)
	if err != nil {
		slog.Error("scan sweep failed", "err", err)
		return
	}
	if len(queued) > 0 {
		slog.Info("scan sweep queued documents", "count", len(queued))
	}
}

// RescanFailed clears the failure state of every failed valid document and
// queues it again.
func (a *App) RescanFailed(ctx context.Context) ([]string, error) {
	docs, err := a.docs.ListDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	var queued []string
	for _, doc := range docs {
		failed := doc.ProcessingStatus == domain.ProcessingFailed ||
			doc.ScanStatus == domain.ScanFailed ||
			doc.ChunkStatus == domain.ChunkChunkingFailed
		if !doc.IsValid || !failed {
			continue
		}
		if err := a.docs.ResetFailureCounts(ctx, doc.ID); err != nil {
			slog.Warn("reset failure counts", "doc_id", doc.ID, "err", err)
			continue
		}
		if err := a.docs.UpdateDocumentStatus(ctx, doc.ID, domain.DocumentPatch{
			ScanStatus:   domain.Ptr(domain.ScanPending),
			ChunkStatus:  domain.Ptr(domain.ChunkPending),
			ErrorMessage: domain.Ptr(""),
		}); err != nil {
			slog.Warn("reset failed document", "doc_id", doc.ID, "err", err)
			continue
		}
		if _, err := a.ScanDocument(ctx, doc.ID); err != nil && !errors.Is(err, queue.ErrAlreadyQueued) {
			slog.Warn("requeue failed document", "doc_id", doc.ID, "err", err)
			continue
		}
		queued = append(queued, doc.ID)
	}
	return queued, nil
}

// PollAnalysis schedules analysis for chunked documents that were never
// analyzed or whose analysis was invalidated. Documents held by the
// watchdog are left for the next cycle.
func (a *App) PollAnalysis(ctx context.Context) ([]string, error) {
	docs, err := a.docs.ListDocumentsByChunkStatus(ctx, []domain.ChunkStatus{domain.ChunkChunked})
	if err != nil {
		return nil, fmt.Errorf("list chunked documents: %w", err)
	}
	var scheduled []string
	for _, doc := range docs {
		due := doc.NeedsConflictReanalysis ||
			doc.ConflictAnalysisStatus == domain.AnalysisNotAnalyzed ||
			doc.ConflictAnalysisStatus == domain.AnalysisInvalidated
		if !due || a.watchdog.Cooling(doc.ID) || a.engine.Running(doc.ID) {
			continue
		}
		if _, err := a.async.SubmitDocument(doc.ID, conflict.DefaultPriority); err != nil {
			if errors.Is(err, conflict.ErrQueueFull) {
				return scheduled, err
			}
			slog.Warn("schedule analysis", "doc_id", doc.ID, "err", err)
			continue
		}
		scheduled = append(scheduled, doc.ID)
	}
	return scheduled, nil
}

func (a *App) pollAnalysisLogged(ctx context.Context) {
	scheduled, err := a.PollAnalysis(ctx)
	if err != nil {
		slog.Warn("analysis poll", "scheduled", len(scheduled), "err", err)
		return
	}
	if len(scheduled) > 0 {
		slog.Info("analysis poll scheduled documents", "count", len(scheduled))
	}
}
