package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"kmsai/pkg/ai"
	"kmsai/pkg/domain"
	"kmsai/pkg/pipeline"
	"kmsai/pkg/queue"
	"kmsai/pkg/store"
)

// ErrInvalidInput is returned for malformed requests.
var ErrInvalidInput = errors.New("invalid input")

// Request is the body of /process_doc.
type Request struct {
	DocID         string                `json:"doc_id"`
	DuplicateInfo *domain.DuplicateInfo `json:"duplicate_info,omitempty"`
}

// Outcome reports what Enqueue did with a request.
type Outcome struct {
	Status  string `json:"status"`
	JobID   string `json:"job_id,omitempty"`
	Message string `json:"message,omitempty"`
}

const (
	OutcomeQueued        = "queued"
	OutcomeAlreadyQueued = "already_queued"
	OutcomeDuplicate     = "duplicate"
	OutcomeChunked       = "already_chunked"
)

// Enqueue accepts a document for chunking. A duplicate whose group
// original already carries chunks is settled on the spot.
func (a *App) Enqueue(ctx context.Context, req Request) (Outcome, error) {
	req.DocID = strings.TrimSpace(req.DocID)
	if req.DocID == "" {
		return Outcome{}, fmt.Errorf("%w: doc_id is required", ErrInvalidInput)
	}
	doc, ok, err := a.docs.GetDocument(ctx, req.DocID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, ErrNotFound
	}
	if original := chunkOwner(doc, req.DuplicateInfo); original != "" {
		msg := "Using chunks from original document: " + original
		if err := a.docs.UpdateDocumentStatus(ctx, doc.ID, domain.DocumentPatch{
			ProcessingStatus: domain.Ptr(domain.ProcessingDuplicate),
			ChunkStatus:      domain.Ptr(domain.ChunkNotRequired),
			ErrorMessage:     domain.Ptr(""),
		}); err != nil {
			return Outcome{}, fmt.Errorf("mark duplicate: %w", err)
		}
		slog.Info("duplicate needs no chunks", "doc_id", doc.ID, "original", original)
		return Outcome{Status: OutcomeDuplicate, Message: msg}, nil
	}
	if doc.ChunkStatus == domain.ChunkChunked {
		return Outcome{Status: OutcomeChunked, Message: "Document already chunked"}, nil
	}

	job := queue.Job{DocID: doc.ID}
	if req.DuplicateInfo != nil {
		job.Payload, err = json.Marshal(req.DuplicateInfo)
		if err != nil {
			return Outcome{}, fmt.Errorf("encode duplicate info: %w", err)
		}
	}
	job, err = a.queue.Enqueue(ctx, job)
	if errors.Is(err, queue.ErrAlreadyQueued) {
		return Outcome{Status: OutcomeAlreadyQueued}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("enqueue chunking: %w", err)
	}
	if err := a.docs.UpdateDocumentStatus(ctx, doc.ID, domain.DocumentPatch{
		ChunkStatus: domain.Ptr(domain.ChunkQueued),
	}); err != nil {
		return Outcome{}, fmt.Errorf("mark queued: %w", err)
	}
	return Outcome{Status: OutcomeQueued, JobID: job.ID}, nil
}

// chunkOwner returns the document whose chunks stand in for doc, or "" when
// doc must be chunked itself.
func chunkOwner(doc domain.Document, info *domain.DuplicateInfo) string {
	if info != nil && info.HasChunks && info.OriginalDocID != "" && info.OriginalDocID != doc.ID {
		return info.OriginalDocID
	}
	if doc.IsDuplicate && doc.OriginalChunkedDoc != "" && doc.OriginalChunkedDoc != doc.ID {
		return doc.OriginalChunkedDoc
	}
	return ""
}

// process is the chunking stage: replace the document's chunks with a
// fresh split of its content.
func (a *App) process(ctx context.Context, job queue.Job) error {
	doc, ok, err := a.docs.GetDocument(ctx, job.DocID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if !ok {
		slog.Warn("chunk job for missing document", "doc_id", job.DocID)
		return pipeline.ErrSkip
	}
	if !doc.IsValid || doc.ChunkStatus == domain.ChunkChunked {
		return pipeline.ErrSkip
	}
	var info *domain.DuplicateInfo
	if len(job.Payload) > 0 {
		info = &domain.DuplicateInfo{}
		if err := json.Unmarshal(job.Payload, info); err != nil {
			slog.Warn("ignore malformed duplicate info", "doc_id", doc.ID, "err", err)
			info = nil
		}
	}
	if chunkOwner(doc, info) != "" {
		return pipeline.ErrSkip
	}

	if err := a.docs.UpdateDocumentStatus(ctx, doc.ID, domain.DocumentPatch{
		ProcessingStatus: domain.Ptr(domain.ProcessingProcessing),
		ChunkStatus:      domain.Ptr(domain.ChunkChunking),
	}); err != nil {
		return fmt.Errorf("mark chunking: %w", err)
	}
	if strings.TrimSpace(doc.Content) == "" {
		return ai.ErrEmptyContent
	}
	if err := a.chunks.DeleteChunksByDocument(ctx, doc.ID); err != nil {
		return fmt.Errorf("clear old chunks: %w", err)
	}
	drafts, err := a.chunker.Chunk(ctx, doc.Content, doc.Unit)
	if err != nil {
		return err
	}
	chunks, err := a.chunks.AddChunks(ctx, doc.ID, doc.Unit, drafts, info)
	if err != nil {
		return fmt.Errorf("store chunks: %w", err)
	}
	if err := a.docs.UpdateDocumentStatus(ctx, doc.ID, domain.DocumentPatch{
		ProcessingStatus:       domain.Ptr(domain.ProcessingProcessed),
		ChunkStatus:            domain.Ptr(domain.ChunkChunked),
		ConflictAnalysisStatus: domain.Ptr(domain.AnalysisNotAnalyzed),
		ErrorMessage:           domain.Ptr(""),
	}); err != nil {
		return fmt.Errorf("mark chunked: %w", err)
	}
	slog.Info("document chunked", "doc_id", doc.ID, "chunks", len(chunks))
	a.scanner.Notify(ctx, Callback{DocID: doc.ID, ChunkStatus: domain.CallbackSuccess})
	return nil
}

func (a *App) chunkingFailed(ctx context.Context, job queue.Job, cause error) error {
	err := a.docs.UpdateDocumentStatus(ctx, job.DocID, domain.DocumentPatch{
		ProcessingStatus: domain.Ptr(domain.ProcessingFailed),
		ChunkStatus:      domain.Ptr(domain.ChunkChunkingFailed),
		ErrorMessage:     domain.Ptr(cause.Error()),
	})
	if errors.Is(err, store.ErrDocumentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	a.scanner.Notify(ctx, Callback{DocID: job.DocID, ChunkStatus: domain.CallbackFailed, ErrorMessage: cause.Error()})
	return nil
}

// RequeueStale queues documents stuck in Chunking or Processing longer
// than the stale window, typically left by a crashed worker.
func (a *App) RequeueStale(ctx context.Context) ([]string, error) {
	docs, err := a.docs.ListDocumentsByChunkStatus(ctx, []domain.ChunkStatus{domain.ChunkChunking, domain.ChunkProcessing})
	if err != nil {
		return nil, fmt.Errorf("list chunking documents: %w", err)
	}
	cutoff := a.now().Add(-a.staleAfter)
	var requeued []string
	for _, doc := range docs {
		if !doc.IsValid || doc.ModifiedDate.After(cutoff) {
			continue
		}
		if _, err := a.queue.EnqueueDoc(ctx, doc.ID); err != nil {
			if !errors.Is(err, queue.ErrAlreadyQueued) {
				slog.Warn("requeue stale document", "doc_id", doc.ID, "err", err)
			}
			continue
		}
		if err := a.docs.UpdateDocumentStatus(ctx, doc.ID, domain.DocumentPatch{
			ChunkStatus: domain.Ptr(domain.ChunkQueued),
		}); err != nil {
			slog.Warn("mark stale document queued", "doc_id", doc.ID, "err", err)
		}
		requeued = append(requeued, doc.ID)
	}
	return requeued, nil
}

// ReprocessFailed clears the chunk failure state of every valid document
// whose chunking failed and queues it again.
func (a *App) ReprocessFailed(ctx context.Context) ([]string, error) {
	docs, err := a.docs.ListDocumentsByChunkStatus(ctx, []domain.ChunkStatus{domain.ChunkChunkingFailed, domain.ChunkFailed})
	if err != nil {
		return nil, fmt.Errorf("list failed documents: %w", err)
	}
	var queued []string
	for _, doc := range docs {
		if !doc.IsValid {
			continue
		}
		if err := a.docs.ResetFailureCounts(ctx, doc.ID); err != nil {
			slog.Warn("reset failure counts", "doc_id", doc.ID, "err", err)
			continue
		}
		if _, err := a.queue.EnqueueDoc(ctx, doc.ID); err != nil && !errors.Is(err, queue.ErrAlreadyQueued) {
			slog.Warn("requeue failed document", "doc_id", doc.ID, "err", err)
			continue
		}
		if err := a.docs.UpdateDocumentStatus(ctx, doc.ID, domain.DocumentPatch{
			ProcessingStatus: domain.Ptr(domain.ProcessingPending),
			ChunkStatus:      domain.Ptr(domain.ChunkQueued),
			ErrorMessage:     domain.Ptr(""),
		}); err != nil {
			slog.Warn("mark failed document queued", "doc_id", doc.ID, "err", err)
			continue
		}
		queued = append(queued, doc.ID)
	}
	return queued, nil
}
