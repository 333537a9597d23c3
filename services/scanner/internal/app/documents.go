package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"kmsai/internal/util"
	"kmsai/pkg/conflict"
	"kmsai/pkg/domain"
	"kmsai/pkg/queue"
	"kmsai/pkg/storage"
	"kmsai/pkg/store"
)

// ErrInvalidInput marks caller mistakes the server reports as 400.
var ErrInvalidInput = errors.New("invalid input")

// Submission is a new document as posted by a client.
type Submission struct {
	Content    string     `json:"content"`
	Unit       string     `json:"unit"`
	Sender     string     `json:"sender"`
	Categories []string   `json:"categories"`
	Tags       []string   `json:"tags"`
	StartDate  *time.Time `json:"start_date"`
	EndDate    *time.Time `json:"end_date"`
}

// Submit creates a pending document, archives its raw text and queues the
// scan.
func (a *App) Submit(ctx context.Context, sub Submission) (domain.Document, error) {
	if strings.TrimSpace(sub.Content) == "" {
		return domain.Document{}, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	if sub.StartDate != nil && sub.EndDate != nil && sub.EndDate.Before(*sub.StartDate) {
		return domain.Document{}, fmt.Errorf("%w: end_date is before start_date", ErrInvalidInput)
	}
	now := a.now().UTC()
	doc := domain.Document{
		ID:                     util.NewDocumentID(now),
		Content:                sub.Content,
		Unit:                   strings.TrimSpace(sub.Unit),
		Sender:                 strings.TrimSpace(sub.Sender),
		Categories:             sub.Categories,
		Tags:                   sub.Tags,
		StartDate:              sub.StartDate,
		EndDate:                sub.EndDate,
		IsValid:                true,
		ProcessingStatus:       domain.ProcessingPending,
		ScanStatus:             domain.ScanPending,
		ChunkStatus:            domain.ChunkPending,
		ApprovalStatus:         domain.ApprovalPending,
		ConflictAnalysisStatus: domain.AnalysisNotAnalyzed,
		ConflictStatus:         domain.ConflictNone,
		CreatedDate:            now,
		ModifiedDate:           now,
	}
	if a.archive != nil {
		key := storage.KeyFor(doc.ID, now)
		if err := a.archive.PutText(ctx, key, doc.Content); err != nil {
			slog.Warn("archive raw text", "doc_id", doc.ID, "err", err)
		} else {
			doc.ArchiveKey = key
		}
	}
	if err := a.docs.CreateDocument(ctx, doc); err != nil {
		return domain.Document{}, fmt.Errorf("create document: %w", err)
	}
	if _, err := a.ScanDocument(ctx, doc.ID); err != nil && !errors.Is(err, queue.ErrAlreadyQueued) {
		// The hourly sweep picks the document up later.
		slog.Warn("queue scan of new document", "doc_id", doc.ID, "err", err)
	} else if err == nil {
		doc.ProcessingStatus = domain.ProcessingQueued
		doc.ScanStatus = domain.ScanQueued
	}
	slog.Info("document submitted", "doc_id", doc.ID, "unit", doc.Unit)
	return doc, nil
}

// DocumentStatus is the status view of a document.
type DocumentStatus struct {
	domain.Document
	RawURL string `json:"rawUrl,omitempty"`
}

// Status returns the document's status fields and, when archived, a short
// lived link to its raw text.
func (a *App) Status(ctx context.Context, docID string) (DocumentStatus, error) {
	doc, ok, err := a.docs.GetDocument(ctx, docID)
	if err != nil {
		return DocumentStatus{}, err
	}
	if !ok {
		return DocumentStatus{}, ErrNotFound
	}
	out := DocumentStatus{Document: doc}
	out.Content = ""
	if a.archive != nil && doc.ArchiveKey != "" {
		if url, err := a.archive.PresignGet(ctx, doc.ArchiveKey, 15*time.Minute); err == nil {
			out.RawURL = url
		}
	}
	return out, nil
}

// Approve records a reviewer's approval.
func (a *App) Approve(ctx context.Context, docID, approver string) error {
	return a.review(ctx, docID, approver, domain.ApprovalApproved)
}

// Reject records a reviewer's rejection.
func (a *App) Reject(ctx context.Context, docID, approver string) error {
	return a.review(ctx, docID, approver, domain.ApprovalRejected)
}

func (a *App) review(ctx context.Context, docID, approver string, status domain.ApprovalStatus) error {
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return fmt.Errorf("%w: approver is required", ErrInvalidInput)
	}
	patch := domain.DocumentPatch{
		ApprovalStatus: domain.Ptr(status),
		Approver:       domain.Ptr(approver),
		ApprovalDate:   domain.Ptr(a.now().UTC()),
	}
	if status == domain.ApprovalApproved {
		patch.ProcessingStatus = domain.Ptr(domain.ProcessingProcessed)
	}
	err := a.docs.UpdateDocumentStatus(ctx, docID, patch)
	if errors.Is(err, store.ErrDocumentNotFound) {
		return ErrNotFound
	}
	return err
}

// Delete removes a document with its cascade. A new group canonical that
// inherited no chunks is handed to the processor.
func (a *App) Delete(ctx context.Context, docID string) (conflict.DeleteResult, error) {
	res, err := a.engine.DeleteDocument(ctx, docID)
	if errors.Is(err, store.ErrDocumentNotFound) {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}
	// The new canonical has no chunks; a rescan resolves the group again
	// and hands it to the processor from a scan worker.
	if res.NeedsChunking && res.NewCanonical != "" {
		if _, err := a.ScanDocument(ctx, res.NewCanonical); err != nil && !errors.Is(err, queue.ErrAlreadyQueued) {
			slog.Warn("queue new canonical", "doc_id", res.NewCanonical, "err", err)
		}
	}
	slog.Info("document deleted", "doc_id", docID, "new_canonical", res.NewCanonical, "resolved", res.ResolvedRecords)
	return res, nil
}

// ChunkCallback is the processor's report on a chunking run.
type ChunkCallback struct {
	DocID string `json:"doc_id"`
	// ChunkStatus is "success" or "failed". The chunk status names
	// Chunked, ChunkingFailed and Failed are accepted as aliases.
	ChunkStatus  string `json:"chunk_status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// HandleChunkCallback records the processor's outcome. A successful run
// schedules conflict analysis; the engine syncs the rest of the group.
func (a *App) HandleChunkCallback(ctx context.Context, cb ChunkCallback) (string, error) {
	cb.DocID = strings.TrimSpace(cb.DocID)
	if cb.DocID == "" {
		return "", fmt.Errorf("%w: doc_id is required", ErrInvalidInput)
	}
	doc, ok, err := a.docs.GetDocument(ctx, cb.DocID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotFound
	}

	switch callbackOutcome(cb.ChunkStatus) {
	case domain.CallbackSuccess:
		if doc.InGroup() {
			if _, err := a.engine.Syncer().SyncGroup(ctx, doc.DuplicateGroupID); err != nil {
				slog.Warn("sync group after chunking", "doc_id", doc.ID, "group_id", doc.DuplicateGroupID, "err", err)
			}
		}
		taskID, err := a.async.SubmitDocument(doc.ID, conflict.DefaultPriority)
		if err != nil {
			// The analysis poller retries documents left NotAnalyzed.
			slog.Warn("schedule analysis after chunking", "doc_id", doc.ID, "err", err)
			return "", nil
		}
		return taskID, nil
	case domain.CallbackFailed:
		msg := cb.ErrorMessage
		if msg == "" {
			msg = "Chunking failed"
		}
		return "", a.docs.UpdateDocumentStatus(ctx, doc.ID, domain.DocumentPatch{
			ChunkStatus:      domain.Ptr(domain.ChunkChunkingFailed),
			ProcessingStatus: domain.Ptr(domain.ProcessingFailed),
			ErrorMessage:     domain.Ptr(msg),
		})
	default:
		return "", fmt.Errorf("%w: unexpected chunk_status %q", ErrInvalidInput, cb.ChunkStatus)
	}
}

func callbackOutcome(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case domain.CallbackSuccess, strings.ToLower(string(domain.ChunkChunked)):
		return domain.CallbackSuccess
	case domain.CallbackFailed, strings.ToLower(string(domain.ChunkChunkingFailed)), strings.ToLower(string(domain.ChunkFailed)):
		return domain.CallbackFailed
	}
	return ""
}
