package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"kmsai/internal/servicetoken"
	"kmsai/internal/util"
	"kmsai/pkg/conflict"
	"kmsai/pkg/domain"
	"kmsai/pkg/queue"
	"kmsai/services/scanner/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// ServiceTokenSecret verifies processor callbacks. Empty disables the
	// check.
	ServiceTokenSecret string
	// TrustedProxies lists proxies whose X-Forwarded-For is believed when
	// keying submission throttling.
	TrustedProxies []string
}

// Server exposes HTTP endpoints for the scanner service.
type Server struct {
	app          *app.App
	internalAuth *servicetoken.Verifier
	trusted      *util.TrustedProxies
	mux          *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	s := &Server{
		app: cfg.App,
		mux: http.NewServeMux(),
	}
	if strings.TrimSpace(cfg.ServiceTokenSecret) != "" {
		verifier, err := servicetoken.NewVerifier(cfg.ServiceTokenSecret, app.ServiceName, []string{"processor"}, servicetoken.DefaultLeeway)
		if err != nil {
			return nil, err
		}
		s.internalAuth = verifier
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	s.trusted = trusted
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.Chain(s.mux,
		util.WithRequestID,
		func(h http.Handler) http.Handler { return util.WithRequestLog("scanner", h) },
		util.WithRecover,
		util.WithAPIHeaders,
	)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/scan_doc", s.handleScanDoc)
	s.mux.Handle("/chunk_callback", servicetoken.Require(s.internalAuth, http.HandlerFunc(s.handleChunkCallback)))
	s.mux.HandleFunc("/rescan_failed", s.handleRescanFailed)
	s.mux.HandleFunc("/documents", s.handleDocuments)
	s.mux.HandleFunc("/documents/", s.handleDocumentByID)
	s.mux.HandleFunc("/groups/", s.handleGroupByID)
	s.mux.HandleFunc("/chunks/", s.handleChunkByID)
	s.mux.HandleFunc("/conflicts/", s.handleConflictByID)
	s.mux.HandleFunc("/conflicts/tasks", s.handleTasks)
	s.mux.HandleFunc("/conflicts/tasks/", s.handleTaskByID)
	s.mux.HandleFunc("/conflicts/stats", s.handleStats)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type docRequest struct {
	DocID string `json:"doc_id"`
}

func (s *Server) handleScanDoc(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req docRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.DocID) == "" {
		writeError(w, http.StatusBadRequest, "doc_id is required")
		return
	}
	if !s.allow(w, r, "scan:"+req.DocID) {
		return
	}
	jobID, err := s.app.ScanDocument(r.Context(), req.DocID)
	if errors.Is(err, queue.ErrAlreadyQueued) {
		writeJSON(w, http.StatusOK, map[string]string{"doc_id": req.DocID, "status": "already_queued"})
		return
	}
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"doc_id": req.DocID, "job_id": jobID, "status": "queued"})
}

func (s *Server) handleChunkCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req app.ChunkCallback
	if !decode(w, r, &req) {
		return
	}
	taskID, err := s.app.HandleChunkCallback(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"doc_id": req.DocID, "analysis_task_id": taskID})
}

func (s *Server) handleRescanFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	queued, err := s.app.RescanFailed(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queued": queued, "count": len(queued)})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allow(w, r, "submit:"+util.ClientIP(r, s.trusted)) {
		return
	}
	var req app.Submission
	if !decode(w, r, &req) {
		return
	}
	doc, err := s.app.Submit(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":               doc.ID,
		"processingStatus": doc.ProcessingStatus,
		"scanStatus":       doc.ScanStatus,
		"createdDate":      doc.CreatedDate,
	})
}

type reviewRequest struct {
	Approver string `json:"approver"`
}

func (s *Server) handleDocumentByID(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitIDAction(r.URL.Path, "/documents/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch {
	case action == "" && r.Method == http.MethodDelete:
		res, err := s.app.Delete(r.Context(), id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case action == "status" && r.Method == http.MethodGet:
		st, err := s.app.Status(r.Context(), id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	case (action == "approve" || action == "reject") && r.Method == http.MethodPost:
		var req reviewRequest
		if !decode(w, r, &req) {
			return
		}
		review, status := s.app.Approve, domain.ApprovalApproved
		if action == "reject" {
			review, status = s.app.Reject, domain.ApprovalRejected
		}
		if err := review(r.Context(), id, req.Approver); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"doc_id": id, "approvalStatus": status})
	case action == "analyze" && r.Method == http.MethodPost:
		if !s.allow(w, r, "analyze:"+id) {
			return
		}
		taskID, err := s.app.Analyze(r.Context(), id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"doc_id": id, "task_id": taskID})
	case action == "" || action == "status" || action == "approve" || action == "reject" || action == "analyze":
		methodNotAllowed(w)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleGroupByID(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitIDAction(r.URL.Path, "/groups/")
	if !ok || action != "sync" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	info, err := s.app.SyncGroup(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group_id": id, "conflict_info": info})
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleChunkByID(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitIDAction(r.URL.Path, "/chunks/")
	if !ok || action != "enabled" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req enabledRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	res, err := s.app.SetChunkEnabled(r.Context(), id, *req.Enabled)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type resolveRequest struct {
	ConflictType string `json:"conflict_type"`
	DocID        string `json:"doc_id"`
	ResolvedBy   string `json:"resolved_by"`
	Notes        string `json:"notes"`
}

func (s *Server) handleConflictByID(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitIDAction(r.URL.Path, "/conflicts/")
	if !ok || action != "resolve" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req resolveRequest
	if !decode(w, r, &req) {
		return
	}
	updated, err := s.app.ResolveConflict(r.Context(), conflict.Resolution{
		ConflictID: id,
		Type:       conflictType(req.ConflictType),
		DocID:      strings.TrimSpace(req.DocID),
		ResolvedBy: strings.TrimSpace(req.ResolvedBy),
		Notes:      req.Notes,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflict_id": id, "updated_documents": updated})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var task conflict.Task
	if !decode(w, r, &task) {
		return
	}
	task.ID = ""
	taskID, err := s.app.SubmitTask(r.Context(), task)
	if err != nil {
		writeAppError(w, err)
		return
	}
	status := http.StatusAccepted
	if taskID == conflict.AlreadyQueued {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]string{"task_id": taskID})
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id, action, ok := splitIDAction(r.URL.Path, "/conflicts/tasks/")
	if !ok || action != "" {
		http.NotFound(w, r)
		return
	}
	res, found := s.app.TaskResult(id)
	if !found {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.app.ConflictStats())
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, key string) bool {
	ok, retryAfter := s.app.Allow(r.Context(), key)
	if ok {
		return true
	}
	secs := int(retryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, "too many requests")
	return false
}

// splitIDAction parses "<prefix><id>" or "<prefix><id>/<action>".
func splitIDAction(path, prefix string) (id, action string, ok bool) {
	rest := strings.TrimPrefix(path, prefix)
	if rest == path || rest == "" {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	switch len(parts) {
	case 1:
		return parts[0], "", parts[0] != ""
	case 2:
		return parts[0], parts[1], parts[0] != "" && parts[1] != ""
	default:
		return "", "", false
	}
}

func conflictType(s string) domain.ConflictType {
	return domain.ConflictType(strings.ToLower(strings.TrimSpace(s)))
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrNotFound), errors.Is(err, conflict.ErrConflictNotFound), errors.Is(err, conflict.ErrChunkNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrInvalidInput), errors.Is(err, conflict.ErrInvalidResolution), errors.Is(err, conflict.ErrUnknownTask):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, conflict.ErrAnalysisInProgress), errors.Is(err, conflict.ErrChunkDisabled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, conflict.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
