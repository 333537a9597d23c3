package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"kmsai/internal/servicetoken"
	"kmsai/internal/util"
	"kmsai/services/processor/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// ServiceTokenSecret verifies scanner hand-offs. Empty disables the
	// check.
	ServiceTokenSecret string
}

// Server exposes HTTP endpoints for the processor service.
type Server struct {
	app          *app.App
	internalAuth *servicetoken.Verifier
	mux          *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	s := &Server{
		app: cfg.App,
		mux: http.NewServeMux(),
	}
	if strings.TrimSpace(cfg.ServiceTokenSecret) != "" {
		verifier, err := servicetoken.NewVerifier(cfg.ServiceTokenSecret, app.ServiceName, []string{"scanner"}, servicetoken.DefaultLeeway)
		if err != nil {
			return nil, err
		}
		s.internalAuth = verifier
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.Chain(s.mux,
		util.WithRequestID,
		func(h http.Handler) http.Handler { return util.WithRequestLog("processor", h) },
		util.WithRecover,
		util.WithAPIHeaders,
	)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/process_doc", servicetoken.Require(s.internalAuth, http.HandlerFunc(s.handleProcessDoc)))
	s.mux.HandleFunc("/reprocess_failed", s.handleReprocessFailed)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProcessDoc(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req app.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	out, err := s.app.Enqueue(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	status := http.StatusOK
	if out.Status == app.OutcomeQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, out)
}

func (s *Server) handleReprocessFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	queued, err := s.app.ReprocessFailed(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queued": queued, "count": len(queued)})
}

func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
