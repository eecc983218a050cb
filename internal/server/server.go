// Package server exposes patch operations over a JSON HTTP API.
//
// Every response uses the same envelope: {"success": true, "data": ...} on
// success, {"success": false, "message": "..."} on failure.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/schaermu/patchd/internal/journal"
	"github.com/schaermu/patchd/internal/patch"
	"github.com/schaermu/patchd/internal/remote"
)

// UpToDateMessage is returned by the check endpoint when nothing is pending.
const UpToDateMessage = "already up to date"

const (
	defaultHistoryLimit = 50
	maxBodySize         = 1 << 20
)

// Service is the set of patch operations the API serves.
type Service interface {
	Status(ctx context.Context) (*patch.Report, error)
	Check(ctx context.Context) (*patch.Report, error)
	Install(ctx context.Context, version string) (*patch.Result, error)
	FileList(ctx context.Context, version string) (*patch.FileListResult, error)
	DownloadFile(ctx context.Context, version, rel string) (*patch.FileResult, error)
	Finish(ctx context.Context, version string) (*patch.FinishResult, error)
	Diagnose(ctx context.Context) ([]remote.Probe, error)
	History(ctx context.Context, limit int) ([]journal.Run, error)
	Run(ctx context.Context, id string) (*journal.Run, error)
}

// Envelope is the body of every API response.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// Server implements the operator HTTP API
type Server struct {
	svc    Service
	logger *slog.Logger
	router chi.Router
}

// NewServer creates a new API server backed by svc
func NewServer(svc Service, logger *slog.Logger) *Server {
	s := &Server{svc: svc, logger: logger}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler serving the API
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(s.logger.Handler(), slog.LevelInfo),
		NoColor: true,
	}))
	r.Use(s.recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/patches", s.handleStatus)
		r.Get("/patches/check", s.handleCheck)

		r.Route("/patches/{version}", func(r chi.Router) {
			r.Post("/install", s.handleInstall)
			r.Get("/files", s.handleFileList)
			r.Post("/files", s.handleDownloadFile)
			r.Post("/finish", s.handleFinish)
		})

		r.Get("/diagnose", s.handleDiagnose)
		r.Get("/history", s.handleHistory)
		r.Get("/history/{id}", s.handleRun)
	})

	return r
}

// Serve serves the API on l until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	server := &http.Server{
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Installs download every file of a patch within one request.
		WriteTimeout:   10 * time.Minute,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
		BaseContext:    func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server starting", "addr", l.Addr().String())
		if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, report)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Check(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(report.Pending()) == 0 {
		writeMessage(w, http.StatusOK, UpToDateMessage)
		return
	}
	writeData(w, report)
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Install(r.Context(), chi.URLParam(r, "version"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, res)
}

func (s *Server) handleFileList(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.FileList(r.Context(), chi.URLParam(r, "version"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, res)
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		File string `json:"file"`
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	res, err := s.svc.DownloadFile(r.Context(), chi.URLParam(r, "version"), req.File)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, res)
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Finish(r.Context(), chi.URLParam(r, "version"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, res)
}

func (s *Server) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	probes, err := s.svc.Diagnose(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, probes)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeMessage(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.svc.History(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, runs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.Run(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, run)
}

// recoverer turns a handler panic into a 500 envelope.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.Error("handler panicked",
				"path", r.URL.Path,
				"request_id", middleware.GetReqID(r.Context()),
				"panic", rec,
				"stack", string(debug.Stack()))
			writeMessage(w, http.StatusInternalServerError, "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, journal.ErrNotFound) {
		return http.StatusNotFound
	}
	switch patch.KindOf(err) {
	case patch.KindValidation:
		return http.StatusBadRequest
	case patch.KindSequencing:
		return http.StatusConflict
	case patch.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	attrs := []any{
		"path", r.URL.Path,
		"status", status,
		"request_id", middleware.GetReqID(r.Context()),
		"error", err,
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", attrs...)
	} else {
		s.logger.Warn("request rejected", attrs...)
	}
	writeMessage(w, status, err.Error())
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Envelope{Success: true, Data: data})
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Envelope{Success: status < http.StatusBadRequest, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, body Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
