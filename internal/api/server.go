// Package api exposes the HTTP interface for the accession service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/archivelab/accessioner/internal/accession"
	"github.com/archivelab/accessioner/internal/metrics"
	"github.com/archivelab/accessioner/internal/service"
)

// Config controls server-level behavior.
type Config struct {
	// SignedURLTTL is how long artifact download links stay valid.
	SignedURLTTL time.Duration
	// RequestTimeout bounds handler execution.
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the accession façade.
type Server struct {
	router   chi.Router
	svc      *service.Accessions
	store    accession.ArtifactStore
	artifact func(id uuid.UUID) string
	cfg      Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. artifactKey maps
// an accession id to its deterministic object key, shared with the
// orchestrator so signed URLs point at the object it wrote.
func NewServer(
	svc *service.Accessions,
	store accession.ArtifactStore,
	artifactKey func(id uuid.UUID) string,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = time.Hour
	}
	s := &Server{
		svc:      svc,
		store:    store,
		artifact: artifactKey,
		cfg:      cfg,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/accessions", func(r chi.Router) {
			r.Post("/", s.createAccession)
			r.Get("/", s.listAccessions)
			r.Get("/{accession_id}", s.getAccession)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createAccessionRequest struct {
	URL         string  `json:"url"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	SubjectIDs  []int32 `json:"subject_ids"`
}

type accessionResponse struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	SubjectIDs   []int32   `json:"subject_ids"`
	Status       string    `json:"status"`
	CrawlJobID   *string   `json:"crawl_job_id,omitempty"`
	ArtifactRef  *string   `json:"artifact_ref,omitempty"`
	ArtifactURL  string    `json:"artifact_url,omitempty"`
	LastError    *string   `json:"last_error,omitempty"`
	AttemptCount int32     `json:"attempt_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s *Server) createAccession(w http.ResponseWriter, r *http.Request) {
	var req createAccessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	acc, err := s.svc.Create(r.Context(), service.CreateRequest{
		URL:         req.URL,
		Title:       req.Title,
		Description: req.Description,
		SubjectIDs:  req.SubjectIDs,
	})
	if err != nil {
		var verr *accession.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		s.logger.Error("create accession failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, s.toResponse(acc))
}

func (s *Server) getAccession(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "accession_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid accession id")
		return
	}
	acc, err := s.svc.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, accession.ErrNotFound) {
			writeError(w, http.StatusNotFound, "accession not found")
			return
		}
		s.logger.Error("get accession failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, s.toResponse(acc))
}

func (s *Server) listAccessions(w http.ResponseWriter, r *http.Request) {
	status := accession.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = accession.StatusCompleted
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}
	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "page must be >= 1")
			return
		}
		page = parsed
	}

	accs, err := s.svc.List(r.Context(), status, limit, page)
	if err != nil {
		var verr *accession.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		s.logger.Error("list accessions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]accessionResponse, 0, len(accs))
	for _, acc := range accs {
		items = append(items, s.toResponse(acc))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
		"page":  page,
	})
}

func (s *Server) toResponse(acc accession.Accession) accessionResponse {
	resp := accessionResponse{
		ID:           acc.ID.String(),
		URL:          acc.SeedURL,
		Title:        acc.Title,
		Description:  acc.Description,
		SubjectIDs:   acc.SubjectIDs,
		Status:       string(acc.Status),
		CrawlJobID:   acc.CrawlJobID,
		ArtifactRef:  acc.ArtifactRef,
		LastError:    acc.LastError,
		AttemptCount: acc.AttemptCount,
		CreatedAt:    acc.CreatedAt,
		UpdatedAt:    acc.UpdatedAt,
	}
	if resp.SubjectIDs == nil {
		resp.SubjectIDs = []int32{}
	}
	if acc.Status == accession.StatusCompleted && s.store != nil && s.artifact != nil {
		url, err := s.store.SignedURL(s.artifact(acc.ID), s.cfg.SignedURLTTL)
		if err != nil {
			s.logger.Warn("sign artifact url failed",
				zap.String("accession_id", acc.ID.String()),
				zap.Error(err),
			)
		} else {
			resp.ArtifactURL = url
		}
	}
	return resp
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestIDFrom(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

// requestIDFrom returns the request id placed by requestIDMiddleware, or ""
// when the middleware did not run.
func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
