// Package api exposes the HTTP interface for the scraper service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vaibav03/resolute-ai/internal/auth"
	"github.com/vaibav03/resolute-ai/internal/config"
	"github.com/vaibav03/resolute-ai/internal/dispatcher"
	"github.com/vaibav03/resolute-ai/internal/metrics"
	"github.com/vaibav03/resolute-ai/internal/scraper"
)

// maxUploadBytes bounds the multipart CSV upload size.
const maxUploadBytes = 8 << 20

// Server wires HTTP handlers to the registry, stores and dispatcher.
type Server struct {
	router     chi.Router
	registry   scraper.Registry
	metadata   scraper.MetadataStore
	auth       *auth.Service
	dispatcher *dispatcher.Dispatcher
	idGen      scraper.IDGenerator
	clock      scraper.Clock
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	registry scraper.Registry,
	metadata scraper.MetadataStore,
	authSvc *auth.Service,
	disp *dispatcher.Dispatcher,
	idGen scraper.IDGenerator,
	clock scraper.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		registry:   registry,
		metadata:   metadata,
		auth:       authSvc,
		dispatcher: disp,
		idGen:      idGen,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/signup", s.signup)
	r.Post("/token", s.token)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.getJobStatus)
				r.Post("/cancel", s.cancelJob)
			})
		})
		r.Get("/results", s.listResults)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) signup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	user, err := s.auth.Signup(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, scraper.ErrAlreadyExists) {
			writeError(s.logger, w, http.StatusBadRequest, "username already taken")
			return
		}
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(s.logger, w, http.StatusCreated, map[string]string{
		"id":       user.ID,
		"username": user.Username,
	})
}

// token exchanges form credentials for a bearer token.
func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid form body")
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	token, err := s.auth.IssueToken(r.Context(), username, password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(s.logger, w, http.StatusUnauthorized, "invalid username or password")
			return
		}
		writeError(s.logger, w, http.StatusInternalServerError, "token issuance failed")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

// submitJob accepts a multipart CSV upload (field "file" with a "url"
// column), registers a pending job and enqueues it. An upload with a valid
// header but no usable rows still creates a job, which fails immediately.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFrom(r.Context())
	if !ok {
		writeError(s.logger, w, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "expected multipart form upload")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, `missing "file" upload field`)
		return
	}
	defer file.Close()

	urls, err := ParseURLColumn(file)
	if err != nil {
		if errors.Is(err, ErrMissingURLColumn) {
			writeError(s.logger, w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(s.logger, w, http.StatusBadRequest, "malformed csv file")
		return
	}

	jobID, err := s.enqueueJob(r.Context(), user.ID, urls)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(s.logger, w, status, err.Error())
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) enqueueJob(ctx context.Context, ownerID string, urls []string) (string, error) {
	jobID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	job := scraper.Job{
		ID:        jobID,
		OwnerID:   ownerID,
		URLs:      urls,
		State:     scraper.JobStatePending,
		Submitted: now,
	}
	if err := s.registry.Create(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	// An empty batch never reaches a worker; fail it here so a poll
	// immediately sees the terminal state.
	if len(urls) == 0 {
		if _, err := s.registry.Finalize(ctx, jobID); err != nil {
			return "", fmt.Errorf("finalize empty job: %w", err)
		}
		return jobID, nil
	}

	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	item := scraper.QueueItem{
		JobID:     jobID,
		OwnerID:   ownerID,
		URLs:      urls,
		Attempt:   1,
		Submitted: now.Unix(),
	}
	if err := s.dispatcher.Enqueue(queueCtx, item); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return jobID, nil
}

// ownedJob loads a job and hides other users' jobs behind a 404.
func (s *Server) ownedJob(r *http.Request) (scraper.Job, error) {
	user, ok := auth.UserFrom(r.Context())
	if !ok {
		return scraper.Job{}, auth.ErrInvalidToken
	}
	jobID := chi.URLParam(r, "job_id")
	job, err := s.registry.Get(r.Context(), jobID)
	if err != nil {
		return scraper.Job{}, err
	}
	if job.OwnerID != user.ID {
		return scraper.Job{}, scraper.ErrNotFound
	}
	return job, nil
}

type jobStatusResponse struct {
	JobID     string                `json:"job_id"`
	State     scraper.JobState      `json:"state"`
	Error     string                `json:"error,omitempty"`
	Submitted time.Time             `json:"submitted"`
	Started   *time.Time            `json:"started,omitempty"`
	Finished  *time.Time            `json:"finished,omitempty"`
	Counters  scraper.JobCounters   `json:"counters"`
	Outcomes  []scraper.ItemOutcome `json:"outcomes"`
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.ownedJob(r)
	if err != nil {
		s.jobError(w, err)
		return
	}
	outcomes := job.Outcomes
	if outcomes == nil {
		outcomes = []scraper.ItemOutcome{}
	}
	writeJSON(s.logger, w, http.StatusOK, jobStatusResponse{
		JobID:     job.ID,
		State:     job.State,
		Error:     job.ErrorText,
		Submitted: job.Submitted,
		Started:   job.Started,
		Finished:  job.Finished,
		Counters:  job.Counters,
		Outcomes:  outcomes,
	})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.ownedJob(r)
	if err != nil {
		s.jobError(w, err)
		return
	}
	if err := s.registry.Cancel(r.Context(), job.ID); err != nil {
		s.jobError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, map[string]string{"job_id": job.ID, "status": "cancel requested"})
}

func (s *Server) listResults(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFrom(r.Context())
	if !ok {
		writeError(s.logger, w, http.StatusUnauthorized, "authentication required")
		return
	}
	records, err := s.metadata.ListMetadata(r.Context(), user.ID)
	if err != nil {
		s.logger.Error("list metadata failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "failed to list results")
		return
	}
	if records == nil {
		records = []scraper.MetadataRecord{}
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"results": records})
}

func (s *Server) jobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scraper.ErrNotFound):
		writeError(s.logger, w, http.StatusNotFound, "job not found")
	case errors.Is(err, auth.ErrInvalidToken):
		writeError(s.logger, w, http.StatusUnauthorized, "authentication required")
	default:
		s.logger.Error("job lookup failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "internal server error")
	}
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				writeError(s.logger, w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
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

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
