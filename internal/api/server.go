package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"deckforge/internal/config"
	"deckforge/internal/models"
	"deckforge/internal/pipeline"
	"deckforge/internal/ratelimit"
	"deckforge/internal/store"
	"deckforge/internal/telemetry"
)

// Server wires HTTP handlers for the submission API.
type Server struct {
	cfg     config.Config
	store   *store.Store
	orch    *pipeline.Orchestrator
	limiter *ratelimit.SubmissionLimiter
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, orch *pipeline.Orchestrator, limiter *ratelimit.SubmissionLimiter) *Server {
	return &Server{cfg: cfg, store: st, orch: orch, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/stats", s.handleStats)
	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/result", s.handleResult)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	return r
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	userID := userFromRequest(r)

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), userID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "invalid multipart form or upload too large", http.StatusBadRequest)
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	template, err := formFile(r, "template")
	if err != nil {
		http.Error(w, "template file is required", http.StatusBadRequest)
		return
	}
	financials, _ := formFile(r, "financials")
	bundle, _ := formFile(r, "bundle")

	pull, _ := strconv.ParseBool(r.FormValue("pull_public_data"))
	job, err := s.orch.Submit(r.Context(), pipeline.SubmitRequest{
		UserID:         userID,
		CompanyName:    r.FormValue("company_name"),
		Website:        r.FormValue("website"),
		PullPublicData: pull,
		Template:       template,
		Financials:     financials,
		Bundle:         bundle,
	})
	if err != nil {
		if pipeline.ClassifyKind(err) == pipeline.KindValidation {
			http.Error(w, pipeline.UserMessage(err), http.StatusBadRequest)
			return
		}
		http.Error(w, "failed to create job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleStats reports job counts per pipeline status for dashboards.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	statuses := []string{
		models.StatusQueued,
		models.StatusParsingFinancials,
		models.StatusMiningDocuments,
		models.StatusFetchingPublicData,
		models.StatusBuildingSlides,
		models.StatusFinalizing,
		models.StatusComplete,
		models.StatusError,
	}
	counts := make(map[string]int64, len(statuses))
	for _, status := range statuses {
		n, err := s.store.CountByStatus(r.Context(), status)
		if err != nil {
			http.Error(w, "failed to count jobs", http.StatusInternalServerError)
			return
		}
		counts[status] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": counts})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context(), userFromRequest(r), 100)
	if err != nil {
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type jobDetail struct {
	models.Job
	Log []string `json:"log"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load job", http.StatusInternalServerError)
		return
	}
	entries, err := s.store.JobLog(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to load job log", http.StatusInternalServerError)
		return
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.Line)
	}
	writeJSON(w, http.StatusOK, jobDetail{Job: job, Log: lines})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load job", http.StatusInternalServerError)
		return
	}
	if job.Status != models.StatusComplete || job.OutputKey == nil {
		http.Error(w, "job has no result yet", http.StatusConflict)
		return
	}
	url, err := s.orch.ResultURL(r.Context(), *job.OutputKey)
	if err != nil {
		http.Error(w, "failed to sign result url", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, "failed to load job", http.StatusInternalServerError)
		return
	}
	flagged, err := s.store.RequestCancel(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to cancel job", http.StatusInternalServerError)
		return
	}
	if !flagged {
		http.Error(w, "job already finished", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

func formFile(r *http.Request, field string) ([]byte, error) {
	file, _, err := r.FormFile(field)
	if err != nil {
		return nil, err
	}
	defer closeQuietly(file)
	return io.ReadAll(file)
}

func closeQuietly(f multipart.File) {
	_ = f.Close()
}

func userFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
