// Package api exposes rendering and snapshot jobs over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/FulgerX2007/chartsnap/pkg/cron"
	"github.com/FulgerX2007/chartsnap/pkg/export"
	"github.com/FulgerX2007/chartsnap/pkg/model"
	"github.com/FulgerX2007/chartsnap/pkg/store"
)

// maxBodyBytes caps request bodies, matching what a worker accepts
const maxBodyBytes = model.MaxRequestBytes

// Handler handles HTTP API requests
type Handler struct {
	store     *store.Store
	scheduler *cron.Scheduler
	renderer  cron.Renderer
	defaults  model.RenderConfig
	router    chi.Router
	logger    *log.Logger
}

// NewHandler creates a new API handler. defaults fills the chart config of
// data-mode renders and jobs that do not carry their own.
func NewHandler(st *store.Store, scheduler *cron.Scheduler, renderer cron.Renderer, defaults model.RenderConfig, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	h := &Handler{
		store:     st,
		scheduler: scheduler,
		renderer:  renderer,
		defaults:  defaults,
		router:    chi.NewRouter(),
		logger:    logger.WithPrefix("api"),
	}

	h.registerRoutes()
	return h
}

// registerRoutes registers all HTTP routes
func (h *Handler) registerRoutes() {
	r := h.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.withLogging)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/render", h.handleRender)

		r.Get("/jobs", h.handleListJobs)
		r.Post("/jobs", h.handleCreateJob)
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetJob)
			r.Put("/", h.handleUpdateJob)
			r.Delete("/", h.handleDeleteJob)
			r.Post("/run", h.handleRunJob)
			r.Get("/runs", h.handleListRuns)
		})

		r.Get("/runs/{id}/artifact", h.handleArtifact)
	})
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// withLogging logs every request with its duration
func (h *Handler) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		h.logger.Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"size", humanize.Bytes(uint64(ww.BytesWritten())),
			"duration", time.Since(start).Round(time.Millisecond),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// renderBody is a RenderRequest plus the artifact options
type renderBody struct {
	model.RenderRequest
	Format model.OutputFormat `json:"format,omitempty"`
	Title  string             `json:"title,omitempty"`
}

// handleRender handles POST /api/render
func (h *Handler) handleRender(w http.ResponseWriter, r *http.Request) {
	var body renderBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		respondRenderError(w, model.Wrap(model.KindInput, "malformed request", err))
		return
	}

	req := &body.RenderRequest
	if req.Mode == "" {
		if req.Markup != "" {
			req.Mode = model.ModeMarkup
		} else {
			req.Mode = model.ModeData
		}
	}
	if req.Mode == model.ModeData && req.Config == nil {
		cfg := h.defaultConfig()
		req.Config = &cfg
	}
	if req.Config != nil {
		if req.Width == 0 {
			req.Width = req.Config.Width
		}
		if req.Height == 0 {
			req.Height = req.Config.Height
		}
	}
	if err := model.ValidateRequest(req); err != nil {
		respondRenderError(w, err)
		return
	}

	img, err := h.renderer.Render(r.Context(), req, 0)
	if err != nil {
		respondRenderError(w, err)
		return
	}

	title := body.Title
	if title == "" && req.Config != nil {
		title = req.Config.Title
	}
	out, contentType, err := export.Convert(img, body.Format, title)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// handleListJobs handles GET /api/jobs
func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.store.ListJobs()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// handleCreateJob handles POST /api/jobs
func (h *Handler) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.decodeJob(w, r)
	if !ok {
		return
	}

	if err := h.store.CreateJob(job); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Info("job created", "job", job.ID, "name", job.Name, "next_run", job.NextRunAt)
	respondJSON(w, http.StatusCreated, job)
}

// handleGetJob handles GET /api/jobs/{id}
func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// handleUpdateJob handles PUT /api/jobs/{id}
func (h *Handler) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, ok := h.decodeJob(w, r)
	if !ok {
		return
	}
	job.ID = id

	if err := h.store.UpdateJob(job); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// handleDeleteJob handles DELETE /api/jobs/{id}
func (h *Handler) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteJob(id); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRunJob handles POST /api/jobs/{id}/run. With ?wait=true the run
// executes inline and the finished run record is returned.
func (h *Handler) handleRunJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		run, err := h.scheduler.RunNow(r.Context(), job)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, run)
		return
	}

	h.scheduler.ExecuteJob(job)
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// handleListRuns handles GET /api/jobs/{id}/runs
func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	runs, err := h.store.ListRuns(id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// handleArtifact handles GET /api/runs/{id}/artifact
func (h *Handler) handleArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	run, err := h.store.GetRun(id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if len(run.ArtifactData) == 0 {
		respondError(w, http.StatusNotFound, "artifact not found")
		return
	}

	name := "snapshot"
	if job, err := h.store.GetJob(run.JobID); err == nil {
		name = strings.ReplaceAll(job.Name, " ", "_")
	}
	filename := fmt.Sprintf("%s-%s.%s", name, run.StartedAt.Format("2006-01-02-150405"), run.Format)

	contentType := "image/png"
	if run.Format == model.FormatPDF {
		contentType = "application/pdf"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(run.ArtifactData)))
	w.Write(run.ArtifactData)
}

// decodeJob reads a job body over the chart defaults, validates it and
// computes its next run
func (h *Handler) decodeJob(w http.ResponseWriter, r *http.Request) (*model.SnapshotJob, bool) {
	job := &model.SnapshotJob{Config: h.defaultConfig(), Format: model.FormatPNG}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(job); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	if job.Timezone == "" {
		job.Timezone = "UTC"
	}

	if err := model.ValidateJob(job); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	if err := model.ValidateRenderConfig(&job.Config); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	// Disabled jobs carry no next run
	if job.Enabled {
		nextRun := cron.NextRun(job, time.Now())
		job.NextRunAt = &nextRun
	} else {
		job.NextRunAt = nil
	}
	return job, true
}

func (h *Handler) loadJob(w http.ResponseWriter, r *http.Request) (*model.SnapshotJob, bool) {
	id, ok := pathID(w, r)
	if !ok {
		return nil, false
	}
	job, err := h.store.GetJob(id)
	if err != nil {
		respondStoreError(w, err)
		return nil, false
	}
	return job, true
}

// defaultConfig copies the defaults so decoding never writes into the shared palette
func (h *Handler) defaultConfig() model.RenderConfig {
	cfg := h.defaults
	cfg.ColorPalette = append([]string(nil), h.defaults.ColorPalette...)
	return cfg
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// StatusFor maps an error kind to the HTTP status reported for it
func StatusFor(kind model.Kind) int {
	switch kind {
	case model.KindConfig, model.KindInput:
		return http.StatusBadRequest
	case model.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func respondRenderError(w http.ResponseWriter, err error) {
	kind := model.KindOf(err)
	respondJSON(w, StatusFor(kind), map[string]string{
		"kind":  kind.String(),
		"error": err.Error(),
	})
}

func respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
