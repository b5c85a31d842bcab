package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"agent-task-orchestrator/internal/broadcast"
	"agent-task-orchestrator/internal/config"
	"agent-task-orchestrator/internal/logpipe"
	"agent-task-orchestrator/internal/models"
	"agent-task-orchestrator/internal/pausestate"
	"agent-task-orchestrator/internal/scheduler"
	"agent-task-orchestrator/internal/store"
	"agent-task-orchestrator/internal/telemetry"
)

// TitleGenerator produces a title and description for a new job from its
// prompt. The real implementation is an external collaborator.
type TitleGenerator interface {
	Generate(ctx context.Context, prompt string) (title, description string, err error)
}

// Authenticator resolves the current org. Session validation is an external
// concern; the REST surface reads it from the request, the streaming
// channel from an out-of-band token (the transport has no headers).
type Authenticator interface {
	OrgFromRequest(r *http.Request) (string, error)
	OrgFromToken(ctx context.Context, token string) (string, error)
}

// Server wires HTTP and websocket handlers for the orchestrator core.
type Server struct {
	cfg       config.Config
	store     store.Store
	scheduler *scheduler.Scheduler
	pipeline  *logpipe.Pipeline
	hub       *broadcast.Hub
	pause     *pausestate.Store
	titles    TitleGenerator
	auth      Authenticator
}

// New constructs the API server.
func New(cfg config.Config, st store.Store, sched *scheduler.Scheduler, pipeline *logpipe.Pipeline, hub *broadcast.Hub, pause *pausestate.Store, titles TitleGenerator, auth Authenticator) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		scheduler: sched,
		pipeline:  pipeline,
		hub:       hub,
		pause:     pause,
		titles:    titles,
		auth:      auth,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreate)
	r.Get("/jobs", s.handleList)
	r.Get("/jobs/{id}", s.handleGet)
	r.Put("/jobs/{id}", s.handleUpdate)
	r.Delete("/jobs/{id}", s.handleArchive)
	r.Post("/jobs/{id}/execute", s.handleExecute)
	r.Post("/jobs/{id}/reprioritize", s.handleReprioritize)
	r.Get("/jobs/{id}/logs", s.handleLogs)

	r.Post("/queues/{queueType}/pause", s.handleQueuePause)
	r.Post("/queues/{queueType}/resume", s.handleQueueResume)
	r.Post("/queues/{queueType}/start", s.handleQueueResume)
	r.Get("/queues/{queueType}/status", s.handleQueueStatus)

	r.Get("/ws", s.handleWS)
	return r
}

type createRequest struct {
	Source       string   `json:"source"`
	Prompt       string   `json:"prompt"`
	Priority     string   `json:"priority"`
	Repositories []string `json:"repositories"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.org(w, r)
	if !ok {
		return
	}
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Source == "" || req.Prompt == "" {
		http.Error(w, "source and prompt are required", http.StatusBadRequest)
		return
	}

	job := models.Job{
		OrgID:        orgID,
		Prompt:       req.Prompt,
		Source:       req.Source,
		Priority:     req.Priority,
		Repositories: req.Repositories,
	}
	if s.titles != nil {
		title, description, err := s.titles.Generate(r.Context(), req.Prompt)
		if err == nil {
			job.Title = title
			job.Description = description
		}
	}

	out, err := s.scheduler.Create(r.Context(), job)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.org(w, r)
	if !ok {
		return
	}
	jobs, err := s.store.ListLatest(r.Context(), orgID)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.org(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	var job models.Job
	var err error
	if raw := r.URL.Query().Get("version"); raw != "" {
		version, convErr := strconv.Atoi(raw)
		if convErr != nil {
			http.Error(w, "invalid version", http.StatusBadRequest)
			return
		}
		job, err = s.store.GetVersion(r.Context(), id, version, orgID)
	} else {
		job, err = s.store.GetLatest(r.Context(), id, orgID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type updateRequest struct {
	ExpectedVersion      int               `json:"expected_version"`
	Status               *string           `json:"status"`
	Priority             *string           `json:"priority"`
	QueueType            *string           `json:"queue_type"`
	UserAcceptanceStatus *string           `json:"user_acceptance_status"`
	Title                *string           `json:"title"`
	Description          *string           `json:"description"`
	Prompt               *string           `json:"prompt"`
	Repositories         *[]string         `json:"repositories"`
	Comments             []models.Comment  `json:"comments"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.org(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	job, err := s.scheduler.UpdateJob(r.Context(), chi.URLParam(r, "id"), orgID, scheduler.Patch{
		ExpectedVersion:      req.ExpectedVersion,
		Status:               req.Status,
		Priority:             req.Priority,
		QueueType:            req.QueueType,
		UserAcceptanceStatus: req.UserAcceptanceStatus,
		Title:                req.Title,
		Description:          req.Description,
		Prompt:               req.Prompt,
		Repositories:         req.Repositories,
		Comments:             req.Comments,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.org(w, r)
	if !ok {
		return
	}
	job, err := s.scheduler.Archive(r.Context(), chi.URLParam(r, "id"), orgID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.org(w, r)
	if !ok {
		return
	}
	handle, job, err := s.scheduler.Execute(r.Context(), chi.URLParam(r, "id"), orgID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"execution_id": handle, "job": job})
}

type reprioritizeRequest struct {
	Position int `json:"position"`
}

func (s *Server) handleReprioritize(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.org(w, r)
	if !ok {
		return
	}
	var req reprioritizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	job, err := s.scheduler.Reprioritize(r.Context(), chi.URLParam(r, "id"), orgID, req.Position)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.org(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	var job models.Job
	var err error
	if raw := r.URL.Query().Get("version"); raw != "" {
		version, convErr := strconv.Atoi(raw)
		if convErr != nil {
			http.Error(w, "invalid version", http.StatusBadRequest)
			return
		}
		job, err = s.store.GetVersion(r.Context(), id, version, orgID)
	} else {
		job, err = s.store.GetLatest(r.Context(), id, orgID)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	merged := make([]models.LogEntry, 0, len(job.CodeGenerationLogs)+len(job.VerificationLogs))
	merged = append(merged, job.CodeGenerationLogs...)
	merged = append(merged, job.VerificationLogs...)
	if level := r.URL.Query().Get("level"); level != "" {
		filtered := merged[:0]
		for _, l := range merged {
			if strings.EqualFold(l.Level, level) {
				filtered = append(filtered, l)
			}
		}
		merged = filtered
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Timestamp.Before(merged[j].Timestamp) })

	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 100)
	if offset > len(merged) {
		offset = len(merged)
	}
	end := offset + limit
	if end > len(merged) {
		end = len(merged)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":  merged[offset:end],
		"total": len(merged),
	})
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	orgID, queueType, ok := s.orgAndQueue(w, r)
	if !ok {
		return
	}
	if err := s.pause.Pause(r.Context(), orgID, queueType); err != nil {
		writeError(w, err)
		return
	}
	s.writeQueueStatus(w, r, orgID, queueType)
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	orgID, queueType, ok := s.orgAndQueue(w, r)
	if !ok {
		return
	}
	if err := s.pause.Resume(r.Context(), orgID, queueType); err != nil {
		writeError(w, err)
		return
	}
	s.writeQueueStatus(w, r, orgID, queueType)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	orgID, queueType, ok := s.orgAndQueue(w, r)
	if !ok {
		return
	}
	s.writeQueueStatus(w, r, orgID, queueType)
}

func (s *Server) writeQueueStatus(w http.ResponseWriter, r *http.Request, orgID, queueType string) {
	state, err := s.pause.Status(r.Context(), orgID, queueType)
	if err != nil {
		writeError(w, err)
		return
	}
	depth, err := s.store.CountQueued(r.Context(), orgID, queueType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queue_type": queueType,
		"is_paused":  state.IsPaused,
		"updated_at": state.UpdatedAt,
		"depth":      depth,
	})
}

func (s *Server) org(w http.ResponseWriter, r *http.Request) (string, bool) {
	orgID, err := s.auth.OrgFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return orgID, true
}

func (s *Server) orgAndQueue(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	orgID, ok := s.org(w, r)
	if !ok {
		return "", "", false
	}
	queueType := chi.URLParam(r, "queueType")
	if queueType != models.QueueBacklog && queueType != models.QueueRework {
		http.Error(w, "unknown queue type", http.StatusBadRequest)
		return "", "", false
	}
	return orgID, queueType, true
}

func queryInt(r *http.Request, key string, def int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			return v
		}
	}
	return def
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusForError(err))
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrInvalidState),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrAlreadyArchived),
		errors.Is(err, models.ErrAlreadyExecuting):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// HeaderAuth resolves the org from the X-Org-ID header, or treats the
// streaming token as the org itself. It stands in for the external session
// layer in development and tests.
type HeaderAuth struct{}

func (HeaderAuth) OrgFromRequest(r *http.Request) (string, error) {
	if v := r.Header.Get("X-Org-ID"); v != "" {
		return v, nil
	}
	return "default", nil
}

func (HeaderAuth) OrgFromToken(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", errors.New("missing token")
	}
	return token, nil
}

// PromptTitles derives a title from the first line of the prompt. The
// production title generator is an external collaborator.
type PromptTitles struct{}

func (PromptTitles) Generate(_ context.Context, prompt string) (string, string, error) {
	title := prompt
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	if len(title) > 80 {
		title = title[:80]
	}
	return title, prompt, nil
}
