package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"field-sync-agent/internal/artifacts"
	"field-sync-agent/internal/connectivity"
	"field-sync-agent/internal/fieldops"
	"field-sync-agent/internal/models"
	"field-sync-agent/internal/queue"
	"field-sync-agent/internal/remote"
	"field-sync-agent/internal/replay"
	"field-sync-agent/internal/telemetry"
)

// Server wires HTTP handlers for the local agent API used by the device UI.
type Server struct {
	queue     *queue.Store
	engine    *replay.Engine
	monitor   *connectivity.Monitor
	ops       *fieldops.Controller
	artifacts *artifacts.Store
	hub       *Hub
}

// New constructs the API server.
func New(q *queue.Store, eng *replay.Engine, mon *connectivity.Monitor, ops *fieldops.Controller, art *artifacts.Store, hub *Hub) *Server {
	return &Server{
		queue:     q,
		engine:    eng,
		monitor:   mon,
		ops:       ops,
		artifacts: art,
		hub:       hub,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"online":  s.monitor.IsOnline(),
			"pending": s.queue.Len(),
		})
	})
	r.Mount("/metrics", telemetry.Handler())
	r.Get("/ws", s.hub.ServeWS)

	r.Get("/jobs", s.handleJobs)
	r.Route("/jobs/{id}", func(r chi.Router) {
		r.Post("/check-in", s.handleCheckIn)
		r.Post("/check-out", s.handleCheckOut)
		r.Post("/status", s.handleStatus)
		r.Get("/notes", s.handleListNotes)
		r.Post("/notes", s.handleAddNote)
		r.Get("/materials", s.handleListMaterials)
		r.Post("/materials", s.handleAddMaterial)
		r.Post("/signature", s.handleUpload(models.ArtifactSignature))
		r.Post("/photos", s.handleUpload(models.ArtifactPhoto))
		r.Post("/voice-notes", s.handleUpload(models.ArtifactVoiceNote))
		r.Get("/artifacts", s.handleListArtifacts)
	})

	r.Get("/timer", s.handleTimer)
	r.Post("/timer/pause", s.handlePause)
	r.Post("/timer/resume", s.handleResume)

	r.Get("/queue", s.handleQueue)
	r.Post("/sync", s.handleSync)
	r.Get("/dlq", s.handleDLQ)
	r.Post("/dlq/retry", s.handleRetryDLQ)

	r.Get("/connectivity", s.handleConnectivity)
	r.Post("/connectivity", s.handleSetConnectivity)
	return r
}

type jobsResponse struct {
	Jobs  []models.Job `json:"jobs"`
	Stale bool         `json:"stale"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	filter := models.JobFilter{
		Status:     r.URL.Query().Get("status"),
		AssignedTo: r.URL.Query().Get("assigned_to"),
	}
	jobs, err := s.ops.RefreshJobs(r.Context(), filter)
	if err != nil {
		if !errors.Is(err, fieldops.ErrOffline) {
			log.Printf("api: job refresh failed, serving cache: %v", err)
		}
		writeJSON(w, http.StatusOK, jobsResponse{Jobs: jobs, Stale: true})
		return
	}
	writeJSON(w, http.StatusOK, jobsResponse{Jobs: jobs})
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	var req fieldops.CheckInRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	out, err := s.ops.CheckIn(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOutcome(w, out, nil)
}

func (s *Server) handleCheckOut(w http.ResponseWriter, r *http.Request) {
	var req fieldops.CheckOutRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	out, err := s.ops.CheckOut(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOutcome(w, out, nil)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	out, err := s.ops.UpdateStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOutcome(w, out, map[string]string{"status": req.Status})
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"notes": nonNil(s.ops.Notes(chi.URLParam(r, "id")))})
}

type noteRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	note, out, err := s.ops.AddNote(r.Context(), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOutcome(w, out, note)
}

func (s *Server) handleListMaterials(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"materials": nonNil(s.ops.Materials(chi.URLParam(r, "id")))})
}

func (s *Server) handleAddMaterial(w http.ResponseWriter, r *http.Request) {
	var req models.MaterialUsage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	saved, out, err := s.ops.AddMaterial(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOutcome(w, out, saved)
}

func (s *Server) handleTimer(w http.ResponseWriter, _ *http.Request) {
	timer, ok := s.ops.ActiveTimer()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, timerView(timer))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	timer, err := s.ops.PauseTimer(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, timerView(timer))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	timer, err := s.ops.ResumeTimer(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, timerView(timer))
}

func timerView(t models.ActiveTimer) map[string]any {
	return map[string]any{
		"active":          true,
		"job_id":          t.JobID,
		"start_time":      t.StartTime,
		"paused":          t.PausedAt != nil,
		"elapsed_seconds": int64(t.Elapsed(time.Now()).Seconds()),
	}
}

func (s *Server) handleUpload(kind models.ArtifactKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := s.artifacts.MaxBytes()
		body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		a, err := s.artifacts.Save(r.Context(), chi.URLParam(r, "id"), kind, r.Header.Get("Content-Type"), body)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, a)
	}
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	list, err := s.artifacts.List(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": nonNil(list)})
}

type queueResponse struct {
	Depth   int                   `json:"depth"`
	Since   *time.Time            `json:"pending_since,omitempty"`
	Syncing bool                  `json:"syncing"`
	Online  bool                  `json:"online"`
	Actions []models.QueuedAction `json:"actions"`
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	actions := nonNil(s.queue.Snapshot())
	resp := queueResponse{
		Depth:   len(actions),
		Syncing: s.engine.Running(),
		Online:  s.monitor.IsOnline(),
		Actions: actions,
	}
	if oldest, ok := s.queue.Oldest(); ok {
		resp.Since = &oldest
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSync runs a replay pass and reports its result.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Replay(r.Context())
	if err != nil {
		log.Printf("api: manual sync: %v", err)
		http.Error(w, "sync failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDLQ(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(s.queue.DeadLetters())})
}

func (s *Server) handleRetryDLQ(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.RetryDeadLetters(r.Context())
	if err != nil {
		http.Error(w, "failed to requeue dead letters", http.StatusInternalServerError)
		return
	}
	if n > 0 {
		s.engine.Trigger()
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func (s *Server) handleConnectivity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"online": s.monitor.IsOnline()})
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

func (s *Server) handleSetConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		http.Error(w, "online is required", http.StatusBadRequest)
		return
	}
	changed := s.monitor.Set(*req.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": *req.Online, "changed": changed})
}

// decodeOptional decodes a JSON body when one is present.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

// writeOutcome answers 202 for queued mutations and 200 for applied ones.
func writeOutcome(w http.ResponseWriter, out fieldops.Outcome, result any) {
	body := map[string]any{"queued": out.Queued}
	if out.Action != nil {
		body["action"] = out.Action
	}
	if result != nil {
		body["result"] = result
	}
	code := http.StatusOK
	if out.Queued {
		code = http.StatusAccepted
	}
	writeJSON(w, code, body)
}

func writeError(w http.ResponseWriter, err error) {
	var se *remote.StatusError
	switch {
	case errors.Is(err, fieldops.ErrInvalidInput),
		errors.Is(err, artifacts.ErrEmpty),
		errors.Is(err, artifacts.ErrNotAnImage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, fieldops.ErrAlreadyCheckedIn),
		errors.Is(err, fieldops.ErrNotCheckedIn),
		errors.Is(err, fieldops.ErrTimerPaused),
		errors.Is(err, fieldops.ErrTimerRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, artifacts.ErrTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
	case errors.As(err, &se):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
