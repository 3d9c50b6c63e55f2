package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/NPNMD/KinConnectSurface-sub017/internal/bucket"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/domain/event"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/errs"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/store"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/sweep/missed"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/sweep/rollover"
)

// EngineHandler exposes the engine's operational surface: event queries,
// manual sweep triggers and the today-bucket projection.
type EngineHandler struct {
	store    store.Store
	detector *missed.Detector
	rollover *rollover.Service
	buckets  *bucket.Builder
	logger   *zap.Logger
}

// NewEngineHandler creates a new handler
func NewEngineHandler(st store.Store, det *missed.Detector, roll *rollover.Service, b *bucket.Builder, logger *zap.Logger) *EngineHandler {
	return &EngineHandler{
		store:    st,
		detector: det,
		rollover: roll,
		buckets:  b,
		logger:   logger,
	}
}

// Routes returns the handler routes
func (h *EngineHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/events", h.QueryEvents)
	r.Post("/sweeps/missed", h.TriggerMissed)
	r.Post("/sweeps/rollover", h.TriggerRollover)
	r.Get("/patients/{patientID}/bucket", h.TodayBucket)
	r.Get("/patients/{patientID}/summaries/{date}", h.Summary)
	return r
}

// QueryEvents handles GET /events with filter query parameters. With
// ?archived=true it reads the archive store instead of the live log.
func (h *EngineHandler) QueryEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	f := store.EventFilter{
		PatientID: q.Get("patient_id"),
		CommandID: q.Get("command_id"),
	}
	for _, t := range q["type"] {
		f.Types = append(f.Types, event.Type(t))
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.jsonError(w, "invalid from timestamp", http.StatusBadRequest)
			return
		}
		f.ScheduledGTE = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.jsonError(w, "invalid to timestamp", http.StatusBadRequest)
			return
		}
		f.ScheduledLT = t
	}

	query := h.store.QueryEvents
	if q.Get("archived") == "true" {
		query = h.store.QueryArchivedEvents
	}
	events, err := query(ctx, f)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if events == nil {
		events = []*event.Event{}
	}
	h.writeJSON(w, http.StatusOK, events)
}

// TriggerMissed handles POST /sweeps/missed?dry_run=true
func (h *EngineHandler) TriggerMissed(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dry_run") == "true"
	report := h.detector.Run(r.Context(), time.Now().UTC(), dryRun)
	h.writeJSON(w, http.StatusOK, report)
}

// TriggerRollover handles POST /sweeps/rollover?dry_run=true
func (h *EngineHandler) TriggerRollover(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dry_run") == "true"
	report := h.rollover.Run(r.Context(), time.Now().UTC(), dryRun)
	h.writeJSON(w, http.StatusOK, report)
}

// TodayBucket handles GET /patients/{patientID}/bucket
func (h *EngineHandler) TodayBucket(w http.ResponseWriter, r *http.Request) {
	view, err := h.buckets.Today(r.Context(), chi.URLParam(r, "patientID"), time.Now().UTC())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// Summary handles GET /patients/{patientID}/summaries/{date}
func (h *EngineHandler) Summary(w http.ResponseWriter, r *http.Request) {
	s, err := h.store.GetSummary(r.Context(), chi.URLParam(r, "patientID"), chi.URLParam(r, "date"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, s)
}

func (h *EngineHandler) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errs.IsValidation(err):
		h.jsonError(w, err.Error(), http.StatusBadRequest)
	case errs.IsNotFound(err):
		h.jsonError(w, err.Error(), http.StatusNotFound)
	default:
		h.logger.Error("request failed", zap.Error(err))
		h.jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *EngineHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *EngineHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
