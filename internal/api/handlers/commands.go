// Package handlers provides HTTP handlers for the dose API.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/NPNMD/KinConnectSurface-sub017/internal/api/middleware"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/domain/command"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/domain/event"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/errs"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/orchestrator"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/schedule"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/store"
)

// CommandHandler handles medication command endpoints
type CommandHandler struct {
	store        store.Store
	materializer *schedule.Materializer
	orch         *orchestrator.Orchestrator
	logger       *zap.Logger
}

// NewCommandHandler creates a new handler
func NewCommandHandler(st store.Store, mat *schedule.Materializer, orch *orchestrator.Orchestrator, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{
		store:        st,
		materializer: mat,
		orch:         orch,
		logger:       logger,
	}
}

// Routes returns the handler routes
func (h *CommandHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
	r.Get("/{id}/events", h.History)
	r.Post("/{id}/status", h.Status)
	r.Post("/{id}/doses/take", h.Take)
	r.Post("/{id}/doses/skip", h.Skip)
	r.Post("/{id}/doses/snooze", h.Snooze)
	r.Post("/{id}/doses/reschedule", h.Reschedule)
	r.Post("/{id}/doses/undo", h.Undo)
	return r
}

// CreateRequest is the request body for creating a command
type CreateRequest struct {
	PatientID  string              `json:"patient_id"`
	Medication command.Medication  `json:"medication"`
	Schedule   command.Schedule    `json:"schedule"`
	Grace      command.GraceConfig `json:"grace"`
	Timezone   string              `json:"timezone"`
}

// CreateResponse is the response for creating a command
type CreateResponse struct {
	ID              string    `json:"id"`
	Status          string    `json:"status"`
	DosesScheduled  int       `json:"doses_scheduled"`
	LookaheadToDate time.Time `json:"lookahead_to"`
	CreatedAt       time.Time `json:"created_at"`
}

// Create handles POST /commands: it persists the command and materializes
// its lookahead window of scheduled doses.
func (h *CommandHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("command-handler")
	ctx, span := tracer.Start(ctx, "create_command")
	defer span.End()

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cmd := command.New(uuid.New().String(), req.PatientID, req.Medication, req.Schedule, req.Grace, req.Timezone)
	span.SetAttributes(attribute.String("command_id", cmd.ID))

	if err := cmd.Validate(); err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.store.PutCommand(ctx, cmd); err != nil {
		h.logger.Error("command save failed", zap.Error(err))
		h.jsonError(w, "failed to save command", http.StatusInternalServerError)
		return
	}

	win := schedule.WindowFrom(time.Now().UTC())
	events, err := h.materializer.Materialize(ctx, cmd, win)
	if err != nil {
		h.logger.Error("materialization failed",
			zap.String("command_id", cmd.ID),
			zap.Error(err))
		h.jsonError(w, "command saved but scheduling failed", http.StatusInternalServerError)
		return
	}

	h.logger.Info("command created",
		zap.String("id", cmd.ID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.Int("doses_scheduled", len(events)))

	h.writeJSON(w, http.StatusCreated, CreateResponse{
		ID:              cmd.ID,
		Status:          string(cmd.Status),
		DosesScheduled:  len(events),
		LookaheadToDate: win.To,
		CreatedAt:       cmd.CreatedAt,
	})
}

// Get handles GET /commands/{id}
func (h *CommandHandler) Get(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.store.GetCommand(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, cmd)
}

// UpdateRequest is the request body for updating a command's schedule or
// grace configuration.
type UpdateRequest struct {
	Schedule *command.Schedule    `json:"schedule,omitempty"`
	Grace    *command.GraceConfig `json:"grace,omitempty"`
}

// Update handles PUT /commands/{id}. Already-materialized doses keep their
// frozen grace; new materializations use the updated config.
func (h *CommandHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cmd, err := h.store.GetCommand(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if req.Schedule != nil {
		cmd.Schedule = *req.Schedule
	}
	if req.Grace != nil {
		cmd.Grace = *req.Grace
	}
	if err := cmd.Validate(); err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	cmd.Touch("")
	if err := h.store.UpdateCommand(ctx, cmd); err != nil {
		h.writeErr(w, err)
		return
	}

	// A schedule change invalidates the materialized look-ahead for times the
	// new rule no longer produces; new slots are filled in immediately.
	if req.Schedule != nil {
		if _, err := h.materializer.Materialize(ctx, cmd, schedule.WindowFrom(time.Now().UTC())); err != nil {
			h.logger.Error("rematerialization failed",
				zap.String("command_id", cmd.ID),
				zap.Error(err))
			h.jsonError(w, "command updated but scheduling failed", http.StatusInternalServerError)
			return
		}
	}
	h.writeJSON(w, http.StatusOK, cmd)
}

// Delete handles DELETE /commands/{id}: full cascade through the
// orchestrator. A partial failure returns 207 with the per-step report.
func (h *CommandHandler) Delete(w http.ResponseWriter, r *http.Request) {
	report, err := h.orch.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	status := http.StatusOK
	if !report.Complete {
		status = http.StatusMultiStatus
	}
	h.writeJSON(w, status, report)
}

// History handles GET /commands/{id}/events: the command's live event stream,
// with ?archived=true including rolled-over events.
func (h *CommandHandler) History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	f := store.EventFilter{CommandID: id}
	live, err := h.store.QueryEvents(ctx, f)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	events := live
	if r.URL.Query().Get("archived") == "true" {
		archived, err := h.store.QueryArchivedEvents(ctx, f)
		if err != nil {
			h.writeErr(w, err)
			return
		}
		events = append(events, archived...)
	}
	if events == nil {
		events = []*event.Event{}
	}
	h.writeJSON(w, http.StatusOK, events)
}

// StatusRequest is the request body for a status transition.
type StatusRequest struct {
	Status command.Status `json:"status"`
}

// Status handles POST /commands/{id}/status
func (h *CommandHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var err error
	switch req.Status {
	case command.StatusPaused:
		err = h.orch.Pause(ctx, id)
	case command.StatusActive:
		err = h.orch.Resume(ctx, id)
	case command.StatusHeld:
		err = h.orch.Hold(ctx, id)
	case command.StatusDiscontinued:
		err = h.orch.Discontinue(ctx, id)
	case command.StatusCompleted:
		err = h.orch.Complete(ctx, id)
	default:
		h.jsonError(w, "unknown status "+string(req.Status), http.StatusBadRequest)
		return
	}
	if err != nil {
		h.writeErr(w, err)
		return
	}

	// A resumed command materialized nothing while suspended; refill its
	// look-ahead so doses start flowing again without waiting for the
	// periodic top-up.
	if req.Status == command.StatusActive {
		cmd, err := h.store.GetCommand(ctx, id)
		if err == nil {
			if _, err := h.materializer.Materialize(ctx, cmd, schedule.WindowFrom(time.Now().UTC())); err != nil {
				h.logger.Error("rematerialization failed",
					zap.String("command_id", id),
					zap.Error(err))
			}
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(req.Status)})
}

// DoseActionRequest identifies the dose slot an action applies to.
type DoseActionRequest struct {
	ScheduledFor     time.Time `json:"scheduled_for"`
	Dosage           string    `json:"dosage,omitempty"`
	Notes            string    `json:"notes,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	SnoozeMinutes    int       `json:"snooze_minutes,omitempty"`
	NewScheduledTime time.Time `json:"new_scheduled_time,omitempty"`
}

// Take handles POST /commands/{id}/doses/take
func (h *CommandHandler) Take(w http.ResponseWriter, r *http.Request) {
	h.doseAction(w, r, func(r *http.Request, id string, req DoseActionRequest) (*orchestrator.ActionResult, error) {
		return h.orch.Take(r.Context(), id, req.ScheduledFor,
			event.TakenData{Dosage: req.Dosage, Notes: req.Notes})
	})
}

// Skip handles POST /commands/{id}/doses/skip
func (h *CommandHandler) Skip(w http.ResponseWriter, r *http.Request) {
	h.doseAction(w, r, func(r *http.Request, id string, req DoseActionRequest) (*orchestrator.ActionResult, error) {
		return h.orch.Skip(r.Context(), id, req.ScheduledFor, req.Reason)
	})
}

// Snooze handles POST /commands/{id}/doses/snooze
func (h *CommandHandler) Snooze(w http.ResponseWriter, r *http.Request) {
	h.doseAction(w, r, func(r *http.Request, id string, req DoseActionRequest) (*orchestrator.ActionResult, error) {
		return h.orch.Snooze(r.Context(), id, req.ScheduledFor, req.SnoozeMinutes)
	})
}

// Reschedule handles POST /commands/{id}/doses/reschedule
func (h *CommandHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	h.doseAction(w, r, func(r *http.Request, id string, req DoseActionRequest) (*orchestrator.ActionResult, error) {
		return h.orch.Reschedule(r.Context(), id, req.ScheduledFor, req.NewScheduledTime, req.Reason)
	})
}

// Undo handles POST /commands/{id}/doses/undo
func (h *CommandHandler) Undo(w http.ResponseWriter, r *http.Request) {
	h.doseAction(w, r, func(r *http.Request, id string, req DoseActionRequest) (*orchestrator.ActionResult, error) {
		return h.orch.Undo(r.Context(), id, req.ScheduledFor)
	})
}

func (h *CommandHandler) doseAction(w http.ResponseWriter, r *http.Request,
	fn func(r *http.Request, id string, req DoseActionRequest) (*orchestrator.ActionResult, error)) {

	id := chi.URLParam(r, "id")
	var req DoseActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ScheduledFor.IsZero() {
		h.jsonError(w, "scheduled_for is required", http.StatusBadRequest)
		return
	}

	result, err := fn(r, id, req)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// writeErr maps domain errors onto HTTP status codes.
func (h *CommandHandler) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errs.IsValidation(err):
		h.jsonError(w, err.Error(), http.StatusBadRequest)
	case errs.IsNotFound(err):
		h.jsonError(w, err.Error(), http.StatusNotFound)
	case errs.IsConsistency(err):
		h.jsonError(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error("request failed", zap.Error(err))
		h.jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *CommandHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *CommandHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
