// Package cascade removes every trace of a medication command: its live
// events, its archived events, and the derived legacy rows older releases
// kept alongside the log. Steps run independently so one failing surface
// never blocks the rest, and every step is idempotent so a partial run can
// simply be repeated.
package cascade

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/NPNMD/KinConnectSurface-sub017/internal/observability/metrics"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/store"
)

// StepResult records one deletion surface's outcome.
type StepResult struct {
	Step    string `json:"step"`
	Deleted int64  `json:"deleted"`
	Err     string `json:"error,omitempty"`
}

// Report is the outcome of one cascade. Complete is true only when every
// step, including the final command removal, succeeded.
type Report struct {
	CommandID string        `json:"command_id"`
	Steps     []StepResult  `json:"steps"`
	Complete  bool          `json:"complete"`
	Duration  time.Duration `json:"duration"`
}

// Failed returns the names of the steps that reported an error.
func (r *Report) Failed() []string {
	var out []string
	for _, s := range r.Steps {
		if s.Err != "" {
			out = append(out, s.Step)
		}
	}
	return out
}

// Store is the slice of persistence the cascade needs.
type Store interface {
	store.EventStore
	store.CommandStore
	store.LegacyStore
}

// Manager runs cascades.
type Manager struct {
	store   Store
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

func NewManager(st Store, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:   st,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("cascade"),
	}
}

type step struct {
	name string
	run  func(ctx context.Context) (int64, error)
}

// Delete removes the command and everything derived from it. Data surfaces
// are cleared first and independently; the command row itself goes last and
// only when every surface succeeded, so a retry still finds the command and
// re-runs the full cascade.
func (m *Manager) Delete(ctx context.Context, commandID string) *Report {
	ctx, span := m.tracer.Start(ctx, "cascade_delete",
		trace.WithAttributes(attribute.String("command_id", commandID)))
	defer span.End()

	start := time.Now()
	report := &Report{CommandID: commandID}

	steps := []step{
		{"live_events", func(ctx context.Context) (int64, error) {
			return m.store.DeleteEventsByCommand(ctx, commandID)
		}},
		{"archived_events", func(ctx context.Context) (int64, error) {
			return m.store.DeleteArchivedByCommand(ctx, commandID)
		}},
		{"legacy_schedules", func(ctx context.Context) (int64, error) {
			return m.store.DeleteLegacySchedules(ctx, commandID)
		}},
		{"legacy_calendar_entries", func(ctx context.Context) (int64, error) {
			return m.store.DeleteLegacyCalendarEntries(ctx, commandID)
		}},
		{"legacy_reminders", func(ctx context.Context) (int64, error) {
			return m.store.DeleteLegacyReminders(ctx, commandID)
		}},
	}

	allOk := true
	for _, s := range steps {
		res := StepResult{Step: s.name}
		n, err := s.run(ctx)
		res.Deleted = n
		if err != nil {
			res.Err = err.Error()
			allOk = false
			m.logger.Error("cascade step failed",
				zap.String("command_id", commandID),
				zap.String("step", s.name),
				zap.Error(err))
		}
		report.Steps = append(report.Steps, res)
	}

	if allOk {
		res := StepResult{Step: "command"}
		if err := m.store.DeleteCommand(ctx, commandID); err != nil {
			res.Err = err.Error()
			allOk = false
			m.logger.Error("cascade step failed",
				zap.String("command_id", commandID),
				zap.String("step", "command"),
				zap.Error(err))
		} else {
			res.Deleted = 1
		}
		report.Steps = append(report.Steps, res)
	}

	report.Complete = allOk
	report.Duration = time.Since(start)

	if m.metrics != nil && report.Complete {
		m.metrics.CascadeDeletions.Inc()
	}
	span.SetAttributes(attribute.Bool("complete", report.Complete))
	m.logger.Info("cascade delete finished",
		zap.String("command_id", commandID),
		zap.Bool("complete", report.Complete),
		zap.Strings("failed_steps", report.Failed()))
	return report
}
