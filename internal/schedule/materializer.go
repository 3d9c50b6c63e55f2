// Package schedule expands a command's recurrence rule into concrete
// dose_scheduled events over a bounded look-ahead window. Materialization is
// idempotent: scheduled ids are deterministic, and candidates that already
// exist in the log are discarded, so re-running the same window is a no-op.
package schedule

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/NPNMD/KinConnectSurface-sub017/internal/domain/command"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/domain/event"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/errs"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/grace"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/observability/metrics"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/store"
	"github.com/NPNMD/KinConnectSurface-sub017/pkg/idempotency"
)

// DefaultLookaheadDays is the rolling materialization horizon.
const DefaultLookaheadDays = 7

// Materializer projects scheduled-dose events for commands.
type Materializer struct {
	store   store.EventStore
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewMaterializer creates a materializer.
func NewMaterializer(st store.EventStore, m *metrics.Metrics, logger *zap.Logger) *Materializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Materializer{store: st, metrics: m, logger: logger}
}

// Window bounds one materialization invocation, [From, To) in UTC.
type Window struct {
	From time.Time
	To   time.Time
}

// WindowFrom builds the default rolling window starting at now.
func WindowFrom(now time.Time) Window {
	return Window{From: now.UTC(), To: now.UTC().AddDate(0, 0, DefaultLookaheadDays)}
}

// Materialize expands cmd over the window and appends the new dose_scheduled
// events. Validation failures reject the whole invocation before any write.
// The returned slice holds only events that were actually written.
func (m *Materializer) Materialize(ctx context.Context, cmd *command.Command, w Window) ([]*event.Event, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if !cmd.Active() {
		return nil, nil
	}

	loc, err := time.LoadLocation(cmd.Timezone)
	if err != nil {
		return nil, errs.Validation("timezone", "unknown IANA zone: "+cmd.Timezone)
	}

	candidates := expand(cmd, w, loc)
	if len(candidates) == 0 {
		return nil, nil
	}

	existing, err := m.existingScheduleIDs(ctx, cmd.ID, w)
	if err != nil {
		return nil, err
	}

	var events []*event.Event
	for _, scheduledFor := range candidates {
		id := idempotency.ScheduledEventID(cmd.ID, scheduledFor)
		if existing[id] {
			continue
		}
		g := grace.Compute(cmd.Grace, scheduledFor)
		e := &event.Event{
			ID:        id,
			CommandID: cmd.ID,
			PatientID: cmd.PatientID,
			Type:      event.TypeDoseScheduled,
			Context: event.Context{
				MedicationName: cmd.Medication.Name,
				ScheduleID:     cmd.ID,
				TriggerSource:  event.TriggerScheduledTask,
			},
			Timing: event.Timing{
				EventTimestamp: time.Now().UTC(),
				ScheduledFor:   scheduledFor.UTC(),
				GracePeriodEnd: g.End.UTC(),
			},
			Metadata: event.Metadata{EventVersion: cmd.Version, CreatedBy: "materializer"},
		}
		events = append(events, e)
	}
	if len(events) == 0 {
		return nil, nil
	}

	written, err := m.store.AppendEvents(ctx, events)
	if err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.DosesScheduled.Add(float64(written))
	}
	m.logger.Info("materialized schedule",
		zap.String("command_id", cmd.ID),
		zap.String("patient_id", cmd.PatientID),
		zap.Int("candidates", len(candidates)),
		zap.Int("written", written))
	return events, nil
}

// TopUpReport summarizes one look-ahead refresh pass.
type TopUpReport struct {
	Commands int `json:"commands"`
	Written  int `json:"written"`
	Errors   int `json:"errors"`
}

// TopUp re-materializes the rolling window for every active command. Create,
// update and resume each materialize immediately; the periodic pass keeps
// the look-ahead full for long-running commands whose last materialization
// has scrolled behind the horizon. One failing command does not abort the
// pass.
func (m *Materializer) TopUp(ctx context.Context, commands store.CommandStore, now time.Time) *TopUpReport {
	report := &TopUpReport{}
	active, err := commands.ListActiveCommands(ctx)
	if err != nil {
		m.logger.Error("active command scan failed", zap.Error(err))
		report.Errors++
		return report
	}

	w := WindowFrom(now)
	for _, cmd := range active {
		events, err := m.Materialize(ctx, cmd, w)
		if err != nil {
			report.Errors++
			m.logger.Warn("materialization top-up failed",
				zap.String("command_id", cmd.ID),
				zap.Error(err))
			continue
		}
		report.Commands++
		report.Written += len(events)
	}
	m.logger.Info("materialization top-up finished",
		zap.Int("commands", report.Commands),
		zap.Int("written", report.Written),
		zap.Int("errors", report.Errors))
	return report
}

// existingScheduleIDs loads the ids of scheduled events already in the window.
func (m *Materializer) existingScheduleIDs(ctx context.Context, commandID string, w Window) (map[string]bool, error) {
	events, err := m.store.QueryEvents(ctx, store.EventFilter{
		CommandID:    commandID,
		Types:        []event.Type{event.TypeDoseScheduled},
		ScheduledGTE: w.From,
		ScheduledLT:  w.To,
	})
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(events))
	for _, e := range events {
		ids[e.ID] = true
	}
	return ids, nil
}

// expand produces the candidate scheduled times, local to loc, filtered to
// the window and the command's [start, end] range.
func expand(cmd *command.Command, w Window, loc *time.Location) []time.Time {
	s := cmd.Schedule
	if s.Frequency == command.FrequencyAsNeeded {
		return nil
	}

	var out []time.Time
	day := w.From.In(loc)
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)

	for ; day.Before(w.To.In(loc)); day = day.AddDate(0, 0, 1) {
		if !dayMatches(s, day) {
			continue
		}
		for _, clock := range s.Times {
			hour, minute, err := command.ParseClock(clock)
			if err != nil {
				continue // Validate rejected these already
			}
			t := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
			if t.Before(w.From) || !t.Before(w.To) {
				continue
			}
			if t.Before(s.StartDate) {
				continue
			}
			if !s.IsIndefinite && !s.EndDate.IsZero() && t.After(s.EndDate) {
				continue
			}
			out = append(out, t)
		}
	}
	return out
}

// dayMatches applies the frequency's day-selection rule.
func dayMatches(s command.Schedule, day time.Time) bool {
	switch s.Frequency {
	case command.FrequencyDaily, command.FrequencyTwiceDaily,
		command.FrequencyThreeTimesDaily, command.FrequencyFourTimesDaily:
		return true
	case command.FrequencyWeekly:
		for _, wd := range s.DaysOfWeek {
			if day.Weekday() == wd {
				return true
			}
		}
		return false
	case command.FrequencyMonthly:
		return day.Day() == command.ClampDayOfMonth(s.DayOfMonth, day.Year(), day.Month())
	default:
		return false
	}
}
