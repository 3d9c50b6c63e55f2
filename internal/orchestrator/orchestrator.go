// Package orchestrator coordinates user-initiated dose actions and command
// lifecycle changes. Every action folds the dose's event stream to check
// eligibility, appends exactly one correlated event, bumps the command
// version, requests a notification, and publishes the event toward the
// broker; the append is idempotent so a retried action is a no-op.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/NPNMD/KinConnectSurface-sub017/internal/cascade"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/domain/command"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/domain/event"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/errs"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/grace"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/notify"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/observability/metrics"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/publish"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/store"
	"github.com/NPNMD/KinConnectSurface-sub017/pkg/idempotency"
)

// UndoWindow bounds how long after a terminal event it can be compensated.
const UndoWindow = 30 * time.Minute

// MaxSnoozeMinutes bounds a single snooze.
const MaxSnoozeMinutes = 240

// ActionResult reports one completed action.
type ActionResult struct {
	EventID           string `json:"event_id"`
	CommandVersion    int    `json:"command_version"`
	NotificationsSent int    `json:"notifications_sent"`
	ExecutionTimeMs   int64  `json:"execution_time_ms"`
}

// Orchestrator executes dose actions against the event log.
type Orchestrator struct {
	store     store.Store
	cascade   *cascade.Manager
	notifier  notify.Notifier
	publisher publish.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	clock     func() time.Time
}

func New(st store.Store, cm *cascade.Manager, n notify.Notifier, pub publish.Publisher, m *metrics.Metrics, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if n == nil {
		n = notify.Nop{}
	}
	if pub == nil {
		pub = publish.Nop{}
	}
	return &Orchestrator{
		store:     st,
		cascade:   cm,
		notifier:  n,
		publisher: pub,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("orchestrator"),
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (o *Orchestrator) WithClock(fn func() time.Time) *Orchestrator {
	o.clock = fn
	return o
}

// loadDose fetches the command and the folded dose for one slot. The dose
// must have a scheduled event; an unknown slot is a NotFoundError.
func (o *Orchestrator) loadDose(ctx context.Context, commandID string, scheduledFor time.Time) (*command.Command, event.Dose, error) {
	cmd, err := o.store.GetCommand(ctx, commandID)
	if err != nil {
		return nil, event.Dose{}, err
	}
	events, err := o.store.EventsForDose(ctx, commandID, scheduledFor)
	if err != nil {
		return nil, event.Dose{}, err
	}
	dose := event.FoldDose(events)
	if dose.ScheduledEvent == nil {
		return nil, event.Dose{}, errs.NotFound("dose", fmt.Sprintf("%s@%s", commandID, scheduledFor.UTC().Format(time.RFC3339)))
	}
	return cmd, dose, nil
}

// finish appends the events, bumps the command, publishes them, records
// metrics and sends the notification. It is the shared tail of every dose
// action; every event lands or none do, and everything after the append is
// warn-only because the log already holds the truth.
func (o *Orchestrator) finish(ctx context.Context, cmd *command.Command, events []*event.Event, note *notify.Request, start time.Time) (*ActionResult, error) {
	if _, err := o.store.AppendEvents(ctx, events); err != nil {
		return nil, err
	}
	head := events[0]

	cmd.Touch(head.ID)
	if err := o.store.UpdateCommand(ctx, cmd); err != nil {
		// The event is durable; the stale version will be reconciled by the
		// next action on this command.
		o.logger.Warn("command version update failed after append",
			zap.String("command_id", cmd.ID),
			zap.String("event_id", head.ID),
			zap.Error(err))
	}

	for _, e := range events {
		if err := o.publisher.DoseEvent(ctx, e); err != nil {
			o.logger.Warn("dose event publication failed",
				zap.String("event_id", e.ID),
				zap.Error(err))
		}
	}

	sent := 0
	if note != nil {
		n, err := o.notifier.Send(ctx, *note)
		if err != nil {
			o.logger.Warn("action notification failed",
				zap.String("command_id", cmd.ID),
				zap.Error(err))
		} else {
			sent = n
		}
	}

	elapsed := time.Since(start)
	if o.metrics != nil {
		o.metrics.ActionDuration.Observe(elapsed.Seconds())
	}
	return &ActionResult{
		EventID:           head.ID,
		CommandVersion:    cmd.Version,
		NotificationsSent: sent,
		ExecutionTimeMs:   elapsed.Milliseconds(),
	}, nil
}

// note builds the standard action notification.
func (o *Orchestrator) note(cmd *command.Command, title, msg string, urgency notify.Urgency) *notify.Request {
	return &notify.Request{
		PatientID: cmd.PatientID,
		CommandID: cmd.ID,
		Title:     title,
		Message:   msg,
		Urgency:   urgency,
	}
}

// withinUndoWindow reports whether the dose's terminal event is still
// compensatable.
func (o *Orchestrator) withinUndoWindow(dose event.Dose) bool {
	return dose.TerminalEvent != nil &&
		o.clock().Sub(dose.TerminalEvent.Timing.EventTimestamp) <= UndoWindow
}

// compensation builds the dose_rescheduled event that returns a terminal
// dose to scheduled state.
func (o *Orchestrator) compensation(cmd *command.Command, dose event.Dose) (*event.Event, error) {
	e, err := event.New(cmd.ID, cmd.PatientID, event.TypeDoseRescheduled,
		event.RescheduledData{NewScheduledTime: dose.ScheduledFor, Reason: "undo"})
	if err != nil {
		return nil, err
	}
	e.WithContext(cmd.Medication.Name, dose.ScheduledEvent.Context.ScheduleID, event.TriggerUserAction)
	e.WithCorrelation(dose.TerminalEvent.ID)
	e.Timing.ScheduledFor = dose.ScheduledFor
	e.Metadata.CreatedBy = "orchestrator"
	e.Metadata.EventVersion = cmd.Version
	return e, nil
}

// Take records a dose as taken. Eligible from scheduled state, or from
// missed while its terminal event is still inside the undo window: that path
// appends the compensating event implicitly, so a caregiver catching up a
// just-missed dose does not need a separate undo call. The terminal id
// carries the dose's compensation count so a take after an undo produces a
// fresh event instead of colliding with the undone one.
func (o *Orchestrator) Take(ctx context.Context, commandID string, scheduledFor time.Time, data event.TakenData) (*ActionResult, error) {
	ctx, span := o.tracer.Start(ctx, "action_take",
		trace.WithAttributes(attribute.String("command_id", commandID)))
	defer span.End()
	start := time.Now()

	cmd, dose, err := o.loadDose(ctx, commandID, scheduledFor)
	if err != nil {
		return nil, err
	}

	var batch []*event.Event
	if dose.State != event.StateScheduled {
		if dose.State != event.StateMissed || !o.withinUndoWindow(dose) {
			return nil, errs.Consistency("take", string(dose.State))
		}
		comp, err := o.compensation(cmd, dose)
		if err != nil {
			return nil, err
		}
		batch = append(batch, comp)
		dose.Compensations++
		dose.TerminalEvent = nil
	}

	now := o.clock()
	e, err := event.New(commandID, cmd.PatientID, event.TypeDoseTaken, data)
	if err != nil {
		return nil, err
	}
	e.ID = idempotency.TerminalEventID(commandID, scheduledFor, dose.Compensations)
	e.WithContext(cmd.Medication.Name, dose.ScheduledEvent.Context.ScheduleID, event.TriggerUserAction)
	e.WithCorrelation(dose.ScheduledEvent.ID)
	e.Timing.ScheduledFor = dose.ScheduledFor
	e.Timing.GracePeriodEnd = dose.GracePeriodEnd
	if now.After(dose.ScheduledFor) {
		e.Timing.MinutesLate = int(now.Sub(dose.ScheduledFor).Minutes())
	}
	e.Metadata.CreatedBy = "orchestrator"
	e.Metadata.EventVersion = cmd.Version
	if len(batch) > 0 {
		// The compensating event must fold strictly before the take.
		e.Timing.EventTimestamp = batch[0].Timing.EventTimestamp.Add(time.Millisecond)
	}
	batch = append(batch, e)

	note := o.note(cmd, "Dose taken",
		fmt.Sprintf("%s recorded as taken", cmd.Medication.Name), notify.UrgencyLow)
	res, err := o.finish(ctx, cmd, batch, note, start)
	if err != nil {
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.DosesTaken.Inc()
	}
	res.EventID = e.ID
	return res, nil
}

// Skip records a dose as intentionally skipped.
func (o *Orchestrator) Skip(ctx context.Context, commandID string, scheduledFor time.Time, reason string) (*ActionResult, error) {
	ctx, span := o.tracer.Start(ctx, "action_skip",
		trace.WithAttributes(attribute.String("command_id", commandID)))
	defer span.End()
	start := time.Now()

	cmd, dose, err := o.loadDose(ctx, commandID, scheduledFor)
	if err != nil {
		return nil, err
	}
	if dose.State != event.StateScheduled {
		return nil, errs.Consistency("skip", string(dose.State))
	}

	e, err := event.New(commandID, cmd.PatientID, event.TypeDoseSkipped, event.SkippedData{Reason: reason})
	if err != nil {
		return nil, err
	}
	e.ID = idempotency.TerminalEventID(commandID, scheduledFor, dose.Compensations)
	e.WithContext(cmd.Medication.Name, dose.ScheduledEvent.Context.ScheduleID, event.TriggerUserAction)
	e.WithCorrelation(dose.ScheduledEvent.ID)
	e.Timing.ScheduledFor = dose.ScheduledFor
	e.Timing.GracePeriodEnd = dose.GracePeriodEnd
	e.Metadata.CreatedBy = "orchestrator"
	e.Metadata.EventVersion = cmd.Version

	note := o.note(cmd, "Dose skipped",
		fmt.Sprintf("%s skipped", cmd.Medication.Name), notify.UrgencyNormal)
	res, err := o.finish(ctx, cmd, []*event.Event{e}, note, start)
	if err != nil {
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.DosesSkipped.Inc()
	}
	return res, nil
}

// Snooze defers a scheduled dose by minutes. The original dose is superseded
// and a new scheduled event is appended at the deferred time with grace
// recomputed for that time.
func (o *Orchestrator) Snooze(ctx context.Context, commandID string, scheduledFor time.Time, minutes int) (*ActionResult, error) {
	ctx, span := o.tracer.Start(ctx, "action_snooze",
		trace.WithAttributes(attribute.String("command_id", commandID)))
	defer span.End()
	start := time.Now()

	if minutes <= 0 || minutes > MaxSnoozeMinutes {
		return nil, errs.Validation("snooze_minutes", fmt.Sprintf("must be in (0,%d]", MaxSnoozeMinutes))
	}

	cmd, dose, err := o.loadDose(ctx, commandID, scheduledFor)
	if err != nil {
		return nil, err
	}
	if dose.State != event.StateScheduled {
		return nil, errs.Consistency("snooze", string(dose.State))
	}

	newTime := dose.ScheduledFor.Add(time.Duration(minutes) * time.Minute)
	snoozed, err := event.New(commandID, cmd.PatientID, event.TypeDoseSnoozed,
		event.SnoozedData{SnoozeMinutes: minutes, NewScheduledTime: newTime})
	if err != nil {
		return nil, err
	}
	snoozed.WithContext(cmd.Medication.Name, dose.ScheduledEvent.Context.ScheduleID, event.TriggerUserAction)
	snoozed.WithCorrelation(dose.ScheduledEvent.ID)
	snoozed.Timing.ScheduledFor = dose.ScheduledFor
	snoozed.Metadata.CreatedBy = "orchestrator"

	next, err := o.successor(cmd, dose, snoozed.ID, newTime)
	if err != nil {
		return nil, err
	}

	note := o.note(cmd, "Dose snoozed",
		fmt.Sprintf("%s deferred %d minutes", cmd.Medication.Name, minutes), notify.UrgencyNormal)
	return o.finish(ctx, cmd, []*event.Event{snoozed, next}, note, start)
}

// Reschedule moves a scheduled dose to an explicit new time.
func (o *Orchestrator) Reschedule(ctx context.Context, commandID string, scheduledFor, newTime time.Time, reason string) (*ActionResult, error) {
	ctx, span := o.tracer.Start(ctx, "action_reschedule",
		trace.WithAttributes(attribute.String("command_id", commandID)))
	defer span.End()
	start := time.Now()

	if newTime.IsZero() || newTime.Equal(scheduledFor) {
		return nil, errs.Validation("new_scheduled_time", "must differ from scheduled_for")
	}

	cmd, dose, err := o.loadDose(ctx, commandID, scheduledFor)
	if err != nil {
		return nil, err
	}
	if dose.State != event.StateScheduled {
		return nil, errs.Consistency("reschedule", string(dose.State))
	}

	moved, err := event.New(commandID, cmd.PatientID, event.TypeDoseRescheduled,
		event.RescheduledData{NewScheduledTime: newTime, Reason: reason})
	if err != nil {
		return nil, err
	}
	moved.WithContext(cmd.Medication.Name, dose.ScheduledEvent.Context.ScheduleID, event.TriggerUserAction)
	moved.WithCorrelation(dose.ScheduledEvent.ID)
	moved.Timing.ScheduledFor = dose.ScheduledFor
	moved.Metadata.CreatedBy = "orchestrator"

	next, err := o.successor(cmd, dose, moved.ID, newTime)
	if err != nil {
		return nil, err
	}

	note := o.note(cmd, "Dose rescheduled",
		fmt.Sprintf("%s moved to %s", cmd.Medication.Name, newTime.UTC().Format(time.RFC3339)), notify.UrgencyNormal)
	return o.finish(ctx, cmd, []*event.Event{moved, next}, note, start)
}

// successor builds the replacement dose_scheduled event for a snoozed or
// rescheduled dose, with grace recomputed for the new time.
func (o *Orchestrator) successor(cmd *command.Command, dose event.Dose, correlationID string, newTime time.Time) (*event.Event, error) {
	g := grace.Compute(cmd.Grace, newTime)
	next, err := event.New(cmd.ID, cmd.PatientID, event.TypeDoseScheduled, nil)
	if err != nil {
		return nil, err
	}
	next.ID = idempotency.ScheduledEventID(cmd.ID, newTime)
	next.WithContext(cmd.Medication.Name, dose.ScheduledEvent.Context.ScheduleID, event.TriggerUserAction)
	next.WithCorrelation(correlationID)
	next.Timing.ScheduledFor = newTime
	next.Timing.GracePeriodEnd = g.End
	next.Metadata.CreatedBy = "orchestrator"
	next.Metadata.EventVersion = cmd.Version
	return next, nil
}

// Undo compensates the most recent terminal event on a dose, returning it to
// scheduled. The log stays append-only: undo writes a compensating
// dose_rescheduled back to the original time rather than deleting anything.
// Only allowed within UndoWindow of the terminal event.
func (o *Orchestrator) Undo(ctx context.Context, commandID string, scheduledFor time.Time) (*ActionResult, error) {
	ctx, span := o.tracer.Start(ctx, "action_undo",
		trace.WithAttributes(attribute.String("command_id", commandID)))
	defer span.End()
	start := time.Now()

	cmd, dose, err := o.loadDose(ctx, commandID, scheduledFor)
	if err != nil {
		return nil, err
	}
	if dose.TerminalEvent == nil {
		return nil, errs.Consistency("undo", string(dose.State))
	}
	if !o.withinUndoWindow(dose) {
		return nil, errs.Consistency("undo", "terminal event outside undo window")
	}

	e, err := o.compensation(cmd, dose)
	if err != nil {
		return nil, err
	}

	note := o.note(cmd, "Dose action undone",
		fmt.Sprintf("%s returned to scheduled", cmd.Medication.Name), notify.UrgencyNormal)
	return o.finish(ctx, cmd, []*event.Event{e}, note, start)
}

// Pause suspends materialization for the command.
func (o *Orchestrator) Pause(ctx context.Context, commandID string) error {
	return o.transition(ctx, commandID, command.StatusPaused)
}

// Resume reactivates a paused or held command.
func (o *Orchestrator) Resume(ctx context.Context, commandID string) error {
	return o.transition(ctx, commandID, command.StatusActive)
}

// Hold places the command on clinical hold.
func (o *Orchestrator) Hold(ctx context.Context, commandID string) error {
	return o.transition(ctx, commandID, command.StatusHeld)
}

// Discontinue terminally stops the command. History is preserved; future
// doses stop materializing.
func (o *Orchestrator) Discontinue(ctx context.Context, commandID string) error {
	return o.transition(ctx, commandID, command.StatusDiscontinued)
}

// Complete marks a finite course as finished.
func (o *Orchestrator) Complete(ctx context.Context, commandID string) error {
	return o.transition(ctx, commandID, command.StatusCompleted)
}

func (o *Orchestrator) transition(ctx context.Context, commandID string, to command.Status) error {
	cmd, err := o.store.GetCommand(ctx, commandID)
	if err != nil {
		return err
	}
	if err := cmd.Transition(to); err != nil {
		return err
	}
	if err := o.store.UpdateCommand(ctx, cmd); err != nil {
		return err
	}
	if err := o.publisher.Audit(ctx, publish.AuditRecord{
		CommandID: commandID,
		PatientID: cmd.PatientID,
		Action:    "status_" + string(to),
		At:        o.clock(),
	}); err != nil {
		o.logger.Warn("audit publication failed",
			zap.String("command_id", commandID), zap.Error(err))
	}
	o.logger.Info("command status changed",
		zap.String("command_id", commandID),
		zap.String("status", string(to)))
	return nil
}

// Delete runs the full cascade for a command. The report carries per-step
// outcomes; a partial failure leaves the command in place for retry.
func (o *Orchestrator) Delete(ctx context.Context, commandID string) (*cascade.Report, error) {
	cmd, err := o.store.GetCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}
	report := o.cascade.Delete(ctx, commandID)
	if report.Complete {
		if err := o.publisher.Audit(ctx, publish.AuditRecord{
			CommandID: commandID,
			PatientID: cmd.PatientID,
			Action:    "deleted",
			At:        o.clock(),
		}); err != nil {
			o.logger.Warn("audit publication failed",
				zap.String("command_id", commandID), zap.Error(err))
		}
	}
	return report, nil
}
