// Package missed implements the missed-dose detection sweep. A dose is
// missed only from the scheduled state, only once now is past its frozen
// grace period end, and exactly once: the missed event id is derived
// deterministically from the scheduled dose, so overlapping sweeps collapse
// into conflict no-ops.
package missed

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/NPNMD/KinConnectSurface-sub017/internal/domain/event"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/notify"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/observability/metrics"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/publish"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/store"
	"github.com/NPNMD/KinConnectSurface-sub017/pkg/idempotency"
)

const (
	// DefaultLookback bounds the scheduled-dose scan window.
	DefaultLookback = 24 * time.Hour
	// subBatchSize bounds how many doses one iteration inspects.
	subBatchSize = 50
)

// RecordError captures a single failed record without aborting the sweep.
type RecordError struct {
	CommandID    string    `json:"command_id"`
	ScheduledFor time.Time `json:"scheduled_for"`
	Err          string    `json:"error"`
}

// Report is the sweep outcome: always success-with-errors, never a blanket
// failure, so the next cycle retries only what is still unresolved.
type Report struct {
	Processed int           `json:"processed"`
	Missed    int           `json:"missed"`
	Errors    []RecordError `json:"errors,omitempty"`
	DryRun    bool          `json:"dry_run"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Detector is the missed-dose sweep.
type Detector struct {
	store     store.EventStore
	notifier  notify.Notifier
	publisher publish.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	lookback  time.Duration
}

// NewDetector creates a detector.
func NewDetector(st store.EventStore, notifier notify.Notifier, pub publish.Publisher, m *metrics.Metrics, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if pub == nil {
		pub = publish.Nop{}
	}
	return &Detector{
		store:     st,
		notifier:  notifier,
		publisher: pub,
		metrics:   m,
		logger:   logger,
		tracer:   otel.Tracer("missed-detector"),
		lookback: DefaultLookback,
	}
}

// Run executes one sweep as of now. With dryRun set it computes the full
// report without appending events or requesting notifications.
func (d *Detector) Run(ctx context.Context, now time.Time, dryRun bool) *Report {
	ctx, span := d.tracer.Start(ctx, "missed_sweep",
		trace.WithAttributes(attribute.Bool("dry_run", dryRun)))
	defer span.End()

	start := time.Now()
	report := &Report{DryRun: dryRun, StartedAt: now.UTC()}

	events, err := d.store.QueryEvents(ctx, store.EventFilter{
		ScheduledGTE: now.Add(-d.lookback),
		ScheduledLT:  now,
	})
	if err != nil {
		// The scan itself failed; nothing was processed, retry next cycle.
		report.Errors = append(report.Errors, RecordError{Err: err.Error()})
		report.Duration = time.Since(start)
		span.RecordError(err)
		return report
	}

	doses := event.FoldAll(events)
	perPatient := make(map[string]int)

	for lo := 0; lo < len(doses); lo += subBatchSize {
		hi := lo + subBatchSize
		if hi > len(doses) {
			hi = len(doses)
		}

		var batch []*event.Event
		for _, dose := range doses[lo:hi] {
			report.Processed++
			missedEvent, err := d.evaluate(dose, now)
			if err != nil {
				report.Errors = append(report.Errors, RecordError{
					CommandID:    dose.CommandID,
					ScheduledFor: dose.ScheduledFor,
					Err:          err.Error(),
				})
				continue
			}
			if missedEvent == nil {
				continue
			}
			batch = append(batch, missedEvent)
			perPatient[dose.PatientID]++
		}

		if dryRun || len(batch) == 0 {
			report.Missed += len(batch)
			continue
		}

		written, err := d.store.AppendEvents(ctx, batch)
		if err != nil {
			// The whole sub-batch is retried next cycle; siblings already
			// committed stay durable.
			for _, e := range batch {
				report.Errors = append(report.Errors, RecordError{
					CommandID:    e.CommandID,
					ScheduledFor: e.Timing.ScheduledFor,
					Err:          err.Error(),
				})
			}
			continue
		}
		report.Missed += written
		if d.metrics != nil {
			d.metrics.DosesMissed.Add(float64(written))
		}
		for _, e := range batch {
			if err := d.publisher.DoseEvent(ctx, e); err != nil {
				d.logger.Warn("missed event publication failed",
					zap.String("event_id", e.ID),
					zap.Error(err))
			}
		}
	}

	if !dryRun {
		d.notifyPatients(ctx, perPatient)
	}

	report.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("processed", report.Processed),
		attribute.Int("missed", report.Missed),
		attribute.Int("errors", len(report.Errors)),
	)
	if d.metrics != nil {
		d.metrics.SweepDuration.WithLabelValues("missed").Observe(report.Duration.Seconds())
	}
	d.logger.Info("missed sweep finished",
		zap.Int("processed", report.Processed),
		zap.Int("missed", report.Missed),
		zap.Int("errors", len(report.Errors)),
		zap.Bool("dry_run", dryRun))
	return report
}

// evaluate returns a missed event when the dose crossed its grace boundary,
// nil when it needs no action.
func (d *Detector) evaluate(dose event.Dose, now time.Time) (*event.Event, error) {
	if dose.State != event.StateScheduled || dose.Resolved() {
		return nil, nil
	}
	if dose.ScheduledEvent == nil {
		return nil, fmt.Errorf("dose stream has no scheduled event")
	}
	if dose.GracePeriodEnd.IsZero() || !now.After(dose.GracePeriodEnd) {
		return nil, nil
	}

	minutesLate := int(now.Sub(dose.ScheduledFor).Minutes())
	e := &event.Event{
		ID:        idempotency.TerminalEventID(dose.CommandID, dose.ScheduledFor, dose.Compensations),
		CommandID: dose.CommandID,
		PatientID: dose.PatientID,
		Type:      event.TypeDoseMissed,
		Context: event.Context{
			MedicationName: dose.ScheduledEvent.Context.MedicationName,
			ScheduleID:     dose.ScheduledEvent.Context.ScheduleID,
			TriggerSource:  event.TriggerSystemDetection,
		},
		Timing: event.Timing{
			EventTimestamp: now.UTC(),
			ScheduledFor:   dose.ScheduledFor,
			GracePeriodEnd: dose.GracePeriodEnd,
			MinutesLate:    minutesLate,
		},
		Metadata: event.Metadata{
			EventVersion:  1,
			CorrelationID: dose.ScheduledEvent.ID,
			CreatedBy:     "missed-detector",
		},
	}
	if err := e.WithData(event.MissedData{DetectedAt: now.UTC()}); err != nil {
		return nil, err
	}
	return e, nil
}

// notifyPatients requests one grouped notification per affected patient.
func (d *Detector) notifyPatients(ctx context.Context, perPatient map[string]int) {
	for patientID, count := range perPatient {
		msg := fmt.Sprintf("%d dose(s) were missed in the last sweep", count)
		if _, err := d.notifier.Send(ctx, notify.Request{
			PatientID: patientID,
			Title:     "Missed medication",
			Message:   msg,
			Urgency:   notify.UrgencyHigh,
		}); err != nil {
			d.logger.Warn("missed-dose notification failed",
				zap.String("patient_id", patientID),
				zap.Error(err))
		}
	}
}
