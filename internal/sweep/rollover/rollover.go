// Package rollover implements the per-patient daily rollover: once a
// patient's local day has fully elapsed, its events move from the live log
// to the archive and a write-once DailySummary is emitted. A per-(patient,
// date) processed marker, set only after a fully successful pass, makes the
// rollover tolerant of overlapping and retried sweeps.
package rollover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/NPNMD/KinConnectSurface-sub017/internal/domain/event"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/observability/metrics"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/store"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/timezone"
	"github.com/NPNMD/KinConnectSurface-sub017/pkg/idempotency"
	"github.com/NPNMD/KinConnectSurface-sub017/pkg/workerpool"
)

// DefaultWindow is the tolerance around local midnight within which a
// patient counts as due.
const DefaultWindow = 15 * time.Minute

// PatientError captures one patient's failed rollover; the patient is
// retried next cycle because its marker was never set.
type PatientError struct {
	PatientID string `json:"patient_id"`
	Date      string `json:"date,omitempty"`
	Err       string `json:"error"`
}

// Report is the outcome of one rollover sweep.
type Report struct {
	PatientsDue    int            `json:"patients_due"`
	Completed      int            `json:"completed"`
	AlreadyDone    int            `json:"already_done"`
	EventsArchived int            `json:"events_archived"`
	Errors         []PatientError `json:"errors,omitempty"`
	DryRun         bool           `json:"dry_run"`
	StartedAt      time.Time      `json:"started_at"`
	Duration       time.Duration  `json:"duration"`
}

// Store is the slice of persistence the rollover needs.
type Store interface {
	store.EventStore
	store.SummaryStore
	store.MarkerStore
	store.PatientStore
}

// Service is the daily rollover sweep. It owns a worker pool that fans the
// per-patient work out while one sweep invocation stays synchronous.
type Service struct {
	store   Store
	pool    *workerpool.Pool
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	window  time.Duration

	mu    sync.Mutex
	wakes *wakeHeap
	known map[string]bool
}

// rollTask is the worker payload for one due patient.
type rollTask struct {
	entry  *wakeEntry
	now    time.Time
	dryRun bool
}

// rollResult is the worker output for one due patient.
type rollResult struct {
	outcome outcome
	perr    *PatientError
}

// NewService creates and starts the rollover service.
func NewService(st Store, poolCfg workerpool.Config, m *metrics.Metrics, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:   st,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("rollover"),
		window:  DefaultWindow,
		wakes:   newWakeHeap(),
		known:   make(map[string]bool),
	}

	// Retries stay inside RollDate's idempotency; the pool runs each task once.
	poolCfg.MaxRetries = 0
	pool, err := workerpool.New(poolCfg, s.work, logger)
	if err != nil {
		return nil, err
	}
	pool.Start()
	s.pool = pool
	return s, nil
}

// Close stops the worker pool.
func (s *Service) Close() error {
	return s.pool.Stop()
}

func (s *Service) work(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	t := task.Payload.(rollTask)
	out, perr := s.rolloverPatient(ctx, t.entry.patientID, t.entry.zone, t.now, t.dryRun)
	return &workerpool.Result{
		TaskID:  task.ID,
		Success: perr == nil,
		Data:    rollResult{outcome: out, perr: perr},
	}
}

// Run executes one sweep as of now: it refreshes the wake heap from the
// patient registry, pops patients whose local midnight falls inside the
// window, and rolls each over at most once per local date. With dryRun set
// it computes without persisting.
func (s *Service) Run(ctx context.Context, now time.Time, dryRun bool) *Report {
	ctx, span := s.tracer.Start(ctx, "rollover_sweep",
		trace.WithAttributes(attribute.Bool("dry_run", dryRun)))
	defer span.End()

	start := time.Now()
	report := &Report{DryRun: dryRun, StartedAt: now.UTC()}

	due, err := s.duePatients(ctx, now)
	if err != nil {
		report.Errors = append(report.Errors, PatientError{Err: err.Error()})
		report.Duration = time.Since(start)
		span.RecordError(err)
		return report
	}
	report.PatientsDue = len(due)

	tasks := make([]*workerpool.Task, len(due))
	for i, e := range due {
		tasks[i] = &workerpool.Task{
			ID:      "rollover:" + e.patientID,
			Payload: rollTask{entry: e, now: now, dryRun: dryRun},
		}
	}

	for i, r := range s.pool.RunAll(ctx, tasks) {
		if r == nil {
			continue
		}
		rr, ok := r.Data.(rollResult)
		if !ok {
			report.Errors = append(report.Errors, PatientError{
				PatientID: due[i].patientID,
				Err:       fmt.Sprintf("rollover task did not run: %v", r.Error),
			})
			continue
		}
		if rr.perr != nil {
			report.Errors = append(report.Errors, *rr.perr)
			continue
		}
		if rr.outcome.alreadyDone {
			report.AlreadyDone++
			continue
		}
		report.Completed++
		report.EventsArchived += rr.outcome.archived
	}

	// Reschedule every popped patient for its next local midnight; the
	// marker keeps an early re-pop from double-processing.
	s.reschedule(due, now)

	report.Duration = time.Since(start)
	if s.metrics != nil {
		s.metrics.SweepDuration.WithLabelValues("rollover").Observe(report.Duration.Seconds())
		s.metrics.RolloversCompleted.Add(float64(report.Completed))
	}
	span.SetAttributes(
		attribute.Int("due", report.PatientsDue),
		attribute.Int("completed", report.Completed),
		attribute.Int("errors", len(report.Errors)),
	)
	s.logger.Info("rollover sweep finished",
		zap.Int("due", report.PatientsDue),
		zap.Int("completed", report.Completed),
		zap.Int("already_done", report.AlreadyDone),
		zap.Int("errors", len(report.Errors)),
		zap.Bool("dry_run", dryRun))
	return report
}

// duePatients refreshes the heap from the registry and pops every patient
// sitting inside the midnight window right now.
func (s *Service) duePatients(ctx context.Context, now time.Time) ([]*wakeEntry, error) {
	zones, err := s.store.ListPatientZones(ctx)
	if err != nil {
		return nil, fmt.Errorf("list patient zones: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, z := range zones {
		if s.known[z.PatientID] {
			continue
		}
		wake, err := timezone.NextMidnight(now.Add(-s.window), z.Timezone)
		if err != nil {
			s.logger.Warn("skipping patient with invalid timezone",
				zap.String("patient_id", z.PatientID),
				zap.String("timezone", z.Timezone))
			continue
		}
		s.known[z.PatientID] = true
		s.wakes.push(&wakeEntry{patientID: z.PatientID, zone: z.Timezone, wakeAt: wake})
	}

	candidates := s.wakes.popDue(now.Add(s.window))
	var due []*wakeEntry
	for _, e := range candidates {
		within, err := timezone.WithinMidnightWindow(now, e.zone, s.window)
		if err != nil || !within {
			// not due yet; push back for a later cycle
			s.wakes.push(e)
			continue
		}
		due = append(due, e)
	}
	return due, nil
}

// reschedule pushes processed patients back with their next wake time. A
// patient popped before midnight wakes again at that same midnight, so the
// day finishing right now still gets its post-midnight pass; the marker
// keeps the repeated pop from double-processing yesterday.
func (s *Service) reschedule(entries []*wakeEntry, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		next, err := timezone.NextMidnight(now, e.zone)
		if err != nil {
			continue
		}
		e.wakeAt = next
		s.wakes.push(e)
	}
}

type outcome struct {
	alreadyDone bool
	archived    int
}

// rolloverPatient rolls one patient's just-elapsed local date. The marker is
// set last; any earlier failure leaves the patient retryable.
func (s *Service) rolloverPatient(ctx context.Context, patientID, zone string, now time.Time, dryRun bool) (outcome, *PatientError) {
	date, err := timezone.ElapsedLocalDate(now, zone)
	if err != nil {
		return outcome{}, &PatientError{PatientID: patientID, Err: err.Error()}
	}
	res, err := s.RollDate(ctx, patientID, zone, date, dryRun)
	if err != nil {
		return outcome{}, &PatientError{PatientID: patientID, Date: date, Err: err.Error()}
	}
	return res, nil
}

// RollDate archives one (patient, local date) and writes its summary. It is
// also the manual-trigger entry point used by the HTTP layer.
func (s *Service) RollDate(ctx context.Context, patientID, zone, date string, dryRun bool) (outcome, error) {
	markerKey := idempotency.MarkerKey(patientID, date)
	done, err := s.store.HasMarker(ctx, markerKey)
	if err != nil {
		return outcome{}, err
	}
	if done {
		return outcome{alreadyDone: true}, nil
	}

	dayStart, dayEnd, err := timezone.DayBounds(date, zone)
	if err != nil {
		return outcome{}, err
	}

	events, err := s.store.QueryEvents(ctx, store.EventFilter{
		PatientID:    patientID,
		ScheduledGTE: dayStart,
		ScheduledLT:  dayEnd,
	})
	if err != nil {
		return outcome{}, err
	}

	summary := Summarize(patientID, date, events)

	if dryRun {
		s.logger.Info("rollover dry run",
			zap.String("patient_id", patientID),
			zap.String("date", date),
			zap.Int("events", len(events)),
			zap.Int("scheduled", summary.Scheduled),
			zap.Float64("adherence", summary.AdherenceRate))
		return outcome{archived: len(events)}, nil
	}

	// Write-once; a previous partial pass may already have written it.
	if _, err := s.store.PutSummary(ctx, summary); err != nil {
		return outcome{}, err
	}
	if err := s.store.ArchiveEvents(ctx, events); err != nil {
		return outcome{}, err
	}
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	if _, err := s.store.DeleteEvents(ctx, ids); err != nil {
		return outcome{}, err
	}
	if _, err := s.store.SetMarker(ctx, markerKey, time.Now().UTC()); err != nil {
		return outcome{}, err
	}

	s.logger.Info("patient day rolled over",
		zap.String("patient_id", patientID),
		zap.String("date", date),
		zap.Int("events", len(events)))
	return outcome{archived: len(events)}, nil
}

// Summarize folds a day's events into its DailySummary.
func Summarize(patientID, date string, events []*event.Event) *store.DailySummary {
	s := &store.DailySummary{
		PatientID:   patientID,
		Date:        date,
		GeneratedAt: time.Now().UTC(),
	}
	for _, dose := range event.FoldAll(events) {
		if dose.ScheduledEvent != nil {
			s.Scheduled++
		}
		switch dose.State {
		case event.StateTaken:
			s.Taken++
		case event.StateMissed:
			s.Missed++
		case event.StateSkipped:
			s.Skipped++
		}
	}
	if s.Scheduled > 0 {
		s.AdherenceRate = float64(s.Taken) / float64(s.Scheduled)
	}
	return s
}
