// Package bucket computes the "today bucket" projection: the patient's
// current local day's doses grouped by urgency and time of day. The
// projection is derived on demand from the live event log and never
// persisted.
package bucket

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/NPNMD/KinConnectSurface-sub017/internal/domain/event"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/store"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/timezone"
)

// Name identifies one bucket.
type Name string

const (
	BucketOverdue   Name = "overdue"   // grace window elapsed, unresolved
	BucketNow       Name = "now"       // inside the grace window
	BucketDueSoon   Name = "due_soon"  // scheduled within the next hour
	BucketMorning   Name = "morning"   // later today, before 12:00 local
	BucketAfternoon Name = "afternoon" // later today, 12:00–17:00 local
	BucketEvening   Name = "evening"   // later today, from 17:00 local
	BucketCompleted Name = "completed" // taken, skipped, missed or superseded
)

// DueSoonHorizon is how far ahead a dose counts as due soon.
const DueSoonHorizon = time.Hour

// Entry is one dose in the projection.
type Entry struct {
	CommandID      string          `json:"command_id"`
	MedicationName string          `json:"medication_name"`
	ScheduledFor   time.Time       `json:"scheduled_for"`
	GracePeriodEnd time.Time       `json:"grace_period_end,omitempty"`
	State          event.DoseState `json:"state"`
	Bucket         Name            `json:"bucket"`
}

// View is the full projection for one patient's current local day.
type View struct {
	PatientID string           `json:"patient_id"`
	Date      string           `json:"date"` // patient-local, 2006-01-02
	AsOf      time.Time        `json:"as_of"`
	Buckets   map[Name][]Entry `json:"buckets"`
}

// Builder computes projections.
type Builder struct {
	store  store.EventStore
	zones  store.PatientStore
	logger *zap.Logger
}

func NewBuilder(events store.EventStore, zones store.PatientStore, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{store: events, zones: zones, logger: logger}
}

// Today builds the projection for the patient's current local day as of now.
func (b *Builder) Today(ctx context.Context, patientID string, now time.Time) (*View, error) {
	zone, err := b.zones.GetPatientZone(ctx, patientID)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, err
	}

	local := now.In(loc)
	date := local.Format("2006-01-02")
	dayStart, dayEnd, err := timezone.DayBounds(date, zone)
	if err != nil {
		return nil, err
	}

	events, err := b.store.QueryEvents(ctx, store.EventFilter{
		PatientID:    patientID,
		ScheduledGTE: dayStart,
		ScheduledLT:  dayEnd,
	})
	if err != nil {
		return nil, err
	}

	view := &View{
		PatientID: patientID,
		Date:      date,
		AsOf:      now.UTC(),
		Buckets:   make(map[Name][]Entry),
	}
	for _, dose := range event.FoldAll(events) {
		if dose.ScheduledEvent == nil {
			continue
		}
		e := Entry{
			CommandID:      dose.CommandID,
			MedicationName: dose.ScheduledEvent.Context.MedicationName,
			ScheduledFor:   dose.ScheduledFor,
			GracePeriodEnd: dose.GracePeriodEnd,
			State:          dose.State,
		}
		e.Bucket = classify(dose, now, loc)
		view.Buckets[e.Bucket] = append(view.Buckets[e.Bucket], e)
	}
	return view, nil
}

// classify assigns a dose to its bucket relative to now.
func classify(d event.Dose, now time.Time, loc *time.Location) Name {
	if d.Resolved() {
		return BucketCompleted
	}
	if !d.GracePeriodEnd.IsZero() && now.After(d.GracePeriodEnd) {
		return BucketOverdue
	}
	if !now.Before(d.ScheduledFor) {
		return BucketNow
	}
	if d.ScheduledFor.Sub(now) <= DueSoonHorizon {
		return BucketDueSoon
	}
	switch h := d.ScheduledFor.In(loc).Hour(); {
	case h < 12:
		return BucketMorning
	case h < 17:
		return BucketAfternoon
	default:
		return BucketEvening
	}
}
