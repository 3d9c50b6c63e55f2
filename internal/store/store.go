// Package store defines the persistence interfaces for the dose engine and
// provides its PostgreSQL and in-memory implementations. The store exposes
// equality/range queries plus bounded atomic write groups; components rely on
// conflict-no-op appends rather than cross-entity transactions.
package store

import (
	"context"
	"time"

	"github.com/NPNMD/KinConnectSurface-sub017/internal/domain/command"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/domain/event"
)

// MaxBatchOps bounds one atomic write group. Larger writes are split into
// sibling groups; a failing group never rolls back its committed siblings.
const MaxBatchOps = 500

// EventFilter selects events. Zero values mean "no constraint".
type EventFilter struct {
	PatientID    string
	CommandID    string
	Types        []event.Type
	ScheduledGTE time.Time
	ScheduledLT  time.Time
	Limit        int
	Offset       int
}

// DailySummary is the write-once per-(patient, local date) rollup.
type DailySummary struct {
	PatientID     string    `json:"patient_id"`
	Date          string    `json:"date"` // patient-local, 2006-01-02
	Scheduled     int       `json:"scheduled"`
	Taken         int       `json:"taken"`
	Missed        int       `json:"missed"`
	Skipped       int       `json:"skipped"`
	AdherenceRate float64   `json:"adherence_rate"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// PatientZone pairs a patient with their IANA timezone.
type PatientZone struct {
	PatientID string
	Timezone  string
}

// EventStore is the append-only dose event log plus its archive.
type EventStore interface {
	// AppendEvents writes events in bounded atomic groups. Events whose id
	// already exists are silently skipped; the count of newly written events
	// is returned.
	AppendEvents(ctx context.Context, events []*event.Event) (int, error)
	QueryEvents(ctx context.Context, f EventFilter) ([]*event.Event, error)
	QueryArchivedEvents(ctx context.Context, f EventFilter) ([]*event.Event, error)
	// EventsForDose returns the full live stream for one (command, scheduledFor).
	EventsForDose(ctx context.Context, commandID string, scheduledFor time.Time) ([]*event.Event, error)
	// ArchiveEvents copies events into the archive store (idempotent by id).
	ArchiveEvents(ctx context.Context, events []*event.Event) error
	DeleteEvents(ctx context.Context, ids []string) (int64, error)
	DeleteEventsByCommand(ctx context.Context, commandID string) (int64, error)
	DeleteArchivedByCommand(ctx context.Context, commandID string) (int64, error)
}

// CommandStore persists medication commands.
type CommandStore interface {
	GetCommand(ctx context.Context, id string) (*command.Command, error)
	PutCommand(ctx context.Context, c *command.Command) error
	UpdateCommand(ctx context.Context, c *command.Command) error
	DeleteCommand(ctx context.Context, id string) error
	ListCommandsByPatient(ctx context.Context, patientID string) ([]*command.Command, error)
	ListActiveCommands(ctx context.Context) ([]*command.Command, error)
}

// SummaryStore persists daily summaries. PutSummary is write-once: it returns
// false when a summary for the (patient, date) already exists.
type SummaryStore interface {
	PutSummary(ctx context.Context, s *DailySummary) (bool, error)
	GetSummary(ctx context.Context, patientID, date string) (*DailySummary, error)
}

// MarkerStore guards rollover against overlapping sweeps. SetMarker returns
// false when the marker was already present.
type MarkerStore interface {
	HasMarker(ctx context.Context, key string) (bool, error)
	SetMarker(ctx context.Context, key string, at time.Time) (bool, error)
}

// PatientStore exposes the patient timezone registry. Patient CRUD itself is
// owned elsewhere; the engine only reads zones.
type PatientStore interface {
	ListPatientZones(ctx context.Context) ([]PatientZone, error)
	GetPatientZone(ctx context.Context, patientID string) (string, error)
}

// LegacyStore deletes the derived per-medication rows older releases
// maintained next to the event log. Cascade delete is their only consumer.
type LegacyStore interface {
	DeleteLegacySchedules(ctx context.Context, commandID string) (int64, error)
	DeleteLegacyCalendarEntries(ctx context.Context, commandID string) (int64, error)
	DeleteLegacyReminders(ctx context.Context, commandID string) (int64, error)
}

// Store aggregates every persistence concern the engine touches.
type Store interface {
	EventStore
	CommandStore
	SummaryStore
	MarkerStore
	PatientStore
	LegacyStore
}

// Chunk splits n items into MaxBatchOps-sized ranges, calling fn with each
// [lo, hi) pair.
func Chunk(n int, fn func(lo, hi int) error) error {
	for lo := 0; lo < n; lo += MaxBatchOps {
		hi := lo + MaxBatchOps
		if hi > n {
			hi = n
		}
		if err := fn(lo, hi); err != nil {
			return err
		}
	}
	return nil
}
