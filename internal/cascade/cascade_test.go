package cascade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/NPNMD/KinConnectSurface-sub017/internal/domain/command"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/domain/event"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/errs"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/store"
	"github.com/NPNMD/KinConnectSurface-sub017/pkg/idempotency"
)

func seedCommand(t *testing.T, st *store.Memory, commandID, patientID string) {
	t.Helper()
	ctx := context.Background()
	cmd := command.New(commandID, patientID,
		command.Medication{Name: "Atorvastatin", Dosage: "20mg"},
		command.Schedule{
			Frequency:    command.FrequencyDaily,
			Times:        []string{"21:00"},
			StartDate:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			IsIndefinite: true,
		},
		command.GraceConfig{DefaultMinutes: 30}, "UTC")
	if err := st.PutCommand(ctx, cmd); err != nil {
		t.Fatal(err)
	}

	scheduledFor := time.Date(2026, 1, 7, 21, 0, 0, 0, time.UTC)
	live := &event.Event{
		ID:        idempotency.ScheduledEventID(commandID, scheduledFor),
		CommandID: commandID,
		PatientID: patientID,
		Type:      event.TypeDoseScheduled,
		Timing:    event.Timing{EventTimestamp: time.Now().UTC(), ScheduledFor: scheduledFor},
	}
	if _, err := st.AppendEvents(ctx, []*event.Event{live}); err != nil {
		t.Fatal(err)
	}
	old := &event.Event{
		ID:        idempotency.ScheduledEventID(commandID, scheduledFor.AddDate(0, 0, -30)),
		CommandID: commandID,
		PatientID: patientID,
		Type:      event.TypeDoseScheduled,
		Timing:    event.Timing{EventTimestamp: time.Now().UTC(), ScheduledFor: scheduledFor.AddDate(0, 0, -30)},
	}
	if err := st.ArchiveEvents(ctx, []*event.Event{old}); err != nil {
		t.Fatal(err)
	}
	st.SeedLegacyRows(commandID, 2, 5, 3)
}

func TestDeleteRemovesEverySurface(t *testing.T) {
	st := store.NewMemory()
	seedCommand(t, st, "cmd-1", "patient-1")
	ctx := context.Background()

	report := NewManager(st, nil, nil).Delete(ctx, "cmd-1")

	if !report.Complete {
		t.Fatalf("cascade incomplete, failed steps: %v", report.Failed())
	}
	if len(report.Steps) != 6 {
		t.Fatalf("ran %d steps, want 6", len(report.Steps))
	}
	wantDeleted := map[string]int64{
		"live_events":             1,
		"archived_events":         1,
		"legacy_schedules":        2,
		"legacy_calendar_entries": 5,
		"legacy_reminders":        3,
		"command":                 1,
	}
	for _, s := range report.Steps {
		if s.Deleted != wantDeleted[s.Step] {
			t.Errorf("step %s deleted %d, want %d", s.Step, s.Deleted, wantDeleted[s.Step])
		}
	}

	if _, err := st.GetCommand(ctx, "cmd-1"); !errs.IsNotFound(err) {
		t.Errorf("command still present: %v", err)
	}
	live, _ := st.QueryEvents(ctx, store.EventFilter{CommandID: "cmd-1"})
	archived, _ := st.QueryArchivedEvents(ctx, store.EventFilter{CommandID: "cmd-1"})
	if len(live) != 0 || len(archived) != 0 {
		t.Errorf("events remain: live=%d archived=%d", len(live), len(archived))
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	st := store.NewMemory()
	seedCommand(t, st, "cmd-1", "patient-1")
	ctx := context.Background()
	m := NewManager(st, nil, nil)

	if report := m.Delete(ctx, "cmd-1"); !report.Complete {
		t.Fatal("first cascade incomplete")
	}
	report := m.Delete(ctx, "cmd-1")
	if !report.Complete {
		t.Fatalf("rerun incomplete: %v", report.Failed())
	}
	for _, s := range report.Steps {
		if s.Step != "command" && s.Deleted != 0 {
			t.Errorf("rerun step %s deleted %d rows", s.Step, s.Deleted)
		}
	}
}

// failingStore fails one deletion surface to exercise partial cascades.
type failingStore struct {
	*store.Memory
	failStep string
}

func (f *failingStore) DeleteArchivedByCommand(ctx context.Context, commandID string) (int64, error) {
	if f.failStep == "archived_events" {
		return 0, errors.New("archive unavailable")
	}
	return f.Memory.DeleteArchivedByCommand(ctx, commandID)
}

func TestDeleteKeepsCommandOnPartialFailure(t *testing.T) {
	mem := store.NewMemory()
	seedCommand(t, mem, "cmd-1", "patient-1")
	st := &failingStore{Memory: mem, failStep: "archived_events"}
	ctx := context.Background()

	report := NewManager(st, nil, nil).Delete(ctx, "cmd-1")

	if report.Complete {
		t.Fatal("cascade reported complete despite failed step")
	}
	failed := report.Failed()
	if len(failed) != 1 || failed[0] != "archived_events" {
		t.Fatalf("failed steps %v", failed)
	}
	// The other surfaces were still cleared.
	live, _ := mem.QueryEvents(ctx, store.EventFilter{CommandID: "cmd-1"})
	if len(live) != 0 {
		t.Error("live events survived the cascade")
	}
	// The command row survives so a retry re-runs the full cascade.
	if _, err := mem.GetCommand(ctx, "cmd-1"); err != nil {
		t.Fatalf("command deleted despite incomplete cascade: %v", err)
	}

	// Retry against a healthy store finishes the job.
	st.failStep = ""
	if report := NewManager(st, nil, nil).Delete(ctx, "cmd-1"); !report.Complete {
		t.Fatalf("retry incomplete: %v", report.Failed())
	}
	if _, err := mem.GetCommand(ctx, "cmd-1"); !errs.IsNotFound(err) {
		t.Errorf("command still present after retry: %v", err)
	}
}
