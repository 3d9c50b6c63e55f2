package bucket

import (
	"context"
	"testing"
	"time"

	"github.com/NPNMD/KinConnectSurface-sub017/internal/domain/event"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/errs"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/store"
	"github.com/NPNMD/KinConnectSurface-sub017/pkg/idempotency"
)

// chicago 2026-01-07; now is 08:15 local = 14:15 UTC.
var asOf = time.Date(2026, 1, 7, 14, 15, 0, 0, time.UTC)

func local(hour, minute int) time.Time {
	// CST is UTC-6 in January.
	return time.Date(2026, 1, 7, hour+6, minute, 0, 0, time.UTC)
}

func seedDose(t *testing.T, st *store.Memory, commandID, med string, scheduledFor time.Time, terminal event.Type) {
	t.Helper()
	scheduled := &event.Event{
		ID:        idempotency.ScheduledEventID(commandID, scheduledFor),
		CommandID: commandID,
		PatientID: "patient-1",
		Type:      event.TypeDoseScheduled,
		Context:   event.Context{MedicationName: med, TriggerSource: event.TriggerScheduledTask},
		Timing: event.Timing{
			EventTimestamp: scheduledFor.Add(-time.Hour),
			ScheduledFor:   scheduledFor,
			GracePeriodEnd: scheduledFor.Add(30 * time.Minute),
		},
	}
	batch := []*event.Event{scheduled}
	if terminal != "" {
		batch = append(batch, &event.Event{
			ID:        idempotency.TerminalEventID(commandID, scheduledFor, 0),
			CommandID: commandID,
			PatientID: "patient-1",
			Type:      terminal,
			Timing:    event.Timing{EventTimestamp: scheduledFor.Add(5 * time.Minute), ScheduledFor: scheduledFor},
		})
	}
	if _, err := st.AppendEvents(context.Background(), batch); err != nil {
		t.Fatal(err)
	}
}

func TestTodayClassifies(t *testing.T) {
	st := store.NewMemory()
	st.PutPatientZone("patient-1", "America/Chicago")

	seedDose(t, st, "cmd-overdue", "Lisinopril", local(6, 0), "")     // grace ended 06:30
	seedDose(t, st, "cmd-now", "Metformin", local(8, 0), "")          // inside grace at 08:15
	seedDose(t, st, "cmd-soon", "Aspirin", local(9, 0), "")           // 45 minutes out
	seedDose(t, st, "cmd-morning", "Levothyroxine", local(11, 0), "") // later morning
	seedDose(t, st, "cmd-afternoon", "Atorvastatin", local(14, 0), "")
	seedDose(t, st, "cmd-evening", "Warfarin", local(21, 0), "")
	seedDose(t, st, "cmd-done", "Omeprazole", local(7, 0), event.TypeDoseTaken)

	view, err := NewBuilder(st, st, nil).Today(context.Background(), "patient-1", asOf)
	if err != nil {
		t.Fatal(err)
	}
	if view.Date != "2026-01-07" {
		t.Errorf("local date %s", view.Date)
	}

	want := map[Name]string{
		BucketOverdue:   "cmd-overdue",
		BucketNow:       "cmd-now",
		BucketDueSoon:   "cmd-soon",
		BucketMorning:   "cmd-morning",
		BucketAfternoon: "cmd-afternoon",
		BucketEvening:   "cmd-evening",
		BucketCompleted: "cmd-done",
	}
	for bucket, commandID := range want {
		entries := view.Buckets[bucket]
		if len(entries) != 1 {
			t.Errorf("bucket %s has %d entries", bucket, len(entries))
			continue
		}
		if entries[0].CommandID != commandID {
			t.Errorf("bucket %s holds %s, want %s", bucket, entries[0].CommandID, commandID)
		}
	}
}

func TestTodayExcludesOtherDays(t *testing.T) {
	st := store.NewMemory()
	st.PutPatientZone("patient-1", "America/Chicago")
	seedDose(t, st, "cmd-today", "Metformin", local(8, 0), "")
	// Tomorrow 08:00 local.
	seedDose(t, st, "cmd-tomorrow", "Metformin", local(8, 0).AddDate(0, 0, 1), "")

	view, err := NewBuilder(st, st, nil).Today(context.Background(), "patient-1", asOf)
	if err != nil {
		t.Fatal(err)
	}
	total := 0
	for _, entries := range view.Buckets {
		total += len(entries)
		for _, e := range entries {
			if e.CommandID == "cmd-tomorrow" {
				t.Error("tomorrow's dose leaked into today")
			}
		}
	}
	if total != 1 {
		t.Errorf("projection has %d entries, want 1", total)
	}
}

func TestTodaySupersededIsCompleted(t *testing.T) {
	st := store.NewMemory()
	st.PutPatientZone("patient-1", "America/Chicago")
	scheduledFor := local(8, 0)
	seedDose(t, st, "cmd-1", "Metformin", scheduledFor, "")

	moved := &event.Event{
		ID:        "move-1",
		CommandID: "cmd-1",
		PatientID: "patient-1",
		Type:      event.TypeDoseRescheduled,
		Timing:    event.Timing{EventTimestamp: scheduledFor.Add(time.Minute), ScheduledFor: scheduledFor},
	}
	if err := moved.WithData(event.RescheduledData{NewScheduledTime: scheduledFor.Add(2 * time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.AppendEvents(context.Background(), []*event.Event{moved}); err != nil {
		t.Fatal(err)
	}

	view, err := NewBuilder(st, st, nil).Today(context.Background(), "patient-1", asOf)
	if err != nil {
		t.Fatal(err)
	}
	if len(view.Buckets[BucketCompleted]) != 1 {
		t.Errorf("superseded dose not in completed bucket: %v", view.Buckets)
	}
}

func TestTodayUnknownPatient(t *testing.T) {
	st := store.NewMemory()
	_, err := NewBuilder(st, st, nil).Today(context.Background(), "patient-x", asOf)
	if !errs.IsNotFound(err) {
		t.Fatalf("unknown patient: %v", err)
	}
}
