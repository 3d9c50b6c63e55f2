package rollover

import (
	"context"
	"testing"
	"time"

	"github.com/NPNMD/KinConnectSurface-sub017/internal/domain/event"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/store"
	"github.com/NPNMD/KinConnectSurface-sub017/pkg/idempotency"
	"github.com/NPNMD/KinConnectSurface-sub017/pkg/workerpool"
)

func newTestService(t *testing.T, st *store.Memory) *Service {
	t.Helper()
	svc, err := NewService(st, workerpool.DefaultConfig(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

// seedDay writes a scheduled event and optionally a terminal one at
// scheduledFor for the given dose state.
func seedDay(t *testing.T, st *store.Memory, commandID, patientID string, scheduledFor time.Time, terminal event.Type) {
	t.Helper()
	scheduled := &event.Event{
		ID:        idempotency.ScheduledEventID(commandID, scheduledFor),
		CommandID: commandID,
		PatientID: patientID,
		Type:      event.TypeDoseScheduled,
		Timing: event.Timing{
			EventTimestamp: scheduledFor.Add(-time.Hour),
			ScheduledFor:   scheduledFor,
			GracePeriodEnd: scheduledFor.Add(30 * time.Minute),
		},
		Metadata: event.Metadata{EventVersion: 1},
	}
	batch := []*event.Event{scheduled}
	if terminal != "" {
		batch = append(batch, &event.Event{
			ID:        idempotency.TerminalEventID(commandID, scheduledFor, 0),
			CommandID: commandID,
			PatientID: patientID,
			Type:      terminal,
			Timing:    event.Timing{EventTimestamp: scheduledFor.Add(10 * time.Minute), ScheduledFor: scheduledFor},
			Metadata:  event.Metadata{EventVersion: 1, CorrelationID: scheduled.ID},
		})
	}
	if _, err := st.AppendEvents(context.Background(), batch); err != nil {
		t.Fatal(err)
	}
}

func TestRollDateArchivesAndSummarizes(t *testing.T) {
	st := store.NewMemory()
	// Chicago 2026-01-07: 06:00 UTC through 06:00 UTC next day.
	seedDay(t, st, "cmd-1", "patient-1", time.Date(2026, 1, 7, 14, 0, 0, 0, time.UTC), event.TypeDoseTaken)
	seedDay(t, st, "cmd-1", "patient-1", time.Date(2026, 1, 8, 2, 0, 0, 0, time.UTC), event.TypeDoseMissed)
	seedDay(t, st, "cmd-2", "patient-1", time.Date(2026, 1, 7, 18, 0, 0, 0, time.UTC), event.TypeDoseSkipped)
	// Next local day; must survive the rollover untouched.
	seedDay(t, st, "cmd-1", "patient-1", time.Date(2026, 1, 8, 14, 0, 0, 0, time.UTC), "")

	svc := newTestService(t, st)
	out, err := svc.RollDate(context.Background(), "patient-1", "America/Chicago", "2026-01-07", false)
	if err != nil {
		t.Fatal(err)
	}
	if out.alreadyDone {
		t.Fatal("first roll reported already done")
	}
	if out.archived != 6 {
		t.Errorf("archived %d events, want 6", out.archived)
	}

	summary, err := st.GetSummary(context.Background(), "patient-1", "2026-01-07")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Scheduled != 3 || summary.Taken != 1 || summary.Missed != 1 || summary.Skipped != 1 {
		t.Errorf("summary %+v", summary)
	}
	if summary.AdherenceRate < 0.33 || summary.AdherenceRate > 0.34 {
		t.Errorf("adherence %f, want 1/3", summary.AdherenceRate)
	}

	live, _ := st.QueryEvents(context.Background(), store.EventFilter{PatientID: "patient-1"})
	if len(live) != 1 {
		t.Errorf("live log has %d events, want only next day's dose", len(live))
	}
	archived, _ := st.QueryArchivedEvents(context.Background(), store.EventFilter{PatientID: "patient-1"})
	if len(archived) != 6 {
		t.Errorf("archive has %d events, want 6", len(archived))
	}
}

func TestRollDateExactlyOnce(t *testing.T) {
	st := store.NewMemory()
	seedDay(t, st, "cmd-1", "patient-1", time.Date(2026, 1, 7, 14, 0, 0, 0, time.UTC), event.TypeDoseTaken)

	svc := newTestService(t, st)
	ctx := context.Background()
	if _, err := svc.RollDate(ctx, "patient-1", "America/Chicago", "2026-01-07", false); err != nil {
		t.Fatal(err)
	}
	out, err := svc.RollDate(ctx, "patient-1", "America/Chicago", "2026-01-07", false)
	if err != nil {
		t.Fatal(err)
	}
	if !out.alreadyDone {
		t.Error("second roll re-processed the date")
	}
	if out.archived != 0 {
		t.Errorf("second roll archived %d events", out.archived)
	}
}

func TestRollDateDryRun(t *testing.T) {
	st := store.NewMemory()
	seedDay(t, st, "cmd-1", "patient-1", time.Date(2026, 1, 7, 14, 0, 0, 0, time.UTC), event.TypeDoseTaken)

	svc := newTestService(t, st)
	out, err := svc.RollDate(context.Background(), "patient-1", "America/Chicago", "2026-01-07", true)
	if err != nil {
		t.Fatal(err)
	}
	if out.archived != 2 {
		t.Errorf("dry run counted %d events, want 2", out.archived)
	}
	if _, err := st.GetSummary(context.Background(), "patient-1", "2026-01-07"); err == nil {
		t.Error("dry run wrote a summary")
	}
	live, _ := st.QueryEvents(context.Background(), store.EventFilter{PatientID: "patient-1"})
	if len(live) != 2 {
		t.Errorf("dry run moved events, live log has %d", len(live))
	}
	// Marker never set; a real roll still proceeds.
	done, _ := st.HasMarker(context.Background(), idempotency.MarkerKey("patient-1", "2026-01-07"))
	if done {
		t.Error("dry run set the processed marker")
	}
}

func TestRollDateInvalidDate(t *testing.T) {
	st := store.NewMemory()
	svc := newTestService(t, st)
	if _, err := svc.RollDate(context.Background(), "patient-1", "America/Chicago", "not-a-date", false); err == nil {
		t.Fatal("invalid date accepted")
	}
}

func TestRunRollsDuePatient(t *testing.T) {
	st := store.NewMemory()
	st.PutPatientZone("patient-1", "America/Chicago")
	// Doses on local 2026-01-07.
	seedDay(t, st, "cmd-1", "patient-1", time.Date(2026, 1, 7, 14, 0, 0, 0, time.UTC), event.TypeDoseTaken)

	svc := newTestService(t, st)
	// Five past local midnight on Jan 8: 06:05 UTC.
	now := time.Date(2026, 1, 8, 6, 5, 0, 0, time.UTC)
	report := svc.Run(context.Background(), now, false)

	if len(report.Errors) != 0 {
		t.Fatalf("errors: %v", report.Errors)
	}
	if report.PatientsDue != 1 || report.Completed != 1 {
		t.Fatalf("due=%d completed=%d, want 1/1", report.PatientsDue, report.Completed)
	}
	if report.EventsArchived != 2 {
		t.Errorf("archived %d, want 2", report.EventsArchived)
	}
	if _, err := st.GetSummary(context.Background(), "patient-1", "2026-01-07"); err != nil {
		t.Errorf("no summary after sweep: %v", err)
	}
}

func TestRunSkipsPatientOutsideWindow(t *testing.T) {
	st := store.NewMemory()
	st.PutPatientZone("patient-1", "America/Chicago")

	svc := newTestService(t, st)
	// Noon Chicago is nowhere near local midnight.
	now := time.Date(2026, 1, 8, 18, 0, 0, 0, time.UTC)
	report := svc.Run(context.Background(), now, false)
	if report.PatientsDue != 0 {
		t.Fatalf("due=%d at local noon", report.PatientsDue)
	}
}

func TestRunSecondSweepAlreadyDone(t *testing.T) {
	st := store.NewMemory()
	st.PutPatientZone("patient-1", "America/Chicago")
	seedDay(t, st, "cmd-1", "patient-1", time.Date(2026, 1, 7, 14, 0, 0, 0, time.UTC), event.TypeDoseTaken)

	svc := newTestService(t, st)
	now := time.Date(2026, 1, 8, 6, 5, 0, 0, time.UTC)
	if report := svc.Run(context.Background(), now, false); report.Completed != 1 {
		t.Fatalf("first sweep completed=%d", report.Completed)
	}

	// A second service instance simulates an overlapping runner; the marker
	// collapses its pass into already-done.
	svc2 := newTestService(t, st)
	report := svc2.Run(context.Background(), now.Add(2*time.Minute), false)
	if report.Completed != 0 || report.AlreadyDone != 1 {
		t.Fatalf("overlap sweep completed=%d alreadyDone=%d", report.Completed, report.AlreadyDone)
	}
}

func TestRunBeforeMidnightLeavesRunningDay(t *testing.T) {
	st := store.NewMemory()
	st.PutPatientZone("patient-1", "America/Chicago")
	// Dose at 23:55 local on Jan 7 (05:55 UTC Jan 8), still scheduled.
	seedDay(t, st, "cmd-1", "patient-1", time.Date(2026, 1, 8, 5, 55, 0, 0, time.UTC), "")

	svc := newTestService(t, st)
	ctx := context.Background()

	// Sweep at 23:50 local: inside the window, but Jan 7 is still running.
	before := time.Date(2026, 1, 8, 5, 50, 0, 0, time.UTC)
	report := svc.Run(ctx, before, false)
	if len(report.Errors) != 0 {
		t.Fatalf("errors: %v", report.Errors)
	}

	live, _ := st.QueryEvents(ctx, store.EventFilter{PatientID: "patient-1"})
	if len(live) != 1 {
		t.Fatalf("pre-midnight sweep touched the running day, live=%d", len(live))
	}
	if _, err := st.GetSummary(ctx, "patient-1", "2026-01-07"); err == nil {
		t.Fatal("summary written for a day still in progress")
	}
	if done, _ := st.HasMarker(ctx, idempotency.MarkerKey("patient-1", "2026-01-07")); done {
		t.Fatal("running day marked processed")
	}

	// The same service wakes again at the midnight it was popped ahead of
	// and rolls the now-finished day.
	after := time.Date(2026, 1, 8, 6, 5, 0, 0, time.UTC)
	report = svc.Run(ctx, after, false)
	if len(report.Errors) != 0 {
		t.Fatalf("post-midnight errors: %v", report.Errors)
	}
	summary, err := st.GetSummary(ctx, "patient-1", "2026-01-07")
	if err != nil {
		t.Fatalf("finished day not rolled: %v", err)
	}
	if summary.Scheduled != 1 {
		t.Errorf("summary scheduled=%d, want 1", summary.Scheduled)
	}
}

func TestSummarizeEmptyDay(t *testing.T) {
	s := Summarize("patient-1", "2026-01-07", nil)
	if s.Scheduled != 0 || s.AdherenceRate != 0 {
		t.Errorf("empty day summary %+v", s)
	}
}
