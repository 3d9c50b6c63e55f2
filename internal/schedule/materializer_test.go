package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/NPNMD/KinConnectSurface-sub017/internal/domain/command"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/domain/event"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/errs"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/store"
)

func twiceDaily() *command.Command {
	return command.New("cmd-1", "patient-1",
		command.Medication{Name: "Metformin", Dosage: "500mg"},
		command.Schedule{
			Frequency:    command.FrequencyTwiceDaily,
			Times:        []string{"08:00", "20:00"},
			StartDate:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			IsIndefinite: true,
		},
		command.GraceConfig{DefaultMinutes: 30},
		"America/Chicago")
}

func TestMaterializeTwiceDaily(t *testing.T) {
	st := store.NewMemory()
	m := NewMaterializer(st, nil, nil)
	cmd := twiceDaily()

	// Window opens Wed Jan 7 00:00 UTC; Chicago is still Tue Jan 6 18:00.
	now := time.Date(2026, 1, 7, 0, 0, 0, 0, time.UTC)
	events, err := m.Materialize(context.Background(), cmd, WindowFrom(now))
	if err != nil {
		t.Fatal(err)
	}

	// Jan 6 20:00 local opens the window, Jan 13 20:00 local falls past it:
	// 1 + 6*2 + 1 doses.
	if len(events) != 14 {
		t.Fatalf("materialized %d events, want 14", len(events))
	}
	for _, e := range events {
		if e.Type != event.TypeDoseScheduled {
			t.Errorf("unexpected type %s", e.Type)
		}
		if e.Context.MedicationName != "Metformin" {
			t.Errorf("medication snapshot missing")
		}
		if e.Timing.GracePeriodEnd.IsZero() {
			t.Error("grace not frozen onto event")
		}
		if !e.Timing.GracePeriodEnd.Equal(e.Timing.ScheduledFor.Add(30 * time.Minute)) {
			t.Errorf("grace end %v for dose at %v", e.Timing.GracePeriodEnd, e.Timing.ScheduledFor)
		}
	}

	// The first candidate is Tue 20:00 Chicago = Wed 02:00 UTC.
	first := events[0].Timing.ScheduledFor
	want := time.Date(2026, 1, 7, 2, 0, 0, 0, time.UTC)
	if !first.Equal(want) {
		t.Errorf("first dose at %v, want %v", first, want)
	}
}

func TestMaterializeIdempotent(t *testing.T) {
	st := store.NewMemory()
	m := NewMaterializer(st, nil, nil)
	cmd := twiceDaily()
	now := time.Date(2026, 1, 7, 0, 0, 0, 0, time.UTC)
	w := WindowFrom(now)

	first, err := m.Materialize(context.Background(), cmd, w)
	if err != nil {
		t.Fatal(err)
	}
	again, err := m.Materialize(context.Background(), cmd, w)
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Fatalf("second run produced %d events, want 0", len(again))
	}

	all, err := st.QueryEvents(context.Background(), store.EventFilter{CommandID: cmd.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != len(first) {
		t.Errorf("store holds %d events, want %d", len(all), len(first))
	}
}

func TestMaterializeOverlappingWindows(t *testing.T) {
	st := store.NewMemory()
	m := NewMaterializer(st, nil, nil)
	cmd := twiceDaily()

	now := time.Date(2026, 1, 7, 0, 0, 0, 0, time.UTC)
	if _, err := m.Materialize(context.Background(), cmd, WindowFrom(now)); err != nil {
		t.Fatal(err)
	}
	// Sliding the window a day forward only adds the newly uncovered day.
	later, err := m.Materialize(context.Background(), cmd, WindowFrom(now.AddDate(0, 0, 1)))
	if err != nil {
		t.Fatal(err)
	}
	if len(later) != 2 {
		t.Errorf("overlap run produced %d events, want 2", len(later))
	}
}

func TestMaterializeInactive(t *testing.T) {
	st := store.NewMemory()
	m := NewMaterializer(st, nil, nil)
	cmd := twiceDaily()
	if err := cmd.Transition(command.StatusPaused); err != nil {
		t.Fatal(err)
	}

	events, err := m.Materialize(context.Background(), cmd, WindowFrom(time.Now().UTC()))
	if err != nil {
		t.Fatal(err)
	}
	if events != nil {
		t.Errorf("paused command materialized %d events", len(events))
	}
}

func TestMaterializeInvalid(t *testing.T) {
	st := store.NewMemory()
	m := NewMaterializer(st, nil, nil)
	cmd := twiceDaily()
	cmd.Schedule.Times = []string{"99:99"}

	_, err := m.Materialize(context.Background(), cmd, WindowFrom(time.Now().UTC()))
	if err == nil {
		t.Fatal("invalid schedule accepted")
	}
	if !errs.IsValidation(err) {
		t.Errorf("expected ValidationError, got %T", err)
	}

	all, _ := st.QueryEvents(context.Background(), store.EventFilter{CommandID: cmd.ID})
	if len(all) != 0 {
		t.Error("invalid command wrote events")
	}
}

func TestMaterializeWeekly(t *testing.T) {
	st := store.NewMemory()
	m := NewMaterializer(st, nil, nil)
	cmd := twiceDaily()
	cmd.Schedule.Frequency = command.FrequencyWeekly
	cmd.Schedule.Times = []string{"09:00"}
	cmd.Schedule.DaysOfWeek = []time.Weekday{time.Monday}

	// Wed Jan 7 through Wed Jan 14: exactly one Monday (Jan 12).
	now := time.Date(2026, 1, 7, 12, 0, 0, 0, time.UTC)
	events, err := m.Materialize(context.Background(), cmd, WindowFrom(now))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("weekly produced %d events, want 1", len(events))
	}
	local := events[0].Timing.ScheduledFor.In(mustZone(t, cmd.Timezone))
	if local.Weekday() != time.Monday || local.Hour() != 9 {
		t.Errorf("dose at %v, want Monday 09:00 local", local)
	}
}

func TestMaterializeMonthlyClamped(t *testing.T) {
	st := store.NewMemory()
	m := NewMaterializer(st, nil, nil)
	cmd := twiceDaily()
	cmd.Schedule.Frequency = command.FrequencyMonthly
	cmd.Schedule.Times = []string{"09:00"}
	cmd.Schedule.DayOfMonth = 31

	// Window covering the end of February 2026: day 31 clamps to 28.
	now := time.Date(2026, 2, 24, 0, 0, 0, 0, time.UTC)
	events, err := m.Materialize(context.Background(), cmd, WindowFrom(now))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("monthly produced %d events, want 1", len(events))
	}
	local := events[0].Timing.ScheduledFor.In(mustZone(t, cmd.Timezone))
	if local.Day() != 28 {
		t.Errorf("dose on day %d, want clamped 28", local.Day())
	}
}

func TestMaterializeRespectsEndDate(t *testing.T) {
	st := store.NewMemory()
	m := NewMaterializer(st, nil, nil)
	cmd := twiceDaily()
	cmd.Schedule.IsIndefinite = false
	cmd.Schedule.EndDate = time.Date(2026, 1, 8, 23, 59, 0, 0, time.UTC)

	now := time.Date(2026, 1, 7, 0, 0, 0, 0, time.UTC)
	events, err := m.Materialize(context.Background(), cmd, WindowFrom(now))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range events {
		if e.Timing.ScheduledFor.After(cmd.Schedule.EndDate) {
			t.Errorf("dose at %v past end date", e.Timing.ScheduledFor)
		}
	}
}

func TestMaterializeAsNeeded(t *testing.T) {
	st := store.NewMemory()
	m := NewMaterializer(st, nil, nil)
	cmd := twiceDaily()
	cmd.Schedule.Frequency = command.FrequencyAsNeeded
	cmd.Schedule.Times = nil

	events, err := m.Materialize(context.Background(), cmd, WindowFrom(time.Now().UTC()))
	if err != nil {
		t.Fatal(err)
	}
	if events != nil {
		t.Error("as_needed materialized fixed doses")
	}
}

func mustZone(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatal(err)
	}
	return loc
}

func TestTopUpRefreshesActiveCommands(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	cmd := twiceDaily()
	if err := st.PutCommand(ctx, cmd); err != nil {
		t.Fatal(err)
	}
	paused := command.New("cmd-paused", "patient-2",
		command.Medication{Name: "Atorvastatin", Dosage: "20mg"},
		command.Schedule{
			Frequency:    command.FrequencyDaily,
			Times:        []string{"09:00"},
			StartDate:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			IsIndefinite: true,
		},
		command.GraceConfig{DefaultMinutes: 30}, "America/Chicago")
	if err := st.PutCommand(ctx, paused); err != nil {
		t.Fatal(err)
	}
	if err := paused.Transition(command.StatusPaused); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateCommand(ctx, paused); err != nil {
		t.Fatal(err)
	}

	m := NewMaterializer(st, nil, nil)
	now := time.Date(2026, 1, 7, 0, 0, 0, 0, time.UTC)

	report := m.TopUp(ctx, st, now)
	if report.Errors != 0 {
		t.Fatalf("errors=%d", report.Errors)
	}
	if report.Commands != 1 {
		t.Fatalf("commands=%d, want only the active one", report.Commands)
	}
	if report.Written != 14 {
		t.Fatalf("written=%d, want 14", report.Written)
	}

	// The next pass a day later fills only the day that scrolled into view.
	later := m.TopUp(ctx, st, now.AddDate(0, 0, 1))
	if later.Written != 2 {
		t.Fatalf("second pass written=%d, want 2", later.Written)
	}
}
