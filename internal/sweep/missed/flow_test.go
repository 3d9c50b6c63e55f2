package missed

import (
	"context"
	"testing"
	"time"

	"github.com/NPNMD/KinConnectSurface-sub017/internal/domain/command"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/domain/event"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/schedule"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/store"
)

// Materialized doses flow straight into detection: a twice-daily Chicago
// schedule whose morning dose went untaken past its grace is marked missed
// on the first sweep, while the evening dose stays scheduled.
func TestMaterializeThenDetectTwiceDaily(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	// Jan 7 2026 local midnight in Chicago (UTC-6).
	startDate := time.Date(2026, 1, 7, 6, 0, 0, 0, time.UTC)
	cmd := command.New("cmd-1", "patient-1",
		command.Medication{Name: "Metformin", Dosage: "500mg"},
		command.Schedule{
			Frequency:    command.FrequencyTwiceDaily,
			Times:        []string{"08:00", "20:00"},
			StartDate:    startDate,
			IsIndefinite: true,
		},
		command.GraceConfig{DefaultMinutes: 30}, "America/Chicago")

	mat := schedule.NewMaterializer(st, nil, nil)
	events, err := mat.Materialize(ctx, cmd, schedule.Window{
		From: startDate,
		To:   startDate.AddDate(0, 0, 1),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("materialized %d events, want 2", len(events))
	}

	morning := time.Date(2026, 1, 7, 14, 0, 0, 0, time.UTC) // 08:00 Chicago
	evening := time.Date(2026, 1, 8, 2, 0, 0, 0, time.UTC)  // 20:00 Chicago

	// 08:45 local: the morning dose is 15 minutes past its grace end.
	now := time.Date(2026, 1, 7, 14, 45, 0, 0, time.UTC)
	d := NewDetector(st, nil, nil, nil, nil)
	report := d.Run(ctx, now, false)
	if len(report.Errors) != 0 {
		t.Fatalf("sweep errors: %v", report.Errors)
	}
	if report.Missed != 1 {
		t.Fatalf("missed=%d, want 1", report.Missed)
	}

	morningEvents, err := st.EventsForDose(ctx, cmd.ID, morning)
	if err != nil {
		t.Fatal(err)
	}
	morningDose := event.FoldDose(morningEvents)
	if morningDose.State != event.StateMissed {
		t.Fatalf("morning dose state %s", morningDose.State)
	}
	if morningDose.TerminalEvent.Metadata.CorrelationID != morningDose.ScheduledEvent.ID {
		t.Error("missed event not correlated to its scheduled event")
	}

	eveningEvents, err := st.EventsForDose(ctx, cmd.ID, evening)
	if err != nil {
		t.Fatal(err)
	}
	if got := event.FoldDose(eveningEvents).State; got != event.StateScheduled {
		t.Fatalf("evening dose state %s, want scheduled", got)
	}

	// A second sweep minutes later finds nothing new.
	if again := d.Run(ctx, now.Add(5*time.Minute), false); again.Missed != 0 {
		t.Fatalf("second sweep missed=%d, want 0", again.Missed)
	}
}
