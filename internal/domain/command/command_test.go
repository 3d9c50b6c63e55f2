package command

import (
	"testing"
	"time"

	"github.com/NPNMD/KinConnectSurface-sub017/internal/errs"
)

func validCommand() *Command {
	return New("cmd-1", "patient-1",
		Medication{Name: "Lisinopril", Dosage: "10mg"},
		Schedule{
			Frequency:    FrequencyTwiceDaily,
			Times:        []string{"08:00", "20:00"},
			StartDate:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			IsIndefinite: true,
		},
		GraceConfig{DefaultMinutes: 30},
		"America/Chicago")
}

func TestValidate(t *testing.T) {
	if err := validCommand().Validate(); err != nil {
		t.Fatalf("valid command rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Command)
	}{
		{"missing id", func(c *Command) { c.ID = "" }},
		{"missing patient", func(c *Command) { c.PatientID = "" }},
		{"missing medication name", func(c *Command) { c.Medication.Name = "" }},
		{"bad timezone", func(c *Command) { c.Timezone = "Not/AZone" }},
		{"no times", func(c *Command) { c.Schedule.Times = nil }},
		{"bad clock", func(c *Command) { c.Schedule.Times = []string{"25:00"} }},
		{"unknown frequency", func(c *Command) { c.Schedule.Frequency = "hourly" }},
		{"weekly without days", func(c *Command) {
			c.Schedule.Frequency = FrequencyWeekly
			c.Schedule.DaysOfWeek = nil
		}},
		{"monthly day out of range", func(c *Command) {
			c.Schedule.Frequency = FrequencyMonthly
			c.Schedule.DayOfMonth = 32
		}},
		{"no start date", func(c *Command) { c.Schedule.StartDate = time.Time{} }},
		{"end before start", func(c *Command) {
			c.Schedule.IsIndefinite = false
			c.Schedule.EndDate = c.Schedule.StartDate.AddDate(0, 0, -1)
		}},
	}

	for _, tc := range cases {
		c := validCommand()
		tc.mutate(c)
		err := c.Validate()
		if err == nil {
			t.Errorf("%s: expected validation error", tc.name)
			continue
		}
		if !errs.IsValidation(err) {
			t.Errorf("%s: expected ValidationError, got %T", tc.name, err)
		}
	}
}

func TestAsNeededNoTimes(t *testing.T) {
	c := validCommand()
	c.Schedule.Frequency = FrequencyAsNeeded
	c.Schedule.Times = nil
	if err := c.Validate(); err != nil {
		t.Fatalf("as_needed without times rejected: %v", err)
	}
}

func TestTransitions(t *testing.T) {
	c := validCommand()

	if err := c.Transition(StatusPaused); err != nil {
		t.Fatalf("active->paused failed: %v", err)
	}
	if err := c.Transition(StatusActive); err != nil {
		t.Fatalf("paused->active failed: %v", err)
	}
	if err := c.Transition(StatusHeld); err != nil {
		t.Fatalf("active->held failed: %v", err)
	}
	if err := c.Transition(StatusDiscontinued); err != nil {
		t.Fatalf("held->discontinued failed: %v", err)
	}

	// Discontinued is terminal.
	if err := c.Transition(StatusActive); err == nil {
		t.Error("discontinued->active allowed")
	} else if !errs.IsConsistency(err) {
		t.Errorf("expected ConsistencyError, got %T", err)
	}
}

func TestTransitionSameStatus(t *testing.T) {
	c := validCommand()
	if err := c.Transition(StatusActive); err == nil {
		t.Error("active->active allowed")
	}
}

func TestTransitionBumpsVersion(t *testing.T) {
	c := validCommand()
	v := c.Version
	if err := c.Transition(StatusPaused); err != nil {
		t.Fatal(err)
	}
	if c.Version != v+1 {
		t.Errorf("version = %d, want %d", c.Version, v+1)
	}
}

func TestTouch(t *testing.T) {
	c := validCommand()
	c.Touch("evt-42")
	if c.Version != 2 {
		t.Errorf("version = %d, want 2", c.Version)
	}
	if c.LastEventID != "evt-42" {
		t.Errorf("last event id = %q", c.LastEventID)
	}
	c.Touch("")
	if c.LastEventID != "evt-42" {
		t.Error("empty touch cleared last event id")
	}
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("08:30")
	if err != nil || h != 8 || m != 30 {
		t.Errorf("ParseClock(08:30) = %d:%d, %v", h, m, err)
	}
	if _, _, err := ParseClock("8:3"); err == nil {
		t.Error("loose clock format accepted")
	}
}

func TestClampDayOfMonth(t *testing.T) {
	cases := []struct {
		day   int
		year  int
		month time.Month
		want  int
	}{
		{31, 2026, time.January, 31},
		{31, 2026, time.February, 28},
		{31, 2028, time.February, 29}, // leap year
		{31, 2026, time.April, 30},
		{15, 2026, time.February, 15},
	}
	for _, c := range cases {
		if got := ClampDayOfMonth(c.day, c.year, c.month); got != c.want {
			t.Errorf("ClampDayOfMonth(%d, %d, %s) = %d, want %d", c.day, c.year, c.month, got, c.want)
		}
	}
}
