// Package command implements the medication command aggregate. A command is
// the source of truth for one prescription's schedule and grace configuration;
// every derived dose event references it by id.
package command

import (
	"time"

	"github.com/NPNMD/KinConnectSurface-sub017/internal/errs"
)

// Status represents command status
type Status string

const (
	StatusActive       Status = "active"
	StatusPaused       Status = "paused"
	StatusHeld         Status = "held"
	StatusDiscontinued Status = "discontinued"
	StatusCompleted    Status = "completed"
)

// Frequency is the recurrence rule kind for a schedule.
type Frequency string

const (
	FrequencyDaily           Frequency = "daily"
	FrequencyTwiceDaily      Frequency = "twice_daily"
	FrequencyThreeTimesDaily Frequency = "three_times_daily"
	FrequencyFourTimesDaily  Frequency = "four_times_daily"
	FrequencyWeekly          Frequency = "weekly"
	FrequencyMonthly         Frequency = "monthly"
	FrequencyAsNeeded        Frequency = "as_needed"
)

// MedicationType classifies the medication for grace-period auditing.
type MedicationType string

const (
	MedicationCritical MedicationType = "critical"
	MedicationStandard MedicationType = "standard"
	MedicationAsNeeded MedicationType = "as_needed"
)

// Medication describes the prescribed drug.
type Medication struct {
	Name     string `json:"name"`
	Dosage   string `json:"dosage,omitempty"`
	Form     string `json:"form,omitempty"`
	RxNormID string `json:"rxnorm_id,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// Schedule holds the recurrence rule for a command.
type Schedule struct {
	Frequency    Frequency      `json:"frequency"`
	Times        []string       `json:"times"` // wall-clock HH:MM strings
	DaysOfWeek   []time.Weekday `json:"days_of_week,omitempty"`
	DayOfMonth   int            `json:"day_of_month,omitempty"`
	StartDate    time.Time      `json:"start_date"`
	EndDate      time.Time      `json:"end_date,omitempty"`
	IsIndefinite bool           `json:"is_indefinite"`
}

// GraceConfig holds the allowed-lateness configuration. Slot overrides are
// keyed by slot name (morning, noon, evening, bedtime).
type GraceConfig struct {
	DefaultMinutes    int            `json:"default_minutes"`
	SlotOverrides     map[string]int `json:"slot_overrides,omitempty"`
	MedicationType    MedicationType `json:"medication_type"`
	WeekendMultiplier float64        `json:"weekend_multiplier,omitempty"`
}

// Command is the medication prescription aggregate.
type Command struct {
	ID          string      `json:"id"`
	PatientID   string      `json:"patient_id"`
	Medication  Medication  `json:"medication"`
	Schedule    Schedule    `json:"schedule"`
	Grace       GraceConfig `json:"grace"`
	Timezone    string      `json:"timezone"` // patient's IANA zone
	Status      Status      `json:"status"`
	Version     int         `json:"version"`
	LastEventID string      `json:"last_event_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// New creates an active command with version 1.
func New(id, patientID string, med Medication, sched Schedule, grace GraceConfig, tz string) *Command {
	now := time.Now().UTC()
	return &Command{
		ID:         id,
		PatientID:  patientID,
		Medication: med,
		Schedule:   sched,
		Grace:      grace,
		Timezone:   tz,
		Status:     StatusActive,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Validate checks the schedule invariants. It returns a ValidationError on
// the first violation and must be called before any materialization.
func (c *Command) Validate() error {
	if c.ID == "" {
		return errs.Validation("id", "required")
	}
	if c.PatientID == "" {
		return errs.Validation("patient_id", "required")
	}
	if c.Medication.Name == "" {
		return errs.Validation("medication.name", "required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return errs.Validation("timezone", "invalid IANA zone: "+c.Timezone)
	}
	return c.Schedule.Validate()
}

// Validate checks schedule field invariants.
func (s *Schedule) Validate() error {
	switch s.Frequency {
	case FrequencyDaily, FrequencyTwiceDaily, FrequencyThreeTimesDaily,
		FrequencyFourTimesDaily, FrequencyWeekly, FrequencyMonthly:
		if len(s.Times) == 0 {
			return errs.Validation("schedule.times", "required for frequency "+string(s.Frequency))
		}
	case FrequencyAsNeeded:
		// as_needed has no fixed times
	default:
		return errs.Validation("schedule.frequency", "unknown frequency "+string(s.Frequency))
	}

	for _, t := range s.Times {
		if _, _, err := ParseClock(t); err != nil {
			return errs.Validation("schedule.times", "invalid time "+t)
		}
	}

	if s.Frequency == FrequencyWeekly && len(s.DaysOfWeek) == 0 {
		return errs.Validation("schedule.days_of_week", "required for weekly frequency")
	}
	if s.Frequency == FrequencyMonthly && (s.DayOfMonth < 1 || s.DayOfMonth > 31) {
		return errs.Validation("schedule.day_of_month", "must be in [1,31]")
	}
	if s.StartDate.IsZero() {
		return errs.Validation("schedule.start_date", "required")
	}
	if !s.IsIndefinite && !s.EndDate.IsZero() && s.EndDate.Before(s.StartDate) {
		return errs.Validation("schedule.end_date", "before start_date")
	}
	return nil
}

// ParseClock parses an HH:MM wall-clock string.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}

// Active reports whether the command should currently produce scheduled doses.
func (c *Command) Active() bool { return c.Status == StatusActive }

// transition table for status changes
var allowedTransitions = map[Status][]Status{
	StatusActive: {StatusPaused, StatusHeld, StatusDiscontinued, StatusCompleted},
	StatusPaused: {StatusActive, StatusDiscontinued},
	StatusHeld:   {StatusActive, StatusDiscontinued},
}

// Transition moves the command to a new status, enforcing the transition
// table. Discontinued and completed are terminal.
func (c *Command) Transition(to Status) error {
	if c.Status == to {
		return errs.Consistency("transition to "+string(to), string(c.Status))
	}
	for _, next := range allowedTransitions[c.Status] {
		if next == to {
			c.Status = to
			c.Touch("")
			return nil
		}
	}
	return errs.Consistency("transition to "+string(to), string(c.Status))
}

// Touch bumps the version and records the last appended event id.
func (c *Command) Touch(lastEventID string) {
	c.Version++
	if lastEventID != "" {
		c.LastEventID = lastEventID
	}
	c.UpdatedAt = time.Now().UTC()
}

// ClampDayOfMonth resolves the schedule's day-of-month for a given month,
// clamping to the month's last day (e.g. 31 in February becomes 28 or 29).
func ClampDayOfMonth(day int, year int, month time.Month) int {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		return last
	}
	return day
}
