package event

import (
	"sort"
	"time"
)

// DoseState is the derived state of one (commandID, scheduledFor) dose.
type DoseState string

const (
	StateScheduled  DoseState = "scheduled"
	StateTaken      DoseState = "taken"
	StateMissed     DoseState = "missed"
	StateSkipped    DoseState = "skipped"
	StateSuperseded DoseState = "superseded"
	StateUnknown    DoseState = "unknown"
)

// Dose is the folded view of one dose's event stream.
type Dose struct {
	CommandID      string
	PatientID      string
	ScheduledFor   time.Time
	GracePeriodEnd time.Time
	State          DoseState
	ScheduledEvent *Event
	TerminalEvent  *Event
	LastEvent      *Event
	Compensations  int // undos applied; feeds the terminal id attempt counter
}

// FoldDose folds the events belonging to one (commandID, scheduledFor) pair
// into a dose state. Events are ordered by timestamp; a dose_rescheduled
// appended after a terminal event compensates it, returning the dose to
// scheduled without mutating the log.
func FoldDose(events []*Event) Dose {
	d := Dose{State: StateUnknown}
	if len(events) == 0 {
		return d
	}

	sorted := make([]*Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timing.EventTimestamp.Before(sorted[j].Timing.EventTimestamp)
	})

	for _, e := range sorted {
		d.CommandID = e.CommandID
		d.PatientID = e.PatientID
		d.LastEvent = e

		switch e.Type {
		case TypeDoseScheduled:
			d.State = StateScheduled
			d.ScheduledEvent = e
			d.ScheduledFor = e.Timing.ScheduledFor
			d.GracePeriodEnd = e.Timing.GracePeriodEnd
		case TypeDoseTaken:
			d.State = StateTaken
			d.TerminalEvent = e
		case TypeDoseMissed:
			d.State = StateMissed
			d.TerminalEvent = e
		case TypeDoseSkipped:
			d.State = StateSkipped
			d.TerminalEvent = e
		case TypeDoseSnoozed:
			d.State = StateSuperseded
		case TypeDoseRescheduled:
			var data RescheduledData
			if err := e.DecodeData(&data); err == nil && !data.NewScheduledTime.IsZero() &&
				!data.NewScheduledTime.Equal(d.ScheduledFor) {
				// moved to a different slot
				d.State = StateSuperseded
			} else {
				// compensating undo back to the original slot
				d.State = StateScheduled
				d.TerminalEvent = nil
				d.Compensations++
			}
		}
	}
	return d
}

// doseKey groups events by (commandID, scheduledFor).
type doseKey struct {
	commandID    string
	scheduledFor int64
}

// FoldAll groups a mixed event slice by dose and folds each group.
func FoldAll(events []*Event) []Dose {
	groups := make(map[doseKey][]*Event)
	var order []doseKey
	for _, e := range events {
		k := doseKey{e.CommandID, e.Timing.ScheduledFor.Unix()}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e)
	}

	doses := make([]Dose, 0, len(order))
	for _, k := range order {
		doses = append(doses, FoldDose(groups[k]))
	}
	sort.Slice(doses, func(i, j int) bool {
		return doses[i].ScheduledFor.Before(doses[j].ScheduledFor)
	})
	return doses
}

// Resolved reports whether the dose no longer needs detector attention.
func (d Dose) Resolved() bool {
	return d.State == StateTaken || d.State == StateMissed ||
		d.State == StateSkipped || d.State == StateSuperseded
}
