// Package event implements the immutable dose lifecycle event and the fold
// that derives a dose's current state from its event stream.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type represents the type of dose event
type Type string

const (
	TypeDoseScheduled   Type = "dose_scheduled"
	TypeDoseTaken       Type = "dose_taken"
	TypeDoseMissed      Type = "dose_missed"
	TypeDoseSkipped     Type = "dose_skipped"
	TypeDoseSnoozed     Type = "dose_snoozed"
	TypeDoseRescheduled Type = "dose_rescheduled"
)

// TriggerSource identifies what caused an event to be appended.
type TriggerSource string

const (
	TriggerUserAction      TriggerSource = "user_action"
	TriggerSystemDetection TriggerSource = "system_detection"
	TriggerScheduledTask   TriggerSource = "scheduled_task"
	TriggerAPICall         TriggerSource = "api_call"
)

// Context carries denormalized snapshot fields stamped at append time.
type Context struct {
	MedicationName string        `json:"medication_name"`
	ScheduleID     string        `json:"schedule_id,omitempty"`
	TriggerSource  TriggerSource `json:"trigger_source"`
}

// Timing carries the dose timing fields.
type Timing struct {
	EventTimestamp time.Time `json:"event_timestamp"`
	ScheduledFor   time.Time `json:"scheduled_for"`
	GracePeriodEnd time.Time `json:"grace_period_end,omitempty"`
	MinutesLate    int       `json:"minutes_late,omitempty"`
}

// Metadata carries versioning and audit fields.
type Metadata struct {
	EventVersion  int    `json:"event_version"`
	CorrelationID string `json:"correlation_id,omitempty"`
	CreatedBy     string `json:"created_by,omitempty"`
}

// Event is one immutable fact about one dose's lifecycle.
type Event struct {
	ID        string          `json:"id"`
	CommandID string          `json:"command_id"`
	PatientID string          `json:"patient_id"`
	Type      Type            `json:"event_type"`
	Data      json.RawMessage `json:"event_data,omitempty"`
	Context   Context         `json:"context"`
	Timing    Timing          `json:"timing"`
	Metadata  Metadata        `json:"metadata"`
}

// TakenData is the variant payload for dose_taken.
type TakenData struct {
	Dosage string `json:"dosage,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

// SkippedData is the variant payload for dose_skipped.
type SkippedData struct {
	Reason string `json:"reason,omitempty"`
}

// MissedData is the variant payload for dose_missed.
type MissedData struct {
	DetectedAt time.Time `json:"detected_at"`
}

// SnoozedData is the variant payload for dose_snoozed.
type SnoozedData struct {
	SnoozeMinutes    int       `json:"snooze_minutes"`
	NewScheduledTime time.Time `json:"new_scheduled_time"`
}

// RescheduledData is the variant payload for dose_rescheduled. A compensating
// undo reschedules the dose back to its original time.
type RescheduledData struct {
	NewScheduledTime time.Time `json:"new_scheduled_time"`
	Reason           string    `json:"reason,omitempty"`
}

// New creates an event with a random id. Deterministic ids (scheduled and
// terminal events) are assigned by the caller via pkg/idempotency.
func New(commandID, patientID string, typ Type, data interface{}) (*Event, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Event{
		ID:        uuid.New().String(),
		CommandID: commandID,
		PatientID: patientID,
		Type:      typ,
		Data:      raw,
		Timing:    Timing{EventTimestamp: time.Now().UTC()},
		Metadata:  Metadata{EventVersion: 1},
	}, nil
}

// WithContext sets the denormalized context snapshot.
func (e *Event) WithContext(medicationName, scheduleID string, src TriggerSource) *Event {
	e.Context = Context{MedicationName: medicationName, ScheduleID: scheduleID, TriggerSource: src}
	return e
}

// WithCorrelation chains this event to the originating scheduled event.
func (e *Event) WithCorrelation(id string) *Event {
	e.Metadata.CorrelationID = id
	return e
}

// Terminal reports whether the type resolves a dose. At most one terminal
// event may exist per (commandID, scheduledFor).
func (t Type) Terminal() bool {
	switch t {
	case TypeDoseTaken, TypeDoseMissed, TypeDoseSkipped:
		return true
	}
	return false
}

// WithData marshals the variant payload onto the event.
func (e *Event) WithData(data interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	e.Data = b
	return nil
}

// DecodeData unmarshals the variant payload into v.
func (e *Event) DecodeData(v interface{}) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}
