package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/NPNMD/KinConnectSurface-sub017/internal/domain/command"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/domain/event"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/errs"
)

// Memory implements Store in process memory. It mirrors the PostgreSQL
// conflict-no-op append semantics so sweep and orchestrator tests exercise
// the same idempotency paths as production.
type Memory struct {
	mu        sync.RWMutex
	events    map[string]*event.Event
	archive   map[string]*event.Event
	commands  map[string]*command.Command
	summaries map[string]*DailySummary // patientID|date
	markers   map[string]time.Time
	zones     map[string]string
	legacy    map[string]map[string]int // table -> commandID -> rows
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		events:    make(map[string]*event.Event),
		archive:   make(map[string]*event.Event),
		commands:  make(map[string]*command.Command),
		summaries: make(map[string]*DailySummary),
		markers:   make(map[string]time.Time),
		zones:     make(map[string]string),
		legacy: map[string]map[string]int{
			"schedules": {}, "calendar": {}, "reminders": {},
		},
	}
}

// AppendEvents inserts events, skipping existing ids.
func (m *Memory) AppendEvents(_ context.Context, events []*event.Event) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	written := 0
	for _, e := range events {
		if _, exists := m.events[e.ID]; exists {
			continue
		}
		cp := *e
		m.events[e.ID] = &cp
		written++
	}
	return written, nil
}

func matches(e *event.Event, f EventFilter) bool {
	if f.PatientID != "" && e.PatientID != f.PatientID {
		return false
	}
	if f.CommandID != "" && e.CommandID != f.CommandID {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if e.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.ScheduledGTE.IsZero() && e.Timing.ScheduledFor.Before(f.ScheduledGTE) {
		return false
	}
	if !f.ScheduledLT.IsZero() && !e.Timing.ScheduledFor.Before(f.ScheduledLT) {
		return false
	}
	return true
}

func collect(src map[string]*event.Event, f EventFilter) []*event.Event {
	var out []*event.Event
	for _, e := range src {
		if matches(e, f) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timing.ScheduledFor.Equal(out[j].Timing.ScheduledFor) {
			return out[i].Timing.ScheduledFor.Before(out[j].Timing.ScheduledFor)
		}
		return out[i].Timing.EventTimestamp.Before(out[j].Timing.EventTimestamp)
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// QueryEvents selects live events by filter.
func (m *Memory) QueryEvents(_ context.Context, f EventFilter) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return collect(m.events, f), nil
}

// QueryArchivedEvents selects archived events by filter.
func (m *Memory) QueryArchivedEvents(_ context.Context, f EventFilter) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return collect(m.archive, f), nil
}

// EventsForDose returns the live stream for one (command, scheduledFor).
func (m *Memory) EventsForDose(_ context.Context, commandID string, scheduledFor time.Time) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*event.Event
	for _, e := range m.events {
		if e.CommandID == commandID && e.Timing.ScheduledFor.Equal(scheduledFor) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timing.EventTimestamp.Before(out[j].Timing.EventTimestamp)
	})
	return out, nil
}

// ArchiveEvents copies events into the archive, idempotent by id.
func (m *Memory) ArchiveEvents(_ context.Context, events []*event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		if _, exists := m.archive[e.ID]; exists {
			continue
		}
		cp := *e
		m.archive[e.ID] = &cp
	}
	return nil
}

// DeleteEvents removes live events by id.
func (m *Memory) DeleteEvents(_ context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := m.events[id]; ok {
			delete(m.events, id)
			n++
		}
	}
	return n, nil
}

// DeleteEventsByCommand removes all live events for a command.
func (m *Memory) DeleteEventsByCommand(_ context.Context, commandID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.events {
		if e.CommandID == commandID {
			delete(m.events, id)
			n++
		}
	}
	return n, nil
}

// DeleteArchivedByCommand removes all archived events for a command.
func (m *Memory) DeleteArchivedByCommand(_ context.Context, commandID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.archive {
		if e.CommandID == commandID {
			delete(m.archive, id)
			n++
		}
	}
	return n, nil
}

// GetCommand loads one command.
func (m *Memory) GetCommand(_ context.Context, id string) (*command.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.commands[id]
	if !ok {
		return nil, errs.NotFound("command", id)
	}
	cp := *c
	return &cp, nil
}

// PutCommand inserts a command.
func (m *Memory) PutCommand(_ context.Context, c *command.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.commands[c.ID] = &cp
	return nil
}

// UpdateCommand writes a command back when its version advanced.
func (m *Memory) UpdateCommand(_ context.Context, c *command.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.commands[c.ID]
	if !ok || cur.Version >= c.Version {
		return errs.Consistency("update", "stale or missing command")
	}
	cp := *c
	m.commands[c.ID] = &cp
	return nil
}

// DeleteCommand removes a command; absent ids are a no-op.
func (m *Memory) DeleteCommand(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.commands, id)
	return nil
}

// ListCommandsByPatient returns a patient's commands.
func (m *Memory) ListCommandsByPatient(_ context.Context, patientID string) ([]*command.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*command.Command
	for _, c := range m.commands {
		if c.PatientID == patientID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ListActiveCommands returns every active command.
func (m *Memory) ListActiveCommands(_ context.Context) ([]*command.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*command.Command
	for _, c := range m.commands {
		if c.Status == command.StatusActive {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// PutSummary writes a summary once per (patient, date).
func (m *Memory) PutSummary(_ context.Context, s *DailySummary) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := s.PatientID + "|" + s.Date
	if _, exists := m.summaries[key]; exists {
		return false, nil
	}
	cp := *s
	m.summaries[key] = &cp
	return true, nil
}

// GetSummary loads one summary.
func (m *Memory) GetSummary(_ context.Context, patientID, date string) (*DailySummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.summaries[patientID+"|"+date]
	if !ok {
		return nil, errs.NotFound("summary", patientID+"/"+date)
	}
	cp := *s
	return &cp, nil
}

// HasMarker reports whether a marker exists.
func (m *Memory) HasMarker(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.markers[key]
	return ok, nil
}

// SetMarker records a marker; returns false when already present.
func (m *Memory) SetMarker(_ context.Context, key string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.markers[key]; ok {
		return false, nil
	}
	m.markers[key] = at
	return true, nil
}

// PutPatientZone registers a patient's timezone (test setup helper).
func (m *Memory) PutPatientZone(patientID, zone string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zones[patientID] = zone
}

// ListPatientZones returns every registered zone.
func (m *Memory) ListPatientZones(_ context.Context) ([]PatientZone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []PatientZone
	for id, z := range m.zones {
		out = append(out, PatientZone{PatientID: id, Timezone: z})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatientID < out[j].PatientID })
	return out, nil
}

// GetPatientZone returns one patient's timezone.
func (m *Memory) GetPatientZone(_ context.Context, patientID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	z, ok := m.zones[patientID]
	if !ok {
		return "", errs.NotFound("patient", patientID)
	}
	return z, nil
}

// SeedLegacyRows plants legacy derived rows for cascade tests.
func (m *Memory) SeedLegacyRows(commandID string, schedules, calendar, reminders int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.legacy["schedules"][commandID] = schedules
	m.legacy["calendar"][commandID] = calendar
	m.legacy["reminders"][commandID] = reminders
}

func (m *Memory) deleteLegacy(table, commandID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(m.legacy[table][commandID])
	delete(m.legacy[table], commandID)
	return n
}

// DeleteLegacySchedules removes legacy schedule rows.
func (m *Memory) DeleteLegacySchedules(_ context.Context, commandID string) (int64, error) {
	return m.deleteLegacy("schedules", commandID), nil
}

// DeleteLegacyCalendarEntries removes legacy calendar projection rows.
func (m *Memory) DeleteLegacyCalendarEntries(_ context.Context, commandID string) (int64, error) {
	return m.deleteLegacy("calendar", commandID), nil
}

// DeleteLegacyReminders removes legacy reminder rows.
func (m *Memory) DeleteLegacyReminders(_ context.Context, commandID string) (int64, error) {
	return m.deleteLegacy("reminders", commandID), nil
}
