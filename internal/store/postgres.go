package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/NPNMD/KinConnectSurface-sub017/internal/domain/command"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/domain/event"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/errs"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates the PostgreSQL store.
func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{pool: pool, logger: logger}
}

const eventColumns = `id, command_id, patient_id, event_type, event_data,
	medication_name, schedule_id, trigger_source,
	event_timestamp, scheduled_for, grace_period_end, minutes_late,
	event_version, correlation_id, created_by`

// AppendEvents writes events in bounded atomic groups, skipping ids that
// already exist. Each group is one transaction; committed groups stay durable
// even if a later sibling fails.
func (p *Postgres) AppendEvents(ctx context.Context, events []*event.Event) (int, error) {
	written := 0
	err := Chunk(len(events), func(lo, hi int) error {
		tx, err := p.pool.Begin(ctx)
		if err != nil {
			return errs.Transient("append begin", err)
		}
		defer tx.Rollback(ctx)

		batch := &pgx.Batch{}
		for _, e := range events[lo:hi] {
			batch.Queue(`
				INSERT INTO dose_events (`+eventColumns+`)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
				ON CONFLICT (id) DO NOTHING`,
				eventArgs(e)...)
		}

		br := tx.SendBatch(ctx, batch)
		for range events[lo:hi] {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return errs.Transient("append exec", err)
			}
			written += int(tag.RowsAffected())
		}
		if err := br.Close(); err != nil {
			return errs.Transient("append close", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return errs.Transient("append commit", err)
		}
		return nil
	})
	return written, err
}

func eventArgs(e *event.Event) []interface{} {
	return []interface{}{
		e.ID, e.CommandID, e.PatientID, e.Type, e.Data,
		e.Context.MedicationName, e.Context.ScheduleID, e.Context.TriggerSource,
		e.Timing.EventTimestamp, e.Timing.ScheduledFor, nullTime(e.Timing.GracePeriodEnd), e.Timing.MinutesLate,
		e.Metadata.EventVersion, e.Metadata.CorrelationID, e.Metadata.CreatedBy,
	}
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// QueryEvents selects live events by filter.
func (p *Postgres) QueryEvents(ctx context.Context, f EventFilter) ([]*event.Event, error) {
	return p.queryEventTable(ctx, "dose_events", f)
}

// QueryArchivedEvents selects archived events by filter.
func (p *Postgres) QueryArchivedEvents(ctx context.Context, f EventFilter) ([]*event.Event, error) {
	return p.queryEventTable(ctx, "dose_events_archive", f)
}

func (p *Postgres) queryEventTable(ctx context.Context, table string, f EventFilter) ([]*event.Event, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if f.PatientID != "" {
		add("patient_id = $%d", f.PatientID)
	}
	if f.CommandID != "" {
		add("command_id = $%d", f.CommandID)
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		add("event_type = ANY($%d)", types)
	}
	if !f.ScheduledGTE.IsZero() {
		add("scheduled_for >= $%d", f.ScheduledGTE)
	}
	if !f.ScheduledLT.IsZero() {
		add("scheduled_for < $%d", f.ScheduledLT)
	}

	query := "SELECT " + eventColumns + " FROM " + table
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY scheduled_for ASC, event_timestamp ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errs.Transient("query events", err)
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanEvent(rows pgx.Rows) (*event.Event, error) {
	e := &event.Event{}
	var graceEnd *time.Time
	err := rows.Scan(
		&e.ID, &e.CommandID, &e.PatientID, &e.Type, &e.Data,
		&e.Context.MedicationName, &e.Context.ScheduleID, &e.Context.TriggerSource,
		&e.Timing.EventTimestamp, &e.Timing.ScheduledFor, &graceEnd, &e.Timing.MinutesLate,
		&e.Metadata.EventVersion, &e.Metadata.CorrelationID, &e.Metadata.CreatedBy,
	)
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	if graceEnd != nil {
		e.Timing.GracePeriodEnd = *graceEnd
	}
	return e, nil
}

// EventsForDose returns every live event for one (command, scheduledFor).
func (p *Postgres) EventsForDose(ctx context.Context, commandID string, scheduledFor time.Time) ([]*event.Event, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM dose_events
		WHERE command_id = $1 AND scheduled_for = $2
		ORDER BY event_timestamp ASC`, commandID, scheduledFor)
	if err != nil {
		return nil, errs.Transient("query dose", err)
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ArchiveEvents copies events into the archive table, idempotent by id.
func (p *Postgres) ArchiveEvents(ctx context.Context, events []*event.Event) error {
	return Chunk(len(events), func(lo, hi int) error {
		tx, err := p.pool.Begin(ctx)
		if err != nil {
			return errs.Transient("archive begin", err)
		}
		defer tx.Rollback(ctx)

		batch := &pgx.Batch{}
		for _, e := range events[lo:hi] {
			batch.Queue(`
				INSERT INTO dose_events_archive (`+eventColumns+`)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
				ON CONFLICT (id) DO NOTHING`,
				eventArgs(e)...)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return errs.Transient("archive exec", err)
		}
		return tx.Commit(ctx)
	})
}

// DeleteEvents removes live events by id in bounded groups.
func (p *Postgres) DeleteEvents(ctx context.Context, ids []string) (int64, error) {
	var deleted int64
	err := Chunk(len(ids), func(lo, hi int) error {
		tag, err := p.pool.Exec(ctx, `DELETE FROM dose_events WHERE id = ANY($1)`, ids[lo:hi])
		if err != nil {
			return errs.Transient("delete events", err)
		}
		deleted += tag.RowsAffected()
		return nil
	})
	return deleted, err
}

// DeleteEventsByCommand removes all live events for a command.
func (p *Postgres) DeleteEventsByCommand(ctx context.Context, commandID string) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM dose_events WHERE command_id = $1`, commandID)
	if err != nil {
		return 0, errs.Transient("delete by command", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteArchivedByCommand removes all archived events for a command.
func (p *Postgres) DeleteArchivedByCommand(ctx context.Context, commandID string) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM dose_events_archive WHERE command_id = $1`, commandID)
	if err != nil {
		return 0, errs.Transient("delete archived", err)
	}
	return tag.RowsAffected(), nil
}

// GetCommand loads one command.
func (p *Postgres) GetCommand(ctx context.Context, id string) (*command.Command, error) {
	var doc []byte
	err := p.pool.QueryRow(ctx,
		`SELECT doc FROM med_commands WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("command", id)
	}
	if err != nil {
		return nil, errs.Transient("get command", err)
	}
	c := &command.Command{}
	if err := json.Unmarshal(doc, c); err != nil {
		return nil, fmt.Errorf("decode command %s: %w", id, err)
	}
	return c, nil
}

// PutCommand inserts a command.
func (p *Postgres) PutCommand(ctx context.Context, c *command.Command) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO med_commands (id, patient_id, status, version, doc, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		c.ID, c.PatientID, c.Status, c.Version, doc)
	if err != nil {
		return errs.Transient("put command", err)
	}
	return nil
}

// UpdateCommand writes a command back, guarded by optimistic versioning: the
// stored version must be lower than the one being written.
func (p *Postgres) UpdateCommand(ctx context.Context, c *command.Command) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE med_commands
		SET status = $2, version = $3, doc = $4, updated_at = NOW()
		WHERE id = $1 AND version < $3`,
		c.ID, c.Status, c.Version, doc)
	if err != nil {
		return errs.Transient("update command", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Consistency("update version "+fmt.Sprint(c.Version), "stale or missing command")
	}
	return nil
}

// DeleteCommand removes a command row; deleting an absent id is a no-op.
func (p *Postgres) DeleteCommand(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM med_commands WHERE id = $1`, id); err != nil {
		return errs.Transient("delete command", err)
	}
	return nil
}

// ListCommandsByPatient returns a patient's commands.
func (p *Postgres) ListCommandsByPatient(ctx context.Context, patientID string) ([]*command.Command, error) {
	return p.listCommands(ctx, `SELECT doc FROM med_commands WHERE patient_id = $1`, patientID)
}

// ListActiveCommands returns every active command.
func (p *Postgres) ListActiveCommands(ctx context.Context) ([]*command.Command, error) {
	return p.listCommands(ctx, `SELECT doc FROM med_commands WHERE status = $1`, string(command.StatusActive))
}

func (p *Postgres) listCommands(ctx context.Context, query string, args ...interface{}) ([]*command.Command, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errs.Transient("list commands", err)
	}
	defer rows.Close()

	var cmds []*command.Command
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		c := &command.Command{}
		if err := json.Unmarshal(doc, c); err != nil {
			return nil, err
		}
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

// PutSummary writes a daily summary once; it returns false when the
// (patient, date) summary already exists.
func (p *Postgres) PutSummary(ctx context.Context, s *DailySummary) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO daily_summaries
			(patient_id, summary_date, scheduled, taken, missed, skipped, adherence_rate, generated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (patient_id, summary_date) DO NOTHING`,
		s.PatientID, s.Date, s.Scheduled, s.Taken, s.Missed, s.Skipped, s.AdherenceRate, s.GeneratedAt)
	if err != nil {
		return false, errs.Transient("put summary", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetSummary loads one daily summary.
func (p *Postgres) GetSummary(ctx context.Context, patientID, date string) (*DailySummary, error) {
	s := &DailySummary{}
	err := p.pool.QueryRow(ctx, `
		SELECT patient_id, summary_date, scheduled, taken, missed, skipped, adherence_rate, generated_at
		FROM daily_summaries
		WHERE patient_id = $1 AND summary_date = $2`,
		patientID, date).Scan(
		&s.PatientID, &s.Date, &s.Scheduled, &s.Taken, &s.Missed, &s.Skipped, &s.AdherenceRate, &s.GeneratedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("summary", patientID+"/"+date)
	}
	if err != nil {
		return nil, errs.Transient("get summary", err)
	}
	return s, nil
}

// HasMarker reports whether a rollover marker exists.
func (p *Postgres) HasMarker(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM rollover_markers WHERE marker_key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, errs.Transient("has marker", err)
	}
	return exists, nil
}

// SetMarker records a rollover marker; returns false when already present.
func (p *Postgres) SetMarker(ctx context.Context, key string, at time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO rollover_markers (marker_key, processed_at)
		VALUES ($1, $2)
		ON CONFLICT (marker_key) DO NOTHING`, key, at)
	if err != nil {
		return false, errs.Transient("set marker", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListPatientZones returns every patient's timezone.
func (p *Postgres) ListPatientZones(ctx context.Context) ([]PatientZone, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, timezone FROM patients`)
	if err != nil {
		return nil, errs.Transient("list zones", err)
	}
	defer rows.Close()

	var zones []PatientZone
	for rows.Next() {
		var z PatientZone
		if err := rows.Scan(&z.PatientID, &z.Timezone); err != nil {
			return nil, err
		}
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

// GetPatientZone returns one patient's timezone.
func (p *Postgres) GetPatientZone(ctx context.Context, patientID string) (string, error) {
	var zone string
	err := p.pool.QueryRow(ctx, `SELECT timezone FROM patients WHERE id = $1`, patientID).Scan(&zone)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", errs.NotFound("patient", patientID)
	}
	if err != nil {
		return "", errs.Transient("get zone", err)
	}
	return zone, nil
}

// DeleteLegacySchedules removes legacy schedule rows for a command.
func (p *Postgres) DeleteLegacySchedules(ctx context.Context, commandID string) (int64, error) {
	return p.deleteLegacy(ctx, "legacy_schedules", commandID)
}

// DeleteLegacyCalendarEntries removes legacy calendar projection rows.
func (p *Postgres) DeleteLegacyCalendarEntries(ctx context.Context, commandID string) (int64, error) {
	return p.deleteLegacy(ctx, "legacy_calendar_entries", commandID)
}

// DeleteLegacyReminders removes legacy reminder rows.
func (p *Postgres) DeleteLegacyReminders(ctx context.Context, commandID string) (int64, error) {
	return p.deleteLegacy(ctx, "legacy_reminders", commandID)
}

func (p *Postgres) deleteLegacy(ctx context.Context, table, commandID string) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM `+table+` WHERE command_id = $1`, commandID)
	if err != nil {
		return 0, errs.Transient("delete "+table, err)
	}
	return tag.RowsAffected(), nil
}
