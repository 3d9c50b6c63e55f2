// Package publish emits dose lifecycle events and audit records toward the
// broker. The outbox implementation enqueues through the transactional
// outbox so the relay delivers them with the same durability as the event
// log; publication failures never fail the action that triggered them.
package publish

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/NPNMD/KinConnectSurface-sub017/internal/domain/event"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/infrastructure/postgres"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/infrastructure/redpanda"
)

// AuditRecord is one audit-trail entry for a command-level operation.
type AuditRecord struct {
	CommandID string    `json:"command_id"`
	PatientID string    `json:"patient_id,omitempty"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher fans engine facts out to the broker topics.
type Publisher interface {
	DoseEvent(ctx context.Context, e *event.Event) error
	Audit(ctx context.Context, rec AuditRecord) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) DoseEvent(context.Context, *event.Event) error { return nil }
func (Nop) Audit(context.Context, AuditRecord) error      { return nil }

// Recorder captures publications for tests.
type Recorder struct {
	mu     sync.Mutex
	Events []*event.Event
	Audits []AuditRecord
}

func (r *Recorder) DoseEvent(_ context.Context, e *event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, e)
	return nil
}

func (r *Recorder) Audit(_ context.Context, rec AuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Audits = append(r.Audits, rec)
	return nil
}

// EventCount returns how many dose events were recorded.
func (r *Recorder) EventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Events)
}

// Outbox enqueues publications through the transactional outbox.
type Outbox struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewOutbox creates an outbox-backed publisher.
func NewOutbox(pool *pgxpool.Pool, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{pool: pool, logger: logger}
}

// DoseEvent implements Publisher.
func (p *Outbox) DoseEvent(ctx context.Context, e *event.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	entry := &postgres.OutboxEntry{
		AggregateID:   e.CommandID,
		AggregateType: "DoseEvent",
		EventType:     string(e.Type),
		Payload:       payload,
		Topic:         redpanda.TopicDoseEvents,
		Key:           e.PatientID,
	}
	if err := postgres.InsertEntry(ctx, p.pool, entry); err != nil {
		return err
	}
	p.logger.Debug("dose event enqueued",
		zap.String("event_id", e.ID),
		zap.String("type", string(e.Type)))
	return nil
}

// Audit implements Publisher.
func (p *Outbox) Audit(ctx context.Context, rec AuditRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	entry := &postgres.OutboxEntry{
		AggregateID:   rec.CommandID,
		AggregateType: "AuditRecord",
		EventType:     rec.Action,
		Payload:       payload,
		Topic:         redpanda.TopicAuditTrail,
		Key:           rec.CommandID,
	}
	return postgres.InsertEntry(ctx, p.pool, entry)
}
