package notify

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/NPNMD/KinConnectSurface-sub017/internal/infrastructure/postgres"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/infrastructure/redpanda"
)

// OutboxNotifier enqueues notification requests through the transactional
// outbox; the relay publishes them to the broker and the dispatch service
// delivers them. Send returns the recipient count as "enqueued".
type OutboxNotifier struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewOutboxNotifier creates an outbox-backed notifier.
func NewOutboxNotifier(pool *pgxpool.Pool, logger *zap.Logger) *OutboxNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutboxNotifier{pool: pool, logger: logger}
}

// Send implements Notifier.
func (n *OutboxNotifier) Send(ctx context.Context, req Request) (int, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return 0, err
	}
	entry := &postgres.OutboxEntry{
		AggregateID:   req.CommandID,
		AggregateType: "NotificationRequest",
		EventType:     "notification_requested",
		Payload:       payload,
		Topic:         redpanda.TopicNotificationRequests,
		Key:           req.PatientID,
	}
	if err := postgres.InsertEntry(ctx, n.pool, entry); err != nil {
		return 0, err
	}
	n.logger.Debug("notification enqueued",
		zap.String("patient_id", req.PatientID),
		zap.String("command_id", req.CommandID),
		zap.String("urgency", string(req.Urgency)))
	if len(req.Recipients) > 0 {
		return len(req.Recipients), nil
	}
	return 1, nil
}
