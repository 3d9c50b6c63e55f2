// Package main provides the notification dispatch service entry point.
// Consumes notification requests and delivers them to the external
// Notification Service.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/NPNMD/KinConnectSurface-sub017/internal/infrastructure/redpanda"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/notify"
	"github.com/NPNMD/KinConnectSurface-sub017/internal/observability/metrics"
	"github.com/NPNMD/KinConnectSurface-sub017/pkg/circuitbreaker"
	"github.com/NPNMD/KinConnectSurface-sub017/pkg/workerpool"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load config
	endpoint := os.Getenv("NOTIFICATION_SERVICE_URL")
	if endpoint == "" {
		endpoint = "http://localhost:8090/notifications"
	}

	brokers := []string{"localhost:9092"}
	if b := os.Getenv("KAFKA_BROKERS"); b != "" {
		brokers = []string{b}
	}

	m := metrics.New()

	// Dispatch client guarded by a circuit breaker
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("notification-service"), logger)
	breaker.OnStateChange = func(name string, _, to circuitbreaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
	}
	notifier := notify.NewHTTPNotifier(endpoint, breaker, logger)

	// Create worker pool
	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = 50

	workerPool, err := workerpool.New(poolCfg, func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		return dispatchTask(ctx, task, notifier, logger)
	}, logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}

	workerPool.Start()
	defer workerPool.Stop()

	// Drain pool results so the channel never fills
	go func() {
		for range workerPool.Results() {
		}
	}()

	// Create consumer
	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = brokers
	consumerCfg.Topics = []string{redpanda.TopicNotificationRequests}

	consumer, err := redpanda.NewConsumer(consumerCfg, func(ctx context.Context, msg *redpanda.Message) error {
		var req notify.Request
		if err := msg.Decode(&req); err != nil {
			// A malformed request never becomes deliverable; drop it rather
			// than wedging the partition.
			logger.Error("undecodable notification request",
				zap.String("key", string(msg.Key)),
				zap.Error(err))
			return nil
		}
		task := &workerpool.Task{
			ID:      string(msg.Key),
			Payload: req,
			Context: ctx,
		}
		return workerPool.Submit(task)
	}, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	consumer.Start()
	logger.Info("notification dispatch started",
		zap.String("endpoint", endpoint),
		zap.Strings("brokers", brokers))

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	consumer.Stop()
	logger.Info("notification dispatch stopped")
}

func dispatchTask(ctx context.Context, task *workerpool.Task, notifier *notify.HTTPNotifier, logger *zap.Logger) *workerpool.Result {
	req, ok := task.Payload.(notify.Request)
	if !ok {
		return &workerpool.Result{TaskID: task.ID, Success: false, Error: errors.New("unexpected payload type")}
	}

	sent, err := notifier.Send(ctx, req)
	if err != nil {
		logger.Error("dispatch failed",
			zap.String("patient_id", req.PatientID),
			zap.String("command_id", req.CommandID),
			zap.Error(err),
		)
		return &workerpool.Result{TaskID: task.ID, Success: false, Error: err}
	}

	logger.Info("notification delivered",
		zap.String("patient_id", req.PatientID),
		zap.Int("sent", sent),
	)

	return &workerpool.Result{TaskID: task.ID, Success: true, Data: sent}
}

func stateValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateOpen:
		return 1
	case circuitbreaker.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}
