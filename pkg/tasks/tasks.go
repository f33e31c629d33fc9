// Package tasks binds the background pipeline onto the queue: ingest
// persists a batch and chains into evaluation, evaluation chains into
// fan-out, fan-out chains into per-webhook delivery.
package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bc9123/telemetry-project/pkg/deliver"
	"github.com/bc9123/telemetry-project/pkg/engine"
	"github.com/bc9123/telemetry-project/pkg/ingest"
	"github.com/bc9123/telemetry-project/pkg/observability"
	"github.com/bc9123/telemetry-project/pkg/queue"
)

// Task names on the wire. Stable: queued envelopes survive deploys.
const (
	TaskIngestEvents   = "ingest_events"
	TaskEvaluateRules  = "evaluate_rules"
	TaskFanoutAlert    = "fanout_alert"
	TaskDeliverWebhook = "deliver_webhook"
)

// IngestEventsPayload carries one accepted batch.
type IngestEventsPayload struct {
	DeviceID int64             `json:"device_id"`
	Events   []ingest.RawEvent `json:"events"`
}

// EvaluateRulesPayload asks for a device evaluation pass.
type EvaluateRulesPayload struct {
	DeviceID int64 `json:"device_id"`
}

// FanoutAlertPayload asks for delivery rows for one alert.
type FanoutAlertPayload struct {
	AlertID int64 `json:"alert_id"`
}

// DeliverWebhookPayload asks for one delivery attempt.
type DeliverWebhookPayload struct {
	DeliveryID int64 `json:"delivery_id"`
}

// Deps are the pipeline components the handlers execute.
type Deps struct {
	Queue     *queue.Queue
	Ingestor  *ingest.Ingestor
	Evaluator *engine.Evaluator
	Fanout    deliver.FanoutStore
	Deliverer *deliver.Deliverer
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// Register wires all pipeline handlers onto the worker.
func Register(w *queue.Worker, deps Deps) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tasks")

	w.Handle(TaskIngestEvents, func(ctx context.Context, task *queue.Task) error {
		var p IngestEventsPayload
		if err := task.Decode(&p); err != nil {
			return err
		}
		n, err := deps.Ingestor.Ingest(ctx, p.DeviceID, p.Events)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := deps.Queue.Enqueue(ctx, TaskEvaluateRules, EvaluateRulesPayload{DeviceID: p.DeviceID}); err != nil {
			return fmt.Errorf("chain evaluation for device %d: %w", p.DeviceID, err)
		}
		return nil
	})

	w.Handle(TaskEvaluateRules, func(ctx context.Context, task *queue.Task) error {
		var p EvaluateRulesPayload
		if err := task.Decode(&p); err != nil {
			return err
		}
		alertIDs, err := deps.Evaluator.EvaluateDevice(ctx, p.DeviceID)
		if err != nil {
			return err
		}
		for _, alertID := range alertIDs {
			deps.Metrics.AlertCreated(ctx)
			if _, err := deps.Queue.Enqueue(ctx, TaskFanoutAlert, FanoutAlertPayload{AlertID: alertID}); err != nil {
				// The alert row exists; a lost fanout enqueue must retry.
				return fmt.Errorf("chain fanout for alert %d: %w", alertID, err)
			}
		}
		return nil
	})

	w.Handle(TaskFanoutAlert, func(ctx context.Context, task *queue.Task) error {
		var p FanoutAlertPayload
		if err := task.Decode(&p); err != nil {
			return err
		}
		deliveryIDs, err := deliver.Fanout(ctx, deps.Fanout, logger, p.AlertID)
		if err != nil {
			return err
		}
		for _, deliveryID := range deliveryIDs {
			if _, err := deps.Queue.Enqueue(ctx, TaskDeliverWebhook, DeliverWebhookPayload{DeliveryID: deliveryID}); err != nil {
				return fmt.Errorf("chain delivery %d: %w", deliveryID, err)
			}
		}
		return nil
	})

	w.Handle(TaskDeliverWebhook, func(ctx context.Context, task *queue.Task) error {
		var p DeliverWebhookPayload
		if err := task.Decode(&p); err != nil {
			return err
		}
		res, err := deps.Deliverer.Deliver(ctx, p.DeliveryID, task.Retries)
		if err != nil {
			return err
		}
		if res.Outcome == deliver.OutcomeRetrying {
			return queue.Retry(res.RetryIn, fmt.Errorf("delivery %d: %s", p.DeliveryID, res.Detail))
		}
		return nil
	})
}
