package deliver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bc9123/telemetry-project/pkg/model"
)

// FanoutStore is the slice of persistence fan-out needs.
type FanoutStore interface {
	GetAlert(ctx context.Context, id int64) (*model.Alert, error)
	GetDevice(ctx context.Context, id int64) (*model.Device, error)
	ListWebhooks(ctx context.Context, projectID int64, enabledOnly bool) ([]*model.WebhookSubscription, error)
	EnsureDelivery(ctx context.Context, projectID, alertID, webhookID int64) (int64, error)
}

// Fanout creates one delivery row per enabled webhook of the alert's
// project and returns the delivery ids. Re-running it for the same alert
// returns the same ids: the insert is idempotent on (alert, webhook).
func Fanout(ctx context.Context, store FanoutStore, logger *slog.Logger, alertID int64) ([]int64, error) {
	if logger == nil {
		logger = slog.Default()
	}

	alert, err := store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("fanout alert %d: %w", alertID, err)
	}
	device, err := store.GetDevice(ctx, alert.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("fanout alert %d: %w", alertID, err)
	}

	webhooks, err := store.ListWebhooks(ctx, device.ProjectID, true)
	if err != nil {
		return nil, fmt.Errorf("fanout alert %d: %w", alertID, err)
	}
	if len(webhooks) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(webhooks))
	for _, wh := range webhooks {
		id, err := store.EnsureDelivery(ctx, device.ProjectID, alertID, wh.ID)
		if err != nil {
			return ids, fmt.Errorf("fanout alert %d webhook %d: %w", alertID, wh.ID, err)
		}
		ids = append(ids, id)
	}
	logger.Info("alert fanned out", "alert_id", alertID, "deliveries", len(ids))
	return ids, nil
}
