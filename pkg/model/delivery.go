package model

import "time"

// Webhook delivery states. pending and retrying are claimable; success and
// failed are terminal; sending is claimable again once stale.
const (
	DeliveryPending  = "pending"
	DeliverySending  = "sending"
	DeliveryRetrying = "retrying"
	DeliveryFailed   = "failed"
	DeliverySuccess  = "success"
)

// ValidDeliveryStatus reports whether s names a delivery state.
func ValidDeliveryStatus(s string) bool {
	switch s {
	case DeliveryPending, DeliverySending, DeliveryRetrying, DeliveryFailed, DeliverySuccess:
		return true
	}
	return false
}

// WebhookDelivery is one attempt-chain delivering one alert to one
// subscription. (alert_id, webhook_id) is the fan-out idempotency key.
type WebhookDelivery struct {
	ID             int64      `json:"id"`
	ProjectID      int64      `json:"project_id"`
	AlertID        int64      `json:"alert_id"`
	WebhookID      int64      `json:"webhook_id"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	LastStatusCode *int       `json:"last_status_code"`
	LastError      *string    `json:"last_error"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeliveredAt    *time.Time `json:"delivered_at"`
}
