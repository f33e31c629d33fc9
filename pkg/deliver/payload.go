// Package deliver implements the webhook delivery pipeline: fan-out of
// alerts into delivery rows, payload canonicalization and signing, the
// outbound HTTP attempt, and retry scheduling.
package deliver

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/bc9123/telemetry-project/pkg/model"
)

// HTTP headers on every outbound webhook POST.
const (
	HeaderTimestamp = "X-Telemetry-Timestamp"
	HeaderSignature = "X-Telemetry-Signature"
)

type webhookPayload struct {
	AlertID     int64              `json:"alert_id"`
	DeviceID    int64              `json:"device_id"`
	RuleID      int64              `json:"rule_id"`
	TriggeredAt string             `json:"triggered_at"`
	Details     model.AlertDetails `json:"details"`
}

// BuildPayload serializes the alert into the canonical JSON body that gets
// signed: sorted keys, no insignificant whitespace. Receivers reconstruct
// this exact byte sequence to verify the signature.
func BuildPayload(alert *model.Alert) ([]byte, error) {
	body, err := json.Marshal(webhookPayload{
		AlertID:     alert.ID,
		DeviceID:    alert.DeviceID,
		RuleID:      alert.RuleID,
		TriggeredAt: alert.TriggeredAt.UTC().Format(time.RFC3339Nano),
		Details:     alert.Details,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal webhook payload: %w", err)
	}
	canonical, err := jcs.Transform(body)
	if err != nil {
		return nil, fmt.Errorf("canonicalize webhook payload: %w", err)
	}
	return canonical, nil
}

// Sign computes the lower-case hex HMAC-SHA256 of "timestamp.body".
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature in constant time.
func VerifySignature(secret, timestamp string, body []byte, signature string) bool {
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
