package deliver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bc9123/telemetry-project/pkg/model"
	"github.com/bc9123/telemetry-project/pkg/observability"
	"github.com/bc9123/telemetry-project/pkg/store"
)

// Outcome of one delivery attempt.
const (
	OutcomeSuccess  = "success"
	OutcomeRetrying = "retrying"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
)

// Result describes how one attempt ended. RetryIn is non-zero only for
// OutcomeRetrying and is the delay before the next attempt.
type Result struct {
	Outcome    string
	StatusCode int
	RetryIn    time.Duration
	Detail     string
}

// Store is the slice of persistence the deliverer needs.
type Store interface {
	GetDelivery(ctx context.Context, id int64) (*model.WebhookDelivery, error)
	TryMarkSending(ctx context.Context, id int64, now time.Time) (bool, error)
	MarkSuccess(ctx context.Context, id int64, statusCode int, now time.Time) error
	MarkFailed(ctx context.Context, id int64, statusCode *int, lastError string, now time.Time) error
	MarkRetrying(ctx context.Context, id int64, statusCode *int, lastError string, now time.Time) error
	GetAlert(ctx context.Context, id int64) (*model.Alert, error)
	GetDevice(ctx context.Context, id int64) (*model.Device, error)
	GetWebhook(ctx context.Context, id int64) (*model.WebhookSubscription, error)
}

// CircuitBreaker gates outbound calls per URL.
type CircuitBreaker interface {
	IsOpen(ctx context.Context, url string) (bool, error)
	RecordSuccess(ctx context.Context, url string) error
	RecordFailure(ctx context.Context, url string) (bool, error)
}

// Deliverer executes single webhook delivery attempts.
type Deliverer struct {
	store   Store
	breaker CircuitBreaker
	client  *http.Client
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option customizes a Deliverer.
type Option func(*Deliverer)

// WithHTTPClient overrides the outbound client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Deliverer) { d.client = c }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Deliverer) { d.now = now }
}

// Per-phase budgets for one outbound attempt. connectTimeout covers the
// dial, responseHeaderTimeout the wait for headers after the request is
// written, and requestBudget is the hard stop for the whole attempt
// (connect + write + read).
const (
	connectTimeout        = 2 * time.Second
	responseHeaderTimeout = 5 * time.Second
	requestBudget         = 12 * time.Second
)

// NewDeliverer builds a Deliverer. Retries go through the queue, never
// through the client.
func NewDeliverer(s Store, breaker CircuitBreaker, metrics *observability.Metrics, logger *slog.Logger, opts ...Option) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Deliverer{
		store:   s,
		breaker: breaker,
		metrics: metrics,
		logger:  logger.With("component", "deliver"),
		now:     time.Now,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
				TLSHandshakeTimeout:   connectTimeout,
				ResponseHeaderTimeout: responseHeaderTimeout,
			},
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deliver runs one attempt for the delivery. retries is the zero-based
// retry count of this execution; attempt number retries+1 counts against
// the MaxAttempts budget. Returns an error only on infrastructure faults
// where re-running the whole attempt is the right recovery.
func (d *Deliverer) Deliver(ctx context.Context, deliveryID int64, retries int) (Result, error) {
	delivery, err := d.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		if isNotFound(err) {
			d.logger.Error("delivery row missing", "delivery_id", deliveryID)
			return Result{Outcome: OutcomeSkipped, Detail: "missing_delivery"}, nil
		}
		return Result{}, err
	}
	if delivery.Status == model.DeliverySuccess {
		return Result{Outcome: OutcomeSkipped, Detail: "already_success"}, nil
	}

	now := d.now().UTC()
	claimed, err := d.store.TryMarkSending(ctx, deliveryID, now)
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		return Result{Outcome: OutcomeSkipped, Detail: "in_progress_or_already_handled"}, nil
	}

	alert, webhook, res, done, err := d.preflight(ctx, delivery, now)
	if err != nil || done {
		return res, err
	}

	open, err := d.breaker.IsOpen(ctx, webhook.URL)
	if err != nil {
		d.logger.Error("breaker check failed", "delivery_id", deliveryID, "error", err)
	}
	if open {
		return d.retryOrFail(ctx, deliveryID, retries, nil, "circuit_open:"+webhook.URL, "max_retries_exceeded:circuit_open")
	}

	body, err := BuildPayload(alert)
	if err != nil {
		// Unserializable details never improve on retry.
		return d.fail(ctx, deliveryID, nil, "payload_error")
	}

	status, sendErr := d.send(ctx, webhook, body)
	switch {
	case sendErr != nil:
		d.recordFailure(ctx, webhook.URL)
		return d.retryOrFail(ctx, deliveryID, retries, nil, "http_error:"+errKind(sendErr), "max_retries_exceeded")
	case status >= 200 && status < 300:
		if err := d.breaker.RecordSuccess(ctx, webhook.URL); err != nil {
			d.logger.Error("breaker success record failed", "url", webhook.URL, "error", err)
		}
		if err := d.store.MarkSuccess(ctx, deliveryID, status, d.now().UTC()); err != nil {
			return Result{}, err
		}
		d.metrics.DeliveryOutcome(ctx, OutcomeSuccess)
		d.logger.Info("delivery succeeded", "delivery_id", deliveryID, "status", status)
		return Result{Outcome: OutcomeSuccess, StatusCode: status}, nil
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		d.recordFailure(ctx, webhook.URL)
		return d.retryOrFail(ctx, deliveryID, retries, &status, fmt.Sprintf("retryable_status_%d", status), "max_retries_exceeded")
	default:
		d.recordFailure(ctx, webhook.URL)
		return d.fail(ctx, deliveryID, &status, fmt.Sprintf("non_retryable_status_%d", status))
	}
}

// preflight resolves the alert and webhook; missing or disabled pieces end
// the delivery as failed. done is true when the attempt is finished.
func (d *Deliverer) preflight(ctx context.Context, delivery *model.WebhookDelivery, now time.Time) (*model.Alert, *model.WebhookSubscription, Result, bool, error) {
	alert, err := d.store.GetAlert(ctx, delivery.AlertID)
	if err != nil {
		if isNotFound(err) {
			res, ferr := d.fail(ctx, delivery.ID, nil, "missing_alert")
			return nil, nil, res, true, ferr
		}
		return nil, nil, Result{}, true, err
	}
	if _, err := d.store.GetDevice(ctx, alert.DeviceID); err != nil {
		if isNotFound(err) {
			res, ferr := d.fail(ctx, delivery.ID, nil, "missing_device")
			return nil, nil, res, true, ferr
		}
		return nil, nil, Result{}, true, err
	}
	webhook, err := d.store.GetWebhook(ctx, delivery.WebhookID)
	if err != nil {
		if isNotFound(err) {
			res, ferr := d.fail(ctx, delivery.ID, nil, "missing_webhook")
			return nil, nil, res, true, ferr
		}
		return nil, nil, Result{}, true, err
	}
	if !webhook.Enabled {
		res, ferr := d.fail(ctx, delivery.ID, nil, "webhook_disabled")
		return nil, nil, res, true, ferr
	}
	return alert, webhook, Result{}, false, nil
}

func (d *Deliverer) send(ctx context.Context, webhook *model.WebhookSubscription, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, requestBudget)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	timestamp := d.now().UTC().Format(time.RFC3339Nano)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, timestamp)
	if webhook.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(webhook.Secret, timestamp, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, nil
}

// retryOrFail parks the delivery as retrying with a scheduled delay, or
// fails it with failError when the attempt budget is spent.
func (d *Deliverer) retryOrFail(ctx context.Context, deliveryID int64, retries int, statusCode *int, lastError, failError string) (Result, error) {
	if retries+1 >= MaxAttempts {
		return d.fail(ctx, deliveryID, statusCode, failError)
	}
	delay := Backoff(retries)
	if err := d.store.MarkRetrying(ctx, deliveryID, statusCode, lastError, d.now().UTC()); err != nil {
		return Result{}, err
	}
	d.metrics.DeliveryOutcome(ctx, OutcomeRetrying)
	d.logger.Warn("delivery attempt failed, retrying",
		"delivery_id", deliveryID, "reason", lastError, "delay", delay)
	res := Result{Outcome: OutcomeRetrying, RetryIn: delay, Detail: lastError}
	if statusCode != nil {
		res.StatusCode = *statusCode
	}
	return res, nil
}

func (d *Deliverer) fail(ctx context.Context, deliveryID int64, statusCode *int, lastError string) (Result, error) {
	if err := d.store.MarkFailed(ctx, deliveryID, statusCode, lastError, d.now().UTC()); err != nil {
		return Result{}, err
	}
	d.metrics.DeliveryOutcome(ctx, OutcomeFailed)
	d.logger.Warn("delivery failed", "delivery_id", deliveryID, "reason", lastError)
	res := Result{Outcome: OutcomeFailed, Detail: lastError}
	if statusCode != nil {
		res.StatusCode = *statusCode
	}
	return res, nil
}

func (d *Deliverer) recordFailure(ctx context.Context, url string) {
	tripped, err := d.breaker.RecordFailure(ctx, url)
	if err != nil {
		d.logger.Error("breaker failure record failed", "url", url, "error", err)
		return
	}
	if tripped {
		d.logger.Warn("circuit opened", "url", url)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// errKind buckets a transport error for last_error without leaking the
// full error text into the row.
func errKind(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op
	}
	return "transport"
}
