package deliver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bc9123/telemetry-project/pkg/model"
	"github.com/bc9123/telemetry-project/pkg/store"
)

type fakeDeliveryStore struct {
	delivery *model.WebhookDelivery
	alert    *model.Alert
	device   *model.Device
	webhook  *model.WebhookSubscription

	claimDenied bool

	markedSuccess  bool
	markedFailed   bool
	markedRetrying bool
	lastError      string
	lastStatusCode *int
}

func (f *fakeDeliveryStore) GetDelivery(context.Context, int64) (*model.WebhookDelivery, error) {
	if f.delivery == nil {
		return nil, store.ErrNotFound
	}
	return f.delivery, nil
}

func (f *fakeDeliveryStore) TryMarkSending(context.Context, int64, time.Time) (bool, error) {
	if f.claimDenied {
		return false, nil
	}
	f.delivery.Status = model.DeliverySending
	f.delivery.Attempts++
	return true, nil
}

func (f *fakeDeliveryStore) MarkSuccess(_ context.Context, _ int64, statusCode int, _ time.Time) error {
	f.markedSuccess = true
	f.lastStatusCode = &statusCode
	return nil
}

func (f *fakeDeliveryStore) MarkFailed(_ context.Context, _ int64, statusCode *int, lastError string, _ time.Time) error {
	f.markedFailed = true
	f.lastStatusCode = statusCode
	f.lastError = lastError
	return nil
}

func (f *fakeDeliveryStore) MarkRetrying(_ context.Context, _ int64, statusCode *int, lastError string, _ time.Time) error {
	f.markedRetrying = true
	f.lastStatusCode = statusCode
	f.lastError = lastError
	return nil
}

func (f *fakeDeliveryStore) GetAlert(context.Context, int64) (*model.Alert, error) {
	if f.alert == nil {
		return nil, store.ErrNotFound
	}
	return f.alert, nil
}

func (f *fakeDeliveryStore) GetDevice(context.Context, int64) (*model.Device, error) {
	if f.device == nil {
		return nil, store.ErrNotFound
	}
	return f.device, nil
}

func (f *fakeDeliveryStore) GetWebhook(context.Context, int64) (*model.WebhookSubscription, error) {
	if f.webhook == nil {
		return nil, store.ErrNotFound
	}
	return f.webhook, nil
}

type fakeBreaker struct {
	open      bool
	successes int
	failures  int
}

func (b *fakeBreaker) IsOpen(context.Context, string) (bool, error) { return b.open, nil }
func (b *fakeBreaker) RecordSuccess(context.Context, string) error {
	b.successes++
	return nil
}
func (b *fakeBreaker) RecordFailure(context.Context, string) (bool, error) {
	b.failures++
	return false, nil
}

func newFixture(url string) *fakeDeliveryStore {
	return &fakeDeliveryStore{
		delivery: &model.WebhookDelivery{ID: 5, ProjectID: 1, AlertID: 42, WebhookID: 20, Status: model.DeliveryPending},
		alert:    sampleAlert(),
		device:   &model.Device{ID: 9, ProjectID: 1},
		webhook:  &model.WebhookSubscription{ID: 20, ProjectID: 1, URL: url, Secret: "s", Enabled: true},
	}
}

func TestDeliverSuccess(t *testing.T) {
	var gotTimestamp, gotSignature string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTimestamp = r.Header.Get(HeaderTimestamp)
		gotSignature = r.Header.Get(HeaderSignature)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newFixture(server.URL)
	br := &fakeBreaker{}
	d := NewDeliverer(f, br, nil, nil)

	res, err := d.Deliver(context.Background(), 5, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, f.markedSuccess)
	assert.Equal(t, 1, br.successes)

	assert.NotEmpty(t, gotTimestamp)
	assert.True(t, VerifySignature("s", gotTimestamp, gotBody, gotSignature))
}

func TestDeliverRetryableStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	f := newFixture(server.URL)
	br := &fakeBreaker{}
	d := NewDeliverer(f, br, nil, nil)

	res, err := d.Deliver(context.Background(), 5, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetrying, res.Outcome)
	assert.Equal(t, 500, res.StatusCode)
	assert.Greater(t, res.RetryIn, time.Duration(0))
	assert.True(t, f.markedRetrying)
	assert.Equal(t, "retryable_status_500", f.lastError)
	assert.Equal(t, 1, br.failures)
}

func TestDeliverNonRetryableStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	f := newFixture(server.URL)
	br := &fakeBreaker{}
	d := NewDeliverer(f, br, nil, nil)

	res, err := d.Deliver(context.Background(), 5, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, f.markedFailed)
	assert.Equal(t, "non_retryable_status_404", f.lastError)
	assert.Equal(t, 1, br.failures)
}

func TestDeliverCircuitOpen(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	f := newFixture(server.URL)
	br := &fakeBreaker{open: true}
	d := NewDeliverer(f, br, nil, nil)

	res, err := d.Deliver(context.Background(), 5, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetrying, res.Outcome)
	assert.True(t, f.markedRetrying)
	assert.Equal(t, "circuit_open:"+server.URL, f.lastError)
	assert.Zero(t, calls.Load(), "no HTTP call while the circuit is open")
}

func TestDeliverCircuitOpenExhaustsBudget(t *testing.T) {
	f := newFixture("https://example.test/hook")
	br := &fakeBreaker{open: true}
	d := NewDeliverer(f, br, nil, nil)

	res, err := d.Deliver(context.Background(), 5, MaxAttempts-1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "max_retries_exceeded:circuit_open", f.lastError)
}

func TestDeliverTransportErrorExhaustsBudget(t *testing.T) {
	// Nothing listens here; the dial fails.
	f := newFixture("http://127.0.0.1:1/hook")
	br := &fakeBreaker{}
	d := NewDeliverer(f, br, nil, nil)

	res, err := d.Deliver(context.Background(), 5, MaxAttempts-1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "max_retries_exceeded", f.lastError)
	assert.Equal(t, 1, br.failures)
}

func TestDeliverAlreadySuccess(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	f := newFixture(server.URL)
	f.delivery.Status = model.DeliverySuccess
	d := NewDeliverer(f, &fakeBreaker{}, nil, nil)

	res, err := d.Deliver(context.Background(), 5, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, "already_success", res.Detail)
	assert.Zero(t, calls.Load())
}

func TestDeliverClaimLost(t *testing.T) {
	f := newFixture("https://example.test/hook")
	f.claimDenied = true
	d := NewDeliverer(f, &fakeBreaker{}, nil, nil)

	res, err := d.Deliver(context.Background(), 5, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, "in_progress_or_already_handled", res.Detail)
}

func TestDeliverDisabledWebhookFails(t *testing.T) {
	f := newFixture("https://example.test/hook")
	f.webhook.Enabled = false
	d := NewDeliverer(f, &fakeBreaker{}, nil, nil)

	res, err := d.Deliver(context.Background(), 5, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "webhook_disabled", f.lastError)
}

func TestDeliverMissingAlertFails(t *testing.T) {
	f := newFixture("https://example.test/hook")
	f.alert = nil
	d := NewDeliverer(f, &fakeBreaker{}, nil, nil)

	res, err := d.Deliver(context.Background(), 5, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "missing_alert", f.lastError)
}

func TestDefaultClientUsesPerPhaseTimeouts(t *testing.T) {
	d := NewDeliverer(&fakeDeliveryStore{}, &fakeBreaker{}, nil, nil)

	// The attempt deadline comes from the per-request budget, not an
	// overall client timeout that would also cut a slow body read.
	assert.Zero(t, d.client.Timeout)

	tr, ok := d.client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, connectTimeout, tr.TLSHandshakeTimeout)
	assert.Equal(t, responseHeaderTimeout, tr.ResponseHeaderTimeout)
	assert.NotNil(t, tr.DialContext)
}

func TestDeliverExpiredContextIsRetryableTimeout(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	f := newFixture(server.URL)
	d := NewDeliverer(f, &fakeBreaker{}, nil, nil)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	res, err := d.Deliver(ctx, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetrying, res.Outcome)
	assert.Equal(t, "http_error:timeout", f.lastError)
	assert.Zero(t, calls.Load())
}

func TestFanoutIdempotent(t *testing.T) {
	f := &fanoutFake{
		alert:  sampleAlert(),
		device: &model.Device{ID: 9, ProjectID: 1},
		webhooks: []*model.WebhookSubscription{
			{ID: 20, ProjectID: 1, Enabled: true},
			{ID: 21, ProjectID: 1, Enabled: true},
		},
		ids: map[[2]int64]int64{},
	}

	first, err := Fanout(context.Background(), f, nil, 42)
	require.NoError(t, err)
	second, err := Fanout(context.Background(), f, nil, 42)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 2)
}

type fanoutFake struct {
	alert    *model.Alert
	device   *model.Device
	webhooks []*model.WebhookSubscription
	ids      map[[2]int64]int64
	nextID   int64
}

func (f *fanoutFake) GetAlert(context.Context, int64) (*model.Alert, error)   { return f.alert, nil }
func (f *fanoutFake) GetDevice(context.Context, int64) (*model.Device, error) { return f.device, nil }
func (f *fanoutFake) ListWebhooks(context.Context, int64, bool) ([]*model.WebhookSubscription, error) {
	return f.webhooks, nil
}
func (f *fanoutFake) EnsureDelivery(_ context.Context, _, alertID, webhookID int64) (int64, error) {
	key := [2]int64{alertID, webhookID}
	if id, ok := f.ids[key]; ok {
		return id, nil
	}
	f.nextID++
	f.ids[key] = f.nextID
	return f.nextID, nil
}
