package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bc9123/telemetry-project/pkg/auth"
	"github.com/bc9123/telemetry-project/pkg/breaker"
	"github.com/bc9123/telemetry-project/pkg/store"
)

type fakeQueue struct {
	enqueued []string
}

func (f *fakeQueue) Enqueue(_ context.Context, name string, _ any) (string, error) {
	f.enqueued = append(f.enqueued, name)
	return "task-1", nil
}

type fakeBreakerStats struct{}

func (fakeBreakerStats) Stats(context.Context, string) (breaker.Stats, error) {
	return breaker.Stats{State: "closed"}, nil
}

type fixture struct {
	handler      http.Handler
	mock         sqlmock.Sqlmock
	queue        *fakeQueue
	apiKey       string
	prefix       string
	hashedSecret string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	raw, prefix, hashed, err := auth.GenerateKey()
	require.NoError(t, err)

	q := &fakeQueue{}
	server := NewServer(store.New(db), q, fakeBreakerStats{}, nil)

	f := &fixture{
		handler: server.Handler(),
		mock:    mock,
		queue:   q,
		apiKey:  raw,
		prefix:  prefix,
	}
	f.hashedSecret = hashed
	return f
}

// expectAuth arms the mock for one successful key lookup resolving to
// project 1.
func (f *fixture) expectAuth() {
	now := time.Now().UTC()
	f.mock.ExpectQuery(regexp.QuoteMeta("FROM api_keys")).
		WithArgs(f.prefix).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "project_id", "prefix", "hashed_secret", "created_at", "revoked_at", "last_used_at"}).
			AddRow(int64(1), int64(1), f.prefix, f.hashedSecret, now, nil, nil))
	f.mock.ExpectExec(regexp.QuoteMeta("UPDATE api_keys SET last_used_at")).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func (f *fixture) do(t *testing.T, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	if authed {
		req.Header.Set(auth.HeaderAPIKey, f.apiKey)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func detail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Detail string `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Detail
}

func TestAuthMissingKey(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/projects/1/devices", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Missing X-API-Key", detail(t, rec))
}

func TestAuthMalformedKey(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/projects/1/devices", nil)
	req.Header.Set(auth.HeaderAPIKey, "no-separator")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthUnknownPrefix(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery(regexp.QuoteMeta("FROM api_keys")).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "project_id", "prefix", "hashed_secret", "created_at", "revoked_at", "last_used_at"}))

	rec := f.do(t, http.MethodGet, "/projects/1/devices", "", true)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Invalid API key", detail(t, rec))
}

func TestAuthWrongSecret(t *testing.T) {
	f := newFixture(t)
	f.expectAuth()

	req := httptest.NewRequest(http.MethodGet, "/projects/1/devices", nil)
	req.Header.Set(auth.HeaderAPIKey, f.prefix+".wrong-secret")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func ingestBody(n int) string {
	var sb strings.Builder
	sb.WriteString(`{"device_external_id":"sensor-001","events":[`)
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, `{"ts":"2026-02-01T12:00:00Z","data":{"temperature":%d}}`, i)
	}
	sb.WriteString("]}")
	return sb.String()
}

func TestIngestAcceptsFullBatch(t *testing.T) {
	f := newFixture(t)
	f.expectAuth()
	now := time.Now().UTC()
	f.mock.ExpectQuery(regexp.QuoteMeta("FROM devices WHERE project_id = $1 AND external_id = $2")).
		WithArgs(int64(1), "sensor-001").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "project_id", "external_id", "name", "tags", "created_at"}).
			AddRow(int64(9), int64(1), "sensor-001", "Sensor 1", []byte(`[]`), now))

	rec := f.do(t, http.MethodPost, "/telemetry", ingestBody(5000), true)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var out struct {
		Queued   int   `json:"queued"`
		DeviceID int64 `json:"device_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 5000, out.Queued)
	assert.Equal(t, int64(9), out.DeviceID)
	assert.Equal(t, []string{"ingest_events"}, f.queue.enqueued)
}

func TestIngestRejectsOversizeBatch(t *testing.T) {
	f := newFixture(t)
	f.expectAuth()

	rec := f.do(t, http.MethodPost, "/telemetry", ingestBody(5001), true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.queue.enqueued)
}

func TestIngestRejectsEmptyBatch(t *testing.T) {
	f := newFixture(t)
	f.expectAuth()

	rec := f.do(t, http.MethodPost, "/telemetry", `{"device_external_id":"sensor-001","events":[]}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestUnknownDevice(t *testing.T) {
	f := newFixture(t)
	f.expectAuth()
	f.mock.ExpectQuery(regexp.QuoteMeta("FROM devices WHERE project_id = $1 AND external_id = $2")).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "project_id", "external_id", "name", "tags", "created_at"}))

	rec := f.do(t, http.MethodPost, "/telemetry", ingestBody(1), true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRuleRejectsKOverN(t *testing.T) {
	f := newFixture(t)
	f.expectAuth()

	body := `{"name":"r","metric":"temperature","operator":">","threshold":80,"window_n":5,"required_k":6}`
	rec := f.do(t, http.MethodPost, "/projects/1/rules", body, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, detail(t, rec), "required_k")
}

func TestProjectMismatchForbidden(t *testing.T) {
	f := newFixture(t)
	f.expectAuth()

	rec := f.do(t, http.MethodGet, "/projects/2/devices", "", true)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestListDeliveriesProjectMismatchReturnsEmpty(t *testing.T) {
	f := newFixture(t)
	f.expectAuth()

	rec := f.do(t, http.MethodGet, "/projects/2/webhook-deliveries", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestListDeliveriesRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	f.expectAuth()

	rec := f.do(t, http.MethodGet, "/projects/1/webhook-deliveries?status=bogus", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateWebhookRejectsBadURL(t *testing.T) {
	f := newFixture(t)
	f.expectAuth()

	rec := f.do(t, http.MethodPost, "/projects/1/webhooks", `{"url":"ftp://example.test"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDHeader(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "", false)
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
}
