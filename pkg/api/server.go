// Package api implements the HTTP surface: routing, handlers, and request
// middleware. Response bodies follow the conventions of pkg/respond.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/bc9123/telemetry-project/pkg/auth"
	"github.com/bc9123/telemetry-project/pkg/breaker"
	"github.com/bc9123/telemetry-project/pkg/respond"
	"github.com/bc9123/telemetry-project/pkg/store"
)

// Enqueuer is the slice of the queue the API needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any) (string, error)
}

// BreakerStats exposes circuit state for the status endpoint.
type BreakerStats interface {
	Stats(ctx context.Context, url string) (breaker.Stats, error)
}

// Server carries the handler dependencies.
type Server struct {
	store   *store.Store
	queue   Enqueuer
	breaker BreakerStats
	logger  *slog.Logger
	limits  *RateLimiter
}

// NewServer builds the API server.
func NewServer(st *store.Store, q Enqueuer, br BreakerStats, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:   st,
		queue:   q,
		breaker: br,
		logger:  logger.With("component", "api"),
		limits:  NewRateLimiter(),
	}
}

// Handler builds the full route table. Org, project, and key issuance plus
// health are unauthenticated; everything else requires an API key.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	protect := auth.Middleware(s.store, s.logger)
	authed := func(h http.HandlerFunc) http.Handler { return protect(h) }

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/db", s.handleHealthDB)

	mux.HandleFunc("POST /orgs", s.handleCreateOrg)
	mux.HandleFunc("POST /orgs/{org_id}/projects", s.handleCreateProject)
	mux.HandleFunc("POST /projects/{project_id}/api-keys",
		s.limits.Limit("api-key-create", s.handleCreateAPIKey, TierAPIKeyCreate))

	mux.Handle("POST /projects/{project_id}/devices",
		authed(s.limits.Limit("device-create", s.handleCreateDevice, TierDeviceCreate)))
	mux.Handle("GET /projects/{project_id}/devices", authed(s.handleListDevices))
	mux.Handle("GET /projects/{project_id}/devices/{device_id}", authed(s.handleGetDevice))
	mux.Handle("DELETE /projects/{project_id}/devices/{device_id}", authed(s.handleDeleteDevice))
	mux.Handle("PATCH /projects/{project_id}/devices/{device_id}/tags", authed(s.handleReplaceTags))
	mux.Handle("POST /projects/{project_id}/devices/{device_id}/tags", authed(s.handleAddTags))
	mux.Handle("DELETE /projects/{project_id}/devices/{device_id}/tags", authed(s.handleRemoveTags))

	mux.Handle("POST /projects/{project_id}/rules",
		authed(s.limits.Limit("rule-ops", s.handleCreateRule, TierRuleOps)))
	mux.Handle("GET /projects/{project_id}/rules", authed(s.handleListRules))
	mux.Handle("GET /projects/{project_id}/rules/enabled", authed(s.handleListEnabledRules))
	mux.Handle("GET /rules/{rule_id}", authed(s.handleGetRule))
	mux.Handle("PATCH /rules/{rule_id}",
		authed(s.limits.Limit("rule-ops", s.handleUpdateRule, TierRuleOps)))
	mux.Handle("DELETE /rules/{rule_id}",
		authed(s.limits.Limit("rule-ops", s.handleDeleteRule, TierRuleOps)))
	mux.Handle("POST /rules/{rule_id}/devices",
		authed(s.limits.Limit("rule-assign", s.handleBindRuleDevices, TierRuleAssign)))

	mux.Handle("POST /telemetry",
		authed(s.limits.Limit("ingest", s.handleIngest, TierIngestMinute, TierIngestHour)))
	mux.Handle("GET /telemetry/devices/{device_id}/telemetry", authed(s.handleListEvents))
	mux.Handle("GET /telemetry/devices/{device_id}/telemetry/latest", authed(s.handleLatestEvent))
	mux.Handle("GET /telemetry/devices/{device_id}/telemetry/since", authed(s.handleEventsSince))

	mux.Handle("GET /devices/{device_id}/alerts", authed(s.handleDeviceAlerts))
	mux.Handle("GET /projects/{project_id}/alerts", authed(s.handleProjectAlerts))

	mux.Handle("POST /projects/{project_id}/webhooks",
		authed(s.limits.Limit("webhook-create", s.handleCreateWebhook, TierWebhookCreate)))
	mux.Handle("GET /projects/{project_id}/webhooks", authed(s.handleListWebhooks))
	mux.Handle("GET /webhooks/{webhook_id}", authed(s.handleGetWebhook))
	mux.Handle("POST /webhooks/{webhook_id}/disable", authed(s.handleDisableWebhook))
	mux.Handle("GET /webhooks/{webhook_id}/circuit-status", authed(s.handleCircuitStatus))
	mux.Handle("GET /projects/{project_id}/webhook-deliveries", authed(s.handleListDeliveries))

	return RequestLogger(s.logger)(mux)
}

// pathID parses a numeric path segment. The second return is false when the
// segment is not a positive integer; callers respond 404.
func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// projectFromPath checks that the path project matches the authenticated
// one. A mismatch is a 403; resources of other tenants are never revealed.
func projectFromPath(w http.ResponseWriter, r *http.Request) (int64, bool) {
	pathProject, ok := pathID(r, "project_id")
	if !ok {
		respond.WriteNotFound(w, "Project not found")
		return 0, false
	}
	authedProject, ok := auth.ProjectID(r.Context())
	if !ok {
		respond.WriteForbidden(w, "Missing project context")
		return 0, false
	}
	if pathProject != authedProject {
		respond.WriteForbidden(w, "Project mismatch")
		return 0, false
	}
	return pathProject, true
}

// queryLimit parses ?limit= with a default and a hard cap.
func queryLimit(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
