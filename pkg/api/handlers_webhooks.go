package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/bc9123/telemetry-project/pkg/auth"
	"github.com/bc9123/telemetry-project/pkg/breaker"
	"github.com/bc9123/telemetry-project/pkg/model"
	"github.com/bc9123/telemetry-project/pkg/respond"
	"github.com/bc9123/telemetry-project/pkg/store"
)

type createWebhookIn struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectFromPath(w, r)
	if !ok {
		return
	}
	var in createWebhookIn
	if !decodeJSON(w, r, &in) {
		return
	}
	parsed, err := url.Parse(in.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		respond.WriteBadRequest(w, "url must be a valid http(s) URL")
		return
	}

	webhook, err := s.store.CreateWebhook(r.Context(), projectID, in.URL, in.Secret)
	if err != nil {
		respond.WriteInternal(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusCreated, webhook)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectFromPath(w, r)
	if !ok {
		return
	}
	webhooks, err := s.store.ListWebhooks(r.Context(), projectID, false)
	if err != nil {
		respond.WriteInternal(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, webhooks)
}

// webhookForCaller loads a webhook addressed by bare id and enforces
// tenancy.
func (s *Server) webhookForCaller(w http.ResponseWriter, r *http.Request) (*model.WebhookSubscription, bool) {
	webhookID, ok := pathID(r, "webhook_id")
	if !ok {
		respond.WriteNotFound(w, "Webhook not found")
		return nil, false
	}
	projectID, ok := auth.ProjectID(r.Context())
	if !ok {
		respond.WriteForbidden(w, "Missing project context")
		return nil, false
	}
	webhook, err := s.store.GetWebhook(r.Context(), webhookID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respond.WriteNotFound(w, "Webhook not found")
			return nil, false
		}
		respond.WriteInternal(w, err)
		return nil, false
	}
	if webhook.ProjectID != projectID {
		respond.WriteNotFound(w, "Webhook not found")
		return nil, false
	}
	return webhook, true
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	webhook, ok := s.webhookForCaller(w, r)
	if !ok {
		return
	}
	respond.WriteJSON(w, http.StatusOK, webhook)
}

func (s *Server) handleDisableWebhook(w http.ResponseWriter, r *http.Request) {
	webhook, ok := s.webhookForCaller(w, r)
	if !ok {
		return
	}
	disabled, err := s.store.DisableWebhook(r.Context(), webhook.ID)
	if err != nil {
		respond.WriteInternal(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, disabled)
}

type circuitStatusOut struct {
	WebhookID      int64         `json:"webhook_id"`
	URL            string        `json:"url"`
	CircuitBreaker breaker.Stats `json:"circuit_breaker"`
}

func (s *Server) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	webhook, ok := s.webhookForCaller(w, r)
	if !ok {
		return
	}
	stats, err := s.breaker.Stats(r.Context(), webhook.URL)
	if err != nil {
		respond.WriteInternal(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, circuitStatusOut{
		WebhookID:      webhook.ID,
		URL:            webhook.URL,
		CircuitBreaker: stats,
	})
}

// handleListDeliveries lists a project's deliveries. A path project that is
// not the authenticated one yields an empty list, not an error.
func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	pathProject, ok := pathID(r, "project_id")
	if !ok {
		respond.WriteNotFound(w, "Project not found")
		return
	}
	authedProject, ok := auth.ProjectID(r.Context())
	if !ok {
		respond.WriteForbidden(w, "Missing project context")
		return
	}
	if pathProject != authedProject {
		respond.WriteJSON(w, http.StatusOK, []*model.WebhookDelivery{})
		return
	}

	status := r.URL.Query().Get("status")
	if status != "" && !model.ValidDeliveryStatus(status) {
		respond.WriteBadRequest(w, "unknown delivery status")
		return
	}
	deliveries, err := s.store.ListDeliveries(r.Context(), pathProject, status, queryLimit(r, 100, 1000))
	if err != nil {
		respond.WriteInternal(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, deliveries)
}
