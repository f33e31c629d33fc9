package api

import (
	"errors"
	"net/http"

	"github.com/bc9123/telemetry-project/pkg/auth"
	"github.com/bc9123/telemetry-project/pkg/respond"
	"github.com/bc9123/telemetry-project/pkg/store"
)

func (s *Server) handleDeviceAlerts(w http.ResponseWriter, r *http.Request) {
	projectID, ok := auth.ProjectID(r.Context())
	if !ok {
		respond.WriteForbidden(w, "Missing project context")
		return
	}
	deviceID, ok := pathID(r, "device_id")
	if !ok {
		respond.WriteNotFound(w, "Device not found")
		return
	}
	device, err := s.store.GetDevice(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respond.WriteNotFound(w, "Device not found")
			return
		}
		respond.WriteInternal(w, err)
		return
	}
	if device.ProjectID != projectID {
		respond.WriteNotFound(w, "Device not found")
		return
	}

	alerts, err := s.store.ListAlertsForDevice(r.Context(), device.ID, queryLimit(r, 100, 1000))
	if err != nil {
		respond.WriteInternal(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleProjectAlerts(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectFromPath(w, r)
	if !ok {
		return
	}
	alerts, err := s.store.ListAlertsForProject(r.Context(), projectID, queryLimit(r, 100, 1000))
	if err != nil {
		respond.WriteInternal(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, alerts)
}
