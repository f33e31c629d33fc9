package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bc9123/telemetry-project/pkg/auth"
	"github.com/bc9123/telemetry-project/pkg/ingest"
	"github.com/bc9123/telemetry-project/pkg/model"
	"github.com/bc9123/telemetry-project/pkg/respond"
	"github.com/bc9123/telemetry-project/pkg/store"
	"github.com/bc9123/telemetry-project/pkg/tasks"
)

type ingestIn struct {
	DeviceExternalID string            `json:"device_external_id"`
	Events           []ingest.RawEvent `json:"events"`
}

type ingestOut struct {
	Queued   int   `json:"queued"`
	DeviceID int64 `json:"device_id"`
}

// handleIngest validates the batch, resolves the device under the caller's
// project, and enqueues the persistence job. Events are not durable when
// the 202 goes out.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	projectID, ok := auth.ProjectID(r.Context())
	if !ok {
		respond.WriteForbidden(w, "Missing project context")
		return
	}
	var in ingestIn
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.DeviceExternalID == "" {
		respond.WriteBadRequest(w, "device_external_id is required")
		return
	}
	if len(in.Events) == 0 {
		respond.WriteBadRequest(w, "events must not be empty")
		return
	}
	if len(in.Events) > ingest.MaxBatch {
		respond.WriteBadRequest(w, fmt.Sprintf("batch exceeds %d events", ingest.MaxBatch))
		return
	}

	device, err := s.store.GetDeviceByExternalID(r.Context(), projectID, in.DeviceExternalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respond.WriteNotFound(w, "Device not found")
			return
		}
		respond.WriteInternal(w, err)
		return
	}

	payload := tasks.IngestEventsPayload{DeviceID: device.ID, Events: in.Events}
	if _, err := s.queue.Enqueue(r.Context(), tasks.TaskIngestEvents, payload); err != nil {
		respond.WriteInternal(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusAccepted, ingestOut{Queued: len(in.Events), DeviceID: device.ID})
}

// telemetryDevice resolves the device in the telemetry read paths.
func (s *Server) telemetryDevice(w http.ResponseWriter, r *http.Request) (*model.Device, bool) {
	projectID, ok := auth.ProjectID(r.Context())
	if !ok {
		respond.WriteForbidden(w, "Missing project context")
		return nil, false
	}
	deviceID, ok := pathID(r, "device_id")
	if !ok {
		respond.WriteNotFound(w, "Device not found")
		return nil, false
	}
	device, err := s.store.GetDevice(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respond.WriteNotFound(w, "Device not found")
			return nil, false
		}
		respond.WriteInternal(w, err)
		return nil, false
	}
	if device.ProjectID != projectID {
		respond.WriteNotFound(w, "Device not found")
		return nil, false
	}
	return device, true
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	device, ok := s.telemetryDevice(w, r)
	if !ok {
		return
	}
	limit := queryLimit(r, 100, 1000)
	events, err := s.store.LatestEvents(r.Context(), device.ID, limit)
	if err != nil {
		respond.WriteInternal(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, events)
}

func (s *Server) handleLatestEvent(w http.ResponseWriter, r *http.Request) {
	device, ok := s.telemetryDevice(w, r)
	if !ok {
		return
	}
	event, err := s.store.LatestEvent(r.Context(), device.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respond.WriteNotFound(w, "No telemetry for device")
			return
		}
		respond.WriteInternal(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, event)
}

func (s *Server) handleEventsSince(w http.ResponseWriter, r *http.Request) {
	device, ok := s.telemetryDevice(w, r)
	if !ok {
		return
	}
	seconds, err := strconv.ParseFloat(r.URL.Query().Get("since_ts"), 64)
	if err != nil {
		respond.WriteBadRequest(w, "since_ts must be a unix timestamp in seconds")
		return
	}
	since := time.Unix(0, int64(seconds*float64(time.Second))).UTC()
	events, err := s.store.EventsSince(r.Context(), device.ID, since)
	if err != nil {
		respond.WriteInternal(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, events)
}
