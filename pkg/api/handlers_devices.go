package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/bc9123/telemetry-project/pkg/model"
	"github.com/bc9123/telemetry-project/pkg/respond"
	"github.com/bc9123/telemetry-project/pkg/store"
)

type createDeviceIn struct {
	ExternalID string   `json:"external_id"`
	Name       string   `json:"name"`
	Tags       []string `json:"tags"`
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectFromPath(w, r)
	if !ok {
		return
	}
	var in createDeviceIn
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.ExternalID == "" || in.Name == "" {
		respond.WriteBadRequest(w, "external_id and name are required")
		return
	}

	device, err := s.store.CreateDevice(r.Context(), projectID, in.ExternalID, in.Name, in.Tags)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			respond.WriteBadRequest(w, "Device external_id already exists in project")
			return
		}
		respond.WriteInternal(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusCreated, device)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectFromPath(w, r)
	if !ok {
		return
	}
	devices, err := s.store.ListDevices(r.Context(), projectID)
	if err != nil {
		respond.WriteInternal(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, devices)
}

// deviceInProject loads a device from the path and enforces tenancy;
// devices of other projects read as 404.
func (s *Server) deviceInProject(w http.ResponseWriter, r *http.Request, projectID int64) (*model.Device, bool) {
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

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectFromPath(w, r)
	if !ok {
		return
	}
	device, ok := s.deviceInProject(w, r, projectID)
	if !ok {
		return
	}
	respond.WriteJSON(w, http.StatusOK, device)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectFromPath(w, r)
	if !ok {
		return
	}
	device, ok := s.deviceInProject(w, r, projectID)
	if !ok {
		return
	}
	if err := s.store.DeleteDevice(r.Context(), device.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respond.WriteNotFound(w, "Device not found")
			return
		}
		respond.WriteInternal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type tagsIn struct {
	Tags []string `json:"tags"`
}

type tagsOut struct {
	DeviceID int64    `json:"device_id"`
	Tags     []string `json:"tags"`
}

func (s *Server) handleReplaceTags(w http.ResponseWriter, r *http.Request) {
	s.mutateTags(w, r, s.store.SetDeviceTags)
}

func (s *Server) handleAddTags(w http.ResponseWriter, r *http.Request) {
	s.mutateTags(w, r, s.store.AddDeviceTags)
}

func (s *Server) handleRemoveTags(w http.ResponseWriter, r *http.Request) {
	s.mutateTags(w, r, s.store.RemoveDeviceTags)
}

func (s *Server) mutateTags(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id int64, tags []string) (*model.Device, error)) {
	projectID, ok := projectFromPath(w, r)
	if !ok {
		return
	}
	device, ok := s.deviceInProject(w, r, projectID)
	if !ok {
		return
	}
	var in tagsIn
	if !decodeJSON(w, r, &in) {
		return
	}

	updated, err := op(r.Context(), device.ID, in.Tags)
	if err != nil {
		respond.WriteInternal(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, tagsOut{DeviceID: updated.ID, Tags: updated.Tags})
}
