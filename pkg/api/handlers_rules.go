package api

import (
	"errors"
	"net/http"

	"github.com/bc9123/telemetry-project/pkg/auth"
	"github.com/bc9123/telemetry-project/pkg/model"
	"github.com/bc9123/telemetry-project/pkg/respond"
	"github.com/bc9123/telemetry-project/pkg/store"
)

type createRuleIn struct {
	Name            string  `json:"name"`
	Metric          string  `json:"metric"`
	Operator        string  `json:"operator"`
	Threshold       float64 `json:"threshold"`
	WindowN         int     `json:"window_n"`
	RequiredK       int     `json:"required_k"`
	CooldownSeconds int     `json:"cooldown_seconds"`
	Enabled         *bool   `json:"enabled"`
	Scope           string  `json:"scope"`
	Tag             *string `json:"tag"`
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectFromPath(w, r)
	if !ok {
		return
	}
	var in createRuleIn
	if !decodeJSON(w, r, &in) {
		return
	}

	rule := model.Rule{
		ProjectID:       projectID,
		Name:            in.Name,
		Metric:          in.Metric,
		Operator:        in.Operator,
		Threshold:       in.Threshold,
		WindowN:         in.WindowN,
		RequiredK:       in.RequiredK,
		CooldownSeconds: in.CooldownSeconds,
		Enabled:         true,
		Scope:           in.Scope,
		Tag:             in.Tag,
	}
	if in.Enabled != nil {
		rule.Enabled = *in.Enabled
	}
	if rule.Scope == "" {
		rule.Scope = model.ScopeAll
	}
	if err := rule.Validate(); err != nil {
		respond.WriteBadRequest(w, err.Error())
		return
	}

	created, err := s.store.CreateRule(r.Context(), &rule)
	if err != nil {
		respond.WriteInternal(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectFromPath(w, r)
	if !ok {
		return
	}
	rules, err := s.store.ListRules(r.Context(), projectID)
	if err != nil {
		respond.WriteInternal(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, rules)
}

func (s *Server) handleListEnabledRules(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectFromPath(w, r)
	if !ok {
		return
	}
	rules, err := s.store.ListEnabledRules(r.Context(), projectID)
	if err != nil {
		respond.WriteInternal(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, rules)
}

// ruleForCaller loads a rule addressed by bare id and enforces tenancy.
func (s *Server) ruleForCaller(w http.ResponseWriter, r *http.Request) (*model.Rule, bool) {
	ruleID, ok := pathID(r, "rule_id")
	if !ok {
		respond.WriteNotFound(w, "Rule not found")
		return nil, false
	}
	projectID, ok := auth.ProjectID(r.Context())
	if !ok {
		respond.WriteForbidden(w, "Missing project context")
		return nil, false
	}
	rule, err := s.store.GetRule(r.Context(), ruleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respond.WriteNotFound(w, "Rule not found")
			return nil, false
		}
		respond.WriteInternal(w, err)
		return nil, false
	}
	if rule.ProjectID != projectID {
		respond.WriteNotFound(w, "Rule not found")
		return nil, false
	}
	return rule, true
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.ruleForCaller(w, r)
	if !ok {
		return
	}
	respond.WriteJSON(w, http.StatusOK, rule)
}

// handleUpdateRule merges a partial update and re-validates the merged row,
// so raising required_k alone can never exceed the stored window_n.
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.ruleForCaller(w, r)
	if !ok {
		return
	}
	var patch model.RulePatch
	if !decodeJSON(w, r, &patch) {
		return
	}

	merged := patch.Apply(*rule)
	if err := merged.Validate(); err != nil {
		respond.WriteBadRequest(w, err.Error())
		return
	}

	updated, err := s.store.UpdateRule(r.Context(), &merged)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respond.WriteNotFound(w, "Rule not found")
			return
		}
		respond.WriteInternal(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.ruleForCaller(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteRule(r.Context(), rule.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respond.WriteNotFound(w, "Rule not found")
			return
		}
		respond.WriteInternal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bindDevicesIn struct {
	DeviceIDs []int64 `json:"device_ids"`
}

// handleBindRuleDevices replaces the explicit device set of a rule. Every
// device must belong to the rule's project.
func (s *Server) handleBindRuleDevices(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.ruleForCaller(w, r)
	if !ok {
		return
	}
	var in bindDevicesIn
	if !decodeJSON(w, r, &in) {
		return
	}

	for _, deviceID := range in.DeviceIDs {
		device, err := s.store.GetDevice(r.Context(), deviceID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				respond.WriteBadRequest(w, "Unknown device in device_ids")
				return
			}
			respond.WriteInternal(w, err)
			return
		}
		if device.ProjectID != rule.ProjectID {
			respond.WriteBadRequest(w, "Device belongs to a different project")
			return
		}
	}

	if err := s.store.ReplaceRuleDevices(r.Context(), rule.ID, in.DeviceIDs); err != nil {
		respond.WriteInternal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
