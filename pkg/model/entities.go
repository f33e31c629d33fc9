// Package model defines the persistent entities of the telemetry platform
// and the validation rules that hold across every storage and transport
// boundary.
package model

import (
	"sort"
	"strings"
	"time"
)

// Org owns projects. Names are globally unique.
type Org struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Project scopes all tenant data. Every API-key-authenticated operation
// resolves to exactly one project.
type Project struct {
	ID        int64     `json:"id"`
	OrgID     int64     `json:"org_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Device emits telemetry events. (project_id, external_id) is unique.
type Device struct {
	ID         int64     `json:"id"`
	ProjectID  int64     `json:"project_id"`
	ExternalID string    `json:"external_id"`
	Name       string    `json:"name"`
	Tags       []string  `json:"tags"`
	CreatedAt  time.Time `json:"created_at"`
}

// HasTag reports whether the device carries the given tag.
func (d *Device) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// NormalizeTags trims, drops empties, and dedupes while preserving the
// order of first occurrence.
func NormalizeTags(tags []string) []string {
	cleaned := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		cleaned = append(cleaned, t)
	}
	return cleaned
}

// MergeTags unions existing and added tags (both normalized).
func MergeTags(existing, added []string) []string {
	return NormalizeTags(append(append([]string{}, existing...), added...))
}

// RemoveTags returns existing minus removed, sorted.
func RemoveTags(existing, removed []string) []string {
	drop := make(map[string]struct{}, len(removed))
	for _, t := range removed {
		drop[strings.TrimSpace(t)] = struct{}{}
	}
	kept := make([]string, 0, len(existing))
	for _, t := range existing {
		if _, ok := drop[t]; !ok {
			kept = append(kept, t)
		}
	}
	sort.Strings(kept)
	return kept
}

// TelemetryEvent is append-only device telemetry. Windows are read ordered
// by (ts DESC, id DESC).
type TelemetryEvent struct {
	ID       int64          `json:"id"`
	DeviceID int64          `json:"device_id"`
	TS       time.Time      `json:"ts"`
	Payload  map[string]any `json:"payload"`
}

// APIKey authenticates callers. The presented key is "<prefix>.<secret>";
// only the bcrypt hash of the secret is stored.
type APIKey struct {
	ID           int64
	ProjectID    int64
	Prefix       string
	HashedSecret string
	CreatedAt    time.Time
	RevokedAt    *time.Time
	LastUsedAt   *time.Time
}

// WebhookSubscription receives alert payloads for a project.
type WebhookSubscription struct {
	ID        int64     `json:"id"`
	ProjectID int64     `json:"project_id"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}
