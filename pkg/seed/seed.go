// Package seed provisions demo data from a YAML manifest: an org with a
// project, devices, rules, and a webhook, plus a fresh API key.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bc9123/telemetry-project/pkg/auth"
	"github.com/bc9123/telemetry-project/pkg/model"
	"github.com/bc9123/telemetry-project/pkg/store"
)

// Manifest describes the demo tenant to create.
type Manifest struct {
	Org      string            `yaml:"org" json:"org"`
	Project  string            `yaml:"project" json:"project"`
	Devices  []DeviceManifest  `yaml:"devices" json:"devices"`
	Rules    []RuleManifest    `yaml:"rules" json:"rules"`
	Webhooks []WebhookManifest `yaml:"webhooks" json:"webhooks"`
}

// DeviceManifest is one device to register.
type DeviceManifest struct {
	ExternalID string   `yaml:"external_id" json:"external_id"`
	Name       string   `yaml:"name" json:"name"`
	Tags       []string `yaml:"tags" json:"tags"`
}

// RuleManifest is one rule to create.
type RuleManifest struct {
	Name            string  `yaml:"name" json:"name"`
	Metric          string  `yaml:"metric" json:"metric"`
	Operator        string  `yaml:"operator" json:"operator"`
	Threshold       float64 `yaml:"threshold" json:"threshold"`
	WindowN         int     `yaml:"window_n" json:"window_n"`
	RequiredK       int     `yaml:"required_k" json:"required_k"`
	CooldownSeconds int     `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	Scope           string  `yaml:"scope" json:"scope"`
	Tag             string  `yaml:"tag" json:"tag"`
}

// WebhookManifest is one subscription to create.
type WebhookManifest struct {
	URL    string `yaml:"url" json:"url"`
	Secret string `yaml:"secret" json:"secret"`
}

const manifestSchema = `{
  "type": "object",
  "required": ["org", "project"],
  "properties": {
    "org": {"type": "string", "minLength": 1},
    "project": {"type": "string", "minLength": 1},
    "devices": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["external_id", "name"],
        "properties": {
          "external_id": {"type": "string", "minLength": 1},
          "name": {"type": "string", "minLength": 1},
          "tags": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "metric", "operator", "threshold", "window_n", "required_k"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "metric": {"type": "string", "minLength": 1},
          "operator": {"enum": [">", ">=", "<", "<="]},
          "threshold": {"type": "number"},
          "window_n": {"type": "integer", "minimum": 1, "maximum": 10000},
          "required_k": {"type": "integer", "minimum": 1, "maximum": 10000},
          "cooldown_seconds": {"type": "integer", "minimum": 0, "maximum": 86400},
          "scope": {"enum": ["ALL", "EXPLICIT", "TAG"]},
          "tag": {"type": "string"}
        }
      }
    },
    "webhooks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["url"],
        "properties": {
          "url": {"type": "string", "minLength": 1},
          "secret": {"type": "string"}
        }
      }
    }
  }
}`

// Default is the manifest used when no file is given: one org, one
// project, two devices, a temperature rule, and a local receiver.
var Default = Manifest{
	Org:     "demo-org",
	Project: "demo-project",
	Devices: []DeviceManifest{
		{ExternalID: "sensor-001", Name: "Sensor 1", Tags: []string{"temperature", "test"}},
		{ExternalID: "sensor-002", Name: "Sensor 2", Tags: []string{"humidity"}},
	},
	Rules: []RuleManifest{
		{
			Name: "high-temperature", Metric: "temperature", Operator: ">",
			Threshold: 80, WindowN: 5, RequiredK: 3, CooldownSeconds: 300, Scope: "ALL",
		},
	},
	Webhooks: []WebhookManifest{
		{URL: "http://localhost:9000/webhooks/alerts", Secret: "demo-secret"},
	},
}

// LoadManifest reads and schema-validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	// The schema checks the JSON rendering; YAML and JSON tags mirror each
	// other so the two views agree.
	asJSON, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("validate manifest: %w", err)
	}
	schema, err := jsonschema.CompileString("manifest.json", manifestSchema)
	if err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(asJSON, &doc); err != nil {
		return nil, fmt.Errorf("validate manifest: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

// Result reports what Apply created.
type Result struct {
	OrgID     int64
	ProjectID int64
	APIKey    string
	DeviceIDs []int64
	RuleIDs   []int64
}

// Apply provisions the manifest and mints one API key for the project. The
// raw key appears only in the result.
func Apply(ctx context.Context, st *store.Store, m *Manifest) (*Result, error) {
	org, err := st.CreateOrg(ctx, m.Org)
	if err != nil {
		return nil, fmt.Errorf("seed org: %w", err)
	}
	project, err := st.CreateProject(ctx, org.ID, m.Project)
	if err != nil {
		return nil, fmt.Errorf("seed project: %w", err)
	}

	raw, prefix, hashedSecret, err := auth.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("seed api key: %w", err)
	}
	if _, err := st.CreateAPIKey(ctx, project.ID, prefix, hashedSecret); err != nil {
		return nil, fmt.Errorf("seed api key: %w", err)
	}

	result := &Result{OrgID: org.ID, ProjectID: project.ID, APIKey: raw}

	for _, d := range m.Devices {
		device, err := st.CreateDevice(ctx, project.ID, d.ExternalID, d.Name, d.Tags)
		if err != nil {
			return nil, fmt.Errorf("seed device %s: %w", d.ExternalID, err)
		}
		result.DeviceIDs = append(result.DeviceIDs, device.ID)
	}

	for _, rm := range m.Rules {
		rule := model.Rule{
			ProjectID:       project.ID,
			Name:            rm.Name,
			Metric:          rm.Metric,
			Operator:        rm.Operator,
			Threshold:       rm.Threshold,
			WindowN:         rm.WindowN,
			RequiredK:       rm.RequiredK,
			CooldownSeconds: rm.CooldownSeconds,
			Enabled:         true,
			Scope:           rm.Scope,
		}
		if rule.Scope == "" {
			rule.Scope = model.ScopeAll
		}
		if tag := strings.TrimSpace(rm.Tag); tag != "" {
			rule.Tag = &tag
		}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("seed rule %s: %w", rm.Name, err)
		}
		created, err := st.CreateRule(ctx, &rule)
		if err != nil {
			return nil, fmt.Errorf("seed rule %s: %w", rm.Name, err)
		}
		result.RuleIDs = append(result.RuleIDs, created.ID)
	}

	for _, wh := range m.Webhooks {
		if _, err := st.CreateWebhook(ctx, project.ID, wh.URL, wh.Secret); err != nil {
			return nil, fmt.Errorf("seed webhook %s: %w", wh.URL, err)
		}
	}
	return result, nil
}
