// Package engine evaluates alert rules against a device's recent telemetry.
//
// A rule fires when at least required_k of the newest window_n events carry
// a numeric value for the rule's metric that satisfies its comparison. The
// cooldown gate lives in the store, under an advisory lock, so concurrent
// evaluations of the same (device, rule) pair cannot double-fire.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bc9123/telemetry-project/pkg/model"
)

// Store is the slice of persistence the evaluator needs.
type Store interface {
	GetDevice(ctx context.Context, id int64) (*model.Device, error)
	ListEnabledRules(ctx context.Context, projectID int64) ([]*model.Rule, error)
	ExplicitRuleIDsForDevice(ctx context.Context, deviceID int64) (map[int64]struct{}, error)
	LatestEvents(ctx context.Context, deviceID int64, limit int) ([]*model.TelemetryEvent, error)
	CreateAlertInCooldown(ctx context.Context, deviceID int64, rule *model.Rule, details model.AlertDetails, now time.Time) (int64, bool, error)
}

// Evaluator runs the k-of-n window check for every applicable rule of a
// device.
type Evaluator struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// Option customizes an Evaluator.
type Option func(*Evaluator)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// New builds an Evaluator.
func New(store Store, logger *slog.Logger, opts ...Option) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Evaluator{
		store:  store,
		logger: logger.With("component", "engine"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EvaluateDevice checks every enabled, applicable rule of the device's
// project and returns the ids of alerts created. Rules suppressed by
// cooldown or not satisfied create nothing. Any store error aborts the
// whole evaluation so the caller can retry it.
func (e *Evaluator) EvaluateDevice(ctx context.Context, deviceID int64) ([]int64, error) {
	device, err := e.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("evaluate device %d: %w", deviceID, err)
	}

	rules, err := e.store.ListEnabledRules(ctx, device.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("evaluate device %d: %w", deviceID, err)
	}
	if len(rules) == 0 {
		return nil, nil
	}

	// Explicit bindings are loaded once, and only when some rule needs them.
	var explicit map[int64]struct{}
	for _, r := range rules {
		if r.Scope == model.ScopeExplicit {
			explicit, err = e.store.ExplicitRuleIDsForDevice(ctx, deviceID)
			if err != nil {
				return nil, fmt.Errorf("evaluate device %d: %w", deviceID, err)
			}
			break
		}
	}

	var created []int64
	for _, rule := range rules {
		// Creation-time validation should make these impossible; a rule that
		// slipped through is skipped, never fatal.
		if !model.AllowedOperator(rule.Operator) || rule.RequiredK > rule.WindowN {
			e.logger.Warn("skipping malformed rule", "rule_id", rule.ID)
			continue
		}
		if !applies(rule, device, explicit) {
			continue
		}
		alertID, ok, err := e.evaluateRule(ctx, device, rule)
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, alertID)
		}
	}
	return created, nil
}

// applies reports whether the rule's scope covers the device.
func applies(rule *model.Rule, device *model.Device, explicit map[int64]struct{}) bool {
	switch rule.Scope {
	case model.ScopeAll:
		return true
	case model.ScopeExplicit:
		_, ok := explicit[rule.ID]
		return ok
	case model.ScopeTag:
		return rule.Tag != nil && device.HasTag(*rule.Tag)
	}
	return false
}

func (e *Evaluator) evaluateRule(ctx context.Context, device *model.Device, rule *model.Rule) (int64, bool, error) {
	window, err := e.store.LatestEvents(ctx, device.ID, rule.WindowN)
	if err != nil {
		return 0, false, fmt.Errorf("evaluate rule %d: %w", rule.ID, err)
	}
	if len(window) < rule.WindowN {
		return 0, false, nil
	}

	var (
		matchCount  int
		considered  int
		latestValue *float64
		latestTS    *string
	)
	// Events arrive newest first, so the first numeric entry is the latest.
	for _, event := range window {
		value, ok := numeric(event.Payload[rule.Metric])
		if !ok {
			continue
		}
		considered++
		if latestValue == nil {
			v := value
			ts := event.TS.UTC().Format(time.RFC3339Nano)
			latestValue = &v
			latestTS = &ts
		}
		if compare(value, rule.Operator, rule.Threshold) {
			matchCount++
		}
	}

	if considered == 0 || matchCount < rule.RequiredK {
		return 0, false, nil
	}

	details := model.AlertDetails{
		Rule: model.RuleDetails(rule),
		Evaluation: model.AlertEvaluation{
			DeviceID:    device.ID,
			MatchCount:  matchCount,
			Considered:  considered,
			LatestValue: latestValue,
			LatestTS:    latestTS,
		},
	}

	alertID, inserted, err := e.store.CreateAlertInCooldown(ctx, device.ID, rule, details, e.now().UTC())
	if err != nil {
		return 0, false, fmt.Errorf("evaluate rule %d: %w", rule.ID, err)
	}
	if !inserted {
		e.logger.Debug("alert suppressed by cooldown", "device_id", device.ID, "rule_id", rule.ID)
		return 0, false, nil
	}
	e.logger.Info("alert created",
		"alert_id", alertID, "device_id", device.ID, "rule_id", rule.ID,
		"match_count", matchCount, "considered", considered)
	return alertID, true, nil
}

// numeric extracts a real number from a payload value. Booleans and
// non-numeric types do not count.
func numeric(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// compare applies the rule operator.
func compare(value float64, operator string, threshold float64) bool {
	switch operator {
	case model.OpGT:
		return value > threshold
	case model.OpGTE:
		return value >= threshold
	case model.OpLT:
		return value < threshold
	case model.OpLTE:
		return value <= threshold
	}
	return false
}
