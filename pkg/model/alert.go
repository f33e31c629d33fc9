package model

import "time"

// Alert records that a rule's k-of-n predicate held for a device. Immutable
// after creation; successive triggered_at values for the same (device, rule)
// pair are spaced by at least the rule's cooldown.
type Alert struct {
	ID          int64        `json:"id"`
	DeviceID    int64        `json:"device_id"`
	RuleID      int64        `json:"rule_id"`
	TriggeredAt time.Time    `json:"triggered_at"`
	Details     AlertDetails `json:"details"`
}

// AlertDetails is the JSONB snapshot stored with each alert: the rule as it
// was at evaluation time plus the evaluation outcome.
type AlertDetails struct {
	Rule       AlertRuleDetails `json:"rule"`
	Evaluation AlertEvaluation  `json:"evaluation"`
}

// AlertRuleDetails snapshots the rule fields relevant for consumers.
type AlertRuleDetails struct {
	ID              int64   `json:"id"`
	Name            string  `json:"name"`
	Metric          string  `json:"metric"`
	Operator        string  `json:"operator"`
	Threshold       float64 `json:"threshold"`
	WindowN         int     `json:"window_n"`
	RequiredK       int     `json:"required_k"`
	CooldownSeconds int     `json:"cooldown_seconds"`
	Scope           string  `json:"scope"`
	Tag             *string `json:"tag"`
}

// AlertEvaluation captures what the window looked like when the rule fired.
// LatestValue/LatestTS describe the newest numeric entry in the window.
type AlertEvaluation struct {
	DeviceID    int64    `json:"device_id"`
	MatchCount  int      `json:"match_count"`
	Considered  int      `json:"considered"`
	LatestValue *float64 `json:"latest_value"`
	LatestTS    *string  `json:"latest_ts"`
}

// RuleDetails builds the details snapshot for an alert on r.
func RuleDetails(r *Rule) AlertRuleDetails {
	return AlertRuleDetails{
		ID:              r.ID,
		Name:            r.Name,
		Metric:          r.Metric,
		Operator:        r.Operator,
		Threshold:       r.Threshold,
		WindowN:         r.WindowN,
		RequiredK:       r.RequiredK,
		CooldownSeconds: r.CooldownSeconds,
		Scope:           r.Scope,
		Tag:             r.Tag,
	}
}
