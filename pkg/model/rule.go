package model

import (
	"errors"
	"fmt"
)

// Rule scopes.
const (
	ScopeAll      = "ALL"
	ScopeExplicit = "EXPLICIT"
	ScopeTag      = "TAG"
)

// Comparison operators a rule may carry.
const (
	OpGT  = ">"
	OpGTE = ">="
	OpLT  = "<"
	OpLTE = "<="
)

// Bounds enforced at rule creation and update.
const (
	WindowMax   = 10000
	CooldownMax = 86400
)

// AllowedOperator reports whether op is one of >, >=, <, <=.
func AllowedOperator(op string) bool {
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE:
		return true
	}
	return false
}

// AllowedScope reports whether scope is ALL, EXPLICIT, or TAG.
func AllowedScope(scope string) bool {
	switch scope {
	case ScopeAll, ScopeExplicit, ScopeTag:
		return true
	}
	return false
}

// Rule is a k-of-n windowed threshold over one metric.
type Rule struct {
	ID              int64   `json:"id"`
	ProjectID       int64   `json:"project_id"`
	Name            string  `json:"name"`
	Metric          string  `json:"metric"`
	Operator        string  `json:"operator"`
	Threshold       float64 `json:"threshold"`
	WindowN         int     `json:"window_n"`
	RequiredK       int     `json:"required_k"`
	CooldownSeconds int     `json:"cooldown_seconds"`
	Enabled         bool    `json:"enabled"`
	Scope           string  `json:"scope"`
	Tag             *string `json:"tag"`
}

// Validate checks the cross-field invariants for a fully populated rule.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	if r.Metric == "" {
		return errors.New("metric is required")
	}
	if !AllowedOperator(r.Operator) {
		return fmt.Errorf("unsupported operator %q", r.Operator)
	}
	if r.WindowN < 1 || r.WindowN > WindowMax {
		return fmt.Errorf("window_n must be in [1, %d]", WindowMax)
	}
	if r.RequiredK < 1 || r.RequiredK > WindowMax {
		return fmt.Errorf("required_k must be in [1, %d]", WindowMax)
	}
	if r.RequiredK > r.WindowN {
		return errors.New("required_k cannot be greater than window_n")
	}
	if r.CooldownSeconds < 0 || r.CooldownSeconds > CooldownMax {
		return fmt.Errorf("cooldown_seconds must be in [0, %d]", CooldownMax)
	}
	if !AllowedScope(r.Scope) {
		return fmt.Errorf("unsupported scope %q", r.Scope)
	}
	if r.Scope == ScopeTag && (r.Tag == nil || *r.Tag == "") {
		return errors.New("tag is required when scope is TAG")
	}
	if r.Scope != ScopeTag && r.Tag != nil {
		return errors.New("tag must be null unless scope is TAG")
	}
	return nil
}

// RulePatch is a partial rule update. Nil fields are left untouched; the
// merged row is re-validated before persisting.
type RulePatch struct {
	Name            *string  `json:"name"`
	Metric          *string  `json:"metric"`
	Operator        *string  `json:"operator"`
	Threshold       *float64 `json:"threshold"`
	WindowN         *int     `json:"window_n"`
	RequiredK       *int     `json:"required_k"`
	CooldownSeconds *int     `json:"cooldown_seconds"`
	Scope           *string  `json:"scope"`
	Tag             *string  `json:"tag"`
	Enabled         *bool    `json:"enabled"`
}

// Apply merges the patch into a copy of r and returns it.
func (p *RulePatch) Apply(r Rule) Rule {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Metric != nil {
		r.Metric = *p.Metric
	}
	if p.Operator != nil {
		r.Operator = *p.Operator
	}
	if p.Threshold != nil {
		r.Threshold = *p.Threshold
	}
	if p.WindowN != nil {
		r.WindowN = *p.WindowN
	}
	if p.RequiredK != nil {
		r.RequiredK = *p.RequiredK
	}
	if p.CooldownSeconds != nil {
		r.CooldownSeconds = *p.CooldownSeconds
	}
	if p.Scope != nil {
		r.Scope = *p.Scope
	}
	if p.Tag != nil {
		if *p.Tag == "" {
			r.Tag = nil
		} else {
			tag := *p.Tag
			r.Tag = &tag
		}
	}
	if p.Enabled != nil {
		r.Enabled = *p.Enabled
	}
	return r
}
