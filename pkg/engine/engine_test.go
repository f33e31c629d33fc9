package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bc9123/telemetry-project/pkg/model"
)

type fakeStore struct {
	device   *model.Device
	rules    []*model.Rule
	explicit map[int64]struct{}
	events   []*model.TelemetryEvent

	cooldownUntil map[int64]time.Time // rule id -> suppress before this instant
	nextAlertID   int64
	created       []createdAlert
	eventsErr     error
}

type createdAlert struct {
	deviceID int64
	ruleID   int64
	details  model.AlertDetails
}

func (f *fakeStore) GetDevice(_ context.Context, id int64) (*model.Device, error) {
	if f.device == nil || f.device.ID != id {
		return nil, errors.New("not found")
	}
	return f.device, nil
}

func (f *fakeStore) ListEnabledRules(context.Context, int64) ([]*model.Rule, error) {
	return f.rules, nil
}

func (f *fakeStore) ExplicitRuleIDsForDevice(context.Context, int64) (map[int64]struct{}, error) {
	if f.explicit == nil {
		return map[int64]struct{}{}, nil
	}
	return f.explicit, nil
}

func (f *fakeStore) LatestEvents(_ context.Context, _ int64, limit int) ([]*model.TelemetryEvent, error) {
	if f.eventsErr != nil {
		return nil, f.eventsErr
	}
	if len(f.events) < limit {
		return f.events, nil
	}
	return f.events[:limit], nil
}

func (f *fakeStore) CreateAlertInCooldown(_ context.Context, deviceID int64, rule *model.Rule, details model.AlertDetails, now time.Time) (int64, bool, error) {
	if until, ok := f.cooldownUntil[rule.ID]; ok && now.Before(until) {
		return 0, false, nil
	}
	f.nextAlertID++
	f.created = append(f.created, createdAlert{deviceID: deviceID, ruleID: rule.ID, details: details})
	if f.cooldownUntil == nil {
		f.cooldownUntil = map[int64]time.Time{}
	}
	f.cooldownUntil[rule.ID] = now.Add(time.Duration(rule.CooldownSeconds) * time.Second)
	return f.nextAlertID, true, nil
}

func tempRule() *model.Rule {
	return &model.Rule{
		ID: 3, ProjectID: 1, Name: "high-temp",
		Metric: "temperature", Operator: model.OpGT, Threshold: 80,
		WindowN: 5, RequiredK: 3, CooldownSeconds: 300,
		Enabled: true, Scope: model.ScopeAll,
	}
}

// tempEvents builds a newest-first window of temperature readings.
func tempEvents(values ...any) []*model.TelemetryEvent {
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	events := make([]*model.TelemetryEvent, len(values))
	for i, v := range values {
		payload := map[string]any{}
		if v != nil {
			payload["temperature"] = v
		}
		events[i] = &model.TelemetryEvent{
			ID:       int64(100 - i),
			DeviceID: 9,
			TS:       base.Add(-time.Duration(i) * time.Minute),
			Payload:  payload,
		}
	}
	return events
}

func newTestEvaluator(f *fakeStore, now time.Time) *Evaluator {
	return New(f, nil, WithClock(func() time.Time { return now }))
}

func TestEvaluateAllMatching(t *testing.T) {
	f := &fakeStore{
		device: &model.Device{ID: 9, ProjectID: 1},
		rules:  []*model.Rule{tempRule()},
		events: tempEvents(85.0, 85.0, 85.0, 85.0, 85.0),
	}
	ev := newTestEvaluator(f, time.Now().UTC())

	ids, err := ev.EvaluateDevice(context.Background(), 9)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	eval := f.created[0].details.Evaluation
	assert.Equal(t, 5, eval.MatchCount)
	assert.Equal(t, 5, eval.Considered)
	require.NotNil(t, eval.LatestValue)
	assert.Equal(t, 85.0, *eval.LatestValue)
	require.NotNil(t, eval.LatestTS)
}

func TestEvaluateExactlyKMatches(t *testing.T) {
	f := &fakeStore{
		device: &model.Device{ID: 9, ProjectID: 1},
		rules:  []*model.Rule{tempRule()},
		events: tempEvents(85.0, 75.0, 90.0, 70.0, 95.0),
	}
	ev := newTestEvaluator(f, time.Now().UTC())

	ids, err := ev.EvaluateDevice(context.Background(), 9)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, 3, f.created[0].details.Evaluation.MatchCount)
}

func TestEvaluateBelowKDoesNotFire(t *testing.T) {
	f := &fakeStore{
		device: &model.Device{ID: 9, ProjectID: 1},
		rules:  []*model.Rule{tempRule()},
		events: tempEvents(85.0, 75.0, 70.0, 70.0, 90.0),
	}
	ev := newTestEvaluator(f, time.Now().UTC())

	ids, err := ev.EvaluateDevice(context.Background(), 9)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestEvaluateCooldownSuppresses(t *testing.T) {
	f := &fakeStore{
		device: &model.Device{ID: 9, ProjectID: 1},
		rules:  []*model.Rule{tempRule()},
		events: tempEvents(85.0, 85.0, 85.0, 85.0, 85.0),
	}
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	ev := newTestEvaluator(f, now)

	ids, err := ev.EvaluateDevice(context.Background(), 9)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	// A second evaluation inside the 300 s cooldown creates nothing.
	ids, err = ev.EvaluateDevice(context.Background(), 9)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Past the cooldown it fires again.
	ev = newTestEvaluator(f, now.Add(301*time.Second))
	ids, err = ev.EvaluateDevice(context.Background(), 9)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestEvaluateTagScope(t *testing.T) {
	tag := "temperature"
	rule := tempRule()
	rule.Scope = model.ScopeTag
	rule.Tag = &tag

	f := &fakeStore{
		device: &model.Device{ID: 9, ProjectID: 1, Tags: []string{"test", "temperature"}},
		rules:  []*model.Rule{rule},
		events: tempEvents(85.0, 85.0, 85.0, 85.0, 85.0),
	}
	ev := newTestEvaluator(f, time.Now().UTC())

	ids, err := ev.EvaluateDevice(context.Background(), 9)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	// Without the tag the rule no longer applies.
	f.device.Tags = []string{"other"}
	f.cooldownUntil = nil
	f.created = nil
	ids, err = ev.EvaluateDevice(context.Background(), 9)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestEvaluateExplicitScope(t *testing.T) {
	rule := tempRule()
	rule.Scope = model.ScopeExplicit

	f := &fakeStore{
		device:   &model.Device{ID: 9, ProjectID: 1},
		rules:    []*model.Rule{rule},
		explicit: map[int64]struct{}{rule.ID: {}},
		events:   tempEvents(85.0, 85.0, 85.0, 85.0, 85.0),
	}
	ev := newTestEvaluator(f, time.Now().UTC())

	ids, err := ev.EvaluateDevice(context.Background(), 9)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	f.explicit = map[int64]struct{}{}
	f.cooldownUntil = nil
	ids, err = ev.EvaluateDevice(context.Background(), 9)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestEvaluateShortWindowSkips(t *testing.T) {
	f := &fakeStore{
		device: &model.Device{ID: 9, ProjectID: 1},
		rules:  []*model.Rule{tempRule()},
		events: tempEvents(85.0, 85.0, 85.0, 85.0), // one short of window_n
	}
	ev := newTestEvaluator(f, time.Now().UTC())

	ids, err := ev.EvaluateDevice(context.Background(), 9)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestEvaluateNonNumericDoesNotCount(t *testing.T) {
	// Exactly required_k numeric matches, the rest non-numeric or missing:
	// the rule still fires.
	f := &fakeStore{
		device: &model.Device{ID: 9, ProjectID: 1},
		rules:  []*model.Rule{tempRule()},
		events: tempEvents(85.0, "hot", nil, 90.0, 95.0),
	}
	ev := newTestEvaluator(f, time.Now().UTC())

	ids, err := ev.EvaluateDevice(context.Background(), 9)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	eval := f.created[0].details.Evaluation
	assert.Equal(t, 3, eval.MatchCount)
	assert.Equal(t, 3, eval.Considered)
}

func TestEvaluateBooleansAreNotNumeric(t *testing.T) {
	f := &fakeStore{
		device: &model.Device{ID: 9, ProjectID: 1},
		rules:  []*model.Rule{tempRule()},
		events: tempEvents(true, true, true, true, true),
	}
	ev := newTestEvaluator(f, time.Now().UTC())

	ids, err := ev.EvaluateDevice(context.Background(), 9)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestEvaluateMalformedRuleSkipped(t *testing.T) {
	bad := tempRule()
	bad.RequiredK = 10 // exceeds window_n

	f := &fakeStore{
		device: &model.Device{ID: 9, ProjectID: 1},
		rules:  []*model.Rule{bad},
		events: tempEvents(85.0, 85.0, 85.0, 85.0, 85.0),
	}
	ev := newTestEvaluator(f, time.Now().UTC())

	ids, err := ev.EvaluateDevice(context.Background(), 9)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestEvaluateStoreErrorBailsOut(t *testing.T) {
	f := &fakeStore{
		device:    &model.Device{ID: 9, ProjectID: 1},
		rules:     []*model.Rule{tempRule()},
		eventsErr: errors.New("connection reset"),
	}
	ev := newTestEvaluator(f, time.Now().UTC())

	_, err := ev.EvaluateDevice(context.Background(), 9)
	require.Error(t, err)
}

func TestCompare(t *testing.T) {
	tests := []struct {
		value     float64
		operator  string
		threshold float64
		want      bool
	}{
		{85, model.OpGT, 80, true},
		{80, model.OpGT, 80, false},
		{80, model.OpGTE, 80, true},
		{75, model.OpLT, 80, true},
		{80, model.OpLT, 80, false},
		{80, model.OpLTE, 80, true},
		{85, "!=", 80, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, compare(tt.value, tt.operator, tt.threshold),
			"%v %s %v", tt.value, tt.operator, tt.threshold)
	}
}
