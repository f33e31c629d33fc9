package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bc9123/telemetry-project/pkg/store"
)

type fakeEventStore struct {
	inserted []store.EventInsert
	err      error
}

func (f *fakeEventStore) InsertEvents(_ context.Context, _ int64, events []store.EventInsert) error {
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, events...)
	return nil
}

func TestIngestDropsBadTimestamps(t *testing.T) {
	f := &fakeEventStore{}
	ing := New(f, nil, nil)

	n, err := ing.Ingest(context.Background(), 9, []RawEvent{
		{TS: "2026-02-01T12:00:00Z", Data: map[string]any{"temperature": 85.0}},
		{TS: "invalid-timestamp", Data: map[string]any{"temperature": 90.0}},
		{TS: "2026-02-01T12:01:00Z", Data: map[string]any{"temperature": 95.0}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, f.inserted, 2)
	assert.Equal(t, 85.0, f.inserted[0].Payload["temperature"])
}

func TestIngestDropsMissingData(t *testing.T) {
	f := &fakeEventStore{}
	ing := New(f, nil, nil)

	n, err := ing.Ingest(context.Background(), 9, []RawEvent{
		{TS: "2026-02-01T12:00:00Z"},
	})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.inserted)
}

func TestIngestAllDroppedSkipsInsert(t *testing.T) {
	f := &fakeEventStore{err: errors.New("insert should not be called")}
	ing := New(f, nil, nil)

	n, err := ing.Ingest(context.Background(), 9, []RawEvent{
		{TS: "bad", Data: map[string]any{}},
	})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIngestStoreErrorPropagates(t *testing.T) {
	f := &fakeEventStore{err: errors.New("connection reset")}
	ing := New(f, nil, nil)

	_, err := ing.Ingest(context.Background(), 9, []RawEvent{
		{TS: "2026-02-01T12:00:00Z", Data: map[string]any{}},
	})
	require.Error(t, err)
}

func TestIngestTimezoneOffsetsNormalized(t *testing.T) {
	f := &fakeEventStore{}
	ing := New(f, nil, nil)

	n, err := ing.Ingest(context.Background(), 9, []RawEvent{
		{TS: "2026-02-01T13:00:00+01:00", Data: map[string]any{}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "2026-02-01T12:00:00Z", f.inserted[0].TS.Format("2006-01-02T15:04:05Z07:00"))
}
