// Package ingest parses raw telemetry batches and persists the valid
// events. Malformed events are dropped with a warning, never failing the
// batch.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bc9123/telemetry-project/pkg/observability"
	"github.com/bc9123/telemetry-project/pkg/store"
)

// MaxBatch caps the number of events accepted in one ingestion request.
const MaxBatch = 5000

// RawEvent is one event as received on the wire. TS must be RFC 3339.
type RawEvent struct {
	TS   string         `json:"ts"`
	Data map[string]any `json:"data"`
}

// EventStore is the slice of persistence the ingestor needs.
type EventStore interface {
	InsertEvents(ctx context.Context, deviceID int64, events []store.EventInsert) error
}

// Ingestor validates and persists raw event batches.
type Ingestor struct {
	store   EventStore
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New builds an Ingestor.
func New(events EventStore, metrics *observability.Metrics, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:   events,
		metrics: metrics,
		logger:  logger.With("component", "ingest"),
	}
}

// Ingest persists the well-formed events of the batch and returns how many
// were stored. An event is dropped when its timestamp does not parse or its
// data object is missing; drops are logged and counted, not fatal.
func (i *Ingestor) Ingest(ctx context.Context, deviceID int64, raw []RawEvent) (int, error) {
	inserts := make([]store.EventInsert, 0, len(raw))
	dropped := 0
	for idx, ev := range raw {
		ts, err := time.Parse(time.RFC3339, ev.TS)
		if err != nil {
			i.logger.Warn("dropping event with bad timestamp",
				"device_id", deviceID, "index", idx, "ts", ev.TS)
			dropped++
			continue
		}
		if ev.Data == nil {
			i.logger.Warn("dropping event without data",
				"device_id", deviceID, "index", idx)
			dropped++
			continue
		}
		inserts = append(inserts, store.EventInsert{TS: ts.UTC(), Payload: ev.Data})
	}

	if dropped > 0 {
		i.metrics.EventsDropped(ctx, int64(dropped))
	}
	if len(inserts) == 0 {
		return 0, nil
	}

	if err := i.store.InsertEvents(ctx, deviceID, inserts); err != nil {
		return 0, fmt.Errorf("ingest device %d: %w", deviceID, err)
	}
	i.metrics.EventsIngested(ctx, int64(len(inserts)))
	return len(inserts), nil
}
