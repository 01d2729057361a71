// Package telemetry records beacon events outside the process: Range
// samples go to InfluxDB and presence transitions go to the SQLite history.
package telemetry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-beacon/internal/beacon"
	"github.com/nerrad567/gray-logic-beacon/internal/infrastructure/influxdb"
)

// MetricsWriter is the time-series sink. *influxdb.Client satisfies it.
type MetricsWriter interface {
	WriteBeaconRange(s influxdb.RangeSample)
	WriteBeaconPresence(p influxdb.PresenceChange)
}

// Stats counts what the recorder has written.
type Stats struct {
	RangeSamples   uint64 `json:"range_samples"`
	HistoryRecords uint64 `json:"history_records"`
	HistoryErrors  uint64 `json:"history_errors"`
}

// Recorder is a dispatch.Listener that persists events.
//
// Either sink may be nil. Subscribe it for all regions:
//
//	disp.Subscribe(dispatch.AllRegions, telemetry.NewRecorder(influx, history))
type Recorder struct {
	metrics MetricsWriter
	history beacon.EventHistory

	rangeSamples   atomic.Uint64
	historyRecords atomic.Uint64
	historyErrors  atomic.Uint64
}

// NewRecorder creates a recorder over the given sinks.
func NewRecorder(metrics MetricsWriter, history beacon.EventHistory) *Recorder {
	return &Recorder{metrics: metrics, history: history}
}

// HandleEvent implements dispatch.Listener.
//
// Range events are written only to metrics. Enter and Exit go to both
// sinks; Error goes only to history. A history failure is returned so the
// dispatcher counts and logs it.
func (r *Recorder) HandleEvent(ctx context.Context, event beacon.Event) error {
	if event.Kind == beacon.EventRange {
		r.writeRange(event)
		return nil
	}

	if r.metrics != nil && (event.Kind == beacon.EventEnter || event.Kind == beacon.EventExit) {
		r.metrics.WriteBeaconPresence(influxdb.PresenceChange{
			RegionID:  event.RegionID(),
			Kind:      string(event.Kind),
			Inside:    event.Kind == beacon.EventEnter,
			Timestamp: event.Timestamp,
		})
	}

	if r.history == nil {
		return nil
	}
	if err := r.history.Record(ctx, event); err != nil {
		r.historyErrors.Add(1)
		return fmt.Errorf("recording %s event for %q: %w", event.Kind, event.RegionID(), err)
	}
	r.historyRecords.Add(1)
	return nil
}

func (r *Recorder) writeRange(event beacon.Event) {
	if r.metrics == nil {
		return
	}
	sample := influxdb.RangeSample{
		RegionID:  event.RegionID(),
		Proximity: string(event.Proximity),
		Distance:  event.Distance,
		RSSI:      event.RSSI,
		Timestamp: event.Timestamp,
	}
	if event.Region != nil {
		sample.UUID = event.Region.UUID.String()
	}
	r.metrics.WriteBeaconRange(sample)
	r.rangeSamples.Add(1)
}

// Stats returns a snapshot of the counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		RangeSamples:   r.rangeSamples.Load(),
		HistoryRecords: r.historyRecords.Load(),
		HistoryErrors:  r.historyErrors.Load(),
	}
}

// Pruner deletes history older than a cutoff. *beacon.SQLiteEventHistory
// satisfies it.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// RunRetention prunes history older than retention every interval until
// ctx is cancelled. A zero retention disables pruning.
func RunRetention(ctx context.Context, p Pruner, retention, interval time.Duration, logger beacon.Logger) {
	if retention <= 0 || p == nil {
		return
	}
	if logger == nil {
		logger = beacon.NoopLogger{}
	}

	prune := func() {
		n, err := p.Prune(ctx, retention)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("history prune failed", "error", err)
			}
			return
		}
		if n > 0 {
			logger.Info("history pruned", "rows", n, "retention", retention.String())
		}
	}

	prune()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
