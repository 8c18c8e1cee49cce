package forwarder

import (
	"sync/atomic"

	"chanrelay/internal/eventbus"
)

type counters struct {
	captureRuns    atomic.Int64
	captureSkipped atomic.Int64
	captureFailed  atomic.Int64
	captured       atomic.Int64

	dispatchRuns   atomic.Int64
	selected       atomic.Int64
	deliveredUnits atomic.Int64
	skipped        atomic.Int64
	sinkFailures   atomic.Int64
	expired        atomic.Int64
}

// Stats is a point-in-time copy of the forwarder counters.
type Stats struct {
	CaptureRuns    int64 `json:"capture_runs"`
	CaptureSkipped int64 `json:"capture_skipped"`
	CaptureFailed  int64 `json:"capture_failed"`
	Captured       int64 `json:"captured"`

	DispatchRuns   int64 `json:"dispatch_runs"`
	Selected       int64 `json:"selected"`
	DeliveredUnits int64 `json:"delivered_units"`
	Skipped        int64 `json:"skipped"`
	SinkFailures   int64 `json:"sink_failures"`
	Expired        int64 `json:"expired"`
}

func (f *Forwarder) Stats() Stats {
	c := &f.stats
	return Stats{
		CaptureRuns:    c.captureRuns.Load(),
		CaptureSkipped: c.captureSkipped.Load(),
		CaptureFailed:  c.captureFailed.Load(),
		Captured:       c.captured.Load(),
		DispatchRuns:   c.dispatchRuns.Load(),
		Selected:       c.selected.Load(),
		DeliveredUnits: c.deliveredUnits.Load(),
		Skipped:        c.skipped.Load(),
		SinkFailures:   c.sinkFailures.Load(),
		Expired:        c.expired.Load(),
	}
}

// PublishStats emits the counters as a "forward.stats" event.
func (f *Forwarder) PublishStats() {
	f.publish(eventbus.TopicStats, f.Stats())
}
