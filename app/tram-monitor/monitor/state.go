// Package monitor runs the periodic poll loop against the upstream transit
// feed and maintains the in-memory per-vehicle pipeline: route resolution,
// stop detection, route-matching snap/clamp, ghost retention, and
// travel-time observation batching. Grounded on gtfs-monitor/monitor's
// sleep-compensated loop (monitor.go) and per-vehicle map shape
// (vehicle_monitor.go), generalized from GTFS trip-deviation tracking to
// free-running route progress tracking.
package monitor

import (
	"time"

	"github.com/empsgit/tram-monitor-ekb/business/eta"
	"github.com/empsgit/tram-monitor-ekb/business/stopdetect"
)

// RecentPositionsCap bounds the per-vehicle ring of recent fixes used to
// derive a movement bearing.
const RecentPositionsCap = 5

// GhostTTL is how long a vehicle absent from the upstream response is still
// reported, with signal_lost set, before its per-vehicle state is purged.
const GhostTTL = 120 * time.Second

// ProjectionEventRingCap bounds the diagnostic ring buffer.
const ProjectionEventRingCap = 500

// NextStop is an upcoming stop annotated with an estimated arrival.
type NextStop struct {
	Stop       stopdetect.StopOnRoute `json:"stop"`
	EtaSeconds *int                   `json:"eta_seconds"`
}

// VehicleState is the externally-visible record for one vehicle, published
// in every broadcaster snapshot and served by the HTTP API.
type VehicleState struct {
	ID         string                  `json:"id"`
	BoardNum   string                  `json:"board_num"`
	Route      string                  `json:"route"`
	RouteID    *int                    `json:"route_id,omitempty"`
	Lat        float64                 `json:"lat"`
	Lon        float64                 `json:"lon"`
	SpeedKmh   float64                 `json:"speed"`
	CourseDeg  *float64                `json:"course,omitempty"`
	PrevStop   *stopdetect.StopOnRoute `json:"prev_stop,omitempty"`
	NextStops  []NextStop              `json:"next_stops,omitempty"`
	Progress   *float64                `json:"progress,omitempty"`
	SignalLost bool                    `json:"signal_lost"`
	Timestamp  time.Time               `json:"timestamp"`
}

// carryState is the per-vehicle memory kept across poll cycles: everything
// needed to interpret the next tick's fix without re-deriving it from
// scratch.
type carryState struct {
	progress        *float64
	speed           float64
	direction       int
	routeID         *int
	recentPositions []recentFix
	lastSeen        time.Time
	lastPassedStop  *lastPassage
}

type recentFix struct {
	lat, lon float64
	at       time.Time
}

type lastPassage struct {
	stopID  int
	routeID int
	at      time.Time
}

// ProjectionEventKind names a diagnostic event kind recorded by the
// snap-acceptance pipeline in §4.5 step f/g.
type ProjectionEventKind string

const (
	EventOutOfSection    ProjectionEventKind = "out_of_section"
	EventBackwardProject ProjectionEventKind = "backward_projection"
	EventSnapRejectedErr ProjectionEventKind = "snap_rejected_error"
	EventSnapRejectedFar ProjectionEventKind = "snap_rejected_far"
)

// ProjectionEvent is a bounded diagnostic record of a snap-pipeline anomaly.
type ProjectionEvent struct {
	Timestamp time.Time
	Kind      ProjectionEventKind
	DevID     string
	RouteID   int
}

// EtaTuning returns the tracker's configured ETA estimator thresholds, for
// callers outside the poll pipeline (the per-stop arrivals endpoint) that
// need to run the same estimator with the same configuration.
func (t *Tracker) EtaTuning() eta.Tuning {
	return eta.Tuning{MinSpeedKmh: t.tuning.MinEtaSpeedKmh, MaxEtaSeconds: t.tuning.MaxEtaSeconds}
}

// etaForStops runs the §4.4 estimator over nextStops and zips the results
// back onto NextStop entries.
func (t *Tracker) etaForStops(lat, lon, speedKmh float64, nextStops []stopdetect.StopOnRoute) []NextStop {
	estimates := eta.EstimateWithTuning(lat, lon, speedKmh, nextStops, t.EtaTuning())
	out := make([]NextStop, len(estimates))
	for i, e := range estimates {
		out[i] = NextStop{Stop: e.Stop, EtaSeconds: e.Seconds}
	}
	return out
}
