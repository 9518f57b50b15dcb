package monitor

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/empsgit/tram-monitor-ekb/business/broadcast"
	"github.com/empsgit/tram-monitor-ekb/business/data/tram"
	"github.com/empsgit/tram-monitor-ekb/business/eta"
	"github.com/empsgit/tram-monitor-ekb/business/geo"
	"github.com/empsgit/tram-monitor-ekb/business/geometry"
	"github.com/empsgit/tram-monitor-ekb/business/routematch"
	"github.com/empsgit/tram-monitor-ekb/business/stopdetect"
	"github.com/empsgit/tram-monitor-ekb/business/upstream"
	"github.com/jmoiron/sqlx"
)

// Tuning holds the orchestrator-level thresholds exposed through
// configuration. The route matcher's and stop detector's own heuristics are
// configured separately, via routematch.NewStoreWithMaxSnapDistance and the
// stopdetect.Tuning passed to stopdetect.NewStoreWithTuning; MinEtaSpeedKmh/MaxEtaSeconds here are
// threaded into eta.Tuning by EtaTuning.
type Tuning struct {
	MaxApplySnapDistanceM   float64
	MaxFinalSnapErrorM      float64
	SectionBoundProjectionM float64
	GhostTTL                time.Duration
	MinEtaSpeedKmh          float64
	MaxEtaSeconds           int
}

// DefaultTuning matches spec.md's documented defaults.
var DefaultTuning = Tuning{
	MaxApplySnapDistanceM:   60,
	MaxFinalSnapErrorM:      80,
	SectionBoundProjectionM: 120,
	GhostTTL:                GhostTTL,
	MinEtaSpeedKmh:          eta.DefaultTuning.MinSpeedKmh,
	MaxEtaSeconds:           eta.DefaultTuning.MaxEtaSeconds,
}

// Tracker owns the in-memory per-vehicle pipeline and all the stores it
// reads from: the upstream feed, geometry provider, route matcher, stop
// detector, persistence, and broadcaster. One Tracker runs for the lifetime
// of the process; refreshCatalog and runPollCycle are its two entry points,
// invoked by the scheduler in loop.go.
type Tracker struct {
	log          *log.Logger
	db           *sqlx.DB
	upstream     *upstream.Client
	geometry     *geometry.Provider
	routeMatcher *routematch.Store
	stopDetector *stopdetect.Store
	broadcaster  *broadcast.Broadcaster
	tuning       Tuning

	mu              sync.RWMutex
	states          map[string]*VehicleState
	carry           map[string]*carryState
	upcomingStops   map[string][]stopdetect.StopOnRoute
	routesByNumber  map[string]int
	routeNumberByID map[int]string

	eventsMu sync.Mutex
	events   []ProjectionEvent

	obsMu        sync.Mutex
	observations []tram.TravelObservation
}

// NewTracker wires a Tracker from its component stores.
func NewTracker(
	log *log.Logger,
	db *sqlx.DB,
	upstreamClient *upstream.Client,
	geometryProvider *geometry.Provider,
	routeMatcher *routematch.Store,
	stopDetector *stopdetect.Store,
	broadcaster *broadcast.Broadcaster,
	tuning Tuning,
) *Tracker {
	return &Tracker{
		log:             log,
		db:              db,
		upstream:        upstreamClient,
		geometry:        geometryProvider,
		routeMatcher:    routeMatcher,
		stopDetector:    stopDetector,
		broadcaster:     broadcaster,
		tuning:          tuning,
		states:          make(map[string]*VehicleState),
		carry:           make(map[string]*carryState),
		upcomingStops:   make(map[string][]stopdetect.StopOnRoute),
		routesByNumber:  make(map[string]int),
		routeNumberByID: make(map[int]string),
	}
}

// runPollCycle implements spec.md §4.5: fetch, process every vehicle, handle
// ghosts, publish, then persist.
func (t *Tracker) runPollCycle(ctx context.Context) error {
	rawVehicles, err := t.upstream.FetchVehicles(ctx)
	if err != nil {
		t.log.Printf("monitor: fetch vehicles failed, skipping cycle: %v", err)
		return err
	}

	now := time.Now().UTC()
	seen := make(map[string]bool, len(rawVehicles))
	var positions []tram.VehiclePosition

	for _, rv := range rawVehicles {
		seen[rv.DevID] = true
		state, pos := t.processVehicle(rv, now)
		t.mu.Lock()
		t.states[rv.DevID] = state
		t.mu.Unlock()
		if pos != nil {
			positions = append(positions, *pos)
		}
	}

	t.applyGhosts(seen, now)

	snapshot, err := t.snapshotJSON()
	if err != nil {
		t.log.Printf("monitor: marshal snapshot failed: %v", err)
	} else if err := t.broadcaster.Publish(snapshot); err != nil {
		t.log.Printf("monitor: publish snapshot failed: %v", err)
	}

	if errs := tram.InsertVehiclePositions(t.db, positions); len(errs) > 0 {
		for _, e := range errs {
			t.log.Printf("monitor: insert position failed: %v", e)
		}
	}

	t.flushObservations()
	return nil
}

// processVehicle runs one raw fix through §4.5 step 2: route resolution,
// stop detection, route matching, snap acceptance, and carry-state update.
// Returns the published VehicleState and, when the vehicle is known to
// route, the position row to append.
func (t *Tracker) processVehicle(rv upstream.RawVehicle, now time.Time) (*VehicleState, *tram.VehiclePosition) {
	state := &VehicleState{
		ID:        rv.DevID,
		BoardNum:  rv.BoardNum,
		Route:     rv.RouteNum,
		Lat:       rv.Lat,
		Lon:       rv.Lon,
		SpeedKmh:  rv.SpeedKmh,
		Timestamp: now,
	}
	if rv.CourseDeg != 0 {
		course := rv.CourseDeg
		state.CourseDeg = &course
	}

	t.mu.RLock()
	routeID, knownRoute := t.routesByNumber[rv.RouteNum]
	t.mu.RUnlock()
	if !knownRoute {
		return state, nil
	}
	state.RouteID = &routeID

	cs := t.carryStateFor(rv.DevID, routeID, now)
	cs.recentPositions = append(cs.recentPositions, recentFix{lat: rv.Lat, lon: rv.Lon, at: now})
	if len(cs.recentPositions) > RecentPositionsCap {
		cs.recentPositions = cs.recentPositions[len(cs.recentPositions)-RecentPositionsCap:]
	}

	displacementM, movementBearing := movementFrom(cs.recentPositions, rv.SpeedKmh, rv.CourseDeg)

	var preferredDirection *int
	if cs.routeID != nil && *cs.routeID == routeID {
		d := cs.direction
		preferredDirection = &d
	}

	detection := t.stopDetector.Detect(routeID, rv.Lat, rv.Lon, movementBearing, 50, preferredDirection)
	if detection.Found {
		t.mu.Lock()
		t.upcomingStops[rv.DevID] = detection.NextStops
		t.mu.Unlock()

		prevStop := detection.PrevStop
		state.PrevStop = &prevStop
		nextLimit := detection.NextStops
		if len(nextLimit) > 5 {
			nextLimit = nextLimit[:5]
		}
		state.NextStops = t.etaForStops(rv.Lat, rv.Lon, rv.SpeedKmh, nextLimit)

		t.recordTravelObservation(rv.DevID, routeID, prevStop, now, cs)
	}

	match, matched := t.routeMatcher.Match(routeID, rv.Lat, rv.Lon, movementBearing)
	if matched && match.DistanceM <= t.tuning.MaxApplySnapDistanceM {
		t.applySnap(state, routeID, match, detection, displacementM, rv.SpeedKmh, cs)
	} else {
		state.Progress = nil
		t.recordEvent(EventSnapRejectedFar, rv.DevID, routeID, now)
	}

	cs.speed = rv.SpeedKmh
	cs.direction = match.Direction
	cs.routeID = &routeID
	cs.lastSeen = now

	var course *float64
	if state.CourseDeg != nil {
		c := *state.CourseDeg
		course = &c
	}
	pos := &tram.VehiclePosition{
		VehicleID: rv.DevID,
		RouteID:   int64Ptr(routeID),
		Lat:       rv.Lat,
		Lon:       rv.Lon,
		Speed:     rv.SpeedKmh,
		Course:    course,
		Progress:  state.Progress,
		Timestamp: now,
	}
	return state, pos
}

// applySnap implements §4.5 step f: section-bound clamping, monotonic
// forward enforcement, and the final haversine snap-error check.
func (t *Tracker) applySnap(state *VehicleState, routeID int, match routematch.Match, detection stopdetect.DetectionResult, displacementM, speedKmh float64, cs *carryState) {
	rawProgress := match.Progress

	if detection.Found && len(detection.NextStops) > 0 {
		if lo, hi, ok := t.sectionBounds(routeID, match.Direction, detection.PrevStop, detection.NextStops[0]); ok {
			const slack = 0.01
			if rawProgress < lo-slack || rawProgress > hi+slack {
				rawProgress = clampFloat(rawProgress, lo, hi)
				t.recordEvent(EventOutOfSection, state.ID, routeID, state.Timestamp)
			}
		}
	}

	if cs.progress != nil && (displacementM > 20 || speedKmh > 5) {
		prev := *cs.progress
		const epsilon = 0.001
		if match.Direction == 0 && rawProgress < prev-epsilon {
			rawProgress = prev
			t.recordEvent(EventBackwardProject, state.ID, routeID, state.Timestamp)
		} else if match.Direction == 1 && rawProgress > prev+epsilon {
			rawProgress = prev
			t.recordEvent(EventBackwardProject, state.ID, routeID, state.Timestamp)
		}
	}

	candidate, ok := t.routeMatcher.Interpolate(routeID, rawProgress)
	if !ok {
		state.Progress = nil
		return
	}
	snapErrorM := geo.HaversineDistanceM(state.Lat, state.Lon, candidate.Lat, candidate.Lon)
	if snapErrorM > t.tuning.MaxFinalSnapErrorM {
		state.Progress = nil
		t.recordEvent(EventSnapRejectedErr, state.ID, routeID, state.Timestamp)
		return
	}

	progress := rawProgress
	state.Progress = &progress
	state.Lat = candidate.Lat
	state.Lon = candidate.Lon
	cs.progress = &progress
}

// sectionBounds returns the [min,max] progress interval between prevStop and
// nextStop, provided both project onto the polyline within
// SectionBoundProjectionM.
func (t *Tracker) sectionBounds(routeID, direction int, prevStop, nextStop stopdetect.StopOnRoute) (float64, float64, bool) {
	prevMatch, ok1 := t.routeMatcher.Match(routeID, prevStop.Lat, prevStop.Lon, nil)
	nextMatch, ok2 := t.routeMatcher.Match(routeID, nextStop.Lat, nextStop.Lon, nil)
	if !ok1 || !ok2 || prevMatch.DistanceM > t.tuning.SectionBoundProjectionM || nextMatch.DistanceM > t.tuning.SectionBoundProjectionM {
		return 0, 0, false
	}
	lo, hi := prevMatch.Progress, nextMatch.Progress
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi, true
}

// carryStateFor returns the vehicle's carry state, creating it on first
// sighting.
func (t *Tracker) carryStateFor(devID string, routeID int, now time.Time) *carryState {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, ok := t.carry[devID]
	if !ok {
		cs = &carryState{lastSeen: now}
		t.carry[devID] = cs
	}
	return cs
}

// recordTravelObservation implements §4.5 step 4: when the detected
// prev_stop changes for a vehicle still on the same route, record an
// elapsed-time sample if it falls in the plausible 10-1800s window and the
// hour isn't in the night-service gap.
func (t *Tracker) recordTravelObservation(devID string, routeID int, prevStop stopdetect.StopOnRoute, now time.Time, cs *carryState) {
	prior := cs.lastPassedStop
	if prior == nil || prior.routeID != routeID || prior.stopID != prevStop.StopID {
		cs.lastPassedStop = &lastPassage{stopID: prevStop.StopID, routeID: routeID, at: now}
	}

	if prior == nil || prior.routeID != routeID || prior.stopID == prevStop.StopID {
		return
	}

	elapsed := now.Sub(prior.at).Seconds()
	if elapsed <= 10 || elapsed >= 1800 {
		return
	}

	localTime := now.Add(5 * time.Hour)
	localHour := localTime.Hour()
	if localHour >= 0 && localHour < 5 {
		return
	}

	t.obsMu.Lock()
	t.observations = append(t.observations, tram.TravelObservation{
		RouteID:    int64(routeID),
		FromStopID: int64(prior.stopID),
		ToStopID:   int64(prevStop.StopID),
		DayType:    dayType(localTime),
		Hour:       localHour,
		Seconds:    elapsed,
	})
	t.obsMu.Unlock()
}

// flushObservations swap-and-flushes the pending travel-time batch, the
// atomicity the concurrency model requires: take the list, reset to empty,
// write the taken batch.
func (t *Tracker) flushObservations() {
	t.obsMu.Lock()
	batch := t.observations
	t.observations = nil
	t.obsMu.Unlock()

	if len(batch) == 0 {
		return
	}
	if errs := tram.FlushTravelObservations(t.db, batch); len(errs) > 0 {
		for _, e := range errs {
			t.log.Printf("monitor: flush travel observation failed: %v", e)
		}
	}
}

// applyGhosts implements §4.5 step 3: vehicles absent from the current
// response are retained with signal_lost=true until GhostTTL elapses, then
// purged from every per-vehicle map.
func (t *Tracker) applyGhosts(seen map[string]bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for devID, cs := range t.carry {
		if seen[devID] {
			continue
		}
		if now.Sub(cs.lastSeen) > t.tuning.GhostTTL {
			delete(t.carry, devID)
			delete(t.states, devID)
			delete(t.upcomingStops, devID)
			continue
		}
		if state, ok := t.states[devID]; ok {
			state.SignalLost = true
			state.SpeedKmh = 0
			state.Timestamp = now
		}
	}

	// Vehicles on an unknown route carry no carryState; their state's
	// Timestamp still holds the time they were last seen.
	for devID, state := range t.states {
		if _, hasCarry := t.carry[devID]; seen[devID] || hasCarry {
			continue
		}
		if now.Sub(state.Timestamp) > t.tuning.GhostTTL {
			delete(t.states, devID)
			delete(t.upcomingStops, devID)
			continue
		}
		state.SignalLost = true
		state.SpeedKmh = 0
	}
}

// recordEvent appends to the bounded diagnostic ring, overwriting the
// oldest entry once full.
func (t *Tracker) recordEvent(kind ProjectionEventKind, devID string, routeID int, ts time.Time) {
	t.eventsMu.Lock()
	defer t.eventsMu.Unlock()
	event := ProjectionEvent{Timestamp: ts, Kind: kind, DevID: devID, RouteID: routeID}
	if len(t.events) < ProjectionEventRingCap {
		t.events = append(t.events, event)
	} else {
		t.events = append(t.events[1:], event)
	}
}

// RecentEvents returns a copy of the current diagnostic ring, oldest first.
func (t *Tracker) RecentEvents() []ProjectionEvent {
	t.eventsMu.Lock()
	defer t.eventsMu.Unlock()
	out := make([]ProjectionEvent, len(t.events))
	copy(out, t.events)
	return out
}

// RouteDiagnostic is one route's resolution summary for the diagnostics
// endpoint: how many currently-tracked vehicles resolved to this route and
// snapped vs. didn't, alongside its direction-0 stop table with cumulative
// distances from the stop detector.
type RouteDiagnostic struct {
	RouteID        int
	RouteNumber    string
	MatchedCount   int
	UnmatchedCount int
	Stops          []stopdetect.StopOnRoute
}

// RouteDiagnostics returns one RouteDiagnostic per known route, sorted by
// route id, for the diagnostics endpoint's per-route resolution counts and
// detector stop tables.
func (t *Tracker) RouteDiagnostics() []RouteDiagnostic {
	t.mu.RLock()
	numberByID := make(map[int]string, len(t.routeNumberByID))
	for id, num := range t.routeNumberByID {
		numberByID[id] = num
	}
	states := make([]*VehicleState, 0, len(t.states))
	for _, s := range t.states {
		states = append(states, s)
	}
	t.mu.RUnlock()

	routeIDs := make([]int, 0, len(numberByID))
	for id := range numberByID {
		routeIDs = append(routeIDs, id)
	}
	sort.Ints(routeIDs)

	diags := make([]RouteDiagnostic, len(routeIDs))
	byID := make(map[int]*RouteDiagnostic, len(routeIDs))
	for i, id := range routeIDs {
		diags[i] = RouteDiagnostic{RouteID: id, RouteNumber: numberByID[id]}
		if stops, ok := t.stopDetector.StopsForDirection(id, 0); ok {
			diags[i].Stops = stops
		}
		byID[id] = &diags[i]
	}

	for _, s := range states {
		if s.RouteID == nil {
			continue
		}
		d, ok := byID[*s.RouteID]
		if !ok {
			continue
		}
		if s.Progress != nil {
			d.MatchedCount++
		} else {
			d.UnmatchedCount++
		}
	}
	return diags
}

// Snapshot returns a defensive copy of every currently-tracked vehicle
// state (live and ghost), used by both the broadcaster and the HTTP API.
func (t *Tracker) Snapshot(routeFilter string) []VehicleState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]VehicleState, 0, len(t.states))
	for _, s := range t.states {
		if routeFilter != "" && s.Route != routeFilter {
			continue
		}
		out = append(out, *s)
	}
	return out
}

// UpcomingStopsFor returns the full retained upcoming-stop list for a
// vehicle, used by the per-stop arrivals endpoint.
func (t *Tracker) UpcomingStopsFor(devID string) ([]stopdetect.StopOnRoute, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	stops, ok := t.upcomingStops[devID]
	return stops, ok
}

// AllTrackedVehicleIDs returns every vehicle id currently carrying state,
// for the arrivals endpoint to scan.
func (t *Tracker) AllTrackedVehicleIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.states))
	for id := range t.states {
		ids = append(ids, id)
	}
	return ids
}

// VehicleByID returns the current state for one vehicle.
func (t *Tracker) VehicleByID(devID string) (VehicleState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[devID]
	if !ok {
		return VehicleState{}, false
	}
	return *s, true
}

func (t *Tracker) snapshotJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     string         `json:"type"`
		Vehicles []VehicleState `json:"vehicles"`
	}{Type: "snapshot", Vehicles: t.Snapshot("")})
}

// movementFrom derives the §4.5 step b movement bearing from the
// recent-positions ring: a real displacement wins when it exceeds 30m,
// otherwise a fast upstream course substitutes, otherwise direction
// inference is left undefined for this tick.
func movementFrom(positions []recentFix, speedKmh, courseDeg float64) (float64, *float64) {
	if len(positions) < 2 {
		return 0, nil
	}
	oldest, newest := positions[0], positions[len(positions)-1]
	displacementM := geo.FlatDistanceM(oldest.lat, oldest.lon, newest.lat, newest.lon)

	if displacementM > 30 {
		bearing := geo.BearingDeg(oldest.lat, oldest.lon, newest.lat, newest.lon)
		return displacementM, &bearing
	}
	if speedKmh > 5 {
		c := courseDeg
		return displacementM, &c
	}
	return displacementM, nil
}

func dayType(t time.Time) string {
	switch t.Weekday() {
	case time.Saturday:
		return "saturday"
	case time.Sunday:
		return "sunday"
	default:
		return "weekday"
	}
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func int64Ptr(i int) *int64 {
	v := int64(i)
	return &v
}
