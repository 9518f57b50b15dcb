package monitor

import (
	"testing"
	"time"

	"github.com/empsgit/tram-monitor-ekb/business/stopdetect"
)

func TestMovementFrom_LargeDisplacementUsesBearing(t *testing.T) {
	positions := []recentFix{
		{lat: 56.84, lon: 60.60, at: time.Now()},
		{lat: 56.841, lon: 60.60, at: time.Now()},
	}
	displacement, bearing := movementFrom(positions, 0, 0)
	if displacement < 30 {
		t.Fatalf("expected displacement over 30m, got %f", displacement)
	}
	if bearing == nil {
		t.Fatal("expected a derived bearing")
	}
}

func TestMovementFrom_SmallDisplacementFallsBackToCourse(t *testing.T) {
	positions := []recentFix{
		{lat: 56.840000, lon: 60.600000, at: time.Now()},
		{lat: 56.840001, lon: 60.600001, at: time.Now()},
	}
	_, bearing := movementFrom(positions, 20, 270)
	if bearing == nil || *bearing != 270 {
		t.Fatalf("expected fallback to upstream course 270, got %v", bearing)
	}
}

func TestMovementFrom_SlowAndStationaryLeavesUndefined(t *testing.T) {
	positions := []recentFix{
		{lat: 56.84, lon: 60.60, at: time.Now()},
		{lat: 56.840000, lon: 60.600000, at: time.Now()},
	}
	_, bearing := movementFrom(positions, 2, 90)
	if bearing != nil {
		t.Fatalf("expected undefined bearing, got %v", *bearing)
	}
}

func TestMovementFrom_FewerThanTwoPositions(t *testing.T) {
	displacement, bearing := movementFrom([]recentFix{{lat: 1, lon: 1}}, 0, 0)
	if displacement != 0 || bearing != nil {
		t.Fatal("expected zero displacement and nil bearing with fewer than two positions")
	}
}

func TestDayType_ClassifiesWeekendsAndWeekdays(t *testing.T) {
	saturday := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	sunday := time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC)
	monday := time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC)

	if got := dayType(saturday); got != "saturday" {
		t.Fatalf("expected saturday, got %s", got)
	}
	if got := dayType(sunday); got != "sunday" {
		t.Fatalf("expected sunday, got %s", got)
	}
	if got := dayType(monday); got != "weekday" {
		t.Fatalf("expected weekday, got %s", got)
	}
}

func newTestTracker() *Tracker {
	return &Tracker{
		states:          make(map[string]*VehicleState),
		carry:           make(map[string]*carryState),
		upcomingStops:   make(map[string][]stopdetect.StopOnRoute),
		routesByNumber:  make(map[string]int),
		routeNumberByID: make(map[int]string),
		tuning:          DefaultTuning,
	}
}

func TestApplyGhosts_MarksSignalLostWithinTTL(t *testing.T) {
	tr := newTestTracker()
	now := time.Now().UTC()
	tr.carry["veh-1"] = &carryState{lastSeen: now.Add(-30 * time.Second)}
	tr.states["veh-1"] = &VehicleState{ID: "veh-1", SpeedKmh: 20}

	tr.applyGhosts(map[string]bool{}, now)

	state := tr.states["veh-1"]
	if state == nil {
		t.Fatal("expected vehicle to still be tracked within ghost TTL")
	}
	if !state.SignalLost || state.SpeedKmh != 0 {
		t.Fatalf("expected signal_lost=true and speed=0, got %+v", state)
	}
}

func TestApplyGhosts_PurgesPastTTL(t *testing.T) {
	tr := newTestTracker()
	now := time.Now().UTC()
	tr.carry["veh-1"] = &carryState{lastSeen: now.Add(-200 * time.Second)}
	tr.states["veh-1"] = &VehicleState{ID: "veh-1"}
	tr.upcomingStops["veh-1"] = []stopdetect.StopOnRoute{{StopID: 1}}

	tr.applyGhosts(map[string]bool{}, now)

	if _, ok := tr.carry["veh-1"]; ok {
		t.Fatal("expected carry state purged past ghost TTL")
	}
	if _, ok := tr.states["veh-1"]; ok {
		t.Fatal("expected vehicle state purged past ghost TTL")
	}
	if _, ok := tr.upcomingStops["veh-1"]; ok {
		t.Fatal("expected upcoming stops purged past ghost TTL")
	}
}

func TestApplyGhosts_SeenVehicleUntouched(t *testing.T) {
	tr := newTestTracker()
	now := time.Now().UTC()
	tr.carry["veh-1"] = &carryState{lastSeen: now}
	tr.states["veh-1"] = &VehicleState{ID: "veh-1", SpeedKmh: 15}

	tr.applyGhosts(map[string]bool{"veh-1": true}, now)

	if tr.states["veh-1"].SignalLost {
		t.Fatal("expected a vehicle present in this cycle to not be marked signal_lost")
	}
}

func TestRecordTravelObservation_SkipsNightHours(t *testing.T) {
	tr := newTestTracker()
	cs := &carryState{}
	// UTC 22:00 -> local (UTC+5) 03:00, inside the night gap.
	now := time.Date(2026, 8, 3, 22, 0, 0, 0, time.UTC)
	cs.lastPassedStop = &lastPassage{stopID: 1, routeID: 5, at: now.Add(-60 * time.Second)}

	tr.recordTravelObservation("veh-1", 5, stopdetect.StopOnRoute{StopID: 2}, now, cs)

	if len(tr.observations) != 0 {
		t.Fatalf("expected no observation recorded during night hours, got %d", len(tr.observations))
	}
}

func TestRecordTravelObservation_RecordsPlausibleElapsed(t *testing.T) {
	tr := newTestTracker()
	cs := &carryState{}
	// UTC 10:00 -> local 15:00, well within service hours.
	earlier := time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC)
	now := earlier.Add(45 * time.Second)
	cs.lastPassedStop = &lastPassage{stopID: 1, routeID: 5, at: earlier}

	tr.recordTravelObservation("veh-1", 5, stopdetect.StopOnRoute{StopID: 2}, now, cs)

	if len(tr.observations) != 1 {
		t.Fatalf("expected one recorded observation, got %d", len(tr.observations))
	}
	obs := tr.observations[0]
	if obs.FromStopID != 1 || obs.ToStopID != 2 || obs.Seconds != 45 {
		t.Fatalf("unexpected observation: %+v", obs)
	}
}

func TestRecordTravelObservation_RejectsImplausibleElapsed(t *testing.T) {
	tr := newTestTracker()
	cs := &carryState{}
	earlier := time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC)
	now := earlier.Add(5 * time.Second)
	cs.lastPassedStop = &lastPassage{stopID: 1, routeID: 5, at: earlier}

	tr.recordTravelObservation("veh-1", 5, stopdetect.StopOnRoute{StopID: 2}, now, cs)

	if len(tr.observations) != 0 {
		t.Fatalf("expected elapsed<=10s to be rejected, got %d observations", len(tr.observations))
	}
}

// TestRecordTravelObservation_RepeatedPollsAtSameStopPreserveOriginalTimestamp
// simulates continuous polling at a 10s cadence while the vehicle sits in the
// same section: several calls with prevStop unchanged must not reset
// lastPassedStop.at, otherwise the eventual transition would measure only one
// poll interval instead of the true dwell time.
func TestRecordTravelObservation_RepeatedPollsAtSameStopPreserveOriginalTimestamp(t *testing.T) {
	tr := newTestTracker()
	cs := &carryState{}
	start := time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC)
	cs.lastPassedStop = &lastPassage{stopID: 1, routeID: 5, at: start}

	for i := 1; i <= 6; i++ {
		now := start.Add(time.Duration(i*10) * time.Second)
		tr.recordTravelObservation("veh-1", 5, stopdetect.StopOnRoute{StopID: 1}, now, cs)
	}
	if len(tr.observations) != 0 {
		t.Fatalf("expected no observation while prevStop is unchanged, got %d", len(tr.observations))
	}
	if cs.lastPassedStop.at != start {
		t.Fatalf("expected lastPassedStop.at to remain the original passage time, got %v", cs.lastPassedStop.at)
	}

	transition := start.Add(75 * time.Second)
	tr.recordTravelObservation("veh-1", 5, stopdetect.StopOnRoute{StopID: 2}, transition, cs)

	if len(tr.observations) != 1 {
		t.Fatalf("expected one recorded observation on transition, got %d", len(tr.observations))
	}
	obs := tr.observations[0]
	if obs.FromStopID != 1 || obs.ToStopID != 2 || obs.Seconds != 75 {
		t.Fatalf("unexpected observation: %+v (expected ~75s dwell, not a single poll interval)", obs)
	}
}

func TestRecordEvent_RingBufferDropsOldest(t *testing.T) {
	tr := newTestTracker()
	tr.events = make([]ProjectionEvent, 0, ProjectionEventRingCap)
	for i := 0; i < ProjectionEventRingCap+10; i++ {
		tr.recordEvent(EventSnapRejectedFar, "veh-1", 1, time.Now())
	}
	if len(tr.events) != ProjectionEventRingCap {
		t.Fatalf("expected ring buffer capped at %d, got %d", ProjectionEventRingCap, len(tr.events))
	}
}

func TestClampFloat(t *testing.T) {
	if got := clampFloat(1.5, 0, 1); got != 1 {
		t.Fatalf("expected clamp to upper bound 1, got %f", got)
	}
	if got := clampFloat(-0.5, 0, 1); got != 0 {
		t.Fatalf("expected clamp to lower bound 0, got %f", got)
	}
	if got := clampFloat(0.5, 0, 1); got != 0.5 {
		t.Fatalf("expected unclamped value preserved, got %f", got)
	}
}
