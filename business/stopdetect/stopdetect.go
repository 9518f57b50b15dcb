// Package stopdetect locates a vehicle's position in the ordered stop
// sequence of a route, disambiguating direction and the "section" (the
// interval between two consecutive stops) the vehicle currently occupies.
// Grounded on the Python stop_detector.py, which spec.md designates the
// most-evolved variant of this module (GPS+stop-order keyed, not linear
// reference), generalized into Go's explicit-struct/explicit-error idiom.
package stopdetect

import (
	"sort"
	"sync"

	"github.com/empsgit/tram-monitor-ekb/business/geo"
)

// Tuning holds the detector's scoring/probe heuristics, configurable per
// store so they can be threaded through from application configuration
// instead of pinned as package constants.
type Tuning struct {
	// CoursePenalty is added to a direction's score when the vehicle's
	// course opposes the local bearing of the route at the candidate stop,
	// equivalent to roughly 707m of extra nearest-stop distance at the
	// default value.
	CoursePenalty float64
	// StickinessPenalty is added to a direction's score when it differs
	// from the caller-supplied preferred direction, equivalent to roughly
	// 447m at the default value.
	StickinessPenalty float64
	// MinProbeM is the floor on probe distance used by the equal-probe test.
	MinProbeM float64
	// ProbeFraction scales the smaller neighbor distance to derive the
	// probe distance, subject to the MinProbeM floor.
	ProbeFraction float64
	// ProbeEqualityEpsilonM is the tolerance within which the two probe
	// distances are considered equal, meaning the vehicle is "at" the stop.
	ProbeEqualityEpsilonM float64
}

// DefaultTuning matches spec.md's documented defaults.
var DefaultTuning = Tuning{
	CoursePenalty:         500_000.0,
	StickinessPenalty:     200_000.0,
	MinProbeM:             5.0,
	ProbeFraction:         0.35,
	ProbeEqualityEpsilonM: 5.0,
}

// StopOnRoute is one stop in a route's per-direction ordered sequence.
type StopOnRoute struct {
	StopID              int
	Name                string
	Lat, Lon            float64
	Order               int
	Direction           int
	CumulativeDistanceM float64
}

// DetectionResult is the outcome of a detect call.
type DetectionResult struct {
	Found     bool
	PrevStop  StopOnRoute
	NextStops []StopOnRoute
	Direction int
}

type routeStops struct {
	byDirection map[int][]StopOnRoute // sorted by Order, CumulativeDistanceM precomputed
}

// Store holds per-route stop sequences for every loaded route, safe for
// concurrent reads from the HTTP diagnostics surface while the poll loop
// refreshes the catalog.
type Store struct {
	mu     sync.RWMutex
	routes map[int]*routeStops
	tuning Tuning
}

// NewStore returns an empty stop detector store using DefaultTuning.
func NewStore() *Store {
	return NewStoreWithTuning(DefaultTuning)
}

// NewStoreWithTuning returns an empty stop detector store using the given
// scoring/probe heuristics.
func NewStoreWithTuning(tuning Tuning) *Store {
	return &Store{routes: make(map[int]*routeStops), tuning: tuning}
}

// Load replaces the stop sequence for routeID. stops need not be presorted;
// Load sorts by (direction, order) and computes cumulative_distance_m as the
// running flat-earth distance from each direction's first stop.
func (s *Store) Load(routeID int, stops []StopOnRoute) {
	byDirection := make(map[int][]StopOnRoute)
	for _, st := range stops {
		byDirection[st.Direction] = append(byDirection[st.Direction], st)
	}
	for dir, list := range byDirection {
		sort.Slice(list, func(i, j int) bool { return list[i].Order < list[j].Order })
		cum := 0.0
		for i := range list {
			if i == 0 {
				list[i].CumulativeDistanceM = 0
			} else {
				cum += geo.FlatDistanceM(list[i-1].Lat, list[i-1].Lon, list[i].Lat, list[i].Lon)
				list[i].CumulativeDistanceM = cum
			}
		}
		byDirection[dir] = list
	}

	s.mu.Lock()
	s.routes[routeID] = &routeStops{byDirection: byDirection}
	s.mu.Unlock()
}

// StopsForDirection returns the sorted stop sequence for routeID/direction,
// used by the tracker's per-route diagnostics stop table.
func (s *Store) StopsForDirection(routeID, direction int) ([]StopOnRoute, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.routes[routeID]
	if !ok {
		return nil, false
	}
	list, ok := rs.byDirection[direction]
	return list, ok
}

// Detect finds the vehicle's prev/next stops and winning direction across
// every direction with loaded stops, per spec.md §4.3's scoring function.
// course and preferredDirection are optional; pass nil to omit either
// penalty. Directions are scored in ascending order, so a tie goes to the
// lower direction.
func (s *Store) Detect(routeID int, lat, lon float64, course *float64, maxNext int, preferredDirection *int) DetectionResult {
	s.mu.RLock()
	rs, ok := s.routes[routeID]
	tuning := s.tuning
	s.mu.RUnlock()
	if !ok {
		return DetectionResult{}
	}

	bestScore := -1.0
	var best DetectionResult

	dirs := make([]int, 0, len(rs.byDirection))
	for dir := range rs.byDirection {
		dirs = append(dirs, dir)
	}
	sort.Ints(dirs)

	for _, dir := range dirs {
		stops := rs.byDirection[dir]
		if len(stops) == 0 {
			continue
		}
		result, score := scoreDirection(stops, dir, lat, lon, course, preferredDirection, maxNext, tuning)
		if bestScore < 0 || score < bestScore {
			bestScore = score
			best = result
		}
	}

	return best
}

// DetectInDirection scores only the given direction, with no course or
// stickiness penalties — used for diagnostics and direction-pinned queries.
func (s *Store) DetectInDirection(routeID, direction int, lat, lon float64, maxNext int) DetectionResult {
	s.mu.RLock()
	rs, ok := s.routes[routeID]
	tuning := s.tuning
	s.mu.RUnlock()
	if !ok {
		return DetectionResult{}
	}
	stops, ok := rs.byDirection[direction]
	if !ok || len(stops) == 0 {
		return DetectionResult{}
	}
	result, _ := scoreDirection(stops, direction, lat, lon, nil, nil, maxNext, tuning)
	return result
}

func scoreDirection(stops []StopOnRoute, direction int, lat, lon float64, course *float64, preferredDirection *int, maxNext int, tuning Tuning) (DetectionResult, float64) {
	c, nearestDistM := nearestStopIndex(stops, lat, lon)
	score := nearestDistM * nearestDistM

	if course != nil {
		bearingFrom := stops[minInt(c, len(stops)-2)]
		bearingTo := stops[minInt(c, len(stops)-2)+1]
		bearing := geo.BearingDeg(bearingFrom.Lat, bearingFrom.Lon, bearingTo.Lat, bearingTo.Lon)
		if geo.AngleDiffDeg(bearing, *course) > 90 {
			score += tuning.CoursePenalty
		}
	}

	if preferredDirection != nil && *preferredDirection != direction {
		score += tuning.StickinessPenalty
	}

	p := sectionIndex(stops, c, lat, lon, tuning)

	upper := p + 1 + maxNext
	if upper > len(stops) {
		upper = len(stops)
	}
	var nextStops []StopOnRoute
	if p+1 < upper {
		nextStops = append(nextStops, stops[p+1:upper]...)
	}

	result := DetectionResult{
		Found:     true,
		PrevStop:  stops[p],
		NextStops: nextStops,
		Direction: direction,
	}
	return result, score
}

// nearestStopIndex returns the index of, and straight-line distance to, the
// stop nearest (lat,lon).
func nearestStopIndex(stops []StopOnRoute, lat, lon float64) (int, float64) {
	best := 0
	bestDist := geo.FlatDistanceM(lat, lon, stops[0].Lat, stops[0].Lon)
	for i := 1; i < len(stops); i++ {
		d := geo.FlatDistanceM(lat, lon, stops[i].Lat, stops[i].Lon)
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best, bestDist
}

// sectionIndex implements the equal-probe test disambiguating whether the
// vehicle is before, at, or after the nearest stop c.
func sectionIndex(stops []StopOnRoute, c int, lat, lon float64, tuning Tuning) int {
	n := len(stops)
	if c == 0 {
		return 0
	}
	if c == n-1 {
		return n - 2
	}

	prev := stops[c-1]
	next := stops[c+1]
	cur := stops[c]

	dPrev := geo.FlatDistanceM(cur.Lat, cur.Lon, prev.Lat, prev.Lon)
	dNext := geo.FlatDistanceM(cur.Lat, cur.Lon, next.Lat, next.Lon)

	minD := dPrev
	if dNext < minD {
		minD = dNext
	}
	probe := tuning.MinProbeM
	if frac := tuning.ProbeFraction * minD; frac > probe {
		probe = frac
	}

	prevProbe := pointToward(cur, prev, probe, dPrev)
	nextProbe := pointToward(cur, next, probe, dNext)

	distToPrevProbe := geo.FlatDistanceM(lat, lon, prevProbe.Lat, prevProbe.Lon)
	distToNextProbe := geo.FlatDistanceM(lat, lon, nextProbe.Lat, nextProbe.Lon)

	diff := distToPrevProbe - distToNextProbe
	if diff < 0 {
		diff = -diff
	}
	if diff <= tuning.ProbeEqualityEpsilonM {
		return c
	}
	if distToNextProbe < distToPrevProbe {
		return c
	}
	return c - 1
}

// pointToward returns the point `probeM` meters from `from` toward `to`,
// along the straight line between them. totalDistM is the precomputed
// from-to distance to avoid recomputing it.
func pointToward(from, to StopOnRoute, probeM, totalDistM float64) geo.Point {
	if totalDistM < 1e-6 {
		return geo.Point{Lat: from.Lat, Lon: from.Lon}
	}
	t := probeM / totalDistM
	if t > 1 {
		t = 1
	}
	return geo.Point{
		Lat: from.Lat + (to.Lat-from.Lat)*t,
		Lon: from.Lon + (to.Lon-from.Lon)*t,
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
