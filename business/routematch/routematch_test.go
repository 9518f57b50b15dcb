package routematch

import (
	"math"
	"testing"

	"github.com/empsgit/tram-monitor-ekb/business/geo"
)

func straightRoute() []geo.Point {
	return []geo.Point{
		{Lat: 56.840, Lon: 60.600},
		{Lat: 56.844, Lon: 60.600},
		{Lat: 56.848, Lon: 60.600},
		{Lat: 56.852, Lon: 60.600},
	}
}

func TestLoad_RejectsFewerThanTwoPoints(t *testing.T) {
	s := NewStore()
	if err := s.Load(1, []geo.Point{{Lat: 1, Lon: 1}}); err == nil {
		t.Fatal("expected error loading a single-point route")
	}
}

func TestMatch_ReturnsNoneBeyondMaxSnapDistance(t *testing.T) {
	s := NewStore()
	_ = s.Load(1, straightRoute())

	// far from the route entirely.
	_, ok := s.Match(1, 57.5, 61.5, nil)
	if ok {
		t.Fatal("expected no match far from the polyline")
	}
}

func TestMatch_ReturnsNoneForUnloadedRoute(t *testing.T) {
	s := NewStore()
	_, ok := s.Match(99, 56.84, 60.6, nil)
	if ok {
		t.Fatal("expected no match for a route id never loaded")
	}
}

func TestMatch_MidpointProgressIsAboutHalf(t *testing.T) {
	s := NewStore()
	_ = s.Load(1, straightRoute())

	m, ok := s.Match(1, 56.846, 60.600, nil)
	if !ok {
		t.Fatal("expected a match")
	}
	if math.Abs(m.Progress-0.5) > 0.02 {
		t.Fatalf("expected progress ~0.5, got %f", m.Progress)
	}
	if m.DistanceM > 1.0 {
		t.Fatalf("expected near-zero perpendicular distance, got %f", m.DistanceM)
	}
}

func TestInterpolate_RoundTripsWithMatch(t *testing.T) {
	s := NewStore()
	_ = s.Load(1, straightRoute())

	lat, lon := 56.846, 60.600
	m, ok := s.Match(1, lat, lon, nil)
	if !ok {
		t.Fatal("expected a match")
	}
	p, ok := s.Interpolate(1, m.Progress)
	if !ok {
		t.Fatal("expected interpolate to succeed")
	}
	d := geo.HaversineDistanceM(lat, lon, p.Lat, p.Lon)
	if d > m.DistanceM+1.0 {
		t.Fatalf("round trip distance %f exceeds match distance %f + epsilon", d, m.DistanceM)
	}
}

func TestTotalLength_SumsSegments(t *testing.T) {
	s := NewStore()
	_ = s.Load(1, straightRoute())
	total, ok := s.TotalLength(1)
	if !ok {
		t.Fatal("expected total length for loaded route")
	}
	// three segments of ~0.004 deg lat each, ~445m each.
	if total < 1200 || total > 1500 {
		t.Fatalf("expected total length in [1200,1500]m, got %f", total)
	}
}

func TestMatch_DirectionNearEndpointIsZero(t *testing.T) {
	s := NewStore()
	_ = s.Load(1, straightRoute())
	course := 180.0
	m, ok := s.Match(1, 56.8401, 60.600, &course)
	if !ok {
		t.Fatal("expected a match")
	}
	if m.Direction != 0 {
		t.Fatalf("expected direction 0 near route start regardless of course, got %d", m.Direction)
	}
}

func TestMatch_OpposingCourseInfersReverseDirection(t *testing.T) {
	s := NewStore()
	_ = s.Load(1, straightRoute())
	// polyline runs north (bearing ~0); a course pointed south should flip direction.
	course := 180.0
	m, ok := s.Match(1, 56.846, 60.600, &course)
	if !ok {
		t.Fatal("expected a match")
	}
	if m.Direction != 1 {
		t.Fatalf("expected direction 1 for opposing course, got %d", m.Direction)
	}
}

func TestMatch_AligningCourseInfersForwardDirection(t *testing.T) {
	s := NewStore()
	_ = s.Load(1, straightRoute())
	course := 0.0
	m, ok := s.Match(1, 56.846, 60.600, &course)
	if !ok {
		t.Fatal("expected a match")
	}
	if m.Direction != 0 {
		t.Fatalf("expected direction 0 for aligning course, got %d", m.Direction)
	}
}
