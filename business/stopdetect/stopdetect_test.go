package stopdetect

import "testing"

func northSouthRoute() []StopOnRoute {
	// direction 0 runs north A->B->C->D; direction 1 is the same stops,
	// reversed geographically (south-bound), giving a bidirectional route.
	return []StopOnRoute{
		{StopID: 1, Name: "A", Lat: 56.840, Lon: 60.600, Order: 0, Direction: 0},
		{StopID: 2, Name: "B", Lat: 56.844, Lon: 60.600, Order: 1, Direction: 0},
		{StopID: 3, Name: "C", Lat: 56.848, Lon: 60.600, Order: 2, Direction: 0},
		{StopID: 4, Name: "D", Lat: 56.852, Lon: 60.600, Order: 3, Direction: 0},
		{StopID: 4, Name: "D", Lat: 56.852, Lon: 60.600, Order: 0, Direction: 1},
		{StopID: 3, Name: "C", Lat: 56.848, Lon: 60.600, Order: 1, Direction: 1},
		{StopID: 2, Name: "B", Lat: 56.844, Lon: 60.600, Order: 2, Direction: 1},
		{StopID: 1, Name: "A", Lat: 56.840, Lon: 60.600, Order: 3, Direction: 1},
	}
}

func TestLoad_ComputesCumulativeDistanceStartingAtZero(t *testing.T) {
	s := NewStore()
	s.Load(1, northSouthRoute())

	stops, ok := s.StopsForDirection(1, 0)
	if !ok {
		t.Fatal("expected direction 0 to be loaded")
	}
	if stops[0].CumulativeDistanceM != 0 {
		t.Fatalf("expected first stop cumulative distance 0, got %f", stops[0].CumulativeDistanceM)
	}
	for i := 1; i < len(stops); i++ {
		if stops[i].CumulativeDistanceM < stops[i-1].CumulativeDistanceM {
			t.Fatalf("cumulative distance not monotonic at index %d", i)
		}
	}
}

func TestDetect_MidpointDetection(t *testing.T) {
	s := NewStore()
	s.Load(1, northSouthRoute())

	result := s.Detect(1, 56.846, 60.600, nil, 50, nil)
	if !result.Found {
		t.Fatal("expected a detection result")
	}
	if result.PrevStop.StopID != 2 {
		t.Fatalf("expected prev_stop id 2 (B), got %d", result.PrevStop.StopID)
	}
	if len(result.NextStops) == 0 || result.NextStops[0].StopID != 3 {
		t.Fatalf("expected next_stops[0] id 3 (C), got %+v", result.NextStops)
	}
}

func TestDetect_DirectionStickinessWinsWithNoCourse(t *testing.T) {
	s := NewStore()
	s.Load(1, northSouthRoute())

	preferred := 0
	result := s.Detect(1, 56.846, 60.600, nil, 50, &preferred)
	if !result.Found {
		t.Fatal("expected a detection result")
	}
	if result.Direction != 0 {
		t.Fatalf("expected stickiness to keep direction 0, got %d", result.Direction)
	}
}

func TestDetect_CourseOverridesStickiness(t *testing.T) {
	s := NewStore()
	s.Load(1, northSouthRoute())

	preferred := 0
	course := 180.0 // pointed south, opposing direction-0's northbound bearing
	result := s.Detect(1, 56.846, 60.600, &course, 50, &preferred)
	if !result.Found {
		t.Fatal("expected a detection result")
	}
	if result.Direction != 1 {
		t.Fatalf("expected course penalty (500000) to outweigh stickiness (200000) and flip to direction 1, got %d", result.Direction)
	}
}

func TestDetect_FirstStopSectionIsZero(t *testing.T) {
	s := NewStore()
	s.Load(1, northSouthRoute())

	result := s.Detect(1, 56.840, 60.600, nil, 50, nil)
	if result.PrevStop.StopID != 1 {
		t.Fatalf("expected prev_stop id 1 (A) at the route start, got %d", result.PrevStop.StopID)
	}
}

func TestDetect_LastStopSectionIsPenultimate(t *testing.T) {
	s := NewStore()
	s.Load(1, northSouthRoute())

	result := s.Detect(1, 56.852, 60.600, nil, 50, nil)
	if result.PrevStop.StopID != 4 && result.PrevStop.StopID != 3 {
		t.Fatalf("unexpected prev stop at route end: %+v", result.PrevStop)
	}
}

func TestDetect_NextStopsCappedAtMaxNext(t *testing.T) {
	s := NewStore()
	s.Load(1, northSouthRoute())

	result := s.Detect(1, 56.840, 60.600, nil, 1, nil)
	if len(result.NextStops) > 1 {
		t.Fatalf("expected at most 1 next stop, got %d", len(result.NextStops))
	}
}

func TestDetect_EmptyStoreReturnsNotFound(t *testing.T) {
	s := NewStore()
	result := s.Detect(99, 0, 0, nil, 50, nil)
	if result.Found {
		t.Fatal("expected not-found for an unloaded route")
	}
}

func TestDetectInDirection_IgnoresPenalties(t *testing.T) {
	s := NewStore()
	s.Load(1, northSouthRoute())

	result := s.DetectInDirection(1, 1, 56.846, 60.600, 50)
	if !result.Found {
		t.Fatal("expected a detection result")
	}
	if result.Direction != 1 {
		t.Fatalf("expected pinned direction 1, got %d", result.Direction)
	}
}
