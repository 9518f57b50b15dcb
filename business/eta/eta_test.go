package eta

import (
	"testing"

	"github.com/empsgit/tram-monitor-ekb/business/stopdetect"
)

func TestEstimate_SimpleEta(t *testing.T) {
	stops := []stopdetect.StopOnRoute{
		{StopID: 1, Lat: 56.8445, Lon: 60.600, CumulativeDistanceM: 500},
	}
	result := Estimate(56.840, 60.600, 36, stops)
	if len(result) != 1 {
		t.Fatalf("expected 1 estimate, got %d", len(result))
	}
	if result[0].Seconds == nil {
		t.Fatal("expected a finite ETA")
	}
	s := *result[0].Seconds
	if s < 40 || s > 60 {
		t.Fatalf("expected ETA in [40,60]s, got %d", s)
	}
}

func TestEstimate_ZeroSpeedFloorsToMinSpeed(t *testing.T) {
	stops := []stopdetect.StopOnRoute{
		{StopID: 1, Lat: 56.841, Lon: 60.600, CumulativeDistanceM: 100},
	}
	result := Estimate(56.840, 60.600, 0, stops)
	if len(result) != 1 || result[0].Seconds == nil {
		t.Fatal("expected a finite, positive ETA even at zero reported speed")
	}
	if *result[0].Seconds <= 0 {
		t.Fatalf("expected a positive ETA, got %d", *result[0].Seconds)
	}
}

func TestEstimate_BeyondMaxEtaIsNil(t *testing.T) {
	stops := []stopdetect.StopOnRoute{
		{StopID: 1, Lat: 56.840, Lon: 61.600, CumulativeDistanceM: 100_000},
	}
	result := Estimate(56.840, 60.600, 5, stops)
	if result[0].Seconds != nil {
		t.Fatalf("expected nil ETA beyond MaxEtaSeconds, got %d", *result[0].Seconds)
	}
}

func TestEstimate_MonotonicAcrossOrderedStops(t *testing.T) {
	stops := []stopdetect.StopOnRoute{
		{StopID: 1, Lat: 56.841, Lon: 60.600, CumulativeDistanceM: 100},
		{StopID: 2, Lat: 56.842, Lon: 60.600, CumulativeDistanceM: 200},
		{StopID: 3, Lat: 56.843, Lon: 60.600, CumulativeDistanceM: 300},
	}
	result := Estimate(56.840, 60.600, 20, stops)
	for i := 1; i < len(result); i++ {
		if result[i].Seconds == nil || result[i-1].Seconds == nil {
			continue
		}
		if *result[i].Seconds < *result[i-1].Seconds {
			t.Fatalf("expected non-decreasing ETAs, got %d then %d", *result[i-1].Seconds, *result[i].Seconds)
		}
	}
}

func TestEstimate_EmptyStopsReturnsNil(t *testing.T) {
	result := Estimate(56.840, 60.600, 20, nil)
	if result != nil {
		t.Fatalf("expected nil for no upcoming stops, got %+v", result)
	}
}
