package upstream

import "testing"

func TestNormalizeVehicle_UppercaseKeys(t *testing.T) {
	item := map[string]any{
		"DEV_ID":   "123",
		"ROUTE":    "5",
		"LAT":      56.84,
		"LON":      60.60,
		"SPEED":    25.0,
		"COURSE":   90.0,
		"ON_ROUTE": true,
	}
	v, ok := normalizeVehicle(item)
	if !ok {
		t.Fatal("expected a normalized vehicle")
	}
	if v.DevID != "123" || v.RouteNum != "5" || v.Lat != 56.84 || v.Lon != 60.60 {
		t.Fatalf("unexpected normalization result: %+v", v)
	}
}

func TestNormalizeVehicle_LowercaseAliasFallback(t *testing.T) {
	item := map[string]any{
		"dev_id":   "456",
		"route":    "7",
		"lat":      56.85,
		"lng":      60.61,
		"velocity": 10.0,
		"dir":      45.0,
		"on_route": 1.0,
	}
	v, ok := normalizeVehicle(item)
	if !ok {
		t.Fatal("expected a normalized vehicle")
	}
	if v.Lon != 60.61 || v.SpeedKmh != 10.0 || v.CourseDeg != 45.0 {
		t.Fatalf("unexpected normalization result: %+v", v)
	}
}

func TestNormalizeVehicle_DropsRecordNotOnRoute(t *testing.T) {
	item := map[string]any{
		"dev_id":   "1",
		"route":    "5",
		"lat":      56.84,
		"lon":      60.60,
		"on_route": false,
	}
	if _, ok := normalizeVehicle(item); ok {
		t.Fatal("expected record dropped when not on route")
	}
}

func TestNormalizeVehicle_DropsRecordMissingCoordinates(t *testing.T) {
	item := map[string]any{
		"dev_id":   "1",
		"route":    "5",
		"on_route": true,
	}
	if _, ok := normalizeVehicle(item); ok {
		t.Fatal("expected record dropped for missing coordinates")
	}
}

func TestNormalizeStop_DropsMissingCoordinates(t *testing.T) {
	item := map[string]any{"id": 1.0, "name": "Central"}
	if _, ok := normalizeStop(item); ok {
		t.Fatal("expected stop dropped for missing coordinates")
	}
}

func TestNormalizeRoute_ExtractsDictPoints(t *testing.T) {
	item := map[string]any{
		"ID":     5.0,
		"NUM":    "5",
		"POINTS": []any{map[string]any{"LAT": 56.84, "LON": 60.60}},
	}
	r := normalizeRoute(item)
	if len(r.Points) != 1 || r.Points[0][0] != 56.84 || r.Points[0][1] != 60.60 {
		t.Fatalf("unexpected route points: %+v", r.Points)
	}
}

func TestNormalizeRoute_ExtractsInlineStops(t *testing.T) {
	item := map[string]any{
		"ID":  5.0,
		"NUM": "5",
		"STOPS": []any{
			map[string]any{"ID": 10.0, "NAME": "Central", "LAT": 56.84, "LON": 60.60, "ORDER": 0.0, "DIRECTION": 0.0},
			map[string]any{"ID": 11.0, "NAME": "Market", "LAT": 56.85, "LON": 60.61, "ORDER": 1.0, "DIRECTION": 0.0},
		},
	}
	r := normalizeRoute(item)
	if len(r.Stops) != 2 {
		t.Fatalf("expected 2 inline stops, got %d", len(r.Stops))
	}
	if r.Stops[1].ID != 11 || r.Stops[1].Order != 1 {
		t.Fatalf("unexpected second stop: %+v", r.Stops[1])
	}
}

func TestParseUpstreamTimestamp_ConvertsUtcPlus5ToUtc(t *testing.T) {
	ts := parseUpstreamTimestamp("2026-01-15 10:00:00")
	if ts.Hour() != 5 {
		t.Fatalf("expected UTC hour 5 for UTC+5 10:00, got %d", ts.Hour())
	}
}

func TestParseUpstreamTimestamp_FallsBackOnEmptyString(t *testing.T) {
	ts := parseUpstreamTimestamp("")
	if ts.IsZero() {
		t.Fatal("expected a non-zero fallback timestamp")
	}
}
