package upstream

import (
	"strconv"
	"time"
)

// upstreamTimestampLayout matches the local-time (UTC+5) timestamp string
// the feed emits; parsing happens against this layout then the result is
// shifted to UTC (§6: "Timestamps from upstream are local to UTC+5; store
// as parsed UTC").
const upstreamTimestampLayout = "2006-01-02 15:04:05"

var upstreamOffset = 5 * time.Hour

// normalizeVehicle extracts a RawVehicle from an untyped JSON object,
// tolerating both uppercase and lowercase key variants and the feed's
// alternate names. Returns false for records missing coordinates or lacking
// an assigned route, which are dropped silently per the upstream contract.
func normalizeVehicle(item map[string]any) (RawVehicle, bool) {
	devID := firstString(item, "DEV_ID", "dev_id")
	routeNum := firstString(item, "ROUTE", "route", "marsh")
	lat := firstFloat(item, "LAT", "lat")
	lon := firstFloat(item, "LON", "lon", "lng")

	if devID == "" || routeNum == "" || lat == 0 || lon == 0 {
		return RawVehicle{}, false
	}

	onRoute := firstBool(item, "ON_ROUTE", "on_route")
	if !onRoute {
		return RawVehicle{}, false
	}

	v := RawVehicle{
		DevID:     devID,
		BoardNum:  firstString(item, "BOARD_NUM", "board_num", "gos_num"),
		RouteNum:  routeNum,
		Lat:       lat,
		Lon:       lon,
		SpeedKmh:  firstFloat(item, "VELOCITY", "SPEED", "velocity", "speed"),
		CourseDeg: firstFloat(item, "COURSE", "course", "dir"),
		Timestamp: parseUpstreamTimestamp(firstString(item, "TIMESTAMP", "timestamp", "last_time")),
	}
	return v, true
}

// normalizeRoute extracts a RawRoute from an untyped JSON object. Unlike
// vehicles/stops, a route with missing fields is still returned (with zero
// values) rather than dropped: the catalog refresh needs every route id
// that exists even if its geometry is absent, since the geometry provider's
// straight-line fallback can still serve it once stops are loaded.
func normalizeRoute(item map[string]any) RawRoute {
	r := RawRoute{
		ID:     int(firstFloat(item, "ID", "id")),
		Number: firstString(item, "NUM", "number", "name"),
		Name:   firstString(item, "NAME", "title"),
	}

	rawPoints, _ := item["POINTS"].([]any)
	if rawPoints == nil {
		rawPoints, _ = item["points"].([]any)
	}
	if rawPoints == nil {
		rawPoints, _ = item["geometry"].([]any)
	}
	for _, rp := range rawPoints {
		switch pt := rp.(type) {
		case map[string]any:
			r.Points = append(r.Points, [2]float64{
				firstFloat(pt, "LAT", "lat"),
				firstFloat(pt, "LON", "lon", "lng"),
			})
		case []any:
			if len(pt) >= 2 {
				lat, latOK := pt[0].(float64)
				lon, lonOK := pt[1].(float64)
				if latOK && lonOK {
					r.Points = append(r.Points, [2]float64{lat, lon})
				}
			}
		}
	}

	rawStops, _ := item["STOPS"].([]any)
	if rawStops == nil {
		rawStops, _ = item["stops"].([]any)
	}
	for _, rs := range rawStops {
		s, ok := rs.(map[string]any)
		if !ok {
			continue
		}
		r.Stops = append(r.Stops, RawRouteStop{
			ID:        int(firstFloat(s, "ID", "id")),
			Name:      firstString(s, "NAME", "name"),
			Lat:       firstFloat(s, "LAT", "lat"),
			Lon:       firstFloat(s, "LON", "lon", "lng"),
			Order:     int(firstFloat(s, "ORDER", "order")),
			Direction: int(firstFloat(s, "DIRECTION", "direction")),
		})
	}
	return r
}

// normalizeStop extracts a RawStop from an untyped JSON object. Returns
// false for records with missing coordinates.
func normalizeStop(item map[string]any) (RawStop, bool) {
	lat := firstFloat(item, "LAT", "lat")
	lon := firstFloat(item, "LON", "lon", "lng")
	if lat == 0 || lon == 0 {
		return RawStop{}, false
	}
	return RawStop{
		ID:   int(firstFloat(item, "ID", "id")),
		Name: firstString(item, "NAME", "name"),
		Lat:  lat,
		Lon:  lon,
	}, true
}

// firstString returns the first non-empty string value found under any of
// keys, checked in order — the Go equivalent of the feed decoder's chained
// item.get(A, item.get(a, default)) lookups.
func firstString(item map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := item[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// firstFloat returns the first numeric value found under any of keys,
// tolerating both JSON numbers and numeric strings.
func firstFloat(item map[string]any, keys ...string) float64 {
	for _, k := range keys {
		v, ok := item[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n
		case string:
			if f, err := strconv.ParseFloat(n, 64); err == nil {
				return f
			}
		}
	}
	return 0
}

// firstBool returns the first boolean-ish value found under any of keys,
// tolerating JSON booleans, 0/1 numbers, and "0"/"1" strings.
func firstBool(item map[string]any, keys ...string) bool {
	for _, k := range keys {
		v, ok := item[k]
		if !ok {
			continue
		}
		switch b := v.(type) {
		case bool:
			return b
		case float64:
			return b != 0
		case string:
			return b == "1" || b == "true"
		}
	}
	return false
}

// parseUpstreamTimestamp parses a local UTC+5 timestamp string and converts
// it to UTC. An unparseable or empty timestamp falls back to the current
// time rather than failing the whole record.
func parseUpstreamTimestamp(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	t, err := time.Parse(upstreamTimestampLayout, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t.Add(-upstreamOffset).UTC()
}
