// Package upstream fetches vehicle, route, and stop records from the transit
// API and normalizes them into typed values, so nothing downstream deals
// with the upstream feed's untyped, inconsistently-cased JSON. Grounded on
// the teacher's vehicle_position.go retrieveBytes/getVehiclePositions fetch-
// decode-load shape, generalized from protobuf GTFS-RT decoding to JSON, and
// on the Python ettu_client.py's tolerant field extraction.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/empsgit/tram-monitor-ekb/foundation/httpclient"
)

// RawVehicle is a normalized vehicle position record: every alias and
// casing variant the feed might use has already been resolved by the time
// one of these exists.
type RawVehicle struct {
	DevID     string
	BoardNum  string
	RouteNum  string
	Lat       float64
	Lon       float64
	SpeedKmh  float64
	CourseDeg float64
	Timestamp time.Time
}

// RawRoute is a normalized route record, with geometry points and inline
// stop assignments when the feed provides them (stop-less routes are still
// kept, with an empty Stops slice). The catalog refresh does not read
// Points: route geometry is resolved through the geometry provider.
type RawRoute struct {
	ID     int
	Number string
	Name   string
	Points [][2]float64 // [lat, lon] pairs
	Stops  []RawRouteStop
}

// RawRouteStop is a route's inline stop assignment: the feed embeds order
// and direction alongside each route's stop list, rather than requiring a
// separate lookup.
type RawRouteStop struct {
	ID        int
	Name      string
	Lat       float64
	Lon       float64
	Order     int
	Direction int
}

// RawStop is a normalized stop record.
type RawStop struct {
	ID   int
	Name string
	Lat  float64
	Lon  float64
}

// Client polls the upstream transit API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	retry      httpclient.RetryConfig
}

// NewClient returns a Client pointed at baseURL, using the upstream
// contract's default retry/backoff schedule (an initial attempt plus 3
// retries, 2/4/8s backoff, 30s per-attempt timeout).
func NewClient(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: httpclient.DefaultRetryConfig.Timeout},
		baseURL:    baseURL,
		retry:      httpclient.DefaultRetryConfig,
	}
}

// FetchVehicles retrieves the current tram positions. Malformed or
// route-less records are dropped silently, per the upstream client contract;
// a request failure after all retries returns an error so the caller can
// skip the cycle's persistence without disturbing in-memory state.
func (c *Client) FetchVehicles(ctx context.Context) ([]RawVehicle, error) {
	body, err := httpclient.GetWithRetry(ctx, c.httpClient, c.baseURL+"/api/v2/tram/boards/", c.retry)
	if err != nil {
		return nil, fmt.Errorf("upstream: fetch vehicles: %w", err)
	}

	items, err := decodeItems(body, "vehicles", "boards")
	if err != nil {
		return nil, fmt.Errorf("upstream: decode vehicles: %w", err)
	}

	vehicles := make([]RawVehicle, 0, len(items))
	for _, item := range items {
		v, ok := normalizeVehicle(item)
		if ok {
			vehicles = append(vehicles, v)
		}
	}
	return vehicles, nil
}

// FetchRoutes retrieves the route catalog, including geometry points and
// inline stop references where the feed supplies them.
func (c *Client) FetchRoutes(ctx context.Context) ([]RawRoute, error) {
	body, err := httpclient.GetWithRetry(ctx, c.httpClient, c.baseURL+"/api/v2/tram/routes/", c.retry)
	if err != nil {
		return nil, fmt.Errorf("upstream: fetch routes: %w", err)
	}

	items, err := decodeItems(body, "routes")
	if err != nil {
		return nil, fmt.Errorf("upstream: decode routes: %w", err)
	}

	routes := make([]RawRoute, 0, len(items))
	for _, item := range items {
		routes = append(routes, normalizeRoute(item))
	}
	return routes, nil
}

// FetchStops retrieves the stop catalog.
func (c *Client) FetchStops(ctx context.Context) ([]RawStop, error) {
	body, err := httpclient.GetWithRetry(ctx, c.httpClient, c.baseURL+"/api/v2/tram/stops/", c.retry)
	if err != nil {
		return nil, fmt.Errorf("upstream: fetch stops: %w", err)
	}

	items, err := decodeItems(body, "stops")
	if err != nil {
		return nil, fmt.Errorf("upstream: decode stops: %w", err)
	}

	stops := make([]RawStop, 0, len(items))
	for _, item := range items {
		s, ok := normalizeStop(item)
		if ok {
			stops = append(stops, s)
		}
	}
	return stops, nil
}

// decodeItems accepts either a bare JSON array or an object with one of the
// given keys holding the array, matching the feed's "data if isinstance(data,
// list) else data.get(key, [])" looseness.
func decodeItems(body []byte, keys ...string) ([]map[string]any, error) {
	var asArray []map[string]any
	if err := json.Unmarshal(body, &asArray); err == nil {
		return asArray, nil
	}

	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(body, &asObject); err != nil {
		return nil, err
	}
	for _, key := range keys {
		raw, ok := asObject[key]
		if !ok {
			continue
		}
		var items []map[string]any
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	return nil, nil
}
