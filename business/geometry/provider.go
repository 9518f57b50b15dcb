// Package geometry resolves a route's polyline in the preference order
// spec.md §6 describes: fresh cache, then a live OSM-like fetch, then an
// OSRM-style routing fallback, then straight lines between stops (always
// available). Grounded on foundation/httpclient's GET helper and the Python
// vehicle_tracker.py's straight-line fallback
// (`route.points = [[s.lat, s.lon] for s in stops...]`).
package geometry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/empsgit/tram-monitor-ekb/business/data/tram"
	"github.com/empsgit/tram-monitor-ekb/business/geo"
	"github.com/empsgit/tram-monitor-ekb/foundation/httpclient"
	"github.com/jmoiron/sqlx"
)

// MaxCacheAgeForFreshness is how old a cached geometry may be before it is
// considered stale and a refetch is attempted.
const MaxCacheAgeForFreshness = 24 * time.Hour

const (
	sourceOSM          = "osm"
	sourceOSRM         = "osrm"
	sourceStraightLine = "straight_line"
)

// Provider resolves route polylines, persisting every resolution back
// through storage so the next refresh can hit the cache branch.
type Provider struct {
	db          *sqlx.DB
	httpClient  *http.Client
	retry       httpclient.RetryConfig
	osmBaseURL  string
	osrmBaseURL string
	log         *log.Logger
}

// NewProvider returns a Provider backed by db for caching, fetching live
// geometry from osmBaseURL and falling back to osrmBaseURL. Either URL may
// be empty to skip that source entirely.
func NewProvider(db *sqlx.DB, osmBaseURL, osrmBaseURL string, logger *log.Logger) *Provider {
	retry := httpclient.DefaultRetryConfig
	return &Provider{
		db:          db,
		httpClient:  &http.Client{Timeout: retry.Timeout},
		retry:       retry,
		osmBaseURL:  osmBaseURL,
		osrmBaseURL: osrmBaseURL,
		log:         logger,
	}
}

// Resolve returns routeNumber's polyline, trying cache, then OSM, then
// OSRM, then falling back to straight lines between stops (which never
// fails as long as stops has at least two entries).
func (p *Provider) Resolve(ctx context.Context, routeNumber string, stops []geo.Point) ([]geo.Point, error) {
	if points, ok := p.fromCache(routeNumber); ok {
		return points, nil
	}

	if p.osmBaseURL != "" {
		if points, err := p.fromOSM(ctx, routeNumber); err == nil {
			p.store(routeNumber, points, sourceOSM)
			return points, nil
		} else {
			p.log.Printf("geometry: osm fetch failed for route %s: %v", routeNumber, err)
		}
	}

	if p.osrmBaseURL != "" {
		if points, err := p.fromOSRM(ctx, stops); err == nil {
			p.store(routeNumber, points, sourceOSRM)
			return points, nil
		} else {
			p.log.Printf("geometry: osrm fetch failed for route %s: %v", routeNumber, err)
		}
	}

	if len(stops) < 2 {
		return nil, fmt.Errorf("geometry: no cached/live geometry and fewer than 2 stops for route %s", routeNumber)
	}
	p.store(routeNumber, stops, sourceStraightLine)
	return stops, nil
}

// fromCache returns the cached polyline for routeNumber, honoring both the
// per-route CachedGeometry row and the cache_freshness table per §4.9 — a
// route whose freshness record is missing or stale is treated as a cache
// miss even if a CachedGeometry row still exists.
func (p *Provider) fromCache(routeNumber string) ([]geo.Point, bool) {
	cached, err := tram.GetCachedGeometry(p.db, routeNumber)
	if err != nil || cached == nil {
		return nil, false
	}
	freshness, err := tram.GetCacheFreshness(p.db, routeNumber)
	if err != nil || freshness == nil {
		return nil, false
	}
	if time.Since(freshness.RefreshedAt) > MaxCacheAgeForFreshness {
		return nil, false
	}
	var points []geo.Point
	if err := json.Unmarshal(cached.PointsJSON, &points); err != nil {
		return nil, false
	}
	return points, true
}

func (p *Provider) fromOSM(ctx context.Context, routeNumber string) ([]geo.Point, error) {
	url := fmt.Sprintf("%s/route/%s/geometry", p.osmBaseURL, routeNumber)
	body, err := httpclient.GetWithRetry(ctx, p.httpClient, url, p.retry)
	if err != nil {
		return nil, err
	}
	var raw [][2]float64
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	return toPoints(raw), nil
}

// fromOSRM requests a routed path through the ordered forward-direction
// stop coordinates, the routing-service fallback named in §6.
func (p *Provider) fromOSRM(ctx context.Context, stops []geo.Point) ([]geo.Point, error) {
	if len(stops) < 2 {
		return nil, fmt.Errorf("geometry: osrm fallback needs at least 2 stops")
	}
	coords := ""
	for i, s := range stops {
		if i > 0 {
			coords += ";"
		}
		coords += fmt.Sprintf("%f,%f", s.Lon, s.Lat)
	}
	url := fmt.Sprintf("%s/route/v1/driving/%s?overview=full&geometries=geojson", p.osrmBaseURL, coords)
	body, err := httpclient.GetWithRetry(ctx, p.httpClient, url, p.retry)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Routes []struct {
			Geometry struct {
				Coordinates [][2]float64 `json:"coordinates"` // [lon, lat] per GeoJSON
			} `json:"geometry"`
		} `json:"routes"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Routes) == 0 {
		return nil, fmt.Errorf("geometry: osrm returned no routes")
	}
	points := make([]geo.Point, len(resp.Routes[0].Geometry.Coordinates))
	for i, c := range resp.Routes[0].Geometry.Coordinates {
		points[i] = geo.Point{Lat: c[1], Lon: c[0]}
	}
	return points, nil
}

func (p *Provider) store(routeNumber string, points []geo.Point, source string) {
	if err := tram.PutCachedGeometry(p.db, routeNumber, points, source); err != nil {
		p.log.Printf("geometry: failed to cache route %s geometry from %s: %v", routeNumber, source, err)
		return
	}
	if err := tram.TouchCacheFreshness(p.db, routeNumber); err != nil {
		p.log.Printf("geometry: failed to touch cache freshness for route %s: %v", routeNumber, err)
	}
}

func toPoints(raw [][2]float64) []geo.Point {
	points := make([]geo.Point, len(raw))
	for i, r := range raw {
		points[i] = geo.Point{Lat: r[0], Lon: r[1]}
	}
	return points
}
