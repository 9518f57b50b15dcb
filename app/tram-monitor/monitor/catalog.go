package monitor

import (
	"context"

	"github.com/empsgit/tram-monitor-ekb/business/data/tram"
	"github.com/empsgit/tram-monitor-ekb/business/geo"
	"github.com/empsgit/tram-monitor-ekb/business/stopdetect"
	"github.com/empsgit/tram-monitor-ekb/business/upstream"
)

const catalogCacheKey = "catalog"

// refreshCatalog fetches the route and stop catalog from upstream, persists
// it, resolves each route's geometry, and (re)loads the route matcher and
// stop detector stores. A single route's geometry-resolution failure never
// aborts the refresh of the rest of the catalog.
func (t *Tracker) refreshCatalog(ctx context.Context) error {
	rawRoutes, err := t.upstream.FetchRoutes(ctx)
	if err != nil {
		t.log.Printf("monitor: fetch routes failed: %v", err)
		return err
	}
	rawStops, err := t.upstream.FetchStops(ctx)
	if err != nil {
		t.log.Printf("monitor: fetch stops failed: %v", err)
		return err
	}

	routes, stops, routeStops := buildCatalogRows(rawRoutes, rawStops)
	if err := t.persistCatalog(routes, stops, routeStops); err != nil {
		t.log.Printf("monitor: persist catalog failed: %v", err)
	}

	byNumber := make(map[string]int, len(routes))
	byID := make(map[int]string, len(routes))

	for _, r := range rawRoutes {
		byNumber[r.Number] = r.ID
		byID[r.ID] = r.Number

		t.stopDetector.Load(r.ID, detectorStopsForRoute(r))
		t.loadRouteGeometry(ctx, r)
	}

	t.mu.Lock()
	t.routesByNumber = byNumber
	t.routeNumberByID = byID
	t.mu.Unlock()

	if err := tram.TouchCacheFreshness(t.db, catalogCacheKey); err != nil {
		t.log.Printf("monitor: touch catalog freshness failed: %v", err)
	}
	return nil
}

// WarmStartFromDB loads the last-persisted route/stop catalog into the
// route-number resolution maps and the stop detector, so vehicle polling
// can resolve routes immediately on startup instead of waiting for the
// first refreshCatalog tick to complete. Route matcher geometry is left to
// refreshCatalog, since the geometry provider already re-derives it from
// its own cache (tram.GetCachedGeometry/GetCacheFreshness) on first use.
func (t *Tracker) WarmStartFromDB() error {
	routes, err := tram.GetRoutes(t.db)
	if err != nil {
		return err
	}

	byNumber := make(map[string]int, len(routes))
	byID := make(map[int]string, len(routes))

	for _, r := range routes {
		routeID := int(r.ID)
		byNumber[r.Number] = routeID
		byID[routeID] = r.Number

		details, err := tram.GetRouteStops(t.db, r.ID)
		if err != nil {
			t.log.Printf("monitor: warm start: load route stops for route %s failed: %v", r.Number, err)
			continue
		}
		stops := make([]stopdetect.StopOnRoute, len(details))
		for i, d := range details {
			stops[i] = stopdetect.StopOnRoute{
				StopID:    int(d.StopID),
				Name:      d.Name,
				Lat:       d.Lat,
				Lon:       d.Lon,
				Order:     d.Order,
				Direction: d.Direction,
			}
		}
		t.stopDetector.Load(routeID, stops)
	}

	t.mu.Lock()
	t.routesByNumber = byNumber
	t.routeNumberByID = byID
	t.mu.Unlock()

	t.log.Printf("monitor: warm started from %d persisted routes", len(routes))
	return nil
}

// detectorStopsForRoute converts a route's inline stop assignments into the
// stop detector's StopOnRoute shape (cumulative_distance_m is computed by
// Store.Load itself, not here).
func detectorStopsForRoute(r upstream.RawRoute) []stopdetect.StopOnRoute {
	out := make([]stopdetect.StopOnRoute, len(r.Stops))
	for i, s := range r.Stops {
		out[i] = stopdetect.StopOnRoute{
			StopID:    s.ID,
			Name:      s.Name,
			Lat:       s.Lat,
			Lon:       s.Lon,
			Order:     s.Order,
			Direction: s.Direction,
		}
	}
	return out
}

// loadRouteGeometry resolves routeID's polyline via the geometry provider
// and loads it into the route matcher. Forward-direction (0) stop
// coordinates feed the provider's OSRM and straight-line fallbacks; the
// feed's own route points (r.Points) are not used.
func (t *Tracker) loadRouteGeometry(ctx context.Context, r upstream.RawRoute) {
	var stopPoints []geo.Point
	for _, s := range r.Stops {
		if s.Direction == 0 {
			stopPoints = append(stopPoints, geo.Point{Lat: s.Lat, Lon: s.Lon})
		}
	}

	points, err := t.geometry.Resolve(ctx, r.Number, stopPoints)
	if err != nil {
		t.log.Printf("monitor: resolve geometry for route %s failed: %v", r.Number, err)
		return
	}
	if err := t.routeMatcher.Load(r.ID, points); err != nil {
		t.log.Printf("monitor: load route matcher for route %s failed: %v", r.Number, err)
	}
}

// persistCatalog upserts routes, stops, and route-stop orderings in a single
// transaction. An unresolved stop id is logged and skipped without aborting
// the rest of the refresh, per the "unresolved stop id" error kind.
func (t *Tracker) persistCatalog(routes []tram.Route, stops []tram.Stop, routeStops []tram.RouteStop) error {
	tx, err := t.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tram.UpsertRoutes(tx, routes); err != nil {
		return err
	}
	if err := tram.UpsertStops(tx, stops); err != nil {
		return err
	}
	for _, rsErr := range tram.UpsertRouteStops(tx, routeStops) {
		t.log.Printf("monitor: %v", rsErr)
	}
	return tx.Commit()
}

// buildCatalogRows flattens the upstream route/stop feed into the
// persistence layer's row shapes, merging routes' inline stop assignments
// into the stop catalog alongside the dedicated stops feed.
func buildCatalogRows(rawRoutes []upstream.RawRoute, rawStops []upstream.RawStop) ([]tram.Route, []tram.Stop, []tram.RouteStop) {
	routes := make([]tram.Route, len(rawRoutes))
	for i, r := range rawRoutes {
		routes[i] = tram.Route{ID: int64(r.ID), Number: r.Number, Name: r.Name}
	}

	stopByID := make(map[int]tram.Stop, len(rawStops))
	for _, s := range rawStops {
		stopByID[s.ID] = tram.Stop{ID: int64(s.ID), Name: s.Name, Lat: s.Lat, Lon: s.Lon}
	}

	var routeStops []tram.RouteStop
	for _, r := range rawRoutes {
		for _, s := range r.Stops {
			stopByID[s.ID] = tram.Stop{ID: int64(s.ID), Name: s.Name, Lat: s.Lat, Lon: s.Lon}
			routeStops = append(routeStops, tram.RouteStop{
				RouteID:   int64(r.ID),
				StopID:    int64(s.ID),
				Direction: s.Direction,
				Order:     s.Order,
			})
		}
	}

	stops := make([]tram.Stop, 0, len(stopByID))
	for _, s := range stopByID {
		stops = append(stops, s)
	}
	return routes, stops, routeStops
}
