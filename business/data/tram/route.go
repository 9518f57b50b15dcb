// Package tram provides persistence for the tram network catalog (routes,
// stops, route-stop orderings) and the observations the tracker records as
// it runs: vehicle positions, travel-time segments, and cached route
// geometry. Grounded on business/data/gtfs's sqlx upsert shape (gtfs.go's
// SaveDataSet / named-query-with-conflict pattern), generalized from GTFS
// static-schedule rows to the live tram catalog this tracker works from.
package tram

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Route is a loaded tram route: its identity and the stop sequence tracker
// components key into. The polyline itself lives in business/routematch's
// in-memory store, not here — this row is the catalog record the geometry
// provider and stop detector are loaded from.
type Route struct {
	ID     int64  `db:"id"`
	Number string `db:"number"`
	Name   string `db:"name"`
}

// Stop is a named tram stop, independent of any particular route ordering.
type Stop struct {
	ID   int64   `db:"id"`
	Name string  `db:"name"`
	Lat  float64 `db:"lat"`
	Lon  float64 `db:"lon"`
}

// RouteStop is one row of a route's per-direction ordered stop sequence.
// Unique on (route_id, stop_id, direction, order) per the persistence
// contract.
type RouteStop struct {
	RouteID   int64 `db:"route_id"`
	StopID    int64 `db:"stop_id"`
	Direction int   `db:"direction"`
	Order     int   `db:"order_num"`
}

// UpsertRoutes idempotently inserts or updates route catalog rows. Routes
// keep the upstream feed's own integer id as their primary key (the feed's
// route ids are stable identifiers, not database-assigned serials), so a
// rerun of the same catalog refresh updates rather than duplicates.
func UpsertRoutes(tx *sqlx.Tx, routes []Route) error {
	const stmt = `insert into routes (id, number, name) values (:id, :number, :name)
		on conflict (id) do update set number = excluded.number, name = excluded.name`
	for _, r := range routes {
		if _, err := tx.NamedExec(stmt, r); err != nil {
			return fmt.Errorf("tram: upsert route %s: %w", r.Number, err)
		}
	}
	return nil
}

// UpsertStops idempotently inserts or updates stop catalog rows, keyed on
// the upstream stop id.
func UpsertStops(tx *sqlx.Tx, stops []Stop) error {
	const stmt = `insert into stops (id, name, lat, lon) values (:id, :name, :lat, :lon)
		on conflict (id) do update set name = excluded.name, lat = excluded.lat, lon = excluded.lon`
	for _, s := range stops {
		if _, err := tx.NamedExec(stmt, s); err != nil {
			return fmt.Errorf("tram: upsert stop %d: %w", s.ID, err)
		}
	}
	return nil
}

// UpsertRouteStops idempotently inserts or updates a route's per-direction
// ordering, unique on (route_id, stop_id, direction, order_num). Unresolved
// stop ids are reported individually rather than aborting the whole batch,
// per the "unresolved stop id in a route path" error kind. The caller logs
// each error; the stop detector is still loaded from the feed's stops, so a
// failing row is not left out of the detector's load.
func UpsertRouteStops(tx *sqlx.Tx, routeStops []RouteStop) []error {
	const stmt = `insert into route_stops (route_id, stop_id, direction, order_num)
		values (:route_id, :stop_id, :direction, :order_num)
		on conflict (route_id, stop_id, direction, order_num) do nothing`
	var errs []error
	for _, rs := range routeStops {
		if _, err := tx.NamedExec(stmt, rs); err != nil {
			errs = append(errs, fmt.Errorf("tram: upsert route_stop route=%d stop=%d dir=%d: %w",
				rs.RouteID, rs.StopID, rs.Direction, err))
		}
	}
	return errs
}

// GetRoutes retrieves the full route catalog.
func GetRoutes(db *sqlx.DB) ([]Route, error) {
	var routes []Route
	err := db.Select(&routes, "select * from routes")
	return routes, err
}

// GetRouteStops retrieves a route's ordered stop sequence across both
// directions, joined with stop name/coordinates.
func GetRouteStops(db *sqlx.DB, routeID int64) ([]RouteStopDetail, error) {
	const query = `select rs.route_id, rs.stop_id, rs.direction, rs.order_num,
		s.name, s.lat, s.lon
		from route_stops rs join stops s on s.id = rs.stop_id
		where rs.route_id = $1
		order by rs.direction, rs.order_num`
	var details []RouteStopDetail
	err := db.Select(&details, db.Rebind(query), routeID)
	return details, err
}

// RouteStopDetail is a RouteStop joined with its stop's name and
// coordinates, the shape the stop detector loads from.
type RouteStopDetail struct {
	RouteID   int64   `db:"route_id"`
	StopID    int64   `db:"stop_id"`
	Direction int     `db:"direction"`
	Order     int     `db:"order_num"`
	Name      string  `db:"name"`
	Lat       float64 `db:"lat"`
	Lon       float64 `db:"lon"`
}

// touchedAt is a small helper shared by the geometry cache and
// cache-freshness tables for "now, in UTC" consistently.
func touchedAt() time.Time {
	return time.Now().UTC()
}
