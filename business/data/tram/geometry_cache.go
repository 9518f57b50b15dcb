package tram

import (
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
)

// CachedGeometry is a route's last-resolved polyline, keyed by route
// number, alongside the source it was resolved from. Backs the geometry
// provider's 24h freshness preference order.
type CachedGeometry struct {
	RouteNumber string    `db:"route_number"`
	PointsJSON  []byte    `db:"points_json"` // JSON-encoded []geo.Point
	Source      string    `db:"source"`      // osm, osrm, straight_line
	FetchedAt   time.Time `db:"fetched_at"`
}

// GetCachedGeometry retrieves the last-cached geometry for a route number,
// if any.
func GetCachedGeometry(db *sqlx.DB, routeNumber string) (*CachedGeometry, error) {
	var g CachedGeometry
	err := db.Get(&g, db.Rebind("select * from cached_geometries where route_number = ?"), routeNumber)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// PutCachedGeometry stores or replaces a route's cached geometry. points is
// marshaled to JSON by the caller via any struct slice (kept opaque here so
// this package does not import business/geo).
func PutCachedGeometry(db *sqlx.DB, routeNumber string, points interface{}, source string) error {
	pointsJSON, err := json.Marshal(points)
	if err != nil {
		return err
	}
	const stmt = `insert into cached_geometries (route_number, points_json, source, fetched_at)
		values (:route_number, :points_json, :source, :fetched_at)
		on conflict (route_number) do update set
			points_json = excluded.points_json, source = excluded.source, fetched_at = excluded.fetched_at`
	_, err = db.NamedExec(stmt, CachedGeometry{
		RouteNumber: routeNumber,
		PointsJSON:  pointsJSON,
		Source:      source,
		FetchedAt:   touchedAt(),
	})
	return err
}

// CacheFreshness tracks the last refresh time of a named cache. The catalog
// refresh records itself under the key "catalog"; the geometry provider
// records each route's geometry under that route's number.
type CacheFreshness struct {
	CacheKey    string    `db:"cache_key"`
	RefreshedAt time.Time `db:"refreshed_at"`
}

// GetCacheFreshness retrieves the last refresh time recorded for cacheKey.
func GetCacheFreshness(db *sqlx.DB, cacheKey string) (*CacheFreshness, error) {
	var f CacheFreshness
	err := db.Get(&f, db.Rebind("select * from cache_freshness where cache_key = ?"), cacheKey)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// TouchCacheFreshness records that cacheKey refreshed now.
func TouchCacheFreshness(db *sqlx.DB, cacheKey string) error {
	const stmt = `insert into cache_freshness (cache_key, refreshed_at) values (:cache_key, :refreshed_at)
		on conflict (cache_key) do update set refreshed_at = excluded.refreshed_at`
	_, err := db.NamedExec(stmt, CacheFreshness{CacheKey: cacheKey, RefreshedAt: touchedAt()})
	return err
}
