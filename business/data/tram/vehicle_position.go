package tram

import (
	"time"

	"github.com/jmoiron/sqlx"
)

// VehiclePosition is an append-only record of a raw GPS fix, retained for
// position_retention_days (enforced by an external retention job, not this
// package). Column names follow the original schema's vehicle_positions
// table (vehicle_id, speed, course, progress, timestamp).
type VehiclePosition struct {
	VehicleID string    `db:"vehicle_id"`
	RouteID   *int64    `db:"route_id"`
	Lat       float64   `db:"lat"`
	Lon       float64   `db:"lon"`
	Speed     float64   `db:"speed"`
	Course    *float64  `db:"course"`
	Progress  *float64  `db:"progress"`
	Timestamp time.Time `db:"timestamp"`
}

// InsertVehiclePosition appends a raw position record. Called once per
// vehicle per poll after the snapshot has been published, so a persistence
// failure here never blocks publication.
func InsertVehiclePosition(db *sqlx.DB, p VehiclePosition) error {
	const stmt = `insert into vehicle_positions
		(vehicle_id, route_id, lat, lon, speed, course, progress, timestamp)
		values (:vehicle_id, :route_id, :lat, :lon, :speed, :course, :progress, :timestamp)`
	_, err := db.NamedExec(stmt, p)
	return err
}

// InsertVehiclePositions appends a batch of raw position records, isolating
// each insert's failure from the rest so one bad row never drops the whole
// poll cycle's positions.
func InsertVehiclePositions(db *sqlx.DB, positions []VehiclePosition) []error {
	var errs []error
	for _, p := range positions {
		if err := InsertVehiclePosition(db, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
