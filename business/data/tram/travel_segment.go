package tram

import (
	"time"

	"github.com/jmoiron/sqlx"
)

// TravelObservation is a single elapsed-time sample between two consecutive
// stops, batched in memory by the tracker between polls and flushed here.
type TravelObservation struct {
	RouteID    int64
	FromStopID int64
	ToStopID   int64
	DayType    string // weekday, saturday, sunday
	Hour       int    // 0-23, local time
	Seconds    float64
}

// UpsertTravelTimeSegment applies an incremental-mean update to the segment
// keyed on (route_id, from_stop_id, to_stop_id, day_type, hour):
// median_seconds := median_seconds + (sample - median_seconds) / (count + 1),
// sample_count incremented. The arithmetic happens inside the SQL statement
// so the read-modify-write is atomic under concurrent flushes.
func UpsertTravelTimeSegment(db *sqlx.DB, obs TravelObservation) error {
	const stmt = `insert into travel_time_segments
			(route_id, from_stop_id, to_stop_id, day_type, hour, median_seconds, sample_count, updated_at)
		values
			(:route_id, :from_stop_id, :to_stop_id, :day_type, :hour, :seconds, 1, :updated_at)
		on conflict (route_id, from_stop_id, to_stop_id, day_type, hour) do update set
			median_seconds = travel_time_segments.median_seconds +
				(:seconds - travel_time_segments.median_seconds) / (travel_time_segments.sample_count + 1),
			sample_count = travel_time_segments.sample_count + 1,
			updated_at = :updated_at`

	args := map[string]interface{}{
		"route_id":     obs.RouteID,
		"from_stop_id": obs.FromStopID,
		"to_stop_id":   obs.ToStopID,
		"day_type":     obs.DayType,
		"hour":         obs.Hour,
		"seconds":      obs.Seconds,
		"updated_at":   time.Now().UTC(),
	}
	query, args2, err := sqlx.Named(stmt, args)
	if err != nil {
		return err
	}
	_, err = db.Exec(db.Rebind(query), args2...)
	return err
}

// FlushTravelObservations upserts a batch of observations, isolating each
// failure so one bad row never discards the rest of the batch. Per the
// error-handling contract, the batch itself is already-taken (swap-and-
// flush) by the caller before this runs, so a failure here only loses the
// individual observation, never re-corrupts in-memory state.
func FlushTravelObservations(db *sqlx.DB, batch []TravelObservation) []error {
	var errs []error
	for _, obs := range batch {
		if err := UpsertTravelTimeSegment(db, obs); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
