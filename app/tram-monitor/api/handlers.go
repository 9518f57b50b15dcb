package api

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/empsgit/tram-monitor-ekb/business/eta"
	"github.com/empsgit/tram-monitor-ekb/business/stopdetect"
	"github.com/gorilla/mux"
)

// maxArrivals caps the per-stop arrivals response per §6.
const maxArrivals = 15

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleVehicles(w http.ResponseWriter, r *http.Request) {
	routeFilter := r.URL.Query().Get("route")
	writeJSON(w, http.StatusOK, map[string]any{
		"vehicles": s.tracker.Snapshot(routeFilter),
	})
}

// arrival is one vehicle's estimated arrival at the requested stop.
type arrival struct {
	VehicleID  string `json:"vehicle_id"`
	Route      string `json:"route"`
	EtaSeconds *int   `json:"eta_seconds"`
}

// handleArrivals implements §6's per-stop arrivals contract: scan every
// tracked vehicle's retained full upcoming-stop list for the requested
// stop, estimate via §4.4 on the prefix through it, sort ascending, cap,
// and exclude ghosts.
func (s *Service) handleArrivals(w http.ResponseWriter, r *http.Request) {
	stopIDRaw := mux.Vars(r)["stopId"]
	stopID, ok := parseStopID(stopIDRaw)
	if !ok {
		http.Error(w, "invalid stop id", http.StatusBadRequest)
		return
	}
	routeFilter := r.URL.Query().Get("route")

	var arrivals []arrival
	for _, devID := range s.tracker.AllTrackedVehicleIDs() {
		state, ok := s.tracker.VehicleByID(devID)
		if !ok || state.SignalLost {
			continue
		}
		if routeFilter != "" && state.Route != routeFilter {
			continue
		}

		upcoming, ok := s.tracker.UpcomingStopsFor(devID)
		if !ok {
			continue
		}
		prefix, found := prefixThroughStop(upcoming, stopID)
		if !found {
			continue
		}

		estimates := eta.EstimateWithTuning(state.Lat, state.Lon, state.SpeedKmh, prefix, s.tracker.EtaTuning())
		if len(estimates) == 0 {
			continue
		}
		last := estimates[len(estimates)-1]
		arrivals = append(arrivals, arrival{VehicleID: devID, Route: state.Route, EtaSeconds: last.Seconds})
	}

	sort.Slice(arrivals, func(i, j int) bool {
		return arrivalRank(arrivals[i]) < arrivalRank(arrivals[j])
	})
	if len(arrivals) > maxArrivals {
		arrivals = arrivals[:maxArrivals]
	}

	writeJSON(w, http.StatusOK, map[string]any{"arrivals": arrivals})
}

// prefixThroughStop returns the prefix of upcoming ending at (and including)
// stopID, or false if the stop isn't in the list.
func prefixThroughStop(upcoming []stopdetect.StopOnRoute, stopID int) ([]stopdetect.StopOnRoute, bool) {
	for i, s := range upcoming {
		if s.StopID == stopID {
			return upcoming[:i+1], true
		}
	}
	return nil, false
}

// arrivalRank sorts unknown (nil) ETAs last rather than first.
func arrivalRank(a arrival) int {
	if a.EtaSeconds == nil {
		return eta.MaxEtaSeconds + 1
	}
	return *a.EtaSeconds
}

// diagnostics is the §6 diagnostics payload: per-route counts, matched vs
// unmatched vehicles, recent projection events grouped by kind, and a
// per-route resolution/stop-table breakdown.
type diagnostics struct {
	MatchedVehicles   int             `json:"matched_vehicles"`
	UnmatchedVehicles int             `json:"unmatched_vehicles"`
	EventCountsByKind map[string]int  `json:"event_counts_by_kind"`
	RecentEvents      []eventView     `json:"recent_events"`
	Routes            []routeDiagView `json:"routes"`
}

type eventView struct {
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	VehicleID string `json:"vehicle_id"`
	RouteID   int    `json:"route_id"`
}

// routeDiagView is one route's resolution counts plus its direction-0 stop
// table with cumulative distances, as computed by the stop detector.
type routeDiagView struct {
	RouteID        int            `json:"route_id"`
	RouteNumber    string         `json:"route_number"`
	MatchedCount   int            `json:"matched_count"`
	UnmatchedCount int            `json:"unmatched_count"`
	Stops          []stopDiagView `json:"stops"`
}

type stopDiagView struct {
	StopID              int     `json:"stop_id"`
	Name                string  `json:"name"`
	Order               int     `json:"order"`
	CumulativeDistanceM float64 `json:"cumulative_distance_m"`
}

func (s *Service) handleDiagnostics(w http.ResponseWriter, _ *http.Request) {
	vehicles := s.tracker.Snapshot("")
	matched, unmatched := 0, 0
	for _, v := range vehicles {
		if v.Progress != nil {
			matched++
		} else {
			unmatched++
		}
	}

	events := s.tracker.RecentEvents()
	counts := make(map[string]int)
	views := make([]eventView, len(events))
	for i, e := range events {
		counts[string(e.Kind)]++
		views[i] = eventView{
			Timestamp: e.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
			Kind:      string(e.Kind),
			VehicleID: e.DevID,
			RouteID:   e.RouteID,
		}
	}

	routeDiags := s.tracker.RouteDiagnostics()
	routes := make([]routeDiagView, len(routeDiags))
	for i, rd := range routeDiags {
		stops := make([]stopDiagView, len(rd.Stops))
		for j, st := range rd.Stops {
			stops[j] = stopDiagView{
				StopID:              st.StopID,
				Name:                st.Name,
				Order:               st.Order,
				CumulativeDistanceM: st.CumulativeDistanceM,
			}
		}
		routes[i] = routeDiagView{
			RouteID:        rd.RouteID,
			RouteNumber:    rd.RouteNumber,
			MatchedCount:   rd.MatchedCount,
			UnmatchedCount: rd.UnmatchedCount,
			Stops:          stops,
		}
	}

	writeJSON(w, http.StatusOK, diagnostics{
		MatchedVehicles:   matched,
		UnmatchedVehicles: unmatched,
		EventCountsByKind: counts,
		RecentEvents:      views,
		Routes:            routes,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
