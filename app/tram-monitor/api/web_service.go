// Package api exposes the tracker's state over HTTP and WebSocket: a
// snapshot endpoint, per-stop arrivals, diagnostics, and a live update
// stream. Grounded on gtfs-tripupdate-svc/tripupdate's web_service.go
// mux.Router/http.Server shape, with the live-stream handler's
// per-client writer/reader goroutine pattern grounded on the
// sagostin-goefidash websocket server.
package api

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/empsgit/tram-monitor-ekb/app/tram-monitor/monitor"
	"github.com/empsgit/tram-monitor-ekb/business/broadcast"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Service holds everything the HTTP surface reads from.
type Service struct {
	log         *log.Logger
	tracker     *monitor.Tracker
	broadcaster *broadcast.Broadcaster
	upgrader    websocket.Upgrader
}

// NewService wires a Service.
func NewService(log *log.Logger, tracker *monitor.Tracker, broadcaster *broadcast.Broadcaster) *Service {
	return &Service{
		log:         log,
		tracker:     tracker,
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// NewServer builds the configured http.Server, routes registered on a
// gorilla/mux router, matching the teacher's web_service.go shape.
func NewServer(addr string, log *log.Logger, tracker *monitor.Tracker, broadcaster *broadcast.Broadcaster) *http.Server {
	svc := NewService(log, tracker, broadcaster)

	r := mux.NewRouter()
	r.HandleFunc("/api/health", svc.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/vehicles", svc.handleVehicles).Methods(http.MethodGet)
	r.HandleFunc("/api/stops/{stopId}/arrivals", svc.handleArrivals).Methods(http.MethodGet)
	r.HandleFunc("/api/diagnostics", svc.handleDiagnostics).Methods(http.MethodGet)
	r.HandleFunc("/ws/vehicles", svc.handleLiveUpdates)

	return &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Run starts srv and blocks until ctx is cancelled, then shuts down within a
// bounded grace period — the teacher's runWebService shape generalized to a
// context instead of a shutdown-signal channel.
func Run(ctx context.Context, srv *http.Server, log *log.Logger) {
	go func() {
		log.Printf("api: listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("api: ListenAndServe ended: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("api: shutdown error: %v", err)
	}
}

func parseStopID(raw string) (int, bool) {
	id, err := strconv.Atoi(raw)
	return id, err == nil
}
