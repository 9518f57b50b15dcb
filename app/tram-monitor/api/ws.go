package api

import (
	"encoding/json"
	"net/http"

	"github.com/empsgit/tram-monitor-ekb/app/tram-monitor/monitor"
	"github.com/gorilla/websocket"
)

// handleLiveUpdates upgrades the connection, sends one snapshot frame, then
// relays every subsequent broadcaster publish as an update frame until the
// client disconnects or falls behind and is dropped. Grounded on the
// sagostin-goefidash websocket server's per-client writer/reader goroutine
// split (handleWS): a writer goroutine drains the subscription channel while
// a reader goroutine detects disconnects and unsubscribes.
func (s *Service) handleLiveUpdates(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Printf("api: websocket upgrade failed: %v", err)
		return
	}

	if snapshot, err := s.broadcaster.LatestSnapshot(); err == nil && snapshot != nil {
		if err := conn.WriteMessage(websocket.TextMessage, snapshot); err != nil {
			conn.Close()
			return
		}
	} else {
		frame, marshalErr := json.Marshal(struct {
			Type     string                 `json:"type"`
			Vehicles []monitor.VehicleState `json:"vehicles"`
		}{Type: "snapshot", Vehicles: s.tracker.Snapshot("")})
		if marshalErr == nil {
			conn.WriteMessage(websocket.TextMessage, frame)
		}
	}

	sub := s.broadcaster.Subscribe()

	go func() {
		defer conn.Close()
		for msg := range sub {
			update, err := toUpdateFrame(msg)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, update); err != nil {
				break
			}
		}
	}()

	defer s.broadcaster.Unsubscribe(sub)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// toUpdateFrame relabels a broadcaster snapshot payload (type "snapshot")
// as an update frame (type "update"), the shape the live-stream contract
// requires for every message after the first.
func toUpdateFrame(snapshot []byte) ([]byte, error) {
	var decoded struct {
		Vehicles json.RawMessage `json:"vehicles"`
	}
	if err := json.Unmarshal(snapshot, &decoded); err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Type     string          `json:"type"`
		Vehicles json.RawMessage `json:"vehicles"`
	}{Type: "update", Vehicles: decoded.Vehicles})
}
