// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package streaming

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clusterrunner/clusterrunner/internal/eventbus"
)

// WebSocketServer exposes the build event bus over WebSocket: one message
// per BuildEvent for the build_id given in the query string.
type WebSocketServer struct {
	bus      *eventbus.Bus
	upgrader websocket.Upgrader
}

// NewWebSocketServer creates a WebSocket server backed by bus.
func NewWebSocketServer(bus *eventbus.Bus) *WebSocketServer {
	return &WebSocketServer{
		bus: bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket upgrades the connection and streams BuildEvents for the
// build_id query parameter until the client disconnects.
func (ws *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	buildID, err := parseBuildID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Printf("websocket close error: %v", err)
		}
	}()

	events, unsubscribe := ws.bus.Subscribe(buildID)
	defer unsubscribe()

	done := make(chan struct{})
	go ws.discardIncoming(conn, done)

	ws.streamEvents(conn, events, done)
}

// discardIncoming reads and discards client frames so control frames
// (ping, pong, close) are processed; it signals done when the client
// disconnects.
func (ws *WebSocketServer) discardIncoming(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (ws *WebSocketServer) streamEvents(conn *websocket.Conn, events <-chan eventbus.BuildEvent, done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				log.Printf("websocket write error: %v", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func parseBuildID(r *http.Request) (int32, error) {
	raw := r.URL.Query().Get("build_id")
	id, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, errInvalidBuildID
	}
	return int32(id), nil
}
