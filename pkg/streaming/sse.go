// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package streaming

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/clusterrunner/clusterrunner/internal/eventbus"
)

var errInvalidBuildID = errors.New("build_id query parameter is required and must be an integer")

// SSEServer exposes the build event bus over Server-Sent Events: one
// "data:" frame per BuildEvent for the build_id given in the query string.
type SSEServer struct {
	bus *eventbus.Bus
}

// NewSSEServer creates a Server-Sent Events server backed by bus.
func NewSSEServer(bus *eventbus.Bus) *SSEServer {
	return &SSEServer{bus: bus}
}

// SSEEvent represents a single Server-Sent Event frame.
type SSEEvent struct {
	ID    string      `json:"id,omitempty"`
	Event string      `json:"event,omitempty"`
	Data  interface{} `json:"data"`
	Retry int         `json:"retry,omitempty"`
}

// HandleSSE streams BuildEvents for the build_id query parameter until the
// client disconnects.
func (sse *SSEServer) HandleSSE(w http.ResponseWriter, r *http.Request) {
	buildID, err := parseBuildID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	events, unsubscribe := sse.bus.Subscribe(buildID)
	defer unsubscribe()

	sse.writeSSEEvent(w, flusher, SSEEvent{
		Event: "connected",
		Data:  map[string]any{"build_id": buildID},
	})

	ctx := r.Context()
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case evt, ok := <-events:
			if !ok {
				sse.writeSSEEvent(w, flusher, SSEEvent{Event: "stream_closed", Data: map[string]any{"build_id": buildID}})
				return
			}
			sse.writeSSEEvent(w, flusher, SSEEvent{
				ID:    fmt.Sprintf("%d-%d", buildID, evt.Timestamp.UnixNano()),
				Event: string(evt.Type),
				Data:  evt,
			})
		}
	}
}

func (sse *SSEServer) writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event SSEEvent) {
	if event.ID != "" {
		fmt.Fprintf(w, "id: %s\n", event.ID)
	}
	if event.Event != "" {
		fmt.Fprintf(w, "event: %s\n", event.Event)
	}

	data, err := json.Marshal(event.Data)
	if err != nil {
		fmt.Fprintf(w, "data: {\"error\": \"failed to marshal data\"}\n")
	} else {
		fmt.Fprintf(w, "data: %s\n", string(data))
	}

	if event.Retry > 0 {
		fmt.Fprintf(w, "retry: %d\n", event.Retry)
	}

	fmt.Fprintf(w, "\n")
	flusher.Flush()
}

// keepaliveInterval is how often a comment frame is sent to keep
// intermediate proxies from closing an idle SSE connection.
const keepaliveInterval = 30 * time.Second
