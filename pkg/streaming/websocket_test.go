// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package streaming_test

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterrunner/clusterrunner/internal/eventbus"
	"github.com/clusterrunner/clusterrunner/pkg/streaming"
)

func newWebSocketTestServer(t *testing.T, bus *eventbus.Bus) (*httptest.Server, string) {
	t.Helper()
	ws := streaming.NewWebSocketServer(bus)
	server := httptest.NewServer(http.HandlerFunc(ws.HandleWebSocket))
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	return server, wsURL
}

func TestWebSocketServer_StreamsEventsForBuildID(t *testing.T) {
	bus := eventbus.NewBus()
	server, wsURL := newWebSocketTestServer(t, bus)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?build_id=42", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return bus.SubscriberCount(42) == 1
	}, time.Second, 10*time.Millisecond)

	bus.Publish(eventbus.BuildEvent{BuildID: 42, Type: eventbus.EventBuildStarted, State: "RUNNING", Timestamp: time.Now()})

	var got eventbus.BuildEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, int32(42), got.BuildID)
	assert.Equal(t, eventbus.EventBuildStarted, got.Type)
}

func TestWebSocketServer_IgnoresOtherBuildIDs(t *testing.T) {
	bus := eventbus.NewBus()
	server, wsURL := newWebSocketTestServer(t, bus)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?build_id=1", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return bus.SubscriberCount(1) == 1
	}, time.Second, 10*time.Millisecond)

	bus.Publish(eventbus.BuildEvent{BuildID: 2, Type: eventbus.EventBuildStarted})
	bus.Publish(eventbus.BuildEvent{BuildID: 1, Type: eventbus.EventBuildFinished})

	var got eventbus.BuildEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, int32(1), got.BuildID)
	assert.Equal(t, eventbus.EventBuildFinished, got.Type)
}

func TestWebSocketServer_RejectsMissingBuildID(t *testing.T) {
	bus := eventbus.NewBus()
	ws := streaming.NewWebSocketServer(bus)
	server := httptest.NewServer(http.HandlerFunc(ws.HandleWebSocket))
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketServer_UnsubscribesOnDisconnect(t *testing.T) {
	bus := eventbus.NewBus()
	server, wsURL := newWebSocketTestServer(t, bus)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?build_id="+strconv.Itoa(7), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bus.SubscriberCount(7) == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return bus.SubscriberCount(7) == 0
	}, time.Second, 10*time.Millisecond, "expected subscriber for build 7 to be removed")
}
