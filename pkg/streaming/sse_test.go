// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package streaming_test

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterrunner/clusterrunner/internal/eventbus"
	"github.com/clusterrunner/clusterrunner/pkg/streaming"
)

func TestSSEServer_RejectsMissingBuildID(t *testing.T) {
	bus := eventbus.NewBus()
	sse := streaming.NewSSEServer(bus)

	req := httptest.NewRequest(http.MethodGet, "/v1/stream/events", nil)
	w := httptest.NewRecorder()

	sse.HandleSSE(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSSEServer_StreamsConnectedThenEvent(t *testing.T) {
	bus := eventbus.NewBus()
	sse := streaming.NewSSEServer(bus)

	server := httptest.NewServer(http.HandlerFunc(sse.HandleSSE))
	defer server.Close()

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(server.URL + "/v1/stream/events?build_id=9")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	connectedLine := readUntilPrefix(t, reader, "event: connected")
	assert.Contains(t, connectedLine, "connected")

	require.Eventually(t, func() bool {
		return bus.SubscriberCount(9) == 1
	}, time.Second, 10*time.Millisecond)

	bus.Publish(eventbus.BuildEvent{BuildID: 9, Type: eventbus.EventBuildFinished, State: "PASSED", Timestamp: time.Now()})

	eventLine := readUntilPrefix(t, reader, "event: build_finished")
	assert.Contains(t, eventLine, "build_finished")

	dataLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dataLine, "data: "))
	assert.Contains(t, dataLine, `"build_id":9`)
}

func readUntilPrefix(t *testing.T, reader *bufio.Reader, prefix string) string {
	t.Helper()
	for i := 0; i < 20; i++ {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, prefix) {
			return line
		}
	}
	t.Fatalf("did not find line with prefix %q", prefix)
	return ""
}
