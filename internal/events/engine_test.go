package events

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestHandleUpgradeEmitsInitialGrain(t *testing.T) {
	engine := New(nil, func(sourceID string) (SourceState, bool) {
		return SourceState{SourceID: sourceID, EventType: "number/temperature/C", Value: []byte(`20.0`)}, true
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, engine.HandleUpgrade(w, r, []string{"temp-1"}))
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return engine.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var payload wireGrainT
	require.NoError(t, conn.ReadJSON(&payload))
	require.Equal(t, "number/temperature/C", payload.Payload.Type.Name)
}

func TestPublishMatchesWildcardSubscription(t *testing.T) {
	engine := New(nil, func(string) (SourceState, bool) { return SourceState{}, false })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, engine.HandleUpgrade(w, r, []string{"temp-1"}))
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return engine.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	engine.mu.RLock()
	for c := range engine.conns {
		for _, sub := range c.subs {
			sub.eventType = "number/temperature/*"
		}
	}
	engine.mu.RUnlock()

	engine.Publish(SourceState{SourceID: "temp-1", EventType: "number/temperature/C", Value: []byte(`21.5`)})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var payload wireGrainT
	require.NoError(t, conn.ReadJSON(&payload))
	require.Equal(t, "number/temperature/C", payload.Payload.Type.Name)
}
