package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nmosnode/node/internal/events"
	"github.com/nmosnode/node/internal/model"
	"github.com/nmosnode/node/internal/resourcestore"
	"github.com/stretchr/testify/require"
)

func bytesReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }

func newTestFacade(t *testing.T) (*Facade, *resourcestore.Store) {
	store := resourcestore.New()
	require.NoError(t, store.Insert(&model.Resource{
		ID: "node-1", Type: model.TypeNode,
		Payload: []byte(`{"label":"test-node"}`),
	}))
	require.NoError(t, store.Insert(&model.Resource{
		ID: "dev-1", Type: model.TypeDevice,
		Payload: []byte(`{"label":"test-device"}`),
		Parents: []model.Ref{{Field: "node_id", ID: "node-1"}},
	}))

	eng := events.New(nil, func(string) (events.SourceState, bool) { return events.SourceState{}, false })
	f := NewFacade(store, eng, nil, nil, "node-1", "127.0.0.1", 8080, nil)
	return f, store
}

func TestHandleSelfReturnsNode(t *testing.T) {
	f, _ := newTestFacade(t)
	mux := http.NewServeMux()
	f.RegisterHTTPHandlers("/", mux)

	req := httptest.NewRequest(http.MethodGet, "/x-nmos/node/v1.3/self", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "node-1", body["id"])
}

func TestHandleSelfNotFound(t *testing.T) {
	store := resourcestore.New()
	eng := events.New(nil, func(string) (events.SourceState, bool) { return events.SourceState{}, false })
	f := NewFacade(store, eng, nil, nil, "missing-node", "127.0.0.1", 8080, nil)
	mux := http.NewServeMux()
	f.RegisterHTTPHandlers("/", mux)

	req := httptest.NewRequest(http.MethodGet, "/x-nmos/node/v1.3/self", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCollectionListsDevices(t *testing.T) {
	f, _ := newTestFacade(t)
	mux := http.NewServeMux()
	f.RegisterHTTPHandlers("/", mux)

	req := httptest.NewRequest(http.MethodGet, "/x-nmos/node/v1.3/devices", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body []json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1)
}

func TestConnectionStagedImmediateActivatesSynchronously(t *testing.T) {
	f, _ := newTestFacade(t)
	mux := http.NewServeMux()
	f.RegisterHTTPHandlers("/", mux)

	patch := endpointParams{
		"transport_params": json.RawMessage(`{"destination_port":5000}`),
		"activation":       json.RawMessage(`{"mode":"activate_immediate"}`),
	}
	body, err := json.Marshal(patch)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPatch, "/x-nmos/connection/v1.0/single/senders/snd-1/staged", bytesReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/x-nmos/connection/v1.0/single/senders/snd-1/active", nil)
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)

	var active endpointParams
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &active))
	require.NotEmpty(t, active.activation().ActivationTime)
}

// TestConnectionStagedPreservesUnrelatedFields covers the IS-05 passthrough
// requirement: a PATCH that only sets master_enable must not drop
// transport_params staged by an earlier PATCH, and master_enable itself must
// survive into the activated /active body even though this layer never
// interprets it.
func TestConnectionStagedPreservesUnrelatedFields(t *testing.T) {
	f, _ := newTestFacade(t)
	mux := http.NewServeMux()
	f.RegisterHTTPHandlers("/", mux)

	first := endpointParams{"transport_params": json.RawMessage(`{"destination_port":5000}`)}
	body1, err := json.Marshal(first)
	require.NoError(t, err)
	req1 := httptest.NewRequest(http.MethodPatch, "/x-nmos/connection/v1.0/single/receivers/rcv-2/staged", bytesReader(body1))
	rec1 := httptest.NewRecorder()
	mux.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusOK, rec1.Code)

	second := endpointParams{
		"master_enable": json.RawMessage(`true`),
		"activation":    json.RawMessage(`{"mode":"activate_immediate"}`),
	}
	body2, err := json.Marshal(second)
	require.NoError(t, err)
	req2 := httptest.NewRequest(http.MethodPatch, "/x-nmos/connection/v1.0/single/receivers/rcv-2/staged", bytesReader(body2))
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)

	req3 := httptest.NewRequest(http.MethodGet, "/x-nmos/connection/v1.0/single/receivers/rcv-2/active", nil)
	rec3 := httptest.NewRecorder()
	mux.ServeHTTP(rec3, req3)
	require.Equal(t, http.StatusOK, rec3.Code)

	var active endpointParams
	require.NoError(t, json.Unmarshal(rec3.Body.Bytes(), &active))
	require.JSONEq(t, `true`, string(active["master_enable"]))
	require.JSONEq(t, `{"destination_port":5000}`, string(active["transport_params"]))
}

func TestConnectionStagedScheduledReplacesPending(t *testing.T) {
	f, _ := newTestFacade(t)
	ep := f.connection.endpointFor("receivers", "rcv-1")

	first := endpointParams{"activation": json.RawMessage(`{"mode":"activate_scheduled_relative","requested_time":"1h"}`)}
	require.NoError(t, f.applyStaged(ep, first, "receivers", "rcv-1"))
	ep.mu.Lock()
	firstTimer := ep.pending
	ep.mu.Unlock()
	require.NotNil(t, firstTimer)

	second := endpointParams{"activation": json.RawMessage(`{"mode":"activate_scheduled_relative","requested_time":"10ms"}`)}
	require.NoError(t, f.applyStaged(ep, second, "receivers", "rcv-1"))

	require.Eventually(t, func() bool {
		ep.mu.Lock()
		defer ep.mu.Unlock()
		return ep.active.activation().ActivationTime != ""
	}, time.Second, 5*time.Millisecond)
}

func TestSettingsAllRoundTrip(t *testing.T) {
	f, _ := newTestFacade(t)
	mux := http.NewServeMux()
	f.RegisterHTTPHandlers("/", mux)

	patch := []byte(`{"logging_level": 0}`)
	req := httptest.NewRequest(http.MethodPatch, "/settings/all", bytesReader(patch))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/settings/all", nil)
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req2)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &body))
	require.Equal(t, float64(0), body["logging_level"])
}
