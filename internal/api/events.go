package api

import (
	"net/http"

	"github.com/nmosnode/node/internal/model"
	"github.com/nmosnode/node/pkg/timestamp"
)

var eventsAPIClock timestamp.VersionClock

// handleEventsSource serves "/x-nmos/events/v1.0/sources/{id}/type" and
// ".../state" (§4.6), both GET-only projections of the source's current
// event type and value as tracked by the events engine's producer side.
func (f *Facade) handleEventsSource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	const prefixV10 = "x-nmos/events/v1.0/sources/"
	id := pathID(r.URL.Path, prefixV10)
	if id == "" {
		writeError(w, http.StatusNotFound, "missing source id")
		return
	}

	switch {
	case hasSuffix(r.URL.Path, "/type"):
		res, err := f.Store.Get(id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if res.Type != model.TypeSource {
			writeError(w, http.StatusNotFound, "not an event source")
			return
		}
		var eventType string
		_ = res.Field("event_type", &eventType)
		writeJSON(w, http.StatusOK, map[string]any{"identifier": map[string]string{"name": eventType}})

	case hasSuffix(r.URL.Path, "/state"):
		state, ok := f.currentState(id)
		if !ok {
			writeError(w, http.StatusNotFound, "no current state for source")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"identifier": map[string]string{"name": string(state.EventType)},
			"timing":     map[string]string{"creation_timestamp": eventsAPIClock.Next().String()},
			"payload":    map[string]any{"value": state.Value},
		})

	default:
		writeError(w, http.StatusNotFound, "unknown events sub-resource")
	}
}

func hasSuffix(path, suffix string) bool {
	if len(path) < len(suffix) {
		return false
	}
	return path[len(path)-len(suffix):] == suffix
}

// currentState adapts Facade's stored source lookup to the same shape the events
// engine consults; the engine package itself does not expose Store access, so the
// API facade re-derives "current" straight from the Resource Store's payload.
func (f *Facade) currentState(sourceID string) (eventsSourceState, bool) {
	res, err := f.Store.Get(sourceID)
	if err != nil || res.Type != model.TypeSource {
		return eventsSourceState{}, false
	}
	var eventType string
	_ = res.Field("event_type", &eventType)
	return eventsSourceState{EventType: model.EventType(eventType), Value: res.Payload}, true
}

type eventsSourceState struct {
	EventType model.EventType
	Value     []byte
}
