package natsbridge

import (
	"encoding/json"

	"github.com/nmosnode/node/internal/events"
	"github.com/nmosnode/node/internal/registration"
)

// registrationStateEvent is the wire shape published to SubjectRegistrationState.
type registrationStateEvent struct {
	NodeID string `json:"node_id"`
	State  string `json:"state"`
}

// MirrorRegistrationState returns a callback suitable for
// registration.Client.OnStateChange that publishes every transition to
// SubjectRegistrationState. Intended to be chained after any other
// OnStateChange consumer (e.g. health.Monitor) the caller already installed.
func (b *Bridge) MirrorRegistrationState() func(registration.State) {
	return func(s registration.State) {
		payload, err := json.Marshal(registrationStateEvent{NodeID: b.nodeID, State: s.String()})
		if err != nil {
			b.log.Warn("natsbridge: marshal registration state", "error", err)
			return
		}
		b.publish(SubjectRegistrationState, payload)
	}
}

// grainEvent is the wire shape published to SubjectEventsGrain.
type grainEvent struct {
	SourceID        string          `json:"source_id"`
	EventType       string          `json:"event_type"`
	OriginTimestamp string          `json:"origin_timestamp"`
	Value           json.RawMessage `json:"value,omitempty"`
}

// MirrorGrains returns a callback suitable for events.Engine.OnGrain that
// publishes every emitted grain to SubjectEventsGrain for external monitoring.
func (b *Bridge) MirrorGrains() func(events.Grain) {
	return func(g events.Grain) {
		payload, err := json.Marshal(grainEvent{
			SourceID:        g.SourceID,
			EventType:       string(g.EventType),
			OriginTimestamp: g.OriginTimestamp.String(),
			Value:           g.Value,
		})
		if err != nil {
			b.log.Warn("natsbridge: marshal grain", "error", err)
			return
		}
		b.publish(SubjectEventsGrain, payload)
	}
}
