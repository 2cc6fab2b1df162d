package natsbridge

import (
	"context"
	"encoding/json"

	nmoserrors "github.com/nmosnode/node/internal/errors"
)

// ConnectionParams is the cached snapshot of one IS-05 endpoint's staged or
// active parameter set, keyed by sender/receiver id.
type ConnectionParams struct {
	Kind   string          `json:"kind"` // "senders" or "receivers"
	ID     string          `json:"id"`
	Staged json.RawMessage `json:"staged,omitempty"`
	Active json.RawMessage `json:"active,omitempty"`
}

// PutConnectionParams writes the given snapshot into the JetStream KV bucket.
// It is a no-op returning nil when the bridge has no live connection, so
// callers never need to branch on Enabled() themselves.
func (b *Bridge) PutConnectionParams(ctx context.Context, p ConnectionParams) error {
	bucket, enabled := b.connectionParamsBucket()
	if !enabled {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nmoserrors.WrapInvalid(err, "natsbridge", "PutConnectionParams", "marshal snapshot")
	}
	key := connectionParamKey(p.Kind, p.ID, "snapshot")
	if _, err := bucket.Put(ctx, key, data); err != nil {
		return nmoserrors.WrapTransient(err, "natsbridge", "PutConnectionParams", "kv put "+key)
	}
	return nil
}

// GetConnectionParams reads back the cached snapshot for kind/id, returning
// ok=false if the bridge is disabled or no snapshot was ever written.
func (b *Bridge) GetConnectionParams(ctx context.Context, kind, id string) (ConnectionParams, bool, error) {
	bucket, enabled := b.connectionParamsBucket()
	if !enabled {
		return ConnectionParams{}, false, nil
	}
	key := connectionParamKey(kind, id, "snapshot")
	entry, err := bucket.Get(ctx, key)
	if err != nil {
		return ConnectionParams{}, false, nil
	}
	var p ConnectionParams
	if err := json.Unmarshal(entry.Value(), &p); err != nil {
		return ConnectionParams{}, false, nmoserrors.WrapInvalid(err, "natsbridge", "GetConnectionParams", "unmarshal snapshot")
	}
	return p, true, nil
}
