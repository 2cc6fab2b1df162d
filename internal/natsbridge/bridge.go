// Package natsbridge mirrors registration state transitions and event grains
// onto NATS subjects, and caches staged/active Connection API parameters in a
// JetStream KV bucket, for external monitoring and as a hot cache that never
// needs to survive a restart. It is entirely optional: a Bridge with no
// reachable broker degrades every call to a logged no-op rather than blocking
// the subsystems it observes.
package natsbridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	nmoserrors "github.com/nmosnode/node/internal/errors"
)

const (
	SubjectRegistrationState = "nmosnode.registration.state"
	SubjectEventsGrain       = "nmosnode.events.grain"

	kvBucketConnection = "nmosnode_connection_params"
)

// Bridge owns one NATS connection and, once connected, a JetStream context
// and the Connection API parameter KV bucket. A nil/disconnected Bridge is
// safe to call: every publish and KV write becomes a logged no-op.
type Bridge struct {
	url    string
	nodeID string
	log    *slog.Logger

	mu      sync.RWMutex
	conn    *nats.Conn
	js      jetstream.JetStream
	params  jetstream.KeyValue
	enabled bool
}

// New returns a Bridge that has not yet attempted to connect. Pass url == ""
// to get a permanently-disabled bridge (the Node's default: nats_url unset).
func New(url, nodeID string, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{url: url, nodeID: nodeID, log: log}
}

// Connect dials the configured NATS URL and provisions the Connection API
// parameter KV bucket. It is a no-op returning nil if no URL was configured.
func (b *Bridge) Connect(ctx context.Context) error {
	if b.url == "" {
		return nil
	}

	conn, err := nats.Connect(b.url,
		nats.Name("nmos-node/"+b.nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.log.Warn("natsbridge: disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			b.log.Info("natsbridge: reconnected", "url", b.url)
		}),
	)
	if err != nil {
		return nmoserrors.WrapTransient(err, "natsbridge", "Connect", "dial "+b.url)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nmoserrors.WrapFatal(err, "natsbridge", "Connect", "create jetstream context")
	}

	kv, err := js.KeyValue(ctx, kvBucketConnection)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket: kvBucketConnection,
			TTL:    0, // process-lifetime cache only; Non-goal forbids cross-restart persistence
		})
		if err != nil {
			conn.Close()
			return nmoserrors.WrapFatal(err, "natsbridge", "Connect", "create connection params bucket")
		}
	}

	b.mu.Lock()
	b.conn, b.js, b.params, b.enabled = conn, js, kv, true
	b.mu.Unlock()

	b.log.Info("natsbridge: connected", "url", b.url)
	return nil
}

// Close drains and closes the underlying connection. Safe to call on a
// disabled Bridge.
func (b *Bridge) Close() error {
	b.mu.Lock()
	conn := b.conn
	b.conn, b.js, b.params, b.enabled = nil, nil, nil, false
	b.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Drain()
}

// Enabled reports whether Connect established a live connection.
func (b *Bridge) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enabled
}

func (b *Bridge) publish(subject string, payload []byte) {
	b.mu.RLock()
	conn := b.conn
	enabled := b.enabled
	b.mu.RUnlock()

	if !enabled || conn == nil {
		return
	}
	if err := conn.Publish(subject, payload); err != nil {
		b.log.Warn("natsbridge: publish failed", "subject", subject, "error", err)
	}
}

func (b *Bridge) connectionParamsBucket() (jetstream.KeyValue, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.params, b.enabled
}

func connectionParamKey(kind, id, staged string) string {
	return fmt.Sprintf("%s.%s.%s", kind, id, staged)
}
