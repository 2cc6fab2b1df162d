package natsbridge

import (
	"context"
	"testing"

	"github.com/nmosnode/node/internal/events"
	"github.com/nmosnode/node/internal/registration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledBridgeConnectIsNoop(t *testing.T) {
	b := New("", "node-1", nil)
	require.NoError(t, b.Connect(context.Background()))
	assert.False(t, b.Enabled())
}

func TestDisabledBridgePublishAndKVAreNoops(t *testing.T) {
	b := New("", "node-1", nil)
	require.NoError(t, b.Connect(context.Background()))

	mirrorState := b.MirrorRegistrationState()
	mirrorState(registration.Heartbeating) // must not panic despite no connection

	mirrorGrain := b.MirrorGrains()
	mirrorGrain(events.Grain{SourceID: "src-1"})

	require.NoError(t, b.PutConnectionParams(context.Background(), ConnectionParams{Kind: "senders", ID: "snd-1"}))

	_, ok, err := b.GetConnectionParams(context.Background(), "senders", "snd-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDisabledBridgeCloseIsNoop(t *testing.T) {
	b := New("", "node-1", nil)
	require.NoError(t, b.Close())
}

func TestConnectionParamKeyIsStableAndScoped(t *testing.T) {
	a := connectionParamKey("senders", "snd-1", "snapshot")
	b := connectionParamKey("receivers", "snd-1", "snapshot")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, connectionParamKey("senders", "snd-1", "snapshot"))
}
