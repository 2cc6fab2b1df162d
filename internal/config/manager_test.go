package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApplyHotReloadUpdatesWhitelistedFields(t *testing.T) {
	m := NewManager(Defaults(), nil)
	ch := m.OnChange("*")
	<-ch // drain the initial notification

	require.NoError(t, m.ApplyHotReload(context.Background(), map[string]any{
		"logging_level":                   float64(0),
		"registration_heartbeat_interval": float64(10),
	}))

	cfg := m.GetConfig()
	require.Equal(t, 0, cfg.LoggingLevel)
	require.Equal(t, 10.0, cfg.RegistrationHeartbeatInterval)

	select {
	case update := <-ch:
		require.Equal(t, 0, update.Config.LoggingLevel)
	case <-time.After(time.Second):
		t.Fatal("expected a change notification")
	}
}

func TestApplyHotReloadRejectsUnknownType(t *testing.T) {
	m := NewManager(Defaults(), nil)
	err := m.ApplyHotReload(context.Background(), map[string]any{"logging_level": "not a number"})
	require.Error(t, err)
}

func TestResolvePortsFallsBackToHTTPPort(t *testing.T) {
	cfg := Defaults()
	cfg.HTTPPort = 8080
	cfg.NodePort = 8081
	cfg.ResolvePorts()

	require.Equal(t, 8081, cfg.NodePort)
	require.Equal(t, 8080, cfg.ConnectionPort)
	require.Equal(t, 8080, cfg.EventsWSPort)
}

func TestConfigCloneIsIndependent(t *testing.T) {
	cfg := Defaults()
	clone := cfg.Clone()
	clone.LoggingLevel = -10

	require.Equal(t, 25, cfg.LoggingLevel)
	require.Equal(t, -10, clone.LoggingLevel)
}
