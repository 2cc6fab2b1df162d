package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Update is a configuration change notification delivered to a subscriber.
type Update struct {
	Path   string
	Config *Config
}

// hotReloadable is the /settings/all PATCH whitelist (spec.md §6): only these
// two fields may be changed at runtime, everything else requires a restart.
type hotReloadable struct {
	LoggingLevel                  *int     `json:"logging_level,omitempty"`
	RegistrationHeartbeatInterval *float64 `json:"registration_heartbeat_interval,omitempty"`
}

// Manager centralizes configuration access and change notification in-memory,
// replacing the teacher's NATS JetStream KV sync: the Node runs single-process
// with no cross-restart persistence (spec.md's Non-goal), so there is nothing
// for a distributed store to keep in sync.
type Manager struct {
	config *SafeConfig
	log    *slog.Logger

	mu          sync.Mutex
	subscribers map[string][]chan Update
}

// NewManager returns a Manager seeded with cfg.
func NewManager(cfg *Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		config:      NewSafeConfig(cfg),
		log:         log,
		subscribers: make(map[string][]chan Update),
	}
}

// GetConfig returns the current configuration.
func (m *Manager) GetConfig() *Config { return m.config.Get() }

// OnChange returns a channel that receives an Update every time ApplyHotReload
// or ReplaceConfig changes the live configuration. The channel is buffered by
// one and receives the current config immediately on subscribe.
func (m *Manager) OnChange(path string) <-chan Update {
	ch := make(chan Update, 1)
	m.mu.Lock()
	m.subscribers[path] = append(m.subscribers[path], ch)
	m.mu.Unlock()

	select {
	case ch <- Update{Path: path, Config: m.config.Get()}:
	default:
	}
	return ch
}

func (m *Manager) notify(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.config.Get()
	for _, ch := range m.subscribers[path] {
		select {
		case ch <- Update{Path: path, Config: cfg}:
		default:
			m.log.Warn("config: subscriber channel full, dropping update", "path", path)
		}
	}
}

// ReplaceConfig validates and swaps in an entirely new configuration, then
// notifies every subscriber under path "*".
func (m *Manager) ReplaceConfig(cfg *Config) error {
	if err := m.config.Update(cfg); err != nil {
		return err
	}
	m.notify("*")
	return nil
}

// ApplyHotReload merges patch (decoded from a /settings/all PATCH body) into
// the live configuration, restricted to the whitelist, and notifies "*".
func (m *Manager) ApplyHotReload(ctx context.Context, patch map[string]any) error {
	var hr hotReloadable
	if v, ok := patch["logging_level"]; ok {
		n, ok := toInt(v)
		if !ok {
			return fmt.Errorf("config: logging_level must be an integer")
		}
		hr.LoggingLevel = &n
	}
	if v, ok := patch["registration_heartbeat_interval"]; ok {
		f, ok := toFloat(v)
		if !ok {
			return fmt.Errorf("config: registration_heartbeat_interval must be numeric")
		}
		hr.RegistrationHeartbeatInterval = &f
	}

	current := m.config.Get()
	if hr.LoggingLevel != nil {
		current.LoggingLevel = *hr.LoggingLevel
	}
	if hr.RegistrationHeartbeatInterval != nil {
		current.RegistrationHeartbeatInterval = *hr.RegistrationHeartbeatInterval
	}
	if err := m.config.Update(current); err != nil {
		return err
	}
	m.notify("*")
	return nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
