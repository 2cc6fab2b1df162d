// Package config holds the Node's whitelisted configuration (spec.md §6) behind
// an atomically-swapped, thread-safe wrapper, plus a Manager that fans out
// change notifications to subscribers in place of the teacher's NATS KV sync —
// the Node is explicitly single-process with no cross-restart persistence, so
// a distributed config store has nothing to synchronize against.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/nmosnode/node/pkg/security"
)

// Config is the whitelisted field set from spec.md §6.
type Config struct {
	LoggingLevel int      `json:"logging_level"`
	HostAddresses []string `json:"host_addresses,omitempty"`
	HostAddress   string   `json:"host_address,omitempty"`

	HTTPPort int `json:"http_port,omitempty"`

	NodePort         int `json:"node_port,omitempty"`
	ConnectionPort   int `json:"connection_port,omitempty"`
	EventsPort       int `json:"events_port,omitempty"`
	RegistrationPort int `json:"registration_port,omitempty"`
	QueryPort        int `json:"query_port,omitempty"`
	SystemPort       int `json:"system_port,omitempty"`
	SettingsPort     int `json:"settings_port,omitempty"`
	LoggingPort      int `json:"logging_port,omitempty"`
	EventsWSPort     int `json:"events_ws_port,omitempty"`

	// MetricsPort serves the Prometheus /metrics endpoint. It is deliberately
	// excluded from ResolvePorts' http_port fallback so metrics never share a
	// listener with the x-nmos APIs.
	MetricsPort int `json:"metrics_port,omitempty"`

	Pri int `json:"pri"`

	RegistryAddress string `json:"registry_address,omitempty"`
	Domain          string `json:"domain,omitempty"`

	RegistrationHeartbeatInterval float64 `json:"registration_heartbeat_interval"`
	RegistrationExpiryInterval   float64 `json:"registration_expiry_interval"`

	ListenBacklog int `json:"listen_backlog"`

	ErrorLog  string `json:"error_log,omitempty"`
	AccessLog string `json:"access_log,omitempty"`

	AllowInvalidResources bool `json:"allow_invalid_resources"`

	Security security.Config `json:"security,omitempty"`
	NATSURL  string          `json:"nats_url,omitempty"`
}

// Defaults returns the Config named by spec.md §6's default column, before any
// host-specific interface enumeration.
func Defaults() *Config {
	return &Config{
		LoggingLevel:                  25,
		Pri:                           100,
		Domain:                        "local.",
		RegistrationHeartbeatInterval: 5,
		RegistrationExpiryInterval:    12,
		ListenBacklog:                 0,
		MetricsPort:                   9090,
	}
}

// ResolvePorts fills every unset per-API port from HTTPPort, spec.md §6's
// "fall back to http_port" rule.
func (c *Config) ResolvePorts() {
	if c.HTTPPort == 0 {
		return
	}
	for _, p := range []*int{
		&c.NodePort, &c.ConnectionPort, &c.EventsPort, &c.RegistrationPort,
		&c.QueryPort, &c.SystemPort, &c.SettingsPort, &c.LoggingPort, &c.EventsWSPort,
	} {
		if *p == 0 {
			*p = c.HTTPPort
		}
	}
}

// ResolveHostAddress fills HostAddresses from the OS's interfaces when unset,
// and HostAddress from the first entry.
func (c *Config) ResolveHostAddress(enumerate func() ([]string, error)) error {
	if len(c.HostAddresses) == 0 {
		addrs, err := enumerate()
		if err != nil {
			return fmt.Errorf("enumerate host addresses: %w", err)
		}
		c.HostAddresses = addrs
	}
	if c.HostAddress == "" && len(c.HostAddresses) > 0 {
		c.HostAddress = c.HostAddresses[0]
	}
	return nil
}

// Validate reports malformed values in the whitelisted field set. It does not
// re-validate security.Config; that is the TLS loader's responsibility.
func (c *Config) Validate() error {
	if c.LoggingLevel < -40 || c.LoggingLevel > 40 {
		return fmt.Errorf("config: logging_level %d out of range [-40,40]", c.LoggingLevel)
	}
	if c.RegistrationHeartbeatInterval <= 0 {
		return fmt.Errorf("config: registration_heartbeat_interval must be positive")
	}
	if c.RegistrationExpiryInterval <= 0 {
		return fmt.Errorf("config: registration_expiry_interval must be positive")
	}
	if c.ListenBacklog < 0 {
		return fmt.Errorf("config: listen_backlog must be non-negative")
	}
	return nil
}

// Clone returns a deep copy of c via JSON round-trip, matching the teacher's
// Clone() idiom for configuration structs.
func (c *Config) Clone() *Config {
	if c == nil {
		return Defaults()
	}
	data, err := json.Marshal(c)
	if err != nil {
		return Defaults()
	}
	clone := &Config{}
	if err := json.Unmarshal(data, clone); err != nil {
		return Defaults()
	}
	return clone
}

// Load reads a Config from a JSON file on disk, applying Defaults for any
// whitelisted field the file omits.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SafeConfig is a thread-safe, atomically-swapped holder for the live Config.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Defaults()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update validates and atomically swaps in cfg.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc.mu.Lock()
	sc.config = cfg
	sc.mu.Unlock()
	return nil
}
