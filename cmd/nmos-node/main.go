// Package main implements the entry point for the AMWA NMOS Node runtime: a
// single-process service that holds a Node's resource graph, registers it with
// a discovered Registration API, sweeps expired resources, and serves the
// Node/Connection/Events HTTP APIs plus the event/tally WebSocket engine.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nmosnode/node/internal/api"
	"github.com/nmosnode/node/internal/config"
	"github.com/nmosnode/node/internal/discovery"
	"github.com/nmosnode/node/internal/events"
	"github.com/nmosnode/node/internal/expiry"
	"github.com/nmosnode/node/internal/health"
	"github.com/nmosnode/node/internal/metric"
	"github.com/nmosnode/node/internal/model"
	"github.com/nmosnode/node/internal/natsbridge"
	"github.com/nmosnode/node/internal/registration"
	"github.com/nmosnode/node/internal/resourcestore"
	"github.com/nmosnode/node/internal/validate"

	"github.com/google/uuid"
)

const (
	appVersion = "0.1.0"
	appName    = "nmos-node"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("nmos-node exited with error", "error", err)
		os.Exit(badExitCode(err))
	}
}

// badExitCode maps startup-configuration failures to -1 (spec.md §6); anything
// else that reaches main is an unspecified unrecoverable fault.
func badExitCode(err error) int {
	if _, ok := err.(*startupError); ok {
		return -1
	}
	return 1
}

type startupError struct{ error }

func run() error {
	cliCfg, shouldExit, err := parseFlags()
	if shouldExit || err != nil {
		return err
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)
	slog.Info("starting nmos-node", "version", appVersion, "config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		cfg = config.Defaults()
		slog.Warn("using default configuration", "reason", err.Error())
	}
	cfg.ResolvePorts()
	if err := cfg.ResolveHostAddress(enumerateHostAddresses); err != nil {
		return &startupError{fmt.Errorf("resolve host address: %w", err)}
	}
	if err := cfg.Validate(); err != nil {
		return &startupError{err}
	}

	nodeID := uuid.New().String()
	node := newNodeRuntime(nodeID, cfg, logger)

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()
	// SIGHUP is ignored (spec.md §6) rather than triggering a config reload —
	// /settings/all is the only reload path.
	signal.Ignore(syscall.SIGHUP)

	return node.runUntilShutdown(signalCtx)
}

// nodeRuntime owns every subsystem and the errgroup that supervises them.
type nodeRuntime struct {
	cfg    *config.Config
	log    *slog.Logger
	nodeID string

	store      *resourcestore.Store
	validation *validate.Registry
	settings   *config.Manager
	metrics    *metric.Registry
	health     *health.Monitor
	events     *events.Engine
	sweeper    *expiry.Sweeper
	regClient  *registration.Client
	facade     *api.Facade
	natsBridge *natsbridge.Bridge
}

func newNodeRuntime(nodeID string, cfg *config.Config, log *slog.Logger) *nodeRuntime {
	store := resourcestore.New()
	settings := config.NewManager(cfg, log)
	metrics := metric.NewRegistry()
	healthMon := health.NewMonitor()
	validation := validate.NewRegistry()
	validation.AllowInvalid = cfg.AllowInvalidResources
	validation.OnWarning(func(resourceType model.Type, apiVersion string, errs []string) {
		log.Warn("resource failed schema validation, accepted under allow_invalid_resources",
			"type", resourceType, "api_version", apiVersion, "errors", errs)
	})

	eng := events.New(log, func(sourceID string) (events.SourceState, bool) {
		res, err := store.Get(sourceID)
		if err != nil || res.Type != model.TypeSource {
			return events.SourceState{}, false
		}
		var eventType string
		_ = res.Field("event_type", &eventType)
		return events.SourceState{SourceID: sourceID, EventType: model.EventType(eventType), Value: res.Payload}, true
	})

	sweeper := expiry.New(expiry.Config{
		Tick:           time.Second,
		ExpiryInterval: time.Duration(cfg.RegistrationExpiryInterval) * time.Second,
		EvictWorkers:   4,
	}, store, log)

	facade := api.NewFacade(store, eng, validation, settings, nodeID, cfg.HostAddress, cfg.NodePort, log)

	bridge := natsbridge.New(cfg.NATSURL, nodeID, log)
	eng.OnGrain(bridge.MirrorGrains())
	facade.SetNATSBridge(bridge)
	facade.SetMetrics(metrics)

	return &nodeRuntime{
		cfg: cfg, log: log, nodeID: nodeID,
		store: store, validation: validation, settings: settings,
		metrics: metrics, health: healthMon, events: eng, sweeper: sweeper, facade: facade,
		natsBridge: bridge,
	}
}

// runUntilShutdown wires the registration client (needs the HTTP listener's
// chosen port known up front) and supervises every long-running subsystem with
// an errgroup, returning once ctx is cancelled and every subsystem has wound
// down within the configured grace period.
func (n *nodeRuntime) runUntilShutdown(ctx context.Context) error {
	locator, regAPI, err := n.buildRegistryLocator()
	if err != nil {
		return &startupError{err}
	}

	regCfg := registration.DefaultConfig(n.nodeID)
	regCfg.HeartbeatInterval = time.Duration(n.cfg.RegistrationHeartbeatInterval) * time.Second
	regClient, err := registration.New(ctx, regCfg, n.store, locator, regAPI)
	if err != nil {
		return &startupError{err}
	}
	n.regClient = regClient

	if err := n.natsBridge.Connect(ctx); err != nil {
		n.log.Warn("natsbridge: disabled, continuing without operational mirror", "error", err)
	}
	mirrorState := n.natsBridge.MirrorRegistrationState()
	regClient.OnStateChange(func(s registration.State) {
		n.health.UpdateHealthy("registration", s.String())
		mirrorState(s)
	})

	mux := http.NewServeMux()
	n.facade.RegisterHTTPHandlers("/", mux)
	mux.HandleFunc("/x-nmos/events/v1.0/ws", func(w http.ResponseWriter, r *http.Request) {
		if err := n.events.HandleUpgrade(w, r, nil); err != nil {
			n.log.Warn("events upgrade failed", "error", err)
		}
	})
	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", n.cfg.NodePort), Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	registration.Supervise(gctx, g, regClient)
	g.Go(func() error { return n.sweeper.Run(gctx) })
	g.Go(func() error {
		go func() {
			<-gctx.Done()
			_ = httpServer.Close()
		}()
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	metricsServer := metric.NewServer(n.cfg.MetricsPort, "/metrics", n.metrics, n.cfg.Security)
	g.Go(func() error { return metricsServer.Start(gctx) })

	<-ctx.Done()
	n.log.Info("shutdown signal received, draining")
	n.store.Shutdown()
	if err := n.natsBridge.Close(); err != nil {
		n.log.Warn("natsbridge: close failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()

	select {
	case err := <-waitErr:
		if err != nil && gctx.Err() == nil {
			return err
		}
	case <-shutdownCtx.Done():
		n.log.Warn("shutdown grace period elapsed before subsystems drained")
	}
	n.log.Info("nmos-node shutdown complete")
	return nil
}

// buildRegistryLocator builds a locator over the manual registry_address
// override named in spec.md §6. With none configured it returns an error, since
// this build carries no DNS-SD client to fall back on.
func (n *nodeRuntime) buildRegistryLocator() (registration.RegistryLocator, registration.RegistryAPI, error) {
	regAPI := registration.NewHTTPAPI(nil)

	if n.cfg.RegistryAddress != "" {
		backend, err := discovery.NewStaticBackend(n.cfg.RegistryAddress, discovery.MakeTXT(discovery.ServiceRegister, discovery.ProtoHTTP, []string{"v1.3"}, n.cfg.Pri))
		if err != nil {
			return nil, nil, fmt.Errorf("parse registry_address: %w", err)
		}
		loc := &discovery.Locator{
			Browser: backend, Resolver: backend,
			Opts: discovery.ResolveOptions{Service: discovery.ServiceRegister, Domain: n.cfg.Domain, RequiredVers: []string{"v1.2", "v1.3"}},
		}
		return loc, regAPI, nil
	}

	return nil, nil, fmt.Errorf("no registry_address configured and no DNS-SD backend is available in this build")
}

func enumerateHostAddresses() ([]string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
			continue
		}
		out = append(out, ipNet.IP.String())
	}
	if len(out) == 0 {
		out = []string{"127.0.0.1"}
	}
	return out, nil
}
