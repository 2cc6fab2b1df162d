package metric

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	nmoserrors "github.com/nmosnode/node/internal/errors"
	"github.com/nmosnode/node/pkg/security"
	"github.com/nmosnode/node/pkg/tlsutil"
)

// Server exposes a Registry's collectors over HTTP for scraping, independent of
// the Node's own x-nmos/settings HTTP facade so a metrics scraper never shares
// a listener (and its access log) with the NMOS APIs.
type Server struct {
	port     int
	path     string
	registry *Registry
	security security.Config

	mu     sync.Mutex
	server *http.Server
}

// NewServer returns a Server for registry on port, serving at path (default
// "/metrics").
func NewServer(port int, path string, registry *Registry, securityCfg security.Config) *Server {
	if path == "" {
		path = "/metrics"
	}
	if port == 0 {
		port = 9090
	}
	return &Server{port: port, path: path, registry: registry, security: securityCfg}
}

// Start blocks serving metrics until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		return nmoserrors.WrapInvalid(fmt.Errorf("metrics server already running"), "metric", "Start", "")
	}
	if s.registry == nil {
		s.mu.Unlock()
		return nmoserrors.WrapFatal(fmt.Errorf("nil registry"), "metric", "Start", "metrics registry not provided")
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.registry.Prometheus(), promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	s.server = &http.Server{Addr: fmt.Sprintf(":%d", s.port), Handler: mux}
	if s.security.TLS.Server.Enabled {
		tlsConfig, err := tlsutil.LoadServerTLSConfig(s.security.TLS.Server)
		if err != nil {
			s.mu.Unlock()
			return nmoserrors.WrapFatal(err, "metric", "Start", "load TLS config")
		}
		s.server.TLSConfig = tlsConfig
	}
	server := s.server
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	var err error
	if s.security.TLS.Server.Enabled {
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return nmoserrors.WrapFatal(err, "metric", "Start", fmt.Sprintf("serve on port %d", s.port))
	}
	return nil
}

// Stop closes the listener if one is running.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	err := s.server.Close()
	s.server = nil
	if err != nil {
		return nmoserrors.WrapTransient(err, "metric", "Stop", "close HTTP server")
	}
	return nil
}
