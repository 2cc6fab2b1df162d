// Package expiry implements the periodic garbage-collection sweep of spec.md §4.4:
// resources whose health has lapsed past expiry_interval are erased from the store.
package expiry

import (
	"context"
	"log/slog"
	"time"

	"github.com/nmosnode/node/internal/model"
	"github.com/nmosnode/node/internal/resourcestore"
	"github.com/nmosnode/node/pkg/timestamp"
	"github.com/nmosnode/node/pkg/worker"
)

// Config holds the sweeper's tunables.
type Config struct {
	Tick           time.Duration // default 1s
	ExpiryInterval time.Duration // default 12s
	EvictWorkers   int           // bounded-concurrency eviction width, default 4
}

// DefaultConfig returns spec.md §4.4/§6's defaults.
func DefaultConfig() Config {
	return Config{Tick: time.Second, ExpiryInterval: 12 * time.Second, EvictWorkers: 4}
}

// Sweeper runs the timed eviction loop.
type Sweeper struct {
	cfg   Config
	store *resourcestore.Store
	log   *slog.Logger
}

// New returns a Sweeper over store.
func New(cfg Config, store *resourcestore.Store, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{cfg: cfg, store: store, log: log}
}

// Run ticks until ctx is cancelled. Each tick takes a snapshot of expiry-eligible
// resources and evicts the lapsed ones with bounded concurrency (the store's lock
// is held only for each individual Erase, never across the scan, per §4.4.3).
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := timestamp.Now() / 1000
	candidates := s.store.Snapshot(func(r *model.Resource) bool {
		return r.ExpiryEligible() && now-r.Health >= int64(s.cfg.ExpiryInterval/time.Second)
	})
	if len(candidates) == 0 {
		return
	}

	workers := s.cfg.EvictWorkers
	if workers <= 0 || workers > len(candidates) {
		workers = len(candidates)
	}
	if workers == 0 {
		return
	}

	pool := worker.NewPool[*model.Resource](workers, len(candidates), func(_ context.Context, r *model.Resource) error {
		if err := s.store.Erase(r.ID); err != nil {
			return err
		}
		s.log.Info("evicted expired resource", "id", r.ID, "type", string(r.Type), "age_seconds", now-r.Health)
		return nil
	})
	if err := pool.Start(ctx); err != nil {
		s.log.Error("expiry: worker pool failed to start", "error", err)
		return
	}
	for _, r := range candidates {
		_ = pool.Submit(r)
	}
	_ = pool.Stop(5 * time.Second)
}
