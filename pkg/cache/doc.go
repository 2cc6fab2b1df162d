// Package cache provides high-performance, thread-safe caching implementations with
// multiple eviction policies, built-in statistics tracking, and optional Prometheus
// metrics integration.
//
// # Overview
//
// The cache package offers four cache implementations with different eviction strategies:
//   - Simple: No eviction (manual cleanup only)
//   - LRU: Least Recently Used eviction
//   - TTL: Time-To-Live expiration
//   - Hybrid: Combines LRU and TTL policies
//
// All implementations are generic, thread-safe, and provide comprehensive observability
// through always-on statistics and optional metrics.
//
// # Quick Start
//
// Simple cache creation:
//
//	cache, _ := cache.NewSimple[string]()
//	cache.Set("key", "value")
//	value, ok := cache.Get("key")
//
// LRU cache with capacity limit:
//
//	cache, err := cache.NewLRU[*User](1000)
//	if err != nil {
//		log.Fatal(err)
//	}
//
// TTL cache with expiration:
//
//	cache, err := cache.NewTTL[*Session](ctx, 30*time.Minute, 5*time.Minute)
//
// Hybrid cache with both LRU and TTL (the Hybrid constructor is not exported;
// Hybrid caches are built through NewFromConfig):
//
//	cache, err := cache.NewFromConfig[[]byte](ctx, cache.Config{
//		Enabled: true, Strategy: cache.StrategyHybrid,
//		MaxSize: 5000, TTL: 10 * time.Minute, CleanupInterval: 1 * time.Minute,
//	},
//		cache.WithMetrics[[]byte](registry, "api_cache"),
//		cache.WithEvictionCallback[[]byte](func(key string, value []byte) {
//			log.Printf("Evicted: %s", key)
//		}),
//	)
//
// # Cache Types and Eviction Policies
//
// Simple Cache (No Eviction):
//
// Items remain in cache until explicitly deleted or cache is cleared. Best for
// small, stable datasets where manual control is desired.
//
//	cache, _ := cache.NewSimple[V]()
//
// LRU Cache (Capacity-Based):
//
// Evicts least recently used items when maximum capacity is reached. Best for
// fixed-size caches where recent access patterns indicate importance.
//
//	cache, _ := cache.NewLRU[V](maxSize)
//
// TTL Cache (Time-Based):
//
// Items expire after a time-to-live period. Background cleanup goroutine removes
// expired items. Best for time-sensitive data like sessions or tokens.
//
//	cache, _ := cache.NewTTL[V](ctx, ttl, cleanupInterval)
//
// Hybrid Cache (Capacity + Time):
//
// Combines LRU and TTL - items are evicted if they're either least recently used
// OR expired. Best for production caches requiring both size and time limits.
//
//	cache, _ := cache.NewFromConfig[V](ctx, cache.Config{
//		Enabled: true, Strategy: cache.StrategyHybrid,
//		MaxSize: maxSize, TTL: ttl, CleanupInterval: cleanupInterval,
//	})
//
// # Observability Architecture
//
// The cache package implements a dual-tracking pattern for comprehensive observability:
//
// Statistics (Always On):
//   - Tracks all operations using atomic counters
//   - Zero configuration required
//   - Available via cache.Stats()
//   - Provides computed metrics (hit ratio, requests/sec)
//   - No external dependencies
//
// Prometheus Metrics (Optional):
//   - Enabled via WithMetrics() option
//   - Exports to Prometheus for time-series monitoring
//   - Includes component labels for instance identification
//   - Standard metric types (Counter, Gauge)
//
// # Design Decision: Dual Tracking Pattern
//
// Both Statistics and Metrics track operations independently, which appears redundant
// but serves distinct operational purposes:
//
// Why Track Twice?
//
// 1. Independence: Statistics work without Prometheus dependency
//   - Always available for debugging, even in minimal deployments
//   - No external infrastructure required for basic observability
//   - Critical for tests and local development
//
// 2. Computed Metrics: Statistics provide derived values not available in raw Prometheus
//   - Hit ratio (hits / total requests)
//   - Requests per second with built-in timing
//   - Miss ratio (misses / total requests)
//   - Uptime since the statistics were created (no per-item lifetime is tracked)
//
// 3. Different Use Cases:
//   - Statistics: Programmatic access, debugging, tests, runtime inspection
//   - Metrics: Time-series analysis, Grafana dashboards, alerting, production monitoring
//
// 4. Performance Trade-off:
//   - Overhead: ~50-100ns per operation for dual tracking
//   - At 1M ops/sec: ~5-10% total overhead
//   - Cost is negligible compared to observability value
//
// Alternative Considered: Metrics-Based Statistics
//
// We considered reading Statistics from Prometheus metrics to avoid duplication:
//
//	func (s *Statistics) Hits() int64 {
//		dto := &dto.Metric{}
//		s.metrics.hits.Write(dto)
//		return int64(dto.Counter.GetValue())
//	}
//
// Rejected because:
//   - Creates Prometheus dependency for basic stats
//   - Reading from Prometheus is significantly slower (~10x) than atomic operations
//   - Breaks Statistics when metrics are disabled
//   - Violates separation of concerns (stats vs monitoring)
//   - Makes testing more complex (requires mock metrics)
//
// # Performance Impact
//
// Dual tracking overhead per operation:
//   - 1x atomic increment (Statistics)
//   - 1x atomic increment (Prometheus counter) if enabled
//   - 1x gauge set (Prometheus) if enabled
//
// Benchmarks (M1 MacBook Pro):
//   - LRU Get with stats only: ~226ns/op
//   - LRU Get with stats + metrics: ~238ns/op (~5% overhead)
//   - LRU Set with stats only: ~361ns/op
//   - LRU Set with stats + metrics: ~379ns/op (~5% overhead)
//
// At high throughput (1M ops/sec), dual tracking adds ~50-100ms/sec of overhead,
// which is acceptable for the operational visibility gained.
//
// # Functional Options Pattern
//
// The package uses functional options for clean, composable configuration:
//
//	cache, err := cache.NewLRU[V](capacity,
//		cache.WithMetrics[V](registry, "component"),
//		cache.WithEvictionCallback[V](callback),
//	)
//
// Available options:
//   - WithMetrics: Enable Prometheus metrics export
//   - WithEvictionCallback: Get notified when items are evicted
//   - WithStatsInterval: Stores an interval on TTL/Hybrid caches; no code reads it
//
// This pattern provides:
//   - Clear intent with named functions
//   - Easy composition of features
//   - Backward compatibility when adding options
//   - Type-safe configuration with generics
//
// # Thread Safety
//
// All cache operations are thread-safe for concurrent use:
//   - Multiple goroutines can read concurrently (RWMutex for reads)
//   - Writes are serialized with mutex protection
//   - Statistics use atomic operations (lock-free)
//   - Metrics use Prometheus atomic types
//   - TTL cleanup runs in background goroutine
//   - Eviction callbacks run after the lock is released for LRU evictions and
//     deletes, Simple.Delete, TTL Get/Delete and both background cleanups; Clear
//     on Simple, TTL and Hybrid caches and Hybrid Get/Delete/capacity eviction
//     run them while the cache lock is still held
//
// # Performance Characteristics
//
// Simple Cache:
//   - Get: O(1) map lookup
//   - Set: O(1) map insert
//   - Delete: O(1) map delete
//   - Memory: O(n) where n is number of items
//
// LRU Cache:
//   - Get: O(1) map lookup + list move
//   - Set: O(1) map insert + list append/evict
//   - Delete: O(1) map delete + list remove
//   - Memory: O(n) map + list overhead
//
// TTL Cache:
//   - Get: O(1) map lookup + expiry check
//   - Set: O(1) map insert
//   - Delete: O(1) map delete
//   - Cleanup: O(n) periodic scan (background)
//   - Memory: O(n) map + expiry tracking
//
// Hybrid Cache:
//   - Get: O(1) map lookup + list move + expiry check
//   - Set: O(1) map insert + list append/evict
//   - Delete: O(1) map delete + list remove
//   - Cleanup: O(n) periodic scan (background)
//   - Memory: O(n) map + list + expiry tracking
//
// # Generic Type Support
//
// Caches are fully generic and work with any Go type:
//
//	stringCache, _ := cache.NewSimple[string]()
//	intCache, _ := cache.NewLRU[int](100)
//	structCache, _ := cache.NewTTL[*User](ctx, 5*time.Minute, 1*time.Minute)
//	sliceCache, _ := cache.NewFromConfig[[]byte](ctx, cache.Config{
//		Enabled: true, Strategy: cache.StrategyHybrid,
//		MaxSize: 1000, TTL: 10 * time.Minute, CleanupInterval: 1 * time.Minute,
//	})
//
// Type constraints:
//   - Keys are always strings (for consistent hashing and comparison)
//   - Values can be any type V
//   - No serialization required - stores values directly in memory
//
// # Common Use Cases
//
// API Response Caching:
//
//	cache, _ := cache.NewFromConfig[*Response](ctx, cache.Config{
//		Enabled: true, Strategy: cache.StrategyHybrid,
//		MaxSize: 5000, TTL: 30 * time.Minute, CleanupInterval: 5 * time.Minute,
//	},
//		cache.WithMetrics[*Response](registry, "api_cache"),
//	)
//
// Session Storage:
//
//	cache, _ := cache.NewTTL[*Session](ctx, 2*time.Hour, 10*time.Minute,
//		cache.WithEvictionCallback[*Session](func(key string, session *Session) {
//			session.PersistToDB() // Save to persistent storage on eviction
//		}),
//	)
//
// Entity Caching (Two-Level):
//
//	l1Cache, _ := cache.NewLRU[*Entity](1000) // Hot entities
//	l2Cache, _ := cache.NewTTL[*Entity](ctx, 1*time.Hour, 5*time.Minute) // All recent entities
//
// Computed Results:
//
//	cache, _ := cache.NewLRU[*Result](500,
//		cache.WithMetrics[*Result](registry, "computation_cache"),
//	)
//
// # Context and Cleanup
//
// TTL and Hybrid caches run background cleanup goroutines. Always pass a context
// that will be canceled when cleanup should stop:
//
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//
//	cache, _ := cache.NewTTL[V](ctx, ttl, cleanupInterval)
//	// Cleanup goroutine stops when ctx is canceled
//
// For Simple and LRU caches, no background goroutines are created.
//
// # Testing
//
// The package includes comprehensive tests with race detection:
//
//	go test -race ./pkg/cache
//
// Benchmarks are available to validate performance:
//
//	go test -bench=. ./pkg/cache
//
// Statistics make testing cache behavior easy:
//
//	cache, _ := cache.NewSimple[int]()
//	cache.Set("key", 42)
//	_, _ = cache.Get("key")
//	_, _ = cache.Get("missing")
//
//	assert.Equal(t, int64(1), cache.Stats().Hits())
//	assert.Equal(t, int64(1), cache.Stats().Misses())
//	assert.Equal(t, 0.5, cache.Stats().HitRatio())
//
// # Examples
//
// See cache_test.go for usage of every cache type; the package has no godoc Example functions.
package cache
