package optimizer

import (
	"time"

	"github.com/itsneelabh/meshindex/core"
)

// CacheTuner is the slice of the index cache the optimizer may adjust.
type CacheTuner interface {
	TTL() time.Duration
	SetTTL(ttl time.Duration)
}

// Rebuilder triggers a full index rebuild.
type Rebuilder interface {
	Rebuild()
}

// Strategy is one named mitigation. Activation is driven by the predicate
// over recent metrics; Apply and Rollback must be inverse operations unless
// the strategy is one-shot. Strategies only affect latency and throughput,
// never query results.
type Strategy struct {
	Name           string
	ShouldActivate func(s Snapshot) bool
	ShouldRollback func(s Snapshot) bool
	Apply          func()
	Rollback       func()

	active bool
}

// Active reports whether the strategy is currently applied.
func (s *Strategy) Active() bool { return s.active }

// defaultStrategies builds the ordered strategy set for one optimizer.
// Order matters: cheaper mitigations come first so they get a chance to
// relieve pressure before the expensive ones fire.
func defaultStrategies(o *Optimizer, cache CacheTuner, rebuilder Rebuilder, cfg core.OptimizerConfig) []*Strategy {
	memoryBudget := float64(cfg.MemoryBudgetMB)
	var savedTTL time.Duration
	savedBatch := cfg.BatchSize

	strategies := []*Strategy{
		{
			// Widen the cache TTL so hot queries stay served from memory
			// while the backend is slow.
			Name: "aggressive-caching",
			ShouldActivate: func(s Snapshot) bool {
				return cache != nil && s.AvgLatencyMs > 50 && s.HeapMB < memoryBudget
			},
			ShouldRollback: func(s Snapshot) bool {
				return s.AvgLatencyMs < 25 || s.HeapMB >= memoryBudget
			},
			Apply: func() {
				savedTTL = cache.TTL()
				cache.SetTTL(savedTTL * 2)
			},
			Rollback: func() {
				cache.SetTTL(savedTTL)
			},
		},
		{
			Name: "batch-scaling",
			ShouldActivate: func(s Snapshot) bool {
				return s.Saturation > 0.8
			},
			ShouldRollback: func(s Snapshot) bool {
				return s.Saturation < 0.4
			},
			Apply: func() {
				savedBatch = o.batchSize()
				o.setBatchSize(savedBatch * 2)
			},
			Rollback: func() {
				o.setBatchSize(savedBatch)
			},
		},
		{
			// One-shot: reconstructing the postings and pre-filter sheds
			// tombstoned tokens when memory pressure builds up.
			Name: "index-rebuild",
			ShouldActivate: func(s Snapshot) bool {
				return rebuilder != nil && s.HeapMB > memoryBudget
			},
			ShouldRollback: func(s Snapshot) bool {
				return s.HeapMB < memoryBudget*0.9
			},
			Apply: func() {
				rebuilder.Rebuild()
			},
			Rollback: func() {},
		},
		{
			Name: "connection-reuse",
			ShouldActivate: func(s Snapshot) bool {
				return s.P95LatencyMs > 80
			},
			ShouldRollback: func(s Snapshot) bool {
				return s.P95LatencyMs < 40
			},
			Apply: func() {
				o.connectionReuse.Store(true)
			},
			Rollback: func() {
				o.connectionReuse.Store(false)
			},
		},
	}
	return strategies
}
