// Package optimizer wraps units of work with admission control,
// opportunistic batching and adaptive self-tuning. It bounds how many
// operations run at once and reacts to observed latency and memory
// pressure; it never changes what an operation computes, only when it runs.
package optimizer

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itsneelabh/meshindex/core"
)

// Task is one unit of work admitted through the optimizer.
type Task func(ctx context.Context) (interface{}, error)

type outcome struct {
	value interface{}
	err   error
}

type submission struct {
	ctx  context.Context
	task Task
	done chan outcome
}

// Optimizer enforces a concurrency ceiling with a FIFO overflow queue,
// batches near-simultaneous work while load is low, and runs a feedback
// loop that applies and rolls back mitigation strategies.
type Optimizer struct {
	cfg    core.OptimizerConfig
	logger core.Logger

	sem      chan struct{}
	inFlight atomic.Int64
	queued   atomic.Int64
	totalOps atomic.Int64

	batchMu    sync.Mutex
	pending    []*submission
	batchTimer *time.Timer
	dynBatch   atomic.Int64

	window          *latencyWindow
	lastHeapMB      atomic.Uint64 // float64 bits
	strategies      []*Strategy
	stratMu         sync.Mutex
	connectionReuse atomic.Bool

	closed atomic.Bool
	wg     sync.WaitGroup
	stop   chan struct{}
}

// New creates an optimizer and starts its tuning loop. cache and rebuilder
// may be nil; the corresponding strategies then never activate.
func New(cfg core.OptimizerConfig, cache CacheTuner, rebuilder Rebuilder, logger core.Logger) *Optimizer {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	o := &Optimizer{
		cfg:    cfg,
		logger: logger,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		window: newLatencyWindow(cfg.LatencyWindowSize),
		stop:   make(chan struct{}),
	}
	o.dynBatch.Store(int64(cfg.BatchSize))
	o.strategies = defaultStrategies(o, cache, rebuilder, cfg)

	o.wg.Add(1)
	go o.tuneLoop()
	return o
}

// Execute admits the task, possibly batching it with near-simultaneous
// callers, and returns its result. Each caller receives only its own
// result. After Shutdown it fails fast with ErrShuttingDown.
func (o *Optimizer) Execute(ctx context.Context, task Task) (interface{}, error) {
	if o.closed.Load() {
		return nil, core.NewEngineError("optimizer.Execute", "lifecycle", core.ErrShuttingDown)
	}
	o.totalOps.Add(1)

	batchSize := o.batchSize()
	if batchSize > 1 && o.loadFactor() < 0.8 {
		sub := &submission{ctx: ctx, task: task, done: make(chan outcome, 1)}
		o.enqueue(sub, batchSize)
		select {
		case out := <-sub.done:
			return out.value, out.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.runOne(ctx, task)
}

// enqueue buffers the submission until the batch fills or the window timer
// fires, whichever comes first.
func (o *Optimizer) enqueue(sub *submission, batchSize int) {
	o.batchMu.Lock()
	defer o.batchMu.Unlock()

	o.pending = append(o.pending, sub)
	if len(o.pending) >= batchSize {
		o.flushLocked()
		return
	}
	if o.batchTimer == nil {
		o.batchTimer = time.AfterFunc(o.cfg.BatchWindow, o.flushPending)
	}
}

func (o *Optimizer) flushPending() {
	o.batchMu.Lock()
	defer o.batchMu.Unlock()
	o.flushLocked()
}

// flushLocked launches every buffered submission concurrently; caller holds
// batchMu. Batching amortizes scheduling overhead without changing
// per-call semantics.
func (o *Optimizer) flushLocked() {
	if o.batchTimer != nil {
		o.batchTimer.Stop()
		o.batchTimer = nil
	}
	batch := o.pending
	o.pending = nil
	for _, sub := range batch {
		s := sub
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			value, err := o.runOne(s.ctx, s.task)
			s.done <- outcome{value: value, err: err}
		}()
	}
}

// runOne acquires a concurrency slot (waiting FIFO behind the ceiling),
// executes the task and records its latency.
func (o *Optimizer) runOne(ctx context.Context, task Task) (interface{}, error) {
	o.queued.Add(1)
	select {
	case o.sem <- struct{}{}:
		o.queued.Add(-1)
	case <-ctx.Done():
		o.queued.Add(-1)
		return nil, ctx.Err()
	}
	o.inFlight.Add(1)
	defer func() {
		o.inFlight.Add(-1)
		<-o.sem
	}()

	start := time.Now()
	value, err := task(ctx)
	o.window.add(float64(time.Since(start).Microseconds()) / 1000.0)
	return value, err
}

// Metrics returns the current rolling snapshot.
func (o *Optimizer) Metrics() Snapshot {
	count, mean, p95, p99 := o.window.stats()
	return Snapshot{
		Samples:      count,
		AvgLatencyMs: mean,
		P95LatencyMs: p95,
		P99LatencyMs: p99,
		Saturation:   o.loadFactor(),
		QueueDepth:   int(o.queued.Load()),
		HeapMB:       math.Float64frombits(o.lastHeapMB.Load()),
	}
}

// TotalOperations counts every admission since construction.
func (o *Optimizer) TotalOperations() int64 {
	return o.totalOps.Load()
}

// ConnectionReuse reports whether the connection-reuse strategy is active.
// Transports consult it when deciding to pool upstream connections.
func (o *Optimizer) ConnectionReuse() bool {
	return o.connectionReuse.Load()
}

// ActiveStrategies lists the names of currently applied strategies.
func (o *Optimizer) ActiveStrategies() []string {
	o.stratMu.Lock()
	defer o.stratMu.Unlock()
	var names []string
	for _, s := range o.strategies {
		if s.active {
			names = append(names, s.Name)
		}
	}
	return names
}

// Shutdown stops accepting new admissions, flushes and drains in-flight
// work, and rolls back every active strategy. It returns the context error
// when draining exceeds the deadline.
func (o *Optimizer) Shutdown(ctx context.Context) error {
	if o.closed.Swap(true) {
		return nil
	}
	close(o.stop)
	o.flushPending()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	var drainErr error
	select {
	case <-done:
	case <-ctx.Done():
		drainErr = ctx.Err()
	}

	o.stratMu.Lock()
	for _, s := range o.strategies {
		if s.active {
			s.Rollback()
			s.active = false
			o.logger.Info("strategy rolled back on shutdown", map[string]interface{}{
				"strategy": s.Name,
			})
		}
	}
	o.stratMu.Unlock()
	return drainErr
}

// tuneLoop samples memory and re-evaluates strategies on a fixed interval.
func (o *Optimizer) tuneLoop() {
	defer o.wg.Done()
	interval := o.cfg.TuneInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			o.lastHeapMB.Store(math.Float64bits(heapMB()))
			o.evaluateStrategies(o.Metrics())
		}
	}
}

// evaluateStrategies applies and rolls back strategies in declaration
// order. An active strategy is never reapplied until it has rolled back.
func (o *Optimizer) evaluateStrategies(snap Snapshot) {
	o.stratMu.Lock()
	defer o.stratMu.Unlock()
	for _, s := range o.strategies {
		switch {
		case s.active && s.ShouldRollback(snap):
			s.Rollback()
			s.active = false
			o.logger.Info("strategy rolled back", map[string]interface{}{
				"strategy": s.Name,
			})
		case !s.active && s.ShouldActivate(snap):
			s.Apply()
			s.active = true
			o.logger.Info("strategy applied", map[string]interface{}{
				"strategy":       s.Name,
				"avg_latency_ms": snap.AvgLatencyMs,
				"saturation":     snap.Saturation,
				"heap_mb":        snap.HeapMB,
			})
		}
	}
}

func (o *Optimizer) loadFactor() float64 {
	return float64(o.inFlight.Load()) / float64(o.cfg.MaxConcurrent)
}

func (o *Optimizer) batchSize() int {
	return int(o.dynBatch.Load())
}

func (o *Optimizer) setBatchSize(n int) {
	if n < 1 {
		n = 1
	}
	if n > 256 {
		n = 256
	}
	o.dynBatch.Store(int64(n))
}
