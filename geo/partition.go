package geo

import (
	"sync"
	"time"

	"github.com/itsneelabh/meshindex/core"
	"github.com/itsneelabh/meshindex/index"
)

// MutationKind classifies pending replication log entries.
type MutationKind string

const (
	MutationRegister MutationKind = "register"
	MutationRemove   MutationKind = "remove"
)

// Mutation is one not-yet-replicated change in a partition's pending log.
type Mutation struct {
	Kind    MutationKind      `json:"kind"`
	AgentID string            `json:"agent_id"`
	Record  *core.AgentRecord `json:"record,omitempty"`
	At      time.Time         `json:"at"`
}

// RegionOptions describes a region at creation time.
type RegionOptions struct {
	// Latitude/Longitude place the region for proximity-based strategies.
	Latitude  float64
	Longitude float64

	// Capacity caps how many agents placement will route here. Zero means
	// the configured default.
	Capacity int

	// BaseLatency models the network distance to the region. Probes add
	// measured local work on top of it.
	BaseLatency time.Duration
}

// Partition is one full copy of the registry scoped to a region: its own
// record store and indexes, plus the pending-mutation log that periodic
// replication drains. Partitions are created on first use of a region ID
// and destroyed only by explicit teardown.
type Partition struct {
	ID   string
	opts RegionOptions

	manager *index.Manager

	mu          sync.Mutex
	pending     []Mutation
	lastSync    time.Time
	syncVersion uint64

	status    core.AgentStatus
	latencyMs float64
}

// RegionStatus is the externally visible health/replication state of one
// partition.
type RegionStatus struct {
	ID          string           `json:"id"`
	Status      core.AgentStatus `json:"status"`
	LatencyMs   float64          `json:"latency_ms"`
	AgentCount  int              `json:"agent_count"`
	Capacity    int              `json:"capacity"`
	PendingOps  int              `json:"pending_ops"`
	SyncVersion uint64           `json:"sync_version"`
	LastSync    time.Time        `json:"last_sync"`
}

func newPartition(id string, opts RegionOptions, cfg core.IndexConfig, logger core.Logger, bus *core.MutationBus) *Partition {
	return &Partition{
		ID:      id,
		opts:    opts,
		manager: index.NewManager(cfg, id, logger, bus),
		status:  core.StatusHealthy,
	}
}

// Manager exposes the partition's private index manager to the geo layer.
func (p *Partition) Manager() *index.Manager { return p.manager }

// logMutation appends to the pending-replication log.
func (p *Partition) logMutation(m Mutation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, m)
}

// drainPending removes and returns the whole pending log, bumping the
// monotonic sync version when anything was drained.
func (p *Partition) drainPending() []Mutation {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return nil
	}
	drained := p.pending
	p.pending = nil
	p.syncVersion++
	p.lastSync = time.Now()
	return drained
}

// requeue puts failed mutations back at the head of the log so ordering
// survives a replication failure.
func (p *Partition) requeue(ops []Mutation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(ops, p.pending...)
}

// Available reports how many more agents placement may route here.
func (p *Partition) Available() int {
	free := p.opts.Capacity - p.manager.Count()
	if free < 0 {
		return 0
	}
	return free
}

func (p *Partition) setHealth(status core.AgentStatus, latencyMs float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = status
	p.latencyMs = latencyMs
}

func (p *Partition) health() (core.AgentStatus, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, p.latencyMs
}

// Status snapshots the partition state.
func (p *Partition) Status() RegionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return RegionStatus{
		ID:          p.ID,
		Status:      p.status,
		LatencyMs:   p.latencyMs,
		AgentCount:  p.manager.Count(),
		Capacity:    p.opts.Capacity,
		PendingOps:  len(p.pending),
		SyncVersion: p.syncVersion,
		LastSync:    p.lastSync,
	}
}
